package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-fanout/internal/gtfs"
)

func TestNextFrameKeepsBatchKind(t *testing.T) {
	in := gtfs.ArrivalBatch{StopID: "ADELADA1", Arrivals: []gtfs.StopArrival{{StopID: "ADELADA1", RouteID: "02", ArrivalTime: 10}}}
	b, err := json.Marshal(Next("s1", in))
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(b, &f))
	out, err := f.Batch()
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEmptyBatchesDecodeToTheirKind(t *testing.T) {
	out, err := Next("s1", gtfs.VehicleBatch{RouteID: "02"}).Batch()
	require.NoError(t, err)
	assert.Equal(t, gtfs.VehicleBatch{RouteID: "02"}, out)

	out, err = Next("p", gtfs.ProbeBatch{}).Batch()
	require.NoError(t, err)
	assert.Equal(t, gtfs.ProbeBatch{}, out)
}

func TestBatchRejectsOtherFrames(t *testing.T) {
	_, err := Complete("s1").Batch()
	assert.Error(t, err)
	_, err = Frame{Type: TypeNext, Topic: "nope"}.Batch()
	assert.Error(t, err)
}
