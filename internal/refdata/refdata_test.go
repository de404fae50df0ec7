package refdata

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stopsTxt = "\ufeffstop_id,stop_code,stop_name,stop_lat,stop_lon\n" +
	"1001,ADELADA1,\"Adelaida, 1\",38.99,-1.85\n" +
	"1002,,Sin codigo,38.98,-1.86\n" +
	"1003, PLZMAYOR ,Plaza Mayor,38.97,-1.87\n"

func TestParseStops(t *testing.T) {
	codes, err := ParseStops(strings.NewReader(stopsTxt))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1001": "ADELADA1", "1003": "PLZMAYOR"}, codes)
}

func TestParseStopsColumnOrder(t *testing.T) {
	codes, err := ParseStops(strings.NewReader("stop_name,stop_code,stop_id\nA,CODEA,1\nshort\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "CODEA"}, codes)
}

func TestParseStopsRequiresColumns(t *testing.T) {
	_, err := ParseStops(strings.NewReader("stop_id,stop_name\n1,A\n"))
	assert.Error(t, err)
	_, err = ParseStops(strings.NewReader(""))
	assert.Error(t, err)
}

func TestLoadCSVPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stops.txt")
	require.NoError(t, os.WriteFile(path, []byte(stopsTxt), 0o600))

	codes, err := Load(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, "ADELADA1", codes.Canonical("1001"))
	assert.Equal(t, "1002", codes.Canonical("1002"))
}

func TestLoadEmptySource(t *testing.T) {
	codes, err := Load(context.Background(), "", "")
	require.NoError(t, err)
	assert.Empty(t, codes)
	assert.Equal(t, "1001", codes.Canonical("1001"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope.txt"), "")
	assert.ErrorContains(t, err, "csv")
}

func TestLoadRedisRequiresKey(t *testing.T) {
	_, err := Load(context.Background(), "redis://127.0.0.1:6379/0", "")
	assert.ErrorContains(t, err, "empty redis key")
}
