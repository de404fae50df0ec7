package client

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-fanout/internal/gtfs"
)

func counting(n *int) Callbacks {
	return Callbacks{Next: func(gtfs.Batch) { *n++ }}
}

func TestMultiplexingSharesOneTransportSubscription(t *testing.T) {
	tr := newFakeTransport()
	m := NewMultiplexer()
	m.Bind(tr)

	counts := make([]int, 4)
	for i := range counts {
		_, err := m.Subscribe(gtfs.KindVehicle, "02", counting(&counts[i]))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, tr.openCount("vehicle:02"))
	assert.Equal(t, 4, m.Callers("vehicle:02"))

	tr.emit(gtfs.VehicleBatch{RouteID: "02"})
	tr.emit(gtfs.VehicleBatch{RouteID: "02"})
	assert.Equal(t, []int{2, 2, 2, 2}, counts)
}

func TestUnsubscribeOne(t *testing.T) {
	tr := newFakeTransport()
	m := NewMultiplexer()
	m.Bind(tr)

	var a, b int
	tokA, err := m.Subscribe(gtfs.KindStop, "ADELADA1", counting(&a))
	require.NoError(t, err)
	tokB, err := m.Subscribe(gtfs.KindStop, "ADELADA1", counting(&b))
	require.NoError(t, err)
	assert.Equal(t, "stop:ADELADA1", tokA.Topic())

	assert.True(t, m.UnsubscribeOne(tokA))
	assert.False(t, m.UnsubscribeOne(tokA), "second removal is a no-op")
	assert.Equal(t, 1, tr.openCount("stop:ADELADA1"))

	tr.emit(gtfs.ArrivalBatch{StopID: "ADELADA1"})
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)

	assert.True(t, m.UnsubscribeOne(tokB))
	assert.Equal(t, 0, tr.openCount("stop:ADELADA1"))
	assert.Empty(t, m.Keys())
	assert.False(t, m.UnsubscribeOne(Token{}))
}

func TestUnsubscribeCompletely(t *testing.T) {
	tr := newFakeTransport()
	m := NewMultiplexer()
	m.Bind(tr)

	var a, b int
	tok, err := m.Subscribe(gtfs.KindVehicle, "02", counting(&a))
	require.NoError(t, err)
	_, err = m.Subscribe(gtfs.KindVehicle, "02", counting(&b))
	require.NoError(t, err)

	assert.True(t, m.UnsubscribeCompletely(tok))
	assert.Equal(t, 0, tr.openCount("vehicle:02"))
	tr.emit(gtfs.VehicleBatch{RouteID: "02"})
	assert.Zero(t, a+b)
	assert.False(t, m.UnsubscribeCompletely(tok))
}

func TestResubscribeAllRestoresSubscriberSet(t *testing.T) {
	old := newFakeTransport()
	m := NewMultiplexer()
	m.Bind(old)

	var v1, v2, s1, s2 int
	for _, sub := range []struct {
		kind gtfs.Kind
		id   string
		n    *int
	}{
		{gtfs.KindVehicle, "02", &v1},
		{gtfs.KindVehicle, "02", &v2},
		{gtfs.KindStop, "ADELADA1", &s1},
	} {
		_, err := m.Subscribe(sub.kind, sub.id, counting(sub.n))
		require.NoError(t, err)
	}

	// connection lost; a new caller subscribes while offline
	m.Bind(nil)
	_, err := m.Subscribe(gtfs.KindStop, "ADELADA1", counting(&s2))
	require.NoError(t, err)
	before := m.Keys()

	fresh := newFakeTransport()
	m.Bind(fresh)
	m.ResubscribeAll()

	assert.Equal(t, before, m.Keys())
	assert.Equal(t, 1, fresh.openCount("vehicle:02"))
	assert.Equal(t, 1, fresh.openCount("stop:ADELADA1"))
	assert.Equal(t, 2, m.Callers("vehicle:02"))
	assert.Equal(t, 2, m.Callers("stop:ADELADA1"))

	old.emit(gtfs.VehicleBatch{RouteID: "02"})
	assert.Zero(t, v1+v2, "events of the lost transport are ignored")

	fresh.emit(gtfs.VehicleBatch{RouteID: "02"})
	fresh.emit(gtfs.ArrivalBatch{StopID: "ADELADA1"})
	assert.Equal(t, []int{1, 1, 1, 1}, []int{v1, v2, s1, s2})
}

func TestResubscribeAllOnSameTransportDoesNotDuplicate(t *testing.T) {
	tr := newFakeTransport()
	m := NewMultiplexer()
	m.Bind(tr)

	var n int
	_, err := m.Subscribe(gtfs.KindVehicle, "02", counting(&n))
	require.NoError(t, err)

	m.ResubscribeAll()
	m.ResubscribeAll()
	assert.Equal(t, 1, tr.openCount("vehicle:02"))
	assert.Equal(t, 3, tr.openedCount("vehicle:02"))

	tr.emit(gtfs.VehicleBatch{RouteID: "02"})
	assert.Equal(t, 1, n)
}

func TestCompleteRemovesHandle(t *testing.T) {
	tr := newFakeTransport()
	m := NewMultiplexer()
	m.Bind(tr)

	var completed int
	cb := Callbacks{Complete: func() { completed++ }}
	_, err := m.Subscribe(gtfs.KindStop, "ADELADA1", cb)
	require.NoError(t, err)
	_, err = m.Subscribe(gtfs.KindStop, "ADELADA1", cb)
	require.NoError(t, err)

	tr.complete("stop:ADELADA1")
	tr.complete("stop:ADELADA1")

	assert.Equal(t, 2, completed, "each caller is told once")
	assert.Empty(t, m.Keys())
}

func TestServerEndedSubscriptionStaysPending(t *testing.T) {
	tr := newFakeTransport()
	m := NewMultiplexer()
	m.Bind(tr)

	var n, completed int
	var errs []error
	_, err := m.Subscribe(gtfs.KindVehicle, "02", Callbacks{
		Next:     func(gtfs.Batch) { n++ },
		Error:    func(err error) { errs = append(errs, err) },
		Complete: func() { completed++ },
	})
	require.NoError(t, err)

	// listener limit reached on the server
	for _, s := range tr.live("vehicle:02") {
		s.obs.Error(errors.New("subscription vehicle:02: evicted by listener limit"))
	}
	tr.complete("vehicle:02")

	assert.Len(t, errs, 1)
	assert.Zero(t, completed)
	assert.Equal(t, []string{"vehicle:02"}, m.Keys())
	assert.Equal(t, 1, m.Callers("vehicle:02"))

	fresh := newFakeTransport()
	m.Bind(fresh)
	m.ResubscribeAll()
	assert.Equal(t, 1, fresh.openCount("vehicle:02"))

	fresh.emit(gtfs.VehicleBatch{RouteID: "02"})
	assert.Equal(t, 1, n)
}

func TestLateJoinerReceivesCachedBatch(t *testing.T) {
	tr := newFakeTransport()
	m := NewMultiplexer()
	m.Bind(tr)

	var first, late []gtfs.Batch
	_, err := m.Subscribe(gtfs.KindVehicle, "02", Callbacks{Next: func(b gtfs.Batch) { first = append(first, b) }})
	require.NoError(t, err)
	cached := gtfs.VehicleBatch{RouteID: "02", Vehicles: []gtfs.DerivedVehicle{{RouteID: "02", VehicleID: "v1"}}}
	tr.emit(cached)

	_, err = m.Subscribe(gtfs.KindVehicle, "02", Callbacks{Next: func(b gtfs.Batch) { late = append(late, b) }})
	require.NoError(t, err)
	assert.Equal(t, []gtfs.Batch{cached}, late, "replayed before Subscribe returns")
	assert.Len(t, first, 1, "existing caller is not replayed")
	assert.Equal(t, 1, tr.openCount("vehicle:02"))

	next := gtfs.VehicleBatch{RouteID: "02"}
	tr.emit(next)
	assert.Equal(t, []gtfs.Batch{cached, next}, late)
}

func TestCachedBatchSurvivesReconnect(t *testing.T) {
	tr := newFakeTransport()
	m := NewMultiplexer()
	m.Bind(tr)

	var a, b int
	_, err := m.Subscribe(gtfs.KindStop, "ADELADA1", counting(&a))
	require.NoError(t, err)
	tr.emit(gtfs.ArrivalBatch{StopID: "ADELADA1"})

	m.Bind(nil)
	_, err = m.Subscribe(gtfs.KindStop, "ADELADA1", counting(&b))
	require.NoError(t, err)
	assert.Equal(t, 1, b, "offline joiner gets the cached batch")

	fresh := newFakeTransport()
	m.Bind(fresh)
	m.ResubscribeAll()
	fresh.emit(gtfs.ArrivalBatch{StopID: "ADELADA1"})
	assert.Equal(t, []int{2, 2}, []int{a, b})
}

func TestNoCallbackAfterUnsubscribeReturns(t *testing.T) {
	tr := newFakeTransport()
	m := NewMultiplexer()
	m.Bind(tr)

	// a second caller keeps the transport subscription alive
	_, err := m.Subscribe(gtfs.KindVehicle, "02", Callbacks{})
	require.NoError(t, err)

	var removed atomic.Bool
	var late atomic.Int32
	tok, err := m.Subscribe(gtfs.KindVehicle, "02", Callbacks{Next: func(gtfs.Batch) {
		time.Sleep(100 * time.Microsecond)
		if removed.Load() {
			late.Add(1)
		}
	}})
	require.NoError(t, err)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				tr.emit(gtfs.VehicleBatch{RouteID: "02"})
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	require.True(t, m.UnsubscribeOne(tok))
	removed.Store(true)
	time.Sleep(5 * time.Millisecond)
	close(stop)
	<-done

	assert.Zero(t, late.Load())
}

func TestSubscribeRejectsInvalidKey(t *testing.T) {
	m := NewMultiplexer()
	_, err := m.Subscribe(gtfs.KindVehicle, "", Callbacks{})
	assert.Error(t, err)
	_, err = m.Subscribe(gtfs.Kind("route"), "02", Callbacks{})
	assert.Error(t, err)
}
