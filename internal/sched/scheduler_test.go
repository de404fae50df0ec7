package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-fanout/internal/derive"
	"transit-fanout/internal/gtfs"
)

type response struct {
	v   *gtfs.VehicleFeed
	t   *gtfs.TripFeed
	err error
}

// scriptedFetcher replays responses in order, repeating the last one.
type scriptedFetcher struct {
	mu    sync.Mutex
	resps []response
	calls int
}

func (f *scriptedFetcher) FetchSnapshots(ctx context.Context) (*gtfs.VehicleFeed, *gtfs.TripFeed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.resps[min(f.calls, len(f.resps)-1)]
	f.calls++
	return r.v, r.t, r.err
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu      sync.Mutex
	batches []gtfs.Batch
}

func (p *recordingPublisher) Publish(b gtfs.Batch) {
	p.mu.Lock()
	p.batches = append(p.batches, b)
	p.mu.Unlock()
}

func (p *recordingPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, b := range p.batches {
		out = append(out, b.Topic())
	}
	return out
}

func feedsAt(vts, tts int64) response {
	return response{
		v: &gtfs.VehicleFeed{Timestamp: vts, Vehicles: []gtfs.VehicleSnapshot{{
			RouteID: "02", TripID: "T1", VehicleID: "v1", CurrentStopID: "123", CurrentStatus: gtfs.StatusInTransitTo,
		}}},
		t: &gtfs.TripFeed{Timestamp: tts, Updates: []gtfs.TripUpdate{{
			TripID: "T1", RouteID: "02",
			StopTimeUpdates: []gtfs.StopTimeUpdate{{StopID: "123", ArrivalTime: tts + 60}},
		}}},
	}
}

func testOptions() Options {
	o := DefaultOptions()
	o.RetryDelay = time.Millisecond
	return o
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestScheduler(f Fetcher, p Publisher) (*Scheduler, *clock) {
	s := New(f, derive.StopCodes{"123": "ADELADA1"}, p, testOptions(), nil)
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	s.now = c.now
	return s, c
}

func TestFirstCycleAppliesAndPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	s, _ := newTestScheduler(&scriptedFetcher{resps: []response{feedsAt(100, 100)}}, pub)

	assert.Zero(t, s.NextDelay(), "initial state polls immediately")
	assert.Equal(t, StateApplied, s.RunCycle(context.Background()))

	snap := s.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "ADELADA1", snap.Vehicles["02"][0].DestinationStopID)
	assert.Equal(t, []string{"vehicle:02", "stop:ADELADA1"}, pub.Topics())

	v, tr := s.LastTimestamps()
	require.NotNil(t, v)
	require.NotNil(t, tr)
	assert.Equal(t, int64(100), *v)
}

func TestUnchangedTimestampsLeaveCacheUntouched(t *testing.T) {
	f := &scriptedFetcher{resps: []response{feedsAt(100, 100)}}
	pub := &recordingPublisher{}
	s, _ := newTestScheduler(f, pub)

	require.Equal(t, StateApplied, s.RunCycle(context.Background()))
	before := s.Snapshot()
	published := len(pub.Topics())

	assert.Equal(t, StateStale, s.RunCycle(context.Background()))
	assert.Same(t, before, s.Snapshot())
	assert.Len(t, pub.Topics(), published)
	assert.Equal(t, 1+1+3, f.Calls(), "no-op cycle uses every retry")
}

func TestEitherTimestampAdvancingApplies(t *testing.T) {
	f := &scriptedFetcher{resps: []response{feedsAt(100, 100), feedsAt(100, 130)}}
	s, _ := newTestScheduler(f, &recordingPublisher{})
	require.Equal(t, StateApplied, s.RunCycle(context.Background()))
	assert.Equal(t, StateApplied, s.RunCycle(context.Background()))
	assert.Equal(t, int64(130), s.Snapshot().TripTimestamp)
}

func TestRetriesThenApplies(t *testing.T) {
	f := &scriptedFetcher{resps: []response{
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		feedsAt(100, 100),
	}}
	s, _ := newTestScheduler(f, &recordingPublisher{})
	assert.Equal(t, StateApplied, s.RunCycle(context.Background()))
	assert.Equal(t, 3, f.Calls())
}

func TestFailedCycleKeepsLastGoodCache(t *testing.T) {
	f := &scriptedFetcher{resps: []response{feedsAt(100, 100), {err: errors.New("HTTP 503")}}}
	s, _ := newTestScheduler(f, &recordingPublisher{})
	require.Equal(t, StateApplied, s.RunCycle(context.Background()))
	good := s.Snapshot()

	assert.Equal(t, StateStale, s.RunCycle(context.Background()))
	assert.Same(t, good, s.Snapshot())
}

func TestDisappearedTopicsReceiveEmptyBatch(t *testing.T) {
	second := feedsAt(200, 200)
	second.v.Vehicles[0].RouteID = "09"
	second.t.Updates[0].RouteID = "09"
	second.t.Updates[0].StopTimeUpdates[0].StopID = "777"

	pub := &recordingPublisher{}
	s, _ := newTestScheduler(&scriptedFetcher{resps: []response{feedsAt(100, 100), second}}, pub)
	require.Equal(t, StateApplied, s.RunCycle(context.Background()))
	require.Equal(t, StateApplied, s.RunCycle(context.Background()))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	last := pub.batches[len(pub.batches)-2:]
	assert.Equal(t, gtfs.VehicleBatch{RouteID: "02"}, last[0])
	assert.Equal(t, gtfs.ArrivalBatch{StopID: "ADELADA1"}, last[1])
}

func TestPredictiveDelay(t *testing.T) {
	s, c := newTestScheduler(&scriptedFetcher{resps: []response{feedsAt(1_700_000_000, 1_700_000_000)}}, &recordingPublisher{})
	require.Equal(t, StateApplied, s.RunCycle(context.Background()))

	c.advance(10 * time.Second)
	assert.Equal(t, 20*time.Second+200*time.Millisecond, s.NextDelay())

	// expected publish already passed without new data: keep the cadence
	c.advance(21 * time.Second)
	assert.Equal(t, 29*time.Second+200*time.Millisecond, s.NextDelay())
}

func TestWatchdogResetsAfterStall(t *testing.T) {
	s, c := newTestScheduler(&scriptedFetcher{resps: []response{feedsAt(1_700_000_000, 1_700_000_000)}}, &recordingPublisher{})
	require.Equal(t, StateApplied, s.RunCycle(context.Background()))

	c.advance(30 * time.Second)
	assert.False(t, s.CheckStall())
	assert.Positive(t, s.NextDelay())

	c.advance(31 * time.Second)
	assert.True(t, s.CheckStall())

	v, tr := s.LastTimestamps()
	assert.Nil(t, v)
	assert.Nil(t, tr)
	assert.Equal(t, StateInitial, s.State())
	assert.Zero(t, s.NextDelay(), "next tick polls immediately")
	assert.NotNil(t, s.Snapshot(), "cache survives the reset")
}

func TestLoopPollsOnUpstreamCadence(t *testing.T) {
	f := &liveFetcher{}
	pub := &recordingPublisher{}
	opts := DefaultOptions()
	opts.UpdatePeriod = time.Second
	opts.Skew = 10 * time.Millisecond
	opts.RetryDelay = 50 * time.Millisecond
	s := New(f, nil, pub, opts, nil)

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		v := s.Snapshot()
		return v != nil && len(pub.Topics()) >= 4
	}, 5*time.Second, 20*time.Millisecond)
}

// liveFetcher stamps feeds with the current second, like an upstream
// publishing once per second.
type liveFetcher struct{}

func (liveFetcher) FetchSnapshots(ctx context.Context) (*gtfs.VehicleFeed, *gtfs.TripFeed, error) {
	r := feedsAt(time.Now().Unix(), time.Now().Unix())
	return r.v, r.t, nil
}

func TestRetriesCountExtraAttempts(t *testing.T) {
	f := &scriptedFetcher{resps: []response{{err: errors.New("HTTP 503")}}}
	s, _ := newTestScheduler(f, &recordingPublisher{})
	assert.Equal(t, StateStale, s.RunCycle(context.Background()))
	assert.Equal(t, 1+3, f.Calls())
}

func TestNewDefaultsPartialOptions(t *testing.T) {
	s := New(&scriptedFetcher{}, nil, &recordingPublisher{}, Options{UpdatePeriod: time.Minute}, nil)
	assert.Equal(t, time.Minute, s.opts.UpdatePeriod)
	assert.Equal(t, 200*time.Millisecond, s.opts.Skew)
	assert.Equal(t, time.Second, s.opts.RetryDelay)
	assert.Equal(t, 3, s.opts.Retries)
}

func TestFeedWithoutHeaderTimestampKeepsCadence(t *testing.T) {
	f := &scriptedFetcher{resps: []response{feedsAt(0, 0)}}
	s, c := newTestScheduler(f, &recordingPublisher{})

	require.Equal(t, StateApplied, s.RunCycle(context.Background()))
	assert.Equal(t, 1, f.Calls())
	assert.Equal(t, 30*time.Second+200*time.Millisecond, s.NextDelay())

	c.advance(30*time.Second + 200*time.Millisecond)
	require.Equal(t, StateApplied, s.RunCycle(context.Background()))
	assert.Equal(t, 30*time.Second+200*time.Millisecond, s.NextDelay())
}

func TestLoopWithoutHeaderTimestampDoesNotSpin(t *testing.T) {
	f := &scriptedFetcher{resps: []response{feedsAt(0, 0)}}
	s := New(f, nil, &recordingPublisher{}, DefaultOptions(), nil)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return s.Snapshot() != nil }, time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, f.Calls())
}

type resetCounter struct{ resets atomic.Int32 }

func (*resetCounter) CycleObserve(string, time.Duration) {}
func (*resetCounter) DerivationSkipped(int)              {}
func (r *resetCounter) WatchdogReset()                   { r.resets.Add(1) }

func TestWatchdogWakesPredictiveSleep(t *testing.T) {
	ts := time.Now().Unix()
	f := &scriptedFetcher{resps: []response{feedsAt(ts, ts)}}
	m := &resetCounter{}
	opts := DefaultOptions()
	opts.UpdatePeriod = time.Hour
	opts.WatchdogInterval = 20 * time.Millisecond
	opts.StallThreshold = 200 * time.Millisecond
	s := New(f, nil, &recordingPublisher{}, opts, m)

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return s.Snapshot() != nil }, time.Second, 10*time.Millisecond)
	require.Greater(t, s.NextDelay(), 50*time.Minute, "next poll predicted an hour out")

	// the stalled feed never advances; the reset polls long before the hour is up
	require.Eventually(t, func() bool { return f.Calls() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Positive(t, m.resets.Load())
}
