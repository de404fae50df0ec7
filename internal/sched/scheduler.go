package sched

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"transit-fanout/internal/derive"
	"transit-fanout/internal/gtfs"
)

// ErrStalledFeed is logged when no cycle has been applied within the stall threshold.
var ErrStalledFeed = errors.New("feed stalled")

// errNotAdvanced marks an attempt whose feeds carried no new header timestamp.
var errNotAdvanced = errors.New("feed timestamps did not advance")

type State string

const (
	StateInitial  State = "INITIAL"
	StateWaiting  State = "WAITING"
	StateFetching State = "FETCHING"
	StateApplied  State = "APPLIED"
	StateStale    State = "STALE"
)

type Fetcher interface {
	FetchSnapshots(ctx context.Context) (*gtfs.VehicleFeed, *gtfs.TripFeed, error)
}

type Publisher interface {
	Publish(b gtfs.Batch)
}

// Metrics receives cycle observations. Optional.
type Metrics interface {
	CycleObserve(outcome string, d time.Duration)
	DerivationSkipped(n int)
	WatchdogReset()
}

type Options struct {
	UpdatePeriod     time.Duration // upstream publish cadence
	Skew             time.Duration // delay after the expected publish instant
	Retries          int           // extra attempts after the first one
	RetryDelay       time.Duration
	WatchdogInterval time.Duration
	StallThreshold   time.Duration
}

func DefaultOptions() Options {
	return Options{
		UpdatePeriod:     30 * time.Second,
		Skew:             200 * time.Millisecond,
		Retries:          3,
		RetryDelay:       time.Second,
		WatchdogInterval: 30 * time.Second,
		StallThreshold:   60 * time.Second,
	}
}

// Snapshot is the derived state of one applied cycle. It is never mutated
// after being stored.
type Snapshot struct {
	Vehicles         map[string][]gtfs.DerivedVehicle
	Arrivals         map[string][]gtfs.StopArrival
	VehicleTimestamp int64
	TripTimestamp    int64
	AppliedAt        time.Time
}

// Scheduler polls the upstream feeds on the cadence they publish at, derives
// batches and publishes them. It is the only writer of its snapshot and the
// only publisher on the bus.
type Scheduler struct {
	fetcher Fetcher
	codes   derive.StopCodes
	pub     Publisher
	opts    Options
	metrics Metrics
	now     func() time.Time

	snap atomic.Pointer[Snapshot]

	mu          sync.Mutex
	lastVehicle *int64 // nil until a cycle is applied or after a watchdog reset
	lastTrip    *int64
	// cadence anchors the predictive wait: the vehicle header timestamp, or
	// the apply time when the feed carries none. Zero polls immediately.
	cadence     time.Time
	lastSuccess time.Time
	state       State

	wake chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(f Fetcher, codes derive.StopCodes, pub Publisher, opts Options, m Metrics) *Scheduler {
	d := DefaultOptions()
	if opts.UpdatePeriod <= 0 {
		opts.UpdatePeriod = d.UpdatePeriod
	}
	if opts.Skew <= 0 {
		opts.Skew = d.Skew
	}
	if opts.Retries <= 0 {
		opts.Retries = d.Retries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = d.RetryDelay
	}
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = d.WatchdogInterval
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = d.StallThreshold
	}
	return &Scheduler{
		fetcher: f,
		codes:   codes,
		pub:     pub,
		opts:    opts,
		metrics: m,
		now:     time.Now,
		state:   StateInitial,
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the polling loop and the watchdog.
func (s *Scheduler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.mu.Lock()
	s.lastSuccess = s.now()
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.watchdog(ctx)
	}()
	log.Printf("scheduler started period=%s skew=%s retries=%d", s.opts.UpdatePeriod, s.opts.Skew, s.opts.Retries)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	log.Printf("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		if d := s.NextDelay(); d > 0 {
			s.setState(StateWaiting)
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.wake:
				timer.Stop()
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return
		}
		s.RunCycle(ctx)
	}
}

// NextDelay is how long to wait before the next poll: zero before the first
// applied cycle, otherwise until just after the next expected publish.
func (s *Scheduler) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextDelayLocked(s.now())
}

func (s *Scheduler) nextDelayLocked(now time.Time) time.Duration {
	if s.cadence.IsZero() {
		return 0
	}
	next := s.cadence.Add(s.opts.UpdatePeriod)
	// Feed did not advance for a while: stay on its cadence instead of
	// polling back to back.
	for !next.Add(s.opts.Skew).After(now) {
		next = next.Add(s.opts.UpdatePeriod)
	}
	return next.Add(s.opts.Skew).Sub(now)
}

type feeds struct {
	v *gtfs.VehicleFeed
	t *gtfs.TripFeed
}

// RunCycle fetches both feeds, retrying failed or unchanged attempts, and
// applies the first one carrying a newer header timestamp.
func (s *Scheduler) RunCycle(ctx context.Context) State {
	start := s.now()
	s.setState(StateFetching)

	var b backoff.BackOff = backoff.NewConstantBackOff(s.opts.RetryDelay)
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.Retries)), ctx)

	attempt := 0
	got, err := backoff.RetryNotifyWithData(func() (feeds, error) {
		attempt++
		vf, tf, err := s.fetcher.FetchSnapshots(ctx)
		if err != nil {
			return feeds{}, err
		}
		if !s.advanced(vf.Timestamp, tf.Timestamp) {
			return feeds{}, errNotAdvanced
		}
		return feeds{vf, tf}, nil
	}, b, func(err error, d time.Duration) {
		if !errors.Is(err, errNotAdvanced) {
			log.Printf("poll attempt %d failed: %v (retry in %s)", attempt, err, d)
		}
	})

	switch {
	case err == nil:
		s.apply(got.v, got.t)
		s.observe("applied", start)
		return s.setState(StateApplied)
	case errors.Is(err, errNotAdvanced):
		log.Printf("poll cycle no-op: feed timestamps unchanged after %d attempts", attempt)
		s.observe("noop", start)
		return s.setState(StateStale)
	case ctx.Err() != nil:
		return s.State()
	default:
		log.Printf("poll cycle failed after %d attempts: %v", attempt, err)
		s.observe("failed", start)
		return s.setState(StateStale)
	}
}

func (s *Scheduler) advanced(vehicleTS, tripTS int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A feed without a header timestamp cannot be compared; its data is
	// taken as new and the cadence falls back to the apply time.
	newer := func(ts int64, last *int64) bool {
		if last == nil || ts <= 0 {
			return true
		}
		return ts > *last
	}
	return newer(vehicleTS, s.lastVehicle) || newer(tripTS, s.lastTrip)
}

func (s *Scheduler) apply(vf *gtfs.VehicleFeed, tf *gtfs.TripFeed) {
	res := derive.Derive(vf, tf, s.codes)
	if skipped := res.Skipped + vf.Skipped + tf.Skipped; skipped > 0 {
		log.Printf("derivation skipped %d records", skipped)
		if s.metrics != nil {
			s.metrics.DerivationSkipped(skipped)
		}
	}

	next := &Snapshot{
		Vehicles:         res.Vehicles,
		Arrivals:         res.Arrivals,
		VehicleTimestamp: vf.Timestamp,
		TripTimestamp:    tf.Timestamp,
		AppliedAt:        s.now(),
	}
	prev := s.snap.Swap(next)

	s.mu.Lock()
	if vf.Timestamp > 0 {
		ts := vf.Timestamp
		s.lastVehicle = &ts
		s.cadence = time.Unix(ts, 0)
	} else {
		s.cadence = next.AppliedAt
	}
	if tf.Timestamp > 0 {
		ts := tf.Timestamp
		s.lastTrip = &ts
	}
	s.lastSuccess = s.now()
	s.mu.Unlock()

	n := s.publish(prev, next)
	log.Printf("poll cycle applied vehicles_ts=%d trips_ts=%d routes=%d stops=%d batches=%d",
		vf.Timestamp, tf.Timestamp, len(next.Vehicles), len(next.Arrivals), n)
}

// publish sends every batch of next, plus an empty batch for each topic of
// prev that disappeared.
func (s *Scheduler) publish(prev, next *Snapshot) int {
	n := 0
	for _, route := range sortedKeys(next.Vehicles) {
		s.pub.Publish(gtfs.VehicleBatch{RouteID: route, Vehicles: next.Vehicles[route]})
		n++
	}
	for _, stop := range sortedKeys(next.Arrivals) {
		s.pub.Publish(gtfs.ArrivalBatch{StopID: stop, Arrivals: next.Arrivals[stop]})
		n++
	}
	if prev == nil {
		return n
	}
	for _, route := range sortedKeys(prev.Vehicles) {
		if _, ok := next.Vehicles[route]; !ok {
			s.pub.Publish(gtfs.VehicleBatch{RouteID: route})
			n++
		}
	}
	for _, stop := range sortedKeys(prev.Arrivals) {
		if _, ok := next.Arrivals[stop]; !ok {
			s.pub.Publish(gtfs.ArrivalBatch{StopID: stop})
			n++
		}
	}
	return n
}

func (s *Scheduler) watchdog(ctx context.Context) {
	ticker := time.NewTicker(s.opts.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckStall()
		}
	}
}

// CheckStall resets the known feed timestamps when no cycle has been applied
// within the stall threshold, so the next poll happens immediately.
func (s *Scheduler) CheckStall() bool {
	s.mu.Lock()
	since := s.now().Sub(s.lastSuccess)
	if since <= s.opts.StallThreshold {
		s.mu.Unlock()
		return false
	}
	s.lastVehicle = nil
	s.lastTrip = nil
	s.cadence = time.Time{}
	s.state = StateInitial
	s.mu.Unlock()

	log.Printf("watchdog: %v, no applied cycle for %s; resetting feed timestamps", ErrStalledFeed, since.Round(time.Second))
	if s.metrics != nil {
		s.metrics.WatchdogReset()
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Snapshot returns the derived state of the last applied cycle, or nil.
func (s *Scheduler) Snapshot() *Snapshot { return s.snap.Load() }

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastTimestamps returns the last applied header timestamps; nil when unknown.
func (s *Scheduler) LastTimestamps() (vehicle, trip *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyTS(s.lastVehicle), copyTS(s.lastTrip)
}

func (s *Scheduler) setState(st State) State {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	return st
}

func (s *Scheduler) observe(outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.CycleObserve(outcome, s.now().Sub(start))
	}
}

func copyTS(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
