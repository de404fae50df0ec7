// Package bus is the in-process publish/subscribe registry that fans
// derived batches out to subscriber streams keyed by topic.
//
// A Bus is created once at startup, injected into the scheduler (sole
// publisher) and the transport layer (subscribers), and closed on shutdown.
package bus

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"transit-fanout/internal/gtfs"
)

var (
	ErrClosed       = errors.New("bus closed")
	ErrStreamClosed = errors.New("stream closed")
)

// SubscriptionError ends a single stream; other streams are unaffected.
type SubscriptionError struct {
	Topic  string
	Reason string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s: %s", e.Topic, e.Reason)
}

// Sink receives every published batch after local fan-out, e.g. to mirror
// it onto an external broker.
type Sink interface {
	Mirror(b gtfs.Batch)
}

// Metrics receives bus observations. Optional.
type Metrics interface {
	SetTopics(n int)
	SetListeners(n int)
	ListenerEvicted(n int)
	TrackingExpired()
}

type Options struct {
	// HighWater is the maximum number of listeners per topic.
	HighWater int
	// TrackingTTL is how long a stream may stay silent before the sweep
	// considers it leaked.
	TrackingTTL time.Duration
	// SweepInterval is the cadence of StartSweeper.
	SweepInterval time.Duration
}

func DefaultOptions() Options {
	return Options{HighWater: 10, TrackingTTL: 5 * time.Minute, SweepInterval: 30 * time.Second}
}

type topic struct {
	key       string
	listeners []*Stream // oldest first
}

type Bus struct {
	opts    Options
	sink    Sink
	metrics Metrics

	mu        sync.Mutex
	topics    map[string]*topic
	last      map[string]gtfs.Batch
	listeners int
	closed    bool

	// tracking holds one record per live stream; records are refreshed by
	// stream activity and expire after TrackingTTL of silence.
	tracking *cache.Cache
}

func New(opts Options, sink Sink, m Metrics) *Bus {
	d := DefaultOptions()
	if opts.HighWater <= 0 {
		opts.HighWater = d.HighWater
	}
	if opts.TrackingTTL <= 0 {
		opts.TrackingTTL = d.TrackingTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = d.SweepInterval
	}
	b := &Bus{
		opts:     opts,
		sink:     sink,
		metrics:  m,
		topics:   make(map[string]*topic),
		last:     make(map[string]gtfs.Batch),
		tracking: cache.New(opts.TrackingTTL, 0), // swept by StartSweeper
	}
	b.tracking.OnEvicted(b.onTrackingEvicted)
	return b
}

// Publish caches b as the latest batch of its topic and queues it on every
// listener of that topic.
func (b *Bus) Publish(batch gtfs.Batch) {
	key := batch.Topic()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.last[key] = batch
	if t := b.topics[key]; t != nil {
		for _, s := range t.listeners {
			s.push(batch)
		}
	}
	b.mu.Unlock()

	if b.sink != nil {
		b.sink.Mirror(batch)
	}
}

// Latest returns the last batch published on key.
func (b *Bus) Latest(key string) (gtfs.Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch, ok := b.last[key]
	return batch, ok
}

// Subscribe attaches a new stream to key. The latest batch of the topic, if
// any, is queued before any live update.
func (b *Bus) Subscribe(key string) (*Stream, error) {
	if _, _, err := gtfs.ParseTopic(key); err != nil {
		return nil, err
	}
	s := newStream(b, key)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	t := b.topics[key]
	if t == nil {
		t = &topic{key: key}
		b.topics[key] = t
	}
	var evicted []*Stream
	if over := len(t.listeners) + 1 - b.opts.HighWater; over > 0 {
		evicted = append(evicted, t.listeners[:over]...)
		t.listeners = append([]*Stream(nil), t.listeners[over:]...)
		b.listeners -= over
	}
	t.listeners = append(t.listeners, s)
	b.listeners++
	if last, ok := b.last[key]; ok {
		s.push(last)
	}
	b.observeLocked()
	b.mu.Unlock()

	b.tracking.SetDefault(s.id, s)
	if len(evicted) > 0 {
		log.Printf("topic %s listener high-water mark %d reached, evicting %d oldest listeners", key, b.opts.HighWater, len(evicted))
		if b.metrics != nil {
			b.metrics.ListenerEvicted(len(evicted))
		}
		for _, e := range evicted {
			b.tracking.Delete(e.id)
			e.finish(&SubscriptionError{Topic: key, Reason: "evicted by listener limit"})
		}
	}
	return s, nil
}

// SubscribeVehicles streams vehicle batches of a route.
func (b *Bus) SubscribeVehicles(routeID string) (*Stream, error) {
	return b.Subscribe(gtfs.VehicleTopic(routeID))
}

// SubscribeStopArrivals streams arrival batches of a stop.
func (b *Bus) SubscribeStopArrivals(stopID string) (*Stream, error) {
	return b.Subscribe(gtfs.StopTopic(stopID))
}

// detach removes s from its topic and reports whether it was registered.
// Empty topics are destroyed.
func (b *Bus) detach(s *Stream) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topics[s.key]
	if t == nil {
		return false
	}
	for i, l := range t.listeners {
		if l != s {
			continue
		}
		t.listeners = append(t.listeners[:i:i], t.listeners[i+1:]...)
		b.listeners--
		if len(t.listeners) == 0 {
			delete(b.topics, s.key)
		}
		b.observeLocked()
		return true
	}
	return false
}

func (b *Bus) unsubscribe(s *Stream) {
	b.detach(s)
	b.tracking.Delete(s.id)
}

// touch refreshes the tracking record of s. Replace never re-creates a
// record that Close already removed.
func (b *Bus) touch(s *Stream) {
	_ = b.tracking.Replace(s.id, s, cache.DefaultExpiration)
}

// onTrackingEvicted runs for deletions and expirations alike. Only streams
// that are still attached are leaked ones.
func (b *Bus) onTrackingEvicted(_ string, v interface{}) {
	s, ok := v.(*Stream)
	if !ok || !b.detach(s) {
		return
	}
	log.Printf("topic %s dropping stale subscription %s age=%s", s.key, s.id, time.Since(s.created).Round(time.Second))
	if b.metrics != nil {
		b.metrics.TrackingExpired()
	}
	s.finish(&SubscriptionError{Topic: s.key, Reason: "subscription expired"})
}

// Sweep removes tracking records whose TTL elapsed, detaching their streams.
func (b *Bus) Sweep() {
	b.tracking.DeleteExpired()
}

// StartSweeper runs Sweep every SweepInterval until stop is closed.
func (b *Bus) StartSweeper(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(b.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.Sweep()
			}
		}
	}()
}

// Close completes every stream and rejects further subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Stream
	for _, t := range b.topics {
		all = append(all, t.listeners...)
	}
	b.topics = make(map[string]*topic)
	b.listeners = 0
	b.observeLocked()
	b.mu.Unlock()

	for _, s := range all {
		b.tracking.Delete(s.id)
		s.finish(ErrClosed)
	}
}

type Stats struct {
	Topics    int            `json:"topics"`
	Listeners int            `json:"listeners"`
	Tracked   int            `json:"tracked"`
	Cached    int            `json:"cachedBatches"`
	PerTopic  map[string]int `json:"perTopic"`
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	st := Stats{
		Topics:    len(b.topics),
		Listeners: b.listeners,
		Cached:    len(b.last),
		PerTopic:  make(map[string]int, len(b.topics)),
	}
	for k, t := range b.topics {
		st.PerTopic[k] = len(t.listeners)
	}
	b.mu.Unlock()
	st.Tracked = b.tracking.ItemCount()
	return st
}

// TopicKeys lists topics with at least one listener.
func (b *Bus) TopicKeys() []string {
	b.mu.Lock()
	keys := make([]string, 0, len(b.topics))
	for k := range b.topics {
		keys = append(keys, k)
	}
	b.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (b *Bus) observeLocked() {
	if b.metrics == nil {
		return
	}
	b.metrics.SetTopics(len(b.topics))
	b.metrics.SetListeners(b.listeners)
}

func newID() string { return uuid.NewString() }
