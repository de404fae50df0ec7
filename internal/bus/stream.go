package bus

import (
	"context"
	"sync"
	"time"

	"transit-fanout/internal/gtfs"
)

// maxQueued bounds the batches waiting on one stream. A poll cycle produces
// at most one batch per topic, so only a stalled reader ever hits it; the
// oldest batch is dropped first.
const maxQueued = 16

// Stream delivers the batches of one topic to one subscriber in publish order.
type Stream struct {
	id      string
	key     string
	bus     *Bus
	created time.Time

	mu     sync.Mutex
	queue  []gtfs.Batch
	err    error // terminal error once finished
	notify chan struct{}
	done   chan struct{}
}

func newStream(b *Bus, key string) *Stream {
	return &Stream{
		id:      newID(),
		key:     key,
		bus:     b,
		created: time.Now(),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *Stream) ID() string    { return s.id }
func (s *Stream) Topic() string { return s.key }

// Done is closed once the stream can deliver nothing further.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) push(b gtfs.Batch) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= maxQueued {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, b)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// finish ends the stream with err. Batches still queued are discarded.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	s.queue = nil
	close(s.done)
}

// Next blocks until a batch is available, the stream ends, or ctx is done.
// A stream ended by its own Close returns ErrStreamClosed; one ended by the
// bus returns a *SubscriptionError or ErrClosed.
func (s *Stream) Next(ctx context.Context) (gtfs.Batch, error) {
	for {
		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		if len(s.queue) > 0 {
			b := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.bus.touch(s)
			return b, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
		case <-s.notify:
		}
	}
}

// Touch marks the stream as alive for the leak sweep.
func (s *Stream) Touch() {
	select {
	case <-s.done:
		return
	default:
	}
	s.bus.touch(s)
}

// Close detaches the stream from the bus. No batch is delivered after Close
// returns.
func (s *Stream) Close() {
	s.finish(ErrStreamClosed)
	s.bus.unsubscribe(s)
}
