package client

import (
	"sync"

	"transit-fanout/internal/gtfs"
)

type fakeSub struct {
	topic string
	obs   Observer
}

// fakeTransport answers probes like the server and lets tests drive topics.
type fakeTransport struct {
	mu     sync.Mutex
	subs   map[int]*fakeSub
	opened []string
	nextID int

	done chan struct{}
	once sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[int]*fakeSub), done: make(chan struct{})}
}

func (f *fakeTransport) Subscribe(topic string, obs Observer) (func(), error) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = &fakeSub{topic: topic, obs: obs}
	f.opened = append(f.opened, topic)
	f.mu.Unlock()

	if topic == gtfs.ProbeTopic {
		go func() {
			obs.Next(gtfs.ProbeBatch{})
			obs.Complete()
		}()
	}
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}, nil
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) Close() { f.once.Do(func() { close(f.done) }) }

func (f *fakeTransport) live(topic string) []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeSub
	for _, s := range f.subs {
		if s.topic == topic {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTransport) openCount(topic string) int { return len(f.live(topic)) }

func (f *fakeTransport) openedCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.opened {
		if t == topic {
			n++
		}
	}
	return n
}

func (f *fakeTransport) emit(b gtfs.Batch) {
	for _, s := range f.live(b.Topic()) {
		s.obs.Next(b)
	}
}

func (f *fakeTransport) complete(topic string) {
	for _, s := range f.live(topic) {
		s.obs.Complete()
	}
}
