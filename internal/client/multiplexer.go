package client

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"transit-fanout/internal/gtfs"
)

// Callbacks is one caller's interest in a topic. Any field may be nil.
type Callbacks struct {
	Next     func(gtfs.Batch)
	Error    func(error)
	Complete func()
}

// Token identifies one Subscribe call. The zero Token matches nothing.
type Token struct {
	key string
	id  string
}

// Topic returns the topic key the token was issued for.
func (t Token) Topic() string { return t.key }

type entry struct {
	id     string
	cb     Callbacks
	active atomic.Bool

	mu   sync.Mutex // held while a callback runs
	seen uint64     // seq of the last batch delivered
}

// next delivers b unless the entry was removed or already saw a newer batch.
func (e *entry) next(b gtfs.Batch, seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active.Load() || seq <= e.seen {
		return
	}
	e.seen = seq
	if e.cb.Next != nil {
		e.cb.Next(b)
	}
}

func (e *entry) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active.Load() && e.cb.Error != nil {
		e.cb.Error(err)
	}
}

func (e *entry) complete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active.Swap(false) && e.cb.Complete != nil {
		e.cb.Complete()
	}
}

// stop deactivates e and waits for a running callback of e to return.
func (e *entry) stop() {
	e.active.Store(false)
	// empty critical section: only waits out a delivery in flight
	e.mu.Lock()
	e.mu.Unlock()
}

// handle is the single transport subscription shared by every caller of
// one topic key. last is the local cache replayed to callers that join
// after it was delivered.
type handle struct {
	key     string
	entries []*entry
	cancel  func() // nil while pending
	last    gtfs.Batch
	seq     uint64
	failed  bool // the subscription reported an error
}

// pending returns an unopened copy of h keeping its callers and cache.
func (h *handle) pending() *handle {
	return &handle{key: h.key, entries: h.entries, last: h.last, seq: h.seq}
}

// Multiplexer shares one transport subscription per topic key among any
// number of callers. Handles outlive the transport: while unbound they stay
// pending and ResubscribeAll reopens them.
type Multiplexer struct {
	mu        sync.Mutex
	transport Transport
	handles   map[string]*handle
}

func NewMultiplexer() *Multiplexer {
	return &Multiplexer{handles: make(map[string]*handle)}
}

// Bind sets the transport used for new subscriptions. Binding nil marks the
// connection as lost: open handles become pending without being cancelled.
func (m *Multiplexer) Bind(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport = t
	if t == nil {
		m.resetLocked()
	}
}

// Subscribe registers cb on kind:id, opening a transport subscription only if
// none exists for that key. A caller joining a topic that already delivered
// data receives the last batch before Subscribe returns.
func (m *Multiplexer) Subscribe(kind gtfs.Kind, id string, cb Callbacks) (Token, error) {
	key := gtfs.TopicKey(kind, id)
	if _, _, err := gtfs.ParseTopic(key); err != nil {
		return Token{}, err
	}
	e := &entry{id: uuid.NewString(), cb: cb}
	e.active.Store(true)

	m.mu.Lock()
	if h := m.handles[key]; h != nil {
		h.entries = append(h.entries, e)
		last, seq := h.last, h.seq
		m.mu.Unlock()
		if last != nil {
			e.next(last, seq)
		}
		return Token{key: key, id: e.id}, nil
	}
	h := &handle{key: key, entries: []*entry{e}}
	m.handles[key] = h
	t := m.transport
	m.mu.Unlock()

	if t != nil {
		m.open(t, h)
	}
	return Token{key: key, id: e.id}, nil
}

// UnsubscribeOne removes the callbacks registered under tok. The transport
// subscription is torn down when no callbacks remain. It reports whether tok
// was still registered.
//
// No callback of tok runs after UnsubscribeOne returns: it waits for one
// running on another goroutine, so a callback must not remove its own token
// synchronously.
func (m *Multiplexer) UnsubscribeOne(tok Token) bool {
	m.mu.Lock()
	h := m.handles[tok.key]
	if h == nil {
		m.mu.Unlock()
		return false
	}
	idx := -1
	for i, e := range h.entries {
		if e.id == tok.id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	e := h.entries[idx]
	h.entries = append(h.entries[:idx:idx], h.entries[idx+1:]...)
	var cancel func()
	if len(h.entries) == 0 {
		delete(m.handles, h.key)
		cancel = h.cancel
	}
	m.mu.Unlock()

	e.stop()

	if cancel != nil {
		cancel()
	}
	return true
}

// UnsubscribeCompletely tears down the topic of tok regardless of other
// callers still registered on it.
func (m *Multiplexer) UnsubscribeCompletely(tok Token) bool {
	m.mu.Lock()
	h := m.handles[tok.key]
	if h == nil {
		m.mu.Unlock()
		return false
	}
	delete(m.handles, h.key)
	entries := h.entries
	cancel := h.cancel
	m.mu.Unlock()

	for _, e := range entries {
		e.stop()
	}
	if cancel != nil {
		cancel()
	}
	return true
}

// ResubscribeAll tears down every handle and reopens it on the bound
// transport, keeping every caller's callbacks.
func (m *Multiplexer) ResubscribeAll() {
	m.mu.Lock()
	cancels := m.resetLocked()
	t := m.transport
	fresh := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		fresh = append(fresh, h)
	}
	m.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if t == nil {
		return
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].key < fresh[j].key })
	for _, h := range fresh {
		m.open(t, h)
	}
	log.Printf("resubscribed %d topics", len(fresh))
}

// resetLocked replaces every handle with an unopened copy so events from the
// previous transport subscription are ignored. It returns their cancel funcs.
func (m *Multiplexer) resetLocked() []func() {
	var cancels []func()
	for key, h := range m.handles {
		if h.cancel != nil {
			cancels = append(cancels, h.cancel)
		}
		m.handles[key] = h.pending()
	}
	return cancels
}

// Keys lists the topic keys with at least one caller.
func (m *Multiplexer) Keys() []string {
	m.mu.Lock()
	keys := make([]string, 0, len(m.handles))
	for k := range m.handles {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Callers returns how many callbacks are registered on key.
func (m *Multiplexer) Callers(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.handles[key]; h != nil {
		return len(h.entries)
	}
	return 0
}

func (m *Multiplexer) open(t Transport, h *handle) {
	cancel, err := t.Subscribe(h.key, Observer{
		Next:     func(b gtfs.Batch) { m.broadcast(h, b) },
		Error:    func(err error) { m.fail(h, err) },
		Complete: func() { m.complete(h) },
	})
	if err != nil {
		log.Printf("subscribe %s: %v (pending until resubscribe)", h.key, err)
		return
	}
	m.mu.Lock()
	if m.handles[h.key] != h || h.cancel != nil {
		m.mu.Unlock()
		cancel()
		return
	}
	h.cancel = cancel
	m.mu.Unlock()
}

// broadcast caches b on h and delivers it to every caller.
func (m *Multiplexer) broadcast(h *handle, b gtfs.Batch) {
	m.mu.Lock()
	if m.handles[h.key] != h {
		m.mu.Unlock()
		return
	}
	h.seq++
	h.last = b
	seq := h.seq
	entries := append([]*entry(nil), h.entries...)
	m.mu.Unlock()

	for _, e := range entries {
		e.next(b, seq)
	}
}

func (m *Multiplexer) fail(h *handle, err error) {
	m.mu.Lock()
	if m.handles[h.key] != h {
		m.mu.Unlock()
		return
	}
	h.failed = true
	entries := append([]*entry(nil), h.entries...)
	m.mu.Unlock()

	for _, e := range entries {
		e.fail(err)
	}
}

// complete ends the handle. After an error (the server evicted or expired
// the subscription) the callers stay registered on a pending handle that the
// next ResubscribeAll reopens. Otherwise they are told once and forgotten.
func (m *Multiplexer) complete(h *handle) {
	m.mu.Lock()
	if m.handles[h.key] != h {
		m.mu.Unlock()
		return
	}
	if h.failed {
		m.handles[h.key] = h.pending()
		m.mu.Unlock()
		log.Printf("subscription %s ended by server, pending until resubscribe", h.key)
		return
	}
	delete(m.handles, h.key)
	entries := h.entries
	m.mu.Unlock()

	for _, e := range entries {
		e.complete()
	}
}
