package server

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"transit-fanout/internal/bus"
	"transit-fanout/internal/gtfs"
	"transit-fanout/internal/wire"
)

const (
	writeWait   = 10 * time.Second
	sendBuffer  = 64
	maxFrameLen = 64 << 10
)

// session serves one websocket. Frames are written by a single goroutine;
// every subscription has its own pump reading from its bus stream.
type session struct {
	id   string
	conn *websocket.Conn
	bus  Subscriber
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	send   chan wire.Frame

	mu   sync.Mutex
	subs map[string]*bus.Stream
	wg   sync.WaitGroup

	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, b Subscriber, opts Options) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:     uuid.NewString(),
		conn:   conn,
		bus:    b,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan wire.Frame, sendBuffer),
		subs:   make(map[string]*bus.Stream),
	}
}

// run blocks until the peer goes away or the session is closed.
func (ss *session) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ss.writeLoop()
	}()

	ss.readLoop()
	ss.close()
	ss.wg.Wait()
	<-writerDone
}

func (ss *session) close() {
	ss.closeOnce.Do(func() {
		ss.cancel()
		ss.mu.Lock()
		streams := make([]*bus.Stream, 0, len(ss.subs))
		for _, st := range ss.subs {
			streams = append(streams, st)
		}
		ss.subs = make(map[string]*bus.Stream)
		ss.mu.Unlock()
		for _, st := range streams {
			st.Close()
		}
		_ = ss.conn.Close()
	})
}

func (ss *session) readLoop() {
	ss.conn.SetReadLimit(maxFrameLen)
	_ = ss.conn.SetReadDeadline(time.Now().Add(ss.opts.ReadTimeout))
	ss.conn.SetPongHandler(func(string) error {
		ss.touchAll()
		return ss.conn.SetReadDeadline(time.Now().Add(ss.opts.ReadTimeout))
	})
	for {
		var f wire.Frame
		if err := ss.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ss.ctx.Err() == nil {
				log.Printf("session %s read: %v", ss.id, err)
			}
			return
		}
		_ = ss.conn.SetReadDeadline(time.Now().Add(ss.opts.ReadTimeout))
		switch f.Type {
		case wire.TypeSubscribe:
			ss.subscribe(f.ID, f.Topic)
		case wire.TypeUnsubscribe:
			ss.unsubscribe(f.ID)
		case wire.TypePing:
			ss.touchAll()
			ss.enqueue(wire.Frame{Type: wire.TypePong})
		default:
			ss.enqueue(wire.Error(f.ID, errors.New("unknown frame type "+f.Type)))
		}
	}
}

func (ss *session) writeLoop() {
	ping := time.NewTicker(ss.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ss.ctx.Done():
			_ = ss.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case f := <-ss.send:
			_ = ss.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ss.conn.WriteJSON(f); err != nil {
				log.Printf("session %s write: %v", ss.id, err)
				ss.close()
				return
			}
		case <-ping.C:
			if err := ss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				ss.close()
				return
			}
		}
	}
}

// enqueue hands f to the writer. It reports false once the session is gone.
func (ss *session) enqueue(f wire.Frame) bool {
	select {
	case ss.send <- f:
		return true
	case <-ss.ctx.Done():
		return false
	}
}

func (ss *session) subscribe(id, topic string) {
	if id == "" {
		ss.enqueue(wire.Error("", errors.New("subscribe without id")))
		return
	}
	kind, _, err := gtfs.ParseTopic(topic)
	if err != nil {
		ss.enqueue(wire.Error(id, err))
		ss.enqueue(wire.Complete(id))
		return
	}
	if kind == gtfs.KindProbe {
		ss.enqueue(wire.Next(id, gtfs.ProbeBatch{}))
		ss.enqueue(wire.Complete(id))
		return
	}

	ss.mu.Lock()
	if _, dup := ss.subs[id]; dup {
		ss.mu.Unlock()
		ss.enqueue(wire.Error(id, errors.New("subscription id already in use")))
		return
	}
	st, err := ss.bus.Subscribe(topic)
	if err != nil {
		ss.mu.Unlock()
		ss.enqueue(wire.Error(id, err))
		ss.enqueue(wire.Complete(id))
		return
	}
	ss.subs[id] = st
	ss.wg.Add(1)
	ss.mu.Unlock()

	go ss.pump(id, st)
}

func (ss *session) unsubscribe(id string) {
	ss.mu.Lock()
	st := ss.subs[id]
	ss.mu.Unlock()
	if st != nil {
		st.Close()
	}
}

// pump forwards one stream until it ends, then completes the subscription.
func (ss *session) pump(id string, st *bus.Stream) {
	defer ss.wg.Done()
	defer func() {
		ss.mu.Lock()
		if ss.subs[id] == st {
			delete(ss.subs, id)
		}
		ss.mu.Unlock()
	}()
	for {
		b, err := st.Next(ss.ctx)
		if err != nil {
			var se *bus.SubscriptionError
			switch {
			case ss.ctx.Err() != nil:
			case errors.As(err, &se):
				log.Printf("session %s subscription %s ended: %v", ss.id, id, err)
				ss.enqueue(wire.Error(id, err))
				ss.enqueue(wire.Complete(id))
			default:
				ss.enqueue(wire.Complete(id))
			}
			return
		}
		if !ss.enqueue(wire.Next(id, b)) {
			return
		}
	}
}

func (ss *session) touchAll() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for _, st := range ss.subs {
		st.Touch()
	}
}
