package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"transit-fanout/internal/gtfs"
	"transit-fanout/internal/wire"
)

// ErrTransportDisconnected is returned by operations on a transport whose
// connection is gone.
var ErrTransportDisconnected = errors.New("transport disconnected")

// Observer receives the events of one transport subscription. Callbacks run
// on the transport's read goroutine and must not block.
type Observer struct {
	Next     func(gtfs.Batch)
	Error    func(error)
	Complete func()
}

// Transport opens subscriptions on a live connection. The returned cancel
// func is idempotent.
type Transport interface {
	Subscribe(topic string, obs Observer) (cancel func(), err error)
}

// WSTransport multiplexes subscriptions over one websocket.
type WSTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]Observer

	done      chan struct{}
	closeOnce sync.Once
}

func DialTransport(ctx context.Context, url string, dialer *websocket.Dialer) (*WSTransport, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	t := &WSTransport{
		conn: conn,
		subs: make(map[string]Observer),
		done: make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// Done is closed when the connection is lost or closed.
func (t *WSTransport) Done() <-chan struct{} { return t.done }

func (t *WSTransport) Close() {
	t.shutdown()
}

func (t *WSTransport) Subscribe(topic string, obs Observer) (func(), error) {
	select {
	case <-t.done:
		return nil, ErrTransportDisconnected
	default:
	}
	id := uuid.NewString()
	t.mu.Lock()
	t.subs[id] = obs
	t.mu.Unlock()
	if err := t.write(wire.Subscribe(id, topic)); err != nil {
		t.remove(id)
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if _, ok := t.remove(id); ok {
				_ = t.write(wire.Unsubscribe(id))
			}
		})
	}, nil
}

func (t *WSTransport) write(f wire.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	select {
	case <-t.done:
		return ErrTransportDisconnected
	default:
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteJSON(f)
}

func (t *WSTransport) lookup(id string) (Observer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obs, ok := t.subs[id]
	return obs, ok
}

func (t *WSTransport) remove(id string) (Observer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obs, ok := t.subs[id]
	delete(t.subs, id)
	return obs, ok
}

func (t *WSTransport) readLoop() {
	defer t.shutdown()
	for {
		var f wire.Frame
		if err := t.conn.ReadJSON(&f); err != nil {
			select {
			case <-t.done:
			default:
				log.Printf("transport read: %v", err)
			}
			return
		}
		switch f.Type {
		case wire.TypeNext:
			obs, ok := t.lookup(f.ID)
			if !ok || obs.Next == nil {
				continue
			}
			b, err := f.Batch()
			if err != nil {
				log.Printf("transport subscription %s: %v", f.ID, err)
				continue
			}
			obs.Next(b)
		case wire.TypeError:
			if obs, ok := t.lookup(f.ID); ok && obs.Error != nil {
				obs.Error(errors.New(f.Message))
			}
		case wire.TypeComplete:
			if obs, ok := t.remove(f.ID); ok && obs.Complete != nil {
				obs.Complete()
			}
		}
	}
}

// shutdown drops every observer without notifying it; the multiplexer keeps
// its handles and reopens them on the next connection.
func (t *WSTransport) shutdown() {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		close(t.done)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = t.conn.Close()
		t.writeMu.Unlock()
		t.mu.Lock()
		t.subs = make(map[string]Observer)
		t.mu.Unlock()
	})
}
