package client

import (
	"log"
	"sync"
)

type Status string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
)

type Event int

const (
	EventConnecting Event = iota
	EventConnected
	EventClosed
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	}
	return "unknown"
}

type ConnectionState struct {
	Status           Status
	Connected        bool
	RetryCount       int
	HasConnectedOnce bool
}

// NeedsProbe reports whether the reconnect watcher should probe: either the
// first connection keeps failing, or a once-live connection is down.
func (s ConnectionState) NeedsProbe() bool {
	return (s.RetryCount >= 2 && !s.HasConnectedOnce) || (s.HasConnectedOnce && !s.Connected)
}

// StateMachine tracks connectivity and broadcasts every transition.
type StateMachine struct {
	mu        sync.Mutex
	state     ConnectionState
	listeners map[int]func(ConnectionState)
	nextID    int
}

func NewStateMachine() *StateMachine {
	return &StateMachine{
		state:     ConnectionState{Status: StatusDisconnected},
		listeners: make(map[int]func(ConnectionState)),
	}
}

func (sm *StateMachine) State() ConnectionState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// HandleEvent applies a transport event and notifies listeners.
func (sm *StateMachine) HandleEvent(ev Event) ConnectionState {
	sm.mu.Lock()
	switch ev {
	case EventConnecting:
		sm.state.Status = StatusConnecting
		sm.state.Connected = false
		sm.state.RetryCount++
	case EventConnected:
		sm.state.Status = StatusConnected
		sm.state.Connected = true
		sm.state.RetryCount = 0
		sm.state.HasConnectedOnce = true
	case EventClosed, EventError:
		sm.state.Status = StatusDisconnected
		sm.state.Connected = false
	}
	st := sm.state
	listeners := make([]func(ConnectionState), 0, len(sm.listeners))
	for _, l := range sm.listeners {
		listeners = append(listeners, l)
	}
	sm.mu.Unlock()

	log.Printf("connection %s status=%s retries=%d", ev, st.Status, st.RetryCount)
	for _, l := range listeners {
		l(st)
	}
	return st
}

// OnChange registers cb for every transition and returns its removal func.
func (sm *StateMachine) OnChange(cb func(ConnectionState)) func() {
	sm.mu.Lock()
	id := sm.nextID
	sm.nextID++
	sm.listeners[id] = cb
	sm.mu.Unlock()
	return func() {
		sm.mu.Lock()
		delete(sm.listeners, id)
		sm.mu.Unlock()
	}
}
