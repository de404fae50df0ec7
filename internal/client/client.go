// Package client consumes the fan-out websocket: it shares one subscription
// per topic among any number of callers and keeps the connection alive,
// restoring every subscription after a reconnect.
package client

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"transit-fanout/internal/gtfs"
)

var ErrProbeFailed = errors.New("reconnect probe failed")

type Options struct {
	URL           string
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	Dialer        *websocket.Dialer
}

func DefaultOptions() Options {
	return Options{
		InitialDelay:  time.Second,
		MaxDelay:      5 * time.Second,
		ProbeInterval: 5 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// conn is a live transport the client can wait on.
type conn interface {
	Transport
	Done() <-chan struct{}
	Close()
}

type Client struct {
	opts   Options
	mux    *Multiplexer
	state  *StateMachine
	online chan struct{}
	dial   func(ctx context.Context) (conn, error)
}

func New(opts Options) *Client {
	d := DefaultOptions()
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = d.InitialDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = d.MaxDelay
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = d.ProbeInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = d.ProbeTimeout
	}
	c := &Client{
		opts:   opts,
		mux:    NewMultiplexer(),
		state:  NewStateMachine(),
		online: make(chan struct{}, 1),
	}
	c.dial = func(ctx context.Context) (conn, error) {
		return DialTransport(ctx, c.opts.URL, c.opts.Dialer)
	}
	return c
}

func (c *Client) Multiplexer() *Multiplexer { return c.mux }
func (c *Client) State() *StateMachine      { return c.state }

func (c *Client) SubscribeVehicles(routeID string, cb Callbacks) (Token, error) {
	return c.mux.Subscribe(gtfs.KindVehicle, routeID, cb)
}

func (c *Client) SubscribeStopArrivals(stopID string, cb Callbacks) (Token, error) {
	return c.mux.Subscribe(gtfs.KindStop, stopID, cb)
}

// NotifyOnline signals that the network came back; a pending reconnect
// attempt runs immediately.
func (c *Client) NotifyOnline() {
	select {
	case c.online <- struct{}{}:
	default:
	}
}

// newReconnectBackOff yields initial, 2x, 4x ... capped at maxDelay, forever.
func newReconnectBackOff(initial, maxDelay time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = maxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Run keeps a connection up until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	bo := newReconnectBackOff(c.opts.InitialDelay, c.opts.MaxDelay)
	for {
		t, err := c.connect(ctx)
		if err == nil {
			bo.Reset()
			c.mux.Bind(t)
			c.mux.ResubscribeAll()
			select {
			case <-t.Done():
				c.mux.Bind(nil)
				c.state.HandleEvent(EventClosed)
			case <-ctx.Done():
				c.mux.Bind(nil)
				t.Close()
				c.state.HandleEvent(EventClosed)
				return ctx.Err()
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		} else {
			log.Printf("connect %s: %v", c.opts.URL, err)
		}

		if err := c.wait(ctx, bo.NextBackOff()); err != nil {
			return err
		}
	}
}

// connect dials and probes. The connection counts as live only once the
// probe subscription delivered data.
func (c *Client) connect(ctx context.Context) (conn, error) {
	c.state.HandleEvent(EventConnecting)
	t, err := c.dial(ctx)
	if err != nil {
		c.state.HandleEvent(EventError)
		return nil, err
	}
	if err := probe(ctx, t, c.opts.ProbeTimeout); err != nil {
		t.Close()
		c.state.HandleEvent(EventError)
		return nil, err
	}
	c.state.HandleEvent(EventConnected)
	return t, nil
}

func (c *Client) wait(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	watch := time.NewTicker(c.opts.ProbeInterval)
	defer watch.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-c.online:
			log.Printf("network back online, reconnecting")
			return nil
		case <-watch.C:
			if c.state.State().NeedsProbe() {
				return nil
			}
		}
	}
}

// probe succeeds when the probe topic delivers a batch before completing.
func probe(ctx context.Context, t Transport, timeout time.Duration) error {
	result := make(chan error, 1)
	report := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	var sawNext atomic.Bool
	cancel, err := t.Subscribe(gtfs.ProbeTopic, Observer{
		Next:  func(gtfs.Batch) { sawNext.Store(true) },
		Error: func(err error) { report(errors.Join(ErrProbeFailed, err)) },
		Complete: func() {
			if sawNext.Load() {
				report(nil)
				return
			}
			report(ErrProbeFailed)
		},
	})
	if err != nil {
		return err
	}
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrProbeFailed
	}
}
