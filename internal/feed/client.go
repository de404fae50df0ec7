package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"transit-fanout/internal/gtfs"
)

// ErrFetchTimeout is reported when a feed did not answer within the fetch timeout.
var ErrFetchTimeout = errors.New("fetch timeout")

// FetchError wraps a network, HTTP or decode failure of a single feed.
type FetchError struct {
	Feed string
	Err  error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.Feed, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

const (
	FeedVehicles = "vehicles"
	FeedTrips    = "trips"
)

// Metrics receives fetch observations. Optional.
type Metrics interface {
	FetchObserve(feed string, d time.Duration, err error)
}

type Client struct {
	httpClient *http.Client
	vehicleURL string
	tripURL    string
	format     Format
	timeout    time.Duration
	metrics    Metrics
}

func NewClient(vehicleURL, tripURL string, format Format, timeout time.Duration, m Metrics) *Client {
	return &Client{
		httpClient: &http.Client{},
		vehicleURL: vehicleURL,
		tripURL:    tripURL,
		format:     format,
		timeout:    timeout,
		metrics:    m,
	}
}

// FetchSnapshots fetches both feeds concurrently. Each fetch is bounded by
// the client timeout on its own; either failing fails the whole call.
func (c *Client) FetchSnapshots(ctx context.Context) (*gtfs.VehicleFeed, *gtfs.TripFeed, error) {
	var (
		vf *gtfs.VehicleFeed
		tf *gtfs.TripFeed
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := c.fetch(gctx, FeedVehicles, c.vehicleURL)
		if err != nil {
			return err
		}
		vf, err = DecodeVehicles(b, c.format)
		if err != nil {
			return &FetchError{Feed: FeedVehicles, Err: err}
		}
		return nil
	})
	g.Go(func() error {
		b, err := c.fetch(gctx, FeedTrips, c.tripURL)
		if err != nil {
			return err
		}
		tf, err = DecodeTrips(b, c.format)
		if err != nil {
			return &FetchError{Feed: FeedTrips, Err: err}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if vf.Skipped > 0 || tf.Skipped > 0 {
		log.Printf("feed decode skipped records vehicles=%d trips=%d", vf.Skipped, tf.Skipped)
	}
	return vf, tf, nil
}

func (c *Client) fetch(parent context.Context, name, url string) (b []byte, err error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.FetchObserve(name, time.Since(start), err)
		}
	}()

	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{Feed: name, Err: err}
	}
	req.Header.Set("Accept", c.format.accept())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classify(ctx, name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Feed: name, Err: fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)}
	}
	b, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.classify(ctx, name, err)
	}
	return b, nil
}

// classify maps an expired per-fetch deadline to ErrFetchTimeout. A
// cancelled parent context is reported as is.
func (c *Client) classify(ctx context.Context, name string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &FetchError{Feed: name, Err: fmt.Errorf("%w after %s", ErrFetchTimeout, c.timeout)}
	}
	return &FetchError{Feed: name, Err: err}
}
