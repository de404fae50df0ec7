package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry. Its methods satisfy the metrics
// interfaces of the feed, sched, bus, server and publisher packages.
type Collector struct {
	reg *prometheus.Registry

	FetchDuration  *prometheus.HistogramVec // feed, result labels
	Cycles         *prometheus.CounterVec   // outcome label: applied|noop|failed
	CycleDuration  prometheus.Histogram
	Skipped        prometheus.Counter
	WatchdogResets prometheus.Counter

	Topics               prometheus.Gauge
	Listeners            prometheus.Gauge
	ListenersEvicted     prometheus.Counter
	SubscriptionsExpired prometheus.Counter
	WebsocketSessions    prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	UpdatePeriod prometheus.Gauge // seconds
	HighWater    prometheus.Gauge
}

func NewCollector(updatePeriod time.Duration, highWater int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fanout_feed_fetch_duration_seconds",
			Help:    "Duration of upstream feed fetches.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"feed", "result"}),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_poll_cycles_total",
			Help: "Poll cycles by outcome.",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fanout_poll_cycle_duration_seconds",
			Help:    "Duration of poll cycles including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_derivation_skipped_records_total",
			Help: "Feed records skipped for missing fields.",
		}),
		WatchdogResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_watchdog_resets_total",
			Help: "Times the watchdog reset a stalled scheduler.",
		}),
		Topics: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_topics",
			Help: "Topics with at least one listener.",
		}),
		Listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_listeners",
			Help: "Active bus listeners.",
		}),
		ListenersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_listeners_evicted_total",
			Help: "Listeners evicted by the per-topic high-water mark.",
		}),
		SubscriptionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_subscriptions_expired_total",
			Help: "Stale subscriptions removed by the tracking sweep.",
		}),
		WebsocketSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_websocket_sessions",
			Help: "Open websocket sessions.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fanout_nats_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		UpdatePeriod: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_update_period_seconds",
			Help: "Configured upstream update period.",
		}),
		HighWater: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_topic_high_water",
			Help: "Configured listener limit per topic.",
		}),
	}

	reg.MustRegister(
		c.FetchDuration, c.Cycles, c.CycleDuration, c.Skipped, c.WatchdogResets,
		c.Topics, c.Listeners, c.ListenersEvicted, c.SubscriptionsExpired, c.WebsocketSessions,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.UpdatePeriod, c.HighWater,
	)

	c.UpdatePeriod.Set(updatePeriod.Seconds())
	c.HighWater.Set(float64(highWater))

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

func (c *Collector) FetchObserve(feed string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.FetchDuration.WithLabelValues(feed, result).Observe(d.Seconds())
}

func (c *Collector) CycleObserve(outcome string, d time.Duration) {
	c.Cycles.WithLabelValues(outcome).Inc()
	c.CycleDuration.Observe(d.Seconds())
}

func (c *Collector) DerivationSkipped(n int) { c.Skipped.Add(float64(n)) }
func (c *Collector) WatchdogReset()          { c.WatchdogResets.Inc() }

func (c *Collector) SetTopics(n int)       { c.Topics.Set(float64(n)) }
func (c *Collector) SetListeners(n int)    { c.Listeners.Set(float64(n)) }
func (c *Collector) ListenerEvicted(n int) { c.ListenersEvicted.Add(float64(n)) }
func (c *Collector) TrackingExpired()      { c.SubscriptionsExpired.Inc() }

func (c *Collector) SessionOpened() { c.WebsocketSessions.Inc() }
func (c *Collector) SessionClosed() { c.WebsocketSessions.Dec() }

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(b bool) {
	if b {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
