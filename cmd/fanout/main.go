package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transit-fanout/internal/bus"
	"transit-fanout/internal/config"
	"transit-fanout/internal/feed"
	"transit-fanout/internal/metrics"
	"transit-fanout/internal/publisher"
	"transit-fanout/internal/refdata"
	"transit-fanout/internal/sched"
	"transit-fanout/internal/server"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	// Load configuration from .env, FANOUT_CONFIG and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	format, err := feed.ParseFormat(cfg.FeedFormat)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	codes, err := refdata.Load(ctx, cfg.StopCodesSource, cfg.StopCodesKey)
	if err != nil {
		log.Fatalf("reference data error: %v", err)
	}

	// Metrics setup
	var (
		mcol    *metrics.Collector
		feedM   feed.Metrics
		schedM  sched.Metrics
		busM    bus.Metrics
		serverM server.Metrics
		pubM    publisher.PublisherMetrics
	)
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.UpdatePeriod, cfg.TopicHighWater)
		feedM, schedM, busM, serverM, pubM = mcol, mcol, mcol, mcol, mcol
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Optional NATS mirror of every published batch
	var sink bus.Sink
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, pubM)
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
		sink = pub
	}

	b := bus.New(bus.Options{
		HighWater:     cfg.TopicHighWater,
		TrackingTTL:   cfg.TrackingTTL,
		SweepInterval: cfg.TrackingSweep,
	}, sink, busM)
	sweepStop := make(chan struct{})
	b.StartSweeper(sweepStop)

	client := feed.NewClient(cfg.VehicleFeedURL, cfg.TripFeedURL, format, cfg.FetchTimeout, feedM)
	s := sched.New(client, codes, b, sched.Options{
		UpdatePeriod:     cfg.UpdatePeriod,
		Skew:             cfg.PollSkew,
		Retries:          cfg.PollRetries,
		RetryDelay:       cfg.PollRetryDelay,
		WatchdogInterval: cfg.WatchdogInterval,
		StallThreshold:   cfg.StallThreshold,
	}, schedM)
	s.Start(ctx)

	httpSrv := server.New(server.Options{Addr: cfg.ListenAddr, CORSOrigins: cfg.CORSOrigins}, b, s, serverM, metricsHandler(mcol))
	httpSrv.Start()

	// Block until context cancelled
	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	s.Stop()
	close(sweepStop)
	b.Close()
	log.Println("shutdown complete")
}

// metricsHandler mounts /metrics on the main listener too when metrics are enabled.
func metricsHandler(c *metrics.Collector) http.Handler {
	if c == nil {
		return nil
	}
	return c.Handler()
}
