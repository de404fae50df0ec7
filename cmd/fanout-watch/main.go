// fanout-watch subscribes to route and stop topics on a fan-out server and
// prints every batch along with connection status changes.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"transit-fanout/internal/client"
	"transit-fanout/internal/config"
	"transit-fanout/internal/gtfs"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	routes := flag.String("routes", "", "comma separated route ids to watch")
	stops := flag.String("stops", "", "comma separated stop codes to watch")
	flag.Parse()

	cfg, err := config.LoadWatch()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if *routes == "" && *stops == "" {
		log.Fatalf("nothing to watch: pass -routes and/or -stops")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := client.New(client.Options{
		URL:           cfg.URL,
		MaxDelay:      cfg.MaxDelay,
		ProbeInterval: cfg.ProbeInterval,
	})
	stopWatching := c.State().OnChange(func(s client.ConnectionState) {
		if s.NeedsProbe() {
			log.Printf("status: offline, retrying (attempt %d)", s.RetryCount)
		}
	})
	defer stopWatching()

	// SIGHUP forces an immediate reconnect attempt
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			c.NotifyOnline()
		}
	}()

	for _, r := range split(*routes) {
		if _, err := c.SubscribeVehicles(r, printer(gtfs.VehicleTopic(r))); err != nil {
			log.Fatalf("subscribe route %s: %v", r, err)
		}
	}
	for _, s := range split(*stops) {
		if _, err := c.SubscribeStopArrivals(s, printer(gtfs.StopTopic(s))); err != nil {
			log.Fatalf("subscribe stop %s: %v", s, err)
		}
	}
	log.Printf("watching %s on %s", strings.Join(c.Multiplexer().Keys(), ","), cfg.URL)

	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("client error: %v", err)
	}
	log.Println("bye")
}

func printer(topic string) client.Callbacks {
	return client.Callbacks{
		Next: func(b gtfs.Batch) {
			switch v := b.(type) {
			case gtfs.VehicleBatch:
				for _, veh := range v.Vehicles {
					log.Printf("%s vehicle=%s trip=%s next=%s at %.5f,%.5f", topic, veh.VehicleID, veh.TripID, veh.DestinationStopID, veh.Lat, veh.Lon)
				}
				if len(v.Vehicles) == 0 {
					log.Printf("%s no vehicles", topic)
				}
			case gtfs.ArrivalBatch:
				for _, a := range v.Arrivals {
					log.Printf("%s route=%s trip=%s arrival=%d delay=%ds", topic, a.RouteID, a.TripID, a.ArrivalTime, a.DelaySeconds)
				}
				if len(v.Arrivals) == 0 {
					log.Printf("%s no arrivals", topic)
				}
			}
		},
		Error:    func(err error) { log.Printf("%s error: %v", topic, err) },
		Complete: func() { log.Printf("%s completed", topic) },
	}
}

func split(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
