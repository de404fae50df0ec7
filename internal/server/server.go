// Package server exposes the topic bus to remote subscribers over a
// websocket and serves read-only snapshot and health endpoints.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"transit-fanout/internal/bus"
	"transit-fanout/internal/gtfs"
	"transit-fanout/internal/sched"
)

// Subscriber is the part of the bus the transport needs.
type Subscriber interface {
	Subscribe(key string) (*bus.Stream, error)
	Stats() bus.Stats
}

// SnapshotSource exposes the last applied cycle.
type SnapshotSource interface {
	Snapshot() *sched.Snapshot
	State() sched.State
}

// Metrics receives session observations. Optional.
type Metrics interface {
	SessionOpened()
	SessionClosed()
}

type Options struct {
	Addr         string
	CORSOrigins  []string
	PingInterval time.Duration
	ReadTimeout  time.Duration // reset by every frame and pong
}

func DefaultOptions() Options {
	return Options{Addr: ":8080", CORSOrigins: []string{"*"}, PingInterval: 30 * time.Second, ReadTimeout: 60 * time.Second}
}

type Server struct {
	opts     Options
	bus      Subscriber
	snaps    SnapshotSource
	metrics  Metrics
	upgrader websocket.Upgrader
	handler  http.Handler
	httpSrv  *http.Server

	mu       sync.Mutex
	sessions map[*session]struct{}
	closing  bool
}

// New builds the router. metricsHandler, when non-nil, is mounted on /metrics.
func New(opts Options, b Subscriber, snaps SnapshotSource, m Metrics, metricsHandler http.Handler) *Server {
	d := DefaultOptions()
	if opts.Addr == "" {
		opts.Addr = d.Addr
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = d.CORSOrigins
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = d.PingInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = d.ReadTimeout
	}
	s := &Server{
		opts:     opts,
		bus:      b,
		snaps:    snaps,
		metrics:  m,
		sessions: make(map[*session]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	r := mux.NewRouter()
	r.Use(recoveryMiddleware)
	r.Use(loggingMiddleware)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/debug/topics", s.handleTopics).Methods(http.MethodGet)
	api.HandleFunc("/vehicles/{routeId}", s.handleVehicles).Methods(http.MethodGet)
	api.HandleFunc("/stops/{stopId}/arrivals", s.handleArrivals).Methods(http.MethodGet)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	})
	s.handler = c.Handler(r)
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

// Start listens in the background.
func (s *Server) Start() {
	s.httpSrv = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()
	log.Printf("http listening on %s", s.opts.Addr)
}

// Shutdown stops accepting requests and closes every websocket session.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.mu.Lock()
	s.closing = true
	open := make([]*session, 0, len(s.sessions))
	for ss := range s.sessions {
		open = append(open, ss)
	}
	s.mu.Unlock()
	for _, ss := range open {
		ss.close()
	}
	return err
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.opts.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	ss := newSession(conn, s.bus, s.opts)
	s.mu.Lock()
	s.sessions[ss] = struct{}{}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SessionOpened()
	}
	log.Printf("session %s opened remote=%s", ss.id, r.RemoteAddr)

	ss.run()

	s.mu.Lock()
	delete(s.sessions, ss)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SessionClosed()
	}
	log.Printf("session %s closed", ss.id)
}

type healthResponse struct {
	Status           string `json:"status"`
	State            string `json:"state"`
	VehicleTimestamp int64  `json:"vehicleTimestamp,omitempty"`
	TripTimestamp    int64  `json:"tripTimestamp,omitempty"`
	AppliedAt        string `json:"appliedAt,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "starting", State: string(s.snaps.State())}
	if snap := s.snaps.Snapshot(); snap != nil {
		resp.Status = "ok"
		resp.VehicleTimestamp = snap.VehicleTimestamp
		resp.TripTimestamp = snap.TripTimestamp
		resp.AppliedAt = snap.AppliedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTopics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Stats())
}

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	snap := s.snaps.Snapshot()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "no feed applied yet")
		return
	}
	vehicles := snap.Vehicles[mux.Vars(r)["routeId"]]
	if vehicles == nil {
		vehicles = []gtfs.DerivedVehicle{}
	}
	writeJSON(w, http.StatusOK, vehicles)
}

func (s *Server) handleArrivals(w http.ResponseWriter, r *http.Request) {
	snap := s.snaps.Snapshot()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "no feed applied yet")
		return
	}
	arrivals := snap.Arrivals[mux.Vars(r)["stopId"]]
	if arrivals == nil {
		arrivals = []gtfs.StopArrival{}
	}
	writeJSON(w, http.StatusOK, arrivals)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
