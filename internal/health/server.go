// Package health exposes the service's health snapshot and Prometheus
// metrics over HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aibix0001/stock-analysis-sub003/internal/dispatch"
)

// Snapshot is the health endpoint's response body.
type Snapshot struct {
	ConnectionStatus         string    `json:"connectionStatus"`
	LastHeartbeat            time.Time `json:"lastHeartbeat,omitempty"`
	RateLimitRemaining       float64   `json:"rateLimitRemaining"`
	RequestBudget            float64   `json:"requestBudget"`
	ReconciliationDriftCount uint64    `json:"reconciliationDriftCount"`
	BufferedEvents           int       `json:"bufferedEvents"`
	OpenOrders               int       `json:"openOrders"`
	PendingPublish           int       `json:"pendingPublish"`
}

// Sources provides the live values the snapshot is built from.
type Sources struct {
	Tracker    *dispatch.ConnTracker
	Dispatcher *dispatch.Dispatcher
	DriftCount func() uint64
	Buffered   func() int
	OpenOrders func() int
	Pending    func() int
}

func (s Sources) snapshot() Snapshot {
	snap := Snapshot{}
	if s.Tracker != nil {
		snap.ConnectionStatus = string(s.Tracker.State())
		snap.LastHeartbeat = s.Tracker.LastHeartbeat()
	}
	if s.Dispatcher != nil {
		snap.RateLimitRemaining = s.Dispatcher.TokensRemaining()
		snap.RequestBudget = s.Dispatcher.CurrentRate()
	}
	if s.DriftCount != nil {
		snap.ReconciliationDriftCount = s.DriftCount()
	}
	if s.Buffered != nil {
		snap.BufferedEvents = s.Buffered()
	}
	if s.OpenOrders != nil {
		snap.OpenOrders = s.OpenOrders()
	}
	if s.Pending != nil {
		snap.PendingPublish = s.Pending()
	}
	return snap
}

// Server serves /health and /metrics.
type Server struct {
	port    int
	sources Sources
	server  *http.Server
	log     zerolog.Logger
}

// NewServer creates a health server.
func NewServer(port int, sources Sources, log zerolog.Logger) *Server {
	return &Server{
		port:    port,
		sources: sources,
		log:     log.With().Str("component", "health_server").Logger(),
	}
}

// Handler returns the HTTP handler, exported for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := s.sources.snapshot()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			s.log.Error().Err(err).Msg("Failed to encode health snapshot")
		}
	})
	return mux
}

// Start starts the HTTP server in the background.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Int("port", s.port).Msg("Starting health server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Health server error")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the health server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.log.Info().Msg("Shutting down health server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown health server: %w", err)
	}
	return nil
}
