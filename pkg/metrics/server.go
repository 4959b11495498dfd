package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck reports a non-nil error when the component it observes is unhealthy.
type HealthCheck func() error

// Server serves Prometheus metrics and a health endpoint over HTTP.
type Server struct {
	httpServer *http.Server
	checks     []HealthCheck
}

// NewServer creates a new metrics HTTP server.
// The server exposes metrics at /metrics and health at /health on the given address (e.g., ":9090").
// /health answers 503 with the first failing check's message.
func NewServer(addr string, gatherer prometheus.Gatherer, checks ...HealthCheck) *Server {
	s := &Server{checks: checks}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	for _, check := range s.checks {
		if err := check(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(err.Error())) //nolint:errcheck // best-effort health response
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok")) //nolint:errcheck // best-effort health response
}

// Start begins serving metrics. This is non-blocking.
// Returns a channel that receives an error if the server fails.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
