// Package observability serves metrics and probes, and instruments the API
// router.
package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Server exposes /metrics, /healthz and /readyz on their own listener.
type Server struct {
	server *http.Server
	ready  func() bool
}

// NewServer creates the observability HTTP server. ready reports readiness;
// nil means always ready. A nil gatherer serves the default registry.
func NewServer(addr string, gatherer prometheus.Gatherer, ready func() bool) *Server {
	s := &Server{ready: ready}

	metricsHandler := promhttp.Handler()
	if gatherer != nil {
		metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /healthz", probe(func() bool { return true }, "ok", "ok"))
	mux.HandleFunc("GET /readyz", probe(s.isReady, "ready", "not ready"))

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) isReady() bool {
	return s.ready == nil || s.ready()
}

func probe(check func() bool, okBody, failBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !check() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(failBody))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody))
	}
}

// Handler returns the server's handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens in a background goroutine.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("Starting observability server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Observability server stopped")
		}
	}()
}

// Shutdown stops the listener and waits for in-flight scrapes.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
