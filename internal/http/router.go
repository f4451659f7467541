// Package http exposes the session's observable state and controls over HTTP.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"speech-emotion-service/internal/models"
	"speech-emotion-service/internal/observability"
	"speech-emotion-service/internal/observability/metrics"
)

// Controller is the read-only state and session control surface.
type Controller interface {
	State(ctx context.Context) (models.StateView, error)
	History(ctx context.Context, limit int) ([]models.EntryView, error)
	Start(ctx context.Context) (models.StateView, error)
	Stop(ctx context.Context) (models.StateView, error)
	Toggle(ctx context.Context) (models.StateView, error)
	Ready() bool
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter constructs the HTTP router for the service. hub may be nil.
func NewRouter(ctrl Controller, hub *Hub) http.Handler {
	return newRouter(ctrl, hub, metrics.DefaultMetrics)
}

func newRouter(ctrl Controller, hub *Hub, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMiddleware(m))

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !ctrl.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
			view, err := ctrl.State(r.Context())
			respond(w, view, err)
		})

		r.Get("/history", func(w http.ResponseWriter, r *http.Request) {
			limit := 0
			if s := r.URL.Query().Get("limit"); s != "" {
				n, err := strconv.Atoi(s)
				if err != nil || n < 0 {
					writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
					return
				}
				limit = n
			}
			entries, err := ctrl.History(r.Context(), limit)
			if entries == nil {
				entries = []models.EntryView{}
			}
			respond(w, entries, err)
		})

		r.Route("/session", func(r chi.Router) {
			r.Post("/start", control(ctrl.Start))
			r.Post("/stop", control(ctrl.Stop))
			r.Post("/toggle", control(ctrl.Toggle))
		})

		if hub != nil {
			r.Get("/ws", hub.serveWS(ctrl))
		}
	})

	return r
}

func control(fn func(context.Context) (models.StateView, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := fn(r.Context())
		respond(w, view, err)
	}
}

func respond(w http.ResponseWriter, body any, err error) {
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		log.Warn().Err(err).Int("status", status).Msg("Request failed")
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
