package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"speech-emotion-service/internal/observability/metrics"
)

// HTTPMiddleware records metrics and a log line for every API request. The
// route label is the matched chi pattern, so path parameters do not grow
// label cardinality.
func HTTPMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			m.RecordHTTPRequest(route, r.Method, status, duration.Seconds())

			event := log.Debug()
			if status >= http.StatusInternalServerError {
				event = log.Warn()
			}
			event.
				Str("route", route).
				Str("method", r.Method).
				Int("code", status).
				Str("requestId", middleware.GetReqID(r.Context())).
				Dur("duration", duration).
				Msg("HTTP request")
		})
	}
}
