package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/embedchat/agent-gateway/internal/telemetry"
)

// MetricsMiddleware feeds the request counter and latency histogram.
// The path label is the matched chi route pattern, not the raw URL, so
// per-instance paths collapse into one series.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			// Preflights are answered before routing; anything else
			// without a pattern never matched a route.
			if r.Method == http.MethodOptions {
				pattern = "preflight"
			} else {
				pattern = "unmatched"
			}
		}
		telemetry.RequestsTotal.WithLabelValues(pattern, strconv.Itoa(wrapped.statusCode)).Inc()
		telemetry.RequestDurationSeconds.WithLabelValues(pattern).Observe(time.Since(start).Seconds())
	})
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards Flush to the underlying ResponseWriter if it supports
// http.Flusher.
func (rw *metricsResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
