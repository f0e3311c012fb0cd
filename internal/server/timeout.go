package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware bounds the wall-clock budget of every request,
// streaming relays included. It cancels the context rather than killing
// the handler, so handlers must honor context.Done().
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
