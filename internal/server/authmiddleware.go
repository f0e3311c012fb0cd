package server

import (
	"net/http"

	"github.com/embedchat/agent-gateway/internal/auth"
	"github.com/embedchat/agent-gateway/internal/domain"
)

// RequireServiceToken guards a route group with the operator bearer
// token. The rejection body matches the rest of the error surface; the
// concrete reason goes to the request log only.
func RequireServiceToken(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := v.Verify(r); err != nil {
				AddError(r.Context(), err)
				writeJSON(w, http.StatusUnauthorized, domain.ErrorResponse{Error: "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
