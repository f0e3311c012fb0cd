package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/embedchat/agent-gateway/internal/domain"
)

// writeJSON writes v with the given status. Encoding failures have
// nowhere useful to go once the status line is out, so they are
// dropped.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto the flat wire error shape. Anything that is
// not an APIError counts as internal; the cause reaches the request
// log, never the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		apiErr = domain.ErrInternal(err)
	}
	AddError(r.Context(), err)
	writeJSON(w, apiErr.HTTPStatusCode(), domain.ErrorResponse{Error: apiErr.Message})
}
