package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleWidgetConfig serves the public slice of an instance config for
// widget bootstrap. API keys, allowlists, and budgets never leave the
// gateway.
func (s *Server) handleWidgetConfig(w http.ResponseWriter, r *http.Request) {
	inst, err := s.instances.Lookup(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst.Public())
}
