package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/embedchat/agent-gateway/internal/domain"
)

// handleAnalytics serves one instance's tallies for a single UTC day.
// Omitting the date means today. The route only exists when a service
// token is configured; RequireServiceToken has already run.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	if !domain.ValidInstanceID(id) {
		writeError(w, r, domain.ErrAgentNotFound())
		return
	}

	date := r.URL.Query().Get("date")
	if date == "" {
		date = s.now().UTC().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		writeError(w, r, domain.NewAPIError(domain.ErrorKindBadRequest, "Invalid date format"))
		return
	}

	sum, err := s.recorder.Summarize(r.Context(), id, date)
	if err != nil {
		writeError(w, r, domain.ErrInternal(err))
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
