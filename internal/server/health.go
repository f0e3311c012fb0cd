package server

import "net/http"

// handleHealth reports process liveness and whether the backing store
// answers. A degraded store turns the probe into a 503 so orchestrators
// can rotate the instance out.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok", "store": s.cfg.Store.Backend}

	if err := s.store.Ping(r.Context()); err != nil {
		AddError(r.Context(), err)
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}
