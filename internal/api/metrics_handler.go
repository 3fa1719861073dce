package api

import (
	"net/http"
)

// handleMetrics serves the JSON metrics snapshot. Prometheus scrapes use
// the configured metrics path instead.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.metrics == nil {
		s.writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.GetMetrics())
}
