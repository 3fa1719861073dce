package api

import (
	"net/http"
	"time"

	"github.com/moltbunker/rewardclaim/pkg/types"
)

// startTime records when the server package was initialized for uptime calculation.
var startTime = time.Now()

// Version is reported by /health. Set at link time by the CLI.
var Version = "dev"

// HealthResponse is the JSON response for the /health endpoint
type HealthResponse struct {
	Status       string        `json:"status"`
	Uptime       string        `json:"uptime"`
	Version      string        `json:"version"`
	ClaimClosed  bool          `json:"claim_closed"`
	Inflight     types.Variant `json:"inflight"`
	RewardsReady bool          `json:"rewards_ready"`
	Reason       string        `json:"reason,omitempty"`
}

// handleHealthCheck handles GET /health. No authentication is required.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()

	uptime := time.Since(startTime).Round(time.Second).String()
	if s.metrics != nil {
		uptime = s.metrics.GetMetrics().Uptime
	}

	if !running {
		s.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "unhealthy",
			Uptime:  uptime,
			Version: Version,
			Reason:  "server not running",
		})
		return
	}

	resp := HealthResponse{
		Status:  "healthy",
		Uptime:  uptime,
		Version: Version,
	}
	if s.claims != nil {
		view := s.claims.State()
		resp.ClaimClosed = view.Closed
		resp.Inflight = view.Inflight
		resp.RewardsReady = view.RewardsReady
		if view.RewardsError != "" {
			resp.Status = "degraded"
			resp.Reason = view.RewardsError
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
