package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moltbunker/rewardclaim/internal/claim"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

// RewardsResponse is the response for GET /v1/rewards
type RewardsResponse struct {
	Total   decimal.Decimal     `json:"total"`
	Targets []types.ClaimTarget `json:"targets"`
	Loading bool                `json:"loading"`
	Ready   bool                `json:"ready"`
	Error   string              `json:"error,omitempty"`
}

// ExecuteResponse is the response for the claim endpoints
type ExecuteResponse struct {
	Started bool             `json:"started"`
	Reason  string           `json:"reason,omitempty"`
	Action  claim.ActionView `json:"action"`
}

// handleRewards handles GET /v1/rewards
func (s *Server) handleRewards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	view := s.claims.State()
	s.writeJSON(w, http.StatusOK, RewardsResponse{
		Total:   view.Total,
		Targets: view.Targets,
		Loading: view.RewardsLoading,
		Ready:   view.RewardsReady,
		Error:   view.RewardsError,
	})
}

// handleRefresh handles POST /v1/rewards/refresh
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.refresher == nil {
		s.writeError(w, http.StatusNotImplemented, "reward refresh not available")
		return
	}
	s.refresher.Refresh()
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"refreshing": true,
		"timestamp":  time.Now(),
	})
}

// handleClaimState handles GET /v1/claim/state
func (s *Server) handleClaimState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.claims.State())
}

// handleExecute starts the variant's transaction. The request returns once
// the attempt has started; progress is streamed over /v1/ws and visible in
// /v1/claim/state.
func (s *Server) handleExecute(v types.Variant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		started := s.claims.Execute(r.Context(), v)
		view := s.claims.State()
		action, _ := view.Action(v)

		if started {
			s.writeJSON(w, http.StatusAccepted, ExecuteResponse{Started: true, Action: action})
			return
		}

		status, reason := notStartedReason(view, action)
		s.writeJSON(w, status, ExecuteResponse{Started: false, Reason: reason, Action: action})
	}
}

// notStartedReason explains why Execute was a no-op
func notStartedReason(view claim.View, action claim.ActionView) (int, string) {
	switch {
	case view.Closed:
		return http.StatusGone, "claim flow closed"
	case view.Inflight != types.VariantNone:
		return http.StatusConflict, view.Inflight.Label() + " is in progress"
	case action.Params == 0:
		return http.StatusConflict, "nothing to claim"
	default:
		return http.StatusServiceUnavailable, "signer not ready"
	}
}

// writeJSON writes JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
