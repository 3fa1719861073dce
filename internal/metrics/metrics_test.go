package metrics

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/moltbunker/rewardclaim/internal/rewards"
	"github.com/moltbunker/rewardclaim/internal/txn"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

var (
	_ txn.Recorder         = (*Collector)(nil)
	_ txn.Recorder         = (*PrometheusCollector)(nil)
	_ rewards.PollRecorder = (*Collector)(nil)
	_ rewards.PollRecorder = (*PrometheusCollector)(nil)
)

func TestCollectorClaims(t *testing.T) {
	c := NewCollector()

	c.AttemptStarted(types.VariantClaimOnly)
	c.AttemptFinished(types.VariantClaimOnly, txn.PhaseFailed, 10*time.Millisecond)
	c.AttemptStarted(types.VariantClaimOnly)
	c.AttemptFinished(types.VariantClaimOnly, txn.PhaseConfirmed, 30*time.Millisecond)
	c.AttemptStarted(types.VariantClaimAndStake)
	c.FeeEstimateFailed(types.VariantClaimAndStake)

	m := c.GetMetrics()
	claim := m.Claims[types.VariantClaimOnly]
	if claim.Attempts != 2 || claim.Confirmed != 1 || claim.Failed != 1 {
		t.Errorf("claim stats = %+v", claim)
	}
	if claim.AvgDurationMs != 20 {
		t.Errorf("expected avg duration 20ms, got %f", claim.AvgDurationMs)
	}
	stake := m.Claims[types.VariantClaimAndStake]
	if stake.Attempts != 1 || stake.FeeEstimateFailures != 1 {
		t.Errorf("stake stats = %+v", stake)
	}
	if m.PendingClaims != 1 {
		t.Errorf("expected 1 pending claim, got %d", m.PendingClaims)
	}
}

func TestCollectorRewardPolls(t *testing.T) {
	c := NewCollector()
	c.RewardPoll(true)
	c.RewardPoll(false)
	c.RewardPoll(true)

	m := c.GetMetrics()
	if m.RewardPolls != 3 || m.RewardPollFailures != 1 {
		t.Errorf("polls = %d failures = %d", m.RewardPolls, m.RewardPollFailures)
	}
}

func TestCollectorRequests(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("/v1/rewards")
	c.RecordRequest("/v1/rewards")
	c.RecordLatency("/v1/rewards", 500*time.Microsecond)
	c.RecordLatency("/v1/rewards", 2*time.Second)

	m := c.GetMetrics()
	if m.RequestCounts["/v1/rewards"] != 2 {
		t.Errorf("expected 2 requests, got %d", m.RequestCounts["/v1/rewards"])
	}
	stats := m.RequestLatencies["/v1/rewards"]
	if stats.Count != 2 {
		t.Errorf("expected 2 latency samples, got %d", stats.Count)
	}
	if stats.Buckets["0-1ms"] != 1 || stats.Buckets["1000ms+"] != 1 {
		t.Errorf("buckets = %v", stats.Buckets)
	}
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.AttemptStarted(types.VariantClaimOnly)
			c.AttemptFinished(types.VariantClaimOnly, txn.PhaseConfirmed, time.Millisecond)
		}()
	}
	wg.Wait()

	m := c.GetMetrics()
	if got := m.Claims[types.VariantClaimOnly].Attempts; got != 50 {
		t.Errorf("expected 50 attempts, got %d", got)
	}
	if m.PendingClaims != 0 {
		t.Errorf("expected no pending claims, got %d", m.PendingClaims)
	}
}

func TestCollectorJSON(t *testing.T) {
	c := NewCollector()
	c.AttemptStarted(types.VariantClaimAndStake)

	data, err := c.GetMetricsJSON()
	if err != nil {
		t.Fatalf("GetMetricsJSON: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	claims, ok := decoded["claims"].(map[string]any)
	if !ok {
		t.Fatalf("claims missing: %s", data)
	}
	if _, ok := claims["claim_and_stake"]; !ok {
		t.Errorf("claim_and_stake missing: %s", data)
	}
}
