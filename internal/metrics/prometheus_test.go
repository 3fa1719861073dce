package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/moltbunker/rewardclaim/internal/txn"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

func TestPrometheusMirrorsCollector(t *testing.T) {
	c := NewCollector()
	pc := NewPrometheusCollector(c)

	pc.AttemptStarted(types.VariantClaimOnly)
	pc.AttemptFinished(types.VariantClaimOnly, txn.PhaseConfirmed, time.Second)
	pc.AttemptStarted(types.VariantClaimAndStake)
	pc.FeeEstimateFailed(types.VariantClaimAndStake)
	pc.RewardPoll(false)

	if got := getCounterValue(t, pc.claimAttempts, "claim"); got != 1 {
		t.Errorf("claim attempts = %f", got)
	}
	if got := getCounterValue(t, pc.claimOutcomes, "claim", "confirmed"); got != 1 {
		t.Errorf("confirmed outcomes = %f", got)
	}
	if got := getCounterValue(t, pc.feeFailures, "claim_and_stake"); got != 1 {
		t.Errorf("fee failures = %f", got)
	}
	if got := getCounterValue(t, pc.rewardPolls, "failure"); got != 1 {
		t.Errorf("failed polls = %f", got)
	}
	if got := getGaugeValue(t, pc.claimPending.WithLabelValues("claim_and_stake")); got != 1 {
		t.Errorf("pending = %f", got)
	}

	if m := pc.GetMetrics(); m.Claims[types.VariantClaimOnly].Confirmed != 1 {
		t.Errorf("underlying collector not updated: %+v", m.Claims)
	}
}

func TestPrometheusRegistryIsolated(t *testing.T) {
	pc := NewPrometheusCollector(NewCollector())
	if pc.Registry() == prometheus.DefaultRegisterer {
		t.Fatal("expected a dedicated registry")
	}
	// a second collector must not collide
	_ = NewPrometheusCollector(NewCollector())
}

func TestPrometheusHandler(t *testing.T) {
	pc := NewPrometheusCollector(NewCollector())
	pc.RecordRequest("/v1/claim")
	pc.RecordLatency("/v1/claim", 3*time.Millisecond)
	pc.AttemptStarted(types.VariantClaimOnly)

	srv := httptest.NewServer(pc.PrometheusHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`rewardclaim_request_count{route="/v1/claim"} 1`,
		`rewardclaim_claim_attempts_total{variant="claim"} 1`,
		`rewardclaim_claim_pending{variant="claim"} 1`,
		`rewardclaim_uptime_seconds`,
		`rewardclaim_goroutine_count`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

// getCounterValue extracts the current counter value for the given labels from a CounterVec.
func getCounterValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter := cv.WithLabelValues(labels...)
	metric := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(metric); err != nil {
		t.Fatalf("failed to read counter metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}

// getGaugeValue extracts the current value from a Prometheus Gauge.
func getGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := g.Write(metric); err != nil {
		t.Fatalf("failed to read gauge metric: %v", err)
	}
	return metric.GetGauge().GetValue()
}
