package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moltbunker/rewardclaim/internal/txn"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

const namespace = "rewardclaim"

// PrometheusCollector wraps a Collector and mirrors its metrics into
// Prometheus format. Both the JSON output and the Prometheus exposition
// format are served from the same recordings.
type PrometheusCollector struct {
	collector *Collector
	registry  *prometheus.Registry

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	claimAttempts  *prometheus.CounterVec
	claimOutcomes  *prometheus.CounterVec
	claimDuration  *prometheus.HistogramVec
	feeFailures    *prometheus.CounterVec
	rewardPolls    *prometheus.CounterVec
	claimPending   *prometheus.GaugeVec
	goroutineCount prometheus.Gauge
	uptimeSeconds  prometheus.Gauge

	startTime time.Time
}

// NewPrometheusCollector creates a PrometheusCollector that wraps c.
// Metrics are registered in a dedicated registry so they do not interfere
// with the default global registry.
func NewPrometheusCollector(c *Collector) *PrometheusCollector {
	reg := prometheus.NewRegistry()

	p := &PrometheusCollector{
		collector: c,
		registry:  reg,
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_count",
			Help:      "Total number of API requests by route.",
		}, []string{"route"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "API request latency histogram by route.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"route"}),
		claimAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_attempts_total",
			Help:      "Claim transaction attempts by variant.",
		}, []string{"variant"}),
		claimOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_outcomes_total",
			Help:      "Settled claim attempts by variant and outcome.",
		}, []string{"variant", "outcome"}),
		claimDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_duration_seconds",
			Help:      "Time from Building to a terminal phase.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"variant"}),
		feeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fee_estimate_failures_total",
			Help:      "Failed fee estimates by variant.",
		}, []string{"variant"}),
		rewardPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reward_polls_total",
			Help:      "Reward polls by result.",
		}, []string{"result"}),
		claimPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "claim_pending",
			Help:      "Claim attempts currently in flight by variant.",
		}, []string{"variant"}),
		goroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutine_count",
			Help:      "Number of goroutines.",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the process started in seconds.",
		}),
		startTime: time.Now(),
	}

	reg.MustRegister(
		p.requestCount,
		p.requestDuration,
		p.claimAttempts,
		p.claimOutcomes,
		p.claimDuration,
		p.feeFailures,
		p.rewardPolls,
		p.claimPending,
		p.goroutineCount,
		p.uptimeSeconds,
	)
	return p
}

// Registry returns the Prometheus registry used by this collector
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// RecordRequest records a request in both collectors
func (p *PrometheusCollector) RecordRequest(route string) {
	p.collector.RecordRequest(route)
	p.requestCount.WithLabelValues(route).Inc()
}

// RecordLatency records latency in both collectors
func (p *PrometheusCollector) RecordLatency(route string, duration time.Duration) {
	p.collector.RecordLatency(route, duration)
	p.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// AttemptStarted implements txn.Recorder
func (p *PrometheusCollector) AttemptStarted(v types.Variant) {
	p.collector.AttemptStarted(v)
	p.claimAttempts.WithLabelValues(v.String()).Inc()
	p.claimPending.WithLabelValues(v.String()).Inc()
}

// AttemptFinished implements txn.Recorder
func (p *PrometheusCollector) AttemptFinished(v types.Variant, outcome txn.Phase, d time.Duration) {
	p.collector.AttemptFinished(v, outcome, d)
	p.claimOutcomes.WithLabelValues(v.String(), outcome.String()).Inc()
	p.claimDuration.WithLabelValues(v.String()).Observe(d.Seconds())
	p.claimPending.WithLabelValues(v.String()).Dec()
}

// FeeEstimateFailed implements txn.Recorder
func (p *PrometheusCollector) FeeEstimateFailed(v types.Variant) {
	p.collector.FeeEstimateFailed(v)
	p.feeFailures.WithLabelValues(v.String()).Inc()
}

// RewardPoll implements rewards.PollRecorder
func (p *PrometheusCollector) RewardPoll(success bool) {
	p.collector.RewardPoll(success)
	result := "success"
	if !success {
		result = "failure"
	}
	p.rewardPolls.WithLabelValues(result).Inc()
}

// Sync refreshes the process gauges. Call before serving metrics.
func (p *PrometheusCollector) Sync() {
	p.goroutineCount.Set(float64(runtime.NumGoroutine()))
	p.uptimeSeconds.Set(time.Since(p.startTime).Seconds())
}

// GetMetrics returns the JSON metrics from the underlying Collector
func (p *PrometheusCollector) GetMetrics() *Metrics {
	return p.collector.GetMetrics()
}

// Collector returns the underlying Collector
func (p *PrometheusCollector) Collector() *Collector {
	return p.collector
}

// PrometheusHandler returns an http.Handler that serves metrics in the
// Prometheus text exposition format
func (p *PrometheusCollector) PrometheusHandler() http.Handler {
	inner := promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Sync()
		inner.ServeHTTP(w, r)
	})
}
