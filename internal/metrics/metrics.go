package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moltbunker/rewardclaim/internal/txn"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

// Collector collects and aggregates claim and API metrics. It implements
// txn.Recorder and rewards.PollRecorder.
type Collector struct {
	// Request counts by route
	requestCounts   map[string]*uint64
	requestCountsMu sync.RWMutex

	// Request latencies by route (stored as nanoseconds)
	latencies   map[string]*LatencyHistogram
	latenciesMu sync.RWMutex

	// Claim attempts by variant and outcomes by variant/phase
	claims   map[types.Variant]*variantCounters
	claimsMu sync.RWMutex

	// Attempts currently between Building and a terminal phase
	pending int64

	rewardPolls       uint64
	rewardPollFailure uint64

	startTime time.Time
}

type variantCounters struct {
	attempts     uint64
	confirmed    uint64
	failed       uint64
	feeFailures  uint64
	durationSum  uint64 // nanoseconds
	durationSeen uint64
}

// LatencyHistogram tracks request latencies in buckets
type LatencyHistogram struct {
	// Bucket boundaries in milliseconds
	// Buckets: [0-1ms], [1-5ms], [5-10ms], [10-25ms], [25-50ms], [50-100ms], [100-250ms], [250-500ms], [500-1000ms], [1000ms+]
	buckets [10]uint64
	sum     uint64 // Total latency in nanoseconds
	count   uint64
	mu      sync.Mutex
}

// bucket boundaries in milliseconds
var bucketBoundaries = []int64{1, 5, 10, 25, 50, 100, 250, 500, 1000}

var bucketLabels = []string{
	"0-1ms", "1-5ms", "5-10ms", "10-25ms", "25-50ms",
	"50-100ms", "100-250ms", "250-500ms", "500-1000ms", "1000ms+",
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		requestCounts: make(map[string]*uint64),
		latencies:     make(map[string]*LatencyHistogram),
		claims:        make(map[types.Variant]*variantCounters),
		startTime:     time.Now(),
	}
}

// RecordRequest records a request for the given route
func (c *Collector) RecordRequest(route string) {
	c.requestCountsMu.Lock()
	counter, exists := c.requestCounts[route]
	if !exists {
		var val uint64
		counter = &val
		c.requestCounts[route] = counter
	}
	c.requestCountsMu.Unlock()

	atomic.AddUint64(counter, 1)
}

// RecordLatency records the latency for a request
func (c *Collector) RecordLatency(route string, duration time.Duration) {
	c.latenciesMu.Lock()
	hist, exists := c.latencies[route]
	if !exists {
		hist = &LatencyHistogram{}
		c.latencies[route] = hist
	}
	c.latenciesMu.Unlock()

	hist.Record(duration)
}

// Record records a latency value in the histogram
func (h *LatencyHistogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ms := d.Milliseconds()

	bucketIdx := len(bucketBoundaries) // overflow
	for i, boundary := range bucketBoundaries {
		if ms < boundary {
			bucketIdx = i
			break
		}
	}

	h.buckets[bucketIdx]++
	h.sum += uint64(d.Nanoseconds())
	h.count++
}

func (c *Collector) variant(v types.Variant) *variantCounters {
	c.claimsMu.RLock()
	vc, ok := c.claims[v]
	c.claimsMu.RUnlock()
	if ok {
		return vc
	}

	c.claimsMu.Lock()
	defer c.claimsMu.Unlock()
	if vc, ok = c.claims[v]; !ok {
		vc = &variantCounters{}
		c.claims[v] = vc
	}
	return vc
}

// AttemptStarted implements txn.Recorder
func (c *Collector) AttemptStarted(v types.Variant) {
	atomic.AddUint64(&c.variant(v).attempts, 1)
	atomic.AddInt64(&c.pending, 1)
}

// AttemptFinished implements txn.Recorder
func (c *Collector) AttemptFinished(v types.Variant, outcome txn.Phase, d time.Duration) {
	vc := c.variant(v)
	switch outcome {
	case txn.PhaseConfirmed:
		atomic.AddUint64(&vc.confirmed, 1)
	default:
		atomic.AddUint64(&vc.failed, 1)
	}
	atomic.AddUint64(&vc.durationSum, uint64(d.Nanoseconds()))
	atomic.AddUint64(&vc.durationSeen, 1)
	atomic.AddInt64(&c.pending, -1)
}

// FeeEstimateFailed implements txn.Recorder
func (c *Collector) FeeEstimateFailed(v types.Variant) {
	atomic.AddUint64(&c.variant(v).feeFailures, 1)
}

// RewardPoll implements rewards.PollRecorder
func (c *Collector) RewardPoll(success bool) {
	atomic.AddUint64(&c.rewardPolls, 1)
	if !success {
		atomic.AddUint64(&c.rewardPollFailure, 1)
	}
}

// Metrics represents the current state of all metrics
type Metrics struct {
	Uptime             string                       `json:"uptime"`
	UptimeSeconds      float64                      `json:"uptime_seconds"`
	RequestCounts      map[string]uint64            `json:"request_counts"`
	RequestLatencies   map[string]LatencyStats      `json:"request_latencies"`
	Claims             map[types.Variant]ClaimStats `json:"claims"`
	PendingClaims      int64                        `json:"pending_claims"`
	RewardPolls        uint64                       `json:"reward_polls"`
	RewardPollFailures uint64                       `json:"reward_poll_failures"`
	CollectedAt        time.Time                    `json:"collected_at"`
}

// LatencyStats contains latency statistics for a route
type LatencyStats struct {
	Count   uint64            `json:"count"`
	SumMs   float64           `json:"sum_ms"`
	AvgMs   float64           `json:"avg_ms"`
	Buckets map[string]uint64 `json:"buckets"`
}

// ClaimStats contains attempt statistics for one variant
type ClaimStats struct {
	Attempts            uint64  `json:"attempts"`
	Confirmed           uint64  `json:"confirmed"`
	Failed              uint64  `json:"failed"`
	FeeEstimateFailures uint64  `json:"fee_estimate_failures"`
	AvgDurationMs       float64 `json:"avg_duration_ms"`
}

// GetMetrics returns the current metrics as a Metrics struct
func (c *Collector) GetMetrics() *Metrics {
	uptime := time.Since(c.startTime)

	requestCounts := make(map[string]uint64)
	c.requestCountsMu.RLock()
	for route, counter := range c.requestCounts {
		requestCounts[route] = atomic.LoadUint64(counter)
	}
	c.requestCountsMu.RUnlock()

	latencies := make(map[string]LatencyStats)
	c.latenciesMu.RLock()
	for route, hist := range c.latencies {
		hist.mu.Lock()
		stats := LatencyStats{
			Count:   hist.count,
			SumMs:   float64(hist.sum) / float64(time.Millisecond),
			Buckets: make(map[string]uint64),
		}
		if hist.count > 0 {
			stats.AvgMs = float64(hist.sum) / float64(hist.count) / float64(time.Millisecond)
		}
		for i, count := range hist.buckets {
			if count > 0 {
				stats.Buckets[bucketLabels[i]] = count
			}
		}
		hist.mu.Unlock()
		latencies[route] = stats
	}
	c.latenciesMu.RUnlock()

	claims := make(map[types.Variant]ClaimStats)
	c.claimsMu.RLock()
	for v, vc := range c.claims {
		stats := ClaimStats{
			Attempts:            atomic.LoadUint64(&vc.attempts),
			Confirmed:           atomic.LoadUint64(&vc.confirmed),
			Failed:              atomic.LoadUint64(&vc.failed),
			FeeEstimateFailures: atomic.LoadUint64(&vc.feeFailures),
		}
		if seen := atomic.LoadUint64(&vc.durationSeen); seen > 0 {
			stats.AvgDurationMs = float64(atomic.LoadUint64(&vc.durationSum)) / float64(seen) / float64(time.Millisecond)
		}
		claims[v] = stats
	}
	c.claimsMu.RUnlock()

	return &Metrics{
		Uptime:             uptime.Round(time.Second).String(),
		UptimeSeconds:      uptime.Seconds(),
		RequestCounts:      requestCounts,
		RequestLatencies:   latencies,
		Claims:             claims,
		PendingClaims:      atomic.LoadInt64(&c.pending),
		RewardPolls:        atomic.LoadUint64(&c.rewardPolls),
		RewardPollFailures: atomic.LoadUint64(&c.rewardPollFailure),
		CollectedAt:        time.Now(),
	}
}

// GetMetricsJSON returns the current metrics as JSON
func (c *Collector) GetMetricsJSON() ([]byte, error) {
	return json.Marshal(c.GetMetrics())
}
