package rewards

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moltbunker/rewardclaim/internal/logging"
	"github.com/moltbunker/rewardclaim/internal/util"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

// State is an immutable snapshot of the polled reward read model
type State struct {
	Loading   bool
	Success   bool
	Data      Rewards
	Err       error
	UpdatedAt time.Time
}

// Source exposes the latest reward snapshot. Implementations must return a
// value that later refreshes do not mutate.
type Source interface {
	Snapshot() State
}

// Fetcher loads the claimable rewards of a delegator from the chain
type Fetcher interface {
	ClaimableRewards(ctx context.Context, delegator string) (Rewards, error)
}

// AccountSource supplies the delegator whose rewards are polled
type AccountSource interface {
	Account() (*types.Account, bool)
}

// PollRecorder receives poll outcomes (metrics)
type PollRecorder interface {
	RewardPoll(success bool)
}

// StaticSource is a Source with a fixed or manually replaced snapshot
type StaticSource struct {
	state atomic.Pointer[State]
}

// NewStaticSource returns a source that already holds rewards
func NewStaticSource(r Rewards) *StaticSource {
	s := &StaticSource{}
	s.Set(r)
	return s
}

// Set replaces the held rewards
func (s *StaticSource) Set(r Rewards) {
	s.state.Store(&State{Success: true, Data: r.Clone(), UpdatedAt: time.Now()})
}

// SetLoading marks the source as loading with no data
func (s *StaticSource) SetLoading() {
	s.state.Store(&State{Loading: true})
}

func (s *StaticSource) Snapshot() State {
	if st := s.state.Load(); st != nil {
		return *st
	}
	return State{Loading: true}
}

// PollerConfig configures a Poller
type PollerConfig struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	Retry        *util.RetryConfig
}

// DefaultPollerConfig returns the default polling cadence
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:     30 * time.Second,
		FetchTimeout: 10 * time.Second,
		Retry:        util.DefaultRetryConfig(),
	}
}

// Poller periodically refreshes claimable rewards for the active account.
// Readers see whole snapshots; a refresh never mutates a published one.
type Poller struct {
	cfg      PollerConfig
	fetcher  Fetcher
	accounts AccountSource
	recorder PollRecorder

	state   atomic.Pointer[State]
	trigger chan struct{}

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPoller creates a poller. recorder may be nil.
func NewPoller(cfg PollerConfig, fetcher Fetcher, accounts AccountSource, recorder PollRecorder) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollerConfig().Interval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultPollerConfig().FetchTimeout
	}
	p := &Poller{
		cfg:      cfg,
		fetcher:  fetcher,
		accounts: accounts,
		recorder: recorder,
		trigger:  make(chan struct{}, 1),
	}
	p.state.Store(&State{Loading: true})
	return p
}

// Start begins polling; the first fetch happens immediately
func (p *Poller) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	util.SafeGoWithName("reward-poller", func() {
		defer p.wg.Done()
		p.loop(ctx)
	})
}

// Stop stops polling and waits for the loop to exit
func (p *Poller) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	p.wg.Wait()
}

// Refresh requests an out-of-band fetch (e.g. after a claim was broadcast)
func (p *Poller) Refresh() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Poller) Snapshot() State {
	return *p.state.Load()
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		case <-p.trigger:
			p.poll(ctx)
		}
	}
}

// poll performs one fetch and publishes the result. Prior data is kept on
// failure so the displayed total does not flicker to zero.
func (p *Poller) poll(ctx context.Context) {
	account, ok := p.accounts.Account()
	if !ok {
		p.state.Store(&State{Success: true, Data: Rewards{}, UpdatedAt: time.Now()})
		return
	}

	data, result := util.RetryWithValue(ctx, p.cfg.Retry, func() (Rewards, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
		return p.fetcher.ClaimableRewards(fetchCtx, account.Address)
	})

	if p.recorder != nil {
		p.recorder.RewardPoll(result.LastError == nil)
	}

	if result.LastError != nil {
		if ctx.Err() != nil {
			return
		}
		logging.Warn("reward poll failed",
			logging.Address(account.Address),
			logging.Err(result.LastError),
			"attempts", result.Attempts,
			logging.Component("rewards"))
		prev := p.state.Load()
		p.state.Store(&State{
			Success:   prev.Success,
			Data:      prev.Data,
			Err:       result.LastError,
			UpdatedAt: prev.UpdatedAt,
		})
		return
	}

	p.state.Store(&State{Success: true, Data: data.Clone(), UpdatedAt: time.Now()})
	logging.Debug("reward poll complete",
		logging.Address(account.Address),
		"validators", len(data),
		logging.Component("rewards"))
}
