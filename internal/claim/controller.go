package claim

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/moltbunker/rewardclaim/internal/logging"
	"github.com/moltbunker/rewardclaim/internal/rewards"
	"github.com/moltbunker/rewardclaim/internal/txn"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

// AccountSource supplies the active account, if any
type AccountSource interface {
	Account() (*types.Account, bool)
}

// FeatureSource supplies the current feature flags
type FeatureSource interface {
	Features() types.Features
}

// StaticFeatures is a FeatureSource with fixed flags
type StaticFeatures types.Features

func (f StaticFeatures) Features() types.Features { return types.Features(f) }

// Backend holds the chain collaborators specific to one variant
type Backend[T any] struct {
	Builder      txn.Builder[Params, T]
	FeeEstimator txn.FeeEstimator[Params]
}

// Config wires a Controller
type Config[T any] struct {
	Rewards  rewards.Source
	Accounts AccountSource
	Features FeatureSource

	Signer      txn.Signer[T]
	Broadcaster txn.Broadcaster[T]
	Backends    map[types.Variant]Backend[T]

	// OnClose runs once, after the first successful broadcast
	OnClose func()
	// OnBroadcasted runs after every successful broadcast, before OnClose
	OnBroadcasted func(types.Variant, types.Receipt)

	Notifier txn.Notifier
	Recorder txn.Recorder
	Observer func(txn.Transition)
}

// ActionView is what a presentation layer needs to render one action
type ActionView struct {
	txn.State
	// Actionable is false when the total is zero, the executor is disabled,
	// or any variant is pending.
	Actionable bool   `json:"actionable"`
	Label      string `json:"label"`
}

// View is a consistent snapshot of the whole claim flow
type View struct {
	Total          decimal.Decimal     `json:"total"`
	RewardsLoading bool                `json:"rewards_loading"`
	RewardsReady   bool                `json:"rewards_ready"`
	RewardsError   string              `json:"rewards_error,omitempty"`
	Targets        []types.ClaimTarget `json:"targets"`
	ClaimOnly      ActionView          `json:"claim"`
	ClaimAndStake  ActionView          `json:"claim_and_stake"`
	Inflight       types.Variant       `json:"inflight"`
	Error          *txn.ErrorInfo      `json:"error,omitempty"`
	Closed         bool                `json:"closed"`
}

// Action returns the view of a single variant
func (v View) Action(variant types.Variant) (ActionView, bool) {
	switch variant {
	case types.VariantClaimOnly:
		return v.ClaimOnly, true
	case types.VariantClaimAndStake:
		return v.ClaimAndStake, true
	}
	return ActionView{}, false
}

// Controller owns one executor per variant over the same reward targets and
// the in-flight token that keeps the two mutually exclusive.
type Controller[T any] struct {
	cfg       Config[T]
	token     inflight
	executors map[types.Variant]*txn.Executor[Params, T]

	closed     atomic.Bool
	closeFired atomic.Bool
}

// NewController builds both executors and loads the current snapshot
func NewController[T any](cfg Config[T]) (*Controller[T], error) {
	if cfg.Rewards == nil {
		return nil, errors.New("reward source is required")
	}
	if cfg.Features == nil {
		cfg.Features = StaticFeatures{ClaimRewardsEnabled: true}
	}

	c := &Controller[T]{
		cfg:       cfg,
		executors: make(map[types.Variant]*txn.Executor[Params, T], len(types.Variants)),
	}

	for _, v := range types.Variants {
		backend, ok := cfg.Backends[v]
		if !ok || backend.Builder == nil {
			return nil, fmt.Errorf("no builder for variant %s", v)
		}
		exec, err := txn.New(txn.Config[Params, T]{
			Variant:      v,
			EventType:    v.EventType(),
			Builder:      backend.Builder,
			Signer:       cfg.Signer,
			Broadcaster:  cfg.Broadcaster,
			FeeEstimator: backend.FeeEstimator,
			Notification: PendingNotification(v),
			OnBroadcasted: func(r types.Receipt) {
				c.onBroadcasted(v, r)
			},
			Gate:     &c.token,
			Notifier: cfg.Notifier,
			Recorder: cfg.Recorder,
			Observer: cfg.Observer,
		})
		if err != nil {
			return nil, fmt.Errorf("create %s executor: %w", v, err)
		}
		c.executors[v] = exec
	}

	c.Refresh()
	return c, nil
}

// Refresh re-aggregates the current reward snapshot and pushes fresh params
// to both executors
func (c *Controller[T]) Refresh() rewards.Summary {
	summary, _ := c.refresh()
	return summary
}

func (c *Controller[T]) refresh() (rewards.Summary, rewards.State) {
	snap := c.cfg.Rewards.Snapshot()

	var account *types.Account
	if c.cfg.Accounts != nil {
		if a, ok := c.cfg.Accounts.Account(); ok {
			account = a
		}
	}
	features := c.cfg.Features.Features()

	summary, err := rewards.Aggregate(snap.Data, account, features.ClaimRewardsEnabled)
	if err != nil {
		logging.Error("invalid reward snapshot",
			logging.Err(err),
			logging.Component("claim"))
		summary = rewards.Summary{Total: decimal.Zero, Targets: []types.ClaimTarget{}}
	}

	for v, exec := range c.executors {
		exec.SetParams(BuildParams(summary.Targets, v))
	}
	return summary, snap
}

// Execute refreshes params and starts the variant's transaction. It returns
// false when the variant is unknown, the controller is closed, or the
// executor is disabled.
func (c *Controller[T]) Execute(ctx context.Context, v types.Variant) bool {
	if c.closed.Load() {
		return false
	}
	exec, ok := c.executors[v]
	if !ok {
		return false
	}
	c.refresh()
	started := exec.Execute(ctx)
	if !started {
		logging.Debug("claim not started",
			logging.Variant(v),
			"inflight", c.token.Holder().String())
	}
	return started
}

// Done returns a channel closed when the variant's current attempt settles
func (c *Controller[T]) Done(v types.Variant) <-chan struct{} {
	if exec, ok := c.executors[v]; ok {
		return exec.Done()
	}
	return settledCh
}

var settledCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// State returns a snapshot of the claim flow, recomputed from the latest
// reward, account and feature snapshots.
func (c *Controller[T]) State() View {
	summary, snap := c.refresh()

	view := View{
		Total:          summary.Total,
		RewardsLoading: snap.Loading,
		RewardsReady:   snap.Success,
		Targets:        summary.Targets,
		Inflight:       c.token.Holder(),
		Closed:         c.closed.Load(),
	}
	if snap.Err != nil {
		view.RewardsError = snap.Err.Error()
	}

	claimState := c.executors[types.VariantClaimOnly].State()
	stakeState := c.executors[types.VariantClaimAndStake].State()
	anyPending := claimState.Pending || stakeState.Pending

	view.ClaimOnly = newActionView(claimState, summary.Total, anyPending)
	view.ClaimAndStake = newActionView(stakeState, summary.Total, anyPending)

	if claimState.Error != nil {
		view.Error = claimState.Error
	} else {
		view.Error = stakeState.Error
	}
	return view
}

func newActionView(st txn.State, total decimal.Decimal, anyPending bool) ActionView {
	label := st.Variant.Label()
	if st.Pending {
		label = "Loading..."
	}
	return ActionView{
		State:      st,
		Actionable: st.Enabled && !total.IsZero() && !anyPending,
		Label:      label,
	}
}

// onBroadcasted runs on the attempt goroutine while the in-flight token is
// still held. The flow is closed before any hook runs.
func (c *Controller[T]) onBroadcasted(v types.Variant, r types.Receipt) {
	first := c.closeFired.CompareAndSwap(false, true)
	if first {
		logging.Info("claim broadcast, closing flow",
			logging.Variant(v),
			logging.TxHash(r.TxHash))
		c.Close()
	}
	if c.cfg.OnBroadcasted != nil {
		c.cfg.OnBroadcasted(v, r)
	}
	if first && c.cfg.OnClose != nil {
		c.cfg.OnClose()
	}
}

// Close tears down both executors. Attempts in flight run to completion.
func (c *Controller[T]) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	for _, exec := range c.executors {
		exec.Close()
	}
}

// Closed reports whether the flow has been torn down
func (c *Controller[T]) Closed() bool {
	return c.closed.Load()
}

// Settled reports whether the flow is closed and nothing is left running
func (c *Controller[T]) Settled() bool {
	if !c.closed.Load() {
		return false
	}
	for _, exec := range c.executors {
		if !exec.Idle() {
			return false
		}
	}
	return true
}

// Wait blocks until every executor goroutine has returned or ctx is done
func (c *Controller[T]) Wait(ctx context.Context) error {
	for _, exec := range c.executors {
		if err := exec.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
