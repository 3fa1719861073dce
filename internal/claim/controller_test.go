package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moltbunker/rewardclaim/internal/rewards"
	"github.com/moltbunker/rewardclaim/internal/txn"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

type recordingBuilder struct {
	method string
	mu     sync.Mutex
	last   []Params
}

func (b *recordingBuilder) Build(_ context.Context, req txn.BuildRequest[Params]) (string, error) {
	b.mu.Lock()
	b.last = req.Params
	b.mu.Unlock()
	return fmt.Sprintf("%s(%d)", b.method, len(req.Params)), nil
}

type gatedSigner struct {
	mu      sync.Mutex
	release chan struct{}
	err     error
}

func (s *gatedSigner) Ready() bool { return true }

func (s *gatedSigner) Sign(_ context.Context, tx string) (string, error) {
	s.mu.Lock()
	release, err := s.release, s.err
	s.mu.Unlock()
	if release != nil {
		<-release
	}
	if err != nil {
		return "", err
	}
	return tx, nil
}

type recordingBroadcaster struct {
	mu  sync.Mutex
	txs []string
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, tx string) (types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txs = append(b.txs, tx)
	return types.Receipt{TxHash: fmt.Sprintf("0x%02d", len(b.txs)), BroadcastAt: time.Now()}, nil
}

type fixedAccount struct{ acct *types.Account }

func (a fixedAccount) Account() (*types.Account, bool) { return a.acct, a.acct != nil }

type fixture struct {
	ctrl        *Controller[string]
	source      *rewards.StaticSource
	signer      *gatedSigner
	broadcaster *recordingBroadcaster
	claimB      *recordingBuilder
	stakeB      *recordingBuilder
	closes      atomic.Int32
	broadcasts  atomic.Int32

	// hook, when set, sees every notification and transition
	hook atomic.Pointer[func(n *txn.Notification, tr *txn.Transition)]
}

func (f *fixture) fire(n *txn.Notification, tr *txn.Transition) {
	if h := f.hook.Load(); h != nil {
		(*h)(n, tr)
	}
}

func newFixture(t *testing.T, r map[string]int64, acct *types.Account, features types.Features) *fixture {
	t.Helper()
	f := &fixture{
		signer:      &gatedSigner{},
		broadcaster: &recordingBroadcaster{},
		claimB:      &recordingBuilder{method: "claimRewards"},
		stakeB:      &recordingBuilder{method: "claimAndStakeRewards"},
	}
	data := make(rewards.Rewards, len(r))
	for k, v := range r {
		data[k] = decimal.NewFromInt(v)
	}
	f.source = rewards.NewStaticSource(data)

	ctrl, err := NewController(Config[string]{
		Rewards:     f.source,
		Accounts:    fixedAccount{acct},
		Features:    StaticFeatures(features),
		Signer:      f.signer,
		Broadcaster: f.broadcaster,
		Backends: map[types.Variant]Backend[string]{
			types.VariantClaimOnly:     {Builder: f.claimB},
			types.VariantClaimAndStake: {Builder: f.stakeB},
		},
		OnClose: func() { f.closes.Add(1) },
		OnBroadcasted: func(types.Variant, types.Receipt) {
			f.broadcasts.Add(1)
		},
		Notifier: txn.NotifierFunc(func(n txn.Notification) { f.fire(&n, nil) }),
		Observer: func(tr txn.Transition) { f.fire(nil, &tr) },
	})
	if err != nil {
		t.Fatalf("NewController() error: %v", err)
	}
	f.ctrl = ctrl
	t.Cleanup(func() {
		ctrl.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ctrl.Wait(ctx); err != nil {
			t.Errorf("controller did not settle: %v", err)
		}
	})
	return f
}

var delegator = &types.Account{Address: "0x00000000000000000000000000000000000000aa"}

var flagsOn = types.Features{ClaimRewardsEnabled: true}

func waitSettled(t *testing.T, c *Controller[string], v types.Variant) {
	t.Helper()
	select {
	case <-c.Done(v):
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not settle", v)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewControllerRequiresBuilders(t *testing.T) {
	_, err := NewController(Config[string]{
		Rewards:     rewards.NewStaticSource(nil),
		Signer:      &gatedSigner{},
		Broadcaster: &recordingBroadcaster{},
		Backends: map[types.Variant]Backend[string]{
			types.VariantClaimOnly: {Builder: &recordingBuilder{}},
		},
	})
	if err == nil {
		t.Fatal("expected error when a variant has no builder")
	}
}

func TestClaimAndStakeScenario(t *testing.T) {
	f := newFixture(t, map[string]int64{"val1": 10, "val2": 5}, delegator, flagsOn)

	view := f.ctrl.State()
	if !view.Total.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("Total = %s, want 15", view.Total)
	}
	if len(view.Targets) != 2 || view.Targets[0].Validator != "val1" || view.Targets[1].Validator != "val2" {
		t.Fatalf("Targets = %+v", view.Targets)
	}
	if !view.ClaimOnly.Actionable || !view.ClaimAndStake.Actionable {
		t.Fatal("both actions should be available")
	}

	release := make(chan struct{})
	f.signer.mu.Lock()
	f.signer.release = release
	f.signer.mu.Unlock()

	if !f.ctrl.Execute(context.Background(), types.VariantClaimAndStake) {
		t.Fatal("Execute(claim_and_stake) = false")
	}

	view = f.ctrl.State()
	if !view.ClaimAndStake.Pending {
		t.Error("claim-and-stake should be pending")
	}
	if view.ClaimOnly.Enabled || view.ClaimOnly.Actionable {
		t.Error("claim should be disabled while claim-and-stake is in flight")
	}
	if view.Inflight != types.VariantClaimAndStake {
		t.Errorf("Inflight = %v, want claim_and_stake", view.Inflight)
	}
	if view.ClaimAndStake.Label != "Loading..." {
		t.Errorf("pending label = %q", view.ClaimAndStake.Label)
	}
	if f.ctrl.Execute(context.Background(), types.VariantClaimOnly) {
		t.Error("claim started while claim-and-stake in flight")
	}

	close(release)
	waitSettled(t, f.ctrl, types.VariantClaimAndStake)

	view = f.ctrl.State()
	if view.ClaimAndStake.Pending {
		t.Error("claim-and-stake still pending after broadcast")
	}
	if view.ClaimAndStake.LastOutcome != txn.PhaseConfirmed {
		t.Errorf("LastOutcome = %v, want confirmed", view.ClaimAndStake.LastOutcome)
	}
	if n := f.broadcasts.Load(); n != 1 {
		t.Errorf("OnBroadcasted fired %d times, want 1", n)
	}
	if n := f.closes.Load(); n != 1 {
		t.Errorf("OnClose fired %d times, want 1", n)
	}
	if !view.Closed {
		t.Error("controller should be closed after broadcast")
	}
	if f.ctrl.Execute(context.Background(), types.VariantClaimOnly) {
		t.Error("Execute succeeded after close")
	}

	f.broadcaster.mu.Lock()
	txs := append([]string(nil), f.broadcaster.txs...)
	f.broadcaster.mu.Unlock()
	if len(txs) != 1 || txs[0] != "claimAndStakeRewards(2)" {
		t.Errorf("broadcast txs = %v", txs)
	}
}

func TestNoSecondClaimWhileFirstSettles(t *testing.T) {
	f := newFixture(t, map[string]int64{"val1": 10}, delegator, flagsOn)

	var attempts, started atomic.Int32
	hook := func(n *txn.Notification, tr *txn.Transition) {
		settling := (n != nil && n.Kind == txn.NotifySuccess) ||
			(tr != nil && tr.Variant == types.VariantClaimAndStake &&
				(tr.To == txn.PhaseConfirmed || tr.To == txn.PhaseIdle))
		if !settling {
			return
		}
		attempts.Add(1)
		if f.ctrl.Execute(context.Background(), types.VariantClaimOnly) {
			started.Add(1)
		}
	}
	f.hook.Store(&hook)

	if !f.ctrl.Execute(context.Background(), types.VariantClaimAndStake) {
		t.Fatal("Execute(claim_and_stake) = false")
	}
	waitSettled(t, f.ctrl, types.VariantClaimAndStake)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.ctrl.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if attempts.Load() != 3 {
		t.Errorf("hook saw %d settling events, want 3", attempts.Load())
	}
	if n := started.Load(); n != 0 {
		t.Errorf("%d claims started while the first broadcast settled", n)
	}
	f.broadcaster.mu.Lock()
	txs := append([]string(nil), f.broadcaster.txs...)
	f.broadcaster.mu.Unlock()
	if len(txs) != 1 || txs[0] != "claimAndStakeRewards(1)" {
		t.Errorf("broadcast txs = %v", txs)
	}
	if n := f.closes.Load(); n != 1 {
		t.Errorf("OnClose fired %d times, want 1", n)
	}
}

func TestCloseFiresOnceAcrossBroadcasts(t *testing.T) {
	f := newFixture(t, map[string]int64{"val1": 10}, delegator, flagsOn)

	f.ctrl.onBroadcasted(types.VariantClaimOnly, types.Receipt{TxHash: "0x01"})
	f.ctrl.onBroadcasted(types.VariantClaimAndStake, types.Receipt{TxHash: "0x02"})
	f.ctrl.onBroadcasted(types.VariantClaimOnly, types.Receipt{TxHash: "0x03"})

	if n := f.broadcasts.Load(); n != 3 {
		t.Errorf("OnBroadcasted fired %d times, want 3", n)
	}
	if n := f.closes.Load(); n != 1 {
		t.Errorf("OnClose fired %d times, want 1", n)
	}
	if !f.ctrl.Closed() || !f.ctrl.State().Closed {
		t.Error("controller should be closed")
	}
	for _, v := range types.Variants {
		if f.ctrl.Execute(context.Background(), v) {
			t.Errorf("Execute(%s) after close = true", v)
		}
	}
}

func TestEmptyRewardsDisableBoth(t *testing.T) {
	for name, features := range map[string]types.Features{"flag on": flagsOn, "flag off": {}} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, map[string]int64{}, delegator, features)
			view := f.ctrl.State()
			for _, v := range types.Variants {
				a, _ := view.Action(v)
				if a.Enabled || a.Actionable {
					t.Errorf("%s: enabled=%v actionable=%v, want disabled", v, a.Enabled, a.Actionable)
				}
				if f.ctrl.Execute(context.Background(), v) {
					t.Errorf("%s: Execute() = true with no rewards", v)
				}
			}
		})
	}
}

func TestNoAccountDisablesBoth(t *testing.T) {
	f := newFixture(t, map[string]int64{"val1": 10}, nil, flagsOn)
	view := f.ctrl.State()
	if !view.Total.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Total = %s, want 10", view.Total)
	}
	if view.ClaimOnly.Enabled || view.ClaimAndStake.Enabled {
		t.Error("actions enabled without an account")
	}
}

func TestFlagOffZeroTotalKeepsTargets(t *testing.T) {
	f := newFixture(t, map[string]int64{"val1": 10, "val2": 5}, delegator, types.Features{})
	view := f.ctrl.State()
	if !view.Total.IsZero() {
		t.Errorf("Total = %s, want 0 with the flag off", view.Total)
	}
	if len(view.Targets) != 2 {
		t.Errorf("len(Targets) = %d, want 2", len(view.Targets))
	}
	if !view.ClaimOnly.Enabled {
		t.Error("executor should stay enabled; only the button rule hides it")
	}
	if view.ClaimOnly.Actionable {
		t.Error("action should not be actionable with a zero total")
	}
}

func TestSignerRejectionReenablesBoth(t *testing.T) {
	f := newFixture(t, map[string]int64{"val1": 10, "val2": 5}, delegator, flagsOn)
	f.signer.mu.Lock()
	f.signer.err = fmt.Errorf("request declined: %w", txn.ErrRejected)
	f.signer.mu.Unlock()

	if !f.ctrl.Execute(context.Background(), types.VariantClaimOnly) {
		t.Fatal("Execute(claim) = false")
	}
	waitSettled(t, f.ctrl, types.VariantClaimOnly)

	view := f.ctrl.State()
	if view.Error == nil || !errors.Is(view.Error, txn.ErrRejected) {
		t.Fatalf("Error = %+v, want rejection", view.Error)
	}
	if view.ClaimOnly.Pending {
		t.Error("claim still pending after rejection")
	}
	if !view.ClaimOnly.Actionable || !view.ClaimAndStake.Actionable {
		t.Errorf("actionable claim=%v stake=%v, want both", view.ClaimOnly.Actionable, view.ClaimAndStake.Actionable)
	}
	if view.Inflight != types.VariantNone {
		t.Errorf("Inflight = %v after rejection", view.Inflight)
	}
	if f.closes.Load() != 0 || view.Closed {
		t.Error("flow closed after a failed attempt")
	}
}

func TestErrorPrefersClaim(t *testing.T) {
	f := newFixture(t, map[string]int64{"val1": 1}, delegator, flagsOn)
	f.signer.mu.Lock()
	f.signer.err = errors.New("stake signer offline")
	f.signer.mu.Unlock()

	f.ctrl.Execute(context.Background(), types.VariantClaimAndStake)
	waitSettled(t, f.ctrl, types.VariantClaimAndStake)

	f.signer.mu.Lock()
	f.signer.err = errors.New("claim signer offline")
	f.signer.mu.Unlock()
	f.ctrl.Execute(context.Background(), types.VariantClaimOnly)
	waitSettled(t, f.ctrl, types.VariantClaimOnly)

	view := f.ctrl.State()
	if view.Error == nil || view.Error.Message != "claim signer offline" {
		t.Errorf("Error = %+v, want the claim error", view.Error)
	}
}

func TestRefreshPicksUpNewRewards(t *testing.T) {
	f := newFixture(t, map[string]int64{}, delegator, flagsOn)
	if f.ctrl.State().ClaimOnly.Enabled {
		t.Fatal("enabled before rewards arrived")
	}

	f.source.Set(rewards.Rewards{"val9": decimal.NewFromInt(3)})
	waitFor(t, func() bool { return f.ctrl.State().ClaimOnly.Enabled })

	if !f.ctrl.Execute(context.Background(), types.VariantClaimOnly) {
		t.Fatal("Execute(claim) = false")
	}
	waitSettled(t, f.ctrl, types.VariantClaimOnly)

	f.claimB.mu.Lock()
	last := f.claimB.last
	f.claimB.mu.Unlock()
	if len(last) != 1 || last[0].Validator != "val9" || last[0].Source != delegator.Address {
		t.Errorf("builder params = %+v", last)
	}
}

func TestRewardsLoadingFlag(t *testing.T) {
	f := newFixture(t, map[string]int64{"val1": 1}, delegator, flagsOn)
	f.source.SetLoading()

	view := f.ctrl.State()
	if !view.RewardsLoading || view.RewardsReady {
		t.Errorf("loading=%v ready=%v, want loading", view.RewardsLoading, view.RewardsReady)
	}
	if view.ClaimOnly.Enabled {
		t.Error("enabled while rewards are loading")
	}
}

func TestExecuteUnknownVariant(t *testing.T) {
	f := newFixture(t, map[string]int64{"val1": 1}, delegator, flagsOn)
	if f.ctrl.Execute(context.Background(), types.VariantNone) {
		t.Error("Execute(none) = true")
	}
}
