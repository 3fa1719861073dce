package chain

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/moltbunker/rewardclaim/internal/claim"
	"github.com/moltbunker/rewardclaim/internal/rewards"
	"github.com/moltbunker/rewardclaim/internal/txn"
	"github.com/moltbunker/rewardclaim/internal/util"
	pkgtypes "github.com/moltbunker/rewardclaim/pkg/types"
)

type delegatorAccount struct{ addr string }

func (a delegatorAccount) Account() (*pkgtypes.Account, bool) {
	return &pkgtypes.Account{Address: a.addr}, true
}

func newFlow(t *testing.T, tc *testChain, signer txn.Signer[*types.Transaction], closed *atomic.Int32) (*claim.Controller[*types.Transaction], *rewards.Poller) {
	t.Helper()

	accounts := delegatorAccount{tc.delegator.Hex()}
	poller := rewards.NewPoller(rewards.PollerConfig{
		Interval:     time.Hour,
		FetchTimeout: time.Second,
		Retry:        &util.RetryConfig{MaxRetries: 0},
	}, tc.staking, accounts, nil)
	poller.Start(context.Background())
	t.Cleanup(poller.Stop)

	deadline := time.Now().Add(5 * time.Second)
	for !poller.Snapshot().Success {
		if time.Now().After(deadline) {
			t.Fatal("rewards never loaded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctrl, err := claim.NewController(claim.Config[*types.Transaction]{
		Rewards:     poller,
		Accounts:    accounts,
		Features:    claim.StaticFeatures{ClaimRewardsEnabled: true},
		Signer:      signer,
		Broadcaster: NewBroadcaster(tc.client),
		Backends: map[pkgtypes.Variant]claim.Backend[*types.Transaction]{
			pkgtypes.VariantClaimOnly: {
				Builder:      tc.staking.Builder(pkgtypes.VariantClaimOnly),
				FeeEstimator: tc.staking.FeeEstimator(pkgtypes.VariantClaimOnly),
			},
			pkgtypes.VariantClaimAndStake: {
				Builder:      tc.staking.Builder(pkgtypes.VariantClaimAndStake),
				FeeEstimator: tc.staking.FeeEstimator(pkgtypes.VariantClaimAndStake),
			},
		},
		OnClose: func() { closed.Add(1) },
		OnBroadcasted: func(pkgtypes.Variant, pkgtypes.Receipt) {
			poller.Refresh()
		},
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(func() {
		ctrl.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrl.Wait(ctx)
	})
	return ctrl, poller
}

func TestClaimAndStakeFlowOnMockChain(t *testing.T) {
	tc := newTestChain(t)
	var closed atomic.Int32
	ctrl, _ := newFlow(t, tc, tc.signer, &closed)

	view := ctrl.State()
	if !view.Total.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("Total = %s, want 15", view.Total)
	}

	deadline := time.Now().Add(5 * time.Second)
	for ctrl.State().ClaimAndStake.Fee.Fee == nil {
		if time.Now().After(deadline) {
			t.Fatalf("fee never estimated: %+v", ctrl.State().ClaimAndStake.Fee)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !ctrl.Execute(context.Background(), pkgtypes.VariantClaimAndStake) {
		t.Fatal("Execute(claim_and_stake) = false")
	}
	select {
	case <-ctrl.Done(pkgtypes.VariantClaimAndStake):
	case <-time.After(5 * time.Second):
		t.Fatal("claim-and-stake did not settle")
	}

	view = ctrl.State()
	if view.ClaimAndStake.LastOutcome != txn.PhaseConfirmed {
		t.Fatalf("outcome = %v, error = %+v", view.ClaimAndStake.LastOutcome, view.Error)
	}
	if closed.Load() != 1 {
		t.Errorf("OnClose fired %d times, want 1", closed.Load())
	}
	if len(tc.backend.Sent()) != 1 {
		t.Errorf("sent %d transactions, want 1", len(tc.backend.Sent()))
	}
	if tc.backend.Staked(tc.delegator, validator2).Cmp(ether(5)) != 0 {
		t.Errorf("validator2 stake = %s, want 5 ether", tc.backend.Staked(tc.delegator, validator2))
	}
}

func TestRejectedSignatureOnMockChain(t *testing.T) {
	tc := newTestChain(t)
	var closed atomic.Int32
	var asked atomic.Int32
	signer := &rejectOnce{inner: tc.signer, asked: &asked}
	ctrl, _ := newFlow(t, tc, signer, &closed)

	ctrl.Execute(context.Background(), pkgtypes.VariantClaimOnly)
	<-ctrl.Done(pkgtypes.VariantClaimOnly)

	view := ctrl.State()
	if view.Error == nil || !errors.Is(view.Error, txn.ErrRejected) {
		t.Fatalf("Error = %+v, want rejection", view.Error)
	}
	if !view.ClaimOnly.Actionable || !view.ClaimAndStake.Actionable {
		t.Error("both actions should be available again after a rejection")
	}
	if len(tc.backend.Sent()) != 0 {
		t.Error("rejected transaction was broadcast")
	}

	// retry goes through
	if !ctrl.Execute(context.Background(), pkgtypes.VariantClaimOnly) {
		t.Fatal("retry Execute() = false")
	}
	<-ctrl.Done(pkgtypes.VariantClaimOnly)
	if got := ctrl.State().ClaimOnly.LastOutcome; got != txn.PhaseConfirmed {
		t.Errorf("retry outcome = %v", got)
	}
	if asked.Load() != 2 {
		t.Errorf("signer asked %d times, want 2", asked.Load())
	}
}

type rejectOnce struct {
	inner txn.Signer[*types.Transaction]
	asked *atomic.Int32
}

func (r *rejectOnce) Ready() bool { return r.inner.Ready() }

func (r *rejectOnce) Sign(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	if r.asked.Add(1) == 1 {
		return nil, txn.ErrRejected
	}
	return r.inner.Sign(ctx, tx)
}
