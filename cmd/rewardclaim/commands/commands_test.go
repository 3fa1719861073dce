package commands

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/moltbunker/rewardclaim/internal/claim"
	"github.com/moltbunker/rewardclaim/internal/config"
	"github.com/moltbunker/rewardclaim/internal/identity"
	"github.com/moltbunker/rewardclaim/internal/rewards"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

func TestNewRewardsCmd(t *testing.T) {
	cmd := NewRewardsCmd()

	if cmd == nil {
		t.Fatal("NewRewardsCmd returned nil")
	}
	if cmd.Use != "rewards" {
		t.Errorf("Use mismatch: got %s, want rewards", cmd.Use)
	}
	for _, name := range []string{"address", "fees"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("--%s flag should exist", name)
		}
	}
}

func TestNewClaimCmd(t *testing.T) {
	cmd := NewClaimCmd()

	if cmd == nil {
		t.Fatal("NewClaimCmd returned nil")
	}
	if cmd.Use != "claim" {
		t.Errorf("Use mismatch: got %s, want claim", cmd.Use)
	}
	for _, name := range []string{"stake", "yes", "wait", "timeout"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("--%s flag should exist", name)
		}
	}
	if f := cmd.Flags().ShorthandLookup("y"); f == nil || f.Name != "yes" {
		t.Error("-y should be shorthand for --yes")
	}
}

func TestNewServeCmd(t *testing.T) {
	cmd := NewServeCmd()

	if cmd == nil {
		t.Fatal("NewServeCmd returned nil")
	}
	if cmd.Use != "serve" {
		t.Errorf("Use mismatch: got %s, want serve", cmd.Use)
	}
}

func TestNewWalletCmd(t *testing.T) {
	cmd := NewWalletCmd()

	if cmd == nil {
		t.Fatal("NewWalletCmd returned nil")
	}
	if cmd.Use != "wallet" {
		t.Errorf("Use mismatch: got %s, want wallet", cmd.Use)
	}

	want := map[string]bool{"create": false, "import": false, "show": false, "export": false, "forget-password": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Use]; ok {
			want[sub.Use] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("wallet %s subcommand missing", name)
		}
	}
}

func TestNewConfigCmd(t *testing.T) {
	cmd := NewConfigCmd()

	if cmd == nil {
		t.Fatal("NewConfigCmd returned nil")
	}
	if cmd.Use != "config" {
		t.Errorf("Use mismatch: got %s, want config", cmd.Use)
	}
	if len(cmd.Commands()) != 2 {
		t.Errorf("expected init and show subcommands, got %d", len(cmd.Commands()))
	}
}

func TestNewVersionCmd(t *testing.T) {
	cmd := NewVersionCmd()

	if cmd == nil {
		t.Fatal("NewVersionCmd returned nil")
	}
	if cmd.Use != "version" {
		t.Errorf("Use mismatch: got %s, want version", cmd.Use)
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		in     string
		symbol string
		want   string
	}{
		{"0", "", "0"},
		{"12.5", "", "12.5"},
		{"1234567.891234567", "", "1,234,567.891234"},
		{"-1000", "", "-1,000"},
		{"999", "ETH", "999 ETH"},
	}
	for _, tt := range tests {
		got := FormatAmount(decimal.RequireFromString(tt.in), tt.symbol)
		if got != tt.want {
			t.Errorf("FormatAmount(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatGwei(t *testing.T) {
	if got := FormatGwei(big.NewInt(1_500_000_000)); got != "1.5 gwei" {
		t.Errorf("FormatGwei = %q", got)
	}
	if got := FormatGwei(nil); got != "-" {
		t.Errorf("FormatGwei(nil) = %q", got)
	}
}

func TestFormatAddress(t *testing.T) {
	addr := "0x1000000000000000000000000000000000000001"
	if got := FormatAddress(addr); got != "0x1000...0001" {
		t.Errorf("FormatAddress = %q", got)
	}
	if got := FormatAddress("0x12"); got != "0x12" {
		t.Errorf("short address changed: %q", got)
	}
}

func TestRenderTablePlain(t *testing.T) {
	out := renderTablePlain([]string{"VALIDATOR", "CLAIMABLE"}, [][]string{
		{"0xaaa", "1"},
		{"0xbbbbbbbbbbbb", "22.5"},
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "VALIDATOR       CLAIMABLE") {
		t.Errorf("header misaligned: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "--------------  ---------") {
		t.Errorf("separator misaligned: %q", lines[1])
	}
	if lines[3] != "0xbbbbbbbbbbbb  22.5" {
		t.Errorf("row = %q", lines[3])
	}
}

func TestApprovalSummary(t *testing.T) {
	contract := common.HexToAddress("0x5a4e000000000000000000000000000000005a4e")
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   big.NewInt(1337),
		Nonce:     7,
		GasTipCap: big.NewInt(1e8),
		GasFeeCap: big.NewInt(2e9),
		Gas:       100000,
		To:        &contract,
		Value:     new(big.Int),
	})

	summary := approvalSummary(contract, tx)
	for _, want := range []string{contract.Hex(), "Nonce:    7", "Gas:      100000", "2 gwei", "0.0002"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
	if strings.Contains(summary, "not the staking contract") {
		t.Error("staking contract flagged as foreign")
	}

	other := common.HexToAddress("0x9999999999999999999999999999999999999999")
	if !strings.Contains(approvalSummary(other, tx), "not the staking contract") {
		t.Error("foreign recipient not flagged")
	}
}

type fixedAccount struct{ addr common.Address }

func (a fixedAccount) Account() (*types.Account, bool) {
	return &types.Account{Address: a.addr.Hex()}, true
}

func mockConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Chain.MockMode = true
	cfg.Rewards.PollInterval = time.Hour
	cfg.Rewards.FetchTimeout = time.Second
	return cfg
}

func TestConnectChainSeedsMockRewards(t *testing.T) {
	delegator := common.HexToAddress("0x00000000000000000000000000000000000000d1")

	conn, err := connectChain(context.Background(), mockConfig(), delegator)
	if err != nil {
		t.Fatalf("connectChain: %v", err)
	}
	defer conn.Close()

	if conn.mock == nil {
		t.Fatal("mock mode should use the in-memory chain")
	}
	if conn.staking.Address() != mockStakingAddress {
		t.Errorf("staking address = %s, want %s", conn.staking.Address().Hex(), mockStakingAddress.Hex())
	}

	claimable, err := conn.staking.ClaimableRewards(context.Background(), delegator.Hex())
	if err != nil {
		t.Fatalf("ClaimableRewards: %v", err)
	}
	if len(claimable) != len(mockRewards) {
		t.Fatalf("expected %d validators, got %d", len(mockRewards), len(claimable))
	}

	summary, err := rewards.Aggregate(claimable, &types.Account{Address: delegator.Hex()}, true)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if !summary.Total.Equal(decimal.RequireFromString("16.265")) {
		t.Errorf("total = %s, want 16.265", summary.Total)
	}
}

func TestSessionFlowReopensAfterBroadcast(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	account := fixedAccount{crypto.PubkeyToAddress(key.PublicKey)}
	cfg := mockConfig()

	conn, err := connectChain(context.Background(), cfg, account.addr)
	if err != nil {
		t.Fatalf("connectChain: %v", err)
	}
	defer conn.Close()

	poller := newPoller(cfg, conn, account, nil)
	poller.Start(context.Background())
	defer poller.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if snap, err := waitForRewards(ctx, poller); err != nil || !snap.Success {
		t.Fatalf("rewards not loaded: %v %v", err, snap.Err)
	}

	signer := identity.NewKeySigner(key, conn.client.ChainID(), identity.AutoApprove)
	opened := 0
	flow := &sessionFlow{}
	flow.open = func() (*claimController, error) {
		opened++
		return newClaimFlow(conn, poller, account, signer, flowHooks{
			Features: claim.StaticFeatures{ClaimRewardsEnabled: true},
		})
	}
	if err := flow.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first := flow.controller()
	if !flow.Execute(ctx, types.VariantClaimAndStake) {
		t.Fatal("claim and stake did not start")
	}
	select {
	case <-first.Done(types.VariantClaimAndStake):
	case <-ctx.Done():
		t.Fatal("attempt never settled")
	}

	view := flow.State()
	if !view.Closed {
		t.Error("flow should close after a successful broadcast")
	}
	if view.ClaimAndStake.LastReceipt == nil {
		t.Fatal("missing receipt")
	}
	if got := len(conn.mock.Sent()); got != 1 {
		t.Errorf("sent %d transactions, want 1", got)
	}

	flow.Execute(ctx, types.VariantClaimOnly)
	if flow.controller() == first {
		t.Error("Execute on a closed flow should open a new one")
	}
	if opened != 2 {
		t.Errorf("opened %d flows, want 2", opened)
	}

	// settled flows are dropped on the next reopen
	second := flow.controller()
	second.Close()
	for _, ctrl := range []*claimController{first, second} {
		if err := ctrl.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	flow.Execute(ctx, types.VariantClaimOnly)
	if opened != 3 {
		t.Errorf("opened %d flows, want 3", opened)
	}
	flow.mu.Lock()
	retired := len(flow.retired)
	flow.mu.Unlock()
	if retired != 0 {
		t.Errorf("%d settled flows still retained", retired)
	}

	if err := flow.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !flow.controller().Closed() {
		t.Error("Close should close the current flow")
	}
	if flow.Execute(ctx, types.VariantClaimOnly) {
		t.Error("Execute after Close should not start")
	}
}

func TestSettledReport(t *testing.T) {
	var view claim.View
	if _, err := settledReport(view, types.VariantClaimOnly); err == nil {
		t.Error("an idle flow has no outcome")
	}
}
