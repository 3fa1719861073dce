package commands

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/moltbunker/rewardclaim/internal/chain"
	"github.com/moltbunker/rewardclaim/internal/claim"
	"github.com/moltbunker/rewardclaim/internal/config"
	"github.com/moltbunker/rewardclaim/internal/identity"
	"github.com/moltbunker/rewardclaim/internal/logging"
	"github.com/moltbunker/rewardclaim/internal/rewards"
	"github.com/moltbunker/rewardclaim/internal/txn"
	"github.com/moltbunker/rewardclaim/internal/util"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

// mockStakingAddress hosts the staking contract on the in-memory chain
var mockStakingAddress = common.HexToAddress("0x5a4e000000000000000000000000000000005a4e")

// mockRewards seeds the in-memory chain so mock mode has something to claim
var mockRewards = []struct {
	validator common.Address
	amount    string
}{
	{common.HexToAddress("0x1000000000000000000000000000000000000001"), "12.5"},
	{common.HexToAddress("0x2000000000000000000000000000000000000002"), "3.75"},
	{common.HexToAddress("0x3000000000000000000000000000000000000003"), "0.015"},
}

// chainConn is a connected chain client with the staking contract bound
type chainConn struct {
	client  *chain.Client
	staking *chain.StakingContract
	mock    *chain.MockBackend
}

// connectChain dials the configured RPC, or builds the in-memory chain in
// mock mode with rewards seeded for delegator.
func connectChain(ctx context.Context, cfg *config.Config, delegator common.Address) (*chainConn, error) {
	clientCfg := &chain.ClientConfig{
		RPCURL:             cfg.Chain.RPCURL,
		WSEndpoint:         cfg.Chain.WSEndpoint,
		ChainID:            cfg.Chain.ChainID,
		BlockConfirmations: cfg.Chain.BlockConfirmations,
		GasLimitMultiplier: cfg.Chain.GasLimitMultiplier,
		MaxFeePerGas:       cfg.Chain.MaxFeePerGas(),
		ReceiptPoll:        time.Second,
		RetryConfig:        util.DefaultRetryConfig(),
	}

	conn := &chainConn{}
	stakingAddr := common.HexToAddress(cfg.Chain.StakingAddress)
	if cfg.Chain.MockMode {
		if cfg.Chain.StakingAddress == "" {
			stakingAddr = mockStakingAddress
		}
		clientCfg.WSEndpoint = ""
		clientCfg.ReceiptPoll = 100 * time.Millisecond
		conn.mock = chain.NewMockBackend(cfg.Chain.ChainID, stakingAddr)
		for _, r := range mockRewards {
			amount := decimal.RequireFromString(r.amount).Shift(int32(cfg.Chain.TokenDecimals)).BigInt()
			conn.mock.SetReward(delegator, r.validator, amount)
		}
		conn.client = chain.NewClientWithBackend(clientCfg, conn.mock)
		logging.Info("using in-memory chain",
			"staking", stakingAddr.Hex(),
			logging.Address(delegator.Hex()),
			logging.Component("cli"))
	} else {
		conn.client = chain.NewClient(clientCfg)
	}

	if err := conn.client.Connect(ctx); err != nil {
		return nil, err
	}
	staking, err := chain.NewStakingContract(conn.client, stakingAddr, int32(cfg.Chain.TokenDecimals))
	if err != nil {
		conn.client.Close()
		return nil, err
	}
	conn.staking = staking
	return conn, nil
}

func (c *chainConn) Close() {
	c.client.Close()
}

// backends returns the per-variant builders and fee estimators
func (c *chainConn) backends() map[types.Variant]claim.Backend[*ethtypes.Transaction] {
	out := make(map[types.Variant]claim.Backend[*ethtypes.Transaction], len(types.Variants))
	for _, v := range types.Variants {
		out[v] = claim.Backend[*ethtypes.Transaction]{
			Builder:      c.staking.Builder(v),
			FeeEstimator: c.staking.FeeEstimator(v),
		}
	}
	return out
}

// openWallet loads the keystore named by the config
func openWallet(cfg *config.Config) (*identity.Wallet, error) {
	w, err := identity.LoadWallet(cfg.Wallet.KeystoreDir)
	if errors.Is(err, identity.ErrNoWallet) {
		return nil, fmt.Errorf("no wallet in %s (create one with: rewardclaim wallet create)", cfg.Wallet.KeystoreDir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	return w, nil
}

// unlockWallet resolves the passphrase from the environment, password file
// or keyring, prompting when allowed and nothing is stored.
func unlockWallet(w *identity.Wallet, cfg *config.Config, prompt bool) error {
	password, source, err := identity.ResolvePassword(cfg.Wallet.PasswordFile, cfg.Wallet.UseKeyring)
	if err != nil {
		return err
	}
	if password == "" {
		if !prompt {
			return fmt.Errorf("wallet passphrase not available: set %s, wallet.password_file or store it in the keyring", identity.PasswordEnv)
		}
		fmt.Fprint(os.Stderr, "Enter wallet password: ")
		password, err = readPasswordNoEcho()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		source = "prompt"
	}
	if _, err := w.Unlock(password); err != nil {
		return fmt.Errorf("failed to unlock wallet (wrong password?): %w", err)
	}
	logging.Debug("wallet unlocked",
		logging.Address(w.Address().Hex()),
		"source", string(source))
	return nil
}

// accountSource supplies the delegator. *identity.Wallet is the usual one.
type accountSource interface {
	Account() (*types.Account, bool)
}

// flowHooks carries the optional observers of a claim flow
type flowHooks struct {
	Features      claim.FeatureSource
	Notifier      txn.Notifier
	Recorder      txn.Recorder
	Observer      func(txn.Transition)
	OnClose       func()
	OnBroadcasted func(types.Variant, types.Receipt)
}

// newClaimFlow wires a controller over the poller, wallet and chain
func newClaimFlow(conn *chainConn, poller *rewards.Poller, accounts accountSource, signer txn.Signer[*ethtypes.Transaction], hooks flowHooks) (*claim.Controller[*ethtypes.Transaction], error) {
	onBroadcasted := func(v types.Variant, r types.Receipt) {
		poller.Refresh()
		if hooks.OnBroadcasted != nil {
			hooks.OnBroadcasted(v, r)
		}
	}
	return claim.NewController(claim.Config[*ethtypes.Transaction]{
		Rewards:       poller,
		Accounts:      accounts,
		Features:      hooks.Features,
		Signer:        signer,
		Broadcaster:   chain.NewBroadcaster(conn.client),
		Backends:      conn.backends(),
		OnClose:       hooks.OnClose,
		OnBroadcasted: onBroadcasted,
		Notifier:      hooks.Notifier,
		Recorder:      hooks.Recorder,
		Observer:      hooks.Observer,
	})
}

// newPoller builds the reward poller for the delegator account
func newPoller(cfg *config.Config, conn *chainConn, accounts accountSource, recorder rewards.PollRecorder) *rewards.Poller {
	return rewards.NewPoller(rewards.PollerConfig{
		Interval:     cfg.Rewards.PollInterval,
		FetchTimeout: cfg.Rewards.FetchTimeout,
		Retry:        util.DefaultRetryConfig(),
	}, conn.staking, accounts, recorder)
}

// waitForRewards blocks until the poller has published its first result
func waitForRewards(ctx context.Context, poller *rewards.Poller) (rewards.State, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if snap := poller.Snapshot(); !snap.Loading {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return rewards.State{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// maxCost is the worst case cost of tx in wei
func maxCost(tx *ethtypes.Transaction) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas()), tx.GasFeeCap())
}
