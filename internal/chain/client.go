// Package chain adapts the staking contract on an EVM chain to the claim
// pipeline: transaction building, fee estimation, broadcast and reward reads.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/moltbunker/rewardclaim/internal/logging"
	"github.com/moltbunker/rewardclaim/internal/util"
)

// ErrNotConnected is returned by every RPC helper before Connect succeeds
var ErrNotConnected = errors.New("not connected to chain")

// Backend is the subset of the JSON-RPC client the claim flow needs.
// *ethclient.Client satisfies it; MockBackend is the in-memory version.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ClientConfig holds configuration for the chain client
type ClientConfig struct {
	RPCURL             string
	WSEndpoint         string
	ChainID            int64
	BlockConfirmations int
	GasLimitMultiplier float64  // Multiplier for estimated gas (default: 1.2)
	MaxFeePerGas       *big.Int // cap on the EIP-1559 fee cap, nil for none
	ReceiptPoll        time.Duration
	RetryConfig        *util.RetryConfig
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RPCURL:             "http://127.0.0.1:8545",
		ChainID:            1337,
		BlockConfirmations: 1,
		GasLimitMultiplier: 1.2,
		MaxFeePerGas:       big.NewInt(100e9), // 100 gwei max
		ReceiptPoll:        2 * time.Second,
		RetryConfig:        util.DefaultRetryConfig(),
	}
}

// Client wraps a Backend with chain-ID verification, gas helpers and
// receipt waiting
type Client struct {
	config  *ClientConfig
	backend Backend
	ws      *ethclient.Client
	chainID *big.Int

	connected bool
	mu        sync.RWMutex
}

// NewClient creates a client that dials config.RPCURL on Connect
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	return &Client{
		config:  config,
		chainID: big.NewInt(config.ChainID),
	}
}

// NewClientWithBackend creates a client over an existing backend (mock
// mode and tests). Connect still verifies the chain ID.
func NewClientWithBackend(config *ClientConfig, backend Backend) *Client {
	c := NewClient(config)
	c.backend = backend
	return c
}

// Connect dials the RPC endpoint if needed and verifies the chain ID
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.backend == nil {
		client, result := util.RetryWithValue(ctx, c.config.RetryConfig, func() (*ethclient.Client, error) {
			return ethclient.DialContext(ctx, c.config.RPCURL)
		})
		if result.LastError != nil {
			return fmt.Errorf("failed to connect to RPC %s: %w", c.config.RPCURL, result.LastError)
		}
		c.backend = client
	}

	// WebSocket is only used to wake receipt waits on new heads
	if c.config.WSEndpoint != "" && c.ws == nil {
		ws, err := ethclient.DialContext(ctx, c.config.WSEndpoint)
		if err != nil {
			logging.Warn("websocket endpoint unavailable, falling back to polling",
				"endpoint", c.config.WSEndpoint,
				logging.Err(err),
				logging.Component("chain"))
		} else {
			c.ws = ws
		}
	}

	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain ID: %w", err)
	}
	if chainID.Cmp(c.chainID) != 0 {
		return fmt.Errorf("chain ID mismatch: expected %d, got %d", c.chainID, chainID)
	}

	c.connected = true
	logging.Info("connected to chain",
		"chain_id", chainID.String(),
		logging.Component("chain"))
	return nil
}

// Close closes the RPC connections
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.connected = false
}

// IsConnected returns true after a successful Connect
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// ChainID returns the configured chain ID
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *Client) rpc() (Backend, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || c.backend == nil {
		return nil, ErrNotConnected
	}
	return c.backend, nil
}

// PendingNonce returns the next nonce for account
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	backend, err := c.rpc()
	if err != nil {
		return 0, err
	}
	nonce, err := backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	return nonce, nil
}

// SuggestFees returns an EIP-1559 fee cap and tip. The cap is twice the
// latest base fee plus the tip, bounded by MaxFeePerGas.
func (c *Client) SuggestFees(ctx context.Context) (feeCap, tip *big.Int, err error) {
	backend, err := c.rpc()
	if err != nil {
		return nil, nil, err
	}

	tip, err = backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get gas tip: %w", err)
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get latest header: %w", err)
	}

	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap = new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	// Cap fee
	if limit := c.config.MaxFeePerGas; limit != nil && limit.Sign() > 0 && feeCap.Cmp(limit) > 0 {
		feeCap = new(big.Int).Set(limit)
		if tip.Cmp(feeCap) > 0 {
			tip = new(big.Int).Set(feeCap)
		}
	}
	return feeCap, tip, nil
}

// EstimateGas estimates gas for msg with the configured safety multiplier
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	backend, err := c.rpc()
	if err != nil {
		return 0, err
	}

	gas, err := backend.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas: %w", err)
	}

	multiplier := c.config.GasLimitMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	return uint64(float64(gas) * multiplier), nil
}

// Call executes a read-only contract call at the latest block
func (c *Client) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	backend, err := c.rpc()
	if err != nil {
		return nil, err
	}
	out, result := util.RetryWithValue(ctx, c.config.RetryConfig, func() ([]byte, error) {
		return backend.CallContract(ctx, msg, nil)
	})
	if result.LastError != nil {
		return nil, fmt.Errorf("contract call failed: %w", result.LastError)
	}
	return out, nil
}

// SendTransaction submits a signed transaction. It is never retried here;
// a resubmission is a new user-initiated attempt.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	backend, err := c.rpc()
	if err != nil {
		return err
	}
	if err := backend.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to send transaction: %w", err)
	}
	return nil
}

// WaitForReceipt waits until the transaction is mined and has the configured
// number of confirmations. A reverted transaction returns its receipt and an
// error.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	backend, err := c.rpc()
	if err != nil {
		return nil, err
	}

	wake, stop := c.heads(ctx)
	defer stop()

	var receipt *types.Receipt
	for receipt == nil {
		r, err := backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && r != nil:
			receipt = r
			continue
		case err != nil && !errors.Is(err, ethereum.NotFound):
			logging.Debug("receipt lookup failed",
				logging.TxHash(hash.Hex()),
				logging.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return receipt, fmt.Errorf("transaction reverted: %s", hash.Hex())
	}

	// Wait for confirmations
	if c.config.BlockConfirmations > 1 && receipt.BlockNumber != nil {
		target := receipt.BlockNumber.Uint64() + uint64(c.config.BlockConfirmations) - 1
		for {
			current, err := backend.BlockNumber(ctx)
			if err == nil && current >= target {
				break
			}
			select {
			case <-ctx.Done():
				return receipt, ctx.Err()
			case <-wake:
			}
		}
	}
	return receipt, nil
}

// heads returns a channel that ticks on new blocks when a websocket is
// available, and on the poll interval otherwise.
func (c *Client) heads(ctx context.Context) (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)
	poll := c.config.ReceiptPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ticker := time.NewTicker(poll)
	done := make(chan struct{})

	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()

	var sub ethereum.Subscription
	var headCh chan *types.Header
	if ws != nil {
		headCh = make(chan *types.Header, 4)
		s, err := ws.SubscribeNewHead(ctx, headCh)
		if err != nil {
			logging.Debug("head subscription failed, polling", logging.Err(err))
			headCh = nil
		} else {
			sub = s
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	util.SafeGoWithName("receipt-wake", func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			case <-headCh:
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	})

	return wake, func() {
		ticker.Stop()
		if sub != nil {
			sub.Unsubscribe()
		}
		close(done)
		wg.Wait()
	}
}
