package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// MockBackend is an in-memory Backend that executes the staking reward
// functions. It performs real ABI encoding and verifies transaction
// signatures, so it exercises the same code paths as a live node.
type MockBackend struct {
	mu sync.Mutex

	chainID  *big.Int
	contract common.Address
	abi      abi.ABI

	block   uint64
	baseFee *big.Int
	tip     *big.Int

	nonces   map[common.Address]uint64
	rewards  map[common.Address]map[common.Address]*big.Int
	staked   map[common.Address]map[common.Address]*big.Int
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction

	sendErr     error
	estimateErr error
	callErr     error
}

// NewMockBackend creates a mock chain hosting the staking contract at
// contract
func NewMockBackend(chainID int64, contract common.Address) *MockBackend {
	parsedABI, err := abi.JSON(strings.NewReader(StakingRewardsABI))
	if err != nil {
		panic(fmt.Sprintf("staking ABI: %v", err))
	}
	return &MockBackend{
		chainID:  big.NewInt(chainID),
		contract: contract,
		abi:      parsedABI,
		block:    1,
		baseFee:  big.NewInt(1e9),
		tip:      big.NewInt(1e8),
		nonces:   make(map[common.Address]uint64),
		rewards:  make(map[common.Address]map[common.Address]*big.Int),
		staked:   make(map[common.Address]map[common.Address]*big.Int),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

// SetReward sets the claimable amount of delegator at validator
func (m *MockBackend) SetReward(delegator, validator common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rewards[delegator] == nil {
		m.rewards[delegator] = make(map[common.Address]*big.Int)
	}
	m.rewards[delegator][validator] = new(big.Int).Set(amount)
}

// Staked returns the amount restaked by delegator at validator
func (m *MockBackend) Staked(delegator, validator common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount := m.staked[delegator][validator]; amount != nil {
		return new(big.Int).Set(amount)
	}
	return new(big.Int)
}

// Sent returns the transactions accepted so far
func (m *MockBackend) Sent() []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Transaction(nil), m.sent...)
}

// FailSend makes SendTransaction return err until cleared with nil
func (m *MockBackend) FailSend(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

// FailEstimate makes EstimateGas return err until cleared with nil
func (m *MockBackend) FailEstimate(err error) {
	m.mu.Lock()
	m.estimateErr = err
	m.mu.Unlock()
}

// FailCall makes CallContract return err until cleared with nil
func (m *MockBackend) FailCall(err error) {
	m.mu.Lock()
	m.callErr = err
	m.mu.Unlock()
}

// Mine advances the chain by n empty blocks
func (m *MockBackend) Mine(n uint64) {
	m.mu.Lock()
	m.block += n
	m.mu.Unlock()
}

func (m *MockBackend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.chainID), nil
}

func (m *MockBackend) BlockNumber(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.block, nil
}

func (m *MockBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &types.Header{
		Number:  new(big.Int).SetUint64(m.block),
		BaseFee: new(big.Int).Set(m.baseFee),
	}, nil
}

func (m *MockBackend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonces[account], nil
}

func (m *MockBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.tip), nil
}

func (m *MockBackend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.estimateErr != nil {
		return 0, m.estimateErr
	}
	if msg.To == nil || *msg.To != m.contract {
		return 21000, nil
	}
	_, validators, err := m.decodeClaim(msg.Data)
	if err != nil {
		return 0, err
	}
	return 50000 + 25000*uint64(len(validators)), nil
}

func (m *MockBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.callErr != nil {
		return nil, m.callErr
	}
	if msg.To == nil || *msg.To != m.contract {
		return nil, nil
	}
	if len(msg.Data) < 4 {
		return nil, errors.New("execution reverted: missing selector")
	}
	method, err := m.abi.MethodById(msg.Data[:4])
	if err != nil || method.Name != methodClaimable {
		return nil, errors.New("execution reverted: unknown view function")
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, fmt.Errorf("execution reverted: %w", err)
	}
	delegator := args[0].(common.Address)

	pending := m.rewards[delegator]
	validators := make([]common.Address, 0, len(pending))
	for v := range pending {
		validators = append(validators, v)
	}
	sort.Slice(validators, func(i, j int) bool {
		return bytes.Compare(validators[i].Bytes(), validators[j].Bytes()) < 0
	})
	amounts := make([]*big.Int, len(validators))
	for i, v := range validators {
		amounts[i] = new(big.Int).Set(pending[v])
	}
	return method.Outputs.Pack(validators, amounts)
}

func (m *MockBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}
	if tx.ChainId().Cmp(m.chainID) != 0 {
		return fmt.Errorf("invalid chain id %s", tx.ChainId())
	}
	from, err := types.Sender(types.LatestSignerForChainID(m.chainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	switch expected := m.nonces[from]; {
	case tx.Nonce() < expected:
		return errors.New("nonce too low")
	case tx.Nonce() > expected:
		return errors.New("nonce too high")
	}

	m.nonces[from]++
	m.block++
	m.sent = append(m.sent, tx)

	receipt := &types.Receipt{
		Type:              tx.Type(),
		Status:            types.ReceiptStatusSuccessful,
		TxHash:            tx.Hash(),
		BlockNumber:       new(big.Int).SetUint64(m.block),
		GasUsed:           tx.Gas(),
		CumulativeGasUsed: tx.Gas(),
	}

	if tx.To() != nil && *tx.To() == m.contract {
		logs, err := m.applyClaim(from, tx.Data())
		if err != nil {
			receipt.Status = types.ReceiptStatusFailed
		} else {
			for i, l := range logs {
				l.TxHash = tx.Hash()
				l.BlockNumber = m.block
				l.Index = uint(i)
			}
			receipt.Logs = logs
		}
	}
	m.receipts[tx.Hash()] = receipt
	return nil
}

func (m *MockBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

// decodeClaim unpacks a claimRewards or claimAndStakeRewards call
func (m *MockBackend) decodeClaim(data []byte) (restake bool, validators []common.Address, err error) {
	if len(data) < 4 {
		return false, nil, errors.New("execution reverted: missing selector")
	}
	method, err := m.abi.MethodById(data[:4])
	if err != nil {
		return false, nil, fmt.Errorf("execution reverted: %w", err)
	}
	if method.Name != methodClaim && method.Name != methodClaimAndStake {
		return false, nil, fmt.Errorf("execution reverted: %s is not a claim", method.Name)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return false, nil, fmt.Errorf("execution reverted: %w", err)
	}
	validators = args[0].([]common.Address)
	if len(validators) == 0 {
		return false, nil, errors.New("execution reverted: no validators")
	}
	return method.Name == methodClaimAndStake, validators, nil
}

func (m *MockBackend) applyClaim(from common.Address, data []byte) ([]*types.Log, error) {
	restake, validators, err := m.decodeClaim(data)
	if err != nil {
		return nil, err
	}

	event := m.abi.Events[eventRewardsClaimed]
	var logs []*types.Log
	for _, v := range validators {
		amount := m.rewards[from][v]
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		delete(m.rewards[from], v)

		if restake {
			if m.staked[from] == nil {
				m.staked[from] = make(map[common.Address]*big.Int)
			}
			current := m.staked[from][v]
			if current == nil {
				current = new(big.Int)
			}
			m.staked[from][v] = new(big.Int).Add(current, amount)
		}

		body, err := event.Inputs.NonIndexed().Pack(amount, restake)
		if err != nil {
			return nil, err
		}
		logs = append(logs, &types.Log{
			Address: m.contract,
			Topics: []common.Hash{
				event.ID,
				common.BytesToHash(from.Bytes()),
				common.BytesToHash(v.Bytes()),
			},
			Data: body,
		})
	}
	return logs, nil
}
