package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/moltbunker/rewardclaim/internal/claim"
	"github.com/moltbunker/rewardclaim/internal/logging"
	"github.com/moltbunker/rewardclaim/internal/rewards"
	"github.com/moltbunker/rewardclaim/internal/txn"
	pkgtypes "github.com/moltbunker/rewardclaim/pkg/types"
)

// nativeDecimals is the precision of the gas token
const nativeDecimals = 18

// StakingContract provides the reward functions of the staking contract
type StakingContract struct {
	client        *Client
	contractABI   abi.ABI
	contractAddr  common.Address
	tokenDecimals int32
}

// ClaimedEvent is a decoded RewardsClaimed log
type ClaimedEvent struct {
	Delegator common.Address
	Validator common.Address
	Amount    decimal.Decimal
	Restaked  bool
}

// NewStakingContract creates a staking contract client. tokenDecimals is the
// precision of the reward token.
func NewStakingContract(client *Client, contractAddr common.Address, tokenDecimals int32) (*StakingContract, error) {
	if client == nil {
		return nil, errors.New("chain client is required")
	}
	parsedABI, err := abi.JSON(strings.NewReader(StakingRewardsABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse staking ABI: %w", err)
	}
	return &StakingContract{
		client:        client,
		contractABI:   parsedABI,
		contractAddr:  contractAddr,
		tokenDecimals: tokenDecimals,
	}, nil
}

// Address returns the contract address
func (sc *StakingContract) Address() common.Address {
	return sc.contractAddr
}

func methodFor(v pkgtypes.Variant) (string, error) {
	switch v {
	case pkgtypes.VariantClaimOnly:
		return methodClaim, nil
	case pkgtypes.VariantClaimAndStake:
		return methodClaimAndStake, nil
	}
	return "", fmt.Errorf("no contract method for variant %s", v)
}

// ClaimableRewards reads the claimable amount per validator for delegator.
// It satisfies rewards.Fetcher.
func (sc *StakingContract) ClaimableRewards(ctx context.Context, delegator string) (rewards.Rewards, error) {
	if !common.IsHexAddress(delegator) {
		return nil, fmt.Errorf("invalid delegator address %q", delegator)
	}

	data, err := sc.contractABI.Pack(methodClaimable, common.HexToAddress(delegator))
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", methodClaimable, err)
	}
	out, err := sc.client.Call(ctx, ethereum.CallMsg{To: &sc.contractAddr, Data: data})
	if err != nil {
		return nil, err
	}

	values, err := sc.contractABI.Unpack(methodClaimable, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", methodClaimable, err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("unexpected %s output: %d values", methodClaimable, len(values))
	}
	validators, ok := values[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("unexpected validator list type %T", values[0])
	}
	amounts, ok := values[1].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected amount list type %T", values[1])
	}
	if len(validators) != len(amounts) {
		return nil, fmt.Errorf("validator/amount length mismatch: %d != %d", len(validators), len(amounts))
	}

	result := make(rewards.Rewards, len(validators))
	for i, validator := range validators {
		result[validator.Hex()] = decimal.NewFromBigInt(amounts[i], -sc.tokenDecimals)
	}
	return result, nil
}

// call is a packed claim invocation ready for estimation or building
type call struct {
	from common.Address
	data []byte
}

// claimCall encodes params for the variant's contract method. Every param
// must name the same source account, which becomes the sender.
func (sc *StakingContract) claimCall(v pkgtypes.Variant, params []claim.Params) (call, error) {
	method, err := methodFor(v)
	if err != nil {
		return call{}, err
	}
	if len(params) == 0 {
		return call{}, errors.New("no claim params")
	}

	source := params[0].Source
	if !common.IsHexAddress(source) {
		return call{}, fmt.Errorf("invalid source address %q", source)
	}
	from := common.HexToAddress(source)

	seen := make(map[common.Address]struct{}, len(params))
	validators := make([]common.Address, 0, len(params))
	for _, p := range params {
		if !common.IsHexAddress(p.Source) || common.HexToAddress(p.Source) != from {
			return call{}, fmt.Errorf("mixed claim sources: %s and %s", source, p.Source)
		}
		if !common.IsHexAddress(p.Validator) {
			return call{}, fmt.Errorf("invalid validator address %q", p.Validator)
		}
		validator := common.HexToAddress(p.Validator)
		if _, dup := seen[validator]; dup {
			continue
		}
		seen[validator] = struct{}{}
		validators = append(validators, validator)
	}

	data, err := sc.contractABI.Pack(method, validators)
	if err != nil {
		return call{}, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	return call{from: from, data: data}, nil
}

// quote is the gas and fee prediction for a call
type quote struct {
	call
	gas    uint64
	feeCap *big.Int
	tip    *big.Int
}

func (sc *StakingContract) quote(ctx context.Context, v pkgtypes.Variant, params []claim.Params) (quote, error) {
	c, err := sc.claimCall(v, params)
	if err != nil {
		return quote{}, err
	}
	feeCap, tip, err := sc.client.SuggestFees(ctx)
	if err != nil {
		return quote{}, err
	}
	gas, err := sc.client.EstimateGas(ctx, ethereum.CallMsg{
		From:      c.from,
		To:        &sc.contractAddr,
		GasFeeCap: feeCap,
		GasTipCap: tip,
		Data:      c.data,
	})
	if err != nil {
		return quote{}, err
	}
	return quote{call: c, gas: gas, feeCap: feeCap, tip: tip}, nil
}

// TxBuilder builds unsigned claim transactions for one variant
type TxBuilder struct {
	sc      *StakingContract
	variant pkgtypes.Variant
}

// Builder returns the transaction builder for v
func (sc *StakingContract) Builder(v pkgtypes.Variant) *TxBuilder {
	return &TxBuilder{sc: sc, variant: v}
}

// Build implements txn.Builder
func (b *TxBuilder) Build(ctx context.Context, req txn.BuildRequest[claim.Params]) (*types.Transaction, error) {
	q, err := b.sc.quote(ctx, b.variant, req.Params)
	if err != nil {
		return nil, err
	}
	nonce, err := b.sc.client.PendingNonce(ctx, q.from)
	if err != nil {
		return nil, err
	}

	to := b.sc.contractAddr
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.sc.client.ChainID(),
		Nonce:     nonce,
		GasTipCap: q.tip,
		GasFeeCap: q.feeCap,
		Gas:       q.gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      q.data,
	})

	logging.Debug("built claim transaction",
		logging.Variant(b.variant),
		"event_type", req.EventType,
		"validators", len(req.Params),
		"nonce", nonce,
		"gas", q.gas)
	return tx, nil
}

// FeeEstimator predicts claim fees for one variant
type FeeEstimator struct {
	sc      *StakingContract
	variant pkgtypes.Variant
}

// FeeEstimator returns the fee estimator for v
func (sc *StakingContract) FeeEstimator(v pkgtypes.Variant) *FeeEstimator {
	return &FeeEstimator{sc: sc, variant: v}
}

// Estimate implements txn.FeeEstimator. Total is the worst case
// gas limit times fee cap, in native token units.
func (f *FeeEstimator) Estimate(ctx context.Context, req txn.BuildRequest[claim.Params]) (pkgtypes.FeeInfo, error) {
	q, err := f.sc.quote(ctx, f.variant, req.Params)
	if err != nil {
		return pkgtypes.FeeInfo{}, err
	}
	total := new(big.Int).Mul(new(big.Int).SetUint64(q.gas), q.feeCap)
	return pkgtypes.FeeInfo{
		GasLimit:  q.gas,
		GasFeeCap: q.feeCap,
		GasTipCap: q.tip,
		Total:     decimal.NewFromBigInt(total, -nativeDecimals),
	}, nil
}

// ClaimedFromReceipt decodes the RewardsClaimed logs emitted by this contract
func (sc *StakingContract) ClaimedFromReceipt(receipt *types.Receipt) ([]ClaimedEvent, error) {
	event, ok := sc.contractABI.Events[eventRewardsClaimed]
	if !ok {
		return nil, fmt.Errorf("event %s not in ABI", eventRewardsClaimed)
	}

	var events []ClaimedEvent
	for _, l := range receipt.Logs {
		if l.Address != sc.contractAddr || len(l.Topics) != 3 || l.Topics[0] != event.ID {
			continue
		}
		var body struct {
			Amount   *big.Int
			Restaked bool
		}
		if err := sc.contractABI.UnpackIntoInterface(&body, eventRewardsClaimed, l.Data); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", eventRewardsClaimed, err)
		}
		events = append(events, ClaimedEvent{
			Delegator: common.BytesToAddress(l.Topics[1].Bytes()),
			Validator: common.BytesToAddress(l.Topics[2].Bytes()),
			Amount:    decimal.NewFromBigInt(body.Amount, -sc.tokenDecimals),
			Restaked:  body.Restaked,
		})
	}
	return events, nil
}

// Broadcaster submits signed transactions
type Broadcaster struct {
	client *Client
}

// NewBroadcaster creates a broadcaster over client
func NewBroadcaster(client *Client) *Broadcaster {
	return &Broadcaster{client: client}
}

// Broadcast implements txn.Broadcaster. Acceptance by the node is success;
// mining is observed separately with Client.WaitForReceipt.
func (b *Broadcaster) Broadcast(ctx context.Context, tx *types.Transaction) (pkgtypes.Receipt, error) {
	if v, r, s := tx.RawSignatureValues(); v == nil || r == nil || s == nil || (r.Sign() == 0 && s.Sign() == 0) {
		return pkgtypes.Receipt{}, errors.New("transaction is not signed")
	}
	if err := b.client.SendTransaction(ctx, tx); err != nil {
		return pkgtypes.Receipt{}, err
	}
	return pkgtypes.Receipt{
		TxHash:      tx.Hash().Hex(),
		Nonce:       tx.Nonce(),
		BroadcastAt: time.Now(),
	}, nil
}
