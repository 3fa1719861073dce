package identity

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/moltbunker/rewardclaim/internal/logging"
	"github.com/moltbunker/rewardclaim/internal/txn"
)

// Approver asks the key holder to confirm a transaction before it is signed.
// Returning false rejects it.
type Approver func(ctx context.Context, tx *types.Transaction) (bool, error)

// AutoApprove approves every transaction
func AutoApprove(context.Context, *types.Transaction) (bool, error) { return true, nil }

// Signer signs EIP-1559 transactions with the delegator key. It is ready
// only while the key is unlocked.
type Signer struct {
	chainID *big.Int
	key     func() *ecdsa.PrivateKey
	approve Approver
}

// NewWalletSigner signs with the wallet's unlocked key
func NewWalletSigner(w *Wallet, chainID *big.Int, approve Approver) *Signer {
	return &Signer{chainID: chainID, key: w.signingKey, approve: approve}
}

// NewKeySigner signs with a raw private key
func NewKeySigner(key *ecdsa.PrivateKey, chainID *big.Int, approve Approver) *Signer {
	return &Signer{chainID: chainID, key: func() *ecdsa.PrivateKey { return key }, approve: approve}
}

// Ready reports whether a key is available
func (s *Signer) Ready() bool {
	return s.key() != nil
}

// Address returns the signing address, or the zero address while locked
func (s *Signer) Address() common.Address {
	key := s.key()
	if key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(key.PublicKey)
}

// Sign asks for approval and signs tx. A declined approval returns an error
// wrapping txn.ErrRejected.
func (s *Signer) Sign(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	key := s.key()
	if key == nil {
		return nil, ErrLocked
	}

	if s.approve != nil {
		ok, err := s.approve(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("approval failed: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("signature request declined: %w", txn.ErrRejected)
		}
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	logging.Debug("transaction signed",
		logging.Address(crypto.PubkeyToAddress(key.PublicKey).Hex()),
		"nonce", tx.Nonce())
	return signed, nil
}
