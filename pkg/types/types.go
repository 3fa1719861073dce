package types

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Variant identifies one of the two mutually exclusive reward-claim flows
type Variant string

const (
	// VariantNone is only used as the "nothing in flight" token
	VariantNone          Variant = ""
	VariantClaimOnly     Variant = "claim"
	VariantClaimAndStake Variant = "claim_and_stake"
)

// EventTypeClaimRewards categorises both claim flows for notifications.
const EventTypeClaimRewards = "ClaimRewards"

// Variants lists the claim flows in priority order (claim first).
var Variants = []Variant{VariantClaimOnly, VariantClaimAndStake}

func (v Variant) String() string {
	if v == VariantNone {
		return "none"
	}
	return string(v)
}

// IsValid reports whether v names a real claim flow
func (v Variant) IsValid() bool {
	return v == VariantClaimOnly || v == VariantClaimAndStake
}

// EventType returns the notification category for the variant.
// Both flows share a category; the variant itself is carried separately.
func (v Variant) EventType() string {
	return EventTypeClaimRewards
}

// Label returns the human-readable action name
func (v Variant) Label() string {
	switch v {
	case VariantClaimOnly:
		return "Claim"
	case VariantClaimAndStake:
		return "Claim & Stake"
	default:
		return "None"
	}
}

// ParseVariant maps a user-supplied name to a Variant
func ParseVariant(s string) (Variant, bool) {
	switch s {
	case "claim", "claim_only", "claim-only":
		return VariantClaimOnly, true
	case "claim_and_stake", "claim-and-stake", "stake", "restake":
		return VariantClaimAndStake, true
	}
	return VariantNone, false
}

// ClaimTarget is one (validator, source account) reward-claim instruction
type ClaimTarget struct {
	Validator string `json:"validator"`
	Source    string `json:"source"`
}

// Account is the active wallet identity. Read-only to the claim core.
type Account struct {
	Address string `json:"address"`
	Alias   string `json:"alias,omitempty"`
}

// Features holds the application feature flags consumed by the claim core
type Features struct {
	ClaimRewardsEnabled bool `yaml:"claim_rewards_enabled" json:"claim_rewards_enabled"`
}

// FeeInfo is a best-effort transaction cost prediction
type FeeInfo struct {
	GasLimit  uint64          `json:"gas_limit"`
	GasFeeCap *big.Int        `json:"gas_fee_cap"` // wei per gas
	GasTipCap *big.Int        `json:"gas_tip_cap"` // wei per gas
	Total     decimal.Decimal `json:"total"`       // native token units
}

// Receipt describes a broadcast accepted by the network.
// Acceptance is not final confirmation.
type Receipt struct {
	TxHash      string    `json:"tx_hash"`
	Nonce       uint64    `json:"nonce"`
	BroadcastAt time.Time `json:"broadcast_at"`
}
