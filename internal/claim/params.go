// Package claim drives the claim and claim-and-stake flows over a shared
// set of aggregated reward targets.
package claim

import (
	"github.com/moltbunker/rewardclaim/internal/txn"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

// Params is one claim instruction as submitted to the chain. Both variants
// use the same shape; the contract method is chosen by the variant.
type Params struct {
	Validator string `json:"validator"`
	Source    string `json:"source"`
}

// BuildParams maps claim targets to transaction params in order. The
// variant does not change the shape. An empty input yields an empty,
// non-nil slice.
func BuildParams(targets []types.ClaimTarget, _ types.Variant) []Params {
	out := make([]Params, 0, len(targets))
	for _, t := range targets {
		out = append(out, Params{Validator: t.Validator, Source: t.Source})
	}
	return out
}

// PendingNotification returns the in-progress text shown for a variant
func PendingNotification(v types.Variant) txn.PendingText {
	text := txn.PendingText{Title: "Claim rewards transaction is in progress"}
	switch v {
	case types.VariantClaimAndStake:
		text.Description = "Your rewards claim is being processed and will be staked to the same validators afterward."
	default:
		text.Description = "Your rewards claim is being processed"
	}
	return text
}
