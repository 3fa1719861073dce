// Package rewards reduces per-validator claimable rewards into a total and a
// list of claim targets, and keeps the polled reward read model.
package rewards

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/moltbunker/rewardclaim/pkg/types"
)

// Rewards maps a validator address to its claimable amount
type Rewards map[string]decimal.Decimal

// ErrNegativeAmount reports a reward entry below zero. The reward source
// must never produce one.
var ErrNegativeAmount = errors.New("negative reward amount")

// Summary is the aggregated view of a reward map
type Summary struct {
	Total   decimal.Decimal     `json:"total"`
	Targets []types.ClaimTarget `json:"targets"`
}

// Aggregate sums the reward map and derives one claim target per validator,
// zero amounts included. Targets are sorted by validator address.
//
// When totalEnabled is false the total is reported as zero while the targets
// are still built. Without a source account no targets can be built.
func Aggregate(r Rewards, source *types.Account, totalEnabled bool) (Summary, error) {
	summary := Summary{
		Total:   decimal.Zero,
		Targets: []types.ClaimTarget{},
	}
	if len(r) == 0 {
		return summary, nil
	}

	validators := make([]string, 0, len(r))
	for validator := range r {
		validators = append(validators, validator)
	}
	sort.Strings(validators)

	total := decimal.Zero
	for _, validator := range validators {
		amount := r[validator]
		if amount.IsNegative() {
			return Summary{}, fmt.Errorf("%w: validator %s has %s", ErrNegativeAmount, validator, amount.String())
		}
		total = total.Add(amount)
	}

	if totalEnabled {
		summary.Total = total
	}

	if source == nil || source.Address == "" {
		return summary, nil
	}

	summary.Targets = make([]types.ClaimTarget, 0, len(validators))
	for _, validator := range validators {
		summary.Targets = append(summary.Targets, types.ClaimTarget{
			Validator: validator,
			Source:    source.Address,
		})
	}
	return summary, nil
}

// Clone returns an independent copy of the map
func (r Rewards) Clone() Rewards {
	if r == nil {
		return nil
	}
	out := make(Rewards, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
