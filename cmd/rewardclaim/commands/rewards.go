package commands

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/moltbunker/rewardclaim/internal/claim"
	"github.com/moltbunker/rewardclaim/internal/rewards"
	"github.com/moltbunker/rewardclaim/internal/txn"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

// rewardsReport is the JSON form of the rewards command
type rewardsReport struct {
	Account string                          `json:"account"`
	Total   decimal.Decimal                 `json:"total"`
	Rewards map[string]decimal.Decimal      `json:"rewards"`
	Targets []types.ClaimTarget             `json:"targets"`
	Fees    map[types.Variant]types.FeeInfo `json:"fees,omitempty"`
}

func NewRewardsCmd() *cobra.Command {
	var address string
	var withFees bool

	cmd := &cobra.Command{
		Use:   "rewards",
		Short: "Show claimable rewards",
		Long: `Show the rewards claimable by the wallet account, per validator.

With --fees the cost of both claim transactions is estimated as well.
No password is needed; --address inspects any delegator.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := setupLogging(cfg, true); err != nil {
				return err
			}

			account := &types.Account{Address: address}
			if address == "" {
				w, err := openWallet(cfg)
				if err != nil {
					return err
				}
				account, _ = w.Account()
			} else if !common.IsHexAddress(address) {
				return fmt.Errorf("invalid address %q", address)
			}
			delegator := common.HexToAddress(account.Address)

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			conn, err := connectChain(ctx, cfg, delegator)
			if err != nil {
				return err
			}
			defer conn.Close()

			var claimable rewards.Rewards
			err = WithSpinner("Fetching rewards", func() error {
				var ferr error
				claimable, ferr = conn.staking.ClaimableRewards(ctx, delegator.Hex())
				return ferr
			})
			if err != nil {
				return fmt.Errorf("failed to fetch rewards: %w", err)
			}

			summary, err := rewards.Aggregate(claimable, account, cfg.Features.ClaimRewardsEnabled)
			if err != nil {
				return err
			}

			report := rewardsReport{
				Account: delegator.Hex(),
				Total:   summary.Total,
				Rewards: claimable,
				Targets: summary.Targets,
			}
			if withFees && len(summary.Targets) > 0 {
				report.Fees = estimateFees(ctx, conn, summary.Targets)
			}

			if jsonOutput() {
				return printJSON(report)
			}
			printRewards(report, cfg.Features.ClaimRewardsEnabled)
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "Delegator address (default: wallet account)")
	cmd.Flags().BoolVar(&withFees, "fees", false, "Estimate the fee of each claim transaction")

	return cmd
}

// estimateFees predicts the cost of both variants. Failures are omitted.
func estimateFees(ctx context.Context, conn *chainConn, targets []types.ClaimTarget) map[types.Variant]types.FeeInfo {
	fees := make(map[types.Variant]types.FeeInfo, len(types.Variants))
	for _, v := range types.Variants {
		fee, err := conn.staking.FeeEstimator(v).Estimate(ctx, txn.BuildRequest[claim.Params]{
			EventType: v.EventType(),
			Params:    claim.BuildParams(targets, v),
		})
		if err != nil {
			Warning(fmt.Sprintf("%s fee estimate failed: %v", v.Label(), err))
			continue
		}
		fees[v] = fee
	}
	return fees
}

func printRewards(report rewardsReport, enabled bool) {
	fmt.Println(StatusBox("Rewards", [][2]string{
		{"Account", report.Account},
		{"Total", FormatAmount(report.Total, "")},
		{"Validators", fmt.Sprintf("%d", len(report.Rewards))},
	}))

	if len(report.Rewards) == 0 {
		fmt.Println()
		Info("Nothing to claim.")
		return
	}

	validators := make([]string, 0, len(report.Rewards))
	for v := range report.Rewards {
		validators = append(validators, v)
	}
	sort.Strings(validators)

	rows := make([][]string, 0, len(validators))
	for _, v := range validators {
		rows = append(rows, []string{v, FormatAmount(report.Rewards[v], "")})
	}
	fmt.Println(SectionHeader("By validator"))
	fmt.Println(RenderTable([]string{"VALIDATOR", "CLAIMABLE"}, rows))

	if len(report.Fees) > 0 {
		fmt.Println(SectionHeader("Estimated fees"))
		for _, v := range types.Variants {
			if fee, ok := report.Fees[v]; ok {
				fmt.Println(KeyValue(v.Label(), fmt.Sprintf("%s (gas %d @ %s)",
					FormatAmount(fee.Total, ""), fee.GasLimit, FormatGwei(fee.GasFeeCap))))
			}
		}
	}

	if !enabled {
		fmt.Println()
		Warning("Claiming is disabled by features.claim_rewards_enabled.")
		return
	}
	fmt.Println()
	fmt.Println(Hint("Claim with: rewardclaim claim   (add --stake to restake)"))
}
