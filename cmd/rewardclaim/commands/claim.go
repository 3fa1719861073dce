package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/moltbunker/rewardclaim/internal/chain"
	"github.com/moltbunker/rewardclaim/internal/claim"
	"github.com/moltbunker/rewardclaim/internal/identity"
	"github.com/moltbunker/rewardclaim/internal/rewards"
	"github.com/moltbunker/rewardclaim/internal/txn"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

// claimReport is the JSON form of the claim command
type claimReport struct {
	Variant types.Variant        `json:"variant"`
	Outcome txn.Phase            `json:"outcome"`
	Receipt *types.Receipt       `json:"receipt,omitempty"`
	Error   *txn.ErrorInfo       `json:"error,omitempty"`
	Claimed []chain.ClaimedEvent `json:"claimed,omitempty"`
}

func NewClaimCmd() *cobra.Command {
	var stake, yes, wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim rewards from every validator",
		Long: `Claim the wallet's rewards from every validator in one transaction.

The transaction is shown for approval before it is signed unless --yes is
given. Broadcast acceptance is reported as success; add --wait to block
until the transaction is mined and print the claimed amounts.

Examples:
  rewardclaim claim            # claim to the wallet
  rewardclaim claim --stake    # claim and restake with the same validators
  rewardclaim claim --yes --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			variant := types.VariantClaimOnly
			if stake {
				variant = types.VariantClaimAndStake
			}
			if !yes && !isInteractive() {
				return errors.New("approval needs a terminal; pass --yes to sign without confirmation")
			}
			return runClaim(cmd.Context(), variant, yes, wait, timeout)
		},
	}

	cmd.Flags().BoolVar(&stake, "stake", false, "Restake the claimed rewards")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Sign without asking for confirmation")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the transaction to be mined")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Give up waiting after this long")

	return cmd
}

func runClaim(parent context.Context, variant types.Variant, yes, wait bool, timeout time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := setupLogging(cfg, true); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wallet, err := openWallet(cfg)
	if err != nil {
		return err
	}
	if err := unlockWallet(wallet, cfg, isInteractive()); err != nil {
		return err
	}
	defer wallet.Lock()

	conn, err := connectChain(ctx, cfg, wallet.Address())
	if err != nil {
		return err
	}
	defer conn.Close()

	poller := newPoller(cfg, conn, wallet, nil)
	poller.Start(ctx)
	defer poller.Stop()

	var snap rewards.State
	err = WithSpinner("Loading rewards", func() error {
		var werr error
		snap, werr = waitForRewards(ctx, poller)
		return werr
	})
	if err != nil {
		return err
	}
	if !snap.Success {
		return fmt.Errorf("failed to load rewards: %w", snap.Err)
	}

	approve := identity.AutoApprove
	if !yes {
		approve = confirmApprover(conn.staking.Address(), variant)
	}
	signer := identity.NewWalletSigner(wallet, conn.client.ChainID(), approve)

	transitions := make(chan txn.Transition, 16)
	flow, err := newClaimFlow(conn, poller, wallet, signer, flowHooks{
		Features: claim.StaticFeatures(cfg.Features),
		Observer: func(t txn.Transition) {
			select {
			case transitions <- t:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		flow.Close()
		waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = flow.Wait(waitCtx)
	}()

	view := flow.State()
	action, _ := view.Action(variant)
	if !action.Actionable {
		return notActionable(view, action)
	}

	if !jsonOutput() {
		fmt.Println(KeyValue("Account", wallet.Address().Hex()))
		fmt.Println(KeyValue("Claimable", FormatAmount(view.Total, "")))
		fmt.Println(KeyValue("Validators", fmt.Sprintf("%d", len(view.Targets))))
		if fee := action.Fee.Fee; fee != nil {
			fmt.Println(KeyValue("Est. fee", FormatAmount(fee.Total, "")))
		}
		fmt.Println()
	}

	// The pipeline ignores ctx cancellation once started; ctx only bounds
	// how long the CLI waits.
	if !flow.Execute(ctx, variant) {
		return fmt.Errorf("%s could not be started", variant.Label())
	}
	if err := awaitSettled(ctx, flow.Done(variant), transitions); err != nil {
		return err
	}

	report, err := settledReport(flow.State(), variant)
	if err != nil {
		return err
	}
	if report.Error != nil {
		if jsonOutput() {
			_ = printJSON(report)
		}
		if report.Error.Rejected() {
			Warning("Transaction rejected, nothing was signed.")
			return nil
		}
		return fmt.Errorf("claim failed: %w", report.Error)
	}

	if wait {
		var receipt *ethtypes.Receipt
		err := WithSpinner("Waiting for confirmation", func() error {
			var werr error
			receipt, werr = conn.client.WaitForReceipt(ctx, common.HexToHash(report.Receipt.TxHash))
			return werr
		})
		if err != nil {
			return fmt.Errorf("transaction %s: %w", report.Receipt.TxHash, err)
		}
		report.Claimed, err = conn.staking.ClaimedFromReceipt(receipt)
		if err != nil {
			return err
		}
	}

	if jsonOutput() {
		return printJSON(report)
	}
	printClaim(report, wait)
	return nil
}

// awaitSettled waits for the attempt to finish. The approval form runs
// while the pipeline awaits a signature, so the spinner starts only once
// the transaction is being broadcast.
func awaitSettled(ctx context.Context, done <-chan struct{}, transitions <-chan txn.Transition) error {
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case t := <-transitions:
			if t.To != txn.PhaseBroadcasting {
				continue
			}
			return WithSpinner("Broadcasting claim transaction", func() error {
				select {
				case <-done:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}
	}
}

// settledReport reads the outcome of the finished attempt
func settledReport(view claim.View, variant types.Variant) (claimReport, error) {
	action, _ := view.Action(variant)
	report := claimReport{
		Variant: variant,
		Outcome: action.LastOutcome,
		Receipt: action.LastReceipt,
		Error:   action.Error,
	}
	switch {
	case action.LastOutcome == txn.PhaseConfirmed && action.LastReceipt != nil:
		return report, nil
	case action.Error != nil:
		return report, nil
	}
	return report, fmt.Errorf("%s finished without an outcome (phase %s)", variant.Label(), action.Phase)
}

// notActionable explains why a claim cannot start
func notActionable(view claim.View, action claim.ActionView) error {
	switch {
	case view.Closed:
		return errors.New("claim flow closed")
	case view.Inflight != types.VariantNone:
		return fmt.Errorf("%s is in progress", view.Inflight.Label())
	case view.RewardsError != "":
		return fmt.Errorf("rewards unavailable: %s", view.RewardsError)
	case view.Total.IsZero():
		Info("Nothing to claim.")
		return nil
	case action.Params == 0:
		return errors.New("no claim targets for this account")
	}
	return errors.New("signer not ready")
}

// confirmApprover shows the transaction and asks before it is signed
func confirmApprover(contract common.Address, variant types.Variant) identity.Approver {
	return func(ctx context.Context, tx *ethtypes.Transaction) (bool, error) {
		approved := false
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Sign %s transaction?", variant.Label())).
					Description(approvalSummary(contract, tx)).
					Affirmative("Sign").
					Negative("Reject").
					Value(&approved),
			),
		).WithTheme(huh.ThemeBase())

		if err := form.RunWithContext(ctx); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return false, nil
			}
			return false, err
		}
		return approved, nil
	}
}

// approvalSummary describes tx for the approval prompt
func approvalSummary(contract common.Address, tx *ethtypes.Transaction) string {
	to := "-"
	if tx.To() != nil {
		to = tx.To().Hex()
		if *tx.To() != contract {
			to += " (not the staking contract!)"
		}
	}
	cost := decimal.NewFromBigInt(maxCost(tx), -18)
	return fmt.Sprintf("To:       %s\nNonce:    %d\nGas:      %d\nMax fee:  %s\nMax cost: %s",
		to, tx.Nonce(), tx.Gas(), FormatGwei(tx.GasFeeCap()), FormatAmount(cost, ""))
}

func printClaim(report claimReport, waited bool) {
	Success(fmt.Sprintf("%s transaction accepted", report.Variant.Label()))
	fmt.Println(StatusBox("Transaction", [][2]string{
		{"Hash", report.Receipt.TxHash},
		{"Nonce", fmt.Sprintf("%d", report.Receipt.Nonce)},
		{"Status", PhaseBadge(report.Outcome)},
	}))

	if !waited {
		fmt.Println(Hint("Acceptance is not final; rerun with --wait to follow it to a block."))
		return
	}
	if len(report.Claimed) == 0 {
		Warning("Mined, but no rewards were claimed.")
		return
	}

	rows := make([][]string, 0, len(report.Claimed))
	total := decimal.Zero
	for _, e := range report.Claimed {
		restaked := "no"
		if e.Restaked {
			restaked = "yes"
		}
		rows = append(rows, []string{e.Validator.Hex(), FormatAmount(e.Amount, ""), restaked})
		total = total.Add(e.Amount)
	}
	fmt.Println(SectionHeader("Claimed"))
	fmt.Println(RenderTable([]string{"VALIDATOR", "AMOUNT", "RESTAKED"}, rows))
	fmt.Println(KeyValue("Total", FormatAmount(total, "")))
}
