package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/spf13/cobra"

	"github.com/moltbunker/rewardclaim/internal/api"
	"github.com/moltbunker/rewardclaim/internal/claim"
	"github.com/moltbunker/rewardclaim/internal/config"
	"github.com/moltbunker/rewardclaim/internal/identity"
	"github.com/moltbunker/rewardclaim/internal/logging"
	"github.com/moltbunker/rewardclaim/internal/metrics"
	"github.com/moltbunker/rewardclaim/internal/txn"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

type claimController = claim.Controller[*ethtypes.Transaction]

// sessionFlow serves one claim flow at a time. A successful broadcast
// closes the current flow; the next Execute opens a fresh one.
type sessionFlow struct {
	mu      sync.Mutex
	current *claimController
	retired []*claimController
	open    func() (*claimController, error)
}

// reopenLocked replaces a missing or closed controller. Retired flows are
// kept only until their last goroutine returns.
func (s *sessionFlow) reopenLocked() error {
	if s.open == nil {
		return errors.New("claim flow shut down")
	}
	next, err := s.open()
	if err != nil {
		return err
	}
	if s.current != nil {
		s.retired = append(s.retired, s.current)
	}
	s.retired = slices.DeleteFunc(s.retired, (*claimController).Settled)
	s.current = next
	return nil
}

// Start opens the first flow
func (s *sessionFlow) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reopenLocked()
}

func (s *sessionFlow) controller() *claimController {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// State implements api.ClaimFlow
func (s *sessionFlow) State() claim.View {
	return s.controller().State()
}

// Execute implements api.ClaimFlow
func (s *sessionFlow) Execute(ctx context.Context, v types.Variant) bool {
	s.mu.Lock()
	if s.current.Closed() && s.open != nil {
		if err := s.reopenLocked(); err != nil {
			s.mu.Unlock()
			logging.Error("failed to reopen claim flow", logging.Err(err), logging.Component("cli"))
			return false
		}
		logging.Info("claim flow reopened", logging.Component("cli"))
	}
	ctrl := s.current
	s.mu.Unlock()
	return ctrl.Execute(ctx, v)
}

// Refresh pushes a new reward snapshot into the current flow
func (s *sessionFlow) Refresh() {
	s.controller().Refresh()
}

// Close tears down every flow and waits for in-flight attempts
func (s *sessionFlow) Close(ctx context.Context) error {
	s.mu.Lock()
	s.open = nil
	all := append([]*claimController(nil), s.retired...)
	if s.current != nil {
		all = append(all, s.current)
	}
	s.mu.Unlock()

	for _, ctrl := range all {
		ctrl.Close()
	}
	var errs []error
	for _, ctrl := range all {
		if err := ctrl.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the claim API server",
		Long: `Poll rewards in the background and serve the claim flow over HTTP and
WebSocket. Transactions are signed without confirmation, so the wallet
passphrase must be available from the environment, a password file or
the keyring. Feature flags in the config file are reloaded on change.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := setupLogging(cfg, false); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	wallet, err := openWallet(cfg)
	if err != nil {
		return err
	}
	if err := unlockWallet(wallet, cfg, false); err != nil {
		// Serve read-only: the API reports the signer as not ready
		logging.Warn("wallet locked, claims are disabled",
			logging.Address(wallet.Address().Hex()),
			logging.Err(err),
			logging.Component("cli"))
	}
	defer wallet.Lock()

	conn, err := connectChain(ctx, cfg, wallet.Address())
	if err != nil {
		return err
	}
	defer conn.Close()

	collector := metrics.NewPrometheusCollector(metrics.NewCollector())

	poller := newPoller(cfg, conn, wallet, collector)
	poller.Start(ctx)
	defer poller.Stop()

	flow := &sessionFlow{}
	features := config.NewFeatureWatcher(configPath(), cfg.Features, func(types.Features) {
		flow.Refresh()
	})

	srv := api.NewServer(api.ServerConfigFrom(cfg.API), flow, poller, collector)
	signer := identity.NewWalletSigner(wallet, conn.client.ChainID(), identity.AutoApprove)
	flow.open = func() (*claimController, error) {
		return newClaimFlow(conn, poller, wallet, signer, flowHooks{
			Features: features,
			Notifier: txn.MultiNotifier{txn.LogNotifier{}, srv.Notifier()},
			Recorder: collector,
			Observer: srv.Observe,
		})
	}
	if err := flow.Start(); err != nil {
		return err
	}

	if err := features.Start(ctx); err != nil {
		logging.Warn("feature flags will not reload",
			logging.Err(err),
			logging.Component("cli"))
	}
	defer features.Close()

	if err := srv.Start(ctx); err != nil {
		_ = flow.Close(context.Background())
		return fmt.Errorf("failed to start API server: %w", err)
	}
	logging.Info("rewardclaim serving",
		"addr", srv.Addr(),
		logging.Address(wallet.Address().Hex()),
		"mock_mode", cfg.Chain.MockMode,
		logging.Component("cli"))

	<-ctx.Done()
	logging.Info("shutting down", logging.Component("cli"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return errors.Join(
		srv.Stop(shutdownCtx),
		flow.Close(shutdownCtx),
	)
}
