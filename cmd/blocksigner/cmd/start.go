package cmd

import (
	"context"
	"fmt"
	"os"

	retry "github.com/avast/retry-go/v4"
	cometlog "github.com/cometbft/cometbft/libs/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/onenameio/blockstore/chainview"
	"github.com/onenameio/blockstore/channel"
	"github.com/onenameio/blockstore/client"
	"github.com/onenameio/blockstore/evaluator"
	"github.com/onenameio/blockstore/metrics"
	"github.com/onenameio/blockstore/node"
	"github.com/onenameio/blockstore/rewardcycle"
)

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the committee block signer process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			logger := cometlog.NewTMLogger(cometlog.NewSyncWriter(out)).With("module", "signer")

			if err := config.Config.ValidateSignerConfig(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if err := node.RequireNotRunning(logger, config.PidFile); err != nil {
				return err
			}
			if err := os.MkdirAll(config.StateDir, 0700); err != nil {
				return err
			}

			key, err := node.LoadFileKey(config.KeyFilePath())
			if err != nil {
				return fmt.Errorf("failed to load member key: %w", err)
			}
			logger.Info("loaded member key", "pub_key", key.PubKey.String())

			cfg := config.Config
			anchor, err := client.NewAnchorHTTPClient(cfg.AnchorAddr, cfg.RewardCycleLength)
			if err != nil {
				return err
			}
			oracle, err := client.NewOracleHTTPClient(cfg.OracleAddr, 0)
			if err != nil {
				return err
			}

			var observer metrics.Observer = metrics.NopObserver{}
			if cfg.DebugAddr != "" {
				observer = metrics.NewPrometheusObserver()
			}

			evalCfg := cfg.ProposalEvalConfig()
			var view *chainview.SortitionsView
			err = retry.Do(
				func() error {
					var fetchErr error
					view, fetchErr = chainview.FetchView(logger, evalCfg, anchor)
					return fetchErr
				},
				retry.DelayType(retry.BackOffDelay),
			)
			if err != nil {
				return fmt.Errorf("failed to fetch sortition view: %w", err)
			}

			cycles, err := rewardcycle.NewManager(logger, anchor, observer,
				cfg.RewardCycleLength, cfg.PrepareOffset)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := cycles.ObserveBurnHeight(ctx, view.CurrentFacts().BurnHeight); err != nil {
				return fmt.Errorf("failed to bootstrap reward cycle: %w", err)
			}
			committee, ok := cycles.ActiveCommittee()
			if !ok {
				return fmt.Errorf("no active committee after bootstrap")
			}
			ch := channel.New(logger, committee)

			decisions, err := evaluator.LoadOrCreateDecisionStore(config.DecisionFilePath())
			if err != nil {
				return fmt.Errorf("failed to load decision store: %w", err)
			}

			eval := evaluator.New(logger, view, oracle, nil, decisions, key.PrivKey, observer)

			runner := node.NewRunner(
				logger,
				node.RunnerConfig{
					EvalConfig:         evalCfg,
					AnchorPollInterval: cfg.ResolvedAnchorPollInterval(),
					SlotPollInterval:   cfg.ResolvedSlotPollInterval(),
				},
				view, cycles, ch, eval, key, observer,
			)

			group, gctx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return runner.Run(gctx)
			})
			if cfg.DebugAddr != "" {
				group.Go(func() error {
					logger.Info("debug server listening", "addr", cfg.DebugAddr)
					return metrics.ServeMetrics(gctx, cfg.DebugAddr)
				})
			}
			group.Go(func() error {
				return node.WaitAndTerminate(logger, cancel, config.PidFile)
			})

			err = group.Wait()
			decisions.WaitForPendingWrites()
			return err
		},
	}
}
