package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/config"
	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/resources"
	"github.com/openfroyo/deployer/pkg/stores"
	"github.com/openfroyo/deployer/pkg/telemetry"
)

// deployFlags override the run settings when set on the command line.
type deployFlags struct {
	concurrency  int
	pollInterval time.Duration
	timeout      time.Duration
	dryRun       bool
	metricsAddr  string
}

func (f *deployFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "max concurrently evaluated nodes (0 is unbounded)")
	cmd.Flags().DurationVar(&f.pollInterval, "poll-interval", 0, "pause between passes that made no progress")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "deadline of the whole deployment (0 is none)")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "walk the graph without running actions or recording state")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
}

func (f *deployFlags) options(cmd *cobra.Command) appOptions {
	return func(s *config.Settings) {
		flags := cmd.Flags()
		if flags.Changed("concurrency") {
			s.Concurrency = f.concurrency
		}
		if flags.Changed("poll-interval") {
			s.PollInterval = config.Duration(f.pollInterval)
		}
		if flags.Changed("timeout") {
			s.Timeout = config.Duration(f.timeout)
		}
		if flags.Changed("dry-run") {
			s.DryRun = f.dryRun
		}
		if flags.Changed("metrics-addr") {
			s.Telemetry.Metrics.ListenAddress = f.metricsAddr
		}
	}
}

func newApplyCommand() *cobra.Command {
	var flags deployFlags

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Deploy the manifest",
		Long: `Bring every resource of the manifest to deployed and tear down recorded
resources the manifest no longer declares.

This command:
  - Plans the changes against the recorded state
  - Rejects the plan if an enforcing policy blocks it
  - Executes the graph, as concurrently as dependencies and --concurrency allow
  - Polls readiness checks until every resource is deployed, a resource
    fails or the deployment times out
  - Records the deployed configuration of every successful resource`,
		Example: `  # Deploy
  deployer apply

  # Walk the graph without running anything
  deployer apply --dry-run

  # At most four resources at once, giving up after ten minutes
  deployer apply --concurrency 4 --timeout 10m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd, engine.GoalDeployed, flags.options(cmd))
		},
	}
	flags.register(cmd)

	return cmd
}

func newDestroyCommand() *cobra.Command {
	var flags deployFlags

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Tear down every recorded resource",
		Long: `Bring every recorded resource to destroyed, dependents before their
dependencies. Resources are torn down with the configuration in the
manifest, or the recorded one if the manifest no longer declares them.`,
		Example: `  # Tear everything down
  deployer destroy

  # Show the teardown order without running it
  deployer destroy --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd, engine.GoalDestroyed, flags.options(cmd))
		},
	}
	flags.register(cmd)

	return cmd
}

func runDeploy(cmd *cobra.Command, goal engine.GoalStatus, opts ...appOptions) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.loadManifest()
	if err != nil {
		return err
	}
	result, err := a.deploy(ctx, m, goal, a.settings.DryRun)
	if result != nil {
		if perr := printResult(cmd.OutOrStdout(), result); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

// deploy plans m towards goal, gates the plan, executes it and records the
// outcome. A result is returned whenever the graph ran.
func (a *app) deploy(ctx context.Context, m *config.Manifest, goal engine.GoalStatus, dryRun bool) (*engine.ExecuteResult, error) {
	ctx = a.telemetry.WithContext(ctx)

	op := telemetry.StartOperation(ctx, "plan")
	plan, err := a.planner.Plan(op.Ctx, m, goal)
	op.End(err)
	if err != nil {
		return nil, err
	}

	var seq int64
	if !dryRun {
		seq, err = a.store.NextSequence(ctx, &stores.Deployment{
			Goal:         goal,
			DryRun:       dryRun,
			ManifestPath: manifestPath,
		})
		if err != nil {
			return nil, err
		}
	}
	log := a.logger.With().Int64("deploy_id", seq).Str("goal", string(goal)).Logger()

	if _, err := a.gate(ctx, m, plan, dryRun); err != nil {
		if seq > 0 {
			if ferr := a.store.FailDeployment(context.WithoutCancel(ctx), seq, err.Error()); ferr != nil {
				log.Warn().Err(ferr).Msg("failed to record rejected deployment")
			}
		}
		return nil, err
	}

	if srv := a.telemetry.StartMetricsServer(); srv != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info().
		Int("create", plan.Count(engine.ChangeCreate)).
		Int("modify", plan.Count(engine.ChangeModify)).
		Int("replace", plan.Count(engine.ChangeReplace)).
		Int("delete", plan.Count(engine.ChangeDelete)).
		Bool("dry_run", dryRun).
		Msg("deployment starting")

	deployCtx := telemetry.WithDeployContext(ctx, seq, string(goal), dryRun)
	result, err := engine.Execute(deployCtx, plan.Graph, engine.ExecuteOptions{
		ConcurrencyLimit: a.settings.Concurrency,
		PollInterval:     a.settings.PollInterval.Std(),
		Timeout:          a.settings.Timeout.Std(),
		DryRun:           dryRun,
		Goal:             goal,
		SequenceID:       seq,
		Logger:           log,
		Sink:             a.store,
		Observer:         telemetry.NewDeployObserver(a.telemetry, dryRun),
	})
	status := ""
	if result != nil {
		status = string(result.Status)
	}
	telemetry.EndDeployContext(deployCtx, status, err)
	if result == nil {
		if seq > 0 {
			if ferr := a.store.FailDeployment(context.WithoutCancel(ctx), seq, err.Error()); ferr != nil {
				log.Warn().Err(ferr).Msg("failed to record aborted deployment")
			}
		}
		return nil, err
	}

	if cerr := resources.Commit(context.WithoutCancel(ctx), a.store, plan, result); cerr != nil {
		err = errors.Join(err, fmt.Errorf("failed to record resource state: %w", cerr))
	}
	if err != nil {
		return result, err
	}

	switch {
	case result.TimedOut:
		return result, fmt.Errorf("deployment %d timed out after %s", seq, result.Duration.Round(time.Millisecond))
	case result.Status == engine.StatusFailed:
		return result, fmt.Errorf("deployment %d failed: %d of %d nodes failed",
			seq, result.Counts[engine.StatusFailed], len(result.Nodes))
	}
	return result, nil
}
