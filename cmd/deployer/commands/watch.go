package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/config"
	"github.com/openfroyo/deployer/pkg/engine"
)

func newWatchCommand() *cobra.Command {
	var (
		flags    deployFlags
		apply    bool
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-plan the manifest whenever it changes",
		Long: `Watch the manifest and run a deployment every time its content changes.

By default every change is deployed as a dry run, which shows the order the
changes would be made in. With --apply the changes are deployed for real.
Changes arriving while a deployment runs are coalesced: only the newest
manifest is deployed next.`,
		Example: `  # Preview each edit of deployer.yaml
  deployer watch

  # Continuously deploy a CUE package
  deployer watch -m ./manifests --apply`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags.options(cmd))
			if err != nil {
				return err
			}
			defer a.Close()

			dryRun := a.settings.DryRun || !apply
			out := cmd.OutOrStdout()

			changes := make(chan *config.Manifest, 1)
			w := config.NewManifestWatcher(manifestPath, a.loader, func(c config.ManifestChange) {
				// Keep only the newest manifest while a deployment runs.
				select {
				case <-changes:
				default:
				}
				changes <- c.Manifest
			},
				config.WithWatchDebounce(debounce),
				config.WithWatchLogger(a.logger.With().Str("component", "watcher").Logger()),
			)

			m, err := w.Start()
			if err != nil {
				return err
			}
			defer func() { _ = w.Stop() }()

			a.logger.Info().Str("manifest", manifestPath).Bool("dry_run", dryRun).Msg("watching manifest")
			a.watchDeploy(ctx, out, m, dryRun)

			for {
				select {
				case <-ctx.Done():
					return nil
				case m := <-changes:
					a.watchDeploy(ctx, out, m, dryRun)
				}
			}
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&apply, "apply", false, "deploy changes instead of dry-running them")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period before a change is picked up")

	return cmd
}

// watchDeploy runs one deployment of m. Failures are reported and the
// watch goes on.
func (a *app) watchDeploy(ctx context.Context, out io.Writer, m *config.Manifest, dryRun bool) {
	result, err := a.deploy(ctx, m, engine.GoalDeployed, dryRun)
	if result != nil {
		if perr := printResult(out, result); perr != nil {
			a.logger.Warn().Err(perr).Msg("failed to print result")
		}
	}
	if err != nil && ctx.Err() == nil {
		a.logger.Error().Err(err).Msg("deployment failed")
		fmt.Fprintf(out, "deployment failed: %v\n", err)
	}
}
