package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	settingsPath string
	manifestPath string
	statePath    string
	jsonOutput   bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deployer",
		Short: "Dependency-ordered deployment of resource manifests",
		Long: `deployer brings a set of resources to a goal, deployed or destroyed,
in dependency order.

A manifest (YAML or CUE) declares resources, what they depend on, how they
are deployed and torn down, and how readiness is checked. Each run diffs the
manifest against the state recorded by earlier runs, gates the resulting
plan with Rego policies and executes it, as concurrently as the
dependencies allow.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&settingsPath, "config", "c", "deployer.settings.yaml", "settings file path (missing file means defaults)")
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "deployer.yaml", "manifest file or CUE directory")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "state database path (overrides settings)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
