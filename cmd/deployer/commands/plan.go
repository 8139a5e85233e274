package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/telemetry"
)

func newPlanCommand() *cobra.Command {
	var (
		dotFile string
		destroy bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what apply would change",
		Long: `Diff the manifest against the recorded state and show the changes an
apply would make, without running anything.

This command:
  - Loads and validates the manifest
  - Classifies every resource as create, modify, replace, delete or unchanged
  - Builds the execution graph and checks it for cycles
  - Evaluates the plan against the policies
  - Optionally writes the graph in Graphviz DOT format`,
		Example: `  # Show the changes of the next apply
  deployer plan

  # Show what destroy would remove
  deployer plan --destroy

  # Render the execution graph
  deployer plan --dot - | dot -Tsvg > plan.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			goal := engine.GoalDeployed
			if destroy {
				goal = engine.GoalDestroyed
			}

			m, err := a.loadManifest()
			if err != nil {
				return err
			}

			op := telemetry.StartOperation(a.telemetry.WithContext(ctx), "plan")
			plan, err := a.planner.Plan(op.Ctx, m, goal)
			op.End(err)
			if err != nil {
				return err
			}

			if dotFile != "" {
				if dotFile == "-" {
					_, err = fmt.Fprint(cmd.OutOrStdout(), plan.Graph.ToDOT())
					return err
				}
				if err := os.WriteFile(dotFile, []byte(plan.Graph.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write graph: %w", err)
				}
				a.logger.Info().Str("file", dotFile).Msg("execution graph written")
			}

			// Evaluated as the apply it previews.
			result, gateErr := a.gate(ctx, m, plan, false)
			if result == nil {
				return gateErr
			}
			if err := printPlan(cmd.OutOrStdout(), plan, result); err != nil {
				return err
			}
			return gateErr
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", `write the execution graph in DOT format to this file ("-" for stdout)`)
	cmd.Flags().BoolVar(&destroy, "destroy", false, "plan the teardown of every recorded resource")

	return cmd
}
