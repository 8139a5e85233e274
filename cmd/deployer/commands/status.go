package commands

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/stores"
)

type statusView struct {
	Deployment *stores.Deployment      `json:"deployment"`
	Nodes      []*stores.NodeStatus    `json:"nodes"`
	Events     []*stores.Event         `json:"events,omitempty"`
	Resources  []*stores.ResourceState `json:"resources,omitempty"`
}

func newStatusCommand() *cobra.Command {
	var (
		deployID   int64
		showEvents bool
		eventLimit int
		history    int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded deployments",
		Long: `Show the last deployment, or the one given by --id, with the final
status of every node and the resources currently recorded as deployed.`,
		Example: `  # Show the last deployment
  deployer status

  # Show deployment 12 with its events
  deployer status --id 12 --events

  # List the last ten deployments
  deployer status --history 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if history > 0 {
				deployments, err := a.store.ListDeployments(ctx, history, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, deployments)
				}
				return printDeployments(out, deployments)
			}

			var d *stores.Deployment
			if cmd.Flags().Changed("id") {
				d, err = a.store.GetDeployment(ctx, deployID)
			} else {
				d, err = a.store.LatestDeployment(ctx)
			}
			if errors.Is(err, stores.ErrNotFound) {
				if cmd.Flags().Changed("id") {
					return fmt.Errorf("deployment %d not found", deployID)
				}
				fmt.Fprintln(out, "no deployments recorded")
				return nil
			}
			if err != nil {
				return err
			}

			view := statusView{Deployment: d}
			if view.Nodes, err = a.store.ListNodeStatuses(ctx, d.ID); err != nil {
				return err
			}
			if view.Resources, err = a.store.ListResourceStates(ctx); err != nil {
				return err
			}
			if showEvents {
				if view.Events, err = a.store.GetEvents(ctx, &d.ID, nil, eventLimit, 0); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(out, view)
			}
			return printStatus(out, view)
		},
	}

	cmd.Flags().Int64Var(&deployID, "id", 0, "deployment to show (default: the last one)")
	cmd.Flags().BoolVar(&showEvents, "events", false, "include the deployment's events")
	cmd.Flags().IntVar(&eventLimit, "event-limit", 100, "maximum number of events shown")
	cmd.Flags().IntVar(&history, "history", 0, "list this many recent deployments instead")

	return cmd
}

func printDeployments(w io.Writer, deployments []*stores.Deployment) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tGOAL\tSTATUS\tSTARTED\tDURATION")
	for _, d := range deployments {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", d.ID, d.Goal, d.Status, d.StartedAt.Format(time.RFC3339), elapsed(d))
	}
	return tw.Flush()
}

func printStatus(w io.Writer, v statusView) error {
	d := v.Deployment
	fmt.Fprintf(w, "Deployment %d: %s towards %s, started %s", d.ID, d.Status, d.Goal, d.StartedAt.Format(time.RFC3339))
	if d.CompletedAt != nil {
		fmt.Fprintf(w, ", took %s", elapsed(d))
	}
	fmt.Fprintln(w)
	if d.Error != nil {
		fmt.Fprintf(w, "Error: %s\n", *d.Error)
	}

	if len(v.Nodes) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NODE\tSTATUS\tDESCRIPTION\tERROR")
		for _, n := range v.Nodes {
			msg := ""
			if n.Error != nil {
				msg = *n.Error
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.NodeID, n.Status.Display(), n.Description, msg)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "\n%d resources deployed\n", len(v.Resources))
	for _, r := range v.Resources {
		fmt.Fprintf(w, "  %s (%s, deployment %d)\n", r.ID, r.Kind, r.LastDeployID)
	}

	if len(v.Events) > 0 {
		fmt.Fprintln(w, "\nEvents:")
		for _, e := range v.Events {
			node := ""
			if e.NodeID != nil {
				node = " " + *e.NodeID
			}
			fmt.Fprintf(w, "  %s [%s]%s %s\n", e.Timestamp.Format(time.RFC3339), e.Level, node, e.Message)
		}
	}
	return nil
}

func elapsed(d *stores.Deployment) string {
	if d.CompletedAt == nil {
		return "-"
	}
	return d.CompletedAt.Sub(d.StartedAt).Round(time.Millisecond).String()
}
