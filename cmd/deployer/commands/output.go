package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/policy"
	"github.com/openfroyo/deployer/pkg/resources"
)

var changeSymbols = map[engine.ChangeType]string{
	engine.ChangeCreate:  "+",
	engine.ChangeModify:  "~",
	engine.ChangeReplace: "-/+",
	engine.ChangeDelete:  "-",
	engine.ChangeNone:    " ",
}

type planView struct {
	Goal       engine.GoalStatus  `json:"goal"`
	Changes    []changeView       `json:"changes"`
	Graph      engine.GraphStats  `json:"graph"`
	Violations []policy.Violation `json:"violations,omitempty"`
	Allowed    bool               `json:"allowed"`
}

type changeView struct {
	Resource string            `json:"resource"`
	Type     engine.ChangeType `json:"type"`
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printPlan(w io.Writer, plan *resources.Plan, result *policy.Result) error {
	view := planView{Goal: plan.Goal, Graph: plan.Graph.Stats(), Allowed: result == nil || result.Allowed}
	for _, c := range plan.Changes {
		view.Changes = append(view.Changes, changeView{Resource: c.Resource.ID(), Type: c.Type})
	}
	if result != nil {
		view.Violations = result.Violations
	}
	if jsonOutput {
		return printJSON(w, view)
	}

	fmt.Fprintf(w, "Plan to reach %s:\n\n", plan.Goal)
	for _, c := range view.Changes {
		if c.Type == engine.ChangeNone {
			continue
		}
		fmt.Fprintf(w, "  %-3s %s (%s)\n", changeSymbols[c.Type], c.Resource, c.Type)
	}
	if !plan.HasChanges() {
		fmt.Fprintln(w, "  no changes")
	}

	g := view.Graph
	fmt.Fprintf(w, "\n%d to create, %d to modify, %d to replace, %d to delete, %d unchanged.\n",
		plan.Count(engine.ChangeCreate), plan.Count(engine.ChangeModify), plan.Count(engine.ChangeReplace),
		plan.Count(engine.ChangeDelete), plan.Count(engine.ChangeNone))
	fmt.Fprintf(w, "Graph: %d nodes (%d resources, %d actions), %d soft, %d hard and %d group edges.\n",
		g.Nodes, g.Resources, g.Waits, g.SoftEdges, g.HardEdges, g.GroupEdges)

	if result != nil && len(result.Violations) > 0 {
		fmt.Fprintf(w, "\nPolicy violations (%s mode):\n", result.Mode)
		for _, v := range result.Violations {
			target := v.Resource
			if target == "" {
				target = "plan"
			}
			fmt.Fprintf(w, "  [%s] %s: %s (%s)\n", v.Severity, v.Policy, v.Message, target)
		}
	}
	return nil
}

func printResult(w io.Writer, result *engine.ExecuteResult) error {
	if jsonOutput {
		return printJSON(w, result)
	}

	ids := make([]string, 0, len(result.Nodes))
	for id := range result.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTATUS\tDESCRIPTION\tERROR")
	for _, id := range ids {
		n := result.Nodes[id]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, n.Status.Display(), n.Description, n.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	mode := ""
	if result.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "\nDeployment %d %s%s in %s after %d passes.\n",
		result.SequenceID, result.Status, mode, result.Duration.Round(1e6), result.Passes)
	if result.TimedOut {
		fmt.Fprintln(w, "The deployment timed out.")
	}
	return nil
}
