package engine

import (
	"fmt"
)

// HardDependency states that From may not move towards its goal before To
// reached its own.
type HardDependency struct {
	From Resource
	To   Resource
}

// PlanOptions is the input of CreateExecutionPlan.
type PlanOptions struct {
	// Resources is the desired resource set.
	Resources []Resource

	// Actions are the side effects found by the diff step.
	Actions []*Action

	// Series lists groups of actions that must run one after the other,
	// in the given order. Actions not listed run in parallel.
	Series [][]*Action

	// HardDependencies are structural dependencies between resources.
	HardDependencies []HardDependency

	// Goal is the goal of the resources in Resources. Resources that only
	// appear in delete changes are always destroyed.
	Goal GoalStatus
}

// CreateExecutionPlan builds and checks the execution graph for one run.
// The returned graph is acyclic and ready for Execute.
func CreateExecutionPlan(opts PlanOptions) (*ExecutionGraph, error) {
	goal := opts.Goal
	if goal == "" {
		goal = GoalDeployed
	}
	if err := ValidateGoal(goal); err != nil {
		return nil, NewPermanentError("invalid plan goal", err).WithCode(ErrCodeValidation)
	}

	g := NewExecutionGraph()

	for _, r := range opts.Resources {
		if _, err := g.AddResourceNode(r, goal); err != nil {
			return nil, fmt.Errorf("failed to add resource: %w", err)
		}
	}

	actionNodes := make(map[*Action]*Node, len(opts.Actions))
	for _, a := range opts.Actions {
		n, err := g.AddAction(a)
		if err != nil {
			return nil, fmt.Errorf("failed to add action %q: %w", a.Description, err)
		}
		actionNodes[a] = n
	}

	for i, series := range opts.Series {
		var prev *Node
		for _, a := range series {
			n, ok := actionNodes[a]
			if !ok {
				return nil, NewPermanentError(
					fmt.Sprintf("series %d references an action that is not part of the plan: %q", i, a.Description),
					nil,
				).WithCode(ErrCodeInvalidReference)
			}
			if prev != nil {
				if err := g.AddOrderingDependency(n, prev); err != nil {
					return nil, err
				}
			}
			prev = n
		}
	}

	for _, dep := range opts.HardDependencies {
		from, ok := g.Node(dep.From.ID())
		if !ok {
			return nil, unknownResource(dep.From)
		}
		to, ok := g.Node(dep.To.ID())
		if !ok {
			return nil, unknownResource(dep.To)
		}
		if err := g.AddHardDependency(from, to); err != nil {
			return nil, err
		}
	}

	for _, n := range g.AllNodes() {
		if n.Resource == nil {
			continue
		}
		if err := g.AddResourceDependencies(n.Resource); err != nil {
			return nil, fmt.Errorf("failed to add dependencies of %s: %w", n.ID, err)
		}
	}

	g.ResolveGoalDirectionEdges()

	if err := g.Check(); err != nil {
		return nil, err
	}
	return g, nil
}

func unknownResource(r Resource) error {
	return NewPermanentError(fmt.Sprintf("hard dependency references unknown resource %s", r.ID()), nil).
		WithCode(ErrCodeInvalidReference).WithResource(r.ID())
}
