package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/config"
	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/stores"
)

// StateStore is the part of the store the planner reads and Commit writes.
type StateStore interface {
	ListResourceStates(ctx context.Context) ([]*stores.ResourceState, error)
	RecordDeployedState(ctx context.Context, state *stores.ResourceState) error
	DeleteResourceState(ctx context.Context, id string) error
}

// PlannedChange is one entry of a plan.
type PlannedChange struct {
	Resource *Resource
	Type     engine.ChangeType
	Action   *engine.Action

	// OldHash is the hash recorded by the last deployment, if any.
	OldHash string
}

// Plan is the diff between a manifest and the recorded state together with
// the execution graph that carries it out.
type Plan struct {
	Goal engine.GoalStatus

	// Resources are the resources driven towards Goal.
	Resources []*Resource

	// Changes holds one entry per resource, deletions included, ordered by ID.
	Changes []PlannedChange

	Actions []*engine.Action
	Series  [][]*engine.Action
	Graph   *engine.ExecutionGraph
}

// HasChanges reports whether any action would run.
func (p *Plan) HasChanges() bool {
	for _, c := range p.Changes {
		if c.Type != engine.ChangeNone {
			return true
		}
	}
	return false
}

// Count returns the number of changes of type t.
func (p *Plan) Count(t engine.ChangeType) int {
	n := 0
	for _, c := range p.Changes {
		if c.Type == t {
			n++
		}
	}
	return n
}

// Planner diffs manifests against the recorded state.
type Planner struct {
	state  StateStore
	runner *Runner
	logger zerolog.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(state StateStore, runner *Runner, logger zerolog.Logger) *Planner {
	return &Planner{state: state, runner: runner, logger: logger}
}

// Plan computes the changes needed to bring the recorded state to goal for
// m and builds the execution graph. With GoalDestroyed every recorded
// resource is deleted; with GoalDeployed the manifest is deployed and
// recorded resources it no longer lists are deleted.
func (p *Planner) Plan(ctx context.Context, m *config.Manifest, goal engine.GoalStatus) (*Plan, error) {
	if goal == "" {
		goal = engine.GoalDeployed
	}
	if err := engine.ValidateGoal(goal); err != nil {
		return nil, engine.NewPermanentError("invalid plan goal", err).WithCode(engine.ErrCodeValidation)
	}

	states, err := p.state.ListResourceStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read recorded state: %w", err)
	}
	recorded := make(map[string]*stores.ResourceState, len(states))
	for _, s := range states {
		recorded[s.ID] = s
	}

	plan := &Plan{Goal: goal}
	known := make(map[string]*Resource)

	if goal == engine.GoalDeployed {
		for _, cfg := range m.Resources {
			res, err := newResource(cfg, p.runner)
			if err != nil {
				return nil, fmt.Errorf("resource %s: %w", cfg.ID, err)
			}
			known[res.ID()] = res
			plan.Resources = append(plan.Resources, res)

			change := PlannedChange{Resource: res, Type: engine.ChangeCreate}
			if prev, ok := recorded[res.ID()]; ok {
				change.OldHash = prev.Hash
				switch {
				case prev.Kind != string(cfg.Kind()):
					change.Type = engine.ChangeReplace
				case prev.Hash != res.Hash():
					change.Type = engine.ChangeModify
				default:
					change.Type = engine.ChangeNone
				}
			}
			plan.Changes = append(plan.Changes, change)
		}
	}

	for _, s := range states {
		if _, ok := known[s.ID]; ok {
			continue
		}
		cfg, err := p.teardownConfig(m, s)
		if err != nil {
			return nil, err
		}
		res, err := newResource(cfg, p.runner)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", cfg.ID, err)
		}
		known[res.ID()] = res
		plan.Changes = append(plan.Changes, PlannedChange{Resource: res, Type: engine.ChangeDelete, OldHash: s.Hash})
	}

	sort.Slice(plan.Changes, func(i, j int) bool {
		return plan.Changes[i].Resource.ID() < plan.Changes[j].Resource.ID()
	})

	// Dependencies on resources that are neither desired nor recorded have
	// nothing to wait for.
	for _, res := range known {
		for _, id := range res.cfg.DependsOn {
			if dep, ok := known[id]; ok {
				res.deps = append(res.deps, dep)
			} else {
				p.logger.Debug().Str("node_id", res.ID()).Str("dependency", id).Msg("ignoring dependency on unknown resource")
			}
		}
	}

	byResource := make(map[string]*engine.Action)
	for i := range plan.Changes {
		c := &plan.Changes[i]
		if c.Type == engine.ChangeNone {
			continue
		}
		c.Action = p.action(recorded, c.Resource, c.Type)
		plan.Actions = append(plan.Actions, c.Action)
		byResource[c.Resource.ID()] = c.Action
	}

	for _, s := range m.Series {
		var series []*engine.Action
		for _, id := range s.Resources {
			if a, ok := byResource[id]; ok {
				series = append(series, a)
			}
		}
		if len(series) >= 2 {
			plan.Series = append(plan.Series, series)
		}
	}

	resources := make([]engine.Resource, len(plan.Resources))
	for i, r := range plan.Resources {
		resources[i] = r
	}
	plan.Graph, err = engine.CreateExecutionPlan(engine.PlanOptions{
		Resources: resources,
		Actions:   plan.Actions,
		Series:    plan.Series,
		Goal:      goal,
	})
	if err != nil {
		return nil, err
	}

	p.logger.Debug().
		Str("goal", string(goal)).
		Int("resources", len(plan.Resources)).
		Int("actions", len(plan.Actions)).
		Msg("plan created")
	return plan, nil
}

// teardownConfig returns the configuration used to delete a recorded
// resource: the manifest entry when there still is one, the recorded
// configuration otherwise.
func (p *Planner) teardownConfig(m *config.Manifest, s *stores.ResourceState) (config.ResourceConfig, error) {
	if cfg, ok := m.Resource(s.ID); ok {
		return *cfg, nil
	}
	var cfg config.ResourceConfig
	if err := json.Unmarshal([]byte(s.Config), &cfg); err != nil {
		return cfg, engine.NewInternalError(fmt.Sprintf("recorded state of %s is corrupt", s.ID), err).
			WithResource(s.ID)
	}
	cfg.ID = s.ID
	return cfg, nil
}

func (p *Planner) action(recorded map[string]*stores.ResourceState, res *Resource, change engine.ChangeType) *engine.Action {
	cfg := res.cfg
	a := &engine.Action{
		Description: fmt.Sprintf("%s %s", change, res.ID()),
		Changes:     []engine.Change{{Resource: res, Type: change, Detail: cfg.Description}},
	}

	switch change {
	case engine.ChangeDelete:
		a.Act = p.runner.Act(res, change, cfg.Destroy)
	case engine.ChangeReplace:
		// The old resource is torn down with the action it was deployed with.
		var teardown engine.ActFunc
		if prev, err := p.teardownConfigFromState(recorded[res.ID()]); err == nil {
			teardown = p.runner.Act(res, engine.ChangeDelete, prev.Destroy)
		} else {
			p.logger.Warn().Err(err).Str("node_id", res.ID()).Msg("replacing without teardown")
		}
		a.Act = sequence(teardown, p.runner.Act(res, change, cfg.Deploy))
	default:
		a.Act = p.runner.Act(res, change, cfg.Deploy)
	}
	return a
}

func (p *Planner) teardownConfigFromState(s *stores.ResourceState) (config.ResourceConfig, error) {
	var cfg config.ResourceConfig
	if s == nil {
		return cfg, fmt.Errorf("no recorded state")
	}
	if err := json.Unmarshal([]byte(s.Config), &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// sequence runs the non-nil fns in order and stops at the first error.
func sequence(fns ...engine.ActFunc) engine.ActFunc {
	var steps []engine.ActFunc
	for _, fn := range fns {
		if fn != nil {
			steps = append(steps, fn)
		}
	}
	if len(steps) == 0 {
		return nil
	}
	return func(ctx context.Context) error {
		for _, step := range steps {
			if err := step(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
