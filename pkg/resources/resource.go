package resources

import (
	"context"

	"github.com/openfroyo/deployer/pkg/config"
	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/relation"
)

// Resource is a manifest entry as the engine sees it. Resources are
// compared by pointer, so every ID has exactly one Resource per plan.
type Resource struct {
	cfg    config.ResourceConfig
	hash   string
	deps   []relation.Dependency
	runner *Runner
}

var _ engine.Resource = (*Resource)(nil)

func newResource(cfg config.ResourceConfig, runner *Runner) (*Resource, error) {
	hash, err := cfg.Hash()
	if err != nil {
		return nil, err
	}
	return &Resource{cfg: cfg, hash: hash, runner: runner}, nil
}

// ID implements engine.Resource.
func (r *Resource) ID() string { return r.cfg.ID }

// String implements relation.Dependency.
func (r *Resource) String() string { return r.cfg.ID }

// IsPrimitive implements engine.Resource.
func (r *Resource) IsPrimitive() bool { return !r.cfg.Composite }

// Config returns the manifest entry of the resource.
func (r *Resource) Config() config.ResourceConfig { return r.cfg }

// Hash returns the digest of the deployed configuration.
func (r *Resource) Hash() string { return r.hash }

// DependsOn implements engine.Resource. The manifest's depends_on list
// becomes an all-of or any-of relation, reversed for teardown.
func (r *Resource) DependsOn(goal engine.GoalStatus, h engine.Helpers) *engine.WaitInfo {
	if len(r.deps) == 0 {
		return nil
	}

	rel := h.AllOf(r.deps...)
	if r.cfg.Wait == config.WaitAny {
		rel = h.AnyOf(r.deps...)
	}

	verb := "deploy"
	if goal == engine.GoalDestroyed {
		verb = "destroy"
	}
	return &engine.WaitInfo{
		Description: verb + " " + r.cfg.ID,
		DependsOn:   rel,
	}
}

// DeployedWhen implements engine.Resource. Without a readiness check a
// resource is done as soon as its action is. Teardown is never polled.
func (r *Resource) DeployedWhen(ctx context.Context, goal engine.GoalStatus) (engine.WaitStatus, error) {
	if goal == engine.GoalDestroyed || r.cfg.Readiness == nil {
		return engine.Ready(), nil
	}
	return r.runner.Check(ctx, r, r.cfg.Readiness)
}
