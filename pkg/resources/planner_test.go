package resources

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/deployer/pkg/config"
	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/stores"
)

func newTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// appendID returns an exec action appending the resource ID to log.
func appendID(log string) *config.ActionConfig {
	return &config.ActionConfig{
		Kind:    config.ActionKindExec,
		Command: []string{"sh", "-c", `echo "$DEPLOYER_CHANGE $DEPLOYER_RESOURCE_ID" >> "$LOG"`},
		Env:     map[string]string{"LOG": log},
	}
}

func readLog(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func changeTypes(p *Plan) map[string]engine.ChangeType {
	out := make(map[string]engine.ChangeType, len(p.Changes))
	for _, c := range p.Changes {
		out[c.Resource.ID()] = c.Type
	}
	return out
}

// deploy plans m towards goal, executes it against store and commits.
func deploy(t *testing.T, store *stores.SQLiteStore, m *config.Manifest, goal engine.GoalStatus) (*Plan, *engine.ExecuteResult) {
	t.Helper()
	ctx := context.Background()

	planner := NewPlanner(store, NewRunner(), zerolog.Nop())
	plan, err := planner.Plan(ctx, m, goal)
	require.NoError(t, err)

	seq, err := store.NextSequence(ctx, &stores.Deployment{Goal: goal})
	require.NoError(t, err)

	result, err := engine.Execute(ctx, plan.Graph, engine.ExecuteOptions{
		PollInterval: 5 * time.Millisecond,
		Timeout:      30 * time.Second,
		Goal:         goal,
		SequenceID:   seq,
		Sink:         store,
	})
	require.NoError(t, err)
	require.NoError(t, Commit(ctx, store, plan, result))
	return plan, result
}

func shopManifest(log string) *config.Manifest {
	return &config.Manifest{
		Name: "shop",
		Resources: []config.ResourceConfig{
			{ID: "db", Config: map[string]interface{}{"size": "small"}, Deploy: appendID(log), Destroy: appendID(log)},
			{ID: "web", DependsOn: []string{"db"}, Deploy: appendID(log), Destroy: appendID(log)},
		},
	}
}

func TestPlanFreshManifestCreatesEverything(t *testing.T) {
	store := newTestStore(t)
	log := filepath.Join(t.TempDir(), "actions.log")

	plan, result := deploy(t, store, shopManifest(log), engine.GoalDeployed)

	assert.Equal(t, map[string]engine.ChangeType{"db": engine.ChangeCreate, "web": engine.ChangeCreate}, changeTypes(plan))
	assert.Len(t, plan.Actions, 2)
	assert.True(t, plan.HasChanges())
	assert.Equal(t, engine.StatusDeployed, result.Status)
	assert.Equal(t, []string{"create db", "create web"}, readLog(t, log))

	states, err := store.ListResourceStates(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "db", states[0].ID)
	assert.Equal(t, "exec", states[0].Kind)
	assert.Equal(t, result.SequenceID, states[0].LastDeployID)
	assert.Contains(t, states[0].Config, `"size":"small"`)
}

func TestPlanUnchangedManifestHasNoActions(t *testing.T) {
	store := newTestStore(t)
	log := filepath.Join(t.TempDir(), "actions.log")
	m := shopManifest(log)
	deploy(t, store, m, engine.GoalDeployed)
	require.NoError(t, os.Remove(log))

	plan, result := deploy(t, store, m, engine.GoalDeployed)

	assert.False(t, plan.HasChanges())
	assert.Empty(t, plan.Actions)
	assert.Equal(t, engine.StatusDeployed, result.Status)
	assert.Nil(t, readLog(t, log))
}

func TestPlanModifyReplaceAndDelete(t *testing.T) {
	store := newTestStore(t)
	log := filepath.Join(t.TempDir(), "actions.log")
	m := shopManifest(log)
	m.Resources = append(m.Resources, config.ResourceConfig{ID: "cache", Deploy: appendID(log), Destroy: appendID(log)})
	deploy(t, store, m, engine.GoalDeployed)
	require.NoError(t, os.Remove(log))

	next := shopManifest(log)
	next.Resources[0].Config["size"] = "large"
	next.Resources[1].Deploy = &config.ActionConfig{Kind: config.ActionKindNoop}

	plan, result := deploy(t, store, next, engine.GoalDeployed)

	assert.Equal(t, map[string]engine.ChangeType{
		"cache": engine.ChangeDelete,
		"db":    engine.ChangeModify,
		"web":   engine.ChangeReplace,
	}, changeTypes(plan))
	assert.Equal(t, 1, plan.Count(engine.ChangeDelete))
	assert.Equal(t, engine.StatusDeployed, result.Status)
	assert.Equal(t, engine.StatusDestroyed, result.Nodes["cache"].Status)

	// web is torn down with its recorded destroy action before the noop deploy.
	assert.ElementsMatch(t, []string{"delete cache", "modify db", "delete web"}, readLog(t, log))

	_, err := store.GetResourceState(context.Background(), "cache")
	assert.ErrorIs(t, err, stores.ErrNotFound)

	web, err := store.GetResourceState(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, "noop", web.Kind)
}

func TestPlanDestroyTearsDownInReverseOrder(t *testing.T) {
	store := newTestStore(t)
	log := filepath.Join(t.TempDir(), "actions.log")
	m := shopManifest(log)
	deploy(t, store, m, engine.GoalDeployed)
	require.NoError(t, os.Remove(log))

	plan, result := deploy(t, store, m, engine.GoalDestroyed)

	assert.Empty(t, plan.Resources)
	assert.Equal(t, 2, plan.Count(engine.ChangeDelete))
	assert.Equal(t, engine.StatusDestroyed, result.Status)
	assert.Equal(t, []string{"delete web", "delete db"}, readLog(t, log))

	states, err := store.ListResourceStates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestPlanDeleteUsesRecordedConfig(t *testing.T) {
	store := newTestStore(t)
	log := filepath.Join(t.TempDir(), "actions.log")
	deploy(t, store, shopManifest(log), engine.GoalDeployed)
	require.NoError(t, os.Remove(log))

	// The manifest no longer knows either resource.
	_, result := deploy(t, store, &config.Manifest{Name: "shop"}, engine.GoalDeployed)

	assert.Equal(t, engine.StatusDestroyed, result.Nodes["db"].Status)
	assert.Equal(t, []string{"delete web", "delete db"}, readLog(t, log))
}

func TestPlanSeriesOrdersActions(t *testing.T) {
	store := newTestStore(t)
	log := filepath.Join(t.TempDir(), "actions.log")
	m := &config.Manifest{
		Name: "migrations",
		Resources: []config.ResourceConfig{
			{ID: "m1", Deploy: appendID(log)},
			{ID: "m2", Deploy: appendID(log)},
			{ID: "m3", Deploy: appendID(log)},
			{ID: "docs"},
		},
		Series: []config.SeriesConfig{
			{Name: "schema", Resources: []string{"m3", "m1", "m2"}},
			{Name: "one", Resources: []string{"docs", "m1"}},
		},
	}

	plan, result := deploy(t, store, m, engine.GoalDeployed)

	// docs is created by an action with nothing to run.
	require.Len(t, plan.Series, 2)
	assert.Len(t, plan.Series[0], 3)
	assert.Equal(t, engine.StatusDeployed, result.Status)
	assert.Equal(t, []string{"create m3", "create m1", "create m2"}, readLog(t, log))
}

func TestPlanWaitAnyAndUnknownDependencies(t *testing.T) {
	store := newTestStore(t)
	m := &config.Manifest{
		Name: "shop",
		Resources: []config.ResourceConfig{
			{ID: "primary"},
			{ID: "replica", Deploy: &config.ActionConfig{Kind: config.ActionKindFail}},
			{ID: "web", DependsOn: []string{"primary", "replica", "external"}, Wait: config.WaitAny},
		},
	}

	_, result := deploy(t, store, m, engine.GoalDeployed)

	assert.Equal(t, engine.StatusFailed, result.Nodes["replica"].Status)
	assert.Equal(t, engine.StatusDeployed, result.Nodes["primary"].Status)
	assert.Equal(t, engine.StatusFailed, result.Status)

	// web may go ahead on primary alone, unless replica failed first.
	web := result.Nodes["web"]
	switch web.Status {
	case engine.StatusDeployed:
	case engine.StatusFailed:
		assert.Equal(t, engine.MsgDependencyFailed, web.Error)
	default:
		t.Errorf("web ended in %s", web.Status)
	}

	// Failed resources are not recorded, so they are created again next time.
	_, err := store.GetResourceState(context.Background(), "replica")
	assert.ErrorIs(t, err, stores.ErrNotFound)
	_, err = store.GetResourceState(context.Background(), "primary")
	assert.NoError(t, err)
}

func TestPlanWaitAnyDeploysOnFirstReadyDependency(t *testing.T) {
	store := newTestStore(t)
	log := filepath.Join(t.TempDir(), "actions.log")
	m := &config.Manifest{
		Name: "shop",
		Resources: []config.ResourceConfig{
			{ID: "primary", Deploy: appendID(log)},
			{
				ID:     "replica",
				Deploy: appendID(log),
				Readiness: &config.ReadinessConfig{
					Kind:   config.ActionKindStarlark,
					Script: "ready = False\nmessage = \"replica is catching up\"",
				},
			},
			{ID: "web", DependsOn: []string{"primary", "replica"}, Wait: config.WaitAny, Deploy: appendID(log)},
		},
	}

	ctx := context.Background()
	plan, err := NewPlanner(store, NewRunner(), zerolog.Nop()).Plan(ctx, m, engine.GoalDeployed)
	require.NoError(t, err)

	result, err := engine.Execute(ctx, plan.Graph, engine.ExecuteOptions{
		PollInterval: 5 * time.Millisecond,
		Timeout:      2 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, engine.StatusDeployed, result.Nodes["web"].Status, result.Nodes["web"].Error)
	assert.Equal(t, engine.StatusFailed, result.Nodes["replica"].Status)
	assert.True(t, result.TimedOut)
	assert.Contains(t, readLog(t, log), "create web")
}

func TestPlanReadinessIsPolled(t *testing.T) {
	store := newTestStore(t)
	marker := filepath.Join(t.TempDir(), "ready")
	m := &config.Manifest{
		Name: "svc",
		Resources: []config.ResourceConfig{{
			ID: "svc",
			Deploy: &config.ActionConfig{
				Kind:    config.ActionKindExec,
				Command: []string{"sh", "-c", "(sleep 0.05; touch " + marker + ") >/dev/null 2>&1 &"},
			},
			Readiness: &config.ReadinessConfig{
				Kind:    config.ActionKindExec,
				Command: []string{"test", "-f", marker},
			},
		}},
	}

	_, result := deploy(t, store, m, engine.GoalDeployed)

	assert.Equal(t, engine.StatusDeployed, result.Status)
	assert.FileExists(t, marker)
}

func TestPlanRejectsCorruptState(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RecordDeployedState(context.Background(), &stores.ResourceState{
		ID: "ghost", Kind: "noop", Config: "{not json", Hash: "x",
	}))

	_, err := NewPlanner(store, NewRunner(), zerolog.Nop()).Plan(context.Background(), &config.Manifest{Name: "shop"}, engine.GoalDeployed)
	require.Error(t, err)
	assert.True(t, engine.IsInternal(err))
}

func TestCommitSkipsDryRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	plan, err := NewPlanner(store, NewRunner(), zerolog.Nop()).Plan(ctx, shopManifest(filepath.Join(t.TempDir(), "log")), engine.GoalDeployed)
	require.NoError(t, err)

	result, err := engine.Execute(ctx, plan.Graph, engine.ExecuteOptions{DryRun: true, PollInterval: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, Commit(ctx, store, plan, result))

	states, err := store.ListResourceStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)
}
