package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/config"
	"github.com/openfroyo/deployer/pkg/policy"
	"github.com/openfroyo/deployer/pkg/resources"
	"github.com/openfroyo/deployer/pkg/stores"
	"github.com/openfroyo/deployer/pkg/telemetry"
)

// app holds the collaborators of a command.
type app struct {
	settings  *config.Settings
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	store     *stores.SQLiteStore
	loader    *config.Loader
	runner    *resources.Runner
	planner   *resources.Planner
}

// appOptions adjust settings before anything is built from them.
type appOptions func(*config.Settings)

func newApp(ctx context.Context, opts ...appOptions) (*app, error) {
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	if statePath != "" {
		settings.StatePath = statePath
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		settings.Telemetry.Logging.Level = level
	}
	for _, opt := range opts {
		opt(settings)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	tel, err := telemetry.NewTelemetry(&settings.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	if dir := filepath.Dir(settings.StatePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: settings.StatePath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	runner := resources.NewRunner(
		resources.WithLogger(logger.With().Str("component", "runner").Logger()),
		resources.WithActionTimeout(settings.ActionTimeout.Std()),
	)

	return &app{
		settings:  settings,
		telemetry: tel,
		logger:    logger,
		store:     store,
		loader:    config.NewLoader(),
		runner:    runner,
		planner:   resources.NewPlanner(store, runner, logger.With().Str("component", "planner").Logger()),
	}, nil
}

func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(a.runner.Close(), a.telemetry.Shutdown(ctx), a.store.Close())
}

func (a *app) loadManifest() (*config.Manifest, error) {
	m, err := a.loader.Load(manifestPath)
	if err != nil {
		return nil, err
	}
	a.logger.Debug().Str("manifest", m.Name).Strs("files", m.SourceFiles).Msg("manifest loaded")
	return m, nil
}

// policyEngine builds the policy gate for m: the built-in policies unless
// disabled, the settings' policy paths and the manifest's own, the latter
// relative to the manifest.
func (a *app) policyEngine(ctx context.Context, m *config.Manifest) (*policy.Engine, error) {
	opts := []policy.Option{}
	paths := append([]string(nil), a.settings.PolicyPaths...)

	if m.Policy != nil {
		if m.Policy.Mode != "" {
			opts = append(opts, policy.WithMode(policy.Mode(m.Policy.Mode)))
		}
		if m.Policy.DisableBuiltin {
			opts = append(opts, policy.WithoutBuiltins())
		}
		base := manifestDir()
		for _, p := range m.Policy.Paths {
			if !filepath.IsAbs(p) {
				p = filepath.Join(base, p)
			}
			paths = append(paths, p)
		}
	}

	eng, err := policy.NewEngine(a.logger, opts...)
	if err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		if err := eng.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// gate evaluates plan against the policies and records every violation.
// It returns an error if the plan is rejected.
func (a *app) gate(ctx context.Context, m *config.Manifest, plan *resources.Plan, dryRun bool) (*policy.Result, error) {
	op := telemetry.StartOperation(a.telemetry.WithContext(ctx), "policy.evaluate")

	eng, err := a.policyEngine(op.Ctx, m)
	if err != nil {
		op.End(err)
		return nil, err
	}
	result, err := eng.EvaluatePlan(op.Ctx, policy.NewInput(m.Name, plan, dryRun))
	if err != nil {
		op.End(err)
		return nil, err
	}

	for _, v := range result.Violations {
		if err := a.telemetry.Events.PublishPolicyViolation(v.Resource, v.Policy, v.Message); err != nil {
			a.logger.Warn().Err(err).Msg("failed to publish policy violation")
		}
	}
	if !result.Allowed {
		denied := make(map[string]bool)
		for _, v := range result.Blocking() {
			if !denied[v.Policy] {
				denied[v.Policy] = true
				a.telemetry.Metrics.RecordPolicyDenial(v.Policy)
			}
		}
		err = fmt.Errorf("plan rejected by policy: %d blocking violation(s), %d evaluation error(s)", len(result.Blocking()), len(result.Errors))
	}
	op.End(err)
	return result, err
}

func manifestDir() string {
	if info, err := os.Stat(manifestPath); err == nil && info.IsDir() {
		return manifestPath
	}
	return filepath.Dir(manifestPath)
}
