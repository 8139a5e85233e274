package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/deployer/pkg/telemetry"
)

// Settings configure the deployer itself, as opposed to what it deploys.
type Settings struct {
	// Concurrency bounds concurrently evaluated nodes. Zero is unbounded.
	Concurrency int `yaml:"concurrency" validate:"gte=0"`

	// PollInterval is slept between passes that made no progress.
	PollInterval Duration `yaml:"poll_interval" validate:"gt=0"`

	// Timeout is the deadline of a whole deployment. Zero means none.
	Timeout Duration `yaml:"timeout" validate:"gte=0"`

	// ActionTimeout bounds a single action or readiness check that does
	// not set its own timeout. Zero means only the run deadline applies.
	ActionTimeout Duration `yaml:"action_timeout" validate:"gte=0"`

	// DryRun plans and walks the graph without running anything.
	DryRun bool `yaml:"dry_run"`

	// StatePath is the SQLite database recording deployments.
	StatePath string `yaml:"state_path" validate:"required"`

	// PolicyPaths are loaded in addition to the manifest's policy paths.
	PolicyPaths []string `yaml:"policy_paths"`

	Telemetry telemetry.Config `yaml:"telemetry"`
}

// DefaultSettings returns the settings used when no file is given.
func DefaultSettings() *Settings {
	return &Settings{
		Concurrency:  0,
		PollInterval: Duration(500 * time.Millisecond),
		Timeout:      Duration(30 * time.Minute),
		StatePath:    ".deployer/state.db",
		Telemetry:    *telemetry.DefaultConfig(),
	}
}

// LoadSettings reads settings from path on top of DefaultSettings. A
// missing file yields the defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open settings: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return s, nil
}

// Validate checks the settings and the embedded telemetry configuration.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return err
	}
	if err := s.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}
