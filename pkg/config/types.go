package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ActionKind selects how an action or readiness check is carried out.
type ActionKind string

const (
	// ActionKindExec runs a command.
	ActionKindExec ActionKind = "exec"

	// ActionKindStarlark runs a Starlark script.
	ActionKindStarlark ActionKind = "starlark"

	// ActionKindSleep waits for a fixed duration.
	ActionKindSleep ActionKind = "sleep"

	// ActionKindNoop does nothing and succeeds.
	ActionKindNoop ActionKind = "noop"

	// ActionKindFail always fails. Useful for rehearsing failure handling.
	ActionKindFail ActionKind = "fail"
)

// WaitMode selects how the dependencies of a resource combine.
type WaitMode string

const (
	// WaitAll requires every dependency to reach its goal.
	WaitAll WaitMode = "all"

	// WaitAny requires at least one dependency to reach its goal.
	WaitAny WaitMode = "any"
)

// Manifest is a deployment manifest: the desired set of resources and how
// they are brought up and torn down.
type Manifest struct {
	// Name identifies the deployment.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Resources are the desired resources.
	Resources []ResourceConfig `json:"resources,omitempty" yaml:"resources,omitempty" validate:"dive"`

	// Series lists groups of resources whose actions must run strictly
	// one after another, in the order given.
	Series []SeriesConfig `json:"series,omitempty" yaml:"series,omitempty" validate:"dive"`

	// Policy configures the plan policy gate.
	Policy *PolicyConfig `json:"policy,omitempty" yaml:"policy,omitempty" validate:"omitempty"`

	// SourceFiles are the files the manifest was loaded from.
	SourceFiles []string `json:"-" yaml:"-"`
}

// ResourceConfig describes one desired resource.
type ResourceConfig struct {
	// ID is the unique identifier of the resource (e.g., "db", "web.frontend").
	ID string `json:"id" yaml:"id" validate:"required,resource_id"`

	// Description is shown in plans and status output.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// DependsOn lists the IDs of the resources this one needs deployed first.
	// On teardown the order is reversed.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty" validate:"dive,required"`

	// Wait selects whether all or any of DependsOn must be satisfied.
	Wait WaitMode `json:"wait,omitempty" yaml:"wait,omitempty" validate:"omitempty,oneof=all any"`

	// Composite marks a resource that only groups others. Composite
	// resources are not counted as primitive in results.
	Composite bool `json:"composite,omitempty" yaml:"composite,omitempty"`

	// Protected resources may not be deleted while the built-in policies
	// are enabled.
	Protected bool `json:"protected,omitempty" yaml:"protected,omitempty"`

	// Labels are key-value pairs for organizing resources and writing policies.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`

	// Config is the resource-specific desired configuration. A change to it
	// triggers a modify.
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`

	// Deploy brings the resource up. Nil means there is nothing to run.
	Deploy *ActionConfig `json:"deploy,omitempty" yaml:"deploy,omitempty" validate:"omitempty"`

	// Destroy tears the resource down. Nil means there is nothing to run.
	Destroy *ActionConfig `json:"destroy,omitempty" yaml:"destroy,omitempty" validate:"omitempty"`

	// Readiness is polled until the resource reports it reached its goal.
	Readiness *ReadinessConfig `json:"readiness,omitempty" yaml:"readiness,omitempty" validate:"omitempty"`
}

// ActionConfig describes a side effect.
type ActionConfig struct {
	// Kind is the action kind.
	Kind ActionKind `json:"kind" yaml:"kind" validate:"required,oneof=exec starlark sleep noop fail"`

	// Command is the argv of an exec action.
	Command []string `json:"command,omitempty" yaml:"command,omitempty" validate:"required_if=Kind exec"`

	// Script is the source of a starlark action.
	Script string `json:"script,omitempty" yaml:"script,omitempty" validate:"required_if=Kind starlark"`

	// Duration is how long a sleep action waits.
	Duration Duration `json:"duration,omitempty" yaml:"duration,omitempty" validate:"required_if=Kind sleep"`

	// Message is the error reported by a fail action.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	// Env adds environment variables to an exec action.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Dir is the working directory of an exec action.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Timeout bounds the action. Zero means only the run deadline applies.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// SSH runs an exec action on a remote host instead of locally.
	SSH *SSHConfig `json:"ssh,omitempty" yaml:"ssh,omitempty" validate:"omitempty"`

	// Files are uploaded to the SSH host before the command runs.
	Files []FileConfig `json:"files,omitempty" yaml:"files,omitempty" validate:"omitempty,dive"`
}

// SSHConfig is the remote host of an exec action or readiness check. It is
// recorded with the resource, so a resource removed from the manifest can
// still be torn down on its host.
type SSHConfig struct {
	Host string `json:"host" yaml:"host" validate:"required"`

	// Port defaults to 22.
	Port int `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	User string `json:"user" yaml:"user" validate:"required"`

	// KeyFile is a private key. Without it PasswordEnv must be set.
	KeyFile string `json:"key_file,omitempty" yaml:"key_file,omitempty"`

	// PasswordEnv names the environment variable holding the password.
	PasswordEnv string `json:"password_env,omitempty" yaml:"password_env,omitempty"`

	// KnownHosts is the known_hosts file host keys are checked against.
	// Defaults to ~/.ssh/known_hosts.
	KnownHosts string `json:"known_hosts,omitempty" yaml:"known_hosts,omitempty"`

	// InsecureIgnoreHostKey skips host key verification.
	InsecureIgnoreHostKey bool `json:"insecure_ignore_host_key,omitempty" yaml:"insecure_ignore_host_key,omitempty"`
}

// FileConfig is a local file copied to the remote host.
type FileConfig struct {
	Source      string `json:"source" yaml:"source" validate:"required"`
	Destination string `json:"destination" yaml:"destination" validate:"required"`

	// Mode is the octal permission string of the remote file, e.g. "0644".
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// ReadinessConfig describes a completion check. An exec check is done when
// the command exits zero; a starlark check is done when the script sets
// ready = True, and may explain itself in message.
type ReadinessConfig struct {
	Kind    ActionKind `json:"kind" yaml:"kind" validate:"required,oneof=exec starlark"`
	Command []string   `json:"command,omitempty" yaml:"command,omitempty" validate:"required_if=Kind exec"`
	Script  string     `json:"script,omitempty" yaml:"script,omitempty" validate:"required_if=Kind starlark"`
	Timeout Duration   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	SSH     *SSHConfig `json:"ssh,omitempty" yaml:"ssh,omitempty" validate:"omitempty"`
}

// SeriesConfig is a group of resources whose actions run in order.
type SeriesConfig struct {
	// Name is shown in errors.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Resources are the resource IDs, in execution order.
	Resources []string `json:"resources" yaml:"resources" validate:"min=2,dive,required"`
}

// PolicyConfig configures policy enforcement.
type PolicyConfig struct {
	// Paths lists policy file or directory paths.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`

	// Mode is the enforcement mode (advisory, enforcing).
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=advisory enforcing"`

	// DisableBuiltin turns off the built-in policies.
	DisableBuiltin bool `json:"disable_builtin,omitempty" yaml:"disable_builtin,omitempty"`
}

// Resource returns the resource with the given ID.
func (m *Manifest) Resource(id string) (*ResourceConfig, bool) {
	for i := range m.Resources {
		if m.Resources[i].ID == id {
			return &m.Resources[i], true
		}
	}
	return nil, false
}

// Hash returns a digest of the manifest content.
func (m *Manifest) Hash() (string, error) {
	return digest(m)
}

// Hash returns a digest of everything that is deployed for the resource:
// its config, its deploy action and its readiness check. Dependencies,
// labels and the destroy action do not trigger a modify.
func (r *ResourceConfig) Hash() (string, error) {
	return digest(struct {
		Config    map[string]interface{} `json:"config,omitempty"`
		Deploy    *ActionConfig          `json:"deploy,omitempty"`
		Readiness *ReadinessConfig       `json:"readiness,omitempty"`
	}{r.Config, r.Deploy, r.Readiness})
}

// Kind returns the kind of the deploy action, or noop.
func (r *ResourceConfig) Kind() ActionKind {
	if r.Deploy == nil {
		return ActionKindNoop
	}
	return r.Deploy.Kind
}

func digest(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON encodes d as a duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// MarshalYAML encodes d as a duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var secs float64
	if tag := node.ShortTag(); tag == "!!int" || tag == "!!float" {
		if err := node.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the offending value (e.g., "resources[2].depends_on").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in a manifest.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d validation error(s): %s", len(errs), strings.Join(msgs, "; "))
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the script's exported globals.
	Output map[string]interface{} `json:"output,omitempty"`

	// Printed collects the lines the script printed.
	Printed []string `json:"printed,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`
}
