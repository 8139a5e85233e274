package policy

import (
	"time"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/resources"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of severity s rejects a plan.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Mode selects what happens to a plan with blocking violations.
type Mode string

const (
	// ModeEnforcing rejects plans with error or critical violations.
	ModeEnforcing Mode = "enforcing"

	// ModeAdvisory reports every violation and rejects nothing.
	ModeAdvisory Mode = "advisory"
)

// Policy represents a policy rule with its Rego code. The module must
// define a deny set; each member is a message string or an object with
// message, severity and resource keys.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks the policies shipped with the deployer.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result represents the result of evaluating a plan.
type Result struct {
	// Allowed indicates if the plan may be executed.
	Allowed bool `json:"allowed"`

	// Mode is the mode the plan was evaluated in.
	Mode Mode `json:"mode"`

	// Violations lists all policy violations, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	Duration    time.Duration `json:"duration"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// Blocking returns the violations that reject the plan in enforcing mode.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocks() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies see as input.
type Input struct {
	Manifest string            `json:"manifest"`
	Goal     engine.GoalStatus `json:"goal"`
	DryRun   bool              `json:"dry_run"`
	Changes  []ChangeInput     `json:"changes"`

	// Counts holds the number of changes per change type.
	Counts map[engine.ChangeType]int `json:"counts"`
}

// ChangeInput is one planned change as seen by policies.
type ChangeInput struct {
	Resource  string            `json:"resource"`
	Type      engine.ChangeType `json:"type"`
	Kind      string            `json:"kind"`
	Protected bool              `json:"protected"`
	Composite bool              `json:"composite"`
	Labels    map[string]string `json:"labels"`
}

// NewInput describes plan to policies.
func NewInput(manifest string, plan *resources.Plan, dryRun bool) *Input {
	in := &Input{
		Manifest: manifest,
		Goal:     plan.Goal,
		DryRun:   dryRun,
		Changes:  make([]ChangeInput, 0, len(plan.Changes)),
		Counts:   make(map[engine.ChangeType]int),
	}
	for _, c := range plan.Changes {
		cfg := c.Resource.Config()
		labels := cfg.Labels
		if labels == nil {
			labels = map[string]string{}
		}
		in.Changes = append(in.Changes, ChangeInput{
			Resource:  cfg.ID,
			Type:      c.Type,
			Kind:      string(cfg.Kind()),
			Protected: cfg.Protected,
			Composite: cfg.Composite,
			Labels:    labels,
		})
		in.Counts[c.Type]++
	}
	return in
}
