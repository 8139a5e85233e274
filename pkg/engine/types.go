package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/relation"
)

// Resource is a deployable element handed to the engine by the resource
// supplier. Its ID must be stable and unique within a graph.
type Resource interface {
	relation.Dependency

	// ID returns the stable identity of the resource.
	ID() string

	// IsPrimitive reports whether the resource is a leaf element rather
	// than a composite of other resources.
	IsPrimitive() bool

	// DependsOn returns what the resource waits on before it may move
	// towards goal, or nil if it has no dependencies.
	DependsOn(goal GoalStatus, h Helpers) *WaitInfo

	// DeployedWhen reports whether the resource has actually reached goal.
	// It is polled until it reports done.
	DeployedWhen(ctx context.Context, goal GoalStatus) (WaitStatus, error)
}

// WaitStatus is the answer of a readiness check.
type WaitStatus struct {
	Done    bool   `json:"done"`
	Message string `json:"message,omitempty"`
}

// Ready returns a done WaitStatus.
func Ready() WaitStatus { return WaitStatus{Done: true} }

// Waiting returns a not-done WaitStatus carrying the reason.
func Waiting(format string, args ...interface{}) WaitStatus {
	return WaitStatus{Message: fmt.Sprintf(format, args...)}
}

// ActFunc is the side effect of an action or wait descriptor.
type ActFunc func(ctx context.Context) error

// CheckFunc is a readiness check of a wait descriptor.
type CheckFunc func(ctx context.Context, goal GoalStatus) (WaitStatus, error)

// WaitInfo describes how a node is brought to its goal: what it waits on,
// what it does and how completion is detected.
type WaitInfo struct {
	// Description is shown in status output and logs.
	Description string

	// Action is run at most once per run, after DependsOn is satisfied.
	Action ActFunc

	// DependsOn is the dynamic dependency expression. Nil means none.
	DependsOn *relation.Relation

	// DeployedWhen is the completion check. Nil means done as soon as the
	// action returns.
	DeployedWhen CheckFunc

	// ActingFor lists the resource changes the action represents.
	ActingFor []Change
}

// String implements relation.Dependency.
func (w *WaitInfo) String() string {
	return w.Description
}

// Change is one resource change an action represents.
type Change struct {
	Resource Resource   `json:"-"`
	Type     ChangeType `json:"type"`
	Detail   string     `json:"detail,omitempty"`
}

// Action is a side effect produced by the diff step, together with the
// resource changes it carries out.
type Action struct {
	Description string
	Changes     []Change
	Act         ActFunc
}

// Goal returns GoalDestroyed if every change of the action is a deletion,
// GoalDeployed otherwise.
func (a *Action) Goal() GoalStatus {
	if len(a.Changes) == 0 {
		return GoalDeployed
	}
	for _, c := range a.Changes {
		if !c.Type.IsDestructive() {
			return GoalDeployed
		}
	}
	return GoalDestroyed
}

// Helpers is passed to Resource.DependsOn to build relations that point
// in the right direction for the goal.
type Helpers struct {
	self Resource
	goal GoalStatus
}

// NewHelpers returns helpers for building the relations of self.
func NewHelpers(self Resource, goal GoalStatus) Helpers {
	return Helpers{self: self, goal: goal}
}

// Goal returns the goal the relation is built for.
func (h Helpers) Goal() GoalStatus { return h.goal }

// Edge returns the edge from the resource to dep, inverted for teardown.
func (h Helpers) Edge(dep relation.Dependency) *relation.Relation {
	return h.orient(relation.Edge(h.self, dep))
}

// AllOf requires every dep to reach its goal first.
func (h Helpers) AllOf(deps ...relation.Dependency) *relation.Relation {
	return h.orient(relation.AllOf(h.self, deps...))
}

// AnyOf requires at least one of deps to reach its goal first.
func (h Helpers) AnyOf(deps ...relation.Dependency) *relation.Relation {
	return h.orient(relation.AnyOf(h.self, deps...))
}

func (h Helpers) orient(r *relation.Relation) *relation.Relation {
	if h.goal == GoalDestroyed {
		return relation.Invert(r)
	}
	return r
}

// NodeKind distinguishes resource nodes from pure wait nodes.
type NodeKind string

const (
	// NodeKindResource wraps a resource handle.
	NodeKindResource NodeKind = "resource"

	// NodeKindWait wraps only a wait descriptor or an action.
	NodeKindWait NodeKind = "wait"
)

// Node is the unit of scheduling in an ExecutionGraph.
type Node struct {
	// ID is the stable identity of the node.
	ID string `json:"id"`

	// Kind tells resource nodes from wait nodes.
	Kind NodeKind `json:"kind"`

	// Resource is the wrapped resource, nil for wait nodes.
	Resource Resource `json:"-"`

	// Wait is the attached wait descriptor, if any.
	Wait *WaitInfo `json:"-"`

	// Goal is the status this node is driven towards.
	Goal GoalStatus `json:"goal"`
}

// IsPrimitive reports whether the node wraps a primitive resource.
func (n *Node) IsPrimitive() bool {
	return n.Resource != nil && n.Resource.IsPrimitive()
}

// Description returns the text used for the node in logs and status output.
func (n *Node) Description() string {
	if n.Wait != nil && n.Wait.Description != "" {
		return n.Wait.Description
	}
	return n.ID
}

// ActingFor returns the resource changes this node's action represents.
func (n *Node) ActingFor() []Change {
	if n.Wait == nil {
		return nil
	}
	return n.Wait.ActingFor
}

// NodeStatusUpdate is what the status sink receives per transition.
type NodeStatusUpdate struct {
	NodeID      string       `json:"node_id"`
	Status      DeployStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	Description string       `json:"description,omitempty"`
	Primitive   bool         `json:"primitive"`
}

// StatusEvent is delivered to an Observer. For run events To carries the
// run goal on start and the overall status on completion.
type StatusEvent struct {
	Type        EventType     `json:"type"`
	Sequence    int64         `json:"sequence"`
	NodeID      string        `json:"node_id,omitempty"`
	Description string        `json:"description,omitempty"`
	From        DeployStatus  `json:"from,omitempty"`
	To          DeployStatus  `json:"to,omitempty"`
	Primitive   bool          `json:"primitive,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// ExecuteOptions configures a single run of Execute.
type ExecuteOptions struct {
	// ConcurrencyLimit bounds concurrently evaluated nodes. Zero or less
	// means unbounded.
	ConcurrencyLimit int

	// DryRun runs the full ordering and status logic without running
	// actions, done checks or sink writes.
	DryRun bool

	// PollInterval is slept between passes that made no progress.
	PollInterval time.Duration

	// Timeout is the deadline of the whole run. Zero means none.
	Timeout time.Duration

	// Goal is the aggregate status reported when every node succeeds.
	Goal GoalStatus

	// SequenceID identifies the run to the status sink.
	SequenceID int64

	// Logger receives engine logs. The zero value discards them.
	Logger zerolog.Logger

	// Sink persists status transitions. Optional.
	Sink StatusSink

	// Observer is notified of every status event. Optional.
	Observer Observer
}

// DefaultPollInterval is used when ExecuteOptions.PollInterval is zero.
const DefaultPollInterval = 500 * time.Millisecond

// NodeResult is the final state of one node.
type NodeResult struct {
	Status      DeployStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	Description string       `json:"description,omitempty"`
	Primitive   bool         `json:"primitive"`
}

// Summary is the aggregate produced by StatusTracker.Complete.
type Summary struct {
	Status             DeployStatus          `json:"status"`
	Counts             map[DeployStatus]int  `json:"counts"`
	PrimitiveCounts    map[DeployStatus]int  `json:"primitive_counts"`
	NonPrimitiveCounts map[DeployStatus]int  `json:"non_primitive_counts"`
	Nodes              map[string]NodeResult `json:"nodes"`
}

// ExecuteResult is returned by Execute.
type ExecuteResult struct {
	Summary

	SequenceID int64         `json:"sequence_id"`
	Passes     int           `json:"passes"`
	Duration   time.Duration `json:"duration"`
	DryRun     bool          `json:"dry_run"`
	TimedOut   bool          `json:"timed_out"`
}
