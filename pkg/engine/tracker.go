package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type trackedNode struct {
	status      DeployStatus
	err         string
	description string
	primitive   bool
}

// TrackerOptions configures a StatusTracker.
type TrackerOptions struct {
	Goal       GoalStatus
	SequenceID int64
	DryRun     bool
	Sink       StatusSink
	Observer   Observer
	Logger     zerolog.Logger
}

// StatusTracker owns the status of every node of one run. Set is the only
// way to change a status; it keeps the aggregate counters in step and
// never lets a terminal status change again.
type StatusTracker struct {
	mu sync.Mutex

	nodes map[string]*trackedNode

	counts          map[DeployStatus]int
	primitiveCounts map[DeployStatus]int
	compositeCounts map[DeployStatus]int

	opts TrackerOptions
}

// NewStatusTracker tracks nodes, all starting in StatusInitial.
func NewStatusTracker(nodes []*Node, opts TrackerOptions) *StatusTracker {
	if opts.Goal == "" {
		opts.Goal = GoalDeployed
	}
	t := &StatusTracker{
		nodes:           make(map[string]*trackedNode, len(nodes)),
		counts:          make(map[DeployStatus]int),
		primitiveCounts: make(map[DeployStatus]int),
		compositeCounts: make(map[DeployStatus]int),
		opts:            opts,
	}
	for _, n := range nodes {
		tn := &trackedNode{status: StatusInitial, primitive: n.IsPrimitive(), description: n.Description()}
		t.nodes[n.ID] = tn
		t.bump(tn, StatusInitial, 1)
	}
	return t
}

// SequenceID returns the run sequence ID used for sink writes.
func (t *StatusTracker) SequenceID() int64 {
	return t.opts.SequenceID
}

// Get returns the status of a node. An unknown node is an internal error.
func (t *StatusTracker) Get(id string) (DeployStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tn, ok := t.nodes[id]
	if !ok {
		return "", NewInternalError(fmt.Sprintf("status requested for unknown node %s", id), nil).WithResource(id)
	}
	return tn.status, nil
}

// Set moves a node to status and reports whether anything changed. It is a
// no-op for nodes that are already terminal or already at status. A
// non-nil err forces StatusFailed and is recorded with the node.
func (t *StatusTracker) Set(ctx context.Context, id string, status DeployStatus, err error, description string) (bool, error) {
	if err != nil {
		status = StatusFailed
	}
	if verr := status.Validate(); verr != nil {
		return false, NewInternalError("invalid status transition", verr).WithResource(id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tn, ok := t.nodes[id]
	if !ok {
		return false, NewInternalError(fmt.Sprintf("status set for unknown node %s", id), nil).WithResource(id)
	}
	if tn.status.IsTerminal() || tn.status == status {
		return false, nil
	}

	from := tn.status
	t.bump(tn, from, -1)
	t.bump(tn, status, 1)
	tn.status = status
	if err != nil {
		tn.err = errorMessage(err)
	}
	if description != "" {
		tn.description = description
	}

	t.opts.Logger.Debug().
		Str("node_id", id).
		Str("from", string(from)).
		Str("to", string(status)).
		Str("description", tn.description).
		Msg("node status changed")

	if !t.opts.DryRun && t.opts.Sink != nil {
		update := NodeStatusUpdate{
			NodeID:      id,
			Status:      status,
			Error:       tn.err,
			Description: tn.description,
			Primitive:   tn.primitive,
		}
		if werr := t.opts.Sink.WriteNodeStatus(ctx, t.opts.SequenceID, update); werr != nil {
			t.opts.Logger.Warn().Err(werr).Str("node_id", id).Msg("failed to persist node status")
		}
	}

	if t.opts.Observer != nil {
		t.opts.Observer.OnEvent(ctx, StatusEvent{
			Type:        EventTypeNodeStatus,
			Sequence:    t.opts.SequenceID,
			NodeID:      id,
			Description: tn.description,
			From:        from,
			To:          status,
			Primitive:   tn.primitive,
			Error:       tn.err,
			Timestamp:   time.Now(),
		})
	}

	return true, nil
}

// Describe records a human-readable status message without changing the
// status, e.g. what a waiting node is waiting for.
func (t *StatusTracker) Describe(id, description string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tn, ok := t.nodes[id]; ok && !tn.status.IsTerminal() {
		tn.description = description
	}
}

// IsFinal reports whether the node reached a terminal status.
func (t *StatusTracker) IsFinal(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tn, ok := t.nodes[id]
	return ok && tn.status.IsTerminal()
}

// IsActive reports whether the node is deploying, directly or by proxy.
func (t *StatusTracker) IsActive(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tn, ok := t.nodes[id]
	return ok && tn.status.IsActive()
}

// Result returns the current state of one node.
func (t *StatusTracker) Result(id string) (NodeResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tn, ok := t.nodes[id]
	if !ok {
		return NodeResult{}, false
	}
	return tn.result(), true
}

// Counts returns a copy of the counters over all nodes.
func (t *StatusTracker) Counts() map[DeployStatus]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyCounts(t.counts)
}

// NonTerminal returns the IDs of nodes that have not reached a terminal status.
func (t *StatusTracker) NonTerminal() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for id, tn := range t.nodes {
		if !tn.status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Complete computes the aggregate result of the run. Nodes that are not
// terminal at this point indicate an engine defect: the summary is still
// returned, together with an internal error.
func (t *StatusTracker) Complete() (*Summary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &Summary{
		Counts:             copyCounts(t.counts),
		PrimitiveCounts:    copyCounts(t.primitiveCounts),
		NonPrimitiveCounts: copyCounts(t.compositeCounts),
		Nodes:              make(map[string]NodeResult, len(t.nodes)),
	}

	var lingering []string
	failed := false
	for id, tn := range t.nodes {
		s.Nodes[id] = tn.result()
		switch {
		case tn.status == StatusFailed:
			failed = true
		case !tn.status.IsTerminal():
			lingering = append(lingering, id)
		}
	}

	if len(lingering) > 0 {
		sort.Strings(lingering)
		s.Status = StatusWaiting
		return s, NewInternalError(
			fmt.Sprintf("run completed with %d non-terminal nodes: %s", len(lingering), strings.Join(lingering, ", ")),
			nil,
		).WithDetail("nodes", lingering)
	}

	if failed {
		s.Status = StatusFailed
	} else {
		s.Status = t.opts.Goal
	}
	return s, nil
}

// Debug renders the status of every node, one per line.
func (t *StatusTracker) Debug() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("sequence %d, goal %s\n", t.opts.SequenceID, t.opts.Goal))
	for _, id := range ids {
		tn := t.nodes[id]
		sb.WriteString(fmt.Sprintf("  %s: %s", id, tn.status))
		if tn.description != "" {
			sb.WriteString(fmt.Sprintf(" [%s]", tn.description))
		}
		if tn.err != "" {
			sb.WriteString(fmt.Sprintf(" error=%q", tn.err))
		}
		sb.WriteString("\n")
	}
	for _, st := range AllDeployStatuses {
		if c := t.counts[st]; c > 0 {
			sb.WriteString(fmt.Sprintf("  total %s: %d\n", st, c))
		}
	}
	return sb.String()
}

// bump moves one node in or out of the bucket for status.
func (t *StatusTracker) bump(tn *trackedNode, status DeployStatus, delta int) {
	t.counts[status] += delta
	if tn.primitive {
		t.primitiveCounts[status] += delta
	} else {
		t.compositeCounts[status] += delta
	}
}

func (tn *trackedNode) result() NodeResult {
	return NodeResult{
		Status:      tn.status,
		Error:       tn.err,
		Description: tn.description,
		Primitive:   tn.primitive,
	}
}

func copyCounts(m map[DeployStatus]int) map[DeployStatus]int {
	out := make(map[DeployStatus]int, len(m))
	for k, v := range m {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

// errorMessage returns the text recorded for err. Engine errors are
// recorded without their class prefix, also when wrapped.
func errorMessage(err error) string {
	var e *EngineError
	if !errors.As(err, &e) {
		return err.Error()
	}
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if error(e) == err {
		return msg
	}
	return strings.Replace(err.Error(), e.Error(), msg, 1)
}
