package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/deployer/pkg/relation"
)

// Execute drives every node of g to its goal. Nodes are evaluated from the
// leaves up in passes: a pass queues every leaf and ends when the queue
// drains. Terminal transitions re-queue predecessors at once, so chains
// complete within one pass; the poll interval only separates passes that
// made no progress.
//
// Configuration errors are returned before anything runs. Node failures
// are contained and reported in the result. Internal-consistency errors
// abort the run and are returned together with the best-effort result.
//
// When the deadline expires or ctx is cancelled, Execute waits up to
// InFlightGrace for running actions to return. An action that ignores its
// context may outlive Execute; its outcome is discarded.
func Execute(ctx context.Context, g *ExecutionGraph, opts ExecuteOptions) (*ExecuteResult, error) {
	if g == nil {
		return nil, NewPermanentError("execution graph is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := g.Check(); err != nil {
		return nil, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Goal == "" {
		opts.Goal = GoalDeployed
	}
	if err := ValidateGoal(opts.Goal); err != nil {
		return nil, NewPermanentError("invalid run goal", err).WithCode(ErrCodeValidation)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	r := newRun(g, opts)
	start := time.Now()
	r.emit(runCtx, StatusEvent{Type: EventTypeRunStarted, To: opts.Goal})
	r.log.Info().
		Int("nodes", g.Len()).
		Bool("dry_run", opts.DryRun).
		Int("concurrency", opts.ConcurrencyLimit).
		Msg("execution started")

	for _, n := range g.AllNodes() {
		r.setStatus(runCtx, n, StatusWaiting, nil, "")
	}

	timedOut := r.loop(ctx, runCtx)
	if !r.settle(InFlightGrace) {
		r.log.Warn().Dur("grace", InFlightGrace).Msg("actions still running after the run ended")
	}

	if err := r.fatalErr(); err != nil {
		r.failRemaining(context.WithoutCancel(ctx), err)
	}

	summary, cerr := r.tracker.Complete()
	duration := time.Since(start)

	if !opts.DryRun && opts.Sink != nil {
		if err := opts.Sink.WriteDeployStatus(context.WithoutCancel(ctx), opts.SequenceID, summary.Status); err != nil {
			r.log.Warn().Err(err).Msg("failed to persist deploy status")
		}
	}

	r.emit(ctx, StatusEvent{Type: EventTypeRunCompleted, To: summary.Status, Duration: duration})
	r.log.Info().
		Str("status", string(summary.Status)).
		Int("passes", r.passes).
		Dur("duration", duration).
		Msg("execution finished")

	result := &ExecuteResult{
		Summary:    *summary,
		SequenceID: opts.SequenceID,
		Passes:     r.passes,
		Duration:   duration,
		DryRun:     opts.DryRun,
		TimedOut:   timedOut,
	}

	if err := r.fatalErr(); err != nil {
		return result, err
	}
	if cerr != nil {
		return result, cerr
	}
	return result, nil
}

// InFlightGrace bounds how long Execute waits for running evaluations
// once a run was stopped.
const InFlightGrace = 5 * time.Second

// run is the state of one Execute call, shared by all evaluations.
type run struct {
	graph   *ExecutionGraph
	tracker *StatusTracker
	opts    ExecuteOptions
	log     zerolog.Logger
	sem     *semaphore.Weighted

	wg sync.WaitGroup

	mu        sync.Mutex
	pending   map[string]bool
	locks     map[string]*sync.Mutex
	actionRan map[string]bool
	fatal     error

	stopped  atomic.Bool
	progress atomic.Int64
	passes   int
}

func newRun(g *ExecutionGraph, opts ExecuteOptions) *run {
	limit := int64(math.MaxInt64)
	if opts.ConcurrencyLimit > 0 {
		limit = int64(opts.ConcurrencyLimit)
	}
	log := opts.Logger.With().Str("component", "engine").Int64("sequence", opts.SequenceID).Logger()

	return &run{
		graph: g,
		tracker: NewStatusTracker(g.AllNodes(), TrackerOptions{
			Goal:       opts.Goal,
			SequenceID: opts.SequenceID,
			DryRun:     opts.DryRun,
			Sink:       opts.Sink,
			Observer:   opts.Observer,
			Logger:     log,
		}),
		opts:      opts,
		log:       log,
		sem:       semaphore.NewWeighted(limit),
		pending:   make(map[string]bool),
		locks:     make(map[string]*sync.Mutex),
		actionRan: make(map[string]bool),
	}
}

// loop runs passes until every node is terminal, the run aborts or the
// deadline expires. It reports whether the deadline expired.
func (r *run) loop(parent, ctx context.Context) bool {
	for {
		if r.stopped.Load() || len(r.tracker.NonTerminal()) == 0 {
			return false
		}

		r.passes++
		r.progress.Store(0)
		r.emit(ctx, StatusEvent{Type: EventTypePassStarted})
		leaves := r.graph.Leaves(r.tracker.IsFinal)
		r.log.Trace().Int("pass", r.passes).Int("leaves", len(leaves)).Msg("pass started")

		for _, n := range leaves {
			r.enqueue(ctx, n.ID)
		}

		drained := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(drained)
		}()

		select {
		case <-drained:
		case <-ctx.Done():
			return r.abort(parent, ctx.Err())
		}

		if r.stopped.Load() || len(r.tracker.NonTerminal()) == 0 {
			return false
		}
		if r.progress.Load() > 0 {
			continue
		}

		select {
		case <-time.After(r.opts.PollInterval):
		case <-ctx.Done():
			return r.abort(parent, ctx.Err())
		}
	}
}

// settle waits up to grace for queued and running evaluations. It reports
// whether they all returned.
func (r *run) settle(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// enqueue schedules an evaluation of node id unless one is already queued.
// It is the only way evaluations are started.
func (r *run) enqueue(ctx context.Context, id string) {
	if r.stopped.Load() {
		return
	}

	r.mu.Lock()
	if r.pending[id] {
		r.mu.Unlock()
		return
	}
	r.pending[id] = true
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		err := r.sem.Acquire(ctx, 1)
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		if err != nil {
			return
		}
		defer r.sem.Release(1)

		r.evaluate(ctx, id)
	}()
}

// lockFor returns the mutex serializing evaluations of node id.
func (r *run) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// evaluate tries to move one node towards its goal.
func (r *run) evaluate(ctx context.Context, id string) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if r.stopped.Load() {
		return
	}
	node, ok := r.graph.Node(id)
	if !ok {
		return
	}

	status, err := r.tracker.Get(id)
	if err != nil {
		r.setFatal(err)
		return
	}
	if status.IsTerminal() {
		return
	}
	switch status {
	case StatusWaiting, StatusProxyDeploying, StatusDeploying:
	default:
		r.setFatal(NewInternalError(fmt.Sprintf("node evaluated in unexpected status %s", status), nil).WithResource(id))
		return
	}

	if !r.dependenciesMet(ctx, node) {
		return
	}

	if !r.relationsMet(node) {
		return
	}

	r.setStatus(ctx, node, StatusDeploying, nil, "")

	if err := r.act(ctx, node); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.log.Error().Err(err).
			Str("node_id", id).
			Str("action", node.Description()).
			Msg("action failed")
		r.setStatus(ctx, node, StatusFailed, err, "")
		return
	}

	ws, err := r.checkDone(ctx, node)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		r.log.Error().Err(err).Str("node_id", id).Msg("readiness check failed")
		r.setStatus(ctx, node, StatusFailed, err, "")
		return
	}
	if !ws.Done {
		r.setStatus(ctx, node, StatusWaiting, nil, ws.Message)
		r.tracker.Describe(id, ws.Message)
		return
	}

	r.setStatus(ctx, node, node.Goal, nil, "")
}

// dependenciesMet inspects the successors of node. A failed successor
// fails node. Structural edges, and soft edges produced by another node's
// relation, must have reached their goal; the node's own soft edges are
// left to its relation.
func (r *run) dependenciesMet(ctx context.Context, node *Node) bool {
	for _, e := range r.graph.OutEdges(node) {
		st, err := r.tracker.Get(e.To)
		if err != nil {
			r.setFatal(err)
			return false
		}
		if st == StatusFailed {
			r.setStatus(ctx, node, StatusFailed, ErrDependencyFailed, "")
			return false
		}
		if e.OwnedBy(node.ID) || r.ownedByMembers(node.ID, e) {
			continue
		}
		if !st.IsSuccess() {
			return false
		}
	}
	return true
}

// ownedByMembers reports whether e is a soft edge produced only by the
// relations of leader's group members. Such edges are left to
// relationsMet.
func (r *run) ownedByMembers(leader string, e Edge) bool {
	if e.Hard || e.Group || len(e.Owners) == 0 {
		return false
	}
	for _, o := range e.Owners {
		if l, ok := r.graph.Leader(o); !ok || l != leader {
			return false
		}
	}
	return true
}

// relationsMet evaluates the relation of node and, for a group leader,
// the relations of its members. Members wait through their leader, so
// the action runs only once each member's relation holds.
func (r *run) relationsMet(node *Node) bool {
	if node.Wait != nil && node.Wait.DependsOn != nil {
		if !r.relationHolds(node.ID, node.Wait.DependsOn, r.checker(node.ID)) {
			return false
		}
	}
	for _, m := range r.graph.Members(node.ID) {
		if m.Wait == nil || m.Wait.DependsOn == nil {
			continue
		}
		if !r.relationHolds(node.ID, m.Wait.DependsOn, r.memberChecker(node.ID, m.ID)) {
			return false
		}
	}
	return true
}

func (r *run) relationHolds(id string, rel *relation.Relation, check relation.Checker) bool {
	res := relation.EvaluateWithStatus(rel, check)
	if !res.Done {
		r.tracker.Describe(id, res.Status)
		r.log.Trace().Str("node_id", id).Str("waiting", res.Status).Msg("relation not satisfied")
	}
	return res.Done
}

// memberChecker answers the relation edges of member on behalf of its
// leader. Edges to the leader's own group are enforced at the member.
func (r *run) memberChecker(leader, member string) relation.Checker {
	return func(from, to relation.Dependency) bool {
		if fromID, ok := r.graph.DependencyID(from); !ok || (fromID != member && fromID != leader) {
			return true
		}
		toID, ok := r.graph.DependencyID(to)
		if !ok {
			return false
		}
		if toID == leader {
			return true
		}
		if l, ok := r.graph.Leader(toID); ok && l == leader {
			return true
		}
		st, err := r.tracker.Get(toID)
		return err == nil && st.IsSuccess()
	}
}

// checker answers relation edges of node self. Edges starting at another
// node are enforced by the graph at that node and count as satisfied here.
func (r *run) checker(self string) relation.Checker {
	return func(from, to relation.Dependency) bool {
		if fromID, ok := r.graph.DependencyID(from); !ok || fromID != self {
			return true
		}
		toID, ok := r.graph.DependencyID(to)
		if !ok {
			return false
		}
		st, err := r.tracker.Get(toID)
		return err == nil && st.IsSuccess()
	}
}

// act runs the node's action once per run. It is skipped in dry-run.
func (r *run) act(ctx context.Context, node *Node) error {
	if r.opts.DryRun || node.Wait == nil || node.Wait.Action == nil {
		return nil
	}

	r.mu.Lock()
	ran := r.actionRan[node.ID]
	r.actionRan[node.ID] = true
	r.mu.Unlock()
	if ran {
		return nil
	}

	start := time.Now()
	err := runAction(ctx, node.Wait.Action)
	ev := StatusEvent{
		Type:        EventTypeActionCompleted,
		NodeID:      node.ID,
		Description: node.Description(),
		Duration:    time.Since(start),
	}
	if err != nil {
		ev.Type = EventTypeActionFailed
		ev.Error = err.Error()
	}
	r.emit(ctx, ev)
	return err
}

func runAction(ctx context.Context, act ActFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("action panicked: %v", p)
		}
	}()
	return act(ctx)
}

// checkDone asks the node whether it actually reached its goal.
func (r *run) checkDone(ctx context.Context, node *Node) (WaitStatus, error) {
	if r.opts.DryRun {
		return Ready(), nil
	}
	if node.Wait != nil && node.Wait.DeployedWhen != nil {
		return node.Wait.DeployedWhen(ctx, node.Goal)
	}
	if node.Resource != nil {
		return node.Resource.DeployedWhen(ctx, node.Goal)
	}
	return Ready(), nil
}

// setStatus records a transition and performs its consequences: acting-for
// resources follow a deploying or failed action, and terminal nodes
// release their predecessors.
func (r *run) setStatus(ctx context.Context, node *Node, status DeployStatus, err error, description string) {
	changed, serr := r.tracker.Set(ctx, node.ID, status, err, description)
	if serr != nil {
		r.setFatal(serr)
		return
	}
	if !changed {
		return
	}
	if err != nil {
		status = StatusFailed
	}

	if status == StatusDeploying || status == StatusFailed {
		derived := status
		if status == StatusDeploying {
			derived = StatusProxyDeploying
		}
		for _, c := range node.ActingFor() {
			if c.Resource == nil {
				continue
			}
			member, ok := r.graph.Node(c.Resource.ID())
			if !ok || member.ID == node.ID {
				continue
			}
			r.setStatus(ctx, member, derived, err, "")
		}
	}

	if status.IsTerminal() {
		r.progress.Add(1)
		preds := r.graph.Predecessors(node)
		if status.IsSuccess() {
			r.graph.RemoveNode(node)
		}
		for _, p := range preds {
			r.enqueue(ctx, p.ID)
		}
	}
}

// abort stops the run after ctx ended and fails every incomplete node.
// It reports whether the cause was the run deadline.
func (r *run) abort(parent context.Context, cause error) bool {
	r.stopped.Store(true)
	timedOut := errors.Is(cause, context.DeadlineExceeded)

	var err error
	if timedOut {
		err = NewPermanentError(
			fmt.Sprintf("Deploy operation timed out after %g seconds", r.opts.Timeout.Seconds()),
			nil,
		).WithCode(ErrCodeTimeout)
		r.emit(parent, StatusEvent{Type: EventTypeRunTimedOut})
		r.log.Warn().Dur("timeout", r.opts.Timeout).Msg("deploy operation timed out")
	} else {
		err = NewPermanentError("Deploy operation cancelled", cause).WithCode(ErrCodeCancelled)
		r.log.Warn().Err(cause).Msg("deploy operation cancelled")
	}

	r.failRemaining(context.WithoutCancel(parent), err)
	return timedOut
}

// failRemaining forces every non-terminal node to StatusFailed.
func (r *run) failRemaining(ctx context.Context, err error) {
	for _, id := range r.tracker.NonTerminal() {
		if _, serr := r.tracker.Set(ctx, id, StatusFailed, err, ""); serr != nil {
			r.log.Error().Err(serr).Str("node_id", id).Msg("failed to mark node failed")
		}
	}
}

func (r *run) setFatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		r.fatal = err
		r.log.Error().Err(err).Msg("aborting run on internal error")
	}
	r.stopped.Store(true)
}

func (r *run) fatalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

func (r *run) emit(ctx context.Context, ev StatusEvent) {
	if r.opts.Observer == nil {
		return
	}
	ev.Sequence = r.opts.SequenceID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	r.opts.Observer.OnEvent(ctx, ev)
}
