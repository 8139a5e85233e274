package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/deployer/pkg/relation"
)

// recorder is an Observer keeping every event in order.
type recorder struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (r *recorder) OnEvent(_ context.Context, ev StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// index returns the position of the first event matching fn, or -1.
func (r *recorder) index(fn func(StatusEvent) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ev := range r.events {
		if fn(ev) {
			return i
		}
	}
	return -1
}

func (r *recorder) reached(id string, status DeployStatus) int {
	return r.index(func(ev StatusEvent) bool {
		return ev.Type == EventTypeNodeStatus && ev.NodeID == id && ev.To == status
	})
}

// orderLog records the order in which actions ran.
type orderLog struct {
	mu    sync.Mutex
	order []string
}

func (o *orderLog) act(name string) ActFunc {
	return func(context.Context) error {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.order = append(o.order, name)
		return nil
	}
}

func (o *orderLog) position(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, n := range o.order {
		if n == name {
			return i
		}
	}
	return -1
}

func fastOptions() ExecuteOptions {
	return ExecuteOptions{PollInterval: 5 * time.Millisecond, Timeout: 5 * time.Second}
}

func TestExecuteGroupOrderingDeploy(t *testing.T) {
	log := &orderLog{}
	r1, r2, r3 := newResource("r1"), newResource("r2"), newResource("r3")
	actions := []*Action{
		{Description: "a1", Changes: []Change{{Resource: r1, Type: ChangeCreate}}, Act: log.act("a1")},
		{Description: "a2", Changes: []Change{{Resource: r2, Type: ChangeCreate}}, Act: log.act("a2")},
		{Description: "a3", Changes: []Change{{Resource: r3, Type: ChangeCreate}}, Act: log.act("a3")},
	}

	g, err := CreateExecutionPlan(PlanOptions{
		Resources:        []Resource{r1, r2, r3},
		Actions:          actions,
		HardDependencies: []HardDependency{{From: r1, To: r2}},
		Goal:             GoalDeployed,
	})
	if err != nil {
		t.Fatalf("CreateExecutionPlan failed: %v", err)
	}

	rec := &recorder{}
	opts := fastOptions()
	opts.Observer = rec
	result, err := Execute(context.Background(), g, opts)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Status != StatusDeployed {
		t.Fatalf("Expected deployed, got %s\n%+v", result.Status, result.Nodes)
	}
	a1, a2 := log.position("a1"), log.position("a2")
	if a1 < 0 || a2 < 0 {
		t.Fatalf("Expected both a1 and a2 to run, got %v", log.order)
	}
	if a2 > a1 {
		t.Errorf("Expected a2 before a1, got %v", log.order)
	}
	if result.Counts[StatusDeployed] != 6 {
		t.Errorf("Expected 6 deployed nodes, got %v", result.Counts)
	}
	if result.PrimitiveCounts[StatusDeployed] != 3 || result.NonPrimitiveCounts[StatusDeployed] != 3 {
		t.Errorf("Unexpected primitive breakdown %v / %v", result.PrimitiveCounts, result.NonPrimitiveCounts)
	}

	for i, r := range []string{"r1", "r2"} {
		actionID := fmt.Sprintf("action:%d", i+1)
		actionDone := rec.reached(actionID, StatusDeployed)
		resourceDone := rec.reached(r, StatusDeployed)
		if actionDone < 0 || resourceDone < actionDone {
			t.Errorf("Expected %s deployed after %s (%d < %d)", r, actionID, resourceDone, actionDone)
		}
		if rec.reached(r, StatusProxyDeploying) < 0 {
			t.Errorf("Expected %s to be proxy deploying while its action ran", r)
		}
	}
}

func TestExecuteGroupOrderingDestroy(t *testing.T) {
	log := &orderLog{}
	r1, r2, r3 := newResource("r1"), newResource("r2"), newResource("r3")
	actions := []*Action{
		{Description: "d1", Changes: []Change{{Resource: r1, Type: ChangeDelete}}, Act: log.act("d1")},
		{Description: "d2", Changes: []Change{{Resource: r2, Type: ChangeDelete}}, Act: log.act("d2")},
		{Description: "d3", Changes: []Change{{Resource: r3, Type: ChangeDelete}}, Act: log.act("d3")},
	}

	g, err := CreateExecutionPlan(PlanOptions{
		Resources:        []Resource{r1, r2, r3},
		Actions:          actions,
		HardDependencies: []HardDependency{{From: r1, To: r2}},
		Goal:             GoalDestroyed,
	})
	if err != nil {
		t.Fatalf("CreateExecutionPlan failed: %v", err)
	}

	opts := fastOptions()
	opts.Goal = GoalDestroyed
	result, err := Execute(context.Background(), g, opts)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Status != StatusDestroyed {
		t.Fatalf("Expected destroyed, got %s\n%+v", result.Status, result.Nodes)
	}
	if log.position("d1") > log.position("d2") {
		t.Errorf("Expected d1 before d2 when destroying, got %v", log.order)
	}
}

func TestExecuteFailureCascade(t *testing.T) {
	kids := make([]*testResource, 5)
	for i := range kids {
		kids[i] = newResource(fmt.Sprintf("kid%d", i))
	}
	kids[0].deps = []relation.Dependency{kids[1]}
	kids[4].deps = []relation.Dependency{kids[2]}
	kids[2].action = func(context.Context) error { return errors.New("kid2 exploded") }

	g := NewExecutionGraph()
	nodes := make([]*Node, 5)
	for i, k := range kids {
		nodes[i] = mustResourceNode(t, g, k, GoalDeployed)
	}
	if err := g.AddHardDependency(nodes[1], nodes[2]); err != nil {
		t.Fatal(err)
	}
	if err := g.AddHardDependency(nodes[2], nodes[3]); err != nil {
		t.Fatal(err)
	}
	for _, k := range kids {
		if err := g.AddResourceDependencies(k); err != nil {
			t.Fatalf("AddResourceDependencies failed: %v", err)
		}
	}

	result, err := Execute(context.Background(), g, fastOptions())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Status != StatusFailed {
		t.Errorf("Expected failed aggregate, got %s", result.Status)
	}
	if got := result.Nodes["kid3"].Status; got != StatusDeployed {
		t.Errorf("Expected kid3 deployed, got %s", got)
	}
	if got := result.Nodes["kid2"]; got.Status != StatusFailed || got.Error != "kid2 exploded" {
		t.Errorf("Expected kid2 failed with its action error, got %+v", got)
	}
	for _, id := range []string{"kid0", "kid1", "kid4"} {
		got := result.Nodes[id]
		if got.Status != StatusFailed || got.Error != MsgDependencyFailed {
			t.Errorf("Expected %s failed with %q, got %+v", id, MsgDependencyFailed, got)
		}
	}
}

func TestExecuteTimeout(t *testing.T) {
	actions := make([]*Action, 5)
	for i := range actions {
		actions[i] = &Action{
			Description: fmt.Sprintf("action %d", i),
			Act: func(ctx context.Context) error {
				if i < 2 {
					return nil
				}
				select {
				case <-time.After(10 * time.Second):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		}
	}

	g, err := CreateExecutionPlan(PlanOptions{Actions: actions})
	if err != nil {
		t.Fatalf("CreateExecutionPlan failed: %v", err)
	}

	start := time.Now()
	result, err := Execute(context.Background(), g, ExecuteOptions{
		PollInterval: 5 * time.Millisecond,
		Timeout:      200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Expected Execute to return at the deadline, took %s", elapsed)
	}

	if result.Status != StatusFailed || !result.TimedOut {
		t.Errorf("Expected timed out failure, got %s (timed out %v)", result.Status, result.TimedOut)
	}
	timedOut := regexp.MustCompile(`timed out after [0-9.]+ seconds`)
	for i := 0; i < 5; i++ {
		got := result.Nodes[fmt.Sprintf("action:%d", i+1)]
		if i < 2 {
			if got.Status != StatusDeployed {
				t.Errorf("Expected action %d deployed, got %+v", i, got)
			}
			continue
		}
		if got.Status != StatusFailed || !timedOut.MatchString(got.Error) {
			t.Errorf("Expected action %d to time out, got %+v", i, got)
		}
	}
}

func TestExecuteDryRun(t *testing.T) {
	var calls atomic.Int32
	spy := func(context.Context) error {
		calls.Add(1)
		return nil
	}

	r1, r2 := newResource("r1"), newResource("r2")
	r2.deps = []relation.Dependency{r1}
	r1.notReady = 100
	actions := []*Action{
		{Description: "create r1", Changes: []Change{{Resource: r1, Type: ChangeCreate}}, Act: spy},
		{Description: "create r2", Changes: []Change{{Resource: r2, Type: ChangeCreate}}, Act: spy},
	}
	g, err := CreateExecutionPlan(PlanOptions{Resources: []Resource{r1, r2}, Actions: actions})
	if err != nil {
		t.Fatalf("CreateExecutionPlan failed: %v", err)
	}

	sink := &mockSink{}
	opts := fastOptions()
	opts.DryRun = true
	opts.Sink = sink
	result, err := Execute(context.Background(), g, opts)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if calls.Load() != 0 {
		t.Errorf("Expected no action calls in dry-run, got %d", calls.Load())
	}
	if sink.writes() != 0 {
		t.Errorf("Expected no sink writes in dry-run, got %d", sink.writes())
	}
	if r1.checks != 0 {
		t.Errorf("Expected no readiness checks in dry-run, got %d", r1.checks)
	}
	if result.Status != StatusDeployed || result.Counts[StatusDeployed] != 4 {
		t.Errorf("Expected every node deployed, got %s %v", result.Status, result.Counts)
	}
	if !result.DryRun {
		t.Error("Expected result to be marked as dry-run")
	}
}

func TestExecutePollsUntilDeployed(t *testing.T) {
	var calls atomic.Int32
	r := newResource("slow")
	r.notReady = 2
	r.action = func(context.Context) error {
		calls.Add(1)
		return nil
	}

	g, err := CreateExecutionPlan(PlanOptions{Resources: []Resource{r}})
	if err != nil {
		t.Fatalf("CreateExecutionPlan failed: %v", err)
	}

	rec := &recorder{}
	opts := fastOptions()
	opts.Observer = rec
	result, err := Execute(context.Background(), g, opts)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Nodes["slow"].Status != StatusDeployed {
		t.Fatalf("Expected slow deployed, got %+v", result.Nodes["slow"])
	}
	if calls.Load() != 1 {
		t.Errorf("Expected the action to run once, ran %d times", calls.Load())
	}
	if r.checks != 3 {
		t.Errorf("Expected 3 readiness checks, got %d", r.checks)
	}
	if result.Passes < 3 {
		t.Errorf("Expected at least 3 passes, got %d", result.Passes)
	}
	waitingAgain := rec.index(func(ev StatusEvent) bool {
		return ev.NodeID == "slow" && ev.From == StatusDeploying && ev.To == StatusWaiting
	})
	if waitingAgain < 0 {
		t.Error("Expected the node to return to waiting while not converged")
	}
}

func TestExecuteAnyOfProceedsEarly(t *testing.T) {
	fast, slow, z := newResource("fast"), newResource("slow"), newResource("z")
	slow.notReady = 3
	z.deps = []relation.Dependency{fast, slow}
	z.anyOf = true

	g, err := CreateExecutionPlan(PlanOptions{Resources: []Resource{fast, slow, z}})
	if err != nil {
		t.Fatalf("CreateExecutionPlan failed: %v", err)
	}

	rec := &recorder{}
	opts := fastOptions()
	opts.Observer = rec
	result, err := Execute(context.Background(), g, opts)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != StatusDeployed {
		t.Fatalf("Expected deployed, got %s", result.Status)
	}
	if rec.reached("z", StatusDeployed) > rec.reached("slow", StatusDeployed) {
		t.Error("Expected z to deploy before slow converged")
	}
}

func TestExecuteGroupedAnyOfProceedsEarly(t *testing.T) {
	fast, slow, z := newResource("fast"), newResource("slow"), newResource("z")
	slow.notReady = math.MaxInt
	z.deps = []relation.Dependency{fast, slow}
	z.anyOf = true

	var ran atomic.Bool
	create := &Action{
		Description: "create z",
		Changes:     []Change{{Resource: z, Type: ChangeCreate}},
		Act: func(context.Context) error {
			ran.Store(true)
			return nil
		},
	}

	g, err := CreateExecutionPlan(PlanOptions{Resources: []Resource{fast, slow, z}, Actions: []*Action{create}})
	if err != nil {
		t.Fatalf("CreateExecutionPlan failed: %v", err)
	}

	result, err := Execute(context.Background(), g, ExecuteOptions{
		PollInterval: 5 * time.Millisecond,
		Timeout:      300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !ran.Load() {
		t.Fatal("Expected the action of z to run once fast was deployed")
	}
	if got := result.Nodes["z"].Status; got != StatusDeployed {
		t.Errorf("Expected z deployed, got %s (%s)", got, result.Nodes["z"].Error)
	}
	if got := result.Nodes["action:1"].Status; got != StatusDeployed {
		t.Errorf("Expected the action deployed, got %s", got)
	}
	if got := result.Nodes["slow"].Status; got != StatusFailed || !result.TimedOut {
		t.Errorf("Expected slow to time out, got %s (timed out %v)", got, result.TimedOut)
	}
}

func TestExecuteGroupedAllOfWaitsForEveryDependency(t *testing.T) {
	fast, slow, z := newResource("fast"), newResource("slow"), newResource("z")
	slow.notReady = 5
	z.deps = []relation.Dependency{fast, slow}

	log := &orderLog{}
	create := &Action{
		Description: "create z",
		Changes:     []Change{{Resource: z, Type: ChangeCreate}},
		Act:         log.act("create z"),
	}

	g, err := CreateExecutionPlan(PlanOptions{Resources: []Resource{fast, slow, z}, Actions: []*Action{create}})
	if err != nil {
		t.Fatalf("CreateExecutionPlan failed: %v", err)
	}

	rec := &recorder{}
	opts := fastOptions()
	opts.Observer = rec
	result, err := Execute(context.Background(), g, opts)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != StatusDeployed {
		t.Fatalf("Expected deployed, got %s\n%+v", result.Status, result.Nodes)
	}
	started := rec.reached("action:1", StatusDeploying)
	if started < 0 || started < rec.reached("slow", StatusDeployed) {
		t.Errorf("Expected the action to start after slow was deployed")
	}
	if log.position("create z") < 0 {
		t.Errorf("Expected the action to run, got %v", log.order)
	}
}

func TestExecuteWaitsForActionsIgnoringContext(t *testing.T) {
	var finished atomic.Bool
	stubborn := &Action{
		Description: "stubborn",
		Act: func(context.Context) error {
			time.Sleep(150 * time.Millisecond)
			finished.Store(true)
			return nil
		},
	}

	g, err := CreateExecutionPlan(PlanOptions{Actions: []*Action{stubborn}})
	if err != nil {
		t.Fatalf("CreateExecutionPlan failed: %v", err)
	}

	result, err := Execute(context.Background(), g, ExecuteOptions{
		PollInterval: 5 * time.Millisecond,
		Timeout:      30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !finished.Load() {
		t.Error("Expected Execute to wait for the running action")
	}
	if !result.TimedOut || result.Nodes["action:1"].Status != StatusFailed {
		t.Errorf("Expected the action to fail on the deadline, got %+v", result.Nodes["action:1"])
	}
}

func TestExecuteConcurrencyLimit(t *testing.T) {
	var running, peak atomic.Int32
	act := func(context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	}

	actions := make([]*Action, 6)
	for i := range actions {
		actions[i] = &Action{Description: fmt.Sprintf("a%d", i), Act: act}
	}
	g, err := CreateExecutionPlan(PlanOptions{Actions: actions})
	if err != nil {
		t.Fatalf("CreateExecutionPlan failed: %v", err)
	}

	opts := fastOptions()
	opts.ConcurrencyLimit = 2
	result, err := Execute(context.Background(), g, opts)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != StatusDeployed {
		t.Fatalf("Expected deployed, got %s", result.Status)
	}
	if p := peak.Load(); p > 2 || p < 1 {
		t.Errorf("Expected at most 2 concurrent actions, saw %d", p)
	}
}

func TestExecuteSeriesRunsInOrder(t *testing.T) {
	log := &orderLog{}
	actions := []*Action{
		{Description: "first", Act: log.act("first")},
		{Description: "second", Act: log.act("second")},
		{Description: "third", Act: log.act("third")},
	}
	g, err := CreateExecutionPlan(PlanOptions{
		Actions: actions,
		Series:  [][]*Action{{actions[0], actions[1], actions[2]}},
	})
	if err != nil {
		t.Fatalf("CreateExecutionPlan failed: %v", err)
	}

	if _, err := Execute(context.Background(), g, fastOptions()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if fmt.Sprint(log.order) != "[first second third]" {
		t.Errorf("Expected series order, got %v", log.order)
	}
}

func TestExecuteWritesSink(t *testing.T) {
	sink := &mockSink{}
	g, err := CreateExecutionPlan(PlanOptions{Resources: []Resource{newResource("only")}})
	if err != nil {
		t.Fatalf("CreateExecutionPlan failed: %v", err)
	}

	opts := fastOptions()
	opts.Sink = sink
	opts.SequenceID = 42
	if _, err := Execute(context.Background(), g, opts); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.aggregate) != 1 || sink.aggregate[0] != StatusDeployed {
		t.Errorf("Expected final deployed aggregate, got %v", sink.aggregate)
	}
	if len(sink.updates) != 3 {
		t.Errorf("Expected waiting, deploying and deployed writes, got %+v", sink.updates)
	}
	for _, seq := range sink.sequences {
		if seq != 42 {
			t.Errorf("Expected sequence 42, got %d", seq)
		}
	}
}

func TestExecuteRejectsCycles(t *testing.T) {
	g := NewExecutionGraph()
	a := mustResourceNode(t, g, newResource("a"), GoalDeployed)
	b := mustResourceNode(t, g, newResource("b"), GoalDeployed)
	_ = g.AddHardDependency(a, b)
	_ = g.AddHardDependency(b, a)

	result, err := Execute(context.Background(), g, fastOptions())
	if err == nil || result != nil {
		t.Fatalf("Expected configuration error, got %v, %v", result, err)
	}
	if !IsConfiguration(err) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestExecuteCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	block := &Action{Description: "block", Act: func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}}
	g, err := CreateExecutionPlan(PlanOptions{Actions: []*Action{block}})
	if err != nil {
		t.Fatalf("CreateExecutionPlan failed: %v", err)
	}

	result, err := Execute(ctx, g, ExecuteOptions{PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != StatusFailed || result.TimedOut {
		t.Errorf("Expected cancelled failure, got %s (timed out %v)", result.Status, result.TimedOut)
	}
	if got := result.Nodes["action:1"].Error; got != "Deploy operation cancelled: context canceled" {
		t.Errorf("Unexpected error %q", got)
	}
}
