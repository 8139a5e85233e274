package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/deployer/pkg/relation"
)

// edgeInfo describes the edge from a node to one of its successors.
type edgeInfo struct {
	// hard edges come from AddHardDependency and are always enforced.
	hard bool

	// group edges tie a resource to the action that acts for it.
	group bool

	// owners are the nodes whose relation produced this soft edge.
	owners map[string]struct{}
}

// Edge is a read-only view of a dependency edge: From depends on To.
type Edge struct {
	From   string   `json:"from"`
	To     string   `json:"to"`
	Hard   bool     `json:"hard"`
	Group  bool     `json:"group"`
	Owners []string `json:"owners,omitempty"`
}

// OwnedBy reports whether the edge is soft and was produced only by the
// relation of node id.
func (e Edge) OwnedBy(id string) bool {
	if e.Hard || e.Group || len(e.Owners) == 0 {
		return false
	}
	for _, o := range e.Owners {
		if o != id {
			return false
		}
	}
	return true
}

// hardDep is a logical hard dependency as requested by the caller, before
// group promotion and goal orientation. Ordered dependencies keep their
// direction whatever the goal.
type hardDep struct {
	from    string
	to      string
	ordered bool
}

// softDep is one edge of a relation, recorded for the node owning the
// relation.
type softDep struct {
	from  string
	to    string
	owner string
}

// ExecutionGraph is a directed graph of resource and wait nodes. An edge
// from A to B means A may not proceed until B reached its goal.
// All methods are safe for concurrent use.
type ExecutionGraph struct {
	mu sync.RWMutex

	nodes map[string]*Node

	// index records insertion order for deterministic output.
	index   map[string]int
	counter int

	succ map[string]map[string]*edgeInfo
	pred map[string]map[string]struct{}

	// waitIDs maps each registered wait descriptor to its node. Entries
	// are never regenerated, also after the node is removed.
	waitIDs   map[*WaitInfo]string
	actionIDs map[*Action]string
	nextWait  int

	// leaders maps a group member to the action node acting for it.
	leaders map[string]string

	hardDeps    []hardDep
	hardDepSeen map[hardDep]bool

	softDeps    []softDep
	softDepSeen map[softDep]bool

	// materialized holds resources whose DependsOn has been consulted.
	materialized map[string]bool
}

// NewExecutionGraph creates an empty graph.
func NewExecutionGraph() *ExecutionGraph {
	return &ExecutionGraph{
		nodes:        make(map[string]*Node),
		index:        make(map[string]int),
		succ:         make(map[string]map[string]*edgeInfo),
		pred:         make(map[string]map[string]struct{}),
		waitIDs:      make(map[*WaitInfo]string),
		actionIDs:    make(map[*Action]string),
		leaders:      make(map[string]string),
		hardDepSeen:  make(map[hardDep]bool),
		softDepSeen:  make(map[softDep]bool),
		materialized: make(map[string]bool),
	}
}

// AddResourceNode adds a node for r, or returns the existing one.
func (g *ExecutionGraph) AddResourceNode(r Resource, goal GoalStatus) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addResourceNode(r, goal)
}

func (g *ExecutionGraph) addResourceNode(r Resource, goal GoalStatus) (*Node, error) {
	if r == nil {
		return nil, NewPermanentError("resource is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := ValidateGoal(goal); err != nil {
		return nil, NewPermanentError("invalid goal", err).WithCode(ErrCodeValidation).WithResource(r.ID())
	}

	id := r.ID()
	if id == "" {
		return nil, NewPermanentError("resource has empty ID", nil).WithCode(ErrCodeValidation)
	}
	if existing, ok := g.nodes[id]; ok {
		if existing.Resource != r {
			return nil, NewPermanentError(fmt.Sprintf("duplicate node ID: %s", id), nil).
				WithCode(ErrCodeDuplicate).WithResource(id)
		}
		return existing, nil
	}

	node := &Node{ID: id, Kind: NodeKindResource, Resource: r, Goal: goal}
	g.insert(node)
	return node, nil
}

// AddResourceDependencies consults r.DependsOn once and materializes the
// returned wait descriptor onto r's node. Later calls are no-ops.
func (g *ExecutionGraph) AddResourceDependencies(r Resource) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[r.ID()]
	if !ok || node.Resource != r {
		return NewPermanentError(fmt.Sprintf("resource %s is not part of the graph", r.ID()), nil).
			WithCode(ErrCodeInvalidReference).WithResource(r.ID())
	}
	if g.materialized[node.ID] {
		return nil
	}
	g.materialized[node.ID] = true

	wi := r.DependsOn(node.Goal, NewHelpers(r, node.Goal))
	if wi == nil {
		return nil
	}
	_, err := g.addWaitInfo(wi, node.Goal, r)
	return err
}

// AddAction adds a wait node running a's side effect and makes every
// resource a changes depend on it. The action becomes the group leader of
// those resources.
func (g *ExecutionGraph) AddAction(a *Action) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if a == nil {
		return nil, NewPermanentError("action is nil", nil).WithCode(ErrCodeValidation)
	}
	if id, ok := g.actionIDs[a]; ok {
		return g.nodes[id], nil
	}

	goal := a.Goal()
	wi := &WaitInfo{
		Description: a.Description,
		Action:      a.Act,
		ActingFor:   a.Changes,
	}
	g.nextWait++
	node := &Node{
		ID:   fmt.Sprintf("action:%d", g.nextWait),
		Kind: NodeKindWait,
		Wait: wi,
		Goal: goal,
	}
	g.insert(node)
	g.actionIDs[a] = node.ID
	g.waitIDs[wi] = node.ID

	for _, c := range a.Changes {
		if c.Resource == nil {
			continue
		}
		memberGoal := GoalDeployed
		if c.Type.IsDestructive() {
			memberGoal = GoalDestroyed
		}
		member, err := g.addResourceNode(c.Resource, memberGoal)
		if err != nil {
			return nil, err
		}
		if _, ok := g.leaders[member.ID]; !ok {
			g.leaders[member.ID] = node.ID
		}
		g.edge(member.ID, node.ID).group = true
	}

	return node, nil
}

// AddWaitInfo attaches wi to the node of r, or to a wait node of its own
// when r is nil, and materializes the edges of its relation. Wait
// descriptors referenced by the relation get wait nodes transitively.
func (g *ExecutionGraph) AddWaitInfo(wi *WaitInfo, goal GoalStatus, r Resource) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addWaitInfo(wi, goal, r)
}

func (g *ExecutionGraph) addWaitInfo(wi *WaitInfo, goal GoalStatus, r Resource) (*Node, error) {
	if wi == nil {
		return nil, NewPermanentError("wait descriptor is nil", nil).WithCode(ErrCodeValidation)
	}

	var node *Node
	if r != nil {
		n, err := g.addResourceNode(r, goal)
		if err != nil {
			return nil, err
		}
		if err := mergeWait(n, wi); err != nil {
			return nil, err
		}
		if id, ok := g.waitIDs[wi]; ok && id == n.ID {
			return n, nil
		}
		g.waitIDs[wi] = n.ID
		node = n
	} else {
		if id, ok := g.waitIDs[wi]; ok {
			if n, ok := g.nodes[id]; ok {
				return n, nil
			}
			return &Node{ID: id, Kind: NodeKindWait, Wait: wi, Goal: goal}, nil
		}
		if err := ValidateGoal(goal); err != nil {
			return nil, NewPermanentError("invalid goal", err).WithCode(ErrCodeValidation)
		}
		g.nextWait++
		node = &Node{ID: fmt.Sprintf("wait:%d", g.nextWait), Kind: NodeKindWait, Wait: wi, Goal: goal}
		g.insert(node)
		g.waitIDs[wi] = node.ID
	}

	for _, e := range relation.Edges(wi.DependsOn) {
		if e.To() == nil {
			continue
		}
		from, err := g.resolve(e.From(), goal, node)
		if err != nil {
			return nil, err
		}
		to, err := g.resolve(e.To(), goal, node)
		if err != nil {
			return nil, err
		}
		dep := softDep{from: from, to: to, owner: node.ID}
		if from == to || g.softDepSeen[dep] {
			continue
		}
		g.softDepSeen[dep] = true
		g.softDeps = append(g.softDeps, dep)
		g.materializeSoft(dep)
	}

	return node, nil
}

// materializeSoft adds the graph edge for a relation edge. A dependent
// that belongs to an action group waits through its leader, so the
// action does not run before the dependency is met.
func (g *ExecutionGraph) materializeSoft(dep softDep) {
	from := dep.from
	if l, ok := g.leaders[from]; ok && l != dep.to && g.leaders[dep.to] != l {
		from = l
	}
	if from == dep.to {
		return
	}
	if _, ok := g.nodes[from]; !ok {
		return
	}
	if _, ok := g.nodes[dep.to]; !ok {
		return
	}
	info := g.edge(from, dep.to)
	if info.owners == nil {
		info.owners = make(map[string]struct{})
	}
	info.owners[dep.owner] = struct{}{}
}

// mergeWait attaches wi to n. A second descriptor on the same node is
// merged: relations are and-ed, missing pieces are taken over.
func mergeWait(n *Node, wi *WaitInfo) error {
	if n.Wait == nil || n.Wait == wi {
		n.Wait = wi
		return nil
	}
	if n.Wait.Action != nil && wi.Action != nil {
		return NewPermanentError(fmt.Sprintf("node %s already has an action", n.ID), nil).
			WithCode(ErrCodeDuplicate).WithResource(n.ID)
	}

	merged := *n.Wait
	switch {
	case merged.DependsOn == nil:
		merged.DependsOn = wi.DependsOn
	case wi.DependsOn != nil:
		merged.DependsOn = relation.And(merged.DependsOn, wi.DependsOn)
	}
	if merged.Action == nil {
		merged.Action = wi.Action
	}
	if merged.DeployedWhen == nil {
		merged.DeployedWhen = wi.DeployedWhen
	}
	if merged.Description == "" {
		merged.Description = wi.Description
	}
	merged.ActingFor = append(append([]Change(nil), merged.ActingFor...), wi.ActingFor...)
	n.Wait = &merged
	return nil
}

// resolve maps a relation endpoint to a node ID.
func (g *ExecutionGraph) resolve(dep relation.Dependency, goal GoalStatus, owner *Node) (string, error) {
	switch d := dep.(type) {
	case *WaitInfo:
		n, err := g.addWaitInfo(d, goal, nil)
		if err != nil {
			return "", err
		}
		return n.ID, nil
	case Resource:
		if n, ok := g.nodes[d.ID()]; ok && n.Resource == d {
			return n.ID, nil
		}
	}
	return "", NewPermanentError(
		fmt.Sprintf("dependency of %s references %s, which is not part of the graph", owner.ID, dep),
		nil,
	).WithCode(ErrCodeInvalidReference).WithResource(owner.ID)
}

// AddHardDependency makes from depend on to. When an endpoint belongs to
// an action group the edge is moved to the group leader, and when from
// is being destroyed the edge is reversed.
func (g *ExecutionGraph) AddHardDependency(from, to *Node) error {
	return g.addHardDependency(from, to, false)
}

// AddOrderingDependency makes from run after to, in that direction for
// either goal. Group members are still promoted to their leaders.
func (g *ExecutionGraph) AddOrderingDependency(from, to *Node) error {
	return g.addHardDependency(from, to, true)
}

func (g *ExecutionGraph) addHardDependency(from, to *Node, ordered bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if from == nil || to == nil {
		return NewPermanentError("hard dependency endpoint is nil", nil).WithCode(ErrCodeValidation)
	}
	for _, n := range []*Node{from, to} {
		if _, ok := g.nodes[n.ID]; !ok {
			return NewPermanentError(fmt.Sprintf("node %s is not part of the graph", n.ID), nil).
				WithCode(ErrCodeInvalidReference).WithResource(n.ID)
		}
	}

	dep := hardDep{from: from.ID, to: to.ID, ordered: ordered}
	if g.hardDepSeen[dep] {
		return nil
	}
	g.hardDepSeen[dep] = true
	g.hardDeps = append(g.hardDeps, dep)
	g.materializeHard(dep)
	return nil
}

func (g *ExecutionGraph) materializeHard(dep hardDep) {
	fromNode, ok := g.nodes[dep.from]
	if !ok {
		return
	}
	if _, ok := g.nodes[dep.to]; !ok {
		return
	}

	from, to := dep.from, dep.to
	if l, ok := g.leaders[from]; ok {
		from = l
	}
	if l, ok := g.leaders[to]; ok {
		to = l
	}
	if from == to {
		return
	}
	if !dep.ordered && fromNode.Goal == GoalDestroyed {
		from, to = to, from
	}
	g.edge(from, to).hard = true
}

// ResolveGoalDirectionEdges re-derives every hard and relation edge from
// the logical dependencies, using the current goal of each node and the
// current group leaders.
func (g *ExecutionGraph) ResolveGoalDirectionEdges() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for from, out := range g.succ {
		for to, info := range out {
			info.hard = false
			info.owners = nil
			if !info.group {
				g.dropEdge(from, to)
			}
		}
	}
	for _, dep := range g.hardDeps {
		g.materializeHard(dep)
	}
	for _, dep := range g.softDeps {
		g.materializeSoft(dep)
	}
}

// RemoveNode drops n and all its edges.
func (g *ExecutionGraph) RemoveNode(n *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for to := range g.succ[n.ID] {
		delete(g.pred[to], n.ID)
	}
	for from := range g.pred[n.ID] {
		delete(g.succ[from], n.ID)
	}
	delete(g.succ, n.ID)
	delete(g.pred, n.ID)
	delete(g.nodes, n.ID)
}

// Node returns the node with the given ID.
func (g *ExecutionGraph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// DependencyID returns the node ID a relation endpoint refers to. It keeps
// working after the node has been removed.
func (g *ExecutionGraph) DependencyID(dep relation.Dependency) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	switch d := dep.(type) {
	case *WaitInfo:
		id, ok := g.waitIDs[d]
		return id, ok
	case Resource:
		return d.ID(), true
	}
	return "", false
}

// Leader returns the group leader of a member node.
func (g *ExecutionGraph) Leader(id string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.leaders[id]
	return l, ok
}

// Members returns the nodes whose group leader is the node with the given ID.
func (g *ExecutionGraph) Members(leader string) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ids []string
	for member, l := range g.leaders {
		if l == leader {
			if _, ok := g.nodes[member]; ok {
				ids = append(ids, member)
			}
		}
	}
	return g.sorted(ids)
}

// Predecessors returns the nodes that depend on n.
func (g *ExecutionGraph) Predecessors(n *Node) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sorted(keys(g.pred[n.ID]))
}

// Successors returns the nodes n depends on.
func (g *ExecutionGraph) Successors(n *Node) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.succ[n.ID]))
	for id := range g.succ[n.ID] {
		ids = append(ids, id)
	}
	return g.sorted(ids)
}

// OutEdges returns the edges from n to its successors.
func (g *ExecutionGraph) OutEdges(n *Node) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Edge, 0, len(g.succ[n.ID]))
	for to, info := range g.succ[n.ID] {
		out = append(out, g.view(n.ID, to, info))
	}
	sort.Slice(out, func(i, j int) bool { return g.index[out[i].To] < g.index[out[j].To] })
	return out
}

// Edges returns every edge of the graph.
func (g *ExecutionGraph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Edge
	for from, tos := range g.succ {
		for to, info := range tos {
			out = append(out, g.view(from, to, info))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return g.index[out[i].From] < g.index[out[j].From]
		}
		return g.index[out[i].To] < g.index[out[j].To]
	})
	return out
}

// Leaves returns the nodes that are not final and whose successors all
// are. With a nil isFinal it returns the nodes without successors.
func (g *ExecutionGraph) Leaves(isFinal func(id string) bool) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	for id := range g.nodes {
		if isFinal != nil && isFinal(id) {
			continue
		}
		leaf := true
		for to := range g.succ[id] {
			if isFinal == nil || !isFinal(to) {
				leaf = false
				break
			}
		}
		if leaf {
			ids = append(ids, id)
		}
	}
	return g.sorted(ids)
}

// AllNodes returns every node still in the graph in insertion order.
func (g *ExecutionGraph) AllNodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sorted(keys(g.nodes))
}

// Len returns the number of nodes still in the graph.
func (g *ExecutionGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Check verifies the graph is acyclic. The returned error lists every
// cycle, each rendered as "id -> id -> ... -> id".
func (g *ExecutionGraph) Check() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cycles := g.findCycles()
	if len(cycles) == 0 {
		return nil
	}

	rendered := make([]string, len(cycles))
	for i, c := range cycles {
		rendered[i] = formatCycle(c)
	}
	return NewPermanentError(
		fmt.Sprintf("dependency cycles detected: %s", strings.Join(rendered, "; ")),
		nil,
	).WithCode(ErrCodeCycle).WithDetail("cycles", rendered)
}

// findCycles computes the strongly connected components of the graph and
// extracts one cycle from each component that has one.
func (g *ExecutionGraph) findCycles() [][]string {
	var (
		next    int
		stack   []string
		onStack = make(map[string]bool)
		low     = make(map[string]int)
		num     = make(map[string]int)
		cycles  [][]string
	)

	var strongConnect func(id string)
	strongConnect = func(id string) {
		next++
		num[id], low[id] = next, next
		stack = append(stack, id)
		onStack[id] = true

		for _, to := range g.sortedSucc(id) {
			if num[to] == 0 {
				strongConnect(to)
				low[id] = min(low[id], low[to])
			} else if onStack[to] {
				low[id] = min(low[id], num[to])
			}
		}

		if low[id] != num[id] {
			return
		}
		component := make(map[string]bool)
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			component[top] = true
			if top == id {
				break
			}
		}
		if cycle := g.cycleIn(component); cycle != nil {
			cycles = append(cycles, cycle)
		}
	}

	for _, n := range g.sorted(keys(g.nodes)) {
		if num[n.ID] == 0 {
			strongConnect(n.ID)
		}
	}

	sort.Slice(cycles, func(i, j int) bool { return g.index[cycles[i][0]] < g.index[cycles[j][0]] })
	return cycles
}

// cycleIn returns a closed path through the first node of component, or
// nil if the component is a single node without a self loop.
func (g *ExecutionGraph) cycleIn(component map[string]bool) []string {
	members := make([]string, 0, len(component))
	for id := range component {
		members = append(members, id)
	}
	sort.Slice(members, func(i, j int) bool { return g.index[members[i]] < g.index[members[j]] })
	start := members[0]

	if len(members) == 1 {
		if _, self := g.succ[start][start]; !self {
			return nil
		}
		return []string{start, start}
	}

	visited := make(map[string]bool)
	var walk func(id string, path []string) []string
	walk = func(id string, path []string) []string {
		visited[id] = true
		path = append(path, id)
		for _, to := range g.sortedSucc(id) {
			if !component[to] {
				continue
			}
			if to == start {
				return append(path, start)
			}
			if !visited[to] {
				if found := walk(to, path); found != nil {
					return found
				}
			}
		}
		return nil
	}
	return walk(start, nil)
}

// GraphStats counts the nodes and edges of a graph by kind and goal.
type GraphStats struct {
	Nodes      int `json:"nodes"`
	Resources  int `json:"resources"`
	Waits      int `json:"waits"`
	Deploy     int `json:"deploy"`
	Destroy    int `json:"destroy"`
	HardEdges  int `json:"hard_edges"`
	GroupEdges int `json:"group_edges"`
	SoftEdges  int `json:"soft_edges"`
}

// Stats returns node and edge counts.
func (g *ExecutionGraph) Stats() GraphStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var s GraphStats
	for _, n := range g.nodes {
		s.Nodes++
		if n.Kind == NodeKindResource {
			s.Resources++
		} else {
			s.Waits++
		}
		if n.Goal == GoalDestroyed {
			s.Destroy++
		} else {
			s.Deploy++
		}
	}
	for _, tos := range g.succ {
		for _, info := range tos {
			switch {
			case info.group:
				s.GroupEdges++
			case info.hard:
				s.HardEdges++
			default:
				s.SoftEdges++
			}
		}
	}
	return s
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *ExecutionGraph) ToDOT() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("digraph ExecutionGraph {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, n := range g.sorted(keys(g.nodes)) {
		shape := "box"
		if n.Kind == NodeKindWait {
			shape = "ellipse"
		}
		label := strings.ReplaceAll(n.Description(), "\"", "\\\"")
		sb.WriteString(fmt.Sprintf("  \"%s\" [label=\"%s\\n%s\", shape=%s, fillcolor=\"%s\", style=\"filled,rounded\"];\n",
			n.ID, n.ID, label, shape, getGoalColor(n.Goal)))
	}
	sb.WriteString("\n")

	for _, n := range g.sorted(keys(g.nodes)) {
		for _, to := range g.sortedSucc(n.ID) {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n",
				n.ID, to, getEdgeStyle(g.succ[n.ID][to])))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (g *ExecutionGraph) insert(n *Node) {
	g.counter++
	g.nodes[n.ID] = n
	g.index[n.ID] = g.counter
}

// edge returns the edge from -> to, creating it if needed.
func (g *ExecutionGraph) edge(from, to string) *edgeInfo {
	out, ok := g.succ[from]
	if !ok {
		out = make(map[string]*edgeInfo)
		g.succ[from] = out
	}
	info, ok := out[to]
	if !ok {
		info = &edgeInfo{}
		out[to] = info
		in, ok := g.pred[to]
		if !ok {
			in = make(map[string]struct{})
			g.pred[to] = in
		}
		in[from] = struct{}{}
	}
	return info
}

func (g *ExecutionGraph) dropEdge(from, to string) {
	delete(g.succ[from], to)
	delete(g.pred[to], from)
}

func (g *ExecutionGraph) view(from, to string, info *edgeInfo) Edge {
	e := Edge{From: from, To: to, Hard: info.hard, Group: info.group}
	for o := range info.owners {
		e.Owners = append(e.Owners, o)
	}
	sort.Strings(e.Owners)
	return e
}

func (g *ExecutionGraph) sortedSucc(id string) []string {
	ids := make([]string, 0, len(g.succ[id]))
	for to := range g.succ[id] {
		ids = append(ids, to)
	}
	sort.Slice(ids, func(i, j int) bool { return g.index[ids[i]] < g.index[ids[j]] })
	return ids
}

func (g *ExecutionGraph) sorted(ids []string) []*Node {
	sort.Slice(ids, func(i, j int) bool { return g.index[ids[i]] < g.index[ids[j]] })
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := g.nodes[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// getGoalColor returns a color for visualizing node goals.
func getGoalColor(goal GoalStatus) string {
	switch goal {
	case GoalDeployed:
		return "lightgreen"
	case GoalDestroyed:
		return "lightcoral"
	default:
		return "white"
	}
}

// getEdgeStyle returns a DOT style string for edge kinds.
func getEdgeStyle(info *edgeInfo) string {
	switch {
	case info.group:
		return "style=bold, color=darkgreen"
	case info.hard:
		return "style=solid, color=black"
	default:
		return "style=dashed, color=blue"
	}
}
