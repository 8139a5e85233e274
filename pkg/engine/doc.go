// Package engine drives a set of resources toward a goal state, deployed or
// destroyed, honoring the dependencies declared between them.
//
// # Overview
//
// A deployment runs in two steps:
//
//  1. Plan - CreateExecutionPlan builds an ExecutionGraph from resources,
//     the actions that change them and the hard dependencies between them
//  2. Execute - Execute walks the graph in passes until every node reached
//     a terminal status, the deadline expired or an internal error occurred
//
// # Graph Model
//
// The graph holds two kinds of nodes:
//
//   - Resource nodes, one per Resource, identified by Resource.ID
//   - Wait nodes, one per WaitInfo that is not attached to a resource, and
//     one per Action
//
// An edge from A to B means A may not proceed until B reached its goal.
// Edges come from three places. A Resource's DependsOn returns a WaitInfo
// whose relation names the dependencies to wait for. An Action groups the
// resources it changes, and its node becomes their leader: the members wait
// for the action, and dependencies of a member are enforced on the leader.
// Hard dependencies are added by the caller and are reversed for nodes
// being destroyed, so that dependents go away before what they depend on.
//
// # Execution
//
// Each pass evaluates the nodes whose successors are all final. A node
// whose dependency failed fails too. Otherwise the node runs its action
// once and then polls its DeployedWhen check on every pass until it is
// done. While a group leader runs, its members are reported as
// ProxyDeploying.
//
//	graph, err := engine.CreateExecutionPlan(engine.PlanOptions{
//	    Resources: resources,
//	    Actions:   actions,
//	    Goal:      engine.GoalDeployed,
//	})
//	if err != nil {
//	    return err
//	}
//	result, err := engine.Execute(ctx, graph, engine.ExecuteOptions{
//	    ConcurrencyLimit: 4,
//	    Timeout:          10 * time.Minute,
//	    Sink:             store,
//	})
//
// Status changes are written to an optional StatusSink, unless the run is
// a dry run, and reported to an optional Observer.
//
// # Error Classification
//
// Errors carry a class and a code:
//
//   - Transient: the operation may succeed when retried
//   - Permanent: configuration problems such as cycles or unknown references
//   - Internal: broken engine invariants
//
//	if engine.IsConfiguration(err) {
//	    // Fix the plan
//	}
package engine
