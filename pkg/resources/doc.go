// Package resources turns a manifest into work for the execution engine.
//
// The Planner diffs the manifest against the state recorded by previous
// deployments and classifies every resource as a create, modify, replace,
// delete or no change. Each change becomes an engine action run by the
// Runner, which knows how to execute commands, Starlark scripts and the
// simple sleep, noop and fail kinds. Readiness checks are polled by the
// engine through Resource.DeployedWhen.
//
// After a run, Commit records what was actually deployed so that the next
// plan only contains what changed since.
package resources
