// Package policy gates deployment plans with Open Policy Agent (OPA) Rego
// policies.
//
// Before a plan is executed its changes are described to every enabled
// policy as input:
//
//	{
//	  "manifest": "shop",
//	  "goal": "deployed",
//	  "dry_run": false,
//	  "counts": {"create": 1, "delete": 1},
//	  "changes": [
//	    {"resource": "db", "type": "delete", "kind": "exec",
//	     "protected": true, "composite": false, "labels": {"env": "prod"}}
//	  ]
//	}
//
// A policy is a Rego module defining a deny set. Members are either a
// message string or an object with message, severity and resource keys:
//
//	package custom.policies.owners
//
//	import rego.v1
//
//	deny contains violation if {
//	    some change in input.changes
//	    change.type == "create"
//	    not change.labels.owner
//
//	    violation := {
//	        "message": sprintf("%s needs an owner label", [change.resource]),
//	        "severity": "error",
//	        "resource": change.resource,
//	    }
//	}
//
// # Built-in Policies
//
//  1. protected-resources - protected resources are never deleted or replaced
//  2. production-teardown - env=production resources are only destroyed in a dry run
//  3. mass-deletion - warns when a deploy deletes more than five resources
//
// # Severity and Modes
//
// Violations of severity error or critical reject the plan in enforcing
// mode. In advisory mode every violation is reported and nothing is
// rejected. Policies that fail to evaluate count as rejections in
// enforcing mode.
//
// # Hot Reload
//
// The loader can watch policy paths and hand reloaded policies to the
// engine:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return engine.ReplaceLoaded(ctx, policies)
//	})
package policy
