package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedResourcesPolicy(),
		productionTeardownPolicy(),
		massDeletionPolicy(),
	}
}

// protectedResourcesPolicy keeps protected resources from being torn down.
func protectedResourcesPolicy() Policy {
	return Policy{
		Name:        "protected-resources",
		Description: "Prevents deletion or replacement of resources marked protected",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety"},
		Rego: `package deployer.policies.protected

import rego.v1

destructive := {"delete", "replace"}

deny contains violation if {
	some change in input.changes
	change.protected
	destructive[change.type]

	violation := {
		"message": sprintf("resource %s is protected and cannot be %sd", [change.resource, change.type]),
		"severity": "critical",
		"resource": change.resource,
	}
}`,
	}
}

// productionTeardownPolicy blocks destroying production-labelled resources
// outside a dry run.
func productionTeardownPolicy() Policy {
	return Policy{
		Name:        "production-teardown",
		Description: "Prevents destroying resources labelled env=production outside a dry run",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety", "production"},
		Rego: `package deployer.policies.production

import rego.v1

deny contains violation if {
	input.goal == "destroyed"
	not input.dry_run

	some change in input.changes
	change.type == "delete"
	change.labels.env == "production"

	violation := {
		"message": sprintf("production resource %s may not be destroyed while production-teardown is enabled", [change.resource]),
		"severity": "error",
		"resource": change.resource,
	}
}`,
	}
}

// massDeletionPolicy warns about plans that delete many resources while
// deploying.
func massDeletionPolicy() Policy {
	return Policy{
		Name:        "mass-deletion",
		Description: "Warns when a deploy plan deletes more than five resources",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"review"},
		Rego: `package deployer.policies.deletion

import rego.v1

max_deletions := 5

deny contains violation if {
	input.goal == "deployed"
	deletions := object.get(input.counts, "delete", 0)
	deletions > max_deletions

	violation := {
		"message": sprintf("plan deletes %d resources, review it carefully", [deletions]),
		"severity": "warning",
	}
}`,
	}
}
