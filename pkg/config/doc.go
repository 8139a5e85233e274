// Package config loads deployment manifests and deployer settings.
//
// A manifest lists the desired resources, the resources each one depends
// on, the actions that deploy and destroy it and an optional readiness
// check. Manifests are written in YAML, JSON or CUE:
//
//	name: shop
//	resources:
//	  - id: db
//	    deploy: {kind: exec, command: [./scripts/db-up.sh]}
//	    readiness: {kind: exec, command: [pg_isready]}
//	  - id: web
//	    depends_on: [db]
//	    deploy: {kind: starlark, script: "print('deploying', resource)"}
//
// Loader validates a manifest against the built-in CUE schema, the
// validator struct tags and its cross references, and reports every
// problem at once as ValidationErrors.
//
// StarlarkEvaluator runs the starlark actions and readiness checks.
// ManifestWatcher reloads a manifest on change for "deployer watch".
package config
