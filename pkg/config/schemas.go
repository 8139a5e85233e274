package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in
// manifest schema.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(ManifestSchema, builtinManifestSchema, "#Manifest"); err != nil {
		panic(err)
	}
	return sr
}

// ManifestSchema is the name of the built-in manifest schema.
const ManifestSchema = "manifest"

// RegisterSchema compiles source and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}

	sr.schemas[name] = schema
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema. data is
// encoded through its JSON form so custom marshalers are honoured.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	// A cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.CompileBytes(encoded)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinManifestSchema = `
#ID: string & =~"^[a-zA-Z0-9][a-zA-Z0-9_.-]*$"

#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" | "0s"

#Action: {
	kind:      "exec" | "starlark" | "sleep" | "noop" | "fail"
	command?:  [...string]
	script?:   string
	duration?: #Duration
	message?:  string
	env?:      {[string]: string}
	dir?:      string
	timeout?:  #Duration
	ssh?:      #SSH
	files?: [...{
		source:      string & !=""
		destination: string & !=""
		mode?:       string & =~"^0?[0-7]{3,4}$"
	}]

	if kind == "exec" {
		command: [string, ...string]
	}
	if kind == "starlark" {
		script: string
	}
}

#Readiness: {
	kind:     "exec" | "starlark"
	command?: [...string]
	script?:  string
	timeout?: #Duration
	ssh?:     #SSH
}

#SSH: {
	host:                      string & !=""
	port?:                     int & >0 & <65536
	user:                      string & !=""
	key_file?:                 string
	password_env?:             string
	known_hosts?:              string
	insecure_ignore_host_key?: bool
}

#Resource: {
	id:           #ID
	description?: string
	depends_on?:  [...#ID]
	wait?:        "all" | "any"
	composite?:   bool
	protected?:   bool
	labels?:      {[string]: string}
	config?:      {...}
	deploy?:      #Action
	destroy?:     #Action
	readiness?:   #Readiness
}

#Series: {
	name?:     string
	resources: [#ID, #ID, ...#ID]
}

#Manifest: {
	name:      string & !=""
	resources?: [...#Resource]
	series?:   [...#Series]
	policy?: {
		paths?:           [...string]
		mode?:            "advisory" | "enforcing"
		disable_builtin?: bool
	}
}
`
