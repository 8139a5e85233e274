package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// CUEParser evaluates manifests written in CUE. The evaluated value is
// exported to JSON and decoded into a Manifest, so CUE may use its full
// language (definitions, comprehensions, defaults) as long as the result is
// concrete.
type CUEParser struct {
	ctx *cue.Context
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{ctx: cuecontext.New()}
}

// ParseFile evaluates a single CUE file.
func (cp *CUEParser) ParseFile(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return cp.export(cp.ctx.CompileBytes(content, cue.Filename(path)))
}

// ParseDirectory evaluates a directory as a CUE package and returns the
// files it consists of.
func (cp *CUEParser) ParseDirectory(dir string) ([]byte, []string, error) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return nil, nil, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return nil, nil, convertCUEErrors(inst.Err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	data, err := cp.export(cp.ctx.BuildInstance(inst))
	return data, files, err
}

// ParseInline evaluates inline CUE content.
func (cp *CUEParser) ParseInline(content string) ([]byte, error) {
	return cp.export(cp.ctx.CompileString(content))
}

// export checks that val is valid and concrete and encodes it as JSON.
func (cp *CUEParser) export(val cue.Value) ([]byte, error) {
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}
	data, err := val.MarshalJSON()
	if err != nil {
		return nil, convertCUEErrors(err)
	}
	return data, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range errors.Errors(err) {
		var ve ValidationError
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		ve.Path = strings.Join(e.Path(), ".")
		format, args := e.Msg()
		ve.Message = fmt.Sprintf(format, args...)
		validationErrors = append(validationErrors, ve)
	}

	if len(validationErrors) == 0 {
		validationErrors = ValidationErrors{{Message: err.Error()}}
	}
	return validationErrors
}
