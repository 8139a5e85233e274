package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var resourceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Loader reads manifests from YAML, JSON or CUE and validates them in three
// stages: the CUE manifest schema, struct tags and cross references.
type Loader struct {
	cue       *CUEParser
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a new manifest loader.
func NewLoader() *Loader {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("resource_id", func(fl validator.FieldLevel) bool {
		return resourceIDPattern.MatchString(fl.Field().String())
	})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Loader{
		cue:       NewCUEParser(),
		schemas:   NewSchemaRegistry(),
		validator: v,
	}
}

// Load reads the manifest at path. Directories are loaded as CUE
// packages; files are decoded by extension.
func (l *Loader) Load(path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest %s: %w", path, err)
	}

	var (
		m     *Manifest
		files = []string{path}
	)
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case info.IsDir():
		data, dirFiles, err := l.cue.ParseDirectory(path)
		if err != nil {
			return nil, err
		}
		files = dirFiles
		m, err = decodeJSON(bytes.NewReader(data), path)
		if err != nil {
			return nil, err
		}
	case ext == ".cue":
		data, err := l.cue.ParseFile(path)
		if err != nil {
			return nil, err
		}
		m, err = decodeJSON(bytes.NewReader(data), path)
		if err != nil {
			return nil, err
		}
	case ext == ".yaml" || ext == ".yml" || ext == ".json":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open manifest: %w", err)
		}
		defer f.Close()
		// JSON is a subset of YAML.
		m, err = decodeYAML(f, path)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format %q (want .yaml, .yml, .json or .cue)", ext)
	}

	m.SourceFiles = files
	if err := l.Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadYAML decodes and validates a YAML manifest.
func (l *Loader) LoadYAML(r io.Reader) (*Manifest, error) {
	m, err := decodeYAML(r, "")
	if err != nil {
		return nil, err
	}
	if err := l.Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadCUE evaluates, decodes and validates an inline CUE manifest.
func (l *Loader) LoadCUE(content string) (*Manifest, error) {
	data, err := l.cue.ParseInline(content)
	if err != nil {
		return nil, err
	}
	m, err := decodeJSON(bytes.NewReader(data), "")
	if err != nil {
		return nil, err
	}
	if err := l.Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeYAML(r io.Reader, file string) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ValidationErrors{{File: file, Message: "manifest is empty"}}
		}
		return nil, ValidationErrors{{File: file, Message: err.Error()}}
	}
	return &m, nil
}

func decodeJSON(r io.Reader, file string) (*Manifest, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, ValidationErrors{{File: file, Message: err.Error()}}
	}
	return &m, nil
}

// Validate checks m against the manifest schema, its struct tags and its
// cross references. All problems are reported at once as ValidationErrors.
func (l *Loader) Validate(m *Manifest) error {
	file := ""
	if len(m.SourceFiles) == 1 {
		file = m.SourceFiles[0]
	}

	if err := l.schemas.ValidateAgainstSchema(ManifestSchema, m); err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			for i := range verrs {
				if verrs[i].File == "" || verrs[i].File == "-" {
					verrs[i].File = file
				}
			}
			return verrs
		}
		return err
	}

	var errs ValidationErrors
	if err := l.validator.Struct(m); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate manifest: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				File:    file,
				Path:    strings.TrimPrefix(fe.Namespace(), "Manifest."),
				Message: fmt.Sprintf("failed on the %q rule", fe.Tag()),
			})
		}
	}

	errs = append(errs, checkReferences(m, file)...)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// checkReferences reports duplicate IDs, references to unknown resources
// and remote settings on actions that cannot use them.
func checkReferences(m *Manifest, file string) ValidationErrors {
	var errs ValidationErrors
	add := func(path, format string, args ...interface{}) {
		errs = append(errs, ValidationError{File: file, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	ids := make(map[string]int, len(m.Resources))
	for i, r := range m.Resources {
		if prev, ok := ids[r.ID]; ok {
			add(fmt.Sprintf("resources[%d].id", i), "duplicate resource ID %q (first defined at resources[%d])", r.ID, prev)
			continue
		}
		ids[r.ID] = i
	}

	for i, r := range m.Resources {
		for j, dep := range r.DependsOn {
			path := fmt.Sprintf("resources[%d].depends_on[%d]", i, j)
			switch {
			case dep == r.ID:
				add(path, "resource %q depends on itself", r.ID)
			case !contains(ids, dep):
				add(path, "resource %q depends on unknown resource %q", r.ID, dep)
			}
		}
	}

	for i, r := range m.Resources {
		for _, a := range []struct {
			name string
			ac   *ActionConfig
		}{{"deploy", r.Deploy}, {"destroy", r.Destroy}} {
			if a.ac == nil {
				continue
			}
			path := fmt.Sprintf("resources[%d].%s", i, a.name)
			if a.ac.SSH != nil && a.ac.Kind != ActionKindExec {
				add(path+".ssh", "ssh requires an exec action, not %s", a.ac.Kind)
			}
			if len(a.ac.Files) > 0 && a.ac.SSH == nil {
				add(path+".files", "files are only uploaded to an ssh host")
			}
		}
		if r.Readiness != nil && r.Readiness.SSH != nil && r.Readiness.Kind != ActionKindExec {
			add(fmt.Sprintf("resources[%d].readiness.ssh", i), "ssh requires an exec check, not %s", r.Readiness.Kind)
		}
	}

	for i, s := range m.Series {
		seen := make(map[string]bool, len(s.Resources))
		for j, id := range s.Resources {
			path := fmt.Sprintf("series[%d].resources[%d]", i, j)
			if !contains(ids, id) {
				add(path, "series references unknown resource %q", id)
			}
			if seen[id] {
				add(path, "resource %q appears twice in the series", id)
			}
			seen[id] = true
		}
	}

	return errs
}

func contains(ids map[string]int, id string) bool {
	_, ok := ids[id]
	return ok
}
