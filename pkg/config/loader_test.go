package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shopYAML = `
name: shop
resources:
  - id: db
    protected: true
    config:
      size: small
    deploy:
      kind: exec
      command: [sh, -c, "echo db"]
      timeout: 30s
    destroy:
      kind: noop
    readiness:
      kind: exec
      command: ["true"]
  - id: cache
    deploy:
      kind: sleep
      duration: 10ms
  - id: web
    depends_on: [db, cache]
    wait: any
    deploy:
      kind: starlark
      script: "ok = True"
series:
  - name: data
    resources: [db, cache]
policy:
  mode: enforcing
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func validationErrors(t *testing.T, err error) ValidationErrors {
	t.Helper()
	require.Error(t, err)
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs), "expected ValidationErrors, got %T: %v", err, err)
	return verrs
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "shop.yaml", shopYAML)

	m, err := NewLoader().Load(path)
	require.NoError(t, err)

	assert.Equal(t, "shop", m.Name)
	assert.Equal(t, []string{path}, m.SourceFiles)
	require.Len(t, m.Resources, 3)

	db, ok := m.Resource("db")
	require.True(t, ok)
	assert.True(t, db.Protected)
	assert.Equal(t, ActionKindExec, db.Kind())
	assert.Equal(t, 30*time.Second, db.Deploy.Timeout.Std())
	assert.Equal(t, "small", db.Config["size"])

	cache, _ := m.Resource("cache")
	assert.Equal(t, 10*time.Millisecond, cache.Deploy.Duration.Std())

	web, _ := m.Resource("web")
	assert.Equal(t, WaitAny, web.Wait)
	assert.Equal(t, []string{"db", "cache"}, web.DependsOn)

	require.Len(t, m.Series, 1)
	assert.Equal(t, []string{"db", "cache"}, m.Series[0].Resources)
	assert.Equal(t, "enforcing", m.Policy.Mode)
}

func TestLoadCUE(t *testing.T) {
	content := `
name: "shop"

#svc: {
	id:          string
	depends_on?: [...string]
	deploy: {kind: "noop"}
}

resources: [
	#svc & {id: "db"},
	#svc & {id: "web", depends_on: ["db"]},
]
`
	path := writeFile(t, t.TempDir(), "shop.cue", content)

	m, err := NewLoader().Load(path)
	require.NoError(t, err)
	require.Len(t, m.Resources, 2)
	assert.Equal(t, "web", m.Resources[1].ID)
	assert.Equal(t, ActionKindNoop, m.Resources[1].Kind())
	assert.Equal(t, []string{"db"}, m.Resources[1].DependsOn)
}

func TestLoadCUEInline(t *testing.T) {
	m, err := NewLoader().LoadCUE(`
name: "inline"
resources: [{id: "a", deploy: {kind: "sleep", duration: "1s"}}]
`)
	require.NoError(t, err)
	assert.Equal(t, time.Second, m.Resources[0].Deploy.Duration.Std())
}

func TestLoadCUEReportsNonConcreteValues(t *testing.T) {
	_, err := NewLoader().LoadCUE(`
name: string
resources: []
`)
	verrs := validationErrors(t, err)
	assert.NotEmpty(t, verrs[0].Message)
}

func TestLoadUnsupportedFormat(t *testing.T) {
	path := writeFile(t, t.TempDir(), "shop.toml", "name = 'shop'")

	_, err := NewLoader().Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported manifest format")
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := NewLoader().LoadYAML(strings.NewReader(`
name: shop
resources:
  - id: db
    deploy: {kind: noop}
    replicas: 3
`))
	verrs := validationErrors(t, err)
	assert.Contains(t, verrs[0].Message, "replicas")
}

func TestLoadEmptyManifest(t *testing.T) {
	_, err := NewLoader().LoadYAML(strings.NewReader(""))
	verrs := validationErrors(t, err)
	assert.Equal(t, "manifest is empty", verrs[0].Message)
}

func TestValidateSchema(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name: "unknown action kind",
			yaml: `
name: shop
resources:
  - id: db
    deploy: {kind: teleport}
`,
		},
		{
			name: "exec without command",
			yaml: `
name: shop
resources:
  - id: db
    deploy: {kind: exec}
`,
		},
		{
			name: "bad resource id",
			yaml: `
name: shop
resources:
  - id: "-db"
`,
		},
		{
			name: "series of one",
			yaml: `
name: shop
resources:
  - id: db
series:
  - resources: [db]
`,
		},
		{
			name: "missing name",
			yaml: `
resources:
  - id: db
`,
		},
	}

	loader := NewLoader()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.LoadYAML(strings.NewReader(tt.yaml))
			verrs := validationErrors(t, err)
			assert.NotEmpty(t, verrs)
		})
	}
}

func TestValidateReferences(t *testing.T) {
	_, err := NewLoader().LoadYAML(strings.NewReader(`
name: shop
resources:
  - id: db
  - id: db
  - id: web
    depends_on: [web, queue]
series:
  - resources: [db, cache, db]
`))
	verrs := validationErrors(t, err)

	var msgs []string
	for _, e := range verrs {
		msgs = append(msgs, e.Path+": "+e.Message)
	}
	joined := strings.Join(msgs, "\n")

	assert.Contains(t, joined, `resources[1].id: duplicate resource ID "db"`)
	assert.Contains(t, joined, `resources[2].depends_on[0]: resource "web" depends on itself`)
	assert.Contains(t, joined, `resources[2].depends_on[1]: resource "web" depends on unknown resource "queue"`)
	assert.Contains(t, joined, `series[0].resources[1]: series references unknown resource "cache"`)
	assert.Contains(t, joined, `series[0].resources[2]: resource "db" appears twice in the series`)
}

func TestResourceHash(t *testing.T) {
	a := ResourceConfig{ID: "db", Config: map[string]interface{}{"size": "small"}}
	b := a
	b.DependsOn = []string{"net"}
	b.Labels = map[string]string{"team": "data"}

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "dependencies and labels do not change the deployed hash")

	b.Config = map[string]interface{}{"size": "large"}
	hb, err = b.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestValidationErrorFormat(t *testing.T) {
	e := ValidationError{File: "shop.cue", Line: 3, Column: 7, Path: "resources.0.id", Message: "conflicting values"}
	assert.Equal(t, "shop.cue:3:7: resources.0.id: conflicting values", e.Error())

	errs := ValidationErrors{{Message: "a"}, {Message: "b"}}
	assert.Equal(t, "2 validation error(s): a; b", errs.Error())
}
