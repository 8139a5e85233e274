package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ownersRego = `# Every new resource needs an owner.
# severity: error

package custom.owners

import rego.v1

deny contains msg if {
	some change in input.changes
	not change.labels.owner
	msg := sprintf("%s needs an owner", [change.resource])
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadRegoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owners.rego")
	writeFile(t, path, ownersRego)

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{path})
	require.NoError(t, err)
	require.Len(t, policies, 1)

	p := policies[0]
	assert.Equal(t, "owners", p.Name)
	assert.Equal(t, "Every new resource needs an owner.", p.Description)
	assert.Equal(t, SeverityError, p.Severity)
	assert.Equal(t, ownersRego, p.Rego)
	assert.Equal(t, path, p.Source)
	assert.True(t, p.Enabled)
	assert.False(t, p.Builtin)
}

func TestLoadJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owners.json")
	data, err := json.Marshal(Policy{Rego: ownersRego, Enabled: true, Builtin: true})
	require.NoError(t, err)
	writeFile(t, path, string(data))

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{path})
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "owners", policies[0].Name)
	assert.Equal(t, SeverityWarning, policies[0].Severity)
	assert.False(t, policies[0].Builtin, "files cannot claim to be built in")
}

func TestLoadDirectorySkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "owners.rego"), ownersRego)
	writeFile(t, filepath.Join(dir, "nested", "empty.rego"), "package nested\n")
	writeFile(t, filepath.Join(dir, "broken.rego"), "package broken\n\ndeny contains if {")
	writeFile(t, filepath.Join(dir, "README.md"), "# policies")

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	require.NoError(t, err)

	var names []string
	for _, p := range policies {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, []string{"owners", "empty"}, names)
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	a := filepath.Join(t.TempDir(), "owners.rego")
	b := filepath.Join(t.TempDir(), "owners.rego")
	writeFile(t, a, ownersRego)
	writeFile(t, b, ownersRego)

	_, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{a, b})
	assert.ErrorContains(t, err, "policy owners is defined in both")
}

func TestLoadMissingPath(t *testing.T) {
	_, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestEngineLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "owners.rego"), ownersRego)

	eng := newTestEngine(t)
	require.NoError(t, eng.LoadPolicies(context.Background(), []string{dir}))

	p, err := eng.GetPolicy("owners")
	require.NoError(t, err)
	assert.Equal(t, SeverityError, p.Severity)
	assert.Len(t, eng.ListPolicies(), 4)
}

func TestWatchReloadsChangedPolicies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "owners.rego"), ownersRego)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		reloaded [][]Policy
	)
	loader := NewLoader(zerolog.Nop())
	require.NoError(t, loader.Watch(ctx, []string{dir}, func(p []Policy) error {
		mu.Lock()
		defer mu.Unlock()
		reloaded = append(reloaded, p)
		return nil
	}))
	defer func() { _ = loader.StopWatching() }()

	writeFile(t, filepath.Join(dir, "extra.rego"), "package extra\n")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reloaded) > 0 && len(reloaded[len(reloaded)-1]) == 2
	}, 5*time.Second, 50*time.Millisecond)
}
