package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "shop.yaml", "name: shop\nresources:\n  - id: db\n")

	changes := make(chan ManifestChange, 4)
	w := NewManifestWatcher(path, NewLoader(), func(c ManifestChange) { changes <- c },
		WithWatchDebounce(20*time.Millisecond))

	m, err := w.Start()
	require.NoError(t, err)
	defer w.Stop()
	assert.Len(t, m.Resources, 1)

	// Writing identical content is not a change.
	require.NoError(t, os.WriteFile(path, []byte("name: shop\nresources:\n  - id: db\n"), 0o644))
	// Unrelated files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, changes)

	require.NoError(t, os.WriteFile(path, []byte("name: shop\nresources:\n  - id: db\n  - id: web\n"), 0o644))

	select {
	case c := <-changes:
		assert.Equal(t, filepath.Clean(path), c.Path)
		assert.NotEqual(t, c.OldHash, c.NewHash)
		assert.Len(t, c.Manifest.Resources, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for manifest change")
	}
}

func TestManifestWatcherStartFailsOnInvalidManifest(t *testing.T) {
	path := writeFile(t, t.TempDir(), "shop.yaml", "resources: [")

	w := NewManifestWatcher(path, NewLoader(), func(ManifestChange) {})
	_, err := w.Start()
	assert.Error(t, err)
	assert.NoError(t, w.Stop())
}
