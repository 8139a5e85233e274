package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ManifestChange is delivered to a ManifestWatcher callback.
type ManifestChange struct {
	Path     string
	OldHash  string
	NewHash  string
	Manifest *Manifest
	Time     time.Time
}

// WatcherOption configures a ManifestWatcher.
type WatcherOption func(*ManifestWatcher)

// WithWatchDebounce sets the debounce duration for file change events.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *ManifestWatcher) { w.debounce = d }
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(l zerolog.Logger) WatcherOption {
	return func(w *ManifestWatcher) { w.logger = l }
}

// ManifestWatcher reloads a manifest when its file changes and hands every
// manifest that loads, validates and differs from the previous one to
// onChange. The containing directory is watched so editors that save by
// renaming over the file are seen. Directories are watched as a whole.
type ManifestWatcher struct {
	path     string
	loader   *Loader
	debounce time.Duration
	logger   zerolog.Logger
	onChange func(ManifestChange)

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	lastHash  string

	mu      sync.Mutex
	pending time.Time
}

// NewManifestWatcher creates a watcher for the manifest at path.
func NewManifestWatcher(path string, loader *Loader, onChange func(ManifestChange), opts ...WatcherOption) *ManifestWatcher {
	w := &ManifestWatcher{
		path:     filepath.Clean(path),
		loader:   loader,
		debounce: 500 * time.Millisecond,
		logger:   zerolog.Nop(),
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start loads the manifest once and begins watching. The initial manifest
// is returned; a load error there is fatal.
func (w *ManifestWatcher) Start() (*Manifest, error) {
	m, err := w.loader.Load(w.path)
	if err != nil {
		return nil, err
	}
	if w.lastHash, err = m.Hash(); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("manifest watcher: create fsnotify: %w", err)
	}
	w.fsWatcher = fsw

	dir := filepath.Dir(w.path)
	if info, err := os.Stat(w.path); err == nil && info.IsDir() {
		dir = w.path
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("manifest watcher: watch %s: %w", dir, err)
	}

	w.wg.Add(1)
	go w.loop()
	return m, nil
}

// Stop terminates the watcher and waits for the background goroutine to exit.
// It is safe to call Stop multiple times.
func (w *ManifestWatcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

func (w *ManifestWatcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 && w.relevant(event.Name) {
				w.mu.Lock()
				w.pending = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("manifest watcher error")

		case <-ticker.C:
			w.processPending()
		}
	}
}

func (w *ManifestWatcher) relevant(name string) bool {
	name = filepath.Clean(name)
	return name == w.path || filepath.Dir(name) == w.path
}

func (w *ManifestWatcher) processPending() {
	w.mu.Lock()
	ready := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
	if ready {
		w.pending = time.Time{}
	}
	w.mu.Unlock()

	if ready {
		w.processChange()
	}
}

// processChange reloads the manifest and calls onChange if its content
// actually changed.
func (w *ManifestWatcher) processChange() {
	m, err := w.loader.Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("manifest watcher: failed to load manifest")
		return
	}

	newHash, err := m.Hash()
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("manifest watcher: failed to hash manifest")
		return
	}
	if newHash == w.lastHash {
		w.logger.Debug().Str("path", w.path).Msg("manifest watcher: content unchanged, skipping")
		return
	}

	oldHash := w.lastHash
	w.lastHash = newHash

	w.logger.Info().
		Str("path", w.path).
		Str("old_hash", oldHash[:8]).
		Str("new_hash", newHash[:8]).
		Msg("manifest changed")

	w.onChange(ManifestChange{
		Path:     w.path,
		OldHash:  oldHash,
		NewHash:  newHash,
		Manifest: m,
		Time:     time.Now(),
	})
}
