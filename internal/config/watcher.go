package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher re-resolves configuration when the config file changes and
// delivers each new snapshot on Snapshots. Snapshots already handed out are
// never mutated; consumers swap to the new value at their own pace.
type Watcher struct {
	path      string
	sources   []Source
	fs        *fsnotify.Watcher
	logger    *zap.Logger
	snapshots chan *Config
	done      chan struct{}
}

// NewWatcher starts watching path. The sources must include File(path) so a
// re-resolve picks up the changed file.
func NewWatcher(path string, logger *zap.Logger, sources ...Source) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save.
	if err := fs.Add(filepath.Dir(path)); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	w := &Watcher{
		path:      path,
		sources:   sources,
		fs:        fs,
		logger:    logger,
		snapshots: make(chan *Config, 1),
		done:      make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Snapshots delivers freshly resolved configuration values.
func (w *Watcher) Snapshots() <-chan *Config { return w.snapshots }

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Resolve(w.sources...)
			if err != nil {
				// A half-written or invalid file keeps the previous snapshot.
				w.logger.Warn("config reload failed", zap.String("path", w.path), zap.Error(err))
				continue
			}
			select {
			case w.snapshots <- cfg:
			default:
				// Drop the stale pending snapshot for the newer one.
				select {
				case <-w.snapshots:
				default:
				}
				w.snapshots <- cfg
			}
			w.logger.Info("configuration reloaded", zap.String("path", w.path))
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
