package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gatehouselabs/gatehouse/pkg/observability"
)

// reloadDebounce coalesces the burst of filesystem events an editor or
// config-management tool emits for a single save.
const reloadDebounce = 500 * time.Millisecond

// ProvidersWatcher reloads the providers file when it changes on disk and
// hands each valid load to a callback. A load that fails to parse or
// validate is logged and dropped; the previous provider set stays active.
type ProvidersWatcher struct {
	path     string
	onReload func(*ProvidersFile)
	logger   *observability.Logger
	watcher  *fsnotify.Watcher
}

// NewProvidersWatcher watches path. The parent directory is watched rather
// than the file itself, so atomic replace-by-rename (the usual way
// kubernetes and editors update files) keeps working after the original
// inode disappears.
func NewProvidersWatcher(path string, onReload func(*ProvidersFile), logger *observability.Logger) (*ProvidersWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	return &ProvidersWatcher{
		path:     path,
		onReload: onReload,
		logger:   logger.WithField("component", "providers_watcher"),
		watcher:  watcher,
	}, nil
}

// Run processes filesystem events until the context is cancelled. Call it
// in its own goroutine.
func (w *ProvidersWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	// The debounce timer channel; nil until the first relevant event.
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Providers watcher error")
		}
	}
}

func (w *ProvidersWatcher) reload() {
	pf, err := LoadProviders(w.path)
	if err != nil {
		w.logger.WithError(err).Error("Failed to reload providers file; keeping previous provider set")
		return
	}
	w.logger.WithField("providers", len(pf.Providers)).Info("Reloaded providers file")
	w.onReload(pf)
}
