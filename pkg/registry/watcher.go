package registry

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the registry when the template directory changes on disk.
// Filesystem events are debounced so an editor save or a multi-file sync
// triggers a single reload. A reload that fails validation is logged and the
// previously published set stays live.
type Watcher struct {
	registry *Registry
	logger   zerolog.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher for the registry's template directory.
func NewWatcher(reg *Registry, logger zerolog.Logger) *Watcher {
	return &Watcher{
		registry: reg,
		logger:   logger.With().Str("component", "registry-watcher").Logger(),
		debounce: 500 * time.Millisecond,
	}
}

// Watch blocks until the context is cancelled, reloading the registry after
// each quiet period following a filesystem change.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := w.addRecursive(fw, w.registry.root); err != nil {
		return err
	}

	var timer *time.Timer
	var pending <-chan time.Time

	w.logger.Info().Str("root", w.registry.root).Msg("watching template directory")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// New subdirectories need their own watch.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(fw, event.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", event.Name).Msg("cannot watch new directory")
					}
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			if err := w.registry.Reload(ctx); err != nil {
				w.logger.Error().Err(err).Msg("reload failed, keeping previous template set")
			} else {
				w.logger.Info().Int("templates", w.registry.Len()).Msg("templates reloaded")
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
}
