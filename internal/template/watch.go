package template

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/frameline/frameline/internal/logger"
)

// Watch invalidates the loader cache whenever a template file changes in any
// of the watched directories. Blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, dir := range l.dirs {
		if err := watcher.Add(dir); err != nil {
			logger.Debug("template watch skipped", "dir", dir, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			ext := filepath.Ext(ev.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			logger.Debug("template changed, reloading", "file", filepath.Base(ev.Name), "op", ev.Op.String())
			l.Invalidate()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("template watcher error", "error", err)
		}
	}
}
