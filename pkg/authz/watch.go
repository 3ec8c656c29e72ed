package authz

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/tenantguard/pkg/observability"
)

// WatchPolicy reloads the policy file at path into engine whenever it
// changes, until ctx is done. A file that fails to load is logged and the
// previous policy stays in force; so does an empty file. The returned
// channel is closed once the watcher has stopped.
//
// The parent directory is watched so editors that replace the file by
// rename are picked up.
func WatchPolicy(ctx context.Context, path string, engine *Engine, logger *observability.Logger) (<-chan struct{}, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve policy path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	logger = logger.WithField("policy_file", path)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				data, err := os.ReadFile(path)
				if err != nil {
					logger.WithError(err).Warn("Policy reload failed; keeping the current policy")
					continue
				}
				// Truncation is reported before the new content lands.
				if len(bytes.TrimSpace(data)) == 0 {
					continue
				}
				p, err := ParsePolicy(data)
				if err != nil {
					logger.WithError(err).Warn("Policy reload failed; keeping the current policy")
					continue
				}
				engine.SetPolicy(p)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Policy watcher error")
			}
		}
	}()

	logger.Info("Watching policy file for changes")
	return done, nil
}
