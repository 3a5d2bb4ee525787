package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the rule file at path into c whenever it changes, until ctx
// is done. The parent directory is watched so editors that replace the file
// by rename are handled. A rule file that fails to parse keeps the previous
// rules in place.
func Watch(ctx context.Context, path string, c *Classifier, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rule watcher: %w", err)
	}

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	go func() {
		defer func() {
			if err := watcher.Close(); err != nil {
				logger.Warn("Failed to close rule watcher", "error", err)
			}
		}()

		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				debounce = time.After(reloadDebounce)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("Rule watcher error", "error", err)

			case <-debounce:
				debounce = nil
				rules, err := LoadRules(target)
				if err != nil {
					logger.Warn("Keeping previous classifier rules", "path", target, "error", err)
					continue
				}
				c.SetRules(rules)
				logger.Info("Classifier rules reloaded", "path", target,
					"critical_codes", len(rules.CriticalCodes),
					"verbose_markers", len(rules.VerboseMarkers),
				)
			}
		}
	}()

	logger.Info("Watching classifier rules", "path", target)
	return nil
}
