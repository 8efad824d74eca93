package authority

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RulesWatcher reloads the authority's rule file when it changes on disk.
// Editors replace files rather than rewriting them in place, so the watch is
// on the parent directory and events are debounced.
type RulesWatcher struct {
	path      string
	authority *Authority
	debounce  time.Duration
	log       *slog.Logger
	watcher   *fsnotify.Watcher
}

func NewRulesWatcher(path string, a *Authority, log *slog.Logger) (*RulesWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("rules watcher: path is required")
	}
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rules watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("rules watcher: watch %s: %w", filepath.Dir(path), err)
	}
	return &RulesWatcher{
		path:      path,
		authority: a,
		debounce:  100 * time.Millisecond,
		log:       log,
		watcher:   w,
	}, nil
}

// Run watches until ctx is canceled. A rule file that fails to load keeps
// the previous rules in effect; the failure is logged, not fatal.
func (rw *RulesWatcher) Run(ctx context.Context) error {
	defer rw.watcher.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(rw.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(rw.debounce)
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return nil
			}
			rw.log.Warn("rules watcher error", "error", err)
		case <-pending:
			pending = nil
			rules, err := LoadFile(rw.path)
			if err != nil {
				rw.log.Warn("rule reload failed, keeping previous rules", "path", rw.path, "error", err)
				continue
			}
			rw.authority.SetRules(rules)
		}
	}
}
