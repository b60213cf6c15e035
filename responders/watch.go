package responders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the rule sets found after a change in the watched
// directory.
type ReloadFunc func(sets []*RuleSet) error

// DirWatcher reloads rule files when the directory changes. Bursts of events
// are coalesced into one reload after Debounce.
type DirWatcher struct {
	dir      string
	onReload ReloadFunc
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	// Debounce is the quiet period before a reload runs.
	Debounce time.Duration
}

// NewDirWatcher starts watching dir.
func NewDirWatcher(dir string, onReload ReloadFunc, logger *slog.Logger) (*DirWatcher, error) {
	if onReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &DirWatcher{
		dir:      dir,
		onReload: onReload,
		logger:   logger,
		watcher:  w,
		Debounce: 200 * time.Millisecond,
	}, nil
}

// Run processes file events until ctx is done.
func (w *DirWatcher) Run(ctx context.Context) {
	defer func() { _ = w.watcher.Close() }()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("rule file changed", "file", event.Name, "op", event.Op.String())
			timer.Reset(w.Debounce)
			pending = true
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("rule watcher error", "error", err)
		case <-timer.C:
			if !pending {
				continue
			}
			pending = false
			w.reload()
		}
	}
}

func (w *DirWatcher) reload() {
	sets, err := LoadDir(w.dir)
	if err != nil {
		w.logger.Error("rule reload failed, keeping previous rules", "dir", w.dir, "error", err)
		return
	}
	if err := w.onReload(sets); err != nil {
		w.logger.Error("rule reload rejected", "dir", w.dir, "error", err)
		return
	}
	w.logger.Info("rules reloaded", "dir", w.dir, "rule_sets", len(sets))
}
