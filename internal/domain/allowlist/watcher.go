package allowlist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces editor write bursts into one reload.
const debounceDelay = 250 * time.Millisecond

// Watcher reloads the Holder when the allowlist file changes on disk.
type Watcher struct {
	watcher *fsnotify.Watcher
	holder  *Holder
	logger  *slog.Logger
}

// NewWatcher creates a file watcher for the holder's allowlist file.
func NewWatcher(holder *Holder, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := w.Add(holder.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %q: %w", holder.path, err)
	}

	return &Watcher{watcher: w, holder: holder, logger: logger}, nil
}

// Run blocks until ctx is cancelled, reloading on write events.
// Rename-based saves (atomic replace) surface as Create events on the
// watched path, so both are handled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					// Reload logs its own outcome either way.
					_ = w.holder.Reload()
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("allowlist watcher error", "error", err)
		}
	}
}
