package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces bursts of filesystem events into one reload.
const reloadDebounce = 500 * time.Millisecond

// Watch reloads the registry whenever the tools dir changes. It blocks
// until ctx is cancelled; callers run it in a goroutine.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		// Dir may not exist yet; watching is best-effort.
		slog.Warn("cannot watch tools dir", "dir", r.dir, "error", err)
		<-ctx.Done()
		return nil
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				fire = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("tools watcher error", "error", err)
		case <-fire:
			timer = nil
			fire = nil
			if err := r.Reload(); err != nil {
				slog.Warn("tool reload failed", "error", err)
			}
		}
	}
}
