package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when specific state files
// change. Used for hot reload of authorization policy and lockout state
// without restarting a long-lived process. The CLI writes these files;
// the watcher makes a running monitor pick them up in memory.
type WatchTargets struct {
	// OnPolicyChange fires when policy.yaml is written or created.
	// Typically triggers engine.LoadPolicy to recompile the rules.
	OnPolicyChange func()

	// OnLockoutChange fires when locked.yaml is written or created.
	// Typically triggers lockout.Reload so `custodia lock` takes
	// effect without a restart.
	OnLockoutChange func()
}

// Watcher monitors the state directory for file changes using fsnotify,
// firing the matching callback when policy.yaml or locked.yaml changes.
//
// The watcher runs a background goroutine that processes fsnotify
// events. Call Close to stop it and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on the given state directory. The
// watcher immediately starts processing events in a background
// goroutine.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	// Watch the whole directory; events name the file that changed.
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}
	go w.processEvents(targets)

	slog.Info("file watcher started", "dir", dir)
	return w, nil
}

// processEvents reads fsnotify events and dispatches to the matching
// callback. Runs until Close is called.
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Only write and create events matter; remove or rename
			// means the file is gone and there is nothing to reload.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			switch filepath.Base(event.Name) {
			case "policy.yaml":
				slog.Info("policy.yaml changed, triggering reload")
				if targets.OnPolicyChange != nil {
					targets.OnPolicyChange()
				}
			case "locked.yaml":
				slog.Info("locked.yaml changed, triggering reload")
				if targets.OnLockoutChange != nil {
					targets.OnLockoutChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
