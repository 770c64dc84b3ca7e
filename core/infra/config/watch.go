package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cordum/extmgr/core/infra/logging"
	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 100 * time.Millisecond

// PolicyWatcher reloads the policy file when it changes on disk and hands
// the parsed result to a callback. Invalid files are logged and skipped so a
// bad edit never clears a working policy.
type PolicyWatcher struct {
	path     string
	debounce time.Duration
	onChange func(context.Context, *PolicyFile) error

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPolicyWatcher builds a watcher for path. onChange is invoked with the
// freshly parsed file after each debounced write.
func NewPolicyWatcher(path string, onChange func(context.Context, *PolicyFile) error) *PolicyWatcher {
	return &PolicyWatcher{path: path, debounce: defaultWatchDebounce, onChange: onChange}
}

// Start begins watching the directory containing the policy file. The file
// itself may not exist yet; creating it triggers a reload.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	if w.path == "" {
		return fmt.Errorf("policy file path required")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.watcher = watcher
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()
	go w.loop(ctx, watcher)
	return nil
}

func (w *PolicyWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(w.done)
	base := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, func() { w.reload(ctx) })
			w.mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("config", "policy watch error", "path", w.path, "error", err)
		}
	}
}

func (w *PolicyWatcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	pf, err := LoadPolicyFile(w.path)
	if err != nil {
		logging.Warn("config", "policy reload skipped", "path", w.path, "error", err)
		return
	}
	if pf == nil {
		return
	}
	if w.onChange == nil {
		return
	}
	if err := w.onChange(ctx, pf); err != nil {
		logging.Error("config", "policy apply failed", "path", w.path, "error", err)
		return
	}
	logging.Info("config", "policy reloaded", "path", w.path, "keys", len(pf.Options))
}

// Close stops the watcher.
func (w *PolicyWatcher) Close() error {
	w.mu.Lock()
	watcher, cancel, done := w.watcher, w.cancel, w.done
	if w.timer != nil {
		w.timer.Stop()
	}
	w.watcher = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	if done != nil {
		<-done
	}
	return err
}
