package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/turnstonelabs/turnstone/internal/observability"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watcher re-reads a configuration file when it changes on disk and hands
// each successfully parsed result to a callback. A failed re-parse is logged
// and the previous configuration stays in effect. Only the tools section is
// safe to apply to a running process; everything else needs a restart.
type Watcher struct {
	path     string
	logger   *observability.Logger
	onChange func(*Config)
	debounce time.Duration

	fw *fsnotify.Watcher
	wg sync.WaitGroup

	mu    sync.Mutex
	timer *time.Timer
}

// WatchOption adjusts watcher behaviour.
type WatchOption func(*Watcher)

// WithDebounce sets how long the watcher waits after the last change event
// before reloading. Editors often produce several events per save.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watch starts watching path. It watches the parent directory rather than
// the file itself so atomic saves (write to temp, rename over target) keep
// working after the original inode is gone.
func Watch(path string, logger *observability.Logger, onChange func(*Config), opts ...WatchOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     abs,
		logger:   logger,
		onChange: onChange,
		debounce: defaultWatchDebounce,
		fw:       fw,
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Close stops the watcher and cancels any pending reload.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	w.wg.Wait()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule()
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn(context.Background(), "config watch error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	ctx := context.Background()
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn(ctx, "config reload failed", "path", w.path, "error", err)
		return
	}
	w.logger.Info(ctx, "config reloaded", "path", w.path)
	w.onChange(cfg)
}
