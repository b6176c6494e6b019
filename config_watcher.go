package lightning

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher watches a config file and reloads it when it changes.
// Reload events are debounced because editors and orchestrators commonly
// emit several write events per save. The reloaded config is handed to a
// callback; the runtime applies only the dynamic tunables from it.
type ConfigWatcher struct {
	path     string
	logger   Logger
	onChange func(*RuntimeConfig)
	debounce time.Duration
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
}

// NewConfigWatcher creates a watcher for the given config file.
func NewConfigWatcher(path string, logger Logger, onChange func(*RuntimeConfig)) *ConfigWatcher {
	return &ConfigWatcher{
		path:     path,
		logger:   logger,
		onChange: onChange,
		debounce: 250 * time.Millisecond,
	}
}

// Start begins watching. The parent directory is watched rather than the
// file itself so atomic rename-based saves are still observed.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)
	return nil
}

// Stop stops watching. Idempotent.
func (w *ConfigWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.watcher != nil {
		w.watcher.Close()
		w.watcher = nil
	}
}

func (w *ConfigWatcher) loop(ctx context.Context) {
	var timer *time.Timer
	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *ConfigWatcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config file reloaded", "path", w.path)
	w.onChange(cfg)
}
