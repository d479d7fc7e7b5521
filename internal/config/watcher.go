package config

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the alert-threshold subset of the configuration when
// the config file changes on disk. Structural knobs (pools, queues, stores)
// require a restart; thresholds are the only values safe to swap live.
type Watcher struct {
	path    string
	logger  *zap.Logger
	mu      sync.RWMutex
	current AlertThresholds
	onSwap  func(AlertThresholds)
}

// NewWatcher builds a watcher seeded with the currently loaded thresholds.
// onSwap, if non-nil, is invoked after each successful reload.
func NewWatcher(path string, seed AlertThresholds, logger *zap.Logger, onSwap func(AlertThresholds)) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{path: path, logger: logger, current: seed, onSwap: onSwap}
}

// Thresholds returns the active thresholds.
func (w *Watcher) Thresholds() AlertThresholds {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run watches the file until ctx is cancelled. A reload that fails to parse
// or validate keeps the previous thresholds.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected, keeping previous thresholds",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.current = cfg.Monitoring.AlertThresholds
	w.mu.Unlock()

	w.logger.Info("alert thresholds reloaded", zap.String("path", w.path))
	if w.onSwap != nil {
		w.onSwap(cfg.Monitoring.AlertThresholds)
	}
}
