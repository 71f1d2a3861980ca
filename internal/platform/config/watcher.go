package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/MRamiBalles/cadence/internal/platform/logger"
)

// DefaultDebounce batches the bursts of events editors emit on save.
const DefaultDebounce = 200 * time.Millisecond

// TargetChange is a loop whose target frequency differs between two
// configurations.
type TargetChange struct {
	LoopID string  `json:"loop_id"`
	FromHz float64 `json:"from_hz"`
	ToHz   float64 `json:"to_hz"`
}

// DiffTargets lists target changes for loops declared in both configs.
// Loops added or removed are not reported; registration happens at startup
// only.
func DiffTargets(prev, next *Config) []TargetChange {
	var changes []TargetChange
	for _, n := range next.Loops {
		p, ok := prev.Loop(n.ID)
		if !ok || p.TargetHz == n.TargetHz {
			continue
		}
		changes = append(changes, TargetChange{LoopID: n.ID, FromHz: p.TargetHz, ToHz: n.TargetHz})
	}
	return changes
}

// ReloadFunc receives a validated configuration and the target changes it
// introduces.
type ReloadFunc func(next *Config, changes []TargetChange)

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path     string
	log      *logger.Logger
	base     func() *Config
	onReload ReloadFunc
	debounce time.Duration

	mu      sync.RWMutex
	current *Config
	reloads int
	errs    int
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger.
func WithWatcherLogger(log *logger.Logger) WatcherOption {
	return func(w *Watcher) { w.log = log }
}

// WithDebounce sets the quiet period before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithBase sets the preset reloads are layered on.
func WithBase(fn func() *Config) WatcherOption {
	return func(w *Watcher) { w.base = fn }
}

// NewWatcher watches path. current is the configuration already in effect.
func NewWatcher(path string, current *Config, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config watcher: empty path")
	}
	if current == nil {
		return nil, errors.New("config watcher: nil current config")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	w := &Watcher{
		path:     abs,
		log:      logger.NewNop(),
		base:     Default,
		onReload: onReload,
		debounce: DefaultDebounce,
		current:  current,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Current returns the last configuration that loaded successfully.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Reloads returns how many reloads succeeded and failed.
func (w *Watcher) Reloads() (ok, failed int) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reloads, w.errs
}

// Run watches until ctx is done. The parent directory is watched so that
// editors which save by rename are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", filepath.Dir(w.path), err)
	}
	w.log.Info("watching config", zap.String("path", w.path))

	tick := time.NewTicker(w.debounce / 4)
	defer tick.Stop()

	var pending time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.Now()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", zap.Error(err))

		case <-tick.C:
			if pending.IsZero() || time.Since(pending) < w.debounce {
				continue
			}
			pending = time.Time{}
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	next, err := LoadWithBase(w.path, w.base())
	if err != nil {
		w.mu.Lock()
		w.errs++
		w.mu.Unlock()
		w.log.Warn("config reload rejected", zap.Error(err))
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.reloads++
	w.mu.Unlock()

	changes := DiffTargets(prev, next)
	w.log.Info("config reloaded", zap.Int("target_changes", len(changes)))
	if w.onReload != nil {
		w.onReload(next, changes)
	}
}
