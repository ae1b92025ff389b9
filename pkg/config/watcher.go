package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc applies a reloaded configuration.
type ReloadFunc func(cfg *Config) error

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits for writes to settle before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatchLogger sets the logger.
func WithWatchLogger(logger zerolog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// Watcher reloads a configuration file when it changes. A file that fails to load or
// validate is logged and ignored; the last good configuration stays current.
type Watcher struct {
	path     string
	loader   *Loader
	debounce time.Duration
	logger   zerolog.Logger

	mu       sync.RWMutex
	current  *Config
	handlers []ReloadFunc
}

// NewWatcher watches path, starting from the already loaded current configuration.
func NewWatcher(path string, loader *Loader, current *Config, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		loader:   loader,
		debounce: 500 * time.Millisecond,
		logger:   zerolog.Nop(),
		current:  current,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With().Str("component", "config-watcher").Logger()
	return w
}

// OnReload registers fn to run after every successful reload.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Current returns the last successfully loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run watches until ctx is done. The parent directory is watched so that editors replacing
// the file by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.logger.Info().Str("path", w.path).Msg("Watching configuration for changes")

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug().Str("op", event.Op.String()).Msg("Configuration file changed")
			timer.Reset(w.debounce)

		case <-timer.C:
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Ignoring invalid configuration change")
		return
	}

	w.mu.Lock()
	w.current = cfg
	handlers := append([]ReloadFunc(nil), w.handlers...)
	w.mu.Unlock()

	for _, fn := range handlers {
		if err := fn(cfg); err != nil {
			w.logger.Error().Err(err).Msg("Failed to apply reloaded configuration")
		}
	}
	w.logger.Info().Msg("Configuration reloaded")
}
