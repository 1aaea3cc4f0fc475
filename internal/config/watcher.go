package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadCallback receives the freshly loaded configuration after the file
// on disk changes and passes validation.
type ReloadCallback func(cfg *Config)

// Watcher monitors the config file and triggers reloads. Editors replace
// files with rename+create, so the parent directory is watched and events
// are debounced until writes settle.
type Watcher struct {
	watcher    *fsnotify.Watcher
	configPath string
	onReload   ReloadCallback
	logger     zerolog.Logger

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	done     chan struct{}
	stopOnce sync.Once
}

const reloadDebounce = 200 * time.Millisecond

// NewWatcher creates a watcher for the given config file.
func NewWatcher(configPath string, onReload ReloadCallback, logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &Watcher{
		watcher:    fw,
		configPath: configPath,
		onReload:   onReload,
		logger:     logger.With().Str("component", "config-watcher").Logger(),
		done:       make(chan struct{}),
	}, nil
}

// Start begins watching. It returns an error when the config directory
// cannot be watched.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	go w.loop()
	return nil
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := NewLoader(w.configPath).Load()
	if err != nil {
		w.logger.Error().Err(err).Msg("Config reload failed, keeping previous configuration")
		return
	}
	w.logger.Info().Msg("Configuration reloaded")
	w.onReload(cfg)
}
