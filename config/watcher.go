package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cyberbeamhq/memoric/pkg/logger"
)

// ChangeCallback is invoked with the old and new configuration after a
// successful reload.
type ChangeCallback func(oldCfg, newCfg *Config)

// Watcher watches a config file and reloads it on change.
type Watcher struct {
	mu         sync.RWMutex
	configPath string
	current    *Config
	callbacks  []ChangeCallback
	watcher    *fsnotify.Watcher
	debounce   time.Duration
	stopCh     chan struct{}
	running    bool
	log        logger.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the debounce interval for file change events.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatcherLogger sets the logger used by the watcher.
func WithWatcherLogger(log logger.Logger) WatcherOption {
	return func(w *Watcher) { w.log = log }
}

// NewWatcher creates a watcher for the given config file. The file is
// loaded once up front so Current is never nil after a successful call.
func NewWatcher(configPath string, opts ...WatcherOption) (*Watcher, error) {
	cfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	w := &Watcher{
		configPath: configPath,
		current:    cfg,
		debounce:   500 * time.Millisecond,
		stopCh:     make(chan struct{}),
		log:        logger.Global(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(cb ChangeCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Watch starts watching the config file for changes. The parent
// directory is watched rather than the file itself so that editors
// which replace the file on save are still observed.
func (w *Watcher) Watch() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.configPath)); err != nil {
		fw.Close()
		w.mu.Unlock()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.watcher = fw
	w.running = true
	w.mu.Unlock()

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	var timer *time.Timer
	target := filepath.Clean(w.configPath)

	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
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
			w.log.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFromFile(w.configPath)
	if err != nil {
		w.log.Error("config reload failed, keeping previous config",
			"path", w.configPath, "error", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	callbacks := make([]ChangeCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.log.Info("configuration reloaded", "path", w.configPath)

	for _, cb := range callbacks {
		go func(cb ChangeCallback) {
			defer func() {
				if r := recover(); r != nil {
					w.log.Error("config change callback panicked", "panic", r)
				}
			}()
			cb(old, cfg)
		}(cb)
	}
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
	w.watcher.Close()
	w.running = false
}

// IsRunning reports whether the watcher is active.
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// ConfigPath returns the watched file path.
func (w *Watcher) ConfigPath() string {
	return w.configPath
}
