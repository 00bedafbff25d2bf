package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

var ErrWatcherClosed = errors.New("watcher is closed")

// ChangeEvent carries a configuration reloaded after its file changed.
type ChangeEvent struct {
	Path      string
	Config    *Config
	Err       error
	Timestamp time.Time
}

// Watcher reloads the configuration file whenever it changes.
type Watcher struct {
	watcher       *fsnotify.Watcher
	events        chan ChangeEvent
	delay         time.Duration
	debounceTimer *time.Timer
	debounceMu    sync.Mutex
	watchedPath   string
	closed        bool
	closeMu       sync.RWMutex
}

const debounceDelay = 500 * time.Millisecond

// NewWatcher creates a watcher. Changes closer together than delay are
// reported once; zero selects the default debounce delay.
func NewWatcher(delay time.Duration) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if delay <= 0 {
		delay = debounceDelay
	}

	return &Watcher{
		watcher: watcher,
		events:  make(chan ChangeEvent, 16),
		delay:   delay,
	}, nil
}

// Watch starts watching the specified configuration file
func (cw *Watcher) Watch(path string) error {
	cw.closeMu.RLock()
	if cw.closed {
		cw.closeMu.RUnlock()
		return ErrWatcherClosed
	}
	cw.closeMu.RUnlock()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	// Editors often replace the file, so watch its directory.
	dir := filepath.Dir(absPath)
	if err := cw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	cw.watchedPath = absPath
	slog.Debug("Started watching config file", "path", absPath)

	return nil
}

// Events returns the channel for receiving reloaded configurations
func (cw *Watcher) Events() <-chan ChangeEvent {
	return cw.events
}

// Start begins processing file system events
func (cw *Watcher) Start(ctx context.Context) {
	go cw.processEvents(ctx)
}

func (cw *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Config watcher context cancelled")
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			eventPath, err := filepath.Abs(event.Name)
			if err != nil {
				slog.Warn("Failed to get absolute path for event", "path", event.Name, "error", err)
				continue
			}
			if eventPath != cw.watchedPath {
				continue
			}

			// Atomic saves show up as Create (rename over the old file).
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			slog.Debug("Config file changed", "path", event.Name, "op", event.Op)
			cw.scheduleReload(eventPath)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Config watcher error", "error", err)
		}
	}
}

func (cw *Watcher) scheduleReload(path string) {
	cw.debounceMu.Lock()
	defer cw.debounceMu.Unlock()

	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}

	cw.debounceTimer = time.AfterFunc(cw.delay, func() {
		cfg, err := Load(path)

		cw.closeMu.RLock()
		defer cw.closeMu.RUnlock()

		if cw.closed {
			return
		}

		select {
		case cw.events <- ChangeEvent{Path: path, Config: cfg, Err: err, Timestamp: time.Now()}:
			slog.Debug("Config reload event emitted", "path", path)
		default:
			slog.Warn("Config reload event channel full, skipping event")
		}
	})
}

// Close stops the watcher and releases resources
func (cw *Watcher) Close() error {
	cw.closeMu.Lock()
	defer cw.closeMu.Unlock()

	if cw.closed {
		return nil
	}
	cw.closed = true

	cw.debounceMu.Lock()
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.debounceMu.Unlock()

	if err := cw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close file watcher: %w", err)
	}

	slog.Debug("Config watcher closed")
	return nil
}
