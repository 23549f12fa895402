package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"governor/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc is invoked with the freshly loaded config after a file change
// has settled past the debounce window.
type ReloadFunc func(*Config)

// Watcher watches the governor config file for changes and triggers reloads.
// It watches the containing directory rather than the file itself so that
// editors which replace the file (rename-over-write) are still observed.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	configPath  string
	onReload    ReloadFunc
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	// Stats for debugging
	stats WatcherStats
}

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	FilesModified   int
	ReloadTriggered int
	Errors          int
	LastEventTime   time.Time
}

// NewWatcher creates a Watcher for the given config file path.
func NewWatcher(configPath string, onReload ReloadFunc) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:     watcher,
		configPath:  configPath,
		onReload:    onReload,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching the config directory for changes.
// This method is non-blocking; it starts the watcher in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil // Already running
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		// Directory may not exist yet - that's OK, reloads just won't fire
		logging.Get(logging.CategoryConfig).Warn("Watcher: initial watch failed (dir may not exist): %v", err)
	} else {
		logging.Config("Watcher: watching directory: %s", dir)
	}

	go w.run(ctx)

	return nil
}

// Stop stops the watcher and waits for cleanup.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryConfig).Error("Watcher: error closing watcher: %v", err)
	}
	logging.Config("Watcher: stopped")
}

// Stats returns a snapshot of watcher activity.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// run is the main event loop for the watcher.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	// Debounce timer for batching rapid changes
	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Config("Watcher: context cancelled")
			return

		case <-w.stopCh:
			logging.Config("Watcher: stop signal received")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				logging.Config("Watcher: event channel closed")
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				logging.Config("Watcher: error channel closed")
				return
			}
			logging.Get(logging.CategoryConfig).Error("Watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-debounceTicker.C:
			w.processDebouncedEvents()
		}
	}
}

// handleEvent processes a single filesystem event.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Only care about the config file itself
	if !strings.EqualFold(filepath.Clean(event.Name), filepath.Clean(w.configPath)) {
		return
	}

	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return // Ignore chmod, remove, etc.
	}

	logging.ConfigDebug("Watcher: change event for %s", event.Name)

	w.mu.Lock()
	w.stats.FilesModified++
	w.stats.LastEventTime = time.Now()
	// Debounce: record the event for later processing
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// processDebouncedEvents reloads once events have settled past the debounce window.
func (w *Watcher) processDebouncedEvents() {
	w.mu.Lock()
	now := time.Now()
	settled := false

	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			settled = true
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	if !settled {
		return
	}

	w.reload()
}

// reload loads the config file and invokes the callback.
func (w *Watcher) reload() {
	cfg, err := Load(w.configPath)
	if err != nil {
		logging.Get(logging.CategoryConfig).Error("Watcher: reload failed for %s: %v", w.configPath, err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}

	if err := cfg.Validate(); err != nil {
		logging.Get(logging.CategoryConfig).Warn("Watcher: reloaded config invalid, keeping previous: %v", err)
		return
	}

	w.mu.Lock()
	w.stats.ReloadTriggered++
	cb := w.onReload
	w.mu.Unlock()

	logging.Config("Watcher: config reloaded from %s", w.configPath)

	if cb != nil {
		cb(cfg)
	}
}
