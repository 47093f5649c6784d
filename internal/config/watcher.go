package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadHandler is invoked after a watched file changes on disk.
type ReloadHandler func() error

// Watcher watches a configuration directory and invokes registered
// handlers when individual files change. It backs hot reload of the
// model pricing catalog without restarting the service.
type Watcher struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu       sync.Mutex
	handlers map[string][]ReloadHandler
	started  bool
	stopCh   chan struct{}
}

// NewWatcher creates a watcher for the given config directory.
func NewWatcher(dir string, logger *zap.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{
		dir:      dir,
		watcher:  fw,
		logger:   logger,
		handlers: make(map[string][]ReloadHandler),
		stopCh:   make(chan struct{}),
	}, nil
}

// OnChange registers a handler for changes to the named file (basename,
// e.g. "models.yaml").
func (w *Watcher) OnChange(filename string, handler ReloadHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[filename] = append(w.handlers[filename], handler)
}

// Start begins watching. Safe to call once.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	go w.loop()

	w.logger.Info("config watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.started = false
	close(w.stopCh)
	_ = w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	filename := filepath.Base(event.Name)

	w.mu.Lock()
	handlers := make([]ReloadHandler, len(w.handlers[filename]))
	copy(handlers, w.handlers[filename])
	w.mu.Unlock()

	if len(handlers) == 0 {
		return
	}

	// Editors often emit rapid successive writes; let the file settle.
	time.Sleep(50 * time.Millisecond)

	for _, h := range handlers {
		if err := h(); err != nil {
			w.logger.Error("config reload handler failed",
				zap.String("file", filename), zap.Error(err))
			continue
		}
		w.logger.Info("config reloaded", zap.String("file", filename))
	}
}
