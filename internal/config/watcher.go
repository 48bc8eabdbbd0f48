package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/yshimada/llmrouter/internal/logging"
)

// Watcher reloads the config when the file changes on disk.
// Editors often replace the file (write temp + rename), so the watch is
// placed on the directory and filtered by name.
type Watcher struct {
	path     string
	onChange func(*Config)
	watcher  *fsnotify.Watcher

	mu       sync.Mutex
	debounce *time.Timer
	done     chan struct{}
}

// NewWatcher watches path and invokes onChange with each successfully
// reloaded config. Reload failures are logged and the previous config
// stays in effect.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     path,
		onChange: onChange,
		watcher:  fsw,
		done:     make(chan struct{}),
	}

	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop()
	logging.L_debug("config: watching for changes", "path", path)
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
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
			logging.L_warn("config: watch error", "error", err)
		case <-w.done:
			return
		}
	}
}

// scheduleReload debounces bursts of events from a single editor save.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(250*time.Millisecond, func() {
		cfg, err := Load(w.path)
		if err != nil {
			logging.L_error("config: reload failed, keeping previous config", "path", w.path, "error", err)
			return
		}
		logging.L_info("config: reloaded", "path", w.path)
		w.onChange(cfg)
	})
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
