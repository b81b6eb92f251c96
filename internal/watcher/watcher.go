// Package watcher reports changes made to files by other processes. The local
// backend uses it to refresh live queries when another xtodo instance writes
// to the same database.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceDuration is the default window for batching rapid changes.
const DefaultDebounceDuration = 100 * time.Millisecond

// Config holds file watcher configuration.
type Config struct {
	Dir              string            // directory to watch
	Match            func(string) bool // base names to react to, nil matches all
	DebounceDuration time.Duration     // window to batch rapid changes
	OnChange         func()            // called once per batch of matching events
	OnError          func(error)       // optional, fsnotify errors
}

// DefaultConfig watches the directory of file and reacts to file and its
// SQLite -wal and -journal sidecars.
func DefaultConfig(file string, onChange func()) *Config {
	base := filepath.Base(file)
	return &Config{
		Dir: filepath.Dir(file),
		Match: func(name string) bool {
			return name == base || name == base+"-wal" || name == base+"-journal"
		},
		DebounceDuration: DefaultDebounceDuration,
		OnChange:         onChange,
	}
}

// Watcher monitors a directory and calls OnChange after matching writes.
type Watcher struct {
	cfg     *Config
	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}
	started bool
	stopped bool
	mu      sync.Mutex
}

// New creates a new Watcher instance.
func New(cfg *Config) (*Watcher, error) {
	if cfg.DebounceDuration <= 0 {
		cfg.DebounceDuration = DefaultDebounceDuration
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		cfg:    cfg,
		fsw:    fsw,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start begins watching the configured directory.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return fmt.Errorf("watcher has been stopped and cannot be restarted")
	}
	if w.started {
		return nil
	}

	if _, err := os.Stat(w.cfg.Dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", w.cfg.Dir, err)
	}
	if err := w.fsw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", w.cfg.Dir, err)
	}

	w.started = true
	go w.eventLoop()
	return nil
}

// Stop stops the watcher and waits for the event loop to exit. OnChange is
// not called after Stop returns.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	close(w.stopCh)
	_ = w.fsw.Close()
	w.mu.Unlock()

	if started {
		<-w.done
	}
}

func (w *Watcher) matches(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	if w.cfg.Match == nil {
		return true
	}
	return w.cfg.Match(filepath.Base(event.Name))
}

// eventLoop processes fsnotify events with debouncing.
func (w *Watcher) eventLoop() {
	defer close(w.done)

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.matches(event) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.cfg.DebounceDuration)
			} else {
				debounce.Reset(w.cfg.DebounceDuration)
			}
			fire = debounce.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.cfg.OnError != nil {
				w.cfg.OnError(err)
			}

		case <-fire:
			fire = nil
			if w.cfg.OnChange != nil {
				w.cfg.OnChange()
			}
		}
	}
}
