// Package local is a self-hosted stand-in for the managed backend: accounts,
// sessions and tasks live in a SQLite file, and live queries are refreshed
// after every write, including writes made by other processes on the same file.
package local

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"xtodo/backend"
	"xtodo/internal/credentials"
	"xtodo/internal/utils"
	"xtodo/internal/watcher"
)

// Name is the backend name used for the keyring entry.
const Name = "local"

// Backend implements backend.Backend on SQLite.
type Backend struct {
	db     *sql.DB
	path   string
	tokens credentials.TokenStore
	now    func() time.Time
	watch  bool
	fsw    *watcher.Watcher

	restoreOnce sync.Once
	authMu      sync.Mutex // serializes auth deliveries

	mu        sync.Mutex
	current   *backend.User
	token     string
	restored  bool
	authObs   map[int]*authObserver
	listeners map[int]*listener
	nextID    int
	closed    bool
}

type authObserver struct {
	fn          func(*backend.User)
	initialized bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithTokenStore persists the session token, typically in the OS keyring.
func WithTokenStore(ts credentials.TokenStore) Option {
	return func(b *Backend) {
		b.tokens = ts
	}
}

// WithClock replaces the creation-time source.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// WithoutWatcher disables cross-process change detection.
func WithoutWatcher() Option {
	return func(b *Backend) {
		b.watch = false
	}
}

// New opens (creating if needed) the database at path and applies migrations.
func New(path string, opts ...Option) (*Backend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	b := &Backend{
		db:        db,
		path:      path,
		tokens:    &credentials.MemoryTokenStore{},
		now:       time.Now,
		watch:     true,
		authObs:   make(map[int]*authObserver),
		listeners: make(map[int]*listener),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.watch {
		w, err := watcher.New(watcher.DefaultConfig(path, b.changed))
		if err == nil {
			err = w.Start()
		}
		if err != nil {
			utils.GetLogger().Warn("cross-process change detection disabled", "component", "local", "err", err)
		} else {
			b.fsw = w
		}
	}

	return b, nil
}

// Path returns the database file.
func (b *Backend) Path() string {
	return b.path
}

// Close stops all live queries and closes the database.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ls := b.listeners
	b.listeners = make(map[int]*listener)
	b.authObs = make(map[int]*authObserver)
	b.mu.Unlock()

	if b.fsw != nil {
		b.fsw.Stop()
	}
	for _, l := range ls {
		l.stop()
	}
	return b.db.Close()
}

var _ backend.Backend = (*Backend)(nil)
