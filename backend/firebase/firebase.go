// Package firebase talks to Firebase Authentication (Identity Toolkit) and
// Cloud Firestore through the generated Google API clients. Tasks live in
// users/{uid}/tasks; live queries are emulated by polling.
package firebase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	firestore "google.golang.org/api/firestore/v1"
	"google.golang.org/api/googleapi"
	identitytoolkit "google.golang.org/api/identitytoolkit/v1"
	"google.golang.org/api/option"

	"xtodo/backend"
	"xtodo/internal/credentials"
	"xtodo/internal/ratelimit"
)

// Name is the backend name used for the keyring entry.
const Name = "firebase"

const (
	// DefaultTokenURL is the Secure Token refresh endpoint.
	DefaultTokenURL = "https://securetoken.googleapis.com/v1/token"

	DefaultPollInterval = 2 * time.Second
)

// Config holds the project settings. The endpoint fields default to
// production and exist so tests can point at a local server.
type Config struct {
	APIKey       string
	ProjectID    string
	PollInterval time.Duration

	// AuthEndpoint and FirestoreEndpoint replace the base URLs of the
	// Identity Toolkit and Firestore services.
	AuthEndpoint      string
	FirestoreEndpoint string
	TokenURL          string
}

// Backend implements backend.Backend against a Firebase project.
type Backend struct {
	cfg      Config
	http     *http.Client
	accounts *identitytoolkit.AccountsService
	writes   *firestore.ProjectsDatabasesDocumentsService
	reads    *firestore.ProjectsDatabasesDocumentsService // retries throttled responses
	stats    *ratelimit.Stats
	tokens   credentials.TokenStore
	now      func() time.Time

	restoreOnce sync.Once
	authMu      sync.Mutex // serializes auth deliveries
	refreshMu   sync.Mutex // one token refresh at a time

	mu        sync.Mutex
	sess      *tokenSet
	authObs   map[int]*authObserver
	listeners map[int]*poller
	nextID    int
	closed    bool
}

type authObserver struct {
	fn          func(*backend.User)
	initialized bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithTokenStore persists the refresh token, typically in the OS keyring.
func WithTokenStore(ts credentials.TokenStore) Option {
	return func(b *Backend) {
		b.tokens = ts
	}
}

// WithHTTPClient replaces the HTTP client used for every request.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		b.http = c
	}
}

// WithRateLimitStats records throttled live-query reads into s.
func WithRateLimitStats(s *ratelimit.Stats) Option {
	return func(b *Backend) {
		b.stats = s
	}
}

// WithClock replaces the time source used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// New returns a backend for the given project. No request is made until the
// first auth observer or call.
func New(cfg Config, opts ...Option) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("firebase: api key is required")
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("firebase: project id is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}

	b := &Backend{
		cfg:       cfg,
		http:      &http.Client{},
		tokens:    &credentials.MemoryTokenStore{},
		now:       time.Now,
		authObs:   make(map[int]*authObserver),
		listeners: make(map[int]*poller),
	}
	for _, opt := range opts {
		opt(b)
	}

	ctx := context.Background()
	identity, err := identitytoolkit.NewService(ctx, serviceOptions(b.http, cfg.AuthEndpoint)...)
	if err != nil {
		return nil, fmt.Errorf("firebase: identity toolkit client: %w", err)
	}
	writes, err := firestore.NewService(ctx, serviceOptions(b.http, cfg.FirestoreEndpoint)...)
	if err != nil {
		return nil, fmt.Errorf("firebase: firestore client: %w", err)
	}
	readClient := &http.Client{
		Timeout: b.http.Timeout,
		Transport: &ratelimit.Transport{
			Base:      b.http.Transport,
			BaseDelay: 500 * time.Millisecond,
			MaxDelay:  16 * time.Second,
			Jitter:    true,
			Stats:     b.stats,
		},
	}
	reads, err := firestore.NewService(ctx, serviceOptions(readClient, cfg.FirestoreEndpoint)...)
	if err != nil {
		return nil, fmt.Errorf("firebase: firestore client: %w", err)
	}

	b.accounts = identity.Accounts
	b.writes = writes.Projects.Databases.Documents
	b.reads = reads.Projects.Databases.Documents
	return b, nil
}

// serviceOptions builds the client options of one generated service. The
// session travels as a per-call bearer token, so no credentials are attached.
func serviceOptions(c *http.Client, endpoint string) []option.ClientOption {
	opts := []option.ClientOption{option.WithHTTPClient(c)}
	if endpoint != "" {
		if !strings.HasSuffix(endpoint, "/") {
			endpoint += "/"
		}
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	return opts
}

// apiKey is added to every Identity Toolkit call. option.WithAPIKey has no
// effect once option.WithHTTPClient is set.
func (b *Backend) apiKey() googleapi.CallOption {
	return googleapi.QueryParameter("key", b.cfg.APIKey)
}

// Close stops all live queries. The stored refresh token is kept.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps := b.listeners
	b.listeners = make(map[int]*poller)
	b.authObs = make(map[int]*authObserver)
	b.mu.Unlock()

	for _, p := range ps {
		p.stop()
	}
	return nil
}

var _ backend.Backend = (*Backend)(nil)
