// Package credentials stores backend session tokens in the OS-native keyring,
// with a read-only fallback to environment variables.
package credentials

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source indicates where a token was retrieved from
type Source string

const (
	SourceKeyring     Source = "keyring"
	SourceEnvironment Source = "environment"
	SourceNone        Source = "none"
)

// SessionAccount is the keyring account a backend's session token is stored under.
const SessionAccount = "session"

// Keyring is the interface for keyring operations
type Keyring interface {
	Set(service, account, secret string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// TokenStore persists a single session token for one backend.
type TokenStore interface {
	LoadToken(ctx context.Context) (string, error) // "" when nothing is stored
	SaveToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
}

// Manager handles credential operations
type Manager struct {
	keyring Keyring
}

// ManagerOption is a functional option for Manager
type ManagerOption func(*Manager)

// WithKeyring sets a custom keyring implementation
func WithKeyring(k Keyring) ManagerOption {
	return func(m *Manager) {
		m.keyring = k
	}
}

// NewManager creates a new credential manager
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		keyring: &systemKeyring{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// normalizeBackend normalizes backend names to lowercase
func normalizeBackend(backend string) string {
	return strings.ToLower(strings.TrimSpace(backend))
}

// serviceName returns the keyring service name for a backend
func serviceName(backend string) string {
	return fmt.Sprintf("xtodo-%s", normalizeBackend(backend))
}

// envTokenKey returns the environment variable consulted when the keyring is empty,
// e.g. XTODO_FIREBASE_TOKEN.
func envTokenKey(backend string) string {
	return fmt.Sprintf("XTODO_%s_TOKEN", strings.ToUpper(normalizeBackend(backend)))
}

// Set stores a secret for backend/account in the keyring
func (m *Manager) Set(ctx context.Context, backend, account, secret string) error {
	return m.keyring.Set(serviceName(backend), account, secret)
}

// Get retrieves a secret (keyring first, then environment) and reports its source.
// A missing secret is not an error: it returns "" and SourceNone.
func (m *Manager) Get(ctx context.Context, backend, account string) (string, Source, error) {
	secret, err := m.keyring.Get(serviceName(backend), account)
	if err == nil && secret != "" {
		return secret, SourceKeyring, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrKeyringNotAvailable) {
		return "", SourceNone, err
	}

	if account == SessionAccount {
		if env := os.Getenv(envTokenKey(backend)); env != "" {
			return env, SourceEnvironment, nil
		}
	}
	return "", SourceNone, nil
}

// Delete removes a secret from the keyring. Deleting a missing secret is not
// an error, and neither is a missing keyring: it cannot hold the secret.
func (m *Manager) Delete(ctx context.Context, backend, account string) error {
	err := m.keyring.Delete(serviceName(backend), account)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrKeyringNotAvailable) {
		return nil
	}
	return err
}

// ForBackend returns the session token store of one backend.
func (m *Manager) ForBackend(backend string) TokenStore {
	return &backendTokens{manager: m, backend: normalizeBackend(backend)}
}

type backendTokens struct {
	manager *Manager
	backend string
}

func (b *backendTokens) LoadToken(ctx context.Context) (string, error) {
	token, _, err := b.manager.Get(ctx, b.backend, SessionAccount)
	return token, err
}

func (b *backendTokens) SaveToken(ctx context.Context, token string) error {
	return b.manager.Set(ctx, b.backend, SessionAccount, token)
}

func (b *backendTokens) ClearToken(ctx context.Context) error {
	return b.manager.Delete(ctx, b.backend, SessionAccount)
}

// MemoryTokenStore keeps a token in memory only. Used when no keyring is
// wanted, and in tests.
type MemoryTokenStore struct {
	mu    sync.Mutex
	token string
}

func (s *MemoryTokenStore) LoadToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *MemoryTokenStore) SaveToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *MemoryTokenStore) ClearToken(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

// PromptPassword prompts for a password. Input is hidden when reader is a terminal;
// otherwise a single line is read, which is what tests and pipes use.
func PromptPassword(reader io.Reader, writer io.Writer, label string) (string, error) {
	_, _ = fmt.Fprintf(writer, "%s: ", label)

	if f, ok := reader.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		data, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(writer)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(data), nil
	}

	scanner := bufio.NewScanner(reader)
	if scanner.Scan() {
		return strings.TrimRight(scanner.Text(), "\r\n"), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no input received")
}
