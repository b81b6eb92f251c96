package credentials

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"

	"xtodo/internal/utils"
)

var (
	// ErrKeyringNotAvailable is returned when the OS keyring (Secret Service,
	// Keychain, Credential Manager) cannot be reached.
	ErrKeyringNotAvailable = errors.New("system keyring not available")

	// ErrNotFound is returned when no secret is stored for a service/account.
	ErrNotFound = errors.New("secret not found in keyring")
)

// MockKeyring is a test implementation of the Keyring interface
type MockKeyring struct {
	mu    sync.RWMutex
	store map[string]map[string]string // service -> account -> secret
}

// NewMockKeyring creates a new mock keyring for testing
func NewMockKeyring() *MockKeyring {
	return &MockKeyring{
		store: make(map[string]map[string]string),
	}
}

// Set stores a secret in the mock keyring
func (m *MockKeyring) Set(service, account, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store[service] == nil {
		m.store[service] = make(map[string]string)
	}
	m.store[service][account] = secret
	return nil
}

// Get retrieves a secret from the mock keyring
func (m *MockKeyring) Get(service, account string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if accounts, ok := m.store[service]; ok {
		if secret, ok := accounts[account]; ok {
			return secret, nil
		}
	}
	return "", fmt.Errorf("%w: %s/%s", ErrNotFound, service, account)
}

// Delete removes a secret from the mock keyring
func (m *MockKeyring) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if accounts, ok := m.store[service]; ok {
		if _, ok := accounts[account]; ok {
			delete(accounts, account)
			return nil
		}
	}
	return fmt.Errorf("%w: %s/%s", ErrNotFound, service, account)
}

// systemKeyring stores secrets in the OS keyring through go-keyring
type systemKeyring struct{}

func mapKeyringError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	utils.GetLogger().Debug("keyring unavailable", "op", op, "err", err)
	return ErrKeyringNotAvailable
}

// Set stores a secret in the system keyring
func (s *systemKeyring) Set(service, account, secret string) error {
	return mapKeyringError("set", keyring.Set(service, account, secret))
}

// Get retrieves a secret from the system keyring
func (s *systemKeyring) Get(service, account string) (string, error) {
	secret, err := keyring.Get(service, account)
	if err != nil {
		return "", mapKeyringError("get", err)
	}
	return secret, nil
}

// Delete removes a secret from the system keyring
func (s *systemKeyring) Delete(service, account string) error {
	return mapKeyringError("delete", keyring.Delete(service, account))
}
