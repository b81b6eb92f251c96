package credentials

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type unavailableKeyring struct{}

func (unavailableKeyring) Set(string, string, string) error { return ErrKeyringNotAvailable }
func (unavailableKeyring) Get(string, string) (string, error) {
	return "", ErrKeyringNotAvailable
}
func (unavailableKeyring) Delete(string, string) error { return ErrKeyringNotAvailable }

// TestTokenStoreRoundTrip verifies a backend token is saved under xtodo-<backend>/session
func TestTokenStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	mock := NewMockKeyring()
	store := NewManager(WithKeyring(mock)).ForBackend("Firebase")

	if tok, err := store.LoadToken(ctx); err != nil || tok != "" {
		t.Fatalf("LoadToken() = %q, %v; want empty, nil", tok, err)
	}

	if err := store.SaveToken(ctx, "refresh-123"); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}
	raw, err := mock.Get("xtodo-firebase", SessionAccount)
	if err != nil || raw != "refresh-123" {
		t.Errorf("keyring entry = %q, %v", raw, err)
	}

	tok, err := store.LoadToken(ctx)
	if err != nil || tok != "refresh-123" {
		t.Errorf("LoadToken() = %q, %v; want refresh-123", tok, err)
	}

	if err := store.ClearToken(ctx); err != nil {
		t.Fatalf("ClearToken() error = %v", err)
	}
	if err := store.ClearToken(ctx); err != nil {
		t.Errorf("ClearToken() should be idempotent, got %v", err)
	}
	if tok, _ := store.LoadToken(ctx); tok != "" {
		t.Errorf("LoadToken() after clear = %q, want empty", tok)
	}
}

// TestTokenFromEnvironment verifies the environment fallback when the keyring is empty
func TestTokenFromEnvironment(t *testing.T) {
	t.Setenv("XTODO_LOCAL_TOKEN", "env-token")
	m := NewManager(WithKeyring(unavailableKeyring{}))

	tok, src, err := m.Get(context.Background(), "local", SessionAccount)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tok != "env-token" || src != SourceEnvironment {
		t.Errorf("Get() = %q, %s; want env-token, environment", tok, src)
	}
}

// TestSaveTokenKeyringUnavailable verifies the sentinel surfaces to callers
func TestSaveTokenKeyringUnavailable(t *testing.T) {
	store := NewManager(WithKeyring(unavailableKeyring{})).ForBackend("local")
	if err := store.SaveToken(context.Background(), "x"); !errors.Is(err, ErrKeyringNotAvailable) {
		t.Errorf("SaveToken() error = %v, want ErrKeyringNotAvailable", err)
	}
}

// TestClearTokenKeyringUnavailable verifies clearing without a keyring succeeds
func TestClearTokenKeyringUnavailable(t *testing.T) {
	store := NewManager(WithKeyring(unavailableKeyring{})).ForBackend("firebase")
	for i := 0; i < 2; i++ {
		if err := store.ClearToken(context.Background()); err != nil {
			t.Errorf("ClearToken() #%d error = %v, want nil", i+1, err)
		}
	}
}

// TestPromptPasswordFromReader verifies non-terminal input reads a line
func TestPromptPasswordFromReader(t *testing.T) {
	var out strings.Builder
	pw, err := PromptPassword(strings.NewReader("hunter22\n"), &out, "Password")
	if err != nil {
		t.Fatalf("PromptPassword() error = %v", err)
	}
	if pw != "hunter22" {
		t.Errorf("password = %q, want hunter22", pw)
	}
	if out.String() != "Password: " {
		t.Errorf("prompt = %q", out.String())
	}

	if _, err := PromptPassword(strings.NewReader(""), &out, "Password"); err == nil {
		t.Error("expected error on empty input")
	}
}

// TestMemoryTokenStore verifies the in-memory implementation
func TestMemoryTokenStore(t *testing.T) {
	var s TokenStore = &MemoryTokenStore{}
	ctx := context.Background()
	_ = s.SaveToken(ctx, "abc")
	if tok, _ := s.LoadToken(ctx); tok != "abc" {
		t.Errorf("LoadToken() = %q", tok)
	}
	_ = s.ClearToken(ctx)
	if tok, _ := s.LoadToken(ctx); tok != "" {
		t.Errorf("LoadToken() after clear = %q", tok)
	}
}
