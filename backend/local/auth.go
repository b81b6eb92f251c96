package local

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"xtodo/backend"
	"xtodo/internal/utils"
)

var (
	errInvalidLogin = backend.NewAuthError(backend.ErrInvalidCredentials, "INVALID_LOGIN_CREDENTIALS", "Invalid email or password.")
	errEmailExists  = backend.NewAuthError(backend.ErrEmailExists, "EMAIL_EXISTS", "The email address is already in use by another account.")
	errWeakPassword = backend.NewAuthError(backend.ErrWeakPassword, "WEAK_PASSWORD", "Password should be at least 6 characters.")
)

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// restore loads the persisted session token and resolves it to a user.
// It runs once, before the first auth delivery or auth call.
func (b *Backend) restore() {
	ctx := context.Background()
	var user *backend.User

	token, err := b.tokens.LoadToken(ctx)
	if err != nil {
		utils.GetLogger().Warn("failed to load session token", "component", "local", "err", err)
	}
	if token != "" {
		u, err := b.userForToken(ctx, token)
		switch {
		case err == nil:
			user = u
		case errors.Is(err, sql.ErrNoRows):
			utils.GetLogger().Debug("stored session is no longer valid", "component", "local")
			_ = b.tokens.ClearToken(ctx)
			token = ""
		default:
			utils.GetLogger().Warn("failed to restore session", "component", "local", "err", err)
			token = ""
		}
	}

	b.mu.Lock()
	b.current = user
	b.token = token
	b.restored = true
	b.mu.Unlock()

	b.notifyAuth()
}

func (b *Backend) ensureRestored() {
	b.restoreOnce.Do(b.restore)
}

func (b *Backend) userForToken(ctx context.Context, token string) (*backend.User, error) {
	var u backend.User
	err := b.db.QueryRowContext(ctx, `
		SELECT u.uid, u.email, u.display_name, u.provider
		FROM sessions s JOIN users u ON u.uid = s.uid
		WHERE s.token = ?`, token,
	).Scan(&u.UID, &u.Email, &u.DisplayName, &u.Provider)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// notifyAuth delivers the current user to every auth observer.
func (b *Backend) notifyAuth() {
	b.authMu.Lock()
	defer b.authMu.Unlock()

	b.mu.Lock()
	u := b.current
	obs := make([]*authObserver, 0, len(b.authObs))
	for _, o := range b.authObs {
		o.initialized = true
		obs = append(obs, o)
	}
	b.mu.Unlock()

	for _, o := range obs {
		o.fn(u)
	}
}

// OnAuthStateChanged implements backend.Auth. The first delivery happens on
// another goroutine once the stored session has been restored.
func (b *Backend) OnAuthStateChanged(fn func(*backend.User)) backend.Unsubscribe {
	o := &authObserver{fn: fn}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.authObs[id] = o
	b.mu.Unlock()

	go func() {
		b.ensureRestored()

		b.authMu.Lock()
		defer b.authMu.Unlock()
		b.mu.Lock()
		_, registered := b.authObs[id]
		deliver := registered && !o.initialized
		o.initialized = true
		u := b.current
		b.mu.Unlock()
		if deliver {
			fn(u)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.authObs, id)
			b.mu.Unlock()
		})
	}
}

// startSession issues a session token for u and makes it the current user.
func (b *Backend) startSession(ctx context.Context, u *backend.User) (*backend.User, error) {
	b.ensureRestored()

	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}
	if _, err := b.db.ExecContext(ctx,
		"INSERT INTO sessions (token, uid, created_at) VALUES (?, ?, ?)",
		token, u.UID, b.now().UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	b.mu.Lock()
	old := b.token
	b.current = u
	b.token = token
	b.mu.Unlock()

	if old != "" {
		_, _ = b.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", old)
	}
	if err := b.tokens.SaveToken(ctx, token); err != nil {
		utils.GetLogger().Warn("session will not survive a restart", "component", "local", "err", err)
	}

	b.notifyAuth()
	return u, nil
}

// SignInWithPassword implements backend.Auth.
func (b *Backend) SignInWithPassword(ctx context.Context, email, password string) (*backend.User, error) {
	var u backend.User
	var hash sql.NullString
	err := b.db.QueryRowContext(ctx,
		"SELECT uid, email, display_name, provider, password_hash FROM users WHERE email = ?",
		backend.NormalizeEmail(email),
	).Scan(&u.UID, &u.Email, &u.DisplayName, &u.Provider, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errInvalidLogin
	}
	if err != nil {
		return nil, err
	}
	if !hash.Valid || bcrypt.CompareHashAndPassword([]byte(hash.String), []byte(password)) != nil {
		return nil, errInvalidLogin
	}
	u.Provider = backend.ProviderPassword
	return b.startSession(ctx, &u)
}

// CreateUser implements backend.Auth.
func (b *Backend) CreateUser(ctx context.Context, email, password string) (*backend.User, error) {
	email = backend.NormalizeEmail(email)
	if len(password) < utils.MinPasswordLength {
		return nil, errWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u := &backend.User{UID: backend.GenerateID(), Email: email, Provider: backend.ProviderPassword}
	_, err = b.db.ExecContext(ctx,
		"INSERT INTO users (uid, email, display_name, password_hash, provider, created_at) VALUES (?, ?, '', ?, ?, ?)",
		u.UID, u.Email, string(hash), u.Provider, b.now().UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errEmailExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return b.startSession(ctx, u)
}

// SignInWithIdentity implements backend.Auth. A first-time identity creates
// the account; an identity whose email matches a password account is linked to it.
func (b *Backend) SignInWithIdentity(ctx context.Context, id backend.Identity) (*backend.User, error) {
	if id.Provider == "" || id.Subject == "" {
		return nil, backend.NewAuthError(backend.ErrInvalidCredentials, "INVALID_IDP_RESPONSE", "The identity provider response is incomplete.")
	}

	u, err := b.userForIdentity(ctx, id)
	if err == nil {
		u.Provider = id.Provider
		return b.startSession(ctx, u)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	email := backend.NormalizeEmail(id.Email)
	u = &backend.User{Email: email, DisplayName: id.Name, Provider: id.Provider}
	err = tx.QueryRowContext(ctx, "SELECT uid FROM users WHERE email = ?", email).Scan(&u.UID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		u.UID = backend.GenerateID()
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO users (uid, email, display_name, password_hash, provider, created_at) VALUES (?, ?, ?, NULL, ?, ?)",
			u.UID, email, id.Name, id.Provider, b.now().UnixNano(),
		); err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
	case err != nil:
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO identities (provider, subject, uid) VALUES (?, ?, ?)",
		id.Provider, id.Subject, u.UID,
	); err != nil {
		return nil, fmt.Errorf("failed to link identity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return b.startSession(ctx, u)
}

func (b *Backend) userForIdentity(ctx context.Context, id backend.Identity) (*backend.User, error) {
	var u backend.User
	err := b.db.QueryRowContext(ctx, `
		SELECT u.uid, u.email, u.display_name, u.provider
		FROM identities i JOIN users u ON u.uid = i.uid
		WHERE i.provider = ? AND i.subject = ?`, id.Provider, id.Subject,
	).Scan(&u.UID, &u.Email, &u.DisplayName, &u.Provider)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SignOut implements backend.Auth. Signing out twice is a no-op.
func (b *Backend) SignOut(ctx context.Context) error {
	b.ensureRestored()

	b.mu.Lock()
	token := b.token
	was := b.current
	b.current = nil
	b.token = ""
	b.mu.Unlock()

	var firstErr error
	if token != "" {
		if _, err := b.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", token); err != nil {
			firstErr = fmt.Errorf("failed to delete session: %w", err)
		}
	}
	if err := b.tokens.ClearToken(ctx); err != nil && firstErr == nil {
		utils.GetLogger().Warn("failed to clear stored session", "component", "local", "err", err)
	}

	if was != nil {
		b.notifyAuth()
	}
	return firstErr
}

// currentUser does not wait for the restore: it may run inside an auth delivery.
func (b *Backend) currentUser() *backend.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
