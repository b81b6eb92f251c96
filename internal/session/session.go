// Package session tracks which account, if any, is signed in.
//
// The state starts Unknown until the backend reports the restored session,
// then moves between Absent and Present. Observers are called in order from
// whichever goroutine caused the change; they must not call Observe themselves.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"xtodo/backend"
	"xtodo/internal/utils"
)

// Status is the resolution of the session.
type Status int

const (
	StatusUnknown Status = iota
	StatusAbsent
	StatusPresent
)

func (s Status) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusPresent:
		return "present"
	default:
		return "unknown"
	}
}

// State is the session as seen by the client. User is set only when Present.
type State struct {
	Status Status
	User   *backend.User
}

// SignedIn reports whether a user is present.
func (s State) SignedIn() bool {
	return s.Status == StatusPresent && s.User != nil
}

func (s State) same(o State) bool {
	if s.Status != o.Status {
		return false
	}
	if s.User == nil || o.User == nil {
		return s.User == o.User
	}
	return s.User.UID == o.User.UID
}

// ErrProviderNotConfigured is returned by SignInWithFederatedProvider when no
// identity provider was given to the manager.
var ErrProviderNotConfigured = errors.New("federated sign-in is not configured")

// IdentityProvider runs an interactive federated sign-in.
// Closing or declining it must yield an error matching backend.ErrCancelled.
type IdentityProvider interface {
	Authenticate(ctx context.Context) (backend.Identity, error)
}

// Manager owns the session state.
type Manager struct {
	auth backend.Auth
	idp  IdentityProvider

	deliverMu sync.Mutex // serializes transitions and their deliveries

	mu        sync.Mutex
	state     State
	observers map[int]func(State)
	nextID    int
	stop      backend.Unsubscribe
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdentityProvider enables SignInWithFederatedProvider.
func WithIdentityProvider(p IdentityProvider) Option {
	return func(m *Manager) {
		m.idp = p
	}
}

// NewManager subscribes to the backend's auth state. The state is Unknown
// until the backend's first report.
func NewManager(auth backend.Auth, opts ...Option) *Manager {
	m := &Manager{
		auth:      auth,
		observers: make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(m)
	}
	stop := auth.OnAuthStateChanged(m.onAuthStateChanged)
	m.mu.Lock()
	m.stop = stop
	m.mu.Unlock()
	return m
}

func (m *Manager) onAuthStateChanged(u *backend.User) {
	if u == nil {
		m.transition(State{Status: StatusAbsent})
		return
	}
	m.transition(State{Status: StatusPresent, User: u})
}

func (m *Manager) transition(next State) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if m.state.same(next) {
		m.mu.Unlock()
		return
	}
	m.state = next
	ids := make([]int, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	utils.GetLogger().Debug("session changed", "component", "session", "status", next.Status)

	sort.Ints(ids)
	for _, id := range ids {
		m.mu.Lock()
		fn, ok := m.observers[id]
		m.mu.Unlock()
		if ok {
			fn(next)
		}
	}
}

// Current returns the present state.
func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Observe calls fn with the current state (possibly Unknown) and then on
// every change. The returned cancel func stops delivery and may be called
// any number of times.
func (m *Manager) Observe(fn func(State)) (cancel func()) {
	m.deliverMu.Lock()
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	current := m.state
	m.mu.Unlock()
	fn(current)
	m.deliverMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
		})
	}
}

// Resolve waits until the state is no longer Unknown.
func (m *Manager) Resolve(ctx context.Context) (State, error) {
	resolved := make(chan State, 1)
	cancel := m.Observe(func(s State) {
		if s.Status == StatusUnknown {
			return
		}
		select {
		case resolved <- s:
		default:
		}
	})
	defer cancel()

	select {
	case s := <-resolved:
		return s, nil
	case <-ctx.Done():
		return m.Current(), ctx.Err()
	}
}

// SignIn authenticates with email and password. On failure the state is unchanged.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*backend.User, error) {
	if err := utils.ValidateCredentials(email, password); err != nil {
		return nil, err
	}
	u, err := m.auth.SignInWithPassword(ctx, backend.NormalizeEmail(email), password)
	if err != nil {
		return nil, err
	}
	m.onAuthStateChanged(u)
	return u, nil
}

// Register creates an account and signs it in.
func (m *Manager) Register(ctx context.Context, email, password string) (*backend.User, error) {
	if err := utils.ValidateCredentials(email, password); err != nil {
		return nil, err
	}
	u, err := m.auth.CreateUser(ctx, backend.NormalizeEmail(email), password)
	if err != nil {
		return nil, err
	}
	m.onAuthStateChanged(u)
	return u, nil
}

// SignInWithFederatedProvider runs the identity provider flow and signs in
// with its result. When the user closes the flow the returned error matches
// backend.ErrCancelled and callers should stay silent.
func (m *Manager) SignInWithFederatedProvider(ctx context.Context) (*backend.User, error) {
	if m.idp == nil {
		return nil, ErrProviderNotConfigured
	}
	id, err := m.idp.Authenticate(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, backend.ErrCancelled
		}
		return nil, err
	}
	u, err := m.auth.SignInWithIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	m.onAuthStateChanged(u)
	return u, nil
}

// SignOut ends the session. The state becomes Absent even when the backend
// call fails; that error is still returned.
func (m *Manager) SignOut(ctx context.Context) error {
	err := m.auth.SignOut(ctx)
	if err != nil {
		utils.GetLogger().Warn("sign out failed", "component", "session", "err", err)
	}
	m.transition(State{Status: StatusAbsent})
	return err
}

// Close stops listening to the backend. Observers receive nothing afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.observers = make(map[int]func(State))
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
}
