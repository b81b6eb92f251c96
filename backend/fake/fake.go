// Package fake provides an in-memory backend.Backend for tests. Writes notify
// listeners synchronously, before the write call returns.
package fake

import (
	"context"
	"sort"
	"sync"
	"time"

	"xtodo/backend"
)

type account struct {
	user     backend.User
	password string
}

type listener struct {
	q      backend.Query
	onNext func([]backend.Task)
	onErr  func(error)
}

type storedTask struct {
	task backend.Task
	seq  int
}

// Backend is an in-memory backend with call counters and injectable errors.
type Backend struct {
	authMu sync.Mutex // serializes auth deliveries
	taskMu sync.Mutex // serializes snapshot deliveries

	mu         sync.Mutex
	accounts   map[string]*account // by normalized email
	identities map[string]string   // provider/subject -> email
	current    *backend.User
	restored   bool
	authObs    map[int]func(*backend.User)
	listeners  map[int]*listener
	nextID     int
	tasks      []storedTask
	seq        int
	now        func() time.Time

	// Injected failures. A non-nil value is returned by the next calls.
	SignInErr error
	AddErr    error
	SetErr    error
	DeleteErr error
	ListenErr error

	AddCalls    int
	SetCalls    int
	DeleteCalls int
	ListenCalls int
}

// New creates a backend whose restored session is signed out, reported as soon
// as an auth observer registers.
func New() *Backend {
	return &Backend{
		accounts:   make(map[string]*account),
		identities: make(map[string]string),
		authObs:    make(map[int]func(*backend.User)),
		listeners:  make(map[int]*listener),
		restored:   true,
		now:        time.Now,
	}
}

// NewPending creates a backend that reports nothing to auth observers until
// Restore is called, so the session stays Unknown.
func NewPending() *Backend {
	b := New()
	b.restored = false
	return b
}

// SetClock replaces the creation-time source.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// AddAccount registers an account without signing it in.
func (b *Backend) AddAccount(email, password string) backend.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := backend.User{UID: backend.GenerateID(), Email: backend.NormalizeEmail(email), Provider: backend.ProviderPassword}
	b.accounts[u.Email] = &account{user: u, password: password}
	return u
}

// Restore reports the restored session to auth observers. u may be nil.
func (b *Backend) Restore(u *backend.User) {
	b.mu.Lock()
	b.restored = true
	b.current = u
	b.mu.Unlock()
	b.notifyAuth()
}

// CurrentUser returns the signed-in user or nil.
func (b *Backend) CurrentUser() *backend.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Backend) notifyAuth() {
	b.authMu.Lock()
	defer b.authMu.Unlock()

	b.mu.Lock()
	u := b.current
	fns := make([]func(*backend.User), 0, len(b.authObs))
	for _, fn := range b.authObs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

func (b *Backend) signIn(u backend.User) *backend.User {
	b.mu.Lock()
	cp := u
	b.current = &cp
	b.mu.Unlock()
	b.notifyAuth()
	return &cp
}

// SignInWithPassword implements backend.Auth.
func (b *Backend) SignInWithPassword(ctx context.Context, email, password string) (*backend.User, error) {
	b.mu.Lock()
	if err := b.SignInErr; err != nil {
		b.mu.Unlock()
		return nil, err
	}
	acct, ok := b.accounts[backend.NormalizeEmail(email)]
	b.mu.Unlock()
	if !ok || acct.password != password {
		return nil, backend.NewAuthError(backend.ErrInvalidCredentials, "INVALID_LOGIN_CREDENTIALS", "Invalid email or password.")
	}
	return b.signIn(acct.user), nil
}

// CreateUser implements backend.Auth.
func (b *Backend) CreateUser(ctx context.Context, email, password string) (*backend.User, error) {
	email = backend.NormalizeEmail(email)
	if len(password) < 6 {
		return nil, backend.NewAuthError(backend.ErrWeakPassword, "WEAK_PASSWORD", "Password should be at least 6 characters.")
	}
	b.mu.Lock()
	if _, ok := b.accounts[email]; ok {
		b.mu.Unlock()
		return nil, backend.NewAuthError(backend.ErrEmailExists, "EMAIL_EXISTS", "The email address is already in use by another account.")
	}
	u := backend.User{UID: backend.GenerateID(), Email: email, Provider: backend.ProviderPassword}
	b.accounts[email] = &account{user: u, password: password}
	b.mu.Unlock()
	return b.signIn(u), nil
}

// SignInWithIdentity implements backend.Auth.
func (b *Backend) SignInWithIdentity(ctx context.Context, id backend.Identity) (*backend.User, error) {
	key := id.Provider + "/" + id.Subject
	b.mu.Lock()
	email, ok := b.identities[key]
	var u backend.User
	if ok {
		u = b.accounts[email].user
	} else {
		u = backend.User{UID: backend.GenerateID(), Email: backend.NormalizeEmail(id.Email), DisplayName: id.Name, Provider: id.Provider}
		b.accounts[u.Email] = &account{user: u}
		b.identities[key] = u.Email
	}
	b.mu.Unlock()
	return b.signIn(u), nil
}

// SignOut implements backend.Auth.
func (b *Backend) SignOut(ctx context.Context) error {
	b.mu.Lock()
	was := b.current
	b.current = nil
	b.mu.Unlock()
	if was != nil {
		b.notifyAuth()
	}
	return nil
}

// OnAuthStateChanged implements backend.Auth.
func (b *Backend) OnAuthStateChanged(fn func(*backend.User)) backend.Unsubscribe {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.authObs[id] = fn
	restored := b.restored
	u := b.current
	b.mu.Unlock()

	if restored {
		b.authMu.Lock()
		fn(u)
		b.authMu.Unlock()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.authObs, id)
			b.mu.Unlock()
		})
	}
}

// AddTask implements backend.Tasks.
func (b *Backend) AddTask(ctx context.Context, nt backend.NewTask) (*backend.Task, error) {
	b.mu.Lock()
	b.AddCalls++
	if err := b.AddErr; err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.seq++
	t := backend.Task{
		ID:        backend.GenerateID(),
		Text:      nt.Text,
		CreatedAt: b.now(),
		OwnerID:   nt.OwnerID,
	}
	b.tasks = append(b.tasks, storedTask{task: t, seq: b.seq})
	b.mu.Unlock()

	b.refresh()
	return &t, nil
}

// SetCompleted implements backend.Tasks.
func (b *Backend) SetCompleted(ctx context.Context, id string, completed bool) error {
	b.mu.Lock()
	b.SetCalls++
	if err := b.SetErr; err != nil {
		b.mu.Unlock()
		return err
	}
	found := false
	for i := range b.tasks {
		if b.tasks[i].task.ID == id {
			b.tasks[i].task.Completed = completed
			found = true
		}
	}
	b.mu.Unlock()
	if !found {
		return backend.ErrNotFound
	}
	b.refresh()
	return nil
}

// DeleteTask implements backend.Tasks.
func (b *Backend) DeleteTask(ctx context.Context, id string) error {
	b.mu.Lock()
	b.DeleteCalls++
	if err := b.DeleteErr; err != nil {
		b.mu.Unlock()
		return err
	}
	kept := b.tasks[:0]
	found := false
	for _, st := range b.tasks {
		if st.task.ID == id {
			found = true
			continue
		}
		kept = append(kept, st)
	}
	b.tasks = kept
	b.mu.Unlock()
	if !found {
		return backend.ErrNotFound
	}
	b.refresh()
	return nil
}

// Tasks returns every stored task in query order, regardless of owner.
func (b *Backend) Tasks() []backend.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queryLocked(backend.Query{}, true)
}

func (b *Backend) queryLocked(q backend.Query, all bool) []backend.Task {
	matched := make([]storedTask, 0, len(b.tasks))
	for _, st := range b.tasks {
		if all || st.task.OwnerID == q.OwnerID {
			matched = append(matched, st)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].seq > matched[j].seq })
	out := make([]backend.Task, len(matched))
	for i, st := range matched {
		out[i] = st.task
	}
	backend.SortTasks(out)
	return out
}

func (b *Backend) refresh() {
	b.taskMu.Lock()
	defer b.taskMu.Unlock()

	type delivery struct {
		fn    func([]backend.Task)
		tasks []backend.Task
	}
	b.mu.Lock()
	var ds []delivery
	for _, l := range b.listeners {
		ds = append(ds, delivery{fn: l.onNext, tasks: b.queryLocked(l.q, false)})
	}
	b.mu.Unlock()

	for _, d := range ds {
		d.fn(d.tasks)
	}
}

// FailListeners reports err to every open listener.
func (b *Backend) FailListeners(err error) {
	b.taskMu.Lock()
	defer b.taskMu.Unlock()

	b.mu.Lock()
	var fns []func(error)
	for _, l := range b.listeners {
		fns = append(fns, l.onErr)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// ListenerCount returns the number of open live queries.
func (b *Backend) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Listen implements backend.Tasks. The initial snapshot is delivered before Listen returns.
func (b *Backend) Listen(ctx context.Context, q backend.Query, onNext func([]backend.Task), onErr func(error)) (backend.Unsubscribe, error) {
	b.mu.Lock()
	b.ListenCalls++
	if err := b.ListenErr; err != nil {
		b.mu.Unlock()
		return nil, err
	}
	id := b.nextID
	b.nextID++
	b.listeners[id] = &listener{q: q, onNext: onNext, onErr: onErr}
	initial := b.queryLocked(q, false)
	b.mu.Unlock()

	b.taskMu.Lock()
	onNext(initial)
	b.taskMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}, nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[int]*listener)
	b.authObs = make(map[int]func(*backend.User))
	return nil
}

var _ backend.Backend = (*Backend)(nil)
