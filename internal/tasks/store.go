// Package tasks keeps the signed-in user's task list in sync with the backend
// and performs the create, toggle and delete writes.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"xtodo/backend"
	"xtodo/internal/session"
	"xtodo/internal/utils"
)

// DeletePrompt is the question asked before a task is deleted.
const DeletePrompt = "Are you sure you want to delete this task?"

var (
	// ErrNotSignedIn is returned by writes issued without a session. No backend call is made.
	ErrNotSignedIn = backend.ErrNotSignedIn
	// ErrNotConfirmed is returned by DeleteTask when the confirmation was declined.
	ErrNotConfirmed = errors.New("delete not confirmed")
)

// Snapshot is the list as last delivered by the live query. Tasks is
// replaced wholesale on every delivery and must not be modified.
type Snapshot struct {
	Tasks   []backend.Task
	Loading bool  // subscribed, first result not yet delivered
	Err     error // last write or subscription failure
}

// Confirmer decides whether a destructive action goes ahead.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) {
	return f(ctx, prompt)
}

// AlwaysConfirm approves without asking. Used for --no-prompt and after the
// TUI's own confirmation dialog.
var AlwaysConfirm Confirmer = ConfirmFunc(func(context.Context, string) (bool, error) { return true, nil })

// Instrumentation receives write outcomes and snapshot sizes.
type Instrumentation interface {
	ObserveWrite(op string, err error)
	ObserveSnapshot(size int)
}

// SessionSource is the part of the session manager the store follows.
type SessionSource interface {
	Observe(fn func(session.State)) (cancel func())
}

// Store owns the live query of the signed-in user's tasks.
type Store struct {
	backend backend.Tasks
	metrics Instrumentation

	deliverMu sync.Mutex // serializes snapshot deliveries

	mu          sync.Mutex
	user        *backend.User
	gen         int // bumped on every (re)subscription and teardown
	snap        Snapshot
	errFromLive bool
	unlisten    backend.Unsubscribe
	subs        map[int]func(Snapshot)
	nextID      int
}

// Option configures a Store.
type Option func(*Store)

// WithInstrumentation reports writes and deliveries to m.
func WithInstrumentation(m Instrumentation) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// New creates a store with no session bound.
func New(b backend.Tasks, opts ...Option) *Store {
	s := &Store{
		backend: b,
		subs:    make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bind follows src: the live query is opened when a user becomes present and
// closed when the session goes away. The returned func unbinds and closes
// any open query.
func (s *Store) Bind(src SessionSource) (unbind func()) {
	cancel := src.Observe(s.onSession)
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			s.teardown()
		})
	}
}

func (s *Store) onSession(st session.State) {
	if !st.SignedIn() {
		s.teardown()
		return
	}

	s.mu.Lock()
	if s.user != nil && s.user.UID == st.User.UID {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.teardown()
	s.subscribe(st.User)
}

// teardown closes the live query and publishes an empty list.
func (s *Store) teardown() {
	s.mu.Lock()
	unlisten := s.unlisten
	hadState := s.user != nil || len(s.snap.Tasks) > 0 || s.snap.Loading || s.snap.Err != nil
	s.unlisten = nil
	s.user = nil
	s.gen++
	s.mu.Unlock()

	if unlisten != nil {
		unlisten()
	}
	if hadState {
		s.publish(func(snap *Snapshot) {
			*snap = Snapshot{}
			s.errFromLive = false
		})
	}
}

func (s *Store) subscribe(u *backend.User) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	user := *u
	s.user = &user
	s.mu.Unlock()

	s.publish(func(snap *Snapshot) {
		*snap = Snapshot{Loading: true}
		s.errFromLive = false
	})

	unlisten, err := s.backend.Listen(context.Background(), backend.Query{OwnerID: user.UID},
		func(list []backend.Task) { s.onNext(gen, list) },
		func(err error) { s.onErr(gen, err) },
	)
	if err != nil {
		s.onErr(gen, err)
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		unlisten()
		return
	}
	s.unlisten = unlisten
	s.mu.Unlock()
}

func (s *Store) onNext(gen int, list []backend.Task) {
	applied := s.publishIf(gen, func(snap *Snapshot) {
		snap.Tasks = list
		snap.Loading = false
		if s.errFromLive {
			snap.Err = nil
			s.errFromLive = false
		}
	})
	if applied && s.metrics != nil {
		s.metrics.ObserveSnapshot(len(list))
	}
}

func (s *Store) onErr(gen int, err error) {
	utils.GetLogger().Warn("live query error", "component", "tasks", "err", err)
	s.publishIf(gen, func(snap *Snapshot) {
		snap.Loading = false
		snap.Err = err
		s.errFromLive = true
	})
}

// publish applies update under the lock and delivers the result to every subscriber.
func (s *Store) publish(update func(*Snapshot)) {
	s.publishIf(-1, update)
}

// publishIf is publish for a live query callback: it does nothing when gen
// is not the current subscription. gen < 0 always applies.
func (s *Store) publishIf(gen int, update func(*Snapshot)) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if gen >= 0 && gen != s.gen {
		s.mu.Unlock()
		return false
	}
	update(&s.snap)
	snap := s.snap
	ids := s.subscriberIDs()
	s.mu.Unlock()

	s.deliver(ids, snap)
	return true
}

func (s *Store) subscriberIDs() []int {
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *Store) deliver(ids []int, snap Snapshot) {
	for _, id := range ids {
		s.mu.Lock()
		fn, ok := s.subs[id]
		s.mu.Unlock()
		if ok {
			fn(snap)
		}
	}
}

// Subscribe calls fn with the current snapshot and then on every change.
// Cancel is idempotent.
func (s *Store) Subscribe(fn func(Snapshot)) (cancel func()) {
	s.deliverMu.Lock()
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	snap := s.snap
	s.mu.Unlock()
	fn(snap)
	s.deliverMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Current returns the last published snapshot.
func (s *Store) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Find looks a task up in the current snapshot by ID or unique ID prefix.
func (s *Store) Find(id string) (backend.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var match backend.Task
	n := 0
	for _, t := range s.snap.Tasks {
		if t.ID == id {
			return t, true
		}
		if len(id) >= 4 && len(t.ID) > len(id) && t.ID[:len(id)] == id {
			match = t
			n++
		}
	}
	return match, n == 1
}

// DismissError clears the error shown with the list.
func (s *Store) DismissError() {
	s.mu.Lock()
	has := s.snap.Err != nil
	s.mu.Unlock()
	if has {
		s.publish(func(snap *Snapshot) {
			snap.Err = nil
			s.errFromLive = false
		})
	}
}

func (s *Store) currentUser() *backend.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// finishWrite records the outcome of a write: failures are published with
// the list, a success clears an earlier write failure.
func (s *Store) finishWrite(op string, err error) error {
	if s.metrics != nil {
		s.metrics.ObserveWrite(op, err)
	}
	if err != nil {
		utils.GetLogger().Warn("write failed", "component", "tasks", "op", op, "err", err)
		s.publish(func(snap *Snapshot) {
			snap.Err = err
			s.errFromLive = false
		})
		return fmt.Errorf("%s task: %w", op, err)
	}

	s.mu.Lock()
	stale := s.snap.Err != nil && !s.errFromLive
	s.mu.Unlock()
	if stale {
		s.publish(func(snap *Snapshot) {
			if !s.errFromLive {
				snap.Err = nil
			}
		})
	}
	return nil
}

// CreateTask adds a task for the signed-in user. Text is trimmed; empty text
// is ignored without error. The new task reaches subscribers through the live
// query, not through this call.
func (s *Store) CreateTask(ctx context.Context, text string) (*backend.Task, error) {
	text = utils.NormalizeTaskText(text)
	if text == "" {
		return nil, nil
	}
	u := s.currentUser()
	if u == nil {
		return nil, ErrNotSignedIn
	}

	t, err := s.backend.AddTask(ctx, backend.NewTask{Text: text, OwnerID: u.UID})
	if err := s.finishWrite("create", err); err != nil {
		return nil, err
	}
	utils.GetLogger().Debug("task created", "component", "tasks", "id", t.ID)
	return t, nil
}

// ToggleTask writes the negation of currentCompleted. Concurrent toggles are
// last-write-wins.
func (s *Store) ToggleTask(ctx context.Context, id string, currentCompleted bool) error {
	if s.currentUser() == nil {
		return ErrNotSignedIn
	}
	err := s.backend.SetCompleted(ctx, id, !currentCompleted)
	return s.finishWrite("toggle", err)
}

// DeleteTask asks confirm and deletes the task only when it approves. A nil
// confirm counts as declined.
func (s *Store) DeleteTask(ctx context.Context, id string, confirm Confirmer) error {
	if s.currentUser() == nil {
		return ErrNotSignedIn
	}
	if confirm == nil {
		return ErrNotConfirmed
	}
	ok, err := confirm.Confirm(ctx, DeletePrompt)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotConfirmed
	}
	return s.finishWrite("delete", s.backend.DeleteTask(ctx, id))
}
