package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"xtodo/backend"
	"xtodo/backend/fake"
	"xtodo/internal/session"
)

type snapshots struct {
	mu   sync.Mutex
	list []Snapshot
}

func (s *snapshots) record(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append(s.list, snap)
}

func (s *snapshots) last() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list[len(s.list)-1]
}

func (s *snapshots) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

type env struct {
	backend *fake.Backend
	session *session.Manager
	store   *Store
	snaps   *snapshots
}

// newSignedInEnv returns a store bound to a session signed in as ada@example.com.
func newSignedInEnv(t *testing.T) *env {
	t.Helper()
	fb := fake.New()
	fb.AddAccount("ada@example.com", "secret1")
	mgr := session.NewManager(fb)
	t.Cleanup(mgr.Close)

	store := New(fb)
	t.Cleanup(store.Bind(mgr))

	snaps := &snapshots{}
	t.Cleanup(store.Subscribe(snaps.record))

	if _, err := mgr.SignIn(context.Background(), "ada@example.com", "secret1"); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	return &env{backend: fb, session: mgr, store: store, snaps: snaps}
}

func mustCreate(t *testing.T, s *Store, text string) *backend.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), text)
	if err != nil {
		t.Fatalf("CreateTask(%q) error = %v", text, err)
	}
	if task == nil {
		t.Fatalf("CreateTask(%q) returned no task", text)
	}
	return task
}

func texts(list []backend.Task) []string {
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = t.Text
	}
	return out
}

// TestCreateTaskIgnoresBlankText verifies empty and whitespace text never reach the backend
func TestCreateTaskIgnoresBlankText(t *testing.T) {
	e := newSignedInEnv(t)

	for _, text := range []string{"", "   ", "\t\n"} {
		task, err := e.store.CreateTask(context.Background(), text)
		if err != nil || task != nil {
			t.Errorf("CreateTask(%q) = %v, %v; want nil, nil", text, task, err)
		}
	}
	if e.backend.AddCalls != 0 {
		t.Errorf("AddCalls = %d, want 0", e.backend.AddCalls)
	}
	if n := len(e.backend.Tasks()); n != 0 {
		t.Errorf("stored tasks = %d, want 0", n)
	}
}

// TestCreateTaskStoresOne verifies a single incomplete task with trimmed text is stored
func TestCreateTaskStoresOne(t *testing.T) {
	e := newSignedInEnv(t)

	mustCreate(t, e.store, "  Buy milk ")

	stored := e.backend.Tasks()
	if len(stored) != 1 {
		t.Fatalf("stored tasks = %d, want 1", len(stored))
	}
	got := stored[0]
	if got.Text != "Buy milk" || got.Completed {
		t.Errorf("stored task = %+v, want text %q incomplete", got, "Buy milk")
	}
	if got.OwnerID != e.session.Current().User.UID {
		t.Errorf("OwnerID = %q, want the signed-in uid", got.OwnerID)
	}
	if got.CreatedAt.IsZero() || got.ID == "" {
		t.Errorf("backend must assign ID and CreatedAt, got %+v", got)
	}

	snap := e.snaps.last()
	if len(snap.Tasks) != 1 || snap.Tasks[0].Text != "Buy milk" {
		t.Errorf("snapshot = %v, want [Buy milk]", texts(snap.Tasks))
	}
}

// TestNewestFirst verifies "A" then "B" is listed B before A
func TestNewestFirst(t *testing.T) {
	e := newSignedInEnv(t)

	mustCreate(t, e.store, "A")
	mustCreate(t, e.store, "B")

	got := texts(e.snaps.last().Tasks)
	if len(got) != 2 || got[0] != "B" || got[1] != "A" {
		t.Errorf("order = %v, want [B A]", got)
	}
}

// TestNewestFirstSameTimestamp verifies insertion order breaks creation-time ties
func TestNewestFirstSameTimestamp(t *testing.T) {
	e := newSignedInEnv(t)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e.backend.SetClock(func() time.Time { return fixed })

	mustCreate(t, e.store, "A")
	mustCreate(t, e.store, "B")

	got := texts(e.snaps.last().Tasks)
	if len(got) != 2 || got[0] != "B" {
		t.Errorf("order = %v, want B first", got)
	}
}

// TestToggleParity verifies N toggles leave completed equal to N mod 2
func TestToggleParity(t *testing.T) {
	for n := 0; n <= 5; n++ {
		e := newSignedInEnv(t)
		task := mustCreate(t, e.store, "Flip me")

		for i := 0; i < n; i++ {
			current, ok := e.store.Find(task.ID)
			if !ok {
				t.Fatalf("task %s missing from snapshot", task.ID)
			}
			if err := e.store.ToggleTask(context.Background(), task.ID, current.Completed); err != nil {
				t.Fatalf("ToggleTask() error = %v", err)
			}
		}

		stored := e.backend.Tasks()[0]
		if want := n%2 == 1; stored.Completed != want {
			t.Errorf("after %d toggles completed = %v, want %v", n, stored.Completed, want)
		}
	}
}

// TestToggleStaleViewIsLastWriteWins verifies a stale flag writes its negation
func TestToggleStaleViewIsLastWriteWins(t *testing.T) {
	e := newSignedInEnv(t)
	task := mustCreate(t, e.store, "Race")

	// Another client completes the task behind our back
	if err := e.backend.SetCompleted(context.Background(), task.ID, true); err != nil {
		t.Fatal(err)
	}
	// Our stale view still says incomplete
	if err := e.store.ToggleTask(context.Background(), task.ID, false); err != nil {
		t.Fatal(err)
	}
	if !e.backend.Tasks()[0].Completed {
		t.Error("stale toggle should write !currentCompleted = true")
	}
}

// TestDeleteRequiresConfirmation verifies declined deletes leave the task and confirmed ones remove exactly it
func TestDeleteRequiresConfirmation(t *testing.T) {
	e := newSignedInEnv(t)
	keep := mustCreate(t, e.store, "Keep")
	drop := mustCreate(t, e.store, "Drop")

	var asked []string
	decline := ConfirmFunc(func(ctx context.Context, prompt string) (bool, error) {
		asked = append(asked, prompt)
		return false, nil
	})

	if err := e.store.DeleteTask(context.Background(), drop.ID, decline); !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("DeleteTask(declined) error = %v, want ErrNotConfirmed", err)
	}
	if err := e.store.DeleteTask(context.Background(), drop.ID, nil); !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("DeleteTask(nil confirmer) error = %v, want ErrNotConfirmed", err)
	}
	if e.backend.DeleteCalls != 0 {
		t.Fatalf("DeleteCalls = %d, want 0", e.backend.DeleteCalls)
	}
	if len(asked) != 1 || asked[0] != DeletePrompt {
		t.Errorf("prompts = %q, want [%q]", asked, DeletePrompt)
	}

	if err := e.store.DeleteTask(context.Background(), drop.ID, AlwaysConfirm); err != nil {
		t.Fatalf("DeleteTask(confirmed) error = %v", err)
	}
	remaining := e.backend.Tasks()
	if len(remaining) != 1 || remaining[0].ID != keep.ID {
		t.Errorf("remaining = %v, want only Keep", texts(remaining))
	}
	if got := texts(e.snaps.last().Tasks); len(got) != 1 || got[0] != "Keep" {
		t.Errorf("snapshot = %v, want [Keep]", got)
	}
}

// TestSignOutClearsList verifies the list is emptied on sign-out regardless of prior content
func TestSignOutClearsList(t *testing.T) {
	e := newSignedInEnv(t)
	mustCreate(t, e.store, "Secret")
	mustCreate(t, e.store, "Plans")

	if err := e.session.SignOut(context.Background()); err != nil {
		t.Fatal(err)
	}

	snap := e.snaps.last()
	if len(snap.Tasks) != 0 || snap.Loading {
		t.Errorf("snapshot after sign-out = %+v, want empty and not loading", snap)
	}
	if n := e.backend.ListenerCount(); n != 0 {
		t.Errorf("open listeners after sign-out = %d, want 0", n)
	}

	// A late subscriber also sees the empty list
	var late snapshots
	defer e.store.Subscribe(late.record)()
	if got := late.last(); len(got.Tasks) != 0 {
		t.Errorf("late subscriber got %v", texts(got.Tasks))
	}
}

// TestResubscribeOnSignIn verifies the query is re-established for the new user only
func TestResubscribeOnSignIn(t *testing.T) {
	e := newSignedInEnv(t)
	mustCreate(t, e.store, "Ada's task")
	_ = e.session.SignOut(context.Background())

	e.backend.AddAccount("bob@example.com", "secret2")
	if _, err := e.session.SignIn(context.Background(), "bob@example.com", "secret2"); err != nil {
		t.Fatal(err)
	}

	if got := texts(e.snaps.last().Tasks); len(got) != 0 {
		t.Errorf("bob should not see ada's tasks, got %v", got)
	}
	mustCreate(t, e.store, "Bob's task")
	if got := texts(e.snaps.last().Tasks); len(got) != 1 || got[0] != "Bob's task" {
		t.Errorf("snapshot = %v, want [Bob's task]", got)
	}
	if n := e.backend.ListenerCount(); n != 1 {
		t.Errorf("open listeners = %d, want 1", n)
	}
}

// TestWritesWithoutSession verifies writes fail fast with ErrNotSignedIn and no backend call
func TestWritesWithoutSession(t *testing.T) {
	fb := fake.New()
	mgr := session.NewManager(fb)
	defer mgr.Close()
	store := New(fb)
	defer store.Bind(mgr)()

	ctx := context.Background()
	if _, err := store.CreateTask(ctx, "x"); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("CreateTask() error = %v, want ErrNotSignedIn", err)
	}
	if err := store.ToggleTask(ctx, "id", false); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("ToggleTask() error = %v, want ErrNotSignedIn", err)
	}
	if err := store.DeleteTask(ctx, "id", AlwaysConfirm); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("DeleteTask() error = %v, want ErrNotSignedIn", err)
	}
	if fb.AddCalls+fb.SetCalls+fb.DeleteCalls != 0 {
		t.Error("no backend call expected without a session")
	}
}

// TestWriteFailureIsPublished verifies write errors reach subscribers and clear on the next success
func TestWriteFailureIsPublished(t *testing.T) {
	e := newSignedInEnv(t)
	boom := errors.New("permission denied")
	e.backend.AddErr = boom

	_, err := e.store.CreateTask(context.Background(), "Nope")
	if !errors.Is(err, boom) {
		t.Fatalf("CreateTask() error = %v, want %v", err, boom)
	}
	if got := e.snaps.last().Err; !errors.Is(got, boom) {
		t.Errorf("snapshot Err = %v, want %v", got, boom)
	}

	e.backend.AddErr = nil
	mustCreate(t, e.store, "Yes")
	if got := e.snaps.last().Err; got != nil {
		t.Errorf("snapshot Err after success = %v, want nil", got)
	}
}

// TestSubscriptionFailureIsPublished verifies live query errors keep the last list
func TestSubscriptionFailureIsPublished(t *testing.T) {
	e := newSignedInEnv(t)
	mustCreate(t, e.store, "Still here")

	lost := errors.New("stream reset")
	e.backend.FailListeners(lost)

	snap := e.snaps.last()
	if !errors.Is(snap.Err, lost) {
		t.Errorf("snapshot Err = %v, want %v", snap.Err, lost)
	}
	if got := texts(snap.Tasks); len(got) != 1 {
		t.Errorf("last known list should be kept, got %v", got)
	}

	e.store.DismissError()
	if e.snaps.last().Err != nil {
		t.Error("DismissError should clear the error")
	}
}

// TestListenFailure verifies a query that cannot be opened stops loading and reports the error
func TestListenFailure(t *testing.T) {
	fb := fake.New()
	fb.AddAccount("ada@example.com", "secret1")
	fb.ListenErr = errors.New("missing index")
	mgr := session.NewManager(fb)
	defer mgr.Close()
	store := New(fb)
	defer store.Bind(mgr)()

	if _, err := mgr.SignIn(context.Background(), "ada@example.com", "secret1"); err != nil {
		t.Fatal(err)
	}
	snap := store.Current()
	if snap.Loading || snap.Err == nil {
		t.Errorf("snapshot = %+v, want error and not loading", snap)
	}
}

// TestSubscribeCancel verifies cancel stops deliveries and is idempotent
func TestSubscribeCancel(t *testing.T) {
	e := newSignedInEnv(t)
	var extra snapshots
	cancel := e.store.Subscribe(extra.record)
	cancel()
	cancel()

	mustCreate(t, e.store, "After cancel")
	if extra.len() != 1 {
		t.Errorf("deliveries after cancel = %d, want only the initial one", extra.len())
	}
}

type countingMetrics struct {
	writes    map[string]int
	failures  int
	snapshots int
}

func (c *countingMetrics) ObserveWrite(op string, err error) {
	if c.writes == nil {
		c.writes = map[string]int{}
	}
	c.writes[op]++
	if err != nil {
		c.failures++
	}
}

func (c *countingMetrics) ObserveSnapshot(int) { c.snapshots++ }

// TestInstrumentation verifies writes and deliveries are reported
func TestInstrumentation(t *testing.T) {
	fb := fake.New()
	fb.AddAccount("ada@example.com", "secret1")
	mgr := session.NewManager(fb)
	defer mgr.Close()

	m := &countingMetrics{}
	store := New(fb, WithInstrumentation(m))
	defer store.Bind(mgr)()
	if _, err := mgr.SignIn(context.Background(), "ada@example.com", "secret1"); err != nil {
		t.Fatal(err)
	}

	task := mustCreate(t, store, "Measure")
	_ = store.ToggleTask(context.Background(), task.ID, false)
	fb.DeleteErr = errors.New("nope")
	_ = store.DeleteTask(context.Background(), task.ID, AlwaysConfirm)

	if m.writes["create"] != 1 || m.writes["toggle"] != 1 || m.writes["delete"] != 1 {
		t.Errorf("writes = %v", m.writes)
	}
	if m.failures != 1 {
		t.Errorf("failures = %d, want 1", m.failures)
	}
	// initial snapshot + create + toggle
	if m.snapshots != 3 {
		t.Errorf("snapshots = %d, want 3", m.snapshots)
	}
}
