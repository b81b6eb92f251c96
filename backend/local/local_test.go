package local

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"xtodo/backend"
	"xtodo/internal/credentials"
	"xtodo/internal/utils"
)

func mustOpen(t *testing.T, path string, opts ...Option) *Backend {
	t.Helper()
	b, err := New(path, opts...)
	if err != nil {
		t.Fatalf("New(%q) error = %v", path, err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newTestBackend(t *testing.T, opts ...Option) *Backend {
	t.Helper()
	return mustOpen(t, filepath.Join(t.TempDir(), "xtodo.db"), append([]Option{WithoutWatcher()}, opts...)...)
}

func mustCreateUser(t *testing.T, b *Backend, email, password string) *backend.User {
	t.Helper()
	u, err := b.CreateUser(context.Background(), email, password)
	if err != nil {
		t.Fatalf("CreateUser(%q) error = %v", email, err)
	}
	return u
}

func mustAdd(t *testing.T, b *Backend, owner, text string) *backend.Task {
	t.Helper()
	task, err := b.AddTask(context.Background(), backend.NewTask{Text: text, OwnerID: owner})
	if err != nil {
		t.Fatalf("AddTask(%q) error = %v", text, err)
	}
	return task
}

// listen opens a live query and returns a channel of its snapshots.
func listen(t *testing.T, b *Backend, owner string) (<-chan []backend.Task, backend.Unsubscribe) {
	t.Helper()
	ch := make(chan []backend.Task, 32)
	unsub, err := b.Listen(context.Background(), backend.Query{OwnerID: owner},
		func(tasks []backend.Task) { ch <- tasks },
		func(err error) { t.Errorf("live query error: %v", err) },
	)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(unsub)
	return ch, unsub
}

func next(t *testing.T, ch <-chan []backend.Task) []backend.Task {
	t.Helper()
	select {
	case tasks := <-ch:
		return tasks
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func texts(tasks []backend.Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.Text
	}
	return out
}

func firstAuthState(t *testing.T, b *Backend) *backend.User {
	t.Helper()
	ch := make(chan *backend.User, 4)
	unsub := b.OnAuthStateChanged(func(u *backend.User) { ch <- u })
	defer unsub()
	select {
	case u := <-ch:
		return u
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for auth state")
		return nil
	}
}

// TestMigrationsApplied verifies the schema is created and reopening is a no-op
func TestMigrationsApplied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xtodo.db")
	b := mustOpen(t, path, WithoutWatcher())

	version, dirty, err := schemaVersion(b.db)
	if err != nil {
		t.Fatalf("schemaVersion() error = %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("schema version = %d dirty=%v, want 1 clean", version, dirty)
	}
	_ = b.Close()

	again := mustOpen(t, path, WithoutWatcher())
	if v, _, _ := schemaVersion(again.db); v != 1 {
		t.Errorf("schema version after reopen = %d", v)
	}
}

// TestCreateUser verifies account creation rules
func TestCreateUser(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if _, err := b.CreateUser(ctx, "ada@example.com", "12345"); !errors.Is(err, backend.ErrWeakPassword) {
		t.Errorf("short password error = %v, want ErrWeakPassword", err)
	}

	u := mustCreateUser(t, b, "Ada@Example.com", "secret1")
	if u.Email != "ada@example.com" || u.Provider != backend.ProviderPassword || u.UID == "" {
		t.Errorf("user = %+v", u)
	}

	_, err := b.CreateUser(ctx, "ADA@example.com", "another1")
	if !errors.Is(err, backend.ErrEmailExists) {
		t.Fatalf("duplicate error = %v, want ErrEmailExists", err)
	}
	if !backend.IsAuthError(err) {
		t.Error("duplicate email should be an AuthError")
	}
}

// TestPasswordLengthBoundary verifies the shared minimum password length is enforced
func TestPasswordLengthBoundary(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	short := strings.Repeat("x", utils.MinPasswordLength-1)
	if _, err := b.CreateUser(ctx, "short@example.com", short); !errors.Is(err, backend.ErrWeakPassword) {
		t.Errorf("%d-character password error = %v, want ErrWeakPassword", len(short), err)
	}
	if _, err := b.CreateUser(ctx, "exact@example.com", strings.Repeat("x", utils.MinPasswordLength)); err != nil {
		t.Errorf("%d-character password error = %v, want nil", utils.MinPasswordLength, err)
	}
}

// TestSignInWithPassword verifies credential checks
func TestSignInWithPassword(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	created := mustCreateUser(t, b, "ada@example.com", "secret1")
	_ = b.SignOut(ctx)

	if _, err := b.SignInWithPassword(ctx, "ada@example.com", "wrong"); !errors.Is(err, backend.ErrInvalidCredentials) {
		t.Errorf("wrong password error = %v", err)
	}
	if _, err := b.SignInWithPassword(ctx, "nobody@example.com", "secret1"); !errors.Is(err, backend.ErrInvalidCredentials) {
		t.Errorf("unknown email error = %v", err)
	}

	u, err := b.SignInWithPassword(ctx, "ada@example.com", "secret1")
	if err != nil {
		t.Fatalf("SignInWithPassword() error = %v", err)
	}
	if u.UID != created.UID {
		t.Errorf("uid = %q, want %q", u.UID, created.UID)
	}
}

// TestSessionRestore verifies a persisted token signs the user back in on reopen
func TestSessionRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xtodo.db")
	tokens := &credentials.MemoryTokenStore{}

	first := mustOpen(t, path, WithoutWatcher(), WithTokenStore(tokens))
	if u := firstAuthState(t, first); u != nil {
		t.Fatalf("fresh database should restore no session, got %+v", u)
	}
	created := mustCreateUser(t, first, "ada@example.com", "secret1")
	_ = first.Close()

	second := mustOpen(t, path, WithoutWatcher(), WithTokenStore(tokens))
	u := firstAuthState(t, second)
	if u == nil || u.UID != created.UID {
		t.Fatalf("restored user = %+v, want %s", u, created.UID)
	}

	if err := second.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if tok, _ := tokens.LoadToken(context.Background()); tok != "" {
		t.Errorf("token after sign-out = %q, want empty", tok)
	}
	_ = second.Close()

	third := mustOpen(t, path, WithoutWatcher(), WithTokenStore(tokens))
	if u := firstAuthState(t, third); u != nil {
		t.Errorf("signed-out session must not be restored, got %+v", u)
	}
}

// TestStaleTokenIsCleared verifies an unknown token resolves to signed out
func TestStaleTokenIsCleared(t *testing.T) {
	tokens := &credentials.MemoryTokenStore{}
	_ = tokens.SaveToken(context.Background(), "deadbeef")

	b := newTestBackend(t, WithTokenStore(tokens))
	if u := firstAuthState(t, b); u != nil {
		t.Errorf("stale token restored %+v", u)
	}
	if tok, _ := tokens.LoadToken(context.Background()); tok != "" {
		t.Errorf("stale token not cleared: %q", tok)
	}
}

// TestAuthStateNotifications verifies observers see sign-in and sign-out
func TestAuthStateNotifications(t *testing.T) {
	b := newTestBackend(t)
	ch := make(chan *backend.User, 8)
	defer b.OnAuthStateChanged(func(u *backend.User) { ch <- u })()

	recv := func() *backend.User {
		select {
		case u := <-ch:
			return u
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for auth state")
			return nil
		}
	}

	if u := recv(); u != nil {
		t.Fatalf("initial state = %+v, want nil", u)
	}
	mustCreateUser(t, b, "ada@example.com", "secret1")
	if u := recv(); u == nil || u.Email != "ada@example.com" {
		t.Fatalf("after CreateUser state = %+v", u)
	}
	_ = b.SignOut(context.Background())
	if u := recv(); u != nil {
		t.Fatalf("after SignOut state = %+v, want nil", u)
	}
	_ = b.SignOut(context.Background())
	select {
	case u := <-ch:
		t.Errorf("second SignOut should not notify, got %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestSignInWithIdentity verifies federated accounts are created once and linked by email
func TestSignInWithIdentity(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	id := backend.Identity{Provider: backend.ProviderGoogle, Subject: "1001", Email: "grace@example.com", Name: "Grace"}
	first, err := b.SignInWithIdentity(ctx, id)
	if err != nil {
		t.Fatalf("SignInWithIdentity() error = %v", err)
	}
	if first.DisplayName != "Grace" || first.Provider != backend.ProviderGoogle {
		t.Errorf("user = %+v", first)
	}

	again, err := b.SignInWithIdentity(ctx, id)
	if err != nil || again.UID != first.UID {
		t.Errorf("second sign-in = %+v, %v; want same uid", again, err)
	}

	pw := mustCreateUser(t, b, "linus@example.com", "secret1")
	linked, err := b.SignInWithIdentity(ctx, backend.Identity{Provider: backend.ProviderGoogle, Subject: "2002", Email: "Linus@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if linked.UID != pw.UID {
		t.Errorf("identity with existing email should link to uid %s, got %s", pw.UID, linked.UID)
	}

	if _, err := b.SignInWithIdentity(ctx, backend.Identity{Provider: backend.ProviderGoogle}); !errors.Is(err, backend.ErrInvalidCredentials) {
		t.Errorf("incomplete identity error = %v", err)
	}
}

// TestLiveQueryNewestFirst verifies "A" then "B" is delivered as [B A]
func TestLiveQueryNewestFirst(t *testing.T) {
	b := newTestBackend(t)
	u := mustCreateUser(t, b, "ada@example.com", "secret1")

	ch, _ := listen(t, b, u.UID)
	if initial := next(t, ch); len(initial) != 0 {
		t.Fatalf("initial snapshot = %v, want empty", texts(initial))
	}

	mustAdd(t, b, u.UID, "A")
	mustAdd(t, b, u.UID, "B")

	var got []backend.Task
	for len(got) < 2 {
		got = next(t, ch)
	}
	if texts(got)[0] != "B" || texts(got)[1] != "A" {
		t.Errorf("order = %v, want [B A]", texts(got))
	}
}

// TestLiveQueryTieBreak verifies equal timestamps fall back to insertion order
func TestLiveQueryTieBreak(t *testing.T) {
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	b := newTestBackend(t, WithClock(func() time.Time { return fixed }))
	u := mustCreateUser(t, b, "ada@example.com", "secret1")

	mustAdd(t, b, u.UID, "first")
	mustAdd(t, b, u.UID, "second")
	mustAdd(t, b, u.UID, "third")

	tasks, err := b.queryTasks(context.Background(), backend.Query{OwnerID: u.UID})
	if err != nil {
		t.Fatal(err)
	}
	got := texts(tasks)
	if len(got) != 3 || got[0] != "third" || got[2] != "first" {
		t.Errorf("order = %v, want [third second first]", got)
	}
}

// TestToggleAndDelete verifies writes and their effect on the live query
func TestToggleAndDelete(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	u := mustCreateUser(t, b, "ada@example.com", "secret1")
	keep := mustAdd(t, b, u.UID, "keep")
	drop := mustAdd(t, b, u.UID, "drop")

	ch, _ := listen(t, b, u.UID)
	next(t, ch)

	if err := b.SetCompleted(ctx, keep.ID, true); err != nil {
		t.Fatalf("SetCompleted() error = %v", err)
	}
	snap := next(t, ch)
	for _, task := range snap {
		if task.ID == keep.ID && !task.Completed {
			t.Error("keep should be completed")
		}
	}

	if err := b.DeleteTask(ctx, drop.ID); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	snap = next(t, ch)
	if len(snap) != 1 || snap[0].ID != keep.ID {
		t.Errorf("after delete = %v, want only keep", texts(snap))
	}

	if err := b.DeleteTask(ctx, drop.ID); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("delete missing error = %v, want ErrNotFound", err)
	}
	if err := b.SetCompleted(ctx, "nope", true); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("toggle missing error = %v, want ErrNotFound", err)
	}
}

// TestOwnerIsolation verifies users neither see nor modify each other's tasks
func TestOwnerIsolation(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	ada := mustCreateUser(t, b, "ada@example.com", "secret1")
	adas := mustAdd(t, b, ada.UID, "ada's")

	bob := mustCreateUser(t, b, "bob@example.com", "secret2")
	if _, err := b.AddTask(ctx, backend.NewTask{Text: "spoof", OwnerID: ada.UID}); err == nil {
		t.Error("creating a task for another user should fail")
	}
	if err := b.SetCompleted(ctx, adas.ID, true); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("toggling another user's task error = %v, want ErrNotFound", err)
	}

	tasks, err := b.queryTasks(ctx, backend.Query{OwnerID: bob.UID})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("bob sees %v", texts(tasks))
	}
}

// TestWritesRequireSession verifies writes without a session are refused
func TestWritesRequireSession(t *testing.T) {
	b := newTestBackend(t)
	firstAuthState(t, b)

	if _, err := b.AddTask(context.Background(), backend.NewTask{Text: "x"}); !errors.Is(err, backend.ErrNotSignedIn) {
		t.Errorf("AddTask() error = %v, want ErrNotSignedIn", err)
	}
	if _, err := b.Listen(context.Background(), backend.Query{}, func([]backend.Task) {}, nil); !errors.Is(err, backend.ErrNotSignedIn) {
		t.Errorf("Listen() without owner error = %v, want ErrNotSignedIn", err)
	}
}

// TestUnsubscribeStopsDelivery verifies no snapshot arrives after unsubscribe
func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBackend(t)
	u := mustCreateUser(t, b, "ada@example.com", "secret1")

	ch, unsub := listen(t, b, u.UID)
	next(t, ch)
	unsub()
	unsub()

	mustAdd(t, b, u.UID, "unseen")
	select {
	case snap := <-ch:
		t.Errorf("unexpected snapshot after unsubscribe: %v", texts(snap))
	case <-time.After(100 * time.Millisecond):
	}
}

// TestLiveQueryRecoversAfterError verifies the first successful refresh after
// a failure is delivered even though the task list did not change
func TestLiveQueryRecoversAfterError(t *testing.T) {
	b := newTestBackend(t)
	u := mustCreateUser(t, b, "ada@example.com", "secret1")
	mustAdd(t, b, u.UID, "steady")

	snaps := make(chan []backend.Task, 8)
	errs := make(chan error, 8)
	unsub, err := b.Listen(context.Background(), backend.Query{OwnerID: u.UID},
		func(tasks []backend.Task) { snaps <- tasks },
		func(err error) { errs <- err },
	)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer unsub()
	next(t, snaps)

	if _, err := b.db.Exec("ALTER TABLE tasks RENAME TO tasks_hidden"); err != nil {
		t.Fatal(err)
	}
	b.changed()
	select {
	case <-errs:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for live query error")
	}

	if _, err := b.db.Exec("ALTER TABLE tasks_hidden RENAME TO tasks"); err != nil {
		t.Fatal(err)
	}
	b.changed()
	if got := texts(next(t, snaps)); len(got) != 1 || got[0] != "steady" {
		t.Errorf("snapshot after recovery = %v, want [steady]", got)
	}
}

// TestCrossProcessChanges verifies a write through another connection reaches the live query
func TestCrossProcessChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xtodo.db")
	tokens := &credentials.MemoryTokenStore{}

	watched := mustOpen(t, path, WithTokenStore(tokens))
	u := mustCreateUser(t, watched, "ada@example.com", "secret1")
	ch, _ := listen(t, watched, u.UID)
	next(t, ch)

	// A second instance restores the same session from the shared token store
	other := mustOpen(t, path, WithoutWatcher(), WithTokenStore(tokens))
	if restored := firstAuthState(t, other); restored == nil {
		t.Fatal("second instance should restore the session")
	}
	mustAdd(t, other, u.UID, "from elsewhere")

	got := next(t, ch)
	if len(got) != 1 || got[0].Text != "from elsewhere" {
		t.Errorf("snapshot = %v, want [from elsewhere]", texts(got))
	}
}
