package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"xtodo/backend"
	"xtodo/internal/utils"
)

// listener runs one live query. Refreshes are coalesced: any number of
// changes while a query runs produce one more query, never a backlog.
type listener struct {
	q      backend.Query
	onNext func([]backend.Task)
	onErr  func(error)

	dirty   chan struct{}
	done    chan struct{}
	once    sync.Once
	last    []backend.Task
	started bool
	failed  bool
}

func (l *listener) signal() {
	select {
	case l.dirty <- struct{}{}:
	default:
	}
}

func (l *listener) stop() {
	l.once.Do(func() { close(l.done) })
}

func (l *listener) stopped() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (b *Backend) runListener(l *listener) {
	for {
		select {
		case <-l.done:
			return
		case <-l.dirty:
		}

		tasks, err := b.queryTasks(context.Background(), l.q)
		if l.stopped() {
			return
		}
		if err != nil {
			utils.GetLogger().Warn("live query refresh failed", "component", "local", "err", err)
			if l.onErr != nil {
				l.onErr(err)
			}
			l.failed = true
			continue
		}
		// The first result after a failure is delivered even when unchanged,
		// so subscribers can clear the error.
		recovered := l.failed
		l.failed = false
		if l.started && !recovered && backend.EqualTasks(l.last, tasks) {
			continue
		}
		l.started = true
		l.last = tasks
		l.onNext(tasks)
	}
}

// changed schedules a refresh of every live query.
func (b *Backend) changed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.listeners {
		l.signal()
	}
}

func (b *Backend) queryTasks(ctx context.Context, q backend.Query) ([]backend.Task, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, owner_id, text, completed, created_at
		FROM tasks
		WHERE owner_id = ?
		ORDER BY created_at DESC, seq DESC`, q.OwnerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	tasks := []backend.Task{}
	for rows.Next() {
		var t backend.Task
		var created int64
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Text, &t.Completed, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = time.Unix(0, created)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Listen implements backend.Tasks. Snapshots are delivered in order on a
// goroutine owned by the listener, starting with the current result set.
func (b *Backend) Listen(ctx context.Context, q backend.Query, onNext func([]backend.Task), onErr func(error)) (backend.Unsubscribe, error) {
	if q.OwnerID == "" {
		return nil, backend.ErrNotSignedIn
	}

	l := &listener{
		q:      q,
		onNext: onNext,
		onErr:  onErr,
		dirty:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("backend is closed")
	}
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()

	l.signal()
	go b.runListener(l)

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
		l.stop()
	}, nil
}

// AddTask implements backend.Tasks.
func (b *Backend) AddTask(ctx context.Context, nt backend.NewTask) (*backend.Task, error) {
	u := b.currentUser()
	if u == nil {
		return nil, backend.ErrNotSignedIn
	}
	owner := nt.OwnerID
	if owner == "" {
		owner = u.UID
	}
	if owner != u.UID {
		return nil, fmt.Errorf("cannot create tasks for another user")
	}

	t := &backend.Task{
		ID:        backend.GenerateID(),
		Text:      nt.Text,
		CreatedAt: b.now(),
		OwnerID:   owner,
	}
	if _, err := b.db.ExecContext(ctx,
		"INSERT INTO tasks (id, owner_id, text, completed, created_at) VALUES (?, ?, ?, 0, ?)",
		t.ID, t.OwnerID, t.Text, t.CreatedAt.UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}
	t.CreatedAt = time.Unix(0, t.CreatedAt.UnixNano())

	b.changed()
	return t, nil
}

// SetCompleted implements backend.Tasks.
func (b *Backend) SetCompleted(ctx context.Context, taskID string, completed bool) error {
	return b.execOwned(ctx, "UPDATE tasks SET completed = ? WHERE id = ? AND owner_id = ?", completed, taskID)
}

// DeleteTask implements backend.Tasks.
func (b *Backend) DeleteTask(ctx context.Context, taskID string) error {
	return b.execOwned(ctx, "DELETE FROM tasks WHERE id = ? AND owner_id = ?", taskID)
}

// execOwned runs a single-row statement restricted to the signed-in user's
// tasks. The last two placeholders are the task id and the owner.
func (b *Backend) execOwned(ctx context.Context, query string, args ...interface{}) error {
	u := b.currentUser()
	if u == nil {
		return backend.ErrNotSignedIn
	}
	res, err := b.db.ExecContext(ctx, query, append(args, u.UID)...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return backend.ErrNotFound
	}
	b.changed()
	return nil
}
