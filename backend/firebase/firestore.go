package firebase

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"time"

	firestore "google.golang.org/api/firestore/v1"

	"xtodo/backend"
)

// listPageSize bounds one page of the live query.
const listPageSize = 300

func stringValue(s string) firestore.Value {
	return firestore.Value{StringValue: s, ForceSendFields: []string{"StringValue"}}
}

func boolValue(v bool) firestore.Value {
	return firestore.Value{BooleanValue: v, ForceSendFields: []string{"BooleanValue"}}
}

type authorizer interface {
	Header() http.Header
}

// authorize attaches the signed-in user's ID token to a Firestore call.
func (b *Backend) authorize(ctx context.Context, call authorizer) error {
	token, err := b.idToken(ctx)
	if err != nil {
		return err
	}
	call.Header().Set("Authorization", "Bearer "+token)
	return nil
}

func (b *Backend) databasePath() string {
	return fmt.Sprintf("projects/%s/databases/(default)", b.cfg.ProjectID)
}

func (b *Backend) userPath(uid string) string {
	return fmt.Sprintf("%s/documents/users/%s", b.databasePath(), uid)
}

func (b *Backend) taskName(uid, taskID string) string {
	return fmt.Sprintf("%s/tasks/%s", b.userPath(uid), taskID)
}

func toTask(d *firestore.Document) (backend.Task, error) {
	t := backend.Task{
		ID:        path.Base(d.Name),
		Text:      d.Fields["text"].StringValue,
		Completed: d.Fields["completed"].BooleanValue,
		OwnerID:   d.Fields["uid"].StringValue,
	}

	ts := d.CreateTime
	if v := d.Fields["createdAt"].TimestampValue; v != "" {
		ts = v
	}
	if ts != "" {
		created, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return t, fmt.Errorf("task %s: invalid createdAt %q: %w", t.ID, ts, err)
		}
		t.CreatedAt = created
	}
	return t, nil
}

// queryTasks lists the owner's tasks ordered by createdAt, newest first.
// Reads go through the retrying client.
func (b *Backend) queryTasks(ctx context.Context, q backend.Query) ([]backend.Task, error) {
	call := b.reads.List(b.userPath(q.OwnerID), "tasks").
		OrderBy("createdAt desc").
		PageSize(listPageSize)
	if err := b.authorize(ctx, call); err != nil {
		return nil, err
	}

	tasks := make([]backend.Task, 0)
	var bad error
	err := call.Pages(ctx, func(page *firestore.ListDocumentsResponse) error {
		for _, d := range page.Documents {
			t, err := toTask(d)
			if err != nil {
				bad = err
				return err
			}
			tasks = append(tasks, t)
		}
		return nil
	})
	if bad != nil {
		return nil, bad
	}
	if err != nil {
		return nil, storeError(err)
	}
	backend.SortTasks(tasks)
	return tasks, nil
}

// AddTask implements backend.Tasks. createdAt is assigned by the server and
// the commit fails if the generated ID is already taken.
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

	id := backend.GenerateID()
	call := b.writes.Commit(b.databasePath(), &firestore.CommitRequest{
		Writes: []*firestore.Write{{
			Update: &firestore.Document{
				Name: b.taskName(owner, id),
				Fields: map[string]firestore.Value{
					"text":      stringValue(nt.Text),
					"completed": boolValue(false),
					"uid":       stringValue(owner),
				},
			},
			UpdateTransforms: []*firestore.FieldTransform{
				{FieldPath: "createdAt", SetToServerValue: "REQUEST_TIME"},
			},
			CurrentDocument: &firestore.Precondition{Exists: false, ForceSendFields: []string{"Exists"}},
		}},
	})
	if err := b.authorize(ctx, call); err != nil {
		return nil, err
	}
	out, err := call.Context(ctx).Do()
	if err != nil {
		return nil, storeError(err)
	}

	t := &backend.Task{ID: id, Text: nt.Text, OwnerID: owner}
	if len(out.WriteResults) > 0 && len(out.WriteResults[0].TransformResults) > 0 {
		if ts := out.WriteResults[0].TransformResults[0].TimestampValue; ts != "" {
			t.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		}
	}

	b.changed()
	return t, nil
}

// SetCompleted implements backend.Tasks.
func (b *Backend) SetCompleted(ctx context.Context, taskID string, completed bool) error {
	u := b.currentUser()
	if u == nil {
		return backend.ErrNotSignedIn
	}
	call := b.writes.Patch(b.taskName(u.UID, taskID), &firestore.Document{
		Fields: map[string]firestore.Value{"completed": boolValue(completed)},
	}).UpdateMaskFieldPaths("completed").CurrentDocumentExists(true)
	if err := b.authorize(ctx, call); err != nil {
		return err
	}
	if _, err := call.Context(ctx).Do(); err != nil {
		return storeError(err)
	}
	b.changed()
	return nil
}

// DeleteTask implements backend.Tasks.
func (b *Backend) DeleteTask(ctx context.Context, taskID string) error {
	u := b.currentUser()
	if u == nil {
		return backend.ErrNotSignedIn
	}
	call := b.writes.Delete(b.taskName(u.UID, taskID)).CurrentDocumentExists(true)
	if err := b.authorize(ctx, call); err != nil {
		return err
	}
	if _, err := call.Context(ctx).Do(); err != nil {
		return storeError(err)
	}
	b.changed()
	return nil
}
