package backend

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task represents a todo item
type Task struct {
	ID        string
	Text      string
	Completed bool
	CreatedAt time.Time
	OwnerID   string // uid of the creating user, may be empty for legacy documents
}

// NewTask holds the fields supplied by the client when a task is created.
// The backend assigns ID and CreatedAt.
type NewTask struct {
	Text    string
	OwnerID string
}

// User is the identity handle of a signed-in account
type User struct {
	UID         string
	DisplayName string
	Email       string
	Provider    string // ProviderPassword or a federated provider id
}

const (
	ProviderPassword = "password"
	ProviderGoogle   = "google.com"
)

// Identity is the outcome of a federated identity provider flow
type Identity struct {
	Provider    string
	Subject     string
	Email       string
	Name        string
	IDToken     string
	AccessToken string
}

// Query describes a live task query. Results are always ordered by
// creation time, newest first.
type Query struct {
	OwnerID string
}

// Unsubscribe stops a notification stream. Calling it more than once is a no-op.
type Unsubscribe func()

// Auth is the authentication half of the managed backend
type Auth interface {
	SignInWithPassword(ctx context.Context, email, password string) (*User, error)
	CreateUser(ctx context.Context, email, password string) (*User, error)
	SignInWithIdentity(ctx context.Context, id Identity) (*User, error)
	SignOut(ctx context.Context) error

	// OnAuthStateChanged registers fn for session changes. The first call of fn
	// reports the restored session (nil when signed out) and happens asynchronously.
	OnAuthStateChanged(fn func(*User)) Unsubscribe
}

// Tasks is the document-collection half of the managed backend
type Tasks interface {
	AddTask(ctx context.Context, task NewTask) (*Task, error)
	SetCompleted(ctx context.Context, taskID string, completed bool) error
	DeleteTask(ctx context.Context, taskID string) error

	// Listen opens a live query. onNext receives the full ordered result set
	// initially and after every change; onErr receives failures of the stream.
	Listen(ctx context.Context, q Query, onNext func([]Task), onErr func(error)) (Unsubscribe, error)
}

// Backend is the full capability interface of the managed service
type Backend interface {
	Auth
	Tasks

	// Connection management
	Close() error
}

// SortTasks orders tasks newest first. The sort is stable so backends can
// pre-sort by their own tie-break before calling it.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

// EqualTasks reports whether two snapshots hold the same tasks in the same order.
func EqualTasks(a, b []Task) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Text != b[i].Text || a[i].Completed != b[i].Completed ||
			!a[i].CreatedAt.Equal(b[i].CreatedAt) || a[i].OwnerID != b[i].OwnerID {
			return false
		}
	}
	return true
}

// NormalizeEmail lowercases and trims an email address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// GenerateID generates a unique identifier using UUID v4.
// This is used by backends that need to generate task/user IDs locally.
func GenerateID() string {
	return uuid.New().String()
}
