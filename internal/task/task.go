// Package task runs slow session operations in the background and tracks
// their status until they are collected or expire.
package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusResolved  Status = "resolved"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var ErrTaskNotFound = errors.New("task not found")

// Func is the work of a task. It must return when ctx is done.
type Func func(ctx context.Context) (any, error)

type Task struct {
	ID        string
	Kind      string
	SessionID string
	CreatedAt time.Time

	mu       sync.Mutex
	status   Status
	result   any
	err      error
	finished time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// Snapshot is the serializable state of a task.
type Snapshot struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	SessionID  string     `json:"session_id"`
	Status     Status     `json:"status"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		ID:        t.ID,
		Kind:      t.Kind,
		SessionID: t.SessionID,
		Status:    t.status,
		Result:    t.result,
		CreatedAt: t.CreatedAt,
	}
	if t.err != nil {
		s.Error = t.err.Error()
	}
	if !t.finished.IsZero() {
		f := t.finished
		s.FinishedAt = &f
	}
	return s
}

// Err is the error the task failed with, nil while pending or on success.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) Done() <-chan struct{} { return t.done }

type Manager struct {
	tasks   *cache.Cache
	timeout time.Duration
}

// NewManager keeps finished tasks for retention and bounds every task by timeout.
func NewManager(timeout, retention time.Duration) *Manager {
	return &Manager{
		tasks:   cache.New(retention, retention/2),
		timeout: timeout,
	}
}

// Submit starts fn in a new goroutine. The task context is detached from the
// caller so that an HTTP request can return while the work continues.
func (m *Manager) Submit(kind, sessionID string, fn Func) *Task {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	t := &Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
		status:    StatusPending,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.tasks.Set(t.ID, t, cache.DefaultExpiration)

	go func() {
		defer cancel()
		defer close(t.done)

		res, err := fn(ctx)

		t.mu.Lock()
		defer t.mu.Unlock()
		t.finished = time.Now().UTC()
		switch {
		case errors.Is(ctx.Err(), context.Canceled) && err != nil:
			t.status = StatusCancelled
			t.err = context.Canceled
		case err != nil:
			t.status = StatusFailed
			t.err = err
		default:
			t.status = StatusResolved
			t.result = res
		}
		log.Debug().Str("task", t.ID).Str("kind", kind).Str("status", string(t.status)).Msg("Task finished")
	}()
	return t
}

func (m *Manager) Get(id string) (*Task, error) {
	v, ok := m.tasks.Get(id)
	if !ok {
		return nil, ErrTaskNotFound
	}
	return v.(*Task), nil
}

// Cancel stops a pending task. Cancelling a finished task has no effect.
func (m *Manager) Cancel(id string) (*Task, error) {
	t, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	t.cancel()
	return t, nil
}

// Wait blocks until the task finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Snapshot, error) {
	t, err := m.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-t.done:
		return t.Snapshot(), nil
	case <-ctx.Done():
		return t.Snapshot(), ctx.Err()
	}
}
