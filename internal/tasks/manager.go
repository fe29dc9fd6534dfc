// Package tasks runs submitted work asynchronously on a fixed worker pool
// and tracks each task through its lifecycle:
//
//	pending -> running -> completed | failed | cancelled
//
// Exactly one worker claims a task; the claim is atomic under the manager
// lock. Cancellation is cooperative: payloads are expected to watch their
// context.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Fn is a task payload. It must return promptly once ctx is cancelled.
type Fn func(ctx context.Context) (any, error)

// Task is a snapshot of one task's state. Callers receive copies; the
// manager owns the live record.
type Task struct {
	ID         string
	Status     Status
	Result     any
	Err        string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// ErrNotFound marks an unknown task id.
var ErrNotFound = errors.New("task not found")

type task struct {
	Task
	fn        Fn
	cancel    context.CancelFunc
	cancelled bool
}

// Manager runs tasks on a fixed pool of workers. Submit never blocks: the
// queue is unbounded in memory.
type Manager struct {
	workers int
	logger  *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   map[string]*task
	queue   []string
	running bool
	stopped bool

	wg sync.WaitGroup

	// Now is the clock; tests override it.
	Now func() time.Time
}

// NewManager creates a manager with the given pool size. Non-positive
// workers defaults to runtime.NumCPU().
func NewManager(workers int) *Manager {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	m := &Manager{
		workers: workers,
		logger:  slog.Default(),
		tasks:   make(map[string]*task),
		Now:     time.Now,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start launches the worker pool. Calling Start twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopped = false
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
}

// Stop shuts the pool down, letting in-flight tasks finish. Pending tasks
// stay pending and run again after a later Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.cond.Broadcast()
	m.mu.Unlock()
	m.wg.Wait()

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// Submit enqueues a payload and returns its task id immediately.
func (m *Manager) Submit(fn Fn) string {
	t := &task{
		Task: Task{
			ID:        uuid.New().String(),
			Status:    StatusPending,
			CreatedAt: m.Now().UTC(),
		},
		fn: fn,
	}

	m.mu.Lock()
	m.tasks[t.ID] = t
	m.queue = append(m.queue, t.ID)
	m.cond.Signal()
	m.mu.Unlock()
	return t.ID
}

// Get returns a snapshot of the task's current state.
func (m *Manager) Get(id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Task, nil
}

// Result returns the task's result without blocking. A non-terminal task
// yields a nil result and its current status.
func (m *Manager) Result(id string) (any, Status, error) {
	t, err := m.Get(id)
	if err != nil {
		return nil, "", err
	}
	if !t.Status.Terminal() {
		return nil, t.Status, nil
	}
	return t.Result, t.Status, nil
}

// Cancel stops a task: pending tasks move straight to cancelled, running
// tasks get their context cancelled and finish cooperatively. Cancelling a
// terminal task is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	switch t.Status {
	case StatusPending:
		t.Status = StatusCancelled
		t.FinishedAt = m.Now().UTC()
	case StatusRunning:
		t.cancelled = true
		if t.cancel != nil {
			t.cancel()
		}
	}
	return nil
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.stopped {
			m.cond.Wait()
		}
		if m.stopped {
			m.mu.Unlock()
			return
		}

		id := m.queue[0]
		m.queue = m.queue[1:]
		t := m.tasks[id]
		if t.Status != StatusPending {
			// Cancelled while queued.
			m.mu.Unlock()
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		t.Status = StatusRunning
		t.StartedAt = m.Now().UTC()
		t.cancel = cancel
		m.mu.Unlock()

		m.run(t, ctx)
		cancel()
	}
}

// run executes the payload and records the outcome. A panicking payload
// fails its own task only.
func (m *Manager) run(t *task, ctx context.Context) {
	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
				m.logger.Error("task panicked", "task_id", t.ID, "panic", r)
			}
		}()
		result, err = t.fn(ctx)
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	t.FinishedAt = m.Now().UTC()
	switch {
	case t.cancelled && err != nil:
		t.Status = StatusCancelled
		t.Err = err.Error()
	case err != nil:
		t.Status = StatusFailed
		t.Err = err.Error()
	default:
		t.Status = StatusCompleted
		t.Result = result
	}
}
