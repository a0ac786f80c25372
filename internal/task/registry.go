package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status enumerates task lifecycle states.
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusFinished   Status = "finished"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Image is the decoded artifact attached to a finished task.
type Image struct {
	DataURI string `json:"dataUri"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Format  string `json:"format"`
}

// Task tracks one generation request from submission to completion.
type Task struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Image     *Image    `json:"image,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// ErrTaskNotFound indicates the requested id is unknown or already evicted.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskTerminal indicates a write against a task that already reached a
// terminal state. The first terminal write wins; later ones are rejected.
var ErrTaskTerminal = errors.New("task already terminal")

// Registry is the process-wide store of task records. All access is
// linearizable: readers observe either the fully-old or fully-new record,
// never a partial write.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	retention     time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithRetention sets how long terminal tasks are kept before the sweeper
// evicts them.
func WithRetention(ttl time.Duration) Option {
	return func(r *Registry) { r.retention = ttl }
}

// WithSweepInterval sets how often the sweeper scans for evictable tasks.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tasks:         make(map[string]*Task),
		retention:     time.Hour,
		sweepInterval: 5 * time.Minute,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates a new task in the in-progress state and returns a snapshot.
func (r *Registry) Create() Task {
	now := r.now()
	t := &Task{
		ID:        uuid.NewString(),
		Status:    StatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()

	return *t
}

// Get returns a snapshot of the task, or false if the id is unknown.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	snapshot := *t
	if t.Image != nil {
		img := *t.Image
		snapshot.Image = &img
	}
	return snapshot, true
}

// Complete atomically transitions the task to finished with the given image.
// Returns ErrTaskTerminal if the task already reached a terminal state.
func (r *Registry) Complete(id string, img Image) error {
	return r.finish(id, StatusFinished, &img, "")
}

// Fail atomically transitions the task to failed with the given reason.
func (r *Registry) Fail(id, reason string) error {
	return r.finish(id, StatusFailed, nil, reason)
}

func (r *Registry) finish(id string, status Status, img *Image, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return ErrTaskTerminal
	}

	t.Status = status
	t.Image = img
	t.Error = reason
	t.UpdatedAt = r.now()
	return nil
}

// Len reports the number of live task records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// StartSweeper evicts terminal tasks older than the retention TTL until the
// context is cancelled. In-progress tasks are never evicted; their lifetime is
// bounded by the engine's generation deadline, after which they turn terminal.
func (r *Registry) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep performs a single eviction pass and returns how many records it removed.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, t := range r.tasks {
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			delete(r.tasks, id)
			evicted++
		}
	}
	return evicted
}
