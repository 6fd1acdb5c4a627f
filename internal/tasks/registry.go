package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"atlas/internal/async"
	"atlas/internal/logging"
)

// TaskInfo describes one in-flight background task.
type TaskInfo struct {
	Name      string
	UserID    string
	StartedAt time.Time
}

type task struct {
	info   TaskInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry is the process-wide store of named background tasks. Names are
// unique; every pipeline run registers as "<pipeline>-<run-id>".
type Registry struct {
	mu     sync.Mutex
	tasks  map[string]*task
	logger logging.Logger
	wg     sync.WaitGroup
	closed bool
}

// NewRegistry constructs an empty task registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		tasks:  make(map[string]*task),
		logger: logging.OrNop(logger),
	}
}

// Submit registers fn under name and runs it on its own goroutine with a
// cancellable context derived from parent. Re-submitting an active name is an
// error unless the caller cancels first. The registry itself never panics: fn
// panics are recovered and logged as task failures.
func (r *Registry) Submit(parent context.Context, name, userID string, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("task registry is shutting down")
	}
	if _, exists := r.tasks[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("task %q already running", name)
	}

	ctx, cancel := context.WithCancel(parent)
	t := &task{
		info:   TaskInfo{Name: name, UserID: userID, StartedAt: time.Now()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.tasks[name] = t
	r.wg.Add(1)
	r.mu.Unlock()

	async.Go(r.logger, "task-"+name, func() {
		defer func() {
			cancel()
			close(t.done)
			r.mu.Lock()
			delete(r.tasks, name)
			r.mu.Unlock()
			r.wg.Done()
		}()

		err := runGuarded(ctx, fn)
		switch {
		case err == nil:
			r.logger.Info("task %s completed", name)
		case ctx.Err() != nil:
			r.logger.Info("task %s cancelled", name)
		default:
			r.logger.Error("task %s failed: %v", name, err)
		}
	})
	return nil
}

// runGuarded converts fn panics into errors so completion logging always runs.
func runGuarded(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panic: %v", rec)
		}
	}()
	return fn(ctx)
}

// Cancel sends cooperative cancellation to the named task. Returns false when
// no such task is active.
func (r *Registry) Cancel(name string) bool {
	r.mu.Lock()
	t, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	return true
}

// ListByUser enumerates the active tasks owned by a user.
func (r *Registry) ListByUser(userID string) []TaskInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TaskInfo
	for _, t := range r.tasks {
		if t.info.UserID == userID {
			out = append(out, t.info)
		}
	}
	return out
}

// Active returns the number of in-flight tasks.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// CancelAll cancels every task at shutdown and waits up to timeout for them
// to drain before returning.
func (r *Registry) CancelAll(timeout time.Duration) {
	r.mu.Lock()
	r.closed = true
	for _, t := range r.tasks {
		t.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("all background tasks drained")
	case <-time.After(timeout):
		r.logger.Warn("shutdown timeout: %d tasks still running", r.Active())
	}
}
