package broker

import (
	"context"
	"errors"
	"sync"
)

// Task is a background goroutine owned by a TaskGroup
type Task struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Cancel requests the task stop. It does not wait.
func (t *Task) Cancel() {
	t.cancel()
}

// Done is closed once the task function has returned
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task result; only meaningful after Done is closed
func (t *Task) Err() error {
	return t.err
}

// TaskGroup tracks consumer tasks so they can be cancelled and awaited as a
// unit. Tasks may be added while the group is being cancelled; those start
// already cancelled and are awaited by the same CancelAll call.
type TaskGroup struct {
	mu       sync.Mutex
	nextID   uint64
	tasks    map[uint64]*Task
	closing  bool
	onChange func(active int)
}

// NewTaskGroup creates an empty group. onChange, if set, is called with the
// active task count whenever it changes.
func NewTaskGroup(onChange func(active int)) *TaskGroup {
	return &TaskGroup{
		tasks:    make(map[uint64]*Task),
		onChange: onChange,
	}
}

// Go starts fn in a new goroutine with a cancellable child of ctx
func (g *TaskGroup) Go(ctx context.Context, fn func(ctx context.Context) error) *Task {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}

	g.mu.Lock()
	g.nextID++
	t.id = g.nextID
	g.tasks[t.id] = t
	if g.closing {
		cancel()
	}
	active := len(g.tasks)
	g.mu.Unlock()
	g.notify(active)

	go func() {
		defer func() {
			cancel()
			g.mu.Lock()
			delete(g.tasks, t.id)
			active := len(g.tasks)
			g.mu.Unlock()
			close(t.done)
			g.notify(active)
		}()
		t.err = fn(taskCtx)
	}()

	return t
}

// Len returns the number of tasks that have not yet returned
func (g *TaskGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}

// CancelAll cancels every task, including any added meanwhile, and waits
// until none remain or ctx is done. Task errors other than cancellation are
// joined into the result.
func (g *TaskGroup) CancelAll(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.closing = false
		g.mu.Unlock()
	}()

	var errs []error
	for {
		g.mu.Lock()
		pending := make([]*Task, 0, len(g.tasks))
		for _, t := range g.tasks {
			pending = append(pending, t)
		}
		g.mu.Unlock()

		if len(pending) == 0 {
			return errors.Join(errs...)
		}

		for _, t := range pending {
			t.Cancel()
		}
		for _, t := range pending {
			select {
			case <-t.Done():
				if err := t.Err(); err != nil && !errors.Is(err, context.Canceled) {
					errs = append(errs, err)
				}
			case <-ctx.Done():
				return errors.Join(append(errs, ctx.Err())...)
			}
		}
	}
}

func (g *TaskGroup) notify(active int) {
	if g.onChange != nil {
		g.onChange(active)
	}
}
