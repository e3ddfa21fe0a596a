package dispatch

import (
	"context"
	"sync"

	"github.com/ChuLiYu/beaver-grid/pkg/types"
)

// Waiter is a Responder for callers that block until the outcome.
type Waiter struct {
	OnProgress func(info interface{})

	mu       sync.Mutex
	assigned *types.AssignedTaskData
	err      error
	done     chan struct{}
	once     sync.Once
}

// NewWaiter creates a Waiter.
func NewWaiter() *Waiter {
	return &Waiter{done: make(chan struct{})}
}

func (w *Waiter) Progress(info interface{}) {
	if a, ok := info.(types.AssignedTaskData); ok {
		w.mu.Lock()
		w.assigned = &a
		w.mu.Unlock()
	}
	if w.OnProgress != nil {
		w.OnProgress(info)
	}
}

func (w *Waiter) Complete(err error) {
	w.once.Do(func() {
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		close(w.done)
	})
}

// Assigned returns the scheduler's acknowledgement, if one arrived.
func (w *Waiter) Assigned() (types.AssignedTaskData, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.assigned == nil {
		return types.AssignedTaskData{}, false
	}
	return *w.assigned, true
}

// Done is closed on Complete.
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until Complete and returns its error.
func (w *Waiter) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
