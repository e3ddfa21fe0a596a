package worker

import (
	"context"
	"time"
)

// Task is one unit of background work, typically a file synchronisation.
type Task struct {
	ID      string                          // identifies the task in results and logs
	Run     func(ctx context.Context) error // the work itself
	Timeout time.Duration                   // zero means no deadline
}

// Result is the outcome of a Task.
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Duration time.Duration
}
