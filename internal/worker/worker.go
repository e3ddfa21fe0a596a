// ============================================================================
// Beaver-Grid Worker - Background Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Executes queued tasks, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker loops until the pool is stopped:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the task under its own context (with optional timeout)
//   3. Send result to resultCh
//   On stop, tasks already queued are still drained before the worker exits.
//
// Error Handling:
//   - Timeout error: ctx.Err() returns DeadlineExceeded
//   - Panics inside a task are converted into a failed Result
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int             // Worker identifier, used for logging
	taskCh   <-chan Task     // Task channel (read-only)
	resultCh chan<- Result   // Result channel (write-only)
	stopCh   <-chan struct{} // closed when the pool stops
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker.
func (w *Worker) Run() {
	for {
		select {
		case task := <-w.taskCh:
			w.report(w.process(task))
		case <-w.stopCh:
			w.drain()
			return
		}
	}
}

// drain runs whatever was queued before the pool stopped.
func (w *Worker) drain() {
	for {
		select {
		case task := <-w.taskCh:
			w.report(w.process(task))
		default:
			return
		}
	}
}

func (w *Worker) process(task Task) Result {
	start := time.Now()

	ctx := context.Background()
	cancel := func() {}
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	err := w.execute(ctx, task)
	cancel()

	return Result{
		TaskID:   task.ID,
		Success:  err == nil,
		Error:    err,
		Duration: time.Since(start),
	}
}

func (w *Worker) report(result Result) {
	select {
	case w.resultCh <- result:
	case <-w.stopCh:
		// Nobody is guaranteed to read results once the pool stopped.
		select {
		case w.resultCh <- result:
		default:
		}
	}
}

// execute runs the task and honours context cancellation even when the task
// itself ignores ctx.
func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	if task.Run == nil {
		return fmt.Errorf("task %s has nothing to run", task.ID)
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("task %s panicked: %v", task.ID, r)
			}
		}()
		done <- task.Run(ctx)
	}()

	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
