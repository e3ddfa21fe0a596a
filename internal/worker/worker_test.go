package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout mechanism, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okTask(id string) Task {
	return Task{
		ID:      id,
		Run:     func(ctx context.Context) error { return nil },
		Timeout: time.Second,
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	err := pool.Start(DefaultSize)
	require.NoError(t, err)
	assert.Equal(t, DefaultSize, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	err = pool.Start(2)
	assert.Error(t, err)

	pool.Stop()
}

func TestPoolStartRejectsZeroWorkers(t *testing.T) {
	pool := NewPool(1)
	assert.Error(t, pool.Start(0))
	assert.False(t, pool.IsStarted())
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(okTask(fmt.Sprintf("task-%d", i))))
	}

	results := make(map[string]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.TaskID] = result
	}

	assert.Equal(t, taskCount, len(results))
	for id, r := range results {
		assert.True(t, r.Success, "task %s should succeed", id)
	}
}

func TestTaskErrorIsReported(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	boom := errors.New("remote daemon unreachable")
	require.NoError(t, pool.Submit(Task{
		ID:  "upload-1",
		Run: func(ctx context.Context) error { return boom },
	}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, boom)
	assert.Equal(t, "upload-1", result.TaskID)
}

func TestTimeout(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	task := Task{
		ID: "timeout-task",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Timeout: time.Millisecond,
	}
	require.NoError(t, pool.Submit(task))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

func TestPanicBecomesFailure(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{
		ID:  "panics",
		Run: func(ctx context.Context) error { panic("disk on fire") },
	}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error.Error(), "disk on fire")
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrencyIsBounded(t *testing.T) {
	pool := NewPool(100)
	workerCount := DefaultSize
	taskCount := 40

	require.NoError(t, pool.Start(workerCount))
	defer pool.Stop()

	var running, peak atomic.Int32
	for i := 0; i < taskCount; i++ {
		task := Task{
			ID: fmt.Sprintf("task-%d", i),
			Run: func(ctx context.Context) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			},
			Timeout: 2 * time.Second,
		}
		require.NoError(t, pool.Submit(task))
	}

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, int(peak.Load()), workerCount)
	assert.Greater(t, int(peak.Load()), 0)
}

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)

	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(okTask(fmt.Sprintf("task-%d", index))))
		}(i)
	}

	wg.Wait()

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestStopDrainsQueuedTasks(t *testing.T) {
	pool := NewPool(50)
	require.NoError(t, pool.Start(2))

	var executed atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(Task{
			ID: fmt.Sprintf("task-%d", i),
			Run: func(ctx context.Context) error {
				executed.Add(1)
				return nil
			},
		}))
	}

	pool.Stop()
	assert.Equal(t, int32(20), executed.Load())
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.NotPanics(t, func() {
		pool.Stop()
	})
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))

	pool.Stop()

	err := pool.Submit(okTask("task-after-stop"))
	assert.Equal(t, ErrPoolClosed, err)
}

func TestSubmitRacingStopNeverPanics(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NotPanics(t, func() {
				_ = pool.Submit(okTask(fmt.Sprintf("race-%d", i)))
			})
		}(i)
	}
	go func() {
		for range pool.Results() {
		}
	}()

	pool.Stop()
	wg.Wait()
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10)
	err := pool.Submit(okTask("task-before-start"))
	assert.Equal(t, ErrPoolNotStarted, err)
}

func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))

	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}

// ============================================================================
// Worker Behavior Tests
// ============================================================================

func TestWorkerExecuteTimeout(t *testing.T) {
	w := &Worker{id: 1}

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(10 * time.Millisecond)

	err := w.execute(ctx, Task{
		ID: "ignores-ctx",
		Run: func(context.Context) error {
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	})
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestWorkerExecuteNilRun(t *testing.T) {
	w := &Worker{id: 1}
	err := w.execute(context.Background(), Task{ID: "empty"})
	assert.Error(t, err)
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(1000)
	_ = pool.Start(DefaultSize)
	defer pool.Stop()

	go func() {
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(okTask(fmt.Sprintf("task-%d", i)))
	}
}
