package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-grid/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// assertJobState asserts job state
func assertJobState(t *testing.T, job *JobDescription, want types.JobState) {
	t.Helper()
	if got := job.State(); got != want {
		t.Errorf("job %d state = %s, want %s", job.UniqueID(), got, want)
	}
}

// ============================================================================
// JobDescription
// ============================================================================

func TestNewJobHasUniqueIncreasingIDs(t *testing.T) {
	a := NewJob("mascot")
	b := NewJob("mascot")
	if b.UniqueID() != a.UniqueID()+1 {
		t.Errorf("ids not consecutive: %d then %d", a.UniqueID(), b.UniqueID())
	}
	assertJobState(t, a, types.JobPending)
}

func TestLogPaths(t *testing.T) {
	job := NewJob("tandem")
	if job.OutputLogPath() != "" {
		t.Errorf("log path without log dir should be empty, got %q", job.OutputLogPath())
	}

	dir := t.TempDir()
	job.LogDir = dir
	id := job.UniqueID()
	if want := filepath.Join(dir, fmt.Sprintf("o%d.sge.log", id)); job.OutputLogPath() != want {
		t.Errorf("OutputLogPath = %q, want %q", job.OutputLogPath(), want)
	}
	if want := filepath.Join(dir, fmt.Sprintf("e%d.sge.log", id)); job.ErrorLogPath() != want {
		t.Errorf("ErrorLogPath = %q, want %q", job.ErrorLogPath(), want)
	}
}

func TestNativeSpecification(t *testing.T) {
	tests := []struct {
		name   string
		native string
		queue  string
		memory int
		want   string
	}{
		{"empty", "", "", 0, ""},
		{"native only", "-pe smp 4", "", 0, "-pe smp 4"},
		{"queue", "", "long.q", 0, "-q long.q"},
		{"memory", "", "", 2048, "-l s_vmem=2048M"},
		{"queue wins over memory", "-pe smp 2", "long.q", 2048, "-pe smp 2 -q long.q"},
		{"native and memory", "-V", "", 512, "-V -l s_vmem=512M"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewJob("x")
			job.NativeSpec = tt.native
			job.Queue = tt.queue
			job.MemoryMB = tt.memory
			if got := job.NativeSpecification(); got != tt.want {
				t.Errorf("NativeSpecification() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommandLine(t *testing.T) {
	job := NewJob("/usr/bin/java", "-jar", "swift.jar", "--packet", "/shared/tmp/q_1.yaml")
	if got := job.CommandLine(); got != "/usr/bin/java -jar swift.jar --packet /shared/tmp/q_1.yaml" {
		t.Errorf("CommandLine() = %q", got)
	}
}

// ============================================================================
// Registry
// ============================================================================

func TestRegister(t *testing.T) {
	jm := NewJobManager()
	job := NewJob("omssa")

	assertNoError(t, jm.Register("101", job))
	assertError(t, jm.Register("101", NewJob("omssa")), ErrDuplicateJob)
	assertError(t, jm.Register("102", &JobDescription{Command: "raw"}), ErrInvalidJob)
	assertError(t, jm.Register("103", nil), ErrInvalidJob)

	got, ok := jm.Get("101")
	if !ok || got != job {
		t.Fatalf("Get(101) = %v, %v", got, ok)
	}
	if jm.Outstanding() != 1 {
		t.Errorf("Outstanding() = %d, want 1", jm.Outstanding())
	}
}

func TestMarkSucceeded(t *testing.T) {
	jm := NewJobManager()
	job := NewJob("sequest")
	assertNoError(t, jm.Register("7", job))

	var calls int
	job.OnComplete(func(j *JobDescription) { calls++ })

	got, err := jm.MarkSucceeded("7")
	assertNoError(t, err)
	if got != job {
		t.Errorf("MarkSucceeded returned a different job")
	}
	assertJobState(t, job, types.JobSucceeded)
	assertNoError(t, job.Err())
	if calls != 1 {
		t.Errorf("listener called %d times, want 1", calls)
	}

	select {
	case <-job.Done():
	default:
		t.Error("Done() not closed after success")
	}
	if jm.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d, want 0", jm.Outstanding())
	}
}

func TestMarkFailed(t *testing.T) {
	jm := NewJobManager()
	job := NewJob("xtandem")
	assertNoError(t, jm.Register("8", job))

	_, err := jm.MarkFailed("8", "non 0 return code=3")
	assertNoError(t, err)
	assertJobState(t, job, types.JobFailed)
	if job.ErrorMessage() != "non 0 return code=3" {
		t.Errorf("ErrorMessage() = %q", job.ErrorMessage())
	}
	assertError(t, job.Err(), ErrJobFailed)
	assertError(t, job.Wait(context.Background()), ErrJobFailed)
}

func TestTerminalJobNeverChanges(t *testing.T) {
	jm := NewJobManager()
	job := NewJob("myrimatch")
	assertNoError(t, jm.Register("9", job))

	var calls int
	job.OnComplete(func(*JobDescription) { calls++ })

	_, err := jm.MarkFailed("9", "finished due to signal 9")
	assertNoError(t, err)
	_, err = jm.MarkSucceeded("9")
	assertError(t, err, ErrAlreadyTerminal)
	_, err = jm.MarkFailed("9", "again")
	assertError(t, err, ErrAlreadyTerminal)

	assertJobState(t, job, types.JobFailed)
	if job.ErrorMessage() != "finished due to signal 9" {
		t.Errorf("error message overwritten: %q", job.ErrorMessage())
	}
	if calls != 1 {
		t.Errorf("listener called %d times, want 1", calls)
	}
}

func TestUnknownJob(t *testing.T) {
	jm := NewJobManager()
	_, err := jm.MarkSucceeded("404")
	assertError(t, err, ErrJobNotFound)
	_, err = jm.MarkFailed("404", "x")
	assertError(t, err, ErrJobNotFound)
}

func TestOnCompleteAfterCompletionRunsImmediately(t *testing.T) {
	jm := NewJobManager()
	job := NewJob("scaffold")
	assertNoError(t, jm.Register("1", job))
	_, err := jm.MarkSucceeded("1")
	assertNoError(t, err)

	var called bool
	job.OnComplete(func(*JobDescription) { called = true })
	if !called {
		t.Error("listener registered after completion was not called")
	}
}

func TestListenerMayCallBackIntoRegistry(t *testing.T) {
	jm := NewJobManager()
	job := NewJob("idpicker")
	assertNoError(t, jm.Register("5", job))

	job.OnComplete(func(*JobDescription) {
		jm.Forget("5")
	})
	_, err := jm.MarkSucceeded("5")
	assertNoError(t, err)

	if _, ok := jm.Get("5"); ok {
		t.Error("job still registered after Forget from listener")
	}
}

func TestForget(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.Register("1", NewJob("a")))
	assertNoError(t, jm.Register("2", NewJob("b")))
	_, err := jm.MarkSucceeded("1")
	assertNoError(t, err)

	if !jm.Forget("1") || !jm.Forget("2") {
		t.Fatal("Forget returned false for a registered job")
	}
	if jm.Forget("1") {
		t.Error("Forget returned true twice")
	}
	if jm.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d after forgetting everything", jm.Outstanding())
	}
}

func TestStatsAndOutstandingIDs(t *testing.T) {
	jm := NewJobManager()
	for i := 1; i <= 5; i++ {
		assertNoError(t, jm.Register(fmt.Sprint(i), NewJob("x")))
	}
	_, _ = jm.MarkSucceeded("1")
	_, _ = jm.MarkSucceeded("2")
	_, _ = jm.MarkFailed("3", "never ran")

	stats := jm.Stats()
	if stats["pending"] != 2 || stats["succeeded"] != 2 || stats["failed"] != 1 || stats["total"] != 5 {
		t.Errorf("unexpected stats: %v", stats)
	}
	ids := jm.OutstandingIDs()
	if len(ids) != 2 || ids[0] != "4" || ids[1] != "5" {
		t.Errorf("OutstandingIDs() = %v", ids)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	job := NewJob("slow")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assertError(t, job.Wait(ctx), context.DeadlineExceeded)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// Completions reported in any interleaving, including duplicates, notify
// each job exactly once with the right outcome.
func TestConcurrentCompletionsNotifyOnce(t *testing.T) {
	jm := NewJobManager()
	const n = 200

	var notified [n]atomic.Int32
	for i := 0; i < n; i++ {
		i := i
		job := NewJob("x")
		job.OnComplete(func(*JobDescription) { notified[i].Add(1) })
		assertNoError(t, jm.Register(fmt.Sprint(i), job))
	}

	order := rand.Perm(2 * n)
	var wg sync.WaitGroup
	for _, k := range order {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			id := fmt.Sprint(k % n)
			if (k%n)%2 == 0 {
				_, _ = jm.MarkSucceeded(id)
			} else {
				_, _ = jm.MarkFailed(id, "exit 1")
			}
		}(k)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if got := notified[i].Load(); got != 1 {
			t.Errorf("job %d notified %d times", i, got)
		}
		job, _ := jm.Get(fmt.Sprint(i))
		want := types.JobSucceeded
		if i%2 == 1 {
			want = types.JobFailed
		}
		assertJobState(t, job, want)
	}
	if jm.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d", jm.Outstanding())
	}
}
