package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-grid/pkg/types"
)

const (
	queueOption  = "-q"
	memoryOption = "-l s_vmem="
	memoryUnit   = "M"

	outputLogPrefix = "o"
	errorLogPrefix  = "e"
	logFileSuffix   = ".sge.log"
)

// ErrJobFailed is wrapped by the error a failed job resolves to.
var ErrJobFailed = errors.New("grid job failed")

// uniqueIDBase makes job ids unique across the process and, being seeded
// with the start time, distinct between restarts sharing one log directory.
var uniqueIDBase atomic.Int64

func init() {
	uniqueIDBase.Store(time.Now().UnixMilli())
}

// JobDescription is one unit of work for the grid scheduler.
//
// The exported fields are set by the submitter before Submit. State is
// owned by the scheduler adapter: it moves from pending to succeeded or
// failed exactly once, at which point Done is closed and every OnComplete
// listener runs.
type JobDescription struct {
	Command    string   // program to run, must be shorter than the scheduler's limit
	Args       []string // passed verbatim
	WorkingDir string
	LogDir     string // stdout/stderr land in <LogDir>/o<id>.sge.log, e<id>.sge.log
	NativeSpec string // scheduler flags appended verbatim
	Queue      string // forces a queue; wins over MemoryMB
	MemoryMB   int    // forces a memory limit when no queue is forced

	uniqueID int64

	mu           sync.Mutex
	state        types.JobState
	errorMessage string
	submittedAt  time.Time
	completedAt  time.Time
	done         chan struct{}
	listeners    []func(*JobDescription)
}

// NewJob creates a pending job with a fresh unique id.
func NewJob(command string, args ...string) *JobDescription {
	return &JobDescription{
		Command:  command,
		Args:     args,
		uniqueID: uniqueIDBase.Add(1) - 1,
		state:    types.JobPending,
		done:     make(chan struct{}),
	}
}

// UniqueID is the process-wide id used to name the job's log files.
func (j *JobDescription) UniqueID() int64 {
	return j.uniqueID
}

// State returns the current state.
func (j *JobDescription) State() types.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// ErrorMessage is the failure reason, empty unless the job failed.
func (j *JobDescription) ErrorMessage() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errorMessage
}

// Err returns nil while pending or after success, and an error wrapping
// ErrJobFailed after a failure.
func (j *JobDescription) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != types.JobFailed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrJobFailed, j.errorMessage)
}

// Done is closed once the job reaches a terminal state.
func (j *JobDescription) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job is terminal or ctx ends, and returns Err.
func (j *JobDescription) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnComplete registers fn to run once when the job becomes terminal. If it
// already is, fn runs immediately on the caller's goroutine.
func (j *JobDescription) OnComplete(fn func(*JobDescription)) {
	j.mu.Lock()
	if !j.state.IsTerminal() {
		j.listeners = append(j.listeners, fn)
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()
	fn(j)
}

// Turnaround is the time from submission to completion.
func (j *JobDescription) Turnaround() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.submittedAt.IsZero() || j.completedAt.IsZero() {
		return 0
	}
	return j.completedAt.Sub(j.submittedAt)
}

// OutputLogPath is where the scheduler writes the job's stdout.
func (j *JobDescription) OutputLogPath() string {
	return j.logPath(outputLogPrefix)
}

// ErrorLogPath is where the scheduler writes the job's stderr.
func (j *JobDescription) ErrorLogPath() string {
	return j.logPath(errorLogPrefix)
}

func (j *JobDescription) logPath(prefix string) string {
	if j.LogDir == "" {
		return ""
	}
	dir, err := filepath.Abs(j.LogDir)
	if err != nil {
		dir = j.LogDir
	}
	return filepath.Join(dir, prefix+strconv.FormatInt(j.uniqueID, 10)+logFileSuffix)
}

// NativeSpecification assembles the scheduler flags: NativeSpec, then either
// the forced queue or the forced memory limit.
func (j *JobDescription) NativeSpecification() string {
	parts := make([]string, 0, 2)
	if spec := strings.TrimSpace(j.NativeSpec); spec != "" {
		parts = append(parts, spec)
	}
	switch {
	case j.Queue != "":
		parts = append(parts, queueOption+" "+j.Queue)
	case j.MemoryMB > 0:
		parts = append(parts, memoryOption+strconv.Itoa(j.MemoryMB)+memoryUnit)
	}
	return strings.Join(parts, " ")
}

// CommandLine is the command followed by its arguments, for logs.
func (j *JobDescription) CommandLine() string {
	if len(j.Args) == 0 {
		return j.Command
	}
	return j.Command + " " + strings.Join(j.Args, " ")
}

func (j *JobDescription) String() string {
	queue := j.Queue
	if queue == "" {
		queue = "none"
	}
	return fmt.Sprintf("job %d: %s (queue=%s)", j.uniqueID, j.CommandLine(), queue)
}

func (j *JobDescription) markSubmitted(at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.submittedAt = at
}

// settle moves the job to a terminal state and returns the listeners to
// notify. A second call returns ErrAlreadyTerminal and no listeners.
func (j *JobDescription) settle(state types.JobState, message string) ([]func(*JobDescription), error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	j.state = state
	j.errorMessage = message
	j.completedAt = time.Now()
	listeners := j.listeners
	j.listeners = nil
	close(j.done)
	return listeners, nil
}

func (j *JobDescription) notify(listeners []func(*JobDescription)) {
	for _, fn := range listeners {
		fn(j)
	}
}
