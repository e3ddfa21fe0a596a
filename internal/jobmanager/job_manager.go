// ============================================================================
// Beaver-Grid Job Manager - Grid Job Registry and State Machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Function: Tracks submitted grid jobs by scheduler id and applies their
//           terminal transitions exactly once
//
// Job state transitions (State Machine):
//   Pending (created by NewJob)
//      ↓ Register() once the scheduler returned an id
//   Pending (registered, waiting for the monitor)
//      ↓ MarkSucceeded() / MarkFailed()
//   Succeeded / Failed (terminal, listeners notified once)
//
// Transition rules:
//   - only a registered, pending job can become terminal
//   - a terminal job never changes again (ErrAlreadyTerminal)
//   - unknown ids are reported as ErrJobNotFound; the monitor logs and drops
//
// Data structure:
//   jobs map[externalID]*JobDescription - single source of truth
//   pending counter                     - O(1) outstanding count
//
// Eviction:
//   Entries stay until Forget() is called. Long-running daemons call it once
//   the completion has been delivered.
//
// Concurrency:
//   - sync.RWMutex protects the map; each job guards its own state
//   - listeners run on the goroutine that applied the transition, after
//     every lock is released
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-grid/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrDuplicateJob means the scheduler id is already registered
	ErrDuplicateJob = errors.New("job already exists")
	// ErrJobNotFound means the scheduler id is not registered
	ErrJobNotFound = errors.New("job not found")
	// ErrAlreadyTerminal means the job already succeeded or failed
	ErrAlreadyTerminal = errors.New("job already terminal")
	// ErrInvalidJob means the job was not created with NewJob
	ErrInvalidJob = errors.New("job not created with NewJob")
)

// JobManager is the registry of submitted grid jobs.
type JobManager struct {
	mu      sync.RWMutex
	jobs    map[string]*JobDescription // scheduler id -> job
	pending int
}

// NewJobManager creates an empty registry.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*JobDescription),
	}
}

// Register records job under the scheduler's id. It must be called before the
// id is handed to anyone who could observe its completion.
//
// Errors:
//   - ErrDuplicateJob: the id is already registered
//   - ErrInvalidJob: job was not built with NewJob
func (jm *JobManager) Register(externalID string, job *JobDescription) error {
	if job == nil || job.done == nil {
		return ErrInvalidJob
	}
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[externalID]; exists {
		return ErrDuplicateJob
	}
	job.markSubmitted(time.Now())
	jm.jobs[externalID] = job
	if !job.State().IsTerminal() {
		jm.pending++
	}
	return nil
}

// Get returns the job registered under externalID.
func (jm *JobManager) Get(externalID string) (*JobDescription, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, ok := jm.jobs[externalID]
	return job, ok
}

// MarkSucceeded moves the job to succeeded and notifies its listeners.
func (jm *JobManager) MarkSucceeded(externalID string) (*JobDescription, error) {
	return jm.finish(externalID, types.JobSucceeded, "")
}

// MarkFailed moves the job to failed with message and notifies its listeners.
func (jm *JobManager) MarkFailed(externalID, message string) (*JobDescription, error) {
	return jm.finish(externalID, types.JobFailed, message)
}

func (jm *JobManager) finish(externalID string, state types.JobState, message string) (*JobDescription, error) {
	jm.mu.Lock()
	job, ok := jm.jobs[externalID]
	if !ok {
		jm.mu.Unlock()
		return nil, ErrJobNotFound
	}
	listeners, err := job.settle(state, message)
	if err != nil {
		jm.mu.Unlock()
		return job, err
	}
	jm.pending--
	jm.mu.Unlock()

	// Listeners run without the registry lock so they may call back in.
	job.notify(listeners)
	return job, nil
}

// Forget drops externalID from the registry.
func (jm *JobManager) Forget(externalID string) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	job, ok := jm.jobs[externalID]
	if !ok {
		return false
	}
	if !job.State().IsTerminal() {
		jm.pending--
	}
	delete(jm.jobs, externalID)
	return true
}

// Outstanding is the number of registered jobs not yet terminal.
func (jm *JobManager) Outstanding() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.pending
}

// OutstandingIDs lists the scheduler ids of non-terminal jobs, sorted.
func (jm *JobManager) OutstandingIDs() []string {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	ids := make([]string, 0, jm.pending)
	for id, job := range jm.jobs {
		if !job.State().IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Stats counts registered jobs by state.
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		string(types.JobPending):   0,
		string(types.JobSucceeded): 0,
		string(types.JobFailed):    0,
		"total":                    len(jm.jobs),
	}
	for _, job := range jm.jobs {
		stats[string(job.State())]++
	}
	return stats
}
