// ============================================================================
// Beaver-Grid Grid Engine Manager - Scheduler Adapter
// ============================================================================
//
// Package: internal/gridengine
// File: manager.go
// Function: Submits JobDescriptions to a batch scheduler session and turns
//           the scheduler's completion events into job state transitions
//
// Lifecycle:
//   NewManager()   - no scheduler contact yet
//   Initialize()   - opens the session on first use (idempotent); a failure
//                    is returned to the caller and the next call tries again
//   Submit()       - template -> RunJob -> Register -> release semaphore
//   monitorLoop()  - one goroutine per Manager, started with the session
//   Close()        - stops the monitor and exits the session
//
// Monitor loop:
//   for {
//     info := session.Wait()             // blocks until any job finishes
//     ErrNoActiveJobs -> block on the submission semaphore
//     other error     -> log, back off, continue
//     ok              -> classify, MarkSucceeded / MarkFailed
//   }
//
// Ordering guarantee:
//   RunJob and Register happen under submitMu. The monitor passes through
//   submitMu before looking a completion up, so it never sees an id the
//   registry does not know yet.
//
// ============================================================================

package gridengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-grid/internal/jobmanager"
	"github.com/ChuLiYu/beaver-grid/internal/metrics"
)

const (
	// DefaultMaxCommandLength is the longest command SGE accepts, exclusive.
	DefaultMaxCommandLength = 1024
	// DefaultWaitErrorBackoff is the pause after a failed Wait.
	DefaultWaitErrorBackoff = time.Second

	// semaphoreCapacity bounds the permits the monitor can fall behind by.
	semaphoreCapacity = 1 << 16
)

// Config configures a Manager.
type Config struct {
	Session          SessionFactory
	MaxCommandLength int           // 0 means DefaultMaxCommandLength
	WaitErrorBackoff time.Duration // 0 means DefaultWaitErrorBackoff
	EvictCompleted   bool          // Forget jobs once their listeners ran
	Hostname         string        // prefix of log paths, os.Hostname() if empty
	Logger           *slog.Logger
	Metrics          *metrics.Collector
}

// Manager owns one scheduler session, the registry of jobs submitted through
// it and the goroutine that monitors them.
type Manager struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Collector
	jobs    *jobmanager.JobManager

	mu      sync.Mutex // guards session and stopped
	session Session
	stopped bool

	submitMu  sync.Mutex    // RunJob + Register
	submitted chan struct{} // counting semaphore, one permit per submission

	ctx    context.Context
	cancel context.CancelFunc
	loopWg sync.WaitGroup
}

// NewManager creates a Manager. No session is opened until Initialize or the
// first Submit.
func NewManager(config Config) (*Manager, error) {
	if config.MaxCommandLength <= 0 {
		config.MaxCommandLength = DefaultMaxCommandLength
	}
	if config.WaitErrorBackoff <= 0 {
		config.WaitErrorBackoff = DefaultWaitErrorBackoff
	}
	if config.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("unable to get host name: %w", err)
		}
		config.Hostname = host
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:    config,
		logger:    logger.With("component", "gridengine"),
		metrics:   config.Metrics,
		jobs:      jobmanager.NewJobManager(),
		submitted: make(chan struct{}, semaphoreCapacity),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Jobs exposes the registry of submitted jobs.
func (m *Manager) Jobs() *jobmanager.JobManager {
	return m.jobs
}

// Initialize opens the session and starts the monitor. Once it succeeds it
// does nothing. A failure is wrapped in *SchedulerUnavailableError; already
// tracked jobs are unaffected and a later call tries again.
func (m *Manager) Initialize(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrManagerClosed
	}
	if m.session != nil {
		return m.session, nil
	}
	if m.config.Session == nil {
		return nil, &SchedulerUnavailableError{Err: errors.New("no session factory configured")}
	}

	session, err := m.config.Session(ctx)
	if err != nil {
		m.logger.Error("Failed to open scheduler session", "error", err)
		return nil, &SchedulerUnavailableError{Err: err}
	}
	m.session = session

	m.loopWg.Add(1)
	go m.monitorLoop(session)

	m.logger.Info("Scheduler session opened", "host", m.config.Hostname)
	return session, nil
}

// Submit hands job to the scheduler and returns the scheduler's id. The job
// is registered before Submit returns, so its completion always reaches the
// listeners registered on job.
func (m *Manager) Submit(ctx context.Context, job *jobmanager.JobDescription) (string, error) {
	if job == nil {
		return "", jobmanager.ErrInvalidJob
	}
	session, err := m.Initialize(ctx)
	if err != nil {
		return "", err
	}
	jt, err := m.template(job)
	if err != nil {
		return "", err
	}

	m.logger.Debug("Running grid engine job", "command", job.CommandLine(), "native", jt.NativeSpecification)

	m.submitMu.Lock()
	jobID, err := session.RunJob(ctx, jt)
	if err == nil {
		err = m.jobs.Register(jobID, job)
	}
	m.submitMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("error submitting to grid engine: %s: %w", job.CommandLine(), err)
	}

	m.release()
	m.metrics.RecordJobSubmitted()
	m.metrics.SetJobsOutstanding(m.jobs.Outstanding())
	m.logger.Info("Job submitted", "jobID", jobID, "uniqueID", job.UniqueID())

	m.logStatus(ctx, session, jobID)
	return jobID, nil
}

// template translates job into what the session understands.
func (m *Manager) template(job *jobmanager.JobDescription) (*JobTemplate, error) {
	if len(job.Command) >= m.config.MaxCommandLength {
		return nil, &CommandTooLongError{Command: job.Command, Limit: m.config.MaxCommandLength}
	}

	jt := &JobTemplate{
		RemoteCommand:       job.Command,
		Args:                job.Args,
		WorkingDirectory:    job.WorkingDir,
		NativeSpecification: job.NativeSpecification(),
	}
	if out := job.OutputLogPath(); out != "" {
		jt.OutputPath = m.config.Hostname + ":" + out
		jt.ErrorPath = m.config.Hostname + ":" + job.ErrorLogPath()
	}
	if job.Queue != "" {
		m.logger.Debug("Task forces a job queue", "queue", job.Queue)
	} else if job.MemoryMB > 0 {
		m.logger.Warn("Task forces memory requirement", "memoryMB", job.MemoryMB)
	}
	return jt, nil
}

func (m *Manager) release() {
	select {
	case m.submitted <- struct{}{}:
	default:
	}
}

func (m *Manager) logStatus(ctx context.Context, session Session, jobID string) {
	status, err := session.JobStatus(ctx, jobID)
	if err != nil {
		m.logger.Debug("Status report failed to obtain", "jobID", jobID, "error", err)
		return
	}
	m.logger.Debug("Status report", "jobID", jobID, "status", status.String())
}

// ============================================================================
// Monitor
// ============================================================================

func (m *Manager) monitorLoop(session Session) {
	defer m.loopWg.Done()

	for {
		info, err := session.Wait(m.ctx)
		switch {
		case err == nil:
			m.handleCompletion(info)

		case m.ctx.Err() != nil:
			m.logger.Debug("Exiting grid engine monitor")
			return

		case errors.Is(err, ErrNoActiveJobs):
			// Nothing to wait for; sleep until the next submission.
			select {
			case <-m.submitted:
			case <-m.ctx.Done():
				m.logger.Debug("Exiting grid engine monitor")
				return
			}

		default:
			m.logger.Error("Waiting for grid jobs failed", "error", err)
			m.metrics.RecordWaitError()
			select {
			case <-time.After(m.config.WaitErrorBackoff):
			case <-m.ctx.Done():
				return
			}
		}
	}
}

func (m *Manager) handleCompletion(info JobInfo) {
	// A Submit that already got this id from RunJob may still be registering.
	m.submitMu.Lock()
	m.submitMu.Unlock() //nolint:staticcheck // barrier

	succeeded, message := Classify(info)
	m.logger.Debug("Job finished", "jobID", info.JobID, "succeeded", succeeded, "message", message)

	var (
		job *jobmanager.JobDescription
		err error
	)
	if succeeded {
		job, err = m.jobs.MarkSucceeded(info.JobID)
	} else {
		job, err = m.jobs.MarkFailed(info.JobID, message)
	}

	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound):
		m.logger.Error("Completion for a job that is not registered", "jobID", info.JobID)
	case err != nil:
		m.logger.Warn("Ignoring completion", "jobID", info.JobID, "error", err)
	default:
		m.metrics.RecordJobCompleted(succeeded, job.Turnaround())
		if m.config.EvictCompleted {
			m.jobs.Forget(info.JobID)
		}
	}
	m.metrics.SetJobsOutstanding(m.jobs.Outstanding())
}

// Classify maps how a job ended onto success or a failure message.
func Classify(info JobInfo) (bool, string) {
	switch {
	case info.Aborted:
		return false, "never ran"
	case info.Exited:
		if info.ExitStatus == 0 {
			return true, ""
		}
		return false, fmt.Sprintf("non 0 return code=%d", info.ExitStatus)
	case info.Signaled:
		return false, "finished due to signal " + info.Signal
	default:
		return false, "finished with unclear conditions"
	}
}

// Status summarizes the Manager for the CLI.
func (m *Manager) Status() map[string]interface{} {
	m.mu.Lock()
	open := m.session != nil
	stopped := m.stopped
	m.mu.Unlock()

	return map[string]interface{}{
		"session_open": open,
		"stopped":      stopped,
		"jobs":         m.jobs.Stats(),
		"host":         m.config.Hostname,
	}
}

// Close stops the monitor and exits the session. Jobs still running on the
// grid are not cancelled; their completions are no longer observed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	session := m.session
	m.mu.Unlock()

	m.cancel()
	m.loopWg.Wait()

	if session == nil {
		return nil
	}
	if err := session.Exit(); err != nil {
		m.logger.Debug("Session already released", "error", err)
		return err
	}
	m.logger.Info("Grid engine manager stopped", "outstanding", m.jobs.Outstanding())
	return nil
}
