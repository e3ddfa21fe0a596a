package gridengine

import (
	"context"
	"fmt"
)

// JobTemplate is what a Session needs to start one job.
type JobTemplate struct {
	RemoteCommand       string
	Args                []string
	WorkingDirectory    string
	OutputPath          string // "host:/abs/path", empty for the scheduler default
	ErrorPath           string
	NativeSpecification string
}

// JobInfo describes how a finished job ended. Exactly one of Aborted, Exited
// and Signaled is normally true; none of them means the scheduler could not
// tell.
type JobInfo struct {
	JobID      string
	Aborted    bool // never ran
	Exited     bool
	ExitStatus int
	Signaled   bool
	Signal     string
}

// ProgramStatus is the scheduler's view of a job that may still be running.
type ProgramStatus int

const (
	StatusUndetermined ProgramStatus = iota
	StatusQueuedActive
	StatusSystemOnHold
	StatusUserOnHold
	StatusUserSystemOnHold
	StatusRunning
	StatusSystemSuspended
	StatusUserSuspended
	StatusDone
	StatusFailed
)

func (s ProgramStatus) String() string {
	switch s {
	case StatusUndetermined:
		return "UNDETERMINED: process status cannot be determined"
	case StatusQueuedActive:
		return "QUEUED_ACTIVE: job is queued and active"
	case StatusSystemOnHold:
		return "SYSTEM_ON_HOLD: job is queued and in system hold"
	case StatusUserOnHold:
		return "USER_ON_HOLD: job is queued and in user hold"
	case StatusUserSystemOnHold:
		return "USER_SYSTEM_ON_HOLD: job is queued and in user and system hold"
	case StatusRunning:
		return "RUNNING: job is running"
	case StatusSystemSuspended:
		return "SYSTEM_SUSPENDED: job is system suspended"
	case StatusUserSuspended:
		return "USER_SUSPENDED: job is user suspended"
	case StatusDone:
		return "DONE: job finished normally"
	case StatusFailed:
		return "FAILED: job finished, but failed"
	default:
		return fmt.Sprintf("unknown status %d", int(s))
	}
}

// Session is a connection to a batch scheduler.
//
// Wait blocks until any job submitted through the session finishes and
// returns ErrNoActiveJobs straight away when nothing is outstanding. All
// methods must be safe for concurrent use: Submit and the monitor call into
// the session from different goroutines.
type Session interface {
	RunJob(ctx context.Context, jt *JobTemplate) (string, error)
	Wait(ctx context.Context) (JobInfo, error)
	JobStatus(ctx context.Context, jobID string) (ProgramStatus, error)
	Exit() error
}

// SessionFactory opens a Session. It is called lazily by the Manager on the
// first submission and again after a failed attempt.
type SessionFactory func(ctx context.Context) (Session, error)
