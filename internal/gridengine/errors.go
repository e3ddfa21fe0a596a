package gridengine

import (
	"errors"
	"fmt"
)

var (
	// ErrSchedulerUnavailable means no session could be opened.
	ErrSchedulerUnavailable = errors.New("grid scheduler not available")
	// ErrCommandTooLong means the command exceeds the scheduler's limit.
	ErrCommandTooLong = errors.New("command too long")
	// ErrNoActiveJobs is returned by Session.Wait when no job is outstanding.
	ErrNoActiveJobs = errors.New("no active jobs in session")
	// ErrManagerClosed means Submit was called after Close.
	ErrManagerClosed = errors.New("grid manager closed")
)

// SchedulerUnavailableError wraps the reason a session failed to open.
type SchedulerUnavailableError struct {
	Err error
}

func (e *SchedulerUnavailableError) Error() string {
	return fmt.Sprintf("grid scheduler not available, session initialization failed: %v", e.Err)
}

func (e *SchedulerUnavailableError) Is(target error) bool {
	return target == ErrSchedulerUnavailable
}

func (e *SchedulerUnavailableError) Unwrap() error {
	return e.Err
}

// CommandTooLongError reports a command the scheduler would truncate.
type CommandTooLongError struct {
	Command string
	Limit   int
}

func (e *CommandTooLongError) Error() string {
	return fmt.Sprintf("command too long - grid engine only accepts commands up to %d characters in length: %s", e.Limit, e.Command)
}

func (e *CommandTooLongError) Is(target error) bool {
	return target == ErrCommandTooLong
}
