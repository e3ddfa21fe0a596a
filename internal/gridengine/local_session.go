package gridengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// LocalSession runs jobs as processes on this host. It stands in for a grid
// on a single machine and in tests.
type LocalSession struct {
	logger *slog.Logger

	mu       sync.Mutex
	nextID   int64
	running  map[string]*exec.Cmd
	finished []JobInfo
	closed   bool

	wake chan struct{}
}

var _ Session = (*LocalSession)(nil)

// NewLocalSession creates an empty session.
func NewLocalSession(logger *slog.Logger) *LocalSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalSession{
		logger:  logger,
		nextID:  1,
		running: make(map[string]*exec.Cmd),
		wake:    make(chan struct{}, 1),
	}
}

// LocalSessionFactory adapts NewLocalSession to a SessionFactory.
func LocalSessionFactory(logger *slog.Logger) SessionFactory {
	return func(context.Context) (Session, error) {
		return NewLocalSession(logger), nil
	}
}

// RunJob starts the process. It is not tied to ctx: like a grid job it
// outlives the request that submitted it.
func (s *LocalSession) RunJob(_ context.Context, jt *JobTemplate) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.New("session exited")
	}

	cmd := exec.Command(jt.RemoteCommand, jt.Args...) //nolint:gosec
	cmd.Dir = jt.WorkingDirectory

	var files []io.Closer
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	if jt.OutputPath != "" {
		f, err := createLog(jt.OutputPath)
		if err != nil {
			return "", err
		}
		files = append(files, f)
		cmd.Stdout = f
	}
	if jt.ErrorPath != "" {
		f, err := createLog(jt.ErrorPath)
		if err != nil {
			closeAll()
			return "", err
		}
		files = append(files, f)
		cmd.Stderr = f
	}
	if jt.NativeSpecification != "" {
		s.logger.Debug("Native specification ignored by local session", "spec", jt.NativeSpecification)
	}

	if err := cmd.Start(); err != nil {
		closeAll()
		return "", fmt.Errorf("failed to start process: %w", err)
	}

	jobID := strconv.FormatInt(s.nextID, 10)
	s.nextID++
	s.running[jobID] = cmd

	go func() {
		waitErr := cmd.Wait()
		closeAll()
		s.complete(jobID, cmd, waitErr)
	}()
	return jobID, nil
}

// createLog opens a "host:/path" log target, creating parent directories.
func createLog(target string) (*os.File, error) {
	path := target
	if i := strings.IndexByte(target, ':'); i >= 0 && !filepath.IsAbs(target) {
		path = target[i+1:]
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

func (s *LocalSession) complete(jobID string, cmd *exec.Cmd, waitErr error) {
	info := JobInfo{JobID: jobID}
	ps := cmd.ProcessState
	switch {
	case ps == nil:
		s.logger.Warn("Process state missing", "jobID", jobID, "error", waitErr)
	default:
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			info.Signaled = true
			info.Signal = ws.Signal().String()
		} else if ps.Exited() {
			info.Exited = true
			info.ExitStatus = ps.ExitCode()
		}
	}

	s.mu.Lock()
	delete(s.running, jobID)
	if !s.closed {
		s.finished = append(s.finished, info)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Wait returns the next finished job, or ErrNoActiveJobs when nothing is
// running and nothing is left to report.
func (s *LocalSession) Wait(ctx context.Context) (JobInfo, error) {
	for {
		s.mu.Lock()
		if len(s.finished) > 0 {
			info := s.finished[0]
			s.finished = s.finished[1:]
			s.mu.Unlock()
			return info, nil
		}
		if len(s.running) == 0 {
			s.mu.Unlock()
			return JobInfo{}, ErrNoActiveJobs
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return JobInfo{}, ctx.Err()
		}
	}
}

// JobStatus reports running or done.
func (s *LocalSession) JobStatus(_ context.Context, jobID string) (ProgramStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[jobID]; ok {
		return StatusRunning, nil
	}
	for _, info := range s.finished {
		if info.JobID == jobID {
			if ok, _ := Classify(info); ok {
				return StatusDone, nil
			}
			return StatusFailed, nil
		}
	}
	return StatusUndetermined, nil
}

// Exit kills every running process.
func (s *LocalSession) Exit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session already exited")
	}
	s.closed = true
	var errs []error
	for id, cmd := range s.running {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("kill job %s: %w", id, err))
		}
	}
	s.finished = nil
	return errors.Join(errs...)
}
