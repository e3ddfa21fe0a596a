package gridengine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultPollInterval is how often the SGE session lists the queue.
	DefaultPollInterval = 5 * time.Second
	// DefaultAccountingGrace is how long a job may be missing from both
	// qstat and qacct before it is reported with unclear conditions.
	DefaultAccountingGrace = 2 * time.Minute

	signalExitOffset = 128
)

// Executor runs one scheduler command and returns its stdout.
type Executor interface {
	Output(ctx context.Context, binary string, args []string) ([]byte, error)
}

type commandExecutor struct{}

func (commandExecutor) Output(ctx context.Context, binary string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", binary, err, msg)
		}
		return out, fmt.Errorf("%s: %w", binary, err)
	}
	return out, nil
}

// SGEConfig configures an SGESession.
type SGEConfig struct {
	BinDir          string // directory holding qsub, qstat, qacct; PATH if empty
	PollInterval    time.Duration
	AccountingGrace time.Duration
	Executor        Executor
	Logger          *slog.Logger
}

// SGESession drives Sun/Open Grid Engine through its command line tools.
// Jobs are submitted with qsub -terse, the queue is polled with qstat and the
// outcome of a job that left the queue is read from qacct.
type SGESession struct {
	config SGEConfig
	exec   Executor
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]time.Time // job id -> when it was first seen missing from qstat
	closed bool
}

var _ Session = (*SGESession)(nil)

// NewSGESession checks that qsub is reachable and returns a session.
func NewSGESession(ctx context.Context, config SGEConfig) (*SGESession, error) {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.AccountingGrace <= 0 {
		config.AccountingGrace = DefaultAccountingGrace
	}
	s := &SGESession{
		config: config,
		exec:   config.Executor,
		logger: config.Logger,
		active: make(map[string]time.Time),
	}
	if s.exec == nil {
		s.exec = commandExecutor{}
		if _, err := exec.LookPath(s.binary("qsub")); err != nil {
			return nil, fmt.Errorf("qsub not found: %w", err)
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// SGESessionFactory adapts NewSGESession to a SessionFactory.
func SGESessionFactory(config SGEConfig) SessionFactory {
	return func(ctx context.Context) (Session, error) {
		return NewSGESession(ctx, config)
	}
}

func (s *SGESession) binary(name string) string {
	if s.config.BinDir == "" {
		return name
	}
	return strings.TrimRight(s.config.BinDir, "/") + "/" + name
}

// RunJob submits jt with qsub and returns the job id.
func (s *SGESession) RunJob(ctx context.Context, jt *JobTemplate) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", errors.New("session exited")
	}

	out, err := s.exec.Output(ctx, s.binary("qsub"), qsubArgs(jt))
	if err != nil {
		return "", err
	}
	jobID := parseJobID(out)
	if jobID == "" {
		return "", fmt.Errorf("qsub returned no job id: %q", strings.TrimSpace(string(out)))
	}

	s.mu.Lock()
	s.active[jobID] = time.Time{}
	s.mu.Unlock()
	return jobID, nil
}

func qsubArgs(jt *JobTemplate) []string {
	args := []string{"-terse", "-b", "y"}
	if jt.WorkingDirectory != "" {
		args = append(args, "-wd", jt.WorkingDirectory)
	}
	if jt.OutputPath != "" {
		args = append(args, "-o", jt.OutputPath)
	}
	if jt.ErrorPath != "" {
		args = append(args, "-e", jt.ErrorPath)
	}
	args = append(args, strings.Fields(jt.NativeSpecification)...)
	args = append(args, jt.RemoteCommand)
	return append(args, jt.Args...)
}

// parseJobID takes the id out of qsub -terse output. Array jobs print
// "id.first-last:step".
func parseJobID(out []byte) string {
	id := strings.TrimSpace(string(out))
	if i := strings.IndexByte(id, '.'); i >= 0 {
		id = id[:i]
	}
	return id
}

// Wait polls the queue until one of this session's jobs has left it and its
// accounting record is available.
func (s *SGESession) Wait(ctx context.Context) (JobInfo, error) {
	for {
		s.mu.Lock()
		if len(s.active) == 0 {
			s.mu.Unlock()
			return JobInfo{}, ErrNoActiveJobs
		}
		s.mu.Unlock()

		info, found, err := s.poll(ctx)
		if err != nil || found {
			return info, err
		}

		select {
		case <-time.After(s.config.PollInterval):
		case <-ctx.Done():
			return JobInfo{}, ctx.Err()
		}
	}
}

func (s *SGESession) poll(ctx context.Context) (JobInfo, bool, error) {
	out, err := s.exec.Output(ctx, s.binary("qstat"), nil)
	if err != nil {
		return JobInfo{}, false, err
	}
	queued := parseQstat(out)

	s.mu.Lock()
	candidates := make([]string, 0, len(s.active))
	for id := range s.active {
		if _, ok := queued[id]; !ok {
			candidates = append(candidates, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(candidates)

	now := time.Now()
	for _, id := range candidates {
		acct, err := s.exec.Output(ctx, s.binary("qacct"), []string{"-j", id})
		if err == nil {
			if info, ok := parseQacct(id, acct); ok {
				s.finish(id)
				return info, true, nil
			}
		}

		s.mu.Lock()
		missingSince := s.active[id]
		if missingSince.IsZero() {
			s.active[id] = now
			missingSince = now
		}
		s.mu.Unlock()

		if now.Sub(missingSince) >= s.config.AccountingGrace {
			s.logger.Warn("No accounting record for finished job", "jobID", id, "error", err)
			s.finish(id)
			return JobInfo{JobID: id}, true, nil
		}
	}
	return JobInfo{}, false, nil
}

func (s *SGESession) finish(jobID string) {
	s.mu.Lock()
	delete(s.active, jobID)
	s.mu.Unlock()
}

// JobStatus reads the state column of qstat for jobID.
func (s *SGESession) JobStatus(ctx context.Context, jobID string) (ProgramStatus, error) {
	out, err := s.exec.Output(ctx, s.binary("qstat"), nil)
	if err != nil {
		return StatusUndetermined, err
	}
	state, ok := parseQstat(out)[jobID]
	if !ok {
		return StatusUndetermined, nil
	}
	return statusFromState(state), nil
}

// Exit forgets every job. Jobs keep running on the grid.
func (s *SGESession) Exit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session already exited")
	}
	s.closed = true
	s.active = make(map[string]time.Time)
	return nil
}

// parseQstat maps job id to its state code from the default qstat table.
func parseQstat(out []byte) map[string]string {
	jobs := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			continue // header or separator
		}
		jobs[fields[0]] = fields[4]
	}
	return jobs
}

func statusFromState(state string) ProgramStatus {
	switch {
	case strings.Contains(state, "E"):
		return StatusFailed
	case strings.HasPrefix(state, "h"):
		return StatusUserOnHold
	case strings.Contains(state, "s"):
		return StatusUserSuspended
	case strings.ContainsAny(state, "ST"):
		return StatusSystemSuspended
	case strings.Contains(state, "r"), strings.Contains(state, "t"):
		return StatusRunning
	case strings.Contains(state, "qw"):
		return StatusQueuedActive
	default:
		return StatusUndetermined
	}
}

// parseQacct reads the failed and exit_status fields of a qacct -j record.
func parseQacct(jobID string, out []byte) (JobInfo, bool) {
	var (
		failed, exitStatus int
		haveExit           bool
	)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		switch fields[0] {
		case "failed":
			failed = n
		case "exit_status":
			exitStatus = n
			haveExit = true
		}
	}
	if !haveExit {
		return JobInfo{}, false
	}

	info := JobInfo{JobID: jobID}
	switch {
	// 100 is "assumedly after job", i.e. the job itself ran.
	case failed != 0 && failed != 100:
		info.Aborted = true
	case exitStatus > signalExitOffset:
		info.Signaled = true
		info.Signal = syscall.Signal(exitStatus - signalExitOffset).String()
	default:
		info.Exited = true
		info.ExitStatus = exitStatus
	}
	return info, true
}
