package gridengine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-grid/internal/jobmanager"
	"github.com/ChuLiYu/beaver-grid/pkg/types"
)

// fakeSession completes jobs only when the test says so.
type fakeSession struct {
	mu        sync.Mutex
	next      int
	templates []*JobTemplate
	active    int
	runErr    error
	waitErrs  []error
	exited    bool

	waitCalls atomic.Int32
	events    chan JobInfo
}

func newFakeSession() *fakeSession {
	return &fakeSession{next: 100, events: make(chan JobInfo, 1024)}
}

func (s *fakeSession) RunJob(_ context.Context, jt *JobTemplate) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runErr != nil {
		return "", s.runErr
	}
	s.templates = append(s.templates, jt)
	s.active++
	id := strconv.Itoa(s.next)
	s.next++
	return id, nil
}

func (s *fakeSession) Wait(ctx context.Context) (JobInfo, error) {
	s.waitCalls.Add(1)
	s.mu.Lock()
	if len(s.waitErrs) > 0 {
		err := s.waitErrs[0]
		s.waitErrs = s.waitErrs[1:]
		s.mu.Unlock()
		return JobInfo{}, err
	}
	if s.active == 0 && len(s.events) == 0 {
		s.mu.Unlock()
		return JobInfo{}, ErrNoActiveJobs
	}
	s.mu.Unlock()

	select {
	case info := <-s.events:
		s.mu.Lock()
		if s.active > 0 {
			s.active--
		}
		s.mu.Unlock()
		return info, nil
	case <-ctx.Done():
		return JobInfo{}, ctx.Err()
	}
}

func (s *fakeSession) JobStatus(context.Context, string) (ProgramStatus, error) {
	return StatusQueuedActive, nil
}

func (s *fakeSession) Exit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exited = true
	return nil
}

func (s *fakeSession) finish(info JobInfo) {
	s.events <- info
}

func (s *fakeSession) lastTemplate() *JobTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.templates) == 0 {
		return nil
	}
	return s.templates[len(s.templates)-1]
}

func newTestManager(t *testing.T, session *fakeSession, mutate ...func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Session:          func(context.Context) (Session, error) { return session, nil },
		Hostname:         "node1",
		WaitErrorBackoff: time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitDone(t *testing.T, job *jobmanager.JobDescription) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := job.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "job %d never completed", job.UniqueID())
	return err
}

func TestSubmitBuildsTemplate(t *testing.T) {
	session := newFakeSession()
	m := newTestManager(t, session)
	logDir := t.TempDir()

	job := jobmanager.NewJob("/usr/bin/java", "-jar", "swift.jar")
	job.WorkingDir = "/shared/work"
	job.LogDir = logDir
	job.NativeSpec = "-V"
	job.Queue = "long.q"
	job.MemoryMB = 4096

	id, err := m.Submit(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "100", id)

	jt := session.lastTemplate()
	require.NotNil(t, jt)
	assert.Equal(t, "/usr/bin/java", jt.RemoteCommand)
	assert.Equal(t, []string{"-jar", "swift.jar"}, jt.Args)
	assert.Equal(t, "/shared/work", jt.WorkingDirectory)
	assert.Equal(t, "-V -q long.q", jt.NativeSpecification)
	assert.Equal(t, "node1:"+filepath.Join(logDir, fmt.Sprintf("o%d.sge.log", job.UniqueID())), jt.OutputPath)
	assert.Equal(t, "node1:"+filepath.Join(logDir, fmt.Sprintf("e%d.sge.log", job.UniqueID())), jt.ErrorPath)

	registered, ok := m.Jobs().Get(id)
	require.True(t, ok)
	assert.Same(t, job, registered)
}

func TestSubmitWithoutLogDirLeavesSchedulerDefaults(t *testing.T) {
	session := newFakeSession()
	m := newTestManager(t, session)

	_, err := m.Submit(context.Background(), jobmanager.NewJob("true"))
	require.NoError(t, err)
	assert.Empty(t, session.lastTemplate().OutputPath)
	assert.Empty(t, session.lastTemplate().ErrorPath)
}

func TestCommandTooLong(t *testing.T) {
	session := newFakeSession()
	m := newTestManager(t, session)

	_, err := m.Submit(context.Background(), jobmanager.NewJob(strings.Repeat("x", DefaultMaxCommandLength)))
	require.ErrorIs(t, err, ErrCommandTooLong)
	var tooLong *CommandTooLongError
	require.ErrorAs(t, err, &tooLong)
	assert.Equal(t, DefaultMaxCommandLength, tooLong.Limit)
	assert.Nil(t, session.lastTemplate(), "nothing may reach the scheduler")

	_, err = m.Submit(context.Background(), jobmanager.NewJob(strings.Repeat("x", DefaultMaxCommandLength-1)))
	assert.NoError(t, err)
}

func TestSessionOpenFailureIsReportedAndRetriedLater(t *testing.T) {
	session := newFakeSession()
	var opens atomic.Int32
	m := newTestManager(t, session, func(c *Config) {
		c.Session = func(context.Context) (Session, error) {
			if opens.Add(1) == 1 {
				return nil, errors.New("libdrmaa.so: cannot open shared object file")
			}
			return session, nil
		}
	})

	_, err := m.Submit(context.Background(), jobmanager.NewJob("true"))
	require.ErrorIs(t, err, ErrSchedulerUnavailable)
	assert.Contains(t, err.Error(), "libdrmaa.so")

	_, err = m.Submit(context.Background(), jobmanager.NewJob("true"))
	require.NoError(t, err)
	_, err = m.Submit(context.Background(), jobmanager.NewJob("true"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), opens.Load(), "an open session is reused")
}

func TestNoSessionFactory(t *testing.T) {
	m, err := NewManager(Config{Hostname: "h"})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Submit(context.Background(), jobmanager.NewJob("true"))
	assert.ErrorIs(t, err, ErrSchedulerUnavailable)
}

func TestRunJobFailureIsWrapped(t *testing.T) {
	session := newFakeSession()
	session.runErr = errors.New("qsub: denied")
	m := newTestManager(t, session)

	_, err := m.Submit(context.Background(), jobmanager.NewJob("tandem", "-p", "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error submitting to grid engine: tandem -p x")
	assert.Zero(t, m.Jobs().Outstanding())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		info    JobInfo
		success bool
		message string
	}{
		{"aborted", JobInfo{Aborted: true}, false, "never ran"},
		{"exit zero", JobInfo{Exited: true}, true, ""},
		{"exit nonzero", JobInfo{Exited: true, ExitStatus: 3}, false, "non 0 return code=3"},
		{"signaled", JobInfo{Signaled: true, Signal: "killed"}, false, "finished due to signal killed"},
		{"indeterminate", JobInfo{}, false, "finished with unclear conditions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, msg := Classify(tt.info)
			assert.Equal(t, tt.success, ok)
			assert.Equal(t, tt.message, msg)
		})
	}
}

func TestMonitorDeliversCompletions(t *testing.T) {
	session := newFakeSession()
	m := newTestManager(t, session)
	ctx := context.Background()

	good := jobmanager.NewJob("good")
	bad := jobmanager.NewJob("bad")
	goodID, err := m.Submit(ctx, good)
	require.NoError(t, err)
	badID, err := m.Submit(ctx, bad)
	require.NoError(t, err)

	session.finish(JobInfo{JobID: badID, Exited: true, ExitStatus: 3})
	session.finish(JobInfo{JobID: goodID, Exited: true})

	assert.NoError(t, waitDone(t, good))
	err = waitDone(t, bad)
	assert.ErrorIs(t, err, jobmanager.ErrJobFailed)
	assert.Equal(t, "non 0 return code=3", bad.ErrorMessage())
	assert.Zero(t, m.Jobs().Outstanding())
}

func TestMonitorSleepsWhenNoJobsAreActive(t *testing.T) {
	session := newFakeSession()
	m := newTestManager(t, session)
	ctx := context.Background()

	_, err := m.Initialize(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return session.waitCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), session.waitCalls.Load(), "monitor must block instead of spinning")

	job := jobmanager.NewJob("x")
	id, err := m.Submit(ctx, job)
	require.NoError(t, err)
	session.finish(JobInfo{JobID: id, Exited: true})
	assert.NoError(t, waitDone(t, job))
}

func TestMonitorSurvivesWaitErrors(t *testing.T) {
	session := newFakeSession()
	session.waitErrs = []error{errors.New("drmaa: internal error"), errors.New("timeout")}
	m := newTestManager(t, session)

	job := jobmanager.NewJob("x")
	id, err := m.Submit(context.Background(), job)
	require.NoError(t, err)
	session.finish(JobInfo{JobID: id, Signaled: true, Signal: "SIGKILL"})

	require.ErrorIs(t, waitDone(t, job), jobmanager.ErrJobFailed)
	assert.Equal(t, "finished due to signal SIGKILL", job.ErrorMessage())
}

func TestUnknownCompletionIsDropped(t *testing.T) {
	session := newFakeSession()
	m := newTestManager(t, session)

	job := jobmanager.NewJob("x")
	id, err := m.Submit(context.Background(), job)
	require.NoError(t, err)

	session.finish(JobInfo{JobID: "unknown", Exited: true})
	session.finish(JobInfo{JobID: id, Aborted: true})

	require.ErrorIs(t, waitDone(t, job), jobmanager.ErrJobFailed)
	assert.Equal(t, "never ran", job.ErrorMessage())
}

func TestEvictCompleted(t *testing.T) {
	session := newFakeSession()
	m := newTestManager(t, session, func(c *Config) { c.EvictCompleted = true })

	job := jobmanager.NewJob("x")
	id, err := m.Submit(context.Background(), job)
	require.NoError(t, err)
	session.finish(JobInfo{JobID: id, Exited: true})
	require.NoError(t, waitDone(t, job))

	assert.Eventually(t, func() bool {
		_, ok := m.Jobs().Get(id)
		return !ok
	}, time.Second, time.Millisecond)
}

// Submitting N jobs and reporting completions in any interleaving, with
// duplicates, yields exactly one notification per job with the right outcome.
func TestConcurrentSubmissionsNotifyOnce(t *testing.T) {
	session := newFakeSession()
	m := newTestManager(t, session)
	const n = 50

	var (
		mu       sync.Mutex
		ids      = make([]string, n)
		jobs     = make([]*jobmanager.JobDescription, n)
		notified [n]atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := jobmanager.NewJob("x")
			job.OnComplete(func(*jobmanager.JobDescription) { notified[i].Add(1) })
			id, err := m.Submit(context.Background(), job)
			assert.NoError(t, err)
			mu.Lock()
			ids[i], jobs[i] = id, job
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	for _, k := range rand.Perm(2 * n) {
		i := k % n
		session.finish(JobInfo{JobID: ids[i], Exited: true, ExitStatus: i % 2})
	}

	for i := 0; i < n; i++ {
		err := waitDone(t, jobs[i])
		if i%2 == 0 {
			assert.NoError(t, err)
			assert.Equal(t, types.JobSucceeded, jobs[i].State())
		} else {
			assert.ErrorIs(t, err, jobmanager.ErrJobFailed)
		}
	}
	// Let the duplicates drain through the monitor.
	require.Eventually(t, func() bool { return len(session.events) == 0 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	for i := 0; i < n; i++ {
		assert.Equal(t, int32(1), notified[i].Load(), "job %d", i)
	}
}

func TestCloseStopsMonitorAndExitsSession(t *testing.T) {
	session := newFakeSession()
	m := newTestManager(t, session)

	job := jobmanager.NewJob("x")
	_, err := m.Submit(context.Background(), job)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.True(t, session.exited)
	assert.NoError(t, m.Close(), "Close is idempotent")

	_, err = m.Submit(context.Background(), jobmanager.NewJob("y"))
	assert.ErrorIs(t, err, ErrManagerClosed)

	status := m.Status()
	assert.Equal(t, true, status["stopped"])
	assert.Equal(t, 1, status["jobs"].(map[string]int)["pending"])
}
