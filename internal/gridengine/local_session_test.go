package gridengine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-grid/internal/jobmanager"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestLocalSessionThroughManager(t *testing.T) {
	requireShell(t)
	m, err := NewManager(Config{Session: LocalSessionFactory(nil), Hostname: "localhost"})
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()
	logDir := t.TempDir()

	ok := jobmanager.NewJob("sh", "-c", "echo identified; echo warn >&2")
	ok.LogDir = logDir
	fail := jobmanager.NewJob("sh", "-c", "exit 3")
	killed := jobmanager.NewJob("sh", "-c", "kill -9 $$")

	for _, job := range []*jobmanager.JobDescription{ok, fail, killed} {
		_, err := m.Submit(ctx, job)
		require.NoError(t, err)
	}

	assert.NoError(t, waitDone(t, ok))
	assert.ErrorIs(t, waitDone(t, fail), jobmanager.ErrJobFailed)
	assert.Equal(t, "non 0 return code=3", fail.ErrorMessage())
	assert.ErrorIs(t, waitDone(t, killed), jobmanager.ErrJobFailed)
	assert.True(t, strings.HasPrefix(killed.ErrorMessage(), "finished due to signal"), killed.ErrorMessage())

	stdout, err := os.ReadFile(ok.OutputLogPath())
	require.NoError(t, err)
	assert.Equal(t, "identified\n", string(stdout))
	stderr, err := os.ReadFile(ok.ErrorLogPath())
	require.NoError(t, err)
	assert.Equal(t, "warn\n", string(stderr))
}

func TestLocalSessionWorkingDirectory(t *testing.T) {
	requireShell(t)
	s := NewLocalSession(nil)
	dir := t.TempDir()

	id, err := s.RunJob(context.Background(), &JobTemplate{
		RemoteCommand:    "sh",
		Args:             []string{"-c", "touch here"},
		WorkingDirectory: dir,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, info.JobID)
	assert.FileExists(t, filepath.Join(dir, "here"))

	_, err = s.Wait(ctx)
	assert.ErrorIs(t, err, ErrNoActiveJobs)
}

func TestLocalSessionStartFailure(t *testing.T) {
	s := NewLocalSession(nil)
	_, err := s.RunJob(context.Background(), &JobTemplate{RemoteCommand: "/nonexistent/beaver-grid-binary"})
	assert.Error(t, err)

	_, err = s.Wait(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveJobs)
}

func TestLocalSessionExitKillsRunningJobs(t *testing.T) {
	requireShell(t)
	s := NewLocalSession(nil)
	id, err := s.RunJob(context.Background(), &JobTemplate{RemoteCommand: "sh", Args: []string{"-c", "sleep 30"}})
	require.NoError(t, err)

	status, err := s.JobStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)

	require.NoError(t, s.Exit())
	assert.Error(t, s.Exit())
}
