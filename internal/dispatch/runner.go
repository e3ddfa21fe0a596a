// ============================================================================
// Beaver-Grid Dispatch Runner - Sends Work Packets To The Grid
// ============================================================================
//
// Package: internal/dispatch
// File: runner.go
// Function: Turns a request carrying a holder into a grid job and reports
//           exactly one terminal response for it
//
// Dispatch flow:
//   1. open a reply channel               (hub.Open)
//   2. bind the payload's files           (holder.Prepare)
//   3. write the packet file              (<shared temp>/<queue>_<uuid>.yaml)
//   4. submit wrapper + "--packet <file>" (Submitter.Submit)
//   5. Progress(AssignedTaskData)         provisional, not completion
//   6. completion listener, once:
//        reply error    -> Complete(reply error)
//        job failed     -> Complete(scheduler message)
//        job succeeded  -> Complete(nil)
//      then release the channel and delete the packet
//
// Any failure in 1-4 deletes the packet, releases the channel and is both
// returned and sent as the terminal response.
//
// ============================================================================

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-grid/internal/holder"
	"github.com/ChuLiYu/beaver-grid/internal/jobmanager"
	"github.com/ChuLiYu/beaver-grid/internal/metrics"
	"github.com/ChuLiYu/beaver-grid/internal/packet"
	"github.com/ChuLiYu/beaver-grid/internal/reply"
	"github.com/ChuLiYu/beaver-grid/pkg/types"
)

// PacketFlag is the wrapper argument preceding the packet path.
const PacketFlag = "--packet"

// Submitter hands a job to the grid scheduler.
type Submitter interface {
	Submit(ctx context.Context, job *jobmanager.JobDescription) (string, error)
}

// Responder receives what happens to one dispatched request. Progress may be
// called any number of times with types.AssignedTaskData or reply.Message;
// Complete is called exactly once, with nil on success.
type Responder interface {
	Progress(info interface{})
	Complete(err error)
}

// Request is one unit of work.
type Request struct {
	Kind    string        // registered packet kind of Payload
	Payload holder.Holder // files are bound in place
}

// Config configures a Runner.
type Config struct {
	Grid       Submitter
	Translator holder.SenderTranslator
	Hub        *reply.Hub
	Store      *packet.Store

	Self     types.DaemonInfo
	Database *types.DaemonInfo
	Peers    map[string]string // daemon id -> transfer address, copied into packets

	WrapperCommand string   // program the grid node runs
	WrapperArgs    []string // followed by --packet <file>

	Queue      string
	MemoryMB   int
	NativeSpec string

	SharedTempDir    string // packet files
	SharedWorkingDir string
	SharedLogDir     string // date based subdirectories are created per job

	WorkerConfig map[string]string

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Runner dispatches requests to the grid.
type Runner struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewRunner validates config and creates a Runner.
func NewRunner(config Config) (*Runner, error) {
	switch {
	case config.Grid == nil:
		return nil, fmt.Errorf("dispatch: no grid submitter configured")
	case config.Translator == nil:
		return nil, fmt.Errorf("dispatch: no file translator configured")
	case config.Hub == nil:
		return nil, fmt.Errorf("dispatch: no reply hub configured")
	case config.WrapperCommand == "":
		return nil, fmt.Errorf("dispatch: no wrapper command configured")
	case config.SharedTempDir == "":
		return nil, fmt.Errorf("dispatch: no shared temp directory configured")
	}
	if config.Store == nil {
		config.Store = packet.NewStore()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		config:  config,
		logger:  logger.With("component", "dispatch"),
		metrics: config.Metrics,
		now:     time.Now,
	}, nil
}

// Dispatch submits req and returns once the scheduler accepted it. The
// terminal outcome arrives later through resp. On error the same error has
// already been delivered to resp.Complete.
func (r *Runner) Dispatch(ctx context.Context, req Request, resp Responder) error {
	out := &onceResponder{Responder: resp}
	path := packet.NewPath(r.config.SharedTempDir, r.config.Queue)
	channel := r.config.Hub.Open(func(m reply.Message) { out.Progress(m) })

	fail := func(stage string, err error) error {
		r.config.Store.Remove(path) //nolint:errcheck // best effort
		channel.Release()
		derr := &DispatchError{Stage: stage, Packet: path, Err: err}
		r.logger.Error("Dispatch failed", "stage", stage, "packet", path, "error", err)
		r.metrics.RecordDispatch("rejected")
		out.Complete(derr)
		return derr
	}

	if req.Payload == nil {
		return fail("prepare", fmt.Errorf("request carries no payload"))
	}
	if err := holder.Prepare(req.Payload, r.config.Translator); err != nil {
		return fail("prepare", err)
	}

	env := &packet.Envelope{
		Origin:        r.config.Self,
		Database:      r.config.Database,
		Peers:         r.config.Peers,
		Reply:         channel.Descriptor(),
		WorkerConfig:  r.config.WorkerConfig,
		SharedTempDir: r.config.SharedTempDir,
	}
	if err := env.SetPayload(req.Kind, req.Payload); err != nil {
		return fail("encode", err)
	}
	if err := r.config.Store.Write(path, env); err != nil {
		return fail("write", err)
	}

	job := r.job(path)
	acked := make(chan struct{})
	job.OnComplete(func(j *jobmanager.JobDescription) {
		<-acked
		r.complete(j, channel, path, out)
	})

	jobID, err := r.config.Grid.Submit(ctx, job)
	if err != nil {
		close(acked)
		return fail("submit", err)
	}

	r.logger.Info("Dispatched to grid", "jobID", jobID, "kind", req.Kind, "packet", path)
	r.metrics.RecordDispatch("submitted")
	out.Progress(types.AssignedTaskData{
		JobID:     jobID,
		OutputLog: job.OutputLogPath(),
		ErrorLog:  job.ErrorLogPath(),
	})
	close(acked)
	return nil
}

func (r *Runner) job(packetPath string) *jobmanager.JobDescription {
	args := make([]string, 0, len(r.config.WrapperArgs)+2)
	args = append(args, r.config.WrapperArgs...)
	args = append(args, PacketFlag, packetPath)

	job := jobmanager.NewJob(r.config.WrapperCommand, args...)
	job.Queue = r.config.Queue
	job.MemoryMB = r.config.MemoryMB
	job.NativeSpec = r.config.NativeSpec
	job.WorkingDir = r.config.SharedWorkingDir
	if r.config.SharedLogDir != "" {
		job.LogDir = dateDir(r.config.SharedLogDir, r.now())
	}
	return job
}

// dateDir is <root>/<yyyy>/<mm>/<dd>.
func dateDir(root string, t time.Time) string {
	return filepath.Join(root, t.Format("2006"), t.Format("01"), t.Format("02"))
}

func (r *Runner) complete(job *jobmanager.JobDescription, channel *reply.Channel, path string, out *onceResponder) {
	var err error
	switch remote := channel.LastError(); {
	case remote != nil:
		err = remote
	case job.State() == types.JobFailed:
		err = job.Err()
	}

	channel.Release()
	if rmErr := r.config.Store.Remove(path); rmErr != nil {
		r.logger.Warn("Failed to delete packet", "packet", path, "error", rmErr)
	}

	if err != nil {
		r.metrics.RecordDispatch("failed")
		r.logger.Info("Grid job failed", "packet", path, "error", err)
	} else {
		r.metrics.RecordDispatch("succeeded")
	}
	out.Complete(err)
}

// onceResponder drops everything after the first Complete. Calls are
// delivered under mu, so the wrapped Responder sees them serialized and never
// gets a Progress after Complete. It must not call back into o.
type onceResponder struct {
	Responder

	mu   sync.Mutex
	done bool
}

func (o *onceResponder) Progress(info interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.done && o.Responder != nil {
		o.Responder.Progress(info)
	}
}

func (o *onceResponder) Complete(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return
	}
	o.done = true
	if o.Responder != nil {
		o.Responder.Complete(err)
	}
}
