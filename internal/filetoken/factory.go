// ============================================================================
// Beaver-Grid File Token Factory
// ============================================================================
//
// Package: internal/filetoken
// File: factory.go
// Function: Creates, binds, re-homes and resolves file tokens for one daemon
//
// Token lifecycle:
//   1. CreateReference - anonymous token, no daemon attached
//   2. BindForTransfer - classify against the sending daemon right before the
//      token leaves the process ("shared:<rel>" or "local:<abs>")
//   3. ResolveToLocalFile - on the receiver, map the token to a local path,
//      staging a copy through the transfer backend when storage is not shared
//   4. Upload / Download - explicit synchronisation of staged copies with the
//      token's origin
//
// Staging layout:
//   <staging root>/<origin daemon id>/<path relative to origin>
//
// ============================================================================

package filetoken

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/ChuLiYu/beaver-grid/internal/worker"
	"github.com/ChuLiYu/beaver-grid/pkg/types"
)

// DefaultStagingDirName is created under the OS temp directory when no
// staging root is configured.
const DefaultStagingDirName = "localFileSharingRepository"

// Handle tracks one transfer started by a Backend.
type Handle interface {
	// Await blocks until the transfer finishes and returns its error.
	Await() error
}

// Backend moves files between daemons that do not share storage.
type Backend interface {
	UploadFile(ctx context.Context, destDaemonID, localPath, remotePath string) (Handle, error)
	UploadFolder(ctx context.Context, destDaemonID, localPath, remotePath string) (Handle, error)
	DownloadFile(ctx context.Context, srcDaemonID, localPath, remotePath string) (Handle, error)
}

// Config configures a Factory.
type Config struct {
	Self     types.DaemonInfo  // the daemon this factory runs in
	Database *types.DaemonInfo // designated database daemon, optional
	Backend  Backend           // required only for non-shared cross-daemon files

	StagingRoot     string        // defaults to $TMPDIR/localFileSharingRepository
	PoolSize        int           // background synchronisation workers, default 4
	TransferTimeout time.Duration // per background transfer, zero means none
	LockRetry       time.Duration // poll interval for staged-file locks

	Logger *slog.Logger
}

// Factory is the per-daemon token translator and synchronizer.
type Factory struct {
	self        types.DaemonInfo
	database    *types.DaemonInfo
	backend     Backend
	stagingRoot string
	timeout     time.Duration
	lockRetry   time.Duration
	pool        *worker.Pool
	drained     chan struct{}
	logger      *slog.Logger
}

// NewFactory validates cfg, prepares the staging root and starts the
// background synchronisation pool.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Self.ID == "" {
		return nil, configurationError("daemon id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	self := canonicalDaemon(cfg.Self)
	var database *types.DaemonInfo
	if cfg.Database != nil {
		db := canonicalDaemon(*cfg.Database)
		database = &db
	}

	root := cfg.StagingRoot
	if root == "" {
		root = filepath.Join(os.TempDir(), DefaultStagingDirName)
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve staging root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}

	size := cfg.PoolSize
	if size <= 0 {
		size = worker.DefaultSize
	}
	lockRetry := cfg.LockRetry
	if lockRetry <= 0 {
		lockRetry = 50 * time.Millisecond
	}

	f := &Factory{
		self:        self,
		database:    database,
		backend:     cfg.Backend,
		stagingRoot: root,
		timeout:     cfg.TransferTimeout,
		lockRetry:   lockRetry,
		pool:        worker.NewPool(size * 16),
		drained:     make(chan struct{}),
		logger:      logger.With("component", "filetoken", "daemon", self.ID),
	}
	if err := f.pool.Start(size); err != nil {
		return nil, fmt.Errorf("start synchronization pool: %w", err)
	}
	go f.drainResults()

	f.logger.Info("File token factory ready",
		"shared_path", self.SharedPath,
		"staging_root", root,
		"sync_workers", size)
	return f, nil
}

// Self returns the identity of the daemon this factory serves.
func (f *Factory) Self() types.DaemonInfo {
	return f.self
}

// StagingRoot returns the directory remote files are staged under.
func (f *Factory) StagingRoot() string {
	return f.stagingRoot
}

// Close stops the synchronisation pool after queued transfers finish.
func (f *Factory) Close() {
	f.pool.Stop()
	<-f.drained
}

func (f *Factory) drainResults() {
	defer close(f.drained)
	for result := range f.pool.Results() {
		if !result.Success {
			f.logger.Error("Background synchronization failed",
				"task", result.TaskID,
				"duration", result.Duration,
				"error", result.Error)
			continue
		}
		f.logger.Debug("Background synchronization done",
			"task", result.TaskID,
			"duration", result.Duration)
	}
}

// ============================================================================
// Binding and classification
// ============================================================================

// TokenFor returns a token for a file on this daemon, already bound.
func (f *Factory) TokenFor(path string) (Token, error) {
	return f.classify(f.self, CanonicalPath(path))
}

// BindForTransfer binds token to this daemon so it can be sent elsewhere.
func (f *Factory) BindForTransfer(t Token) (Token, error) {
	return f.BindFor(f.self, t)
}

// BindFor binds token to daemon. Anonymous tokens are classified directly;
// bound tokens are first resolved to a local file. Binding a file outside
// daemon's shared space to a daemon other than this one fails with
// ErrUnsupportedTransfer.
func (f *Factory) BindFor(daemon types.DaemonInfo, t Token) (Token, error) {
	if t.IsZero() {
		return Token{}, nil
	}
	path := t.Path
	if !t.IsAnonymous() {
		local, err := f.ResolveToLocalFile(context.Background(), t)
		if err != nil {
			return Token{}, err
		}
		path = CanonicalPath(local)
	}
	return f.classify(daemon, path)
}

// classify implements the shared/local decision for a canonical path.
func (f *Factory) classify(daemon types.DaemonInfo, canonical string) (Token, error) {
	if daemon.HasSharedSpace() {
		root := canonicalDaemon(daemon).SharedRoot()
		if root != "" && strings.HasPrefix(canonical, root+"/") {
			return newToken(daemon, withPrefix(SharedPrefix, canonical[len(root):])), nil
		}
	}
	if sameDaemon(daemon, f.self) {
		return newToken(daemon, withPrefix(LocalPrefix, canonical)), nil
	}
	return Token{}, &UnsupportedTransferError{Path: canonical, Daemon: daemon.ID}
}

// TranslateToken re-homes token so that it is meaningful to target.
//
// Sharing is not assumed to be transitive: unless origin and target both
// declare shared space (shared token) or are the same daemon, the file is
// resolved to a local copy first and a fresh token is minted from it.
func (f *Factory) TranslateToken(t Token, target types.DaemonInfo) (Token, error) {
	if t.IsZero() {
		return Token{}, nil
	}
	if t.IsAnonymous() {
		bound, err := f.classify(f.self, t.Path)
		if err != nil {
			return Token{}, err
		}
		t = bound
	}
	if _, _, err := t.Kind(); err != nil {
		return Token{}, err
	}

	switch {
	case t.Source.HasSharedSpace() && target.HasSharedSpace() && t.OnSharedPath():
		return newToken(target, t.Path), nil
	case sameDaemon(*t.Source, target):
		return newToken(target, t.Path), nil
	}

	local, err := f.ResolveToLocalFile(context.Background(), t)
	if err != nil {
		return Token{}, err
	}
	mine, err := f.classify(f.self, CanonicalPath(local))
	if err != nil {
		return Token{}, err
	}
	switch {
	case mine.OnSharedPath() && target.HasSharedSpace():
		return newToken(target, mine.Path), nil
	case sameDaemon(target, f.self):
		return mine, nil
	default:
		return Token{}, &UnsupportedTransferError{Path: local, Daemon: target.ID}
	}
}

// ============================================================================
// Resolution
// ============================================================================

func (f *Factory) isShared(t Token) bool {
	return f.self.HasSharedSpace() && t.Source.HasSharedSpace() && t.OnSharedPath()
}

func (f *Factory) isLocal(t Token) bool {
	return sameDaemon(*t.Source, f.self)
}

// canonicalDaemon returns d with its shared path in CanonicalPath form.
func canonicalDaemon(d types.DaemonInfo) types.DaemonInfo {
	if d.SharedPath != "" {
		d.SharedPath = CanonicalPath(d.SharedPath)
	}
	return d
}

// sameDaemon compares identities the way the file system sees them: a
// configured "/mnt/shared" and the canonical "/mnt/shared/" are one daemon.
func sameDaemon(a, b types.DaemonInfo) bool {
	return canonicalDaemon(a).Equal(canonicalDaemon(b))
}

// ResolveToLocalFile maps token to a path usable on this daemon. Only tokens
// from daemons without common shared storage cause I/O: their file is staged
// under the origin's directory in the staging root. An already staged copy is
// reused; DownloadAndWait forces a fresh copy.
func (f *Factory) ResolveToLocalFile(ctx context.Context, t Token) (string, error) {
	if t.IsZero() {
		return "", nil
	}
	if t.IsAnonymous() {
		return fromTokenPath(t.Path), nil
	}
	kind, rest, err := t.Kind()
	if err != nil {
		return "", err
	}

	if f.isShared(t) {
		return filepath.FromSlash(f.self.SharedRoot() + rest), nil
	}
	if f.isLocal(t) {
		if kind != KindLocal {
			return "", &MalformedTokenError{Path: t.Path, Reason: "shared token from a daemon without shared space"}
		}
		return fromTokenPath(rest), nil
	}

	staged, err := f.stagedPath(t)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(staged); err == nil {
		return staged, nil
	}
	if err := f.fetch(ctx, t, staged, false); err != nil {
		if errors.Is(err, ErrRemoteNotFound) {
			// Output files are referenced before anyone has written them.
			f.logger.Debug("Remote file not present yet, staging path only", "token", t.Path, "staged", staged)
			return staged, nil
		}
		return "", err
	}
	return staged, nil
}

// stagedPath mirrors the origin's path of t under the staging root.
func (f *Factory) stagedPath(t Token) (string, error) {
	kind, rest, err := t.Kind()
	if err != nil {
		return "", err
	}
	rel := rest
	if kind == KindLocal {
		rel = stripDriveRoot(rel)
	}
	rel = strings.TrimPrefix(rel, "/")
	dir := filepath.Join(f.stagingRoot, t.Source.ID)
	if rel == "" {
		return dir, nil
	}
	return filepath.Join(dir, filepath.FromSlash(rel)), nil
}

// remotePath is the path of t on its origin daemon.
func remotePath(t Token) (string, error) {
	kind, rest, err := t.Kind()
	if err != nil {
		return "", err
	}
	if kind == KindShared {
		return t.Source.SharedRoot() + rest, nil
	}
	return rest, nil
}

// fetch downloads t into staged while holding a lock on the staged path, so
// concurrent resolutions (in this or another process) do not interleave.
func (f *Factory) fetch(ctx context.Context, t Token, staged string, force bool) error {
	if err := os.MkdirAll(filepath.Dir(staged), 0o755); err != nil {
		return &SynchronizationError{Op: "download", Token: t, Remote: t.Path, Err: err}
	}
	lock := flock.New(staged + ".lock")
	locked, err := lock.TryLockContext(ctx, f.lockRetry)
	if err != nil || !locked {
		if err == nil {
			err = errors.New("could not lock staged file")
		}
		return &SynchronizationError{Op: "download", Token: t, Remote: t.Path, Err: err}
	}
	// The lock file is never removed.
	defer lock.Unlock() //nolint:errcheck

	if !force {
		if _, err := os.Stat(staged); err == nil {
			return nil
		}
	}
	return f.transfer(ctx, "download", t, staged)
}

// ============================================================================
// Synchronisation
// ============================================================================

// Upload schedules UploadAndWait on the background pool. Failures are logged.
func (f *Factory) Upload(t Token) error {
	return f.enqueue("upload", t, f.UploadAndWait)
}

// Download schedules DownloadAndWait on the background pool. Failures are
// logged.
func (f *Factory) Download(t Token) error {
	return f.enqueue("download", t, f.DownloadAndWait)
}

func (f *Factory) enqueue(op string, t Token, run func(context.Context, Token) error) error {
	if !f.needsTransfer(t) {
		return nil
	}
	return f.pool.Submit(worker.Task{
		ID:      op + " " + t.Path,
		Run:     func(ctx context.Context) error { return run(ctx, t) },
		Timeout: f.timeout,
	})
}

// UploadAndWait pushes the staged copy of t (a file or a directory tree) back
// to the token's origin. Shared and same-daemon tokens need nothing.
func (f *Factory) UploadAndWait(ctx context.Context, t Token) error {
	if !f.needsTransfer(t) {
		return nil
	}
	staged, err := f.stagedPath(t)
	if err != nil {
		return err
	}
	return f.transfer(ctx, "upload", t, staged)
}

// DownloadAndWait pulls a fresh copy of t from its origin into the staging
// area, replacing any earlier copy.
func (f *Factory) DownloadAndWait(ctx context.Context, t Token) error {
	if !f.needsTransfer(t) {
		return nil
	}
	staged, err := f.stagedPath(t)
	if err != nil {
		return err
	}
	return f.fetch(ctx, t, staged, true)
}

func (f *Factory) needsTransfer(t Token) bool {
	if t.IsZero() || t.IsAnonymous() {
		return false
	}
	return !f.isShared(t) && !f.isLocal(t)
}

func (f *Factory) transfer(ctx context.Context, op string, t Token, local string) error {
	remote, err := remotePath(t)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		return &SynchronizationError{Op: op, Token: t, Remote: remote, Err: err}
	}
	if f.backend == nil {
		return fail(configurationError("no file transfer backend for daemon %s", t.Source.ID))
	}

	var h Handle
	switch op {
	case "upload":
		info, statErr := os.Stat(local)
		if statErr != nil {
			return fail(statErr)
		}
		if info.IsDir() {
			h, err = f.backend.UploadFolder(ctx, t.Source.ID, local, remote)
		} else {
			h, err = f.backend.UploadFile(ctx, t.Source.ID, local, remote)
		}
	default:
		h, err = f.backend.DownloadFile(ctx, t.Source.ID, local, remote)
	}
	if err != nil {
		return fail(err)
	}
	if err := h.Await(); err != nil {
		return fail(err)
	}

	f.logger.Debug("File synchronized", "op", op, "origin", t.Source.ID, "remote", remote, "local", local)
	return nil
}
