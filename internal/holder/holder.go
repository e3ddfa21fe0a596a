// ============================================================================
// Beaver-Grid Holder - File Reference Translation for Messages
// ============================================================================
//
// Package: internal/holder
// File: holder.go
// Function: Converts file paths embedded in a message to tokens before it is
//           sent, and back to local paths after it is received
//
// A holder embeds Base and declares its file-bearing locations in
// VisitFiles. Nothing is discovered by reflection.
//
//   sender:   Prepare(h, factory)          paths  -> Base.Tokens
//   wire:     the holder, Base.Tokens authoritative for every file slot
//   receiver: Restore(ctx, h, factory, factory)
//             Base.Tokens -> local paths, wait until expected files exist
//
// ============================================================================

package holder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/ChuLiYu/beaver-grid/internal/filetoken"
)

const (
	// DefaultFileWaitTimeout bounds the wait for files a sender claimed exist.
	DefaultFileWaitTimeout = 2 * time.Minute
	// DefaultPollInterval is the granularity of that wait.
	DefaultPollInterval = 100 * time.Millisecond
)

// SenderTranslator binds paths to the sending daemon.
type SenderTranslator interface {
	BindForTransfer(t filetoken.Token) (filetoken.Token, error)
}

// ReceiverTranslator resolves received tokens to local paths.
type ReceiverTranslator interface {
	ResolveToLocalFile(ctx context.Context, t filetoken.Token) (string, error)
}

// Synchronizer pushes files produced on the receiver back to their origin.
type Synchronizer interface {
	UploadAndWait(ctx context.Context, t filetoken.Token) error
}

// Holder is a message that carries file paths.
type Holder interface {
	// VisitFiles declares every file-bearing location of the message.
	VisitFiles(w *Walker)

	base() *Base
}

// AfterWorkSynchronizer is implemented by holders that must push files back
// to the sender once the receiver's work is done.
type AfterWorkSynchronizer interface {
	SynchronizeAfterWork(ctx context.Context) error
}

// TokenEntry is one row of the wire side table.
type TokenEntry struct {
	Location  FieldLocation   `yaml:"location" json:"location"`
	Token     filetoken.Token `yaml:"token" json:"token"`
	MustExist bool            `yaml:"must_exist,omitempty" json:"must_exist,omitempty"`
}

// Base is embedded by every holder.
type Base struct {
	Tokens []TokenEntry `yaml:"file_tokens,omitempty" json:"file_tokens,omitempty"`

	received map[string]filetoken.Token
	sync     Synchronizer
}

func (b *Base) base() *Base { return b }

// UploadAndWait pushes the file received at loc back to its origin.
func (b *Base) UploadAndWait(ctx context.Context, loc FieldLocation) error {
	if b.sync == nil {
		return fmt.Errorf("holder: %s: not restored with a synchronizer", loc)
	}
	t, ok := b.received[loc.String()]
	if !ok {
		return fmt.Errorf("holder: %s: no file token received", loc)
	}
	return b.sync.UploadAndWait(ctx, t)
}

// ============================================================================
// Sending
// ============================================================================

// Prepare binds every declared file of h and its nested holders and stores
// the results as their side tables. Nothing is written unless the whole
// graph translates.
func Prepare(h Holder, tr SenderTranslator) error {
	p := &preparer{
		tr:       tr,
		pending:  make(map[*Base][]TokenEntry),
		visiting: make(map[*Base]bool),
	}
	if err := p.prepare(h); err != nil {
		return err
	}
	for b, entries := range p.pending {
		b.Tokens = entries
	}
	return nil
}

type preparer struct {
	tr       SenderTranslator
	pending  map[*Base][]TokenEntry
	visiting map[*Base]bool
}

func (p *preparer) prepare(h Holder) error {
	b := h.base()
	if p.visiting[b] {
		return &UnsupportedShapeError{Field: fmt.Sprintf("%T", h), Reason: "holder graph contains a cycle"}
	}
	if _, done := p.pending[b]; done {
		return nil
	}
	p.visiting[b] = true
	defer delete(p.visiting, b)

	w, err := walk(h)
	if err != nil {
		return err
	}

	entries := make([]TokenEntry, 0, len(w.slots))
	for _, s := range w.slots {
		path := string(s.get())
		if path == "" {
			continue
		}
		t, err := p.tr.BindForTransfer(filetoken.CreateReference(path))
		if err != nil {
			return fmt.Errorf("holder: prepare %s: %w", s.loc, err)
		}
		_, statErr := os.Stat(path)
		entries = append(entries, TokenEntry{Location: s.loc, Token: t, MustExist: statErr == nil})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Location.less(entries[j].Location)
	})
	p.pending[b] = entries

	for _, n := range w.nested {
		if err := p.prepare(n.holder); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Receiving
// ============================================================================

type restoreOptions struct {
	timeout time.Duration
	poll    time.Duration
	logger  *slog.Logger
}

// Option configures Restore.
type Option func(*restoreOptions)

// FileWaitTimeout bounds the wait for expected files.
func FileWaitTimeout(d time.Duration) Option {
	return func(o *restoreOptions) { o.timeout = d }
}

// PollInterval sets how often expected files are checked.
func PollInterval(d time.Duration) Option {
	return func(o *restoreOptions) { o.poll = d }
}

// WithLogger sets the logger used while waiting.
func WithLogger(l *slog.Logger) Option {
	return func(o *restoreOptions) { o.logger = l }
}

// Restore writes local paths for every received token back into h and its
// nested holders, then blocks until every file the sender saw on disk is
// observable here.
func Restore(ctx context.Context, h Holder, tr ReceiverTranslator, sync Synchronizer, opts ...Option) error {
	o := restoreOptions{
		timeout: DefaultFileWaitTimeout,
		poll:    DefaultPollInterval,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	var expected []string
	if err := restore(ctx, h, tr, sync, &expected, make(map[*Base]bool)); err != nil {
		return err
	}
	return waitForFiles(ctx, expected, o)
}

func restore(ctx context.Context, h Holder, tr ReceiverTranslator, sync Synchronizer, expected *[]string, seen map[*Base]bool) error {
	b := h.base()
	if seen[b] {
		return nil
	}
	seen[b] = true

	w, err := walk(h)
	if err != nil {
		return err
	}
	slots := make(map[string]slot, len(w.slots))
	for _, s := range w.slots {
		slots[s.loc.String()] = s
	}

	received := make(map[string]filetoken.Token, len(b.Tokens))
	for _, e := range b.Tokens {
		key := e.Location.String()
		s, ok := slots[key]
		if !ok {
			return &UnsupportedShapeError{Field: key, Reason: "no such file location on the receiving message"}
		}
		path, err := tr.ResolveToLocalFile(ctx, e.Token)
		if err != nil {
			return fmt.Errorf("holder: restore %s: %w", key, err)
		}
		s.set(File(path))
		received[key] = e.Token
		if e.MustExist {
			*expected = append(*expected, path)
		}
	}
	b.Tokens = nil
	b.received = received
	b.sync = sync

	for _, n := range w.nested {
		if err := restore(ctx, n.holder, tr, sync, expected, seen); err != nil {
			return err
		}
	}
	return nil
}

func waitForFiles(ctx context.Context, paths []string, o restoreOptions) error {
	if len(paths) == 0 {
		return nil
	}
	deadline := time.Now().Add(o.timeout)
	lastNotice := time.Now()
	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	for {
		missing := missingFiles(paths)
		if len(missing) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return &MissingFileError{Paths: missing, Timeout: o.timeout}
		}
		if time.Since(lastNotice) > 5*time.Second {
			o.logger.Debug("Waiting for files to appear", "missing", missing, "timeout", o.timeout)
			lastNotice = time.Now()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func missingFiles(paths []string) []string {
	var missing []string
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			missing = append(missing, p)
		}
	}
	return missing
}

// SynchronizeAfterWork runs the holder's after-work hook, if it has one.
func SynchronizeAfterWork(ctx context.Context, h Holder) error {
	s, ok := h.(AfterWorkSynchronizer)
	if !ok {
		return nil
	}
	return s.SynchronizeAfterWork(ctx)
}
