package filetoken

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedToken indicates a token path without a recognised prefix.
	ErrMalformedToken = errors.New("filetoken: malformed token")

	// ErrUnsupportedTransfer indicates a non-shared file would have to cross
	// daemons implicitly. Only explicit upload/download moves such files.
	ErrUnsupportedTransfer = errors.New("filetoken: transfer of non-shared files between daemons is not supported")

	// ErrSynchronization indicates an I/O failure during an explicit transfer.
	ErrSynchronization = errors.New("filetoken: synchronization failed")

	// ErrConfiguration indicates the factory lacks something it needs.
	ErrConfiguration = errors.New("filetoken: configuration error")

	// ErrRemoteNotFound is returned by backends when the remote file does not
	// exist (yet). Resolution treats it as a file still to be produced.
	ErrRemoteNotFound = errors.New("filetoken: remote file does not exist")
)

// MalformedTokenError describes a token that could not be classified.
type MalformedTokenError struct {
	Path   string // offending token path
	Reason string
}

func (e *MalformedTokenError) Error() string {
	return fmt.Sprintf("filetoken: malformed token %q: %s", e.Path, e.Reason)
}

func (e *MalformedTokenError) Is(target error) bool {
	return target == ErrMalformedToken
}

// UnsupportedTransferError names the file that could not be bound.
type UnsupportedTransferError struct {
	Path   string
	Daemon string // daemon the file was to be bound to
}

func (e *UnsupportedTransferError) Error() string {
	return fmt.Sprintf("filetoken: cannot bind %s to daemon %s: no shared storage and not its own file", e.Path, e.Daemon)
}

func (e *UnsupportedTransferError) Is(target error) bool {
	return target == ErrUnsupportedTransfer
}

// SynchronizationError wraps the backend failure of an explicit transfer.
type SynchronizationError struct {
	Op     string // "upload" or "download"
	Token  Token
	Remote string // remote path on the token's origin
	Err    error
}

func (e *SynchronizationError) Error() string {
	daemon := "<anonymous>"
	if e.Token.Source != nil {
		daemon = e.Token.Source.ID
	}
	return fmt.Sprintf("filetoken: %s of %s (daemon %s) failed: %v", e.Op, e.Remote, daemon, e.Err)
}

func (e *SynchronizationError) Unwrap() error {
	return e.Err
}

func (e *SynchronizationError) Is(target error) bool {
	return target == ErrSynchronization
}

func configurationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
