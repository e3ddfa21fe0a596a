package holder

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnsupportedShape indicates a holder declares a file-bearing shape
	// that cannot be translated, such as a file-keyed map or a cycle.
	ErrUnsupportedShape = errors.New("holder: unsupported message shape")

	// ErrMissingFile indicates expected files did not appear in time.
	ErrMissingFile = errors.New("holder: expected file missing")
)

// UnsupportedShapeError names the offending field.
type UnsupportedShapeError struct {
	Field  string
	Reason string
}

func (e *UnsupportedShapeError) Error() string {
	return fmt.Sprintf("holder: unsupported shape at field %q: %s", e.Field, e.Reason)
}

func (e *UnsupportedShapeError) Is(target error) bool {
	return target == ErrUnsupportedShape
}

// MissingFileError lists the files that were still absent when the wait for
// received files timed out.
type MissingFileError struct {
	Paths   []string
	Timeout time.Duration
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("holder: files did not appear within %s: %s", e.Timeout, strings.Join(e.Paths, ", "))
}

func (e *MissingFileError) Is(target error) bool {
	return target == ErrMissingFile
}
