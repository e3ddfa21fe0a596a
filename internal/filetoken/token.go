package filetoken

import (
	"strings"

	"github.com/ChuLiYu/beaver-grid/pkg/types"
)

// Token path prefixes. Every bound token path starts with one of them.
const (
	SharedPrefix = "shared:"
	LocalPrefix  = "local:"
)

// Kind is the classification of a bound token.
type Kind int

const (
	KindShared Kind = iota + 1 // path relative to the origin's shared space
	KindLocal                  // absolute path on the origin daemon
)

func (k Kind) String() string {
	switch k {
	case KindShared:
		return "shared"
	case KindLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Token is an immutable, serialisable reference to a file on some daemon.
//
// A token without Source is anonymous: it has been created by whoever first
// needed a reference and still carries the raw canonical path. Tokens are
// bound to a daemon right before they cross a process boundary.
type Token struct {
	Source *types.DaemonInfo `yaml:"source,omitempty" json:"source,omitempty"`
	Path   string            `yaml:"path" json:"path"`
}

// CreateReference returns an anonymous token for path.
func CreateReference(path string) Token {
	return Token{Path: CanonicalPath(path)}
}

// IsAnonymous reports whether the token has not been bound yet.
func (t Token) IsAnonymous() bool {
	return t.Source == nil
}

// IsZero reports whether the token refers to nothing.
func (t Token) IsZero() bool {
	return t.Source == nil && t.Path == ""
}

// Equal compares origin daemon and path.
func (t Token) Equal(other Token) bool {
	if t.Path != other.Path {
		return false
	}
	if t.Source == nil || other.Source == nil {
		return t.Source == nil && other.Source == nil
	}
	return t.Source.Equal(*other.Source)
}

// Kind splits a bound token path into its classification and remainder.
func (t Token) Kind() (Kind, string, error) {
	switch {
	case strings.HasPrefix(t.Path, SharedPrefix):
		return KindShared, t.Path[len(SharedPrefix):], nil
	case strings.HasPrefix(t.Path, LocalPrefix):
		return KindLocal, t.Path[len(LocalPrefix):], nil
	default:
		return 0, "", &MalformedTokenError{Path: t.Path, Reason: "expected " + SharedPrefix + " or " + LocalPrefix + " prefix"}
	}
}

// OnSharedPath reports whether the token path is classified shared.
func (t Token) OnSharedPath() bool {
	return strings.HasPrefix(t.Path, SharedPrefix)
}

func (t Token) String() string {
	if t.Source == nil {
		return "no daemon assigned, token path: " + t.Path
	}
	return "daemon id: " + t.Source.ID + ", shared path: " + t.Source.SharedPath + ", token path: " + t.Path
}

func withPrefix(prefix, path string) string {
	if strings.HasPrefix(path, "/") {
		return prefix + path
	}
	return prefix + "/" + path
}

func newToken(daemon types.DaemonInfo, path string) Token {
	d := daemon
	return Token{Source: &d, Path: path}
}
