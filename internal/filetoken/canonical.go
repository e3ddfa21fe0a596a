package filetoken

import (
	"os"
	"path/filepath"
	"strings"
)

// CanonicalPath returns the canonical form of path used inside tokens:
// absolute, symlinks and ./.. resolved, forward slashes only, and a trailing
// slash when path names an existing directory.
//
// Paths that do not exist yet are resolved through their longest existing
// ancestor, so a reference to a future output file still ends up canonical.
func CanonicalPath(path string) string {
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	resolved := resolveExisting(abs)

	slashed := filepath.ToSlash(resolved)
	if info, err := os.Stat(resolved); err == nil && info.IsDir() && !strings.HasSuffix(slashed, "/") {
		slashed += "/"
	}
	return slashed
}

func resolveExisting(abs string) string {
	var rest []string
	p := abs
	for {
		if r, err := filepath.EvalSymlinks(p); err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				r = filepath.Join(r, rest[i])
			}
			return r
		}
		parent := filepath.Dir(p)
		if parent == p {
			return abs
		}
		rest = append(rest, filepath.Base(p))
		p = parent
	}
}

// fromTokenPath turns the raw remainder of a local token back into an OS
// path. Tokens minted on Windows carry "/C:/..." style remainders.
func fromTokenPath(p string) string {
	if len(p) >= 3 && p[0] == '/' && p[2] == ':' && isDriveLetter(p[1]) {
		p = p[1:]
	}
	return filepath.FromSlash(p)
}

// stripDriveRoot removes a drive-letter root ("C:", "/C:") so the remainder
// can be mirrored under a staging directory.
func stripDriveRoot(p string) string {
	s := strings.TrimPrefix(p, "/")
	if len(s) >= 2 && s[1] == ':' && isDriveLetter(s[0]) {
		return s[2:]
	}
	return p
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
