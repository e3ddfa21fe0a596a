package filetoken

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-grid/pkg/types"
)

func TestCreateReferenceIsAnonymousAndCanonical(t *testing.T) {
	dir := tempDir(t)
	file := filepath.Join(dir, "a", "x.raw")
	writeFile(t, file, "x")

	tok := CreateReference(filepath.Join(dir, "a", "..", "a", ".", "x.raw"))
	assert.True(t, tok.IsAnonymous())
	assert.Equal(t, filepath.ToSlash(file), tok.Path)
}

func TestCreateReferenceDirectoryHasTrailingSlash(t *testing.T) {
	dir := tempDir(t)
	tok := CreateReference(dir)
	assert.Equal(t, filepath.ToSlash(dir)+"/", tok.Path)
	assert.Equal(t, tok.Path, CanonicalPath(tok.Path))
}

func TestCreateReferenceResolvesSymlinks(t *testing.T) {
	dir := tempDir(t)
	real := filepath.Join(dir, "real")
	require.NoError(t, os.MkdirAll(real, 0o755))
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	// The file does not exist yet; its existing ancestor is still resolved.
	tok := CreateReference(filepath.Join(link, "future.out"))
	assert.Equal(t, filepath.ToSlash(filepath.Join(real, "future.out")), tok.Path)
}

func TestCreateReferenceEmptyPath(t *testing.T) {
	tok := CreateReference("")
	assert.True(t, tok.IsZero())
}

func TestTokenKind(t *testing.T) {
	src := &types.DaemonInfo{ID: "a"}

	kind, rest, err := Token{Source: src, Path: "shared:/runs/x.raw"}.Kind()
	require.NoError(t, err)
	assert.Equal(t, KindShared, kind)
	assert.Equal(t, "/runs/x.raw", rest)

	kind, rest, err = Token{Source: src, Path: "local:/home/x.raw"}.Kind()
	require.NoError(t, err)
	assert.Equal(t, KindLocal, kind)
	assert.Equal(t, "/home/x.raw", rest)

	_, _, err = Token{Source: src, Path: "remote:/x"}.Kind()
	assert.ErrorIs(t, err, ErrMalformedToken)
	var malformed *MalformedTokenError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "remote:/x", malformed.Path)
}

func TestTokenEquality(t *testing.T) {
	a := Token{Source: &types.DaemonInfo{ID: "a", SharedPath: "/s"}, Path: "shared:/x"}
	sameA := Token{Source: &types.DaemonInfo{ID: "a", SharedPath: "/s"}, Path: "shared:/x"}
	otherMount := Token{Source: &types.DaemonInfo{ID: "a", SharedPath: "/t"}, Path: "shared:/x"}
	anonymous := Token{Path: "shared:/x"}

	assert.True(t, a.Equal(sameA))
	assert.False(t, a.Equal(otherMount))
	assert.False(t, a.Equal(anonymous))
	assert.True(t, anonymous.Equal(Token{Path: "shared:/x"}))

	slashed := Token{Source: &types.DaemonInfo{ID: "a", SharedPath: "/s/"}, Path: "shared:/x"}
	assert.True(t, a.Equal(slashed))
}

func TestWithPrefixAddsLeadingSlash(t *testing.T) {
	assert.Equal(t, "shared:/runs/x", withPrefix(SharedPrefix, "runs/x"))
	assert.Equal(t, "local:/runs/x", withPrefix(LocalPrefix, "/runs/x"))
}

func TestFromTokenPathHandlesDriveLetters(t *testing.T) {
	assert.Equal(t, filepath.FromSlash("C:/data/x"), fromTokenPath("/C:/data/x"))
	assert.Equal(t, filepath.FromSlash("/data/x"), fromTokenPath("/data/x"))
	assert.Equal(t, "/data/x", stripDriveRoot("/c:/data/x"))
	assert.Equal(t, "/data/x", stripDriveRoot("/data/x"))
}
