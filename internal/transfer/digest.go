package transfer

import (
	"crypto/sha256"
	"hash"
	"io"
	"os"

	"github.com/multiformats/go-multihash"
)

// digest accumulates a SHA2-256 multihash over streamed chunks.
type digest struct {
	h hash.Hash
	n int64
}

func newDigest() *digest {
	return &digest{h: sha256.New()}
}

func (d *digest) Write(p []byte) (int, error) {
	d.n += int64(len(p))
	return d.h.Write(p)
}

// Hex returns the multihash of everything written so far, hex encoded.
func (d *digest) Hex() (string, error) {
	mh, err := multihash.Encode(d.h.Sum(nil), multihash.SHA2_256)
	if err != nil {
		return "", err
	}
	return multihash.Multihash(mh).HexString(), nil
}

// FileDigest returns the hex multihash of the file at path.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	d := newDigest()
	if _, err := io.Copy(d, f); err != nil {
		return "", err
	}
	return d.Hex()
}
