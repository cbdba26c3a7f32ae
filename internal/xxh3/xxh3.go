// Package xxh3 provides the streaming 64-bit checksum used end-to-end by
// the PUT and GET protocols: a write-as-you-stream hash.Hash64 wrapping
// github.com/cespare/xxhash/v2, rendered on the wire and on disk as a
// lowercase 16-hex-digit string.
package xxh3

import (
	"encoding/hex"
	"hash"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Digest is a streaming checksum accumulator. The zero value is not
// usable; construct with New.
type Digest struct {
	h hash.Hash64
}

// New returns a fresh streaming digest.
func New() *Digest {
	return &Digest{h: xxhash.New()}
}

// Write feeds bytes into the running checksum. It never returns an error.
func (d *Digest) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// Sum returns the checksum so far as a lowercase 16-hex-digit string,
// matching the on-disk sidecar format.
func (d *Digest) Sum() string {
	return formatSum(d.h.Sum64())
}

// SumReader consumes r to EOF and returns its checksum, streaming rather
// than buffering the whole input in memory.
func SumReader(r io.Reader) (string, error) {
	d := New()
	if _, err := io.Copy(d, r); err != nil {
		return "", err
	}
	return d.Sum(), nil
}

func formatSum(v uint64) string {
	var b [8]byte
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
	return hex.EncodeToString(b[:])
}
