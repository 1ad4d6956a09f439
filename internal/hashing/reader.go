// Package hashing computes checksums of data while it is read.
package hashing

import (
	"hash"
	"io"
)

// A Reader hashes and counts all data read from the underlying reader.
type Reader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewReader returns a reader that feeds everything read from r into h.
func NewReader(r io.Reader, h hash.Hash) *Reader {
	return &Reader{r: r, h: h}
}

// Read reads from the underlying reader and feeds the hash.
func (h *Reader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		// hash.Hash never returns an error
		_, _ = h.h.Write(p[:n])
		h.n += int64(n)
	}
	return n, err
}

// Sum appends the hash of the data read so far to d.
func (h *Reader) Sum(d []byte) []byte {
	return h.h.Sum(d)
}

// Count returns the number of bytes read so far.
func (h *Reader) Count() int64 {
	return h.n
}
