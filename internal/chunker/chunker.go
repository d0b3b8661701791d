// Package chunker implements the chunk codec: size-driven splitting of a byte
// stream into bounded chunks with content checksums, and the reverse streaming
// concatenation used during reassembly.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Chunk is one fragment of a split stream. Index is the 0-based position of
// the chunk in the original stream; Checksum is the SHA-256 hex digest of the
// raw payload, computed before any transport encoding.
type Chunk struct {
	Index    int
	Payload  []byte
	Checksum string
}

// Splitter reads a stream and emits chunks of at most maxChunkSize bytes on
// demand. Chunks are produced lazily so an upload pipeline can overlap
// splitting with sending without buffering the whole stream.
//
// A zero-byte stream yields exactly one zero-byte chunk: every stored file has
// at least one chunk, which keeps the manifest invariants uniform instead of
// special-casing empty files.
type Splitter struct {
	r       io.Reader
	max     int64
	next    int
	done    bool
	emitted bool
}

// NewSplitter creates a Splitter over r with the given maximum chunk size.
// maxChunkSize must be positive.
func NewSplitter(r io.Reader, maxChunkSize int64) (*Splitter, error) {
	if maxChunkSize <= 0 {
		return nil, fmt.Errorf("max chunk size must be positive, got %d", maxChunkSize)
	}
	return &Splitter{r: r, max: maxChunkSize}, nil
}

// Next returns the next chunk of the stream, or io.EOF once the stream is
// exhausted. Any other error is a read failure from the underlying stream.
func (s *Splitter) Next() (*Chunk, error) {
	if s.done {
		return nil, io.EOF
	}

	buf := make([]byte, s.max)
	n, err := io.ReadFull(s.r, buf)
	switch err {
	case nil:
		// Full chunk; more may follow.
	case io.ErrUnexpectedEOF:
		s.done = true
	case io.EOF:
		s.done = true
		if s.emitted {
			return nil, io.EOF
		}
		// Empty stream: emit the single zero-byte chunk.
		n = 0
	default:
		s.done = true
		return nil, fmt.Errorf("reading chunk %d: %w", s.next, err)
	}

	payload := buf[:n]
	c := &Chunk{
		Index:    s.next,
		Payload:  payload,
		Checksum: Checksum(payload),
	}
	s.next++
	s.emitted = true
	return c, nil
}

// Checksum returns the SHA-256 hex digest of the given payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the payload matches the expected checksum.
func Verify(payload []byte, expected string) bool {
	return Checksum(payload) == expected
}

// Count returns the number of chunks a stream of totalSize bytes splits into
// under the given maximum chunk size. A zero-byte stream counts as one chunk.
func Count(totalSize, maxChunkSize int64) int {
	if totalSize <= 0 {
		return 1
	}
	return int((totalSize + maxChunkSize - 1) / maxChunkSize)
}

// Join streams the payloads from each reader, in order, into dst. It is the
// inverse of splitting: concatenating all chunk payloads in index order
// reproduces the original stream byte for byte.
func Join(dst io.Writer, parts ...io.Reader) (int64, error) {
	var written int64
	for i, p := range parts {
		n, err := io.Copy(dst, p)
		written += n
		if err != nil {
			return written, fmt.Errorf("joining part %d: %w", i, err)
		}
	}
	return written, nil
}
