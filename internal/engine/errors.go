// Package engine drives the chunked storage pipelines: ingesting a byte
// stream into transport blobs plus a committed manifest, streaming it back
// out byte-exact, and walking files through their lifecycle states.
package engine

import (
	"errors"
	"fmt"
)

// ErrFileNotAvailable indicates the requested file does not resolve to an
// ACTIVE file visible to the requesting owner. Missing files, files in the
// wrong state, and cross-owner requests all collapse into this error so the
// caller learns nothing about files it does not own.
var ErrFileNotAvailable = errors.New("file not available")

// ErrInvalidState indicates a lifecycle transition was attempted from a state
// that does not allow it.
var ErrInvalidState = errors.New("invalid lifecycle state")

// IntegrityError indicates a fetched chunk failed checksum verification even
// after the one re-fetch hedge. The stored manifest is not at fault; the file
// stays ACTIVE.
type IntegrityError struct {
	FileID        string
	SequenceIndex int
	Err           error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity failure on chunk %d of file %s: %v", e.SequenceIndex, e.FileID, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// UploadIncompleteError indicates one or more chunks failed after retries.
// Compensating cleanup has already run: every successfully sent blob was
// best-effort deleted and the provisional manifest rows removed.
type UploadIncompleteError struct {
	FileID        string
	FailedIndices []int
	Err           error
}

func (e *UploadIncompleteError) Error() string {
	return fmt.Sprintf("upload of file %s incomplete, failed chunks %v: %v", e.FileID, e.FailedIndices, e.Err)
}

func (e *UploadIncompleteError) Unwrap() error { return e.Err }
