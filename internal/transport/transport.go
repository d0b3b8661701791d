// Package transport defines the narrow interface to the external blob
// transport TeleCloud parks chunks in, along with the error taxonomy the
// pipelines classify failures with.
//
// The transport is used purely as a bytes-in/bytes-out blob store: it accepts
// a payload and hands back an opaque reference, and can later return or
// discard the payload for that reference. All business logic (ordering,
// integrity, manifest consistency) lives above this interface.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// BlobRef is an opaque handle to a stored payload, meaningful only to the
// transport that issued it.
type BlobRef string

// Transport is the capability contract every blob backend implements.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Send stores the payload and returns its reference.
	Send(ctx context.Context, payload []byte) (BlobRef, error)

	// Fetch returns the payload for the given reference. Returns ErrNotFound
	// if the transport no longer holds the blob.
	Fetch(ctx context.Context, ref BlobRef) ([]byte, error)

	// Delete removes the blob. Returns ErrNotFound if the blob is already
	// absent; callers treat that as success since the desired end state holds.
	Delete(ctx context.Context, ref BlobRef) error

	// Ping verifies the transport is reachable.
	Ping(ctx context.Context) error
}

// ErrNotFound indicates the transport does not hold a blob for the given
// reference.
var ErrNotFound = errors.New("blob not found")

// Error is a transport failure. Transient errors (rate limits, timeouts)
// are safe to retry with backoff; non-transient errors (rejected payload,
// failed authentication) propagate immediately.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("transport %s: %s: %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transport error worth retrying.
func IsTransient(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Transient
}
