// Package manifest defines the persistent record of which chunks belong to
// which file, in what order, with what size, checksum, blob reference and
// status. The manifest store is the single source of truth: a file is only
// ever observable as ACTIVE together with a complete, dense, committed chunk
// set.
package manifest

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/telecloud/telecloud/internal/transport"
)

// FileStatus is the lifecycle state of a stored file.
type FileStatus string

const (
	// FileProvisional is the state between BeginUpload and CommitFile. A
	// provisional file is never listed or downloadable.
	FileProvisional FileStatus = "PROVISIONAL"
	// FileActive is the only state a file can be downloaded in.
	FileActive FileStatus = "ACTIVE"
	// FileTrashed is the soft-deleted state; reversible via restore.
	FileTrashed FileStatus = "TRASHED"
	// FileDeleted is terminal. Reaching it removes the file's rows, so it
	// exists as a state name, not a persisted value.
	FileDeleted FileStatus = "DELETED"
)

// ChunkStatus is the upload state of a single chunk.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "PENDING"
	ChunkUploaded  ChunkStatus = "UPLOADED"
	ChunkCommitted ChunkStatus = "COMMITTED"
	ChunkFailed    ChunkStatus = "FAILED"
)

// FileRecord is the metadata for one logical stored file.
type FileRecord struct {
	ID        string
	OwnerID   string
	Filename  string
	Folder    string // flat tag, not a path
	TotalSize int64  // set at commit; sum of committed chunk sizes
	Status    FileStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChunkRecord is the metadata for one uploaded fragment of a file.
type ChunkRecord struct {
	FileID        string
	SequenceIndex int // 0-based, dense within a file, defines reconstruction order
	Size          int64
	Checksum      string
	BlobRef       transport.BlobRef // empty until the upload succeeds
	Status        ChunkStatus
}

// Errors returned by Store implementations.
var (
	// ErrFileNotFound indicates no file row exists for the given ID.
	ErrFileNotFound = errors.New("file not found")

	// ErrDuplicateSequence indicates a chunk for that (file, sequence index)
	// was already recorded. This guards against duplicate retries writing
	// twice; hitting it in a correct pipeline is a defect signal.
	ErrDuplicateSequence = errors.New("chunk sequence index already recorded")

	// ErrIncomplete indicates CommitFile found a chunk set that does not
	// match the expected count or is not a dense 0..N-1 range. Nothing is
	// mutated when it is returned.
	ErrIncomplete = errors.New("chunk set incomplete")

	// ErrInvalidTransition indicates a status change was attempted from a
	// state that does not allow it.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ListOptions filters ListFiles.
type ListOptions struct {
	// Folder restricts the listing to one folder tag; empty means all.
	Folder string
	// Status restricts the listing to one file status; empty means ACTIVE.
	Status FileStatus
}

// Store is the manifest persistence interface. Implementations must be safe
// for concurrent use, and every compound operation (CommitFile, AbortUpload,
// RemoveFile) must be atomic: no reader ever observes a partial application.
type Store interface {
	io.Closer

	// Ping checks connectivity to the store.
	Ping(ctx context.Context) error

	// BeginUpload creates a file in PROVISIONAL status and returns its ID.
	// No chunk rows are reserved.
	BeginUpload(ctx context.Context, ownerID, filename, folder string) (string, error)

	// RecordChunk inserts one chunk as UPLOADED. Fails with
	// ErrDuplicateSequence if that (file, sequence index) already has an
	// UPLOADED or COMMITTED chunk.
	RecordChunk(ctx context.Context, c *ChunkRecord) error

	// CommitFile atomically verifies the file has exactly expectedChunks
	// UPLOADED chunks forming a dense 0..N-1 range, sums their sizes into the
	// file's total size, flips every chunk to COMMITTED and the file to
	// ACTIVE. On any verification failure it returns ErrIncomplete and
	// mutates nothing.
	CommitFile(ctx context.Context, fileID string, expectedChunks int) error

	// AbortUpload deletes all chunk rows and the file row for a PROVISIONAL
	// file.
	AbortUpload(ctx context.Context, fileID string) error

	// GetFile returns the file record, or ErrFileNotFound.
	GetFile(ctx context.Context, fileID string) (*FileRecord, error)

	// GetChunks returns the file's chunk records ordered by sequence index.
	GetChunks(ctx context.Context, fileID string) ([]ChunkRecord, error)

	// ListFiles returns the owner's files matching opts, newest first.
	ListFiles(ctx context.Context, ownerID string, opts ListOptions) ([]FileRecord, error)

	// RenameFile updates the filename of an ACTIVE or TRASHED file.
	RenameFile(ctx context.Context, fileID, filename string) error

	// SetFileStatus transitions the file from one status to another. Fails
	// with ErrInvalidTransition if the file is not currently in from.
	SetFileStatus(ctx context.Context, fileID string, from, to FileStatus) error

	// RemoveFile deletes the file row and all its chunk rows in one
	// transaction. This is the terminal step of a permanent delete.
	RemoveFile(ctx context.Context, fileID string) error

	// ListStaleProvisional returns files still PROVISIONAL that were created
	// before the cutoff, for startup crash recovery.
	ListStaleProvisional(ctx context.Context, cutoff time.Time) ([]FileRecord, error)
}
