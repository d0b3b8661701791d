package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/telecloud/telecloud/internal/manifest"
	"github.com/telecloud/telecloud/internal/metrics"
	"github.com/telecloud/telecloud/internal/transport"
)

// Lifecycle walks files through trash, restore, and permanent deletion,
// keeping the manifest and remote blobs consistent under partial failure.
type Lifecycle struct {
	store manifest.Store
	blobs transport.Transport
}

// NewLifecycle creates a lifecycle manager.
func NewLifecycle(store manifest.Store, blobs transport.Transport) *Lifecycle {
	return &Lifecycle{store: store, blobs: blobs}
}

// resolveOwned loads the file and rejects cross-owner access.
func (l *Lifecycle) resolveOwned(ctx context.Context, ownerID, fileID string) (*manifest.FileRecord, error) {
	f, err := l.store.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, manifest.ErrFileNotFound) {
			return nil, ErrFileNotAvailable
		}
		return nil, err
	}
	if f.OwnerID != ownerID {
		return nil, ErrFileNotAvailable
	}
	return f, nil
}

// Trash soft-deletes an ACTIVE file. Purely a manifest flag flip: no remote
// blob is touched, and Restore undoes it completely.
func (l *Lifecycle) Trash(ctx context.Context, ownerID, fileID string) error {
	if _, err := l.resolveOwned(ctx, ownerID, fileID); err != nil {
		return err
	}
	err := l.store.SetFileStatus(ctx, fileID, manifest.FileActive, manifest.FileTrashed)
	if errors.Is(err, manifest.ErrInvalidTransition) {
		return fmt.Errorf("trash %s: %w", fileID, ErrInvalidState)
	}
	return err
}

// Restore brings a TRASHED file back to ACTIVE.
func (l *Lifecycle) Restore(ctx context.Context, ownerID, fileID string) error {
	if _, err := l.resolveOwned(ctx, ownerID, fileID); err != nil {
		return err
	}
	err := l.store.SetFileStatus(ctx, fileID, manifest.FileTrashed, manifest.FileActive)
	if errors.Is(err, manifest.ErrInvalidTransition) {
		return fmt.Errorf("restore %s: %w", fileID, ErrInvalidState)
	}
	return err
}

// Rename updates a file's name. Allowed for ACTIVE and TRASHED files.
func (l *Lifecycle) Rename(ctx context.Context, ownerID, fileID, filename string) error {
	if _, err := l.resolveOwned(ctx, ownerID, fileID); err != nil {
		return err
	}
	err := l.store.RenameFile(ctx, fileID, filename)
	if errors.Is(err, manifest.ErrFileNotFound) {
		return ErrFileNotAvailable
	}
	return err
}

// PermanentDelete removes a TRASHED file for good: every chunk's remote blob
// is deleted (an already-absent blob counts as deleted), then the manifest
// rows are removed. If any blob delete fails the file stays TRASHED and the
// error is surfaced so the caller can retry; the engine never silently loses
// track of remote blobs. Deleting a file that no longer exists is a no-op.
func (l *Lifecycle) PermanentDelete(ctx context.Context, ownerID, fileID string) error {
	f, err := l.store.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, manifest.ErrFileNotFound) {
			// Already gone; the desired end state holds.
			return nil
		}
		return err
	}
	if f.OwnerID != ownerID {
		return ErrFileNotAvailable
	}
	if f.Status != manifest.FileTrashed {
		return fmt.Errorf("permanent delete of %s file %s: %w", f.Status, fileID, ErrInvalidState)
	}

	chunks, err := l.store.GetChunks(ctx, fileID)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	var failed []int
	var lastErr error
	for _, c := range chunks {
		if c.BlobRef == "" {
			continue
		}
		if err := l.blobs.Delete(ctx, c.BlobRef); err != nil && !errors.Is(err, transport.ErrNotFound) {
			failed = append(failed, c.SequenceIndex)
			lastErr = err
		}
	}
	if len(failed) > 0 {
		slog.Warn("permanent delete left remote blobs behind, file stays trashed",
			"file_id", fileID, "failed_chunks", failed, "error", lastErr)
		return fmt.Errorf("deleting %d of %d chunks of file %s failed: %w",
			len(failed), len(chunks), fileID, lastErr)
	}

	if err := l.store.RemoveFile(ctx, fileID); err != nil {
		return fmt.Errorf("removing manifest rows: %w", err)
	}
	metrics.DeletesTotal.Inc()
	slog.Info("file permanently deleted", "file_id", fileID, "chunks", len(chunks))
	return nil
}

// TrashReport is the aggregate outcome of EmptyTrash.
type TrashReport struct {
	// Deleted lists the file IDs whose blobs and manifest rows are gone.
	Deleted []string
	// Remaining maps file IDs still TRASHED to the error that kept them.
	Remaining map[string]error
}

// EmptyTrash permanently deletes every TRASHED file of the owner. Each file
// is an independent transaction: one file's failure does not block the rest.
func (l *Lifecycle) EmptyTrash(ctx context.Context, ownerID string) (*TrashReport, error) {
	trashed, err := l.store.ListFiles(ctx, ownerID, manifest.ListOptions{Status: manifest.FileTrashed})
	if err != nil {
		return nil, fmt.Errorf("listing trash: %w", err)
	}

	report := &TrashReport{Remaining: make(map[string]error)}
	for _, f := range trashed {
		if err := l.PermanentDelete(ctx, ownerID, f.ID); err != nil {
			report.Remaining[f.ID] = err
			continue
		}
		report.Deleted = append(report.Deleted, f.ID)
	}
	return report, nil
}

// ReapProvisional aborts uploads that never finished: files still PROVISIONAL
// after maxAge are rolled back with best-effort remote cleanup of whatever
// chunks they recorded. Run on startup as a crash-recovery step.
func (l *Lifecycle) ReapProvisional(ctx context.Context, maxAge time.Duration) (int, error) {
	stale, err := l.store.ListStaleProvisional(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("listing stale uploads: %w", err)
	}

	reaped := 0
	for _, f := range stale {
		chunks, err := l.store.GetChunks(ctx, f.ID)
		if err != nil {
			slog.Error("reading chunks of stale upload", "file_id", f.ID, "error", err)
			continue
		}
		for _, c := range chunks {
			if c.BlobRef == "" {
				continue
			}
			if err := l.blobs.Delete(ctx, c.BlobRef); err != nil && !errors.Is(err, transport.ErrNotFound) {
				slog.Warn("reaping delete failed, blob orphaned",
					"file_id", f.ID, "chunk_index", c.SequenceIndex, "error", err)
			}
		}
		if err := l.store.AbortUpload(ctx, f.ID); err != nil {
			slog.Error("aborting stale upload", "file_id", f.ID, "error", err)
			continue
		}
		reaped++
		slog.Info("reaped stale provisional upload", "file_id", f.ID, "age", time.Since(f.CreatedAt))
	}
	return reaped, nil
}
