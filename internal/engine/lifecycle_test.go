package engine

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/telecloud/telecloud/internal/manifest"
	"github.com/telecloud/telecloud/internal/transport"
)

func TestTrashRestoreCycle(t *testing.T) {
	store := manifest.NewMemoryStore()
	blobs := transport.NewMemory()
	f := seedFile(t, store, blobs, "alice", randomBytes(t, 2048), 1024)

	lc := NewLifecycle(store, blobs)
	down := NewDownloader(store, blobs, 2)
	ctx := context.Background()

	if err := lc.Trash(ctx, "alice", f.ID); err != nil {
		t.Fatalf("Trash: %v", err)
	}
	// Trash is a manifest flip only; the blobs stay put.
	if blobs.Len() != 2 {
		t.Errorf("transport holds %d blobs after trash, want 2", blobs.Len())
	}
	if _, err := down.Stat(ctx, "alice", f.ID); !errors.Is(err, ErrFileNotAvailable) {
		t.Errorf("Stat of trashed file = %v, want ErrFileNotAvailable", err)
	}

	// Trashed files show up in the trash listing, not the active one.
	active, err := store.ListFiles(ctx, "alice", manifest.ListOptions{})
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("active listing shows %d files, want 0", len(active))
	}
	trashed, err := store.ListFiles(ctx, "alice", manifest.ListOptions{Status: manifest.FileTrashed})
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(trashed) != 1 {
		t.Fatalf("trash listing shows %d files, want 1", len(trashed))
	}

	if err := lc.Restore(ctx, "alice", f.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	var out bytes.Buffer
	if err := down.Download(ctx, "alice", f.ID, &out); err != nil {
		t.Errorf("Download after restore: %v", err)
	}
}

func TestLifecycleTransitionLegality(t *testing.T) {
	store := manifest.NewMemoryStore()
	blobs := transport.NewMemory()
	f := seedFile(t, store, blobs, "alice", randomBytes(t, 100), 1024)

	lc := NewLifecycle(store, blobs)
	ctx := context.Background()

	// Restore of an ACTIVE file and double trash are both invalid.
	if err := lc.Restore(ctx, "alice", f.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Restore of active file = %v, want ErrInvalidState", err)
	}
	if err := lc.Trash(ctx, "alice", f.ID); err != nil {
		t.Fatalf("Trash: %v", err)
	}
	if err := lc.Trash(ctx, "alice", f.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double Trash = %v, want ErrInvalidState", err)
	}

	// PermanentDelete of an ACTIVE file is refused.
	if err := lc.Restore(ctx, "alice", f.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := lc.PermanentDelete(ctx, "alice", f.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("PermanentDelete of active file = %v, want ErrInvalidState", err)
	}

	// Cross-owner lifecycle calls see no file at all.
	if err := lc.Trash(ctx, "mallory", f.ID); !errors.Is(err, ErrFileNotAvailable) {
		t.Errorf("cross-owner Trash = %v, want ErrFileNotAvailable", err)
	}
}

func TestPermanentDeleteFullCycle(t *testing.T) {
	store := manifest.NewMemoryStore()
	blobs := transport.NewMemory()
	f := seedFile(t, store, blobs, "alice", randomBytes(t, 3*1024), 1024)

	lc := NewLifecycle(store, blobs)
	ctx := context.Background()

	// Trash, restore, trash again, then delete for good.
	if err := lc.Trash(ctx, "alice", f.ID); err != nil {
		t.Fatalf("Trash: %v", err)
	}
	if err := lc.Restore(ctx, "alice", f.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := lc.Trash(ctx, "alice", f.ID); err != nil {
		t.Fatalf("second Trash: %v", err)
	}
	if err := lc.PermanentDelete(ctx, "alice", f.ID); err != nil {
		t.Fatalf("PermanentDelete: %v", err)
	}

	if blobs.Len() != 0 {
		t.Errorf("transport holds %d blobs after permanent delete, want 0", blobs.Len())
	}
	if _, err := store.GetFile(ctx, f.ID); !errors.Is(err, manifest.ErrFileNotFound) {
		t.Errorf("GetFile after permanent delete = %v, want ErrFileNotFound", err)
	}
	chunks, err := store.GetChunks(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("%d chunk rows survive permanent delete, want 0", len(chunks))
	}

	// Idempotent: deleting again is a no-op success.
	if err := lc.PermanentDelete(ctx, "alice", f.ID); err != nil {
		t.Errorf("second PermanentDelete = %v, want nil", err)
	}
}

func TestPermanentDeleteTreatsMissingBlobAsDeleted(t *testing.T) {
	store := manifest.NewMemoryStore()
	blobs := transport.NewMemory()
	f := seedFile(t, store, blobs, "alice", randomBytes(t, 2048), 1024)

	lc := NewLifecycle(store, blobs)
	ctx := context.Background()

	chunks, err := store.GetChunks(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if err := blobs.Delete(ctx, chunks[0].BlobRef); err != nil {
		t.Fatalf("deleting blob: %v", err)
	}

	if err := lc.Trash(ctx, "alice", f.ID); err != nil {
		t.Fatalf("Trash: %v", err)
	}
	if err := lc.PermanentDelete(ctx, "alice", f.ID); err != nil {
		t.Errorf("PermanentDelete with a pre-missing blob = %v, want nil", err)
	}
	if blobs.Len() != 0 {
		t.Errorf("transport holds %d blobs, want 0", blobs.Len())
	}
}

func TestPermanentDeleteKeepsFileTrashedOnFailure(t *testing.T) {
	store := manifest.NewMemoryStore()
	blobs := transport.NewMemory()
	f := seedFile(t, store, blobs, "alice", randomBytes(t, 2048), 1024)

	lc := NewLifecycle(store, blobs)
	ctx := context.Background()

	if err := lc.Trash(ctx, "alice", f.ID); err != nil {
		t.Fatalf("Trash: %v", err)
	}
	blobs.DeleteFault = func(transport.BlobRef) error {
		return &transport.Error{Op: "delete", Transient: true, Err: errors.New("backend down")}
	}
	if err := lc.PermanentDelete(ctx, "alice", f.ID); err == nil {
		t.Fatal("PermanentDelete succeeded despite delete failures")
	}

	// The file survives as TRASHED so the delete can be retried; no rows
	// are dropped while remote blobs remain.
	got, err := store.GetFile(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Status != manifest.FileTrashed {
		t.Errorf("file status after failed delete = %s, want TRASHED", got.Status)
	}

	blobs.DeleteFault = nil
	if err := lc.PermanentDelete(ctx, "alice", f.ID); err != nil {
		t.Errorf("retried PermanentDelete = %v, want nil", err)
	}
}

func TestEmptyTrashReportsPerFileOutcome(t *testing.T) {
	store := manifest.NewMemoryStore()
	blobs := transport.NewMemory()
	lc := NewLifecycle(store, blobs)
	ctx := context.Background()

	ok := seedFile(t, store, blobs, "alice", randomBytes(t, 1024), 1024)
	stuck := seedFile(t, store, blobs, "alice", randomBytes(t, 1024), 1024)
	kept := seedFile(t, store, blobs, "alice", randomBytes(t, 1024), 1024)
	for _, id := range []string{ok.ID, stuck.ID} {
		if err := lc.Trash(ctx, "alice", id); err != nil {
			t.Fatalf("Trash(%s): %v", id, err)
		}
	}

	stuckChunks, err := store.GetChunks(ctx, stuck.ID)
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	stuckRef := stuckChunks[0].BlobRef
	blobs.DeleteFault = func(ref transport.BlobRef) error {
		if ref == stuckRef {
			return errors.New("backend refuses")
		}
		return nil
	}

	report, err := lc.EmptyTrash(ctx, "alice")
	if err != nil {
		t.Fatalf("EmptyTrash: %v", err)
	}
	if len(report.Deleted) != 1 || report.Deleted[0] != ok.ID {
		t.Errorf("report.Deleted = %v, want [%s]", report.Deleted, ok.ID)
	}
	if _, found := report.Remaining[stuck.ID]; !found || len(report.Remaining) != 1 {
		t.Errorf("report.Remaining = %v, want only %s", report.Remaining, stuck.ID)
	}

	// The stuck file is still TRASHED; the ACTIVE file was never touched.
	got, err := store.GetFile(ctx, stuck.ID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Status != manifest.FileTrashed {
		t.Errorf("stuck file status = %s, want TRASHED", got.Status)
	}
	if _, err := store.GetFile(ctx, kept.ID); err != nil {
		t.Errorf("active file was disturbed by EmptyTrash: %v", err)
	}
}

func TestReapProvisionalAbortsStaleUploads(t *testing.T) {
	store := manifest.NewMemoryStore()
	blobs := transport.NewMemory()
	ctx := context.Background()

	// A crashed upload: provisional file with two recorded chunks whose
	// blobs exist on the transport.
	fileID, err := store.BeginUpload(ctx, "alice", "crashed.bin", "")
	if err != nil {
		t.Fatalf("BeginUpload: %v", err)
	}
	for i := 0; i < 2; i++ {
		ref, err := blobs.Send(ctx, []byte("stale data"))
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		err = store.RecordChunk(ctx, &manifest.ChunkRecord{
			FileID: fileID, SequenceIndex: i, Size: 10,
			Checksum: "deadbeef", BlobRef: ref,
		})
		if err != nil {
			t.Fatalf("RecordChunk: %v", err)
		}
	}
	// A healthy committed file must survive the reap.
	healthy := seedFile(t, store, blobs, "alice", randomBytes(t, 100), 1024)

	lc := NewLifecycle(store, blobs)

	// With a generous max age the fresh provisional is left alone.
	n, err := lc.ReapProvisional(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReapProvisional: %v", err)
	}
	if n != 0 {
		t.Errorf("reaped %d fresh uploads, want 0", n)
	}

	// With a zero max age it is rolled back, blobs included.
	n, err = lc.ReapProvisional(ctx, 0)
	if err != nil {
		t.Fatalf("ReapProvisional: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d uploads, want 1", n)
	}
	if _, err := store.GetFile(ctx, fileID); !errors.Is(err, manifest.ErrFileNotFound) {
		t.Errorf("GetFile after reap = %v, want ErrFileNotFound", err)
	}
	if blobs.Len() != 1 {
		t.Errorf("transport holds %d blobs after reap, want the healthy file's 1", blobs.Len())
	}
	if _, err := store.GetFile(ctx, healthy.ID); err != nil {
		t.Errorf("healthy file disturbed by reap: %v", err)
	}
}

func TestRenameFile(t *testing.T) {
	store := manifest.NewMemoryStore()
	blobs := transport.NewMemory()
	f := seedFile(t, store, blobs, "alice", randomBytes(t, 100), 1024)

	lc := NewLifecycle(store, blobs)
	ctx := context.Background()

	if err := lc.Rename(ctx, "alice", f.ID, "renamed.bin"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	got, err := store.GetFile(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Filename != "renamed.bin" {
		t.Errorf("filename = %q, want %q", got.Filename, "renamed.bin")
	}

	if err := lc.Rename(ctx, "mallory", f.ID, "stolen.bin"); !errors.Is(err, ErrFileNotAvailable) {
		t.Errorf("cross-owner Rename = %v, want ErrFileNotAvailable", err)
	}
}
