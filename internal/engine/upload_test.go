package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/telecloud/telecloud/internal/chunker"
	"github.com/telecloud/telecloud/internal/manifest"
	"github.com/telecloud/telecloud/internal/transport"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	if _, err := rng.Read(buf); err != nil {
		t.Fatalf("generating payload: %v", err)
	}
	return buf
}

func TestUploadCommitsAllChunks(t *testing.T) {
	store := manifest.NewMemoryStore()
	blobs := transport.NewMemory()
	up := NewUploader(store, blobs, 1024, 4)

	payload := randomBytes(t, 3000) // 3 chunks at 1024
	f, err := up.Upload(context.Background(), "alice", "report.pdf", "docs", bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if f.Status != manifest.FileActive {
		t.Errorf("file status = %s, want ACTIVE", f.Status)
	}
	if f.TotalSize != int64(len(payload)) {
		t.Errorf("total size = %d, want %d", f.TotalSize, len(payload))
	}
	if f.OwnerID != "alice" || f.Filename != "report.pdf" || f.Folder != "docs" {
		t.Errorf("file record = %+v", f)
	}

	chunks, err := store.GetChunks(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunk count = %d, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.SequenceIndex != i {
			t.Errorf("chunk %d has sequence index %d", i, c.SequenceIndex)
		}
		if c.Status != manifest.ChunkCommitted {
			t.Errorf("chunk %d status = %s, want COMMITTED", i, c.Status)
		}
		got, err := blobs.Fetch(context.Background(), c.BlobRef)
		if err != nil {
			t.Fatalf("fetching chunk %d: %v", i, err)
		}
		if !chunker.Verify(got, c.Checksum) {
			t.Errorf("chunk %d blob does not match recorded checksum", i)
		}
	}
	if blobs.Len() != 3 {
		t.Errorf("transport holds %d blobs, want 3", blobs.Len())
	}
}

func TestUploadZeroByteFile(t *testing.T) {
	store := manifest.NewMemoryStore()
	blobs := transport.NewMemory()
	up := NewUploader(store, blobs, 1024, 2)

	f, err := up.Upload(context.Background(), "alice", "empty.txt", "", bytes.NewReader(nil), 0)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if f.TotalSize != 0 {
		t.Errorf("total size = %d, want 0", f.TotalSize)
	}
	chunks, err := store.GetChunks(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Size != 0 {
		t.Fatalf("zero-byte file chunks = %+v, want one zero-byte chunk", chunks)
	}
}

func TestUploadChunkFailureRollsBack(t *testing.T) {
	store := manifest.NewMemoryStore()
	blobs := transport.NewMemory()

	// Fail every send of the middle chunk by matching its payload. The
	// workers run concurrently, so match on content rather than call order.
	payload := randomBytes(t, 3 * 1024)
	middle := payload[1024:2048]
	blobs.SendFault = func(p []byte) error {
		if bytes.Equal(p, middle) {
			return &transport.Error{Op: "send", Transient: false, Err: errors.New("document rejected")}
		}
		return nil
	}

	up := NewUploader(store, blobs, 1024, 2)
	_, err := up.Upload(context.Background(), "alice", "big.bin", "", bytes.NewReader(payload), int64(len(payload)))

	var incomplete *UploadIncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("Upload error = %v, want *UploadIncompleteError", err)
	}
	if len(incomplete.FailedIndices) != 1 || incomplete.FailedIndices[0] != 1 {
		t.Errorf("failed indices = %v, want [1]", incomplete.FailedIndices)
	}

	// Rollback: no manifest rows survive and the sent blobs were deleted.
	if _, err := store.GetFile(context.Background(), incomplete.FileID); !errors.Is(err, manifest.ErrFileNotFound) {
		t.Errorf("GetFile after rollback = %v, want ErrFileNotFound", err)
	}
	if blobs.Len() != 0 {
		t.Errorf("transport holds %d blobs after rollback, want 0", blobs.Len())
	}

	files, err := store.ListFiles(context.Background(), "alice", manifest.ListOptions{})
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("listing shows %d files after failed upload, want 0", len(files))
	}
}

func TestUploadCancellationRollsBack(t *testing.T) {
	store := manifest.NewMemoryStore()
	blobs := transport.NewMemory()

	ctx, cancel := context.WithCancel(context.Background())
	var sends atomic.Int32
	blobs.SendFault = func([]byte) error {
		if sends.Add(1) == 2 {
			cancel()
		}
		return nil
	}

	up := NewUploader(store, blobs, 1024, 1)
	payload := randomBytes(t, 10 * 1024)
	_, err := up.Upload(ctx, "alice", "slow.bin", "", bytes.NewReader(payload), int64(len(payload)))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Upload error = %v, want context.Canceled", err)
	}

	if blobs.Len() != 0 {
		t.Errorf("transport holds %d blobs after cancellation, want 0", blobs.Len())
	}
	files, err := store.ListFiles(context.Background(), "alice", manifest.ListOptions{Status: manifest.FileProvisional})
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("provisional files left behind = %d, want 0", len(files))
	}
}

func TestUploadStreamReadFailureRollsBack(t *testing.T) {
	store := manifest.NewMemoryStore()
	blobs := transport.NewMemory()
	up := NewUploader(store, blobs, 1024, 2)

	r := &failingReader{good: randomBytes(t, 2048), failAfter: 2048}
	_, err := up.Upload(context.Background(), "alice", "truncated.bin", "", r, 4096)
	if err == nil {
		t.Fatal("Upload succeeded on a failing stream")
	}
	if blobs.Len() != 0 {
		t.Errorf("transport holds %d blobs, want 0", blobs.Len())
	}
}

// failingReader serves good bytes then returns a read error.
type failingReader struct {
	good      []byte
	failAfter int
	off       int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.off >= r.failAfter {
		return 0, fmt.Errorf("disk read error")
	}
	n := copy(p, r.good[r.off:])
	r.off += n
	return n, nil
}

func TestUploadNeverActivatesPartialFile(t *testing.T) {
	// Every send fails; at no point may a listing show the file.
	store := manifest.NewMemoryStore()
	blobs := transport.NewMemory()
	blobs.SendFault = func([]byte) error { return errors.New("network down") }

	up := NewUploader(store, blobs, 512, 4)
	_, err := up.Upload(context.Background(), "alice", "doomed.bin", "", bytes.NewReader(randomBytes(t, 2048)), 2048)

	var incomplete *UploadIncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("Upload error = %v, want *UploadIncompleteError", err)
	}
	if len(incomplete.FailedIndices) != 4 {
		t.Errorf("failed indices = %v, want all 4", incomplete.FailedIndices)
	}
	files, _ := store.ListFiles(context.Background(), "alice", manifest.ListOptions{})
	if len(files) != 0 {
		t.Errorf("ACTIVE listing shows %d files, want 0", len(files))
	}
}
