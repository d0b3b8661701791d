package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/telecloud/telecloud/internal/chunker"
	"github.com/telecloud/telecloud/internal/manifest"
	"github.com/telecloud/telecloud/internal/metrics"
	"github.com/telecloud/telecloud/internal/transport"
)

// Uploader ingests byte streams: split, send, record, commit-or-rollback.
// The transport should already be wrapped with retry; the uploader treats any
// send error as final for that chunk.
type Uploader struct {
	store        manifest.Store
	blobs        transport.Transport
	maxChunkSize int64
	concurrency  int
}

// NewUploader creates an upload pipeline. concurrency bounds how many chunk
// sends are in flight at once for a single upload.
func NewUploader(store manifest.Store, blobs transport.Transport, maxChunkSize int64, concurrency int) *Uploader {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Uploader{
		store:        store,
		blobs:        blobs,
		maxChunkSize: maxChunkSize,
		concurrency:  concurrency,
	}
}

// sentChunk is one chunk the saga successfully pushed to the transport.
type sentChunk struct {
	index int
	size  int64
	sum   string
	ref   transport.BlobRef
}

// uploadSaga accumulates the per-chunk outcome of one upload so the
// compensating cleanup knows exactly which remote blobs exist. There is no
// cross-chunk transaction on the transport side, so rollback is an explicit
// best-effort delete of every recorded success.
type uploadSaga struct {
	mu     sync.Mutex
	sent   []sentChunk
	failed map[int]error
}

func newUploadSaga() *uploadSaga {
	return &uploadSaga{failed: make(map[int]error)}
}

func (s *uploadSaga) success(c sentChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, c)
}

func (s *uploadSaga) failure(index int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[index] = err
}

func (s *uploadSaga) failedIndices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	indices := make([]int, 0, len(s.failed))
	for i := range s.failed {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

// firstError returns the failure of the lowest failed index, used as the
// representative cause in the surfaced error.
func (s *uploadSaga) firstError() error {
	indices := s.failedIndices()
	if len(indices) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed[indices[0]]
}

// compensate deletes every blob the saga managed to send. Failures are
// logged, not escalated: an orphaned blob is reclaimed by an external
// garbage-collection pass, while escalating here would mask the original
// upload failure.
func (s *uploadSaga) compensate(ctx context.Context, blobs transport.Transport) {
	s.mu.Lock()
	sent := append([]sentChunk(nil), s.sent...)
	s.mu.Unlock()

	for _, c := range sent {
		if err := blobs.Delete(ctx, c.ref); err != nil && !errors.Is(err, transport.ErrNotFound) {
			slog.Warn("compensating delete failed, blob orphaned",
				"blob_ref", c.ref, "chunk_index", c.index, "error", err)
		}
	}
}

// Upload ingests the stream as a new file for the owner and returns the
// committed file record. sizeHint, when positive, is used only for progress
// logging. On any chunk failure or cancellation the provisional file is
// rolled back and a *UploadIncompleteError (or the context error) returned;
// no partial file ever becomes ACTIVE.
func (u *Uploader) Upload(ctx context.Context, ownerID, filename, folder string, r io.Reader, sizeHint int64) (*manifest.FileRecord, error) {
	fileID, err := u.store.BeginUpload(ctx, ownerID, filename, folder)
	if err != nil {
		return nil, fmt.Errorf("beginning upload: %w", err)
	}
	slog.Info("upload started",
		"file_id", fileID, "owner_id", ownerID, "filename", filename, "size_hint", sizeHint)

	splitter, err := chunker.NewSplitter(r, u.maxChunkSize)
	if err != nil {
		u.store.AbortUpload(context.WithoutCancel(ctx), fileID)
		return nil, err
	}

	saga := newUploadSaga()
	chunkCount, err := u.sendAll(ctx, splitter, saga)

	// Record the outcome. Manifest writes are serialized here, after the
	// fan-in, so per-file ordering of writes never depends on send order.
	recordErr := u.recordSuccesses(ctx, fileID, saga)

	failed := saga.failedIndices()
	if err == nil && recordErr == nil && len(failed) == 0 {
		commitErr := u.store.CommitFile(ctx, fileID, chunkCount)
		if commitErr == nil {
			f, getErr := u.store.GetFile(ctx, fileID)
			if getErr != nil {
				return nil, fmt.Errorf("reading committed file: %w", getErr)
			}
			metrics.UploadsTotal.WithLabelValues("ok").Inc()
			slog.Info("upload committed", "file_id", fileID, "chunks", chunkCount, "total_size", f.TotalSize)
			return f, nil
		}
		err = commitErr
	}

	// Rollback. Cleanup runs even when ctx is cancelled.
	cleanupCtx := context.WithoutCancel(ctx)
	saga.compensate(cleanupCtx, u.blobs)
	if abortErr := u.store.AbortUpload(cleanupCtx, fileID); abortErr != nil {
		slog.Error("aborting provisional upload failed", "file_id", fileID, "error", abortErr)
	}
	metrics.UploadsTotal.WithLabelValues("failed").Inc()

	if ctxErr := ctx.Err(); ctxErr != nil {
		slog.Info("upload cancelled", "file_id", fileID)
		return nil, ctxErr
	}

	cause := err
	if cause == nil {
		cause = recordErr
	}
	if cause == nil {
		cause = saga.firstError()
	}
	slog.Warn("upload incomplete", "file_id", fileID, "failed_chunks", failed, "error", cause)
	return nil, &UploadIncompleteError{FileID: fileID, FailedIndices: failed, Err: cause}
}

// sendAll splits the stream and sends every chunk through a bounded worker
// pool, recording each outcome in the saga. It returns the number of chunks
// the stream split into, and the first non-chunk error (stream read failure
// or cancellation).
func (u *Uploader) sendAll(ctx context.Context, splitter *chunker.Splitter, saga *uploadSaga) (int, error) {
	jobs := make(chan *chunker.Chunk)
	var wg sync.WaitGroup

	for i := 0; i < u.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				ref, err := u.blobs.Send(ctx, c.Payload)
				if err != nil {
					saga.failure(c.Index, err)
					continue
				}
				metrics.ChunksSentTotal.Inc()
				saga.success(sentChunk{index: c.Index, size: int64(len(c.Payload)), sum: c.Checksum, ref: ref})
			}
		}()
	}

	count := 0
	var splitErr error
	for {
		c, err := splitter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			splitErr = err
			break
		}
		count++
		select {
		case jobs <- c:
		case <-ctx.Done():
			splitErr = ctx.Err()
		}
		if splitErr != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()
	return count, splitErr
}

// recordSuccesses writes every sent chunk to the manifest, in sequence order,
// from a single goroutine.
func (u *Uploader) recordSuccesses(ctx context.Context, fileID string, saga *uploadSaga) error {
	saga.mu.Lock()
	sent := append([]sentChunk(nil), saga.sent...)
	saga.mu.Unlock()
	sort.Slice(sent, func(i, j int) bool { return sent[i].index < sent[j].index })

	for _, c := range sent {
		err := u.store.RecordChunk(ctx, &manifest.ChunkRecord{
			FileID:        fileID,
			SequenceIndex: c.index,
			Size:          c.size,
			Checksum:      c.sum,
			BlobRef:       c.ref,
		})
		if err != nil {
			return fmt.Errorf("recording chunk %d: %w", c.index, err)
		}
	}
	return nil
}
