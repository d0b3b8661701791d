package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/telecloud/telecloud/internal/chunker"
	"github.com/telecloud/telecloud/internal/manifest"
	"github.com/telecloud/telecloud/internal/metrics"
	"github.com/telecloud/telecloud/internal/transport"
)

// Downloader reassembles stored files: manifest read, ordered fetch with a
// bounded prefetch window, checksum verification, streaming output.
// Downloads are read-only; neither the manifest nor remote blobs are ever
// mutated here.
type Downloader struct {
	store    manifest.Store
	blobs    transport.Transport
	prefetch int
}

// NewDownloader creates a download pipeline. prefetch bounds how many chunk
// fetches may run ahead of the byte currently being streamed.
func NewDownloader(store manifest.Store, blobs transport.Transport, prefetch int) *Downloader {
	if prefetch < 1 {
		prefetch = 1
	}
	return &Downloader{store: store, blobs: blobs, prefetch: prefetch}
}

// Stat resolves a file for download: it must exist, belong to the owner, and
// be ACTIVE. Anything else is ErrFileNotAvailable.
func (d *Downloader) Stat(ctx context.Context, ownerID, fileID string) (*manifest.FileRecord, error) {
	f, err := d.store.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, manifest.ErrFileNotFound) {
			return nil, ErrFileNotAvailable
		}
		return nil, err
	}
	if f.OwnerID != ownerID || f.Status != manifest.FileActive {
		return nil, ErrFileNotAvailable
	}
	return f, nil
}

// fetchResult carries one prefetched chunk payload to the in-order consumer.
type fetchResult struct {
	payload []byte
	err     error
}

// Download streams the file's reconstructed bytes to dst in sequence order.
// Chunk 0 reaches dst before later chunks need to have been fetched; fetches
// beyond the streaming point run concurrently up to the prefetch window, but
// delivery order is always ascending sequence index.
func (d *Downloader) Download(ctx context.Context, ownerID, fileID string, dst io.Writer) error {
	f, err := d.Stat(ctx, ownerID, fileID)
	if err != nil {
		return err
	}

	chunks, err := d.store.GetChunks(ctx, fileID)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}
	if len(chunks) == 0 {
		return fmt.Errorf("file %s: %w", fileID, ErrFileNotAvailable)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// window limits in-flight fetches; results[i] hands chunk i's payload to
	// the consumer. Both are buffered so a finished fetch never blocks on a
	// slow consumer.
	window := make(chan struct{}, d.prefetch)
	results := make([]chan fetchResult, len(chunks))
	for i := range results {
		results[i] = make(chan fetchResult, 1)
	}

	go func() {
		for i := range chunks {
			select {
			case window <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(c manifest.ChunkRecord, out chan<- fetchResult) {
				payload, err := d.fetchVerified(ctx, fileID, &c)
				out <- fetchResult{payload: payload, err: err}
			}(chunks[i], results[i])
		}
	}()

	var streamed int64
	for i := range chunks {
		var res fetchResult
		select {
		case res = <-results[i]:
		case <-ctx.Done():
			return ctx.Err()
		}
		if res.err != nil {
			metrics.DownloadsTotal.WithLabelValues("failed").Inc()
			return res.err
		}
		<-window

		n, err := dst.Write(res.payload)
		streamed += int64(n)
		if err != nil {
			return fmt.Errorf("writing chunk %d to output: %w", i, err)
		}
	}

	if streamed != f.TotalSize {
		// The per-chunk checksums passed, so this would mean the manifest
		// disagrees with itself; surface it rather than hand back short data.
		return fmt.Errorf("streamed %d bytes of file %s, manifest says %d", streamed, fileID, f.TotalSize)
	}
	metrics.DownloadsTotal.WithLabelValues("ok").Inc()
	slog.Info("download complete", "file_id", fileID, "chunks", len(chunks), "bytes", streamed)
	return nil
}

// fetchVerified fetches one chunk and verifies its checksum. A mismatch or a
// missing blob is re-fetched once as a transient-fault hedge; a second
// mismatch is a data-integrity failure.
func (d *Downloader) fetchVerified(ctx context.Context, fileID string, c *manifest.ChunkRecord) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		payload, err := d.blobs.Fetch(ctx, c.BlobRef)
		if err != nil {
			if errors.Is(err, transport.ErrNotFound) {
				// The manifest references a blob the transport no longer
				// holds; hedge once in case of replication lag.
				lastErr = err
				continue
			}
			return nil, err
		}
		if chunker.Verify(payload, c.Checksum) {
			return payload, nil
		}
		lastErr = fmt.Errorf("checksum mismatch")
		slog.Warn("chunk failed verification, re-fetching once",
			"file_id", fileID, "chunk_index", c.SequenceIndex, "attempt", attempt+1)
	}
	return nil, &IntegrityError{FileID: fileID, SequenceIndex: c.SequenceIndex, Err: lastErr}
}
