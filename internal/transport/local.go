package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/telecloud/telecloud/internal/uid"
)

// Local implements Transport on the local filesystem. Each blob is one file
// under a root directory, named by its reference. Writes use the crash-only
// atomic pattern: write to a temp file, fsync, rename.
//
// Local is primarily a development and self-hosting backend; the reference it
// issues is the blob's filename.
type Local struct {
	// RootDir is the directory all blobs live under.
	RootDir string
}

// NewLocal creates a Local transport rooted at the given directory, creating
// it and its temp subdirectory if needed.
func NewLocal(rootDir string) (*Local, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root directory %q: %w", rootDir, err)
	}
	if err := os.MkdirAll(filepath.Join(rootDir, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	return &Local{RootDir: rootDir}, nil
}

// CleanTempFiles removes leftovers in the .tmp directory. Called on startup;
// any temp files present indicate incomplete writes from a previous crash.
func (l *Local) CleanTempFiles() error {
	tmpDir := filepath.Join(l.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (l *Local) blobPath(ref BlobRef) string {
	return filepath.Join(l.RootDir, string(ref))
}

func (l *Local) Send(ctx context.Context, payload []byte) (BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ref := BlobRef("blob-" + uid.New())
	tmpPath := filepath.Join(l.RootDir, ".tmp", "tmp-"+uid.New())

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", &Error{Op: "send", Err: fmt.Errorf("creating temp file: %w", err)}
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", &Error{Op: "send", Err: fmt.Errorf("writing blob: %w", err)}
	}
	// Fsync before rename to guarantee durability.
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", &Error{Op: "send", Err: fmt.Errorf("syncing blob: %w", err)}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", &Error{Op: "send", Err: fmt.Errorf("closing blob: %w", err)}
	}
	if err := os.Rename(tmpPath, l.blobPath(ref)); err != nil {
		os.Remove(tmpPath)
		return "", &Error{Op: "send", Err: fmt.Errorf("renaming blob into place: %w", err)}
	}
	return ref, nil
}

func (l *Local) Fetch(ctx context.Context, ref BlobRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload, err := os.ReadFile(l.blobPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, &Error{Op: "fetch", Err: err}
	}
	return payload, nil
}

func (l *Local) Delete(ctx context.Context, ref BlobRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(l.blobPath(ref)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return &Error{Op: "delete", Err: err}
	}
	return nil
}

func (l *Local) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(l.RootDir); err != nil {
		return &Error{Op: "ping", Err: err}
	}
	return nil
}
