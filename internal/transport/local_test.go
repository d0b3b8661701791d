package transport

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return l
}

func TestLocalSendFetchDelete(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	payload := []byte("chunk payload bytes")

	ref, err := l.Send(ctx, payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := l.Fetch(ctx, ref)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Fetch = %q, want %q", got, payload)
	}

	if err := l.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := l.Fetch(ctx, ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch after delete: want ErrNotFound, got %v", err)
	}
	// Second delete reports the blob already absent.
	if err := l.Delete(ctx, ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: want ErrNotFound, got %v", err)
	}
}

func TestLocalFetchUnknownRef(t *testing.T) {
	l := newTestLocal(t)
	if _, err := l.Fetch(context.Background(), "blob-does-not-exist"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestLocalCleanTempFiles(t *testing.T) {
	l := newTestLocal(t)

	// Simulate a crash mid-write.
	stale := filepath.Join(l.RootDir, ".tmp", "tmp-stale")
	if err := os.WriteFile(stale, []byte("partial"), 0o644); err != nil {
		t.Fatalf("writing stale temp file: %v", err)
	}

	if err := l.CleanTempFiles(); err != nil {
		t.Fatalf("CleanTempFiles: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale temp file survived cleanup")
	}
}

func TestLocalPing(t *testing.T) {
	l := newTestLocal(t)
	if err := l.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	os.RemoveAll(l.RootDir)
	if err := l.Ping(context.Background()); err == nil {
		t.Error("Ping after removing root: want error")
	}
}
