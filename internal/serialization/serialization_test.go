package serialization

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/telecloud/telecloud/internal/engine"
	"github.com/telecloud/telecloud/internal/manifest"
	"github.com/telecloud/telecloud/internal/transport"
)

// createTestDB builds a manifest database at a temp path, optionally seeding
// it with one committed file, and returns the path together with the blob
// transport holding the file's chunks.
func createTestDB(t *testing.T, seed bool) (string, *transport.Memory) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "manifest.db")
	store, err := manifest.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	defer store.Close()

	blobs := transport.NewMemory()
	if seed {
		up := engine.NewUploader(store, blobs, 1024, 2)
		payload := bytes.Repeat([]byte("x"), 2500)
		if _, err := up.Upload(context.Background(), "alice", "seed.bin", "docs", bytes.NewReader(payload), 2500); err != nil {
			t.Fatalf("seeding file: %v", err)
		}
	}
	return dbPath, blobs
}

func TestExportContainsSeededRows(t *testing.T) {
	dbPath, _ := createTestDB(t, true)

	out, err := ExportManifest(dbPath, nil)
	if err != nil {
		t.Fatalf("ExportManifest: %v", err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}

	envelope, ok := data["telecloud_export"].(map[string]any)
	if !ok {
		t.Fatal("export lacks telecloud_export envelope")
	}
	if v, _ := envelope["version"].(float64); int(v) != ExportVersion {
		t.Errorf("envelope version = %v, want %d", envelope["version"], ExportVersion)
	}

	files, _ := data["files"].([]any)
	if len(files) != 1 {
		t.Fatalf("exported %d files, want 1", len(files))
	}
	file, _ := files[0].(map[string]any)
	if file["filename"] != "seed.bin" || file["status"] != "ACTIVE" {
		t.Errorf("exported file = %v", file)
	}

	chunks, _ := data["chunks"].([]any)
	if len(chunks) != 3 {
		t.Errorf("exported %d chunks, want 3", len(chunks))
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	srcPath, _ := createTestDB(t, true)
	dstPath, _ := createTestDB(t, false)

	out, err := ExportManifest(srcPath, nil)
	if err != nil {
		t.Fatalf("ExportManifest: %v", err)
	}

	result, err := ImportManifest(dstPath, out, nil)
	if err != nil {
		t.Fatalf("ImportManifest: %v", err)
	}
	if result.Counts["files"] != 1 || result.Counts["chunks"] != 3 {
		t.Errorf("import counts = %v, want 1 file and 3 chunks", result.Counts)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("import warnings = %v", result.Warnings)
	}

	// The restored manifest serves the file exactly as the source did.
	store, err := manifest.NewSQLiteStore(dstPath)
	if err != nil {
		t.Fatalf("opening restored store: %v", err)
	}
	defer store.Close()

	files, err := store.ListFiles(context.Background(), "alice", manifest.ListOptions{})
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || files[0].Filename != "seed.bin" || files[0].TotalSize != 2500 {
		t.Fatalf("restored files = %+v", files)
	}
	chunks, err := store.GetChunks(context.Background(), files[0].ID)
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Errorf("restored %d chunks, want 3", len(chunks))
	}
}

func TestImportWithoutReplaceKeepsExistingRows(t *testing.T) {
	srcPath, _ := createTestDB(t, true)
	out, err := ExportManifest(srcPath, nil)
	if err != nil {
		t.Fatalf("ExportManifest: %v", err)
	}

	// Import twice: the second pass finds every row already present.
	dstPath, _ := createTestDB(t, false)
	if _, err := ImportManifest(dstPath, out, nil); err != nil {
		t.Fatalf("first import: %v", err)
	}
	result, err := ImportManifest(dstPath, out, nil)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if result.Counts["files"] != 0 || result.Skipped["files"] != 1 {
		t.Errorf("second import = %v skipped %v, want all rows skipped", result.Counts, result.Skipped)
	}
}

func TestImportReplaceOverwrites(t *testing.T) {
	srcPath, _ := createTestDB(t, true)
	out, err := ExportManifest(srcPath, nil)
	if err != nil {
		t.Fatalf("ExportManifest: %v", err)
	}

	// Destination has its own file; replace mode wipes it.
	dstPath, _ := createTestDB(t, true)
	result, err := ImportManifest(dstPath, out, &ImportOptions{Replace: true})
	if err != nil {
		t.Fatalf("ImportManifest: %v", err)
	}
	if result.Counts["files"] != 1 {
		t.Errorf("replace import counts = %v", result.Counts)
	}

	store, err := manifest.NewSQLiteStore(dstPath)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer store.Close()
	files, err := store.ListFiles(context.Background(), "alice", manifest.ListOptions{})
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("restored %d files after replace, want 1", len(files))
	}
}

func TestImportRejectsUnknownVersion(t *testing.T) {
	dstPath, _ := createTestDB(t, false)
	bad := `{"telecloud_export": {"version": 99}, "files": []}`
	if _, err := ImportManifest(dstPath, bad, nil); err == nil {
		t.Fatal("ImportManifest accepted an unsupported export version")
	}
}
