package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/telecloud/telecloud/internal/transport"
	"github.com/telecloud/telecloud/internal/uid"
)

// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
const timeFormat = "2006-01-02T15:04:05.000Z"

// SQLiteStore implements the Store interface using SQLite as the backing
// database. It provides durable, ACID-compliant manifest storage suitable
// for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore with the given DSN and initializes
// the database schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// This is safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS files (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			filename   TEXT NOT NULL,
			folder     TEXT NOT NULL DEFAULT '',
			total_size INTEGER NOT NULL DEFAULT 0,
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_files_owner ON files(owner_id, status);
		CREATE INDEX IF NOT EXISTS idx_files_status_created ON files(status, created_at);

		CREATE TABLE IF NOT EXISTS chunks (
			file_id        TEXT NOT NULL,
			sequence_index INTEGER NOT NULL,
			size           INTEGER NOT NULL,
			checksum       TEXT NOT NULL,
			blob_ref       TEXT,
			status         TEXT NOT NULL,

			PRIMARY KEY (file_id, sequence_index),
			FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}

	return nil
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BeginUpload creates a file row in PROVISIONAL status and returns its ID.
func (s *SQLiteStore) BeginUpload(ctx context.Context, ownerID, filename, folder string) (string, error) {
	id := uid.New()
	now := time.Now().UTC().Format(timeFormat)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, owner_id, filename, folder, total_size, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		id, ownerID, filename, folder, string(FileProvisional), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("creating provisional file: %w", err)
	}
	return id, nil
}

// RecordChunk inserts one chunk row as UPLOADED.
func (s *SQLiteStore) RecordChunk(ctx context.Context, c *ChunkRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks (file_id, sequence_index, size, checksum, blob_ref, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.FileID, c.SequenceIndex, c.Size, c.Checksum, string(c.BlobRef), string(ChunkUploaded),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "PRIMARY KEY") {
			return fmt.Errorf("file %s index %d: %w", c.FileID, c.SequenceIndex, ErrDuplicateSequence)
		}
		return fmt.Errorf("recording chunk %d of file %s: %w", c.SequenceIndex, c.FileID, err)
	}
	return nil
}

// CommitFile verifies and finalizes a provisional file in one transaction.
func (s *SQLiteStore) CommitFile(ctx context.Context, fileID string, expectedChunks int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM files WHERE id = ?`, fileID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrFileNotFound
	}
	if err != nil {
		return fmt.Errorf("reading file status: %w", err)
	}
	if status != string(FileProvisional) {
		return fmt.Errorf("file %s is %s: %w", fileID, status, ErrInvalidTransition)
	}

	// Verify the chunk set: expected count, dense 0..N-1 indices, all
	// UPLOADED. COUNT(*), MIN and MAX together prove density for a unique
	// index column.
	var count, minIdx, maxIdx sql.NullInt64
	var total sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(sequence_index), MAX(sequence_index), SUM(size)
		 FROM chunks WHERE file_id = ? AND status = ?`,
		fileID, string(ChunkUploaded),
	).Scan(&count, &minIdx, &maxIdx, &total)
	if err != nil {
		return fmt.Errorf("verifying chunk set: %w", err)
	}

	if count.Int64 != int64(expectedChunks) ||
		expectedChunks < 1 ||
		minIdx.Int64 != 0 ||
		maxIdx.Int64 != int64(expectedChunks-1) {
		return fmt.Errorf("file %s: have %d uploaded chunks spanning [%d,%d], want %d dense from 0: %w",
			fileID, count.Int64, minIdx.Int64, maxIdx.Int64, expectedChunks, ErrIncomplete)
	}

	now := time.Now().UTC().Format(timeFormat)

	if _, err := tx.ExecContext(ctx,
		`UPDATE chunks SET status = ? WHERE file_id = ?`,
		string(ChunkCommitted), fileID,
	); err != nil {
		return fmt.Errorf("committing chunks: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE files SET status = ?, total_size = ?, updated_at = ? WHERE id = ?`,
		string(FileActive), total.Int64, now, fileID,
	); err != nil {
		return fmt.Errorf("activating file: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// AbortUpload removes a provisional file and its chunk rows in one transaction.
func (s *SQLiteStore) AbortUpload(ctx context.Context, fileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE file_id = ?`, fileID,
	); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM files WHERE id = ? AND status = ?`,
		fileID, string(FileProvisional),
	)
	if err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("aborting %s: %w", fileID, ErrFileNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetFile retrieves a file record by ID.
func (s *SQLiteStore) GetFile(ctx context.Context, fileID string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, filename, folder, total_size, status, created_at, updated_at
		 FROM files WHERE id = ?`, fileID,
	)
	f, err := scanFile(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting file %s: %w", fileID, err)
	}
	return f, nil
}

// scanFile scans one file row via the given scan function.
func scanFile(scan func(dest ...any) error) (*FileRecord, error) {
	var f FileRecord
	var status, createdAt, updatedAt string
	if err := scan(&f.ID, &f.OwnerID, &f.Filename, &f.Folder, &f.TotalSize, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	f.Status = FileStatus(status)
	f.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	f.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return &f, nil
}

// GetChunks retrieves a file's chunks ordered by sequence index.
func (s *SQLiteStore) GetChunks(ctx context.Context, fileID string) ([]ChunkRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id, sequence_index, size, checksum, blob_ref, status
		 FROM chunks WHERE file_id = ? ORDER BY sequence_index ASC`, fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("getting chunks for %s: %w", fileID, err)
	}
	defer rows.Close()

	var chunks []ChunkRecord
	for rows.Next() {
		var c ChunkRecord
		var blobRef sql.NullString
		var status string
		if err := rows.Scan(&c.FileID, &c.SequenceIndex, &c.Size, &c.Checksum, &blobRef, &status); err != nil {
			return nil, fmt.Errorf("scanning chunk row: %w", err)
		}
		c.BlobRef = transport.BlobRef(blobRef.String)
		c.Status = ChunkStatus(status)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunk rows: %w", err)
	}
	return chunks, nil
}

// ListFiles lists an owner's files matching opts, newest first.
func (s *SQLiteStore) ListFiles(ctx context.Context, ownerID string, opts ListOptions) ([]FileRecord, error) {
	status := opts.Status
	if status == "" {
		status = FileActive
	}

	query := `SELECT id, owner_id, filename, folder, total_size, status, created_at, updated_at
			  FROM files WHERE owner_id = ? AND status = ?`
	args := []any{ownerID, string(status)}
	if opts.Folder != "" {
		query += ` AND folder = ?`
		args = append(args, opts.Folder)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	defer rows.Close()

	var files []FileRecord
	for rows.Next() {
		f, err := scanFile(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning file row: %w", err)
		}
		files = append(files, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating file rows: %w", err)
	}
	return files, nil
}

// RenameFile updates a file's name.
func (s *SQLiteStore) RenameFile(ctx context.Context, fileID, filename string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE files SET filename = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		filename, time.Now().UTC().Format(timeFormat), fileID,
		string(FileActive), string(FileTrashed),
	)
	if err != nil {
		return fmt.Errorf("renaming file %s: %w", fileID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrFileNotFound
	}
	return nil
}

// SetFileStatus transitions a file from one status to another, guarded.
func (s *SQLiteStore) SetFileStatus(ctx context.Context, fileID string, from, to FileStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC().Format(timeFormat), fileID, string(from),
	)
	if err != nil {
		return fmt.Errorf("transitioning file %s to %s: %w", fileID, to, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Distinguish a missing file from a wrong-state file.
		if _, err := s.GetFile(ctx, fileID); err != nil {
			return err
		}
		return fmt.Errorf("file %s is not %s: %w", fileID, from, ErrInvalidTransition)
	}
	return nil
}

// RemoveFile deletes a file row and its chunk rows in one transaction.
func (s *SQLiteStore) RemoveFile(ctx context.Context, fileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListStaleProvisional returns provisional files created before the cutoff.
func (s *SQLiteStore) ListStaleProvisional(ctx context.Context, cutoff time.Time) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, filename, folder, total_size, status, created_at, updated_at
		 FROM files WHERE status = ? AND created_at < ?`,
		string(FileProvisional), cutoff.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("listing stale provisional files: %w", err)
	}
	defer rows.Close()

	var files []FileRecord
	for rows.Next() {
		f, err := scanFile(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning file row: %w", err)
		}
		files = append(files, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating file rows: %w", err)
	}
	return files, nil
}
