package manifest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/telecloud/telecloud/internal/uid"
)

// MemoryStore is an in-process Store used by tests and local development.
// It mirrors the SQLite store's compound-operation semantics, including
// all-or-nothing commits.
type MemoryStore struct {
	mu     sync.RWMutex
	files  map[string]*FileRecord
	chunks map[string]map[int]*ChunkRecord
}

// NewMemoryStore creates an empty in-memory manifest store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:  make(map[string]*FileRecord),
		chunks: make(map[string]map[int]*ChunkRecord),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) BeginUpload(ctx context.Context, ownerID, filename, folder string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uid.New()
	now := time.Now().UTC()
	s.files[id] = &FileRecord{
		ID:        id,
		OwnerID:   ownerID,
		Filename:  filename,
		Folder:    folder,
		Status:    FileProvisional,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.chunks[id] = make(map[int]*ChunkRecord)
	return id, nil
}

func (s *MemoryStore) RecordChunk(ctx context.Context, c *ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byIndex, ok := s.chunks[c.FileID]
	if !ok {
		return fmt.Errorf("recording chunk for %s: %w", c.FileID, ErrFileNotFound)
	}
	if _, exists := byIndex[c.SequenceIndex]; exists {
		return fmt.Errorf("file %s index %d: %w", c.FileID, c.SequenceIndex, ErrDuplicateSequence)
	}

	cp := *c
	cp.Status = ChunkUploaded
	byIndex[c.SequenceIndex] = &cp
	return nil
}

func (s *MemoryStore) CommitFile(ctx context.Context, fileID string, expectedChunks int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileID]
	if !ok {
		return ErrFileNotFound
	}
	if f.Status != FileProvisional {
		return fmt.Errorf("file %s is %s: %w", fileID, f.Status, ErrInvalidTransition)
	}

	byIndex := s.chunks[fileID]
	uploaded := 0
	var total int64
	for _, c := range byIndex {
		if c.Status == ChunkUploaded {
			uploaded++
			total += c.Size
		}
	}
	dense := true
	for i := 0; i < expectedChunks; i++ {
		c, ok := byIndex[i]
		if !ok || c.Status != ChunkUploaded {
			dense = false
			break
		}
	}
	if expectedChunks < 1 || uploaded != expectedChunks || !dense {
		return fmt.Errorf("file %s: have %d uploaded chunks, want %d dense from 0: %w",
			fileID, uploaded, expectedChunks, ErrIncomplete)
	}

	for _, c := range byIndex {
		c.Status = ChunkCommitted
	}
	f.TotalSize = total
	f.Status = FileActive
	f.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AbortUpload(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileID]
	if !ok || f.Status != FileProvisional {
		return fmt.Errorf("aborting %s: %w", fileID, ErrFileNotFound)
	}
	delete(s.files, fileID)
	delete(s.chunks, fileID)
	return nil
}

func (s *MemoryStore) GetFile(ctx context.Context, fileID string) (*FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[fileID]
	if !ok {
		return nil, ErrFileNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) GetChunks(ctx context.Context, fileID string) ([]ChunkRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byIndex, ok := s.chunks[fileID]
	if !ok {
		return nil, nil
	}
	chunks := make([]ChunkRecord, 0, len(byIndex))
	for _, c := range byIndex {
		chunks = append(chunks, *c)
	}
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].SequenceIndex < chunks[j].SequenceIndex
	})
	return chunks, nil
}

func (s *MemoryStore) ListFiles(ctx context.Context, ownerID string, opts ListOptions) ([]FileRecord, error) {
	status := opts.Status
	if status == "" {
		status = FileActive
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var files []FileRecord
	for _, f := range s.files {
		if f.OwnerID != ownerID || f.Status != status {
			continue
		}
		if opts.Folder != "" && f.Folder != opts.Folder {
			continue
		}
		files = append(files, *f)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].CreatedAt.After(files[j].CreatedAt)
	})
	return files, nil
}

func (s *MemoryStore) RenameFile(ctx context.Context, fileID, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileID]
	if !ok || (f.Status != FileActive && f.Status != FileTrashed) {
		return ErrFileNotFound
	}
	f.Filename = filename
	f.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetFileStatus(ctx context.Context, fileID string, from, to FileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileID]
	if !ok {
		return ErrFileNotFound
	}
	if f.Status != from {
		return fmt.Errorf("file %s is not %s: %w", fileID, from, ErrInvalidTransition)
	}
	f.Status = to
	f.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RemoveFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.files, fileID)
	delete(s.chunks, fileID)
	return nil
}

func (s *MemoryStore) ListStaleProvisional(ctx context.Context, cutoff time.Time) ([]FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var files []FileRecord
	for _, f := range s.files {
		if f.Status == FileProvisional && f.CreatedAt.Before(cutoff) {
			files = append(files, *f)
		}
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].CreatedAt.Before(files[j].CreatedAt)
	})
	return files, nil
}
