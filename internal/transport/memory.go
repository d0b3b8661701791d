package transport

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Transport used by tests and local development. It
// supports fault injection so pipeline failure paths can be exercised without
// a real backend.
type Memory struct {
	mu    sync.Mutex
	blobs map[BlobRef][]byte
	next  int

	// SendFault, FetchFault, and DeleteFault, when set, are consulted before
	// each operation. Returning a non-nil error makes the operation fail.
	SendFault   func(payload []byte) error
	FetchFault  func(ref BlobRef) error
	DeleteFault func(ref BlobRef) error

	// Corrupt, when set, maps fetched payloads before returning them.
	Corrupt func(ref BlobRef, payload []byte) []byte
}

// NewMemory creates an empty in-memory transport.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[BlobRef][]byte)}
}

func (m *Memory) Send(ctx context.Context, payload []byte) (BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.SendFault != nil {
		if err := m.SendFault(payload); err != nil {
			return "", err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	ref := BlobRef(fmt.Sprintf("mem-%d", m.next))
	m.blobs[ref] = append([]byte(nil), payload...)
	return ref, nil
}

func (m *Memory) Fetch(ctx context.Context, ref BlobRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.FetchFault != nil {
		if err := m.FetchFault(ref); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	payload, ok := m.blobs[ref]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	out := append([]byte(nil), payload...)
	if m.Corrupt != nil {
		out = m.Corrupt(ref, out)
	}
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, ref BlobRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.DeleteFault != nil {
		if err := m.DeleteFault(ref); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[ref]; !ok {
		return ErrNotFound
	}
	delete(m.blobs, ref)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of blobs currently held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

// Has reports whether the transport holds a blob for ref.
func (m *Memory) Has(ref BlobRef) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[ref]
	return ok
}
