package qrledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory document store for demo/development mode.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

// NewMemoryStore creates a new in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

func (m *MemoryStore) Create(_ context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[doc.ID]; ok {
		return ErrDocumentExists
	}
	cp := *doc
	m.docs[doc.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) RecordScan(_ context.Context, id string, at time.Time) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	if d.Status.IsClosed() {
		return nil, ErrDocumentClosed
	}
	d.ScanCount++
	if d.Status == StatusActive {
		d.Status = StatusProcessPayment
	}
	d.UpdatedAt = at
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from []Status, to Status, at time.Time) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	if !allowed(d.Status, from) {
		return nil, transitionError(d.Status)
	}
	d.Status = to
	d.UpdatedAt = at
	cp := *d
	return &cp, nil
}
