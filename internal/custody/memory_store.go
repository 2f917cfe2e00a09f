package custody

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory custody store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*PaymentCustody
}

// NewMemoryStore creates a new in-memory custody store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*PaymentCustody)}
}

func (m *MemoryStore) Create(_ context.Context, p *PaymentCustody) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.DocumentID != "" {
		for _, other := range m.payments {
			if other.DocumentID == p.DocumentID && other.Status != StatusCancelled {
				return ErrDocumentReserved
			}
		}
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*PaymentCustody, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpdateIfStatus(_ context.Context, p *PaymentCustody, from ...Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	if !statusIn(cur.Status, from) {
		return ErrInvalidCustodyTransition
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*PaymentCustody, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PaymentCustody
	for _, p := range m.payments {
		if p.AwaitingDeposit() && !p.DeadlineAt.After(now) {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DeadlineAt.Before(result[j].DeadlineAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByActor(_ context.Context, actorID string, limit int) ([]*PaymentCustody, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PaymentCustody
	for _, p := range m.payments {
		if p.ActorID == actorID {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CollectedAt.Equal(result[j].CollectedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CollectedAt.After(result[j].CollectedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MemoryIndex is an in-memory DeadlineIndex.
type MemoryIndex struct {
	mu        sync.Mutex
	deadlines map[string]time.Time
}

// NewMemoryIndex creates an empty deadline index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{deadlines: make(map[string]time.Time)}
}

func (m *MemoryIndex) Schedule(_ context.Context, paymentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadlines[paymentID] = at
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deadlines, paymentID)
	return nil
}

func (m *MemoryIndex) Due(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type entry struct {
		id string
		at time.Time
	}
	var due []entry
	for id, at := range m.deadlines {
		if !at.After(now) {
			due = append(due, entry{id, at})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, len(due))
	for i, e := range due {
		ids[i] = e.id
	}
	return ids, nil
}

var _ DeadlineIndex = (*MemoryIndex)(nil)
