package route

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory trace store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	traces map[string]*Trace
}

// NewMemoryStore creates a new in-memory trace store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{traces: make(map[string]*Trace)}
}

func (m *MemoryStore) SavePlan(_ context.Context, t *Trace) (*Trace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID()
	if cur, ok := m.traces[key]; ok {
		cur.Start = t.Start
		cur.PlannedStops = append([]PlannedStop(nil), t.PlannedStops...)
		cur.UpdatedAt = t.UpdatedAt
		return copyTrace(cur), nil
	}
	cp := copyTrace(t)
	if cp.ActualStops == nil {
		cp.ActualStops = []ActualStop{}
	}
	m.traces[key] = cp
	return copyTrace(cp), nil
}

func (m *MemoryStore) AppendStop(_ context.Context, actorID, date string, stop ActualStop, at time.Time) (*Trace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.traces[TraceID(actorID, date)]
	if !ok {
		return nil, ErrTraceNotFound
	}
	cur.ActualStops = append(cur.ActualStops, stop)
	cur.UpdatedAt = at
	return copyTrace(cur), nil
}

func (m *MemoryStore) Get(_ context.Context, actorID, date string) (*Trace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.traces[TraceID(actorID, date)]
	if !ok {
		return nil, ErrTraceNotFound
	}
	return copyTrace(t), nil
}

func copyTrace(t *Trace) *Trace {
	cp := *t
	cp.PlannedStops = append([]PlannedStop(nil), t.PlannedStops...)
	cp.ActualStops = append([]ActualStop(nil), t.ActualStops...)
	return &cp
}
