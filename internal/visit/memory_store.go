package visit

import (
	"context"
	"sort"
	"sync"
)

// MemoryTargetStore is an in-memory target directory for demo/development mode.
type MemoryTargetStore struct {
	mu      sync.RWMutex
	targets map[string]*Target
}

// NewMemoryTargetStore creates a new in-memory target directory.
func NewMemoryTargetStore() *MemoryTargetStore {
	return &MemoryTargetStore{targets: make(map[string]*Target)}
}

func (m *MemoryTargetStore) Upsert(_ context.Context, t *Target) (*Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyTarget(t)
	if cur, ok := m.targets[t.ID]; ok {
		cp.CreatedAt = cur.CreatedAt
	}
	m.targets[t.ID] = cp
	return copyTarget(cp), nil
}

func (m *MemoryTargetStore) Get(_ context.Context, id string) (*Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.targets[id]
	if !ok {
		return nil, ErrTargetNotFound
	}
	return copyTarget(t), nil
}

func copyTarget(t *Target) *Target {
	cp := *t
	if t.Point != nil {
		p := *t.Point
		cp.Point = &p
	}
	return &cp
}

// MemoryOutcomeStore is an in-memory outcome store for demo/development mode.
type MemoryOutcomeStore struct {
	mu       sync.RWMutex
	outcomes map[string]*Outcome
}

// NewMemoryOutcomeStore creates a new in-memory outcome store.
func NewMemoryOutcomeStore() *MemoryOutcomeStore {
	return &MemoryOutcomeStore{outcomes: make(map[string]*Outcome)}
}

func (m *MemoryOutcomeStore) Create(_ context.Context, o *Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[o.VisitID] = copyOutcome(o)
	return nil
}

func (m *MemoryOutcomeStore) Get(_ context.Context, id string) (*Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.outcomes[id]
	if !ok {
		return nil, ErrVisitNotFound
	}
	return copyOutcome(o), nil
}

func (m *MemoryOutcomeStore) ListByActor(_ context.Context, actorID string, limit int) ([]*Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Outcome
	for _, o := range m.outcomes {
		if o.ActorID == actorID {
			result = append(result, copyOutcome(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ClaimedAt.After(result[j].ClaimedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func copyOutcome(o *Outcome) *Outcome {
	cp := *o
	cp.Flags = append([]string{}, o.Flags...)
	if o.DistanceMeters != nil {
		d := *o.DistanceMeters
		cp.DistanceMeters = &d
	}
	return &cp
}

var (
	_ TargetStore  = (*MemoryTargetStore)(nil)
	_ OutcomeStore = (*MemoryOutcomeStore)(nil)
)
