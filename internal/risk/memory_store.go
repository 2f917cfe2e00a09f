package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/fieldguard/internal/pagination"
)

// MemoryStore is an in-memory risk store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	actors  map[string]*Actor
	signals []*Signal
	keys    map[string]bool
}

// NewMemoryStore creates a new in-memory risk store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actors: make(map[string]*Actor),
		keys:   make(map[string]bool),
	}
}

func (m *MemoryStore) Commit(_ context.Context, sig *Signal, bump *ScoreBump) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keys[sig.Key()] {
		return ErrDuplicateSignal
	}
	m.keys[sig.Key()] = true
	cp := *sig
	m.signals = append(m.signals, &cp)
	if bump != nil {
		a, ok := m.actors[bump.ActorID]
		if !ok {
			a = &Actor{ID: bump.ActorID, CreatedAt: bump.At}
			m.actors[bump.ActorID] = a
		}
		a.RiskScore = bump.apply(a.RiskScore)
		at := bump.At
		a.LastScoreUpdate = at
		a.LastNegativeSignalAt = &at
	}
	return nil
}

func (m *MemoryStore) GetActor(_ context.Context, id string) (*Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.actors[id]
	if !ok {
		return nil, ErrActorNotFound
	}
	return copyActor(a), nil
}

func (m *MemoryStore) SaveActor(_ context.Context, actor *Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.actors[actor.ID]; ok {
		cur.Role = actor.Role
		return nil
	}
	m.actors[actor.ID] = copyActor(actor)
	return nil
}

func (m *MemoryStore) SaveDecayed(_ context.Context, actor *Actor, expected float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.actors[actor.ID]
	if !ok {
		return false, ErrActorNotFound
	}
	if cur.RiskScore != expected || !sameTime(cur.LastNegativeSignalAt, actor.LastNegativeSignalAt) {
		return false, nil
	}
	cur.RiskScore = actor.RiskScore
	cur.LastScoreUpdate = actor.LastScoreUpdate
	if actor.LastDecayAt != nil {
		t := *actor.LastDecayAt
		cur.LastDecayAt = &t
	}
	return true, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (m *MemoryStore) ListActorSignals(_ context.Context, actorID string, after *pagination.Cursor, limit int) ([]*Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Signal
	for _, s := range m.signals {
		if s.ActorID == actorID && after.After(s.ProducedAt, s.ID) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListEntitySignals(_ context.Context, kind EntityKind, entityID string) ([]*Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Signal
	for _, s := range m.signals {
		if s.EntityKind == kind && s.EntityID == entityID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) ListDecayCandidates(_ context.Context, quietSince time.Time, floor float64, limit int) ([]*Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Actor
	for _, a := range m.actors {
		if a.RiskScore <= floor || !lastActivity(a).Before(quietSince) {
			continue
		}
		out = append(out, copyActor(a))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// lastActivity is the later of the actor's last negative signal and last decay.
func lastActivity(a *Actor) time.Time {
	t := a.CreatedAt
	if a.LastNegativeSignalAt != nil && a.LastNegativeSignalAt.After(t) {
		t = *a.LastNegativeSignalAt
	}
	if a.LastDecayAt != nil && a.LastDecayAt.After(t) {
		t = *a.LastDecayAt
	}
	return t
}

func sortNewestFirst(signals []*Signal) {
	sort.Slice(signals, func(i, j int) bool {
		if signals[i].ProducedAt.Equal(signals[j].ProducedAt) {
			return signals[i].ID > signals[j].ID
		}
		return signals[i].ProducedAt.After(signals[j].ProducedAt)
	})
}

func copyActor(a *Actor) *Actor {
	cp := *a
	if a.LastNegativeSignalAt != nil {
		t := *a.LastNegativeSignalAt
		cp.LastNegativeSignalAt = &t
	}
	if a.LastDecayAt != nil {
		t := *a.LastDecayAt
		cp.LastDecayAt = &t
	}
	return &cp
}
