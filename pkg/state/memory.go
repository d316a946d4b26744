package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openfleet/maestro/pkg/models"
)

// MemoryStore keeps session state and plans in process memory. Safe for
// concurrent use. Data does not survive restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.SessionState
	plans    map[string]*models.TodoList
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.SessionState),
		plans:    make(map[string]*models.TodoList),
	}
}

// LoadState implements Store.
func (m *MemoryStore) LoadState(_ context.Context, sessionID string) (*models.SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// SaveState implements Store with the optimistic version check.
func (m *MemoryStore) SaveState(_ context.Context, state *models.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.sessions[state.SessionID]
	switch {
	case !exists && state.Version != 0:
		return ErrVersionConflict
	case exists && stored.Version != state.Version:
		return ErrVersionConflict
	}

	state.Version++
	state.UpdatedAt = time.Now()
	m.sessions[state.SessionID] = state.Clone()
	return nil
}

// ListStates implements Store; results are ordered by most recent update.
func (m *MemoryStore) ListStates(_ context.Context) ([]*models.SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.SessionState, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// DeleteState implements Store. Deleting a session removes its plans.
func (m *MemoryStore) DeleteState(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, sessionID)
	for id, p := range m.plans {
		if p.SessionID == sessionID {
			delete(m.plans, id)
		}
	}
	return nil
}

// Cleanup implements Store.
func (m *MemoryStore) Cleanup(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
			for pid, p := range m.plans {
				if p.SessionID == id {
					delete(m.plans, pid)
				}
			}
		}
	}
	return removed, nil
}

// SavePlan implements Store.
func (m *MemoryStore) SavePlan(_ context.Context, plan *models.TodoList) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan.UpdatedAt = time.Now()
	m.plans[plan.ID] = plan.Clone()
	return nil
}

// LoadPlan implements Store.
func (m *MemoryStore) LoadPlan(_ context.Context, planID string) (*models.TodoList, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[planID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store.
func (m *MemoryStore) Close() {}
