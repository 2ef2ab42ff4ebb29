package store

import (
	"context"
	"sync"

	"github.com/BaSui01/agentmemory/types"
)

// MemoryStore keeps units in a map. Suitable for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	units  map[string]*types.MemoryUnit
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{units: make(map[string]*types.MemoryUnit)}
}

func (s *MemoryStore) Save(ctx context.Context, unit *types.MemoryUnit) error {
	if err := validateUnit(unit); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.units[unit.ID] = unit.Clone()
	return nil
}

// SaveAll stores every unit or none of them.
func (s *MemoryStore) SaveAll(ctx context.Context, units []*types.MemoryUnit) error {
	for _, u := range units {
		if err := validateUnit(u); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for _, u := range units {
		s.units[u.ID] = u.Clone()
	}
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (*types.MemoryUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	u, ok := s.units[id]
	if !ok {
		return nil, notFound(id)
	}
	return u.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.units[id]; !ok {
		return notFound(id)
	}
	delete(s.units, id)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, filter types.Filter) ([]*types.MemoryUnit, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	units := make([]*types.MemoryUnit, 0, len(s.units))
	for _, u := range s.units {
		units = append(units, u.Clone())
	}
	return finish(units, filter), nil
}

// Len returns the number of stored units.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.units)
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.units = nil
	return nil
}
