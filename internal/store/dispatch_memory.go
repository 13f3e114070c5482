package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/knagata/pollgrid/internal/model"
)

// activeSlot is the versioned per-task lease slot. Version 0 is the empty
// slot; every successful swap increments it, so a caller holding a stale
// version always loses the compare.
type activeSlot struct {
	version    uint64
	dispatchID string // "" when no active lease
}

// MemoryDispatchStore is the single-process reference DispatchStore.
// The by-task slot carries the CAS version; dispatch records live in a
// by-id map so a superseded lease keeps its history until removed.
type MemoryDispatchStore struct {
	mu     sync.RWMutex
	byTask map[string]*activeSlot
	byID   map[string]*model.Dispatch
}

func NewMemoryDispatchStore() *MemoryDispatchStore {
	return &MemoryDispatchStore{
		byTask: make(map[string]*activeSlot),
		byID:   make(map[string]*model.Dispatch),
	}
}

func (s *MemoryDispatchStore) GetActive(_ context.Context, taskID string) (*model.Dispatch, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.byTask[taskID]
	if !ok || slot.dispatchID == "" {
		var version uint64
		if ok {
			version = slot.version
		}
		return nil, version, nil
	}
	d, ok := s.byID[slot.dispatchID]
	if !ok {
		return nil, slot.version, fmt.Errorf("active slot for %s points at %s: %w", taskID, slot.dispatchID, ErrDispatchNotFound)
	}
	return d.Clone(), slot.version, nil
}

func (s *MemoryDispatchStore) CompareAndSwapActive(_ context.Context, taskID string, expected uint64, d *model.Dispatch) (bool, error) {
	if d == nil || d.ID == "" {
		return false, fmt.Errorf("compare and swap for %s: missing dispatch id", taskID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.byTask[taskID]
	if !ok {
		slot = &activeSlot{}
		s.byTask[taskID] = slot
	}
	if slot.version != expected {
		return false, nil
	}
	slot.dispatchID = d.ID
	slot.version++
	s.byID[d.ID] = d.Clone()
	return true, nil
}

func (s *MemoryDispatchStore) GetByID(_ context.Context, dispatchID string) (*model.Dispatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[dispatchID]
	if !ok {
		return nil, fmt.Errorf("dispatch %s: %w", dispatchID, ErrDispatchNotFound)
	}
	return d.Clone(), nil
}

func (s *MemoryDispatchStore) ListActive(_ context.Context) ([]*model.Dispatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []*model.Dispatch
	for _, slot := range s.byTask {
		if slot.dispatchID == "" {
			continue
		}
		if d, ok := s.byID[slot.dispatchID]; ok {
			active = append(active, d.Clone())
		}
	}
	return active, nil
}

func (s *MemoryDispatchStore) Update(_ context.Context, dispatchID string, fn func(*model.Dispatch) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[dispatchID]
	if !ok {
		return fmt.Errorf("dispatch %s: %w", dispatchID, ErrDispatchNotFound)
	}
	cp := d.Clone()
	if err := fn(cp); err != nil {
		return err
	}
	s.byID[dispatchID] = cp
	return nil
}

func (s *MemoryDispatchStore) Remove(_ context.Context, dispatchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[dispatchID]
	if !ok {
		return fmt.Errorf("dispatch %s: %w", dispatchID, ErrDispatchNotFound)
	}
	delete(s.byID, dispatchID)
	if slot, ok := s.byTask[d.TaskID]; ok && slot.dispatchID == dispatchID {
		slot.dispatchID = ""
		slot.version++
	}
	return nil
}

// IsActive reports whether dispatchID is still the active lease for its task.
func (s *MemoryDispatchStore) IsActive(dispatchID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[dispatchID]
	if !ok {
		return false
	}
	slot, ok := s.byTask[d.TaskID]
	return ok && slot.dispatchID == dispatchID
}
