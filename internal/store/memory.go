package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/knagata/pollgrid/internal/model"
)

// taskSlot is a versioned holder for one task record. Writers replace the
// record wholesale under the store mutex, so readers handed a clone never
// observe a partial update.
type taskSlot struct {
	version uint64
	task    *model.Task
}

// MemoryTaskStore is the single-process reference TaskStore. Conditional
// updates are implemented as expected-previous-value compares under one lock,
// the in-memory analogue of a versioned document write.
type MemoryTaskStore struct {
	mu       sync.RWMutex
	tasks    map[string]*taskSlot
	sessions map[string]bool // session id -> cancelled
	results  map[string]bool // result id -> completed
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks:    make(map[string]*taskSlot),
		sessions: make(map[string]bool),
		results:  make(map[string]bool),
	}
}

func (s *MemoryTaskStore) ReadTask(_ context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("read task %s: %w", id, ErrTaskNotFound)
	}
	return slot.task.Clone(), nil
}

func (s *MemoryTaskStore) CreateTask(_ context.Context, t *model.Task) error {
	if t.ID == "" {
		return fmt.Errorf("create task: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("create task %s: already exists", t.ID)
	}
	cp := t.Clone()
	now := time.Now().UTC().Format(time.RFC3339)
	if cp.CreatedAt == "" {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.tasks[t.ID] = &taskSlot{version: 1, task: cp}
	if _, ok := s.sessions[cp.SessionID]; !ok && cp.SessionID != "" {
		s.sessions[cp.SessionID] = false
	}
	// A task's own result starts registered-but-incomplete, so dependents
	// postpone instead of failing with a missing dependency.
	if _, ok := s.results[t.ID]; !ok {
		s.results[t.ID] = false
	}
	return nil
}

func (s *MemoryTaskStore) UpdateStatus(_ context.Context, id string, expected, next model.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.tasks[id]
	if !ok {
		return false, fmt.Errorf("update status %s: %w", id, ErrTaskNotFound)
	}
	if slot.task.Status != expected {
		return false, nil
	}
	cp := slot.task.Clone()
	cp.Status = next
	cp.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	slot.task = cp
	slot.version++
	return true, nil
}

func (s *MemoryTaskStore) IncrementRetry(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.tasks[id]
	if !ok {
		return 0, fmt.Errorf("increment retry %s: %w", id, ErrTaskNotFound)
	}
	cp := slot.task.Clone()
	cp.RetryCount++
	cp.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	slot.task = cp
	slot.version++
	return cp.RetryCount, nil
}

func (s *MemoryTaskStore) SetActiveDispatch(_ context.Context, id, expected, next string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.tasks[id]
	if !ok {
		return false, fmt.Errorf("set active dispatch %s: %w", id, ErrTaskNotFound)
	}
	if slot.task.ActiveDispatchID != expected {
		return false, nil
	}
	cp := slot.task.Clone()
	cp.ActiveDispatchID = next
	cp.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	slot.task = cp
	slot.version++
	return true, nil
}

func (s *MemoryTaskStore) RecordError(_ context.Context, id, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("record error %s: %w", id, ErrTaskNotFound)
	}
	cp := slot.task.Clone()
	cp.LastError = detail
	cp.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	slot.task = cp
	slot.version++
	return nil
}

func (s *MemoryTaskStore) RecordResult(_ context.Context, id, resultID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("record result %s: %w", id, ErrTaskNotFound)
	}
	cp := slot.task.Clone()
	cp.ResultID = resultID
	cp.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	slot.task = cp
	slot.version++
	s.results[id] = true
	return nil
}

func (s *MemoryTaskStore) ListChildren(_ context.Context, id string) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var children []*model.Task
	for _, slot := range s.tasks {
		if slot.task.ParentID == id {
			children = append(children, slot.task.Clone())
		}
	}
	return children, nil
}

func (s *MemoryTaskStore) ListByStatus(_ context.Context, status model.Status) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tasks []*model.Task
	for _, slot := range s.tasks {
		if slot.task.Status == status {
			tasks = append(tasks, slot.task.Clone())
		}
	}
	return tasks, nil
}

func (s *MemoryTaskStore) IsSessionCancelled(_ context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID], nil
}

// CancelSession marks a session cancelled. Part of the reference
// implementation surface, not of the TaskStore contract the core consumes.
func (s *MemoryTaskStore) CancelSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = true
	return nil
}

// PutResult registers a result id and its completion state.
func (s *MemoryTaskStore) PutResult(_ context.Context, resultID string, completed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[resultID] = completed
	return nil
}

func (s *MemoryTaskStore) AreDependenciesComplete(_ context.Context, ids []string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range ids {
		completed, ok := s.results[id]
		if !ok {
			return false, fmt.Errorf("dependency %s: %w", id, ErrDependencyNotFound)
		}
		if !completed {
			return false, nil
		}
	}
	return true, nil
}

// Export returns a deep copy of every task record, for snapshotting.
func (s *MemoryTaskStore) Export() []*model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := make([]*model.Task, 0, len(s.tasks))
	for _, slot := range s.tasks {
		tasks = append(tasks, slot.task.Clone())
	}
	return tasks
}

// CancelledSessions lists the sessions currently flagged cancelled.
func (s *MemoryTaskStore) CancelledSessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, cancelled := range s.sessions {
		if cancelled {
			ids = append(ids, id)
		}
	}
	return ids
}

// Restore loads snapshot state into the store. Meant for an empty store at
// agent startup; existing records with the same ids are replaced.
func (s *MemoryTaskStore) Restore(tasks []*model.Task, cancelledSessions []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if t == nil || t.ID == "" {
			continue
		}
		cp := t.Clone()
		s.tasks[t.ID] = &taskSlot{version: 1, task: cp}
		if cp.SessionID != "" {
			if _, ok := s.sessions[cp.SessionID]; !ok {
				s.sessions[cp.SessionID] = false
			}
		}
		s.results[cp.ID] = cp.Status == model.StatusCompleted
	}
	for _, id := range cancelledSessions {
		s.sessions[id] = true
	}
}

// Version exposes the slot version for a task, for tests asserting that a
// conditional write either committed or left the record untouched.
func (s *MemoryTaskStore) Version(id string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.tasks[id]
	if !ok {
		return 0
	}
	return slot.version
}
