// Package store defines the durable-state collaborator interfaces the
// coordination core runs against: the task record store and the dispatch
// (lease) store. Any backend may implement them; the only capability the core
// relies on for correctness is the conditional update ("expected previous
// value" compare-and-swap). The in-memory implementations in this package are
// the single-process reference used by the binary and the tests.
package store

import (
	"context"
	"errors"

	"github.com/knagata/pollgrid/internal/model"
)

// ErrTaskNotFound is returned when a task id has no record. Callers use
// errors.Is to distinguish data-integrity failures from transient ones.
var ErrTaskNotFound = errors.New("task not found")

// ErrDependencyNotFound is returned when a dependency id names a result that
// was never registered. Surfaced, not retried locally.
var ErrDependencyNotFound = errors.New("dependency not found")

// ErrDispatchNotFound is returned for lookups of a dispatch id that is not
// (or no longer) present.
var ErrDispatchNotFound = errors.New("dispatch not found")

// TaskStore is the task-record collaborator. Implementations must guarantee
// that a read never observes a partially-updated record and that UpdateStatus
// is atomic with respect to concurrent updates.
type TaskStore interface {
	ReadTask(ctx context.Context, id string) (*model.Task, error)

	// CreateTask registers a new task record. The record must carry an id.
	CreateTask(ctx context.Context, t *model.Task) error

	// UpdateStatus replaces the task's status only if the stored status still
	// equals expected. Returns false (and no error) when the compare fails.
	UpdateStatus(ctx context.Context, id string, expected, next model.Status) (bool, error)

	// IncrementRetry bumps the monotonic retry counter and returns the new value.
	IncrementRetry(ctx context.Context, id string) (int, error)

	// SetActiveDispatch updates the task's back-reference to its current lease,
	// only if the stored reference still equals expected ("" for none).
	SetActiveDispatch(ctx context.Context, id, expected, next string) (bool, error)

	// RecordError stores the last classified failure detail on the task record.
	RecordError(ctx context.Context, id, detail string) error

	// RecordResult stores the result blob id on the task and marks the task's
	// result complete for dependency checks.
	RecordResult(ctx context.Context, id, resultID string) error

	// ListChildren returns the tasks whose ParentID equals id.
	ListChildren(ctx context.Context, id string) ([]*model.Task, error)

	// ListByStatus returns every task currently in the given status. Used by
	// the recovery sweep.
	ListByStatus(ctx context.Context, status model.Status) ([]*model.Task, error)

	IsSessionCancelled(ctx context.Context, sessionID string) (bool, error)

	// AreDependenciesComplete reports whether every listed result id has
	// completed. An unregistered id is a data-integrity error
	// (ErrDependencyNotFound), not an incomplete dependency.
	AreDependenciesComplete(ctx context.Context, ids []string) (bool, error)
}

// SessionCanceller is implemented by task stores that can flag a whole
// session cancelled. Optional: the core only reads the flag, the control
// plane sets it.
type SessionCanceller interface {
	CancelSession(ctx context.Context, sessionID string) error
}

// DispatchStore owns the per-task active-lease slot, the only mutually
// exclusive shared resource in the system. The slot is versioned: version 0
// means empty, and every successful CompareAndSwapActive increments it.
// Superseded dispatch records stay addressable by id until removed, so their
// history survives takeover for audit.
type DispatchStore interface {
	// GetActive returns the task's current lease (nil if none) and the slot
	// version to use in a subsequent CompareAndSwapActive.
	GetActive(ctx context.Context, taskID string) (*model.Dispatch, uint64, error)

	// CompareAndSwapActive installs d as the task's active lease only if the
	// slot version still equals expected. Returns false on a lost race.
	CompareAndSwapActive(ctx context.Context, taskID string, expected uint64, d *model.Dispatch) (bool, error)

	GetByID(ctx context.Context, dispatchID string) (*model.Dispatch, error)

	// ListActive returns every task's current lease, expired or not. Used by
	// the recovery sweep.
	ListActive(ctx context.Context) ([]*model.Dispatch, error)

	// Update applies fn to the dispatch record atomically. fn sees a private
	// copy; the result replaces the record only if fn returns nil.
	Update(ctx context.Context, dispatchID string, fn func(*model.Dispatch) error) error

	// Remove deletes the dispatch record and, if it is still the task's active
	// lease, clears the slot.
	Remove(ctx context.Context, dispatchID string) error
}
