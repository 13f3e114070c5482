package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/knagata/pollgrid/internal/lock"
	"github.com/knagata/pollgrid/internal/model"
	"github.com/knagata/pollgrid/internal/store"
)

// ErrLeaseExpired is returned by Extend when the dispatch is no longer the
// task's live lease. Recoverable: the caller should re-check and possibly
// retry acquisition.
var ErrLeaseExpired = errors.New("lease expired")

const ttlExpiredDetail = "ttl expired"

// LeaseManager owns dispatch lease acquisition, renewal, and release for
// tasks. Mutual exclusion rests entirely on the dispatch store's versioned
// compare-and-swap; the keyed in-process mutex only short-circuits the common
// case of two pollers in the same process racing on one task.
type LeaseManager struct {
	tasks      store.TaskStore
	dispatches store.DispatchStore
	fast       *lock.KeyedMutex
	ttl        time.Duration
	now        func() time.Time
	sink       logSink
}

func NewLeaseManager(tasks store.TaskStore, dispatches store.DispatchStore, ttl time.Duration, logger *log.Logger, level *LevelVar) *LeaseManager {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &LeaseManager{
		tasks:      tasks,
		dispatches: dispatches,
		fast:       lock.NewKeyedMutex(),
		ttl:        ttl,
		now:        time.Now,
		sink:       logSink{logger: logger, level: level, component: "lease_manager"},
	}
}

// SetClock overrides the time source for tests.
func (lm *LeaseManager) SetClock(now func() time.Time) { lm.now = now }

// TTL returns the configured lease duration.
func (lm *LeaseManager) TTL() time.Duration { return lm.ttl }

// TryAcquire attempts to become the task's live lease holder. It succeeds
// only when no live lease exists; a superseded lease keeps its history and
// gets an expiry audit event. Exactly one of any number of concurrent callers
// wins; losers return acquired=false after observing the winner live.
func (lm *LeaseManager) TryAcquire(ctx context.Context, taskID, dispatchID string) (bool, error) {
	lm.fast.Lock(taskID)
	defer lm.fast.Unlock(taskID)

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		prev, version, err := lm.dispatches.GetActive(ctx, taskID)
		if err != nil {
			return false, fmt.Errorf("read active dispatch for %s: %w", taskID, err)
		}

		attempt := 1
		now := lm.now()
		if prev != nil {
			if !prev.Expired(now) {
				lm.sink.log(LogLevelDebug, "acquire_lost task=%s holder=%s expires=%s",
					taskID, prev.ID, prev.Deadline.Format(time.RFC3339))
				return false, nil
			}
			attempt = prev.Attempt + 1
		}

		d := &model.Dispatch{
			ID:       dispatchID,
			TaskID:   taskID,
			Attempt:  attempt,
			Deadline: now.Add(lm.ttl),
		}
		d.AppendEvent(model.DispatchAcquired, now, "")

		swapped, err := lm.dispatches.CompareAndSwapActive(ctx, taskID, version, d)
		if err != nil {
			return false, fmt.Errorf("swap active dispatch for %s: %w", taskID, err)
		}
		if !swapped {
			// Lost the race; re-read. If the winner's lease is live the next
			// iteration fails with acquired=false.
			continue
		}

		if prev != nil {
			lm.markExpired(ctx, prev.ID)
		}
		lm.updateBackReference(ctx, taskID, dispatchID)

		lm.sink.log(LogLevelInfo, "lease_acquire task=%s dispatch=%s attempt=%d expires=%s",
			taskID, dispatchID, attempt, d.Deadline.Format(time.RFC3339))
		return true, nil
	}
}

// Extend pushes the lease deadline out by ttl (the manager's default when
// ttl <= 0). Fails with ErrLeaseExpired once the dispatch is superseded,
// removed, or past its deadline.
func (lm *LeaseManager) Extend(ctx context.Context, dispatchID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = lm.ttl
	}
	d, err := lm.dispatches.GetByID(ctx, dispatchID)
	if err != nil {
		if errors.Is(err, store.ErrDispatchNotFound) {
			return fmt.Errorf("extend %s: %w", dispatchID, ErrLeaseExpired)
		}
		return fmt.Errorf("extend %s: %w", dispatchID, err)
	}
	active, _, err := lm.dispatches.GetActive(ctx, d.TaskID)
	if err != nil {
		return fmt.Errorf("extend %s: %w", dispatchID, err)
	}
	if active == nil || active.ID != dispatchID {
		return fmt.Errorf("extend %s: superseded: %w", dispatchID, ErrLeaseExpired)
	}

	now := lm.now()
	deadline := now.Add(ttl)
	err = lm.dispatches.Update(ctx, dispatchID, func(d *model.Dispatch) error {
		if d.Expired(now) {
			return ErrLeaseExpired
		}
		d.Deadline = deadline
		d.AppendEvent(model.DispatchExtended, now, "")
		return nil
	})
	if err != nil {
		return fmt.Errorf("extend %s: %w", dispatchID, err)
	}
	lm.sink.log(LogLevelDebug, "lease_extend dispatch=%s new_expires=%s",
		dispatchID, deadline.Format(time.RFC3339))
	return nil
}

// AddStatus appends an event to the dispatch's audit history.
func (lm *LeaseManager) AddStatus(ctx context.Context, dispatchID string, status model.DispatchStatus, detail string) error {
	now := lm.now()
	err := lm.dispatches.Update(ctx, dispatchID, func(d *model.Dispatch) error {
		d.AppendEvent(status, now, detail)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add status to %s: %w", dispatchID, err)
	}
	return nil
}

// Release removes the dispatch and clears the task's back-reference if it
// still points at it. Releasing an already-removed dispatch is not an error.
func (lm *LeaseManager) Release(ctx context.Context, dispatchID string) error {
	d, err := lm.dispatches.GetByID(ctx, dispatchID)
	if err != nil {
		if errors.Is(err, store.ErrDispatchNotFound) {
			return nil
		}
		return fmt.Errorf("release %s: %w", dispatchID, err)
	}
	if err := lm.dispatches.Remove(ctx, dispatchID); err != nil && !errors.Is(err, store.ErrDispatchNotFound) {
		return fmt.Errorf("release %s: %w", dispatchID, err)
	}
	if _, err := lm.tasks.SetActiveDispatch(ctx, d.TaskID, dispatchID, ""); err != nil {
		lm.sink.log(LogLevelWarn, "release_backref task=%s dispatch=%s error=%v", d.TaskID, dispatchID, err)
	}
	lm.sink.log(LogLevelInfo, "lease_release task=%s dispatch=%s attempt=%d", d.TaskID, dispatchID, d.Attempt)
	return nil
}

// markExpired appends the expiry audit event to a superseded lease. The
// record is kept, not deleted: the history is the audit trail.
func (lm *LeaseManager) markExpired(ctx context.Context, dispatchID string) {
	now := lm.now()
	err := lm.dispatches.Update(ctx, dispatchID, func(d *model.Dispatch) error {
		d.AppendEvent(model.DispatchError, now, ttlExpiredDetail)
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrDispatchNotFound) {
		lm.sink.log(LogLevelWarn, "mark_expired dispatch=%s error=%v", dispatchID, err)
	}
}

// updateBackReference points the task at its new lease. The back-reference is
// informational; a failed compare here never affects mutual exclusion.
func (lm *LeaseManager) updateBackReference(ctx context.Context, taskID, dispatchID string) {
	t, err := lm.tasks.ReadTask(ctx, taskID)
	if err != nil {
		lm.sink.log(LogLevelWarn, "backref_read task=%s error=%v", taskID, err)
		return
	}
	swapped, err := lm.tasks.SetActiveDispatch(ctx, taskID, t.ActiveDispatchID, dispatchID)
	if err != nil {
		lm.sink.log(LogLevelWarn, "backref_set task=%s error=%v", taskID, err)
		return
	}
	if !swapped {
		lm.sink.log(LogLevelDebug, "backref_race task=%s dispatch=%s", taskID, dispatchID)
	}
}
