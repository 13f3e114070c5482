package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/knagata/pollgrid/internal/model"
	"github.com/knagata/pollgrid/internal/store"
)

func newLeaseEnv(t *testing.T, ttl time.Duration) (*LeaseManager, *store.MemoryTaskStore, *store.MemoryDispatchStore) {
	t.Helper()
	tasks := store.NewMemoryTaskStore()
	dispatches := store.NewMemoryDispatchStore()
	logger, level := testLogger()
	return NewLeaseManager(tasks, dispatches, ttl, logger, level), tasks, dispatches
}

func TestTryAcquireFreshTask(t *testing.T) {
	ctx := context.Background()
	lm, tasks, dispatches := newLeaseEnv(t, time.Minute)
	mustCreateTask(t, tasks, &model.Task{ID: "task_1", SessionID: "sess_1", Status: model.StatusSubmitted})

	acquired, err := lm.TryAcquire(ctx, "task_1", "disp_a")
	if err != nil || !acquired {
		t.Fatalf("acquire: acquired=%v err=%v", acquired, err)
	}

	d, err := dispatches.GetByID(ctx, "disp_a")
	if err != nil {
		t.Fatal(err)
	}
	if d.Attempt != 1 {
		t.Errorf("attempt: got %d, want 1", d.Attempt)
	}
	if len(d.History) != 1 || d.History[0].Status != model.DispatchAcquired {
		t.Errorf("history: %+v", d.History)
	}
	task, _ := tasks.ReadTask(ctx, "task_1")
	if task.ActiveDispatchID != "disp_a" {
		t.Errorf("back-reference: got %q, want disp_a", task.ActiveDispatchID)
	}
}

func TestTryAcquireBlockedByLiveLease(t *testing.T) {
	ctx := context.Background()
	lm, tasks, _ := newLeaseEnv(t, time.Minute)
	mustCreateTask(t, tasks, &model.Task{ID: "task_1", SessionID: "sess_1", Status: model.StatusSubmitted})

	if acquired, err := lm.TryAcquire(ctx, "task_1", "disp_a"); err != nil || !acquired {
		t.Fatalf("first acquire: acquired=%v err=%v", acquired, err)
	}
	acquired, err := lm.TryAcquire(ctx, "task_1", "disp_b")
	if err != nil {
		t.Fatal(err)
	}
	if acquired {
		t.Error("second acquire succeeded against a live lease")
	}
}

func TestTryAcquireExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	lm, tasks, _ := newLeaseEnv(t, time.Minute)
	mustCreateTask(t, tasks, &model.Task{ID: "task_1", SessionID: "sess_1", Status: model.StatusSubmitted})

	const n = 16
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acquired, err := lm.TryAcquire(ctx, "task_1", fmt.Sprintf("disp_%d", i))
			if err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			if acquired {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("winners: got %d, want exactly 1", wins)
	}
}

func TestTryAcquireAfterExpiryIncrementsAttempt(t *testing.T) {
	ctx := context.Background()
	lm, tasks, dispatches := newLeaseEnv(t, time.Minute)
	mustCreateTask(t, tasks, &model.Task{ID: "task_1", SessionID: "sess_1", Status: model.StatusSubmitted})

	base := time.Unix(1000, 0)
	now := base
	lm.SetClock(func() time.Time { return now })

	if acquired, err := lm.TryAcquire(ctx, "task_1", "disp_a"); err != nil || !acquired {
		t.Fatalf("first acquire: acquired=%v err=%v", acquired, err)
	}

	// Holder dies; TTL runs out.
	now = base.Add(2 * time.Minute)
	acquired, err := lm.TryAcquire(ctx, "task_1", "disp_b")
	if err != nil || !acquired {
		t.Fatalf("takeover: acquired=%v err=%v", acquired, err)
	}

	d, err := dispatches.GetByID(ctx, "disp_b")
	if err != nil {
		t.Fatal(err)
	}
	if d.Attempt != 2 {
		t.Errorf("attempt after takeover: got %d, want 2", d.Attempt)
	}

	// The superseded lease keeps its record and gains the expiry audit event.
	old, err := dispatches.GetByID(ctx, "disp_a")
	if err != nil {
		t.Fatal(err)
	}
	last := old.History[len(old.History)-1]
	if last.Status != model.DispatchError || last.Detail != ttlExpiredDetail {
		t.Errorf("expiry event: %+v", last)
	}
	task, _ := tasks.ReadTask(ctx, "task_1")
	if task.ActiveDispatchID != "disp_b" {
		t.Errorf("back-reference: got %q, want disp_b", task.ActiveDispatchID)
	}
}

func TestExtendLiveLease(t *testing.T) {
	ctx := context.Background()
	lm, tasks, dispatches := newLeaseEnv(t, time.Minute)
	mustCreateTask(t, tasks, &model.Task{ID: "task_1", SessionID: "sess_1", Status: model.StatusSubmitted})

	base := time.Unix(1000, 0)
	now := base
	lm.SetClock(func() time.Time { return now })

	if acquired, err := lm.TryAcquire(ctx, "task_1", "disp_a"); err != nil || !acquired {
		t.Fatal("acquire failed")
	}

	now = base.Add(30 * time.Second)
	if err := lm.Extend(ctx, "disp_a", 0); err != nil {
		t.Fatalf("extend: %v", err)
	}
	d, _ := dispatches.GetByID(ctx, "disp_a")
	if want := now.Add(time.Minute); !d.Deadline.Equal(want) {
		t.Errorf("deadline: got %s, want %s", d.Deadline, want)
	}
	if d.History[len(d.History)-1].Status != model.DispatchExtended {
		t.Errorf("history: %+v", d.History)
	}
}

func TestExtendExpiredLease(t *testing.T) {
	ctx := context.Background()
	lm, tasks, _ := newLeaseEnv(t, time.Minute)
	mustCreateTask(t, tasks, &model.Task{ID: "task_1", SessionID: "sess_1", Status: model.StatusSubmitted})

	base := time.Unix(1000, 0)
	now := base
	lm.SetClock(func() time.Time { return now })

	if acquired, err := lm.TryAcquire(ctx, "task_1", "disp_a"); err != nil || !acquired {
		t.Fatal("acquire failed")
	}

	now = base.Add(2 * time.Minute)
	if err := lm.Extend(ctx, "disp_a", 0); !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("extend past deadline: %v, want ErrLeaseExpired", err)
	}
}

func TestExtendSupersededLease(t *testing.T) {
	ctx := context.Background()
	lm, tasks, _ := newLeaseEnv(t, time.Minute)
	mustCreateTask(t, tasks, &model.Task{ID: "task_1", SessionID: "sess_1", Status: model.StatusSubmitted})

	base := time.Unix(1000, 0)
	now := base
	lm.SetClock(func() time.Time { return now })

	if acquired, err := lm.TryAcquire(ctx, "task_1", "disp_a"); err != nil || !acquired {
		t.Fatal("acquire failed")
	}
	now = base.Add(2 * time.Minute)
	if acquired, err := lm.TryAcquire(ctx, "task_1", "disp_b"); err != nil || !acquired {
		t.Fatal("takeover failed")
	}

	if err := lm.Extend(ctx, "disp_a", 0); !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("extend superseded: %v, want ErrLeaseExpired", err)
	}
	if err := lm.Extend(ctx, "disp_missing", 0); !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("extend removed: %v, want ErrLeaseExpired", err)
	}
}

func TestReleaseClearsBackReference(t *testing.T) {
	ctx := context.Background()
	lm, tasks, dispatches := newLeaseEnv(t, time.Minute)
	mustCreateTask(t, tasks, &model.Task{ID: "task_1", SessionID: "sess_1", Status: model.StatusSubmitted})

	if acquired, err := lm.TryAcquire(ctx, "task_1", "disp_a"); err != nil || !acquired {
		t.Fatal("acquire failed")
	}
	if err := lm.Release(ctx, "disp_a"); err != nil {
		t.Fatalf("release: %v", err)
	}

	task, _ := tasks.ReadTask(ctx, "task_1")
	if task.ActiveDispatchID != "" {
		t.Errorf("back-reference not cleared: %q", task.ActiveDispatchID)
	}
	if _, err := dispatches.GetByID(ctx, "disp_a"); !errors.Is(err, store.ErrDispatchNotFound) {
		t.Errorf("dispatch not removed: %v", err)
	}

	// Releasing again, or releasing an unknown dispatch, is a no-op.
	if err := lm.Release(ctx, "disp_a"); err != nil {
		t.Errorf("second release: %v", err)
	}

	// The slot is free again.
	if acquired, err := lm.TryAcquire(ctx, "task_1", "disp_b"); err != nil || !acquired {
		t.Errorf("reacquire after release: acquired=%v err=%v", acquired, err)
	}
}
