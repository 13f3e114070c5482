package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/knagata/pollgrid/internal/model"
)

func newDispatch(id, taskID string, attempt int) *model.Dispatch {
	return &model.Dispatch{
		ID:       id,
		TaskID:   taskID,
		Attempt:  attempt,
		Deadline: time.Now().Add(time.Minute),
	}
}

func TestDispatchStoreEmptySlot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDispatchStore()

	d, version, err := s.GetActive(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}
	if d != nil || version != 0 {
		t.Errorf("empty slot: d=%+v version=%d", d, version)
	}
}

func TestDispatchStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDispatchStore()

	swapped, err := s.CompareAndSwapActive(ctx, "task_1", 0, newDispatch("disp_a", "task_1", 1))
	if err != nil || !swapped {
		t.Fatalf("first swap: swapped=%v err=%v", swapped, err)
	}

	// A second writer still holding version 0 must lose.
	swapped, err = s.CompareAndSwapActive(ctx, "task_1", 0, newDispatch("disp_b", "task_1", 1))
	if err != nil {
		t.Fatal(err)
	}
	if swapped {
		t.Error("stale version should not swap")
	}

	d, version, err := s.GetActive(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.ID != "disp_a" || version != 1 {
		t.Errorf("active: d=%+v version=%d", d, version)
	}

	// Replacing with the observed version succeeds.
	swapped, err = s.CompareAndSwapActive(ctx, "task_1", version, newDispatch("disp_c", "task_1", 2))
	if err != nil || !swapped {
		t.Fatalf("replace: swapped=%v err=%v", swapped, err)
	}
	if !s.IsActive("disp_c") || s.IsActive("disp_a") {
		t.Error("active slot did not move to disp_c")
	}
	// The superseded record stays readable by id.
	if _, err := s.GetByID(ctx, "disp_a"); err != nil {
		t.Errorf("superseded dispatch lost: %v", err)
	}
}

func TestDispatchStoreCASExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDispatchStore()

	const n = 16
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := newDispatch(fmt.Sprintf("disp_%d", i), "task_1", 1)
			swapped, err := s.CompareAndSwapActive(ctx, "task_1", 0, d)
			if err != nil {
				t.Errorf("swap: %v", err)
				return
			}
			if swapped {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("winners: got %d, want 1", wins)
	}
}

func TestDispatchStoreUpdateAndRemove(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDispatchStore()
	if _, err := s.CompareAndSwapActive(ctx, "task_1", 0, newDispatch("disp_a", "task_1", 1)); err != nil {
		t.Fatal(err)
	}

	err := s.Update(ctx, "disp_a", func(d *model.Dispatch) error {
		d.AppendEvent(model.DispatchExtended, time.Now(), "")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	d, _ := s.GetByID(ctx, "disp_a")
	if len(d.History) != 1 || d.History[0].Status != model.DispatchExtended {
		t.Errorf("history: %+v", d.History)
	}

	// An update whose fn fails must not commit.
	boom := errors.New("boom")
	if err := s.Update(ctx, "disp_a", func(*model.Dispatch) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("update: %v", err)
	}
	d, _ = s.GetByID(ctx, "disp_a")
	if len(d.History) != 1 {
		t.Error("failed update committed")
	}

	if err := s.Remove(ctx, "disp_a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetByID(ctx, "disp_a"); !errors.Is(err, ErrDispatchNotFound) {
		t.Errorf("want ErrDispatchNotFound, got %v", err)
	}
	active, _, err := s.GetActive(ctx, "task_1")
	if err != nil || active != nil {
		t.Errorf("slot not cleared: active=%+v err=%v", active, err)
	}
	// Removing bumps the version, so a writer holding the pre-remove
	// version cannot sneak in.
	swapped, err := s.CompareAndSwapActive(ctx, "task_1", 1, newDispatch("disp_b", "task_1", 1))
	if err != nil {
		t.Fatal(err)
	}
	if swapped {
		t.Error("pre-remove version should not swap")
	}
}

func TestDispatchStoreListActive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDispatchStore()
	if _, err := s.CompareAndSwapActive(ctx, "task_1", 0, newDispatch("disp_a", "task_1", 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompareAndSwapActive(ctx, "task_2", 0, newDispatch("disp_b", "task_2", 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, "disp_b"); err != nil {
		t.Fatal(err)
	}

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != "disp_a" {
		t.Errorf("active: %+v", active)
	}
}
