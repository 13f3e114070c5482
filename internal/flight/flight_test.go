package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCallDeduplicatesConcurrentCallers(t *testing.T) {
	c := New[string](time.Minute)
	var computes atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	compute := func(ctx context.Context) (string, error) {
		if computes.Add(1) == 1 {
			close(started)
		}
		<-release
		return "shared", nil
	}

	const callers = 8
	results := make(chan string, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, err := c.Call(context.Background(), compute)
		if err != nil {
			t.Errorf("leader: %v", err)
		}
		results <- v
	}()
	<-started
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Call(context.Background(), compute)
			if err != nil {
				t.Errorf("attacher: %v", err)
			}
			results <- v
		}()
	}
	// Give the attachers a moment to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for v := range results {
		if v != "shared" {
			t.Errorf("result: got %q, want shared", v)
		}
	}
	if n := computes.Load(); n != 1 {
		t.Errorf("computes: got %d, want 1", n)
	}
}

func TestCallServesCachedResultWithinValidity(t *testing.T) {
	c := New[int](time.Minute)
	base := time.Unix(1000, 0)
	now := base
	c.SetClock(func() time.Time { return now })

	var computes atomic.Int32
	compute := func(ctx context.Context) (int, error) {
		return int(computes.Add(1)), nil
	}

	v, err := c.Call(context.Background(), compute)
	if err != nil || v != 1 {
		t.Fatalf("first: v=%d err=%v", v, err)
	}

	now = base.Add(30 * time.Second)
	v, err = c.Call(context.Background(), compute)
	if err != nil || v != 1 {
		t.Errorf("within validity: v=%d err=%v, want cached 1", v, err)
	}

	now = base.Add(2 * time.Minute)
	v, err = c.Call(context.Background(), compute)
	if err != nil || v != 2 {
		t.Errorf("after validity: v=%d err=%v, want recomputed 2", v, err)
	}
	if n := computes.Load(); n != 2 {
		t.Errorf("computes: got %d, want 2", n)
	}
}

func TestCallZeroValidityNeverServesFromCache(t *testing.T) {
	c := New[int](0)
	var computes atomic.Int32
	compute := func(ctx context.Context) (int, error) {
		return int(computes.Add(1)), nil
	}
	for want := 1; want <= 3; want++ {
		v, err := c.Call(context.Background(), compute)
		if err != nil || v != want {
			t.Errorf("call %d: v=%d err=%v", want, v, err)
		}
	}
}

func TestCallDoesNotCacheErrors(t *testing.T) {
	c := New[string](time.Minute)
	boom := errors.New("boom")
	var computes atomic.Int32

	_, err := c.Call(context.Background(), func(ctx context.Context) (string, error) {
		computes.Add(1)
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("first: %v", err)
	}

	v, err := c.Call(context.Background(), func(ctx context.Context) (string, error) {
		computes.Add(1)
		return "recovered", nil
	})
	if err != nil || v != "recovered" {
		t.Errorf("retry after error: v=%q err=%v", v, err)
	}
	if n := computes.Load(); n != 2 {
		t.Errorf("computes: got %d, want 2", n)
	}
}

func TestCallerCancellationLeavesOthersUndisturbed(t *testing.T) {
	c := New[string](time.Minute)
	started := make(chan struct{})
	release := make(chan struct{})
	computeCancelled := make(chan struct{}, 1)

	compute := func(ctx context.Context) (string, error) {
		close(started)
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			computeCancelled <- struct{}{}
			return "", ctx.Err()
		}
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Call(leaderCtx, compute)
		leaderErr <- err
	}()
	<-started

	attacherDone := make(chan string, 1)
	go func() {
		v, err := c.Call(context.Background(), compute)
		if err != nil {
			t.Errorf("attacher: %v", err)
		}
		attacherDone <- v
	}()
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Errorf("leader: %v", err)
	}
	select {
	case <-computeCancelled:
		t.Fatal("compute cancelled while a waiter remained")
	default:
	}

	close(release)
	if v := <-attacherDone; v != "done" {
		t.Errorf("attacher: got %q, want done", v)
	}
}

func TestComputeCancelledWhenLastWaiterLeaves(t *testing.T) {
	c := New[string](time.Minute)
	started := make(chan struct{})
	computeCancelled := make(chan struct{})

	compute := func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		close(computeCancelled)
		return "", ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	callErr := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, compute)
		callErr <- err
	}()
	<-started
	cancel()

	if err := <-callErr; !errors.Is(err, context.Canceled) {
		t.Errorf("call: %v", err)
	}
	select {
	case <-computeCancelled:
	case <-time.After(time.Second):
		t.Error("compute not cancelled after last waiter left")
	}
}

func TestCallAfterAbandonedComputeStartsFreshLeader(t *testing.T) {
	c := New[int](time.Minute)
	started := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, func(cctx context.Context) (int, error) {
			close(started)
			<-cctx.Done()
			return 0, cctx.Err()
		})
		abandoned <- err
	}()
	<-started
	cancel()
	<-abandoned

	// The next caller must not attach to the dying call.
	v, err := c.Call(context.Background(), func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Errorf("fresh call: v=%d err=%v", v, err)
	}
}
