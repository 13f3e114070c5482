// Package flight provides a generic single-flight cache: at most one
// concurrent execution of an expensive computation, with the successful
// result served from cache for a configured validity window. Unlike
// golang.org/x/sync/singleflight, the shared computation is cancelled when
// the last interested caller detaches, and a completed result stays servable
// until its validity expires.
package flight

import (
	"context"
	"sync/atomic"
	"time"
)

// call is one shared computation slot. All callers currently interested in
// the result jointly own it through the waiter count; the underlying compute
// is cancelled only when that count reaches zero before completion.
type call[T any] struct {
	done    chan struct{} // closed after val/err/completedAt are set
	cancel  context.CancelFunc
	waiters atomic.Int64

	val         T
	err         error
	completedAt time.Time
}

// tryAttach joins the call as a waiter. It fails once the waiter count has
// hit zero: by then the compute may already be cancelled, so the caller must
// start a fresh leader instead.
func (c *call[T]) tryAttach() bool {
	for {
		w := c.waiters.Load()
		if w <= 0 {
			return false
		}
		if c.waiters.CompareAndSwap(w, w+1) {
			return true
		}
	}
}

// detach drops one waiter; the last one out cancels the shared compute.
func (c *call[T]) detach() {
	if c.waiters.Add(-1) == 0 {
		c.cancel()
	}
}

func (c *call[T]) completed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Cache deduplicates concurrent identical computations and caches the latest
// successful result for a validity window. The shared slot is protected
// purely by an atomic pointer swap plus the waiter refcount; there is no
// blocking lock.
type Cache[T any] struct {
	validity time.Duration
	slot     atomic.Pointer[call[T]]
	now      func() time.Time
}

// New creates a cache whose successful results stay valid for the given
// duration. A zero validity means a result is only shared with callers that
// arrive while the computation is still in flight.
func New[T any](validity time.Duration) *Cache[T] {
	return &Cache[T]{validity: validity, now: time.Now}
}

// SetClock overrides the time source for tests.
func (c *Cache[T]) SetClock(now func() time.Time) { c.now = now }

// Call returns the shared result of compute. The first caller with no valid
// cached result becomes the leader and runs compute under a cancellation
// scope detached from its own ctx; later callers attach and await the same
// result. A caller whose ctx fires detaches without disturbing the others;
// errors (including cancellation) are never cached.
func (c *Cache[T]) Call(ctx context.Context, compute func(context.Context) (T, error)) (T, error) {
	for {
		cur := c.slot.Load()

		if cur != nil {
			if cur.completed() {
				if cur.err == nil && c.now().Before(cur.completedAt.Add(c.validity)) {
					return cur.val, nil
				}
				// Stale or failed: race to install a fresh leader.
				next := c.newCall(compute)
				if c.slot.CompareAndSwap(cur, next) {
					return c.await(ctx, next)
				}
				next.cancel()
				continue
			}
			if cur.tryAttach() {
				return c.await(ctx, cur)
			}
			// The in-flight call lost its last waiter; supersede it.
			next := c.newCall(compute)
			if c.slot.CompareAndSwap(cur, next) {
				return c.await(ctx, next)
			}
			next.cancel()
			continue
		}

		next := c.newCall(compute)
		if c.slot.CompareAndSwap(nil, next) {
			return c.await(ctx, next)
		}
		next.cancel()
	}
}

// newCall starts compute in its own goroutine with the leader counted as the
// first waiter.
func (c *Cache[T]) newCall(compute func(context.Context) (T, error)) *call[T] {
	cctx, cancel := context.WithCancel(context.Background())
	cl := &call[T]{
		done:   make(chan struct{}),
		cancel: cancel,
	}
	cl.waiters.Store(1)
	go func() {
		cl.val, cl.err = compute(cctx)
		cl.completedAt = c.now()
		close(cl.done)
	}()
	return cl
}

// await blocks until the call completes or the caller's own ctx fires.
func (c *Cache[T]) await(ctx context.Context, cl *call[T]) (T, error) {
	select {
	case <-cl.done:
		cl.detach()
		return cl.val, cl.err
	case <-ctx.Done():
		cl.detach()
		var zero T
		return zero, ctx.Err()
	}
}
