package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/knagata/pollgrid/internal/model"
)

// entry is the queued form of a message, independent of any in-flight handle.
type entry struct {
	id        string
	taskID    string
	priority  int
	order     uint64
	notBefore time.Time
}

// entryHeap orders by priority ASC, then insertion order ASC. Lower priority
// value dispatches first, matching the task Options convention.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].order < h[j].order
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// MemoryQueue is the reference in-process transport: a priority heap with a
// postpone delay for dependency-blocked messages. Safe for concurrent pollers.
type MemoryQueue struct {
	mu            sync.Mutex
	heap          entryHeap
	inflight      map[string]*entry // message id -> entry while Running
	seq           *model.Sequence
	postponeDelay time.Duration
	now           func() time.Time
}

// NewMemoryQueue creates a queue whose postponed messages become visible
// again after postponeDelay. seq provides the FIFO tie-break sequence.
func NewMemoryQueue(seq *model.Sequence, postponeDelay time.Duration) *MemoryQueue {
	return &MemoryQueue{
		inflight:      make(map[string]*entry),
		seq:           seq,
		postponeDelay: postponeDelay,
		now:           time.Now,
	}
}

// SetClock overrides the time source for tests.
func (q *MemoryQueue) SetClock(now func() time.Time) { q.now = now }

// Enqueue inserts a task reference and returns the message id.
func (q *MemoryQueue) Enqueue(taskID string, priority int) (string, error) {
	id, err := model.GenerateID(model.IDTypeMessage)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, &entry{
		id:       id,
		taskID:   taskID,
		priority: priority,
		order:    q.seq.Next(),
	})
	return id, nil
}

func (q *MemoryQueue) Pull(ctx context.Context, max int) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var pulled []*Message
	var unripe []*entry
	for len(pulled) < max && q.heap.Len() > 0 {
		e := heap.Pop(&q.heap).(*entry)
		if e.notBefore.After(now) {
			unripe = append(unripe, e)
			continue
		}
		mctx, cancel := context.WithCancel(context.Background())
		m := &Message{
			ID:       e.id,
			TaskID:   e.taskID,
			Priority: e.priority,
			Order:    e.order,
			status:   StatusRunning,
			ctx:      mctx,
			cancel:   cancel,
			owner:    q,
		}
		q.inflight[e.id] = e
		pulled = append(pulled, m)
	}
	for _, e := range unripe {
		heap.Push(&q.heap, e)
	}
	return pulled, nil
}

func (q *MemoryQueue) commit(m *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.inflight[m.ID]
	if !ok {
		return fmt.Errorf("message %s not in flight", m.ID)
	}
	delete(q.inflight, m.ID)

	switch m.status {
	case StatusWaiting, StatusFailed, StatusRunning:
		// Running on dispose means the owner gave the message up without a
		// verdict; it goes back to visible immediately.
		e.notBefore = time.Time{}
		heap.Push(&q.heap, e)
	case StatusPostponed:
		e.notBefore = q.now().Add(q.postponeDelay)
		heap.Push(&q.heap, e)
	case StatusProcessed, StatusPoisonous, StatusCancelled:
		// Terminal: removed permanently.
	default:
		return fmt.Errorf("message %s: unknown disposal status %q", m.ID, m.status)
	}
	return nil
}

// Len reports how many messages are queued (visible or delayed), excluding
// in-flight ones.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// InFlight reports how many messages are currently owned by pollers.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}
