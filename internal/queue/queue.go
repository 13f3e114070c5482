// Package queue defines the message-transport collaborator for the dispatch
// core: a pull-based queue of task references with per-message visibility and
// dispose semantics. The in-memory implementation is the reference transport
// used by the binary and the tests.
package queue

import (
	"context"
	"fmt"
)

type MessageStatus string

const (
	// StatusWaiting: visible, eligible for the next pull.
	StatusWaiting MessageStatus = "waiting"
	// StatusRunning: invisible, exclusively owned by one poller.
	StatusRunning MessageStatus = "running"
	// StatusPostponed: dependencies pending; reappears after a delay.
	StatusPostponed MessageStatus = "postponed"
	// StatusProcessed: task already done; message removed on dispose.
	StatusProcessed MessageStatus = "processed"
	// StatusFailed: attempt failed but retryable; requeued on dispose.
	StatusFailed MessageStatus = "failed"
	// StatusPoisonous: task permanently failed; removed on dispose.
	StatusPoisonous MessageStatus = "poisonous"
	// StatusCancelled: task cancelled; removed on dispose.
	StatusCancelled MessageStatus = "cancelled"
)

// committer routes a disposed message back into (or out of) its transport.
type committer interface {
	commit(m *Message) error
}

// Message is a queue-originated handle for one task reference. While Running
// it is exclusively owned by one poller; Dispose commits the current status
// back to the queue and releases ownership.
type Message struct {
	ID       string
	TaskID   string
	Priority int
	// Order is the insertion sequence, the FIFO tie-break within a priority band.
	Order uint64

	status   MessageStatus
	ctx      context.Context
	cancel   context.CancelFunc
	owner    committer
	disposed bool
}

func (m *Message) Status() MessageStatus { return m.status }

// SetStatus records the disposition to commit on Dispose.
func (m *Message) SetStatus(s MessageStatus) { m.status = s }

// Context carries the message's transport-level cancellation, merged by the
// pipeline with the process-wide one.
func (m *Message) Context() context.Context {
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

// Abort fires the message's transport-level cancellation without disposing it.
func (m *Message) Abort() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Dispose commits the message's current status back to the queue. Waiting,
// Postponed, and Failed route the message back to visible; Processed,
// Poisonous, and Cancelled remove it permanently. Dispose is idempotent.
func (m *Message) Dispose() error {
	if m.disposed {
		return nil
	}
	m.disposed = true
	if m.cancel != nil {
		m.cancel()
	}
	if m.owner == nil {
		return nil
	}
	if err := m.owner.commit(m); err != nil {
		return fmt.Errorf("dispose message %s: %w", m.ID, err)
	}
	return nil
}

// Queue is the pull side of the message transport.
type Queue interface {
	// Pull returns up to max visible messages, marked Running (invisible) and
	// exclusively owned by the caller until disposed. An empty slice means
	// nothing is currently visible.
	Pull(ctx context.Context, max int) ([]*Message, error)
}
