// Package events provides the task lifecycle event bus and the append-only
// audit log fed from it. Publishing never blocks the dispatch path: each
// subscriber gets a buffered channel and slow subscribers drop events.
package events

import (
	"sync"
	"time"
)

type Type string

const (
	// TypeTaskSubmitted: a task record was created and enqueued.
	TypeTaskSubmitted Type = "task_submitted"
	// TypeTaskCompleted: a task finished and its result was recorded.
	TypeTaskCompleted Type = "task_completed"
	// TypeTaskFailed: a task exhausted its retry budget or was poisoned.
	TypeTaskFailed Type = "task_failed"
	// TypeTaskCancelled: a task was cancelled, directly or via its session.
	TypeTaskCancelled Type = "task_cancelled"
	// TypeLeaseAcquired: an agent won the dispatch lease for an attempt.
	TypeLeaseAcquired Type = "lease_acquired"
	// TypeLeaseExpired: the sweep found an expired lease and requeued the task.
	TypeLeaseExpired Type = "lease_expired"
	// TypeAny subscribes to every event type.
	TypeAny Type = "*"
)

// Event is one task lifecycle occurrence.
type Event struct {
	Type       Type      `json:"type"`
	At         time.Time `json:"at"`
	TaskID     string    `json:"task_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	DispatchID string    `json:"dispatch_id,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Subscriber receives events. It runs on a dedicated goroutine per
// subscription, so a slow subscriber delays only itself.
type Subscriber func(Event)

// Bus fans events out to subscribers without ever blocking a publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]chan Event
	bufferSize  int
	now         func() time.Time
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 128
	}
	return &Bus{
		subscribers: make(map[Type][]chan Event),
		bufferSize:  bufferSize,
		now:         time.Now,
	}
}

// Subscribe registers fn for one event type (or TypeAny for all) and returns
// an unsubscribe function.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[t] = append(b.subscribers[t], ch)

	go func() {
		for ev := range ch {
			func() {
				// A panicking subscriber must not take the delivery
				// goroutine down with it.
				defer func() { _ = recover() }()
				fn(ev)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[t]
		for i, sub := range subs {
			if sub == ch {
				b.subscribers[t] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish delivers ev to every subscriber of its type and of TypeAny.
// Full subscriber buffers drop the event rather than block the publisher.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[ev.Type] {
		select {
		case ch <- ev:
		default:
		}
	}
	if ev.Type != TypeAny {
		for _, ch := range b.subscribers[TypeAny] {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close shuts every subscription down. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, t)
	}
}
