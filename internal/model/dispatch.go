package model

import "time"

// DispatchStatus is the per-attempt status recorded in a dispatch's history.
// It is independent of the task's own Status: one task may accumulate history
// across several attempts while its Status reflects only the latest.
type DispatchStatus string

const (
	DispatchCreated    DispatchStatus = "created"
	DispatchAcquired   DispatchStatus = "acquired"
	DispatchExtended   DispatchStatus = "extended"
	DispatchProcessing DispatchStatus = "processing"
	DispatchCompleted  DispatchStatus = "completed"
	DispatchError      DispatchStatus = "error"
	DispatchCanceled   DispatchStatus = "canceled"
)

// DispatchEvent is one entry in a dispatch's append-only history.
// Insertion order is significant; the history is an audit trail.
type DispatchEvent struct {
	Status DispatchStatus `yaml:"status"`
	At     time.Time      `yaml:"at"`
	Detail string         `yaml:"detail,omitempty"`
}

// Dispatch is a time-bounded, uniquely-owned right to execute one attempt of a
// task. At most one non-expired Dispatch exists per task at any instant; that
// is the lease manager's central invariant.
type Dispatch struct {
	ID       string          `yaml:"id"`
	TaskID   string          `yaml:"task_id"`
	Attempt  int             `yaml:"attempt"`
	Deadline time.Time       `yaml:"deadline"`
	History  []DispatchEvent `yaml:"history"`
}

// Expired reports whether the lease TTL has elapsed at the given instant.
func (d *Dispatch) Expired(now time.Time) bool {
	return now.After(d.Deadline)
}

// AppendEvent records a status change in the dispatch history.
func (d *Dispatch) AppendEvent(status DispatchStatus, at time.Time, detail string) {
	d.History = append(d.History, DispatchEvent{Status: status, At: at, Detail: detail})
}

// Clone returns a deep copy, including the history slice.
func (d *Dispatch) Clone() *Dispatch {
	cp := *d
	cp.History = append([]DispatchEvent(nil), d.History...)
	return &cp
}
