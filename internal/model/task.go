// Package model defines the data structures shared by the pollgrid core:
// tasks, dispatch leases, status machines, and identifiers.
package model

import "time"

// Options holds the per-task execution parameters fixed at submission time.
type Options struct {
	Priority    int           `yaml:"priority"`
	MaxRetries  int           `yaml:"max_retries"`
	MaxDuration time.Duration `yaml:"max_duration"`
	Partition   string        `yaml:"partition"`
}

// Task is the durable record for one unit of work. A Task is created when a
// client submits a request, mutated by the gate, pipeline, and lease manager,
// and logically terminal once Status is completed, canceled, or failed.
type Task struct {
	ID        string `yaml:"id"`
	SessionID string `yaml:"session_id"`
	ParentID  string `yaml:"parent_id,omitempty"`

	Status  Status  `yaml:"status"`
	Options Options `yaml:"options"`

	// PayloadID names the blob holding the task input.
	PayloadID string `yaml:"payload_id"`

	// Dependencies lists result ids whose completion gates dispatch.
	Dependencies []string `yaml:"dependencies,omitempty"`

	// RetryCount is incremented once per dispatch attempt, never reset.
	RetryCount int `yaml:"retry_count"`

	// ActiveDispatchID is a back-reference to the current lease, by id.
	// Ownership lives in the dispatch store, not here.
	ActiveDispatchID string `yaml:"active_dispatch_id,omitempty"`

	// ResultID names the blob holding the task output, set on completion.
	ResultID string `yaml:"result_id,omitempty"`

	// LastError records the most recent classified failure, for audit.
	LastError string `yaml:"last_error,omitempty"`

	CreatedAt string `yaml:"created_at"`
	UpdatedAt string `yaml:"updated_at"`
}

// Clone returns a deep copy so store readers never observe shared mutable state.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	return &cp
}
