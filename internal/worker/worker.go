// Package worker defines the transport to the process that actually executes
// a task: a call taking an init block plus the payload chunk stream and
// returning the outcome (outputs, a result blob, or sub-task creation
// requests). The core depends only on this contract; any duplex protocol can
// back it.
package worker

import (
	"context"
	"fmt"

	"github.com/knagata/pollgrid/internal/blob"
	"github.com/knagata/pollgrid/internal/model"
)

// Request is the init block plus payload stream for one execution attempt.
type Request struct {
	TaskID    string
	SessionID string
	Attempt   int

	// Payload streams the task input; consumed once, not restartable.
	Payload blob.ChunkReader

	// Dependencies maps each dependency result id to its prefetched data.
	Dependencies map[string][]byte
}

// SubTaskSpec is a sub-task creation request carried in an outcome.
type SubTaskSpec struct {
	Payload      []byte
	Options      model.Options
	Dependencies []string
}

// Result is the outcome of a successful (or partially successful) execution.
type Result struct {
	// Output is the produced result value, stored under ResultID by the caller.
	Output []byte
	// SubTasks, when non-empty, puts the parent into waiting_for_children.
	SubTasks []SubTaskSpec
}

// ExecutionError is the recognized domain failure: the worker ran and
// reported a task-level error. Retryable up to the task's retry budget.
type ExecutionError struct {
	Code   string
	Detail string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error %s: %s", e.Code, e.Detail)
}

// Executor issues the execution call. The ctx deadline is the task's
// MaxDuration from dispatch time; implementations must honor cancellation.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a plain function to Executor, for tests and embedding.
type Func func(ctx context.Context, req Request) (*Result, error)

func (f Func) Execute(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}
