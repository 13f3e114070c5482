package model

import "fmt"

type Status string

const (
	StatusCreating           Status = "creating"
	StatusSubmitted          Status = "submitted"
	StatusDispatched         Status = "dispatched"
	StatusProcessing         Status = "processing"
	StatusCompleted          Status = "completed"
	StatusWaitingForChildren Status = "waiting_for_children"
	StatusError              Status = "error"
	StatusTimeout            Status = "timeout"
	StatusCanceling          Status = "canceling"
	StatusCanceled           Status = "canceled"
	StatusFailed             Status = "failed"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusCanceled:  true,
	StatusFailed:    true,
}

// Error and Timeout mark attempts that died without reaching a terminal
// status; a later dispatch attempt may retry from them.
var retryableStatuses = map[Status]bool{
	StatusError:   true,
	StatusTimeout: true,
}

// Task status transitions. Terminal statuses are absorbing: no outgoing edges.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusCreating: {
		StatusSubmitted:  true,
		StatusDispatched: true,
		StatusCanceled:   true,
		StatusFailed:     true,
	},
	StatusSubmitted: {
		StatusDispatched: true,
		StatusCanceling:  true,
		StatusCanceled:   true,
		StatusFailed:     true,
	},
	StatusDispatched: {
		StatusProcessing: true,
		StatusDispatched: true, // takeover of an attempt that died post-gate
		StatusError:      true,
		StatusTimeout:    true,
		StatusCanceling:  true,
		StatusCanceled:   true,
		StatusFailed:     true,
	},
	StatusProcessing: {
		StatusCompleted:          true,
		StatusWaitingForChildren: true,
		StatusError:              true,
		StatusTimeout:            true,
		StatusCanceling:          true,
		StatusCanceled:           true,
		StatusFailed:             true,
		StatusDispatched:         true, // takeover of an attempt that died mid-run
	},
	StatusWaitingForChildren: {
		StatusCompleted: true,
		StatusCanceling: true,
		StatusCanceled:  true,
		StatusFailed:    true,
	},
	StatusError: {
		StatusDispatched: true,
		StatusCanceling:  true,
		StatusCanceled:   true,
		StatusFailed:     true,
	},
	StatusTimeout: {
		StatusDispatched: true,
		StatusCanceling:  true,
		StatusCanceled:   true,
		StatusFailed:     true,
	},
	StatusCanceling: {
		StatusCanceled: true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func IsRetryable(s Status) bool {
	return retryableStatuses[s]
}

// IsKnown reports whether s is a status this core understands. The gate treats
// an unknown status as a logic error, not a retryable condition.
func IsKnown(s Status) bool {
	switch s {
	case StatusCreating, StatusSubmitted, StatusDispatched, StatusProcessing,
		StatusCompleted, StatusWaitingForChildren, StatusError, StatusTimeout,
		StatusCanceling, StatusCanceled, StatusFailed:
		return true
	}
	return false
}

func ValidateTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
