package daemon

import (
	"context"
	"errors"

	"github.com/knagata/pollgrid/internal/model"
	"github.com/knagata/pollgrid/internal/queue"
	"github.com/knagata/pollgrid/internal/worker"
)

// Outcome is the classified verdict for one failed (or cancelled) execution
// attempt: the task status to record and the message status to commit.
type Outcome struct {
	Status      model.Status
	Disposition queue.MessageStatus
	Retryable   bool
	// Fatal marks an unrecognized failure: recorded, then re-raised to the
	// caller, since it may signal a programming defect rather than an
	// operational one.
	Fatal bool
}

// Classify maps an execution failure to its task-status transition and
// message disposition. Aggregate errors are unwrapped recursively and take
// the classification of their first inner cause; one unrecognized inner cause
// makes the whole aggregate unrecognized.
func Classify(err error) Outcome {
	if agg, ok := err.(interface{ Unwrap() []error }); ok {
		inners := agg.Unwrap()
		if len(inners) == 0 {
			return unrecognized()
		}
		first := Classify(inners[0])
		if first.Fatal {
			return unrecognized()
		}
		for _, inner := range inners[1:] {
			if Classify(inner).Fatal {
				return unrecognized()
			}
		}
		return first
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Outcome{
			Status:      model.StatusTimeout,
			Disposition: queue.StatusFailed,
			Retryable:   true,
		}
	case errors.Is(err, context.Canceled):
		return Outcome{
			Status:      model.StatusCanceling,
			Disposition: queue.StatusCancelled,
		}
	}

	var execErr *worker.ExecutionError
	if errors.As(err, &execErr) {
		return Outcome{
			Status:      model.StatusError,
			Disposition: queue.StatusFailed,
			Retryable:   true,
		}
	}

	return unrecognized()
}

func unrecognized() Outcome {
	return Outcome{
		Status:      model.StatusError,
		Disposition: queue.StatusFailed,
		Fatal:       true,
	}
}
