package daemon

import (
	"context"
	"fmt"
	"log"

	"github.com/knagata/pollgrid/internal/model"
	"github.com/knagata/pollgrid/internal/queue"
	"github.com/knagata/pollgrid/internal/store"
)

// Disposition is the gate's verdict on a pulled message.
type Disposition string

const (
	// DispositionProceed: preconditions hold, task moved to dispatched.
	DispositionProceed Disposition = "proceed"
	// DispositionCancelled: session or task cancelled.
	DispositionCancelled Disposition = "cancelled"
	// DispositionPostponed: a dependency is incomplete; retry later.
	DispositionPostponed Disposition = "postponed"
	// DispositionPoisonous: task permanently failed; never retry.
	DispositionPoisonous Disposition = "poisonous"
	// DispositionProcessed: task already completed; message is a no-op.
	DispositionProcessed Disposition = "processed"
)

// MessageStatus maps the disposition onto the message status committed at
// dispose time.
func (d Disposition) MessageStatus() queue.MessageStatus {
	switch d {
	case DispositionCancelled:
		return queue.StatusCancelled
	case DispositionPostponed:
		return queue.StatusPostponed
	case DispositionPoisonous:
		return queue.StatusPoisonous
	case DispositionProcessed:
		return queue.StatusProcessed
	default:
		return queue.StatusRunning
	}
}

// Gate decides whether a pulled message may proceed to dispatch. Checks run
// cheapest and most authoritative first; every status write is conditional on
// the previously read status, and a lost compare re-evaluates from scratch
// rather than clobbering a concurrent transition.
type Gate struct {
	tasks store.TaskStore
	sink  logSink
}

func NewGate(tasks store.TaskStore, logger *log.Logger, level *LevelVar) *Gate {
	return &Gate{
		tasks: tasks,
		sink:  logSink{logger: logger, level: level, component: "gate"},
	}
}

func (g *Gate) Check(ctx context.Context, msg *queue.Message) (Disposition, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		t, err := g.tasks.ReadTask(ctx, msg.TaskID)
		if err != nil {
			return "", fmt.Errorf("gate check %s: %w", msg.TaskID, err)
		}

		// 1. Session cancellation overrides everything except work that is
		// already done or parked on children.
		cancelled, err := g.tasks.IsSessionCancelled(ctx, t.SessionID)
		if err != nil {
			return "", fmt.Errorf("gate check %s: session %s: %w", t.ID, t.SessionID, err)
		}
		if cancelled && !model.IsTerminal(t.Status) && t.Status != model.StatusWaitingForChildren {
			swapped, err := g.transition(ctx, t, model.StatusCanceled)
			if err != nil {
				return "", err
			}
			if !swapped {
				continue
			}
			g.sink.log(LogLevelInfo, "session_cancelled task=%s session=%s", t.ID, t.SessionID)
			return DispositionCancelled, nil
		}

		// 2. Task status.
		switch t.Status {
		case model.StatusCompleted:
			return DispositionProcessed, nil
		case model.StatusCanceled, model.StatusCanceling:
			return DispositionCancelled, nil
		case model.StatusFailed:
			return DispositionPoisonous, nil
		case model.StatusWaitingForChildren:
			// Parked until the children resolve; the sweep finishes it.
			return DispositionPostponed, nil
		case model.StatusCreating, model.StatusSubmitted, model.StatusDispatched,
			model.StatusError, model.StatusTimeout, model.StatusProcessing:
			// Dispatched/Processing/Error/Timeout mean a previous attempt died
			// without updating status; this agent takes over.
		default:
			return "", fmt.Errorf("gate check %s: unrecognized status %q", t.ID, t.Status)
		}

		// 3. Retry budget.
		if t.Options.MaxRetries > 0 && t.RetryCount >= t.Options.MaxRetries {
			swapped, err := g.transition(ctx, t, model.StatusFailed)
			if err != nil {
				return "", err
			}
			if !swapped {
				continue
			}
			g.sink.log(LogLevelWarn, "retries_exhausted task=%s retries=%d max=%d",
				t.ID, t.RetryCount, t.Options.MaxRetries)
			return DispositionPoisonous, nil
		}

		// 4. Dependencies. Status is left untouched so any agent may pick the
		// task up once they resolve.
		if len(t.Dependencies) > 0 {
			complete, err := g.tasks.AreDependenciesComplete(ctx, t.Dependencies)
			if err != nil {
				return "", fmt.Errorf("gate check %s: %w", t.ID, err)
			}
			if !complete {
				g.sink.log(LogLevelDebug, "dependencies_pending task=%s deps=%d", t.ID, len(t.Dependencies))
				return DispositionPostponed, nil
			}
		}

		// 5. All clear.
		swapped, err := g.transition(ctx, t, model.StatusDispatched)
		if err != nil {
			return "", err
		}
		if !swapped {
			continue
		}
		return DispositionProceed, nil
	}
}

// transition validates the edge, then applies it conditionally on the status
// the gate just read. An invalid edge is a logic error; a failed compare is a
// concurrent writer and signals re-evaluation.
func (g *Gate) transition(ctx context.Context, t *model.Task, next model.Status) (bool, error) {
	if err := model.ValidateTransition(t.Status, next); err != nil {
		return false, fmt.Errorf("gate transition %s: %w", t.ID, err)
	}
	swapped, err := g.tasks.UpdateStatus(ctx, t.ID, t.Status, next)
	if err != nil {
		return false, fmt.Errorf("gate transition %s: %w", t.ID, err)
	}
	return swapped, nil
}
