package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/knagata/pollgrid/internal/blob"
	"github.com/knagata/pollgrid/internal/events"
	"github.com/knagata/pollgrid/internal/flight"
	"github.com/knagata/pollgrid/internal/model"
	"github.com/knagata/pollgrid/internal/queue"
	"github.com/knagata/pollgrid/internal/store"
	"github.com/knagata/pollgrid/internal/worker"
)

// SubTaskSubmitter registers a sub-task requested by a worker outcome.
type SubTaskSubmitter interface {
	SubmitSubTask(ctx context.Context, parent *model.Task, spec worker.SubTaskSpec) (string, error)
}

// PipelineConfig carries the tunables of the poll-prefetch-process pipeline.
type PipelineConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// DepValidity is the single-flight validity window for prefetched
	// dependency data shared across messages.
	DepValidity time.Duration
}

// work is one fully-prepared execution handed from producer to consumer.
type work struct {
	task       *model.Task
	msg        *queue.Message
	dispatchID string
	attempt    int
	payload    []byte
	deps       map[string][]byte
	deadline   time.Time
	ctx        context.Context
	cancel     context.CancelFunc
}

// Pipeline overlaps message pull + gate + payload prefetch (producer) with
// worker execution + outcome classification (consumer). The two stages meet
// at a capacity-1 handoff: the producer cannot prefetch the next task until
// the consumer accepts the current one, which bounds memory to roughly one
// payload while still overlapping I/O with compute. The consumer processes
// work strictly in handoff order.
type Pipeline struct {
	q         queue.Queue
	tasks     store.TaskStore
	blobs     blob.Store
	exec      worker.Executor
	gate      *Gate
	leases    *LeaseManager
	submitter SubTaskSubmitter

	cfg        PipelineConfig
	depFlights *flightMap
	handoff    chan *work
	bus        *events.Bus
	sink       logSink
	now        func() time.Time
}

func NewPipeline(q queue.Queue, tasks store.TaskStore, blobs blob.Store, exec worker.Executor,
	gate *Gate, leases *LeaseManager, submitter SubTaskSubmitter,
	cfg PipelineConfig, logger *log.Logger, level *LevelVar) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Pipeline{
		q:          q,
		tasks:      tasks,
		blobs:      blobs,
		exec:       exec,
		gate:       gate,
		leases:     leases,
		submitter:  submitter,
		cfg:        cfg,
		depFlights: newFlightMap(cfg.DepValidity),
		handoff:    make(chan *work, 1),
		sink:       logSink{logger: logger, level: level, component: "pipeline"},
		now:        time.Now,
	}
}

// SetEventBus turns on lifecycle event publication (off by default).
func (p *Pipeline) SetEventBus(bus *events.Bus) { p.bus = bus }

func (p *Pipeline) publish(ev events.Event) {
	if p.bus != nil {
		p.bus.Publish(ev)
	}
}

// Run drives both stages until ctx is cancelled or a fatal (unrecognized)
// error is re-raised. Cancellation aborts in-flight work through each
// message's merged context; uncommitted conditional writes are simply
// abandoned.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.produce(gctx) })
	g.Go(func() error { return p.consume(gctx) })
	return g.Wait()
}

func (p *Pipeline) produce(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := p.q.Pull(ctx, p.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.sink.log(LogLevelWarn, "pull_failed error=%v", err)
			if !sleepCtx(ctx, p.cfg.PollInterval) {
				return nil
			}
			continue
		}
		if len(msgs) == 0 {
			if !sleepCtx(ctx, p.cfg.PollInterval) {
				return nil
			}
			continue
		}
		for _, msg := range msgs {
			if err := p.prepare(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// prepare runs the gate, acquires the lease, prefetches payload and
// dependency data, and hands the work tuple to the consumer. Only fatal
// errors propagate; everything else resolves into a message disposition.
func (p *Pipeline) prepare(ctx context.Context, msg *queue.Message) error {
	if ctx.Err() != nil {
		return p.giveBack(msg)
	}

	disp, err := p.gate.Check(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return p.giveBack(msg)
		}
		if errors.Is(err, store.ErrTaskNotFound) || errors.Is(err, store.ErrDependencyNotFound) {
			p.sink.log(LogLevelError, "gate_integrity message=%s task=%s error=%v", msg.ID, msg.TaskID, err)
			msg.SetStatus(queue.StatusPoisonous)
			return msg.Dispose()
		}
		// Unrecognized status or storage logic error: stop the agent.
		_ = p.giveBack(msg)
		return err
	}
	if disp != DispositionProceed {
		p.sink.log(LogLevelDebug, "gate_verdict message=%s task=%s disposition=%s", msg.ID, msg.TaskID, disp)
		msg.SetStatus(disp.MessageStatus())
		return msg.Dispose()
	}

	dispatchID, err := model.GenerateID(model.IDTypeDispatch)
	if err != nil {
		_ = p.giveBack(msg)
		return fmt.Errorf("prepare %s: %w", msg.TaskID, err)
	}
	acquired, err := p.leases.TryAcquire(ctx, msg.TaskID, dispatchID)
	if err != nil {
		if ctx.Err() != nil {
			return p.giveBack(msg)
		}
		p.sink.log(LogLevelWarn, "acquire_failed task=%s error=%v", msg.TaskID, err)
		msg.SetStatus(queue.StatusPostponed)
		return msg.Dispose()
	}
	if !acquired {
		// Another agent holds a live lease; back off until it expires.
		msg.SetStatus(queue.StatusPostponed)
		return msg.Dispose()
	}

	// Each dispatch attempt consumes retry budget, even if the agent dies
	// before the worker call.
	if _, err := p.tasks.IncrementRetry(ctx, msg.TaskID); err != nil {
		p.sink.log(LogLevelWarn, "increment_retry task=%s error=%v", msg.TaskID, err)
	}

	t, err := p.tasks.ReadTask(ctx, msg.TaskID)
	if err != nil {
		return p.abandon(ctx, msg, dispatchID, fmt.Errorf("reread task: %w", err))
	}

	d, err := p.leases.dispatches.GetByID(ctx, dispatchID)
	if err != nil {
		return p.abandon(ctx, msg, dispatchID, err)
	}

	payload, deps, err := p.prefetch(ctx, t)
	if err != nil {
		return p.abandon(ctx, msg, dispatchID, err)
	}
	p.publish(events.Event{
		Type:       events.TypeLeaseAcquired,
		TaskID:     t.ID,
		SessionID:  t.SessionID,
		DispatchID: dispatchID,
		Attempt:    d.Attempt,
	})

	wctx, wcancel := mergeContexts(ctx, msg.Context())
	w := &work{
		task:       t,
		msg:        msg,
		dispatchID: dispatchID,
		attempt:    d.Attempt,
		payload:    payload,
		deps:       deps,
		deadline:   p.now().Add(t.Options.MaxDuration),
		ctx:        wctx,
		cancel:     wcancel,
	}

	select {
	case p.handoff <- w:
		return nil
	case <-ctx.Done():
		wcancel()
		return p.abandon(ctx, msg, dispatchID, ctx.Err())
	}
}

// prefetch loads the payload and each dependency's result data. Dependency
// fetches go through the single-flight map so concurrent messages sharing a
// dependency hit storage once per validity window.
func (p *Pipeline) prefetch(ctx context.Context, t *model.Task) ([]byte, map[string][]byte, error) {
	var payload []byte
	if t.PayloadID != "" {
		r, err := p.blobs.Get(ctx, t.PayloadID)
		if err != nil {
			return nil, nil, fmt.Errorf("prefetch payload %s: %w", t.PayloadID, err)
		}
		payload, err = blob.ReadAll(ctx, r)
		if err != nil {
			return nil, nil, fmt.Errorf("prefetch payload %s: %w", t.PayloadID, err)
		}
	}

	var deps map[string][]byte
	if len(t.Dependencies) > 0 {
		deps = make(map[string][]byte, len(t.Dependencies))
		for _, depID := range t.Dependencies {
			data, err := p.depFlights.get(depID).Call(ctx, func(cctx context.Context) ([]byte, error) {
				return p.fetchDependency(cctx, depID)
			})
			if err != nil {
				return nil, nil, fmt.Errorf("prefetch dependency %s: %w", depID, err)
			}
			deps[depID] = data
		}
	}
	return payload, deps, nil
}

func (p *Pipeline) fetchDependency(ctx context.Context, depID string) ([]byte, error) {
	dep, err := p.tasks.ReadTask(ctx, depID)
	if err != nil {
		return nil, err
	}
	if dep.ResultID == "" {
		// Complete but bodiless (e.g. a settled parent); nothing to prefetch.
		if model.IsTerminal(dep.Status) {
			return nil, nil
		}
		return nil, fmt.Errorf("dependency %s has no result yet", depID)
	}
	r, err := p.blobs.Get(ctx, dep.ResultID)
	if err != nil {
		return nil, err
	}
	return blob.ReadAll(ctx, r)
}

func (p *Pipeline) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			// Drain anything already handed off so its lease and message are
			// settled before the agent exits.
			select {
			case w := <-p.handoff:
				if err := p.process(w); err != nil {
					return err
				}
			default:
			}
			return nil
		case w := <-p.handoff:
			if err := p.process(w); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) process(w *work) error {
	defer w.cancel()

	swapped, err := p.tasks.UpdateStatus(w.ctx, w.task.ID, model.StatusDispatched, model.StatusProcessing)
	if err != nil || !swapped {
		// Status moved underneath us (session cancel or sweep); let the gate
		// re-evaluate on the next pull.
		p.sink.log(LogLevelWarn, "processing_cas_lost task=%s error=%v", w.task.ID, err)
		_ = p.leases.Release(w.ctx, w.dispatchID)
		w.msg.SetStatus(queue.StatusPostponed)
		return w.msg.Dispose()
	}
	_ = p.leases.AddStatus(w.ctx, w.dispatchID, model.DispatchProcessing, "")

	ectx := w.ctx
	ecancel := context.CancelFunc(func() {})
	if w.task.Options.MaxDuration > 0 {
		ectx, ecancel = context.WithDeadline(w.ctx, w.deadline)
	}
	res, err := p.exec.Execute(ectx, worker.Request{
		TaskID:       w.task.ID,
		SessionID:    w.task.SessionID,
		Attempt:      w.attempt,
		Payload:      blob.FromBytes(w.payload, 0),
		Dependencies: w.deps,
	})
	ecancel()

	if err != nil {
		return p.fail(w, err)
	}
	return p.succeed(w, res)
}

// fail classifies the execution error, records it, writes the status
// transition, and commits the message disposition. Unrecognized errors are
// re-raised after recording.
func (p *Pipeline) fail(w *work, execErr error) error {
	ctx := context.WithoutCancel(w.ctx)
	out := Classify(execErr)

	if err := p.tasks.RecordError(ctx, w.task.ID, execErr.Error()); err != nil {
		p.sink.log(LogLevelWarn, "record_error task=%s error=%v", w.task.ID, err)
	}
	_ = p.leases.AddStatus(ctx, w.dispatchID, model.DispatchError, execErr.Error())

	if swapped, err := p.tasks.UpdateStatus(ctx, w.task.ID, model.StatusProcessing, out.Status); err != nil || !swapped {
		p.sink.log(LogLevelWarn, "fail_cas_lost task=%s status=%s error=%v", w.task.ID, out.Status, err)
	} else if out.Status == model.StatusCanceling {
		// Finalize the cancellation; nothing will pull this task again.
		if _, err := p.tasks.UpdateStatus(ctx, w.task.ID, model.StatusCanceling, model.StatusCanceled); err != nil {
			p.sink.log(LogLevelWarn, "cancel_finalize task=%s error=%v", w.task.ID, err)
		}
	}

	// The attempt is concluded either way; free the lease slot so a retry
	// does not have to wait out the TTL.
	if err := p.leases.Release(ctx, w.dispatchID); err != nil {
		p.sink.log(LogLevelWarn, "release task=%s dispatch=%s error=%v", w.task.ID, w.dispatchID, err)
	}

	w.msg.SetStatus(out.Disposition)
	if err := w.msg.Dispose(); err != nil {
		p.sink.log(LogLevelWarn, "dispose task=%s error=%v", w.task.ID, err)
	}

	p.sink.log(LogLevelInfo, "execution_failed task=%s attempt=%d status=%s retryable=%v fatal=%v error=%v",
		w.task.ID, w.attempt, out.Status, out.Retryable, out.Fatal, execErr)
	failType := events.TypeTaskFailed
	if out.Status == model.StatusCanceling {
		failType = events.TypeTaskCancelled
	}
	p.publish(events.Event{
		Type:       failType,
		TaskID:     w.task.ID,
		SessionID:  w.task.SessionID,
		DispatchID: w.dispatchID,
		Attempt:    w.attempt,
		Detail:     execErr.Error(),
	})

	if out.Fatal {
		return fmt.Errorf("unrecognized execution error for task %s: %w", w.task.ID, execErr)
	}
	return nil
}

func (p *Pipeline) succeed(w *work, res *worker.Result) error {
	ctx := context.WithoutCancel(w.ctx)

	if len(res.SubTasks) > 0 {
		for _, spec := range res.SubTasks {
			if p.submitter == nil {
				return p.fail(w, &worker.ExecutionError{Code: "no_submitter", Detail: "sub-task requested but no submitter wired"})
			}
			childID, err := p.submitter.SubmitSubTask(ctx, w.task, spec)
			if err != nil {
				return p.fail(w, &worker.ExecutionError{Code: "subtask_submit", Detail: err.Error()})
			}
			p.sink.log(LogLevelInfo, "subtask_submitted parent=%s child=%s", w.task.ID, childID)
		}
		if swapped, err := p.tasks.UpdateStatus(ctx, w.task.ID, model.StatusProcessing, model.StatusWaitingForChildren); err != nil || !swapped {
			p.sink.log(LogLevelWarn, "children_cas_lost task=%s error=%v", w.task.ID, err)
		}
	} else {
		resultID, size, err := p.blobs.Put(ctx, "", blob.FromBytes(res.Output, 0))
		if err != nil {
			return p.fail(w, &worker.ExecutionError{Code: "result_store", Detail: err.Error()})
		}
		if err := p.tasks.RecordResult(ctx, w.task.ID, resultID); err != nil {
			p.sink.log(LogLevelWarn, "record_result task=%s error=%v", w.task.ID, err)
		}
		if swapped, err := p.tasks.UpdateStatus(ctx, w.task.ID, model.StatusProcessing, model.StatusCompleted); err != nil || !swapped {
			p.sink.log(LogLevelWarn, "complete_cas_lost task=%s error=%v", w.task.ID, err)
		}
		p.sink.log(LogLevelInfo, "task_completed task=%s attempt=%d result=%s size=%d",
			w.task.ID, w.attempt, resultID, size)
		p.publish(events.Event{
			Type:       events.TypeTaskCompleted,
			TaskID:     w.task.ID,
			SessionID:  w.task.SessionID,
			DispatchID: w.dispatchID,
			Attempt:    w.attempt,
		})
	}

	_ = p.leases.AddStatus(ctx, w.dispatchID, model.DispatchCompleted, "")
	if err := p.leases.Release(ctx, w.dispatchID); err != nil {
		p.sink.log(LogLevelWarn, "release task=%s dispatch=%s error=%v", w.task.ID, w.dispatchID, err)
	}

	w.msg.SetStatus(queue.StatusProcessed)
	return w.msg.Dispose()
}

// giveBack returns an undecided message to the queue on shutdown.
func (p *Pipeline) giveBack(msg *queue.Message) error {
	msg.SetStatus(queue.StatusWaiting)
	return msg.Dispose()
}

// abandon settles a message whose preparation failed after the lease was
// acquired: the lease is released and the message requeued as a failed,
// retryable attempt.
func (p *Pipeline) abandon(ctx context.Context, msg *queue.Message, dispatchID string, cause error) error {
	p.sink.log(LogLevelWarn, "prepare_abandoned task=%s dispatch=%s error=%v", msg.TaskID, dispatchID, cause)
	rctx := context.WithoutCancel(ctx)
	if err := p.leases.Release(rctx, dispatchID); err != nil {
		p.sink.log(LogLevelWarn, "release task=%s dispatch=%s error=%v", msg.TaskID, dispatchID, err)
	}
	msg.SetStatus(queue.StatusFailed)
	return msg.Dispose()
}

// mergeContexts derives a context cancelled when either parent fires: the
// process-wide shutdown or the message's transport-level cancellation.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// flightMap keys single-flight caches by dependency id.
type flightMap struct {
	mu       sync.Mutex
	m        map[string]*flight.Cache[[]byte]
	validity time.Duration
}

func newFlightMap(validity time.Duration) *flightMap {
	return &flightMap{m: make(map[string]*flight.Cache[[]byte]), validity: validity}
}

func (f *flightMap) get(key string) *flight.Cache[[]byte] {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.m[key]
	if !ok {
		c = flight.New[[]byte](f.validity)
		f.m[key] = c
	}
	return c
}
