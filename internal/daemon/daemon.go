package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/knagata/pollgrid/internal/blob"
	"github.com/knagata/pollgrid/internal/config"
	"github.com/knagata/pollgrid/internal/events"
	"github.com/knagata/pollgrid/internal/lock"
	"github.com/knagata/pollgrid/internal/model"
	"github.com/knagata/pollgrid/internal/queue"
	"github.com/knagata/pollgrid/internal/store"
	"github.com/knagata/pollgrid/internal/worker"
)

const sweepRequeueDetail = "ttl expired; requeued by sweep"

// Enqueuer is the queue surface the agent needs beyond pulling: submission
// and sweep-recovery both insert task references.
type Enqueuer interface {
	queue.Queue
	Enqueue(taskID string, priority int) (string, error)
}

// Agent is one polling-agent process: the pipeline plus the periodic recovery
// sweep, wired to the shared stores and the worker transport.
type Agent struct {
	cfg    config.Config
	logger *log.Logger
	level  *LevelVar

	tasks      store.TaskStore
	dispatches store.DispatchStore
	q          Enqueuer
	blobs      blob.Store

	gate     *Gate
	leases   *LeaseManager
	pipeline *Pipeline

	fileLock   *lock.FileLock
	configPath string
	bus        *events.Bus

	sink logSink
	now  func() time.Time
}

func NewAgent(cfg config.Config, q Enqueuer, tasks store.TaskStore, dispatches store.DispatchStore,
	blobs blob.Store, exec worker.Executor, logger *log.Logger) *Agent {
	level := NewLevelVar(ParseLogLevel(cfg.Logging.Level))
	a := &Agent{
		cfg:        cfg,
		logger:     logger,
		level:      level,
		tasks:      tasks,
		dispatches: dispatches,
		q:          q,
		blobs:      blobs,
		sink:       logSink{logger: logger, level: level, component: "agent"},
		now:        time.Now,
	}
	a.gate = NewGate(tasks, logger, level)
	a.leases = NewLeaseManager(tasks, dispatches, time.Duration(cfg.Lease.TTLSec)*time.Second, logger, level)
	a.pipeline = NewPipeline(q, tasks, blobs, exec, a.gate, a.leases, a, PipelineConfig{
		BatchSize:    cfg.Agent.BatchSize,
		PollInterval: time.Duration(cfg.Agent.PollIntervalSec) * time.Second,
		DepValidity:  time.Duration(cfg.Flight.ValiditySec) * time.Second,
	}, logger, level)
	return a
}

// SetFileLock guards the agent's working directory against a second instance.
func (a *Agent) SetFileLock(fl *lock.FileLock) { a.fileLock = fl }

// SetConfigPath enables hot-reload of the log level from the config file.
func (a *Agent) SetConfigPath(path string) { a.configPath = path }

// SetEventBus turns on lifecycle event publication (off by default).
func (a *Agent) SetEventBus(bus *events.Bus) {
	a.bus = bus
	a.pipeline.SetEventBus(bus)
}

func (a *Agent) publish(ev events.Event) {
	if a.bus != nil {
		a.bus.Publish(ev)
	}
}

// Leases exposes the lease manager, for embedding callers and tests.
func (a *Agent) Leases() *LeaseManager { return a.leases }

// SubmitRequest describes a client task submission.
type SubmitRequest struct {
	SessionID    string
	ParentID     string
	Payload      []byte
	Options      model.Options
	Dependencies []string
}

// Submit stores the payload, creates the task record, and enqueues its
// reference. Returns the new task id.
func (a *Agent) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	taskID, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	sessionID := req.SessionID
	if sessionID == "" {
		if sessionID, err = model.GenerateID(model.IDTypeSession); err != nil {
			return "", fmt.Errorf("submit: %w", err)
		}
	}

	var payloadID string
	if len(req.Payload) > 0 {
		if payloadID, _, err = a.blobs.Put(ctx, "", blob.FromBytes(req.Payload, 0)); err != nil {
			return "", fmt.Errorf("submit: store payload: %w", err)
		}
	}

	t := &model.Task{
		ID:           taskID,
		SessionID:    sessionID,
		ParentID:     req.ParentID,
		Status:       model.StatusCreating,
		Options:      req.Options,
		PayloadID:    payloadID,
		Dependencies: req.Dependencies,
	}
	if err := a.tasks.CreateTask(ctx, t); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	if _, err := a.q.Enqueue(taskID, req.Options.Priority); err != nil {
		return "", fmt.Errorf("submit %s: %w", taskID, err)
	}
	if _, err := a.tasks.UpdateStatus(ctx, taskID, model.StatusCreating, model.StatusSubmitted); err != nil {
		return "", fmt.Errorf("submit %s: %w", taskID, err)
	}
	a.sink.log(LogLevelInfo, "task_submitted task=%s session=%s parent=%s deps=%d",
		taskID, sessionID, req.ParentID, len(req.Dependencies))
	a.publish(events.Event{Type: events.TypeTaskSubmitted, TaskID: taskID, SessionID: sessionID})
	return taskID, nil
}

// SubmitSubTask registers a sub-task requested by a worker outcome.
func (a *Agent) SubmitSubTask(ctx context.Context, parent *model.Task, spec worker.SubTaskSpec) (string, error) {
	opts := spec.Options
	if opts.MaxRetries == 0 {
		opts.MaxRetries = parent.Options.MaxRetries
	}
	if opts.MaxDuration == 0 {
		opts.MaxDuration = parent.Options.MaxDuration
	}
	return a.Submit(ctx, SubmitRequest{
		SessionID:    parent.SessionID,
		ParentID:     parent.ID,
		Payload:      spec.Payload,
		Options:      opts,
		Dependencies: spec.Dependencies,
	})
}

// Run blocks until ctx is cancelled or a fatal error surfaces. It drives the
// pipeline, the recovery sweep, and (when configured) the config watcher.
func (a *Agent) Run(ctx context.Context) error {
	if a.fileLock != nil {
		if err := a.fileLock.TryLock(); err != nil {
			return fmt.Errorf("agent lock: %w", err)
		}
		defer func() { _ = a.fileLock.Unlock() }()
	}
	a.sink.log(LogLevelInfo, "agent_start batch=%d poll_interval=%ds lease_ttl=%ds",
		a.cfg.Agent.BatchSize, a.cfg.Agent.PollIntervalSec, a.cfg.Lease.TTLSec)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pipeline.Run(gctx) })
	g.Go(func() error { return a.sweepLoop(gctx) })
	if a.configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, a.configPath, a.logger, func(cfg config.Config) {
				a.level.Set(ParseLogLevel(cfg.Logging.Level))
			})
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.sink.log(LogLevelError, "agent_stopped error=%v", err)
		return err
	}
	a.sink.log(LogLevelInfo, "agent_stopped")
	return nil
}

func (a *Agent) sweepLoop(ctx context.Context) error {
	interval := time.Duration(a.cfg.Agent.SweepIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.Sweep(ctx); err != nil {
				a.sink.log(LogLevelWarn, "sweep error=%v", err)
			}
		}
	}
}

// Sweep performs one recovery pass: expired leases whose agents died get an
// expiry audit event and a fresh queue message, and parents parked on
// children are settled once every child is terminal.
func (a *Agent) Sweep(ctx context.Context) error {
	if err := a.sweepExpiredLeases(ctx); err != nil {
		return err
	}
	return a.sweepWaitingParents(ctx)
}

func (a *Agent) sweepExpiredLeases(ctx context.Context) error {
	active, err := a.dispatches.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("sweep leases: %w", err)
	}
	now := a.now()
	for _, d := range active {
		if !d.Expired(now) {
			continue
		}
		if len(d.History) > 0 && d.History[len(d.History)-1].Detail == sweepRequeueDetail {
			continue // already requeued; waiting for takeover
		}
		t, err := a.tasks.ReadTask(ctx, d.TaskID)
		if err != nil {
			a.sink.log(LogLevelWarn, "sweep_read task=%s error=%v", d.TaskID, err)
			continue
		}
		if model.IsTerminal(t.Status) {
			// Attempt finished elsewhere; the stale lease just needs removing.
			_ = a.leases.Release(ctx, d.ID)
			continue
		}
		err = a.dispatches.Update(ctx, d.ID, func(d *model.Dispatch) error {
			d.AppendEvent(model.DispatchError, now, sweepRequeueDetail)
			return nil
		})
		if err != nil {
			a.sink.log(LogLevelWarn, "sweep_mark dispatch=%s error=%v", d.ID, err)
			continue
		}
		if _, err := a.q.Enqueue(d.TaskID, t.Options.Priority); err != nil {
			a.sink.log(LogLevelWarn, "sweep_requeue task=%s error=%v", d.TaskID, err)
			continue
		}
		a.sink.log(LogLevelWarn, "lease_expired task=%s dispatch=%s attempt=%d requeued",
			d.TaskID, d.ID, d.Attempt)
		a.publish(events.Event{
			Type:       events.TypeLeaseExpired,
			TaskID:     d.TaskID,
			SessionID:  t.SessionID,
			DispatchID: d.ID,
			Attempt:    d.Attempt,
			Detail:     sweepRequeueDetail,
		})
	}
	return nil
}

func (a *Agent) sweepWaitingParents(ctx context.Context) error {
	parents, err := a.tasks.ListByStatus(ctx, model.StatusWaitingForChildren)
	if err != nil {
		return fmt.Errorf("sweep parents: %w", err)
	}
	for _, parent := range parents {
		children, err := a.tasks.ListChildren(ctx, parent.ID)
		if err != nil {
			a.sink.log(LogLevelWarn, "sweep_children parent=%s error=%v", parent.ID, err)
			continue
		}
		if len(children) == 0 {
			continue
		}
		allDone := true
		var failed, cancelled bool
		for _, c := range children {
			switch c.Status {
			case model.StatusCompleted:
			case model.StatusFailed:
				failed = true
			case model.StatusCanceled:
				cancelled = true
			default:
				allDone = false
			}
		}
		if !allDone {
			continue
		}
		next := model.StatusCompleted
		if failed {
			next = model.StatusFailed
		} else if cancelled {
			next = model.StatusCanceled
		}
		swapped, err := a.tasks.UpdateStatus(ctx, parent.ID, model.StatusWaitingForChildren, next)
		if err != nil || !swapped {
			a.sink.log(LogLevelWarn, "sweep_parent_cas parent=%s error=%v", parent.ID, err)
			continue
		}
		if next == model.StatusCompleted {
			// The parent's own result is the set of child results; mark its
			// dependency slot complete so dependents can proceed.
			if err := a.tasks.RecordResult(ctx, parent.ID, ""); err != nil {
				a.sink.log(LogLevelWarn, "sweep_parent_result parent=%s error=%v", parent.ID, err)
			}
		}
		a.sink.log(LogLevelInfo, "parent_settled parent=%s children=%d status=%s",
			parent.ID, len(children), next)
		settled := events.TypeTaskCompleted
		switch next {
		case model.StatusFailed:
			settled = events.TypeTaskFailed
		case model.StatusCanceled:
			settled = events.TypeTaskCancelled
		}
		a.publish(events.Event{Type: settled, TaskID: parent.ID, SessionID: parent.SessionID, Detail: "settled by sweep"})
	}
	return nil
}
