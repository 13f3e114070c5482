package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/knagata/pollgrid/internal/blob"
	"github.com/knagata/pollgrid/internal/config"
	"github.com/knagata/pollgrid/internal/daemon"
	"github.com/knagata/pollgrid/internal/events"
	"github.com/knagata/pollgrid/internal/lock"
	"github.com/knagata/pollgrid/internal/model"
	"github.com/knagata/pollgrid/internal/queue"
	"github.com/knagata/pollgrid/internal/snapshot"
	"github.com/knagata/pollgrid/internal/store"
	"github.com/knagata/pollgrid/internal/uds"
	"github.com/knagata/pollgrid/internal/worker"
)

const version = "0.1.0"

const (
	snapshotFileName = "state.yaml"
	auditFileName    = "audit.jsonl"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "agent":
		runAgent(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "result":
		runResult(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "sweep":
		runSweep(os.Args[2:])
	case "ping":
		runPing(os.Args[2:])
	case "version":
		fmt.Printf("pollgrid %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: pollgrid <command> [options]

commands:
  agent     run a polling agent against the in-process reference backends
  submit    submit a task to a running agent
  status    show a task's current state
  result    fetch a completed task's result data
  cancel    cancel every task of a session
  sweep     trigger one recovery sweep
  ping      check that the agent is up
  version   print version
  help      show this help

client commands take -dir to locate the agent's working directory
(default .pollgrid) and talk to the agent over its control socket.`)
}

// runAgent starts one polling agent wired to the in-memory reference
// backends: a demo deployment of the coordination core. Production
// deployments embed internal/daemon against real store/queue/worker
// implementations instead.
func runAgent(args []string) {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	dir := fs.String("dir", ".pollgrid", "agent working directory (lock, socket, state)")
	configPath := fs.String("config", "", "config file path (default <dir>/pollgrid.yaml)")
	_ = fs.Parse(args)

	if err := os.MkdirAll(*dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "create working dir: %v\n", err)
		os.Exit(1)
	}
	if *configPath == "" {
		*configPath = filepath.Join(*dir, "pollgrid.yaml")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "", 0)

	seq := &model.Sequence{}
	q := queue.NewMemoryQueue(seq, time.Duration(cfg.Queue.PostponeDelaySec)*time.Second)
	tasks := store.NewMemoryTaskStore()
	dispatches := store.NewMemoryDispatchStore()
	blobs := blob.NewMemoryStore()

	// Reference executor: echoes the payload back as the result.
	echo := worker.Func(func(ctx context.Context, req worker.Request) (*worker.Result, error) {
		data, err := blob.ReadAll(ctx, req.Payload)
		if err != nil {
			return nil, err
		}
		return &worker.Result{Output: data}, nil
	})

	agent := daemon.NewAgent(cfg, q, tasks, dispatches, blobs, echo, logger)
	agent.SetFileLock(lock.NewFileLock(filepath.Join(*dir, "agent.lock")))
	agent.SetConfigPath(*configPath)

	bus := events.NewBus(0)
	defer bus.Close()
	audit, err := events.NewAuditLog(filepath.Join(*dir, auditFileName), 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open audit log: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = audit.Close() }()
	detach := audit.Attach(bus)
	defer detach()
	agent.SetEventBus(bus)

	statePath := filepath.Join(*dir, snapshotFileName)
	if err := restoreSnapshot(statePath, tasks, q, logger); err != nil {
		logger.Printf("snapshot restore failed, starting fresh: %v", err)
	}

	srv := uds.NewServer(filepath.Join(*dir, uds.DefaultSocketName), logger)
	agent.RegisterControl(srv)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "control socket: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = srv.Stop() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		// Bound the graceful drain; a wedged worker call must not hold the
		// process hostage.
		select {
		case runErr = <-done:
		case <-time.After(time.Duration(cfg.Agent.ShutdownTimeoutSec) * time.Second):
			logger.Printf("shutdown drain timed out after %ds", cfg.Agent.ShutdownTimeoutSec)
		}
	}

	if err := snapshot.Save(statePath, &snapshot.State{
		Tasks:             tasks.Export(),
		CancelledSessions: tasks.CancelledSessions(),
	}); err != nil {
		logger.Printf("snapshot save failed: %v", err)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", runErr)
		os.Exit(1)
	}
}

// restoreSnapshot loads a previous run's task state and requeues every task
// that had not reached a settled state. Results live in the blob store, which
// the reference deployment does not persist, so restored completed tasks are
// status-only.
func restoreSnapshot(path string, tasks *store.MemoryTaskStore, q *queue.MemoryQueue, logger *log.Logger) error {
	st, err := snapshot.Load(path)
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	tasks.Restore(st.Tasks, st.CancelledSessions)
	requeued := 0
	for _, t := range st.Tasks {
		if model.IsTerminal(t.Status) || t.Status == model.StatusWaitingForChildren {
			continue
		}
		if _, err := q.Enqueue(t.ID, t.Options.Priority); err != nil {
			logger.Printf("requeue restored task %s: %v", t.ID, err)
			continue
		}
		requeued++
	}
	logger.Printf("snapshot restored tasks=%d requeued=%d saved_at=%s",
		len(st.Tasks), requeued, st.SavedAt.Format(time.RFC3339))
	return nil
}

func newControlClient(dir string) *uds.Client {
	return uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
}

// call sends one control command and decodes the data payload into out
// (skipped when out is nil). Any transport or agent-side error is fatal.
func call(dir, command string, params, out any) {
	resp, err := newControlClient(dir).SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		if resp.Error != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", resp.Error.Code, resp.Error.Message)
		} else {
			fmt.Fprintln(os.Stderr, "agent returned failure without detail")
		}
		os.Exit(1)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := decode(resp.Data, out); err != nil {
			fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
			os.Exit(1)
		}
	}
}

func decode(data json.RawMessage, out any) error {
	return json.Unmarshal(data, out)
}

func readStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	dir := fs.String("dir", ".pollgrid", "agent working directory")
	session := fs.String("session", "", "session id (new session when empty)")
	parent := fs.String("parent", "", "parent task id")
	payload := fs.String("payload", "", "task payload (reads stdin when empty)")
	priority := fs.Int("priority", 0, "dispatch priority, higher first")
	maxRetries := fs.Int("max-retries", 0, "retry budget (0 = unlimited)")
	maxDuration := fs.Int("max-duration", 0, "per-attempt execution deadline in seconds (0 = none)")
	partition := fs.String("partition", "", "partition hint")
	deps := fs.String("deps", "", "comma-separated dependency task ids")
	_ = fs.Parse(args)

	body := []byte(*payload)
	if *payload == "" {
		data, err := readStdin()
		if err != nil {
			fmt.Fprintf(os.Stderr, "read payload from stdin: %v\n", err)
			os.Exit(1)
		}
		body = data
	}

	var dependencies []string
	if *deps != "" {
		for _, d := range strings.Split(*deps, ",") {
			if d = strings.TrimSpace(d); d != "" {
				dependencies = append(dependencies, d)
			}
		}
	}

	var reply daemon.SubmitReply
	call(*dir, daemon.CmdSubmit, daemon.SubmitParams{
		SessionID:      *session,
		ParentID:       *parent,
		Payload:        body,
		Priority:       *priority,
		MaxRetries:     *maxRetries,
		MaxDurationSec: *maxDuration,
		Partition:      *partition,
		Dependencies:   dependencies,
	}, &reply)
	fmt.Println(reply.TaskID)
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dir := fs.String("dir", ".pollgrid", "agent working directory")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: pollgrid status [-dir <dir>] <task-id>")
		os.Exit(1)
	}

	var reply daemon.StatusReply
	call(*dir, daemon.CmdStatus, daemon.StatusParams{TaskID: fs.Arg(0)}, &reply)

	fmt.Printf("task:      %s\n", reply.TaskID)
	fmt.Printf("session:   %s\n", reply.SessionID)
	if reply.ParentID != "" {
		fmt.Printf("parent:    %s\n", reply.ParentID)
	}
	fmt.Printf("status:    %s\n", reply.Status)
	fmt.Printf("retries:   %d/%d\n", reply.RetryCount, reply.MaxRetries)
	if reply.DispatchID != "" {
		fmt.Printf("dispatch:  %s\n", reply.DispatchID)
	}
	if reply.ResultID != "" {
		fmt.Printf("result:    %s\n", reply.ResultID)
	}
	if reply.LastError != "" {
		fmt.Printf("last error: %s\n", reply.LastError)
	}
	if len(reply.Children) > 0 {
		fmt.Printf("children:  %s\n", strings.Join(reply.Children, ", "))
	}
	fmt.Printf("updated:   %s\n", reply.UpdatedAt)
}

func runResult(args []string) {
	fs := flag.NewFlagSet("result", flag.ExitOnError)
	dir := fs.String("dir", ".pollgrid", "agent working directory")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: pollgrid result [-dir <dir>] <task-id>")
		os.Exit(1)
	}

	var reply daemon.ResultReply
	call(*dir, daemon.CmdResult, daemon.StatusParams{TaskID: fs.Arg(0)}, &reply)
	_, _ = os.Stdout.Write(reply.Data)
}

func runCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	dir := fs.String("dir", ".pollgrid", "agent working directory")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: pollgrid cancel [-dir <dir>] <session-id>")
		os.Exit(1)
	}

	call(*dir, daemon.CmdCancel, daemon.CancelParams{SessionID: fs.Arg(0)}, nil)
	fmt.Printf("session %s cancelled\n", fs.Arg(0))
}

func runSweep(args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	dir := fs.String("dir", ".pollgrid", "agent working directory")
	_ = fs.Parse(args)

	call(*dir, daemon.CmdSweep, nil, nil)
	fmt.Println("sweep completed")
}

func runPing(args []string) {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	dir := fs.String("dir", ".pollgrid", "agent working directory")
	_ = fs.Parse(args)

	call(*dir, daemon.CmdPing, nil, nil)
	fmt.Println("agent is up")
}
