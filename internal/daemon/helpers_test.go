package daemon

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/knagata/pollgrid/internal/model"
	"github.com/knagata/pollgrid/internal/store"
)

func testLogger() (*log.Logger, *LevelVar) {
	return log.New(io.Discard, "", 0), NewLevelVar(LogLevelError)
}

func mustCreateTask(t *testing.T, s store.TaskStore, task *model.Task) {
	t.Helper()
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task %s: %v", task.ID, err)
	}
}

// waitForStatus polls until the task reaches the wanted status or the
// deadline passes.
func waitForStatus(t *testing.T, s store.TaskStore, taskID string, want model.Status) *model.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.ReadTask(context.Background(), taskID)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, err := s.ReadTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("task %s never reached %s: %v", taskID, want, err)
	}
	t.Fatalf("task %s never reached %s; stuck at %s (last error %q)", taskID, want, task.Status, task.LastError)
	return nil
}
