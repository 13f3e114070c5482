package config

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Agent.PollIntervalSec != 1 || cfg.Agent.BatchSize != 8 {
		t.Errorf("agent defaults: %+v", cfg.Agent)
	}
	if cfg.Lease.TTLSec != 300 {
		t.Errorf("lease ttl: %d", cfg.Lease.TTLSec)
	}
	if cfg.Flight.ValiditySec != 30 {
		t.Errorf("flight validity: %d", cfg.Flight.ValiditySec)
	}
	if cfg.Queue.PostponeDelaySec != 5 {
		t.Errorf("postpone delay: %d", cfg.Queue.PostponeDelaySec)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level: %s", cfg.Logging.Level)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != Default() {
		t.Errorf("got %+v, want defaults", cfg)
	}
}

func TestLoadAppliesFileThenDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pollgrid.yaml")
	data := []byte(`
agent:
  batch_size: 32
lease:
  ttl_sec: 60
logging:
  level: debug
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.BatchSize != 32 || cfg.Lease.TTLSec != 60 || cfg.Logging.Level != "debug" {
		t.Errorf("file values: %+v", cfg)
	}
	// Unset fields still get defaults.
	if cfg.Agent.PollIntervalSec != 1 || cfg.Queue.PostponeDelaySec != 5 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pollgrid.yaml")
	if err := os.WriteFile(path, []byte("agent: [not a map"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pollgrid.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, log.New(io.Discard, "", 0), func(cfg Config) {
			reloaded <- cfg
		})
	}()
	// Let the watcher install before writing.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Logging.Level != "debug" {
			t.Errorf("reloaded level: %s", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
