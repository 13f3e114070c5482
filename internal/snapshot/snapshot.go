// Package snapshot persists the in-memory task state as an atomic YAML file,
// so a restarted agent can resume a partially-processed workload. Writes go
// through a validated temp-file rename; a corrupt snapshot is quarantined
// rather than silently overwritten.
package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/knagata/pollgrid/internal/model"
)

// State is the persisted form of one agent's task store.
type State struct {
	SavedAt time.Time     `yaml:"saved_at"`
	Tasks   []*model.Task `yaml:"tasks"`
	// CancelledSessions carries the session cancel flags, without which a
	// restored task could escape a cancel issued before the restart.
	CancelledSessions []string `yaml:"cancelled_sessions,omitempty"`
}

// Save writes the state atomically: marshal to a temp file in the target
// directory, validate the written bytes, back up any previous snapshot, then
// rename into place.
func Save(path string, st *State) error {
	if st.SavedAt.IsZero() {
		st.SavedAt = time.Now().UTC()
	}
	content, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return atomicWrite(path, content)
}

// Load reads and parses a snapshot. A missing file returns (nil, nil). A file
// that fails to parse is quarantined and reported as an error; the caller
// starts from an empty state.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		if qerr := Quarantine(path); qerr != nil {
			return nil, fmt.Errorf("parse snapshot: %w (quarantine also failed: %v)", err, qerr)
		}
		return nil, fmt.Errorf("parse snapshot (quarantined): %w", err)
	}
	return &st, nil
}

// Quarantine moves a corrupt snapshot aside, timestamped, so the evidence
// survives for inspection while the agent starts fresh.
func Quarantine(path string) error {
	dir := filepath.Join(filepath.Dir(path), "quarantine")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(path), time.Now().Format("20060102T150405"))
	if err := os.Rename(path, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}
	return nil
}

func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".pollgrid-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// Re-read and parse: a snapshot that cannot be read back is worse than
	// no snapshot.
	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	var v any
	if err := yaml.Unmarshal(written, &v); err != nil {
		return fmt.Errorf("snapshot validation failed: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
