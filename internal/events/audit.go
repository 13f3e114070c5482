package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize caps one audit log file before rotation (16MB).
	DefaultMaxLogSize = 16 * 1024 * 1024
	logFileExtension  = ".jsonl"
	archiveDirName    = "archive"
)

// AuditLog is an append-only JSONL file of lifecycle events with size-based
// rotation. It is the durable complement of the in-memory dispatch history.
type AuditLog struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	path        string
	rotations   int
}

func NewAuditLog(path string, maxSize int64) (*AuditLog, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	l := &AuditLog{path: path, maxSize: maxSize}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLog) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.currentSize = stat.Size()
	return nil
}

// Record appends one event as a JSON line.
func (l *AuditLog) Record(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}
	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

// Attach subscribes the log to every event on the bus. Returns the
// unsubscribe function. Write failures are swallowed; the audit log must
// never fail the dispatch path.
func (l *AuditLog) Attach(bus *Bus) func() {
	return bus.Subscribe(TypeAny, func(ev Event) {
		_ = l.Record(ev)
	})
}

func (l *AuditLog) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	archiveDir := filepath.Join(filepath.Dir(l.path), archiveDirName)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return err
	}
	l.rotations++
	base := filepath.Base(l.path)
	name := fmt.Sprintf("%s.%s.%d%s",
		base[:len(base)-len(logFileExtension)],
		time.Now().Format("20060102_150405"),
		l.rotations,
		logFileExtension)
	if err := os.Rename(l.path, filepath.Join(archiveDir, name)); err != nil {
		return err
	}
	return l.open()
}

// ReadLog parses an audit log file, skipping malformed lines, and returns the
// entries in file order.
func ReadLog(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []Event
	dec := json.NewDecoder(f)
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			break
		}
		entries = append(entries, ev)
	}
	return entries, nil
}

func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
