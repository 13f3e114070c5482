// Package blob defines the payload-store collaborator: binary values read and
// written as finite chunk sequences. A sequence is restartable from the store
// (Get again) but not mid-stream. The in-memory implementation is the
// reference backend for the binary and the tests.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/knagata/pollgrid/internal/model"
)

// ErrNotFound is returned for keys with no stored value.
var ErrNotFound = errors.New("blob not found")

// ChunkReader yields a finite sequence of byte chunks. Next returns io.EOF
// after the last chunk. A reader is single-use; restart by fetching again.
type ChunkReader interface {
	Next(ctx context.Context) ([]byte, error)
}

// Store is the payload-store collaborator.
type Store interface {
	// Get opens the chunk sequence stored under key.
	Get(ctx context.Context, key string) (ChunkReader, error)
	// Put stores the chunk sequence under key (a fresh id if key is empty)
	// and returns the id and total size.
	Put(ctx context.Context, key string, chunks ChunkReader) (string, int64, error)
}

// sliceReader serves chunks from memory.
type sliceReader struct {
	chunks [][]byte
	pos    int
}

func (r *sliceReader) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.pos >= len(r.chunks) {
		return nil, io.EOF
	}
	c := r.chunks[r.pos]
	r.pos++
	return c, nil
}

// FromBytes wraps data as a ChunkReader split at chunkSize boundaries.
func FromBytes(data []byte, chunkSize int) ChunkReader {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := min(chunkSize, len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return &sliceReader{chunks: chunks}
}

// ReadAll drains a ChunkReader into one contiguous buffer.
func ReadAll(ctx context.Context, r ChunkReader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
	}
}

// MemoryStore is the reference in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (ChunkReader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunks, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	// Copy the chunk index so a concurrent Put does not disturb the reader.
	return &sliceReader{chunks: append([][]byte(nil), chunks...)}, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, chunks ChunkReader) (string, int64, error) {
	if key == "" {
		id, err := model.GenerateID(model.IDTypeResult)
		if err != nil {
			return "", 0, fmt.Errorf("put: %w", err)
		}
		key = id
	}
	var stored [][]byte
	var size int64
	for {
		chunk, err := chunks.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("put %s: %w", key, err)
		}
		cp := append([]byte(nil), chunk...)
		stored = append(stored, cp)
		size += int64(len(cp))
	}
	s.mu.Lock()
	s.blobs[key] = stored
	s.mu.Unlock()
	return key, size, nil
}
