package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestFromBytesChunking(t *testing.T) {
	ctx := context.Background()
	data := []byte("abcdefghij")
	r := FromBytes(data, 4)

	var chunks [][]byte
	for {
		c, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		chunks = append(chunks, c)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks: got %d, want 3", len(chunks))
	}
	if !bytes.Equal(chunks[0], []byte("abcd")) || !bytes.Equal(chunks[2], []byte("ij")) {
		t.Errorf("chunk boundaries wrong: %q", chunks)
	}
	// Exhausted readers keep returning EOF.
	if _, err := r.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("want io.EOF, got %v", err)
	}
}

func TestReadAllRoundTrip(t *testing.T) {
	ctx := context.Background()
	data := []byte("the payload to dispatch")
	got, err := ReadAll(ctx, FromBytes(data, 5))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("round trip: got %q, want %q", got, data)
	}

	empty, err := ReadAll(ctx, FromBytes(nil, 5))
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("empty payload: got %q", empty)
	}
}

func TestChunkReaderHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := FromBytes([]byte("x"), 1).Next(ctx); err == nil {
		t.Error("expected error reading with cancelled context")
	}
}

func TestMemoryStorePutGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id, size, err := s.Put(ctx, "", FromBytes([]byte("hello"), 2))
	if err != nil {
		t.Fatal(err)
	}
	if id == "" || size != 5 {
		t.Errorf("put: id=%q size=%d", id, size)
	}

	r, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ReadAll(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("get: %q", got)
	}

	// Fetching again restarts the sequence from the beginning.
	r2, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	got2, _ := ReadAll(ctx, r2)
	if string(got2) != "hello" {
		t.Errorf("second get: %q", got2)
	}
}

func TestMemoryStorePutExplicitKeyOverwrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, _, err := s.Put(ctx, "res_fixed", FromBytes([]byte("one"), 0)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Put(ctx, "res_fixed", FromBytes([]byte("two"), 0)); err != nil {
		t.Fatal(err)
	}
	r, err := s.Get(ctx, "res_fixed")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := ReadAll(ctx, r)
	if string(got) != "two" {
		t.Errorf("overwrite: %q", got)
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "res_nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}
