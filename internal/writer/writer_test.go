package writer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppend_DurableAckOnlyAfterFsync(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.ndjson")

	p := New(testLogger(), time.Hour, nil)
	if err := p.Open("s1", path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	if err := p.Append(ctx, "s1", []byte(`{"t":"c","i":1}`), DurabilityBatch); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "{\"t\":\"c\",\"i\":1}\n" {
		t.Errorf("got %q", data)
	}
}

func TestAppend_HighWaterMarkTriggersFlush(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.ndjson")

	p := New(testLogger(), time.Hour, nil)
	p.highWaterMark = 2
	if err := p.Open("s1", path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	done := make(chan error, 2)
	go func() { done <- p.Append(ctx, "s1", []byte(`{"a":1}`), DurabilityTimer) }()
	go func() { done <- p.Append(ctx, "s1", []byte(`{"a":2}`), DurabilityTimer) }()

	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected data flushed at high water mark")
	}
}

func TestFlush_ForcesImmediateWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.ndjson")

	p := New(testLogger(), time.Hour, nil)
	if err := p.Open("s1", path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() { errCh <- p.Append(ctx, "s1", []byte(`{"a":1}`), DurabilityTimer) }()

	time.Sleep(20 * time.Millisecond)
	if err := p.Flush(ctx, "s1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected data flushed")
	}
}

func TestOpen_ExistingFileWithoutTrailingNewlineGetsFreshLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.ndjson")
	if err := os.WriteFile(path, []byte(`{"a":1}`), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p := New(testLogger(), time.Hour, nil)
	if err := p.Open("s1", path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	if err := p.Append(ctx, "s1", []byte(`{"a":2}`), DurabilityBatch); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "{\"a\":1}\n{\"a\":2}\n"
	if string(data) != want {
		t.Errorf("got %q, want %q", data, want)
	}
}

func TestOpen_ExistingFileWithTrailingNewlinePreserved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.ndjson")
	if err := os.WriteFile(path, []byte("{\"a\":1}\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p := New(testLogger(), time.Hour, nil)
	if err := p.Open("s1", path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	if err := p.Append(ctx, "s1", []byte(`{"a":2}`), DurabilityBatch); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "{\"a\":1}\n{\"a\":2}\n"
	if string(data) != want {
		t.Errorf("got %q, want %q", data, want)
	}
}

func TestAppend_PoisonedStreamRejectsFurtherWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.ndjson")

	p := New(testLogger(), time.Hour, nil)
	if err := p.Open("s1", path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	s, _ := p.stream("s1")
	s.mu.Lock()
	s.poisoned = io.ErrClosedPipe
	s.mu.Unlock()

	ctx := context.Background()
	if err := p.Append(ctx, "s1", []byte(`{"a":1}`), DurabilityBatch); err == nil {
		t.Error("expected poisoned stream to reject append")
	}
}

func TestAppend_UnopenedStreamErrors(t *testing.T) {
	p := New(testLogger(), time.Hour, nil)
	ctx := context.Background()
	if err := p.Append(ctx, "missing", []byte(`{}`), DurabilityBatch); err == nil {
		t.Error("expected error for unopened stream")
	}
}
