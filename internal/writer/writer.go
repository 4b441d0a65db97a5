// Package writer implements the per-stream log writer pool (spec.md §4.A):
// one single-writer task per stream, a bounded append buffer, and a
// high-water-mark/timer flush policy gated on fsync before ack.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ErrPoisoned is returned by Append/Flush once a stream has hit an
// unrecoverable I/O error; the stream refuses further writes.
var ErrPoisoned = errors.New("writer: stream poisoned by previous I/O error")

// Durability controls whether Append's ack waits for the next fsync or
// returns once the line is buffered (§4.A: "catchup uses
// durability-on-batch; live uses durability-on-timer").
type Durability int

const (
	// DurabilityTimer acks as soon as the line is buffered; the caller does
	// not wait for the autoflush timer to fsync it.
	DurabilityTimer Durability = iota
	// DurabilityBatch acks only after the line has been fsynced, forcing an
	// immediate flush if the high-water mark has not yet been hit.
	DurabilityBatch
)

const defaultHighWaterMarkLines = 1000

// appendRequest is one line submitted to a stream's writer task.
type appendRequest struct {
	line    []byte
	durable bool
	ack     chan error
}

// stream owns one NDJSON file and a single-consumer task serializing writes
// to it. No cross-stream locking: each stream progresses independently.
type stream struct {
	path string
	file *os.File

	requests chan appendRequest
	flushNow chan chan error

	buf     [][]byte
	bufSize int

	poisoned error
	mu       sync.Mutex // guards poisoned only; buf/file are task-owned

	lastActivity atomic.Int64 // unix nano, for idle-stream eviction
	stop         chan struct{}
	done         chan struct{}
}

// Pool is the Log Writer Pool: a registry of per-stream writer tasks keyed
// by an opaque string (the stream's paths.StreamKey.String()).
type Pool struct {
	logger          *slog.Logger
	highWaterMark   int
	autoflush       time.Duration
	onFatal         func(err error)

	mu      sync.Mutex
	streams map[string]*stream
	wg      sync.WaitGroup
}

// New constructs a Pool. onFatal is invoked (at most once per stream) when a
// stream hits a disk-full condition, per §4.A's "fatal shutdown signal to G".
func New(logger *slog.Logger, autoflush time.Duration, onFatal func(err error)) *Pool {
	return &Pool{
		logger:        logger,
		highWaterMark: defaultHighWaterMarkLines,
		autoflush:     autoflush,
		onFatal:       onFatal,
		streams:       make(map[string]*stream),
	}
}

// Open lazily creates (or reuses) the writer task for key, opening path for
// append. Safe to call concurrently and repeatedly for the same key.
func (p *Pool) Open(key, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.streams[key]; ok {
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening stream %s: %w", key, err)
	}

	if err := seekToFreshLine(f); err != nil {
		f.Close()
		return fmt.Errorf("aligning stream %s to a fresh line: %w", key, err)
	}

	s := &stream{
		path:     path,
		file:     f,
		requests: make(chan appendRequest, 4096),
		flushNow: make(chan chan error),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	p.streams[key] = s

	p.wg.Add(1)
	go p.run(s)

	return nil
}

// seekToFreshLine implements the crash-safety rule from §4.A/§7: if the
// file's last byte is not a newline, the next append must start on a fresh
// line rather than concatenate onto a partial trailing line left by a crash.
func seekToFreshLine(f *os.File) error {
	size, err := f.Seek(0, 2)
	if err != nil {
		return err
	}
	if size == 0 {
		return nil
	}

	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, size-1); err != nil {
		return err
	}
	if buf[0] != '\n' {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	return nil
}

// Append submits a line (without trailing newline) to the stream identified
// by key. durable selects whether the ack waits for fsync.
func (p *Pool) Append(ctx context.Context, key string, line []byte, durable Durability) error {
	s, err := p.stream(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	poisoned := s.poisoned
	s.mu.Unlock()
	if poisoned != nil {
		return fmt.Errorf("%w: %v", ErrPoisoned, poisoned)
	}

	ack := make(chan error, 1)
	req := appendRequest{line: append(line, '\n'), durable: durable == DurabilityBatch, ack: ack}

	select {
	case s.requests <- req:
		s.lastActivity.Store(time.Now().UnixNano())
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush forces an immediate fsync of the named stream's buffer.
func (p *Pool) Flush(ctx context.Context, key string) error {
	s, err := p.stream(key)
	if err != nil {
		return err
	}
	return flushStream(ctx, s)
}

func flushStream(ctx context.Context, s *stream) error {
	ack := make(chan error, 1)
	select {
	case s.flushNow <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FlushAll forces an immediate fsync of every open stream.
func (p *Pool) FlushAll(ctx context.Context) error {
	p.mu.Lock()
	streams := make([]*stream, 0, len(p.streams))
	for _, s := range p.streams {
		streams = append(streams, s)
	}
	p.mu.Unlock()

	var firstErr error
	for _, s := range streams {
		if err := flushStream(ctx, s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close flushes and closes every stream, waiting for their writer tasks to
// exit.
func (p *Pool) Close() error {
	p.mu.Lock()
	streams := make([]*stream, 0, len(p.streams))
	for _, s := range p.streams {
		streams = append(streams, s)
	}
	p.mu.Unlock()

	for _, s := range streams {
		close(s.requests)
	}
	p.wg.Wait()

	var firstErr error
	for _, s := range streams {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EvictIdle closes every stream that has had no append submitted for at
// least idleFor, per spec.md §3's "idle-eviction" stream lifecycle. Evicted
// streams reopen transparently on their next Append, since every call site
// already calls Open before Append. Returns the number of streams evicted.
func (p *Pool) EvictIdle(idleFor time.Duration) int {
	cutoff := time.Now().Add(-idleFor).UnixNano()

	p.mu.Lock()
	var victims []struct {
		key string
		s   *stream
	}
	for key, s := range p.streams {
		if s.lastActivity.Load() < cutoff {
			victims = append(victims, struct {
				key string
				s   *stream
			}{key, s})
		}
	}
	for _, v := range victims {
		delete(p.streams, v.key)
	}
	p.mu.Unlock()

	for _, v := range victims {
		close(v.s.stop)
		<-v.s.done
		v.s.file.Close()
	}
	return len(victims)
}

// StreamCount returns the number of currently open streams, for periodic
// stats logging.
func (p *Pool) StreamCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

func (p *Pool) stream(key string) (*stream, error) {
	p.mu.Lock()
	s, ok := p.streams[key]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("writer: stream %s not open", key)
	}
	return s, nil
}

// run is the single-consumer task owning one stream's buffer and file.
func (p *Pool) run(s *stream) {
	defer p.wg.Done()
	defer close(s.done)

	ticker := time.NewTicker(p.autoflush)
	defer ticker.Stop()

	var pendingAcks []chan error

	flush := func() error {
		if len(s.buf) == 0 {
			for _, ack := range pendingAcks {
				ack <- nil
			}
			pendingAcks = pendingAcks[:0]
			return nil
		}

		var total int
		for _, line := range s.buf {
			total += len(line)
		}
		merged := make([]byte, 0, total)
		for _, line := range s.buf {
			merged = append(merged, line...)
		}

		_, err := s.file.Write(merged)
		if err == nil {
			err = s.file.Sync()
		}

		if err != nil {
			s.mu.Lock()
			s.poisoned = err
			s.mu.Unlock()
			p.logger.Error("stream write failed, poisoning stream", "path", s.path, "error", err)
			if isDiskFull(err) && p.onFatal != nil {
				p.onFatal(fmt.Errorf("disk full writing %s: %w", s.path, err))
			}
		}

		for _, ack := range pendingAcks {
			ack <- err
		}
		pendingAcks = pendingAcks[:0]
		s.buf = s.buf[:0]
		s.bufSize = 0
		return err
	}

	for {
		select {
		case req, ok := <-s.requests:
			if !ok {
				flush()
				return
			}
			s.buf = append(s.buf, req.line)
			s.bufSize += len(req.line)
			if req.durable {
				pendingAcks = append(pendingAcks, req.ack)
			}

			var err error
			if len(s.buf) >= p.highWaterMark || req.durable {
				err = flush()
			}
			if !req.durable {
				req.ack <- err
			}

		case ack := <-s.flushNow:
			ack <- flush()

		case <-ticker.C:
			flush()

		case <-s.stop:
			flush()
			return
		}
	}
}

// isDiskFull reports whether err looks like ENOSPC, for the fatal-shutdown
// escalation in §4.A.
func isDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
