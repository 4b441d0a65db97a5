// Package live implements Live Ingest (spec.md §4.F): it consumes the
// gateway event stream, normalizes each event, and routes it through the
// per-channel gate into the Log Writer Pool, enqueuing asset requests as it
// goes.
package live

import (
	"context"
	"sync"
)

// task is one gated write: a closure that performs the normalize-then-append
// work for a single live event, deferred until its channel's gate opens.
type task func(ctx context.Context)

const defaultChannelBufferSize = 4096

// Gate buffers live events per channel until catchup for that channel
// releases them, enforcing §4.E's "catchup MUST complete ... before live
// events for that channel are appended to the same stream" and §8's gate
// precedence property. A channel with no Hold ever called for it is treated
// as already open — the Open Question resolution in spec.md §9/DESIGN.md
// ("Open Questions resolved") for channels live discovers before metadata
// catchup knows about them.
type Gate struct {
	mu       sync.Mutex
	channels map[uint64]*channelGate
}

type channelGate struct {
	mu       sync.Mutex
	release  chan struct{}
	released bool
	tasks    chan task
	started  bool
}

// NewGate constructs an empty Gate; every channel starts implicitly open.
func NewGate() *Gate {
	return &Gate{channels: make(map[uint64]*channelGate)}
}

// Hold marks channelID as gated: live events submitted for it are buffered
// until Release is called. Must be called before catchup begins backfilling
// that channel. Calling Hold again on a channel that has already been held
// (released or not) is a no-op — catchup only ever holds a channel once per
// startup.
func (g *Gate) Hold(channelID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.channels[channelID]; ok {
		return
	}

	g.channels[channelID] = &channelGate{
		release: make(chan struct{}),
		tasks:   make(chan task, defaultChannelBufferSize),
	}
}

// Release opens channelID's gate: buffered tasks run in arrival order, then
// every subsequent Submit runs immediately.
func (g *Gate) Release(channelID uint64) {
	g.mu.Lock()
	cg, ok := g.channels[channelID]
	g.mu.Unlock()
	if !ok {
		return
	}

	cg.mu.Lock()
	if cg.released {
		cg.mu.Unlock()
		return
	}
	cg.released = true
	cg.mu.Unlock()
	close(cg.release)
}

// Submit runs t immediately if channelID has never been held, or enqueues
// it onto that channel's single worker otherwise — the worker blocks until
// Release, then drains in FIFO order and keeps consuming every later
// Submit, so order is preserved whether or not the gate has opened yet. A
// full buffer blocks the caller until drained or ctx is canceled — the
// cooperative backpressure named in §4.F.
func (g *Gate) Submit(ctx context.Context, channelID uint64, t task) {
	g.mu.Lock()
	cg, held := g.channels[channelID]
	g.mu.Unlock()

	if !held {
		t(ctx)
		return
	}

	cg.mu.Lock()
	if !cg.started {
		cg.started = true
		go cg.run(ctx)
	}
	cg.mu.Unlock()

	select {
	case cg.tasks <- t:
	case <-ctx.Done():
	}
}

// run is channelGate's single worker: block until released, then drain
// buffered tasks in FIFO order, then keep consuming indefinitely so every
// later Submit for this channel still serializes through the same worker.
func (cg *channelGate) run(ctx context.Context) {
	select {
	case <-cg.release:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case t, ok := <-cg.tasks:
			if !ok {
				return
			}
			t(ctx)
		case <-ctx.Done():
			return
		}
	}
}
