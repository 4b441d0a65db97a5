// Package tracker implements the Download Tracker (spec.md §4.C): the
// single source of truth for "has this asset been fetched?", backed by an
// append-only NDJSON log that is folded forward into an in-memory map on
// startup.
package tracker

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/milkshiift/bigbrother/internal/model"
)

// State is one of the three lifecycle states a tracked asset can be in.
type State string

const (
	StatePending State = "p"
	StateDone    State = "d"
	StateFailed  State = "f"
)

// record is the on-disk shape of one downloads.ndjson line: {k, id, s, n?}.
type record struct {
	Kind    model.AssetKind `json:"k"`
	ID      string          `json:"id"`
	State   State           `json:"s"`
	Retries int             `json:"n,omitempty"`
}

type key struct {
	kind model.AssetKind
	id   string
}

// Entry is a snapshot of a tracked asset's state, returned by Pending.
type Entry struct {
	Kind    model.AssetKind
	ID      string
	URL     string
	Path    string
	Retries int
}

const defaultHighWaterMarkLines = 1000

// Tracker folds downloads.ndjson forward into an in-memory map at startup
// and appends one line per state transition thereafter. Writes are
// synchronous (each Request/MarkDone/MarkRetrying/MarkFailed call's byte
// write lands on disk before the call returns, preserving on-disk ordering),
// but the fsync that durably commits those bytes is batched under the same
// high-water-mark/timer policy as the Log Writer Pool (§4.A), not issued on
// every call — a busy tracker otherwise fsyncs once per asset, which is the
// dominant cost under a large backfill.
type Tracker struct {
	logger        *slog.Logger
	highWaterMark int
	onFatal       func(err error)

	mu          sync.Mutex
	states      map[key]*trackedAsset
	file        *os.File
	pendingSync int
	poisoned    error

	stop chan struct{}
	done chan struct{}
}

type trackedAsset struct {
	state   State
	retries int
	url     string
	path    string
}

// Open folds path forward (if it exists) and opens it for append. onFatal is
// invoked (at most once) if an fsync hits a disk-full condition, mirroring
// the Log Writer Pool's fatal-shutdown escalation (§4.A).
func Open(logger *slog.Logger, path string, autoflush time.Duration, onFatal func(err error)) (*Tracker, error) {
	states, err := foldForward(path)
	if err != nil {
		return nil, fmt.Errorf("replaying download tracker log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening download tracker log: %w", err)
	}

	t := &Tracker{
		logger:        logger,
		highWaterMark: defaultHighWaterMarkLines,
		onFatal:       onFatal,
		states:        states,
		file:          f,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	go t.runAutoflush(autoflush)

	return t, nil
}

func foldForward(path string) (map[key]*trackedAsset, error) {
	states := make(map[key]*trackedAsset)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return states, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			// A partial trailing line from a crash is expected and skipped;
			// the log is self-synchronizing (§4.A/§7).
			continue
		}
		k := key{kind: rec.Kind, id: rec.ID}
		existing, ok := states[k]
		if !ok {
			existing = &trackedAsset{}
			states[k] = existing
		}
		existing.state = rec.State
		existing.retries = rec.Retries
	}

	return states, scanner.Err()
}

// Lookup returns the current state of (kind, id), or ok=false if it has
// never been requested.
func (t *Tracker) Lookup(kind model.AssetKind, id string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.states[key{kind: kind, id: id}]
	if !ok {
		return "", false
	}
	return a.state, true
}

// Request enqueues (kind, id) as pending and records its url/path in memory
// for a later resume sweep; url and path are not written to the log. Returns
// false if the asset is already done — the
// caller should skip fetching it.
func (t *Tracker) Request(kind model.AssetKind, id, url, path string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{kind: kind, id: id}
	a, ok := t.states[k]
	if ok && a.state == StateDone {
		return false, nil
	}
	if !ok {
		a = &trackedAsset{}
		t.states[k] = a
	}
	a.state = StatePending
	a.url = url
	a.path = path

	return true, t.append(record{Kind: kind, ID: id, State: StatePending, Retries: a.retries})
}

// MarkDone transitions (kind, id) to done.
func (t *Tracker) MarkDone(kind model.AssetKind, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.entry(kind, id)
	a.state = StateDone
	return t.append(record{Kind: kind, ID: id, State: StateDone, Retries: a.retries})
}

// MarkRetrying increments the retry counter for a retriable failure,
// leaving the asset pending so a resume sweep will pick it up again.
func (t *Tracker) MarkRetrying(kind model.AssetKind, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.entry(kind, id)
	a.retries++
	a.state = StatePending
	return t.append(record{Kind: kind, ID: id, State: StatePending, Retries: a.retries})
}

// MarkFailed transitions (kind, id) to failed (retry budget exhausted, or a
// non-retriable error).
func (t *Tracker) MarkFailed(kind model.AssetKind, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.entry(kind, id)
	a.state = StateFailed
	return t.append(record{Kind: kind, ID: id, State: StateFailed, Retries: a.retries})
}

func (t *Tracker) entry(kind model.AssetKind, id string) *trackedAsset {
	k := key{kind: kind, id: id}
	a, ok := t.states[k]
	if !ok {
		a = &trackedAsset{}
		t.states[k] = a
	}
	return a
}

// Retries returns the current retry count for (kind, id).
func (t *Tracker) Retries(kind model.AssetKind, id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.states[key{kind: kind, id: id}]
	if !ok {
		return 0
	}
	return a.retries
}

// Pending returns every pending asset whose url was recorded by Request
// since Open, for the Supervisor's resume sweep (§4.G step 3). Records
// folded forward from downloads.ndjson carry no url, so pending entries left
// by a previous run are not returned.
func (t *Tracker) Pending() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Entry
	for k, a := range t.states {
		if a.state != StatePending || a.url == "" {
			continue
		}
		out = append(out, Entry{Kind: k.kind, ID: k.id, URL: a.url, Path: a.path, Retries: a.retries})
	}
	return out
}

// append writes one record line and bumps the pending-sync counter; caller
// must hold t.mu. The fsync itself is deferred to the high-water mark or the
// autoflush ticker, not issued here.
func (t *Tracker) append(rec record) error {
	if t.poisoned != nil {
		return t.poisoned
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling tracker record: %w", err)
	}
	line = append(line, '\n')
	if _, err := t.file.Write(line); err != nil {
		return fmt.Errorf("appending tracker record: %w", err)
	}

	t.pendingSync++
	if t.pendingSync >= t.highWaterMark {
		return t.syncLocked()
	}
	return nil
}

// syncLocked fsyncs the file and resets the pending-sync counter; caller
// must hold t.mu.
func (t *Tracker) syncLocked() error {
	if t.pendingSync == 0 {
		return nil
	}
	err := t.file.Sync()
	t.pendingSync = 0
	if err != nil {
		t.poisoned = err
		t.logger.Error("tracker sync failed, tracker poisoned", "error", err)
		if isDiskFull(err) && t.onFatal != nil {
			t.onFatal(fmt.Errorf("disk full syncing download tracker: %w", err))
		}
		return fmt.Errorf("syncing tracker log: %w", err)
	}
	return nil
}

// Flush forces an immediate fsync of any buffered records.
func (t *Tracker) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.syncLocked()
}

// runAutoflush fsyncs on a timer, mirroring the Log Writer Pool's autoflush
// ticker (§4.A), so a quiet period after a burst of writes still commits
// them durably within one tick.
func (t *Tracker) runAutoflush(autoflush time.Duration) {
	defer close(t.done)

	ticker := time.NewTicker(autoflush)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			t.syncLocked()
			t.mu.Unlock()
		case <-t.stop:
			return
		}
	}
}

// isDiskFull reports whether err looks like ENOSPC, for the fatal-shutdown
// escalation in §4.A.
func isDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

// Close flushes, stops the autoflush task, and closes the underlying log
// file.
func (t *Tracker) Close() error {
	t.mu.Lock()
	syncErr := t.syncLocked()
	t.mu.Unlock()

	close(t.stop)
	<-t.done

	if err := t.file.Close(); err != nil {
		return err
	}
	return syncErr
}
