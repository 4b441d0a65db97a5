// Package downloader implements the Asset Downloader (spec.md §4.D): a
// bounded-concurrency worker pool that fetches asset bytes over HTTP,
// writes them atomically, and updates the Download Tracker.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/milkshiift/bigbrother/internal/model"
	"github.com/milkshiift/bigbrother/internal/tracker"
)

const (
	defaultMaxRetries  = 5
	defaultInitialWait = 2 * time.Second
	defaultMaxWait     = 2 * time.Minute

	// defaultRequestsPerSecond paces outbound fetches well under the CDN's
	// typical per-route limit, so the downloader's own concurrency doesn't
	// trip a 429 storm before a single rate-limit hint is ever seen.
	defaultRequestsPerSecond = 50
)

// Request is one asset fetch submitted to the downloader.
type Request struct {
	Kind       model.AssetKind
	ID         string
	URL        string
	TargetPath string
}

// Downloader drains a FIFO request queue with a bounded number of concurrent
// fetches, writing each asset atomically (temp file + rename) and recording
// its outcome in the tracker.
type Downloader struct {
	logger     *slog.Logger
	client     *http.Client
	tracker    *tracker.Tracker
	sem        *semaphore.Weighted
	pacer      *rate.Limiter
	maxRetries int

	queue chan Request
	wg    sync.WaitGroup

	closed chan struct{}
	once   sync.Once
}

// New constructs a Downloader. concurrency bounds simultaneous fetches
// (default 10 per §4.D); timeout is the per-request network timeout
// (default 120s per §6).
func New(logger *slog.Logger, tr *tracker.Tracker, concurrency int, timeout time.Duration) *Downloader {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Downloader{
		logger:     logger,
		client:     &http.Client{Timeout: timeout},
		tracker:    tr,
		sem:        semaphore.NewWeighted(int64(concurrency)),
		pacer:      rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultRequestsPerSecond),
		maxRetries: defaultMaxRetries,
		queue:      make(chan Request, 1024),
		closed:     make(chan struct{}),
	}
}

// Run drains the queue until ctx is canceled or Close is called. Intended to
// be run in its own goroutine by the Supervisor.
func (d *Downloader) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-d.closed:
			d.wg.Wait()
			return
		case req, ok := <-d.queue:
			if !ok {
				d.wg.Wait()
				return
			}
			d.dispatch(ctx, req)
		}
	}
}

// Enqueue submits a fetch request. The tracker entry must already exist
// (the caller is expected to have called tracker.Request first, per §4.C's
// "enqueue" contract living one layer up, in the Supervisor's assetSink).
func (d *Downloader) Enqueue(req Request) {
	select {
	case d.queue <- req:
	case <-d.closed:
	}
}

// Close stops accepting new requests and waits for in-flight fetches to
// finish, honoring ctx as a grace-period deadline (§4.G step 8).
func (d *Downloader) Close(ctx context.Context) error {
	d.once.Do(func() { close(d.closed) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("downloader: grace period exceeded waiting for in-flight fetches: %w", ctx.Err())
	}
}

func (d *Downloader) dispatch(ctx context.Context, req Request) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		d.attempt(ctx, req, 0)
	}()
}

// attempt performs one fetch try, requeuing on a retriable failure with
// exponential backoff, up to maxRetries (§4.D).
func (d *Downloader) attempt(ctx context.Context, req Request, tryCount int) {
	state, found := d.tracker.Lookup(req.Kind, req.ID)
	if found && state == tracker.StateDone {
		return
	}

	err := d.fetchAndWrite(ctx, req)
	if err == nil {
		if markErr := d.tracker.MarkDone(req.Kind, req.ID); markErr != nil {
			d.logger.Error("marking asset done", "kind", req.Kind, "id", req.ID, "error", markErr)
		}
		return
	}

	var rle *rateLimitError
	var delay time.Duration
	retriable := isRetriable(err)

	switch {
	case errors.As(err, &rle):
		delay = rle.retryAfter
		retriable = true
	case retriable:
		delay = backoff(tryCount, defaultInitialWait, defaultMaxWait)
	}

	if !retriable || tryCount >= d.maxRetries {
		d.logger.Warn("asset fetch failed permanently", "kind", req.Kind, "id", req.ID, "error", err, "attempts", tryCount+1)
		if markErr := d.tracker.MarkFailed(req.Kind, req.ID); markErr != nil {
			d.logger.Error("marking asset failed", "kind", req.Kind, "id", req.ID, "error", markErr)
		}
		return
	}

	if markErr := d.tracker.MarkRetrying(req.Kind, req.ID); markErr != nil {
		d.logger.Error("marking asset retrying", "kind", req.Kind, "id", req.ID, "error", markErr)
	}
	d.logger.Info("retrying asset fetch", "kind", req.Kind, "id", req.ID, "delay", delay, "attempt", tryCount+1)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)
		d.attempt(ctx, req, tryCount+1)
	}()
}

// rateLimitError signals the platform's "retry after" hint (§4.D).
type rateLimitError struct {
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.retryAfter)
}

func isRetriable(err error) bool {
	var httpErr *httpStatusError
	if errors.As(err, &httpErr) {
		return httpErr.status == http.StatusTooManyRequests || httpErr.status >= 500
	}
	// Network timeouts, connection resets, DNS failures: retriable.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

type httpStatusError struct {
	status int
	url    string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("fetching %s: status %d", e.url, e.status)
}

// fetchAndWrite downloads req.URL and atomically installs it at
// req.TargetPath (temp file in the same directory, then rename — §4.D).
func (d *Downloader) fetchAndWrite(ctx context.Context, req Request) error {
	if err := d.pacer.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate pacer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &rateLimitError{retryAfter: retryAfterDelay(resp.Header.Get("Retry-After"))}
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden {
		return &httpStatusError{status: resp.StatusCode, url: req.URL}
	}
	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{status: resp.StatusCode, url: req.URL}
	}

	dir := filepath.Dir(req.TargetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating asset directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".asset-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing asset bytes: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, req.TargetPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp to final: %w", err)
	}

	return nil
}

func retryAfterDelay(header string) time.Duration {
	if header == "" {
		return defaultInitialWait
	}
	if secs, err := strconv.ParseFloat(header, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultInitialWait
}

// backoff computes exponential backoff capped at maxDelay (grounded on the
// teacher's calculateBackoff).
func backoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	delay := time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt)))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
