package downloader

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/milkshiift/bigbrother/internal/model"
	"github.com/milkshiift/bigbrother/internal/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTracker(t *testing.T) *tracker.Tracker {
	t.Helper()
	tr, err := tracker.Open(testLogger(), filepath.Join(t.TempDir(), "downloads.ndjson"), time.Minute, nil)
	if err != nil {
		t.Fatalf("tracker.Open: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestDownloader_SuccessfulFetchMarksDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("asset-bytes"))
	}))
	defer srv.Close()

	tr := newTracker(t)
	tr.Request(model.AssetAvatar, "1", srv.URL, "")

	dir := t.TempDir()
	target := filepath.Join(dir, "1.png")

	d := New(testLogger(), tr, 2, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Enqueue(Request{Kind: model.AssetAvatar, ID: "1", URL: srv.URL, TargetPath: target})

	waitForState(t, tr, model.AssetAvatar, "1", tracker.StateDone)

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "asset-bytes" {
		t.Errorf("got %q", data)
	}
}

func TestDownloader_NotFoundMarksFailedImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tr := newTracker(t)
	tr.Request(model.AssetEmoji, "2", srv.URL, "")

	d := New(testLogger(), tr, 2, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	target := filepath.Join(t.TempDir(), "2.png")
	d.Enqueue(Request{Kind: model.AssetEmoji, ID: "2", URL: srv.URL, TargetPath: target})

	waitForState(t, tr, model.AssetEmoji, "2", tracker.StateFailed)
	if tr.Retries(model.AssetEmoji, "2") != 0 {
		t.Error("expected no retries for non-retriable 404")
	}
}

func TestDownloader_AlreadyDoneSkipsFetch(t *testing.T) {
	tr := newTracker(t)
	tr.Request(model.AssetIcon, "3", "http://unused", "")
	tr.MarkDone(model.AssetIcon, "3")

	fetched := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetched = true
	}))
	defer srv.Close()

	d := New(testLogger(), tr, 2, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Enqueue(Request{Kind: model.AssetIcon, ID: "3", URL: srv.URL, TargetPath: filepath.Join(t.TempDir(), "3.png")})

	time.Sleep(100 * time.Millisecond)
	if fetched {
		t.Error("expected already-done asset to be skipped, server was hit")
	}
}

func waitForState(t *testing.T, tr *tracker.Tracker, kind model.AssetKind, id string, want tracker.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, ok := tr.Lookup(kind, id); ok && state == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s/%s to reach state %s", kind, id, want)
}
