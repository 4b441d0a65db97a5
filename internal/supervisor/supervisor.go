// Package supervisor implements the Supervisor (spec.md §4.G): it owns the
// lockfile, the Log Writer Pool, the Download Tracker, the Asset
// Downloader, the Catchup Engine, and Live Ingest, and drives their startup
// order, housekeeping, and graceful shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/milkshiift/bigbrother/internal/catchup"
	"github.com/milkshiift/bigbrother/internal/config"
	"github.com/milkshiift/bigbrother/internal/downloader"
	"github.com/milkshiift/bigbrother/internal/live"
	"github.com/milkshiift/bigbrother/internal/model"
	"github.com/milkshiift/bigbrother/internal/paths"
	"github.com/milkshiift/bigbrother/internal/platform"
	"github.com/milkshiift/bigbrother/internal/tracker"
	"github.com/milkshiift/bigbrother/internal/writer"
)

// idleEvictionThreshold is how long a stream may go without an append
// before the housekeeping sweep closes its file handle (spec.md §3).
const idleEvictionThreshold = 30 * time.Minute

// Exit codes, per spec.md §6.
const (
	ExitClean        = 0
	ExitFatalInit    = 1
	ExitFatalRuntime = 2
)

// ErrAlreadyLocked is returned (wrapped) when another instance already
// holds the data-dir lock, for the Supervisor's exit-code-1 path.
var ErrAlreadyLocked = errors.New("data directory already locked by another instance")

// Supervisor orchestrates the archiver's whole lifecycle: acquire the
// lockfile, open the writer pool and tracker, start the downloader, run
// catchup with the live gate held, flip the gate open per channel, then run
// until shutdown.
type Supervisor struct {
	logger *slog.Logger
	cfg    *config.Config
	layout *paths.Layout

	lock       *flock.Flock
	writers    *writer.Pool
	tracker    *tracker.Tracker
	downloader *downloader.Downloader
	client     platform.Client
	gate       *live.Gate
	ingest     *live.Ingest
	catchupEng *catchup.Engine
	cron       *cron.Cron

	fatal   chan error
	fatalMu sync.Mutex
}

// New constructs a Supervisor. client is the platform adapter (not yet
// opened); callers pass platform.New(cfg.DiscordToken) in production and a
// fake in tests.
func New(logger *slog.Logger, cfg *config.Config, client platform.Client) (*Supervisor, error) {
	layout, err := paths.NewLayout(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("resolving data path: %w", err)
	}
	if err := os.MkdirAll(layout.Root(), 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	sup := &Supervisor{
		logger: logger,
		cfg:    cfg,
		layout: layout,
		client: client,
		gate:   live.NewGate(),
		fatal:  make(chan error, 1),
	}

	sup.writers = writer.New(logger, cfg.AutoflushInterval(), sup.onFatal)

	tr, err := tracker.Open(logger, layout.DownloadsFile(), cfg.AutoflushInterval(), sup.onFatal)
	if err != nil {
		return nil, fmt.Errorf("opening download tracker: %w", err)
	}
	sup.tracker = tr

	sup.downloader = downloader.New(logger, tr, cfg.Network.DownloadConcurrencyLimit, cfg.Network.Timeout)

	assets := &assetSink{logger: logger, tracker: tr, dl: sup.downloader}
	sup.catchupEng = catchup.New(logger, client, layout, sup.writers, assets, catchup.Config{
		MessagesPerRequest: cfg.Catchup.MessagesPerRequest,
		WriteBatchSize:     cfg.Catchup.WriteBatchSize,
		ChannelConcurrency: cfg.Catchup.ChannelConcurrency,
		MemberFetchLimit:   cfg.Metadata.MemberFetchLimit,
	})
	sup.ingest = live.New(logger, layout, sup.writers, assets, sup.gate)

	return sup, nil
}

// onFatal is passed to the writer pool and the tracker: a disk-full
// condition on any stream or on the tracker log escalates to a fatal
// shutdown signal, per §4.A/§6 exit code 2. Other write errors poison the
// affected stream without calling onFatal.
func (s *Supervisor) onFatal(err error) {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	select {
	case s.fatal <- err:
	default:
	}
}

// Acquire takes the exclusive data-dir lockfile, failing fast (exit code 1)
// if another instance already holds it (§4.G step 1).
func (s *Supervisor) Acquire(ctx context.Context) error {
	s.lock = flock.New(s.layout.LockFile())
	locked, err := s.lock.TryLockContext(ctx, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquiring lockfile: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrAlreadyLocked, s.layout.Root())
	}
	return nil
}

// Run executes the full startup sequence (§4.G steps 2-7) and then blocks,
// housekeeping until ctx is canceled or a fatal error arrives, whichever
// comes first.
func (s *Supervisor) Run(ctx context.Context) error {
	for _, entry := range s.tracker.Pending() {
		s.downloader.Enqueue(downloader.Request{Kind: entry.Kind, ID: entry.ID, URL: entry.URL, TargetPath: entry.Path})
	}
	go s.downloader.Run(ctx)

	s.ingest.Register(ctx, s.client)

	guilds, err := s.client.UserGuilds(ctx)
	if err != nil {
		return fmt.Errorf("listing guilds: %w", err)
	}

	type guildChannels struct {
		guildID  uint64
		channels []uint64
	}
	var plan []guildChannels
	for _, g := range guilds {
		guildID := parseID(g.ID)
		channels, err := s.client.GuildChannels(ctx, g.ID)
		if err != nil {
			s.logger.Warn("listing channels, catchup skipped for guild", "guild", guildID, "error", err)
			continue
		}
		var ids []uint64
		for _, c := range channels {
			if !isMessageChannel(int(c.Type)) {
				continue
			}
			id := parseID(c.ID)
			ids = append(ids, id)
			s.gate.Hold(id)
		}
		plan = append(plan, guildChannels{guildID: guildID, channels: ids})
	}

	if err := s.client.Open(ctx); err != nil {
		return fmt.Errorf("opening gateway session: %w", err)
	}

	for _, p := range plan {
		if err := s.catchupEng.Metadata(ctx, p.guildID); err != nil {
			s.logger.Warn("metadata catchup failed for guild", "guild", p.guildID, "error", err)
		}
		if err := s.catchupEng.Channels(ctx, p.guildID, p.channels, s.gate.Release); err != nil {
			s.logger.Warn("channel catchup failed for guild", "guild", p.guildID, "error", err)
		}
	}

	s.startHousekeeping()

	select {
	case <-ctx.Done():
		return nil
	case err := <-s.fatal:
		return err
	}
}

// startHousekeeping registers the idle-stream-eviction sweep on a
// robfig/cron schedule, distinct from the writer pool's own
// millisecond-granularity autoflush ticker.
func (s *Supervisor) startHousekeeping() {
	s.cron = cron.New()
	_, err := s.cron.AddFunc("@every 10m", func() {
		evicted := s.writers.EvictIdle(idleEvictionThreshold)
		if evicted > 0 {
			s.logger.Info("housekeeping: evicted idle streams", "count", evicted)
		}
		s.logger.Info("housekeeping: stats",
			"open_streams", s.writers.StreamCount(),
			"tracker_backlog", len(s.tracker.Pending()))
		if stats := diskStats(); stats != nil && stats.UsedPercent > 97 {
			s.onFatal(fmt.Errorf("disk usage at %.1f%%, treating as disk-full", stats.UsedPercent))
		}
	})
	if err != nil {
		s.logger.Error("registering housekeeping job", "error", err)
		return
	}
	s.cron.Start()
}

func diskStats() *disk.UsageStat {
	stats, err := disk.Usage("/")
	if err != nil {
		return nil
	}
	return stats
}

// Shutdown stops accepting new events, flushes every writer, waits for
// in-flight downloads (or cancels them once grace elapses), fsyncs the
// tracker, and releases the lockfile (§4.G step 8).
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.cron != nil {
		cronCtx := s.cron.Stop()
		<-cronCtx.Done()
	}

	s.ingest.Close()
	if err := s.client.Close(); err != nil {
		s.logger.Warn("closing gateway session", "error", err)
	}

	if err := s.downloader.Close(ctx); err != nil {
		s.logger.Warn("downloader shutdown grace period exceeded", "error", err)
	}

	if err := s.writers.FlushAll(ctx); err != nil {
		s.logger.Warn("flushing writers on shutdown", "error", err)
	}
	if err := s.writers.Close(); err != nil {
		s.logger.Warn("closing writers on shutdown", "error", err)
	}

	if err := s.tracker.Close(); err != nil {
		s.logger.Warn("closing download tracker", "error", err)
	}

	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			return fmt.Errorf("releasing lockfile: %w", err)
		}
	}

	return nil
}

// assetSink bridges catchup/live's AssetSink contract (an asset request
// with its path resolved) onto the tracker-then-downloader pipeline: the
// tracker is the single source of truth for "already fetched", so every
// enqueue checks it first and only forwards new work to the downloader
// (spec.md §3's tracker invariant).
type assetSink struct {
	logger  *slog.Logger
	tracker *tracker.Tracker
	dl      *downloader.Downloader
}

func (a *assetSink) Enqueue(req model.AssetRequest) {
	ok, err := a.tracker.Request(req.Kind, req.ID, req.URL, req.TargetPath)
	if err != nil {
		a.logger.Error("recording asset request", "kind", req.Kind, "id", req.ID, "error", err)
		return
	}
	if !ok {
		return // already done
	}
	a.dl.Enqueue(downloader.Request{Kind: req.Kind, ID: req.ID, URL: req.URL, TargetPath: req.TargetPath})
}

// isMessageChannel reports whether a discordgo channel type stores
// messages (text/news/threads/voice-with-text), the set catchup/live
// archive as a messages stream. Category channels and non-text types are
// skipped — they carry no message history.
func isMessageChannel(channelType int) bool {
	switch channelType {
	case 0, 2, 5, 10, 11, 12, 15: // guild text, voice, news, threads, forum
		return true
	default:
		return false
	}
}

func parseID(s string) uint64 {
	id, _ := strconv.ParseUint(s, 10, 64)
	return id
}
