// Package catchup implements the Catchup Engine (spec.md §4.E): on startup,
// it derives each channel's last-seen message cursor from its existing log,
// backfills history up to that cursor with bounded concurrency, and hands
// metadata (members, roles, channels, emojis, stickers, guild) the same
// treatment once per startup.
package catchup

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/bwmarrin/discordgo"

	"github.com/milkshiift/bigbrother/internal/model"
	"github.com/milkshiift/bigbrother/internal/normalize"
	"github.com/milkshiift/bigbrother/internal/paths"
	"github.com/milkshiift/bigbrother/internal/platform"
	"github.com/milkshiift/bigbrother/internal/writer"
)

// Sink is the subset of the writer pool the catchup engine needs: append a
// batch of lines, durably, per stream.
type Sink interface {
	Open(key, path string) error
	Append(ctx context.Context, key string, line []byte, durable writer.Durability) error
	Flush(ctx context.Context, key string) error
}

// AssetSink receives asset requests with their target path already resolved.
type AssetSink interface {
	Enqueue(req model.AssetRequest)
}

// Engine runs the per-channel and per-guild backfill.
type Engine struct {
	logger  *slog.Logger
	client  platform.Client
	layout  *paths.Layout
	sink    Sink
	assets  AssetSink

	messagesPerRequest int
	writeBatchSize     int
	channelConcurrency int
	memberFetchLimit   int
}

// Config bundles the tunables from spec.md §6.
type Config struct {
	MessagesPerRequest int
	WriteBatchSize     int
	ChannelConcurrency int
	MemberFetchLimit   int
}

// New constructs a catchup Engine.
func New(logger *slog.Logger, client platform.Client, layout *paths.Layout, sink Sink, assets AssetSink, cfg Config) *Engine {
	return &Engine{
		logger:             logger,
		client:             client,
		layout:             layout,
		sink:               sink,
		assets:             assets,
		messagesPerRequest: cfg.MessagesPerRequest,
		writeBatchSize:     cfg.WriteBatchSize,
		channelConcurrency: cfg.ChannelConcurrency,
		memberFetchLimit:   cfg.MemberFetchLimit,
	}
}

// LastMessageCursor scans a channel's whole existing log for the largest `i`
// among `c`/`u` events; undecodable lines are skipped. Absent file means full history is needed (cursor
// "0").
func LastMessageCursor(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var cursor uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var probe struct {
			Tag string `json:"t"`
			ID  uint64 `json:"i"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}
		if probe.Tag != model.TagMessageCreate && probe.Tag != model.TagMessageUpdate {
			continue
		}
		if probe.ID > cursor {
			cursor = probe.ID
		}
	}

	return cursor, scanner.Err()
}

// Channel backfills one channel's message history from after the cursor
// found in its existing log, up through the present. Messages are appended
// in ascending creation order, batched for durability per the configured
// write batch size.
func (e *Engine) Channel(ctx context.Context, guildID, channelID uint64) error {
	key := paths.Messages(guildID, channelID)
	streamPath, err := e.layout.StreamPath(key)
	if err != nil {
		return fmt.Errorf("resolving stream path: %w", err)
	}

	cursor, err := LastMessageCursor(streamPath)
	if err != nil {
		return fmt.Errorf("deriving cursor for channel %d: %w", channelID, err)
	}

	if err := e.sink.Open(key.String(), streamPath); err != nil {
		return fmt.Errorf("opening stream for channel %d: %w", channelID, err)
	}

	channelIDStr := fmt.Sprintf("%d", channelID)
	var collected []*discordgo.Message
	beforeID := ""

	for {
		page, err := e.client.ChannelMessages(ctx, channelIDStr, e.messagesPerRequest, beforeID, "")
		if err != nil {
			return fmt.Errorf("fetching history page for channel %d: %w", channelID, err)
		}
		if len(page) == 0 {
			break
		}

		stop := false
		for _, m := range page {
			id := parseID(m.ID)
			if id <= cursor {
				stop = true
				continue
			}
			collected = append(collected, m)
		}

		beforeID = page[len(page)-1].ID
		if stop {
			break
		}
	}

	// Reverse to ascending creation order (§4.E: "reverse-order ... to yield
	// ascending ca order").
	sort.Slice(collected, func(i, j int) bool {
		return parseID(collected[i].ID) < parseID(collected[j].ID)
	})

	streamKey := key.String()
	var pending int
	for _, m := range collected {
		result := normalize.MessageCreate(m)
		line, err := model.Marshal(result.Event)
		if err != nil {
			return fmt.Errorf("marshaling message %s: %w", m.ID, err)
		}

		durability := writer.DurabilityTimer
		pending++
		if pending >= e.writeBatchSize {
			durability = writer.DurabilityBatch
			pending = 0
		}
		if err := e.sink.Append(ctx, streamKey, line, durability); err != nil {
			return fmt.Errorf("appending message %s: %w", m.ID, err)
		}

		for _, asset := range result.Assets {
			e.enqueueAsset(guildID, asset)
		}
	}

	if pending > 0 {
		if err := e.sink.Flush(ctx, streamKey); err != nil {
			return fmt.Errorf("final flush for channel %d: %w", channelID, err)
		}
	}

	e.logger.Info("channel catchup complete", "channel", channelID, "messages", len(collected), "cursor", cursor)
	return nil
}

// Channels runs Channel for every id in channelIDs with bounded concurrency
// (default 4, per §4.E). A channel's catchup failure is logged and swallowed
// here rather than propagated, so one channel's failure never cancels its
// siblings' backfill (errgroup's shared context would otherwise do exactly
// that). onDone is invoked once per channel, after its own catchup finishes
// (success or failure) — live's gate release for that channel, so a busy
// channel never holds up live events for channels that already caught up.
func (e *Engine) Channels(ctx context.Context, guildID uint64, channelIDs []uint64, onDone func(channelID uint64)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.channelConcurrency)

	for _, channelID := range channelIDs {
		channelID := channelID
		g.Go(func() error {
			if err := e.Channel(gctx, guildID, channelID); err != nil {
				e.logger.Warn("channel catchup failed, channel continues with partial history", "guild", guildID, "channel", channelID, "error", err)
			}
			if onDone != nil {
				onDone(channelID)
			}
			return nil
		})
	}

	return g.Wait()
}

// Metadata backfills a guild's members, roles, channels, emojis, and
// stickers, plus the guild settings snapshot itself, once per startup
// (§4.E). Unlike message catchup there is no cursor: each record is a
// full current-state snapshot, appended unconditionally — readers
// deduplicate by last-writer-wins on id, same as message updates.
func (e *Engine) Metadata(ctx context.Context, guildID uint64) error {
	guildIDStr := strconv.FormatUint(guildID, 10)

	if err := e.backfillMembers(ctx, guildID, guildIDStr); err != nil {
		return err
	}

	roles, err := e.client.GuildRoles(ctx, guildIDStr)
	if err != nil {
		return fmt.Errorf("fetching guild %d roles: %w", guildID, err)
	}
	for _, r := range roles {
		if err := e.writeMetadata(ctx, guildID, paths.MetadataRoles, normalize.Role(r, false)); err != nil {
			return err
		}
	}

	channels, err := e.client.GuildChannels(ctx, guildIDStr)
	if err != nil {
		return fmt.Errorf("fetching guild %d channels: %w", guildID, err)
	}
	for _, c := range channels {
		if err := e.writeMetadata(ctx, guildID, paths.MetadataChannels, normalize.Channel(c, false)); err != nil {
			return err
		}
	}

	emojis, err := e.client.GuildEmojis(ctx, guildIDStr)
	if err != nil {
		return fmt.Errorf("fetching guild %d emojis: %w", guildID, err)
	}
	for _, em := range emojis {
		if err := e.writeMetadata(ctx, guildID, paths.MetadataEmojis, normalize.Emoji(em, false)); err != nil {
			return err
		}
	}

	stickers, err := e.client.GuildStickers(ctx, guildIDStr)
	if err != nil {
		return fmt.Errorf("fetching guild %d stickers: %w", guildID, err)
	}
	for _, s := range stickers {
		if err := e.writeMetadata(ctx, guildID, paths.MetadataStickers, normalize.Sticker(s, false)); err != nil {
			return err
		}
	}

	guild, err := e.client.Guild(ctx, guildIDStr)
	if err != nil {
		return fmt.Errorf("fetching guild %d: %w", guildID, err)
	}
	if err := e.writeMetadata(ctx, guildID, paths.MetadataGuild, normalize.Guild(guild)); err != nil {
		return err
	}

	for _, kind := range []paths.MetadataKind{paths.MetadataMembers, paths.MetadataRoles, paths.MetadataChannels, paths.MetadataGuild, paths.MetadataEmojis, paths.MetadataStickers} {
		if err := e.sink.Flush(ctx, paths.Metadata(guildID, kind).String()); err != nil {
			e.logger.Warn("flushing metadata stream", "kind", kind, "error", err)
		}
	}

	return nil
}

func (e *Engine) backfillMembers(ctx context.Context, guildID uint64, guildIDStr string) error {
	afterID := ""
	for {
		members, err := e.client.GuildMembers(ctx, guildIDStr, afterID, e.memberFetchLimit)
		if err != nil {
			return fmt.Errorf("fetching guild %d members: %w", guildID, err)
		}
		if len(members) == 0 {
			return nil
		}
		for _, m := range members {
			if err := e.writeMetadata(ctx, guildID, paths.MetadataMembers, normalize.Member(m, 0)); err != nil {
				return err
			}
			afterID = m.User.ID
		}
		if len(members) < e.memberFetchLimit {
			return nil
		}
	}
}

func (e *Engine) writeMetadata(ctx context.Context, guildID uint64, kind paths.MetadataKind, result normalize.Result) error {
	if result.Event == nil {
		return nil
	}
	line, err := model.Marshal(result.Event)
	if err != nil {
		return fmt.Errorf("marshaling %s record: %w", kind, err)
	}
	streamKey := paths.Metadata(guildID, kind)
	streamPath, err := e.layout.StreamPath(streamKey)
	if err != nil {
		return fmt.Errorf("resolving %s stream path: %w", kind, err)
	}
	if err := e.sink.Open(streamKey.String(), streamPath); err != nil {
		return fmt.Errorf("opening %s stream: %w", kind, err)
	}
	if err := e.sink.Append(ctx, streamKey.String(), line, writer.DurabilityTimer); err != nil {
		return fmt.Errorf("appending %s record: %w", kind, err)
	}
	for _, asset := range result.Assets {
		e.enqueueAsset(guildID, asset)
	}
	return nil
}

// enqueueAsset resolves req's on-disk target path and forwards it to the
// asset sink. Resolution failures are logged and dropped rather than
// failing the whole channel's catchup — a bad asset reference should never
// block the message line it was discovered alongside from being committed
// (§4.D: "the message line is committed regardless of download
// completion").
func (e *Engine) enqueueAsset(guildID uint64, req model.AssetRequest) {
	if e.assets == nil {
		return
	}

	var err error
	switch req.Kind {
	case model.AssetAttachment:
		req.TargetPath, err = e.layout.AttachmentPath(guildID, req.ChannelID, req.ID, req.Filename)
	case model.AssetAvatar:
		req.TargetPath, err = e.layout.AssetPath(guildID, req, req.Hash, paths.ExtFromURL(req.URL))
	case model.AssetIcon:
		req.TargetPath, err = e.layout.AssetPath(guildID, req, req.ID, paths.ExtFromURL(req.URL))
	default:
		req.TargetPath, err = e.layout.AssetPath(guildID, req, "", paths.ExtFromURL(req.URL))
	}
	if err != nil {
		e.logger.Warn("resolving asset path", "kind", req.Kind, "id", req.ID, "error", err)
		return
	}

	e.assets.Enqueue(req)
}

func parseID(s string) uint64 {
	id, _ := strconv.ParseUint(s, 10, 64)
	return id
}
