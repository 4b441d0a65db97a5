package live

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/milkshiift/bigbrother/internal/model"
	"github.com/milkshiift/bigbrother/internal/normalize"
	"github.com/milkshiift/bigbrother/internal/paths"
	"github.com/milkshiift/bigbrother/internal/writer"
)

// Sink is the subset of the writer pool Live Ingest needs.
type Sink interface {
	Open(key, path string) error
	Append(ctx context.Context, key string, line []byte, durable writer.Durability) error
}

// AssetSink receives asset requests with their target path already
// resolved, the same contract the Catchup Engine uses.
type AssetSink interface {
	Enqueue(req model.AssetRequest)
}

// Ingest consumes the gateway event stream and routes every recognized
// event through the Normalizer into the Log Writer Pool, gated per channel
// (spec.md §4.F). Presence/typing/read-state events are never registered
// for, so they are discarded by construction rather than filtered at
// dispatch time; discordgo's catch-all interface handler logs and drops
// anything else unrecognized.
type Ingest struct {
	logger *slog.Logger
	layout *paths.Layout
	sink   Sink
	assets AssetSink
	gate   *Gate

	unregister []func()
}

// New constructs a Live Ingest bound to layout/sink/assets/gate. Call
// Register to attach gateway handlers before the platform client opens its
// session — §4.G step 4 runs this in "buffer mode" before catchup starts.
func New(logger *slog.Logger, layout *paths.Layout, sink Sink, assets AssetSink, gate *Gate) *Ingest {
	return &Ingest{
		logger: logger.With("component", "live"),
		layout: layout,
		sink:   sink,
		assets: assets,
		gate:   gate,
	}
}

// registrar is the minimal slice of platform.Client Register needs:
// AddHandler returning an unregister func. platform.Client satisfies it.
type registrar interface {
	AddHandler(handler any) func()
}

// Register attaches every gateway handler Live Ingest cares about.
func (ig *Ingest) Register(ctx context.Context, client registrar) {
	ig.unregister = []func(){
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageCreate) {
			ig.onMessageCreate(ctx, e.Message)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageUpdate) {
			ig.onMessageUpdate(ctx, e.Message)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageDelete) {
			ig.onMessageDelete(ctx, e)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageDeleteBulk) {
			ig.onMessageBulkDelete(ctx, e)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageReactionAdd) {
			ig.onReactionAdd(ctx, e)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageReactionRemove) {
			ig.onReactionRemove(ctx, e)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageReactionRemoveAll) {
			ig.onReactionRemoveAll(ctx, e)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageReactionRemoveEmoji) {
			ig.onReactionRemoveEmoji(ctx, e)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildMemberAdd) {
			ig.onMemberUpsert(ctx, e.Member, 0)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildMemberUpdate) {
			ig.onMemberUpsert(ctx, e.Member, 0)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildMemberRemove) {
			ig.onMemberRemove(ctx, e)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildRoleCreate) {
			ig.onRole(ctx, e.GuildID, e.Role, false)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildRoleUpdate) {
			ig.onRole(ctx, e.GuildID, e.Role, false)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildRoleDelete) {
			ig.onRoleDelete(ctx, e)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.ChannelCreate) {
			ig.onChannel(ctx, e.Channel, false)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.ChannelUpdate) {
			ig.onChannel(ctx, e.Channel, false)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.ChannelDelete) {
			ig.onChannel(ctx, e.Channel, true)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildEmojisUpdate) {
			ig.onEmojisUpdate(ctx, e)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildStickersUpdate) {
			ig.onStickersUpdate(ctx, e)
		}),
		client.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildUpdate) {
			ig.onGuildUpdate(ctx, e)
		}),
		client.AddHandler(func(_ *discordgo.Session, e any) {
			ig.onUnknown(e)
		}),
	}
}

// Close detaches every registered handler.
func (ig *Ingest) Close() {
	for _, unreg := range ig.unregister {
		unreg()
	}
}

func (ig *Ingest) onUnknown(e any) {
	switch e.(type) {
	// discordgo fans every event through its typed handlers in addition to
	// this interface{} one; these are the ones Live Ingest already handles
	// above, so seeing them here again is expected, not a decode failure.
	case *discordgo.MessageCreate, *discordgo.MessageUpdate, *discordgo.MessageDelete,
		*discordgo.MessageDeleteBulk, *discordgo.MessageReactionAdd, *discordgo.MessageReactionRemove,
		*discordgo.MessageReactionRemoveAll, *discordgo.MessageReactionRemoveEmoji,
		*discordgo.GuildMemberAdd, *discordgo.GuildMemberUpdate, *discordgo.GuildMemberRemove,
		*discordgo.GuildRoleCreate, *discordgo.GuildRoleUpdate, *discordgo.GuildRoleDelete,
		*discordgo.ChannelCreate, *discordgo.ChannelUpdate, *discordgo.ChannelDelete,
		*discordgo.GuildEmojisUpdate, *discordgo.GuildStickersUpdate, *discordgo.GuildUpdate,
		// Explicitly out of scope per spec.md §4.F.
		*discordgo.PresenceUpdate, *discordgo.TypingStart, *discordgo.Ready,
		*discordgo.Event, *discordgo.RateLimit, *discordgo.Connect, *discordgo.Disconnect,
		*discordgo.GuildCreate, *discordgo.GuildMembersChunk:
		return
	default:
		ig.logger.Debug("dropping unhandled gateway event type", "type", fmt.Sprintf("%T", e))
	}
}

func (ig *Ingest) onMessageCreate(ctx context.Context, m *discordgo.Message) {
	guildID := parseID(m.GuildID)
	channelID := parseID(m.ChannelID)
	ig.writeMessage(ctx, guildID, channelID, normalize.MessageCreate(m))
}

func (ig *Ingest) onMessageUpdate(ctx context.Context, m *discordgo.Message) {
	guildID := parseID(m.GuildID)
	channelID := parseID(m.ChannelID)
	ig.writeMessage(ctx, guildID, channelID, normalize.MessageUpdate(m))
}

func (ig *Ingest) onMessageDelete(ctx context.Context, e *discordgo.MessageDelete) {
	guildID := parseID(e.GuildID)
	channelID := parseID(e.ChannelID)
	ig.writeMessage(ctx, guildID, channelID, normalize.MessageDelete(e.ID))
}

func (ig *Ingest) onMessageBulkDelete(ctx context.Context, e *discordgo.MessageDeleteBulk) {
	guildID := parseID(e.GuildID)
	channelID := parseID(e.ChannelID)
	ig.writeMessage(ctx, guildID, channelID, normalize.MessageBulkDelete(e.Messages))
}

func (ig *Ingest) onReactionAdd(ctx context.Context, e *discordgo.MessageReactionAdd) {
	guildID := parseID(e.GuildID)
	channelID := parseID(e.ChannelID)
	ig.writeMessage(ctx, guildID, channelID, normalize.ReactionAdd(e.MessageID, e.UserID, e.Emoji))
}

func (ig *Ingest) onReactionRemove(ctx context.Context, e *discordgo.MessageReactionRemove) {
	guildID := parseID(e.GuildID)
	channelID := parseID(e.ChannelID)
	ig.writeMessage(ctx, guildID, channelID, normalize.ReactionRemove(e.MessageID, e.UserID, e.Emoji))
}

func (ig *Ingest) onReactionRemoveAll(ctx context.Context, e *discordgo.MessageReactionRemoveAll) {
	guildID := parseID(e.GuildID)
	channelID := parseID(e.ChannelID)
	ig.writeMessage(ctx, guildID, channelID, normalize.ReactionRemoveAll(e.MessageID))
}

func (ig *Ingest) onReactionRemoveEmoji(ctx context.Context, e *discordgo.MessageReactionRemoveEmoji) {
	guildID := parseID(e.GuildID)
	channelID := parseID(e.ChannelID)
	ig.writeMessage(ctx, guildID, channelID, normalize.ReactionRemoveEmoji(e.MessageID, e.Emoji))
}

// writeMessage routes a message-family event through the channel's gate:
// held channels buffer until their catchup releases them (§4.F), open/
// never-held channels pass straight through.
func (ig *Ingest) writeMessage(ctx context.Context, guildID, channelID uint64, result normalize.Result) {
	ig.gate.Submit(ctx, channelID, func(ctx context.Context) {
		key := paths.Messages(guildID, channelID)
		streamPath, err := ig.layout.StreamPath(key)
		if err != nil {
			ig.logger.Warn("resolving message stream path", "guild", guildID, "channel", channelID, "error", err)
			return
		}
		if err := ig.sink.Open(key.String(), streamPath); err != nil {
			ig.logger.Warn("opening message stream", "guild", guildID, "channel", channelID, "error", err)
			return
		}
		line, err := model.Marshal(result.Event)
		if err != nil {
			ig.logger.Error("marshaling live message event", "guild", guildID, "channel", channelID, "error", err)
			return
		}
		if err := ig.sink.Append(ctx, key.String(), line, writer.DurabilityTimer); err != nil {
			ig.logger.Warn("appending live message event", "guild", guildID, "channel", channelID, "error", err)
			return
		}
		for _, asset := range result.Assets {
			ig.enqueueAsset(guildID, channelID, asset)
		}
	})
}

func (ig *Ingest) onMemberUpsert(ctx context.Context, m *discordgo.Member, leftAt int64) {
	if m == nil || m.GuildID == "" {
		return
	}
	ig.writeMetadata(ctx, parseID(m.GuildID), paths.MetadataMembers, normalize.Member(m, leftAt))
}

func (ig *Ingest) onMemberRemove(ctx context.Context, e *discordgo.GuildMemberRemove) {
	ig.onMemberUpsert(ctx, e.Member, time.Now().Unix())
}

func (ig *Ingest) onRole(ctx context.Context, guildID string, r *discordgo.Role, deleted bool) {
	ig.writeMetadata(ctx, parseID(guildID), paths.MetadataRoles, normalize.Role(r, deleted))
}

func (ig *Ingest) onRoleDelete(ctx context.Context, e *discordgo.GuildRoleDelete) {
	ig.writeMetadata(ctx, parseID(e.GuildID), paths.MetadataRoles, normalize.RoleDeleted(e.RoleID))
}

func (ig *Ingest) onChannel(ctx context.Context, c *discordgo.Channel, deleted bool) {
	ig.writeMetadata(ctx, parseID(c.GuildID), paths.MetadataChannels, normalize.Channel(c, deleted))
}

func (ig *Ingest) onEmojisUpdate(ctx context.Context, e *discordgo.GuildEmojisUpdate) {
	guildID := parseID(e.GuildID)
	for _, em := range e.Emojis {
		ig.writeMetadata(ctx, guildID, paths.MetadataEmojis, normalize.Emoji(em, false))
	}
}

func (ig *Ingest) onStickersUpdate(ctx context.Context, e *discordgo.GuildStickersUpdate) {
	guildID := parseID(e.GuildID)
	for _, s := range e.Stickers {
		ig.writeMetadata(ctx, guildID, paths.MetadataStickers, normalize.Sticker(s, false))
	}
}

func (ig *Ingest) onGuildUpdate(ctx context.Context, e *discordgo.GuildUpdate) {
	ig.writeMetadata(ctx, parseID(e.ID), paths.MetadataGuild, normalize.Guild(e.Guild))
}

// writeMetadata appends a metadata-family event directly — metadata streams
// have no per-channel gate, since metadata catchup has no analogous
// ordering hazard: every record is a full snapshot, deduplicated by
// last-writer-wins on id (spec.md §3), so interleaving live metadata with
// catchup's metadata pass is harmless.
func (ig *Ingest) writeMetadata(ctx context.Context, guildID uint64, kind paths.MetadataKind, result normalize.Result) {
	if result.Event == nil {
		return
	}
	key := paths.Metadata(guildID, kind)
	streamPath, err := ig.layout.StreamPath(key)
	if err != nil {
		ig.logger.Warn("resolving metadata stream path", "guild", guildID, "kind", kind, "error", err)
		return
	}
	if err := ig.sink.Open(key.String(), streamPath); err != nil {
		ig.logger.Warn("opening metadata stream", "guild", guildID, "kind", kind, "error", err)
		return
	}
	line, err := model.Marshal(result.Event)
	if err != nil {
		ig.logger.Error("marshaling live metadata event", "guild", guildID, "kind", kind, "error", err)
		return
	}
	if err := ig.sink.Append(ctx, key.String(), line, writer.DurabilityTimer); err != nil {
		ig.logger.Warn("appending live metadata event", "guild", guildID, "kind", kind, "error", err)
		return
	}
	for _, asset := range result.Assets {
		ig.enqueueAsset(guildID, 0, asset)
	}
}

func (ig *Ingest) enqueueAsset(guildID, channelID uint64, req model.AssetRequest) {
	if ig.assets == nil {
		return
	}

	var err error
	switch req.Kind {
	case model.AssetAttachment:
		req.TargetPath, err = ig.layout.AttachmentPath(guildID, channelID, req.ID, req.Filename)
	case model.AssetAvatar:
		req.TargetPath, err = ig.layout.AssetPath(guildID, req, req.Hash, paths.ExtFromURL(req.URL))
	case model.AssetIcon:
		req.TargetPath, err = ig.layout.AssetPath(guildID, req, req.ID, paths.ExtFromURL(req.URL))
	default:
		req.TargetPath, err = ig.layout.AssetPath(guildID, req, "", paths.ExtFromURL(req.URL))
	}
	if err != nil {
		ig.logger.Warn("resolving live asset path", "kind", req.Kind, "id", req.ID, "error", err)
		return
	}
	ig.assets.Enqueue(req)
}

func parseID(s string) uint64 {
	id, _ := strconv.ParseUint(s, 10, 64)
	return id
}
