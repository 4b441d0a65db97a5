// Package normalize translates platform payload objects (discordgo's own
// event/REST types) into the canonical tagged event schema (internal/model)
// plus the asset requests those events reference. Every function here is
// pure: no I/O, no de-duplication, no state. Deduplication is the catchup
// engine's job; fetching is the downloader's.
package normalize

import (
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"

	"github.com/milkshiift/bigbrother/internal/model"
)

// Result bundles a normalized event with the asset requests it references.
// Event is one of the model event types (Message, MessageDelete,
// MessageBulkDelete, ReactionEvent, Member, Role, Channel, Guild, Emoji,
// Sticker).
type Result struct {
	Event  any
	Assets []model.AssetRequest
}

func parseID(s string) uint64 {
	id, _ := strconv.ParseUint(s, 10, 64)
	return id
}

// MessageCreate normalizes a new message, plus requests for its attachments.
func MessageCreate(m *discordgo.Message) Result {
	return messageEvent(model.TagMessageCreate, m)
}

// MessageUpdate normalizes an edit. discordgo only populates the fields the
// gateway actually delivered; absent fields stay at their zero value and are
// omitted by the model's `omitempty` tags, matching §4.B verbatim.
func MessageUpdate(m *discordgo.Message) Result {
	return messageEvent(model.TagMessageUpdate, m)
}

func messageEvent(tag string, m *discordgo.Message) Result {
	msg := model.Message{
		Tag:    tag,
		ID:     parseID(m.ID),
		Author: authorID(m),
	}

	if m.Content != "" {
		content := m.Content
		msg.Content = &content
	}
	if ts := m.Timestamp; !ts.IsZero() {
		msg.CreatedAt = ts.Unix()
	}
	if m.EditedTimestamp != nil {
		msg.EditedAt = m.EditedTimestamp.Unix()
	}
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		replyTo := parseID(m.MessageReference.MessageID)
		msg.ReplyTo = &replyTo
	}

	var assets []model.AssetRequest
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, parseID(a.ID))
		assets = append(assets, model.AssetRequest{
			Kind:      model.AssetAttachment,
			ID:        a.ID,
			URL:       a.URL,
			Filename:  a.Filename,
			ChannelID: parseID(m.ChannelID),
		})
	}
	for _, s := range m.StickerItems {
		msg.Stickers = append(msg.Stickers, parseID(s.ID))
	}
	for _, r := range m.Reactions {
		msg.Reactions = append(msg.Reactions, reactionFromEmoji(r.Emoji))
	}

	if m.Author != nil && m.Author.Avatar != "" {
		assets = append(assets, Avatar(m.Author.ID, m.Author.Avatar))
	}

	return Result{Event: msg, Assets: assets}
}

func authorID(m *discordgo.Message) uint64 {
	if m.Author == nil {
		return 0
	}
	return parseID(m.Author.ID)
}

func reactionFromEmoji(e discordgo.Emoji) model.Reaction {
	if e.ID != "" {
		return model.Reaction{Custom: parseID(e.ID)}
	}
	return model.Reaction{Unicode: e.Name}
}

// MessageDelete normalizes a single-message delete.
func MessageDelete(messageID string) Result {
	return Result{Event: model.MessageDelete{Tag: model.TagMessageDelete, ID: parseID(messageID)}}
}

// MessageBulkDelete normalizes a bulk delete, passing the id array through
// as received (§4.B).
func MessageBulkDelete(messageIDs []string) Result {
	ids := make([]uint64, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = parseID(id)
	}
	return Result{Event: model.MessageBulkDelete{Tag: model.TagMessageBulkDelete, IDs: ids}}
}

// ReactionAdd/ReactionRemove normalize a single user's reaction toggle.
func ReactionAdd(messageID, userID string, emoji discordgo.Emoji) Result {
	return reactionEvent(model.TagReactionAdd, messageID, userID, &emoji)
}

func ReactionRemove(messageID, userID string, emoji discordgo.Emoji) Result {
	return reactionEvent(model.TagReactionRemove, messageID, userID, &emoji)
}

// ReactionRemoveAll normalizes a full-clear of a message's reactions.
func ReactionRemoveAll(messageID string) Result {
	return reactionEvent(model.TagReactionRemoveAll, messageID, "", nil)
}

// ReactionRemoveEmoji normalizes clearing one emoji's reactions.
func ReactionRemoveEmoji(messageID string, emoji discordgo.Emoji) Result {
	return reactionEvent(model.TagReactionRemoveEmoji, messageID, "", &emoji)
}

func reactionEvent(tag, messageID, userID string, emoji *discordgo.Emoji) Result {
	ev := model.ReactionEvent{Tag: tag, ID: parseID(messageID)}
	if userID != "" {
		ev.UserID = parseID(userID)
	}
	if emoji != nil {
		r := reactionFromEmoji(*emoji)
		ev.Emoji = &r
	}
	return Result{Event: ev}
}

// Member normalizes a guild member snapshot. joinedAt/leftAt are unix
// seconds, 0 if unknown.
func Member(m *discordgo.Member, leftAt int64) Result {
	if m == nil || m.User == nil {
		return Result{}
	}
	rec := model.Member{
		ID:       parseID(m.User.ID),
		Username: m.User.Username,
		Nick:     m.Nick,
		Avatar:   m.User.Avatar,
		LeftAt:   leftAt,
	}
	if !m.JoinedAt.IsZero() {
		rec.JoinedAt = m.JoinedAt.Unix()
	}

	var assets []model.AssetRequest
	if m.User.Avatar != "" {
		assets = append(assets, Avatar(m.User.ID, m.User.Avatar))
	}

	return Result{Event: rec, Assets: assets}
}

// Role normalizes a role record. Set deleted true for a GuildRoleDelete.
func Role(r *discordgo.Role, deleted bool) Result {
	return Result{Event: model.Role{
		ID:          parseID(r.ID),
		Name:        r.Name,
		Color:       r.Color,
		Permissions: strconv.FormatInt(r.Permissions, 10),
		Deleted:     deleted,
	}}
}

// RoleDeleted builds a tombstone record from only the deleted role's id,
// for the case where the gateway does not echo the full role payload.
func RoleDeleted(roleID string) Result {
	return Result{Event: model.Role{ID: parseID(roleID), Deleted: true}}
}

// Channel normalizes a channel record. Set deleted true for a ChannelDelete.
func Channel(c *discordgo.Channel, deleted bool) Result {
	return Result{Event: model.Channel{
		ID:       parseID(c.ID),
		Name:     c.Name,
		Type:     int(c.Type),
		ParentID: parseID(c.ParentID),
		Deleted:  deleted,
	}}
}

// Guild normalizes a guild settings snapshot, plus a request for its icon
// asset if present (the supplemented settings-drift feature, SPEC_FULL §3).
func Guild(g *discordgo.Guild) Result {
	ev := model.Guild{
		ID:      parseID(g.ID),
		Name:    g.Name,
		Icon:    g.Icon,
		OwnerID: parseID(g.OwnerID),
	}

	var assets []model.AssetRequest
	if g.Icon != "" {
		assets = append(assets, model.AssetRequest{
			Kind: model.AssetIcon,
			ID:   g.Icon,
			URL:  discordgo.EndpointGuildIcon(g.ID, g.Icon),
		})
	}

	return Result{Event: ev, Assets: assets}
}

// Emoji normalizes an emoji record, plus a request for its image asset.
func Emoji(e *discordgo.Emoji, deleted bool) Result {
	ev := model.Emoji{
		ID:       parseID(e.ID),
		Name:     e.Name,
		Animated: e.Animated,
		Deleted:  deleted,
	}

	var assets []model.AssetRequest
	if !deleted && e.ID != "" {
		ext := "png"
		if e.Animated {
			ext = "gif"
		}
		assets = append(assets, model.AssetRequest{
			Kind: model.AssetEmoji,
			ID:   e.ID,
			URL:  fmt.Sprintf("https://cdn.discordapp.com/emojis/%s.%s", e.ID, ext),
		})
	}

	return Result{Event: ev, Assets: assets}
}

// Sticker normalizes a sticker record, plus a request for its asset.
func Sticker(s *discordgo.Sticker, deleted bool) Result {
	ev := model.Sticker{
		ID:      parseID(s.ID),
		Name:    s.Name,
		Deleted: deleted,
	}

	var assets []model.AssetRequest
	if !deleted {
		assets = append(assets, model.AssetRequest{
			Kind: model.AssetSticker,
			ID:   s.ID,
			URL:  fmt.Sprintf("https://cdn.discordapp.com/stickers/%s.png", s.ID),
		})
	}

	return Result{Event: ev, Assets: assets}
}

// Avatar builds an asset request for a user's avatar, referenced from a
// message author or member record. ID is the owning user (the filename
// prefix, §6: {user_id}_{hash}.{ext}); Hash is the avatar content hash.
func Avatar(userID, avatarHash string) model.AssetRequest {
	return model.AssetRequest{
		Kind: model.AssetAvatar,
		ID:   userID,
		Hash: avatarHash,
		URL:  discordgo.EndpointUserAvatar(userID, avatarHash),
	}
}
