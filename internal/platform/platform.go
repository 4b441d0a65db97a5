// Package platform wraps the chat platform's gateway and REST client behind
// a narrow interface, so the rest of the archiver depends on a contract
// instead of a concrete SDK. The only implementation is backed by
// github.com/bwmarrin/discordgo.
package platform

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Client is everything the catchup engine, live ingest, and normalizer need
// from the chat platform. Event payloads are passed through as the
// underlying SDK's own types (*discordgo.MessageCreate etc.) rather than
// reshaped into a parallel type hierarchy — the Normalizer reads them
// directly.
type Client interface {
	// Open establishes the gateway session. AddHandler registrations made
	// before Open receive events from the moment the session is live.
	Open(ctx context.Context) error
	Close() error

	// AddHandler registers a gateway event handler and returns a function
	// that removes it. The handler signature must match one discordgo
	// recognizes (func(*discordgo.Session, *discordgo.MessageCreate), etc.).
	AddHandler(handler any) (unregister func())

	// ChannelMessages returns one page of a channel's history, newest first;
	// paging with beforeID walks from newest to oldest (spec.md §4.E).
	ChannelMessages(ctx context.Context, channelID string, limit int, beforeID, afterID string) ([]*discordgo.Message, error)

	GuildMembers(ctx context.Context, guildID, afterID string, limit int) ([]*discordgo.Member, error)
	GuildRoles(ctx context.Context, guildID string) ([]*discordgo.Role, error)
	GuildChannels(ctx context.Context, guildID string) ([]*discordgo.Channel, error)
	GuildEmojis(ctx context.Context, guildID string) ([]*discordgo.Emoji, error)
	GuildStickers(ctx context.Context, guildID string) ([]*discordgo.Sticker, error)
	Guild(ctx context.Context, guildID string) (*discordgo.Guild, error)

	// UserGuilds returns the guilds the authenticated session can see,
	// driving the Supervisor's per-guild stream fan-out at startup.
	UserGuilds(ctx context.Context) ([]*discordgo.UserGuild, error)
}

// discordClient adapts *discordgo.Session to Client.
type discordClient struct {
	session *discordgo.Session
}

// New constructs a Client authenticated with a bot token. The session is not
// opened yet — call Open once handlers are registered.
func New(token string) (Client, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("constructing discord session: %w", err)
	}

	// Privileged intents required to observe member/presence-affecting
	// events and full message content (spec.md §4.F).
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildEmojis

	return &discordClient{session: session}, nil
}

func (c *discordClient) Open(ctx context.Context) error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("opening gateway session: %w", err)
	}
	return nil
}

func (c *discordClient) Close() error {
	return c.session.Close()
}

func (c *discordClient) AddHandler(handler any) func() {
	return c.session.AddHandler(handler)
}

func (c *discordClient) ChannelMessages(ctx context.Context, channelID string, limit int, beforeID, afterID string) ([]*discordgo.Message, error) {
	msgs, err := c.session.ChannelMessages(channelID, limit, beforeID, afterID, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching channel %s messages: %w", channelID, err)
	}
	return msgs, nil
}

func (c *discordClient) GuildMembers(ctx context.Context, guildID, afterID string, limit int) ([]*discordgo.Member, error) {
	members, err := c.session.GuildMembers(guildID, afterID, limit, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching guild %s members: %w", guildID, err)
	}
	return members, nil
}

func (c *discordClient) GuildRoles(ctx context.Context, guildID string) ([]*discordgo.Role, error) {
	roles, err := c.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching guild %s roles: %w", guildID, err)
	}
	return roles, nil
}

func (c *discordClient) GuildChannels(ctx context.Context, guildID string) ([]*discordgo.Channel, error) {
	channels, err := c.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching guild %s channels: %w", guildID, err)
	}
	return channels, nil
}

func (c *discordClient) GuildEmojis(ctx context.Context, guildID string) ([]*discordgo.Emoji, error) {
	emojis, err := c.session.GuildEmojis(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching guild %s emojis: %w", guildID, err)
	}
	return emojis, nil
}

func (c *discordClient) GuildStickers(ctx context.Context, guildID string) ([]*discordgo.Sticker, error) {
	stickers, err := c.session.GuildStickers(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching guild %s stickers: %w", guildID, err)
	}
	return stickers, nil
}

func (c *discordClient) Guild(ctx context.Context, guildID string) (*discordgo.Guild, error) {
	guild, err := c.session.Guild(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching guild %s: %w", guildID, err)
	}
	return guild, nil
}

func (c *discordClient) UserGuilds(ctx context.Context) ([]*discordgo.UserGuild, error) {
	guilds, err := c.session.UserGuilds(200, "", "", false, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching user guilds: %w", err)
	}
	return guilds, nil
}
