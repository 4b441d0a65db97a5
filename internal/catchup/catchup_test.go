package catchup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/milkshiift/bigbrother/internal/model"
	"github.com/milkshiift/bigbrother/internal/paths"
	"github.com/milkshiift/bigbrother/internal/writer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLastMessageCursor_AbsentFileReturnsZero(t *testing.T) {
	cursor, err := LastMessageCursor(filepath.Join(t.TempDir(), "missing.ndjson"))
	if err != nil {
		t.Fatalf("LastMessageCursor: %v", err)
	}
	if cursor != 0 {
		t.Errorf("got %d, want 0", cursor)
	}
}

func TestLastMessageCursor_FindsLargestCreateOrUpdateID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.ndjson")
	data := `{"t":"c","i":1}` + "\n" +
		`{"t":"c","i":5}` + "\n" +
		`{"t":"u","i":3}` + "\n" +
		`{"t":"d","i":99}` + "\n" // deletes don't count toward the cursor
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cursor, err := LastMessageCursor(path)
	if err != nil {
		t.Fatalf("LastMessageCursor: %v", err)
	}
	if cursor != 5 {
		t.Errorf("got %d, want 5", cursor)
	}
}

func TestLastMessageCursor_TolerantOfTruncatedTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.ndjson")
	data := `{"t":"c","i":1}` + "\n" + `{"t":"c","i":2,"ct":"truncat`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cursor, err := LastMessageCursor(path)
	if err != nil {
		t.Fatalf("LastMessageCursor: %v", err)
	}
	if cursor != 1 {
		t.Errorf("got %d, want 1 (truncated line must be skipped, not fatal)", cursor)
	}
}

// fakeClient implements platform.Client against an in-memory message set,
// paginating newest-to-oldest by "before" exactly as the real REST client
// does, so Channel()'s reversal-to-ascending logic is exercised the same
// way it would be against discordgo.
type fakeClient struct {
	mu           sync.Mutex
	messages     []*discordgo.Message // newest first
	failChannels map[string]bool
}

func (f *fakeClient) Open(ctx context.Context) error  { return nil }
func (f *fakeClient) Close() error                    { return nil }
func (f *fakeClient) AddHandler(handler any) func()   { return func() {} }

func (f *fakeClient) ChannelMessages(ctx context.Context, channelID string, limit int, beforeID, afterID string) ([]*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failChannels[channelID] {
		return nil, fmt.Errorf("fake fetch error for channel %s", channelID)
	}

	var msgs []*discordgo.Message
	for _, m := range f.messages {
		if m.ChannelID == channelID {
			msgs = append(msgs, m)
		}
	}

	start := 0
	if beforeID != "" {
		for i, m := range msgs {
			if m.ID == beforeID {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(msgs) {
		end = len(msgs)
	}
	if start >= len(msgs) {
		return nil, nil
	}
	return msgs[start:end], nil
}

func (f *fakeClient) GuildMembers(ctx context.Context, guildID, afterID string, limit int) ([]*discordgo.Member, error) {
	return nil, nil
}
func (f *fakeClient) GuildRoles(ctx context.Context, guildID string) ([]*discordgo.Role, error) { return nil, nil }
func (f *fakeClient) GuildChannels(ctx context.Context, guildID string) ([]*discordgo.Channel, error) {
	return nil, nil
}
func (f *fakeClient) GuildEmojis(ctx context.Context, guildID string) ([]*discordgo.Emoji, error) {
	return nil, nil
}
func (f *fakeClient) GuildStickers(ctx context.Context, guildID string) ([]*discordgo.Sticker, error) {
	return nil, nil
}
func (f *fakeClient) Guild(ctx context.Context, guildID string) (*discordgo.Guild, error) {
	return &discordgo.Guild{ID: guildID}, nil
}
func (f *fakeClient) UserGuilds(ctx context.Context) ([]*discordgo.UserGuild, error) { return nil, nil }

type fakeSink struct {
	mu      sync.Mutex
	opened  map[string]bool
	lines   map[string][]string
}

func newFakeSink() *fakeSink {
	return &fakeSink{opened: make(map[string]bool), lines: make(map[string][]string)}
}

func (s *fakeSink) Open(key, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened[key] = true
	return nil
}

func (s *fakeSink) Append(ctx context.Context, key string, line []byte, durable writer.Durability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[key] = append(s.lines[key], string(line)+"\n")
	return nil
}

func (s *fakeSink) Flush(ctx context.Context, key string) error { return nil }

type fakeAssets struct {
	mu   sync.Mutex
	reqs []model.AssetRequest
}

func (a *fakeAssets) Enqueue(req model.AssetRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqs = append(a.reqs, req)
}

func TestChannel_BackfillsAscendingFromCursor(t *testing.T) {
	client := &fakeClient{
		messages: []*discordgo.Message{
			{ID: "5", ChannelID: "10", Author: &discordgo.User{ID: "1"}},
			{ID: "4", ChannelID: "10", Author: &discordgo.User{ID: "1"}},
			{ID: "3", ChannelID: "10", Author: &discordgo.User{ID: "1"}},
			{ID: "2", ChannelID: "10", Author: &discordgo.User{ID: "1"}},
			{ID: "1", ChannelID: "10", Author: &discordgo.User{ID: "1"}},
		},
	}

	layout, err := paths.NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	sink := newFakeSink()

	eng := New(testLogger(), client, layout, sink, &fakeAssets{}, Config{
		MessagesPerRequest: 2,
		WriteBatchSize:     1000,
		ChannelConcurrency: 4,
		MemberFetchLimit:   1000,
	})

	if err := eng.Channel(context.Background(), 100, 10); err != nil {
		t.Fatalf("Channel: %v", err)
	}

	key := paths.Messages(100, 10).String()
	lines := sink.lines[key]
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5: %v", len(lines), lines)
	}
	want := []string{
		`{"t":"c","i":1,"a":1}` + "\n",
		`{"t":"c","i":2,"a":1}` + "\n",
		`{"t":"c","i":3,"a":1}` + "\n",
		`{"t":"c","i":4,"a":1}` + "\n",
		`{"t":"c","i":5,"a":1}` + "\n",
	}
	for i, w := range want {
		if lines[i] != w {
			t.Errorf("line %d: got %q, want %q", i, lines[i], w)
		}
	}
}

func TestChannel_AuthorAvatarResolvesTargetPathFromHash(t *testing.T) {
	client := &fakeClient{
		messages: []*discordgo.Message{
			{ID: "1", ChannelID: "10", Author: &discordgo.User{ID: "42", Avatar: "abcd"}},
		},
	}

	layout, err := paths.NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	sink := newFakeSink()
	assets := &fakeAssets{}

	eng := New(testLogger(), client, layout, sink, assets, Config{
		MessagesPerRequest: 100,
		WriteBatchSize:     1000,
		ChannelConcurrency: 4,
		MemberFetchLimit:   1000,
	})

	if err := eng.Channel(context.Background(), 100, 10); err != nil {
		t.Fatalf("Channel: %v", err)
	}

	if len(assets.reqs) != 1 {
		t.Fatalf("got %d asset requests, want 1: %+v", len(assets.reqs), assets.reqs)
	}
	req := assets.reqs[0]
	if req.Kind != model.AssetAvatar || req.ID != "42" || req.Hash != "abcd" {
		t.Errorf("unexpected avatar request: %+v", req)
	}
	wantSuffix := filepath.Join("assets", "avatars", "42_abcd.png")
	if !strings.HasSuffix(req.TargetPath, wantSuffix) {
		t.Errorf("got target path %q, want suffix %q", req.TargetPath, wantSuffix)
	}
}

func TestChannel_StopsAtExistingCursor(t *testing.T) {
	client := &fakeClient{
		messages: []*discordgo.Message{
			{ID: "5", ChannelID: "10", Author: &discordgo.User{ID: "1"}},
			{ID: "4", ChannelID: "10", Author: &discordgo.User{ID: "1"}},
			{ID: "3", ChannelID: "10", Author: &discordgo.User{ID: "1"}},
		},
	}

	layout, err := paths.NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	streamPath, err := layout.StreamPath(paths.Messages(100, 10))
	if err != nil {
		t.Fatalf("StreamPath: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(streamPath), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(streamPath, []byte(`{"t":"c","i":3}`+"\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sink := newFakeSink()
	eng := New(testLogger(), client, layout, sink, &fakeAssets{}, Config{
		MessagesPerRequest: 100,
		WriteBatchSize:     1000,
		ChannelConcurrency: 4,
		MemberFetchLimit:   1000,
	})

	if err := eng.Channel(context.Background(), 100, 10); err != nil {
		t.Fatalf("Channel: %v", err)
	}

	key := paths.Messages(100, 10).String()
	lines := sink.lines[key]
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2 (ids 4 and 5 only): %v", len(lines), lines)
	}
	if lines[0] != `{"t":"c","i":4,"a":1}`+"\n" || lines[1] != `{"t":"c","i":5,"a":1}`+"\n" {
		t.Errorf("unexpected lines: %v", lines)
	}
}

func TestChannels_OneChannelFailureDoesNotCancelSiblings(t *testing.T) {
	client := &fakeClient{
		messages: []*discordgo.Message{
			{ID: "1", ChannelID: "10", Author: &discordgo.User{ID: "1"}},
			{ID: "1", ChannelID: "11", Author: &discordgo.User{ID: "1"}},
			{ID: "1", ChannelID: "12", Author: &discordgo.User{ID: "1"}},
		},
		failChannels: map[string]bool{"11": true},
	}

	layout, err := paths.NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	sink := newFakeSink()

	eng := New(testLogger(), client, layout, sink, &fakeAssets{}, Config{
		MessagesPerRequest: 100,
		WriteBatchSize:     1000,
		ChannelConcurrency: 2,
		MemberFetchLimit:   1000,
	})

	var mu sync.Mutex
	var done []uint64
	err = eng.Channels(context.Background(), 100, []uint64{10, 11, 12}, func(channelID uint64) {
		mu.Lock()
		done = append(done, channelID)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Channels: expected nil error despite one channel failing, got %v", err)
	}

	if len(done) != 3 {
		t.Fatalf("got %d onDone calls, want 3: %v", len(done), done)
	}

	for _, channelID := range []uint64{10, 12} {
		key := paths.Messages(100, channelID).String()
		if len(sink.lines[key]) != 1 {
			t.Errorf("channel %d: got %d lines, want 1", channelID, len(sink.lines[key]))
		}
	}

	key11 := paths.Messages(100, 11).String()
	if len(sink.lines[key11]) != 0 {
		t.Errorf("failed channel 11: expected no lines written, got %v", sink.lines[key11])
	}
}
