// Package model defines the canonical tagged event schema written to the
// per-stream NDJSON logs (spec.md §3/§6). Message-family events carry a
// short discriminator field `t`; metadata records (members, roles, channels,
// guild, emojis, stickers) carry no `t`, each kind having its own stream.
// Every type uses only the short field keys named by the spec; fields the platform did not deliver are left absent (zero value +
// `omitempty`), never synthesized.
package model

import "github.com/goccy/go-json"

// Message event tags.
const (
	TagMessageCreate      = "c"
	TagMessageUpdate      = "u"
	TagMessageDelete      = "d"
	TagMessageBulkDelete  = "bd"
	TagReactionAdd        = "ra"
	TagReactionRemove     = "rr"
	TagReactionRemoveAll  = "rra"
	TagReactionRemoveEmoji = "rre"
)

// Reaction is the minimal reaction object embedded in message events and
// reaction events. Exactly one of Custom or Unicode is set.
type Reaction struct {
	Custom  uint64 `json:"c,omitempty"`
	Unicode string `json:"u,omitempty"`
}

// Message is the shape shared by `c` (create) and `u` (update) events.
// On update, only the fields the platform actually delivered are populated —
// callers marshal whatever subset of the struct the Normalizer filled in, by
// constructing the event fresh per call rather than mutating a cached value.
type Message struct {
	Tag         string            `json:"t"`
	ID          uint64            `json:"i"`
	Content     *string           `json:"ct,omitempty"`
	CreatedAt   int64             `json:"ca,omitempty"`
	EditedAt    int64             `json:"ea,omitempty"`
	Author      uint64            `json:"a,omitempty"`
	Embeds      []json.RawMessage `json:"e,omitempty"`
	Attachments []uint64          `json:"at,omitempty"`
	Stickers    []uint64          `json:"s,omitempty"`
	Reactions   []Reaction        `json:"r,omitempty"`
	ReplyTo     *uint64           `json:"ri,omitempty"`
}

// MessageDelete is the `d` event: {t,i}.
type MessageDelete struct {
	Tag string `json:"t"`
	ID  uint64 `json:"i"`
}

// MessageBulkDelete is the `bd` event: {t,is}.
type MessageBulkDelete struct {
	Tag string   `json:"t"`
	IDs []uint64 `json:"is"`
}

// ReactionEvent covers `ra`, `rr`, `rra`, `rre`. For `rra`/`rre`, UserID is
// zero and omitted; for `rre`, Emoji identifies which emoji's reactions were
// cleared. For `ra`/`rr`, UserID and Emoji are both set.
type ReactionEvent struct {
	Tag    string    `json:"t"`
	ID     uint64    `json:"i"` // message id
	UserID uint64    `json:"u,omitempty"`
	Emoji  *Reaction `json:"e,omitempty"`
}

// Member identifies a user's membership record within a guild stream. `j`
// and `l` track join/leave transitions; rejoins append a new record rather
// than mutating the old one.
type Member struct {
	ID       uint64 `json:"i"`
	Username string `json:"u,omitempty"`
	Nick     string `json:"n,omitempty"`
	Avatar   string `json:"av,omitempty"`
	JoinedAt int64  `json:"j,omitempty"`
	LeftAt   int64  `json:"l,omitempty"`
}

// Role carries `d: true` on deletion rather than being removed; a later
// re-creation of the same id appends a new, non-deleted entry.
type Role struct {
	ID         uint64 `json:"i"`
	Name       string `json:"n,omitempty"`
	Color      int    `json:"c,omitempty"`
	Permissions string `json:"p,omitempty"`
	Deleted    bool   `json:"d,omitempty"`
}

// Channel mirrors Role's tombstone-on-delete lifecycle.
type Channel struct {
	ID       uint64 `json:"i"`
	Name     string `json:"n,omitempty"`
	Type     int    `json:"ty,omitempty"`
	ParentID uint64 `json:"p,omitempty"`
	Deleted  bool   `json:"d,omitempty"`
}

// Guild captures drift in the guild's own settings (name, icon, owner) as an
// appended snapshot record on the guild metadata stream (untagged, like the
// other metadata records), the supplemented feature from SPEC_FULL.md §3.
type Guild struct {
	ID      uint64 `json:"i"`
	Name    string `json:"n,omitempty"`
	Icon    string `json:"ic,omitempty"`
	OwnerID uint64 `json:"o,omitempty"`
}

// Emoji mirrors Role's tombstone-on-delete lifecycle.
type Emoji struct {
	ID       uint64 `json:"i"`
	Name     string `json:"n,omitempty"`
	Animated bool   `json:"an,omitempty"`
	Deleted  bool   `json:"d,omitempty"`
}

// Sticker mirrors Role's tombstone-on-delete lifecycle.
type Sticker struct {
	ID      uint64 `json:"i"`
	Name    string `json:"n,omitempty"`
	Deleted bool   `json:"d,omitempty"`
}

// AssetKind enumerates the binary-blob categories named in spec.md §6.
type AssetKind string

const (
	AssetAvatar     AssetKind = "avatar"
	AssetEmoji      AssetKind = "emoji"
	AssetSticker    AssetKind = "sticker"
	AssetIcon       AssetKind = "icon"
	AssetBanner     AssetKind = "banner"
	AssetSplash     AssetKind = "splash"
	AssetAttachment AssetKind = "attachment"
)

// AssetRequest is emitted by the Normalizer alongside a canonical event
// whenever that event references a binary blob that needs fetching.
// TargetPath is resolved by the caller (catchup/live) once guild/channel
// context is known, via internal/paths.
type AssetRequest struct {
	Kind       AssetKind
	ID         string // natural key within Kind (§4.C)
	Hash       string // content hash, avatars only (§6 filename: {user_id}_{hash})
	URL        string
	Filename   string // original filename, attachments only
	ChannelID  uint64 // owning channel, attachments only
	TargetPath string // final on-disk path, §6 layout
}

// Marshal encodes an event as a single minified JSON line (no trailing
// newline — callers append it).
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
