// Package paths derives the on-disk filesystem layout of spec.md §6 from
// logical stream keys and asset requests, and guards every derivation
// against path traversal.
package paths

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/milkshiift/bigbrother/internal/model"
)

// MetadataKind enumerates the per-guild metadata streams (§6).
type MetadataKind string

const (
	MetadataMembers  MetadataKind = "members"
	MetadataRoles    MetadataKind = "roles"
	MetadataChannels MetadataKind = "channels"
	MetadataGuild    MetadataKind = "guild"
	MetadataEmojis   MetadataKind = "emojis"
	MetadataStickers MetadataKind = "stickers"
)

// StreamKey identifies a single log stream: one writer per key, per process
// (spec.md §3). Exactly one of Metadata or ChannelID is meaningful,
// distinguished by IsMessages.
type StreamKey struct {
	GuildID    uint64
	IsMessages bool
	ChannelID  uint64       // valid iff IsMessages
	Metadata   MetadataKind // valid iff !IsMessages
}

// Messages builds the stream key for a channel's message log.
func Messages(guildID, channelID uint64) StreamKey {
	return StreamKey{GuildID: guildID, IsMessages: true, ChannelID: channelID}
}

// Metadata builds the stream key for a guild metadata log.
func Metadata(guildID uint64, kind MetadataKind) StreamKey {
	return StreamKey{GuildID: guildID, Metadata: kind}
}

// String renders a key uniquely, used as a map key by the writer pool.
func (k StreamKey) String() string {
	if k.IsMessages {
		return fmt.Sprintf("%d/messages/%d", k.GuildID, k.ChannelID)
	}
	return fmt.Sprintf("%d/metadata/%s", k.GuildID, k.Metadata)
}

// Layout resolves stream keys and asset requests against a data directory
// root, rejecting anything that would escape it.
type Layout struct {
	root string
}

// NewLayout validates that root is a usable, absolute base directory.
func NewLayout(root string) (*Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving data path: %w", err)
	}
	return &Layout{root: abs}, nil
}

// Root returns the absolute data directory path.
func (l *Layout) Root() string {
	return l.root
}

// LockFile returns the path to the exclusive data-dir lock (§4.G step 1).
func (l *Layout) LockFile() string {
	return filepath.Join(l.root, ".lock")
}

// DownloadsFile returns the path to the download tracker's state log (§4.C).
func (l *Layout) DownloadsFile() string {
	return filepath.Join(l.root, "downloads.ndjson")
}

// StreamPath resolves a StreamKey to its NDJSON file path.
func (l *Layout) StreamPath(key StreamKey) (string, error) {
	guildDir := strconv.FormatUint(key.GuildID, 10)
	if err := validateComponent(guildDir, "guild_id"); err != nil {
		return "", err
	}

	var rel string
	if key.IsMessages {
		rel = filepath.Join(guildDir, "messages", strconv.FormatUint(key.ChannelID, 10)+".ndjson")
	} else {
		if err := validateComponent(string(key.Metadata), "metadata kind"); err != nil {
			return "", err
		}
		rel = filepath.Join(guildDir, "metadata", string(key.Metadata)+".ndjson")
	}

	return l.resolve(rel)
}

// AttachmentDir returns the directory holding a channel's downloaded
// attachments (§6: messages/{channel_id}/).
func (l *Layout) AttachmentDir(guildID, channelID uint64) (string, error) {
	rel := filepath.Join(strconv.FormatUint(guildID, 10), "messages", strconv.FormatUint(channelID, 10))
	return l.resolve(rel)
}

// AssetPath resolves an AssetRequest to its final on-disk path, per the
// per-kind naming conventions in §6. hash is the content hash used for
// avatars/icons (empty string elsewhere).
func (l *Layout) AssetPath(guildID uint64, req model.AssetRequest, hash, ext string) (string, error) {
	guildDir := strconv.FormatUint(guildID, 10)
	if err := validateComponent(guildDir, "guild_id"); err != nil {
		return "", err
	}
	if err := validateComponent(req.ID, "asset id"); err != nil {
		return "", err
	}

	var rel string
	switch req.Kind {
	case model.AssetAttachment:
		// handled by AttachmentPath (AttachmentDir + sanitized filename),
		// which catchup and live call directly.
		return "", fmt.Errorf("use AttachmentDir for attachment assets")
	case model.AssetAvatar:
		rel = filepath.Join(guildDir, "assets", "avatars", fmt.Sprintf("%s_%s.%s", req.ID, hash, ext))
	case model.AssetEmoji:
		rel = filepath.Join(guildDir, "assets", "emojis", fmt.Sprintf("%s.%s", req.ID, ext))
	case model.AssetIcon:
		rel = filepath.Join(guildDir, "assets", "icons", fmt.Sprintf("%s.%s", hash, ext))
	case model.AssetBanner:
		rel = filepath.Join(guildDir, "assets", "banners", fmt.Sprintf("%s.%s", hash, ext))
	case model.AssetSplash:
		rel = filepath.Join(guildDir, "assets", "splashes", fmt.Sprintf("%s.%s", hash, ext))
	case model.AssetSticker:
		rel = filepath.Join(guildDir, "assets", "stickers", fmt.Sprintf("%s.%s", req.ID, ext))
	default:
		return "", fmt.Errorf("unknown asset kind %q", req.Kind)
	}

	return l.resolve(rel)
}

// AttachmentPath resolves an attachment's final on-disk path within a
// channel's attachment directory: {attachment_id}_{attachment_name}.{ext}.
func (l *Layout) AttachmentPath(guildID, channelID uint64, attachmentID, name string) (string, error) {
	if err := validateComponent(attachmentID, "attachment id"); err != nil {
		return "", err
	}
	sanitizedName := sanitizeFilenameComponent(name)
	dir, err := l.AttachmentDir(guildID, channelID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s", attachmentID, sanitizedName)), nil
}

// resolve joins rel onto root and verifies the result stays under root.
func (l *Layout) resolve(rel string) (string, error) {
	full := filepath.Join(l.root, rel)
	if err := validatePathInBaseDir(l.root, full); err != nil {
		return "", err
	}
	return full, nil
}

const maxPathComponentLength = 255

// validateComponent rejects a name unsafe for use as a single path
// component: empty, too long, containing separators/NUL, or traversal.
func validateComponent(name, fieldName string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if len(name) > maxPathComponentLength {
		return fmt.Errorf("%s exceeds max length %d", fieldName, maxPathComponentLength)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%s contains path separator", fieldName)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%s contains null byte", fieldName)
	}
	if name == "." || name == ".." || strings.HasPrefix(name, "..") {
		return fmt.Errorf("%s contains path traversal", fieldName)
	}
	return nil
}

// sanitizeFilenameComponent strips path separators and NUL bytes from a
// platform-supplied filename (e.g. an attachment's original name) so it is
// safe to embed in a constructed path, without rejecting it outright.
func sanitizeFilenameComponent(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "\x00", "")
	if name == "" || name == "." || name == ".." {
		name = "_"
	}
	if len(name) > maxPathComponentLength {
		name = name[:maxPathComponentLength]
	}
	return name
}

// ExtFromURL extracts a best-effort file extension from an asset URL,
// defaulting to png for the common avatar/icon/emoji case.
func ExtFromURL(url string) string {
	base := url
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	if i := strings.LastIndexByte(base, '.'); i >= 0 && i < len(base)-1 {
		return base[i+1:]
	}
	return "png"
}

// validatePathInBaseDir verifies that resolvedPath stays within baseDir —
// defense in depth against path traversal beyond the per-component checks.
func validatePathInBaseDir(baseDir, resolvedPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolving base dir: %w", err)
	}
	absResolved, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}

	rel, err := filepath.Rel(absBase, absResolved)
	if err != nil {
		return fmt.Errorf("path escapes base directory: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes base directory %q", resolvedPath, baseDir)
	}
	return nil
}
