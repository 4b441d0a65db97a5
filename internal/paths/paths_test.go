package paths

import (
	"strings"
	"testing"

	"github.com/milkshiift/bigbrother/internal/model"
)

func TestStreamPath_Messages(t *testing.T) {
	l, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	p, err := l.StreamPath(Messages(1, 2))
	if err != nil {
		t.Fatalf("StreamPath: %v", err)
	}
	if !strings.HasSuffix(p, "/1/messages/2.ndjson") {
		t.Errorf("got %s", p)
	}
}

func TestStreamPath_Metadata(t *testing.T) {
	l, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	p, err := l.StreamPath(Metadata(1, MetadataMembers))
	if err != nil {
		t.Fatalf("StreamPath: %v", err)
	}
	if !strings.HasSuffix(p, "/1/metadata/members.ndjson") {
		t.Errorf("got %s", p)
	}
}

func TestStreamKey_String_Unique(t *testing.T) {
	a := Messages(1, 2).String()
	b := Metadata(1, MetadataMembers).String()
	c := Messages(1, 3).String()
	if a == b || a == c || b == c {
		t.Errorf("expected distinct keys, got %q %q %q", a, b, c)
	}
}

func TestAssetPath_PerKindLayout(t *testing.T) {
	l, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}

	cases := []struct {
		req  model.AssetRequest
		hash string
		want string
	}{
		{model.AssetRequest{Kind: model.AssetAvatar, ID: "9"}, "h1", "/assets/avatars/9_h1.png"},
		{model.AssetRequest{Kind: model.AssetEmoji, ID: "55"}, "", "/assets/emojis/55.png"},
		{model.AssetRequest{Kind: model.AssetIcon, ID: "1"}, "h2", "/assets/icons/h2.png"},
		{model.AssetRequest{Kind: model.AssetSticker, ID: "77"}, "", "/assets/stickers/77.png"},
	}
	for _, c := range cases {
		got, err := l.AssetPath(1, c.req, c.hash, "png")
		if err != nil {
			t.Fatalf("AssetPath(%v): %v", c.req, err)
		}
		if !strings.HasSuffix(got, c.want) {
			t.Errorf("AssetPath(%v) = %s, want suffix %s", c.req, got, c.want)
		}
	}
}

func TestAssetPath_AttachmentRejected(t *testing.T) {
	l, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	if _, err := l.AssetPath(1, model.AssetRequest{Kind: model.AssetAttachment, ID: "1"}, "", "bin"); err == nil {
		t.Error("expected error directing caller to AttachmentDir")
	}
}

func TestAttachmentPath_SanitizesName(t *testing.T) {
	l, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	p, err := l.AttachmentPath(1, 2, "99", "../../etc/passwd")
	if err != nil {
		t.Fatalf("AttachmentPath: %v", err)
	}
	if strings.Contains(p, "../") || strings.Contains(p, "/..") {
		t.Errorf("expected traversal stripped from filename, got %s", p)
	}
	if !strings.HasSuffix(p, "99_.._.._etc_passwd") {
		t.Errorf("got %s", p)
	}
}

func TestValidateComponent_RejectsTraversal(t *testing.T) {
	invalid := []string{"..", "../../../etc/passwd", "..secret", "foo/bar", "foo\\bar", "", "foo\x00bar"}
	for _, name := range invalid {
		if err := validateComponent(name, "test"); err == nil {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}

func TestValidateComponent_AcceptsNumericIDs(t *testing.T) {
	valid := []string{"1", "123456789012345", "a1b2"}
	for _, name := range valid {
		if err := validateComponent(name, "test"); err != nil {
			t.Errorf("expected %q to be valid, got %v", name, err)
		}
	}
}

func TestValidateComponent_RejectsLongName(t *testing.T) {
	long := strings.Repeat("x", maxPathComponentLength+1)
	if err := validateComponent(long, "test"); err == nil {
		t.Error("expected long name to be rejected")
	}
}

func TestValidatePathInBaseDir_Outside(t *testing.T) {
	if err := validatePathInBaseDir("/data/bigbrother", "/etc/passwd"); err == nil {
		t.Error("expected path outside base dir to be rejected")
	}
}

func TestNewLayout_LockAndDownloadsFiles(t *testing.T) {
	root := t.TempDir()
	l, err := NewLayout(root)
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	if !strings.HasSuffix(l.LockFile(), "/.lock") {
		t.Errorf("got %s", l.LockFile())
	}
	if !strings.HasSuffix(l.DownloadsFile(), "/downloads.ndjson") {
		t.Errorf("got %s", l.DownloadsFile())
	}
}
