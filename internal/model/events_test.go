package model

import "testing"

func TestMarshal_MessageCreate(t *testing.T) {
	content := "hi"
	msg := Message{
		Tag:       TagMessageCreate,
		ID:        1,
		Content:   &content,
		CreatedAt: 1000,
		Author:    7,
	}

	line, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	want := `{"t":"c","i":1,"ct":"hi","ca":1000,"a":7}`
	if string(line) != want {
		t.Errorf("got %s, want %s", line, want)
	}
}

func TestMarshal_ReactionAdd_ExactlyOneEmojiField(t *testing.T) {
	ev := ReactionEvent{
		Tag:    TagReactionAdd,
		ID:     50,
		UserID: 9,
		Emoji:  &Reaction{Unicode: "👍"},
	}

	line, err := Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	want := `{"t":"ra","i":50,"u":9,"e":{"u":"👍"}}`
	if string(line) != want {
		t.Errorf("got %s, want %s", line, want)
	}
}

func TestMarshal_MessageDelete(t *testing.T) {
	line, err := Marshal(MessageDelete{Tag: TagMessageDelete, ID: 2})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(line) != `{"t":"d","i":2}` {
		t.Errorf("got %s", line)
	}
}

func TestMarshal_RoleTombstone(t *testing.T) {
	line, err := Marshal(Role{ID: 5, Name: "admin", Deleted: true})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"i":5,"n":"admin","d":true}`
	if string(line) != want {
		t.Errorf("got %s, want %s", line, want)
	}
}
