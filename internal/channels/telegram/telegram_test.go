package telegram

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/mymmrac/telego"
)

func testChannel() *Channel {
	return &Channel{cfg: Config{Token: "t"}, accountID: "acct", log: slog.Default()}
}

func TestNormalize(t *testing.T) {
	c := testChannel()
	m := &telego.Message{
		MessageID:       77,
		Date:            1700000000,
		Text:            "hello",
		MessageThreadID: 12,
		Chat:            telego.Chat{ID: -100123, Type: telego.ChatTypeSupergroup, Title: "builders"},
		From:            &telego.User{ID: 42, FirstName: "Ada", Username: "ada"},
		ReplyToMessage: &telego.Message{
			MessageID: 70,
			Text:      "earlier",
			From:      &telego.User{ID: 7},
		},
	}
	got := c.normalize(context.Background(), m)

	if got.MessageID != "77" || got.SenderID != "42" || got.ChatID != "-100123" {
		t.Errorf("ids = %+v", got)
	}
	if !got.IsGroup || got.ChatName != "builders" {
		t.Errorf("group mapping = %+v", got)
	}
	if got.SenderName != "@ada" {
		t.Errorf("sender name = %q", got.SenderName)
	}
	if got.ThreadID != "12" {
		t.Errorf("thread = %q", got.ThreadID)
	}
	if got.ReplyToID != "70" || got.ReplyToBody != "earlier" || got.ReplyToSender != "7" {
		t.Errorf("reply context = %+v", got)
	}
	if got.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d", got.Timestamp)
	}
	if got.Channel != "telegram" || got.AccountID != "acct" {
		t.Errorf("routing = %+v", got)
	}
}

func TestNormalize_CaptionFallsBackToText(t *testing.T) {
	c := testChannel()
	m := &telego.Message{
		MessageID: 1,
		Caption:   "look at this",
		Chat:      telego.Chat{ID: 5, Type: telego.ChatTypePrivate},
	}
	got := c.normalize(context.Background(), m)
	if got.Text != "look at this" || got.IsGroup {
		t.Errorf("caption mapping = %+v", got)
	}
}

func TestClassifyMedia(t *testing.T) {
	tests := []struct {
		url  string
		want mediaKind
	}{
		{"http://x/pic.png", mediaPhoto},
		{"http://x/pic.JPG?sig=1", mediaPhoto},
		{"http://x/fun.gif", mediaAnimation},
		{"http://x/report.pdf", mediaDocument},
		{"/tmp/archive.tar.gz", mediaDocument},
	}
	for _, tt := range tests {
		if got := classifyMedia(tt.url); got != tt.want {
			t.Errorf("classifyMedia(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestChatIDFromTarget(t *testing.T) {
	if id := chatIDFromTarget("-100123"); id.ID != -100123 {
		t.Errorf("numeric target = %+v", id)
	}
	if id := chatIDFromTarget("@somechan"); id.Username != "@somechan" {
		t.Errorf("username target = %+v", id)
	}
}

func TestPathUnderAny(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "a", "b.png")
	if !pathUnderAny(inside, []string{root}) {
		t.Error("inside path rejected")
	}
	if pathUnderAny(filepath.Join(root, "..", "escape.png"), []string{root}) {
		t.Error("escaping path accepted")
	}
	if pathUnderAny(inside, nil) {
		t.Error("no roots accepted path")
	}
}
