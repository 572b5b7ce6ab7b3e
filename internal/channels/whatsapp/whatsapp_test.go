package whatsapp

import (
	"encoding/json"
	"log/slog"
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	c := &Channel{accountID: "acct", log: slog.Default()}
	raw := `{"type":"message","id":"wamid.1","from":"+1555aaa@s.whatsapp.net","from_name":"Ada",` +
		`"chat":"12036@g.us","content":"hi all","media":["http://bridge/blob/1"],"ts":1700000000000}`
	var f frame
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatal(err)
	}
	got := c.normalize(f)

	if got.MessageID != "wamid.1" || got.SenderID != "+1555aaa@s.whatsapp.net" {
		t.Errorf("identity = %+v", got)
	}
	if !got.IsGroup || got.ChatID != "12036@g.us" {
		t.Errorf("group detection = %+v", got)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].URL != "http://bridge/blob/1" {
		t.Errorf("attachments = %+v", got.Attachments)
	}
	if got.Timestamp != 1700000000000 || got.Channel != "whatsapp" {
		t.Errorf("metadata = %+v", got)
	}
}

func TestNormalize_DirectChatDefaultsToSender(t *testing.T) {
	c := &Channel{log: slog.Default()}
	got := c.normalize(frame{Type: "message", From: "+1555aaa@s.whatsapp.net", Content: "yo"})
	if got.ChatID != "+1555aaa@s.whatsapp.net" || got.IsGroup {
		t.Errorf("direct mapping = %+v", got)
	}
	if got.Timestamp == 0 {
		t.Error("missing timestamp not defaulted")
	}
}

func TestWriteFrame_NotConnected(t *testing.T) {
	c := &Channel{log: slog.Default()}
	if err := c.writeFrame(frame{Type: "message", To: "x"}); err == nil {
		t.Error("disconnected write succeeded")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	f := frame{Type: "message", To: "12036@g.us", Content: "hello", MediaURL: "http://x/a.png", ReplyTo: "wamid.0"}
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	var got frame
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, f) {
		t.Errorf("round trip = %+v", got)
	}
}
