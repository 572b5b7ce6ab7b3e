package signal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextlevelbuilder/msggate/internal/outbound"
)

func envelopeFixture(t *testing.T, raw string) envelope {
	t.Helper()
	var e envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestNormalize(t *testing.T) {
	c := &Channel{cfg: Config{APIURL: "http://api"}, accountID: "acct", log: slog.Default()}
	e := envelopeFixture(t, `{"envelope":{"source":"+15550001111","sourceName":"Ada","timestamp":1700000000000,
		"dataMessage":{"message":"hi","quote":{"id":1699,"author":"+15550002222","text":"earlier"},
		"attachments":[{"id":"att-1","filename":"pic.png","contentType":"image/png","size":1234}]}}}`)

	msg, ok := c.normalize(e)
	if !ok {
		t.Fatal("envelope dropped")
	}
	if msg.SenderID != "+15550001111" || msg.SenderName != "Ada" || msg.ChatID != "+15550001111" {
		t.Errorf("identity = %+v", msg)
	}
	if msg.IsGroup {
		t.Error("direct message marked as group")
	}
	if msg.ReplyToID != "1699" || msg.ReplyToSender != "+15550002222" || msg.ReplyToBody != "earlier" {
		t.Errorf("quote = %+v", msg)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].URL != "http://api/v1/attachments/att-1" {
		t.Errorf("attachments = %+v", msg.Attachments)
	}
}

func TestNormalize_Group(t *testing.T) {
	c := &Channel{log: slog.Default()}
	e := envelopeFixture(t, `{"envelope":{"source":"+15550001111","timestamp":1,
		"dataMessage":{"message":"hey","groupInfo":{"groupId":"abc=="}}}}`)
	msg, ok := c.normalize(e)
	if !ok {
		t.Fatal("envelope dropped")
	}
	if !msg.IsGroup || msg.ChatID != "group.abc==" {
		t.Errorf("group mapping = %+v", msg)
	}
}

func TestNormalize_DropsReceipts(t *testing.T) {
	c := &Channel{log: slog.Default()}
	e := envelopeFixture(t, `{"envelope":{"source":"+15550001111","timestamp":1}}`)
	if _, ok := c.normalize(e); ok {
		t.Error("envelope without dataMessage not dropped")
	}
}

func TestSendText_EncodesStyles(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/send" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		json.NewEncoder(w).Encode(map[string]int64{"timestamp": 1700000000123})
	}))
	defer srv.Close()

	c, err := New(Config{APIURL: srv.URL, Number: "+1999"}, "acct", nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.SendText(context.Background(), outbound.SendOptions{To: "+15550001111"}, "a **bold** word")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.MessageID != "1700000000123" {
		t.Errorf("result = %+v", res)
	}
	if got.Message != "a bold word" {
		t.Errorf("message = %q", got.Message)
	}
	if len(got.TextStyles) != 1 || got.TextStyles[0] != "2:4:BOLD" {
		t.Errorf("styles = %v", got.TextStyles)
	}
	if len(got.Recipients) != 1 || got.Recipients[0] != "+15550001111" {
		t.Errorf("recipients = %v", got.Recipients)
	}
}

func TestSendText_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unregistered", http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := New(Config{APIURL: srv.URL, Number: "+1999"}, "acct", nil, slog.Default())
	if _, err := c.SendText(context.Background(), outbound.SendOptions{To: "x"}, "hi"); err == nil {
		t.Error("bad status not surfaced")
	}
}

func TestSendMedia_EmbedsAttachment(t *testing.T) {
	mux := http.NewServeMux()
	var got sendRequest
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("img-bytes"))
	})
	mux.HandleFunc("/v2/send", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]int64{"timestamp": 42})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, _ := New(Config{APIURL: srv.URL, Number: "+1999"}, "acct", nil, slog.Default())
	res, err := c.SendMedia(context.Background(), outbound.SendOptions{To: "+1555"}, "see pic", srv.URL+"/blob")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || got.Message != "see pic" {
		t.Errorf("send = %+v req = %+v", res, got)
	}
	if len(got.Base64Attachments) != 1 {
		t.Fatalf("attachments = %v", got.Base64Attachments)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}, "acct", nil, nil); err == nil {
		t.Error("empty config accepted")
	}
}
