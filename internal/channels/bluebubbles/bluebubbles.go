// Package bluebubbles connects the gateway to a BlueBubbles server
// (iMessage). Outbound goes through the server's REST API; inbound
// arrives as webhook events parsed by this package and served through
// the shared webhook server.
package bluebubbles

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/msggate/internal/bus"
	"github.com/nextlevelbuilder/msggate/internal/outbound"
	"github.com/nextlevelbuilder/msggate/internal/webhook"
)

const textChunkLimit = 4000

// Config configures one BlueBubbles server connection.
type Config struct {
	ServerURL string `json:"serverUrl"`
	Password  string `json:"password"`
	// Method selects the send backend: "private-api" (default) or
	// "apple-script".
	Method string `json:"method,omitempty"`
}

// Channel is a BlueBubbles server connection.
type Channel struct {
	cfg       Config
	client    *http.Client
	router    bus.MessageRouter
	accountID string
	log       *slog.Logger
}

// New creates a BlueBubbles channel.
func New(cfg Config, accountID string, router bus.MessageRouter, log *slog.Logger) (*Channel, error) {
	if cfg.ServerURL == "" || cfg.Password == "" {
		return nil, fmt.Errorf("bluebubbles: serverUrl and password are required")
	}
	if cfg.Method == "" {
		cfg.Method = "private-api"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		cfg:       cfg,
		client:    &http.Client{Timeout: 30 * time.Second},
		router:    router,
		accountID: accountID,
		log:       log.With("channel", "bluebubbles", "account", accountID),
	}, nil
}

func (c *Channel) Name() string { return "bluebubbles" }

// Start is a no-op: inbound arrives over the webhook server.
func (c *Channel) Start(ctx context.Context) error { return nil }

func (c *Channel) Stop(ctx context.Context) error { return nil }

func (c *Channel) apiURL(path string) string {
	return c.cfg.ServerURL + path + "?password=" + url.QueryEscape(c.cfg.Password)
}

// webhookEvent is the BlueBubbles webhook envelope.
type webhookEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// messageData is the relevant subset of a BlueBubbles message object.
type messageData struct {
	GUID        string `json:"guid"`
	Text        string `json:"text"`
	DateCreated int64  `json:"dateCreated"`
	IsFromMe    bool   `json:"isFromMe"`
	Handle      *struct {
		Address     string `json:"address"`
		DisplayName string `json:"displayName"`
	} `json:"handle"`
	Chats []struct {
		GUID           string `json:"guid"`
		ChatIdentifier string `json:"chatIdentifier"`
		DisplayName    string `json:"displayName"`
		Style          int    `json:"style"`
	} `json:"chats"`
	Attachments []struct {
		GUID         string `json:"guid"`
		TransferName string `json:"transferName"`
		MimeType     string `json:"mimeType"`
		TotalBytes   int64  `json:"totalBytes"`
	} `json:"attachments"`
	ThreadOriginatorGUID  string `json:"threadOriginatorGuid"`
	BalloonBundleID       string `json:"balloonBundleId"`
	AssociatedMessageGUID string `json:"associatedMessageGuid"`
	AssociatedMessageType string `json:"associatedMessageType"`
}

// WebhookHandler returns the handler to mount on the shared webhook
// server. Unknown event types are acknowledged and dropped.
func (c *Channel) WebhookHandler() webhook.Handler {
	return func(ctx context.Context, req *webhook.Request) {
		if req.IsReplay {
			return
		}
		var ev webhookEvent
		if err := json.Unmarshal(req.Body, &ev); err != nil {
			c.log.Warn("malformed webhook body", "error", err)
			return
		}
		switch ev.Type {
		case "new-message", "updated-message":
		default:
			return
		}
		var data messageData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			c.log.Warn("malformed message data", "error", err)
			return
		}
		if r, ok := parseReaction(data); ok {
			c.log.Debug("tapback received", "emoji", r.Emoji, "action", r.Action, "message", r.MessageID)
			return
		}
		c.router.PublishInbound(c.normalize(data))
	}
}

// tapback association types, with "-" prefixed removal forms.
var tapbackTypes = map[string]string{
	"love": "❤️", "like": "👍", "dislike": "👎",
	"laugh": "😂", "emphasize": "‼️", "question": "❓",
}

// parseReaction maps a tapback message onto the reaction shape.
func parseReaction(data messageData) (bus.Reaction, bool) {
	emoji, ok := tapbackTypes[strings.TrimPrefix(data.AssociatedMessageType, "-")]
	if !ok {
		return bus.Reaction{}, false
	}
	action := bus.ReactionAdded
	if strings.HasPrefix(data.AssociatedMessageType, "-") {
		action = bus.ReactionRemoved
	}
	r := bus.Reaction{
		MessageID: trimAssociatedGUID(data.AssociatedMessageGUID),
		Emoji:     emoji,
		Action:    action,
		Timestamp: data.DateCreated,
		FromMe:    data.IsFromMe,
	}
	if data.Handle != nil {
		r.SenderID = data.Handle.Address
	}
	if len(data.Chats) > 0 {
		chat := data.Chats[0]
		r.ChatGUID = chat.GUID
		r.ChatIdentifier = chat.ChatIdentifier
		r.IsGroup = chatIsGroup(chat.GUID, chat.Style)
	}
	return r, true
}

// normalize maps a BlueBubbles message onto the bus shape. Group chats
// carry style 43 or a ";+;" guid separator.
func (c *Channel) normalize(data messageData) bus.Message {
	msg := bus.Message{
		MessageID:             data.GUID,
		Timestamp:             data.DateCreated,
		Text:                  data.Text,
		FromMe:                data.IsFromMe,
		ReplyToID:             data.ThreadOriginatorGUID,
		BalloonBundleID:       data.BalloonBundleID,
		AssociatedMessageGUID: trimAssociatedGUID(data.AssociatedMessageGUID),
		Channel:               "bluebubbles",
		AccountID:             c.accountID,
	}
	if data.Handle != nil {
		msg.SenderID = data.Handle.Address
		msg.SenderName = data.Handle.DisplayName
	}
	if len(data.Chats) > 0 {
		chat := data.Chats[0]
		msg.ChatGUID = chat.GUID
		msg.ChatIdentifier = chat.ChatIdentifier
		msg.ChatName = chat.DisplayName
		msg.IsGroup = chatIsGroup(chat.GUID, chat.Style)
	}
	for _, a := range data.Attachments {
		msg.Attachments = append(msg.Attachments, bus.Attachment{
			URL:      c.apiURL("/api/v1/attachment/" + url.PathEscape(a.GUID) + "/download"),
			Name:     a.TransferName,
			MimeType: a.MimeType,
			Size:     a.TotalBytes,
		})
	}
	return msg
}

func chatIsGroup(guid string, style int) bool {
	return style == 43 || strings.Contains(guid, ";+;")
}

// trimAssociatedGUID strips the "p:0/" part-index prefix tapbacks carry.
func trimAssociatedGUID(guid string) string {
	if i := strings.Index(guid, "/"); i >= 0 && strings.HasPrefix(guid, "p:") {
		return guid[i+1:]
	}
	return guid
}

type apiResponse struct {
	Status int `json:"status"`
	Data   struct {
		GUID string `json:"guid"`
	} `json:"data"`
	Message string `json:"message"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Channel) post(ctx context.Context, path string, body any) (apiResponse, error) {
	var out apiResponse
	data, err := json.Marshal(body)
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL(path), bytes.NewReader(data))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponse))
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode >= 300 {
		reason := out.Message
		if out.Error != nil && out.Error.Message != "" {
			reason = out.Error.Message
		}
		return out, fmt.Errorf("bluebubbles: %s status %d: %s", path, resp.StatusCode, reason)
	}
	return out, nil
}

const maxAPIResponse = 1 << 20

// SendText sends one text chunk to a chat guid.
func (c *Channel) SendText(ctx context.Context, opts outbound.SendOptions, text string) (outbound.DeliveryResult, error) {
	body := map[string]any{
		"chatGuid": opts.To,
		"tempGuid": uuid.NewString(),
		"message":  text,
		"method":   c.cfg.Method,
	}
	if opts.ReplyToID != "" {
		body["selectedMessageGuid"] = opts.ReplyToID
		body["partIndex"] = 0
	}
	resp, err := c.post(ctx, "/api/v1/message/text", body)
	if err != nil {
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}
	return outbound.DeliveryResult{MessageID: resp.Data.GUID, To: opts.To, Content: text, Success: true}, nil
}

// SendMedia uploads the media as a multipart attachment. Remote URLs are
// fetched first; local paths must resolve under an allowed media root.
func (c *Channel) SendMedia(ctx context.Context, opts outbound.SendOptions, caption, mediaURL string) (outbound.DeliveryResult, error) {
	name, data, err := c.loadMedia(ctx, opts, mediaURL)
	if err != nil {
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("chatGuid", opts.To)
	_ = mw.WriteField("tempGuid", uuid.NewString())
	_ = mw.WriteField("name", name)
	_ = mw.WriteField("method", c.cfg.Method)
	part, err := mw.CreateFormFile("attachment", name)
	if err != nil {
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}
	if _, err := part.Write(data); err != nil {
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}
	mw.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("/api/v1/message/attachment"), &buf)
	if err != nil {
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.client.Do(req)
	if err != nil {
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("bluebubbles: attachment status %d", resp.StatusCode)
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}

	if caption != "" {
		return c.SendText(ctx, opts, caption)
	}
	return outbound.DeliveryResult{To: opts.To, Success: true}, nil
}

func (c *Channel) loadMedia(ctx context.Context, opts outbound.SendOptions, mediaURL string) (string, []byte, error) {
	if strings.HasPrefix(mediaURL, "http://") || strings.HasPrefix(mediaURL, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
		if err != nil {
			return "", nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return "", nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", nil, fmt.Errorf("bluebubbles: fetch media status %d", resp.StatusCode)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", nil, err
		}
		name := filepath.Base(strings.SplitN(mediaURL, "?", 2)[0])
		return name, data, nil
	}

	abs, err := filepath.Abs(mediaURL)
	if err != nil {
		return "", nil, err
	}
	if !pathUnderAny(abs, opts.MediaLocalRoots) {
		return "", nil, fmt.Errorf("bluebubbles: local media path outside allowed roots")
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", nil, err
	}
	return filepath.Base(abs), data, nil
}

func pathUnderAny(path string, roots []string) bool {
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(abs, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// SendTyping toggles the typing indicator (private-api only).
func (c *Channel) SendTyping(ctx context.Context, to string, typing bool) error {
	path := "/api/v1/chat/" + url.PathEscape(to) + "/typing"
	method := http.MethodPost
	if !typing {
		method = http.MethodDelete
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL(path), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("bluebubbles: typing status %d", resp.StatusCode)
	}
	return nil
}

// React applies or removes a tapback on a message.
func (c *Channel) React(ctx context.Context, to, messageID, emoji string, add bool) error {
	name := tapbackName(emoji)
	if !add {
		name = "-" + name
	}
	_, err := c.post(ctx, "/api/v1/message/react", map[string]any{
		"chatGuid":            to,
		"selectedMessageGuid": messageID,
		"reaction":            name,
		"partIndex":           0,
	})
	return err
}

func tapbackName(emoji string) string {
	for name, e := range tapbackTypes {
		if e == emoji {
			return name
		}
	}
	return "love"
}

func (c *Channel) Chunker() outbound.ChunkFunc       { return outbound.ChunkByLength }
func (c *Channel) ChunkerMode() outbound.ChunkerMode { return outbound.ChunkerText }
func (c *Channel) TextChunkLimit() int               { return textChunkLimit }
