package signal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/msggate/internal/bus"
	"github.com/nextlevelbuilder/msggate/internal/outbound"
)

const (
	textChunkLimit = 2000
	receivePoll    = 2 * time.Second
	// maxAttachmentBytes bounds attachment fetches for base64 embedding.
	maxAttachmentBytes = 8 * 1024 * 1024
)

// Config configures a signal-cli REST bridge connection.
type Config struct {
	APIURL string `json:"apiUrl"` // e.g. "http://localhost:8080"
	Number string `json:"number"` // bot's own number
}

// Channel is a Signal connection through signal-cli's REST API.
type Channel struct {
	cfg       Config
	client    *http.Client
	router    bus.MessageRouter
	accountID string
	log       *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Signal channel.
func New(cfg Config, accountID string, router bus.MessageRouter, log *slog.Logger) (*Channel, error) {
	if cfg.APIURL == "" || cfg.Number == "" {
		return nil, fmt.Errorf("signal: apiUrl and number are required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		cfg:       cfg,
		client:    &http.Client{Timeout: 30 * time.Second},
		router:    router,
		accountID: accountID,
		log:       log.With("channel", "signal", "account", accountID),
	}, nil
}

func (c *Channel) Name() string { return "signal" }

// envelope is the relevant subset of signal-cli's receive payload.
type envelope struct {
	Envelope struct {
		Source      string `json:"source"`
		SourceName  string `json:"sourceName"`
		Timestamp   int64  `json:"timestamp"`
		DataMessage *struct {
			Message   string `json:"message"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo"`
			Quote *struct {
				ID     int64  `json:"id"`
				Author string `json:"author"`
				Text   string `json:"text"`
			} `json:"quote"`
			Attachments []struct {
				ID          string `json:"id"`
				Filename    string `json:"filename"`
				ContentType string `json:"contentType"`
				Size        int64  `json:"size"`
			} `json:"attachments"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

// Start launches the receive polling loop.
func (c *Channel) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.receiveLoop(loopCtx)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Channel) receiveLoop(ctx context.Context) {
	defer close(c.done)
	url := fmt.Sprintf("%s/v1/receive/%s", c.cfg.APIURL, c.cfg.Number)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(receivePoll):
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			continue
		}
		resp, err := c.client.Do(req)
		if err != nil {
			c.log.Warn("receive poll failed", "error", err)
			continue
		}
		var envs []envelope
		err = json.NewDecoder(resp.Body).Decode(&envs)
		resp.Body.Close()
		if err != nil {
			c.log.Warn("bad receive payload", "error", err)
			continue
		}
		for _, e := range envs {
			if msg, ok := c.normalize(e); ok {
				c.router.PublishInbound(msg)
			}
		}
	}
}

// normalize maps a receive envelope onto the bus shape.
func (c *Channel) normalize(e envelope) (bus.Message, bool) {
	dm := e.Envelope.DataMessage
	if dm == nil {
		return bus.Message{}, false
	}
	msg := bus.Message{
		MessageID:  fmt.Sprintf("%d", e.Envelope.Timestamp),
		SenderID:   e.Envelope.Source,
		SenderName: e.Envelope.SourceName,
		ChatID:     e.Envelope.Source,
		Timestamp:  e.Envelope.Timestamp,
		Text:       dm.Message,
		Channel:    "signal",
		AccountID:  c.accountID,
	}
	if g := dm.GroupInfo; g != nil && g.GroupID != "" {
		msg.ChatID = "group." + g.GroupID
		msg.IsGroup = true
	}
	if q := dm.Quote; q != nil {
		msg.ReplyToID = fmt.Sprintf("%d", q.ID)
		msg.ReplyToSender = q.Author
		msg.ReplyToBody = q.Text
	}
	for _, a := range dm.Attachments {
		msg.Attachments = append(msg.Attachments, bus.Attachment{
			URL:      fmt.Sprintf("%s/v1/attachments/%s", c.cfg.APIURL, a.ID),
			Name:     a.Filename,
			MimeType: a.ContentType,
			Size:     a.Size,
		})
	}
	return msg, true
}

// sendRequest is signal-cli's v2/send body.
type sendRequest struct {
	Number            string   `json:"number"`
	Recipients        []string `json:"recipients"`
	Message           string   `json:"message"`
	TextStyles        []string `json:"text_style,omitempty"`
	Base64Attachments []string `json:"base64_attachments,omitempty"`
}

func (c *Channel) send(ctx context.Context, req sendRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+"/v2/send", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("signal: send status %d: %s", resp.StatusCode, data)
	}
	var out struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil
	}
	return fmt.Sprintf("%d", out.Timestamp), nil
}

// SendText converts one markdown chunk to plain text plus styles and
// sends it.
func (c *Channel) SendText(ctx context.Context, opts outbound.SendOptions, text string) (outbound.DeliveryResult, error) {
	plain, styles := ParseStyled(text)
	req := sendRequest{Number: c.cfg.Number, Recipients: []string{opts.To}, Message: plain}
	for _, s := range styles {
		req.TextStyles = append(req.TextStyles, s.Encode())
	}
	id, err := c.send(ctx, req)
	if err != nil {
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}
	return outbound.DeliveryResult{MessageID: id, To: opts.To, Content: plain, Success: true}, nil
}

// SendMedia fetches the media and embeds it base64 in the send call.
func (c *Channel) SendMedia(ctx context.Context, opts outbound.SendOptions, caption, mediaURL string) (outbound.DeliveryResult, error) {
	data, err := c.fetchAttachment(ctx, mediaURL)
	if err != nil {
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}
	req := sendRequest{
		Number:            c.cfg.Number,
		Recipients:        []string{opts.To},
		Message:           caption,
		Base64Attachments: []string{base64.StdEncoding.EncodeToString(data)},
	}
	id, err := c.send(ctx, req)
	if err != nil {
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}
	return outbound.DeliveryResult{MessageID: id, To: opts.To, Content: caption, Success: true}, nil
}

func (c *Channel) fetchAttachment(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signal: fetch media status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxAttachmentBytes {
		return nil, fmt.Errorf("signal: media over %d bytes", maxAttachmentBytes)
	}
	return data, nil
}

func (c *Channel) Chunker() outbound.ChunkFunc       { return outbound.ChunkMarkdown }
func (c *Channel) ChunkerMode() outbound.ChunkerMode { return outbound.ChunkerMarkdown }
func (c *Channel) TextChunkLimit() int               { return textChunkLimit }
