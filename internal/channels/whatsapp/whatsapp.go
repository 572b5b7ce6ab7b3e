// Package whatsapp connects the gateway to a WhatsApp bridge process
// over a websocket. The bridge speaks the WhatsApp protocol; this
// adapter exchanges JSON frames with it.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/msggate/internal/bus"
	"github.com/nextlevelbuilder/msggate/internal/outbound"
)

const (
	textChunkLimit   = 4000
	maxReconnectWait = 30 * time.Second
)

// Config configures one bridge connection.
type Config struct {
	BridgeURL string `json:"bridgeUrl"`
}

// frame is the JSON message exchanged with the bridge.
type frame struct {
	Type     string   `json:"type"`
	ID       string   `json:"id,omitempty"`
	From     string   `json:"from,omitempty"`
	FromName string   `json:"from_name,omitempty"`
	FromMe   bool     `json:"from_me,omitempty"`
	Chat     string   `json:"chat,omitempty"`
	To       string   `json:"to,omitempty"`
	Content  string   `json:"content,omitempty"`
	MediaURL string   `json:"media_url,omitempty"`
	Media    []string `json:"media,omitempty"`
	ReplyTo  string   `json:"reply_to,omitempty"`
	TSMillis int64    `json:"ts,omitempty"`
}

// Channel is a WhatsApp bridge connection.
type Channel struct {
	cfg       Config
	router    bus.MessageRouter
	accountID string
	log       *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a WhatsApp channel.
func New(cfg Config, accountID string, router bus.MessageRouter, log *slog.Logger) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp: bridgeUrl is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		cfg:       cfg,
		router:    router,
		accountID: accountID,
		log:       log.With("channel", "whatsapp", "account", accountID),
	}, nil
}

func (c *Channel) Name() string { return "whatsapp" }

// Start dials the bridge and begins the read loop. A failed initial
// dial is not fatal: the loop keeps reconnecting with backoff.
func (c *Channel) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	if err := c.connect(); err != nil {
		c.log.Warn("initial bridge connection failed, will retry", "error", err)
	}
	go c.listenLoop(loopCtx)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Channel) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.Dial(c.cfg.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("whatsapp: dial bridge %s: %w", c.cfg.BridgeURL, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.log.Info("bridge connected", "url", c.cfg.BridgeURL)
	return nil
}

func (c *Channel) listenLoop(ctx context.Context) {
	defer close(c.done)
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := c.connect(); err != nil {
				c.log.Warn("bridge reconnect failed", "error", err)
				backoff = min(backoff*2, maxReconnectWait)
				continue
			}
			backoff = time.Second
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.log.Warn("bridge read error, reconnecting", "error", err)
			c.mu.Lock()
			if c.conn != nil {
				c.conn.Close()
				c.conn = nil
			}
			c.mu.Unlock()
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("invalid bridge frame", "error", err)
			continue
		}
		if f.Type != "message" {
			continue
		}
		c.router.PublishInbound(c.normalize(f))
	}
}

// normalize maps a bridge frame onto the bus shape. Group chats carry
// the "@g.us" JID suffix.
func (c *Channel) normalize(f frame) bus.Message {
	chatID := f.Chat
	if chatID == "" {
		chatID = f.From
	}
	ts := f.TSMillis
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	msg := bus.Message{
		MessageID:  f.ID,
		SenderID:   f.From,
		SenderName: f.FromName,
		ChatID:     chatID,
		IsGroup:    strings.HasSuffix(chatID, "@g.us"),
		Timestamp:  ts,
		Text:       f.Content,
		ReplyToID:  f.ReplyTo,
		FromMe:     f.FromMe,
		Channel:    "whatsapp",
		AccountID:  c.accountID,
	}
	for _, m := range f.Media {
		msg.Attachments = append(msg.Attachments, bus.Attachment{URL: m})
	}
	return msg
}

func (c *Channel) writeFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("whatsapp: bridge not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendText sends one text chunk over the bridge.
func (c *Channel) SendText(ctx context.Context, opts outbound.SendOptions, text string) (outbound.DeliveryResult, error) {
	err := c.writeFrame(frame{Type: "message", To: opts.To, Content: text, ReplyTo: opts.ReplyToID})
	if err != nil {
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}
	return outbound.DeliveryResult{To: opts.To, Content: text, Success: true}, nil
}

// SendMedia sends one media URL with its caption.
func (c *Channel) SendMedia(ctx context.Context, opts outbound.SendOptions, caption, mediaURL string) (outbound.DeliveryResult, error) {
	err := c.writeFrame(frame{Type: "message", To: opts.To, Content: caption, MediaURL: mediaURL})
	if err != nil {
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}
	return outbound.DeliveryResult{To: opts.To, Content: caption, Success: true}, nil
}

// SendTyping relays the typing state to the bridge.
func (c *Channel) SendTyping(ctx context.Context, to string, typing bool) error {
	state := "composing"
	if !typing {
		state = "paused"
	}
	return c.writeFrame(frame{Type: "typing", To: to, Content: state})
}

func (c *Channel) Chunker() outbound.ChunkFunc       { return outbound.ChunkByLength }
func (c *Channel) ChunkerMode() outbound.ChunkerMode { return outbound.ChunkerText }
func (c *Channel) TextChunkLimit() int               { return textChunkLimit }
