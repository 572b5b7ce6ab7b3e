// Package webchat serves a websocket endpoint for browser clients.
// Clients connect with a client id and receive pushed replies; there is
// no provider in the middle, so sends fail fast when the client is not
// connected and the delivery queue retries later.
package webchat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/msggate/internal/bus"
	"github.com/nextlevelbuilder/msggate/internal/outbound"
)

const (
	textChunkLimit = 8000
	writeTimeout   = 10 * time.Second
)

// ErrClientOffline is returned when no connection exists for the target
// client id.
var ErrClientOffline = errors.New("webchat: client not connected")

// Config configures the webchat websocket server.
type Config struct {
	Addr string `json:"addr"`
	// Token authenticates connecting clients via the ?token query param.
	// Empty means open (local-only deployments).
	Token string `json:"token,omitempty"`
}

// clientFrame is what a browser client sends.
type clientFrame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
	Name string `json:"name,omitempty"`
}

// serverFrame is what the gateway pushes to clients.
type serverFrame struct {
	Type      string   `json:"type"`
	Text      string   `json:"text,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
	Typing    bool     `json:"typing,omitempty"`
}

type conn struct {
	id string
	ws *websocket.Conn
}

// Channel is the webchat websocket server.
type Channel struct {
	cfg       Config
	router    bus.MessageRouter
	accountID string
	log       *slog.Logger

	srv *http.Server

	mu sync.RWMutex
	// conns maps client id to its open connections. A client may have
	// several tabs open; pushes go to all of them.
	conns map[string][]*conn
}

// New creates a webchat channel.
func New(cfg Config, accountID string, router bus.MessageRouter, log *slog.Logger) (*Channel, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("webchat: addr is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		cfg:       cfg,
		router:    router,
		accountID: accountID,
		log:       log.With("channel", "webchat", "account", accountID),
		conns:     make(map[string][]*conn),
	}, nil
}

func (c *Channel) Name() string { return "webchat" }

// Start binds the listener and begins accepting connections.
func (c *Channel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.handleWS)
	c.srv = &http.Server{Addr: c.cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ln, err := net.Listen("tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("webchat listen %s: %w", c.cfg.Addr, err)
	}
	go func() {
		if err := c.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("webchat server stopped", "error", err)
		}
	}()
	c.log.Info("webchat listening", "addr", c.cfg.Addr)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	if c.srv == nil {
		return nil
	}
	return c.srv.Shutdown(ctx)
}

func (c *Channel) handleWS(w http.ResponseWriter, r *http.Request) {
	if c.cfg.Token != "" {
		got := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(c.cfg.Token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	clientID := r.URL.Query().Get("client")
	if clientID == "" {
		http.Error(w, "client is required", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	cn := &conn{id: uuid.NewString(), ws: ws}
	c.register(clientID, cn)
	defer c.unregister(clientID, cn)

	c.log.Info("client connected", "client", clientID)
	c.readLoop(r.Context(), clientID, cn)
}

// readLoop consumes client frames until the connection closes.
func (c *Channel) readLoop(ctx context.Context, clientID string, cn *conn) {
	defer cn.ws.CloseNow()
	for {
		_, data, err := cn.ws.Read(ctx)
		if err != nil {
			return
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("invalid client frame", "client", clientID, "error", err)
			continue
		}
		if f.Type != "message" || f.Text == "" {
			continue
		}
		id := f.ID
		if id == "" {
			id = uuid.NewString()
		}
		c.router.PublishInbound(bus.Message{
			MessageID:  id,
			SenderID:   clientID,
			SenderName: f.Name,
			ChatID:     clientID,
			Timestamp:  time.Now().UnixMilli(),
			Text:       f.Text,
			Channel:    "webchat",
			AccountID:  c.accountID,
		})
	}
}

func (c *Channel) register(clientID string, cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[clientID] = append(c.conns[clientID], cn)
}

func (c *Channel) unregister(clientID string, cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.conns[clientID]
	for i, x := range list {
		if x == cn {
			c.conns[clientID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.conns[clientID]) == 0 {
		delete(c.conns, clientID)
	}
}

// push writes a frame to every connection of a client. Snapshot under
// the read lock, send outside it.
func (c *Channel) push(ctx context.Context, clientID string, f serverFrame) error {
	c.mu.RLock()
	list := make([]*conn, len(c.conns[clientID]))
	copy(list, c.conns[clientID])
	c.mu.RUnlock()

	if len(list) == 0 {
		return fmt.Errorf("%w: %s", ErrClientOffline, clientID)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	var lastErr error
	delivered := false
	for _, cn := range list {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := cn.ws.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		delivered = true
	}
	if !delivered {
		return lastErr
	}
	return nil
}

// SendText pushes one text chunk to the client.
func (c *Channel) SendText(ctx context.Context, opts outbound.SendOptions, text string) (outbound.DeliveryResult, error) {
	if err := c.push(ctx, opts.To, serverFrame{Type: "message", Text: text}); err != nil {
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}
	return outbound.DeliveryResult{To: opts.To, Content: text, Success: true}, nil
}

// SendMedia pushes a media URL; webchat clients render it themselves.
func (c *Channel) SendMedia(ctx context.Context, opts outbound.SendOptions, caption, mediaURL string) (outbound.DeliveryResult, error) {
	f := serverFrame{Type: "message", Text: caption, MediaURLs: []string{mediaURL}}
	if err := c.push(ctx, opts.To, f); err != nil {
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}
	return outbound.DeliveryResult{To: opts.To, Content: caption, Success: true}, nil
}

// SendTyping pushes the typing state. Offline clients are not an error
// for typing.
func (c *Channel) SendTyping(ctx context.Context, to string, typing bool) error {
	err := c.push(ctx, to, serverFrame{Type: "typing", Typing: typing})
	if errors.Is(err, ErrClientOffline) {
		return nil
	}
	return err
}

func (c *Channel) Chunker() outbound.ChunkFunc       { return outbound.ChunkMarkdown }
func (c *Channel) ChunkerMode() outbound.ChunkerMode { return outbound.ChunkerMarkdown }
func (c *Channel) TextChunkLimit() int               { return textChunkLimit }
