// Package discord connects the gateway to Discord over the gateway
// websocket via discordgo. Policy decisions happen downstream in the
// inbound pipeline; this adapter only normalizes and sends.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/msggate/internal/bus"
	"github.com/nextlevelbuilder/msggate/internal/outbound"
)

// textChunkLimit is Discord's hard message length cap.
const textChunkLimit = 2000

// Config configures one Discord bot connection.
type Config struct {
	Token string `json:"token"`
}

// Channel is a Discord bot connection.
type Channel struct {
	session   *discordgo.Session
	router    bus.MessageRouter
	accountID string
	botUserID string
	log       *slog.Logger
}

// New creates a Discord channel.
func New(cfg Config, accountID string, router bus.MessageRouter, log *slog.Logger) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		session:   session,
		router:    router,
		accountID: accountID,
		log:       log.With("channel", "discord", "account", accountID),
	}, nil
}

func (c *Channel) Name() string { return "discord" }

// Start opens the gateway connection and registers the message handler.
func (c *Channel) Start(ctx context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	if c.session.State != nil && c.session.State.User != nil {
		c.botUserID = c.session.State.User.ID
	}
	c.log.Info("discord connected", "bot", c.botUserID)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	c.router.PublishInbound(c.normalize(m))
}

// normalize maps a Discord message onto the bus shape. FromMe marks the
// bot's own echo so the pipeline can reconcile pending outbound sends.
func (c *Channel) normalize(m *discordgo.MessageCreate) bus.Message {
	msg := bus.Message{
		MessageID:  m.ID,
		SenderID:   m.Author.ID,
		SenderName: resolveDisplayName(m),
		ChatID:     m.ChannelID,
		IsGroup:    m.GuildID != "",
		Timestamp:  m.Timestamp.UnixMilli(),
		Text:       m.Content,
		FromMe:     c.botUserID != "" && m.Author.ID == c.botUserID,
		Channel:    "discord",
		AccountID:  c.accountID,
	}
	if r := m.ReferencedMessage; r != nil {
		msg.ReplyToID = r.ID
		msg.ReplyToBody = r.Content
		if r.Author != nil {
			msg.ReplyToSender = r.Author.ID
		}
	}
	for _, att := range m.Attachments {
		msg.Attachments = append(msg.Attachments, bus.Attachment{
			URL:      att.URL,
			Name:     att.Filename,
			MimeType: att.ContentType,
			Size:     int64(att.Size),
		})
	}
	return msg
}

func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// SendText sends one text chunk, threading replies when requested.
func (c *Channel) SendText(ctx context.Context, opts outbound.SendOptions, text string) (outbound.DeliveryResult, error) {
	send := &discordgo.MessageSend{Content: text}
	if opts.ReplyToID != "" {
		send.Reference = &discordgo.MessageReference{MessageID: opts.ReplyToID, ChannelID: opts.To}
	}
	sent, err := c.session.ChannelMessageSendComplex(opts.To, send, discordgo.WithContext(ctx))
	if err != nil {
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}
	return outbound.DeliveryResult{MessageID: sent.ID, To: opts.To, Content: text, Success: true}, nil
}

// SendMedia sends a media URL. Discord renders http(s) URLs inline, so
// remote media rides in the message content next to its caption.
func (c *Channel) SendMedia(ctx context.Context, opts outbound.SendOptions, caption, mediaURL string) (outbound.DeliveryResult, error) {
	content := mediaURL
	if caption != "" {
		content = caption + "\n" + mediaURL
	}
	if !strings.HasPrefix(mediaURL, "http://") && !strings.HasPrefix(mediaURL, "https://") {
		err := fmt.Errorf("discord: unsupported media source %q", mediaURL)
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}
	sent, err := c.session.ChannelMessageSend(opts.To, content, discordgo.WithContext(ctx))
	if err != nil {
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}
	return outbound.DeliveryResult{MessageID: sent.ID, To: opts.To, Content: caption, Success: true}, nil
}

// SendTyping starts the typing indicator. Discord's indicator expires
// on its own; stop is a no-op.
func (c *Channel) SendTyping(ctx context.Context, to string, typing bool) error {
	if !typing {
		return nil
	}
	return c.session.ChannelTyping(to, discordgo.WithContext(ctx))
}

// React adds or removes an emoji reaction.
func (c *Channel) React(ctx context.Context, to, messageID, emoji string, add bool) error {
	if add {
		return c.session.MessageReactionAdd(to, messageID, emoji, discordgo.WithContext(ctx))
	}
	return c.session.MessageReactionRemove(to, messageID, emoji, "@me", discordgo.WithContext(ctx))
}

// Length-mode chunking against the 2000-char cap.
func (c *Channel) Chunker() outbound.ChunkFunc       { return outbound.ChunkByLength }
func (c *Channel) ChunkerMode() outbound.ChunkerMode { return outbound.ChunkerText }
func (c *Channel) TextChunkLimit() int               { return textChunkLimit }
