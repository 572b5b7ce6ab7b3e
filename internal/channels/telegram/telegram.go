// Package telegram connects the gateway to the Telegram Bot API via
// long polling. Inbound updates are normalized onto the message bus;
// outbound sends implement the delivery-engine adapter contract with
// forum-topic threading and markdown chunking.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/msggate/internal/bus"
	"github.com/nextlevelbuilder/msggate/internal/outbound"
)

// textChunkLimit stays under Telegram's 4096-char message cap with
// headroom for markdown escapes.
const textChunkLimit = 4000

// Config configures one Telegram bot connection.
type Config struct {
	Token       string `json:"token"`
	PollTimeout int    `json:"pollTimeout,omitempty"` // seconds, default 30
}

// Channel is a Telegram bot connection.
type Channel struct {
	bot       *telego.Bot
	cfg       Config
	router    bus.MessageRouter
	accountID string
	log       *slog.Logger

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel. The bot token is validated on Start.
func New(cfg Config, accountID string, router bus.MessageRouter, log *slog.Logger) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	bot, err := telego.NewBot(cfg.Token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		bot:       bot,
		cfg:       cfg,
		router:    router,
		accountID: accountID,
		log:       log.With("channel", "telegram", "account", accountID),
	}, nil
}

func (c *Channel) Name() string { return "telegram" }

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	timeout := c.cfg.PollTimeout
	if timeout <= 0 {
		timeout = 30
	}
	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{Timeout: timeout})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start polling: %w", err)
	}
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	go func() {
		defer close(c.pollDone)
		for update := range updates {
			if update.Message == nil {
				continue
			}
			msg := c.normalize(pollCtx, update.Message)
			c.router.PublishInbound(msg)
		}
	}()
	c.log.Info("telegram connected", "bot", c.bot.Username())
	return nil
}

// Stop cancels polling and waits for the update loop to drain.
func (c *Channel) Stop(ctx context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// normalize maps a Telegram message onto the bus shape. Forum-topic
// messages carry the topic in ThreadID so session keys pick it up.
func (c *Channel) normalize(ctx context.Context, m *telego.Message) bus.Message {
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	msg := bus.Message{
		MessageID: strconv.Itoa(m.MessageID),
		SenderID:  chatID,
		ChatID:    chatID,
		IsGroup:   m.Chat.Type != telego.ChatTypePrivate,
		ChatName:  m.Chat.Title,
		Timestamp: m.Date * 1000,
		Text:      m.Text,
		Channel:   "telegram",
		AccountID: c.accountID,
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
		msg.SenderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		if m.From.Username != "" {
			msg.SenderName = "@" + m.From.Username
		}
	}
	if m.Caption != "" && msg.Text == "" {
		msg.Text = m.Caption
	}
	if m.MessageThreadID != 0 {
		msg.ThreadID = strconv.Itoa(m.MessageThreadID)
	}
	if r := m.ReplyToMessage; r != nil {
		msg.ReplyToID = strconv.Itoa(r.MessageID)
		msg.ReplyToBody = r.Text
		if r.From != nil {
			msg.ReplyToSender = strconv.FormatInt(r.From.ID, 10)
		}
	}
	msg.Attachments = c.collectAttachments(ctx, m)
	return msg
}

// collectAttachments resolves Telegram file ids to fetchable URLs. The
// media store applies the byte cap at download time.
func (c *Channel) collectAttachments(ctx context.Context, m *telego.Message) []bus.Attachment {
	var atts []bus.Attachment
	add := func(fileID, name, mime string, size int64) {
		file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err != nil || file.FilePath == "" {
			c.log.Warn("resolve file id failed", "fileId", fileID, "error", err)
			return
		}
		if name == "" {
			name = filepath.Base(file.FilePath)
		}
		atts = append(atts, bus.Attachment{
			URL:      fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.cfg.Token, file.FilePath),
			Name:     name,
			MimeType: mime,
			Size:     size,
		})
	}
	if len(m.Photo) > 0 {
		p := m.Photo[len(m.Photo)-1] // highest resolution last
		add(p.FileID, "", "image/jpeg", int64(p.FileSize))
	}
	if m.Document != nil {
		add(m.Document.FileID, m.Document.FileName, m.Document.MimeType, m.Document.FileSize)
	}
	if m.Voice != nil {
		add(m.Voice.FileID, "", m.Voice.MimeType, int64(m.Voice.FileSize))
	}
	if m.Video != nil {
		add(m.Video.FileID, m.Video.FileName, m.Video.MimeType, m.Video.FileSize)
	}
	return atts
}

// chatIDFromTarget parses a numeric chat id or "@username" target.
func chatIDFromTarget(to string) telego.ChatID {
	if id, err := strconv.ParseInt(to, 10, 64); err == nil {
		return tu.ID(id)
	}
	return tu.Username(to)
}

// SendText sends one text chunk.
func (c *Channel) SendText(ctx context.Context, opts outbound.SendOptions, text string) (outbound.DeliveryResult, error) {
	params := tu.Message(chatIDFromTarget(opts.To), text)
	params.ParseMode = telego.ModeMarkdown
	applySendOptions(params, opts)

	sent, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		// Markdown parse failures fall back to plain text.
		if strings.Contains(err.Error(), "can't parse entities") {
			params.ParseMode = ""
			sent, err = c.bot.SendMessage(ctx, params)
		}
		if err != nil {
			return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
		}
	}
	return outbound.DeliveryResult{
		MessageID: strconv.Itoa(sent.MessageID),
		To:        opts.To,
		Content:   text,
		Success:   true,
	}, nil
}

func applySendOptions(params *telego.SendMessageParams, opts outbound.SendOptions) {
	if opts.ThreadID != "" {
		if n, err := strconv.Atoi(opts.ThreadID); err == nil {
			params.MessageThreadID = n
		}
	}
	if opts.ReplyToID != "" {
		if n, err := strconv.Atoi(opts.ReplyToID); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: n}
		}
	}
	params.DisableNotification = opts.Silent
}

// SendMedia sends one media URL, picking photo, animation or document
// by extension. Local paths under an allowed media root are uploaded.
func (c *Channel) SendMedia(ctx context.Context, opts outbound.SendOptions, caption, mediaURL string) (outbound.DeliveryResult, error) {
	file, cleanup, err := inputFileFor(mediaURL, opts.MediaLocalRoots)
	if err != nil {
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}
	defer cleanup()

	chat := chatIDFromTarget(opts.To)
	var sent *telego.Message
	switch classifyMedia(mediaURL) {
	case mediaPhoto:
		p := tu.Photo(chat, file)
		p.Caption = caption
		if opts.ThreadID != "" {
			p.MessageThreadID, _ = strconv.Atoi(opts.ThreadID)
		}
		sent, err = c.bot.SendPhoto(ctx, p)
	case mediaAnimation:
		p := &telego.SendAnimationParams{ChatID: chat, Animation: file, Caption: caption}
		if opts.ThreadID != "" {
			p.MessageThreadID, _ = strconv.Atoi(opts.ThreadID)
		}
		sent, err = c.bot.SendAnimation(ctx, p)
	default:
		p := tu.Document(chat, file)
		p.Caption = caption
		if opts.ThreadID != "" {
			p.MessageThreadID, _ = strconv.Atoi(opts.ThreadID)
		}
		sent, err = c.bot.SendDocument(ctx, p)
	}
	if err != nil {
		return outbound.DeliveryResult{To: opts.To, Error: err.Error()}, err
	}
	return outbound.DeliveryResult{
		MessageID: strconv.Itoa(sent.MessageID),
		To:        opts.To,
		Content:   caption,
		Success:   true,
	}, nil
}

type mediaKind int

const (
	mediaDocument mediaKind = iota
	mediaPhoto
	mediaAnimation
)

func classifyMedia(url string) mediaKind {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(stripQuery(url)), ".")) {
	case "jpg", "jpeg", "png", "webp":
		return mediaPhoto
	case "gif":
		return mediaAnimation
	}
	return mediaDocument
}

func stripQuery(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}

// inputFileFor wraps a remote URL directly; local paths must resolve
// inside one of the allowed roots and are uploaded as multipart files.
func inputFileFor(mediaURL string, roots []string) (telego.InputFile, func(), error) {
	noop := func() {}
	if strings.HasPrefix(mediaURL, "http://") || strings.HasPrefix(mediaURL, "https://") {
		return tu.FileFromURL(mediaURL), noop, nil
	}
	abs, err := filepath.Abs(mediaURL)
	if err != nil {
		return telego.InputFile{}, noop, err
	}
	if !pathUnderAny(abs, roots) {
		return telego.InputFile{}, noop, fmt.Errorf("telegram: local media %s outside allowed roots", mediaURL)
	}
	f, err := os.Open(abs)
	if err != nil {
		return telego.InputFile{}, noop, err
	}
	return tu.File(f), func() { f.Close() }, nil
}

func pathUnderAny(path string, roots []string) bool {
	for _, root := range roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if rel, err := filepath.Rel(absRoot, path); err == nil &&
			rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// SendTyping starts or stops the typing indicator. Telegram has no
// explicit stop; stopping is a no-op and the indicator ages out.
func (c *Channel) SendTyping(ctx context.Context, to string, typing bool) error {
	if !typing {
		return nil
	}
	return c.bot.SendChatAction(ctx, tu.ChatAction(chatIDFromTarget(to), telego.ChatActionTyping))
}

// React adds or removes an emoji reaction on a message.
func (c *Channel) React(ctx context.Context, to, messageID, emoji string, add bool) error {
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q", messageID)
	}
	var reactions []telego.ReactionType
	if add {
		reactions = []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: "emoji", Emoji: emoji},
		}
	}
	return c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    chatIDFromTarget(to),
		MessageID: msgID,
		Reaction:  reactions,
	})
}

// Chunker and friends implement the outbound chunking contract.
func (c *Channel) Chunker() outbound.ChunkFunc       { return outbound.ChunkMarkdown }
func (c *Channel) ChunkerMode() outbound.ChunkerMode { return outbound.ChunkerMarkdown }
func (c *Channel) TextChunkLimit() int               { return textChunkLimit }
