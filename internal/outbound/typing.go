package outbound

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// typingRestartDelay spaces typing refreshes between streamed blocks.
const typingRestartDelay = 150 * time.Millisecond

// TypingSender is implemented by adapters that surface typing indicators.
type TypingSender interface {
	SendTyping(ctx context.Context, to string, typing bool) error
}

// TypingController drives the typing indicator across a streamed reply:
// on at start, refreshed shortly after each block, off at the end.
type TypingController struct {
	sender TypingSender
	to     string
	log    *slog.Logger

	mu     sync.Mutex
	timer  *time.Timer
	active bool
}

// NewTypingController creates a controller for one reply. sender may be
// nil for channels without typing support; all methods become no-ops.
func NewTypingController(sender TypingSender, to string, log *slog.Logger) *TypingController {
	if log == nil {
		log = slog.Default()
	}
	return &TypingController{sender: sender, to: to, log: log}
}

// Start turns the indicator on.
func (t *TypingController) Start(ctx context.Context) {
	if t.sender == nil {
		return
	}
	t.mu.Lock()
	t.active = true
	t.mu.Unlock()
	if err := t.sender.SendTyping(ctx, t.to, true); err != nil {
		t.log.Debug("typing start failed", "to", t.to, "error", err)
	}
}

// BlockSent schedules a typing refresh after the restart delay. Sending
// a message clears most providers' typing state, so the refresh keeps
// the indicator alive between blocks.
func (t *TypingController) BlockSent(ctx context.Context) {
	if t.sender == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(typingRestartDelay, func() {
		t.mu.Lock()
		active := t.active
		t.mu.Unlock()
		if !active {
			return
		}
		if err := t.sender.SendTyping(ctx, t.to, true); err != nil {
			t.log.Debug("typing refresh failed", "to", t.to, "error", err)
		}
	})
}

// Stop turns the indicator off. Safe to call on abort paths.
func (t *TypingController) Stop(ctx context.Context) {
	if t.sender == nil {
		return
	}
	t.mu.Lock()
	t.active = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	if err := t.sender.SendTyping(ctx, t.to, false); err != nil {
		t.log.Debug("typing stop failed", "to", t.to, "error", err)
	}
}

// AckScope controls which inbound messages get an ack reaction.
type AckScope string

const (
	AckAlways              AckScope = "always"
	AckGroupMentions       AckScope = "group-mentions"
	AckGroupDirectMentions AckScope = "group-direct-mentions"
	AckDirect              AckScope = "direct"
)

// AckApplies evaluates the scope rules for one accepted inbound message.
// wasMentioned covers any configured mention pattern; directMention is
// an explicit @-mention of the bot itself.
func AckApplies(scope AckScope, isGroup, wasMentioned, directMention bool) bool {
	switch scope {
	case AckAlways:
		return true
	case AckDirect:
		return !isGroup
	case AckGroupMentions:
		return !isGroup || wasMentioned
	case AckGroupDirectMentions:
		return !isGroup || directMention
	default:
		return false
	}
}

// ReactionSender is implemented by adapters that support reactions.
type ReactionSender interface {
	React(ctx context.Context, to, messageID, emoji string, add bool) error
}

// AckManager places and removes ack reactions, logging emoji validation
// failures once per emoji instead of per message.
type AckManager struct {
	sender ReactionSender
	emoji  string
	scope  AckScope
	log    *slog.Logger

	mu     sync.Mutex
	warned map[string]bool
}

// NewAckManager creates a manager; sender may be nil to disable acks.
func NewAckManager(sender ReactionSender, emoji string, scope AckScope, log *slog.Logger) *AckManager {
	if log == nil {
		log = slog.Default()
	}
	return &AckManager{sender: sender, emoji: emoji, scope: scope, log: log, warned: make(map[string]bool)}
}

// Acknowledge adds the ack reaction when the scope applies. Returns
// whether a reaction was placed (so it can be removed after the reply).
func (a *AckManager) Acknowledge(ctx context.Context, to, messageID string, isGroup, wasMentioned, directMention bool) bool {
	if a.sender == nil || a.emoji == "" || messageID == "" {
		return false
	}
	if !AckApplies(a.scope, isGroup, wasMentioned, directMention) {
		return false
	}
	if err := a.sender.React(ctx, to, messageID, a.emoji, true); err != nil {
		a.warnOnce(a.emoji, err)
		return false
	}
	return true
}

// Clear removes a previously placed ack reaction.
func (a *AckManager) Clear(ctx context.Context, to, messageID string) {
	if a.sender == nil || a.emoji == "" || messageID == "" {
		return
	}
	if err := a.sender.React(ctx, to, messageID, a.emoji, false); err != nil {
		a.log.Debug("ack reaction removal failed", "to", to, "error", err)
	}
}

func (a *AckManager) warnOnce(emoji string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.warned[emoji] {
		return
	}
	a.warned[emoji] = true
	a.log.Warn("ack reaction rejected", "emoji", emoji, "error", err)
}
