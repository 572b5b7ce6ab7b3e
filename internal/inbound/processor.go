package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/nextlevelbuilder/msggate/internal/access"
	"github.com/nextlevelbuilder/msggate/internal/bus"
	"github.com/nextlevelbuilder/msggate/internal/replycache"
)

// Action is the processing outcome for one inbound message.
type Action string

const (
	// ActionProcess carries an envelope ready for an agent turn.
	ActionProcess Action = "process"
	// ActionFromMe reconciled an echo of our own outbound message.
	ActionFromMe Action = "from_me"
	// ActionPairing answered (or silently absorbed) a pairing handshake.
	ActionPairing Action = "pairing"
	// ActionBlocked dropped the message per DM/group policy.
	ActionBlocked Action = "blocked"
	// ActionMentionDrop dropped an unmentioned group message.
	ActionMentionDrop Action = "mention_drop"
	// ActionCommandDrop dropped an unauthorized control command.
	ActionCommandDrop Action = "command_drop"
)

// Result is what Process produced.
type Result struct {
	Action      Action
	Envelope    *Envelope
	BlockReason access.BlockReason
	// Hint carries the operator-facing config suggestion for
	// group-allowlist blocks.
	Hint string
	// PairingReply is set exactly when a pairing request was created this
	// call; the channel must send it once and never again.
	PairingReply string
}

// ChannelPolicy is the per-channel slice of access configuration.
type ChannelPolicy struct {
	DMPolicy            access.Policy
	GroupPolicy         access.Policy
	AllowFrom           []string
	GroupAllowFrom      []string
	Owners              []string
	AccessGroupsEnabled bool
	Mentions            []*regexp.Regexp
}

// PendingConsumer matches inbound fromMe echoes against outbound sends.
type PendingConsumer interface {
	Consume(accountID, target string, chatIDs []string, text string) (string, bool)
}

// SystemEventPublisher enqueues internal events into sessions.
type SystemEventPublisher interface {
	PublishSystemEvent(ev bus.SystemEvent)
}

// Processor is the provider-independent process/enrich stage. One
// instance serves all channels.
type Processor struct {
	cache    *replycache.Cache
	pending  PendingConsumer
	events   SystemEventPublisher
	pairing  *access.PairingStore
	backfill *Backfill
	log      *slog.Logger
}

// NewProcessor wires the processing stage. pairing may be nil when no
// channel uses dmPolicy=pairing.
func NewProcessor(cache *replycache.Cache, pending PendingConsumer, events SystemEventPublisher, pairing *access.PairingStore, backfill *Backfill, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{cache: cache, pending: pending, events: events, pairing: pairing, backfill: backfill, log: log}
}

// Process runs access control and enrichment for one debounced message.
// senderSessionKey is the session owning this conversation, used for the
// fromMe reconciliation event.
func (p *Processor) Process(ctx context.Context, msg bus.Message, senderSessionKey string, pol ChannelPolicy) (Result, error) {
	if msg.FromMe {
		return p.processFromMe(msg, senderSessionKey), nil
	}

	isAllowed := p.senderAllowed(ctx, msg, pol)
	decision := access.ResolveDmGroupAccessDecision(access.DecisionParams{
		IsGroup:                 msg.IsGroup,
		DMPolicy:                pol.DMPolicy,
		GroupPolicy:             pol.GroupPolicy,
		EffectiveAllowFrom:      pol.AllowFrom,
		EffectiveGroupAllowFrom: pol.GroupAllowFrom,
		IsSenderAllowed:         isAllowed,
	})

	switch decision.Decision {
	case "block":
		res := Result{Action: ActionBlocked, BlockReason: decision.Reason}
		if decision.Reason == access.ReasonGroupNotAllowlisted || decision.Reason == access.ReasonGroupEmptyAllowlist {
			res.Hint = access.GroupAllowlistHint(msg.Channel, msg.ChatKey())
		}
		p.log.Info("inbound blocked", "channel", msg.Channel, "sender", msg.SenderID, "reason", decision.Reason, "hint", res.Hint)
		return res, nil
	case "pairing":
		return p.processPairing(ctx, msg)
	}

	hasCmd := access.HasControlCommand(msg.Text)
	gate := access.ResolveControlCommandGate(access.CommandGateParams{
		HasCommand:             hasCmd,
		SenderIsOwner:          access.SenderAllowed(pol.Owners, msg.SenderID, msg.SenderName),
		SenderInGroupAllowlist: access.SenderAllowed(pol.GroupAllowFrom, msg.SenderID, msg.ChatKey()),
		AccessGroupsEnabled:    pol.AccessGroupsEnabled,
	})
	if gate.ShouldBlock {
		p.log.Info("control command dropped: sender not authorized",
			"channel", msg.Channel, "sender", msg.SenderID, "chat", msg.ChatKey(), "text", msg.Text)
		return Result{Action: ActionCommandDrop}, nil
	}

	mention := access.ResolveMentionGate(access.MentionGateParams{
		IsGroup:           msg.IsGroup,
		Text:              msg.Text,
		Mentions:          pol.Mentions,
		CommandAuthorized: gate.CommandAuthorized,
	})
	if !mention.ShouldProcess {
		p.log.Debug("group message dropped: no mention", "channel", msg.Channel, "chat", msg.ChatKey())
		return Result{Action: ActionMentionDrop}, nil
	}

	env := p.enrich(ctx, msg)
	env.WasMentioned = mention.WasMentioned
	env.CommandAuthorized = gate.CommandAuthorized
	return Result{Action: ActionProcess, Envelope: env}, nil
}

// processFromMe updates the cache and reconciles provider echoes of our
// own sends against the pending-outbound table.
func (p *Processor) processFromMe(msg bus.Message, senderSessionKey string) Result {
	shortID := p.remember(msg)

	if p.pending != nil && msg.Text != "" {
		chatIDs := []string{msg.ChatGUID, msg.ChatIdentifier, msg.ChatID}
		if _, ok := p.pending.Consume(msg.AccountID, msg.ChatKey(), chatIDs, msg.Text); ok && p.events != nil {
			p.events.PublishSystemEvent(bus.SystemEvent{
				SessionKey: senderSessionKey,
				Text:       fmt.Sprintf("Assistant sent [%d]: %s", shortID, truncate(msg.Text, 200)),
				Tag:        "echo",
			})
		}
	}
	return Result{Action: ActionFromMe}
}

// processPairing upserts the handshake and returns the one-time reply
// only when this call created the request.
func (p *Processor) processPairing(ctx context.Context, msg bus.Message) (Result, error) {
	res := Result{Action: ActionPairing}
	if p.pairing == nil {
		return res, nil
	}
	meta := map[string]string{}
	if msg.SenderName != "" {
		meta["name"] = msg.SenderName
	}
	req, created, err := p.pairing.Upsert(ctx, msg.Channel, msg.SenderID, meta)
	if err != nil {
		return res, fmt.Errorf("pairing upsert: %w", err)
	}
	if created {
		res.PairingReply = access.PairingReply(msg.SenderID, req.Code)
	}
	return res, nil
}

// senderAllowed computes the allowlist verdict: for groups the chat must
// match the group allowlist; for DMs the sender must match allowFrom or,
// under pairing, be an approved pair.
func (p *Processor) senderAllowed(ctx context.Context, msg bus.Message, pol ChannelPolicy) bool {
	if msg.IsGroup {
		return access.SenderAllowed(pol.GroupAllowFrom, msg.ChatGUID, msg.ChatIdentifier, msg.ChatID, msg.ChatName)
	}
	if access.SenderAllowed(pol.AllowFrom, msg.SenderID, msg.SenderName) {
		return true
	}
	if pol.DMPolicy == access.PolicyPairing || pol.DMPolicy == "" {
		if p.pairing != nil {
			ok, err := p.pairing.IsApproved(ctx, msg.Channel, msg.SenderID)
			if err != nil {
				p.log.Warn("pairing lookup failed", "channel", msg.Channel, "sender", msg.SenderID, "error", err)
				return false
			}
			return ok
		}
	}
	return false
}

// enrich builds the canonical envelope: cache registration, reply
// context resolution with short ids, history snapshot.
func (p *Processor) enrich(ctx context.Context, msg bus.Message) *Envelope {
	shortID := p.remember(msg)

	env := &Envelope{
		From:               msg.SenderID,
		Timestamp:          msg.Timestamp,
		Body:               msg.Text,
		MessageSidFull:     msg.MessageID,
		OriginatingChannel: msg.Channel,
		OriginatingTo:      msg.ChatKey(),
	}
	if msg.SenderName != "" {
		env.From = msg.SenderName
	}
	if shortID > 0 {
		env.MessageSid = fmt.Sprint(shortID)
	}

	if rc := p.cache.ResolveReplyContext(msg.AccountID, msg.ReplyToID, msg.ChatGUID, msg.ChatIdentifier, msg.ChatID); rc != nil {
		env.ReplyToID = fmt.Sprint(rc.ShortID)
		env.ReplyToIDFull = rc.UUID
	} else if msg.ReplyToID != "" {
		// Raw payload fallback when the cache has no record.
		env.ReplyToID = msg.ReplyToID
		env.ReplyToIDFull = msg.ReplyToID
	}

	if p.backfill != nil {
		p.backfill.Observe(msg.AccountID, msg.ChatKey(), ClampHistoryEntry(bus.HistoryEntry{
			Sender:    env.From,
			Body:      msg.Text,
			Timestamp: msg.Timestamp,
			MessageID: msg.MessageID,
		}))
		env.History = p.backfill.Tick(ctx, msg.AccountID, msg.ChatKey())
		// The current message is the last history entry; showing it twice
		// wastes budget.
		if n := len(env.History); n > 0 && env.History[n-1].MessageID == msg.MessageID {
			env.History = env.History[:n-1]
		}
	}

	return env
}

func (p *Processor) remember(msg bus.Message) int {
	label := msg.SenderName
	if label == "" {
		label = msg.SenderID
	}
	return p.cache.Remember(replycache.RememberParams{
		AccountID:      msg.AccountID,
		MessageID:      msg.MessageID,
		ChatGUID:       msg.ChatGUID,
		ChatIdentifier: msg.ChatIdentifier,
		ChatID:         msg.ChatID,
		SenderLabel:    label,
		Body:           msg.Text,
		Timestamp:      msg.Timestamp,
	})
}
