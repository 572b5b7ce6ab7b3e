package cmd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/msggate/internal/agent"
	"github.com/nextlevelbuilder/msggate/internal/bus"
	"github.com/nextlevelbuilder/msggate/internal/config"
	"github.com/nextlevelbuilder/msggate/internal/cron"
	"github.com/nextlevelbuilder/msggate/internal/heartbeat"
	"github.com/nextlevelbuilder/msggate/internal/inbound"
	"github.com/nextlevelbuilder/msggate/internal/media"
	"github.com/nextlevelbuilder/msggate/internal/outbound"
	"github.com/nextlevelbuilder/msggate/internal/sessions"
)

// consumerDeps wires the inbound consumer's collaborators.
type consumerDeps struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	processor *inbound.Processor
	runner    *agent.Runner
	engine    *outbound.Engine
	registry  *outbound.Registry
	media     *media.Store
	heartbeat *heartbeat.Runner
	policies  map[string]inbound.ChannelPolicy
	agentID   string
	log       *slog.Logger
}

// consumer drains the message bus: inbound messages through debounce,
// access control and the agent turn into outbound delivery, and system
// events into internal session turns.
type consumer struct {
	consumerDeps

	polMu    sync.RWMutex
	debounce *inbound.Debouncer
}

func newConsumer(d consumerDeps) *consumer {
	c := &consumer{consumerDeps: d}
	if d.cfg.Gateway.InboundDebounceMs >= 0 {
		window := time.Duration(d.cfg.Gateway.InboundDebounceMs) * time.Millisecond
		c.debounce = inbound.NewDebouncer(window, func(msg bus.Message) {
			c.handle(context.Background(), msg)
		})
	}
	return c
}

// setPolicies swaps the per-channel policies after a config reload.
func (c *consumer) setPolicies(p map[string]inbound.ChannelPolicy) {
	c.polMu.Lock()
	c.policies = p
	c.polMu.Unlock()
}

func (c *consumer) policy(channel string) inbound.ChannelPolicy {
	c.polMu.RLock()
	defer c.polMu.RUnlock()
	return c.policies[channel]
}

func (c *consumer) stop() {
	if c.debounce != nil {
		c.debounce.Stop()
	}
}

// consumeInbound pulls normalized messages off the bus until ctx ends.
func (c *consumer) consumeInbound(ctx context.Context) {
	c.log.Info("inbound consumer started")
	for {
		msg, ok := c.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if c.debounce != nil {
			c.debounce.Offer(msg)
			continue
		}
		c.handle(ctx, msg)
	}
}

// handle runs one (possibly merged) message through access control,
// enrichment, the agent turn and delivery.
func (c *consumer) handle(ctx context.Context, msg bus.Message) {
	key, err := sessions.BuildAgentPeerSessionKey(sessions.KeyParams{
		AgentID:  c.agentID,
		Channel:  msg.Channel,
		PeerKind: sessions.PeerKindFromGroup(msg.IsGroup),
		PeerID:   msg.ChatKey(),
		ThreadID: msg.ThreadID,
	})
	if err != nil {
		c.log.Warn("unroutable inbound message", "channel", msg.Channel, "chat", msg.ChatKey(), "error", err)
		return
	}

	c.media.DownloadAll(ctx, &msg)

	res, err := c.processor.Process(ctx, msg, key, c.policy(msg.Channel))
	if err != nil {
		c.log.Error("inbound processing failed", "channel", msg.Channel, "chat", msg.ChatKey(), "error", err)
		return
	}

	switch res.Action {
	case inbound.ActionProcess:
		c.runTurn(ctx, key, msg, res.Envelope)
	case inbound.ActionPairing:
		if res.PairingReply != "" {
			c.deliver(ctx, key, msg, []bus.Payload{{Text: res.PairingReply}}, true)
		}
	}
	// Blocked, mention and command drops are logged by the processor.
}

func (c *consumer) runTurn(ctx context.Context, key string, msg bus.Message, env *inbound.Envelope) {
	var typing *outbound.TypingController
	if adapter, ok := c.registry.Get(msg.Channel); ok {
		if sender, ok := adapter.(outbound.TypingSender); ok {
			typing = outbound.NewTypingController(sender, msg.ChatKey(), c.log)
			typing.Start(ctx)
			defer typing.Stop(ctx)
		}
	}

	payloads, err := c.runner.Run(ctx, agent.TurnRequest{
		SessionKey:    key,
		Message:       env.Format(),
		OriginChannel: msg.Channel,
		OriginTo:      msg.ChatKey(),
	})
	if err != nil {
		c.log.Error("agent turn failed", "session", key, "error", err)
		return
	}
	if len(payloads) == 0 {
		return
	}
	c.deliver(ctx, key, msg, payloads, false)
}

func (c *consumer) deliver(ctx context.Context, key string, msg bus.Message, payloads []bus.Payload, bestEffort bool) {
	replyTo := ""
	if msg.IsGroup {
		// Thread the reply onto the triggering message in groups.
		replyTo = msg.MessageID
	}
	_, err := c.engine.Deliver(ctx, outbound.Request{
		Channel:    msg.Channel,
		To:         msg.ChatKey(),
		AccountID:  msg.AccountID,
		Payloads:   payloads,
		ReplyToID:  replyTo,
		ThreadID:   msg.ThreadID,
		BestEffort: bestEffort,
		SessionKey: key,
		Mirror:     &outbound.Mirror{AgentID: c.agentID, SessionKey: key},
		ChatIDs:    []string{msg.ChatGUID, msg.ChatIdentifier, msg.ChatID},
	})
	if err != nil {
		c.log.Error("outbound delivery failed", "channel", msg.Channel, "to", msg.ChatKey(), "error", err)
	}
}

// consumeSystemEvents runs internal turns for queued session events
// (cron systemEvent payloads, echo notes, exec completions). Output
// stays internal; the heartbeat decides whether anything reaches the
// user.
func (c *consumer) consumeSystemEvents(ctx context.Context) {
	for {
		ev, ok := c.bus.ConsumeSystemEvent(ctx)
		if !ok {
			return
		}
		if _, err := c.runner.Run(ctx, agent.TurnRequest{SessionKey: ev.SessionKey, Message: ev.Text}); err != nil {
			c.log.Warn("system event turn failed", "session", ev.SessionKey, "tag", ev.Tag, "error", err)
			continue
		}
		reason := heartbeat.ReasonExecEvent
		if ev.Tag == "cron" {
			reason = heartbeat.ReasonCronEvent
		}
		c.heartbeat.RequestWake(reason)
	}
}

// cronTurns adapts the agent runner to the cron scheduler's isolated
// turn contract.
type cronTurns struct {
	r *agent.Runner
}

func (t cronTurns) RunTurn(ctx context.Context, sessionKey, message string, opts cron.TurnOptions) ([]bus.Payload, error) {
	return t.r.Run(ctx, agent.TurnRequest{
		AgentID:    opts.AgentID,
		SessionKey: sessionKey,
		Message:    message,
		Model:      opts.Model,
	})
}

// heartbeatTurns adapts the agent runner to the heartbeat turn contract.
type heartbeatTurns struct {
	r *agent.Runner
}

func (t heartbeatTurns) RunTurn(ctx context.Context, sessionKey, prompt, model string) ([]bus.Payload, error) {
	return t.r.Run(ctx, agent.TurnRequest{SessionKey: sessionKey, Message: prompt, Model: model})
}

// engineAnnouncer routes isolated cron output through the delivery
// engine.
type engineAnnouncer struct {
	e *outbound.Engine
}

func (a engineAnnouncer) Announce(ctx context.Context, channel, to string, payloads []bus.Payload, bestEffort bool) error {
	_, err := a.e.Deliver(ctx, outbound.Request{
		Channel:    channel,
		To:         to,
		Payloads:   payloads,
		BestEffort: bestEffort,
	})
	return err
}

// heartbeatDeliverer relays heartbeat output to its resolved target.
type heartbeatDeliverer struct {
	e *outbound.Engine
}

func (d heartbeatDeliverer) DeliverHeartbeat(ctx context.Context, t heartbeat.Target, payloads []bus.Payload) error {
	_, err := d.e.Deliver(ctx, outbound.Request{
		Channel:    t.Channel,
		To:         t.To,
		AccountID:  t.AccountID,
		ThreadID:   t.ThreadID,
		Payloads:   payloads,
		BestEffort: true,
	})
	return err
}
