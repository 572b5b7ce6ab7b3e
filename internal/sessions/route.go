package sessions

import (
	"errors"
	"fmt"
	"strings"
)

// RouteRule binds inbound traffic to an agent. Empty fields match
// anything; the first rule matching (channel, accountID, peer) wins.
type RouteRule struct {
	AgentID   string   `json:"agentId"`
	Channel   string   `json:"channel,omitempty"`
	AccountID string   `json:"accountId,omitempty"`
	PeerKind  PeerKind `json:"peerKind,omitempty"`
	PeerID    string   `json:"peerId,omitempty"`
}

// CrossContextPolicy governs tool-initiated sends that cross channels.
type CrossContextPolicy struct {
	// Allow lists "from->to" channel pairs; "*" allows everything and an
	// empty list allows only same-channel sends.
	Allow []string `json:"allow,omitempty"`
	// Disclose prepends a disclosure marker to cross-context text.
	Disclose bool `json:"disclose,omitempty"`
	// PreferComponents attaches a provider-native component block instead
	// of the text marker when the target channel supports it.
	PreferComponents bool `json:"preferComponents,omitempty"`
}

// RoutingConfig is the slice of configuration the resolver needs.
type RoutingConfig struct {
	DefaultAgentID string
	Rules          []RouteRule
	// IdentityLinks maps "channel:peer" to a logical "channel:peer".
	IdentityLinks map[string]string
	SlackMpim     []string
	CrossContext  CrossContextPolicy
}

// identityRewriter adapts IdentityLinks into a PeerRewriter.
func (rc *RoutingConfig) identityRewriter() PeerRewriter {
	if len(rc.IdentityLinks) == 0 {
		return nil
	}
	links := rc.IdentityLinks
	return func(channel, peerID string) (string, string, bool) {
		v, ok := links[channel+":"+peerID]
		if !ok {
			return "", "", false
		}
		parts := strings.SplitN(v, ":", 2)
		if len(parts) != 2 {
			return "", "", false
		}
		return parts[0], parts[1], true
	}
}

// AgentRoute is the result of inbound route resolution.
type AgentRoute struct {
	AgentID    string
	SessionKey string
}

// RoutePeer describes the inbound peer for route resolution.
type RoutePeer struct {
	Kind      PeerKind
	ID        string
	ThreadID  string
	ReplyToID string
}

// ResolveAgentRoute picks the owning agent for an inbound peer and
// derives its session key. Explicit rules win over the default agent.
func ResolveAgentRoute(rc *RoutingConfig, channel, accountID string, peer RoutePeer) (AgentRoute, error) {
	agentID := rc.DefaultAgentID
	if agentID == "" {
		agentID = "default"
	}

	normPeer := strings.ToLower(strings.TrimSpace(peer.ID))
	for _, rule := range rc.Rules {
		if rule.Channel != "" && !strings.EqualFold(rule.Channel, channel) {
			continue
		}
		if rule.AccountID != "" && rule.AccountID != accountID {
			continue
		}
		if rule.PeerKind != "" && rule.PeerKind != peer.Kind {
			continue
		}
		if rule.PeerID != "" && !strings.EqualFold(rule.PeerID, normPeer) {
			continue
		}
		if rule.AgentID != "" {
			agentID = rule.AgentID
		}
		break
	}

	key, err := BuildAgentPeerSessionKey(KeyParams{
		AgentID:   agentID,
		Channel:   channel,
		PeerKind:  peer.Kind,
		PeerID:    peer.ID,
		ThreadID:  peer.ThreadID,
		ReplyToID: peer.ReplyToID,
		Identity:  rc.identityRewriter(),
		SlackMpim: rc.SlackMpim,
	})
	if err != nil {
		return AgentRoute{}, err
	}
	return AgentRoute{AgentID: agentID, SessionKey: key}, nil
}

// OutboundRoute is the result of outbound session route resolution: the
// session the send will be mirrored into plus the normalized target.
type OutboundRoute struct {
	SessionKey string
	From       string
	To         string
	ThreadID   string
	ChatType   PeerKind
}

// OutboundRouteParams are the inputs of ResolveOutboundSessionRoute.
type OutboundRouteParams struct {
	Channel   string
	AgentID   string
	AccountID string
	// Target is the raw destination expression ("user:42",
	// "group:-100123", "-100123:topic:5", "chat_guid:...", bare handle).
	Target string
	// ResolvedTarget, when the channel directory already resolved the
	// expression, overrides Target for key derivation.
	ResolvedTarget string
	ReplyToID      string
	ThreadID       string
}

// ResolveOutboundSessionRoute computes the session key an outbound send
// lands in. Slack reply threading promotes the key with ":thread:{ts}";
// a Telegram ":topic:{n}" suffix in the target promotes with
// ":topic:{n}"; BlueBubbles chat prefixes are stripped and lowercased;
// Slack mpim entries flip the chat kind from direct to group.
func ResolveOutboundSessionRoute(rc *RoutingConfig, p OutboundRouteParams) (OutboundRoute, error) {
	target := strings.TrimSpace(p.Target)
	if p.ResolvedTarget != "" {
		target = strings.TrimSpace(p.ResolvedTarget)
	}
	if target == "" {
		return OutboundRoute{}, fmt.Errorf("%w: empty outbound target", ErrInvalidPeerFormat)
	}

	channel := strings.ToLower(strings.TrimSpace(p.Channel))
	kind := PeerDirect
	threadID := strings.TrimSpace(p.ThreadID)

	// Explicit kind prefix.
	lower := strings.ToLower(target)
	switch {
	case strings.HasPrefix(lower, "group:"):
		kind = PeerGroup
		target = target[len("group:"):]
	case strings.HasPrefix(lower, "user:"), strings.HasPrefix(lower, "direct:"):
		target = target[strings.Index(target, ":")+1:]
	}

	// Telegram: ":topic:{n}" suffix in the target names the forum topic.
	if channel == "telegram" {
		if idx := strings.Index(target, ":topic:"); idx > 0 {
			if threadID == "" {
				threadID = target[idx+len(":topic:"):]
			}
			target = target[:idx]
		}
		if strings.HasPrefix(target, "-") {
			kind = PeerGroup
		}
	}

	// WhatsApp: group JIDs end in "@g.us".
	if channel == "whatsapp" && strings.HasSuffix(strings.ToLower(target), "@g.us") {
		kind = PeerGroup
	}

	// Slack: channel IDs are groups, user IDs stay direct; mpim entries flip.
	if channel == "slack" {
		up := strings.ToUpper(target)
		if strings.HasPrefix(up, "C") || strings.HasPrefix(up, "G") || containsFold(rc.SlackMpim, strings.ToLower(target)) {
			kind = PeerGroup
		}
	}

	agentID := p.AgentID
	if agentID == "" {
		agentID = rc.DefaultAgentID
	}

	replyTo := ""
	if channel == "slack" && p.ReplyToID != "" {
		replyTo = p.ReplyToID
	}

	key, err := BuildAgentPeerSessionKey(KeyParams{
		AgentID:   agentID,
		Channel:   channel,
		PeerKind:  kind,
		PeerID:    target,
		ThreadID:  threadID,
		ReplyToID: replyTo,
		Identity:  rc.identityRewriter(),
		SlackMpim: rc.SlackMpim,
	})
	if err != nil {
		return OutboundRoute{}, err
	}

	// Normalize the wire target the same way the key normalized the peer.
	to := strings.ToLower(target)
	for _, cp := range chatPrefixes {
		if strings.HasPrefix(to, cp) {
			to = to[len(cp):]
			break
		}
	}

	return OutboundRoute{
		SessionKey: key,
		From:       p.AccountID,
		To:         to,
		ThreadID:   threadID,
		ChatType:   kind,
	}, nil
}

// ErrCrossContextDenied is returned when a tool-initiated outbound send
// targets a channel the policy does not allow from its invocation context.
var ErrCrossContextDenied = errors.New("cross-context send not allowed")

// EnforceCrossContextPolicy checks a tool-initiated send that crosses
// from the invocation channel to another channel. Same-channel sends are
// always allowed. Returns the disclosure prefix to prepend (empty when
// disclosure is off or not crossing).
func EnforceCrossContextPolicy(pol CrossContextPolicy, fromChannel, toChannel string) (disclosure string, err error) {
	from := strings.ToLower(strings.TrimSpace(fromChannel))
	to := strings.ToLower(strings.TrimSpace(toChannel))
	if from == "" || from == to {
		return "", nil
	}

	allowed := false
	for _, pair := range pol.Allow {
		pair = strings.TrimSpace(pair)
		if pair == "*" {
			allowed = true
			break
		}
		parts := strings.SplitN(pair, "->", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(parts[0]), from) &&
			strings.EqualFold(strings.TrimSpace(parts[1]), to) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", fmt.Errorf("%w: %s -> %s", ErrCrossContextDenied, from, to)
	}

	if pol.Disclose && !pol.PreferComponents {
		return fmt.Sprintf("[via %s] ", from), nil
	}
	return "", nil
}
