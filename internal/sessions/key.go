// Package sessions — session key algebra, persistent session store and
// route resolution.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{scope}
//
// Where {scope} is one of:
//
//	Main:        main
//	DM:          {channel}:direct:{peerId}
//	Group:       {channel}:group:{groupId}
//	Forum topic: {channel}:group:{groupId}:topic:{threadId}
//	Thread:      {channel}:group:{groupId}:thread:{replyId}
//
// Examples:
//
//	agent:default:main
//	agent:default:telegram:direct:386246614
//	agent:default:slack:group:c024be91:topic:17
//	agent:default:bluebubbles:group:imessage;-;chat123
//
// The builder is deterministic: distinct surface spellings of the same
// logical conversation always produce the same key.
package sessions

import (
	"errors"
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// MainScope is the scope token of an agent's default implicit session.
const MainScope = "main"

// ErrInvalidPeerFormat is returned for malformed peer inputs.
var ErrInvalidPeerFormat = errors.New("invalid peer format")

// PeerRewriter optionally rewrites (channel, peerID) into a logical peer
// shared across channels. Identity-link configuration provides one.
type PeerRewriter func(channel, peerID string) (newChannel, newPeerID string, ok bool)

// KeyParams are the inputs of BuildAgentPeerSessionKey.
type KeyParams struct {
	AgentID  string
	Channel  string
	PeerKind PeerKind
	PeerID   string

	// ThreadID appends a ":topic:{id}" suffix for thread-per-topic
	// providers (Telegram topic groups, Slack threads as topics).
	ThreadID string
	// ReplyToID appends a ":thread:{id}" suffix for reply threading.
	ReplyToID string

	// Identity rewrites (channel, peer) into a cross-channel logical peer.
	Identity PeerRewriter
	// SlackMpim lists Slack channel IDs treated as groups even without
	// the "G" prefix.
	SlackMpim []string
}

// chat prefix triad used by BlueBubbles peer spellings.
var chatPrefixes = []string{"chat_guid:", "chat_identifier:", "chat_id:"}

// BuildAgentPeerSessionKey derives the stable session key for a peer
// conversation. Inputs are trimmed; the peer is lowercased; "channel:"
// and "group:"/"direct:" prefixes on the peer are stripped and folded
// into the kind; BlueBubbles chat prefixes are normalized to a canonical
// token; Slack channel IDs starting with "G" (or listed in SlackMpim)
// are promoted to group.
func BuildAgentPeerSessionKey(p KeyParams) (string, error) {
	agentID := strings.TrimSpace(p.AgentID)
	channel := strings.ToLower(strings.TrimSpace(p.Channel))
	peer := strings.TrimSpace(p.PeerID)
	kind := p.PeerKind

	if agentID == "" || channel == "" {
		return "", fmt.Errorf("%w: missing agent or channel", ErrInvalidPeerFormat)
	}
	if peer == "" {
		return "", fmt.Errorf("%w: empty peer id", ErrInvalidPeerFormat)
	}

	// Fold an explicit "channel:" prefix into the channel.
	if idx := strings.Index(peer, ":"); idx > 0 {
		prefix := strings.ToLower(peer[:idx])
		switch prefix {
		case "group":
			kind = PeerGroup
			peer = peer[idx+1:]
		case "direct", "dm", "user":
			kind = PeerDirect
			peer = peer[idx+1:]
		case channel:
			peer = peer[idx+1:]
		}
	}
	if peer == "" {
		return "", fmt.Errorf("%w: empty peer id after prefix strip", ErrInvalidPeerFormat)
	}

	// BlueBubbles chat triad: strip the spelling prefix, keep the token.
	for _, cp := range chatPrefixes {
		if strings.HasPrefix(strings.ToLower(peer), cp) {
			peer = peer[len(cp):]
			break
		}
	}
	if peer == "" {
		return "", fmt.Errorf("%w: empty chat token", ErrInvalidPeerFormat)
	}

	peer = strings.ToLower(peer)

	// Identity links: rewrite into the logical cross-channel peer.
	if p.Identity != nil {
		if ch2, peer2, ok := p.Identity(channel, peer); ok {
			channel = strings.ToLower(strings.TrimSpace(ch2))
			peer = strings.ToLower(strings.TrimSpace(peer2))
		}
	}

	// Slack: "G"-prefixed channel IDs and configured mpim entries are groups.
	if channel == "slack" && kind == PeerDirect {
		if strings.HasPrefix(strings.ToUpper(peer), "G") || containsFold(p.SlackMpim, peer) {
			kind = PeerGroup
		}
	}

	if kind != PeerDirect && kind != PeerGroup {
		return "", fmt.Errorf("%w: unknown peer kind %q", ErrInvalidPeerFormat, kind)
	}

	key := fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, peer)
	if p.ThreadID != "" {
		key += ":topic:" + strings.TrimSpace(p.ThreadID)
	}
	if p.ReplyToID != "" {
		key += ":thread:" + strings.TrimSpace(p.ReplyToID)
	}
	return key, nil
}

// BuildAgentMainSessionKey builds the agent's default implicit session key.
func BuildAgentMainSessionKey(agentID string) string {
	return fmt.Sprintf("agent:%s:%s", strings.TrimSpace(agentID), MainScope)
}

// BuildCronSessionKey builds the isolated session key for a cron job run.
// Guards against double-prefixing when jobID is already a canonical key.
func BuildCronSessionKey(agentID, jobID, runID string) string {
	if _, rest := ParseSessionKey(jobID); rest != "" {
		jobID = strings.TrimPrefix(rest, "cron:")
	}
	return fmt.Sprintf("agent:%s:cron:%s:run:%s", agentID, jobID, runID)
}

// ParseSessionKey extracts the agentID and scope from a canonical key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, scope string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// ParseScope splits a scope into channel, kind and peer (with any
// topic/thread suffix retained on the peer). Returns ok=false for the
// main scope and non-peer scopes (cron, subagent).
func ParseScope(scope string) (channel string, kind PeerKind, peer string, ok bool) {
	parts := strings.SplitN(scope, ":", 3)
	if len(parts) < 3 {
		return "", "", "", false
	}
	switch PeerKind(parts[1]) {
	case PeerDirect, PeerGroup:
		return parts[0], PeerKind(parts[1]), parts[2], true
	}
	return "", "", "", false
}

// IsCronSession checks if a session key indicates a cron-isolated session.
func IsCronSession(key string) bool {
	_, scope := ParseSessionKey(key)
	return strings.HasPrefix(strings.ToLower(scope), "cron:")
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}
