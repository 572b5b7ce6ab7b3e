// Package access evaluates whether inbound traffic may reach an agent:
// DM/group policy decisions, the pairing handshake, mention gating and
// control-command gating.
package access

import (
	"fmt"
	"regexp"
	"strings"
)

// Policy is a DM or group admission policy.
type Policy string

const (
	PolicyDisabled  Policy = "disabled"
	PolicyAllowlist Policy = "allowlist"
	PolicyPairing   Policy = "pairing"
	PolicyOpen      Policy = "open"
)

// BlockReason identifies why an inbound message was rejected.
type BlockReason string

const (
	ReasonDMDisabled          BlockReason = "dmPolicy=disabled"
	ReasonDMAllowlist         BlockReason = "dmPolicy=allowlist"
	ReasonGroupDisabled       BlockReason = "groupPolicy=disabled"
	ReasonGroupEmptyAllowlist BlockReason = "groupPolicy=allowlist (empty allowlist)"
	ReasonGroupNotAllowlisted BlockReason = "groupPolicy=allowlist (not allowlisted)"
)

// Decision is the outcome of policy evaluation.
type Decision struct {
	// Decision is "allow", "pairing" or "block".
	Decision string
	Reason   BlockReason
}

// DecisionParams are the inputs of ResolveDmGroupAccessDecision.
type DecisionParams struct {
	IsGroup     bool
	DMPolicy    Policy
	GroupPolicy Policy
	// EffectiveAllowFrom / EffectiveGroupAllowFrom are the merged
	// allowlists after config layering.
	EffectiveAllowFrom      []string
	EffectiveGroupAllowFrom []string
	// IsSenderAllowed reports whether the sender (or for groups, the
	// chat) matched the relevant allowlist.
	IsSenderAllowed bool
}

// ResolveDmGroupAccessDecision applies the channel's admission policy.
// Unset policies default to "pairing" for DMs and "allowlist" for groups.
func ResolveDmGroupAccessDecision(p DecisionParams) Decision {
	if p.IsGroup {
		policy := p.GroupPolicy
		if policy == "" {
			policy = PolicyAllowlist
		}
		switch policy {
		case PolicyDisabled:
			return Decision{Decision: "block", Reason: ReasonGroupDisabled}
		case PolicyOpen:
			return Decision{Decision: "allow"}
		default: // allowlist
			if len(p.EffectiveGroupAllowFrom) == 0 {
				return Decision{Decision: "block", Reason: ReasonGroupEmptyAllowlist}
			}
			if !p.IsSenderAllowed {
				return Decision{Decision: "block", Reason: ReasonGroupNotAllowlisted}
			}
			return Decision{Decision: "allow"}
		}
	}

	policy := p.DMPolicy
	if policy == "" {
		policy = PolicyPairing
	}
	switch policy {
	case PolicyDisabled:
		return Decision{Decision: "block", Reason: ReasonDMDisabled}
	case PolicyOpen:
		return Decision{Decision: "allow"}
	case PolicyAllowlist:
		if p.IsSenderAllowed {
			return Decision{Decision: "allow"}
		}
		return Decision{Decision: "block", Reason: ReasonDMAllowlist}
	default: // pairing
		if p.IsSenderAllowed {
			return Decision{Decision: "allow"}
		}
		return Decision{Decision: "pairing"}
	}
}

// SenderAllowed reports whether any candidate identity matches an
// allowlist entry. Matching is case-insensitive; "*" matches everything.
func SenderAllowed(allow []string, candidates ...string) bool {
	for _, entry := range allow {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}
		for _, c := range candidates {
			if strings.EqualFold(entry, strings.TrimSpace(c)) {
				return true
			}
		}
	}
	return false
}

// GroupAllowlistHint renders the exact config line an operator can paste
// to allow a blocked group.
func GroupAllowlistHint(channel, chatID string) string {
	return fmt.Sprintf("channels.%s.groupAllowFrom=[%q]", channel, chatID)
}

// controlCommands are the slash commands the gateway handles itself
// rather than forwarding to the agent.
var controlCommands = map[string]bool{
	"/stop":    true,
	"/reset":   true,
	"/new":     true,
	"/clear":   true,
	"/compact": true,
	"/status":  true,
	"/help":    true,
	"/restart": true,
}

// HasControlCommand reports whether text starts with a known control
// command, allowing a "@botname" suffix on the command word.
func HasControlCommand(text string) bool {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return false
	}
	word := strings.ToLower(fields[0])
	if at := strings.Index(word, "@"); at > 0 {
		word = word[:at]
	}
	return controlCommands[word]
}

// CommandGateParams are the inputs of ResolveControlCommandGate.
type CommandGateParams struct {
	HasCommand             bool
	SenderIsOwner          bool
	SenderInGroupAllowlist bool
	AccessGroupsEnabled    bool
}

// CommandGate is the outcome of control-command gating.
type CommandGate struct {
	CommandAuthorized bool
	ShouldBlock       bool
}

// ResolveControlCommandGate decides whether the sender may run control
// commands. With access groups disabled everyone is authorized; enabled,
// only owners and group-allowlisted senders are. An unauthorized control
// command is dropped.
func ResolveControlCommandGate(p CommandGateParams) CommandGate {
	authorized := !p.AccessGroupsEnabled || p.SenderIsOwner || p.SenderInGroupAllowlist
	return CommandGate{
		CommandAuthorized: authorized,
		ShouldBlock:       p.HasCommand && !authorized,
	}
}

// MentionGateParams are the inputs of ResolveMentionGate.
type MentionGateParams struct {
	IsGroup           bool
	Text              string
	Mentions          []*regexp.Regexp
	CommandAuthorized bool
}

// MentionGate is the outcome of mention gating.
type MentionGate struct {
	WasMentioned  bool
	ShouldProcess bool
}

// ResolveMentionGate applies group mention gating: groups with mention
// patterns configured only process messages that match one, except that
// command-authorized senders bypass the gate for control commands.
func ResolveMentionGate(p MentionGateParams) MentionGate {
	if !p.IsGroup || len(p.Mentions) == 0 {
		return MentionGate{ShouldProcess: true}
	}
	for _, re := range p.Mentions {
		if re != nil && re.MatchString(p.Text) {
			return MentionGate{WasMentioned: true, ShouldProcess: true}
		}
	}
	if p.CommandAuthorized && HasControlCommand(p.Text) {
		return MentionGate{ShouldProcess: true}
	}
	return MentionGate{}
}

// CompileMentionPatterns compiles the configured mention regexes,
// skipping invalid ones. The returned error reports the first invalid
// pattern for logging; valid patterns are still usable.
func CompileMentionPatterns(patterns []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	var firstErr error
	for _, pat := range patterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("mention pattern %q: %w", pat, err)
			}
			continue
		}
		out = append(out, re)
	}
	return out, firstErr
}
