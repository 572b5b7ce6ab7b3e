// Package heartbeat runs the periodic agent check-in: quiet hours, the
// HEARTBEAT.md fast path, HEARTBEAT_OK suppression, duplicate
// suppression and delivery-target resolution.
package heartbeat

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/msggate/internal/sessions"
)

// Target channel values with special meaning.
const (
	TargetLast = "last"
	TargetNone = "none"
)

// Target is the resolved heartbeat delivery destination.
type Target struct {
	Channel   string
	To        string
	AccountID string
	ThreadID  string

	// Last route observed on the session, surfaced for diagnostics even
	// when an explicit target wins.
	LastChannel   string
	LastAccountID string

	// Reason is set when resolution yields no destination.
	Reason string
}

// None reports whether the target suppresses external delivery.
func (t Target) None() bool { return t.Channel == "" || t.Channel == TargetNone }

// ResolveDeliveryTarget picks where a heartbeat reply goes. An explicit
// channel target wins and must be in the allowed set; "last" follows
// the session's last route unless that route is webchat; "none" is
// always honoured.
func ResolveDeliveryTarget(cfg Config, entry *sessions.SessionEntry, allowed []string) Target {
	t := Target{}
	if entry != nil {
		t.LastChannel = entry.LastChannel
		t.LastAccountID = entry.LastAccountID
	}

	target := strings.TrimSpace(cfg.Target)
	if target == "" {
		target = TargetLast
	}

	switch target {
	case TargetNone:
		t.Reason = "target none"
		return t
	case TargetLast:
		if entry == nil || entry.LastChannel == "" {
			t.Reason = "no last route"
			return t
		}
		if entry.LastChannel == "webchat" {
			t.Reason = "last route is webchat"
			return t
		}
		t.Channel = entry.LastChannel
		t.AccountID = entry.LastAccountID
		t.To = entry.LastTo
	default:
		if !channelAllowed(target, allowed) {
			t.Reason = fmt.Sprintf("target %q not in configured channels", target)
			return t
		}
		t.Channel = target
		t.AccountID = cfg.AccountID
		t.To = cfg.To
	}

	if cfg.To != "" {
		t.To = cfg.To
	}
	if t.To == "" {
		t.Channel = ""
		t.Reason = "no recipient"
		return t
	}

	normalizeTarget(&t)
	return t
}

func channelAllowed(channel string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(a, channel) {
			return true
		}
	}
	return false
}

// normalizeTarget applies per-channel recipient conventions: Telegram
// ":topic:<n>" suffixes become the thread id, WhatsApp handles are
// lower-cased and stripped of the "whatsapp:" prefix.
func normalizeTarget(t *Target) {
	switch t.Channel {
	case "telegram":
		if i := strings.Index(t.To, ":topic:"); i >= 0 {
			t.ThreadID = t.To[i+len(":topic:"):]
			t.To = t.To[:i]
		}
	case "whatsapp":
		to := strings.ToLower(strings.TrimSpace(t.To))
		to = strings.TrimPrefix(to, "whatsapp:")
		t.To = to
	}
}
