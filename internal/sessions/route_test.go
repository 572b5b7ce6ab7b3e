package sessions

import (
	"errors"
	"testing"
)

func TestResolveAgentRoute_RulesAndDefault(t *testing.T) {
	rc := &RoutingConfig{
		DefaultAgentID: "default",
		Rules: []RouteRule{
			{AgentID: "ops", Channel: "telegram", PeerID: "-100555"},
			{AgentID: "support", Channel: "whatsapp"},
		},
	}

	tests := []struct {
		name      string
		channel   string
		peer      RoutePeer
		wantAgent string
		wantKey   string
	}{
		{
			name:      "rule by channel+peer",
			channel:   "telegram",
			peer:      RoutePeer{Kind: PeerGroup, ID: "-100555"},
			wantAgent: "ops",
			wantKey:   "agent:ops:telegram:group:-100555",
		},
		{
			name:      "rule by channel only",
			channel:   "whatsapp",
			peer:      RoutePeer{Kind: PeerDirect, ID: "155@s.whatsapp.net"},
			wantAgent: "support",
			wantKey:   "agent:support:whatsapp:direct:155@s.whatsapp.net",
		},
		{
			name:      "default agent fallback",
			channel:   "discord",
			peer:      RoutePeer{Kind: PeerDirect, ID: "9001"},
			wantAgent: "default",
			wantKey:   "agent:default:discord:direct:9001",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveAgentRoute(rc, tt.channel, "", tt.peer)
			if err != nil {
				t.Fatalf("ResolveAgentRoute: %v", err)
			}
			if got.AgentID != tt.wantAgent || got.SessionKey != tt.wantKey {
				t.Errorf("got %+v, want (%s, %s)", got, tt.wantAgent, tt.wantKey)
			}
		})
	}
}

func TestResolveOutboundSessionRoute(t *testing.T) {
	rc := &RoutingConfig{DefaultAgentID: "default", SlackMpim: []string{"c777"}}

	tests := []struct {
		name       string
		p          OutboundRouteParams
		wantKey    string
		wantTo     string
		wantThread string
		wantKind   PeerKind
	}{
		{
			name:     "telegram topic suffix promotes key",
			p:        OutboundRouteParams{Channel: "telegram", AgentID: "default", Target: "-100123:topic:5"},
			wantKey:  "agent:default:telegram:group:-100123:topic:5",
			wantTo:   "-100123",
			wantThread: "5",
			wantKind: PeerGroup,
		},
		{
			name:     "slack reply promotes thread",
			p:        OutboundRouteParams{Channel: "slack", AgentID: "default", Target: "C024", ReplyToID: "1700.0001"},
			wantKey:  "agent:default:slack:group:c024:thread:1700.0001",
			wantTo:   "c024",
			wantKind: PeerGroup,
		},
		{
			name:     "slack mpim flips to group",
			p:        OutboundRouteParams{Channel: "slack", AgentID: "default", Target: "c777"},
			wantKey:  "agent:default:slack:group:c777",
			wantTo:   "c777",
			wantKind: PeerGroup,
		},
		{
			name:     "bluebubbles prefix stripped",
			p:        OutboundRouteParams{Channel: "bluebubbles", AgentID: "default", Target: "group:chat_guid:iMessage;-;Chat9"},
			wantKey:  "agent:default:bluebubbles:group:imessage;-;chat9",
			wantTo:   "imessage;-;chat9",
			wantKind: PeerGroup,
		},
		{
			name:     "whatsapp group jid",
			p:        OutboundRouteParams{Channel: "whatsapp", AgentID: "default", Target: "1203630@g.us"},
			wantKey:  "agent:default:whatsapp:group:1203630@g.us",
			wantTo:   "1203630@g.us",
			wantKind: PeerGroup,
		},
		{
			name:     "resolved target overrides raw",
			p:        OutboundRouteParams{Channel: "telegram", AgentID: "default", Target: "@alice", ResolvedTarget: "42"},
			wantKey:  "agent:default:telegram:direct:42",
			wantTo:   "42",
			wantKind: PeerDirect,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveOutboundSessionRoute(rc, tt.p)
			if err != nil {
				t.Fatalf("ResolveOutboundSessionRoute: %v", err)
			}
			if got.SessionKey != tt.wantKey {
				t.Errorf("SessionKey = %q, want %q", got.SessionKey, tt.wantKey)
			}
			if got.To != tt.wantTo {
				t.Errorf("To = %q, want %q", got.To, tt.wantTo)
			}
			if tt.wantThread != "" && got.ThreadID != tt.wantThread {
				t.Errorf("ThreadID = %q, want %q", got.ThreadID, tt.wantThread)
			}
			if got.ChatType != tt.wantKind {
				t.Errorf("ChatType = %q, want %q", got.ChatType, tt.wantKind)
			}
		})
	}
}

func TestEnforceCrossContextPolicy(t *testing.T) {
	pol := CrossContextPolicy{Allow: []string{"telegram->slack"}, Disclose: true}

	// Same channel always passes, no disclosure.
	if d, err := EnforceCrossContextPolicy(pol, "telegram", "telegram"); err != nil || d != "" {
		t.Errorf("same channel: (%q, %v)", d, err)
	}

	// Allowed pair discloses.
	d, err := EnforceCrossContextPolicy(pol, "telegram", "slack")
	if err != nil {
		t.Fatalf("allowed pair rejected: %v", err)
	}
	if d != "[via telegram] " {
		t.Errorf("disclosure = %q", d)
	}

	// Disallowed pair fails.
	if _, err := EnforceCrossContextPolicy(pol, "slack", "telegram"); !errors.Is(err, ErrCrossContextDenied) {
		t.Errorf("expected ErrCrossContextDenied, got %v", err)
	}

	// Wildcard.
	if _, err := EnforceCrossContextPolicy(CrossContextPolicy{Allow: []string{"*"}}, "a", "b"); err != nil {
		t.Errorf("wildcard rejected: %v", err)
	}

	// PreferComponents suppresses the text marker.
	d, err = EnforceCrossContextPolicy(CrossContextPolicy{Allow: []string{"*"}, Disclose: true, PreferComponents: true}, "a", "b")
	if err != nil || d != "" {
		t.Errorf("components mode: (%q, %v)", d, err)
	}
}
