package sessions

import (
	"errors"
	"testing"
)

// TestBuildAgentPeerSessionKey_Determinism verifies that distinct surface
// spellings of the same logical conversation collapse to one key.
func TestBuildAgentPeerSessionKey_Determinism(t *testing.T) {
	tests := []struct {
		name string
		p    KeyParams
		want string
	}{
		{
			name: "plain dm",
			p:    KeyParams{AgentID: "default", Channel: "telegram", PeerKind: PeerDirect, PeerID: "386246614"},
			want: "agent:default:telegram:direct:386246614",
		},
		{
			name: "uppercase peer is lowercased",
			p:    KeyParams{AgentID: "default", Channel: "whatsapp", PeerKind: PeerDirect, PeerID: "+1555AB@S.Whatsapp.Net"},
			want: "agent:default:whatsapp:direct:+1555ab@s.whatsapp.net",
		},
		{
			name: "channel prefix stripped",
			p:    KeyParams{AgentID: "default", Channel: "telegram", PeerKind: PeerDirect, PeerID: "telegram:386246614"},
			want: "agent:default:telegram:direct:386246614",
		},
		{
			name: "group prefix folds kind",
			p:    KeyParams{AgentID: "default", Channel: "telegram", PeerKind: PeerDirect, PeerID: "group:-100123"},
			want: "agent:default:telegram:group:-100123",
		},
		{
			name: "bluebubbles chat_guid prefix",
			p:    KeyParams{AgentID: "default", Channel: "bluebubbles", PeerKind: PeerGroup, PeerID: "chat_guid:iMessage;-;Chat123"},
			want: "agent:default:bluebubbles:group:imessage;-;chat123",
		},
		{
			name: "bluebubbles chat_identifier prefix collapses to same key",
			p:    KeyParams{AgentID: "default", Channel: "bluebubbles", PeerKind: PeerGroup, PeerID: "chat_identifier:imessage;-;chat123"},
			want: "agent:default:bluebubbles:group:imessage;-;chat123",
		},
		{
			name: "slack G channel promoted to group",
			p:    KeyParams{AgentID: "default", Channel: "slack", PeerKind: PeerDirect, PeerID: "G024BE91L"},
			want: "agent:default:slack:group:g024be91l",
		},
		{
			name: "slack mpim list promoted to group",
			p: KeyParams{
				AgentID: "default", Channel: "slack", PeerKind: PeerDirect,
				PeerID: "C555", SlackMpim: []string{"C555"},
			},
			want: "agent:default:slack:group:c555",
		},
		{
			name: "telegram topic suffix",
			p: KeyParams{
				AgentID: "default", Channel: "telegram", PeerKind: PeerGroup,
				PeerID: "-100123", ThreadID: "99",
			},
			want: "agent:default:telegram:group:-100123:topic:99",
		},
		{
			name: "slack thread suffix",
			p: KeyParams{
				AgentID: "default", Channel: "slack", PeerKind: PeerGroup,
				PeerID: "C024", ReplyToID: "1700000000.000100",
			},
			want: "agent:default:slack:group:c024:thread:1700000000.000100",
		},
		{
			name: "whitespace trimmed",
			p:    KeyParams{AgentID: " default ", Channel: " Telegram ", PeerKind: PeerDirect, PeerID: " 42 "},
			want: "agent:default:telegram:direct:42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildAgentPeerSessionKey(tt.p)
			if err != nil {
				t.Fatalf("BuildAgentPeerSessionKey() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("BuildAgentPeerSessionKey() = %q, want %q", got, tt.want)
			}
			// Idempotence: building twice yields the same key.
			again, _ := BuildAgentPeerSessionKey(tt.p)
			if again != got {
				t.Errorf("not deterministic: %q vs %q", got, again)
			}
		})
	}
}

func TestBuildAgentPeerSessionKey_IdentityLinks(t *testing.T) {
	rewrite := func(channel, peerID string) (string, string, bool) {
		if channel == "telegram" && peerID == "386246614" {
			return "logical", "alice", true
		}
		return "", "", false
	}

	got, err := BuildAgentPeerSessionKey(KeyParams{
		AgentID: "default", Channel: "telegram", PeerKind: PeerDirect,
		PeerID: "386246614", Identity: rewrite,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "agent:default:logical:direct:alice" {
		t.Errorf("identity rewrite = %q", got)
	}
}

func TestBuildAgentPeerSessionKey_Invalid(t *testing.T) {
	tests := []struct {
		name string
		p    KeyParams
	}{
		{"empty peer", KeyParams{AgentID: "a", Channel: "telegram", PeerKind: PeerDirect, PeerID: "  "}},
		{"empty channel", KeyParams{AgentID: "a", PeerKind: PeerDirect, PeerID: "x"}},
		{"empty agent", KeyParams{Channel: "telegram", PeerKind: PeerDirect, PeerID: "x"}},
		{"prefix only", KeyParams{AgentID: "a", Channel: "bluebubbles", PeerKind: PeerDirect, PeerID: "chat_guid:"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildAgentPeerSessionKey(tt.p)
			if !errors.Is(err, ErrInvalidPeerFormat) {
				t.Errorf("expected ErrInvalidPeerFormat, got %v", err)
			}
		})
	}
}

func TestParseSessionKey(t *testing.T) {
	agentID, scope := ParseSessionKey("agent:default:telegram:direct:42")
	if agentID != "default" || scope != "telegram:direct:42" {
		t.Errorf("ParseSessionKey = (%q, %q)", agentID, scope)
	}

	if a, s := ParseSessionKey("not-a-key"); a != "" || s != "" {
		t.Errorf("expected empty parse, got (%q, %q)", a, s)
	}
}

func TestParseScope(t *testing.T) {
	channel, kind, peer, ok := ParseScope("telegram:group:-100123:topic:99")
	if !ok || channel != "telegram" || kind != PeerGroup || peer != "-100123:topic:99" {
		t.Errorf("ParseScope = (%q, %q, %q, %v)", channel, kind, peer, ok)
	}

	if _, _, _, ok := ParseScope("main"); ok {
		t.Error("main scope should not parse as peer scope")
	}
	if _, _, _, ok := ParseScope("cron:job1:run:r1"); ok {
		t.Error("cron scope should not parse as peer scope")
	}
}

func TestBuildCronSessionKey_NoDoublePrefix(t *testing.T) {
	key := BuildCronSessionKey("default", "agent:default:cron:job1", "r1")
	if key != "agent:default:cron:job1:run:r1" {
		t.Errorf("double-prefixed key = %q", key)
	}
	plain := BuildCronSessionKey("default", "job1", "r1")
	if plain != "agent:default:cron:job1:run:r1" {
		t.Errorf("BuildCronSessionKey = %q", plain)
	}
}
