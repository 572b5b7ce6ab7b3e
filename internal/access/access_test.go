package access

import (
	"context"
	"path/filepath"
	"testing"
)

func TestResolveDmGroupAccessDecision(t *testing.T) {
	tests := []struct {
		name       string
		p          DecisionParams
		want       string
		wantReason BlockReason
	}{
		{
			name: "dm disabled",
			p:    DecisionParams{DMPolicy: PolicyDisabled},
			want: "block", wantReason: ReasonDMDisabled,
		},
		{
			name: "dm allowlist miss",
			p:    DecisionParams{DMPolicy: PolicyAllowlist, EffectiveAllowFrom: []string{"alice"}},
			want: "block", wantReason: ReasonDMAllowlist,
		},
		{
			name: "dm allowlist hit",
			p:    DecisionParams{DMPolicy: PolicyAllowlist, IsSenderAllowed: true},
			want: "allow",
		},
		{
			name: "dm pairing unknown sender",
			p:    DecisionParams{DMPolicy: PolicyPairing},
			want: "pairing",
		},
		{
			name: "dm pairing known sender",
			p:    DecisionParams{DMPolicy: PolicyPairing, IsSenderAllowed: true},
			want: "allow",
		},
		{
			name: "dm open",
			p:    DecisionParams{DMPolicy: PolicyOpen},
			want: "allow",
		},
		{
			name: "dm default policy is pairing",
			p:    DecisionParams{},
			want: "pairing",
		},
		{
			name: "group disabled",
			p:    DecisionParams{IsGroup: true, GroupPolicy: PolicyDisabled},
			want: "block", wantReason: ReasonGroupDisabled,
		},
		{
			name: "group empty allowlist",
			p:    DecisionParams{IsGroup: true, GroupPolicy: PolicyAllowlist},
			want: "block", wantReason: ReasonGroupEmptyAllowlist,
		},
		{
			name: "group not allowlisted",
			p:    DecisionParams{IsGroup: true, GroupPolicy: PolicyAllowlist, EffectiveGroupAllowFrom: []string{"g1"}},
			want: "block", wantReason: ReasonGroupNotAllowlisted,
		},
		{
			name: "group allowlisted",
			p:    DecisionParams{IsGroup: true, GroupPolicy: PolicyAllowlist, EffectiveGroupAllowFrom: []string{"g1"}, IsSenderAllowed: true},
			want: "allow",
		},
		{
			name: "group open",
			p:    DecisionParams{IsGroup: true, GroupPolicy: PolicyOpen},
			want: "allow",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveDmGroupAccessDecision(tt.p)
			if got.Decision != tt.want {
				t.Errorf("Decision = %q, want %q", got.Decision, tt.want)
			}
			if got.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestSenderAllowed(t *testing.T) {
	allow := []string{"Alice", "+1555", "*"}
	if !SenderAllowed(allow, "bob") {
		t.Error("wildcard should match anything")
	}
	if !SenderAllowed([]string{"Alice"}, "alice") {
		t.Error("match must be case-insensitive")
	}
	if SenderAllowed([]string{"alice"}, "bob") {
		t.Error("non-member matched")
	}
	if SenderAllowed(nil, "bob") {
		t.Error("empty allowlist matched")
	}
}

func TestGroupAllowlistHint(t *testing.T) {
	got := GroupAllowlistHint("bluebubbles", "iMessage;-;chat123")
	want := `channels.bluebubbles.groupAllowFrom=["iMessage;-;chat123"]`
	if got != want {
		t.Errorf("hint = %s, want %s", got, want)
	}
}

func TestResolveControlCommandGate(t *testing.T) {
	// Access groups disabled: everyone is authorized, nothing blocks.
	g := ResolveControlCommandGate(CommandGateParams{HasCommand: true})
	if !g.CommandAuthorized || g.ShouldBlock {
		t.Errorf("access groups off: %+v", g)
	}

	// Enabled and sender unauthorized: command is dropped.
	g = ResolveControlCommandGate(CommandGateParams{HasCommand: true, AccessGroupsEnabled: true})
	if g.CommandAuthorized || !g.ShouldBlock {
		t.Errorf("unauthorized command: %+v", g)
	}

	// Enabled, owner sender.
	g = ResolveControlCommandGate(CommandGateParams{HasCommand: true, AccessGroupsEnabled: true, SenderIsOwner: true})
	if !g.CommandAuthorized || g.ShouldBlock {
		t.Errorf("owner command: %+v", g)
	}

	// No command present never blocks, even unauthorized.
	g = ResolveControlCommandGate(CommandGateParams{AccessGroupsEnabled: true})
	if g.ShouldBlock {
		t.Errorf("plain message blocked: %+v", g)
	}
}

func TestHasControlCommand(t *testing.T) {
	for _, text := range []string{"/stop", "/Reset now", "/status@mybot please"} {
		if !HasControlCommand(text) {
			t.Errorf("HasControlCommand(%q) = false", text)
		}
	}
	for _, text := range []string{"stop", "please /stop", "/unknown", ""} {
		if HasControlCommand(text) {
			t.Errorf("HasControlCommand(%q) = true", text)
		}
	}
}

func TestResolveMentionGate(t *testing.T) {
	patterns, err := CompileMentionPatterns([]string{`@assistant\b`, `^hey bot`})
	if err != nil {
		t.Fatalf("CompileMentionPatterns: %v", err)
	}

	// DMs always process.
	g := ResolveMentionGate(MentionGateParams{Text: "anything"})
	if !g.ShouldProcess {
		t.Error("DM should always process")
	}

	// Group without patterns processes, unmentioned.
	g = ResolveMentionGate(MentionGateParams{IsGroup: true, Text: "hello"})
	if !g.ShouldProcess || g.WasMentioned {
		t.Errorf("no patterns: %+v", g)
	}

	// Mention match.
	g = ResolveMentionGate(MentionGateParams{IsGroup: true, Text: "ping @assistant now", Mentions: patterns})
	if !g.ShouldProcess || !g.WasMentioned {
		t.Errorf("mention: %+v", g)
	}

	// Unmentioned group message drops.
	g = ResolveMentionGate(MentionGateParams{IsGroup: true, Text: "idle chatter", Mentions: patterns})
	if g.ShouldProcess {
		t.Errorf("unmentioned: %+v", g)
	}

	// Command bypass for authorized senders.
	g = ResolveMentionGate(MentionGateParams{IsGroup: true, Text: "/stop", Mentions: patterns, CommandAuthorized: true})
	if !g.ShouldProcess || g.WasMentioned {
		t.Errorf("command bypass: %+v", g)
	}

	// Bypass does not apply to unauthorized senders.
	g = ResolveMentionGate(MentionGateParams{IsGroup: true, Text: "/stop", Mentions: patterns})
	if g.ShouldProcess {
		t.Errorf("unauthorized bypass: %+v", g)
	}
}

func TestPairingStore_UpsertOncePerWindow(t *testing.T) {
	store, err := OpenPairingStore(filepath.Join(t.TempDir(), "pairing.db"))
	if err != nil {
		t.Fatalf("OpenPairingStore: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	req, created, err := store.Upsert(ctx, "telegram", "42", map[string]string{"name": "alice"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !created || req.Code == "" {
		t.Fatalf("first attempt: created=%v code=%q", created, req.Code)
	}

	// Identical attempt inside the window must not create a new request.
	again, created, err := store.Upsert(ctx, "telegram", "42", nil)
	if err != nil {
		t.Fatalf("Upsert repeat: %v", err)
	}
	if created {
		t.Error("repeat attempt inside window reported created=true")
	}
	if again.Code != req.Code {
		t.Error("repeat attempt changed the code")
	}
}

func TestPairingStore_ApproveFlow(t *testing.T) {
	store, err := OpenPairingStore(filepath.Join(t.TempDir(), "pairing.db"))
	if err != nil {
		t.Fatalf("OpenPairingStore: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	req, _, err := store.Upsert(ctx, "whatsapp", "155@s.whatsapp.net", nil)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	ok, err := store.IsApproved(ctx, "whatsapp", "155@s.whatsapp.net")
	if err != nil || ok {
		t.Fatalf("pre-approval IsApproved = (%v, %v)", ok, err)
	}

	sender, err := store.Approve(ctx, "whatsapp", req.Code)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if sender != "155@s.whatsapp.net" {
		t.Errorf("Approve sender = %q", sender)
	}

	ok, err = store.IsApproved(ctx, "whatsapp", "155@s.whatsapp.net")
	if err != nil || !ok {
		t.Errorf("post-approval IsApproved = (%v, %v)", ok, err)
	}

	// Approved sender re-upserting does not restart the handshake.
	_, created, err := store.Upsert(ctx, "whatsapp", "155@s.whatsapp.net", nil)
	if err != nil {
		t.Fatalf("Upsert after approve: %v", err)
	}
	if created {
		t.Error("approved sender triggered a new pairing request")
	}

	if _, err := store.Approve(ctx, "whatsapp", "NOPE1234"); err != ErrUnknownPairingCode {
		t.Errorf("unknown code error = %v", err)
	}
}

func TestPairingStore_List(t *testing.T) {
	store, err := OpenPairingStore(filepath.Join(t.TempDir(), "pairing.db"))
	if err != nil {
		t.Fatalf("OpenPairingStore: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	store.Upsert(ctx, "telegram", "1", nil)
	store.Upsert(ctx, "discord", "2", nil)

	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List all = %d entries", len(all))
	}

	tg, err := store.List(ctx, "telegram")
	if err != nil {
		t.Fatalf("List telegram: %v", err)
	}
	if len(tg) != 1 || tg[0].SenderID != "1" {
		t.Errorf("List telegram = %+v", tg)
	}
}
