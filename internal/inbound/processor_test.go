package inbound

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/msggate/internal/access"
	"github.com/nextlevelbuilder/msggate/internal/bus"
	"github.com/nextlevelbuilder/msggate/internal/replycache"
)

type fakePending struct {
	consumed bool
	match    bool
}

func (f *fakePending) Consume(accountID, target string, chatIDs []string, text string) (string, bool) {
	if f.match {
		f.consumed = true
		return "queue-1", true
	}
	return "", false
}

type fakeEvents struct {
	events []bus.SystemEvent
}

func (f *fakeEvents) PublishSystemEvent(ev bus.SystemEvent) { f.events = append(f.events, ev) }

func newProcessor(t *testing.T, pending *fakePending, events *fakeEvents) *Processor {
	t.Helper()
	pairing, err := access.OpenPairingStore(filepath.Join(t.TempDir(), "pairing.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pairing.Close() })
	return NewProcessor(replycache.New(64), pending, events, pairing, NewBackfill(nil, 10), nil)
}

func openPolicy() ChannelPolicy {
	return ChannelPolicy{DMPolicy: access.PolicyOpen, GroupPolicy: access.PolicyOpen}
}

func TestProcess_AllowedDMProducesEnvelope(t *testing.T) {
	p := newProcessor(t, &fakePending{}, &fakeEvents{})

	msg := bus.Message{
		MessageID: "u1", SenderID: "alice", SenderName: "Alice",
		ChatGUID: "chat1", Text: "hello there", Timestamp: 1000,
		Channel: "telegram", AccountID: "acct",
	}
	res, err := p.Process(context.Background(), msg, "agent:default:telegram:direct:alice", openPolicy())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Action != ActionProcess || res.Envelope == nil {
		t.Fatalf("result = %+v", res)
	}
	env := res.Envelope
	if env.From != "Alice" || env.Body != "hello there" {
		t.Errorf("envelope = %+v", env)
	}
	if env.MessageSid == "" || env.MessageSidFull != "u1" {
		t.Errorf("message sid = %q / %q", env.MessageSid, env.MessageSidFull)
	}
	if !strings.Contains(env.Format(), "Body: hello there") {
		t.Errorf("Format() = %q", env.Format())
	}
}

func TestProcess_ReplyContextShortIDs(t *testing.T) {
	p := newProcessor(t, &fakePending{}, &fakeEvents{})
	ctx := context.Background()

	orig := bus.Message{MessageID: "orig-uuid", SenderID: "bob", ChatGUID: "chat1", Text: "original", Channel: "telegram", AccountID: "acct"}
	if _, err := p.Process(ctx, orig, "k", openPolicy()); err != nil {
		t.Fatal(err)
	}

	reply := bus.Message{MessageID: "reply-uuid", SenderID: "alice", ChatGUID: "chat1", Text: "replying", ReplyToID: "orig-uuid", Channel: "telegram", AccountID: "acct"}
	res, err := p.Process(ctx, reply, "k", openPolicy())
	if err != nil {
		t.Fatal(err)
	}
	env := res.Envelope
	if env.ReplyToIDFull != "orig-uuid" {
		t.Errorf("ReplyToIDFull = %q", env.ReplyToIDFull)
	}
	if env.ReplyToID == "" || env.ReplyToID == "orig-uuid" {
		t.Errorf("ReplyToID = %q, want a short id", env.ReplyToID)
	}
}

func TestProcess_GroupBlockCarriesHint(t *testing.T) {
	p := newProcessor(t, &fakePending{}, &fakeEvents{})

	msg := bus.Message{
		MessageID: "m", SenderID: "x", ChatGUID: "iMessage;-;chat9",
		IsGroup: true, Text: "hi", Channel: "bluebubbles", AccountID: "acct",
	}
	pol := ChannelPolicy{GroupPolicy: access.PolicyAllowlist, GroupAllowFrom: []string{"other-chat"}}
	res, err := p.Process(context.Background(), msg, "k", pol)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionBlocked || res.BlockReason != access.ReasonGroupNotAllowlisted {
		t.Fatalf("result = %+v", res)
	}
	want := `channels.bluebubbles.groupAllowFrom=["iMessage;-;chat9"]`
	if res.Hint != want {
		t.Errorf("hint = %s, want %s", res.Hint, want)
	}
}

func TestProcess_PairingReplyOnlyOnCreation(t *testing.T) {
	p := newProcessor(t, &fakePending{}, &fakeEvents{})
	ctx := context.Background()

	msg := bus.Message{MessageID: "m1", SenderID: "stranger", ChatGUID: "dm", Text: "hi", Channel: "telegram", AccountID: "acct"}
	pol := ChannelPolicy{DMPolicy: access.PolicyPairing}

	res, err := p.Process(ctx, msg, "k", pol)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionPairing || res.PairingReply == "" {
		t.Fatalf("first attempt = %+v", res)
	}
	if !strings.Contains(res.PairingReply, "stranger") {
		t.Errorf("reply must carry the sender id: %q", res.PairingReply)
	}

	// Second attempt inside the window is silent.
	msg.MessageID = "m2"
	res, err = p.Process(ctx, msg, "k", pol)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionPairing || res.PairingReply != "" {
		t.Errorf("repeat attempt = %+v", res)
	}
}

func TestProcess_FromMeReconciliation(t *testing.T) {
	pending := &fakePending{match: true}
	events := &fakeEvents{}
	p := newProcessor(t, pending, events)

	msg := bus.Message{
		MessageID: "echo-1", SenderID: "me", ChatGUID: "chat1",
		Text: "what I just sent", FromMe: true, Channel: "telegram", AccountID: "acct",
	}
	res, err := p.Process(context.Background(), msg, "agent:default:main", openPolicy())
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionFromMe {
		t.Fatalf("action = %q", res.Action)
	}
	if !pending.consumed {
		t.Error("pending entry not consumed")
	}
	if len(events.events) != 1 {
		t.Fatalf("events = %d, want 1", len(events.events))
	}
	ev := events.events[0]
	if ev.SessionKey != "agent:default:main" || !strings.Contains(ev.Text, "Assistant sent [") {
		t.Errorf("event = %+v", ev)
	}
}

func TestProcess_UnauthorizedCommandDropped(t *testing.T) {
	p := newProcessor(t, &fakePending{}, &fakeEvents{})

	msg := bus.Message{
		MessageID: "m", SenderID: "rando", ChatGUID: "g1", IsGroup: true,
		Text: "/stop", Channel: "discord", AccountID: "acct",
	}
	pol := ChannelPolicy{
		GroupPolicy:         access.PolicyOpen,
		AccessGroupsEnabled: true,
	}
	res, err := p.Process(context.Background(), msg, "k", pol)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionCommandDrop {
		t.Errorf("action = %q, want command_drop", res.Action)
	}
}

func TestProcess_MentionGateInGroups(t *testing.T) {
	p := newProcessor(t, &fakePending{}, &fakeEvents{})
	mentions, _ := access.CompileMentionPatterns([]string{`@bot\b`})

	pol := ChannelPolicy{GroupPolicy: access.PolicyOpen, Mentions: mentions}
	base := bus.Message{MessageID: "m", SenderID: "s", ChatGUID: "g", IsGroup: true, Channel: "slack", AccountID: "a"}

	unmentioned := base
	unmentioned.Text = "just chatting"
	res, _ := p.Process(context.Background(), unmentioned, "k", pol)
	if res.Action != ActionMentionDrop {
		t.Errorf("unmentioned action = %q", res.Action)
	}

	mentioned := base
	mentioned.MessageID = "m2"
	mentioned.Text = "hey @bot do things"
	res, _ = p.Process(context.Background(), mentioned, "k", pol)
	if res.Action != ActionProcess || !res.Envelope.WasMentioned {
		t.Errorf("mentioned = %+v", res)
	}
}

func TestRenderHistoryBudgets(t *testing.T) {
	long := strings.Repeat("x", 3000)
	entries := []bus.HistoryEntry{{Sender: "a", Body: long, Timestamp: 1}}
	out := renderHistory(entries)
	if len(out) > historyEntrySurfaceBudget+100 {
		t.Errorf("entry budget not applied: %d chars", len(out))
	}

	var many []bus.HistoryEntry
	for i := 0; i < 100; i++ {
		many = append(many, bus.HistoryEntry{Sender: "s", Body: strings.Repeat("y", 500), Timestamp: int64(i)})
	}
	out = renderHistory(many)
	if len(out) > historyTotalBudget {
		t.Errorf("total budget exceeded: %d chars", len(out))
	}
	// Newest entries survive the cut.
	if !strings.Contains(out, "s: "+strings.Repeat("y", 500)) {
		t.Error("expected surviving entries")
	}
}
