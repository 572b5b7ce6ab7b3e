package inbound

import (
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/msggate/internal/bus"
)

type flushCollector struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (c *flushCollector) flush(m bus.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *flushCollector) wait(t *testing.T, n int) []bus.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]bus.Message(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d flushes", n)
	return nil
}

func TestDebouncer_CoalescesWithinWindow(t *testing.T) {
	c := &flushCollector{}
	d := NewDebouncer(30*time.Millisecond, c.flush)

	base := bus.Message{ChatGUID: "chat1", SenderID: "alice", Timestamp: 100}
	m1 := base
	m1.Text = "part one"
	m2 := base
	m2.Text = "part two"
	m2.Timestamp = 200
	m2.Attachments = []bus.Attachment{{URL: "http://x/a.png"}}
	m3 := base
	m3.Text = "part one" // duplicate text must not repeat

	d.Offer(m1)
	d.Offer(m2)
	d.Offer(m3)

	msgs := c.wait(t, 1)
	if len(msgs) != 1 {
		t.Fatalf("flushes = %d, want 1", len(msgs))
	}
	got := msgs[0]
	if got.Text != "part one\npart two" {
		t.Errorf("merged text = %q", got.Text)
	}
	if got.Timestamp != 200 {
		t.Errorf("merged timestamp = %d, want latest", got.Timestamp)
	}
	if len(got.Attachments) != 1 {
		t.Errorf("attachments = %d, want 1", len(got.Attachments))
	}
}

func TestDebouncer_FromMeAndCommandsBypass(t *testing.T) {
	c := &flushCollector{}
	d := NewDebouncer(time.Hour, c.flush) // window long enough to prove bypass

	d.Offer(bus.Message{MessageID: "m1", FromMe: true, Text: "echo"})
	d.Offer(bus.Message{MessageID: "m2", Text: "/stop"})

	msgs := c.wait(t, 2)
	if len(msgs) != 2 {
		t.Fatalf("flushes = %d, want 2", len(msgs))
	}
}

func TestDebouncer_KeyPrecedence(t *testing.T) {
	balloon := bus.Message{BalloonBundleID: "b1", MessageID: "m1", ChatGUID: "c", SenderID: "s"}
	byID := bus.Message{MessageID: "m1", ChatGUID: "c", SenderID: "s"}
	byChat := bus.Message{ChatGUID: "c", SenderID: "s"}

	if DebounceKey(&balloon) == DebounceKey(&byID) {
		t.Error("balloon key must dominate message id")
	}
	if DebounceKey(&byID) == DebounceKey(&byChat) {
		t.Error("message id key must dominate chat key")
	}
	other := byChat
	other.SenderID = "t"
	if DebounceKey(&byChat) == DebounceKey(&other) {
		t.Error("chat key must include the sender")
	}
}

func TestDebouncer_ReplyContextPreservedAndBalloonCleared(t *testing.T) {
	c := &flushCollector{}
	d := NewDebouncer(20*time.Millisecond, c.flush)

	m1 := bus.Message{BalloonBundleID: "b1", AssociatedMessageGUID: "g1", ChatGUID: "c", SenderID: "s", Text: "a"}
	m2 := m1
	m2.Text = "b"
	m2.ReplyToID = "orig-123"
	m2.ReplyToBody = "original"

	d.Offer(m1)
	d.Offer(m2)

	got := c.wait(t, 1)[0]
	if got.ReplyToID != "orig-123" || got.ReplyToBody != "original" {
		t.Errorf("reply context lost: %+v", got)
	}
	if got.BalloonBundleID != "" {
		t.Error("balloon bundle id must be cleared on flush")
	}
}

func TestDebouncer_StopFlushesPending(t *testing.T) {
	c := &flushCollector{}
	d := NewDebouncer(time.Hour, c.flush)

	d.Offer(bus.Message{ChatGUID: "c", SenderID: "s", Text: "pending"})
	d.Stop()

	msgs := c.wait(t, 1)
	if msgs[0].Text != "pending" {
		t.Errorf("flushed = %+v", msgs[0])
	}
}
