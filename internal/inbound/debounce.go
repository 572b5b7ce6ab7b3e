// Package inbound implements the provider-independent half of the
// inbound pipeline: debounce/coalesce, access evaluation, enrichment and
// the history backfill state machine.
package inbound

import (
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/msggate/internal/access"
	"github.com/nextlevelbuilder/msggate/internal/bus"
)

// DefaultDebounceWindow groups webhook events arriving close together.
const DefaultDebounceWindow = 500 * time.Millisecond

// Debouncer coalesces rapid-fire webhook events under a stable key
// before they reach processing. fromMe messages and control commands
// bypass the window. Safe for concurrent use.
type Debouncer struct {
	window time.Duration
	flush  func(bus.Message)

	mu      sync.Mutex
	pending map[string]*pendingGroup
	stopped bool
}

type pendingGroup struct {
	msgs  []bus.Message
	timer *time.Timer
}

// NewDebouncer creates a debouncer delivering merged messages to flush.
func NewDebouncer(window time.Duration, flush func(bus.Message)) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Debouncer{window: window, flush: flush, pending: make(map[string]*pendingGroup)}
}

// DebounceKey derives the coalescing key: balloon bundle plus associated
// message GUID when present, else the message id, else (chat, sender).
func DebounceKey(msg *bus.Message) string {
	if msg.BalloonBundleID != "" || msg.AssociatedMessageGUID != "" {
		return "b|" + msg.BalloonBundleID + "|" + msg.AssociatedMessageGUID
	}
	if msg.MessageID != "" {
		return "m|" + msg.MessageID
	}
	return "c|" + msg.ChatKey() + "|" + msg.SenderID
}

// Offer submits a message. Bypass cases flush immediately on the caller's
// goroutine; everything else waits out the window and flushes merged.
func (d *Debouncer) Offer(msg bus.Message) {
	if msg.FromMe || access.HasControlCommand(msg.Text) {
		d.flush(msg)
		return
	}

	key := DebounceKey(&msg)

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.flush(msg)
		return
	}
	g, ok := d.pending[key]
	if !ok {
		g = &pendingGroup{}
		d.pending[key] = g
	}
	g.msgs = append(g.msgs, msg)
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(d.window, func() { d.fire(key) })
	d.mu.Unlock()
}

func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	g, ok := d.pending[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	d.flush(mergeMessages(g.msgs))
}

// Stop flushes everything still pending and rejects the window for
// subsequent offers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	groups := d.pending
	d.pending = make(map[string]*pendingGroup)
	d.mu.Unlock()

	for _, g := range groups {
		if g.timer != nil {
			g.timer.Stop()
		}
		d.flush(mergeMessages(g.msgs))
	}
}

// mergeMessages combines coalesced events: non-duplicate texts joined in
// arrival order, attachments unioned, latest timestamp kept, reply
// context taken from whichever entry carries it, balloon bundle cleared.
func mergeMessages(msgs []bus.Message) bus.Message {
	if len(msgs) == 1 {
		m := msgs[0]
		m.BalloonBundleID = ""
		return m
	}

	out := msgs[0]
	var texts []string
	seenText := make(map[string]bool)
	seenAttach := make(map[string]bool)
	out.Attachments = nil

	for _, m := range msgs {
		if t := strings.TrimSpace(m.Text); t != "" && !seenText[t] {
			seenText[t] = true
			texts = append(texts, t)
		}
		for _, a := range m.Attachments {
			id := a.URL + "|" + a.Name
			if !seenAttach[id] {
				seenAttach[id] = true
				out.Attachments = append(out.Attachments, a)
			}
		}
		if m.Timestamp > out.Timestamp {
			out.Timestamp = m.Timestamp
		}
		if out.ReplyToID == "" && m.ReplyToID != "" {
			out.ReplyToID = m.ReplyToID
			out.ReplyToBody = m.ReplyToBody
			out.ReplyToSender = m.ReplyToSender
		}
	}

	out.Text = strings.Join(texts, "\n")
	out.BalloonBundleID = ""
	return out
}
