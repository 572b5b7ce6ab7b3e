package inbound

import (
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/msggate/internal/bus"
)

const (
	// historyEntryStoreBudget caps what a single history entry may hold.
	historyEntryStoreBudget = 2000
	// historyEntrySurfaceBudget caps what one entry contributes to the
	// rendered snapshot.
	historyEntrySurfaceBudget = 1200
	// historyTotalBudget caps the rendered snapshot as a whole.
	historyTotalBudget = 12000
)

// Envelope is the canonical inbound context handed to the agent turn.
// Short ids appear in ReplyToID/MessageSid; the Full variants carry the
// provider UUIDs for components that need them back.
type Envelope struct {
	From      string
	Timestamp int64
	Body      string

	ReplyToID     string
	ReplyToIDFull string

	MessageSid     string
	MessageSidFull string

	WasMentioned      bool
	CommandAuthorized bool

	OriginatingChannel string
	OriginatingTo      string

	History []bus.HistoryEntry
}

// Format renders the envelope as the agent-visible text block.
func (e *Envelope) Format() string {
	var b strings.Builder

	if h := renderHistory(e.History); h != "" {
		b.WriteString("[Recent messages]\n")
		b.WriteString(h)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "From: %s\n", e.From)
	if e.Timestamp > 0 {
		fmt.Fprintf(&b, "Timestamp: %s\n", time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339))
	}
	if e.ReplyToID != "" {
		fmt.Fprintf(&b, "ReplyTo: [%s]\n", e.ReplyToID)
	}
	if e.MessageSid != "" {
		fmt.Fprintf(&b, "MessageSid: [%s]\n", e.MessageSid)
	}
	fmt.Fprintf(&b, "Body: %s", e.Body)

	return b.String()
}

// renderHistory walks entries newest-first against the total budget and
// emits them oldest-first.
func renderHistory(entries []bus.HistoryEntry) string {
	if len(entries) == 0 {
		return ""
	}

	var lines []string
	total := 0
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		body := truncate(e.Body, historyEntrySurfaceBudget)
		line := fmt.Sprintf("%s: %s", e.Sender, body)
		if total+len(line) > historyTotalBudget {
			break
		}
		total += len(line)
		lines = append(lines, line)
	}

	// Reverse back to chronological order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

// ClampHistoryEntry enforces the per-entry storage budget at observe time.
func ClampHistoryEntry(e bus.HistoryEntry) bus.HistoryEntry {
	e.Body = truncate(e.Body, historyEntryStoreBudget)
	return e
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Cut on a rune boundary.
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
