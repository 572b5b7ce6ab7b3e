package inbound

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nextlevelbuilder/msggate/internal/bus"
)

const (
	backfillBaseDelay   = 5 * time.Second
	backfillMaxDelay    = 2 * time.Minute
	backfillMaxAttempts = 6
	backfillCutoff      = 30 * time.Minute
	// DefaultHistoryLimit bounds the merged history per conversation.
	DefaultHistoryLimit = 50
)

// BackfillState is the lifecycle of one (account, conversation) backfill.
type BackfillState int

const (
	BackfillUnseen BackfillState = iota
	BackfillInProgress
	BackfillResolved
)

// HistoryFetcher pulls conversation history from the provider API.
type HistoryFetcher func(ctx context.Context, accountID, historyID string) ([]bus.HistoryEntry, error)

type backfillEntry struct {
	state          BackfillState
	attempts       int
	firstAttemptAt time.Time
	nextAttemptAt  time.Time
	observed       []bus.HistoryEntry
}

// Backfill opportunistically reconstructs conversation history for chats
// the gateway joined mid-stream. Attempts are driven by pipeline ticks,
// never by a timer of its own. Safe for concurrent use.
type Backfill struct {
	fetch HistoryFetcher
	limit int
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*backfillEntry
}

// NewBackfill creates a backfill tracker. fetch may be nil, in which
// case only locally observed entries are served.
func NewBackfill(fetch HistoryFetcher, historyLimit int) *Backfill {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Backfill{
		fetch:   fetch,
		limit:   historyLimit,
		now:     time.Now,
		entries: make(map[string]*backfillEntry),
	}
}

func backfillKey(accountID, historyID string) string { return accountID + "\x00" + historyID }

func (b *Backfill) entry(accountID, historyID string) *backfillEntry {
	key := backfillKey(accountID, historyID)
	e, ok := b.entries[key]
	if !ok {
		e = &backfillEntry{}
		b.entries[key] = e
	}
	return e
}

// Observe records a locally seen message so it survives the merge even
// when the provider API never returns it.
func (b *Backfill) Observe(accountID, historyID string, entry bus.HistoryEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(accountID, historyID)
	e.observed = append(e.observed, entry)
	if len(e.observed) > b.limit {
		e.observed = e.observed[len(e.observed)-b.limit:]
	}
}

// Tick advances the state machine for one conversation. When an attempt
// is due it fetches, merges and possibly resolves; otherwise it is a
// cheap no-op. Returns the current snapshot.
func (b *Backfill) Tick(ctx context.Context, accountID, historyID string) []bus.HistoryEntry {
	b.mu.Lock()
	e := b.entry(accountID, historyID)
	now := b.now()

	switch e.state {
	case BackfillResolved:
		snap := snapshot(e.observed)
		b.mu.Unlock()
		return snap
	case BackfillUnseen:
		if b.fetch == nil {
			e.state = BackfillResolved
			snap := snapshot(e.observed)
			b.mu.Unlock()
			return snap
		}
		e.state = BackfillInProgress
		e.firstAttemptAt = now
		e.nextAttemptAt = now
	case BackfillInProgress:
		if now.Before(e.nextAttemptAt) {
			snap := snapshot(e.observed)
			b.mu.Unlock()
			return snap
		}
	}

	// Attempt budget and cutoff turn the entry terminal.
	if e.attempts >= backfillMaxAttempts || now.Sub(e.firstAttemptAt) > backfillCutoff {
		e.state = BackfillResolved
		slog.Debug("history backfill abandoned", "account", accountID, "conversation", historyID, "attempts", e.attempts)
		snap := snapshot(e.observed)
		b.mu.Unlock()
		return snap
	}

	e.attempts++
	delay := backfillBaseDelay << (e.attempts - 1)
	if delay > backfillMaxDelay {
		delay = backfillMaxDelay
	}
	e.nextAttemptAt = now.Add(delay)
	observed := snapshot(e.observed)
	b.mu.Unlock()

	fetched, err := b.fetch(ctx, accountID, historyID)
	if err != nil {
		slog.Debug("history backfill fetch failed", "account", accountID, "conversation", historyID, "error", err)
		return observed
	}

	merged := mergeHistory(fetched, observed, b.limit)

	b.mu.Lock()
	e = b.entry(accountID, historyID)
	e.observed = merged
	e.state = BackfillResolved
	b.mu.Unlock()
	return snapshot(merged)
}

// State reports the machine state for a conversation.
func (b *Backfill) State(accountID, historyID string) BackfillState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[backfillKey(accountID, historyID)]; ok {
		return e.state
	}
	return BackfillUnseen
}

func snapshot(entries []bus.HistoryEntry) []bus.HistoryEntry {
	out := make([]bus.HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

// mergeHistory merges API entries with local observations, dedups by
// message id (falling back to sender+body+timestamp) and truncates to
// the most recent limit entries.
func mergeHistory(fetched, observed []bus.HistoryEntry, limit int) []bus.HistoryEntry {
	seen := make(map[string]bool)
	var out []bus.HistoryEntry
	for _, e := range append(fetched, observed...) {
		key := e.MessageID
		if key == "" {
			key = e.Sender + "\x00" + e.Body + "\x00" + strconv.FormatInt(e.Timestamp, 10)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}

	// Oldest first, newest kept when truncating.
	sortHistory(out)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func sortHistory(entries []bus.HistoryEntry) {
	// Insertion sort keeps already-ordered inputs cheap; history slices
	// are small by construction.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Timestamp < entries[j-1].Timestamp; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

