package inbound

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/msggate/internal/bus"
)

func TestBackfill_FetchMergesAndResolves(t *testing.T) {
	fetched := []bus.HistoryEntry{
		{MessageID: "m1", Sender: "alice", Body: "hello", Timestamp: 100},
		{MessageID: "m2", Sender: "bob", Body: "hi", Timestamp: 200},
	}
	b := NewBackfill(func(ctx context.Context, accountID, historyID string) ([]bus.HistoryEntry, error) {
		return fetched, nil
	}, 10)

	// Locally observed duplicate of m2 plus a message the API missed.
	b.Observe("acct", "chat1", bus.HistoryEntry{MessageID: "m2", Sender: "bob", Body: "hi", Timestamp: 200})
	b.Observe("acct", "chat1", bus.HistoryEntry{MessageID: "m3", Sender: "carol", Body: "late", Timestamp: 300})

	got := b.Tick(context.Background(), "acct", "chat1")
	if len(got) != 3 {
		t.Fatalf("merged entries = %d, want 3: %+v", len(got), got)
	}
	if got[0].MessageID != "m1" || got[2].MessageID != "m3" {
		t.Errorf("order = %+v", got)
	}
	if b.State("acct", "chat1") != BackfillResolved {
		t.Error("fetch success must resolve the entry")
	}

	// Resolved entries never fetch again.
	again := b.Tick(context.Background(), "acct", "chat1")
	if len(again) != 3 {
		t.Errorf("resolved snapshot = %d entries", len(again))
	}
}

func TestBackfill_FailureBacksOff(t *testing.T) {
	calls := 0
	b := NewBackfill(func(ctx context.Context, accountID, historyID string) ([]bus.HistoryEntry, error) {
		calls++
		return nil, errors.New("api down")
	}, 10)

	b.Tick(context.Background(), "acct", "chat1")
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if b.State("acct", "chat1") != BackfillInProgress {
		t.Error("failed fetch should stay in progress")
	}

	// Next tick lands before the backoff deadline and must not fetch.
	b.Tick(context.Background(), "acct", "chat1")
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (backoff not honored)", calls)
	}
}

func TestBackfill_AttemptBudgetResolves(t *testing.T) {
	calls := 0
	b := NewBackfill(func(ctx context.Context, accountID, historyID string) ([]bus.HistoryEntry, error) {
		calls++
		return nil, errors.New("api down")
	}, 10)
	now := time.Now()
	b.now = func() time.Time {
		// Each observation jumps far enough ahead that every attempt is due.
		now = now.Add(3 * time.Minute)
		return now
	}

	for i := 0; i < 12; i++ {
		b.Tick(context.Background(), "acct", "chat1")
	}
	if b.State("acct", "chat1") != BackfillResolved {
		t.Error("exhausted attempts must resolve the entry")
	}
	if calls > backfillMaxAttempts {
		t.Errorf("calls = %d, budget is %d", calls, backfillMaxAttempts)
	}
}

func TestBackfill_NoFetcherServesObserved(t *testing.T) {
	b := NewBackfill(nil, 2)
	b.Observe("acct", "c", bus.HistoryEntry{MessageID: "1", Timestamp: 1})
	b.Observe("acct", "c", bus.HistoryEntry{MessageID: "2", Timestamp: 2})
	b.Observe("acct", "c", bus.HistoryEntry{MessageID: "3", Timestamp: 3})

	got := b.Tick(context.Background(), "acct", "c")
	if len(got) != 2 {
		t.Fatalf("limit not applied: %d entries", len(got))
	}
	if got[0].MessageID != "2" || got[1].MessageID != "3" {
		t.Errorf("kept = %+v, want the most recent", got)
	}
}

func TestMergeHistory_DedupWithoutMessageID(t *testing.T) {
	a := bus.HistoryEntry{Sender: "s", Body: "same", Timestamp: 5}
	merged := mergeHistory([]bus.HistoryEntry{a}, []bus.HistoryEntry{a}, 10)
	if len(merged) != 1 {
		t.Errorf("merged = %d entries, want 1", len(merged))
	}
}
