package outbound

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/msggate/internal/bus"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := NewQueue(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestQueue_EnqueueAckLifecycle(t *testing.T) {
	q := newTestQueue(t)

	e := &Entry{Channel: "telegram", To: "42", Payloads: []bus.Payload{{Text: "hi"}}}
	if err := q.Enqueue(e); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if e.ID == "" || e.CreatedAt == 0 {
		t.Fatalf("entry not stamped: %+v", e)
	}

	entries, err := q.List()
	if err != nil || len(entries) != 1 {
		t.Fatalf("List = %v, %v", entries, err)
	}
	if entries[0].To != "42" || entries[0].Payloads[0].Text != "hi" {
		t.Errorf("roundtrip = %+v", entries[0])
	}

	q.Ack(e.ID)
	entries, _ = q.List()
	if len(entries) != 0 {
		t.Errorf("entries after ack = %d", len(entries))
	}
}

func TestQueue_TransientFailureIncrementsRetry(t *testing.T) {
	q := newTestQueue(t)
	e := &Entry{Channel: "telegram", To: "42", Payloads: []bus.Payload{{Text: "hi"}}}
	q.Enqueue(e)

	if perm := q.Fail(e.ID, "connection reset"); perm {
		t.Error("transient error classified permanent")
	}
	entries, _ := q.List()
	if len(entries) != 1 || entries[0].RetryCount != 1 || entries[0].LastError != "connection reset" {
		t.Errorf("after fail = %+v", entries)
	}
}

func TestQueue_PermanentFailureMovesToFailed(t *testing.T) {
	q := newTestQueue(t)
	e := &Entry{Channel: "telegram", To: "42", Payloads: []bus.Payload{{Text: "hi"}}}
	q.Enqueue(e)

	if perm := q.Fail(e.ID, "Forbidden: Bot was blocked by the user"); !perm {
		t.Error("blocked-bot error not classified permanent")
	}
	entries, _ := q.List()
	if len(entries) != 0 {
		t.Error("permanent entry still pending")
	}
	if _, err := os.Stat(filepath.Join(q.failedDir, e.ID+".json")); err != nil {
		t.Errorf("entry not in failed/: %v", err)
	}
}

func TestIsPermanentError(t *testing.T) {
	permanent := []string{
		"No conversation reference found",
		"telegram: chat not found",
		"user not found in guild",
		"bot was kicked from the supergroup",
		"chat_id is empty",
		"Outbound not configured for channel: smoke",
	}
	for _, msg := range permanent {
		if !IsPermanentError(msg) {
			t.Errorf("IsPermanentError(%q) = false", msg)
		}
	}
	for _, msg := range []string{"timeout", "connection refused", ""} {
		if IsPermanentError(msg) {
			t.Errorf("IsPermanentError(%q) = true", msg)
		}
	}
}

func TestRetryBackoff(t *testing.T) {
	want := []time.Duration{5 * time.Second, 25 * time.Second, 2 * time.Minute, 10 * time.Minute, 10 * time.Minute, 10 * time.Minute}
	for i, w := range want {
		if got := RetryBackoff(i); got != w {
			t.Errorf("RetryBackoff(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestQueue_RecoverSkipsExhaustedEntries(t *testing.T) {
	q := newTestQueue(t)
	q.Enqueue(&Entry{ID: "worn", Channel: "telegram", To: "1", RetryCount: MaxRetries, Payloads: []bus.Payload{{Text: "x"}}})

	stats := q.Recover(context.Background(), func(ctx context.Context, e *Entry) error {
		t.Error("exhausted entry redelivered")
		return nil
	}, time.Minute)
	if stats.Skipped != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if _, err := os.Stat(filepath.Join(q.failedDir, "worn.json")); err != nil {
		t.Errorf("exhausted entry not in failed/: %v", err)
	}
}

func TestQueue_RecoverDefersWhenBudgetTooSmall(t *testing.T) {
	q := newTestQueue(t)
	// retryCount 2 needs a 2 minute backoff; give a 1 second budget.
	q.Enqueue(&Entry{ID: "slow", Channel: "telegram", To: "1", RetryCount: 2, Payloads: []bus.Payload{{Text: "x"}}})

	stats := q.Recover(context.Background(), func(ctx context.Context, e *Entry) error {
		t.Error("deferred entry delivered")
		return nil
	}, time.Second)
	if stats.Deferred != 1 {
		t.Errorf("stats = %+v", stats)
	}
	entries, _ := q.List()
	if len(entries) != 1 {
		t.Error("deferred entry must stay pending")
	}
}

func TestQueue_RecoverDeliversAndClassifies(t *testing.T) {
	q := newTestQueue(t)
	q.Enqueue(&Entry{ID: "ok", Channel: "telegram", To: "1", Payloads: []bus.Payload{{Text: "a"}}, CreatedAt: 1})
	q.Enqueue(&Entry{ID: "perm", Channel: "telegram", To: "2", Payloads: []bus.Payload{{Text: "b"}}, CreatedAt: 2})
	q.Enqueue(&Entry{ID: "flaky", Channel: "telegram", To: "3", Payloads: []bus.Payload{{Text: "c"}}, CreatedAt: 3})

	// Shrink the first backoff step for the test.
	orig := ErrorBackoffSchedule
	ErrorBackoffSchedule = []time.Duration{time.Millisecond}
	defer func() { ErrorBackoffSchedule = orig }()

	stats := q.Recover(context.Background(), func(ctx context.Context, e *Entry) error {
		switch e.ID {
		case "perm":
			return errors.New("telegram: chat not found")
		case "flaky":
			return errors.New("timeout")
		}
		return nil
	}, time.Minute)

	if stats.Delivered != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	entries, _ := q.List()
	if len(entries) != 1 || entries[0].ID != "flaky" || entries[0].RetryCount != 1 {
		t.Errorf("pending after recovery = %+v", entries)
	}
	if _, err := os.Stat(filepath.Join(q.failedDir, "perm.json")); err != nil {
		t.Errorf("permanent entry not in failed/: %v", err)
	}
}
