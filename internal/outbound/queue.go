package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/msggate/internal/bus"
)

// MaxRetries is the per-entry delivery attempt budget.
const MaxRetries = 5

// ErrorBackoffSchedule spaces retry attempts; the last value repeats.
var ErrorBackoffSchedule = []time.Duration{
	5 * time.Second,
	25 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	10 * time.Minute,
}

// RetryBackoff returns the delay before attempt retryCount+1.
func RetryBackoff(retryCount int) time.Duration {
	if retryCount >= len(ErrorBackoffSchedule) {
		return ErrorBackoffSchedule[len(ErrorBackoffSchedule)-1]
	}
	return ErrorBackoffSchedule[retryCount]
}

// permanentErrorSubstrings mark failures no retry can fix.
var permanentErrorSubstrings = []string{
	"No conversation reference found",
	"chat not found",
	"user not found",
	"Bot was blocked",
	"bot was kicked",
	"chat_id is empty",
	"Outbound not configured for channel:",
}

// IsPermanentError classifies a delivery error message.
func IsPermanentError(msg string) bool {
	for _, s := range permanentErrorSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Mirror binds a delivery to a session for transcript mirroring and
// message:sent events.
type Mirror struct {
	AgentID    string `json:"agentId,omitempty"`
	SessionKey string `json:"sessionKey"`
}

// Entry is the durable write-ahead record of one outbound call.
type Entry struct {
	ID          string        `json:"id"`
	Channel     string        `json:"channel"`
	To          string        `json:"to"`
	AccountID   string        `json:"accountId,omitempty"`
	Payloads    []bus.Payload `json:"payloads"`
	ThreadID    string        `json:"threadId,omitempty"`
	ReplyToID   string        `json:"replyToId,omitempty"`
	BestEffort  bool          `json:"bestEffort,omitempty"`
	GifPlayback bool          `json:"gifPlayback,omitempty"`
	Silent      bool          `json:"silent,omitempty"`
	Mirror      *Mirror       `json:"mirror,omitempty"`
	RetryCount  int           `json:"retryCount"`
	LastError   string        `json:"lastError,omitempty"`
	CreatedAt   int64         `json:"createdAt"` // unix ms
}

// Queue is the on-disk delivery queue. File presence is ownership: a
// pending entry is exactly one JSON file under the queue dir; permanent
// failures move to failed/.
type Queue struct {
	dir       string
	failedDir string
	mu        sync.Mutex
	log       *slog.Logger
}

// NewQueue opens the queue under stateDir.
func NewQueue(stateDir string, log *slog.Logger) (*Queue, error) {
	if log == nil {
		log = slog.Default()
	}
	dir := filepath.Join(stateDir, "delivery-queue")
	failed := filepath.Join(dir, "failed")
	if err := os.MkdirAll(failed, 0o755); err != nil {
		return nil, fmt.Errorf("create delivery queue dirs: %w", err)
	}
	return &Queue{dir: dir, failedDir: failed, log: log}, nil
}

// Enqueue persists an entry, assigning it an id if it has none.
func (q *Queue) Enqueue(e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.write(e)
}

// Ack removes a delivered (or cancelled) entry.
func (q *Queue) Ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := os.Remove(q.path(id)); err != nil && !os.IsNotExist(err) {
		q.log.Warn("delivery queue ack failed", "id", id, "error", err)
	}
}

// Fail records a delivery failure. Permanent errors move the entry to
// failed/ immediately without consuming a retry; transient errors
// increment retryCount and keep the entry pending. Returns whether the
// entry went permanent.
func (q *Queue) Fail(id, errMsg string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.read(q.path(id))
	if err != nil {
		q.log.Warn("delivery queue fail: entry unreadable", "id", id, "error", err)
		return false
	}
	e.LastError = errMsg

	if IsPermanentError(errMsg) {
		q.moveToFailed(e)
		return true
	}

	e.RetryCount++
	if err := q.write(e); err != nil {
		q.log.Warn("delivery queue fail: rewrite", "id", id, "error", err)
	}
	return false
}

// List returns all pending entries, oldest first.
func (q *Queue) List() ([]*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, d := range names {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			continue
		}
		e, err := q.read(filepath.Join(q.dir, d.Name()))
		if err != nil {
			q.log.Warn("delivery queue: unreadable entry skipped", "file", d.Name(), "error", err)
			continue
		}
		out = append(out, e)
	}
	// Oldest first so recovery preserves send order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt < out[j-1].CreatedAt; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// RecoveryStats summarizes one crash-recovery pass.
type RecoveryStats struct {
	Delivered int
	Skipped   int
	Deferred  int
	Failed    int
}

// Recover replays pending entries after a restart. Each entry waits out
// its retry backoff before redelivery; entries whose backoff does not
// fit the remaining maxRecovery budget are deferred to the next restart.
func (q *Queue) Recover(ctx context.Context, deliver func(ctx context.Context, e *Entry) error, maxRecovery time.Duration) RecoveryStats {
	var stats RecoveryStats
	entries, err := q.List()
	if err != nil {
		q.log.Warn("delivery queue recovery scan failed", "error", err)
		return stats
	}
	deadline := time.Now().Add(maxRecovery)

	for _, e := range entries {
		if ctx.Err() != nil {
			return stats
		}
		if e.RetryCount >= MaxRetries {
			q.mu.Lock()
			q.moveToFailed(e)
			q.mu.Unlock()
			stats.Skipped++
			continue
		}

		backoff := RetryBackoff(e.RetryCount)
		if time.Now().Add(backoff).After(deadline) {
			q.log.Info("delivery queue entry deferred: backoff exceeds recovery budget",
				"id", e.ID, "retryCount", e.RetryCount, "backoff", backoff)
			stats.Deferred++
			continue
		}

		select {
		case <-ctx.Done():
			return stats
		case <-time.After(backoff):
		}

		err := deliver(ctx, e)
		switch {
		case err == nil:
			q.Ack(e.ID)
			stats.Delivered++
		case IsPermanentError(err.Error()):
			q.mu.Lock()
			e.LastError = err.Error()
			q.moveToFailed(e)
			q.mu.Unlock()
			stats.Failed++
		default:
			q.Fail(e.ID, err.Error())
		}
	}
	return stats
}

func (q *Queue) path(id string) string { return filepath.Join(q.dir, id+".json") }

func (q *Queue) write(e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(q.dir, "entry-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	return os.Rename(tmpPath, q.path(e.ID))
}

func (q *Queue) read(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// moveToFailed relocates an entry to failed/. Caller holds the lock.
func (q *Queue) moveToFailed(e *Entry) {
	data, err := json.MarshalIndent(e, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(q.failedDir, e.ID+".json"), data, 0o644)
	}
	if err != nil {
		q.log.Warn("delivery queue: move to failed", "id", e.ID, "error", err)
		return
	}
	os.Remove(q.path(e.ID))
	q.log.Warn("delivery entry failed permanently", "id", e.ID, "channel", e.Channel, "to", e.To, "error", e.LastError)
}
