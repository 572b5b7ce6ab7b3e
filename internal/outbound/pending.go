package outbound

import (
	"strings"
	"sync"
	"time"
)

// PendingTTL is how long a pending-outbound marker waits for its
// provider echo before expiring.
const PendingTTL = 2 * time.Minute

// snippetMax bounds the normalized snippet used as the dedup key.
const snippetMax = 120

// PendingTable suppresses duplicate processing of provider echoes: each
// send registers a marker keyed by account, target/chat ids and a
// normalized text snippet; the matching fromMe webhook consumes it.
// Entries are consume-once. Safe for concurrent use.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
	now     func() time.Time
}

type pendingEntry struct {
	queueID   string
	expiresAt time.Time
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[string]pendingEntry), now: time.Now}
}

// NormalizeSnippet folds text for echo matching: whitespace collapsed,
// lowercased, truncated.
func NormalizeSnippet(text string) string {
	folded := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if len(folded) > snippetMax {
		folded = folded[:snippetMax]
	}
	return folded
}

func pendingKeys(accountID, target string, chatIDs []string, text string) []string {
	snippet := NormalizeSnippet(text)
	if snippet == "" {
		return nil
	}
	seen := map[string]bool{}
	var keys []string
	for _, id := range append([]string{target}, chatIDs...) {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		keys = append(keys, accountID+"\x00"+id+"\x00"+snippet)
	}
	return keys
}

// Remember registers a marker for an outgoing send owned by queueID.
func (t *PendingTable) Remember(accountID, target string, chatIDs []string, text, queueID string) {
	keys := pendingKeys(accountID, target, chatIDs, text)
	if len(keys) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()
	exp := t.now().Add(PendingTTL)
	for _, k := range keys {
		t.entries[k] = pendingEntry{queueID: queueID, expiresAt: exp}
	}
}

// Consume matches a fromMe echo against the table. On a hit, every key
// belonging to the same send is removed and the queue id is returned.
func (t *PendingTable) Consume(accountID, target string, chatIDs []string, text string) (string, bool) {
	keys := pendingKeys(accountID, target, chatIDs, text)
	if len(keys) == 0 {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()

	for _, k := range keys {
		e, ok := t.entries[k]
		if !ok {
			continue
		}
		for other, oe := range t.entries {
			if oe.queueID == e.queueID {
				delete(t.entries, other)
			}
		}
		return e.queueID, true
	}
	return "", false
}

// Forget drops the markers of a failed send.
func (t *PendingTable) Forget(accountID, target string, chatIDs []string, text string) {
	keys := pendingKeys(accountID, target, chatIDs, text)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		delete(t.entries, k)
	}
}

// Len reports live (unexpired) markers.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()
	return len(t.entries)
}

// prune removes expired entries. Caller holds the lock.
func (t *PendingTable) prune() {
	now := t.now()
	for k, e := range t.entries {
		if now.After(e.expiresAt) {
			delete(t.entries, k)
		}
	}
}
