// Package replycache maintains the short-id ↔ provider-UUID bijection
// used to keep message references cheap in agent prompts and reply tags.
package replycache

import (
	"container/list"
	"strconv"
	"strings"
	"sync"
)

const (
	// DefaultCapacity bounds the live cache across all accounts.
	DefaultCapacity = 4000
	// shortIDMax wraps the short-id counter well before it stops being
	// "short". Evicted ids become reusable only after a full wrap, which
	// is the quiescence window.
	shortIDMax = 100000
)

// Entry is one cached message reference.
type Entry struct {
	ShortID        int
	UUID           string
	AccountID      string
	ChatGUID       string
	ChatIdentifier string
	ChatID         string
	SenderLabel    string
	Body           string
	Timestamp      int64
}

func (e *Entry) chatKey() string {
	if e.ChatGUID != "" {
		return e.ChatGUID
	}
	if e.ChatIdentifier != "" {
		return e.ChatIdentifier
	}
	return e.ChatID
}

// RememberParams are the inputs of Remember.
type RememberParams struct {
	AccountID      string
	MessageID      string
	ChatGUID       string
	ChatIdentifier string
	ChatID         string
	SenderLabel    string
	Body           string
	Timestamp      int64
}

// ReplyContext is the resolved reply reference surfaced to the agent.
type ReplyContext struct {
	ShortID     int
	UUID        string
	Body        string
	SenderLabel string
}

// Cache is a bounded LRU of message references. Short ids are unique
// across the live cache; (accountID, uuid) maps to at most one entry.
// Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	cap     int
	ll      *list.List               // front = most recent
	byKey   map[string]*list.Element // accountID+"\x00"+uuid
	byUUID  map[string]*list.Element // uuid (any account)
	byShort map[int]*list.Element
	nextID  int
}

// New creates a cache bounded to capacity entries (DefaultCapacity if <= 0).
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		cap:     capacity,
		ll:      list.New(),
		byKey:   make(map[string]*list.Element),
		byUUID:  make(map[string]*list.Element),
		byShort: make(map[int]*list.Element),
	}
}

func key(accountID, uuid string) string { return accountID + "\x00" + uuid }

// Remember stores a message reference and returns its short id.
// Idempotent by (accountID, messageID): a repeat call refreshes recency
// and returns the existing id.
func (c *Cache) Remember(p RememberParams) int {
	if p.MessageID == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.byKey[key(p.AccountID, p.MessageID)]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*Entry).ShortID
	}

	c.nextID++
	if c.nextID > shortIDMax {
		c.nextID = 1
	}
	// Skip ids still held by live entries after a wrap.
	for {
		if _, taken := c.byShort[c.nextID]; !taken {
			break
		}
		c.nextID++
		if c.nextID > shortIDMax {
			c.nextID = 1
		}
	}

	e := &Entry{
		ShortID:        c.nextID,
		UUID:           p.MessageID,
		AccountID:      p.AccountID,
		ChatGUID:       p.ChatGUID,
		ChatIdentifier: p.ChatIdentifier,
		ChatID:         p.ChatID,
		SenderLabel:    p.SenderLabel,
		Body:           p.Body,
		Timestamp:      p.Timestamp,
	}
	el := c.ll.PushFront(e)
	c.byKey[key(e.AccountID, e.UUID)] = el
	c.byUUID[e.UUID] = el
	c.byShort[e.ShortID] = el

	for c.ll.Len() > c.cap {
		c.evictOldest()
	}
	return e.ShortID
}

func (c *Cache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	e := el.Value.(*Entry)
	c.ll.Remove(el)
	delete(c.byKey, key(e.AccountID, e.UUID))
	if cur, ok := c.byUUID[e.UUID]; ok && cur == el {
		delete(c.byUUID, e.UUID)
	}
	delete(c.byShort, e.ShortID)
}

// ShortIDForUUID returns the short id string for a provider UUID from
// any account, or "" when unknown.
func (c *Cache) ShortIDForUUID(uuid string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.byUUID[uuid]; ok {
		return strconv.Itoa(el.Value.(*Entry).ShortID)
	}
	return ""
}

// ResolveReplyContext resolves a reply reference: by UUID first, then by
// the most recent entry of the same (accountID, chat). Returns nil when
// nothing matches.
func (c *Cache) ResolveReplyContext(accountID, replyToID, chatGUID, chatIdentifier, chatID string) *ReplyContext {
	c.mu.Lock()
	defer c.mu.Unlock()

	if replyToID != "" {
		if el, ok := c.byKey[key(accountID, replyToID)]; ok {
			return contextOf(el.Value.(*Entry))
		}
		if el, ok := c.byUUID[replyToID]; ok {
			return contextOf(el.Value.(*Entry))
		}
	}

	want := chatGUID
	if want == "" {
		want = chatIdentifier
	}
	if want == "" {
		want = chatID
	}
	if want == "" {
		return nil
	}
	for el := c.ll.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if e.AccountID == accountID && e.chatKey() == want {
			return contextOf(e)
		}
	}
	return nil
}

func contextOf(e *Entry) *ReplyContext {
	return &ReplyContext{ShortID: e.ShortID, UUID: e.UUID, Body: e.Body, SenderLabel: e.SenderLabel}
}

// ResolveMessageID rehydrates a short-id or UUID-like token to the
// provider UUID. Short ids may be spelled "12", "#12" or "[12]". An
// unknown short id returns "" when requireKnownShortID is set, otherwise
// the input is passed through unchanged (it is assumed to be a UUID).
func (c *Cache) ResolveMessageID(input string, requireKnownShortID bool) string {
	token := strings.TrimSpace(input)
	token = strings.TrimPrefix(token, "#")
	token = strings.TrimPrefix(token, "[")
	token = strings.TrimSuffix(token, "]")
	if token == "" {
		return ""
	}

	if n, err := strconv.Atoi(token); err == nil && n > 0 && n <= shortIDMax {
		c.mu.Lock()
		defer c.mu.Unlock()
		if el, ok := c.byShort[n]; ok {
			return el.Value.(*Entry).UUID
		}
		if requireKnownShortID {
			return ""
		}
		return input
	}
	return token
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
