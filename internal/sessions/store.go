package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// staleRunningThreshold is the age past which a runningAtMs marker left
// by a crashed process is cleared on store open.
const staleRunningThreshold = 2 * time.Hour

// SessionEntry is the persistent per-(agent, session-key) record.
// UpdatedAt is monotonically non-decreasing per entry. SessionFile, when
// set, names an append-only transcript log exclusively owned by the entry.
type SessionEntry struct {
	SessionID   string `json:"sessionId"`
	SessionFile string `json:"sessionFile,omitempty"`
	UpdatedAt   int64  `json:"updatedAt"` // unix ms

	LastChannel   string `json:"lastChannel,omitempty"`
	LastAccountID string `json:"lastAccountId,omitempty"`
	LastTo        string `json:"lastTo,omitempty"`
	LastProvider  string `json:"lastProvider,omitempty"`

	LastHeartbeatText   string `json:"lastHeartbeatText,omitempty"`
	LastHeartbeatSentAt int64  `json:"lastHeartbeatSentAt,omitempty"` // unix ms

	RunningAtMs int64 `json:"runningAtMs,omitempty"`

	DeliveryContext map[string]string `json:"deliveryContext,omitempty"`
}

// transcriptRecord is one line of the append-only transcript mirror.
type transcriptRecord struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Store persists sessionKey → SessionEntry maps on disk, one JSON file
// per resolved store path. All read-modify-write cycles on a path are
// serialized through a per-path mutex; writes are atomic (temp+rename).
type Store struct {
	template string // path template, may contain {agentId}

	mu     sync.Mutex
	locks  map[string]*sync.Mutex // resolved path → writer lock
	opened map[string]bool        // paths that had stale markers cleared
}

// NewStore creates a session store over a path template. The template
// may contain "{agentId}" which is substituted per agent.
func NewStore(template string) *Store {
	return &Store{
		template: template,
		locks:    make(map[string]*sync.Mutex),
		opened:   make(map[string]bool),
	}
}

// ResolveStorePath expands {agentId} in a template. An empty agentID
// resolves to "default".
func ResolveStorePath(templateOrPath, agentID string) string {
	if agentID == "" {
		agentID = "default"
	}
	return strings.ReplaceAll(templateOrPath, "{agentId}", agentID)
}

// pathLock returns the writer mutex for a resolved path.
func (s *Store) pathLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// Get returns the entry for a session key, or nil if absent.
func (s *Store) Get(agentID, sessionKey string) (*SessionEntry, error) {
	path := ResolveStorePath(s.template, agentID)
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	entries, err := s.load(path)
	if err != nil {
		return nil, err
	}
	e, ok := entries[sessionKey]
	if !ok {
		return nil, nil
	}
	cp := e
	return &cp, nil
}

// Upsert applies mutate to the entry under the store lock and persists
// atomically. A missing entry is created with a fresh SessionID.
// UpdatedAt never moves backwards.
func (s *Store) Upsert(agentID, sessionKey string, mutate func(*SessionEntry)) (*SessionEntry, error) {
	path := ResolveStorePath(s.template, agentID)
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	entries, err := s.load(path)
	if err != nil {
		return nil, err
	}

	entry, ok := entries[sessionKey]
	if !ok {
		entry = SessionEntry{SessionID: newSessionID()}
	}
	prevUpdated := entry.UpdatedAt

	mutate(&entry)

	now := time.Now().UnixMilli()
	if now > prevUpdated {
		entry.UpdatedAt = now
	} else {
		entry.UpdatedAt = prevUpdated
	}

	entries[sessionKey] = entry
	if err := s.save(path, entries); err != nil {
		return nil, err
	}
	cp := entry
	return &cp, nil
}

// ReadUpdatedAt returns the UpdatedAt of a key in an arbitrary store
// path without holding the template's agent mapping.
func (s *Store) ReadUpdatedAt(storePath, sessionKey string) (int64, error) {
	lock := s.pathLock(storePath)
	lock.Lock()
	defer lock.Unlock()

	entries, err := s.load(storePath)
	if err != nil {
		return 0, err
	}
	return entries[sessionKey].UpdatedAt, nil
}

// List returns all entries of an agent's store keyed by session key.
func (s *Store) List(agentID string) (map[string]SessionEntry, error) {
	path := ResolveStorePath(s.template, agentID)
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()
	return s.load(path)
}

// AppendTranscript appends an assistant record to the session-bound
// transcript log. Best effort: failures are logged and never block
// delivery. The transcript file is created next to the store under
// transcripts/ when the entry has no SessionFile yet.
func (s *Store) AppendTranscript(agentID, sessionKey, text string) {
	entry, err := s.Upsert(agentID, sessionKey, func(e *SessionEntry) {
		if e.SessionFile == "" {
			dir := filepath.Join(filepath.Dir(ResolveStorePath(s.template, agentID)), "transcripts")
			e.SessionFile = filepath.Join(dir, sanitizeKey(sessionKey)+".jsonl")
		}
	})
	if err != nil {
		slog.Warn("transcript append skipped: store error", "session", sessionKey, "error", err)
		return
	}

	rec := transcriptRecord{Role: "assistant", Text: text, Timestamp: time.Now().UnixMilli()}
	line, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("transcript append skipped: marshal", "session", sessionKey, "error", err)
		return
	}

	// Transcript append is serialized per session via the store path lock.
	path := ResolveStorePath(s.template, agentID)
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(entry.SessionFile), 0o755); err != nil {
		slog.Warn("transcript append failed", "session", sessionKey, "error", err)
		return
	}
	f, err := os.OpenFile(entry.SessionFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("transcript append failed", "session", sessionKey, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("transcript append failed", "session", sessionKey, "error", err)
	}
}

// load reads a store file, clearing stale running markers on first open.
func (s *Store) load(path string) (map[string]SessionEntry, error) {
	entries := make(map[string]SessionEntry)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, fmt.Errorf("read session store: %w", err)
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse session store %s: %w", path, err)
	}

	s.mu.Lock()
	firstOpen := !s.opened[path]
	s.opened[path] = true
	s.mu.Unlock()

	if firstOpen {
		cutoff := time.Now().Add(-staleRunningThreshold).UnixMilli()
		cleared := 0
		for key, e := range entries {
			if e.RunningAtMs != 0 && e.RunningAtMs < cutoff {
				e.RunningAtMs = 0
				entries[key] = e
				cleared++
			}
		}
		if cleared > 0 {
			slog.Warn("cleared stale session running markers", "store", path, "count", cleared)
			if err := s.save(path, entries); err != nil {
				return nil, err
			}
		}
	}

	return entries, nil
}

// save writes the store atomically: temp file in the same directory,
// fsync, rename.
func (s *Store) save(path string, entries map[string]SessionEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "sessions-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func sanitizeKey(key string) string {
	return strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(key)
}

func newSessionID() string {
	return uuid.NewString()
}
