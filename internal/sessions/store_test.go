package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(filepath.Join(dir, "{agentId}", "sessions.json"))
}

func TestStore_UpsertAndGet(t *testing.T) {
	s := newTestStore(t)

	entry, err := s.Upsert("default", "agent:default:main", func(e *SessionEntry) {
		e.LastChannel = "telegram"
		e.LastTo = "42"
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if entry.SessionID == "" {
		t.Error("expected a generated SessionID")
	}
	if entry.UpdatedAt == 0 {
		t.Error("expected UpdatedAt to be set")
	}

	got, err := s.Get("default", "agent:default:main")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.LastChannel != "telegram" || got.LastTo != "42" {
		t.Errorf("Get = %+v", got)
	}

	missing, err := s.Get("default", "agent:default:other")
	if err != nil {
		t.Fatalf("Get missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing key, got %+v", missing)
	}
}

func TestStore_UpdatedAtMonotonic(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Upsert("default", "k", func(e *SessionEntry) {})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// A mutator that tries to move UpdatedAt backwards is overruled.
	second, err := s.Upsert("default", "k", func(e *SessionEntry) {
		e.UpdatedAt = 1
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if second.UpdatedAt < first.UpdatedAt {
		t.Errorf("UpdatedAt went backwards: %d < %d", second.UpdatedAt, first.UpdatedAt)
	}
}

func TestStore_AgentPathTemplating(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "{agentId}", "sessions.json"))

	if _, err := s.Upsert("alpha", "k", func(e *SessionEntry) {}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "alpha", "sessions.json")); err != nil {
		t.Errorf("expected per-agent store file: %v", err)
	}

	// A different agent writes to a different file.
	if _, err := s.Upsert("beta", "k", func(e *SessionEntry) { e.LastChannel = "x" }); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, _ := s.Get("alpha", "k")
	if got.LastChannel != "" {
		t.Error("agent stores leaked into each other")
	}
}

func TestStore_StaleRunningMarkerCleared(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	stale := map[string]SessionEntry{
		"old": {SessionID: "s1", UpdatedAt: 10, RunningAtMs: time.Now().Add(-3 * time.Hour).UnixMilli()},
		"new": {SessionID: "s2", UpdatedAt: 10, RunningAtMs: time.Now().UnixMilli()},
	}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path)
	entries, err := s.List("default")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if entries["old"].RunningAtMs != 0 {
		t.Error("stale running marker not cleared")
	}
	if entries["new"].RunningAtMs == 0 {
		t.Error("fresh running marker must survive")
	}
}

func TestStore_AppendTranscript(t *testing.T) {
	s := newTestStore(t)
	key := "agent:default:telegram:direct:42"

	s.AppendTranscript("default", key, "hello")
	s.AppendTranscript("default", key, "world")

	entry, err := s.Get("default", key)
	if err != nil || entry == nil {
		t.Fatalf("Get: %v %+v", err, entry)
	}
	if entry.SessionFile == "" {
		t.Fatal("expected SessionFile to be assigned")
	}

	data, err := os.ReadFile(entry.SessionFile)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 transcript lines, got %d", len(lines))
	}
	var rec struct {
		Role string `json:"role"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("parse transcript line: %v", err)
	}
	if rec.Role != "assistant" || rec.Text != "hello" {
		t.Errorf("transcript line = %+v", rec)
	}
}

func TestResolveStorePath(t *testing.T) {
	got := ResolveStorePath("/data/{agentId}/sessions.json", "ops")
	if got != "/data/ops/sessions.json" {
		t.Errorf("ResolveStorePath = %q", got)
	}
	if ResolveStorePath("/data/{agentId}/s.json", "") != "/data/default/s.json" {
		t.Error("empty agent should resolve to default")
	}
}
