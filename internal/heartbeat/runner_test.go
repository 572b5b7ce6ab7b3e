package heartbeat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/msggate/internal/bus"
	"github.com/nextlevelbuilder/msggate/internal/sessions"
)

type stubTurns struct {
	payloads []bus.Payload
	err      error
	calls    int
	prompt   string
}

func (s *stubTurns) RunTurn(ctx context.Context, sessionKey, prompt, model string) ([]bus.Payload, error) {
	s.calls++
	s.prompt = prompt
	return s.payloads, s.err
}

type stubDeliverer struct {
	mu     sync.Mutex
	calls  int
	target Target
	texts  []string
	err    error
}

func (s *stubDeliverer) DeliverHeartbeat(ctx context.Context, t Target, payloads []bus.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.target = t
	for _, p := range payloads {
		s.texts = append(s.texts, p.Text)
	}
	return s.err
}

type stubPending struct{ n int }

func (s *stubPending) PendingSystemEvents(string) int { return s.n }

func writeHeartbeatFile(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "HEARTBEAT.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestRunner(t *testing.T, cfg *Config, turns TurnRunner, deliver Deliverer, pending PendingCounter) (*Runner, *sessions.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store := sessions.NewStore(filepath.Join(dir, "{agentId}", "sessions.json"))
	r := NewRunner(cfg, "default", dir, []string{"telegram", "discord"}, store, turns, deliver, pending, nil)
	return r, store, dir
}

func TestRunOnce_DisabledWithoutConfig(t *testing.T) {
	r, _, _ := newTestRunner(t, nil, &stubTurns{}, &stubDeliverer{}, nil)
	res, err := r.RunOnce(context.Background(), Request{AgentID: "default", Reason: ReasonInterval})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusSkipped || res.Reason != "disabled" {
		t.Errorf("result = %+v", res)
	}
}

func TestRunOnce_QuietHours(t *testing.T) {
	cfg := &Config{ActiveHours: &ActiveHours{Start: "09:00", End: "17:00", Timezone: "UTC"}}
	turns := &stubTurns{}
	r, _, _ := newTestRunner(t, cfg, turns, &stubDeliverer{}, nil)
	r.now = func() time.Time { return time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC) }

	res, _ := r.RunOnce(context.Background(), Request{Reason: ReasonInterval})
	if res.Status != StatusSkipped || res.Reason != "quiet-hours" {
		t.Errorf("result = %+v", res)
	}
	if turns.calls != 0 {
		t.Error("turn ran during quiet hours")
	}
}

func TestWithinActiveHours_CrossesMidnight(t *testing.T) {
	h := &ActiveHours{Start: "22:00", End: "06:00", Timezone: "UTC"}
	at := func(hour int) time.Time { return time.Date(2026, 3, 1, hour, 30, 0, 0, time.UTC) }
	if !withinActiveHours(h, at(23)) || !withinActiveHours(h, at(2)) {
		t.Error("night window rejected night hours")
	}
	if withinActiveHours(h, at(12)) {
		t.Error("night window accepted noon")
	}
}

func TestRunOnce_EmptyFileSkipsIntervalOnly(t *testing.T) {
	cfg := &Config{Target: TargetNone}
	turns := &stubTurns{payloads: []bus.Payload{{Text: OKToken}}}
	r, _, dir := newTestRunner(t, cfg, turns, &stubDeliverer{}, &stubPending{})
	writeHeartbeatFile(t, dir, "# Heartbeat\n\n<!-- notes -->\n")

	res, _ := r.RunOnce(context.Background(), Request{Reason: ReasonInterval})
	if res.Status != StatusSkipped || res.Reason != "empty-heartbeat-file" {
		t.Errorf("interval result = %+v", res)
	}

	// A wake reason bypasses the empty-file fast path.
	res, _ = r.RunOnce(context.Background(), Request{Reason: ReasonWake})
	if res.Status != StatusOK {
		t.Errorf("wake result = %+v", res)
	}
	if turns.calls != 1 {
		t.Errorf("turn calls = %d", turns.calls)
	}
}

func TestRunOnce_PendingEventsForceRun(t *testing.T) {
	cfg := &Config{Target: TargetNone}
	turns := &stubTurns{payloads: []bus.Payload{{Text: OKToken}}}
	r, _, _ := newTestRunner(t, cfg, turns, &stubDeliverer{}, &stubPending{n: 2})

	res, _ := r.RunOnce(context.Background(), Request{Reason: ReasonInterval})
	if res.Status != StatusOK || turns.calls != 1 {
		t.Errorf("result = %+v, calls = %d", res, turns.calls)
	}
}

func TestRunOnce_InternalPromptWhenTargetNone(t *testing.T) {
	cfg := &Config{Target: TargetNone}
	turns := &stubTurns{payloads: []bus.Payload{{Text: OKToken}}}
	deliver := &stubDeliverer{}
	r, _, dir := newTestRunner(t, cfg, turns, deliver, nil)
	writeHeartbeatFile(t, dir, "ping the build\n")

	if _, err := r.RunOnce(context.Background(), Request{Reason: ReasonInterval}); err != nil {
		t.Fatal(err)
	}
	if turns.prompt != internalPrompt {
		t.Errorf("prompt = %q", turns.prompt)
	}
	if deliver.calls != 0 {
		t.Error("target none still delivered")
	}
}

func TestRunOnce_AckSuppressedButReasoningDelivered(t *testing.T) {
	turns := &stubTurns{payloads: []bus.Payload{
		{Text: "checked the queue, nothing stuck", IsReasoning: true},
		{Text: OKToken},
	}}
	deliver := &stubDeliverer{}
	cfg := &Config{Target: "telegram", To: "42"}
	r, _, dir := newTestRunner(t, cfg, turns, deliver, nil)
	writeHeartbeatFile(t, dir, "watch the queue\n")

	res, err := r.RunOnce(context.Background(), Request{Reason: ReasonInterval})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Sent || deliver.calls != 1 {
		t.Fatalf("result = %+v, deliver calls = %d", res, deliver.calls)
	}
	if len(deliver.texts) != 1 || deliver.texts[0] != "checked the queue, nothing stuck" {
		t.Errorf("delivered = %v", deliver.texts)
	}
}

func TestRunOnce_BareAckSkipsDelivery(t *testing.T) {
	turns := &stubTurns{payloads: []bus.Payload{{Text: OKToken + " all good"}}}
	deliver := &stubDeliverer{}
	cfg := &Config{Target: "telegram", To: "42"}
	r, _, dir := newTestRunner(t, cfg, turns, deliver, nil)
	writeHeartbeatFile(t, dir, "watch\n")

	res, _ := r.RunOnce(context.Background(), Request{Reason: ReasonInterval})
	if res.Sent || deliver.calls != 0 {
		t.Errorf("short ack trailer delivered: %+v", res)
	}
}

func TestRunOnce_DuplicateSuppression(t *testing.T) {
	turns := &stubTurns{payloads: []bus.Payload{{Text: "disk almost full"}}}
	deliver := &stubDeliverer{}
	cfg := &Config{Target: "telegram", To: "42"}
	r, _, dir := newTestRunner(t, cfg, turns, deliver, nil)
	writeHeartbeatFile(t, dir, "watch disks\n")

	if res, _ := r.RunOnce(context.Background(), Request{Reason: ReasonInterval}); !res.Sent {
		t.Fatalf("first run = %+v", res)
	}
	res, _ := r.RunOnce(context.Background(), Request{Reason: ReasonInterval})
	if res.Status != StatusSkipped || res.Reason != "duplicate" {
		t.Errorf("second run = %+v", res)
	}
	if deliver.calls != 1 {
		t.Errorf("deliver calls = %d", deliver.calls)
	}

	// A day later the same text goes out again.
	r.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	if res, _ := r.RunOnce(context.Background(), Request{Reason: ReasonInterval}); !res.Sent {
		t.Errorf("post-window run = %+v", res)
	}
}

func TestRunOnce_DeliveryErrorRecorded(t *testing.T) {
	turns := &stubTurns{payloads: []bus.Payload{{Text: "alert"}}}
	deliver := &stubDeliverer{err: errors.New("chat not found")}
	cfg := &Config{Target: "telegram", To: "42"}
	r, _, dir := newTestRunner(t, cfg, turns, deliver, nil)
	writeHeartbeatFile(t, dir, "x\n")

	res, err := r.RunOnce(context.Background(), Request{Reason: ReasonInterval})
	if err == nil || res.Status != StatusError {
		t.Errorf("result = %+v, err = %v", res, err)
	}
}

func TestResolveDeliveryTarget(t *testing.T) {
	allowed := []string{"telegram", "discord"}
	entry := &sessions.SessionEntry{LastChannel: "discord", LastAccountID: "acct", LastTo: "chan-9"}

	tests := []struct {
		name   string
		cfg    Config
		entry  *sessions.SessionEntry
		wantCh string
		wantTo string
		none   bool
	}{
		{"none always honoured", Config{Target: TargetNone, To: "42"}, entry, "", "", true},
		{"last uses session route", Config{}, entry, "discord", "chan-9", false},
		{"last without route", Config{}, nil, "", "", true},
		{"last skips webchat", Config{}, &sessions.SessionEntry{LastChannel: "webchat", LastTo: "x"}, "", "", true},
		{"explicit wins over last", Config{Target: "telegram", To: "42"}, entry, "telegram", "42", false},
		{"explicit not allowlisted", Config{Target: "signal", To: "42"}, entry, "", "", true},
		{"explicit to overrides last to", Config{To: "override"}, entry, "discord", "override", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveDeliveryTarget(tt.cfg, tt.entry, allowed)
			if got.None() != tt.none || got.Channel != tt.wantCh || got.To != tt.wantTo {
				t.Errorf("target = %+v", got)
			}
		})
	}
}

func TestResolveDeliveryTarget_Normalization(t *testing.T) {
	allowed := []string{"telegram", "whatsapp"}

	got := ResolveDeliveryTarget(Config{Target: "telegram", To: "-100123:topic:7"}, nil, allowed)
	if got.To != "-100123" || got.ThreadID != "7" {
		t.Errorf("telegram topic = %+v", got)
	}

	got = ResolveDeliveryTarget(Config{Target: "whatsapp", To: "WhatsApp:+1555AAA"}, nil, allowed)
	if got.To != "+1555aaa" {
		t.Errorf("whatsapp normalization = %+v", got)
	}
}

func TestRequestWake_Coalesces(t *testing.T) {
	r, _, _ := newTestRunner(t, &Config{}, &stubTurns{}, &stubDeliverer{}, nil)
	for i := 0; i < 10; i++ {
		r.RequestWake(ReasonCronEvent)
	}
	if len(r.wakeCh) != cap(r.wakeCh) {
		t.Errorf("wake queue = %d, want full at %d", len(r.wakeCh), cap(r.wakeCh))
	}
}

func TestConfigInterval(t *testing.T) {
	if (Config{}).Interval() != defaultInterval {
		t.Error("default interval")
	}
	if (Config{Every: "1h"}).Interval() != time.Hour {
		t.Error("parsed interval")
	}
	if (Config{Every: "0m"}).Interval() != 0 {
		t.Error("zero disables")
	}
}
