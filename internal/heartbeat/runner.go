package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/msggate/internal/bus"
	"github.com/nextlevelbuilder/msggate/internal/sessions"
)

// OKToken is the agent's "nothing to report" sentinel.
const OKToken = "HEARTBEAT_OK"

const (
	defaultInterval    = 30 * time.Minute
	defaultAckMaxChars = 300
	// dupWindow suppresses byte-identical heartbeat output.
	dupWindow = 24 * time.Hour

	defaultPrompt = "Read HEARTBEAT.md if it exists. Follow its instructions. " +
		"If nothing needs attention, reply with exactly HEARTBEAT_OK."
	internalPrompt = "Read HEARTBEAT.md if it exists and act on it. Your reply " +
		"stays internal: do not address the user, reply HEARTBEAT_OK when done."
)

// ActiveHours restricts heartbeats to a wall-clock window.
type ActiveHours struct {
	Start    string `json:"start,omitempty"` // "HH:MM" inclusive
	End      string `json:"end,omitempty"`   // "HH:MM" exclusive
	Timezone string `json:"timezone,omitempty"`
}

// Config configures the heartbeat for one agent.
type Config struct {
	Every       string       `json:"every,omitempty"` // "30m", "0m" disables
	ActiveHours *ActiveHours `json:"activeHours,omitempty"`
	Model       string       `json:"model,omitempty"`
	Session     string       `json:"session,omitempty"` // "main" (default) or explicit key
	Target      string       `json:"target,omitempty"`  // "last" (default), "none", or channel
	To          string       `json:"to,omitempty"`
	AccountID   string       `json:"accountId,omitempty"`
	Prompt      string       `json:"prompt,omitempty"`
	AckMaxChars int          `json:"ackMaxChars,omitempty"`
}

// Interval parses cfg.Every; zero disables the periodic trigger.
func (c Config) Interval() time.Duration {
	if c.Every == "" {
		return defaultInterval
	}
	d, err := time.ParseDuration(c.Every)
	if err != nil || d < 0 {
		return defaultInterval
	}
	return d
}

// Run reasons.
const (
	ReasonInterval  = "interval"
	ReasonWake      = "wake"
	ReasonExecEvent = "exec-event"
	ReasonCronEvent = "cron-event"
)

// Result statuses.
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Result describes one heartbeat attempt.
type Result struct {
	Status string
	Reason string // set for skips and errors
	Sent   bool
}

// TurnRunner executes the heartbeat agent turn.
type TurnRunner interface {
	RunTurn(ctx context.Context, sessionKey, prompt string, model string) ([]bus.Payload, error)
}

// Deliverer relays heartbeat output to a channel target.
type Deliverer interface {
	DeliverHeartbeat(ctx context.Context, t Target, payloads []bus.Payload) error
}

// PendingCounter reports queued system events for a session.
type PendingCounter interface {
	PendingSystemEvents(sessionKey string) int
}

// Request triggers one heartbeat run.
type Request struct {
	AgentID    string
	SessionKey string // optional explicit override
	Reason     string
}

// Runner drives heartbeats for one agent.
type Runner struct {
	cfg     *Config // nil means no heartbeat configured
	agentID string

	workspace string // directory holding HEARTBEAT.md
	allowed   []string

	sessions *sessions.Store
	turns    TurnRunner
	deliver  Deliverer
	pending  PendingCounter
	log      *slog.Logger

	wakeCh chan string
	now    func() time.Time
}

// NewRunner builds a heartbeat runner. cfg may be nil (disabled agent).
func NewRunner(cfg *Config, agentID, workspace string, allowedChannels []string,
	store *sessions.Store, turns TurnRunner, deliver Deliverer, pending PendingCounter, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		cfg:       cfg,
		agentID:   agentID,
		workspace: workspace,
		allowed:   allowedChannels,
		sessions:  store,
		turns:     turns,
		deliver:   deliver,
		pending:   pending,
		log:       log.With("component", "heartbeat", "agent", agentID),
		wakeCh:    make(chan string, 4),
		now:       time.Now,
	}
}

// RequestWake schedules an out-of-band heartbeat. Non-blocking; a full
// wake queue coalesces into the already-pending wakeups.
func (r *Runner) RequestWake(reason string) {
	if reason == "" {
		reason = ReasonWake
	}
	select {
	case r.wakeCh <- reason:
	default:
	}
}

// Run loops on the configured interval plus wake requests until ctx is
// done. A zero interval leaves only the wake path active.
func (r *Runner) Run(ctx context.Context) {
	interval := time.Duration(0)
	if r.cfg != nil {
		interval = r.cfg.Interval()
	}
	var tickC <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tickC = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tickC:
			r.runLogged(ctx, Request{AgentID: r.agentID, Reason: ReasonInterval})
		case reason := <-r.wakeCh:
			r.runLogged(ctx, Request{AgentID: r.agentID, Reason: reason})
		}
	}
}

func (r *Runner) runLogged(ctx context.Context, req Request) {
	res, err := r.RunOnce(ctx, req)
	if err != nil {
		r.log.Error("heartbeat failed", "error", err)
		return
	}
	if res.Status == StatusSkipped {
		r.log.Debug("heartbeat skipped", "reason", res.Reason)
	} else {
		r.log.Info("heartbeat done", "sent", res.Sent)
	}
}

// RunOnce executes one heartbeat. Checks run in order; the first that
// matches decides the outcome.
func (r *Runner) RunOnce(ctx context.Context, req Request) (Result, error) {
	if r.cfg == nil {
		return Result{Status: StatusSkipped, Reason: "disabled"}, nil
	}
	now := r.now()
	if !withinActiveHours(r.cfg.ActiveHours, now) {
		return Result{Status: StatusSkipped, Reason: "quiet-hours"}, nil
	}

	sessionKey := req.SessionKey
	if sessionKey == "" {
		if r.cfg.Session != "" && r.cfg.Session != "main" {
			sessionKey = r.cfg.Session
		} else {
			sessionKey = sessions.BuildAgentMainSessionKey(r.agentID)
		}
	}

	if req.Reason == ReasonInterval && r.heartbeatFileEmpty() && r.pendingCount(sessionKey) == 0 {
		return Result{Status: StatusSkipped, Reason: "empty-heartbeat-file"}, nil
	}

	entry, err := r.sessions.Get(r.agentID, sessionKey)
	if err != nil {
		return Result{Status: StatusError, Reason: err.Error()}, err
	}
	target := ResolveDeliveryTarget(*r.cfg, entry, r.allowed)

	prompt := r.cfg.Prompt
	if prompt == "" {
		if target.None() {
			prompt = internalPrompt
		} else {
			prompt = defaultPrompt
		}
	}

	payloads, err := r.turns.RunTurn(ctx, sessionKey, prompt, r.cfg.Model)
	if err != nil {
		return Result{Status: StatusError, Reason: err.Error()}, err
	}

	deliverable, ackOnly := r.splitAck(payloads)
	if ackOnly {
		return Result{Status: StatusOK, Reason: "heartbeat-ok"}, nil
	}
	if target.None() {
		return Result{Status: StatusOK, Reason: target.Reason}, nil
	}

	text := joinText(deliverable)
	if entry != nil && entry.LastHeartbeatText == text &&
		entry.LastHeartbeatSentAt > 0 &&
		now.UnixMilli()-entry.LastHeartbeatSentAt <= dupWindow.Milliseconds() {
		return Result{Status: StatusSkipped, Reason: "duplicate"}, nil
	}

	if err := r.deliver.DeliverHeartbeat(ctx, target, deliverable); err != nil {
		return Result{Status: StatusError, Reason: err.Error()}, err
	}
	_, err = r.sessions.Upsert(r.agentID, sessionKey, func(e *sessions.SessionEntry) {
		e.LastHeartbeatText = text
		e.LastHeartbeatSentAt = now.UnixMilli()
	})
	if err != nil {
		r.log.Warn("record heartbeat state", "error", err)
	}
	return Result{Status: StatusOK, Sent: true}, nil
}

func (r *Runner) pendingCount(sessionKey string) int {
	if r.pending == nil {
		return 0
	}
	return r.pending.PendingSystemEvents(sessionKey)
}

// heartbeatFileEmpty reports whether the workspace HEARTBEAT.md is
// missing, unreadable, or effectively empty (only blank lines and
// markdown headers/comments).
func (r *Runner) heartbeatFileEmpty() bool {
	data, err := os.ReadFile(filepath.Join(r.workspace, "HEARTBEAT.md"))
	if err != nil {
		return true
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "<!--") {
			continue
		}
		return false
	}
	return true
}

// splitAck drops the HEARTBEAT_OK sentinel from payloads. ackOnly is
// true when nothing deliverable remains: text payloads that are the
// bare token (or token plus a short trailer) are removed, reasoning
// payloads are kept for delivery.
func (r *Runner) splitAck(payloads []bus.Payload) (deliverable []bus.Payload, ackOnly bool) {
	ackMax := r.cfg.AckMaxChars
	if ackMax <= 0 {
		ackMax = defaultAckMaxChars
	}
	for _, p := range payloads {
		if p.IsReasoning {
			p.IsReasoning = false
			deliverable = append(deliverable, p)
			continue
		}
		trimmed := strings.TrimSpace(p.Text)
		if rest, found := strings.CutPrefix(trimmed, OKToken); found {
			rest = strings.TrimSpace(rest)
			if len(rest) <= ackMax {
				if len(p.MediaURLs) > 0 || len(p.ChannelData) > 0 {
					p.Text = ""
					deliverable = append(deliverable, p)
				}
				continue
			}
			p.Text = rest
		}
		if !p.IsEmpty() {
			deliverable = append(deliverable, p)
		}
	}
	return deliverable, len(deliverable) == 0
}

func joinText(payloads []bus.Payload) string {
	var parts []string
	for _, p := range payloads {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

var errBadClock = errors.New("heartbeat: bad activeHours clock value")

// withinActiveHours checks now against the window, treating a window
// with start > end as crossing midnight. Missing or malformed config
// means always active.
func withinActiveHours(h *ActiveHours, now time.Time) bool {
	if h == nil || h.Start == "" || h.End == "" {
		return true
	}
	loc := now.Location()
	if h.Timezone != "" {
		if l, err := time.LoadLocation(h.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	start, err1 := parseClock(h.Start)
	end, err2 := parseClock(h.End)
	if err1 != nil || err2 != nil {
		return true
	}
	cur := local.Hour()*60 + local.Minute()
	if start <= end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, errBadClock
	}
	return t.Hour()*60 + t.Minute(), nil
}
