// Package agent runs assistant turns. The language model itself is an
// opaque collaborator behind TurnFunc; this package owns per-session
// serialization, session bookkeeping and transcripts around it.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/msggate/internal/bus"
	"github.com/nextlevelbuilder/msggate/internal/sessions"
)

// TurnRequest is the canonical input of one agent turn.
type TurnRequest struct {
	AgentID    string `json:"agentId"`
	SessionKey string `json:"sessionKey"`
	Message    string `json:"message"`
	Model      string `json:"model,omitempty"`
	Workspace  string `json:"workspace,omitempty"`
	// OriginChannel/OriginTo carry the conversation the turn replies to,
	// for tools that send cross-channel.
	OriginChannel string `json:"originChannel,omitempty"`
	OriginTo      string `json:"originTo,omitempty"`
}

// TurnFunc produces the reply payloads for one turn.
type TurnFunc func(ctx context.Context, req TurnRequest) ([]bus.Payload, error)

// Runner serializes turns per session key and keeps the session entry
// and transcript up to date around each turn.
type Runner struct {
	turn      TurnFunc
	store     *sessions.Store
	agentID   string
	model     string
	workspace string
	log       *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRunner wires a turn runner for one agent.
func NewRunner(turn TurnFunc, store *sessions.Store, agentID, model, workspace string, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		turn:      turn,
		store:     store,
		agentID:   agentID,
		model:     model,
		workspace: workspace,
		log:       log.With("agent", agentID),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (r *Runner) sessionLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	r.locks[key] = l
	return l
}

// Run executes one turn. Turns on the same session key run one at a
// time; different sessions run concurrently.
func (r *Runner) Run(ctx context.Context, req TurnRequest) ([]bus.Payload, error) {
	if req.AgentID == "" {
		req.AgentID = r.agentID
	}
	if req.Model == "" {
		req.Model = r.model
	}
	if req.Workspace == "" {
		req.Workspace = r.workspace
	}
	if req.SessionKey == "" {
		return nil, fmt.Errorf("agent: session key is required")
	}

	lock := r.sessionLock(req.SessionKey)
	lock.Lock()
	defer lock.Unlock()

	if r.store != nil {
		_, err := r.store.Upsert(req.AgentID, req.SessionKey, func(e *sessions.SessionEntry) {
			e.RunningAtMs = time.Now().UnixMilli()
		})
		if err != nil {
			return nil, fmt.Errorf("agent: mark session running: %w", err)
		}
		r.store.AppendTranscript(req.AgentID, req.SessionKey, req.Message)
	}

	payloads, turnErr := r.turn(ctx, req)

	if r.store != nil {
		_, err := r.store.Upsert(req.AgentID, req.SessionKey, func(e *sessions.SessionEntry) {
			e.RunningAtMs = 0
		})
		if err != nil {
			r.log.Warn("clear session running flag failed", "session", req.SessionKey, "error", err)
		}
	}

	if turnErr != nil {
		return nil, turnErr
	}
	return payloads, nil
}

// EchoTurn is the development turn: it replies with the inbound text.
func EchoTurn(ctx context.Context, req TurnRequest) ([]bus.Payload, error) {
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, nil
	}
	return []bus.Payload{{Text: text}}, nil
}
