package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/msggate/internal/bus"
)

// mediaSentinelPrefix marks text lines that are really media references.
const mediaSentinelPrefix = "MEDIA:"

// Request describes one outbound delivery call.
type Request struct {
	Channel     string
	To          string
	AccountID   string
	Payloads    []bus.Payload
	ReplyToID   string
	ThreadID    string
	Identity    string
	GifPlayback bool
	Silent      bool
	BestEffort  bool
	Mirror      *Mirror
	SessionKey  string
	// ChatIDs lists alternate identifiers of the target conversation for
	// echo matching.
	ChatIDs []string

	OnError   func(payload bus.Payload, err error)
	OnPayload func(res DeliveryResult)

	// skipQueue is set by crash recovery, which already owns an entry.
	skipQueue bool
	queueID   string
}

// EventBroadcaster dispatches internal hook events.
type EventBroadcaster interface {
	Broadcast(event bus.Event)
}

// TranscriptAppender mirrors delivered text into session transcripts.
type TranscriptAppender interface {
	AppendTranscript(agentID, sessionKey, text string)
}

// Engine drives outbound delivery end to end.
type Engine struct {
	registry *Registry
	queue    *Queue
	pending  *PendingTable
	store    TranscriptAppender
	events   EventBroadcaster
	log      *slog.Logger
	tracer   trace.Tracer
}

// NewEngine wires the delivery engine. store and events may be nil when
// mirroring / hooks are unused (tests, CLI one-shots).
func NewEngine(registry *Registry, queue *Queue, pending *PendingTable, store TranscriptAppender, events EventBroadcaster, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		registry: registry,
		queue:    queue,
		pending:  pending,
		store:    store,
		events:   events,
		log:      log,
		tracer:   otel.Tracer("msggate/outbound"),
	}
}

// Deliver runs the delivery pipeline for one request: write-ahead
// enqueue, adapter resolution, payload normalization, chunking, ordered
// sends with duplicate suppression, error handling per bestEffort,
// transcript mirror and message:sent dispatch.
func (e *Engine) Deliver(ctx context.Context, req Request) ([]DeliveryResult, error) {
	ctx, span := e.tracer.Start(ctx, "outbound.deliver", trace.WithAttributes(
		attribute.String("channel", req.Channel),
		attribute.String("to", req.To),
	))
	defer span.End()

	// Step 1: write-ahead enqueue.
	if !req.skipQueue {
		entry := &Entry{
			Channel:     req.Channel,
			To:          req.To,
			AccountID:   req.AccountID,
			Payloads:    req.Payloads,
			ThreadID:    req.ThreadID,
			ReplyToID:   req.ReplyToID,
			BestEffort:  req.BestEffort,
			GifPlayback: req.GifPlayback,
			Silent:      req.Silent,
			Mirror:      req.Mirror,
		}
		if err := e.queue.Enqueue(entry); err != nil {
			return nil, fmt.Errorf("delivery enqueue: %w", err)
		}
		req.queueID = entry.ID
	}

	// Step 2: adapter resolution. The error string doubles as the
	// permanent-failure marker.
	adapter, ok := e.registry.Get(req.Channel)
	if !ok {
		err := fmt.Errorf("Outbound not configured for channel: %s", req.Channel)
		e.failQueue(req, err)
		return nil, err
	}

	// Step 3: payload normalization.
	payloads := normalizePayloads(req.Channel, req.Payloads)
	if len(payloads) == 0 {
		e.ackQueue(req)
		return nil, nil
	}

	opts := SendOptions{
		To:          req.To,
		AccountID:   req.AccountID,
		ReplyToID:   req.ReplyToID,
		ThreadID:    req.ThreadID,
		Identity:    req.Identity,
		GifPlayback: req.GifPlayback,
		Silent:      req.Silent,
	}

	var results []DeliveryResult
	var firstErr error
	partialFailure := false

	for _, payload := range payloads {
		// Step 7: abort check per payload. Abort acks the entry; the
		// caller accepted cancellation.
		if ctx.Err() != nil {
			e.ackQueue(req)
			return results, nil
		}

		res, err := e.deliverPayload(ctx, adapter, opts, req, payload)
		results = append(results, res...)

		if err != nil {
			partialFailure = true
			if req.OnError != nil {
				req.OnError(payload, err)
			}
			if !req.BestEffort {
				firstErr = err
				break
			}
			// Step 8: bestEffort keeps going.
		}
	}

	delivered := 0
	for _, r := range results {
		if r.Success {
			delivered++
		}
	}

	// Step 9: transcript mirror.
	if req.Mirror != nil && e.store != nil && delivered > 0 {
		e.store.AppendTranscript(req.Mirror.AgentID, req.Mirror.SessionKey, mirrorText(payloads))
	}

	// Step 10: message:sent dispatch.
	e.dispatchSent(req, results)

	if firstErr != nil {
		e.failQueue(req, firstErr)
		return results, firstErr
	}
	if partialFailure {
		// bestEffort with failures: leave the entry for recovery.
		e.failQueue(req, fmt.Errorf("partial delivery failure"))
		return results, nil
	}
	e.ackQueue(req)
	return results, nil
}

// deliverPayload sends one payload: rich payload if supported, else text
// chunks, then media items in order.
func (e *Engine) deliverPayload(ctx context.Context, adapter Adapter, opts SendOptions, req Request, payload bus.Payload) ([]DeliveryResult, error) {
	// Step 5: rich payloads go through SendPayload when available.
	if len(payload.ChannelData) > 0 {
		if ps, ok := adapter.(PayloadSender); ok {
			res, err := ps.SendPayload(ctx, opts, payload)
			return []DeliveryResult{res}, err
		}
	}

	var results []DeliveryResult

	text := payload.Text
	caption := ""
	if len(payload.MediaURLs) > 0 && text != "" && !needsChunking(adapter, text) {
		// Short text riding with media becomes the first item's caption.
		caption = text
		text = ""
	}

	if text != "" {
		chunks := chunkFor(adapter, text)
		for _, chunk := range chunks {
			if ctx.Err() != nil {
				return results, nil
			}
			e.rememberPending(req, chunk)
			res, err := adapter.SendText(ctx, opts, chunk)
			if err != nil {
				e.forgetPending(req, chunk)
				res.Success = false
				res.Error = err.Error()
				results = append(results, res)
				return results, err
			}
			res.Success = true
			res.Content = chunk
			results = append(results, res)
		}
	}

	for i, mediaURL := range payload.MediaURLs {
		if ctx.Err() != nil {
			return results, nil
		}
		itemCaption := ""
		if i == 0 {
			itemCaption = caption
		}
		if itemCaption != "" {
			e.rememberPending(req, itemCaption)
		}
		res, err := adapter.SendMedia(ctx, opts, itemCaption, mediaURL)
		if err != nil {
			if itemCaption != "" {
				e.forgetPending(req, itemCaption)
			}
			res.Success = false
			res.Error = err.Error()
			results = append(results, res)
			return results, err
		}
		res.Success = true
		if res.Content == "" {
			res.Content = itemCaption
		}
		results = append(results, res)
	}

	return results, nil
}

// Step 6 helpers: duplicate-suppression bookkeeping.

func (e *Engine) rememberPending(req Request, text string) {
	if e.pending != nil {
		e.pending.Remember(req.AccountID, req.To, req.ChatIDs, text, req.queueID)
	}
}

func (e *Engine) forgetPending(req Request, text string) {
	if e.pending != nil {
		e.pending.Forget(req.AccountID, req.To, req.ChatIDs, text)
	}
}

func (e *Engine) ackQueue(req Request) {
	if !req.skipQueue && req.queueID != "" {
		e.queue.Ack(req.queueID)
	}
}

func (e *Engine) failQueue(req Request, err error) {
	if !req.skipQueue && req.queueID != "" {
		e.queue.Fail(req.queueID, err.Error())
	}
}

// RecoverQueue replays the write-ahead queue after a restart.
func (e *Engine) RecoverQueue(ctx context.Context, maxRecovery time.Duration) RecoveryStats {
	return e.queue.Recover(ctx, func(ctx context.Context, entry *Entry) error {
		_, err := e.Deliver(ctx, Request{
			Channel:     entry.Channel,
			To:          entry.To,
			AccountID:   entry.AccountID,
			Payloads:    entry.Payloads,
			ThreadID:    entry.ThreadID,
			ReplyToID:   entry.ReplyToID,
			BestEffort:  entry.BestEffort,
			GifPlayback: entry.GifPlayback,
			Silent:      entry.Silent,
			Mirror:      entry.Mirror,
			skipQueue:   true,
			queueID:     entry.ID,
		})
		return err
	}, maxRecovery)
}

func (e *Engine) dispatchSent(req Request, results []DeliveryResult) {
	sessionKey := req.SessionKey
	if sessionKey == "" && req.Mirror != nil {
		sessionKey = req.Mirror.SessionKey
	}
	if sessionKey == "" || e.events == nil {
		return
	}
	for _, r := range results {
		e.events.Broadcast(bus.Event{
			Name: bus.EventMessageSent,
			Payload: bus.MessageSentPayload{
				To:             r.To,
				Content:        r.Content,
				Success:        r.Success,
				Error:          r.Error,
				ChannelID:      req.Channel,
				ConversationID: sessionKey,
				MessageID:      r.MessageID,
			},
		})
	}
}

// normalizePayloads applies step 3: reasoning payloads dropped, MEDIA:
// sentinel lines collapsed into the media list, WhatsApp blank-line
// handling, empty payloads removed.
func normalizePayloads(channel string, payloads []bus.Payload) []bus.Payload {
	var out []bus.Payload
	for _, p := range payloads {
		if p.IsReasoning {
			continue
		}
		p = collapseMediaSentinels(p)
		if channel == "whatsapp" {
			p.Text = strings.TrimLeft(p.Text, "\n")
			if strings.TrimSpace(p.Text) == "" && len(p.MediaURLs) == 0 && len(p.ChannelData) == 0 {
				continue
			}
			if strings.TrimSpace(p.Text) == "" && len(p.MediaURLs) > 0 {
				// Media-only payloads keep an empty caption.
				p.Text = ""
			}
		}
		if p.IsEmpty() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// collapseMediaSentinels moves "MEDIA:url" lines from text to MediaURLs.
func collapseMediaSentinels(p bus.Payload) bus.Payload {
	if !strings.Contains(p.Text, mediaSentinelPrefix) {
		return p
	}
	var textLines []string
	for _, line := range strings.Split(p.Text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, mediaSentinelPrefix) {
			if u := strings.TrimSpace(trimmed[len(mediaSentinelPrefix):]); u != "" {
				p.MediaURLs = append(p.MediaURLs, u)
			}
			continue
		}
		textLines = append(textLines, line)
	}
	p.Text = strings.TrimSpace(strings.Join(textLines, "\n"))
	return p
}

// chunkFor applies step 4: chunk when the adapter declares a chunker and
// a positive limit.
func chunkFor(adapter Adapter, text string) []string {
	c, ok := adapter.(Chunking)
	if !ok {
		return []string{text}
	}
	limit := c.TextChunkLimit()
	fn := c.Chunker()
	if limit <= 0 || fn == nil {
		return []string{text}
	}
	return fn(text, limit)
}

func needsChunking(adapter Adapter, text string) bool {
	c, ok := adapter.(Chunking)
	if !ok {
		return false
	}
	limit := c.TextChunkLimit()
	return limit > 0 && chunkWidth(text) > limit
}

// mirrorText renders the single transcript record for a delivery, with
// media filenames inferred from their URLs.
func mirrorText(payloads []bus.Payload) string {
	var parts []string
	for _, p := range payloads {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
		for _, m := range p.MediaURLs {
			parts = append(parts, "[media: "+mediaFilename(m)+"]")
		}
	}
	return strings.Join(parts, "\n")
}

func mediaFilename(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(raw)
}
