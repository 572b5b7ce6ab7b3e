package bus

import (
	"context"
	"sync"
)

const (
	inboundQueueSize = 256
	systemQueueSize  = 128
)

// MessageBus is the in-process router between channels, the pipeline,
// the agent runtime and internal event hooks. Queues are bounded; a full
// inbound queue drops the oldest entry rather than blocking a webhook
// response.
type MessageBus struct {
	inbound chan Message
	system  chan SystemEvent

	mu          sync.RWMutex
	subscribers map[string]EventHandler
	// pendingBySession tracks queued system events per session key so the
	// heartbeat runner can check for tagged work without draining the queue.
	pendingBySession map[string]int
}

// New creates a MessageBus with bounded queues.
func New() *MessageBus {
	return &MessageBus{
		inbound:          make(chan Message, inboundQueueSize),
		system:           make(chan SystemEvent, systemQueueSize),
		subscribers:      make(map[string]EventHandler),
		pendingBySession: make(map[string]int),
	}
}

// PublishInbound enqueues a normalized inbound message. When the queue
// is full the oldest message is discarded to keep webhook handlers fast.
func (b *MessageBus) PublishInbound(msg Message) {
	for {
		select {
		case b.inbound <- msg:
			return
		default:
			select {
			case <-b.inbound:
			default:
			}
		}
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (Message, bool) {
	select {
	case <-ctx.Done():
		return Message{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishSystemEvent enqueues a session-bound system event.
func (b *MessageBus) PublishSystemEvent(ev SystemEvent) {
	for {
		select {
		case b.system <- ev:
			b.mu.Lock()
			b.pendingBySession[ev.SessionKey]++
			b.mu.Unlock()
			return
		default:
			select {
			case dropped := <-b.system:
				b.mu.Lock()
				if b.pendingBySession[dropped.SessionKey] > 0 {
					b.pendingBySession[dropped.SessionKey]--
				}
				b.mu.Unlock()
			default:
			}
		}
	}
}

// ConsumeSystemEvent blocks until a system event is available or ctx is done.
func (b *MessageBus) ConsumeSystemEvent(ctx context.Context) (SystemEvent, bool) {
	select {
	case <-ctx.Done():
		return SystemEvent{}, false
	case ev := <-b.system:
		b.mu.Lock()
		if b.pendingBySession[ev.SessionKey] > 0 {
			b.pendingBySession[ev.SessionKey]--
		}
		if b.pendingBySession[ev.SessionKey] == 0 {
			delete(b.pendingBySession, ev.SessionKey)
		}
		b.mu.Unlock()
		return ev, true
	}
}

// PendingSystemEvents reports how many system events are queued for a
// session key. The heartbeat empty-file fast path uses this: a pending
// tagged event forces a run even when HEARTBEAT.md is empty.
func (b *MessageBus) PendingSystemEvents(sessionKey string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pendingBySession[sessionKey]
}

// Subscribe registers an event handler under an id. Re-subscribing with
// the same id replaces the previous handler.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes a handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers an event to all subscribers synchronously.
// Handlers are expected to be non-blocking.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
