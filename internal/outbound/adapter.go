// Package outbound implements the delivery engine: write-ahead queue,
// adapter dispatch, chunking, duplicate suppression, retries and crash
// recovery.
package outbound

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/msggate/internal/bus"
)

// DeliveryResult reports one provider send.
type DeliveryResult struct {
	MessageID string `json:"messageId,omitempty"`
	To        string `json:"to"`
	Content   string `json:"content,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// SendOptions carries the per-send routing context handed to adapters.
type SendOptions struct {
	To        string
	AccountID string
	ReplyToID string
	ThreadID  string
	// Identity optionally overrides the sender persona on channels that
	// support it.
	Identity    string
	GifPlayback bool
	Silent      bool
	// MediaLocalRoots are directories media URLs may resolve into when
	// the adapter uploads local files.
	MediaLocalRoots []string
}

// Adapter is the minimal outbound contract every channel implements.
type Adapter interface {
	SendText(ctx context.Context, opts SendOptions, text string) (DeliveryResult, error)
	SendMedia(ctx context.Context, opts SendOptions, caption, mediaURL string) (DeliveryResult, error)
}

// PayloadSender is implemented by adapters that can deliver
// channel-native rich content.
type PayloadSender interface {
	SendPayload(ctx context.Context, opts SendOptions, payload bus.Payload) (DeliveryResult, error)
}

// ChunkerMode selects the chunking strategy for a channel.
type ChunkerMode string

const (
	// ChunkerText splits by length only.
	ChunkerText ChunkerMode = "text"
	// ChunkerMarkdown splits on newlines preserving fenced blocks and
	// tables.
	ChunkerMarkdown ChunkerMode = "markdown"
)

// ChunkFunc splits text into provider-sized chunks.
type ChunkFunc func(text string, limit int) []string

// Chunking is implemented by adapters with channel text limits. A nil
// Chunker or zero TextChunkLimit disables chunking.
type Chunking interface {
	Chunker() ChunkFunc
	ChunkerMode() ChunkerMode
	TextChunkLimit() int
}

// Registry maps channel names to their outbound adapters. Safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to a channel name, replacing any previous one.
func (r *Registry) Register(channel string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[channel] = a
}

// Get returns the adapter for a channel.
func (r *Registry) Get(channel string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[channel]
	return a, ok
}
