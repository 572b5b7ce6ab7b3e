// Package bus defines the normalized message model shared by every
// provider handler and the in-process queues that connect the inbound
// pipeline to the agent runtime and the outbound engine.
package bus

import "context"

// Message is a normalized inbound chat message. Every provider webhook
// parser emits this shape; the rest of the core never sees provider JSON.
//
// Chat identity is a triad: providers expose one or more of ChatGUID,
// ChatIdentifier and ChatID. At least one of MessageID or
// (SenderID, Text|Attachments, Timestamp) must be present for dedup.
type Message struct {
	MessageID      string       `json:"message_id"`
	SenderID       string       `json:"sender_id"`
	SenderName     string       `json:"sender_name,omitempty"`
	ChatGUID       string       `json:"chat_guid,omitempty"`
	ChatIdentifier string       `json:"chat_identifier,omitempty"`
	ChatID         string       `json:"chat_id,omitempty"`
	IsGroup        bool         `json:"is_group"`
	ChatName       string       `json:"chat_name,omitempty"`
	Timestamp      int64        `json:"timestamp"` // unix ms
	Text           string       `json:"text"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Participants   []string     `json:"participants,omitempty"`

	ReplyToID     string `json:"reply_to_id,omitempty"`
	ReplyToBody   string `json:"reply_to_body,omitempty"`
	ReplyToSender string `json:"reply_to_sender,omitempty"`

	BalloonBundleID       string `json:"balloon_bundle_id,omitempty"`
	AssociatedMessageGUID string `json:"associated_message_guid,omitempty"`

	FromMe bool `json:"from_me"`

	// Routing metadata filled in by the inbound pipeline, not the parser.
	Channel   string `json:"channel,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// ChatKey returns the first populated chat identifier of the triad.
func (m *Message) ChatKey() string {
	if m.ChatGUID != "" {
		return m.ChatGUID
	}
	if m.ChatIdentifier != "" {
		return m.ChatIdentifier
	}
	return m.ChatID
}

// ReactionAction distinguishes adding from removing a reaction.
type ReactionAction string

const (
	ReactionAdded   ReactionAction = "added"
	ReactionRemoved ReactionAction = "removed"
)

// Reaction is a normalized inbound emoji reaction event.
type Reaction struct {
	MessageID      string         `json:"message_id"`
	SenderID       string         `json:"sender_id"`
	Emoji          string         `json:"emoji"`
	Action         ReactionAction `json:"action"`
	IsGroup        bool           `json:"is_group"`
	ChatGUID       string         `json:"chat_guid,omitempty"`
	ChatIdentifier string         `json:"chat_identifier,omitempty"`
	ChatID         string         `json:"chat_id,omitempty"`
	Timestamp      int64          `json:"timestamp"`
	FromMe         bool           `json:"from_me"`
}

// Attachment is a downloaded (or downloadable) inbound media item.
type Attachment struct {
	URL       string `json:"url"`                  // remote URL or provider fetch path
	Name      string `json:"name,omitempty"`       // original filename
	MimeType  string `json:"mime_type,omitempty"`  // e.g. "image/jpeg"
	Size      int64  `json:"size,omitempty"`       // bytes, 0 = unknown
	LocalPath string `json:"local_path,omitempty"` // set after media store download
}

// Payload is one outbound unit produced by an agent turn. A payload can
// carry text, media URLs, channel-native data, or any combination.
type Payload struct {
	Text        string   `json:"text,omitempty"`
	MediaURLs   []string `json:"media_urls,omitempty"`
	IsReasoning bool     `json:"is_reasoning,omitempty"` // model reasoning, dropped before delivery
	// ChannelData is opaque channel-native rich content (blocks, cards).
	// Only the owning channel adapter interprets it.
	ChannelData map[string]any `json:"channel_data,omitempty"`
}

// IsEmpty reports whether the payload carries nothing deliverable.
func (p Payload) IsEmpty() bool {
	return p.Text == "" && len(p.MediaURLs) == 0 && len(p.ChannelData) == 0
}

// HistoryEntry is one line of the inbound history snapshot surfaced to
// the agent. Entries are bounded: 2000 chars stored, 1200 surfaced.
type HistoryEntry struct {
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// SystemEvent is an internal event enqueued into a session (cron
// systemEvent payloads, "Assistant sent" echo notes, exec completions).
type SystemEvent struct {
	SessionKey string `json:"session_key"`
	Text       string `json:"text"`
	// Tag classifies the source: "cron", "exec", "echo".
	Tag string `json:"tag,omitempty"`
}

// Event is a broadcast event for internal hooks (message:sent etc.).
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// EventMessageSent is dispatched per delivered payload when the outbound
// call is bound to a session.
const EventMessageSent = "message:sent"

// MessageSentPayload is the payload of EventMessageSent.
type MessageSentPayload struct {
	To             string `json:"to"`
	Content        string `json:"content"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	ChannelID      string `json:"channel_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
}

// EventHandler handles a broadcast event. Handlers must not block.
type EventHandler func(Event)

// MessageRouter abstracts inbound/system routing between the pipeline
// and the agent runtime. Tests inject fakes through this interface.
type MessageRouter interface {
	PublishInbound(msg Message)
	ConsumeInbound(ctx context.Context) (Message, bool)
	PublishSystemEvent(ev SystemEvent)
	ConsumeSystemEvent(ctx context.Context) (SystemEvent, bool)
}
