package chat

import (
	"strings"
	"time"
)

// Origin records which source put a message into the visible sequence.
type Origin int

const (
	// OriginOptimistic is a local placeholder awaiting server confirmation.
	OriginOptimistic Origin = iota
	// OriginLive arrived as a channel push or was confirmed by the server.
	OriginLive
	// OriginHistory came from a hydration batch.
	OriginHistory
)

// String returns the lower-case origin name.
func (o Origin) String() string {
	switch o {
	case OriginOptimistic:
		return "optimistic"
	case OriginLive:
		return "live"
	case OriginHistory:
		return "history"
	default:
		return "unknown"
	}
}

// Message is one entry of a conversation's visible sequence. Ids are
// normalized (trimmed, lower-cased) by the event normalizer; Timestamp is
// ISO-8601 UTC or empty when the server sent nothing parseable.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name,omitempty"`
	Text           string `json:"text"`
	Timestamp      string `json:"timestamp,omitempty"`
	Origin         Origin `json:"origin"`

	// ClientID is the optimistic temp id echoed back by servers that
	// support exact correlation. Empty otherwise.
	ClientID string `json:"client_id,omitempty"`
}

// Conversation is one entry of the conversation list.
type Conversation struct {
	ID          string   `json:"id"`
	Title       string   `json:"title,omitempty"`
	PeerID      string   `json:"peer_id,omitempty"`
	PeerName    string   `json:"peer_name,omitempty"`
	PeerOnline  *bool    `json:"peer_online,omitempty"`
	UnreadCount int      `json:"unread_count"`
	LastMessage *Message `json:"last_message,omitempty"`
}

// TimestampLayout is the ISO-8601 layout used for every timestamp the
// engine produces, matching millisecond-precision UTC strings.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in TimestampLayout, always in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// sameSender compares two normalized sender ids.
func sameSender(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
