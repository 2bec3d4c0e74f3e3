// Package events maps the server's inbound frames onto a small canonical
// vocabulary. The server has shipped several names for every event and
// spells payload fields in lower-camel, upper-camel and snake case; the
// alias tables in aliases.go absorb all of them so that downstream
// components only ever see normalized ids, ISO timestamps and booleans.
package events

import "github.com/tradepost/chatsync/internal/chat"

// Kind identifies a canonical event.
type Kind int

const (
	KindMessageReceived Kind = iota + 1
	KindConversationHistory
	KindTypingChanged
	KindUserJoined
	KindUserLeft
	KindUserStatusChanged
	KindError
)

// String returns the canonical wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindMessageReceived:
		return "message-received"
	case KindConversationHistory:
		return "conversation-history"
	case KindTypingChanged:
		return "typing-changed"
	case KindUserJoined:
		return "user-joined"
	case KindUserLeft:
		return "user-left"
	case KindUserStatusChanged:
		return "user-status-changed"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one of the canonical event structs below.
type Event interface {
	Kind() Kind
}

// MessageReceived carries a single live message.
type MessageReceived struct {
	Message chat.Message `json:"message"`
}

// ConversationHistory carries a hydration batch in display order.
type ConversationHistory struct {
	ConversationID string         `json:"conversation_id"`
	Messages       []chat.Message `json:"messages"`
}

// TypingChanged reports a remote user's typing state.
type TypingChanged struct {
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	UserName       string `json:"user_name,omitempty"`
	IsTyping       bool   `json:"is_typing"`
}

// UserJoined reports a peer coming online.
type UserJoined struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// UserLeft reports a peer going offline.
type UserLeft struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// UserStatusChanged carries an explicit online flag.
type UserStatusChanged struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// ErrorOccurred is a server-reported error. It is informational; the
// channel stays up.
type ErrorOccurred struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (MessageReceived) Kind() Kind     { return KindMessageReceived }
func (ConversationHistory) Kind() Kind { return KindConversationHistory }
func (TypingChanged) Kind() Kind       { return KindTypingChanged }
func (UserJoined) Kind() Kind          { return KindUserJoined }
func (UserLeft) Kind() Kind            { return KindUserLeft }
func (UserStatusChanged) Kind() Kind   { return KindUserStatusChanged }
func (ErrorOccurred) Kind() Kind       { return KindError }
