// Package protocol defines the frames exchanged with the chat channel
// server. Outbound frames are invocations: a JSON object whose "type" is
// the method name, optionally tagged with an invocation id that the server
// answers with a completion frame. Inbound frames are either completions
// or pushed events whose name and payload the server may spell in several
// ways; ParseServerFrame extracts both without interpreting the payload.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Method and frame type constants
// ---------------------------------------------------------------------------

// Client -> Server invocations.
const (
	MethodJoinConversation  = "join-conversation"
	MethodLeaveConversation = "leave-conversation"
	MethodSendMessage       = "send-message"
	MethodMarkRead          = "mark-read"
	MethodSetTyping         = "set-typing"
	MethodGetHistory        = "get-history"
	TypePing                = "ping"
)

// Server -> Client control frames. Everything else is a pushed event.
const (
	TypeCompletion = "completion"
	TypePong       = "pong"
)

// MessageTypeText is the only message_type the client sends today.
const MessageTypeText = "text"

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinConversationMsg subscribes the connection to a conversation room.
type JoinConversationMsg struct {
	ConversationID string `json:"conversation_id"`
}

// LeaveConversationMsg unsubscribes the connection from a conversation room.
type LeaveConversationMsg struct {
	ConversationID string `json:"conversation_id"`
}

// SendMessageMsg posts a message. ClientMessageID carries the optimistic
// temp id so a server that echoes it lets the client correlate exactly.
type SendMessageMsg struct {
	ConversationID  string `json:"conversation_id"`
	Text            string `json:"text"`
	MessageType     string `json:"message_type"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// MarkReadMsg marks a conversation read up to MessageID.
type MarkReadMsg struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// SetTypingMsg reports the local typing state.
type SetTypingMsg struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// GetHistoryMsg requests one page of conversation history.
type GetHistoryMsg struct {
	ConversationID string `json:"conversation_id"`
	Page           int    `json:"page"`
	PageSize       int    `json:"page_size"`
}

// PingMsg is a client-initiated keepalive.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client frames
// ---------------------------------------------------------------------------

// Frame is a parsed inbound frame. For completions InvocationID, Result
// and Error are set; for pushed events Name and Payload are.
type Frame struct {
	Name         string
	InvocationID string
	Result       json.RawMessage
	Error        string
	Payload      json.RawMessage
}

// IsCompletion reports whether the frame answers an invocation.
func (f Frame) IsCompletion() bool {
	return strings.EqualFold(f.Name, TypeCompletion)
}

// CompletionMsg is the server's answer to an invocation carrying an id.
type CompletionMsg struct {
	InvocationID string          `json:"invocation_id"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Wire keys tried in order. The server has shipped several spellings.
var (
	nameKeys         = []string{"type", "Type", "event", "Event", "target", "Target"}
	payloadKeys      = []string{"payload", "Payload", "data", "Data"}
	argumentKeys     = []string{"arguments", "Arguments"}
	invocationIDKeys = []string{"invocation_id", "invocationId", "InvocationId", "requestId"}
	resultKeys       = []string{"result", "Result"}
	errorKeys        = []string{"error", "Error"}
)

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerFrame parses raw WebSocket bytes into a Frame. It fails only
// when the bytes are not a JSON object or carry no recognizable name; the
// payload is left raw for the event normalizer.
func ParseServerFrame(data []byte) (Frame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Frame{}, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	var f Frame
	f.Name = firstString(fields, nameKeys)
	if f.Name == "" {
		return Frame{}, fmt.Errorf("protocol: missing or empty frame name")
	}

	if f.IsCompletion() {
		f.InvocationID = firstString(fields, invocationIDKeys)
		f.Result = first(fields, resultKeys)
		f.Error = errorText(first(fields, errorKeys))
		return f, nil
	}

	f.Payload = first(fields, payloadKeys)
	if f.Payload == nil {
		f.Payload = unwrapArguments(first(fields, argumentKeys))
	}
	if f.Payload == nil {
		f.Payload = json.RawMessage(data)
	}
	return f, nil
}

// NewClientMessage encodes an invocation. The method is injected under
// "type" and, when invocationID is non-empty, under "invocation_id".
func NewClientMessage(method, invocationID string, payload interface{}) ([]byte, error) {
	m, err := toMap(payload)
	if err != nil {
		return nil, err
	}
	m["type"] = method
	if invocationID != "" {
		m["invocation_id"] = invocationID
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client message: %w", err)
	}
	return out, nil
}

// NewServerEvent encodes a pushed event in the canonical
// {"type": name, "payload": ...} shape.
func NewServerEvent(name string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}
	out, err := json.Marshal(map[string]json.RawMessage{
		"type":    mustJSON(name),
		"payload": raw,
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server event: %w", err)
	}
	return out, nil
}

// NewCompletion encodes the answer to an invocation.
func NewCompletion(invocationID string, result interface{}, errMsg string) ([]byte, error) {
	msg := CompletionMsg{InvocationID: invocationID, Error: errMsg}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal result: %w", err)
		}
		msg.Result = raw
	}
	m, err := toMap(msg)
	if err != nil {
		return nil, err
	}
	m["type"] = TypeCompletion
	return json.Marshal(m)
}

func toMap(payload interface{}) (map[string]interface{}, error) {
	m := map[string]interface{}{}
	if payload == nil {
		return m, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	return m, nil
}

func first(fields map[string]json.RawMessage, keys []string) json.RawMessage {
	for _, k := range keys {
		if v, ok := fields[k]; ok && !isNull(v) {
			return v
		}
	}
	return nil
}

func firstString(fields map[string]json.RawMessage, keys []string) string {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// unwrapArguments turns a single-element argument array into its element.
func unwrapArguments(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || raw[0] != '[' {
		return raw
	}
	var args []json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil || len(args) != 1 {
		return raw
	}
	return args[0]
}

// errorText accepts either a string or an object with a message field.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Code != "" {
			return obj.Code
		}
	}
	return string(raw)
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func mustJSON(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}
