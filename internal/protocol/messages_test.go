package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a canonical pushed event
// ---------------------------------------------------------------------------

func TestParseServerFrame_Event(t *testing.T) {
	input := []byte(`{"type":"message-received","payload":{"id":"m1","text":"hi"}}`)

	f, err := ParseServerFrame(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Name != "message-received" {
		t.Fatalf("expected name %q, got %q", "message-received", f.Name)
	}
	if f.IsCompletion() {
		t.Fatal("expected pushed event, got completion")
	}

	var payload map[string]string
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if payload["id"] != "m1" || payload["text"] != "hi" {
		t.Errorf("unexpected payload: %v", payload)
	}
}

// ---------------------------------------------------------------------------
// Test: Alternative name and payload spellings
// ---------------------------------------------------------------------------

func TestParseServerFrame_Aliases(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		payload string
	}{
		{"event+data", `{"event":"UserJoined","data":"u1"}`, "UserJoined", `"u1"`},
		{"target+arguments", `{"target":"ReceiveMessage","arguments":[{"id":1}]}`, "ReceiveMessage", `{"id":1}`},
		{"upper keys", `{"Type":"Typing","Payload":{"isTyping":true}}`, "Typing", `{"isTyping":true}`},
		{"multi arguments kept", `{"target":"X","arguments":[1,2]}`, "X", `[1,2]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseServerFrame([]byte(tt.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if f.Name != tt.want {
				t.Errorf("expected name %q, got %q", tt.want, f.Name)
			}
			if string(f.Payload) != tt.payload {
				t.Errorf("expected payload %s, got %s", tt.payload, f.Payload)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Frames without a payload key carry the whole object
// ---------------------------------------------------------------------------

func TestParseServerFrame_FlatPayload(t *testing.T) {
	input := `{"type":"user-left","userId":"U-9"}`

	f, err := ParseServerFrame([]byte(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(f.Payload) != input {
		t.Errorf("expected whole frame as payload, got %s", f.Payload)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a completion
// ---------------------------------------------------------------------------

func TestParseServerFrame_Completion(t *testing.T) {
	input := []byte(`{"type":"completion","invocation_id":"abc","result":{"id":"srv-1"}}`)

	f, err := ParseServerFrame(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.IsCompletion() {
		t.Fatal("expected completion")
	}
	if f.InvocationID != "abc" {
		t.Errorf("expected invocation id %q, got %q", "abc", f.InvocationID)
	}
	if string(f.Result) != `{"id":"srv-1"}` {
		t.Errorf("unexpected result: %s", f.Result)
	}
	if f.Error != "" {
		t.Errorf("expected no error, got %q", f.Error)
	}
}

func TestParseServerFrame_CompletionErrorObject(t *testing.T) {
	input := []byte(`{"type":"completion","invocationId":"abc","error":{"code":"forbidden","message":"not a participant"}}`)

	f, err := ParseServerFrame(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.InvocationID != "abc" {
		t.Errorf("expected invocation id %q, got %q", "abc", f.InvocationID)
	}
	if f.Error != "not a participant" {
		t.Errorf("expected error %q, got %q", "not a participant", f.Error)
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed frames
// ---------------------------------------------------------------------------

func TestParseServerFrame_MissingName(t *testing.T) {
	if _, err := ParseServerFrame([]byte(`{"payload":{}}`)); err == nil {
		t.Fatal("expected error for frame without name, got nil")
	}
}

func TestParseServerFrame_InvalidJSON(t *testing.T) {
	if _, err := ParseServerFrame([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Building invocations
// ---------------------------------------------------------------------------

func TestNewClientMessage_SendMessage(t *testing.T) {
	data, err := NewClientMessage(MethodSendMessage, "inv-1", SendMessageMsg{
		ConversationID:  "c1",
		Text:            "hello",
		MessageType:     MessageTypeText,
		ClientMessageID: "tmp-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != MethodSendMessage {
		t.Errorf("expected type %q, got %v", MethodSendMessage, result["type"])
	}
	if result["invocation_id"] != "inv-1" {
		t.Errorf("expected invocation_id %q, got %v", "inv-1", result["invocation_id"])
	}
	if result["conversation_id"] != "c1" || result["text"] != "hello" {
		t.Errorf("unexpected body: %v", result)
	}
	if result["client_message_id"] != "tmp-1" {
		t.Errorf("expected client_message_id %q, got %v", "tmp-1", result["client_message_id"])
	}
}

func TestNewClientMessage_NotifyHasNoInvocationID(t *testing.T) {
	data, err := NewClientMessage(MethodSetTyping, "", SetTypingMsg{ConversationID: "c1", IsTyping: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if _, ok := result["invocation_id"]; ok {
		t.Errorf("expected no invocation_id, got %v", result["invocation_id"])
	}
	if result["is_typing"] != true {
		t.Errorf("expected is_typing true, got %v", result["is_typing"])
	}
}

// ---------------------------------------------------------------------------
// Test: Round trip through the server-side builders
// ---------------------------------------------------------------------------

func TestNewCompletion_RoundTrip(t *testing.T) {
	data, err := NewCompletion("inv-9", map[string]string{"id": "m-9"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f, err := ParseServerFrame(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.IsCompletion() || f.InvocationID != "inv-9" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestNewServerEvent_RoundTrip(t *testing.T) {
	data, err := NewServerEvent("typing-changed", map[string]bool{"isTyping": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f, err := ParseServerFrame(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Name != "typing-changed" {
		t.Errorf("expected name %q, got %q", "typing-changed", f.Name)
	}
	if string(f.Payload) != `{"isTyping":true}` {
		t.Errorf("unexpected payload: %s", f.Payload)
	}
}
