package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "tok")
}

func TestListConversations(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/conversations" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", got)
		}
		w.Write([]byte(`[{"id":"C1","otherUserId":"U2"},{"id":"C2"}]`))
	})

	convs, err := c.ListConversations(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 || convs[0].PeerID != "u2" {
		t.Errorf("unexpected conversations: %+v", convs)
	}
}

func TestFetchMessages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/conversations/C1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("page") != "1" || r.URL.Query().Get("pageSize") != "50" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"items":[{"id":"M1","text":"a"},{"id":"M2","text":"b"}],"total":2}`))
	})

	msgs, err := c.FetchMessages(context.Background(), "C1", 1, 50)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ConversationID != "c1" || msgs[1].ID != "m2" {
		t.Errorf("unexpected messages: %+v", msgs)
	}
}

func TestSendMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body["text"] != "hi" || body["client_message_id"] != "tmp-1" || body["message_type"] != "text" {
			t.Errorf("unexpected body: %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"M7","conversationId":"C1","senderId":"U1","content":"hi"}}`))
	})

	msg, err := c.SendMessage(context.Background(), "C1", "hi", "tmp-1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != "m7" || msg.Text != "hi" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestSendMessage_NoIDInResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	})

	msg, err := c.SendMessage(context.Background(), "C1", "hi", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != "" {
		t.Errorf("expected zero message, got %+v", msg)
	}
}

func TestMarkAllRead(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = r.Method == http.MethodPost && r.URL.Path == "/api/conversations/C1/read"
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.MarkAllRead(context.Background(), "C1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !called {
		t.Error("expected POST /api/conversations/C1/read")
	}
}

func TestStatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"not a participant"}`))
	})

	_, err := c.FetchMessages(context.Background(), "C1", 1, 20)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusForbidden || statusErr.Message != "not a participant" {
		t.Errorf("unexpected status error: %+v", statusErr)
	}
}

func TestUnrecognizedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"nope"`))
	})

	if _, err := c.ListConversations(context.Background()); err == nil {
		t.Error("expected error for unrecognized list response")
	}
	if _, err := c.FetchMessages(context.Background(), "C1", 1, 20); err == nil {
		t.Error("expected error for unrecognized page response")
	}
}
