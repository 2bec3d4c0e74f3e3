package send

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tradepost/chatsync/internal/chat"
	"github.com/tradepost/chatsync/internal/clock"
	"github.com/tradepost/chatsync/internal/protocol"
)

type fakeInvoker struct {
	calls  []protocol.SendMessageMsg
	result json.RawMessage
	err    error
	onCall func(msg protocol.SendMessageMsg)
	order  *[]string
}

func (f *fakeInvoker) Invoke(_ context.Context, method string, payload interface{}) (json.RawMessage, error) {
	msg := payload.(protocol.SendMessageMsg)
	f.calls = append(f.calls, msg)
	if f.order != nil {
		*f.order = append(*f.order, "live")
	}
	if f.onCall != nil {
		f.onCall(msg)
	}
	return f.result, f.err
}

type fakeFallback struct {
	calls int
	msg   chat.Message
	err   error
	order *[]string
}

func (f *fakeFallback) SendMessage(_ context.Context, conversationID, text, clientMessageID string) (chat.Message, error) {
	f.calls++
	if f.order != nil {
		*f.order = append(*f.order, "fallback")
	}
	return f.msg, f.err
}

func newTestStore() *chat.Store {
	cfg := chat.DefaultStoreConfig()
	cfg.Clock = clock.Fake(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	return chat.NewStore(cfg)
}

func testConfig() Config {
	return Config{SenderID: "u1", SenderName: "Ann"}
}

func TestSend_LiveSuccess(t *testing.T) {
	store := newTestStore()
	live := &fakeInvoker{result: json.RawMessage(`{"id":"M-1","text":"hello"}`)}
	fb := &fakeFallback{}
	c := New(store, live, fb, testConfig())

	if err := c.Send(context.Background(), "c1", "  hello "); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs := store.Messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ID != "m-1" || msgs[0].Origin != chat.OriginLive || msgs[0].Text != "hello" {
		t.Errorf("unexpected message: %+v", msgs[0])
	}
	if fb.calls != 0 {
		t.Errorf("expected no fallback call, got %d", fb.calls)
	}
	if len(live.calls) != 1 {
		t.Fatalf("expected 1 live call, got %d", len(live.calls))
	}
	sent := live.calls[0]
	if sent.ConversationID != "c1" || sent.Text != "hello" || sent.MessageType != protocol.MessageTypeText {
		t.Errorf("unexpected invocation payload: %+v", sent)
	}
	if len(sent.ClientMessageID) <= len(chat.TempIDPrefix) {
		t.Errorf("expected client_message_id to carry the temp id, got %q", sent.ClientMessageID)
	}
}

func TestSend_LiveFailureFallbackSucceeds(t *testing.T) {
	store := newTestStore()
	var order []string
	live := &fakeInvoker{err: errors.New("invoke rejected"), order: &order}
	fb := &fakeFallback{msg: chat.Message{ID: "m-2"}, order: &order}
	c := New(store, live, fb, testConfig())

	before := store.Len("c1")
	if err := c.Send(context.Background(), "c1", "hi"); err != nil {
		t.Fatalf("expected no error surfaced, got %v", err)
	}

	msgs := store.Messages("c1")
	if len(msgs) != before+1 {
		t.Fatalf("expected count +1, got %d", len(msgs)-before)
	}
	if msgs[0].ID != "m-2" || msgs[0].Origin != chat.OriginLive {
		t.Errorf("expected confirmed entry m-2, got %+v", msgs[0])
	}
	if len(order) != 2 || order[0] != "live" || order[1] != "fallback" {
		t.Errorf("expected sequential live then fallback, got %v", order)
	}
}

func TestSend_BothFail(t *testing.T) {
	store := newTestStore()
	liveErr := errors.New("channel down")
	fbErr := errors.New("503")
	c := New(store, &fakeInvoker{err: liveErr}, &fakeFallback{err: fbErr}, testConfig())

	err := c.Send(context.Background(), "c1", "hi")
	var sendErr *Error
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if !errors.Is(err, liveErr) || !errors.Is(err, fbErr) {
		t.Errorf("expected both causes wrapped, got %v", err)
	}
	if store.Len("c1") != 0 {
		t.Errorf("expected optimistic entry removed, got %d messages", store.Len("c1"))
	}
}

func TestSend_NoFallbackConfigured(t *testing.T) {
	store := newTestStore()
	c := New(store, &fakeInvoker{err: errors.New("down")}, nil, testConfig())

	err := c.Send(context.Background(), "c1", "hi")
	if !errors.Is(err, ErrNoFallback) {
		t.Fatalf("expected ErrNoFallback, got %v", err)
	}
	if store.Len("c1") != 0 {
		t.Errorf("expected entry removed, got %d", store.Len("c1"))
	}
}

func TestSend_InvalidText(t *testing.T) {
	store := newTestStore()
	live := &fakeInvoker{}
	c := New(store, live, &fakeFallback{}, testConfig())

	err := c.Send(context.Background(), "c1", "   ")
	if !errors.Is(err, chat.ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if store.Len("c1") != 0 || len(live.calls) != 0 {
		t.Error("expected nothing sent or shown")
	}
}

func TestSend_LiveWithoutIDResolvedByEcho(t *testing.T) {
	store := newTestStore()
	c := New(store, &fakeInvoker{result: json.RawMessage(`true`)}, nil, testConfig())

	if err := c.Send(context.Background(), "c1", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if msgs := store.Messages("c1"); len(msgs) != 1 || msgs[0].Origin != chat.OriginOptimistic {
		t.Fatalf("expected one optimistic entry, got %+v", msgs)
	}

	store.ApplyLive(chat.Message{ID: "m-5", ConversationID: "c1", SenderID: "U1", Text: "hello"})

	msgs := store.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != "m-5" || msgs[0].Origin != chat.OriginLive {
		t.Errorf("expected echo to replace the entry, got %+v", msgs)
	}
}

func TestSend_EchoBeforeCompletion(t *testing.T) {
	store := newTestStore()
	live := &fakeInvoker{result: json.RawMessage(`"M-9"`)}
	live.onCall = func(msg protocol.SendMessageMsg) {
		store.ApplyLive(chat.Message{
			ID:             "m-9",
			ConversationID: "c1",
			SenderID:       "u1",
			Text:           msg.Text,
			ClientID:       msg.ClientMessageID,
		})
	}
	c := New(store, live, nil, testConfig())

	if err := c.Send(context.Background(), "c1", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs := store.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != "m-9" {
		t.Errorf("expected exactly one m-9, got %+v", msgs)
	}
}
