package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tradepost/chatsync/internal/channel"
	"github.com/tradepost/chatsync/internal/chat"
	"github.com/tradepost/chatsync/internal/clock"
	"github.com/tradepost/chatsync/internal/events"
	"github.com/tradepost/chatsync/internal/messaging"
	"github.com/tradepost/chatsync/internal/presence"
	"github.com/tradepost/chatsync/internal/protocol"
	"github.com/tradepost/chatsync/internal/session"
	"github.com/tradepost/chatsync/internal/typing"
)

func newTestRenderer() (*renderer, *chat.Store, *bytes.Buffer) {
	var buf bytes.Buffer
	store := chat.NewStore(chat.DefaultStoreConfig())
	r := newRenderer(&buf, store)
	store.Subscribe(r.messagesChanged)
	return r, store, &buf
}

func lines(buf *bytes.Buffer) []string {
	s := strings.TrimRight(buf.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func peerMessage(id, text string) chat.Message {
	return chat.Message{ID: id, ConversationID: "c1", SenderID: "u2", SenderName: "Bob", Text: text}
}

func TestRenderer_PrintsEachMessageOnce(t *testing.T) {
	_, store, buf := newTestRenderer()

	store.ApplyHistory("c1", []chat.Message{peerMessage("m1", "one"), peerMessage("m2", "two")})
	store.ApplyLive(peerMessage("m3", "three"))
	store.ApplyLive(peerMessage("m3", "three"))
	store.ApplyHistory("c1", []chat.Message{peerMessage("m1", "one"), peerMessage("m2", "two"), peerMessage("m3", "three")})

	got := lines(buf)
	want := []string{"[c1] Bob: one", "[c1] Bob: two", "[c1] Bob: three"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestRenderer_OwnMessageNotReprintedOnConfirm(t *testing.T) {
	_, store, buf := newTestRenderer()

	tempID := store.ApplyOptimistic("c1", "u1", "Ann", "hi")
	store.Confirm("c1", tempID, "srv-1")
	store.ApplyLive(chat.Message{ID: "srv-1", ConversationID: "c1", SenderID: "u1", SenderName: "Ann", Text: "hi"})

	if got := lines(buf); len(got) != 1 || got[0] != "[c1] Ann: hi" {
		t.Errorf("expected own message once, got %v", got)
	}
}

func TestRenderer_OwnEchoReplacesPlaceholderSilently(t *testing.T) {
	_, store, buf := newTestRenderer()

	store.ApplyOptimistic("c1", "u1", "Ann", "hi")
	store.ApplyLive(chat.Message{ID: "srv-1", ConversationID: "c1", SenderID: "u1", SenderName: "Ann", Text: "hi"})
	store.ApplyLive(peerMessage("m2", "hi"))

	got := lines(buf)
	want := []string{"[c1] Ann: hi", "[c1] Bob: hi"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestRenderer_ReopenPrintsHistoryAgain(t *testing.T) {
	_, store, buf := newTestRenderer()

	store.ApplyHistory("c1", []chat.Message{peerMessage("m1", "one")})
	store.Remove("c1")
	store.ApplyHistory("c1", []chat.Message{peerMessage("m1", "one")})

	if got := lines(buf); len(got) != 2 {
		t.Errorf("expected history printed on each open, got %v", got)
	}
}

func TestRenderer_TypingPresenceAndErrors(t *testing.T) {
	r, _, buf := newTestRenderer()

	r.typingChanged("c1", typing.State{UserID: "u2", UserName: "Bob"}, true)
	r.typingChanged("c1", typing.State{UserID: "u3"}, false)
	r.presenceChanged("u2", true)
	r.presenceChanged("u2", false)
	r.serverError("c1", events.ErrorOccurred{Message: "rate limited"})
	r.serverError("c1", events.UserJoined{UserID: "u2"})

	got := lines(buf)
	want := []string{
		"[c1] Bob is typing...",
		"[c1] u3 stopped typing",
		"* u2 is online",
		"* u2 is offline",
		"! server: rate limited",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

type fakeLister struct {
	convs []chat.Conversation
	err   error
}

func (f *fakeLister) ListConversations(context.Context) ([]chat.Conversation, error) {
	return f.convs, f.err
}

func TestCLI_ListFeedsPresence(t *testing.T) {
	var buf bytes.Buffer
	tracker := presence.NewTracker()
	out := newRenderer(&buf, nil)
	tracker.OnChange(out.presenceChanged)
	online := true
	c := &cli{
		lister: &fakeLister{convs: []chat.Conversation{
			{ID: "c1", Title: "Bike", PeerID: "u2", PeerOnline: &online, UnreadCount: 3},
			{ID: "c2", Title: "Lamp", PeerID: "u3"},
		}},
		tracker: tracker,
		out:     out,
	}

	if quit := c.handle(context.Background(), "/list"); quit {
		t.Fatal("expected /list not to quit")
	}
	if !tracker.IsOnline("u2") {
		t.Error("expected u2 online from the conversation list")
	}
	if tracker.Known("u3") {
		t.Error("expected u3 to stay unknown without an online flag")
	}

	got := lines(&buf)
	want := []string{
		"* u2 is online",
		"  c1  Bike (3 unread) [online]",
		"  c2  Lamp (0 unread)",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestCLI_ListFailureAndUnknownCommand(t *testing.T) {
	var buf bytes.Buffer
	c := &cli{
		lister:  &fakeLister{err: errors.New("unauthorized")},
		tracker: presence.NewTracker(),
		out:     newRenderer(&buf, nil),
	}

	c.handle(context.Background(), "/list")
	c.handle(context.Background(), "/bogus")
	c.handle(context.Background(), "hello")
	if !c.handle(context.Background(), " /quit ") {
		t.Error("expected /quit to quit")
	}

	got := lines(&buf)
	want := []string{
		"! list failed: unauthorized",
		"! unknown command /bogus",
		"! no conversation selected",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestRenderer_WatchedEnvelopes(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, nil)
	at := chat.FormatTimestamp(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))

	r.watchedState(messaging.StateEnvelope{State: "connected", At: at})
	r.watchedEvent("chatsync.event.user-joined.c1", messaging.EventEnvelope{
		Kind:           "user-joined",
		ConversationID: "c1",
		Event:          []byte(`{"userId":"u2"}`),
		At:             at,
	})
	got := lines(&buf)
	want := []string{
		at + " * connected",
		at + ` user-joined [c1] {"userId":"u2"}`,
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

type stubChannel struct {
	mu       sync.Mutex
	notified []string
}

func (s *stubChannel) State() channel.State { return channel.StateConnected }

func (s *stubChannel) Invoke(_ context.Context, method string, _ interface{}) (json.RawMessage, error) {
	if method == protocol.MethodGetHistory {
		return json.RawMessage(`[]`), nil
	}
	return json.RawMessage(`{}`), nil
}

func (s *stubChannel) Notify(_ context.Context, method string, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := payload.(protocol.SetTypingMsg); ok {
		method = fmt.Sprintf("%s:%v", method, m.IsTyping)
	}
	s.notified = append(s.notified, method)
	return nil
}

func (s *stubChannel) OnConnected(func()) func()            { return func() {} }
func (s *stubChannel) Subscribe(func(protocol.Frame)) func() { return func() {} }

func TestCLI_SessionCommands(t *testing.T) {
	var buf bytes.Buffer
	ch := &stubChannel{}
	store := chat.NewStore(chat.DefaultStoreConfig())
	tracker := presence.NewTracker()
	cfg := session.DefaultConfig()
	cfg.UserID = "u1"
	cfg.Clock = clock.Fake(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	engine := session.New(ch, store, tracker, cfg)
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })

	c := &cli{engine: engine, tracker: tracker, out: newRenderer(&buf, store)}
	ctx := context.Background()

	c.handle(ctx, "/open C1")
	if c.selected != "c1" {
		t.Fatalf("expected c1 selected, got %q", c.selected)
	}
	c.handle(ctx, "/typing")
	c.handle(ctx, "/sessions")
	c.handle(ctx, "/typing off")
	c.handle(ctx, "/forget")
	if c.selected != "" {
		t.Errorf("expected selection cleared, got %q", c.selected)
	}
	c.handle(ctx, "/sessions")
	c.handle(ctx, "/typing")

	got := lines(&buf)
	want := []string{
		"* c1 joined 10:00AM hydrated=true typing=true peer_typing=-",
		"! typing failed: session: input : session: conversation not open",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("expected %v, got %v", want, got)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	var typingNotes []string
	for _, n := range ch.notified {
		if strings.HasPrefix(n, protocol.MethodSetTyping) {
			typingNotes = append(typingNotes, n)
		}
	}
	if strings.Join(typingNotes, ",") != "set-typing:true,set-typing:false" {
		t.Errorf("expected typing on then off, got %v", typingNotes)
	}
}
