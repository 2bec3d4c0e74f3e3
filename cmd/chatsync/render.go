package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/tradepost/chatsync/internal/chat"
	"github.com/tradepost/chatsync/internal/events"
	"github.com/tradepost/chatsync/internal/messaging"
	"github.com/tradepost/chatsync/internal/typing"
)

// renderer prints what the user sees: the reconciled message list, the
// remote typing indicator and peer presence. Each message is printed
// once, when it first becomes visible.
type renderer struct {
	out   io.Writer
	store *chat.Store

	mu      sync.Mutex
	printed map[string]map[string]bool // conversation_id -> printed ids
	prev    map[string][]chat.Message
}

func newRenderer(out io.Writer, store *chat.Store) *renderer {
	return &renderer{
		out:     out,
		store:   store,
		printed: make(map[string]map[string]bool),
		prev:    make(map[string][]chat.Message),
	}
}

// messagesChanged diffs the visible list of conversationID against the
// last one seen. An entry that takes the place of a printed optimistic
// entry with the same text is its confirmation and is not printed again.
func (r *renderer) messagesChanged(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.store.Messages(conversationID)

	if len(cur) == 0 {
		delete(r.printed, conversationID)
		delete(r.prev, conversationID)
		return
	}
	printed := r.printed[conversationID]
	if printed == nil {
		printed = make(map[string]bool)
		r.printed[conversationID] = printed
	}

	present := make(map[string]bool, len(cur))
	for _, m := range cur {
		present[m.ID] = true
	}
	replaced := make(map[string]bool)
	for _, m := range r.prev[conversationID] {
		if m.Origin == chat.OriginOptimistic && !present[m.ID] {
			replaced[m.Text] = true
		}
	}

	for _, m := range cur {
		if printed[m.ID] {
			continue
		}
		printed[m.ID] = true
		if m.Origin != chat.OriginOptimistic && replaced[m.Text] {
			delete(replaced, m.Text)
			continue
		}
		r.printMessageLocked(m)
	}
	r.prev[conversationID] = cur
}

func (r *renderer) printMessageLocked(m chat.Message) {
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	fmt.Fprintf(r.out, "[%s] %s: %s\n", m.ConversationID, sender, m.Text)
}

func (r *renderer) typingChanged(conversationID string, st typing.State, visible bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if visible {
		fmt.Fprintf(r.out, "[%s] %s is typing...\n", conversationID, st.Label())
		return
	}
	fmt.Fprintf(r.out, "[%s] %s stopped typing\n", conversationID, st.Label())
}

func (r *renderer) presenceChanged(userID string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := "offline"
	if online {
		status = "online"
	}
	fmt.Fprintf(r.out, "* %s is %s\n", userID, status)
}

// serverError prints error events; every other kind reaches the user
// through the store, the typing indicator or the presence tracker.
func (r *renderer) serverError(_ string, ev events.Event) {
	e, ok := ev.(events.ErrorOccurred)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "! server: %s\n", e.Message)
}

func (r *renderer) line(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *renderer) watchedEvent(_ string, env messaging.EventEnvelope) {
	r.line("%s %s [%s] %s", env.At, env.Kind, env.ConversationID, env.Event)
}

func (r *renderer) watchedState(env messaging.StateEnvelope) {
	r.line("%s * %s", env.At, env.State)
}
