package session

import (
	"github.com/tradepost/chatsync/internal/chat"
	"github.com/tradepost/chatsync/internal/events"
	"github.com/tradepost/chatsync/internal/protocol"
)

// handleFrame runs on the channel's read goroutine. It never performs
// network I/O.
func (e *Engine) handleFrame(f protocol.Frame) {
	ev, ok := events.Normalize(f.Name, f.Payload)
	if !ok {
		e.logger.Debug().Str("event", f.Name).Msg("frame ignored")
		return
	}

	var conversationID string
	switch ev := ev.(type) {
	case events.MessageReceived:
		conversationID = e.applyLive(ev.Message)
	case events.ConversationHistory:
		conversationID = e.applyPushedHistory(ev)
	case events.TypingChanged:
		conversationID = e.applyTyping(ev)
	case events.UserJoined:
		e.presence.Apply(ev)
		conversationID = ev.ConversationID
	case events.UserLeft:
		e.presence.Apply(ev)
		conversationID = ev.ConversationID
	case events.UserStatusChanged:
		e.presence.Apply(ev)
	case events.ErrorOccurred:
		e.logger.Warn().Str("code", ev.Code).Str("error", ev.Message).Msg("server error")
	}

	for _, fn := range e.snapshotObservers() {
		fn(conversationID, ev)
	}
}

// applyLive appends a pushed message, or queues it while its
// conversation is still hydrating.
func (e *Engine) applyLive(msg chat.Message) string {
	e.mu.Lock()
	c := e.targetLocked(msg.ConversationID)
	if c == nil {
		e.mu.Unlock()
		e.logger.Debug().
			Str("conversation_id", msg.ConversationID).
			Str("message_id", msg.ID).
			Msg("message for unopened conversation ignored")
		return msg.ConversationID
	}
	msg.ConversationID = c.id
	if !c.hydrated {
		c.queue = append(c.queue, msg)
		e.mu.Unlock()
		return c.id
	}
	e.mu.Unlock()

	c.apply.Lock()
	e.store.ApplyLive(msg)
	c.apply.Unlock()
	return c.id
}

// applyPushedHistory hydrates from a history batch the server pushed on
// its own. It supersedes any history request still in flight.
func (e *Engine) applyPushedHistory(ev events.ConversationHistory) string {
	e.mu.Lock()
	c := e.targetLocked(ev.ConversationID)
	if c == nil {
		e.mu.Unlock()
		return ev.ConversationID
	}
	c.token++
	token := c.token
	e.mu.Unlock()

	_ = e.finishHydration(c, token, withConversation(ev.Messages, c.id), nil)
	return c.id
}

// applyTyping shows or hides a remote typer. The local user's own typing
// echo is ignored. Without a conversation id the event applies to every
// open conversation.
func (e *Engine) applyTyping(ev events.TypingChanged) string {
	if ev.UserID == "" || ev.UserID == e.userID {
		return ev.ConversationID
	}

	e.mu.Lock()
	var targets []*conversation
	if ev.ConversationID != "" {
		if c, ok := e.sessions[ev.ConversationID]; ok {
			targets = append(targets, c)
		}
	} else {
		for _, id := range e.order {
			targets = append(targets, e.sessions[id])
		}
	}
	e.mu.Unlock()

	for _, c := range targets {
		c.typing.ApplyRemote(ev.UserID, ev.UserName, ev.IsTyping)
	}
	return ev.ConversationID
}

// targetLocked resolves the session an event belongs to. An event without
// a conversation id belongs to the only open session, if there is
// exactly one.
func (e *Engine) targetLocked(id string) *conversation {
	if id != "" {
		return e.sessions[id]
	}
	if len(e.order) == 1 {
		return e.sessions[e.order[0]]
	}
	return nil
}

func (e *Engine) snapshotObservers() []func(string, events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]func(string, events.Event), len(e.observers))
	for i, o := range e.observers {
		out[i] = o.fn
	}
	return out
}
