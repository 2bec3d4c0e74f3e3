// Package session runs the conversation engine: it owns the set of open
// conversations, joins their rooms on the shared channel, hydrates them
// from history, and routes every normalized inbound event to the
// reconciliation store, presence tracker and typing controllers.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tradepost/chatsync/internal/chat"
	"github.com/tradepost/chatsync/internal/typing"
)

var (
	// ErrNotOpen is returned for operations on a conversation that has not
	// been opened.
	ErrNotOpen = errors.New("session: conversation not open")

	// ErrEngineClosed is returned after Shutdown.
	ErrEngineClosed = errors.New("session: engine closed")

	// ErrNoREST is the fallback cause when no REST client is configured.
	ErrNoREST = errors.New("session: no rest client configured")
)

// HistoryFetchError reports a hydration that failed on both the live
// channel and the REST page. The room stays joined and the channel stays
// usable; queued live messages have been applied.
type HistoryFetchError struct {
	ConversationID string
	Live           error
	Fallback       error
}

func (e *HistoryFetchError) Error() string {
	return fmt.Sprintf("session: history %s: live: %v; fallback: %v", e.ConversationID, e.Live, e.Fallback)
}

// Unwrap exposes both causes to errors.Is and errors.As.
func (e *HistoryFetchError) Unwrap() []error {
	return []error{e.Live, e.Fallback}
}

// ConversationSession is the public view of one open conversation.
type ConversationSession struct {
	ConversationID  string    `json:"conversation_id"`
	JoinedAt        time.Time `json:"joined_at"`
	HistoryHydrated bool      `json:"history_hydrated"`
	LocalTyping     bool      `json:"local_typing"`
}

// conversation is the engine's state for one open conversation. Fields
// other than apply and typing are guarded by Engine.mu. view must be
// called with Engine.mu held.
type conversation struct {
	id       string
	joinedAt time.Time
	hydrated bool
	token    uint64         // bumped per history request; stale results are dropped
	queue    []chat.Message // live pushes received before hydration

	// apply serializes writes of history and live messages into the
	// store so a replace never lands after a live append.
	apply  sync.Mutex
	typing *typing.Controller
}

func (c *conversation) view() ConversationSession {
	return ConversationSession{
		ConversationID:  c.id,
		JoinedAt:        c.joinedAt,
		HistoryHydrated: c.hydrated,
		LocalTyping:     c.typing.LocalActive(),
	}
}
