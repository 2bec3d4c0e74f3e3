package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepost/chatsync/internal/channel"
	"github.com/tradepost/chatsync/internal/chat"
	"github.com/tradepost/chatsync/internal/clock"
	"github.com/tradepost/chatsync/internal/events"
	"github.com/tradepost/chatsync/internal/metrics"
	"github.com/tradepost/chatsync/internal/presence"
	"github.com/tradepost/chatsync/internal/protocol"
	"github.com/tradepost/chatsync/internal/send"
	"github.com/tradepost/chatsync/internal/snapshot"
	"github.com/tradepost/chatsync/internal/typing"
)

// Channel is the live channel as the engine uses it. *channel.Manager
// satisfies it.
type Channel interface {
	State() channel.State
	Invoke(ctx context.Context, method string, payload interface{}) (json.RawMessage, error)
	Notify(ctx context.Context, method string, payload interface{}) error
	OnConnected(fn func()) (unsubscribe func())
	Subscribe(fn func(protocol.Frame)) (unsubscribe func())
}

// REST is the request/response collaborator. *rest.Client satisfies it.
type REST interface {
	FetchMessages(ctx context.Context, conversationID string, page, pageSize int) ([]chat.Message, error)
	SendMessage(ctx context.Context, conversationID, text, clientMessageID string) (chat.Message, error)
	MarkAllRead(ctx context.Context, conversationID string) error
}

// Snapshots persists last-known state between runs. *snapshot.Store
// satisfies it.
type Snapshots interface {
	SaveConversation(ctx context.Context, conversationID string, msgs []chat.Message, savedAt time.Time) error
	LoadConversation(ctx context.Context, conversationID string) (*snapshot.Conversation, error)
	SavePresence(ctx context.Context, entries map[string]bool) error
	LoadPresence(ctx context.Context) (map[string]bool, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// Config holds the engine's identity, collaborators and tunables. REST
// and Snapshots are optional.
type Config struct {
	UserID         string
	UserName       string
	PageSize       int
	RequestTimeout time.Duration
	TypingTimeout  time.Duration
	REST           REST
	Snapshots      Snapshots
	Clock          clock.Clock
	Logger         zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:       50,
		RequestTimeout: 10 * time.Second,
		TypingTimeout:  typing.DefaultTimeout,
		Clock:          clock.Real(),
		Logger:         zerolog.Nop(),
	}
}

type observer struct {
	id uint64
	fn func(conversationID string, ev events.Event)
}

type typingObserver struct {
	id uint64
	fn func(conversationID string, st typing.State, visible bool)
}

// Engine keeps every open conversation in sync with the shared channel.
type Engine struct {
	ch       Channel
	store    *chat.Store
	presence *presence.Tracker
	sender   *send.Coordinator
	config   Config
	logger   zerolog.Logger
	userID   string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()

	mu           sync.Mutex
	closed       bool
	sessions     map[string]*conversation
	order        []string
	observers    []observer
	typers       []typingObserver
	nextObserver uint64
}

// New creates an Engine on ch and subscribes it to the channel's frames
// and connect notifications.
func New(ch Channel, store *chat.Store, tracker *presence.Tracker, config Config) *Engine {
	def := DefaultConfig()
	if config.PageSize <= 0 {
		config.PageSize = def.PageSize
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.TypingTimeout <= 0 {
		config.TypingTimeout = def.TypingTimeout
	}
	if config.Clock == nil {
		config.Clock = def.Clock
	}

	logger := config.Logger.With().Str("component", "session").Logger()
	var fallback send.Fallback
	if config.REST != nil {
		fallback = config.REST
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		ch:       ch,
		store:    store,
		presence: tracker,
		sender: send.New(store, ch, fallback, send.Config{
			SenderID:   events.NormalizeID(config.UserID),
			SenderName: config.UserName,
			Logger:     config.Logger,
		}),
		config:   config,
		logger:   logger,
		userID:   events.NormalizeID(config.UserID),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*conversation),
	}
	e.unsubs = append(e.unsubs,
		ch.Subscribe(e.handleFrame),
		ch.OnConnected(e.handleConnected),
	)
	return e
}

// ---------------------------------------------------------------------------
// Conversation lifecycle
// ---------------------------------------------------------------------------

// Open starts a session for conversationID. The last-known snapshot, if
// any, is shown at once. When the channel is connected the room is joined
// and hydrated before Open returns; otherwise both happen on the next
// connect. Opening an open conversation is a no-op.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	id := events.NormalizeID(conversationID)
	if id == "" {
		return errors.New("session: empty conversation id")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if _, ok := e.sessions[id]; ok {
		e.mu.Unlock()
		return nil
	}
	c := &conversation{id: id, joinedAt: e.config.Clock.Now()}
	c.typing = typing.New(id, typing.NotifierFunc(e.notifyTyping), typing.Config{
		Timeout: e.config.TypingTimeout,
		Clock:   e.config.Clock,
		Logger:  e.logger,
	})
	c.typing.OnChange(func(st typing.State, visible bool) {
		for _, fn := range e.snapshotTypers() {
			fn(id, st, visible)
		}
	})
	e.sessions[id] = c
	e.order = append(e.order, id)
	e.mu.Unlock()

	metrics.OpenSessions.Inc()
	e.logger.Info().Str("conversation_id", id).Msg("conversation opened")

	e.restoreSnapshot(ctx, c)

	if e.ch.State() != channel.StateConnected {
		e.logger.Debug().Str("conversation_id", id).Msg("channel not connected, join deferred")
		return nil
	}
	return e.join(ctx, c)
}

// Close ends the session for conversationID: typing timers are cancelled,
// the room is left best-effort, the visible list is saved to the snapshot
// cache and dropped. In-flight history for it is ignored when it lands.
func (e *Engine) Close(ctx context.Context, conversationID string) error {
	id := events.NormalizeID(conversationID)

	e.mu.Lock()
	c, ok := e.sessions[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.sessions, id)
	for i, v := range e.order {
		if v == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	metrics.OpenSessions.Dec()
	c.typing.Close()
	e.leave(ctx, id)
	e.saveSnapshot(ctx, id)
	e.store.Remove(id)

	e.logger.Info().Str("conversation_id", id).Msg("conversation closed")
	return nil
}

// Forget closes conversationID and deletes its snapshot, so the next Open
// starts from history alone.
func (e *Engine) Forget(ctx context.Context, conversationID string) error {
	id := events.NormalizeID(conversationID)
	if err := e.Close(ctx, id); err != nil {
		return err
	}
	if e.config.Snapshots == nil {
		return nil
	}
	if err := e.config.Snapshots.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("session: forget %s: %w", id, err)
	}
	return nil
}

// Select makes conversationID the only open conversation: every other
// session is closed (leaving its room fire-and-forget) before it is
// opened.
func (e *Engine) Select(ctx context.Context, conversationID string) error {
	id := events.NormalizeID(conversationID)

	e.mu.Lock()
	others := make([]string, 0, len(e.order))
	for _, v := range e.order {
		if v != id {
			others = append(others, v)
		}
	}
	e.mu.Unlock()

	for _, v := range others {
		if err := e.Close(ctx, v); err != nil {
			return err
		}
	}
	return e.Open(ctx, id)
}

// Sessions returns the open conversations in the order they were opened.
func (e *Engine) Sessions() []ConversationSession {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ConversationSession, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.sessions[id].view())
	}
	return out
}

// Messages returns the visible message list of conversationID.
func (e *Engine) Messages(conversationID string) []chat.Message {
	return e.store.Messages(events.NormalizeID(conversationID))
}

// Typing returns the remote typer shown in conversationID, if any.
func (e *Engine) Typing(conversationID string) (typing.State, bool) {
	c := e.session(events.NormalizeID(conversationID))
	if c == nil {
		return typing.State{}, false
	}
	return c.typing.Remote()
}

// Observe registers fn for every normalized inbound event, after the
// engine has applied it. Events that carry no conversation are passed
// with an empty id. fn runs on the channel's read goroutine.
func (e *Engine) Observe(fn func(conversationID string, ev events.Event)) (unsubscribe func()) {
	e.mu.Lock()
	e.nextObserver++
	id := e.nextObserver
	e.observers = append(e.observers, observer{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, o := range e.observers {
				if o.id == id {
					e.observers = append(e.observers[:i:i], e.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// OnTyping registers fn for every change of a conversation's remote
// typing indicator: shown, renewed, or hidden by event or expiry. fn may
// run on the read goroutine or a timer goroutine.
func (e *Engine) OnTyping(fn func(conversationID string, st typing.State, visible bool)) (unsubscribe func()) {
	e.mu.Lock()
	e.nextObserver++
	id := e.nextObserver
	e.typers = append(e.typers, typingObserver{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, o := range e.typers {
				if o.id == id {
					e.typers = append(e.typers[:i:i], e.typers[i+1:]...)
					return
				}
			}
		})
	}
}

func (e *Engine) snapshotTypers() []func(string, typing.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]func(string, typing.State, bool), len(e.typers))
	for i, o := range e.typers {
		out[i] = o.fn
	}
	return out
}

// ---------------------------------------------------------------------------
// User actions
// ---------------------------------------------------------------------------

// Send delivers text to conversationID through the send coordinator. Any
// outstanding local typing indicator is cleared first.
func (e *Engine) Send(ctx context.Context, conversationID, text string) error {
	id := events.NormalizeID(conversationID)
	c := e.session(id)
	if c == nil {
		return fmt.Errorf("session: send %s: %w", id, ErrNotOpen)
	}
	c.typing.OnInputActivity(false)
	return e.sender.Send(ctx, id, text)
}

// InputActivity reports the local input state of conversationID to its
// typing controller.
func (e *Engine) InputActivity(conversationID string, hasContent bool) error {
	id := events.NormalizeID(conversationID)
	c := e.session(id)
	if c == nil {
		return fmt.Errorf("session: input %s: %w", id, ErrNotOpen)
	}
	c.typing.OnInputActivity(hasContent)
	return nil
}

// MarkRead marks conversationID read up to its newest server message,
// over the channel first and the REST mark-all-read second.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	id := events.NormalizeID(conversationID)
	if e.session(id) == nil {
		return fmt.Errorf("session: mark read %s: %w", id, ErrNotOpen)
	}

	msgs := e.store.Messages(id)
	var last string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Origin != chat.OriginOptimistic {
			last = msgs[i].ID
			break
		}
	}
	if last == "" {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	_, liveErr := e.ch.Invoke(callCtx, protocol.MethodMarkRead, protocol.MarkReadMsg{
		ConversationID: id,
		MessageID:      last,
	})
	cancel()
	if liveErr == nil {
		return nil
	}
	if e.config.REST == nil {
		return fmt.Errorf("session: mark read %s: %w", id, liveErr)
	}

	callCtx, cancel = context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()
	if err := e.config.REST.MarkAllRead(callCtx, id); err != nil {
		return fmt.Errorf("session: mark read %s: %w", id, errors.Join(liveErr, err))
	}
	return nil
}

// RestorePresence loads the presence snapshot into the tracker. Entries
// the tracker already knows are kept.
func (e *Engine) RestorePresence(ctx context.Context) error {
	if e.config.Snapshots == nil {
		return nil
	}
	entries, err := e.config.Snapshots.LoadPresence(ctx)
	if err != nil {
		return fmt.Errorf("session: restore presence: %w", err)
	}
	e.presence.Restore(entries)
	return nil
}

// Shutdown closes every session, saves presence, detaches from the
// channel and waits for background hydrations to finish. The channel
// itself is left to its owner.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	ids := append([]string(nil), e.order...)
	e.mu.Unlock()

	for _, id := range ids {
		_ = e.Close(ctx, id)
	}

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	for _, unsub := range e.unsubs {
		unsub()
	}
	e.cancel()
	e.wg.Wait()

	if e.config.Snapshots != nil {
		if err := e.config.Snapshots.SavePresence(ctx, e.presence.Snapshot()); err != nil {
			return fmt.Errorf("session: save presence: %w", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Join and hydration
// ---------------------------------------------------------------------------

// handleConnected runs after every connect and reconnect: every open
// room is re-joined and re-hydrated on a background goroutine.
func (e *Engine) handleConnected() {
	e.mu.Lock()
	if e.closed || len(e.order) == 0 {
		e.mu.Unlock()
		return
	}
	convs := make([]*conversation, 0, len(e.order))
	for _, id := range e.order {
		convs = append(convs, e.sessions[id])
	}
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Info().Int("conversations", len(convs)).Msg("channel connected, rejoining")
	go func() {
		defer e.wg.Done()
		for _, c := range convs {
			if err := e.join(e.ctx, c); err != nil {
				e.logger.Warn().Err(err).Str("conversation_id", c.id).Msg("rejoin failed")
			}
		}
	}()
}

// join enters the room of c and hydrates it. Live pushes for c are queued
// from here until the history lands.
func (e *Engine) join(ctx context.Context, c *conversation) error {
	token, ok := e.beginHydration(c)
	if !ok {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	_, err := e.ch.Invoke(callCtx, protocol.MethodJoinConversation, protocol.JoinConversationMsg{ConversationID: c.id})
	cancel()
	if err != nil {
		// A failed join releases the queue; the next connect retries it.
		return e.finishHydration(c, token, nil, fmt.Errorf("session: join %s: %w", c.id, err))
	}

	msgs, err := e.fetchHistory(ctx, c.id)
	return e.finishHydration(c, token, msgs, err)
}

func (e *Engine) beginHydration(c *conversation) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions[c.id] != c {
		return 0, false
	}
	c.token++
	c.hydrated = false
	return c.token, true
}

// fetchHistory asks the channel for the first history page and falls
// back to the REST page.
func (e *Engine) fetchHistory(ctx context.Context, id string) ([]chat.Message, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	raw, liveErr := e.ch.Invoke(callCtx, protocol.MethodGetHistory, protocol.GetHistoryMsg{
		ConversationID: id,
		Page:           1,
		PageSize:       e.config.PageSize,
	})
	cancel()
	if liveErr == nil {
		if _, msgs, ok := events.ParseMessages(raw); ok {
			metrics.HistoryFetches.WithLabelValues("live").Inc()
			return withConversation(msgs, id), nil
		}
		liveErr = errors.New("session: unrecognized history result")
	}
	e.logger.Warn().Err(liveErr).Str("conversation_id", id).Msg("live history failed, trying fallback")

	if e.config.REST == nil {
		metrics.HistoryFetches.WithLabelValues("failed").Inc()
		return nil, &HistoryFetchError{ConversationID: id, Live: liveErr, Fallback: ErrNoREST}
	}
	callCtx, cancel = context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()
	msgs, err := e.config.REST.FetchMessages(callCtx, id, 1, e.config.PageSize)
	if err != nil {
		metrics.HistoryFetches.WithLabelValues("failed").Inc()
		return nil, &HistoryFetchError{ConversationID: id, Live: liveErr, Fallback: err}
	}
	metrics.HistoryFetches.WithLabelValues("fallback").Inc()
	return withConversation(msgs, id), nil
}

// finishHydration applies a history result if it is still wanted, then
// replays the live messages queued meanwhile. A failed join or fetch
// still releases the queue and keeps the visible list as it was.
func (e *Engine) finishHydration(c *conversation, token uint64, msgs []chat.Message, fetchErr error) error {
	c.apply.Lock()

	e.mu.Lock()
	if e.sessions[c.id] != c || c.token != token {
		e.mu.Unlock()
		c.apply.Unlock()
		metrics.HistoryFetches.WithLabelValues("stale").Inc()
		e.logger.Debug().Str("conversation_id", c.id).Msg("stale history dropped")
		return nil
	}
	c.hydrated = true
	queued := c.queue
	c.queue = nil
	e.mu.Unlock()

	if fetchErr == nil {
		e.store.ApplyHistory(c.id, msgs)
	}
	for _, msg := range queued {
		e.store.ApplyLive(msg)
	}
	c.apply.Unlock()

	if fetchErr != nil {
		e.logger.Error().Err(fetchErr).
			Str("conversation_id", c.id).
			Int("replayed", len(queued)).
			Msg("hydration failed")
		return fetchErr
	}
	e.logger.Debug().
		Str("conversation_id", c.id).
		Int("messages", len(msgs)).
		Int("replayed", len(queued)).
		Msg("conversation hydrated")
	e.saveSnapshotAsync(c.id)
	return nil
}

func (e *Engine) leave(ctx context.Context, id string) {
	if e.ch.State() != channel.StateConnected {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()
	if err := e.ch.Notify(callCtx, protocol.MethodLeaveConversation, protocol.LeaveConversationMsg{ConversationID: id}); err != nil {
		e.logger.Warn().Err(err).Str("conversation_id", id).Msg("leave failed")
	}
}

func (e *Engine) notifyTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return e.ch.Notify(ctx, protocol.MethodSetTyping, protocol.SetTypingMsg{
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// restoreSnapshot shows the last-known list of c while it has nothing
// fresher.
func (e *Engine) restoreSnapshot(ctx context.Context, c *conversation) {
	if e.config.Snapshots == nil || e.store.Len(c.id) > 0 {
		return
	}
	snap, err := e.config.Snapshots.LoadConversation(ctx, c.id)
	if err != nil {
		e.logger.Warn().Err(err).Str("conversation_id", c.id).Msg("snapshot load failed")
		return
	}
	if snap == nil || len(snap.Messages) == 0 {
		return
	}

	c.apply.Lock()
	defer c.apply.Unlock()
	e.mu.Lock()
	stale := e.sessions[c.id] != c || c.hydrated
	e.mu.Unlock()
	if stale {
		return
	}
	e.store.ApplyHistory(c.id, withConversation(snap.Messages, c.id))
	e.logger.Debug().
		Str("conversation_id", c.id).
		Int("messages", len(snap.Messages)).
		Msg("snapshot restored")
}

func (e *Engine) saveSnapshot(ctx context.Context, id string) {
	if e.config.Snapshots == nil {
		return
	}
	msgs := e.store.Messages(id)
	if len(msgs) == 0 {
		return
	}
	if err := e.config.Snapshots.SaveConversation(ctx, id, msgs, e.config.Clock.Now()); err != nil {
		e.logger.Warn().Err(err).Str("conversation_id", id).Msg("snapshot save failed")
	}
}

func (e *Engine) saveSnapshotAsync(id string) {
	if e.config.Snapshots == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, e.config.RequestTimeout)
		defer cancel()
		e.saveSnapshot(ctx, id)
	}()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (e *Engine) session(id string) *conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[id]
}

func withConversation(msgs []chat.Message, id string) []chat.Message {
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = id
		}
	}
	return msgs
}
