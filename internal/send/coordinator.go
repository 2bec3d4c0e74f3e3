// Package send delivers outgoing chat messages: live channel first, REST
// fallback second, with exactly one optimistic entry per call.
package send

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tradepost/chatsync/internal/chat"
	"github.com/tradepost/chatsync/internal/events"
	"github.com/tradepost/chatsync/internal/metrics"
	"github.com/tradepost/chatsync/internal/protocol"
)

// ErrNoFallback is the fallback cause when no REST client is configured.
var ErrNoFallback = errors.New("send: no fallback configured")

// Invoker performs a request/response call over the live channel.
type Invoker interface {
	Invoke(ctx context.Context, method string, payload interface{}) (json.RawMessage, error)
}

// Fallback posts a message through the request/response API.
type Fallback interface {
	SendMessage(ctx context.Context, conversationID, text, clientMessageID string) (chat.Message, error)
}

// Error reports a send that failed on both paths. The optimistic entry
// has already been removed.
type Error struct {
	ConversationID string
	Live           error
	Fallback       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("send: conversation %s: live: %v; fallback: %v", e.ConversationID, e.Live, e.Fallback)
}

// Unwrap exposes both causes to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	return []error{e.Live, e.Fallback}
}

// Config identifies the local user and carries the logger.
type Config struct {
	SenderID   string
	SenderName string
	Logger     zerolog.Logger
}

// Coordinator runs the send pipeline against one reconciliation store.
type Coordinator struct {
	store    *chat.Store
	live     Invoker
	fallback Fallback
	config   Config
	logger   zerolog.Logger
}

// New creates a Coordinator. fallback may be nil.
func New(store *chat.Store, live Invoker, fallback Fallback, config Config) *Coordinator {
	return &Coordinator{
		store:    store,
		live:     live,
		fallback: fallback,
		config:   config,
		logger:   config.Logger.With().Str("component", "send").Logger(),
	}
}

// Send validates text, shows it optimistically, and delivers it over the
// live channel or, if that fails, the fallback. The two attempts never
// overlap. On double failure the optimistic entry is removed and *Error
// is returned. A confirmed server id promotes the entry; without one the
// live echo resolves it through the store's dedup rules.
func (c *Coordinator) Send(ctx context.Context, conversationID, text string) error {
	if err := chat.ValidateMessage(text); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	text = strings.TrimSpace(text)

	tempID := c.store.ApplyOptimistic(conversationID, c.config.SenderID, c.config.SenderName, text)

	serverID, liveErr := c.sendLive(ctx, conversationID, text, tempID)
	if liveErr == nil {
		metrics.SendsTotal.WithLabelValues("live").Inc()
		c.confirm(conversationID, tempID, serverID)
		return nil
	}
	c.logger.Warn().Err(liveErr).
		Str("conversation_id", conversationID).
		Msg("live send failed, trying fallback")

	serverID, fallbackErr := c.sendFallback(ctx, conversationID, text, tempID)
	if fallbackErr == nil {
		metrics.SendsTotal.WithLabelValues("fallback").Inc()
		c.confirm(conversationID, tempID, serverID)
		return nil
	}

	metrics.SendsTotal.WithLabelValues("failed").Inc()
	c.store.Fail(conversationID, tempID)
	c.logger.Error().
		AnErr("live", liveErr).
		AnErr("fallback", fallbackErr).
		Str("conversation_id", conversationID).
		Msg("send failed")
	return &Error{ConversationID: conversationID, Live: liveErr, Fallback: fallbackErr}
}

func (c *Coordinator) sendLive(ctx context.Context, conversationID, text, tempID string) (string, error) {
	if c.live == nil {
		return "", errors.New("send: no live channel")
	}
	res, err := c.live.Invoke(ctx, protocol.MethodSendMessage, protocol.SendMessageMsg{
		ConversationID:  conversationID,
		Text:            text,
		MessageType:     protocol.MessageTypeText,
		ClientMessageID: tempID,
	})
	if err != nil {
		return "", err
	}
	return resultID(res), nil
}

func (c *Coordinator) sendFallback(ctx context.Context, conversationID, text, tempID string) (string, error) {
	if c.fallback == nil {
		return "", ErrNoFallback
	}
	msg, err := c.fallback.SendMessage(ctx, conversationID, text, tempID)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (c *Coordinator) confirm(conversationID, tempID, serverID string) {
	if serverID == "" {
		return
	}
	if !c.store.Confirm(conversationID, tempID, serverID) {
		// Already resolved by the live echo.
		c.logger.Debug().Str("temp_id", tempID).Str("message_id", serverID).Msg("confirm skipped")
	}
}

// resultID extracts a message id from a send-message completion: a
// message object, an {"id": ...} object or a bare id.
func resultID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if msg, ok := events.ParseMessage(raw, chat.OriginLive); ok {
		return msg.ID
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return events.NormalizeID(v)
}
