package messaging

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepost/chatsync/internal/chat"
	"github.com/tradepost/chatsync/internal/events"
)

// Subjects published by the mirror.
const (
	SubjectEventPrefix = "chatsync.event" // + .<kind>.<conversation_id>
	SubjectState       = "chatsync.state"
	SubjectEventsAll   = SubjectEventPrefix + ".>"
)

// Publisher is the subset of NATSClient the mirror needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// EventEnvelope is the JSON body of an event subject.
type EventEnvelope struct {
	Kind           string          `json:"kind"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Event          json.RawMessage `json:"event"`
	At             string          `json:"at"`
}

// StateEnvelope is the JSON body of the state subject.
type StateEnvelope struct {
	State string `json:"state"`
	At    string `json:"at"`
}

// Mirror publishes engine observations. Publish failures are logged and
// never reach the engine.
type Mirror struct {
	pub    Publisher
	logger zerolog.Logger
	now    func() time.Time
}

// NewMirror creates a Mirror on pub.
func NewMirror(pub Publisher, logger zerolog.Logger) *Mirror {
	return &Mirror{
		pub:    pub,
		logger: logger.With().Str("component", "mirror").Logger(),
		now:    time.Now,
	}
}

// EventSubject returns chatsync.event.<kind>.<conversation_id>. Tokens are
// sanitized so ids cannot inject subject separators or wildcards.
func EventSubject(kind events.Kind, conversationID string) string {
	return SubjectEventPrefix + "." + token(kind.String()) + "." + token(conversationID)
}

func token(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// ObserveEvent publishes ev under its conversation.
func (m *Mirror) ObserveEvent(conversationID string, ev events.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		m.logger.Warn().Err(err).Msg("marshal event failed")
		return
	}
	m.publish(EventSubject(ev.Kind(), conversationID), EventEnvelope{
		Kind:           ev.Kind().String(),
		ConversationID: conversationID,
		Event:          body,
		At:             chat.FormatTimestamp(m.now()),
	})
}

// ObserveState publishes a connection state name.
func (m *Mirror) ObserveState(state string) {
	m.publish(SubjectState, StateEnvelope{State: state, At: chat.FormatTimestamp(m.now())})
}

func (m *Mirror) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn().Err(err).Str("subject", subject).Msg("marshal failed")
		return
	}
	if err := m.pub.Publish(subject, data); err != nil {
		m.logger.Warn().Err(err).Str("subject", subject).Msg("publish failed")
	}
}
