package messaging

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Subscriber is the subset of NATSClient a Watcher needs.
type Subscriber interface {
	Subscribe(subject string, handler func(subject string, data []byte)) error
	Unsubscribe(subject string) error
	Flush() error
}

// Watcher follows the subjects another client's Mirror publishes to and
// hands each decoded envelope to the registered callbacks.
type Watcher struct {
	sub     Subscriber
	logger  zerolog.Logger
	OnEvent func(subject string, env EventEnvelope)
	OnState func(env StateEnvelope)
}

// NewWatcher creates a Watcher on sub. Callbacks are set on the returned
// value before Start.
func NewWatcher(sub Subscriber, logger zerolog.Logger) *Watcher {
	return &Watcher{
		sub:    sub,
		logger: logger.With().Str("component", "watcher").Logger(),
	}
}

// Start subscribes to every event subject and the state subject, then
// flushes so both subscriptions are active on the server when it returns.
func (w *Watcher) Start() error {
	if err := w.sub.Subscribe(SubjectEventsAll, w.handleEvent); err != nil {
		return err
	}
	if err := w.sub.Subscribe(SubjectState, w.handleState); err != nil {
		_ = w.sub.Unsubscribe(SubjectEventsAll)
		return err
	}
	if err := w.sub.Flush(); err != nil {
		return fmt.Errorf("messaging: flush subscriptions: %w", err)
	}
	w.logger.Info().Str("events", SubjectEventsAll).Str("state", SubjectState).Msg("watching")
	return nil
}

// Stop removes both subscriptions.
func (w *Watcher) Stop() error {
	return errors.Join(w.sub.Unsubscribe(SubjectEventsAll), w.sub.Unsubscribe(SubjectState))
}

func (w *Watcher) handleEvent(subject string, data []byte) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		w.logger.Warn().Err(err).Str("subject", subject).Msg("bad event envelope")
		return
	}
	if w.OnEvent != nil {
		w.OnEvent(subject, env)
	}
}

func (w *Watcher) handleState(subject string, data []byte) {
	var env StateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		w.logger.Warn().Err(err).Str("subject", subject).Msg("bad state envelope")
		return
	}
	if w.OnState != nil {
		w.OnState(env)
	}
}
