// Package clock abstracts the timers used by the sync engine so that
// reconnect backoff, typing expiry and heartbeats can be driven
// deterministically in tests.
//
// Production code uses Real(). Tests use Fake() and move time with
// Advance; callbacks registered with AfterFunc run synchronously inside
// Advance, in deadline order.
package clock

import "time"

// Clock is the subset of the time package the engine depends on.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels
	// the pending call.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is an owned handle on a pending AfterFunc callback.
type Timer struct {
	stop func() bool
}

// Stop cancels the callback. It reports whether the call prevented the
// callback from running. A nil Timer is a no-op.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	return t.stop()
}

// Ticker delivers periodic ticks. C has capacity 1; slow consumers drop
// ticks instead of queueing them.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the standard library.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
