// Package typing manages the ephemeral typing indicator of one
// conversation: the local user's outgoing typing=true/false signals and
// the single remote typer shown to the user.
package typing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepost/chatsync/internal/clock"
)

// DefaultTimeout is how long a typing signal stays valid without renewal.
const DefaultTimeout = 3000 * time.Millisecond

// Notifier delivers the local user's typing state to the server.
type Notifier interface {
	SetTyping(ctx context.Context, conversationID string, isTyping bool) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, conversationID string, isTyping bool) error

// SetTyping calls f.
func (f NotifierFunc) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return f(ctx, conversationID, isTyping)
}

// Config holds the controller's tunables.
type Config struct {
	Timeout time.Duration
	Clock   clock.Clock
	Logger  zerolog.Logger
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: DefaultTimeout,
		Clock:   clock.Real(),
		Logger:  zerolog.Nop(),
	}
}

// State is the displayed remote typer.
type State struct {
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

// Label returns the name to display, falling back to the user id.
func (s State) Label() string {
	if s.UserName != "" {
		return s.UserName
	}
	return s.UserID
}

// Controller owns both typing timers of one conversation. Every timer is
// an owned handle stopped on the next transition or on Close; callbacks
// from a superseded timer are discarded by generation.
type Controller struct {
	conversationID string
	notifier       Notifier
	config         Config

	mu          sync.Mutex
	closed      bool
	localActive bool
	localTimer  *clock.Timer
	localGen    uint64

	remote      *State
	remoteTimer *clock.Timer
	remoteGen   uint64

	listeners map[int]func(State, bool)
	nextID    int
}

// New creates a Controller for conversationID. notifier may be nil, in
// which case local activity is tracked but not sent.
func New(conversationID string, notifier Notifier, config Config) *Controller {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &Controller{
		conversationID: conversationID,
		notifier:       notifier,
		config:         config,
		listeners:      make(map[int]func(State, bool)),
	}
}

// OnInputActivity reports a change of the local input. With content it
// sends typing=true and restarts the expiry timer, whose firing sends
// typing=false. Without content it cancels the timer and sends
// typing=false at once if a typing=true is outstanding.
func (c *Controller) OnInputActivity(hasContent bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	c.localTimer.Stop()
	c.localTimer = nil
	c.localGen++

	if !hasContent {
		wasActive := c.localActive
		c.localActive = false
		c.mu.Unlock()
		if wasActive {
			c.notify(false)
		}
		return
	}

	c.localActive = true
	gen := c.localGen
	c.localTimer = c.config.Clock.AfterFunc(c.config.Timeout, func() {
		c.expireLocal(gen)
	})
	c.mu.Unlock()

	c.notify(true)
}

func (c *Controller) expireLocal(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.localGen || !c.localActive {
		c.mu.Unlock()
		return
	}
	c.localActive = false
	c.localTimer = nil
	c.mu.Unlock()

	c.notify(false)
}

// LocalActive reports whether a typing=true is outstanding.
func (c *Controller) LocalActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localActive
}

// ApplyRemote folds a remote typing event. true shows the typer and
// restarts the auto-hide timer; false hides it immediately. Only one
// remote typer is tracked: a new typer replaces the previous one, and a
// false from a different user than the one displayed is ignored.
func (c *Controller) ApplyRemote(userID, userName string, isTyping bool) {
	userID = strings.ToLower(strings.TrimSpace(userID))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if !isTyping {
		if c.remote == nil || (userID != "" && c.remote.UserID != "" && userID != c.remote.UserID) {
			c.mu.Unlock()
			return
		}
		prev := *c.remote
		c.clearRemoteLocked()
		listeners := c.snapshotListeners()
		c.mu.Unlock()
		c.fire(listeners, prev, false)
		return
	}

	c.remoteTimer.Stop()
	c.remoteGen++
	gen := c.remoteGen
	st := State{
		UserID:    userID,
		UserName:  strings.TrimSpace(userName),
		ExpiresAt: c.config.Clock.Now().Add(c.config.Timeout),
	}
	if st.UserName == "" && c.remote != nil && c.remote.UserID == userID {
		st.UserName = c.remote.UserName
	}
	c.remote = &st
	c.remoteTimer = c.config.Clock.AfterFunc(c.config.Timeout, func() {
		c.expireRemote(gen)
	})
	listeners := c.snapshotListeners()
	c.mu.Unlock()

	c.fire(listeners, st, true)
}

func (c *Controller) expireRemote(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.remoteGen || c.remote == nil {
		c.mu.Unlock()
		return
	}
	prev := *c.remote
	c.remote = nil
	c.remoteTimer = nil
	listeners := c.snapshotListeners()
	c.mu.Unlock()

	c.fire(listeners, prev, false)
}

// Remote returns the displayed remote typer, if any.
func (c *Controller) Remote() (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return State{}, false
	}
	return *c.remote, true
}

// OnChange registers fn to be called when the remote indicator is shown,
// renewed or hidden. The returned function removes the listener.
func (c *Controller) OnChange(fn func(st State, visible bool)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Close cancels both timers. Later calls are no-ops. An outstanding
// local typing=true is not retracted; the peer's own expiry hides it.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.localTimer.Stop()
	c.localTimer = nil
	c.localActive = false
	c.localGen++
	c.clearRemoteLocked()
	c.listeners = make(map[int]func(State, bool))
}

func (c *Controller) clearRemoteLocked() {
	c.remoteTimer.Stop()
	c.remoteTimer = nil
	c.remoteGen++
	c.remote = nil
}

func (c *Controller) notify(isTyping bool) {
	if c.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()
	if err := c.notifier.SetTyping(ctx, c.conversationID, isTyping); err != nil {
		c.config.Logger.Debug().Err(err).
			Str("conversation_id", c.conversationID).
			Bool("is_typing", isTyping).
			Msg("typing notify failed")
	}
}

// snapshotListeners must be called with c.mu held.
func (c *Controller) snapshotListeners() []func(State, bool) {
	out := make([]func(State, bool), 0, len(c.listeners))
	for _, fn := range c.listeners {
		out = append(out, fn)
	}
	return out
}

func (c *Controller) fire(listeners []func(State, bool), st State, visible bool) {
	for _, fn := range listeners {
		fn(st, visible)
	}
}
