// Package channel owns the lifecycle of the single duplex connection a
// client keeps to the chat server: connect, reconnect with exponential
// backoff, request/response invocations over the socket, and fan-out of
// pushed frames to per-instance listeners.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradepost/chatsync/internal/clock"
	"github.com/tradepost/chatsync/internal/metrics"
	"github.com/tradepost/chatsync/internal/protocol"
)

// RetryConfig controls reconnect backoff. The delay before retry n
// (counting from zero) is min(BaseDelay * 2^n, MaxDelay).
type RetryConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryConfig returns 1s, 2s, 4s, 8s, 16s then Failed.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:   1000 * time.Millisecond,
		MaxDelay:    30000 * time.Millisecond,
		MaxAttempts: 5,
	}
}

// Delay returns the backoff before the given zero-based attempt.
func (r RetryConfig) Delay(attempt int) time.Duration {
	d := r.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= r.MaxDelay {
			return r.MaxDelay
		}
	}
	if d > r.MaxDelay {
		return r.MaxDelay
	}
	return d
}

// Config holds the manager's collaborators and tunables.
type Config struct {
	Dialer        Dialer
	Retry         RetryConfig
	Heartbeat     HeartbeatConfig
	DialTimeout   time.Duration
	InvokeTimeout time.Duration
	Clock         clock.Clock
	Logger        zerolog.Logger
}

// DefaultConfig returns the production configuration for dialer.
func DefaultConfig(dialer Dialer) Config {
	return Config{
		Dialer:        dialer,
		Retry:         DefaultRetryConfig(),
		Heartbeat:     DefaultHeartbeatConfig(),
		DialTimeout:   10 * time.Second,
		InvokeTimeout: 10 * time.Second,
		Clock:         clock.Real(),
		Logger:        zerolog.Nop(),
	}
}

type result struct {
	frame protocol.Frame
	err   error
}

// Manager is the connection state machine:
//
//	Disconnected -> Connecting -> Connected
//	Connected -> Reconnecting -> Connected | Failed
//
// Failed is terminal until Connect is called again. All listener lists
// belong to the instance; listeners are called without the lock held.
type Manager struct {
	config Config
	logger zerolog.Logger

	mu           sync.Mutex
	state        State
	token        string
	epoch        uint64 // bumped by Connect and Disconnect
	conn         Conn
	connGen      uint64 // identifies conn for its read loop and heartbeat
	connDone     chan struct{}
	lastActivity time.Time
	attempt      int
	retryTimer   *clock.Timer
	pending      map[string]chan result // invocation_id -> waiter

	stateListeners        listeners[func(State)]
	connectedListeners    listeners[func()]
	reconnectingListeners listeners[func(attempt int, delay time.Duration)]
	frameListeners        listeners[func(protocol.Frame)]
}

// NewManager creates a Manager in StateDisconnected.
func NewManager(config Config) *Manager {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Retry.BaseDelay <= 0 {
		config.Retry.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if config.Retry.MaxDelay <= 0 {
		config.Retry.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.InvokeTimeout <= 0 {
		config.InvokeTimeout = 10 * time.Second
	}
	return &Manager{
		config:  config,
		logger:  config.Logger.With().Str("component", "channel").Logger(),
		pending: make(map[string]chan result),
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect performs the initial handshake. It is a no-op while the
// manager is Connecting, Connected or Reconnecting. A failed handshake
// returns a *ConnectionError and leaves the manager Disconnected; only
// drops of an established connection are retried.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.state.Active() {
		m.mu.Unlock()
		return nil
	}
	m.retryTimer.Stop()
	m.retryTimer = nil
	m.token = token
	m.attempt = 0
	m.epoch++
	epoch := m.epoch
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.publishState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
	conn, err := m.config.Dialer.Dial(dialCtx, token)
	cancel()

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrConnectAborted
	}
	if err != nil {
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.publishState(StateDisconnected)
		m.logger.Error().Err(err).Msg("connect failed")
		return &ConnectionError{Op: "connect", Err: err}
	}
	m.attachLocked(conn)
	m.mu.Unlock()

	m.logger.Info().Msg("connected")
	m.publishState(StateConnected)
	m.publishConnected()
	return nil
}

// Disconnect closes the connection and stops any retry loop. It is
// idempotent.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.epoch++
	m.retryTimer.Stop()
	m.retryTimer = nil
	conn := m.detachLocked()
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Info().Msg("disconnected")
	m.publishState(StateDisconnected)
	return nil
}

// Invoke sends method with payload and waits for the server's completion
// frame. A completion carrying an error yields *InvocationError.
func (m *Manager) Invoke(ctx context.Context, method string, payload interface{}) (json.RawMessage, error) {
	id := uuid.NewString()
	data, err := protocol.NewClientMessage(method, id, payload)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := m.conn
	ch := make(chan result, 1)
	m.pending[id] = ch
	m.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.InvocationLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	if err := conn.Write(data); err != nil {
		m.forget(id)
		_ = conn.Close()
		return nil, &ConnectionError{Op: "write", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.InvokeTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		m.forget(id)
		return nil, fmt.Errorf("channel: %s: %w", method, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.frame.Error != "" {
			return nil, &InvocationError{Method: method, Message: res.frame.Error}
		}
		return res.frame.Result, nil
	}
}

// Notify sends method without waiting for an answer.
func (m *Manager) Notify(ctx context.Context, method string, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.NewClientMessage(method, "", payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	if err := conn.Write(data); err != nil {
		_ = conn.Close()
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// OnConnected registers fn to run after the initial connect and after
// every successful reconnect.
func (m *Manager) OnConnected(fn func()) (unsubscribe func()) {
	return m.connectedListeners.add(fn)
}

// OnStateChange registers fn to run on every state transition.
func (m *Manager) OnStateChange(fn func(State)) (unsubscribe func()) {
	return m.stateListeners.add(fn)
}

// OnReconnecting registers fn to run whenever a retry is scheduled.
// attempt counts from 1.
func (m *Manager) OnReconnecting(fn func(attempt int, delay time.Duration)) (unsubscribe func()) {
	return m.reconnectingListeners.add(fn)
}

// Subscribe registers fn for every pushed (non-completion) frame. fn runs
// on the read loop goroutine and must not block on channel I/O.
func (m *Manager) Subscribe(fn func(protocol.Frame)) (unsubscribe func()) {
	return m.frameListeners.add(fn)
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// attachLocked installs conn as the live connection and starts its read
// loop and heartbeat.
func (m *Manager) attachLocked(conn Conn) {
	m.connGen++
	m.conn = conn
	m.connDone = make(chan struct{})
	m.lastActivity = m.config.Clock.Now()
	m.attempt = 0
	m.setStateLocked(StateConnected)

	go m.readLoop(conn, m.connGen)
	m.startHeartbeat(conn, m.connGen, m.connDone)
}

// detachLocked forgets the live connection and fails pending
// invocations. The caller closes the returned conn.
func (m *Manager) detachLocked() Conn {
	conn := m.conn
	m.conn = nil
	m.connGen++
	if m.connDone != nil {
		close(m.connDone)
		m.connDone = nil
	}
	for id, ch := range m.pending {
		ch <- result{err: ErrConnectionLost}
		delete(m.pending, id)
	}
	return conn
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.Read()
		if err != nil {
			m.handleDrop(gen, err)
			return
		}
		m.handleFrame(gen, data)
	}
}

func (m *Manager) handleFrame(gen uint64, data []byte) {
	m.mu.Lock()
	if gen != m.connGen {
		m.mu.Unlock()
		return
	}
	m.lastActivity = m.config.Clock.Now()
	m.mu.Unlock()

	frame, err := protocol.ParseServerFrame(data)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("dropped").Inc()
		m.logger.Debug().Err(err).Msg("unparseable frame dropped")
		return
	}

	if frame.IsCompletion() {
		metrics.FramesTotal.WithLabelValues("completion").Inc()
		m.mu.Lock()
		ch, ok := m.pending[frame.InvocationID]
		delete(m.pending, frame.InvocationID)
		m.mu.Unlock()
		if ok {
			ch <- result{frame: frame}
		}
		return
	}
	if frame.Name == protocol.TypePong {
		return
	}

	for _, fn := range m.frameListeners.snapshot() {
		fn(frame)
	}
}

// handleDrop moves a Connected manager to Reconnecting when its
// connection's read loop fails.
func (m *Manager) handleDrop(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.connGen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	conn := m.detachLocked()
	m.setStateLocked(StateReconnecting)
	attempt, delay := m.scheduleRetryLocked()
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Warn().Err(cause).Msg("connection lost")
	m.publishState(StateReconnecting)
	m.publishReconnecting(attempt, delay)
}

// scheduleRetryLocked arms the retry timer for the current attempt and
// returns the one-based attempt number with its delay.
func (m *Manager) scheduleRetryLocked() (int, time.Duration) {
	delay := m.config.Retry.Delay(m.attempt)
	epoch := m.epoch
	m.retryTimer = m.config.Clock.AfterFunc(delay, func() {
		m.retry(epoch)
	})
	return m.attempt + 1, delay
}

func (m *Manager) retry(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	token := m.token
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.config.DialTimeout)
	conn, err := m.config.Dialer.Dial(ctx, token)
	cancel()

	m.mu.Lock()
	if epoch != m.epoch || m.state != StateReconnecting {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		metrics.ReconnectAttempts.WithLabelValues("failure").Inc()
		m.attempt++
		if m.attempt >= m.config.Retry.MaxAttempts {
			m.setStateLocked(StateFailed)
			m.mu.Unlock()
			m.logger.Error().Err(err).Int("attempts", m.config.Retry.MaxAttempts).Msg("reconnect failed, giving up")
			m.publishState(StateFailed)
			return
		}
		attempt, delay := m.scheduleRetryLocked()
		m.mu.Unlock()
		m.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("reconnect failed")
		m.publishReconnecting(attempt, delay)
		return
	}

	metrics.ReconnectAttempts.WithLabelValues("success").Inc()
	m.attachLocked(conn)
	m.mu.Unlock()

	m.logger.Info().Msg("reconnected")
	m.publishState(StateConnected)
	m.publishConnected()
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// setStateLocked records s and updates the state gauge. Listeners are
// notified by the caller after unlocking.
func (m *Manager) setStateLocked(s State) {
	m.state = s
	metrics.ConnectionState.Set(float64(s))
}

func (m *Manager) publishState(s State) {
	for _, fn := range m.stateListeners.snapshot() {
		fn(s)
	}
}

func (m *Manager) publishConnected() {
	for _, fn := range m.connectedListeners.snapshot() {
		fn()
	}
}

func (m *Manager) publishReconnecting(attempt int, delay time.Duration) {
	for _, fn := range m.reconnectingListeners.snapshot() {
		fn(attempt, delay)
	}
}

// ---------------------------------------------------------------------------
// Listener lists
// ---------------------------------------------------------------------------

// listeners is an ordered, concurrency-safe set of callbacks.
type listeners[F any] struct {
	mu    sync.Mutex
	next  int
	order []int
	fns   map[int]F
}

func (l *listeners[F]) add(fn F) func() {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[int]F)
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.order = append(l.order, id)
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			for i, v := range l.order {
				if v == id {
					l.order = append(l.order[:i], l.order[i+1:]...)
					break
				}
			}
			l.mu.Unlock()
		})
	}
}

func (l *listeners[F]) snapshot() []F {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]F, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.fns[id])
	}
	return out
}
