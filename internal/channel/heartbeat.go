package channel

import (
	"time"

	"github.com/tradepost/chatsync/internal/protocol"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping; zero disables the heartbeat
	Timeout  time.Duration // max silence tolerated after a ping
}

// DefaultHeartbeatConfig returns the production heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

var pingFrame, _ = protocol.NewClientMessage(protocol.TypePing, "", protocol.PingMsg{})

// startHeartbeat pings the server every Interval and closes the
// connection once nothing has been read for Interval + Timeout. Closing
// makes the read loop fail, which moves the manager to Reconnecting.
// The goroutine exits when done is closed.
func (m *Manager) startHeartbeat(conn Conn, gen uint64, done <-chan struct{}) {
	cfg := m.config.Heartbeat
	if cfg.Interval <= 0 {
		return
	}
	ticker := m.config.Clock.NewTicker(cfg.Interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !m.checkConnection(conn, gen, cfg) {
					return
				}
			}
		}
	}()
}

// checkConnection reports whether the heartbeat should keep running.
func (m *Manager) checkConnection(conn Conn, gen uint64, cfg HeartbeatConfig) bool {
	m.mu.Lock()
	if gen != m.connGen {
		m.mu.Unlock()
		return false
	}
	silence := m.config.Clock.Now().Sub(m.lastActivity)
	m.mu.Unlock()

	if silence > cfg.Interval+cfg.Timeout {
		m.logger.Warn().
			Dur("silence", silence.Round(time.Millisecond)).
			Msg("heartbeat timeout, closing connection")
		_ = conn.Close()
		return false
	}

	if err := conn.Write(pingFrame); err != nil {
		m.logger.Warn().Err(err).Msg("heartbeat ping failed")
		_ = conn.Close()
		return false
	}
	return true
}
