// Package config loads the chatsync client configuration from CHATSYNC_*
// environment variables and lets command-line flags override it.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
)

// Config is the full client configuration. Empty RedisAddr, NATSURL or
// MetricsAddr disable the snapshot cache, the event mirror and the
// metrics endpoint respectively.
type Config struct {
	ChannelURL    string   `env:"CHATSYNC_CHANNEL_URL" envDefault:"ws://localhost:8080/hubs/chat"`
	APIBaseURL    string   `env:"CHATSYNC_API_URL" envDefault:"http://localhost:8080"`
	Token         string   `env:"CHATSYNC_TOKEN"`
	UserID        string   `env:"CHATSYNC_USER_ID"`
	UserName      string   `env:"CHATSYNC_USER_NAME"`
	Conversations []string `env:"CHATSYNC_CONVERSATIONS" envSeparator:","`

	PageSize       int           `env:"CHATSYNC_PAGE_SIZE" envDefault:"50"`
	DialTimeout    time.Duration `env:"CHATSYNC_DIAL_TIMEOUT" envDefault:"10s"`
	InvokeTimeout  time.Duration `env:"CHATSYNC_INVOKE_TIMEOUT" envDefault:"10s"`
	RequestTimeout time.Duration `env:"CHATSYNC_REQUEST_TIMEOUT" envDefault:"10s"`

	ReconnectAttempts  int           `env:"CHATSYNC_RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectBaseDelay time.Duration `env:"CHATSYNC_RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxDelay  time.Duration `env:"CHATSYNC_RECONNECT_MAX_DELAY" envDefault:"30s"`
	HeartbeatInterval  time.Duration `env:"CHATSYNC_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout   time.Duration `env:"CHATSYNC_HEARTBEAT_TIMEOUT" envDefault:"10s"`

	TypingTimeout time.Duration `env:"CHATSYNC_TYPING_TIMEOUT" envDefault:"3s"`
	DedupWindow   time.Duration `env:"CHATSYNC_DEDUP_WINDOW" envDefault:"2s"`

	RedisAddr      string        `env:"CHATSYNC_REDIS_ADDR"`
	SnapshotPrefix string        `env:"CHATSYNC_SNAPSHOT_PREFIX" envDefault:"chatsync:"`
	SnapshotTTL    time.Duration `env:"CHATSYNC_SNAPSHOT_TTL" envDefault:"24h"`
	NATSURL        string        `env:"CHATSYNC_NATS_URL"`
	MetricsAddr    string        `env:"CHATSYNC_METRICS_ADDR" envDefault:":9090"`

	// Watch prints another client's mirrored events from NATSURL instead
	// of connecting to the chat channel.
	Watch bool `env:"CHATSYNC_WATCH"`

	LogLevel  string `env:"CHATSYNC_LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"CHATSYNC_LOG_PRETTY"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}

// AddFlags registers one flag per setting on fs. Each flag defaults to the
// value already in c, so flags override the environment.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ChannelURL, "channel-url", c.ChannelURL, "WebSocket URL of the chat channel")
	fs.StringVar(&c.APIBaseURL, "api-url", c.APIBaseURL, "base URL of the REST API")
	fs.StringVar(&c.Token, "token", c.Token, "bearer token for the channel and the REST API")
	fs.StringVar(&c.UserID, "user-id", c.UserID, "id of the local user")
	fs.StringVar(&c.UserName, "user-name", c.UserName, "display name of the local user")
	fs.StringSliceVarP(&c.Conversations, "conversation", "c", c.Conversations, "conversation to open (repeatable)")

	fs.IntVar(&c.PageSize, "page-size", c.PageSize, "history page size")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", c.DialTimeout, "channel handshake timeout")
	fs.DurationVar(&c.InvokeTimeout, "invoke-timeout", c.InvokeTimeout, "channel invocation timeout")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "join, history and REST timeout")

	fs.IntVar(&c.ReconnectAttempts, "reconnect-attempts", c.ReconnectAttempts, "reconnect attempts before giving up")
	fs.DurationVar(&c.ReconnectBaseDelay, "reconnect-base-delay", c.ReconnectBaseDelay, "first reconnect delay")
	fs.DurationVar(&c.ReconnectMaxDelay, "reconnect-max-delay", c.ReconnectMaxDelay, "reconnect delay cap")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "keepalive ping interval")
	fs.DurationVar(&c.HeartbeatTimeout, "heartbeat-timeout", c.HeartbeatTimeout, "silence tolerated after a missed ping")

	fs.DurationVar(&c.TypingTimeout, "typing-timeout", c.TypingTimeout, "typing indicator expiry")
	fs.DurationVar(&c.DedupWindow, "dedup-window", c.DedupWindow, "window for matching live echoes to optimistic sends")

	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis address for the snapshot cache (empty disables)")
	fs.StringVar(&c.SnapshotPrefix, "snapshot-prefix", c.SnapshotPrefix, "Redis key prefix for snapshots")
	fs.DurationVar(&c.SnapshotTTL, "snapshot-ttl", c.SnapshotTTL, "snapshot expiry")
	fs.StringVar(&c.NATSURL, "nats-url", c.NATSURL, "NATS URL for the event mirror (empty disables)")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "listen address for /metrics (empty disables)")
	fs.BoolVar(&c.Watch, "watch", c.Watch, "print events mirrored on --nats-url and exit on signal")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&c.LogPretty, "log-pretty", c.LogPretty, "human-readable console logs")
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	if c.Watch {
		if c.NATSURL == "" {
			return errors.New("config: watch mode needs a nats url")
		}
		return nil
	}
	switch {
	case c.ChannelURL == "":
		return errors.New("config: channel url is required")
	case c.Token == "":
		return errors.New("config: token is required")
	case c.UserID == "":
		return errors.New("config: user id is required")
	case c.PageSize <= 0:
		return fmt.Errorf("config: page size must be positive, got %d", c.PageSize)
	case c.ReconnectAttempts <= 0:
		return fmt.Errorf("config: reconnect attempts must be positive, got %d", c.ReconnectAttempts)
	case c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay:
		return fmt.Errorf("config: invalid reconnect delays %s..%s", c.ReconnectBaseDelay, c.ReconnectMaxDelay)
	case c.TypingTimeout <= 0:
		return fmt.Errorf("config: typing timeout must be positive, got %s", c.TypingTimeout)
	}
	return nil
}
