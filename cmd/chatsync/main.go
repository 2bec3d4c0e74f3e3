// chatsync is a terminal chat client built on the sync engine. It connects
// to the chat channel, opens the configured conversations and reads
// commands from stdin:
//
//	<text>              send text to the selected conversation
//	/open <id>          open a conversation next to the others
//	/select <id>        make <id> the only open conversation
//	/close <id>         close a conversation
//	/forget <id>        close a conversation and drop its cached snapshot
//	/typing [off]       signal typing in the selected conversation
//	/read               mark the selected conversation read
//	/list               list conversations from the REST API
//	/sessions           show open conversations
//	/quit               exit
//
// With --watch it instead prints the events another instance mirrors to
// NATS.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/tradepost/chatsync/internal/channel"
	"github.com/tradepost/chatsync/internal/chat"
	"github.com/tradepost/chatsync/internal/clock"
	"github.com/tradepost/chatsync/internal/config"
	"github.com/tradepost/chatsync/internal/events"
	"github.com/tradepost/chatsync/internal/logging"
	"github.com/tradepost/chatsync/internal/messaging"
	"github.com/tradepost/chatsync/internal/metrics"
	"github.com/tradepost/chatsync/internal/presence"
	"github.com/tradepost/chatsync/internal/rest"
	"github.com/tradepost/chatsync/internal/session"
	"github.com/tradepost/chatsync/internal/snapshot"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	flagSet := pflag.NewFlagSet("chatsync", pflag.ContinueOnError)
	cfg.AddFlags(flagSet)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogPretty)
	if err != nil {
		return err
	}

	logger.Info().
		Str("channel_url", cfg.ChannelURL).
		Str("api_url", cfg.APIBaseURL).
		Str("user_id", cfg.UserID).
		Strs("conversations", cfg.Conversations).
		Str("redis_addr", cfg.RedisAddr).
		Str("nats_url", cfg.NATSURL).
		Str("metrics_addr", cfg.MetricsAddr).
		Msg("chatsync starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Watch {
		return watch(ctx, cfg, logger)
	}

	// --- Metrics ---
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer metricsServer.Close()
	}

	// --- Channel ---
	chCfg := channel.DefaultConfig(channel.WSDialer{URL: cfg.ChannelURL, Timeout: cfg.DialTimeout})
	chCfg.Retry = channel.RetryConfig{
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxDelay:    cfg.ReconnectMaxDelay,
		MaxAttempts: cfg.ReconnectAttempts,
	}
	chCfg.Heartbeat = channel.HeartbeatConfig{Interval: cfg.HeartbeatInterval, Timeout: cfg.HeartbeatTimeout}
	chCfg.DialTimeout = cfg.DialTimeout
	chCfg.InvokeTimeout = cfg.InvokeTimeout
	chCfg.Logger = logger
	manager := channel.NewManager(chCfg)

	// --- Engine collaborators ---
	storeCfg := chat.DefaultStoreConfig()
	storeCfg.DedupWindow = cfg.DedupWindow
	storeCfg.Logger = logger
	store := chat.NewStore(storeCfg)
	tracker := presence.NewTracker()

	restClient := rest.NewClient(cfg.APIBaseURL, cfg.Token)
	restClient.Logger = logger

	engineCfg := session.DefaultConfig()
	engineCfg.UserID = cfg.UserID
	engineCfg.UserName = cfg.UserName
	engineCfg.PageSize = cfg.PageSize
	engineCfg.RequestTimeout = cfg.RequestTimeout
	engineCfg.TypingTimeout = cfg.TypingTimeout
	engineCfg.REST = restClient
	engineCfg.Clock = clock.Real()
	engineCfg.Logger = logger

	// --- Redis snapshot cache ---
	if cfg.RedisAddr != "" {
		rdb, err := snapshot.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn().Err(err).Msg("snapshot cache disabled")
		} else {
			snapshots := snapshot.NewStore(rdb, snapshot.Config{
				Prefix: cfg.SnapshotPrefix + cfg.UserID + ":",
				TTL:    cfg.SnapshotTTL,
			})
			defer closeSnapshots(snapshots, logger)
			engineCfg.Snapshots = snapshots
		}
	}

	engine := session.New(manager, store, tracker, engineCfg)

	// --- NATS event mirror ---
	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Logger = logger
		natsClient, err := messaging.NewNATSClient(natsCfg)
		if err != nil {
			logger.Warn().Err(err).Msg("event mirror disabled")
		} else {
			defer natsClient.Close()
			mirror := messaging.NewMirror(natsClient, logger)
			engine.Observe(mirror.ObserveEvent)
			manager.OnStateChange(func(s channel.State) { mirror.ObserveState(s.String()) })
		}
	}

	out := newRenderer(os.Stdout, store)
	store.Subscribe(out.messagesChanged)
	engine.OnTyping(out.typingChanged)
	tracker.OnChange(out.presenceChanged)
	engine.Observe(out.serverError)
	manager.OnStateChange(func(s channel.State) { out.line("* %s", s) })
	manager.OnReconnecting(func(attempt int, delay time.Duration) {
		out.line("* reconnecting (attempt %d in %s)", attempt, delay)
	})

	if err := engine.RestorePresence(ctx); err != nil {
		logger.Warn().Err(err).Msg("presence restore failed")
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	err = manager.Connect(connectCtx, cfg.Token)
	cancel()
	if err != nil {
		return err
	}

	for _, id := range cfg.Conversations {
		if err := engine.Open(ctx, id); err != nil {
			logger.Warn().Err(err).Str("conversation_id", id).Msg("open failed")
		}
	}

	c := &cli{engine: engine, lister: restClient, tracker: tracker, out: out}
	if len(cfg.Conversations) > 0 {
		c.selected = events.NormalizeID(cfg.Conversations[len(cfg.Conversations)-1])
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if quit := c.handle(ctx, line); quit {
				break loop
			}
		}
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("engine shutdown")
	}
	if err := manager.Disconnect(); err != nil {
		logger.Warn().Err(err).Msg("disconnect")
	}
	logger.Info().Msg("chatsync stopped")
	return nil
}

// watch prints the events and connection states mirrored on NATS until
// ctx is cancelled.
func watch(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	natsCfg := messaging.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL
	natsCfg.Logger = logger
	natsClient, err := messaging.NewNATSClient(natsCfg)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	out := newRenderer(os.Stdout, nil)
	watcher := messaging.NewWatcher(natsClient, logger)
	watcher.OnEvent = out.watchedEvent
	watcher.OnState = out.watchedState
	if err := watcher.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	if err := watcher.Stop(); err != nil {
		logger.Warn().Err(err).Msg("unsubscribe")
	}
	return nil
}

func closeSnapshots(s *snapshot.Store, logger zerolog.Logger) {
	if err := s.Close(); err != nil {
		logger.Warn().Err(err).Msg("redis close")
	}
}
