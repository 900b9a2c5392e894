package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/randomchat/internal/auth"
	"github.com/whisper/randomchat/internal/chat"
	"github.com/whisper/randomchat/internal/config"
	"github.com/whisper/randomchat/internal/gateway"
	"github.com/whisper/randomchat/internal/logging"
	"github.com/whisper/randomchat/internal/matching"
	"github.com/whisper/randomchat/internal/messaging"
	"github.com/whisper/randomchat/internal/metrics"
	"github.com/whisper/randomchat/internal/ratelimit"
	"github.com/whisper/randomchat/internal/session"
	"github.com/whisper/randomchat/internal/store"
	"github.com/whisper/randomchat/internal/ws"
)

func main() {
	bootLogger := logging.New("info", "text", os.Stdout)

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Store ---
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// --- Redis ---
	var (
		presence session.Presence
		limiter  gateway.RateLimiter
	)
	if cfg.Redis.Addr != "" {
		sessionStore, err := session.NewStore(cfg.Redis.Addr, cfg.Server.Name)
		if err != nil {
			logger.Error("failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		defer sessionStore.Close()
		presence = sessionStore
		limiter = ratelimit.NewLimiter(sessionStore.Client(), logger)
	} else {
		logger.Warn("redis disabled, presence and rate limiting are off")
	}

	// --- NATS ---
	var events messaging.Publisher = messaging.NopPublisher{}
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = cfg.NATS.Name
		natsClient, err := messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "url", cfg.NATS.URL, "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		events = natsClient
	}

	// --- Matching and rooms ---
	directory := session.NewDirectory(presence, logger)

	matchCfg := matching.DefaultConfig()
	matchCfg.FilterTimeout = cfg.Matching.FilterTimeout
	matchCfg.RetrySlack = cfg.Matching.RetrySlack
	matchCfg.GenderFilterCost = cfg.Matching.GenderFilterCost
	matchCfg.QueueMaxAge = cfg.Matching.QueueMaxAge
	matchCfg.SweepInterval = cfg.Matching.SweepInterval
	matcher := matching.NewMatcher(matchCfg, matching.NewQueue(), st, st, logger)

	bindings := chat.NewBindings()
	relay := chat.NewRelay(bindings, directory, logger)
	history := chat.NewHistory(cfg.Chat.HistorySize)

	chatCfg := chat.DefaultConfig()
	chatCfg.GracePeriod = cfg.Chat.GracePeriod
	lifecycle := chat.NewLifecycle(chatCfg, st, bindings, relay, history, events, logger)
	lifecycle.SetDequeuer(matcher)
	matcher.SetBindings(lifecycle)

	gw := gateway.New(gateway.Deps{
		Directory: directory,
		Matcher:   matcher,
		Lifecycle: lifecycle,
		Relay:     relay,
		History:   history,
		Users:     st,
		Messages:  st,
		Limiter:   limiter,
		Events:    events,
	}, logger)

	// --- WebSocket server ---
	serverCfg := ws.DefaultServerConfig()
	serverCfg.ListenAddr = cfg.Server.Addr
	serverCfg.WorkerPoolSize = cfg.Server.Workers
	serverCfg.MaxConnections = cfg.Server.MaxConnections
	serverCfg.ReadTimeout = cfg.Server.ReadTimeout
	serverCfg.WriteTimeout = cfg.Server.WriteTimeout

	dispatcher := ws.NewMessageDispatcher(logger)
	gw.Register(dispatcher)

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	server := ws.NewServer(serverCfg, verifier.Authenticate, dispatcher.Dispatch, logger)
	server.SetOnConnect(gw.OnConnect)
	server.SetOnDisconnect(gw.OnDisconnect)
	server.SetUserCount(directory.Count)
	server.Handle("/metrics", metrics.Handler())

	go matching.StartJanitor(ctx, matcher)

	logger.Info("random chat server starting",
		"listen_addr", serverCfg.ListenAddr,
		"worker_pool", serverCfg.WorkerPoolSize,
		"max_connections", serverCfg.MaxConnections,
		"store", cfg.Store.Driver,
		"redis", cfg.Redis.Addr != "",
		"nats", cfg.NATS.URL != "",
		"filter_timeout", matchCfg.FilterTimeout,
		"grace_period", chatCfg.GracePeriod)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	if err := server.Shutdown(); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	matcher.Stop()
	lifecycle.Stop()
	logger.Info("server exited")
}

// openStore connects the configured persistence backend, applying
// migrations first when enabled.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Store.Driver == config.DriverMemory {
		mem := store.NewMemory()
		mem.AutoProvision = cfg.Store.AutoProvision
		logger.Warn("using in-memory store, data is lost on restart", "auto_provision", mem.AutoProvision)
		return mem, nil
	}

	if cfg.Postgres.Migrate {
		if err := store.Migrate(cfg.Postgres.DSN, logger); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pg, err := store.OpenPostgres(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	return pg, nil
}
