package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jschvat/posting-system-refactor-sub005/internal/adapter/httpserver"
	"github.com/jschvat/posting-system-refactor-sub005/internal/adapter/memory"
	"github.com/jschvat/posting-system-refactor-sub005/internal/adapter/postgres"
	"github.com/jschvat/posting-system-refactor-sub005/internal/adapter/push"
	"github.com/jschvat/posting-system-refactor-sub005/internal/adapter/redis"
	"github.com/jschvat/posting-system-refactor-sub005/internal/adapter/websocket"
	"github.com/jschvat/posting-system-refactor-sub005/internal/app"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	"github.com/jschvat/posting-system-refactor-sub005/internal/platform/auth"
	"github.com/jschvat/posting-system-refactor-sub005/internal/platform/config"
	"github.com/jschvat/posting-system-refactor-sub005/internal/platform/logging"
	"github.com/jschvat/posting-system-refactor-sub005/internal/platform/retry"
	"github.com/jschvat/posting-system-refactor-sub005/internal/platform/tracing"
	"github.com/jschvat/posting-system-refactor-sub005/internal/platform/version"
	goredis "github.com/redis/go-redis/v9"
)

const (
	serviceName   = "realtime"
	nodeHeartbeat = 10 * time.Second
)

type store interface {
	app.Store
	Ping(ctx context.Context) error
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupStore returns the Postgres store, or the in-memory store when no
// database is configured in development.
func setupStore(cfg *config.Config, clock clockwork.Clock) (store, func()) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store")
		return memory.NewStore(clock), func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.Options{
		MaxConns: cfg.DatabaseMaxConns,
		Migrate:  true,
	})
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	return st, st.Close
}

func setupRedis(cfg *config.Config) *goredis.Client {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, running as a single instance")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// startRelay subscribes before returning so no peer event published after
// startup is missed.
func startRelay(ctx context.Context, relay *redis.Relay) {
	ready := make(chan struct{})
	go func() {
		if err := relay.Run(ctx, ready); err != nil {
			slog.Error("Relay stopped", "error", err)
		}
	}()

	select {
	case <-ready:
	case <-time.After(10 * time.Second):
		slog.Error("Relay subscription timed out")
		os.Exit(1)
	}
}

func runGracefulShutdown(cfg *config.Config, srv *httpserver.Server, svc *app.Service, stopRelay context.CancelFunc, shutdownTracing func(context.Context) error) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		if err := svc.Shutdown(ctx); err != nil {
			slog.Error("Service shutdown error", "error", err)
		}
		stopRelay()
		if err := shutdownTracing(ctx); err != nil {
			slog.Error("Tracing shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "node_id", cfg.NodeID)

	shutdownTracing, err := tracing.Setup(context.Background(), serviceName, cfg.NodeID, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("Failed to set up tracing", "error", err)
		os.Exit(1)
	}

	st, closeStore := setupStore(cfg, clock)
	defer closeStore()

	healthChecks := []httpserver.HealthCheck{{Name: "store", Check: st.Ping}}

	var relay domain.Relay = domain.NopRelay{}
	var redisRelay *redis.Relay
	redisClient := setupRedis(cfg)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		redisRelay = redis.NewRelay(redisClient, cfg.NodeID)
		relay = redisRelay
		healthChecks = append(healthChecks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}

	components := app.NewComponents(app.Options{
		Store:             st,
		Relay:             relay,
		Providers:         push.Providers(cfg.PushGatewayURL),
		NodeID:            cfg.NodeID,
		Clock:             clock,
		TypingTTL:         cfg.TypingTTL,
		PushTimeout:       cfg.PushTimeout,
		PushRetry: retry.Policy{
			MaxAttempts:      cfg.PushMaxAttempts,
			InitialBackoff:   200 * time.Millisecond,
			MaxBackoff:       2 * time.Second,
			RateLimitBackoff: time.Second,
		},
		NotifyWorkers:     cfg.NotifyWorkers,
		NotifyQueueSize:   cfg.NotifyQueueSize,
		NotifyConcurrency: cfg.NotifyConcurrency,
	})

	relayCtx, stopRelay := context.WithCancel(context.Background())
	if redisRelay != nil {
		app.Wire(components, redisRelay)
		startRelay(relayCtx, redisRelay)
	} else {
		app.Wire(components, nil)
	}

	components.Queue.Start(context.Background())
	svc := app.NewService(components, clock)

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	wsHandler := websocket.NewHandler(svc, verifier, clock, websocket.Config{
		AllowedOrigins:      cfg.Origins(),
		Development:         cfg.IsDevelopment(),
		MaxConnections:      int64(cfg.MaxWebSocketConnections),
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		HandshakesPerSecond: cfg.ConnectionRatePerIP,
		HandshakeBurst:      cfg.ConnectionRateBurst,
		EventsPerSecond:     cfg.ClientEventsPerSecond,
		EventsBurst:         cfg.ClientEventsBurst,
	})

	srv := httpserver.NewServer(cfg, svc, verifier, wsHandler.Handle, clock, healthChecks)
	if redisClient != nil {
		nodes := redis.NewNodeDirectory(redisClient, clock, cfg.NodeID, version.Version, nodeHeartbeat, svc.ConnectionCount)
		go nodes.Run(relayCtx)
		srv.UseNodeDirectory(nodes)
	}

	done := runGracefulShutdown(cfg, srv, svc, stopRelay, shutdownTracing)

	if err := srv.Start(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
