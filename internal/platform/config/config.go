package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	NodeID    string `env:"NODE_ID"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	DatabaseURL      string `env:"DATABASE_URL"`
	DatabaseMaxConns int    `env:"DATABASE_MAX_CONNS" default:"0"`
	RedisURL         string `env:"REDIS_URL"`

	JWTSecret      string `env:"JWT_SECRET"`
	JWTIssuer      string `env:"JWT_ISSUER"`
	InternalAPIKey string `env:"INTERNAL_API_KEY"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`

	TypingTTL time.Duration `env:"TYPING_TTL" default:"5s"`

	PushGatewayURL  string        `env:"PUSH_GATEWAY_URL"`
	PushTimeout     time.Duration `env:"PUSH_TIMEOUT" default:"10s"`
	PushMaxAttempts int           `env:"PUSH_MAX_ATTEMPTS" default:"2"`

	NotifyWorkers     int `env:"NOTIFY_WORKERS" default:"8"`
	NotifyQueueSize   int `env:"NOTIFY_QUEUE_SIZE" default:"1024"`
	NotifyConcurrency int `env:"NOTIFY_CONCURRENCY" default:"16"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
	ConnectionRatePerIP     float64 `env:"CONNECTION_RATE_PER_IP" default:"10"`
	ConnectionRateBurst     int     `env:"CONNECTION_RATE_BURST" default:"20"`
	ClientEventsPerSecond   float64 `env:"CLIENT_EVENTS_PER_SECOND" default:"20"`
	ClientEventsBurst       int     `env:"CLIENT_EVENTS_BURST" default:"40"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"15s"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.NodeID == "" {
		cfg.NodeID = defaultNodeID()
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// IsDevelopment reports whether the in-memory store may stand in for Postgres.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// Origins returns the parsed ALLOWED_ORIGINS list.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func validate(cfg *Config) error {
	required := []struct{ name, value string }{
		{"JWT_SECRET", cfg.JWTSecret},
		{"INTERNAL_API_KEY", cfg.InternalAPIKey},
	}
	if !cfg.IsDevelopment() {
		required = append(required, struct{ name, value string }{"DATABASE_URL", cfg.DatabaseURL})
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if len(cfg.JWTSecret) < 32 {
		return errors.New("JWT_SECRET must be at least 32 characters")
	}
	if cfg.DatabaseMaxConns < 0 {
		return errors.New("DATABASE_MAX_CONNS must not be negative")
	}
	if cfg.TypingTTL <= 0 {
		return errors.New("TYPING_TTL must be positive")
	}
	if cfg.PushTimeout <= 0 {
		return errors.New("PUSH_TIMEOUT must be positive")
	}
	if cfg.PushMaxAttempts < 1 {
		return errors.New("PUSH_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.NotifyWorkers < 1 || cfg.NotifyQueueSize < 1 || cfg.NotifyConcurrency < 1 {
		return errors.New("NOTIFY_WORKERS, NOTIFY_QUEUE_SIZE and NOTIFY_CONCURRENCY must be at least 1")
	}
	if cfg.MaxWebSocketConnections < 1 || cfg.MaxConnectionsPerIP < 1 {
		return errors.New("connection limits must be at least 1")
	}

	return nil
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "node-" + fmt.Sprint(os.Getpid())
	}
	return host
}
