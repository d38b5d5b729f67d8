package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("INTERNAL_API_KEY", "internal-key")
}

func TestLoad_AllRequiredVarsSet(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
	assert.Equal(t, testSecret, cfg.JWTSecret)
	assert.NotEmpty(t, cfg.NodeID)
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		skipEnv string
		wantErr string
	}{
		{"missing DATABASE_URL", "DATABASE_URL", "DATABASE_URL is required"},
		{"missing JWT_SECRET", "JWT_SECRET", "JWT_SECRET is required"},
		{"missing INTERNAL_API_KEY", "INTERNAL_API_KEY", "INTERNAL_API_KEY is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.skipEnv, "")

			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestLoad_DevelopmentAllowsMissingDatabase(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "development")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_DefaultValues(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.TypingTTL)
	assert.Equal(t, 10*time.Second, cfg.PushTimeout)
	assert.Equal(t, 2, cfg.PushMaxAttempts)
	assert.Equal(t, 8, cfg.NotifyWorkers)
	assert.Equal(t, 10000, cfg.MaxWebSocketConnections)
}

func TestLoad_ShortJWTSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("JWT_SECRET", "short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET must be at least 32 characters")
}

func TestLoad_InvalidTypingTTL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TYPING_TTL", "0s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TYPING_TTL must be positive")
}

func TestLoad_DatabaseMaxConns(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DATABASE_MAX_CONNS", "12")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.DatabaseMaxConns)

	t.Setenv("DATABASE_MAX_CONNS", "-1")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_MAX_CONNS must not be negative")
}

func TestLoad_ExplicitNodeID(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("NODE_ID", "realtime-2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "realtime-2", cfg.NodeID)
}

func TestOrigins(t *testing.T) {
	cfg := &Config{AllowedOrigins: "https://app.example.com, https://admin.example.com ,,"}

	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.Origins())
}
