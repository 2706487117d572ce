package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.AllowedOrigins)
	assert.EqualValues(t, 4096, cfg.MaxMessageSize)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 2*time.Second, cfg.SendTimeout)
	assert.Equal(t, 256, cfg.SendQueueSize)
	assert.Equal(t, 2*time.Second, cfg.TypingIdle)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 20, cfg.FrameLimit.Burst)
	assert.Equal(t, time.Second, cfg.FrameLimit.RefillInterval)
	assert.Equal(t, 5, cfg.ConnectLimit.Burst)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("COLLAB_ADDR", ":9090")
	t.Setenv("COLLAB_ALLOWED_ORIGINS", "https://app.example.com,https://staging.example.com")
	t.Setenv("COLLAB_IDLE_TIMEOUT", "90s")
	t.Setenv("COLLAB_TYPING_IDLE", "3s")
	t.Setenv("COLLAB_FRAME_LIMIT_BURST", "50")
	t.Setenv("COLLAB_CONNECT_LIMIT_BURST", "2")
	t.Setenv("COLLAB_JWT_SECRET", "s3cret")
	t.Setenv("COLLAB_HISTORY_PATH", "/tmp/history.db")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, []string{"https://app.example.com", "https://staging.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 3*time.Second, cfg.TypingIdle)
	assert.Equal(t, 50, cfg.FrameLimit.Burst)
	assert.Equal(t, 2, cfg.ConnectLimit.Burst)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, "/tmp/history.db", cfg.HistoryPath)

	// Unset settings still fall back to defaults.
	assert.Equal(t, 2*time.Second, cfg.SendTimeout)
}

func TestSanitizeConfigRepairsInvalidValues(t *testing.T) {
	cfg := sanitizeConfig(Config{
		MaxMessageSize: -1,
		IdleTimeout:    -time.Second,
		SendQueueSize:  -5,
	})

	assert.EqualValues(t, 4096, cfg.MaxMessageSize)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 256, cfg.SendQueueSize)
}

func TestPingIntervalPrecedesIdleTimeout(t *testing.T) {
	cfg := DefaultConfig()
	assert.Less(t, cfg.pingInterval(), cfg.IdleTimeout)
	assert.Equal(t, 54*time.Second, cfg.pingInterval())
}
