package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("TRANSFERD_SAVE_DIR", "/data")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/data", cfg.SaveDir)
	assert.Equal(t, 16, cfg.MaxConcurrent)
	assert.Equal(t, 16, cfg.Connections)
	assert.Equal(t, 5*time.Second, cfg.RetryDelay)
	assert.Equal(t, 10, cfg.MaxTransientRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.GraceWindow)
	assert.Equal(t, 10, cfg.SpeedWindow)
	assert.InDelta(t, 100*1024*1024, cfg.SpeedCeiling, 0)
	assert.Equal(t, "direct", cfg.Media.Strategy)
	assert.Equal(t, 4, cfg.Media.MaxTrials)
	assert.Equal(t, "127.0.0.1:6412", cfg.Control.BindAddress)
	assert.Equal(t, []string{"chrome-extension://*", "moz-extension://*"}, cfg.Control.AllowedOrigins)
	assert.Equal(t, "1.1.1.1:53", cfg.Network.ProbeAddress)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, time.Hour, cfg.CleanupInterval)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("TRANSFERD_SAVE_DIR", "/data")
	t.Setenv("TRANSFERD_MAX_CONCURRENT", "2")
	t.Setenv("TRANSFERD_MEDIA_STRATEGY", "Pipeline")
	t.Setenv("TRANSFERD_MEDIA_CLIENTS", "android,web")
	t.Setenv("TRANSFERD_CONTROL_BIND_ADDRESS", "127.0.0.1:7000")
	t.Setenv("TRANSFERD_NETWORK_PROBE_INTERVAL", "1s")
	t.Setenv("TRANSFERD_TELEMETRY_OTLP_ENDPOINT", "localhost:4317")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.MaxConcurrent)
	assert.Equal(t, "pipeline", cfg.Media.Strategy)
	assert.Equal(t, []string{"android", "web"}, cfg.Media.Clients)
	assert.Equal(t, "127.0.0.1:7000", cfg.Control.BindAddress)
	assert.Equal(t, time.Second, cfg.Network.ProbeInterval)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing save dir", func(t *testing.T) {
		t.Setenv("TRANSFERD_SAVE_DIR", "")

		_, err := LoadConfig()
		assert.Error(t, err)
	})

	t.Run("unknown media strategy", func(t *testing.T) {
		t.Setenv("TRANSFERD_SAVE_DIR", "/data")
		t.Setenv("TRANSFERD_MEDIA_STRATEGY", "torrent")

		_, err := LoadConfig()
		assert.ErrorContains(t, err, "invalid media strategy")
	})
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.want, (&Config{LogLevel: tt.level}).SlogLevel())
		})
	}
}
