package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siftdata/sift/api/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, ":9090", cfg.MetricsAddr)
	require.Equal(t, []string{"*"}, cfg.CORSOrigins)
	require.Equal(t, slog.LevelInfo, cfg.Level())
	require.Nil(t, cfg.Target)
	require.Equal(t, 5, cfg.MaxAttempts)
	require.Equal(t, 30*time.Second, cfg.QueryTimeout)
	require.Equal(t, 10000, cfg.MaxRows)
	require.True(t, cfg.DiscoveryEnabled)
	require.Zero(t, cfg.RefreshInterval)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SIFT_LISTEN_ADDR", ":9999")
	t.Setenv("SIFT_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SIFT_LOG_LEVEL", "debug")
	t.Setenv("SIFT_TARGET_HOST", "db.internal")
	t.Setenv("SIFT_TARGET_DATABASE", "shop")
	t.Setenv("SIFT_TARGET_USER", "analyst")
	t.Setenv("SIFT_TARGET_PASSWORD", "pw")
	t.Setenv("SIFT_REFRESH_INTERVAL", "10m")
	t.Setenv("SIFT_MAX_ATTEMPTS", "3")
	t.Setenv("SIFT_DISCOVERY", "false")

	cfg, err := config.Load()
	require.NoError(t, err)

	require.Equal(t, ":9999", cfg.ListenAddr)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	require.Equal(t, slog.LevelDebug, cfg.Level())
	require.NotNil(t, cfg.Target)
	require.Equal(t, "postgres", cfg.Target.Dialect)
	require.Equal(t, "db.internal", cfg.Target.Host)
	require.Equal(t, 5432, cfg.Target.Port)
	require.Equal(t, "pw", cfg.Target.Password)
	require.Equal(t, 10*time.Minute, cfg.RefreshInterval)
	require.Equal(t, 3, cfg.MaxAttempts)
	require.False(t, cfg.DiscoveryEnabled)
}

func TestLoadRejectsBadTarget(t *testing.T) {
	t.Setenv("SIFT_TARGET_HOST", "db.internal")
	t.Setenv("SIFT_TARGET_DATABASE", "shop")
	t.Setenv("SIFT_TARGET_DIALECT", "mongodb")

	_, err := config.Load()
	require.ErrorContains(t, err, "invalid target connection")
}

func TestLoadRefreshNeedsTarget(t *testing.T) {
	t.Setenv("SIFT_REFRESH_INTERVAL", "5m")

	_, err := config.Load()
	require.ErrorContains(t, err, "needs a target connection")
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("SIFT_MAX_ATTEMPTS", "not-a-number")
	t.Setenv("SIFT_QUERY_TIMEOUT", "soon")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 5, cfg.MaxAttempts)
	require.Equal(t, 30*time.Second, cfg.QueryTimeout)
}
