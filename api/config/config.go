// Package config loads the API service configuration from the
// environment. A .env file in the working directory is honored; every
// value has a default that suits local development.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/siftdata/sift/engine/pkg/schema"
)

// Config is the full service configuration.
type Config struct {
	// ListenAddr is the API listen address. SIFT_LISTEN_ADDR.
	ListenAddr string

	// MetricsAddr serves Prometheus on its own listener so scrapes
	// never compete with API traffic. SIFT_METRICS_ADDR; empty
	// disables the listener.
	MetricsAddr string

	// CORSOrigins is the allowed origin list. SIFT_CORS_ORIGINS,
	// comma-separated; "*" during development.
	CORSOrigins []string

	// LogLevel is debug, info, warn, or error. SIFT_LOG_LEVEL.
	LogLevel string

	// Environment tags Sentry events. SIFT_ENV.
	Environment string

	// SentryDSN enables error reporting when set. SENTRY_DSN.
	SentryDSN string

	// MetadataDSN is the PostgreSQL holding the retrieval index, the
	// training state, and the ask log. SIFT_METADATA_DSN; empty runs
	// everything in memory, which is fine for development and loses
	// trained state on restart.
	MetadataDSN string

	// AnthropicModel overrides the default model. ANTHROPIC_MODEL. The
	// API key always comes from ANTHROPIC_API_KEY.
	AnthropicModel string

	// Target is the default database questions run against, from
	// SIFT_TARGET_DIALECT, _HOST, _PORT, _DATABASE, _SCHEMA, _USER,
	// _PASSWORD. Nil when host or database is unset; then every
	// request must carry its own connection.
	Target *schema.ConnectionConfig

	// Neo4j mirrors discovered processes when URI is set. NEO4J_URI,
	// NEO4J_DATABASE, NEO4J_USERNAME, NEO4J_PASSWORD.
	Neo4jURI      string
	Neo4jDatabase string
	Neo4jUser     string
	Neo4jPassword string

	// ArchiveBucket cold-stores trained snapshots in S3 when set.
	// SIFT_ARCHIVE_BUCKET, SIFT_ARCHIVE_PREFIX.
	ArchiveBucket string
	ArchivePrefix string

	// RefreshInterval re-checks the default target's schema in the
	// background. SIFT_REFRESH_INTERVAL; 0 disables, needs Target.
	RefreshInterval time.Duration

	// MaxAttempts bounds the generate-validate-execute loop.
	// SIFT_MAX_ATTEMPTS.
	MaxAttempts int

	// QueryTimeout bounds one generated statement. SIFT_QUERY_TIMEOUT.
	QueryTimeout time.Duration

	// MaxRows caps materialized result rows. SIFT_MAX_ROWS.
	MaxRows int

	// DiscoveryEnabled toggles process discovery. SIFT_DISCOVERY.
	DiscoveryEnabled bool
}

// Load reads the environment, honoring a .env file when one exists.
func Load() (*Config, error) {
	// A missing .env is fine; the environment may be complete already.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:       env("SIFT_LISTEN_ADDR", ":8080"),
		MetricsAddr:      env("SIFT_METRICS_ADDR", ":9090"),
		CORSOrigins:      splitList(env("SIFT_CORS_ORIGINS", "*")),
		LogLevel:         env("SIFT_LOG_LEVEL", "info"),
		Environment:      env("SIFT_ENV", "development"),
		SentryDSN:        os.Getenv("SENTRY_DSN"),
		MetadataDSN:      os.Getenv("SIFT_METADATA_DSN"),
		AnthropicModel:   os.Getenv("ANTHROPIC_MODEL"),
		Target:           targetFromEnv(),
		Neo4jURI:         os.Getenv("NEO4J_URI"),
		Neo4jDatabase:    env("NEO4J_DATABASE", "neo4j"),
		Neo4jUser:        env("NEO4J_USERNAME", "neo4j"),
		Neo4jPassword:    os.Getenv("NEO4J_PASSWORD"),
		ArchiveBucket:    os.Getenv("SIFT_ARCHIVE_BUCKET"),
		ArchivePrefix:    env("SIFT_ARCHIVE_PREFIX", "snapshots"),
		RefreshInterval:  envDuration("SIFT_REFRESH_INTERVAL", 0),
		MaxAttempts:      envInt("SIFT_MAX_ATTEMPTS", 5),
		QueryTimeout:     envDuration("SIFT_QUERY_TIMEOUT", 30*time.Second),
		MaxRows:          envInt("SIFT_MAX_ROWS", 10000),
		DiscoveryEnabled: envBool("SIFT_DISCOVERY", true),
	}

	if cfg.Target != nil {
		if err := cfg.Target.Validate(); err != nil {
			return nil, fmt.Errorf("invalid target connection: %w", err)
		}
	}
	if cfg.RefreshInterval > 0 && cfg.Target == nil {
		return nil, fmt.Errorf("SIFT_REFRESH_INTERVAL needs a target connection")
	}
	return cfg, nil
}

// Level parses LogLevel, defaulting to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func targetFromEnv() *schema.ConnectionConfig {
	host := os.Getenv("SIFT_TARGET_HOST")
	database := os.Getenv("SIFT_TARGET_DATABASE")
	if host == "" || database == "" {
		return nil
	}
	return &schema.ConnectionConfig{
		Dialect:  env("SIFT_TARGET_DIALECT", "postgres"),
		Host:     host,
		Port:     envInt("SIFT_TARGET_PORT", 5432),
		Database: database,
		Schema:   os.Getenv("SIFT_TARGET_SCHEMA"),
		User:     os.Getenv("SIFT_TARGET_USER"),
		Password: os.Getenv("SIFT_TARGET_PASSWORD"),
	}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
