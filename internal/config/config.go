// Package config loads perch's runtime settings from the environment.
// Every knob has a fallback suitable for local development; Load never
// touches the network and Validate catches fatal misconfiguration before
// any subsystem starts.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Storage backend selectors for STORAGE_TYPE. "sql" is accepted as an
// alias for "database".
const (
	StorageAuto = "auto" // SQL when a DSN is set, file otherwise
	StorageSQL  = "database"
	StorageFile = "file"
)

// Config is the full runtime configuration.
type Config struct {
	Port string

	UpstreamBaseURL string
	UpstreamAPIKey  string

	StorageType     string
	DatabaseURL     string
	DataFile        string
	FallbackEnabled bool
	FallbackRetry   time.Duration

	CacheEnabled bool
	CacheTTL     time.Duration

	PoolMinConnections int
	PoolMaxConnections int
	PoolAcquireTimeout time.Duration

	StreamChunkSize int

	LogFormat string
	LogLevel  string

	RedisAddr string
	SentryDSN string

	AdminTokenSecret  string
	AdminPasswordHash string
}

// Load reads the environment into a Config. Unset variables get their
// development fallbacks; call Validate before using the result.
func Load() *Config {
	dsn := getEnv("DATABASE_URL", "")
	if dsn == "" {
		// DATABASE_PATH is an accepted alias; the value is still a DSN.
		dsn = getEnv("DATABASE_PATH", "")
	}
	return &Config{
		Port: getEnv("PORT", "8080"),

		UpstreamBaseURL: getEnv("UPSTREAM_BASE_URL", ""),
		UpstreamAPIKey:  getEnv("UPSTREAM_API_KEY", ""),

		StorageType:     getEnv("STORAGE_TYPE", StorageAuto),
		DatabaseURL:     dsn,
		DataFile:        getEnv("DATA_FILE", "perch-keys.json"),
		FallbackEnabled: getEnvBool("STORAGE_FALLBACK_ENABLED", true),
		FallbackRetry:   getEnvMs("STORAGE_FALLBACK_RETRY_INTERVAL_MS", 60*time.Second),

		CacheEnabled: getEnvBool("CACHE_ENABLED", true),
		CacheTTL:     getEnvMs("CACHE_TTL_MS", 60*time.Second),

		PoolMinConnections: getEnvInt("POOL_MIN_CONNECTIONS", 2),
		PoolMaxConnections: getEnvInt("POOL_MAX_CONNECTIONS", 10),
		PoolAcquireTimeout: getEnvMs("POOL_ACQUIRE_TIMEOUT_MS", 10*time.Second),

		StreamChunkSize: getEnvInt("STREAM_CHUNK_SIZE", 16*1024),

		LogFormat: getEnv("LOG_FORMAT", "json"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),

		RedisAddr: getEnv("REDIS_ADDR", ""),
		SentryDSN: getEnv("SENTRY_DSN", ""),

		AdminTokenSecret:  getEnv("ADMIN_TOKEN_SECRET", ""),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
	}
}

// Validate reports the first fatal misconfiguration, or nil.
func (c *Config) Validate() error {
	if c.UpstreamBaseURL == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL is required")
	}
	u, err := url.Parse(c.UpstreamBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL %q is not an absolute URL", c.UpstreamBaseURL)
	}
	switch c.StorageType {
	case StorageAuto, StorageFile:
	case StorageSQL, "sql":
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORAGE_TYPE=%s requires DATABASE_URL", c.StorageType)
		}
	default:
		return fmt.Errorf("STORAGE_TYPE %q is not one of auto, database, file", c.StorageType)
	}
	if c.PoolMaxConnections <= 0 {
		return fmt.Errorf("POOL_MAX_CONNECTIONS must be positive, got %d", c.PoolMaxConnections)
	}
	if c.PoolMinConnections < 0 || c.PoolMinConnections > c.PoolMaxConnections {
		return fmt.Errorf("POOL_MIN_CONNECTIONS %d must be between 0 and POOL_MAX_CONNECTIONS %d",
			c.PoolMinConnections, c.PoolMaxConnections)
	}
	if c.StreamChunkSize <= 0 {
		return fmt.Errorf("STREAM_CHUNK_SIZE must be positive, got %d", c.StreamChunkSize)
	}
	if c.AdminPasswordHash != "" && c.AdminTokenSecret == "" {
		return fmt.Errorf("ADMIN_TOKEN_SECRET is required when ADMIN_PASSWORD_HASH is set")
	}
	return nil
}

// UseSQL reports whether the SQL backend should be the primary store.
func (c *Config) UseSQL() bool {
	switch c.StorageType {
	case StorageSQL, "sql":
		return true
	case StorageAuto:
		return c.DatabaseURL != ""
	}
	return false
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvMs(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
