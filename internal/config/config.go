package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Upstream backend
	UpstreamBaseURL string
	UpstreamAPIKey  string

	// HTTP Transport Connection Pool
	ProxyMaxIdleConns        int
	ProxyMaxIdleConnsPerHost int
	ProxyMaxConnsPerHost     int
	ProxyIdleConnTimeout     int // in seconds

	// Transform sessions
	SessionTTL            time.Duration // idle time before eviction
	SessionSweepInterval  time.Duration
	SessionMaxBufferBytes int   // per-session held-back bytes before force-flush
	SessionMaxTotalBytes  int64 // aggregate held-back bytes before aggressive eviction
	FlushPartialOnEnd     bool  // release unterminated markup as literal text at stream end

	// Dialect profiles
	ProfilesFile string // optional YAML file, built-in profiles when empty

	// Server
	ServerShutdownTimeoutSeconds int

	// Logging
	LogLevel  string
	LogFormat string
}

var (
	DefaultSessionTTL           = 2 * time.Minute
	DefaultSessionSweepInterval = 30 * time.Second
)

// Load reads configuration from the environment, with a .env file as the
// usual development convenience.
func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Upstream backend (a local OpenAI-compatible server)
		UpstreamBaseURL: getEnvOrDefault("UPSTREAM_BASE_URL", "http://127.0.0.1:5000"),
		UpstreamAPIKey:  getEnvOrDefault("UPSTREAM_API_KEY", ""),

		// HTTP Transport Connection Pool
		ProxyMaxIdleConns:        getEnvAsInt("PROXY_MAX_IDLE_CONNS", 100),
		ProxyMaxIdleConnsPerHost: getEnvAsInt("PROXY_MAX_IDLE_CONNS_PER_HOST", 50),
		ProxyMaxConnsPerHost:     getEnvAsInt("PROXY_MAX_CONNS_PER_HOST", 100),
		ProxyIdleConnTimeout:     getEnvAsInt("PROXY_IDLE_CONN_TIMEOUT_SECONDS", 90),

		// Transform sessions
		SessionTTL:            getEnvAsDuration("SESSION_TTL", DefaultSessionTTL),
		SessionSweepInterval:  getEnvAsDuration("SESSION_SWEEP_INTERVAL", DefaultSessionSweepInterval),
		SessionMaxBufferBytes: getEnvAsInt("SESSION_MAX_BUFFER_BYTES", 262144),
		SessionMaxTotalBytes:  getEnvAsInt64("SESSION_MAX_TOTAL_BYTES", 67108864),
		FlushPartialOnEnd:     getEnvOrDefault("FLUSH_PARTIAL_ON_END", "false") == "true",

		// Dialect profiles
		ProfilesFile: getEnvOrDefault("PROFILES_FILE", ""),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int64, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
