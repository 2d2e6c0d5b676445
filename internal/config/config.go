// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	FrontendURL      string
	DBPath           string
	LogLevel         slog.Level
	Backend          BackendConfig
	Session          SessionConfig
	Animation        AnimationConfig
	SSE              SSEConfig
	RateLimit        RateLimitConfig
	Probe            ProbeConfig
	Timeout          TimeoutConfig
	ConversationLog  ConversationLogConfig
	JanitorSchedule  string
	HistoryRetention time.Duration
}

// BackendConfig points at the external legal-analysis service.
type BackendConfig struct {
	URL       string
	LegacyURL string
	// HeaderTimeout bounds time-to-first-byte. Zero disables it; streamed
	// bodies are never bounded.
	HeaderTimeout time.Duration
}

// SessionConfig controls per-tab controller lifetime.
type SessionConfig struct {
	IdleTTL time.Duration
}

// AnimationConfig controls how long an action stays flagged as animating.
type AnimationConfig struct {
	Min     time.Duration
	PerChar time.Duration
}

// SSEConfig controls the browser-facing snapshot stream.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	MaxRequestBodySize int64
}

// RateLimitConfig controls per-user query throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ProbeConfig controls the optional gRPC health endpoint.
type ProbeConfig struct {
	Addr     string
	Interval time.Duration
}

// TimeoutConfig holds miscellaneous timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/rightify.db"),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		Backend: BackendConfig{
			URL:           strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:8001"), "/"),
			LegacyURL:     strings.TrimRight(getEnv("LEGACY_BACKEND_URL", "http://localhost:8000"), "/"),
			HeaderTimeout: getEnvDuration("BACKEND_HEADER_TIMEOUT", 0),
		},
		Session: SessionConfig{
			IdleTTL: getEnvDuration("SESSION_IDLE_TTL", 60*time.Minute),
		},
		Animation: AnimationConfig{
			Min:     getEnvDuration("ANIMATION_MIN", 600*time.Millisecond),
			PerChar: getEnvDuration("ANIMATION_PER_CHAR", 15*time.Millisecond),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Probe: ProbeConfig{
			Addr:     getEnv("GRPC_HEALTH_ADDR", ""),
			Interval: getEnvDuration("PROBE_INTERVAL", 15*time.Second),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		JanitorSchedule:  getEnv("JANITOR_SCHEDULE", "@every 5m"),
		HistoryRetention: getEnvDuration("HISTORY_RETENTION", 30*24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if err := validateOrigin("BACKEND_URL", c.Backend.URL); err != nil {
		return err
	}
	if err := validateOrigin("LEGACY_BACKEND_URL", c.Backend.LegacyURL); err != nil {
		return err
	}
	if c.Backend.HeaderTimeout < 0 {
		return fmt.Errorf("BACKEND_HEADER_TIMEOUT cannot be negative")
	}
	if c.Session.IdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must be > 0")
	}
	if c.Animation.Min < 0 || c.Animation.PerChar < 0 {
		return fmt.Errorf("ANIMATION_MIN and ANIMATION_PER_CHAR cannot be negative")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Probe.Addr != "" && c.Probe.Interval <= 0 {
		return fmt.Errorf("PROBE_INTERVAL must be > 0 when GRPC_HEALTH_ADDR is set")
	}
	if c.JanitorSchedule == "" {
		return fmt.Errorf("JANITOR_SCHEDULE cannot be empty")
	}
	if c.HistoryRetention <= 0 {
		return fmt.Errorf("HISTORY_RETENTION must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func validateOrigin(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", key, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", key, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", key)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
