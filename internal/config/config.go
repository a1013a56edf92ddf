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
	Port           string
	APISecretKey   string
	AllowedOrigins []string
	LogLevel       slog.Level

	Callback   CallbackConfig
	Timing     TimingConfig
	Classifier ClassifierConfig
	Reply      ReplyConfig
	Persist    PersistConfig
	RateLimit  RateLimitConfig
}

// CallbackConfig controls final report delivery.
type CallbackConfig struct {
	URL            string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// TimingConfig controls session lifetimes and analysis coalescing.
type TimingConfig struct {
	ShortInactivity time.Duration
	LongInactivity  time.Duration
	HardDeadline    time.Duration
	ScanInterval    time.Duration
	GraceWindow     time.Duration
}

// ClassifierConfig selects the classifier council.
type ClassifierConfig struct {
	Names     []string
	GRPCAddrs []string
	Timeout   time.Duration
	// Workers caps how many sessions are analyzed at once.
	Workers int
}

// ReplyConfig controls reply generation.
type ReplyConfig struct {
	// GRPCAddr is an optional remote reply model; the built-in persona is
	// used when it is empty or fails.
	GRPCAddr string
	Timeout  time.Duration
}

// PersistConfig controls crash-recovery persistence.
type PersistConfig struct {
	Enabled   bool
	DBPath    string
	QueueSize int
}

// RateLimitConfig controls per-session inbound throttling.
type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		APISecretKey:   getEnv("API_SECRET_KEY", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		LogLevel:       getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Callback: CallbackConfig{
			URL:            getEnv("CALLBACK_URL", ""),
			Timeout:        getEnvDuration("CALLBACK_TIMEOUT", 10*time.Second),
			MaxAttempts:    getEnvInt("CALLBACK_MAX_ATTEMPTS", 3),
			InitialBackoff: getEnvDuration("CALLBACK_INITIAL_BACKOFF", 2*time.Second),
			MaxBackoff:     getEnvDuration("CALLBACK_MAX_BACKOFF", 10*time.Second),
		},
		Timing: TimingConfig{
			ShortInactivity: getEnvDuration("SHORT_INACTIVITY_TIMEOUT", 10*time.Second),
			LongInactivity:  getEnvDuration("LONG_INACTIVITY_TIMEOUT", 30*time.Second),
			HardDeadline:    getEnvDuration("HARD_DEADLINE", 3*time.Minute),
			ScanInterval:    getEnvDuration("SCAN_INTERVAL", time.Second),
			GraceWindow:     getEnvDuration("GRACE_WINDOW", 2*time.Second),
		},
		Classifier: ClassifierConfig{
			Names:     getEnvList("CLASSIFIERS", []string{"rules", "keywords", "links"}),
			GRPCAddrs: getEnvList("CLASSIFIER_GRPC_ADDRS", nil),
			Timeout:   getEnvDuration("CLASSIFIER_TIMEOUT", 20*time.Second),
			Workers:   getEnvInt("WORKER_POOL_SIZE", 4),
		},
		Reply: ReplyConfig{
			GRPCAddr: getEnv("REPLY_GRPC_ADDR", ""),
			Timeout:  getEnvDuration("REPLY_TIMEOUT", 8*time.Second),
		},
		Persist: PersistConfig{
			Enabled:   getEnvBool("PERSIST_ENABLED", true),
			DBPath:    getEnv("DB_PATH", "./data/honeypot.db"),
			QueueSize: getEnvInt("PERSIST_QUEUE_SIZE", 256),
		},
		RateLimit: RateLimitConfig{
			PerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
			Burst:     getEnvInt("RATE_LIMIT_BURST", 10),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
//
//nolint:gocyclo // Flat list of independent field checks.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Callback.URL != "" {
		u, err := url.Parse(c.Callback.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("CALLBACK_URL must be an absolute http(s) URL")
		}
	}
	if c.Callback.Timeout <= 0 {
		return fmt.Errorf("CALLBACK_TIMEOUT must be > 0")
	}
	if c.Callback.MaxAttempts <= 0 {
		return fmt.Errorf("CALLBACK_MAX_ATTEMPTS must be > 0")
	}
	if c.Callback.InitialBackoff <= 0 || c.Callback.MaxBackoff < c.Callback.InitialBackoff {
		return fmt.Errorf("CALLBACK_INITIAL_BACKOFF must be > 0 and <= CALLBACK_MAX_BACKOFF")
	}
	if c.Timing.ShortInactivity <= 0 || c.Timing.LongInactivity <= 0 {
		return fmt.Errorf("inactivity timeouts must be > 0")
	}
	if c.Timing.HardDeadline <= 0 {
		return fmt.Errorf("HARD_DEADLINE must be > 0")
	}
	if c.Timing.ScanInterval <= 0 {
		return fmt.Errorf("SCAN_INTERVAL must be > 0")
	}
	if c.Timing.GraceWindow < 0 {
		return fmt.Errorf("GRACE_WINDOW cannot be negative")
	}
	if len(c.Classifier.Names)+len(c.Classifier.GRPCAddrs) == 0 {
		return fmt.Errorf("at least one classifier must be configured")
	}
	if c.Classifier.Timeout <= 0 {
		return fmt.Errorf("CLASSIFIER_TIMEOUT must be > 0")
	}
	if c.Classifier.Workers <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be > 0")
	}
	if c.Reply.Timeout <= 0 {
		return fmt.Errorf("REPLY_TIMEOUT must be > 0")
	}
	if c.Persist.Enabled {
		if c.Persist.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
		if c.Persist.QueueSize <= 0 {
			return fmt.Errorf("PERSIST_QUEUE_SIZE must be > 0")
		}
	}
	if c.RateLimit.PerMinute > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be > 0")
	}
	return nil
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

// getEnvDuration accepts Go duration strings ("15s") or bare seconds ("15").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
