package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Backend selection
	DataBackend  string
	SQLiteDBPath string

	// AMQP change feed, optional for the sqlite backend
	AMQPURL      string
	AMQPExchange string

	// Auth
	AuthBackend  string
	AuthUserID   string
	AuthUsername string
	AuthPassword string

	SupabaseURL            string
	SupabasePublishableKey string
	SupabaseAuthTimeout    time.Duration
	SupabaseEmailDomain    string

	// Aggregation
	WeekStart          string
	StreakLookbackDays int

	// Engine
	SummaryInterval time.Duration
	EventQueueSize  int
}

func Load() *Config {
	cfg := &Config{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		DataBackend:  getEnv("DATA_BACKEND", "memory"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/tally.db"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "tally.expenses"),

		AuthBackend:  getEnv("AUTH_BACKEND", "static"),
		AuthUserID:   getEnv("AUTH_USER_ID", "local"),
		AuthUsername: getEnv("AUTH_USERNAME", ""),
		AuthPassword: getEnv("AUTH_PASSWORD", ""),

		SupabaseURL:            getEnv("SUPABASE_URL", ""),
		SupabasePublishableKey: getEnv("SUPABASE_PUBLISHABLE_KEY", ""),
		SupabaseAuthTimeout:    getEnvDuration("SUPABASE_AUTH_TIMEOUT", 10*time.Second),
		SupabaseEmailDomain:    getEnv("SUPABASE_EMAIL_DOMAIN", "gmail.com"),

		WeekStart:          getEnv("WEEK_START", "sunday"),
		StreakLookbackDays: getEnvInt("STREAK_LOOKBACK_DAYS", 30),

		SummaryInterval: getEnvDuration("SUMMARY_INTERVAL", time.Minute),
		EventQueueSize:  getEnvInt("EVENT_QUEUE_SIZE", 256),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of debug, info, warn, error", c.LogLevel))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be 'text' or 'json'", c.LogFormat))
	}

	validBackends := []string{"memory", "sqlite"}
	if !oneOf(validBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	if c.DataBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	validAuth := []string{"static", "supabase"}
	if !oneOf(validAuth, c.AuthBackend) {
		errors = append(errors, fmt.Sprintf("invalid auth backend '%s': must be one of %v", c.AuthBackend, validAuth))
	}

	if c.AuthBackend == "static" && c.AuthUserID == "" {
		errors = append(errors, "AUTH_USER_ID is required when using static auth")
	}

	if c.AuthBackend == "supabase" {
		if c.SupabaseURL == "" {
			errors = append(errors, "SUPABASE_URL is required when using supabase auth")
		} else if parsedURL, err := url.Parse(c.SupabaseURL); err != nil || (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") {
			errors = append(errors, fmt.Sprintf("invalid Supabase URL '%s': must be an http(s) URL", c.SupabaseURL))
		}
		if c.SupabasePublishableKey == "" {
			errors = append(errors, "SUPABASE_PUBLISHABLE_KEY is required when using supabase auth")
		}
		if c.AuthUsername == "" {
			errors = append(errors, "AUTH_USERNAME is required when using supabase auth")
		}
		if c.SupabaseAuthTimeout <= 0 {
			errors = append(errors, fmt.Sprintf("invalid Supabase auth timeout %v: must be positive", c.SupabaseAuthTimeout))
		}
		if c.SupabaseEmailDomain == "" {
			errors = append(errors, "SUPABASE_EMAIL_DOMAIN cannot be empty when using supabase auth")
		}
	}

	if _, err := ParseWeekday(c.WeekStart); err != nil {
		errors = append(errors, err.Error())
	}

	if c.StreakLookbackDays < 1 {
		errors = append(errors, fmt.Sprintf("invalid streak lookback %d: must be at least 1 day", c.StreakLookbackDays))
	} else if c.StreakLookbackDays > 366 {
		errors = append(errors, fmt.Sprintf("invalid streak lookback %d: must be at most 366 days", c.StreakLookbackDays))
	}

	if c.SummaryInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid summary interval %v: must be at least 1 second", c.SummaryInterval))
	} else if c.SummaryInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid summary interval %v: must be at most 24 hours", c.SummaryInterval))
	}

	if c.EventQueueSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid event queue size %d: must be at least 1", c.EventQueueSize))
	} else if c.EventQueueSize > 65536 {
		errors = append(errors, fmt.Sprintf("invalid event queue size %d: must be at most 65536", c.EventQueueSize))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// WeekStartDay returns the configured first day of the week, Sunday when
// the value does not parse.
func (c *Config) WeekStartDay() time.Weekday {
	d, err := ParseWeekday(c.WeekStart)
	if err != nil {
		return time.Sunday
	}
	return d
}

// ParseWeekday accepts an English day name, its three letter prefix, or a
// day index where 0 is Sunday.
func ParseWeekday(s string) (time.Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if i, err := strconv.Atoi(v); err == nil {
		if i >= 0 && i <= 6 {
			return time.Weekday(i), nil
		}
		return time.Sunday, fmt.Errorf("invalid week start %d: must be between 0 and 6", i)
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if v == name || (len(v) == 3 && strings.HasPrefix(name, v)) {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("invalid week start '%s': must be a day name or 0-6", s)
}

func oneOf(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
