package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string

	// Sync queue / engine
	BackoffSchedule   []time.Duration
	MaxAttempts       int
	BatchSize         int
	ApplyTimeout      time.Duration
	SyncingStaleAfter time.Duration

	// Scheduler cadences
	SyncInterval            time.Duration
	RetentionSweepInterval  time.Duration
	ModelStatsFlushInterval time.Duration

	// Retention
	SyncedEventRetention time.Duration
	AnalyticsRetention   time.Duration
	DeviceRetireAfter    time.Duration

	// Conflict resolution
	DefaultStrategy string
	HighValueFields []string

	// Analytics buffer
	AnalyticsBufferSize int
	AnalyticsBatchSize  int
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		BackoffSchedule:   []time.Duration{time.Second, 3 * time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second},
		MaxAttempts:       getEnvInt("SYNC_MAX_ATTEMPTS", 5),
		BatchSize:         getEnvInt("SYNC_BATCH_SIZE", 50),
		ApplyTimeout:      getEnvDuration("APPLY_TIMEOUT", 10*time.Second),
		SyncingStaleAfter: getEnvDuration("SYNCING_STALE_AFTER", 5*time.Minute),

		SyncInterval:            getEnvDuration("SYNC_INTERVAL", 30*time.Second),
		RetentionSweepInterval:  getEnvDuration("RETENTION_SWEEP_INTERVAL", time.Hour),
		ModelStatsFlushInterval: getEnvDuration("MODEL_STATS_FLUSH_INTERVAL", 30*time.Second),

		SyncedEventRetention: getEnvDuration("SYNCED_EVENT_RETENTION", 30*24*time.Hour),
		AnalyticsRetention:   getEnvDuration("ANALYTICS_RETENTION", 7*24*time.Hour),
		DeviceRetireAfter:    getEnvDuration("DEVICE_RETIRE_AFTER", 90*24*time.Hour),

		DefaultStrategy: getEnv("CONFLICT_DEFAULT_STRATEGY", "server_wins"),
		HighValueFields: getEnvList("CONFLICT_HIGH_VALUE_FIELDS", []string{"email", "phone", "payment", "balance"}),

		AnalyticsBufferSize: getEnvInt("ANALYTICS_BUFFER_SIZE", 1000),
		AnalyticsBatchSize:  getEnvInt("ANALYTICS_BATCH_SIZE", 100),
	}

	if schedule := os.Getenv("SYNC_BACKOFF_SCHEDULE"); schedule != "" {
		parsed, err := parseSchedule(schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid SYNC_BACKOFF_SCHEDULE: %w", err)
		}
		cfg.BackoffSchedule = parsed
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.MaxAttempts < 1 {
		return nil, errors.New("SYNC_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.BatchSize < 1 {
		return nil, errors.New("SYNC_BATCH_SIZE must be at least 1")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
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

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

// parseSchedule parses a comma-separated list of durations, e.g. "1s,3s,5s".
func parseSchedule(raw string) ([]time.Duration, error) {
	parts := strings.Split(raw, ",")
	schedule := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		schedule = append(schedule, d)
	}
	if len(schedule) == 0 {
		return nil, errors.New("empty schedule")
	}
	return schedule, nil
}
