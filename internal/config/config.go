package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/iago/creator-ingest/internal/domain"
	"github.com/iago/creator-ingest/internal/queue"
	"gopkg.in/yaml.v3"
)

// Config centralizes runtime settings for the API, workers and scheduler.
type Config struct {
	Port string

	AuthToken string

	DatabaseURL  string
	EnsureSchema bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	RateLimitRPS   float64
	RateLimitBurst int

	WorkerEnabled     bool
	SourceConcurrency int
	FetchLimit        int
	FetchLookback     time.Duration
	InitialPollDelay  time.Duration
	StatsCacheTTL     time.Duration

	SchedulerEnabled    bool
	CollectSchedule     string
	CleanupSchedule     string
	DigestSchedule      string
	DigestPeriod        time.Duration
	ResumeSchedule      string
	StaggerInterval     time.Duration
	SkipSlowPlatforms   bool
	CleanupCompletedAge time.Duration
	CleanupFailedAge    time.Duration

	ProviderTimeout time.Duration
	FeedUserAgent   string
	YouTubeAPIKey   string
	YouTubeBaseURL  string
	ApifyToken      string
	ApifyBaseURL    string
	ApifyMaxItems   int

	QueuesConfigFile string
	Queues           map[domain.QueueName]queue.Settings
}

func Load() (Config, error) {
	cfg := Config{
		Port: getEnv("PORT", "8080"),

		AuthToken: getEnv("API_AUTH_TOKEN", ""),

		DatabaseURL:  getEnv("DATABASE_URL", ""),
		EnsureSchema: getEnvBool("DATABASE_ENSURE_SCHEMA", true),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "ingest"),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		WorkerEnabled:     getEnvBool("WORKER_ENABLED", true),
		SourceConcurrency: getEnvInt("SOURCE_CONCURRENCY", 4),
		FetchLimit:        getEnvInt("FETCH_LIMIT", 50),
		FetchLookback:     getEnvDuration("FETCH_LOOKBACK", 24*time.Hour),
		InitialPollDelay:  getEnvDuration("SNAPSHOT_INITIAL_POLL_DELAY", 30*time.Second),
		StatsCacheTTL:     getEnvDuration("QUEUE_STATS_CACHE_TTL", time.Minute),

		SchedulerEnabled:    getEnvBool("SCHEDULER_ENABLED", true),
		CollectSchedule:     getEnv("COLLECT_SCHEDULE", "0 */6 * * *"),
		CleanupSchedule:     getEnv("CLEANUP_SCHEDULE", "*/15 * * * *"),
		DigestSchedule:      getEnv("DIGEST_SCHEDULE", "0 6 * * *"),
		DigestPeriod:        getEnvDuration("DIGEST_PERIOD", 24*time.Hour),
		ResumeSchedule:      getEnv("SNAPSHOT_RESUME_SCHEDULE", "*/10 * * * *"),
		StaggerInterval:     getEnvDuration("COLLECT_STAGGER_INTERVAL", 10*time.Second),
		SkipSlowPlatforms:   getEnvBool("COLLECT_SKIP_SLOW_PLATFORMS", false),
		CleanupCompletedAge: getEnvDuration("CLEANUP_COMPLETED_AGE", time.Hour),
		CleanupFailedAge:    getEnvDuration("CLEANUP_FAILED_AGE", 7*24*time.Hour),

		ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),
		FeedUserAgent:   getEnv("FEED_USER_AGENT", "creator-ingest/1.0"),
		YouTubeAPIKey:   getEnv("YOUTUBE_API_KEY", ""),
		YouTubeBaseURL:  getEnv("YOUTUBE_BASE_URL", "https://youtube.googleapis.com/"),
		ApifyToken:      getEnv("APIFY_API_TOKEN", ""),
		ApifyBaseURL:    getEnv("APIFY_BASE_URL", "https://api.apify.com/v2"),
		ApifyMaxItems:   getEnvInt("APIFY_MAX_ITEMS", 50),

		QueuesConfigFile: getEnv("QUEUES_CONFIG_FILE", ""),
	}

	queues, err := LoadQueueSettings(cfg.QueuesConfigFile)
	if err != nil {
		return Config{}, err
	}
	cfg.Queues = queues
	return cfg, nil
}

// CleanupPolicy builds the queue cleanup thresholds.
func (c Config) CleanupPolicy() queue.CleanupPolicy {
	return queue.CleanupPolicy{
		CompletedAge: c.CleanupCompletedAge,
		FailedAge:    c.CleanupFailedAge,
		Limit:        queue.DefaultCleanupPolicy().Limit,
	}
}

// LoadQueueSettings returns the default per-queue settings, overridden field
// by field from a YAML file keyed by queue name. An empty path means defaults.
func LoadQueueSettings(path string) (map[domain.QueueName]queue.Settings, error) {
	settings := queue.DefaultSettings()
	if strings.TrimSpace(path) == "" {
		return settings, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queues config: %w", err)
	}
	return ParseQueueSettings(raw, settings)
}

func ParseQueueSettings(raw []byte, base map[domain.QueueName]queue.Settings) (map[domain.QueueName]queue.Settings, error) {
	var document struct {
		Queues map[string]yaml.Node `yaml:"queues"`
	}
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("parse queues config: %w", err)
	}

	for name, node := range document.Queues {
		queueName := domain.QueueName(name)
		current, ok := base[queueName]
		if !ok {
			return nil, fmt.Errorf("parse queues config: %w: %s", queue.ErrUnknownQueue, name)
		}
		if err := node.Decode(&current); err != nil {
			return nil, fmt.Errorf("parse queues config %s: %w", name, err)
		}
		base[queueName] = current
	}
	return base, nil
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
