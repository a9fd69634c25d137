package queue

import (
	"time"

	"github.com/iago/creator-ingest/internal/domain"
)

// Settings are the per-queue knobs. Concurrency bounds local resource usage;
// RateLimitMax/RateLimitWindow bound calls to a downstream provider.
type Settings struct {
	Concurrency     int           `yaml:"concurrency"`
	RateLimitMax    int           `yaml:"rateLimitMax"`
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`
	MaxAttempts     int           `yaml:"maxAttempts"`
	Backoff         time.Duration `yaml:"backoff"`
	MaxBackoff      time.Duration `yaml:"maxBackoff"`
	Priority        int           `yaml:"priority"`
	LockDuration    time.Duration `yaml:"lockDuration"`
	StalledInterval time.Duration `yaml:"stalledInterval"`
	MaxStalledCount int           `yaml:"maxStalledCount"`
	PollInterval    time.Duration `yaml:"pollInterval"`
}

// DefaultSettings returns the built-in settings for each pipeline queue.
func DefaultSettings() map[domain.QueueName]Settings {
	return map[domain.QueueName]Settings{
		domain.QueueCreatorCollection: {
			Concurrency:     4,
			RateLimitMax:    10,
			RateLimitWindow: time.Minute,
			MaxAttempts:     3,
			Backoff:         30 * time.Second,
			MaxBackoff:      10 * time.Minute,
			Priority:        10,
		},
		domain.QueueSnapshotPoll: {
			Concurrency:     2,
			RateLimitMax:    30,
			RateLimitWindow: time.Minute,
			MaxAttempts:     20,
			Backoff:         30 * time.Second,
			MaxBackoff:      5 * time.Minute,
			Priority:        5,
		},
		domain.QueueSummarization: {
			Concurrency:     2,
			RateLimitMax:    20,
			RateLimitWindow: time.Minute,
			MaxAttempts:     3,
			Backoff:         time.Minute,
			MaxBackoff:      15 * time.Minute,
			Priority:        20,
		},
		domain.QueueDigest: {
			Concurrency:     1,
			RateLimitMax:    5,
			RateLimitWindow: time.Minute,
			MaxAttempts:     3,
			Backoff:         5 * time.Minute,
			MaxBackoff:      30 * time.Minute,
			Priority:        30,
		},
	}
}

func (s Settings) withDefaults() Settings {
	if s.Concurrency <= 0 {
		s.Concurrency = 1
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.Backoff <= 0 {
		s.Backoff = 5 * time.Second
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = 10 * time.Minute
	}
	if s.MaxBackoff < s.Backoff {
		s.MaxBackoff = s.Backoff
	}
	if s.Priority < 0 {
		s.Priority = 0
	}
	if s.Priority > maxPriority {
		s.Priority = maxPriority
	}
	if s.LockDuration <= 0 {
		s.LockDuration = 30 * time.Second
	}
	if s.StalledInterval <= 0 {
		s.StalledInterval = 30 * time.Second
	}
	if s.MaxStalledCount <= 0 {
		s.MaxStalledCount = 1
	}
	if s.PollInterval <= 0 {
		s.PollInterval = time.Second
	}
	return s
}

// BackoffFor returns the exponential delay before the next attempt after
// attempt (1-based) failed.
func (s Settings) BackoffFor(attempt int) time.Duration {
	s = s.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	delay := s.Backoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.MaxBackoff {
			return s.MaxBackoff
		}
	}
	return delay
}
