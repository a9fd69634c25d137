package queue

import (
	"sync"
	"time"

	"github.com/iago/creator-ingest/internal/domain"
)

type statsEntry struct {
	stats     map[domain.QueueName]domain.QueueCounts
	expiresAt time.Time
}

// statsCache keeps the last stats snapshot for a fixed TTL so frequent
// monitoring polls do not hit the backing store.
type statsCache struct {
	mu    sync.RWMutex
	entry *statsEntry
	ttl   time.Duration
	now   func() time.Time
}

func newStatsCache(ttl time.Duration, now func() time.Time) *statsCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &statsCache{ttl: ttl, now: now}
}

func (c *statsCache) Get() (map[domain.QueueName]domain.QueueCounts, bool) {
	c.mu.RLock()
	entry := c.entry
	c.mu.RUnlock()

	if entry == nil || !c.now().Before(entry.expiresAt) {
		return nil, false
	}
	return cloneStats(entry.stats), true
}

func (c *statsCache) Set(stats map[domain.QueueName]domain.QueueCounts) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = &statsEntry{
		stats:     cloneStats(stats),
		expiresAt: c.now().Add(c.ttl),
	}
}

func (c *statsCache) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.mu.Unlock()
}

func cloneStats(stats map[domain.QueueName]domain.QueueCounts) map[domain.QueueName]domain.QueueCounts {
	clone := make(map[domain.QueueName]domain.QueueCounts, len(stats))
	for queue, counts := range stats {
		clone[queue] = counts
	}
	return clone
}
