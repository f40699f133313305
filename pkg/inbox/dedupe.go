package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultDedupeTTL = 30 * time.Minute

// Deduper remembers recently stored message ids so broker redeliveries can be
// acknowledged without touching the database. It is a cache: the primary key
// on the store remains the authority.
type Deduper interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	MarkSeen(ctx context.Context, messageID string) error
}

type MemoryDeduper struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &MemoryDeduper{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (d *MemoryDeduper) Seen(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.cleanupLocked(now)

	_, ok := d.entries[messageID]
	return ok, nil
}

func (d *MemoryDeduper) MarkSeen(ctx context.Context, messageID string) error {
	if messageID == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries[messageID] = d.now()
	return nil
}

func (d *MemoryDeduper) cleanupLocked(now time.Time) {
	for messageID, seenAt := range d.entries {
		if now.Sub(seenAt) > d.ttl {
			delete(d.entries, messageID)
		}
	}
}

// RedisDeduper shares the redelivery cache between consumer replicas.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	if prefix == "" {
		prefix = "storeflow:inbox:"
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	n, err := d.client.Exists(ctx, d.prefix+messageID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduper) MarkSeen(ctx context.Context, messageID string) error {
	if messageID == "" {
		return nil
	}
	return d.client.SetNX(ctx, d.prefix+messageID, 1, d.ttl).Err()
}
