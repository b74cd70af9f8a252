package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Delivery is a cached webhook response, replayed when Slack re-delivers an
// event it already sent.
type Delivery struct {
	StatusCode int       `json:"status"`
	Body       []byte    `json:"body"`
	CachedAt   time.Time `json:"cached_at"`
}

// DeliveryCache remembers handled event ids.
type DeliveryCache interface {
	Check(ctx context.Context, eventID string) (*Delivery, bool)
	Set(ctx context.Context, eventID string, d Delivery)
}

// MemoryDeliveryCache is an in-process DeliveryCache. Expired entries are
// pruned on write.
type MemoryDeliveryCache struct {
	mu      sync.Mutex
	entries map[string]Delivery
	ttl     time.Duration
	clock   func() time.Time
}

// NewMemoryDeliveryCache creates a cache keeping entries for ttl.
func NewMemoryDeliveryCache(ttl time.Duration) *MemoryDeliveryCache {
	return &MemoryDeliveryCache{
		entries: make(map[string]Delivery),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// WithClock overrides the time source for deterministic testing.
func (c *MemoryDeliveryCache) WithClock(clock func() time.Time) *MemoryDeliveryCache {
	c.clock = clock
	return c
}

// Check returns the cached delivery for eventID if it has not expired.
func (c *MemoryDeliveryCache) Check(_ context.Context, eventID string) (*Delivery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.entries[eventID]
	if !ok || c.clock().Sub(d.CachedAt) >= c.ttl {
		return nil, false
	}
	return &d, true
}

// Set stores d under eventID.
func (c *MemoryDeliveryCache) Set(_ context.Context, eventID string, d Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	for k, v := range c.entries {
		if now.Sub(v.CachedAt) >= c.ttl {
			delete(c.entries, k)
		}
	}
	d.CachedAt = now
	c.entries[eventID] = d
}

// Len returns the number of cached entries, expired or not.
func (c *MemoryDeliveryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisDeliveryCache shares handled event ids between instances.
type RedisDeliveryCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisDeliveryCache creates a cache over client.
func NewRedisDeliveryCache(client *redis.Client, ttl time.Duration) *RedisDeliveryCache {
	return &RedisDeliveryCache{client: client, ttl: ttl, prefix: "govbox:event:"}
}

// Check implements DeliveryCache. Redis errors read as a miss.
func (c *RedisDeliveryCache) Check(ctx context.Context, eventID string) (*Delivery, bool) {
	raw, err := c.client.Get(ctx, c.prefix+eventID).Bytes()
	if err != nil {
		return nil, false
	}
	var d Delivery
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, false
	}
	return &d, true
}

// Set implements DeliveryCache.
func (c *RedisDeliveryCache) Set(ctx context.Context, eventID string, d Delivery) {
	d.CachedAt = time.Now().UTC()
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.prefix+eventID, raw, c.ttl).Err()
}
