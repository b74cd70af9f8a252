package locks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it still holds our token.
// KEYS[1] = lock key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a lease-based Locker shared by every instance pointed at
// the same Redis. A lease expires after TTL even if never released.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithPollInterval sets how often a waiting Lock retries.
func WithPollInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) { l.poll = d }
}

// WithPrefix sets the key namespace.
func WithPrefix(p string) RedisOption {
	return func(l *RedisLocker) { l.prefix = p }
}

// NewRedisLocker creates a locker on client with lease ttl.
func NewRedisLocker(client *redis.Client, ttl time.Duration, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		prefix: "govbox:lock:",
		ttl:    ttl,
		poll:   25 * time.Millisecond,
		logger: slog.Default().With("component", "locks.redis"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

var _ Locker = (*RedisLocker)(nil)

// Lock polls SET NX PX until the lease is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{k}, token).Err(); err != nil {
				l.logger.Warn("lock release failed", "key", key, "error", err)
			}
		})
	}, nil
}
