package override

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes activations, ends and expiries of one policy across
// callers. The returned function releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is a Locker for a single process.
type LocalLocker struct {
	locks sync.Map // key → chan struct{}
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{}
}

// Lock implements Locker. It gives up when ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	v, _ := l.locks.LoadOrStore(key, make(chan struct{}, 1))
	ch := v.(chan struct{})
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// releaseScript deletes the lock key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLockerConfig configures a RedisLocker.
type RedisLockerConfig struct {
	// Prefix namespaces lock keys. Default: "aegis:override:lock:"
	Prefix string

	// TTL bounds how long a crashed holder can keep the lock. Default: 10s
	TTL time.Duration

	// RetryInterval is the wait between acquisition attempts. Default: 25ms
	RetryInterval time.Duration
}

// RedisLocker is a Locker shared by every process using the same Redis.
type RedisLocker struct {
	client redis.UniversalClient
	config RedisLockerConfig
}

// NewRedisLocker creates a locker on client.
func NewRedisLocker(client redis.UniversalClient, cfg RedisLockerConfig) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = "aegis:override:lock:"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 25 * time.Millisecond
	}
	return &RedisLocker{client: client, config: cfg}
}

// Lock implements Locker with SET NX PX and a token-checked release.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.config.Prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.config.RetryInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.config.TTL).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return func() {
		// Release with a fresh context so a cancelled caller still unlocks.
		rctx, cancel := context.WithTimeout(context.Background(), l.config.TTL)
		defer cancel()
		_ = releaseScript.Run(rctx, l.client, []string{redisKey}, token).Err()
	}, nil
}
