package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease elects one sweeper per tick across replicas. Correctness never
// depends on it: the version check makes concurrent sweeps safe. It only
// avoids duplicated work and noisy TerminalStateViolation audit entries.
type Lease interface {
	// Acquire returns ok=false when another holder owns the lease.
	Acquire(ctx context.Context, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// LocalLease always grants; used when no Redis is configured.
type LocalLease struct{}

func (LocalLease) Acquire(context.Context, time.Duration) (func(context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is SET NX PX with a per-acquisition token.
type RedisLease struct {
	client redisClient
	key    string
}

func NewRedisLease(client redisClient, key string) *RedisLease {
	return &RedisLease{client: client, key: key}
}

func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire sweep lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("release sweep lease: %w", err)
		}
		return nil
	}
	return release, true, nil
}
