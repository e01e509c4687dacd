// Package ratelimit throttles unauthenticated callers with a sliding window
// keyed by client IP.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the whole number of seconds until the window frees a slot.
func (r Result) RetryAfter(now time.Time) int {
	secs := int(r.ResetAt.Sub(now).Seconds() + 0.999)
	if secs < 1 {
		return 1
	}
	return secs
}

// Store counts requests per key over a sliding window.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// InMemoryStore is a process-local sliding window. Each replica limits
// independently; use RedisStore when running more than one.
type InMemoryStore struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
	now     func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{buckets: make(map[string][]time.Time), now: time.Now}
}

func (s *InMemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-window)
	ts := s.buckets[key]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	ts = ts[i:]

	res := Result{Limit: limit, ResetAt: now.Add(window)}
	if len(ts) > 0 {
		res.ResetAt = ts[0].Add(window)
	}
	if len(ts) >= limit {
		s.buckets[key] = ts
		return res, nil
	}
	ts = append(ts, now)
	s.buckets[key] = ts
	res.Allowed = true
	res.Remaining = limit - len(ts)
	return res, nil
}

// slidingWindowScript trims the sorted set to the window, then adds the
// request if there is room. Returns {allowed, count, oldest score in ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
local allowed = 0
if count < limit then
  redis.call("ZADD", key, now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call("PEXPIRE", key, window)
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local first = now
if oldest[2] then
  first = tonumber(oldest[2])
end
return {allowed, count, first}
`)

// RedisStore shares the window across replicas.
type RedisStore struct {
	client redis.Scripter
	prefix string
	now    func() time.Time
}

func NewRedisStore(client redis.Scripter, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := s.now()
	vals, err := slidingWindowScript.Run(ctx, s.client,
		[]string{s.prefix + key},
		now.UnixMilli(), window.Milliseconds(), limit, strconv.FormatInt(now.UnixNano(), 10)+"-"+uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("rate limit script returned %d values", len(vals))
	}
	res := Result{
		Allowed: vals[0] == 1,
		Limit:   limit,
		ResetAt: time.UnixMilli(vals[2]).Add(window),
	}
	if res.Allowed {
		res.Remaining = limit - int(vals[1])
	}
	return res, nil
}
