// Package ratelimit throttles public endpoints per client key.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	memoryIdleTTL       = 10 * time.Minute
	memorySweepInterval = time.Minute
	redisKeyPrefix      = "tutorlink:ratelimit:"
)

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Policy is the permitted request rate per key.
type Policy struct {
	PerMinute int
	Burst     int
}

// Enabled reports whether the policy limits anything.
func (p Policy) Enabled() bool {
	return p.PerMinute > 0
}

// MemoryLimiter is a token bucket per key held in process memory.
type MemoryLimiter struct {
	mu        sync.Mutex
	policy    Policy
	clock     func() time.Time
	buckets   map[string]*memoryBucket
	lastSweep time.Time
}

type memoryBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter constructs a MemoryLimiter. A nil clock uses time.Now.
func NewMemoryLimiter(policy Policy, clock func() time.Time) *MemoryLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLimiter{
		policy:  policy,
		clock:   clock,
		buckets: make(map[string]*memoryBucket),
	}
}

// Allow consumes one token from the key's bucket.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	if !l.policy.Enabled() {
		return true, nil
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) >= memorySweepInterval {
		for bucketKey, bucket := range l.buckets {
			if now.Sub(bucket.lastSeen) > memoryIdleTTL {
				delete(l.buckets, bucketKey)
			}
		}
		l.lastSweep = now
	}
	bucket, ok := l.buckets[key]
	if !ok {
		burst := l.policy.Burst
		if burst <= 0 {
			burst = 1
		}
		bucket = &memoryBucket{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.policy.PerMinute)), burst),
		}
		l.buckets[key] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1), nil
}

// RedisLimiter counts requests per key in one-minute windows shared by every instance.
// The window admits PerMinute plus Burst requests.
type RedisLimiter struct {
	client redis.Cmdable
	policy Policy
	clock  func() time.Time
}

// NewRedisLimiter constructs a RedisLimiter. A nil clock uses time.Now.
func NewRedisLimiter(client redis.Cmdable, policy Policy, clock func() time.Time) *RedisLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &RedisLimiter{client: client, policy: policy, clock: clock}
}

// Allow increments the key's counter for the current window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if !l.policy.Enabled() {
		return true, nil
	}
	window := l.clock().UTC().Unix() / 60
	windowKey := redisKeyPrefix + key + ":" + strconv.FormatInt(window, 10)

	count, err := l.client.Incr(ctx, windowKey).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, windowKey, 2*time.Minute).Err(); err != nil {
			return false, fmt.Errorf("ratelimit: expire: %w", err)
		}
	}
	return count <= int64(l.policy.PerMinute+l.policy.Burst), nil
}

// NewRedisClient opens a client and verifies connectivity.
func NewRedisClient(ctx context.Context, address, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       0,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
