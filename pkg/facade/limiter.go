package facade

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether one request from an identity may proceed.
type Limiter interface {
	Allow(ctx context.Context, id string, rpm, burst int) (Verdict, error)
}

// Verdict carries the limiter headers.
type Verdict struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// memoryLimiter keeps a token bucket per identity, evicting idle
// entries so abandoned identities do not accumulate.
type memoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter returns the in-process limiter. Close stops its
// eviction goroutine.
func NewMemoryLimiter() Limiter {
	l := &memoryLimiter{buckets: make(map[string]*bucket), stop: make(chan struct{})}
	go l.evict()
	return l
}

func (l *memoryLimiter) Allow(_ context.Context, id string, rpm, burst int) (Verdict, error) {
	l.mu.Lock()
	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60), burst)}
		l.buckets[id] = b
	}
	b.lastSeen = time.Now()
	lim := b.limiter
	l.mu.Unlock()

	v := Verdict{Limit: rpm}
	if lim.Allow() {
		v.Allowed = true
		v.Remaining = int(math.Max(0, lim.Tokens()))
		return v, nil
	}
	// Time until one token refills.
	v.RetryAfter = time.Duration(float64(time.Minute) / float64(rpm))
	return v, nil
}

func (l *memoryLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	return nil
}

func (l *memoryLimiter) evict() {
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-tick.C:
		}
		l.mu.Lock()
		for id, b := range l.buckets {
			if time.Since(b.lastSeen) > 3*time.Minute {
				delete(l.buckets, id)
			}
		}
		l.mu.Unlock()
	}
}

// redisTokenBucketScript refills and spends atomically so all facade
// replicas share one bucket per identity.
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if tokens == nil then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)
return {allowed, tostring(tokens)}
`)

// redisLimiter shares buckets across replicas. On Redis failure it fails
// open to the in-memory limiter rather than dropping traffic.
type redisLimiter struct {
	client   *redis.Client
	fallback Limiter
}

// NewRedisLimiter returns the shared limiter.
func NewRedisLimiter(client *redis.Client) Limiter {
	return &redisLimiter{client: client, fallback: NewMemoryLimiter()}
}

func (l *redisLimiter) Close() error {
	if c, ok := l.fallback.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (l *redisLimiter) Allow(ctx context.Context, id string, rpm, burst int) (Verdict, error) {
	now := float64(time.Now().UnixMilli()) / 1000
	res, err := redisTokenBucketScript.Run(ctx, l.client,
		[]string{"facade:rl:" + id}, float64(rpm)/60, burst, now).Result()
	if err != nil {
		return l.fallback.Allow(ctx, id, rpm, burst)
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return l.fallback.Allow(ctx, id, rpm, burst)
	}
	allowed, _ := vals[0].(int64)
	var tokens float64
	if s, ok := vals[1].(string); ok {
		fmt.Sscanf(s, "%f", &tokens)
	}

	v := Verdict{
		Allowed:   allowed == 1,
		Limit:     rpm,
		Remaining: int(tokens),
	}
	if !v.Allowed {
		v.RetryAfter = time.Duration(float64(time.Minute) / float64(rpm))
	}
	return v, nil
}

// setRateHeaders writes the X-RateLimit-* response headers.
func setRateHeaders(w http.ResponseWriter, v Verdict) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", v.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", v.Remaining))
	if v.RetryAfter > 0 {
		secs := int(math.Ceil(v.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	}
}
