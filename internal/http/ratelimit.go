package http

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	rateLimiterSweepInterval = 5 * time.Minute
	redisLimiterTimeout      = 250 * time.Millisecond
)

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) RateDecision
	Close()
}

type RateDecision struct {
	Allowed   bool
	Count     int
	WindowEnd time.Time
}

// remaining is how many requests the window still admits.
func (d RateDecision) remaining(limit int) int {
	if d.Count >= limit {
		return 0
	}
	return limit - d.Count
}

func clientIPKey(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// userKey throttles authenticated callers per account, so clients sharing an
// address do not starve each other.
func userKey(c *gin.Context) string {
	if userID := currentUserID(c); userID != "" {
		return "user:" + userID
	}
	return clientIPKey(c)
}

func (h *Handler) rateLimit(limit int, keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.limiter == nil || limit <= 0 {
			c.Next()
			return
		}

		decision := h.limiter.Allow(c.Request.Context(), keyFn(c), limit, h.rateWindow)
		header := c.Writer.Header()
		header.Set("X-RateLimit-Limit", strconv.Itoa(limit))
		header.Set("X-RateLimit-Remaining", strconv.Itoa(decision.remaining(limit)))
		if !decision.WindowEnd.IsZero() {
			header.Set("X-RateLimit-Reset", strconv.FormatInt(decision.WindowEnd.Unix(), 10))
		}

		if !decision.Allowed {
			retry := int(time.Until(decision.WindowEnd).Seconds()) + 1
			header.Set("Retry-After", strconv.Itoa(retry))
			h.log.WithFields(logFields(c, http.StatusTooManyRequests)).WithField("count", decision.Count).Debug("rate limit exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests, try again later"})
			return
		}
		c.Next()
	}
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type window struct {
	count int
	end   time.Time
}

// NewMemoryRateLimiter keeps counters in process memory. Expired windows are
// swept in the background until Close.
func NewMemoryRateLimiter() RateLimiter {
	rl := newMemoryRateLimiter(time.Now)
	go rl.sweepLoop(rateLimiterSweepInterval)
	return rl
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{
		windows: make(map[string]window),
		now:     now,
		stop:    make(chan struct{}),
	}
}

func (rl *memoryRateLimiter) Allow(_ context.Context, key string, limit int, length time.Duration) RateDecision {
	if limit <= 0 {
		return RateDecision{Allowed: true}
	}
	if length <= 0 {
		length = time.Minute
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || !now.Before(w.end) {
		w = window{end: now.Add(length)}
	}
	if w.count < limit {
		w.count++
		rl.windows[key] = w
		return RateDecision{Allowed: true, Count: w.count, WindowEnd: w.end}
	}
	return RateDecision{Allowed: false, Count: w.count, WindowEnd: w.end}
}

func (rl *memoryRateLimiter) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stop:
			return
		}
	}
}

func (rl *memoryRateLimiter) sweep() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.windows {
		if !now.Before(w.end) {
			delete(rl.windows, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// fixedWindow increments the counter and starts its expiry in one round trip,
// returning the count and the remaining window in milliseconds.
var fixedWindow = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

type redisRateLimiter struct {
	client *redis.Client
	log    *logrus.Logger
	prefix string
}

// NewRedisRateLimiter shares counters between instances through Redis.
// Redis errors fail open.
func NewRedisRateLimiter(addr, password string, db int, logger *logrus.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &redisRateLimiter{client: client, log: logger, prefix: "piquante:ratelimit:"}, nil
}

func (rl *redisRateLimiter) Allow(ctx context.Context, key string, limit int, length time.Duration) RateDecision {
	if limit <= 0 {
		return RateDecision{Allowed: true}
	}
	if length <= 0 {
		length = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, redisLimiterTimeout)
	defer cancel()

	res, err := fixedWindow.Run(ctx, rl.client, []string{rl.prefix + key}, length.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		rl.log.WithError(err).WithField("key", key).Error("redis rate limiter unavailable, allowing request")
		return RateDecision{Allowed: true}
	}

	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl <= 0 {
		ttl = length
	}
	return RateDecision{
		Allowed:   res[0] <= int64(limit),
		Count:     int(res[0]),
		WindowEnd: time.Now().Add(ttl),
	}
}

func (rl *redisRateLimiter) Close() {
	_ = rl.client.Close()
}
