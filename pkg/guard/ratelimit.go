package guard

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// requestLimitPerWindow and requestLimitWindow are spec §5's default guard
// rate limit: 10000 requests per 60s window, per client IP.
const (
	requestLimitPerWindow = 10_000
	requestLimitWindow    = 60 * time.Second
)

// RateLimiter holds one token-bucket limiter per client key (typically the
// remote IP), backed by golang.org/x/time/rate — already an indirect
// dependency of the teacher's module graph via its HTTP middleware chain,
// promoted here to a direct import.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter constructs a RateLimiter enforcing the spec's default of
// 10000 requests per 60 second window per client.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(requestLimitWindow / requestLimitPerWindow),
		burst:    requestLimitPerWindow,
	}
}

// Allow reports whether a request from client should proceed.
func (l *RateLimiter) Allow(client string) bool {
	return l.limiterFor(client).Allow()
}

func (l *RateLimiter) limiterFor(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[client]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[client] = lim
	}
	return lim
}

// Forget drops the limiter state for client, used to bound memory growth
// once a connection's gateway session ends.
func (l *RateLimiter) Forget(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, client)
}
