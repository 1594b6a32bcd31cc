package handlers

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// 来源空闲超过该时长后移除其令牌桶
	limiterIdleTTL = 10 * time.Minute
	limiterSweep   = time.Minute
)

type hostLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 按来源地址的令牌桶限流，桶容量等于每分钟配额
type RateLimiter struct {
	mu        sync.Mutex
	hosts     map[string]*hostLimiter
	every     rate.Limit
	burst     int
	enabled   bool
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter 创建限流器
func NewRateLimiter(requestsPerMinute int, enabled bool) *RateLimiter {
	rl := &RateLimiter{
		hosts:   make(map[string]*hostLimiter),
		burst:   requestsPerMinute,
		enabled: enabled && requestsPerMinute > 0,
		now:     time.Now,
	}
	if rl.enabled {
		rl.every = rate.Every(time.Minute / time.Duration(requestsPerMinute))
	}
	return rl
}

// Allow 检查是否允许请求
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil || !rl.enabled {
		return true
	}
	if key == "" {
		key = "unknown"
	}

	rl.mu.Lock()
	now := rl.now()
	rl.sweepLocked(now)
	h, ok := rl.hosts[key]
	if !ok {
		h = &hostLimiter{limiter: rate.NewLimiter(rl.every, rl.burst)}
		rl.hosts[key] = h
	}
	h.lastSeen = now
	rl.mu.Unlock()

	return h.limiter.AllowN(now, 1)
}

// sweepLocked 清理空闲来源，调用方持有 mu
func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < limiterSweep {
		return
	}
	rl.lastSweep = now
	for key, h := range rl.hosts {
		if now.Sub(h.lastSeen) > limiterIdleTTL {
			delete(rl.hosts, key)
		}
	}
}

// tracked 当前跟踪的来源数
func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.hosts)
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// RateLimitMiddleware 创建限流中间件
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(remoteHost(r.RemoteAddr)) {
				w.Header().Set("Retry-After", "60")
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
