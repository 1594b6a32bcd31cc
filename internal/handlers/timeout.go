package handlers

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gonglijing/xunjiHub/internal/logger"
)

// RequestTimer 请求计时器，保留最近 maxRecords 次耗时
type RequestTimer struct {
	mu            sync.RWMutex
	durations     []time.Duration
	maxRecords    int
	slowThreshold time.Duration
}

// NewRequestTimer 创建请求计时器
func NewRequestTimer(maxRecords int, slowThreshold time.Duration) *RequestTimer {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &RequestTimer{
		durations:     make([]time.Duration, 0, maxRecords),
		maxRecords:    maxRecords,
		slowThreshold: slowThreshold,
	}
}

// Record 记录请求耗时
func (t *RequestTimer) Record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.durations = append(t.durations, d)
	if len(t.durations) > t.maxRecords {
		t.durations = t.durations[len(t.durations)-t.maxRecords:]
	}
}

// Slow 是否超过慢请求阈值
func (t *RequestTimer) Slow(d time.Duration) bool {
	return t.slowThreshold > 0 && d >= t.slowThreshold
}

// GetStats 获取统计信息
func (t *RequestTimer) GetStats() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.durations) == 0 {
		return map[string]interface{}{
			"count":      0,
			"avg_ms":     int64(0),
			"p50_ms":     int64(0),
			"p95_ms":     int64(0),
			"p99_ms":     int64(0),
			"slow_count": 0,
		}
	}

	sorted := make([]time.Duration, len(t.durations))
	copy(sorted, t.durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	slowCount := 0
	for _, d := range sorted {
		total += d
		if t.Slow(d) {
			slowCount++
		}
	}
	avg := total / time.Duration(len(sorted))

	return map[string]interface{}{
		"count":      len(sorted),
		"avg_ms":     avg.Milliseconds(),
		"p50_ms":     sorted[len(sorted)*50/100].Milliseconds(),
		"p95_ms":     sorted[len(sorted)*95/100].Milliseconds(),
		"p99_ms":     sorted[len(sorted)*99/100].Milliseconds(),
		"slow_count": slowCount,
	}
}

// TimerMiddleware 请求计时中间件，慢请求记一条告警日志
func TimerMiddleware(timer *RequestTimer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			d := time.Since(start)
			timer.Record(d)
			if timer.Slow(d) {
				logger.Warn("Slow request", "method", r.Method, "path", r.URL.Path, "duration", d.String())
			}
		})
	}
}
