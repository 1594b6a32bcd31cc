package handlers

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"
)

// HealthStatus 健康检查状态
type HealthStatus struct {
	Status    string                 `json:"status"` // healthy, degraded
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]Check       `json:"checks"`
	System    SystemInfo             `json:"system"`
	Pipeline  map[string]interface{} `json:"pipeline,omitempty"`
	Requests  map[string]interface{} `json:"requests,omitempty"`
}

// Check 单个检查项
type Check struct {
	Status  string `json:"status"` // pass, fail
	Message string `json:"message,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	GoVersion  string  `json:"go_version"`
	Goroutines int     `json:"goroutines"`
	MemoryMB   float64 `json:"memory_mb"`
}

var startTime = time.Now()

const checkTimeout = 5 * time.Second

func (h *Handler) runChecks(ctx context.Context) (map[string]Check, bool) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]Check, len(names))
	ok := true
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			results[name] = Check{Status: "fail", Message: err.Error()}
			ok = false
			continue
		}
		results[name] = Check{Status: "pass"}
	}
	return results, ok
}

// Health 健康详情；依赖失败时返回 degraded，状态码仍为 200
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.runChecks(r.Context())

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Checks:    checks,
		System: SystemInfo{
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
			MemoryMB:   float64(m.Alloc) / 1024 / 1024,
		},
		Requests: h.timer.GetStats(),
	}
	if !ok {
		status.Status = "degraded"
	}
	if h.stats != nil {
		status.Pipeline = h.stats()
	}
	WriteJSON(w, http.StatusOK, status)
}

// Readiness 就绪检查，任一依赖失败返回 503
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.runChecks(r.Context())
	if !ok {
		WriteJSON(w, http.StatusServiceUnavailable, APIResponse{Success: false, Error: "not ready", Data: checks})
		return
	}
	WriteSuccess(w, checks)
}

// Liveness 存活检查
func Liveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
