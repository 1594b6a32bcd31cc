// Package circuit 熔断器，保护现场总线等易失效端点
package circuit

import (
	"sync"
	"time"

	"github.com/gonglijing/xunjiHub/internal/logger"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	Closed   CircuitState = iota // 正常放行
	Open                         // 拒绝请求
	HalfOpen                     // 试探恢复
)

// String 返回状态字符串
func (s CircuitState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"` // 窗口内失败次数阈值
	FailureWindow    time.Duration `yaml:"failure_window"`
	SuccessThreshold int           `yaml:"success_threshold"` // 半开状态下恢复所需成功次数
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = def.FailureWindow
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	return c
}

// CircuitBreaker 单个端点的熔断器
type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time

	mu          sync.Mutex
	state       CircuitState
	failures    []time.Time
	successes   int
	lastFailure time.Time
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		now:    time.Now,
		state:  Closed,
	}
}

// Execute 执行受保护的函数；熔断打开时直接返回 *OpenError
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if wait, ok := cb.allow(); !ok {
		return &OpenError{Name: cb.name, RetryAfter: wait}
	}
	err := fn()
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) allow() (time.Duration, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != Open {
		return 0, true
	}
	elapsed := cb.now().Sub(cb.lastFailure)
	if elapsed >= cb.config.RecoveryTimeout {
		cb.transition(HalfOpen)
		return 0, true
	}
	return cb.config.RecoveryTimeout - elapsed, false
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.now()

	if success {
		if cb.state == HalfOpen {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.transition(Closed)
			}
		}
		return
	}

	cb.lastFailure = now
	switch cb.state {
	case HalfOpen:
		cb.transition(Open)
	case Closed:
		cb.failures = append(cb.failures, now)
		cb.prune(now)
		if len(cb.failures) >= cb.config.FailureThreshold {
			cb.transition(Open)
		}
	}
}

// transition 调用方持锁
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.successes = 0
	cb.failures = cb.failures[:0]
	logger.Named("circuit").Info("Circuit breaker state changed", "name", cb.name, "from", from.String(), "to", to.String())
}

func (cb *CircuitBreaker) prune(now time.Time) {
	windowStart := now.Add(-cb.config.FailureWindow)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}

// State 获取当前状态
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(Closed)
}

// Group 按端点名懒创建熔断器
type Group struct {
	config Config
	mu     sync.Mutex
	items  map[string]*CircuitBreaker
}

// NewGroup 创建熔断器组
func NewGroup(config Config) *Group {
	return &Group{config: config, items: make(map[string]*CircuitBreaker)}
}

// Get 获取端点熔断器
func (g *Group) Get(name string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.items[name]
	if !ok {
		cb = NewCircuitBreaker(name, g.config)
		g.items[name] = cb
	}
	return cb
}

// OpenError 熔断打开
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return "circuit breaker " + e.Name + " is open, retry after " + e.RetryAfter.String()
}
