// Package graceful 进程优雅关闭
package graceful

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gonglijing/xunjiHub/internal/logger"
)

// ShutdownFunc 关闭函数类型
type ShutdownFunc func(ctx context.Context) error

type step struct {
	name string
	fn   ShutdownFunc
}

// GracefulShutdown 优雅关闭管理器，关闭步骤按注册的逆序执行
type GracefulShutdown struct {
	timeout    time.Duration
	mu         sync.Mutex
	steps      []step
	notifyChan chan os.Signal
	done       chan struct{}
	once       sync.Once
}

// NewGracefulShutdown 创建优雅关闭管理器
func NewGracefulShutdown(timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GracefulShutdown{
		timeout:    timeout,
		notifyChan: make(chan os.Signal, 1),
		done:       make(chan struct{}),
	}
}

// Add 注册关闭步骤
func (g *GracefulShutdown) Add(name string, f ShutdownFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.steps = append(g.steps, step{name: name, fn: f})
}

// AddCloser 注册无上下文的关闭函数
func (g *GracefulShutdown) AddCloser(name string, f func() error) {
	g.Add(name, func(context.Context) error { return f() })
}

// AddHTTPServer 注册 HTTP 服务器
func (g *GracefulShutdown) AddHTTPServer(name string, srv *http.Server) {
	g.Add(name, func(ctx context.Context) error {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}

// Start 监听退出信号
func (g *GracefulShutdown) Start() {
	signal.Notify(g.notifyChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-g.notifyChan:
			logger.Named("graceful").Info("Received shutdown signal", "signal", sig.String())
			g.Shutdown()
		case <-g.done:
		}
	}()
}

// Shutdown 执行关闭，只执行一次
func (g *GracefulShutdown) Shutdown() {
	g.once.Do(func() {
		defer close(g.done)
		signal.Stop(g.notifyChan)
		log := logger.Named("graceful")

		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()

		g.mu.Lock()
		steps := make([]step, len(g.steps))
		copy(steps, g.steps)
		g.mu.Unlock()

		for i := len(steps) - 1; i >= 0; i-- {
			s := steps[i]
			start := time.Now()
			if err := s.fn(ctx); err != nil {
				log.Error("Shutdown step failed", err, "step", s.name)
				continue
			}
			log.Debug("Shutdown step done", "step", s.name, "elapsed", time.Since(start).String())
		}
		log.Info("Graceful shutdown completed")
	})
}

// Done 关闭完成后关闭的通道
func (g *GracefulShutdown) Done() <-chan struct{} {
	return g.done
}

// Wait 等待关闭完成
func (g *GracefulShutdown) Wait() {
	<-g.done
}
