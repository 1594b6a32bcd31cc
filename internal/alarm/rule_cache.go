package alarm

import (
	"context"
	"sync"
	"time"

	"github.com/gonglijing/xunjiHub/internal/logger"
	"github.com/gonglijing/xunjiHub/internal/models"
)

const defaultRefreshInterval = time.Minute

// Repository 报警定义与状态的持久化
type Repository interface {
	ListAlarms(ctx context.Context) ([]*models.Alarm, error)
	ListAlarmsByDevice(ctx context.Context, deviceID string) ([]*models.Alarm, error)
	GetAlarm(ctx context.Context, id string) (*models.Alarm, error)
	SaveAlarmState(ctx context.Context, a *models.Alarm) error
}

// ruleCache 报警定义缓存（设备ID -> 报警列表）
type ruleCache struct {
	repo Repository

	mu          sync.RWMutex
	rules       map[string][]*models.Alarm
	lastRefresh time.Time
	interval    time.Duration
	stopChan    chan struct{}
	running     bool
}

func newRuleCache(repo Repository, interval time.Duration) *ruleCache {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return &ruleCache{
		repo:     repo,
		rules:    make(map[string][]*models.Alarm),
		interval: interval,
	}
}

// start 启动定期刷新
func (c *ruleCache) start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	stopChan := make(chan struct{})
	c.stopChan = stopChan
	c.running = true
	c.mu.Unlock()

	c.Refresh(context.Background())
	go c.refreshLoop(stopChan)
}

// stop 停止定期刷新
func (c *ruleCache) stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	stopChan := c.stopChan
	c.stopChan = nil
	c.running = false
	c.mu.Unlock()

	close(stopChan)
}

func (c *ruleCache) refreshLoop(stopChan <-chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			c.Refresh(context.Background())
		}
	}
}

// Refresh 全量重新加载
func (c *ruleCache) Refresh(ctx context.Context) {
	alarms, err := c.repo.ListAlarms(ctx)
	if err != nil {
		logger.Warn("Failed to refresh alarm rule cache", "error", err)
		return
	}
	next := make(map[string][]*models.Alarm)
	for _, a := range alarms {
		if a == nil || a.DeviceID == "" {
			continue
		}
		next[a.DeviceID] = append(next[a.DeviceID], a)
	}

	c.mu.Lock()
	c.rules = next
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	logger.Debug("Alarm rule cache refreshed", "devices", len(next), "alarms", len(alarms))
}

// forDevice 读取设备的报警定义，缓存过旧或缺失时回源
func (c *ruleCache) forDevice(ctx context.Context, deviceID string) ([]*models.Alarm, error) {
	c.mu.RLock()
	rules, exists := c.rules[deviceID]
	needsRefresh := time.Since(c.lastRefresh) > c.interval*2
	c.mu.RUnlock()

	if needsRefresh {
		c.Refresh(ctx)
		c.mu.RLock()
		rules, exists = c.rules[deviceID]
		c.mu.RUnlock()
	}
	if exists {
		return rules, nil
	}

	loaded, err := c.repo.ListAlarmsByDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.rules[deviceID] = loaded
	c.mu.Unlock()
	return loaded, nil
}

// invalidate 使指定设备的缓存失效
func (c *ruleCache) invalidate(deviceID string) {
	c.mu.Lock()
	delete(c.rules, deviceID)
	c.mu.Unlock()
}

// invalidateAll 清空缓存
func (c *ruleCache) invalidateAll() {
	c.mu.Lock()
	c.rules = make(map[string][]*models.Alarm)
	c.lastRefresh = time.Time{}
	c.mu.Unlock()
}
