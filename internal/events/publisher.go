// Package events 报警生命周期事件的对外发布（MQTT / NATS）
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gonglijing/xunjiHub/internal/logger"
	"github.com/gonglijing/xunjiHub/internal/models"
)

// Publisher 事件发布
type Publisher interface {
	Publish(ctx context.Context, ev *models.AlarmEvent) error
}

// Encode 事件序列化
func Encode(ev *models.AlarmEvent) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("nil alarm event")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal alarm event: %w", err)
	}
	return body, nil
}

// Fanout 依次发布到多个出口，单个出口失败不影响其他出口
type Fanout []Publisher

// Publish 发布事件，返回所有出口错误的合并
func (f Fanout) Publish(ctx context.Context, ev *models.AlarmEvent) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop 丢弃事件
type Nop struct{}

// Publish 不做任何事
func (Nop) Publish(context.Context, *models.AlarmEvent) error { return nil }

// Log 只写日志，未配置任何消息出口时使用
type Log struct{}

// Publish 记录事件
func (Log) Publish(_ context.Context, ev *models.AlarmEvent) error {
	if ev == nil {
		return nil
	}
	kv := []interface{}{"event", string(ev.Type), "device_id", ev.DeviceID}
	if ev.Alarm != nil {
		kv = append(kv, "alarm_id", ev.Alarm.ID, "status", string(ev.Alarm.Status))
	}
	if ev.Command != nil {
		kv = append(kv, "command_id", ev.Command.ID)
	}
	logger.Named("events").Info("Alarm event", kv...)
	return nil
}

func joinTopic(prefix string, parts ...string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	segs := make([]string, 0, len(parts)+1)
	if prefix != "" {
		segs = append(segs, prefix)
	}
	segs = append(segs, parts...)
	return strings.Join(segs, "/")
}
