package events

import (
	"context"
	"fmt"

	"github.com/gonglijing/xunjiHub/internal/models"
)

// TopicPublisher 已连接的 MQTT 客户端（由 MQTT 适配器提供）
type TopicPublisher interface {
	PublishTopic(ctx context.Context, topic string, payload []byte) error
}

// MQTTPublisher 发布到 {prefix}/events/alarm/{type}
type MQTTPublisher struct {
	client TopicPublisher
	prefix string
}

// NewMQTTPublisher 创建 MQTT 事件出口
func NewMQTTPublisher(client TopicPublisher, prefix string) *MQTTPublisher {
	return &MQTTPublisher{client: client, prefix: prefix}
}

// Topic 事件主题
func (p *MQTTPublisher) Topic(evType models.AlarmEventType) string {
	return joinTopic(p.prefix, "events", "alarm", string(evType))
}

// Publish 发布事件
func (p *MQTTPublisher) Publish(ctx context.Context, ev *models.AlarmEvent) error {
	body, err := Encode(ev)
	if err != nil {
		return err
	}
	topic := p.Topic(ev.Type)
	if err := p.client.PublishTopic(ctx, topic, body); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}
