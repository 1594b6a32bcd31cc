package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gonglijing/xunjiHub/internal/logger"
	"github.com/gonglijing/xunjiHub/internal/models"
)

// DefaultSubjectPrefix NATS 主题前缀
const DefaultSubjectPrefix = "xunji.alarm"

type natsConn interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher 发布到 {subjectPrefix}.{type}
type NATSPublisher struct {
	conn   natsConn
	prefix string
}

// NewNATSPublisher 创建 NATS 事件出口
func NewNATSPublisher(nc *nats.Conn, subjectPrefix string) *NATSPublisher {
	return newNATSPublisher(nc, subjectPrefix)
}

func newNATSPublisher(conn natsConn, subjectPrefix string) *NATSPublisher {
	subjectPrefix = strings.Trim(strings.TrimSpace(subjectPrefix), ".")
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: subjectPrefix}
}

// Subject 事件主题
func (p *NATSPublisher) Subject(evType models.AlarmEventType) string {
	return p.prefix + "." + string(evType)
}

// Publish 发布事件
func (p *NATSPublisher) Publish(ctx context.Context, ev *models.AlarmEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := Encode(ev)
	if err != nil {
		return err
	}
	subject := p.Subject(ev.Type)
	if err := p.conn.Publish(subject, body); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// ConnectNATS 连接 NATS，断线自动重连
func ConnectNATS(url, name string, reconnectWait time.Duration) (*nats.Conn, error) {
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	log := logger.Named("nats")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn("NATS error", "error", err)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	log.Info("Connected to NATS", "url", nc.ConnectedUrl())
	return nc, nil
}
