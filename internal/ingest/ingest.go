package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gonglijing/xunjiHub/internal/logger"
	"github.com/gonglijing/xunjiHub/internal/models"
)

// ErrInvalidTelemetry 遥测缺少设备
var ErrInvalidTelemetry = errors.New("telemetry without device id")

// TelemetryStore 遥测持久化
type TelemetryStore interface {
	SaveTelemetry(ctx context.Context, t *models.Telemetry) error
}

// Reachability 最后上报时间
type Reachability interface {
	MarkSeen(ctx context.Context, deviceID string, at time.Time) (time.Time, bool, error)
	Fresh(seen time.Time) bool
}

// Evaluator 报警评估
type Evaluator interface {
	Evaluate(ctx context.Context, t *models.Telemetry) []*models.AlarmEvent
}

// OnlineListener 设备由离线转为在线时通知
type OnlineListener interface {
	OnDeviceOnline(ctx context.Context, deviceID string)
}

// Stats 入口计数
type Stats struct {
	Received    uint64 `json:"received"`
	StoreErrors uint64 `json:"store_errors"`
	Onlines     uint64 `json:"online_transitions"`
	Events      uint64 `json:"alarm_events"`
}

// Ingestor 遥测入口：存储、在线判定、报警评估
type Ingestor struct {
	store  TelemetryStore
	reach  Reachability
	alarms Evaluator
	online OnlineListener
	log    *logger.StructuredLogger

	received    atomic.Uint64
	storeErrors atomic.Uint64
	onlines     atomic.Uint64
	events      atomic.Uint64
}

// New 创建入口，任一依赖为 nil 时跳过对应步骤
func New(store TelemetryStore, reach Reachability, alarms Evaluator, online OnlineListener) *Ingestor {
	return &Ingestor{
		store:  store,
		reach:  reach,
		alarms: alarms,
		online: online,
		log:    logger.Named("ingest"),
	}
}

// Ingest 处理一条规范遥测；单步失败只记录，后续步骤照常执行
func (i *Ingestor) Ingest(ctx context.Context, t *models.Telemetry) error {
	if t == nil || t.DeviceID == "" {
		return ErrInvalidTelemetry
	}
	i.received.Add(1)

	if i.store != nil {
		if err := i.store.SaveTelemetry(ctx, t); err != nil {
			i.storeErrors.Add(1)
			i.log.Error("Persist telemetry failed", err, "device_id", t.DeviceID)
		}
	}

	if i.reach != nil {
		prev, ok, err := i.reach.MarkSeen(ctx, t.DeviceID, t.ReceivedAt)
		switch {
		case err != nil:
			i.log.Warn("Update last seen failed", "device_id", t.DeviceID, "error", err)
		case !ok || !i.reach.Fresh(prev):
			i.onlines.Add(1)
			i.log.Debug("Device came online", "device_id", t.DeviceID, "had_last_seen", ok)
			if i.online != nil {
				i.online.OnDeviceOnline(ctx, t.DeviceID)
			}
		}
	}

	if i.alarms != nil {
		if evs := i.alarms.Evaluate(ctx, t); len(evs) > 0 {
			i.events.Add(uint64(len(evs)))
		}
	}
	return nil
}

// Stats 计数快照
func (i *Ingestor) Stats() Stats {
	return Stats{
		Received:    i.received.Load(),
		StoreErrors: i.storeErrors.Load(),
		Onlines:     i.onlines.Load(),
		Events:      i.events.Load(),
	}
}
