package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	apperrors "github.com/gonglijing/xunjiHub/internal/errors"
	"github.com/gonglijing/xunjiHub/internal/logger"
	"github.com/gonglijing/xunjiHub/internal/models"
)

// SaveTelemetry 写入一条遥测
func (s *Store) SaveTelemetry(ctx context.Context, t *models.Telemetry) error {
	if t == nil {
		return apperrors.Newf(apperrors.ErrBadRequest, "telemetry is nil")
	}
	fields, err := json.Marshal(t.Fields)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrBadRequest.Code, "marshal telemetry fields")
	}
	source, err := json.Marshal(t.Source)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrBadRequest.Code, "marshal telemetry source")
	}
	receivedAt := t.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO telemetry
		(device_id, tenant_id, protocol, codec_id, decoded, raw_payload, fields, source, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.DeviceID, t.TenantID, t.Protocol, t.CodecID, boolInt(t.Decoded), t.RawPayload,
		string(fields), string(source), toMillis(receivedAt),
	)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrStorage.Code, "save telemetry")
	}
	return nil
}

// RecentTelemetry 按时间倒序读取设备最近的遥测
func (s *Store) RecentTelemetry(ctx context.Context, deviceID string, limit int) ([]*models.Telemetry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	list, err := queryList(ctx, s.db, `SELECT device_id, tenant_id, protocol, codec_id, decoded,
		raw_payload, fields, source, received_at
		FROM telemetry WHERE device_id = ? ORDER BY received_at DESC, id DESC LIMIT ?`,
		[]any{deviceID, limit}, scanTelemetry)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrStorage.Code, "recent telemetry")
	}
	return list, nil
}

func scanTelemetry(rows *sql.Rows) (*models.Telemetry, error) {
	var (
		t              models.Telemetry
		decoded        int
		fields, source string
		receivedAt     int64
	)
	if err := rows.Scan(&t.DeviceID, &t.TenantID, &t.Protocol, &t.CodecID, &decoded, &t.RawPayload,
		&fields, &source, &receivedAt); err != nil {
		return nil, err
	}
	t.Decoded = decoded == 1
	t.ReceivedAt = fromMillis(receivedAt)
	if err := json.Unmarshal([]byte(fields), &t.Fields); err != nil {
		return nil, err
	}
	if source != "" {
		_ = json.Unmarshal([]byte(source), &t.Source)
	}
	return &t, nil
}

// CleanupTelemetry 删除早于 before 的遥测，返回删除行数
func (s *Store) CleanupTelemetry(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM telemetry WHERE received_at < ?`, toMillis(before))
	if err != nil {
		return 0, apperrors.WrapError(err, apperrors.ErrStorage.Code, "cleanup telemetry")
	}
	return result.RowsAffected()
}

// StartRetention 启动定期遥测清理
func (s *Store) StartRetention(interval time.Duration, days int) {
	s.retentionMu.Lock()
	defer s.retentionMu.Unlock()
	if s.retentionStop != nil {
		return
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if days <= 0 {
		days = DefaultRetentionDays
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.retentionStop = stop
	s.retentionDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log := logger.Named("store")
		log.Info("Retention cleanup started", "interval", interval.String(), "days", days)
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				deleted, err := s.CleanupTelemetry(ctx, time.Now().AddDate(0, 0, -days))
				cancel()
				if err != nil {
					log.Error("Retention cleanup failed", err)
					continue
				}
				if deleted > 0 {
					log.Info("Retention cleanup removed telemetry", "deleted", deleted)
				}
			case <-stop:
				log.Info("Retention cleanup stopped")
				return
			}
		}
	}()
}

// StopRetention 停止遥测清理
func (s *Store) StopRetention() {
	s.retentionMu.Lock()
	stop, done := s.retentionStop, s.retentionDone
	s.retentionStop, s.retentionDone = nil, nil
	s.retentionMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
