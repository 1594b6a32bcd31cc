package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/gonglijing/xunjiHub/internal/errors"
	"github.com/gonglijing/xunjiHub/internal/models"
)

const alarmColumns = `id, device_id, name, telemetry_key, condition, value, value2, duration_seconds,
	severity, status, enabled, auto_clear, trigger_count, last_value, triggered_at, cleared_at,
	acknowledged_at, acknowledged_by, resolved_at, resolution_note, updated_at`

// UpsertAlarm 写入报警定义；已有记录只更新定义部分，保留运行状态
func (s *Store) UpsertAlarm(ctx context.Context, a *models.Alarm) error {
	if a == nil || a.ID == "" || a.DeviceID == "" {
		return apperrors.Newf(apperrors.ErrBadRequest, "alarm id and device id are required")
	}
	if a.Status == "" {
		a.Status = models.AlarmCleared
	}
	a.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO alarms (`+alarmColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			device_id = excluded.device_id,
			name = excluded.name,
			telemetry_key = excluded.telemetry_key,
			condition = excluded.condition,
			value = excluded.value,
			value2 = excluded.value2,
			duration_seconds = excluded.duration_seconds,
			severity = excluded.severity,
			enabled = excluded.enabled,
			auto_clear = excluded.auto_clear,
			updated_at = excluded.updated_at`,
		alarmArgs(a)...,
	)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrStorage.Code, fmt.Sprintf("upsert alarm %s", a.ID))
	}
	return nil
}

// SaveAlarmState 写入报警的完整状态
func (s *Store) SaveAlarmState(ctx context.Context, a *models.Alarm) error {
	if a == nil || a.ID == "" {
		return apperrors.Newf(apperrors.ErrBadRequest, "alarm id is required")
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO alarms (`+alarmColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alarmArgs(a)...,
	)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrStorage.Code, fmt.Sprintf("save alarm %s", a.ID))
	}
	return nil
}

func alarmArgs(a *models.Alarm) []any {
	var last sql.NullFloat64
	if a.LastValue != nil {
		last = sql.NullFloat64{Float64: *a.LastValue, Valid: true}
	}
	return []any{
		a.ID, a.DeviceID, a.Name, a.Rule.TelemetryKey, string(a.Rule.Condition), a.Rule.Value, a.Rule.Value2,
		a.Rule.DurationSeconds, a.Severity, string(a.Status), boolInt(a.Enabled), boolInt(a.AutoClear),
		a.TriggerCount, last, nullMillis(a.TriggeredAt), nullMillis(a.ClearedAt), nullMillis(a.AcknowledgedAt),
		a.AcknowledgedBy, nullMillis(a.ResolvedAt), a.ResolutionNote, toMillis(a.UpdatedAt),
	}
}

// GetAlarm 按ID读取报警
func (s *Store) GetAlarm(ctx context.Context, id string) (*models.Alarm, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alarmColumns+` FROM alarms WHERE id = ?`, id)
	a, err := scanAlarm(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "alarm %s not found", id)
	}
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrStorage.Code, "get alarm")
	}
	return a, nil
}

// ListAlarms 列出全部报警
func (s *Store) ListAlarms(ctx context.Context) ([]*models.Alarm, error) {
	list, err := queryList(ctx, s.db, `SELECT `+alarmColumns+` FROM alarms ORDER BY device_id, id`, nil,
		func(rows *sql.Rows) (*models.Alarm, error) { return scanAlarm(rows) })
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrStorage.Code, "list alarms")
	}
	return list, nil
}

// ListAlarmsByDevice 列出设备的报警
func (s *Store) ListAlarmsByDevice(ctx context.Context, deviceID string) ([]*models.Alarm, error) {
	list, err := queryList(ctx, s.db, `SELECT `+alarmColumns+` FROM alarms WHERE device_id = ? ORDER BY id`,
		[]any{deviceID}, func(rows *sql.Rows) (*models.Alarm, error) { return scanAlarm(rows) })
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrStorage.Code, "list device alarms")
	}
	return list, nil
}

func scanAlarm(row rowScanner) (*models.Alarm, error) {
	var (
		a                                   models.Alarm
		condition, status                   string
		enabled, autoClear                  int
		last                                sql.NullFloat64
		triggered, cleared, acked, resolved sql.NullInt64
		updated                             int64
	)
	if err := row.Scan(&a.ID, &a.DeviceID, &a.Name, &a.Rule.TelemetryKey, &condition, &a.Rule.Value,
		&a.Rule.Value2, &a.Rule.DurationSeconds, &a.Severity, &status, &enabled, &autoClear,
		&a.TriggerCount, &last, &triggered, &cleared, &acked, &a.AcknowledgedBy, &resolved,
		&a.ResolutionNote, &updated); err != nil {
		return nil, err
	}
	a.Rule.Condition = models.Condition(condition)
	a.Status = models.AlarmStatus(status)
	a.Enabled = enabled == 1
	a.AutoClear = autoClear == 1
	if last.Valid {
		v := last.Float64
		a.LastValue = &v
	}
	a.TriggeredAt = timePtr(triggered)
	a.ClearedAt = timePtr(cleared)
	a.AcknowledgedAt = timePtr(acked)
	a.ResolvedAt = timePtr(resolved)
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}
