package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/gonglijing/xunjiHub/internal/errors"
	"github.com/gonglijing/xunjiHub/internal/models"
)

const deviceColumns = `id, tenant_id, device_key, name, protocol, codec_id, manufacturer, model,
	supports_ack, enabled, created_at, updated_at`

// UpsertDevice 新增或更新设备档案
func (s *Store) UpsertDevice(ctx context.Context, d *models.Device) error {
	if d == nil || strings.TrimSpace(d.ID) == "" {
		return apperrors.Newf(apperrors.ErrBadRequest, "device id is required")
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	d.Protocol = d.NormalizedProtocol()

	_, err := s.db.ExecContext(ctx, `INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			device_key = excluded.device_key,
			name = excluded.name,
			protocol = excluded.protocol,
			codec_id = excluded.codec_id,
			manufacturer = excluded.manufacturer,
			model = excluded.model,
			supports_ack = excluded.supports_ack,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		d.ID, d.TenantID, d.Key, d.Name, d.Protocol, d.CodecID, d.Manufacturer, d.Model,
		boolInt(d.SupportsAck), boolInt(d.Enabled), toMillis(d.CreatedAt), toMillis(d.UpdatedAt),
	)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrStorage.Code, fmt.Sprintf("upsert device %s", d.ID))
	}
	return nil
}

// GetDevice 按ID读取设备
func (s *Store) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrDeviceNotFound, "device %s not found", id)
	}
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrStorage.Code, "get device")
	}
	return d, nil
}

// GetDeviceByKey 按协议 + 设备键读取设备
func (s *Store) GetDeviceByKey(ctx context.Context, protocol, key string) (*models.Device, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE protocol = ? AND device_key = ?`, protocol, key)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrDeviceNotFound, "device %s/%s not found", protocol, key)
	}
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrStorage.Code, "get device by key")
	}
	return d, nil
}

// ListDevices 列出设备，protocol 为空时返回全部
func (s *Store) ListDevices(ctx context.Context, protocol string) ([]*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices`
	var args []any
	if protocol != "" {
		query += ` WHERE protocol = ?`
		args = append(args, strings.ToLower(protocol))
	}
	query += ` ORDER BY id`
	list, err := queryList(ctx, s.db, query, args, func(rows *sql.Rows) (*models.Device, error) {
		return scanDevice(rows)
	})
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrStorage.Code, "list devices")
	}
	return list, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var (
		d                    models.Device
		supportsAck, enabled int
		created, updated     int64
	)
	if err := row.Scan(&d.ID, &d.TenantID, &d.Key, &d.Name, &d.Protocol, &d.CodecID, &d.Manufacturer,
		&d.Model, &supportsAck, &enabled, &created, &updated); err != nil {
		return nil, err
	}
	d.SupportsAck = supportsAck == 1
	d.Enabled = enabled == 1
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	return &d, nil
}
