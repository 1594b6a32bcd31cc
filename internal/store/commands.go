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

const commandColumns = `id, device_id, type, params, priority, timeout_ms, max_retries, retries_remaining,
	attempts, scheduled_for, status, status_message, created_at, updated_at, completed_at`

// SaveCommand 写入命令快照（按ID覆盖）
func (s *Store) SaveCommand(ctx context.Context, c *models.Command) error {
	if c == nil || c.ID == "" {
		return apperrors.Newf(apperrors.ErrBadRequest, "command id is required")
	}
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	var params sql.NullString
	if len(c.Params) > 0 {
		params = sql.NullString{String: string(c.Params), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO commands (`+commandColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			retries_remaining = excluded.retries_remaining,
			attempts = excluded.attempts,
			scheduled_for = excluded.scheduled_for,
			status = excluded.status,
			status_message = excluded.status_message,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at`,
		c.ID, c.DeviceID, c.Type, params, string(c.Priority), c.TimeoutMs, c.MaxRetries, c.RetriesRemaining,
		c.Attempts, nullMillis(c.ScheduledFor), string(c.Status), c.StatusMessage,
		toMillis(c.CreatedAt), toMillis(updated), nullMillis(c.CompletedAt),
	)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrStorage.Code, fmt.Sprintf("save command %s", c.ID))
	}
	return nil
}

// GetCommand 按ID读取命令
func (s *Store) GetCommand(ctx context.Context, id string) (*models.Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	c, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "command %s not found", id)
	}
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrStorage.Code, "get command")
	}
	return c, nil
}

// ListCommandsByStatus 按状态列出命令（按创建时间升序）
func (s *Store) ListCommandsByStatus(ctx context.Context, statuses ...models.CommandStatus) ([]*models.Command, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
	}
	query := fmt.Sprintf(`SELECT %s FROM commands WHERE status IN (%s) ORDER BY created_at, id`,
		commandColumns, placeholders)
	list, err := queryList(ctx, s.db, query, args, func(rows *sql.Rows) (*models.Command, error) {
		return scanCommand(rows)
	})
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrStorage.Code, "list commands")
	}
	return list, nil
}

// ListDeviceCommands 列出设备最近的命令
func (s *Store) ListDeviceCommands(ctx context.Context, deviceID string, limit int) ([]*models.Command, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	list, err := queryList(ctx, s.db,
		`SELECT `+commandColumns+` FROM commands WHERE device_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		[]any{deviceID, limit}, func(rows *sql.Rows) (*models.Command, error) {
			return scanCommand(rows)
		})
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrStorage.Code, "list device commands")
	}
	return list, nil
}

func scanCommand(row rowScanner) (*models.Command, error) {
	var (
		c                   models.Command
		params              sql.NullString
		priority, status    string
		created, updated    int64
		scheduled, complete sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.DeviceID, &c.Type, &params, &priority, &c.TimeoutMs, &c.MaxRetries,
		&c.RetriesRemaining, &c.Attempts, &scheduled, &status, &c.StatusMessage, &created, &updated,
		&complete); err != nil {
		return nil, err
	}
	if params.Valid && params.String != "" {
		c.Params = []byte(params.String)
	}
	c.Priority = models.Priority(priority)
	c.Status = models.CommandStatus(status)
	c.ScheduledFor = timePtr(scheduled)
	c.CompletedAt = timePtr(complete)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}
