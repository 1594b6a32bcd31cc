// Package store 基于 SQLite 的持久化：设备档案、遥测、命令审计、报警状态
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const (
	DefaultMaxOpenConns  = 4
	DefaultMaxIdleConns  = 2
	ConnMaxLifetime      = time.Hour
	DefaultRetentionDays = 30
)

// Store 持久化入口
type Store struct {
	db *sql.DB

	retentionMu   sync.Mutex
	retentionStop chan struct{}
	retentionDone chan struct{}
}

// Open 打开数据库并执行建表；path 为 ":memory:" 时使用单连接
func Open(path string) (*Store, error) {
	maxOpen, maxIdle := DefaultMaxOpenConns, DefaultMaxIdleConns
	if path == "" || path == ":memory:" {
		path = ":memory:"
		maxOpen, maxIdle = 1, 1
	}
	db, err := openSQLite(path, maxOpen, maxIdle)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	s.StopRetention()
	return s.db.Close()
}

// DB 底层连接
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping 健康检查
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func openSQLite(dsn string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(ConnMaxLifetime)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

var schema = []string{
	`PRAGMA busy_timeout = 5000`,
	`CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		device_key TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		protocol TEXT NOT NULL,
		codec_id TEXT NOT NULL DEFAULT '',
		manufacturer TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		supports_ack INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_protocol_key ON devices(protocol, device_key)`,
	`CREATE TABLE IF NOT EXISTS telemetry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL DEFAULT '',
		protocol TEXT NOT NULL,
		codec_id TEXT NOT NULL DEFAULT '',
		decoded INTEGER NOT NULL DEFAULT 0,
		raw_payload BLOB,
		fields TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '{}',
		received_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_telemetry_device_time ON telemetry(device_id, received_at)`,
	`CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		type TEXT NOT NULL,
		params TEXT,
		priority TEXT NOT NULL,
		timeout_ms INTEGER NOT NULL,
		max_retries INTEGER NOT NULL,
		retries_remaining INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		scheduled_for INTEGER,
		status TEXT NOT NULL,
		status_message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status)`,
	`CREATE TABLE IF NOT EXISTS alarms (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		telemetry_key TEXT NOT NULL,
		condition TEXT NOT NULL,
		value REAL NOT NULL,
		value2 REAL NOT NULL DEFAULT 0,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		severity TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		auto_clear INTEGER NOT NULL DEFAULT 0,
		trigger_count INTEGER NOT NULL DEFAULT 0,
		last_value REAL,
		triggered_at INTEGER,
		cleared_at INTEGER,
		acknowledged_at INTEGER,
		acknowledged_by TEXT NOT NULL DEFAULT '',
		resolved_at INTEGER,
		resolution_note TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alarms_device ON alarms(device_id)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func queryList[T any](ctx context.Context, db *sql.DB, query string, args []any, scan func(*sql.Rows) (T, error)) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// ---- 时间与布尔的列转换 ----

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
