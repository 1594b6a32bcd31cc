// Package state 命令分发与设备在线判断所需的共享状态（Redis）
package state

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisConfig Redis 连接参数
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisClient 创建Redis客户端
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Ping 测试Redis连接
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

type keyspace string

func newKeyspace(prefix string) keyspace {
	if prefix == "" {
		prefix = "xunji"
	}
	return keyspace(prefix)
}

func (k keyspace) lastSeen(deviceID string) string {
	return fmt.Sprintf("%s:device:%s:last_seen", k, deviceID)
}

func (k keyspace) backlog(deviceID string) string {
	return fmt.Sprintf("%s:device:%s:backlog", k, deviceID)
}

func (k keyspace) drainLock(deviceID string) string {
	return fmt.Sprintf("%s:device:%s:backlog:lock", k, deviceID)
}

func (k keyspace) ack(commandID string) string {
	return fmt.Sprintf("%s:command:%s:ack", k, commandID)
}
