package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrDrainInProgress 同一设备的积压正在被其他调用方排出
var ErrDrainInProgress = errors.New("backlog drain already in progress")

const defaultDrainLockTTL = 30 * time.Second

// Backlog 离线设备的命令积压队列（FIFO）
type Backlog struct {
	rdb     redis.Cmdable
	keys    keyspace
	lockTTL time.Duration
}

// NewBacklog 创建积压队列
func NewBacklog(rdb redis.Cmdable, prefix string) *Backlog {
	return &Backlog{
		rdb:     rdb,
		keys:    newKeyspace(prefix),
		lockTTL: defaultDrainLockTTL,
	}
}

// Append 追加命令ID
func (b *Backlog) Append(ctx context.Context, deviceID, commandID string) error {
	if err := b.rdb.RPush(ctx, b.keys.backlog(deviceID), commandID).Err(); err != nil {
		return fmt.Errorf("backlog append %s: %w", deviceID, err)
	}
	return nil
}

// Remove 删除指定命令（取消时使用）
func (b *Backlog) Remove(ctx context.Context, deviceID, commandID string) error {
	if err := b.rdb.LRem(ctx, b.keys.backlog(deviceID), 0, commandID).Err(); err != nil {
		return fmt.Errorf("backlog remove %s: %w", deviceID, err)
	}
	return nil
}

// Restore 把未能处理的命令放回队首，保持原有顺序
func (b *Backlog) Restore(ctx context.Context, deviceID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	vals := make([]interface{}, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		vals = append(vals, ids[i])
	}
	if err := b.rdb.LPush(ctx, b.keys.backlog(deviceID), vals...).Err(); err != nil {
		return fmt.Errorf("backlog restore %s: %w", deviceID, err)
	}
	return nil
}

// List 当前积压（不取出）
func (b *Backlog) List(ctx context.Context, deviceID string) ([]string, error) {
	ids, err := b.rdb.LRange(ctx, b.keys.backlog(deviceID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("backlog list %s: %w", deviceID, err)
	}
	return ids, nil
}

// Len 积压数量
func (b *Backlog) Len(ctx context.Context, deviceID string) (int64, error) {
	n, err := b.rdb.LLen(ctx, b.keys.backlog(deviceID)).Result()
	if err != nil {
		return 0, fmt.Errorf("backlog len %s: %w", deviceID, err)
	}
	return n, nil
}

// Drain 原子地取出并清空积压，同一时刻只允许一个调用方成功
func (b *Backlog) Drain(ctx context.Context, deviceID string) ([]string, error) {
	lockKey := b.keys.drainLock(deviceID)
	token := uuid.NewString()

	acquired, err := b.rdb.SetNX(ctx, lockKey, token, b.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("backlog lock %s: %w", deviceID, err)
	}
	if !acquired {
		return nil, ErrDrainInProgress
	}
	defer b.unlock(lockKey, token)

	key := b.keys.backlog(deviceID)
	var rng *redis.StringSliceCmd
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rng = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backlog drain %s: %w", deviceID, err)
	}
	return rng.Val(), nil
}

func (b *Backlog) unlock(lockKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	current, err := b.rdb.Get(ctx, lockKey).Result()
	if err != nil || current != token {
		return
	}
	_ = b.rdb.Del(ctx, lockKey).Err()
}
