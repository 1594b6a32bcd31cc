package state

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultAckTTL = time.Hour

// AckStore 设备回执，由适配器写入、分发器轮询
type AckStore struct {
	rdb  redis.Cmdable
	keys keyspace
	ttl  time.Duration
}

// NewAckStore 创建回执存储
func NewAckStore(rdb redis.Cmdable, prefix string, ttl time.Duration) *AckStore {
	if ttl <= 0 {
		ttl = defaultAckTTL
	}
	return &AckStore{rdb: rdb, keys: newKeyspace(prefix), ttl: ttl}
}

// Put 写入回执，payload 为设备回执的原始内容
func (s *AckStore) Put(ctx context.Context, commandID string, payload []byte) error {
	if commandID == "" {
		return fmt.Errorf("ack: empty command id")
	}
	if payload == nil {
		payload = []byte{}
	}
	if err := s.rdb.Set(ctx, s.keys.ack(commandID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("ack put %s: %w", commandID, err)
	}
	return nil
}

// Acked 是否已收到回执
func (s *AckStore) Acked(ctx context.Context, commandID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.keys.ack(commandID)).Result()
	if err != nil {
		return false, fmt.Errorf("ack check %s: %w", commandID, err)
	}
	return n > 0, nil
}

// Get 读取回执内容
func (s *AckStore) Get(ctx context.Context, commandID string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, s.keys.ack(commandID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ack get %s: %w", commandID, err)
	}
	return val, true, nil
}
