package state

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultFreshnessWindow 最后上报在该窗口内视为在线
const DefaultFreshnessWindow = 5 * time.Minute

// Reachability 设备最后上报时间缓存
type Reachability struct {
	rdb    redis.Cmdable
	keys   keyspace
	window time.Duration
	now    func() time.Time
}

// NewReachability 创建在线判断缓存
func NewReachability(rdb redis.Cmdable, prefix string, window time.Duration) *Reachability {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &Reachability{
		rdb:    rdb,
		keys:   newKeyspace(prefix),
		window: window,
		now:    time.Now,
	}
}

// Window 新鲜度窗口
func (r *Reachability) Window() time.Duration {
	return r.window
}

// MarkSeen 记录上报时间，返回此前的上报时间（不存在时 ok=false）
func (r *Reachability) MarkSeen(ctx context.Context, deviceID string, at time.Time) (prev time.Time, ok bool, err error) {
	if at.IsZero() {
		at = r.now()
	}
	key := r.keys.lastSeen(deviceID)
	old, err := r.rdb.GetSet(ctx, key, at.UnixMilli()).Result()
	if err == redis.Nil {
		err = nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("mark seen %s: %w", deviceID, err)
	}
	// 多保留一个窗口，便于判断离线时长
	_ = r.rdb.Expire(ctx, key, r.window*2).Err()

	if old == "" {
		return time.Time{}, false, nil
	}
	ms, perr := strconv.ParseInt(old, 10, 64)
	if perr != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// LastSeen 读取最后上报时间
func (r *Reachability) LastSeen(ctx context.Context, deviceID string) (time.Time, bool, error) {
	val, err := r.rdb.Get(ctx, r.keys.lastSeen(deviceID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last seen %s: %w", deviceID, err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// IsOnline 最后上报时间在新鲜度窗口内
func (r *Reachability) IsOnline(ctx context.Context, deviceID string) (bool, error) {
	seen, ok, err := r.LastSeen(ctx, deviceID)
	if err != nil || !ok {
		return false, err
	}
	return r.Fresh(seen), nil
}

// Fresh 判断某个时间点是否仍在窗口内
func (r *Reachability) Fresh(seen time.Time) bool {
	if seen.IsZero() {
		return false
	}
	return r.now().Sub(seen) <= r.window
}
