package adapter

import (
	"errors"

	"github.com/gonglijing/xunjiHub/internal/models"
)

const defaultDownlinkQueue = 32

// ErrQueueFull 设备下行队列已满；已排队的命令不动，新命令按发送失败处理
var ErrQueueFull = errors.New("downlink queue full")

// enqueueDownlink 追加下行；同一命令重发时替换原位置的旧条目
func enqueueDownlink(queue []*models.Downlink, dl *models.Downlink, capLimit int) ([]*models.Downlink, error) {
	if capLimit <= 0 {
		capLimit = defaultDownlinkQueue
	}
	for i, queued := range queue {
		if queued.CommandID == dl.CommandID {
			queue[i] = dl
			return queue, nil
		}
	}
	if len(queue) >= capLimit {
		return queue, ErrQueueFull
	}
	return append(queue, dl), nil
}
