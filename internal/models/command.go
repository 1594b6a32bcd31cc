package models

import (
	"encoding/json"
	"strings"
	"time"
)

// CommandStatus 命令状态
type CommandStatus string

const (
	CommandPending   CommandStatus = "PENDING"
	CommandScheduled CommandStatus = "SCHEDULED"
	CommandQueued    CommandStatus = "QUEUED"
	CommandSending   CommandStatus = "SENDING"
	CommandDelivered CommandStatus = "DELIVERED"
	CommandCompleted CommandStatus = "COMPLETED"
	CommandFailed    CommandStatus = "FAILED"
	CommandCancelled CommandStatus = "CANCELLED"
)

// IsTerminal 终态不可再变更
func (s CommandStatus) IsTerminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandCancelled:
		return true
	default:
		return false
	}
}

// Cancellable 发送前的状态才能取消
func (s CommandStatus) Cancellable() bool {
	switch s {
	case CommandPending, CommandScheduled, CommandQueued:
		return true
	default:
		return false
	}
}

// Priority 命令优先级
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// ParsePriority 解析优先级，未知值按 NORMAL
func ParsePriority(s string) Priority {
	switch Priority(strings.ToUpper(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	case PriorityUrgent:
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// Command 设备命令
type Command struct {
	ID               string          `json:"id" db:"id"`
	DeviceID         string          `json:"device_id" db:"device_id"`
	Type             string          `json:"type" db:"type"`
	Params           json.RawMessage `json:"params,omitempty" db:"params"`
	Priority         Priority        `json:"priority" db:"priority"`
	TimeoutMs        int64           `json:"timeout_ms" db:"timeout_ms"`
	MaxRetries       int             `json:"max_retries" db:"max_retries"`
	RetriesRemaining int             `json:"retries_remaining" db:"retries_remaining"`
	Attempts         int             `json:"attempts" db:"attempts"`
	ScheduledFor     *time.Time      `json:"scheduled_for,omitempty" db:"scheduled_for"`
	Status           CommandStatus   `json:"status" db:"status"`
	StatusMessage    string          `json:"status_message,omitempty" db:"status_message"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// Clone 复制命令（用于对外返回快照）
func (c *Command) Clone() *Command {
	if c == nil {
		return nil
	}
	out := *c
	if c.Params != nil {
		out.Params = append(json.RawMessage(nil), c.Params...)
	}
	if c.ScheduledFor != nil {
		t := *c.ScheduledFor
		out.ScheduledFor = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// ParamFloat 读取数值参数
func (c *Command) ParamFloat(name string) (float64, bool) {
	params := c.ParamMap()
	if params == nil {
		return 0, false
	}
	return ToFloat(params[name])
}

// ParamMap 解析参数为 map，失败返回 nil
func (c *Command) ParamMap() map[string]interface{} {
	if c == nil || len(c.Params) == 0 {
		return nil
	}
	var params map[string]interface{}
	if err := json.Unmarshal(c.Params, &params); err != nil {
		return nil
	}
	return params
}
