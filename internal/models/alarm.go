package models

import "time"

// Condition 报警条件
type Condition string

const (
	ConditionGT      Condition = "GT"
	ConditionLT      Condition = "LT"
	ConditionEQ      Condition = "EQ"
	ConditionNEQ     Condition = "NEQ"
	ConditionGTE     Condition = "GTE"
	ConditionLTE     Condition = "LTE"
	ConditionBetween Condition = "BETWEEN"
	ConditionOutside Condition = "OUTSIDE"
)

// AlarmRule 报警规则
type AlarmRule struct {
	TelemetryKey    string    `json:"telemetry_key" yaml:"telemetry_key"`
	Condition       Condition `json:"condition" yaml:"condition"`
	Value           float64   `json:"value" yaml:"value"`
	Value2          float64   `json:"value2,omitempty" yaml:"value2"`
	DurationSeconds int       `json:"duration_seconds,omitempty" yaml:"duration_seconds"`
}

// AlarmStatus 报警状态
type AlarmStatus string

const (
	AlarmActive       AlarmStatus = "ACTIVE"
	AlarmAcknowledged AlarmStatus = "ACKNOWLEDGED"
	AlarmCleared      AlarmStatus = "CLEARED"
	AlarmResolved     AlarmStatus = "RESOLVED"
)

// Alarm 报警定义及其当前状态
type Alarm struct {
	ID             string      `json:"id" db:"id" yaml:"id"`
	DeviceID       string      `json:"device_id" db:"device_id" yaml:"device_id"`
	Name           string      `json:"name" db:"name" yaml:"name"`
	Rule           AlarmRule   `json:"rule" db:"-" yaml:"rule"`
	Severity       string      `json:"severity" db:"severity" yaml:"severity"`
	Status         AlarmStatus `json:"status" db:"status" yaml:"-"`
	Enabled        bool        `json:"enabled" db:"enabled" yaml:"enabled"`
	AutoClear      bool        `json:"auto_clear" db:"auto_clear" yaml:"auto_clear"`
	TriggerCount   int         `json:"trigger_count" db:"trigger_count" yaml:"-"`
	LastValue      *float64    `json:"last_value,omitempty" db:"last_value" yaml:"-"`
	TriggeredAt    *time.Time  `json:"triggered_at,omitempty" db:"triggered_at" yaml:"-"`
	ClearedAt      *time.Time  `json:"cleared_at,omitempty" db:"cleared_at" yaml:"-"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty" db:"acknowledged_at" yaml:"-"`
	AcknowledgedBy string      `json:"acknowledged_by,omitempty" db:"acknowledged_by" yaml:"-"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty" db:"resolved_at" yaml:"-"`
	ResolutionNote string      `json:"resolution_note,omitempty" db:"resolution_note" yaml:"-"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at" yaml:"-"`
}

// Clone 深拷贝
func (a *Alarm) Clone() *Alarm {
	if a == nil {
		return nil
	}
	out := *a
	out.LastValue = cloneFloat(a.LastValue)
	out.TriggeredAt = cloneTime(a.TriggeredAt)
	out.ClearedAt = cloneTime(a.ClearedAt)
	out.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	out.ResolvedAt = cloneTime(a.ResolvedAt)
	return &out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// AlarmEventType 报警事件类型
type AlarmEventType string

const (
	EventTriggered     AlarmEventType = "triggered"
	EventCleared       AlarmEventType = "cleared"
	EventAcknowledged  AlarmEventType = "acknowledged"
	EventResolved      AlarmEventType = "resolved"
	EventCommandFailed AlarmEventType = "command_failed"
)

// AlarmEvent 报警生命周期事件，交给通知方处理
type AlarmEvent struct {
	ID         string         `json:"id"`
	Type       AlarmEventType `json:"type"`
	DeviceID   string         `json:"device_id"`
	Alarm      *Alarm         `json:"alarm,omitempty"`
	Command    *Command       `json:"command,omitempty"`
	Value      *float64       `json:"value,omitempty"`
	Note       string         `json:"note,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
