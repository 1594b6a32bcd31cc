package models

import (
	"encoding/json"
	"strings"
	"time"
)

// 设备接入协议
const (
	ProtocolMQTT   = "mqtt"
	ProtocolHTTP   = "http"
	ProtocolBLE    = "ble"
	ProtocolModbus = "modbus"
)

// Device 设备档案（由外部配置维护，本服务只读）
type Device struct {
	ID           string    `json:"id" db:"id" yaml:"id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id" yaml:"tenant_id"`
	Key          string    `json:"key" db:"device_key" yaml:"key"` // 主题段 / 路径ID / MAC / 从站名
	Name         string    `json:"name" db:"name" yaml:"name"`
	Protocol     string    `json:"protocol" db:"protocol" yaml:"protocol"`
	CodecID      string    `json:"codec_id,omitempty" db:"codec_id" yaml:"codec_id"`
	Manufacturer string    `json:"manufacturer,omitempty" db:"manufacturer" yaml:"manufacturer"`
	Model        string    `json:"model,omitempty" db:"model" yaml:"model"`
	SupportsAck  bool      `json:"supports_ack" db:"supports_ack" yaml:"supports_ack"`
	Enabled      bool      `json:"enabled" db:"enabled" yaml:"enabled"`
	CreatedAt    time.Time `json:"created_at" db:"created_at" yaml:"-"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at" yaml:"-"`
}

// NormalizedProtocol 返回小写协议名
func (d *Device) NormalizedProtocol() string {
	if d == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(d.Protocol))
}

// Downlink 下发给适配器的载荷
type Downlink struct {
	CommandID   string          `json:"command_id"`
	CommandType string          `json:"type"`
	Params      json.RawMessage `json:"params,omitempty"`
	Payload     []byte          `json:"-"`
	FPort       int             `json:"fport,omitempty"`
	Confirmed   bool            `json:"confirmed,omitempty"`
	Binary      bool            `json:"-"`
}
