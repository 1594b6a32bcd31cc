package models

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// 规范遥测字段名
const (
	FieldTemperature    = "temperature"
	FieldHumidity       = "humidity"
	FieldPressure       = "pressure"
	FieldBatteryLevel   = "batteryLevel"
	FieldSignalStrength = "signalStrength"
	FieldLatitude       = "latitude"
	FieldLongitude      = "longitude"
	FieldMotion         = "motion"
	FieldDoor           = "door"
	FieldWaterLeak      = "waterLeak"
	FieldPower          = "power"
	FieldEnergy         = "energy"
	FieldVoltage        = "voltage"
	FieldCurrent        = "current"
	FieldPowerFactor    = "powerFactor"
	FieldCO2            = "co2"
	FieldTVOC           = "tvoc"
	FieldIlluminance    = "illuminance"
	FieldSocket         = "socket"
	FieldReportInterval = "reportInterval"

	// 解码失败时的原始数据字段
	FieldRawData = "raw_data"
	FieldDecoded = "decoded"
	FieldError   = "error"
)

// KnownFields 已知的规范字段集合
var KnownFields = map[string]struct{}{
	FieldTemperature:    {},
	FieldHumidity:       {},
	FieldPressure:       {},
	FieldBatteryLevel:   {},
	FieldSignalStrength: {},
	FieldLatitude:       {},
	FieldLongitude:      {},
	FieldMotion:         {},
	FieldDoor:           {},
	FieldWaterLeak:      {},
	FieldPower:          {},
	FieldEnergy:         {},
	FieldVoltage:        {},
	FieldCurrent:        {},
	FieldPowerFactor:    {},
	FieldCO2:            {},
	FieldTVOC:           {},
	FieldIlluminance:    {},
}

// IsKnownField 判断是否为规范字段
func IsKnownField(name string) bool {
	_, ok := KnownFields[name]
	return ok
}

// Telemetry 规范化遥测记录，由适配器一次性构建，之后只读
type Telemetry struct {
	DeviceID   string                 `json:"device_id"`
	TenantID   string                 `json:"tenant_id,omitempty"`
	Protocol   string                 `json:"protocol"`
	CodecID    string                 `json:"codec_id,omitempty"`
	Decoded    bool                   `json:"decoded"`
	RawPayload []byte                 `json:"raw_payload,omitempty"`
	Fields     map[string]interface{} `json:"fields"`
	Source     map[string]string      `json:"source,omitempty"`
	ReceivedAt time.Time              `json:"received_at"`
}

// NewTelemetry 复制字段并构建遥测记录
func NewTelemetry(device *Device, protocol string, raw []byte, fields map[string]interface{}, source map[string]string) *Telemetry {
	t := &Telemetry{
		Protocol:   protocol,
		RawPayload: append([]byte(nil), raw...),
		Fields:     make(map[string]interface{}, len(fields)),
		Source:     make(map[string]string, len(source)),
		ReceivedAt: time.Now(),
	}
	if device != nil {
		t.DeviceID = device.ID
		t.TenantID = device.TenantID
	}
	for k, v := range fields {
		t.Fields[k] = v
	}
	for k, v := range source {
		t.Source[k] = v
	}
	return t
}

// Field 读取字段
func (t *Telemetry) Field(name string) (interface{}, bool) {
	if t == nil || t.Fields == nil {
		return nil, false
	}
	v, ok := t.Fields[name]
	return v, ok
}

// NumericField 读取数值字段，布尔值按 1/0 处理
func (t *Telemetry) NumericField(name string) (float64, bool) {
	v, ok := t.Field(name)
	if !ok {
		return 0, false
	}
	return ToFloat(v)
}

// ToFloat 数值转换；数字字符串按十进制解析
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		return ParseNumber(n.String())
	case string:
		return ParseNumber(n)
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// ParseNumber 解析数字字符串，NaN 与无穷大视为非法
func ParseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
