package adapter

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/gonglijing/xunjiHub/internal/codec"
	"github.com/gonglijing/xunjiHub/internal/models"
)

// Canonicalizer 把各协议的原始上行转换为规范遥测
type Canonicalizer struct {
	registry *codec.Registry
}

// NewCanonicalizer 创建规范化器，registry 为空时使用内置编解码器
func NewCanonicalizer(registry *codec.Registry) *Canonicalizer {
	if registry == nil {
		registry = codec.Default()
	}
	return &Canonicalizer{registry: registry}
}

// Registry 编解码器注册表
func (c *Canonicalizer) Registry() *codec.Registry { return c.registry }

// FromBytes 原始字节：JSON 对象按结构化数据处理，其余按二进制帧处理
func (c *Canonicalizer) FromBytes(device *models.Device, protocol string, raw []byte, mc MessageContext) *models.Telemetry {
	if obj, ok := jsonObject(raw); ok {
		return c.build(device, protocol, raw, obj, mc)
	}
	return c.build(device, protocol, raw, raw, mc)
}

// FromStructured 已解析的结构化载荷
func (c *Canonicalizer) FromStructured(device *models.Device, protocol string, raw []byte, payload map[string]interface{}, mc MessageContext) *models.Telemetry {
	return c.build(device, protocol, raw, payload, mc)
}

func (c *Canonicalizer) build(device *models.Device, protocol string, raw []byte, payload interface{}, mc MessageContext) *models.Telemetry {
	hint := codec.Hint{Port: mc.Port}
	if device != nil {
		hint.CodecID = device.CodecID
		hint.Manufacturer = device.Manufacturer
		hint.Model = device.Model
	}

	res := c.registry.Decode(payload, hint)
	fields := res.Fields
	if res.Decoded && !res.Recognized {
		// 结构化但不是规范字段：启发式提取，提取不到则保留原样
		if extracted := ExtractFields(fields); len(extracted) > 0 {
			fields = extracted
		}
	}

	fields = withExtra(fields, mc.Extra)

	t := models.NewTelemetry(device, protocol, raw, fields, mc.Source)
	t.CodecID = res.CodecID
	t.Decoded = res.Decoded
	if !mc.ReceivedAt.IsZero() {
		t.ReceivedAt = mc.ReceivedAt
	} else {
		t.ReceivedAt = time.Now()
	}
	return t
}

// withExtra 合并链路层字段，返回新 map
func withExtra(fields, extra map[string]interface{}) map[string]interface{} {
	if len(extra) == 0 {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+len(extra))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func jsonObject(raw []byte) (map[string]interface{}, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, false
	}
	return obj, true
}
