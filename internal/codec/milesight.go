package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gonglijing/xunjiHub/internal/models"
)

// Milesight 上行默认 fport
const milesightPort = 85

type channelKey struct {
	channel byte
	kind    byte
}

type channelDef struct {
	field string
	size  int
	read  func(b []byte) interface{}
	write func(v interface{}) []byte
}

// unknownPolicy 遇到未知通道时的处理方式
type unknownPolicy int

const (
	skipOneByte unknownPolicy = iota
	abortParse
)

// channelCodec 通用的 (通道, 类型, 值) 三元组编解码
type channelCodec struct {
	id           string
	manufacturer string
	models       []string
	family       string
	port         int
	channels     map[channelKey]channelDef
	order        []channelKey
	unknown      unknownPolicy
	encode       func(cmd *models.Command) (*Encoded, error)
	decodeDown   func(payload []byte) (*models.Command, error)
}

func (c *channelCodec) ID() string           { return c.id }
func (c *channelCodec) Manufacturer() string { return c.manufacturer }
func (c *channelCodec) Models() []string     { return append([]string(nil), c.models...) }
func (c *channelCodec) Family() string       { return c.family }

// CanDecode 仅检查首个通道/类型字节对
func (c *channelCodec) CanDecode(payload []byte, hint Hint) bool {
	if hint.Port > 0 && c.port > 0 && hint.Port != c.port {
		return false
	}
	if len(payload) < 3 {
		return false
	}
	def, ok := c.channels[channelKey{payload[0], payload[1]}]
	return ok && len(payload) >= 2+def.size
}

func (c *channelCodec) Decode(payload []byte, _ Hint) (Fields, error) {
	fields := Fields{}
	i := 0
	for i+1 < len(payload) {
		key := channelKey{payload[i], payload[i+1]}
		def, ok := c.channels[key]
		if !ok {
			if c.unknown == abortParse {
				break
			}
			i++
			continue
		}
		start := i + 2
		if start+def.size > len(payload) {
			if len(fields) == 0 {
				return nil, fmt.Errorf("%s: %w at channel 0x%02X", c.id, ErrTruncated, key.channel)
			}
			break
		}
		fields[def.field] = def.read(payload[start : start+def.size])
		i = start + def.size
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%s: %w", c.id, ErrNoChannels)
	}
	return fields, nil
}

func (c *channelCodec) Encode(cmd *models.Command) (*Encoded, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%s: %w: nil command", c.id, ErrInvalidParams)
	}
	return c.encode(cmd)
}

func (c *channelCodec) DecodeDownlink(payload []byte) (*models.Command, error) {
	return c.decodeDown(payload)
}

// EncodeUplink 按通道定义顺序输出存在的字段
func (c *channelCodec) EncodeUplink(fields Fields) ([]byte, error) {
	var out []byte
	for _, key := range c.order {
		def := c.channels[key]
		v, ok := fields[def.field]
		if !ok || def.write == nil {
			continue
		}
		out = append(out, key.channel, key.kind)
		out = append(out, def.write(v)...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", c.id, ErrNoChannels)
	}
	return out, nil
}

func (c *channelCodec) define(channel, kind byte, def channelDef) {
	key := channelKey{channel, kind}
	c.channels[key] = def
	c.order = append(c.order, key)
}

// ---- 值读写 ----

func readU8(b []byte) interface{} { return float64(b[0]) }

func readBool(b []byte) interface{} { return b[0] != 0 }

func readScaledI16LE(scale float64) func([]byte) interface{} {
	return func(b []byte) interface{} {
		return roundTo(float64(int16(u16le(b)))/scale, 2)
	}
}

func readScaledU16LE(scale float64) func([]byte) interface{} {
	return func(b []byte) interface{} {
		return roundTo(float64(u16le(b))/scale, 2)
	}
}

func readU8Scaled(scale float64) func([]byte) interface{} {
	return func(b []byte) interface{} {
		return roundTo(float64(b[0])/scale, 2)
	}
}

func readI32LE(b []byte) interface{} {
	return float64(int32(binary.LittleEndian.Uint32(b)))
}

func readU32LE(b []byte) interface{} {
	return float64(binary.LittleEndian.Uint32(b))
}

func toFloat(v interface{}) float64 {
	f, _ := models.ToFloat(v)
	return f
}

func writeU8(v interface{}) []byte { return []byte{byte(math.Round(toFloat(v)))} }

func writeU8Scaled(scale float64) func(interface{}) []byte {
	return func(v interface{}) []byte { return []byte{byte(math.Round(toFloat(v) * scale))} }
}

func writeBool(v interface{}) []byte {
	if toFloat(v) != 0 {
		return []byte{1}
	}
	return []byte{0}
}

func writeScaledI16LE(scale float64) func(interface{}) []byte {
	return func(v interface{}) []byte {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(int16(math.Round(toFloat(v)*scale))))
		return b
	}
}

func writeScaledU16LE(scale float64) func(interface{}) []byte {
	return func(v interface{}) []byte {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(math.Round(toFloat(v)*scale)))
		return b
	}
}

func writeI32LE(v interface{}) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(int32(math.Round(toFloat(v)))))
	return b
}

func writeU32LE(v interface{}) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(math.Round(toFloat(v))))
	return b
}

// ---- Milesight 下行 ----

func milesightEncodeCommon(id string, cmd *models.Command) (*Encoded, bool, error) {
	switch cmd.Type {
	case CmdSetReportInterval:
		seconds, err := requireParam(cmd, "interval")
		if err != nil {
			return nil, true, fmt.Errorf("%s: %w", id, err)
		}
		if seconds <= 0 || seconds > math.MaxUint16 {
			return nil, true, fmt.Errorf("%s: %w: interval out of range", id, ErrInvalidParams)
		}
		b := []byte{0xFF, 0x03, 0, 0}
		binary.LittleEndian.PutUint16(b[2:], uint16(seconds))
		return &Encoded{Bytes: b, FPort: milesightPort}, true, nil
	case CmdReboot:
		return &Encoded{Bytes: []byte{0xFF, 0x10, 0xFF}, FPort: milesightPort}, true, nil
	default:
		return nil, false, nil
	}
}

func milesightDecodeCommon(payload []byte) (*models.Command, bool) {
	if len(payload) >= 4 && payload[0] == 0xFF && payload[1] == 0x03 {
		interval := u16le(payload[2:4])
		return &models.Command{Type: CmdSetReportInterval, Params: []byte(fmt.Sprintf(`{"interval":%d}`, interval))}, true
	}
	if len(payload) >= 3 && payload[0] == 0xFF && payload[1] == 0x10 {
		return &models.Command{Type: CmdReboot}, true
	}
	return nil, false
}

// NewMilesightEM300 EM300 系列（温湿度 / 门磁 / 漏水），未知通道跳过一个字节
func NewMilesightEM300() Codec {
	c := &channelCodec{
		id:           "milesight-em300",
		manufacturer: "Milesight",
		models:       []string{"EM300-TH", "EM300-MCS", "EM300-SLD", "EM300-ZLD"},
		family:       "lorawan",
		port:         milesightPort,
		channels:     map[channelKey]channelDef{},
		unknown:      skipOneByte,
	}
	c.define(0x01, 0x75, channelDef{field: models.FieldBatteryLevel, size: 1, read: readU8, write: writeU8})
	c.define(0x03, 0x67, channelDef{field: models.FieldTemperature, size: 2, read: readScaledI16LE(10), write: writeScaledI16LE(10)})
	c.define(0x04, 0x68, channelDef{field: models.FieldHumidity, size: 1, read: readU8Scaled(2), write: writeU8Scaled(2)})
	c.define(0x05, 0x00, channelDef{field: models.FieldWaterLeak, size: 1, read: readBool, write: writeBool})
	c.define(0x06, 0x00, channelDef{field: models.FieldDoor, size: 1, read: readBool, write: writeBool})
	c.define(0xFF, 0x03, channelDef{field: models.FieldReportInterval, size: 2, read: readScaledU16LE(1), write: writeScaledU16LE(1)})
	c.encode = func(cmd *models.Command) (*Encoded, error) {
		enc, handled, err := milesightEncodeCommon(c.id, cmd)
		if !handled {
			return nil, unsupported(c.id, cmd.Type)
		}
		return enc, err
	}
	c.decodeDown = func(payload []byte) (*models.Command, error) {
		if cmd, ok := milesightDecodeCommon(payload); ok {
			return cmd, nil
		}
		return nil, fmt.Errorf("%s: unknown downlink % X", c.id, payload)
	}
	return c
}

// NewMilesightAM300 AM307/AM319 环境传感器，与 EM300 共用温湿度通道；未知通道终止解析
func NewMilesightAM300() Codec {
	c := &channelCodec{
		id:           "milesight-am300",
		manufacturer: "Milesight",
		models:       []string{"AM307", "AM319"},
		family:       "lorawan",
		port:         milesightPort,
		channels:     map[channelKey]channelDef{},
		unknown:      abortParse,
	}
	c.define(0x01, 0x75, channelDef{field: models.FieldBatteryLevel, size: 1, read: readU8, write: writeU8})
	c.define(0x03, 0x67, channelDef{field: models.FieldTemperature, size: 2, read: readScaledI16LE(10), write: writeScaledI16LE(10)})
	c.define(0x04, 0x68, channelDef{field: models.FieldHumidity, size: 1, read: readU8Scaled(2), write: writeU8Scaled(2)})
	c.define(0x05, 0x6A, channelDef{field: models.FieldMotion, size: 2, read: func(b []byte) interface{} { return u16le(b) > 0 }, write: func(v interface{}) []byte {
		if toFloat(v) != 0 {
			return []byte{1, 0}
		}
		return []byte{0, 0}
	}})
	c.define(0x06, 0x65, channelDef{field: models.FieldIlluminance, size: 2, read: readScaledU16LE(1), write: writeScaledU16LE(1)})
	c.define(0x07, 0x7D, channelDef{field: models.FieldCO2, size: 2, read: readScaledU16LE(1), write: writeScaledU16LE(1)})
	c.define(0x08, 0x7D, channelDef{field: models.FieldTVOC, size: 2, read: readScaledU16LE(1), write: writeScaledU16LE(1)})
	c.define(0x09, 0x73, channelDef{field: models.FieldPressure, size: 2, read: readScaledU16LE(10), write: writeScaledU16LE(10)})
	c.encode = func(cmd *models.Command) (*Encoded, error) {
		if cmd.Type == CmdBuzzer {
			on, err := boolParam(cmd, "enabled", "state")
			if err != nil {
				return nil, fmt.Errorf("%s: %w", c.id, err)
			}
			b := []byte{0xFF, 0x3E, 0x00}
			if on {
				b[2] = 0x01
			}
			return &Encoded{Bytes: b, FPort: milesightPort}, nil
		}
		enc, handled, err := milesightEncodeCommon(c.id, cmd)
		if !handled {
			return nil, unsupported(c.id, cmd.Type)
		}
		return enc, err
	}
	c.decodeDown = func(payload []byte) (*models.Command, error) {
		if len(payload) >= 3 && payload[0] == 0xFF && payload[1] == 0x3E {
			return &models.Command{Type: CmdBuzzer, Params: []byte(fmt.Sprintf(`{"enabled":%t}`, payload[2] == 1))}, nil
		}
		if cmd, ok := milesightDecodeCommon(payload); ok {
			return cmd, nil
		}
		return nil, fmt.Errorf("%s: unknown downlink % X", c.id, payload)
	}
	return c
}

// NewMilesightWS52x WS52x 智能插座
func NewMilesightWS52x() Codec {
	c := &channelCodec{
		id:           "milesight-ws52x",
		manufacturer: "Milesight",
		models:       []string{"WS523", "WS525"},
		family:       "lorawan",
		port:         milesightPort,
		channels:     map[channelKey]channelDef{},
		unknown:      skipOneByte,
	}
	c.define(0x03, 0x74, channelDef{field: models.FieldVoltage, size: 2, read: readScaledU16LE(10), write: writeScaledU16LE(10)})
	c.define(0x04, 0x80, channelDef{field: models.FieldPower, size: 4, read: readI32LE, write: writeI32LE})
	c.define(0x05, 0x81, channelDef{field: models.FieldPowerFactor, size: 1, read: readU8, write: writeU8})
	c.define(0x06, 0x83, channelDef{field: models.FieldEnergy, size: 4, read: readU32LE, write: writeU32LE})
	c.define(0x07, 0xC9, channelDef{field: models.FieldCurrent, size: 2, read: readScaledU16LE(1), write: writeScaledU16LE(1)})
	c.define(0x08, 0x70, channelDef{field: models.FieldSocket, size: 1, read: readBool, write: writeBool})
	c.encode = func(cmd *models.Command) (*Encoded, error) {
		if cmd.Type == CmdSwitch {
			on, err := boolParam(cmd, "state", "on")
			if err != nil {
				return nil, fmt.Errorf("%s: %w", c.id, err)
			}
			b := []byte{0x08, 0x00, 0xFF}
			if on {
				b[1] = 0x01
			}
			return &Encoded{Bytes: b, FPort: milesightPort, Confirmed: true}, nil
		}
		enc, handled, err := milesightEncodeCommon(c.id, cmd)
		if !handled {
			return nil, unsupported(c.id, cmd.Type)
		}
		return enc, err
	}
	c.decodeDown = func(payload []byte) (*models.Command, error) {
		if len(payload) >= 3 && payload[0] == 0x08 && payload[2] == 0xFF {
			return &models.Command{Type: CmdSwitch, Params: []byte(fmt.Sprintf(`{"state":%t}`, payload[1] == 1))}, nil
		}
		if cmd, ok := milesightDecodeCommon(payload); ok {
			return cmd, nil
		}
		return nil, fmt.Errorf("%s: unknown downlink % X", c.id, payload)
	}
	return c
}
