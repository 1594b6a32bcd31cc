package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gonglijing/xunjiHub/internal/models"
)

const (
	elsysPort         = 5
	elsysDownlinkPort = 6

	elsysTypeTemp    = 0x01
	elsysTypeRH      = 0x02
	elsysTypeLight   = 0x04
	elsysTypeMotion  = 0x05
	elsysTypeCO2     = 0x06
	elsysTypeVDD     = 0x07
	elsysTypeDigital = 0x0D

	elsysSettingsHeader  = 0x3E
	elsysParamReportTime = 0x14

	// 电池电压映射：2500mV=0%，每 1% 对应 11mV
	elsysVddEmpty   = 2500
	elsysVddPerStep = 11
)

var elsysSizes = map[byte]int{
	elsysTypeTemp:    2,
	elsysTypeRH:      1,
	elsysTypeLight:   2,
	elsysTypeMotion:  1,
	elsysTypeCO2:     2,
	elsysTypeVDD:     2,
	elsysTypeDigital: 1,
}

// elsysCodec Elsys ERS 系列，类型-值对，遇到未知类型整帧拒绝
type elsysCodec struct{}

// NewElsysERS Elsys ERS/ERS CO2/EMS
func NewElsysERS() Codec { return &elsysCodec{} }

func (c *elsysCodec) ID() string           { return "elsys-ers" }
func (c *elsysCodec) Manufacturer() string { return "Elsys" }
func (c *elsysCodec) Models() []string     { return []string{"ERS", "ERS-CO2", "ERS-Lite", "EMS"} }
func (c *elsysCodec) Family() string       { return "lorawan" }

// CanDecode 首字节必须是温度或湿度，且长度遍历恰好消耗整个帧
func (c *elsysCodec) CanDecode(payload []byte, hint Hint) bool {
	if hint.Port > 0 && hint.Port != elsysPort {
		return false
	}
	if len(payload) < 2 || (payload[0] != elsysTypeTemp && payload[0] != elsysTypeRH) {
		return false
	}
	i := 0
	for i < len(payload) {
		size, ok := elsysSizes[payload[i]]
		if !ok {
			return false
		}
		i += 1 + size
	}
	return i == len(payload)
}

func (c *elsysCodec) Decode(payload []byte, _ Hint) (Fields, error) {
	fields := Fields{}
	i := 0
	for i < len(payload) {
		kind := payload[i]
		size, ok := elsysSizes[kind]
		if !ok {
			return nil, fmt.Errorf("elsys-ers: unknown type 0x%02X at offset %d", kind, i)
		}
		if i+1+size > len(payload) {
			return nil, fmt.Errorf("elsys-ers: %w at type 0x%02X", ErrTruncated, kind)
		}
		v := payload[i+1 : i+1+size]
		switch kind {
		case elsysTypeTemp:
			fields[models.FieldTemperature] = roundTo(float64(int16(u16be(v)))/10, 1)
		case elsysTypeRH:
			fields[models.FieldHumidity] = float64(v[0])
		case elsysTypeLight:
			fields[models.FieldIlluminance] = float64(u16be(v))
		case elsysTypeMotion:
			fields[models.FieldMotion] = v[0] > 0
		case elsysTypeCO2:
			fields[models.FieldCO2] = float64(u16be(v))
		case elsysTypeVDD:
			fields[models.FieldBatteryLevel] = vddToPercent(u16be(v))
		case elsysTypeDigital:
			fields[models.FieldDoor] = v[0] != 0
		}
		i += 1 + size
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("elsys-ers: %w", ErrNoChannels)
	}
	return fields, nil
}

func vddToPercent(mv uint16) float64 {
	pct := (float64(mv) - elsysVddEmpty) / elsysVddPerStep
	return math.Max(0, math.Min(100, math.Round(pct)))
}

func percentToVdd(pct float64) uint16 {
	pct = math.Max(0, math.Min(100, pct))
	return uint16(elsysVddEmpty + math.Round(pct)*elsysVddPerStep)
}

func (c *elsysCodec) EncodeUplink(fields Fields) ([]byte, error) {
	var out []byte
	put16 := func(kind byte, v uint16) {
		out = append(out, kind, byte(v>>8), byte(v))
	}
	if v, ok := fieldFloat(fields, models.FieldTemperature); ok {
		put16(elsysTypeTemp, uint16(int16(math.Round(v*10))))
	}
	if v, ok := fieldFloat(fields, models.FieldHumidity); ok {
		out = append(out, elsysTypeRH, byte(math.Round(v)))
	}
	if v, ok := fieldFloat(fields, models.FieldIlluminance); ok {
		put16(elsysTypeLight, uint16(v))
	}
	if v, ok := fieldFloat(fields, models.FieldMotion); ok {
		out = append(out, elsysTypeMotion, byte(v))
	}
	if v, ok := fieldFloat(fields, models.FieldCO2); ok {
		put16(elsysTypeCO2, uint16(v))
	}
	if v, ok := fieldFloat(fields, models.FieldBatteryLevel); ok {
		put16(elsysTypeVDD, percentToVdd(v))
	}
	if v, ok := fieldFloat(fields, models.FieldDoor); ok {
		out = append(out, elsysTypeDigital, byte(v))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("elsys-ers: %w", ErrNoChannels)
	}
	return out, nil
}

// Encode 设置帧：3E <len> <param> <u32 BE>
func (c *elsysCodec) Encode(cmd *models.Command) (*Encoded, error) {
	if cmd == nil {
		return nil, fmt.Errorf("elsys-ers: %w: nil command", ErrInvalidParams)
	}
	if cmd.Type != CmdSetReportInterval {
		return nil, unsupported(c.ID(), cmd.Type)
	}
	seconds, err := requireParam(cmd, "interval")
	if err != nil {
		return nil, fmt.Errorf("elsys-ers: %w", err)
	}
	if seconds <= 0 || seconds > math.MaxUint32 {
		return nil, fmt.Errorf("elsys-ers: %w: interval out of range", ErrInvalidParams)
	}
	b := []byte{elsysSettingsHeader, 5, elsysParamReportTime, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(b[3:], uint32(seconds))
	return &Encoded{Bytes: b, FPort: elsysDownlinkPort}, nil
}

func (c *elsysCodec) DecodeDownlink(payload []byte) (*models.Command, error) {
	if len(payload) != 7 || payload[0] != elsysSettingsHeader || payload[2] != elsysParamReportTime {
		return nil, fmt.Errorf("elsys-ers: unknown downlink % X", payload)
	}
	seconds := binary.BigEndian.Uint32(payload[3:])
	return &models.Command{Type: CmdSetReportInterval, Params: []byte(fmt.Sprintf(`{"interval":%d}`, seconds))}, nil
}
