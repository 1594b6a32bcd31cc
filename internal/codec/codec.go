// Package codec 设备二进制编解码器及其注册表
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/gonglijing/xunjiHub/internal/models"
)

// Fields 解码后的字段
type Fields = map[string]interface{}

// Hint 解码提示
type Hint struct {
	CodecID      string
	Manufacturer string
	Model        string
	Port         int
}

// Encoded 编码结果及传输提示
type Encoded struct {
	Bytes     []byte
	FPort     int
	Confirmed bool
}

// Codec 单个设备族的编解码器
type Codec interface {
	ID() string
	Manufacturer() string
	Models() []string
	Family() string
	// CanDecode 廉价的结构嗅探，不保证准确
	CanDecode(payload []byte, hint Hint) bool
	Decode(payload []byte, hint Hint) (Fields, error)
	Encode(cmd *models.Command) (*Encoded, error)
}

// UplinkEncoder 将字段还原为上行字节，用于模拟设备和回环测试
type UplinkEncoder interface {
	EncodeUplink(fields Fields) ([]byte, error)
}

// DownlinkDecoder 将下行字节还原为命令
type DownlinkDecoder interface {
	DecodeDownlink(payload []byte) (*models.Command, error)
}

var (
	ErrUnsupportedCommand = errors.New("unsupported command type")
	ErrInvalidParams      = errors.New("invalid command params")
	ErrNoChannels         = errors.New("no channels decoded")
	ErrTruncated          = errors.New("payload truncated")
)

const (
	CmdSetReportInterval = "set_report_interval"
	CmdReboot            = "reboot"
	CmdSwitch            = "switch"
	CmdBuzzer            = "buzzer"
)

func unsupported(codecID, cmdType string) error {
	return fmt.Errorf("%s: %w: %s", codecID, ErrUnsupportedCommand, cmdType)
}

func requireParam(cmd *models.Command, name string) (float64, error) {
	v, ok := cmd.ParamFloat(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidParams, name)
	}
	return v, nil
}

func boolParam(cmd *models.Command, names ...string) (bool, error) {
	params := cmd.ParamMap()
	for _, name := range names {
		switch v := params[name].(type) {
		case bool:
			return v, nil
		case float64:
			return v != 0, nil
		case string:
			switch v {
			case "on", "ON", "true", "1", "open":
				return true, nil
			case "off", "OFF", "false", "0", "close":
				return false, nil
			}
		}
	}
	return false, fmt.Errorf("%w: %v is required", ErrInvalidParams, names)
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func fieldFloat(fields Fields, name string) (float64, bool) {
	v, ok := fields[name]
	if !ok {
		return 0, false
	}
	return models.ToFloat(v)
}

func u16le(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func u16be(b []byte) uint16 { return binary.BigEndian.Uint16(b) }
