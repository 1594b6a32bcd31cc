package adapter

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

const (
	modbusFuncReadHoldingRegisters = 0x03
	modbusFuncWriteSingleRegister  = 0x06

	modbusMaxReadQuantity = 125
)

// ModbusException 从站异常响应
type ModbusException struct {
	Function byte
	Code     byte
}

func (e *ModbusException) Error() string {
	return fmt.Sprintf("modbus exception: function 0x%02X code 0x%02X", e.Function, e.Code)
}

func readHoldingPDU(address, quantity uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = modbusFuncReadHoldingRegisters
	binary.BigEndian.PutUint16(pdu[1:3], address)
	binary.BigEndian.PutUint16(pdu[3:5], quantity)
	return pdu
}

func writeSinglePDU(address, value uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = modbusFuncWriteSingleRegister
	binary.BigEndian.PutUint16(pdu[1:3], address)
	binary.BigEndian.PutUint16(pdu[3:5], value)
	return pdu
}

// checkResponsePDU 校验功能码并把异常响应转成错误
func checkResponsePDU(req, resp []byte) error {
	if len(resp) < 2 {
		return fmt.Errorf("pdu too short: %d", len(resp))
	}
	if resp[0]&0x80 != 0 {
		return &ModbusException{Function: resp[0] &^ 0x80, Code: resp[1]}
	}
	if resp[0] != req[0] {
		return fmt.Errorf("function code mismatch: got %d expect %d", resp[0], req[0])
	}
	return nil
}

// parseReadHoldingPDU 返回寄存器原始字节
func parseReadHoldingPDU(req, resp []byte) ([]byte, error) {
	if err := checkResponsePDU(req, resp); err != nil {
		return nil, err
	}
	byteCount := int(resp[1])
	if byteCount%2 != 0 || len(resp) < 2+byteCount {
		return nil, fmt.Errorf("invalid byte count: %d", byteCount)
	}
	quantity := int(binary.BigEndian.Uint16(req[3:5]))
	if byteCount != quantity*2 {
		return nil, fmt.Errorf("register count mismatch: got %d expect %d", byteCount/2, quantity)
	}
	return resp[2 : 2+byteCount], nil
}

func parseWriteSinglePDU(req, resp []byte) error {
	if err := checkResponsePDU(req, resp); err != nil {
		return err
	}
	if len(resp) < 5 {
		return fmt.Errorf("write response too short: %d", len(resp))
	}
	if string(resp[1:5]) != string(req[1:5]) {
		return fmt.Errorf("write echo mismatch")
	}
	return nil
}

// buildMBAPFrame Modbus TCP 帧
func buildMBAPFrame(txID uint16, unitID byte, pdu []byte) []byte {
	frame := make([]byte, 7, 7+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], txID)
	binary.BigEndian.PutUint16(frame[2:4], 0)
	binary.BigEndian.PutUint16(frame[4:6], uint16(1+len(pdu)))
	frame[6] = unitID
	return append(frame, pdu...)
}

// parseMBAPHeader 校验 MBAP 头，返回后续 PDU 长度
func parseMBAPHeader(header []byte, txID uint16, unitID byte) (int, error) {
	if len(header) < 7 {
		return 0, fmt.Errorf("mbap header too short: %d", len(header))
	}
	if got := binary.BigEndian.Uint16(header[0:2]); got != txID {
		return 0, fmt.Errorf("transaction id mismatch: got %d expect %d", got, txID)
	}
	if pid := binary.BigEndian.Uint16(header[2:4]); pid != 0 {
		return 0, fmt.Errorf("protocol id must be 0, got %d", pid)
	}
	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || length > 254 {
		return 0, fmt.Errorf("invalid length field: %d", length)
	}
	if header[6] != unitID {
		return 0, fmt.Errorf("unit id mismatch: got %d expect %d", header[6], unitID)
	}
	return length - 1, nil
}

// buildRTUFrame Modbus RTU 帧，CRC 低字节在前
func buildRTUFrame(slaveID byte, pdu []byte) []byte {
	frame := make([]byte, 0, len(pdu)+3)
	frame = append(frame, slaveID)
	frame = append(frame, pdu...)
	crc := crc16Modbus(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

// parseRTUFrame 校验从站号与 CRC，返回 PDU
func parseRTUFrame(slaveID byte, frame []byte) ([]byte, error) {
	if len(frame) < 5 {
		return nil, fmt.Errorf("response too short: %d", len(frame))
	}
	if frame[0] != slaveID {
		return nil, fmt.Errorf("slave id mismatch: got %d expect %d", frame[0], slaveID)
	}
	crcRead := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	crcWant := crc16Modbus(frame[:len(frame)-2])
	if crcRead != crcWant {
		return nil, fmt.Errorf("crc mismatch: got 0x%04X expect 0x%04X", crcRead, crcWant)
	}
	return frame[1 : len(frame)-2], nil
}

// rtuResponseLength 根据已读到的前 3 字节推算完整响应长度
func rtuResponseLength(head []byte) int {
	if len(head) < 3 {
		return 0
	}
	if head[1]&0x80 != 0 {
		return 5
	}
	switch head[1] {
	case modbusFuncReadHoldingRegisters:
		return 5 + int(head[2])
	case modbusFuncWriteSingleRegister:
		return 8
	default:
		return 0
	}
}

func crc16Modbus(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, v := range data {
		crc ^= uint16(v)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc >>= 1
				crc ^= 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// registerWidth 数据类型占用的寄存器数
func registerWidth(dataType string) int {
	switch strings.ToLower(dataType) {
	case "uint32", "int32", "float32":
		return 2
	default:
		return 1
	}
}

// decodeRegisters 从寄存器字节中按类型取值（大端字序）
func decodeRegisters(words []byte, dataType string) (float64, error) {
	width := registerWidth(dataType)
	if len(words) < width*2 {
		return 0, fmt.Errorf("need %d registers for %s", width, dataType)
	}
	switch strings.ToLower(dataType) {
	case "", "uint16":
		return float64(binary.BigEndian.Uint16(words)), nil
	case "int16":
		return float64(int16(binary.BigEndian.Uint16(words))), nil
	case "uint32":
		return float64(binary.BigEndian.Uint32(words)), nil
	case "int32":
		return float64(int32(binary.BigEndian.Uint32(words))), nil
	case "float32":
		return float64(math.Float32frombits(binary.BigEndian.Uint32(words))), nil
	default:
		return 0, fmt.Errorf("unsupported register type %q", dataType)
	}
}

// encodeSingleRegister 按类型把工程值转成单寄存器原始值
func encodeSingleRegister(value float64, dataType string) (uint16, error) {
	rounded := math.Round(value)
	switch strings.ToLower(dataType) {
	case "", "uint16":
		if rounded < 0 || rounded > math.MaxUint16 {
			return 0, fmt.Errorf("value %v out of uint16 range", value)
		}
		return uint16(rounded), nil
	case "int16":
		if rounded < math.MinInt16 || rounded > math.MaxInt16 {
			return 0, fmt.Errorf("value %v out of int16 range", value)
		}
		return uint16(int16(rounded)), nil
	default:
		return 0, fmt.Errorf("register type %q cannot be written with a single register", dataType)
	}
}
