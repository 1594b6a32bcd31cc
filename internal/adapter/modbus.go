package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/gonglijing/xunjiHub/internal/circuit"
	"github.com/gonglijing/xunjiHub/internal/models"
)

const (
	defaultModbusInterval = 10 * time.Second
	defaultModbusTimeout  = 3 * time.Second
)

// ModbusPoint 寄存器点位到规范字段的映射
type ModbusPoint struct {
	Field    string
	Register uint16
	Type     string // uint16 / int16 / uint32 / int32 / float32
	Scale    float64
}

// ModbusDevice 单个从站的轮询配置
type ModbusDevice struct {
	Key       string // 设备档案中的 key
	Transport string // tcp / rtu
	Address   string // tcp: host:port
	Port      string // rtu: 串口路径
	BaudRate  int
	DataBits  int
	Parity    string // N / E / O
	StopBits  int
	SlaveID   byte
	Interval  time.Duration
	Timeout   time.Duration
	Points    []ModbusPoint
}

func (d ModbusDevice) endpoint() string {
	if strings.EqualFold(d.Transport, "rtu") {
		return "rtu:" + d.Port
	}
	return "tcp:" + d.Address
}

func (d ModbusDevice) point(field string) (ModbusPoint, bool) {
	for _, p := range d.Points {
		if strings.EqualFold(p.Field, field) {
			return p, true
		}
	}
	return ModbusPoint{}, false
}

// span 覆盖所有点位的最小连续寄存器区间
func (d ModbusDevice) span() (start uint16, quantity int) {
	if len(d.Points) == 0 {
		return 0, 0
	}
	start = d.Points[0].Register
	end := 0
	for _, p := range d.Points {
		if p.Register < start {
			start = p.Register
		}
		if e := int(p.Register) + registerWidth(p.Type); e > end {
			end = e
		}
	}
	return start, end - int(start)
}

// ModbusConfig 工业轮询配置
type ModbusConfig struct {
	Devices []ModbusDevice
	Breaker circuit.Config
}

// modbusTransport 一次请求/响应事务
type modbusTransport interface {
	Transact(ctx context.Context, slaveID byte, pdu []byte) ([]byte, error)
	Close() error
}

// ModbusAdapter 按固定间隔轮询保持寄存器，命令写单个寄存器
type ModbusAdapter struct {
	base
	config   ModbusConfig
	breakers *circuit.Group

	// newTransport 可在测试中替换
	newTransport func(d ModbusDevice) modbusTransport

	mu         sync.Mutex
	byKey      map[string]ModbusDevice
	transports map[string]modbusTransport
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewModbusAdapter 创建 Modbus 适配器
func NewModbusAdapter(cfg ModbusConfig, deps Deps) *ModbusAdapter {
	a := &ModbusAdapter{
		base:         newBase(models.ProtocolModbus, deps),
		config:       cfg,
		breakers:     circuit.NewGroup(cfg.Breaker),
		newTransport: newModbusTransport,
		byKey:        make(map[string]ModbusDevice),
		transports:   make(map[string]modbusTransport),
	}
	for _, d := range cfg.Devices {
		if d.Interval <= 0 {
			d.Interval = defaultModbusInterval
		}
		if d.Timeout <= 0 {
			d.Timeout = defaultModbusTimeout
		}
		sort.Slice(d.Points, func(i, j int) bool { return d.Points[i].Register < d.Points[j].Register })
		a.byKey[d.Key] = d
	}
	return a
}

// Start 为每个从站启动轮询循环
func (a *ModbusAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	for _, d := range a.byKey {
		a.wg.Add(1)
		go a.pollLoop(runCtx, d)
	}
	a.log.Info("Modbus polling started", "devices", len(a.byKey))
	return nil
}

// Stop 停止轮询并关闭连接
func (a *ModbusAdapter) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	a.wg.Wait()

	a.mu.Lock()
	for name, t := range a.transports {
		_ = t.Close()
		delete(a.transports, name)
	}
	a.mu.Unlock()
}

func (a *ModbusAdapter) pollLoop(ctx context.Context, d ModbusDevice) {
	defer a.wg.Done()
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	a.pollOnce(ctx, d)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx, d)
		}
	}
}

// pollOnce 读一次寄存器；失败只记录，保持固定间隔
func (a *ModbusAdapter) pollOnce(ctx context.Context, d ModbusDevice) {
	defer func() {
		if rec := recover(); rec != nil {
			a.log.Warn("Recovered during modbus poll", "key", d.Key, "panic", rec)
		}
	}()

	start, quantity := d.span()
	if quantity <= 0 {
		return
	}
	if quantity > modbusMaxReadQuantity {
		a.log.Warn("Register span too large for one read", "key", d.Key, "quantity", quantity)
		return
	}

	req := readHoldingPDU(start, uint16(quantity))
	resp, err := a.transact(ctx, d, req)
	if err != nil {
		var openErr *circuit.OpenError
		if errors.As(err, &openErr) {
			a.log.Debug("Modbus endpoint circuit open, skipping poll", "key", d.Key, "retry_after", openErr.RetryAfter.String())
			return
		}
		a.log.Warn("Modbus poll failed", "key", d.Key, "endpoint", d.endpoint(), "error", err)
		return
	}
	words, err := parseReadHoldingPDU(req, resp)
	if err != nil {
		a.log.Warn("Modbus poll response invalid", "key", d.Key, "error", err)
		return
	}

	t, err := a.Parse(ctx, words, MessageContext{
		Identity:   d.Key,
		Source:     map[string]string{"endpoint": d.endpoint()},
		ReceivedAt: time.Now(),
	})
	if err != nil {
		a.log.Warn("Dropping modbus reading", "key", d.Key, "error", err)
		return
	}
	a.deliver(ctx, t)
}

// Parse 原始数据为从最低点位寄存器开始的连续寄存器块
func (a *ModbusAdapter) Parse(ctx context.Context, raw []byte, mc MessageContext) (*models.Telemetry, error) {
	d, ok := a.byKey[mc.Identity]
	if !ok {
		return nil, fmt.Errorf("%w: no register map for %s", ErrUnknownDevice, mc.Identity)
	}
	device, err := a.resolve(ctx, mc.Identity)
	if err != nil {
		return nil, err
	}
	fields, err := decodePoints(d, raw)
	if err != nil {
		return nil, err
	}
	return a.deps.Canon.FromStructured(device, a.protocol, raw, fields, mc), nil
}

func decodePoints(d ModbusDevice, words []byte) (map[string]interface{}, error) {
	start, _ := d.span()
	fields := make(map[string]interface{}, len(d.Points))
	for _, p := range d.Points {
		offset := int(p.Register-start) * 2
		if offset >= len(words) {
			return nil, fmt.Errorf("register %d outside of block", p.Register)
		}
		v, err := decodeRegisters(words[offset:], p.Type)
		if err != nil {
			return nil, fmt.Errorf("point %s: %w", p.Field, err)
		}
		if p.Scale != 0 {
			v *= p.Scale
		}
		fields[p.Field] = v
	}
	return fields, nil
}

// SendCommand 写单个寄存器，参数为 {register|point, value}
func (a *ModbusAdapter) SendCommand(ctx context.Context, device *models.Device, dl *models.Downlink) error {
	d, ok := a.byKey[device.Key]
	if !ok {
		return fmt.Errorf("no modbus config for device %s", device.ID)
	}
	if dl.Binary {
		return errors.New("binary downlink not supported over modbus")
	}

	var params struct {
		Register *uint16 `json:"register"`
		Point    string  `json:"point"`
		Value    float64 `json:"value"`
	}
	if err := json.Unmarshal(dl.Params, &params); err != nil {
		return fmt.Errorf("invalid modbus write params: %w", err)
	}

	var register uint16
	var raw uint16
	var err error
	switch {
	case params.Point != "":
		p, found := d.point(params.Point)
		if !found {
			return fmt.Errorf("unknown point %q", params.Point)
		}
		value := params.Value
		if p.Scale != 0 {
			value /= p.Scale
		}
		register = p.Register
		raw, err = encodeSingleRegister(value, p.Type)
	case params.Register != nil:
		register = *params.Register
		raw, err = encodeSingleRegister(params.Value, "uint16")
	default:
		return errors.New("register or point is required")
	}
	if err != nil {
		return err
	}

	req := writeSinglePDU(register, raw)
	resp, err := a.transact(ctx, d, req)
	if err != nil {
		return err
	}
	return parseWriteSinglePDU(req, resp)
}

// transact 经熔断器执行一次事务；传输失败后丢弃连接，下次重建
// 从站异常响应说明链路正常，不计入熔断
func (a *ModbusAdapter) transact(ctx context.Context, d ModbusDevice, pdu []byte) ([]byte, error) {
	name := d.endpoint()
	var resp []byte
	var exc *ModbusException
	err := a.breakers.Get(name).Execute(func() error {
		t := a.transport(d)
		txCtx, cancel := context.WithTimeout(ctx, d.Timeout)
		defer cancel()
		var err error
		resp, err = t.Transact(txCtx, d.SlaveID, pdu)
		if errors.As(err, &exc) {
			return nil
		}
		if err != nil {
			a.dropTransport(name, t)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, exc
	}
	return resp, nil
}

func (a *ModbusAdapter) transport(d ModbusDevice) modbusTransport {
	a.mu.Lock()
	defer a.mu.Unlock()
	name := d.endpoint()
	t, ok := a.transports[name]
	if !ok {
		t = a.newTransport(d)
		a.transports[name] = t
	}
	return t
}

func (a *ModbusAdapter) dropTransport(name string, t modbusTransport) {
	a.mu.Lock()
	if cur, ok := a.transports[name]; ok && cur == t {
		delete(a.transports, name)
	}
	a.mu.Unlock()
	_ = t.Close()
}

func newModbusTransport(d ModbusDevice) modbusTransport {
	if strings.EqualFold(d.Transport, "rtu") {
		return &rtuTransport{device: d}
	}
	return &tcpTransport{address: d.Address}
}

// tcpTransport Modbus TCP，连接复用，同一时刻只有一个事务
type tcpTransport struct {
	address string
	mu      sync.Mutex
	conn    net.Conn
	txID    uint16
}

func (t *tcpTransport) Transact(ctx context.Context, unitID byte, pdu []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", t.address)
		if err != nil {
			return nil, err
		}
		t.conn = conn
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetDeadline(deadline)
	}

	t.txID++
	if t.txID == 0 {
		t.txID = 1
	}
	if _, err := t.conn.Write(buildMBAPFrame(t.txID, unitID, pdu)); err != nil {
		return nil, err
	}

	header := make([]byte, 7)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		return nil, err
	}
	n, err := parseMBAPHeader(header, t.txID, unitID)
	if err != nil {
		return nil, err
	}
	resp := make([]byte, n)
	if _, err := io.ReadFull(t.conn, resp); err != nil {
		return nil, err
	}
	if err := checkResponsePDU(pdu, resp); err != nil {
		var exc *ModbusException
		if errors.As(err, &exc) {
			return nil, exc
		}
	}
	return resp, nil
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// rtuTransport Modbus RTU 串口
type rtuTransport struct {
	device ModbusDevice
	mu     sync.Mutex
	port   serial.Port
}

func serialMode(d ModbusDevice) *serial.Mode {
	mode := &serial.Mode{BaudRate: d.BaudRate, DataBits: d.DataBits, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	if mode.BaudRate <= 0 {
		mode.BaudRate = 9600
	}
	if mode.DataBits <= 0 {
		mode.DataBits = 8
	}
	switch strings.ToUpper(d.Parity) {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	if d.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode
}

func (t *rtuTransport) Transact(ctx context.Context, slaveID byte, pdu []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		p, err := serial.Open(t.device.Port, serialMode(t.device))
		if err != nil {
			return nil, fmt.Errorf("open serial %s: %w", t.device.Port, err)
		}
		t.port = p
	}
	_ = t.port.ResetInputBuffer()
	if _, err := t.port.Write(buildRTUFrame(slaveID, pdu)); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(t.device.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	frame := make([]byte, 0, 256)
	buf := make([]byte, 256)
	want := 0
	for want == 0 || len(frame) < want {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("modbus rtu read timeout after %d bytes", len(frame))
		}
		if err := t.port.SetReadTimeout(remaining); err != nil {
			return nil, err
		}
		n, err := t.port.Read(buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		frame = append(frame, buf[:n]...)
		if want == 0 && len(frame) >= 3 {
			if want = rtuResponseLength(frame); want == 0 {
				return nil, fmt.Errorf("unexpected function code 0x%02X", frame[1])
			}
		}
	}

	resp, err := parseRTUFrame(slaveID, frame[:want])
	if err != nil {
		return nil, err
	}
	if err := checkResponsePDU(pdu, resp); err != nil {
		var exc *ModbusException
		if errors.As(err, &exc) {
			return nil, exc
		}
	}
	return resp, nil
}

func (t *rtuTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}
