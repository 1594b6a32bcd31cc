// Package adapter 设备侧协议适配器：接收上行、规范化遥测、下发命令
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gonglijing/xunjiHub/internal/logger"
	"github.com/gonglijing/xunjiHub/internal/models"
)

// MessageContext 上行消息的来源信息
type MessageContext struct {
	// Identity 设备标识：主题段、请求路径ID、MAC 或从站名
	Identity   string
	Port       int
	Source     map[string]string
	ReceivedAt time.Time
	// Extra 链路层附带的字段，解码结果中已有同名字段时不覆盖
	Extra      map[string]interface{}
}

// Adapter 协议适配器
type Adapter interface {
	Protocol() string
	Start(ctx context.Context) error
	// Stop 可重复调用
	Stop()
	Parse(ctx context.Context, raw []byte, mc MessageContext) (*models.Telemetry, error)
	SendCommand(ctx context.Context, device *models.Device, dl *models.Downlink) error
}

// Sink 遥测接收端
type Sink interface {
	Ingest(ctx context.Context, t *models.Telemetry) error
}

// AckRecorder 命令回执接收端
type AckRecorder interface {
	RecordAck(ctx context.Context, commandID string, payload []byte) error
}

// DeviceResolver 设备档案查询
type DeviceResolver interface {
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	GetDeviceByKey(ctx context.Context, protocol, key string) (*models.Device, error)
}

// Deps 适配器公共依赖
type Deps struct {
	Devices DeviceResolver
	Canon   *Canonicalizer
	Sink    Sink
	Acks    AckRecorder
}

var (
	// ErrUnknownDevice 上行来自未登记的设备
	ErrUnknownDevice = errors.New("unknown device")
	// ErrDeviceDisabled 设备已禁用
	ErrDeviceDisabled = errors.New("device disabled")
	// ErrNotConnected 传输未连接
	ErrNotConnected = errors.New("transport not connected")
)

// base 各适配器共享的解析与投递逻辑
type base struct {
	protocol string
	deps     Deps
	log      *logger.StructuredLogger
}

func newBase(protocol string, deps Deps) base {
	if deps.Canon == nil {
		deps.Canon = NewCanonicalizer(nil)
	}
	return base{protocol: protocol, deps: deps, log: logger.Named("adapter." + protocol)}
}

// Protocol 协议名
func (b *base) Protocol() string { return b.protocol }

func (b *base) resolve(ctx context.Context, identity string) (*models.Device, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" || b.deps.Devices == nil {
		return nil, ErrUnknownDevice
	}
	device, err := b.deps.Devices.GetDeviceByKey(ctx, b.protocol, identity)
	if err != nil {
		return nil, fmt.Errorf("%w %s/%s: %v", ErrUnknownDevice, b.protocol, identity, err)
	}
	if !device.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrDeviceDisabled, device.ID)
	}
	return device, nil
}

// Parse 按设备标识规范化原始上行
func (b *base) Parse(ctx context.Context, raw []byte, mc MessageContext) (*models.Telemetry, error) {
	device, err := b.resolve(ctx, mc.Identity)
	if err != nil {
		return nil, err
	}
	return b.deps.Canon.FromBytes(device, b.protocol, raw, mc), nil
}

// deliver 投递遥测；错误只记录
func (b *base) deliver(ctx context.Context, t *models.Telemetry) {
	if t == nil || b.deps.Sink == nil {
		return
	}
	if err := b.deps.Sink.Ingest(ctx, t); err != nil {
		b.log.Error("Ingest telemetry failed", err, "device_id", t.DeviceID)
	}
}

// handleUplink 解析并投递，异常不向上传播
func (b *base) handleUplink(ctx context.Context, raw []byte, mc MessageContext) {
	defer func() {
		if rec := recover(); rec != nil {
			b.log.Warn("Recovered while handling uplink", "identity", mc.Identity, "panic", rec)
		}
	}()
	t, err := b.Parse(ctx, raw, mc)
	if err != nil {
		b.log.Warn("Dropping uplink", "identity", mc.Identity, "error", err)
		return
	}
	b.deliver(ctx, t)
}

func (b *base) recordAck(ctx context.Context, commandID string, payload []byte) error {
	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return errors.New("ack without command_id")
	}
	if b.deps.Acks == nil {
		return errors.New("ack recorder not configured")
	}
	return b.deps.Acks.RecordAck(ctx, commandID, payload)
}

// Manager 按协议管理适配器
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
	log      *logger.StructuredLogger
}

// NewManager 创建适配器管理器
func NewManager() *Manager {
	return &Manager{
		adapters: make(map[string]Adapter),
		log:      logger.Named("adapter"),
	}
}

// Register 注册适配器，同一协议只能注册一次
func (m *Manager) Register(a Adapter) error {
	if a == nil {
		return errors.New("nil adapter")
	}
	protocol := strings.ToLower(strings.TrimSpace(a.Protocol()))
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.adapters[protocol]; exists {
		return fmt.Errorf("adapter for protocol %s already registered", protocol)
	}
	m.adapters[protocol] = a
	m.order = append(m.order, protocol)
	return nil
}

// Get 按协议获取适配器
func (m *Manager) Get(protocol string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[strings.ToLower(strings.TrimSpace(protocol))]
	return a, ok
}

// ForDevice 获取设备所用协议的适配器
func (m *Manager) ForDevice(device *models.Device) (Adapter, bool) {
	return m.Get(device.NormalizedProtocol())
}

// Protocols 已注册协议（排序后）
func (m *Manager) Protocols() []string {
	m.mu.RLock()
	out := append([]string(nil), m.order...)
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// StartAll 逐个启动；单个失败不影响其他适配器
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	order := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var errs []error
	for _, p := range order {
		a, _ := m.Get(p)
		if err := a.Start(ctx); err != nil {
			m.log.Error("Adapter start failed", err, "protocol", p)
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		m.log.Info("Adapter started", "protocol", p)
	}
	return errors.Join(errs...)
}

// StopAll 按注册逆序停止
func (m *Manager) StopAll() {
	m.mu.RLock()
	order := append([]string(nil), m.order...)
	m.mu.RUnlock()
	for i := len(order) - 1; i >= 0; i-- {
		if a, ok := m.Get(order[i]); ok {
			a.Stop()
		}
	}
}
