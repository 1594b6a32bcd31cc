package adapter

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/gonglijing/xunjiHub/internal/handlers"
	"github.com/gonglijing/xunjiHub/internal/models"
	"github.com/gonglijing/xunjiHub/internal/pwdutil"
)

const (
	bleWriteWait      = 10 * time.Second
	blePongWait       = 60 * time.Second
	blePingPeriod     = (blePongWait * 9) / 10
	bleMaxMessageSize = 64 << 10
	bleSendBuffer     = 64

	// GatewayKeyHeader 网关接入密钥请求头
	GatewayKeyHeader = "X-Gateway-Key"
)

// BLEGateway 已登记的网关及其密钥哈希
type BLEGateway struct {
	DeviceID string
	KeyHash  string
}

// BLEConfig 蓝牙网关接入配置
type BLEConfig struct {
	Listen   string
	Path     string
	Gateways []BLEGateway
}

// bleFrame 网关上下行帧
type bleFrame struct {
	Type      string          `json:"type"`
	MAC       string          `json:"mac,omitempty"`
	RSSI      *float64        `json:"rssi,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Port      int             `json:"port,omitempty"`
	CommandID string          `json:"command_id,omitempty"`
	Command   string          `json:"command,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	FPort     int             `json:"fPort,omitempty"`
}

// bleSession 单个网关连接
type bleSession struct {
	gatewayID string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	tags map[string]string // MAC -> 设备ID
}

func (s *bleSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *bleSession) remember(mac, deviceID string) {
	s.mu.Lock()
	s.tags[mac] = deviceID
	s.mu.Unlock()
}

func (s *bleSession) lookup(mac string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tags[mac]
	return id, ok
}

// BLEAdapter 经网关中继的短距无线适配器
type BLEAdapter struct {
	base
	config   BLEConfig
	upgrader websocket.Upgrader
	router   *mux.Router

	mu       sync.Mutex
	sessions map[*bleSession]struct{}
	routes   map[string]*bleSession // 设备ID -> 最近中继该设备的会话
	srv      *http.Server
	ctx      context.Context
}

// NewBLEAdapter 创建 BLE 网关适配器
func NewBLEAdapter(cfg BLEConfig, deps Deps) *BLEAdapter {
	if cfg.Path == "" {
		cfg.Path = "/ble/ws"
	}
	a := &BLEAdapter{
		base:   newBase(models.ProtocolBLE, deps),
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 网关不是浏览器，不校验 Origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*bleSession]struct{}),
		routes:   make(map[string]*bleSession),
		ctx:      context.Background(),
	}
	a.router = mux.NewRouter()
	a.router.HandleFunc(cfg.Path, a.serveWS).Methods(http.MethodGet)
	return a
}

// Handler websocket 入口
func (a *BLEAdapter) Handler() http.Handler {
	return handlers.Wrap("adapter.ble", a.router, nil)
}

// Start 监听端口
func (a *BLEAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", a.config.Listen)
	if err != nil {
		return err
	}
	a.ctx = context.WithoutCancel(ctx)
	a.srv = &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := a.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("BLE gateway server stopped", err)
		}
	}()
	a.log.Info("BLE gateway endpoint listening", "addr", ln.Addr().String(), "path", a.config.Path)
	return nil
}

// Stop 关闭监听和所有网关会话
func (a *BLEAdapter) Stop() {
	a.mu.Lock()
	srv := a.srv
	a.srv = nil
	sessions := make([]*bleSession, 0, len(a.sessions))
	for s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			a.log.Warn("BLE gateway shutdown error", "error", err)
		}
		cancel()
	}
	for _, s := range sessions {
		s.close()
	}
}

// authenticate 校验网关密钥，返回网关设备ID
func (a *BLEAdapter) authenticate(key string) (string, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}
	for _, gw := range a.config.Gateways {
		if pwdutil.Compare(key, gw.KeyHash) {
			return gw.DeviceID, true
		}
	}
	return "", false
}

func (a *BLEAdapter) serveWS(w http.ResponseWriter, r *http.Request) {
	gatewayID, ok := a.authenticate(r.Header.Get(GatewayKeyHeader))
	if !ok {
		a.log.Warn("Rejected BLE gateway", "remote", r.RemoteAddr)
		handlers.WriteUnauthorized(w, "invalid gateway key")
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("BLE websocket upgrade failed", "error", err)
		return
	}

	s := &bleSession{
		gatewayID: gatewayID,
		conn:      conn,
		send:      make(chan []byte, bleSendBuffer),
		done:      make(chan struct{}),
		tags:      make(map[string]string),
	}
	a.mu.Lock()
	a.sessions[s] = struct{}{}
	ctx := a.ctx
	a.mu.Unlock()
	a.log.Info("BLE gateway connected", "gateway", gatewayID, "remote", conn.RemoteAddr().String())

	go a.writePump(s)
	a.readPump(ctx, s)
}

func (a *BLEAdapter) readPump(ctx context.Context, s *bleSession) {
	defer func() {
		a.dropSession(s)
		s.close()
		a.log.Info("BLE gateway disconnected", "gateway", s.gatewayID)
	}()
	s.conn.SetReadLimit(bleMaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(blePongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(blePongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.log.Warn("BLE gateway read error", "gateway", s.gatewayID, "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(blePongWait))
		a.handleFrame(ctx, s, message)
	}
}

func (a *BLEAdapter) writePump(s *bleSession) {
	ticker := time.NewTicker(blePingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(bleWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				a.log.Warn("BLE gateway write failed", "gateway", s.gatewayID, "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(bleWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (a *BLEAdapter) dropSession(s *bleSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, s)
	for id, owner := range a.routes {
		if owner == s {
			delete(a.routes, id)
		}
	}
}

// handleFrame 处理单帧，异常帧只记录
func (a *BLEAdapter) handleFrame(ctx context.Context, s *bleSession, message []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			a.log.Warn("Recovered while handling BLE frame", "gateway", s.gatewayID, "panic", rec)
		}
	}()

	var f bleFrame
	if err := json.Unmarshal(message, &f); err != nil {
		a.log.Warn("Dropping malformed BLE frame", "gateway", s.gatewayID, "error", err)
		return
	}
	mac := normalizeMAC(f.MAC)

	switch strings.ToLower(f.Type) {
	case "adv":
		a.handleAdvertisement(ctx, s, mac, &f)
	case "ack":
		if err := a.recordAck(ctx, f.CommandID, message); err != nil {
			a.log.Warn("Record ack failed", "gateway", s.gatewayID, "mac", mac, "error", err)
		}
	default:
		a.log.Debug("Ignoring BLE frame", "gateway", s.gatewayID, "type", f.Type)
	}
}

func (a *BLEAdapter) handleAdvertisement(ctx context.Context, s *bleSession, mac string, f *bleFrame) {
	if mac == "" {
		a.log.Warn("Dropping BLE advertisement without mac", "gateway", s.gatewayID)
		return
	}
	device, err := a.deviceForTag(ctx, s, mac)
	if err != nil {
		a.log.Warn("Dropping BLE advertisement", "gateway", s.gatewayID, "mac", mac, "error", err)
		return
	}

	a.mu.Lock()
	a.routes[device.ID] = s
	a.mu.Unlock()

	mc := MessageContext{
		Identity:   mac,
		Port:       f.Port,
		Source:     map[string]string{"gateway": s.gatewayID, "mac": mac},
		ReceivedAt: time.Now(),
	}
	if f.RSSI != nil {
		mc.Extra = map[string]interface{}{models.FieldSignalStrength: *f.RSSI}
	}

	var t *models.Telemetry
	if obj, ok := jsonObject(f.Data); ok {
		t = a.deps.Canon.FromStructured(device, a.protocol, f.Data, obj, mc)
	} else {
		raw, err := frameBytes(f.Data)
		if err != nil {
			a.log.Warn("Dropping BLE advertisement", "gateway", s.gatewayID, "mac", mac, "error", err)
			return
		}
		t = a.deps.Canon.build(device, a.protocol, raw, raw, mc)
	}
	a.deliver(ctx, t)
}

// deviceForTag 先查会话缓存，再查设备档案
func (a *BLEAdapter) deviceForTag(ctx context.Context, s *bleSession, mac string) (*models.Device, error) {
	if id, ok := s.lookup(mac); ok && a.deps.Devices != nil {
		if device, err := a.deps.Devices.GetDevice(ctx, id); err == nil && device.Enabled {
			return device, nil
		}
	}
	device, err := a.resolve(ctx, mac)
	if err != nil {
		return nil, err
	}
	s.remember(mac, device.ID)
	return device, nil
}

// SendCommand 通过最近中继该设备的网关下发
func (a *BLEAdapter) SendCommand(ctx context.Context, device *models.Device, dl *models.Downlink) error {
	a.mu.Lock()
	s, ok := a.routes[device.ID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no gateway has relayed device %s", ErrNotConnected, device.ID)
	}

	f := bleFrame{
		Type:      "downlink",
		MAC:       normalizeMAC(device.Key),
		CommandID: dl.CommandID,
		Command:   dl.CommandType,
		Params:    dl.Params,
		FPort:     dl.FPort,
	}
	if dl.Binary {
		data, _ := json.Marshal(base64.StdEncoding.EncodeToString(dl.Payload))
		f.Data = data
	}
	msg, err := json.Marshal(f)
	if err != nil {
		return err
	}

	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return fmt.Errorf("%w: gateway %s session closed", ErrNotConnected, s.gatewayID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Gateways 当前在线网关
func (a *BLEAdapter) Gateways() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.sessions))
	for s := range a.sessions {
		out = append(out, s.gatewayID)
	}
	return out
}

func normalizeMAC(mac string) string {
	mac = strings.ToUpper(strings.TrimSpace(mac))
	return strings.ReplaceAll(mac, "-", ":")
}

// frameBytes data 字段可以是 hex 或 base64 字符串
func frameBytes(data json.RawMessage) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty data")
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unsupported data field: %w", err)
	}
	s = strings.TrimSpace(s)
	if len(s)%2 == 0 {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.New("data is neither hex nor base64")
	}
	return b, nil
}
