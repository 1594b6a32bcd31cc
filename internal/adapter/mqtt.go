package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/gonglijing/xunjiHub/internal/models"
)

// MQTTConfig MQTT 接入配置
type MQTTConfig struct {
	Broker            string
	ClientID          string
	Username          string
	Password          string
	TopicPrefix       string
	QOS               int
	CleanSession      bool
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration
	// RawDownlink 为 true 时二进制下行直接发字节，否则包装成 LNS 风格 JSON
	RawDownlink bool
}

// MQTTAdapter 消息总线适配器
// 上行：{prefix}/{key}/up，回执：{prefix}/{key}/ack，下行：{prefix}/{key}/down
type MQTTAdapter struct {
	base
	config  MQTTConfig
	broker  string
	prefix  string
	qos     byte
	timeout time.Duration

	client mqtt.Client

	// 消息处理使用的上下文，Stop 时取消
	msgCtx    context.Context
	msgCancel context.CancelFunc

	stopChan     chan struct{}
	reconnectNow chan struct{}
	wg           sync.WaitGroup

	mu                sync.RWMutex
	enabled           bool
	connected         bool
	reconnectInterval time.Duration
}

// NewMQTTAdapter 创建 MQTT 适配器
func NewMQTTAdapter(cfg MQTTConfig, deps Deps) *MQTTAdapter {
	a := &MQTTAdapter{
		base:              newBase(models.ProtocolMQTT, deps),
		config:            cfg,
		broker:            normalizeBroker(cfg.Broker),
		prefix:            strings.Trim(strings.TrimSpace(cfg.TopicPrefix), "/"),
		qos:               clampQOS(cfg.QOS),
		timeout:           cfg.ConnectTimeout,
		reconnectInterval: cfg.ReconnectInterval,
	}
	if a.prefix == "" {
		a.prefix = "devices"
	}
	if a.timeout <= 0 {
		a.timeout = 10 * time.Second
	}
	if a.reconnectInterval <= 0 {
		a.reconnectInterval = 5 * time.Second
	}
	if a.config.ClientID == "" {
		a.config.ClientID = fmt.Sprintf("xunjihub-%d", time.Now().UnixNano())
	}
	return a
}

// Start 连接 broker 并启动重连循环；首次连接失败不算启动失败
func (a *MQTTAdapter) Start(ctx context.Context) error {
	if a.broker == "" {
		return fmt.Errorf("mqtt broker is required")
	}

	a.mu.Lock()
	if a.enabled {
		a.mu.Unlock()
		return nil
	}
	a.enabled = true
	a.stopChan = make(chan struct{})
	a.reconnectNow = make(chan struct{}, 1)
	a.msgCtx, a.msgCancel = context.WithCancel(context.WithoutCancel(ctx))
	a.mu.Unlock()

	client, err := a.connectMQTT()
	if err != nil {
		a.log.Warn("MQTT initial connect failed, will retry", "broker", a.broker, "error", err)
	} else {
		a.mu.Lock()
		a.client = client
		a.connected = true
		a.mu.Unlock()
	}

	a.wg.Add(1)
	go a.runLoop()
	if err != nil {
		a.signalReconnect()
	}
	a.log.Info("MQTT adapter started", "broker", a.broker, "prefix", a.prefix)
	return nil
}

// Stop 停止重连循环并断开
func (a *MQTTAdapter) Stop() {
	a.mu.Lock()
	if !a.enabled {
		a.mu.Unlock()
		return
	}
	a.enabled = false
	close(a.stopChan)
	cancel := a.msgCancel
	a.mu.Unlock()

	a.wg.Wait()
	if cancel != nil {
		cancel()
	}

	a.mu.Lock()
	client := a.client
	a.client = nil
	a.connected = false
	a.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	a.log.Info("MQTT adapter stopped")
}

// IsConnected 检查连接状态
func (a *MQTTAdapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected && a.client != nil && a.client.IsConnected()
}

// UplinkTopic 上行订阅主题
func (a *MQTTAdapter) UplinkTopic() string { return a.prefix + "/+/up" }

// AckTopic 回执订阅主题
func (a *MQTTAdapter) AckTopic() string { return a.prefix + "/+/ack" }

// DownlinkTopic 设备下行主题
func (a *MQTTAdapter) DownlinkTopic(key string) string { return a.prefix + "/" + key + "/down" }

// connectMQTT 创建并连接 MQTT 客户端；订阅在 OnConnect 中完成，重连后自动恢复
func (a *MQTTAdapter) connectMQTT() (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(a.broker).
		SetClientID(a.config.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetCleanSession(a.config.CleanSession).
		SetConnectTimeout(a.timeout)

	if a.config.Username != "" {
		opts.SetUsername(a.config.Username)
	}
	if a.config.Password != "" {
		opts.SetPassword(a.config.Password)
	}
	if a.config.KeepAlive > 0 {
		opts.SetKeepAlive(a.config.KeepAlive)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		if err != nil {
			a.log.Warn("MQTT connection lost", "error", err)
		}
		a.markDisconnected()
	}
	opts.OnConnect = func(c mqtt.Client) {
		a.log.Info("MQTT connected", "broker", a.broker)
		a.mu.Lock()
		a.connected = true
		a.mu.Unlock()
		go a.subscribe(c)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(a.timeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return client, nil
}

func (a *MQTTAdapter) subscribe(c mqtt.Client) {
	filters := map[string]byte{
		a.UplinkTopic(): a.qos,
		a.AckTopic():    a.qos,
	}
	token := c.SubscribeMultiple(filters, a.onMessage)
	if !token.WaitTimeout(a.timeout) {
		a.log.Warn("MQTT subscribe timeout")
		return
	}
	if err := token.Error(); err != nil {
		a.log.Error("MQTT subscribe failed", err)
		return
	}
	a.log.Info("MQTT subscribed", "uplink", a.UplinkTopic(), "ack", a.AckTopic())
}

func (a *MQTTAdapter) onMessage(_ mqtt.Client, msg mqtt.Message) {
	a.mu.RLock()
	ctx := a.msgCtx
	a.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	a.handleMessage(ctx, msg.Topic(), msg.Payload())
}

// handleMessage 按主题分派上行或回执
func (a *MQTTAdapter) handleMessage(ctx context.Context, topic string, payload []byte) {
	key, kind, ok := a.splitTopic(topic)
	if !ok {
		a.log.Debug("Ignoring message on unexpected topic", "topic", topic)
		return
	}
	switch kind {
	case "up":
		a.handleUplink(ctx, payload, MessageContext{
			Identity:   key,
			Source:     map[string]string{"topic": topic},
			ReceivedAt: time.Now(),
		})
	case "ack":
		a.handleAck(ctx, key, payload)
	}
}

func (a *MQTTAdapter) handleAck(ctx context.Context, key string, payload []byte) {
	var body struct {
		CommandID string `json:"command_id"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		a.log.Warn("Dropping malformed ack", "key", key, "error", err)
		return
	}
	if err := a.recordAck(ctx, body.CommandID, payload); err != nil {
		a.log.Warn("Record ack failed", "key", key, "command_id", body.CommandID, "error", err)
	}
}

func (a *MQTTAdapter) splitTopic(topic string) (key, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, a.prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	if parts[1] != "up" && parts[1] != "ack" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// SendCommand 发布下行
func (a *MQTTAdapter) SendCommand(ctx context.Context, device *models.Device, dl *models.Downlink) error {
	body, err := a.encodeDownlink(dl)
	if err != nil {
		return err
	}
	return a.PublishTopic(ctx, a.DownlinkTopic(device.Key), body)
}

type lnsDownlink struct {
	CommandID string `json:"command_id"`
	Data      string `json:"data"`
	FPort     int    `json:"fPort,omitempty"`
	Confirmed bool   `json:"confirmed"`
}

func (a *MQTTAdapter) encodeDownlink(dl *models.Downlink) ([]byte, error) {
	if !dl.Binary {
		return json.Marshal(dl)
	}
	if a.config.RawDownlink {
		return dl.Payload, nil
	}
	return json.Marshal(lnsDownlink{
		CommandID: dl.CommandID,
		Data:      base64.StdEncoding.EncodeToString(dl.Payload),
		FPort:     dl.FPort,
		Confirmed: dl.Confirmed,
	})
}

// PublishTopic 发布任意主题（报警事件出口复用此连接）
func (a *MQTTAdapter) PublishTopic(ctx context.Context, topic string, payload []byte) error {
	a.mu.RLock()
	client := a.client
	enabled := a.enabled
	a.mu.RUnlock()

	if !enabled || client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	token := client.Publish(topic, a.qos, false, payload)
	wait := a.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
	}
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return fmt.Errorf("mqtt publish timeout")
	}
	if err := token.Error(); err != nil {
		a.markDisconnected()
		return err
	}
	return nil
}

func (a *MQTTAdapter) signalReconnect() {
	a.mu.RLock()
	reconnectNow := a.reconnectNow
	a.mu.RUnlock()
	if reconnectNow == nil {
		return
	}
	select {
	case reconnectNow <- struct{}{}:
	default:
	}
}

func (a *MQTTAdapter) markDisconnected() {
	a.mu.Lock()
	a.connected = false
	enabled := a.enabled
	a.mu.Unlock()
	if enabled {
		a.signalReconnect()
	}
}

func (a *MQTTAdapter) reconnectOnce() error {
	a.log.Info("MQTT attempting to reconnect", "broker", a.broker)
	client, err := a.connectMQTT()
	if err != nil {
		return err
	}

	a.mu.Lock()
	old := a.client
	a.client = client
	a.connected = true
	a.mu.Unlock()

	if old != nil && old != client {
		old.Disconnect(250)
	}
	a.log.Info("MQTT reconnected successfully")
	return nil
}

func (a *MQTTAdapter) shouldReconnect() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.enabled {
		return false
	}
	// 开启自动重连时 paho 重连期间 IsConnected 仍为 true，此时交给 paho
	return a.client == nil || !a.client.IsConnected()
}

// runLoop 固定间隔重连循环
func (a *MQTTAdapter) runLoop() {
	defer a.wg.Done()

	a.mu.RLock()
	stopChan := a.stopChan
	reconnectNow := a.reconnectNow
	interval := a.reconnectInterval
	a.mu.RUnlock()

	var reconnectTimer *time.Timer
	var reconnectTimerCh <-chan time.Time

	scheduleReconnect := func(delay time.Duration) {
		if reconnectTimer == nil {
			reconnectTimer = time.NewTimer(delay)
			reconnectTimerCh = reconnectTimer.C
			return
		}
		if !reconnectTimer.Stop() {
			select {
			case <-reconnectTimer.C:
			default:
			}
		}
		reconnectTimer.Reset(delay)
		reconnectTimerCh = reconnectTimer.C
	}

	stopReconnect := func() {
		if reconnectTimer != nil && !reconnectTimer.Stop() {
			select {
			case <-reconnectTimer.C:
			default:
			}
		}
		reconnectTimerCh = nil
	}
	defer stopReconnect()

	for {
		select {
		case <-stopChan:
			return
		case <-reconnectNow:
			scheduleReconnect(0)
		case <-reconnectTimerCh:
			if !a.shouldReconnect() {
				stopReconnect()
				continue
			}
			if err := a.reconnectOnce(); err != nil {
				a.log.Warn("MQTT reconnect failed", "error", err, "retry_in", interval.String())
				scheduleReconnect(interval)
				continue
			}
			stopReconnect()
		}
	}
}

func normalizeBroker(broker string) string {
	broker = strings.TrimSpace(broker)
	if broker == "" {
		return ""
	}
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

func clampQOS(qos int) byte {
	if qos < 0 {
		return 0
	}
	if qos > 2 {
		return 2
	}
	return byte(qos)
}
