package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonglijing/xunjiHub/internal/models"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *doneToken) Error() error { return t.err }

type published struct {
	topic   string
	payload []byte
}

// fakeMQTTClient 只实现适配器用到的方法
type fakeMQTTClient struct {
	mqtt.Client
	mu        sync.Mutex
	connected bool
	err       error
	msgs      []published
}

func (c *fakeMQTTClient) IsConnected() bool { return c.connected }

func (c *fakeMQTTClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic: topic, payload: payload.([]byte)})
	return &doneToken{err: c.err}
}

func newTestMQTT(t *testing.T, cfg MQTTConfig, devices ...*models.Device) (*MQTTAdapter, *fakeMQTTClient, *captureSink, *captureAcks) {
	t.Helper()
	deps, sink, acks := testDeps(devices...)
	a := NewMQTTAdapter(cfg, deps)
	client := &fakeMQTTClient{connected: true}
	a.client = client
	a.enabled = true
	a.connected = true
	return a, client, sink, acks
}

// ===== MQTT 适配器单元测试 =====

func TestMQTTAdapter_Topics(t *testing.T) {
	a := NewMQTTAdapter(MQTTConfig{Broker: "localhost:1883", TopicPrefix: "/site1/"}, Deps{})
	assert.Equal(t, "tcp://localhost:1883", a.broker)
	assert.Equal(t, "site1/+/up", a.UplinkTopic())
	assert.Equal(t, "site1/+/ack", a.AckTopic())
	assert.Equal(t, "site1/em300-1/down", a.DownlinkTopic("em300-1"))

	def := NewMQTTAdapter(MQTTConfig{}, Deps{})
	assert.Equal(t, "devices/+/up", def.UplinkTopic())
	assert.Equal(t, byte(2), clampQOS(7))
	assert.Equal(t, "ssl://b:8883", normalizeBroker(" ssl://b:8883 "))
}

func TestMQTTAdapter_UplinkDecodedWithCodec(t *testing.T) {
	dev := &models.Device{ID: "dev-1", Key: "em300-1", Protocol: models.ProtocolMQTT, CodecID: "milesight-em300", Enabled: true}
	a, _, sink, _ := newTestMQTT(t, MQTTConfig{TopicPrefix: "devices"}, dev)

	a.handleMessage(context.Background(), "devices/em300-1/up", []byte{0x03, 0x67, 0x13, 0x01})

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "dev-1", got[0].DeviceID)
	assert.Equal(t, models.ProtocolMQTT, got[0].Protocol)
	assert.Equal(t, 27.5, got[0].Fields[models.FieldTemperature])
	assert.Equal(t, "devices/em300-1/up", got[0].Source["topic"])
}

func TestMQTTAdapter_DropsUnknownAndDisabled(t *testing.T) {
	disabled := &models.Device{ID: "dev-2", Key: "off", Protocol: models.ProtocolMQTT}
	a, _, sink, _ := newTestMQTT(t, MQTTConfig{}, disabled)

	a.handleMessage(context.Background(), "devices/nobody/up", []byte(`{"temperature":1}`))
	a.handleMessage(context.Background(), "devices/off/up", []byte(`{"temperature":1}`))
	a.handleMessage(context.Background(), "devices/off/extra/up", []byte(`{}`))
	a.handleMessage(context.Background(), "other/off/up", []byte(`{}`))

	assert.Empty(t, sink.all())
}

func TestMQTTAdapter_AckRouting(t *testing.T) {
	dev := &models.Device{ID: "dev-1", Key: "k1", Protocol: models.ProtocolMQTT, Enabled: true}
	a, _, _, acks := newTestMQTT(t, MQTTConfig{}, dev)

	a.handleMessage(context.Background(), "devices/k1/ack", []byte(`{"command_id":"cmd-9","result":"ok"}`))
	a.handleMessage(context.Background(), "devices/k1/ack", []byte(`not json`))
	a.handleMessage(context.Background(), "devices/k1/ack", []byte(`{}`))

	assert.Equal(t, []string{"cmd-9"}, acks.recorded())
}

func TestMQTTAdapter_SendCommandJSON(t *testing.T) {
	dev := &models.Device{ID: "dev-1", Key: "k1", Protocol: models.ProtocolMQTT, Enabled: true}
	a, client, _, _ := newTestMQTT(t, MQTTConfig{}, dev)

	dl := &models.Downlink{CommandID: "c1", CommandType: "switch", Params: json.RawMessage(`{"on":true}`)}
	require.NoError(t, a.SendCommand(context.Background(), dev, dl))

	require.Len(t, client.msgs, 1)
	assert.Equal(t, "devices/k1/down", client.msgs[0].topic)
	assert.JSONEq(t, `{"command_id":"c1","type":"switch","params":{"on":true}}`, string(client.msgs[0].payload))
}

func TestMQTTAdapter_SendCommandBinary(t *testing.T) {
	dev := &models.Device{ID: "dev-1", Key: "k1", Protocol: models.ProtocolMQTT, CodecID: "milesight-em300", Enabled: true}
	dl := &models.Downlink{CommandID: "c1", Payload: []byte{0xFF, 0x03, 0x58, 0x02}, FPort: 85, Binary: true}

	a, client, _, _ := newTestMQTT(t, MQTTConfig{}, dev)
	require.NoError(t, a.SendCommand(context.Background(), dev, dl))
	var lns lnsDownlink
	require.NoError(t, json.Unmarshal(client.msgs[0].payload, &lns))
	assert.Equal(t, "c1", lns.CommandID)
	assert.Equal(t, 85, lns.FPort)
	raw, err := base64.StdEncoding.DecodeString(lns.Data)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0x03, 0x58, 0x02}, raw)

	rawAdapter, rawClient, _, _ := newTestMQTT(t, MQTTConfig{RawDownlink: true}, dev)
	require.NoError(t, rawAdapter.SendCommand(context.Background(), dev, dl))
	assert.Equal(t, []byte{0xFF, 0x03, 0x58, 0x02}, rawClient.msgs[0].payload)
}

func TestMQTTAdapter_SendCommandFailures(t *testing.T) {
	dev := &models.Device{ID: "dev-1", Key: "k1", Protocol: models.ProtocolMQTT, Enabled: true}
	dl := &models.Downlink{CommandID: "c1", CommandType: "reboot"}

	a, client, _, _ := newTestMQTT(t, MQTTConfig{}, dev)
	client.connected = false
	assert.ErrorIs(t, a.SendCommand(context.Background(), dev, dl), ErrNotConnected)

	b, failing, _, _ := newTestMQTT(t, MQTTConfig{}, dev)
	failing.err = errors.New("broker rejected")
	assert.EqualError(t, b.SendCommand(context.Background(), dev, dl), "broker rejected")
	assert.False(t, b.connected)
}

func TestMQTTAdapter_StopWithoutStart(t *testing.T) {
	a := NewMQTTAdapter(MQTTConfig{Broker: "localhost"}, Deps{})
	assert.NotPanics(t, a.Stop)
	assert.Error(t, NewMQTTAdapter(MQTTConfig{}, Deps{}).Start(context.Background()))
}
