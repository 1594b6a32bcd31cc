package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/gonglijing/xunjiHub/internal/errors"
	"github.com/gonglijing/xunjiHub/internal/models"
)

// ===== 测试替身 =====

type memDevices struct {
	mu      sync.Mutex
	devices map[string]*models.Device
}

func newMemDevices(devices ...*models.Device) *memDevices {
	m := &memDevices{devices: make(map[string]*models.Device)}
	for _, d := range devices {
		m.devices[d.ID] = d
	}
	return m
}

func (m *memDevices) GetDevice(_ context.Context, id string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrDeviceNotFound, "device %s not found", id)
	}
	return d, nil
}

func (m *memDevices) GetDeviceByKey(_ context.Context, protocol, key string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.NormalizedProtocol() == protocol && d.Key == key {
			return d, nil
		}
	}
	return nil, apperrors.Newf(apperrors.ErrDeviceNotFound, "device %s/%s not found", protocol, key)
}

type captureSink struct {
	mu  sync.Mutex
	got []*models.Telemetry
	ch  chan *models.Telemetry
}

func newCaptureSink() *captureSink {
	return &captureSink{ch: make(chan *models.Telemetry, 16)}
}

func (s *captureSink) Ingest(_ context.Context, t *models.Telemetry) error {
	s.mu.Lock()
	s.got = append(s.got, t)
	s.mu.Unlock()
	s.ch <- t
	return nil
}

func (s *captureSink) all() []*models.Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Telemetry(nil), s.got...)
}

type captureAcks struct {
	mu  sync.Mutex
	ids []string
	ch  chan string
}

func newCaptureAcks() *captureAcks {
	return &captureAcks{ch: make(chan string, 16)}
}

func (a *captureAcks) RecordAck(_ context.Context, commandID string, _ []byte) error {
	a.mu.Lock()
	a.ids = append(a.ids, commandID)
	a.mu.Unlock()
	a.ch <- commandID
	return nil
}

func (a *captureAcks) recorded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ids...)
}

func testDeps(devices ...*models.Device) (Deps, *captureSink, *captureAcks) {
	sink := newCaptureSink()
	acks := newCaptureAcks()
	return Deps{
		Devices: newMemDevices(devices...),
		Canon:   NewCanonicalizer(nil),
		Sink:    sink,
		Acks:    acks,
	}, sink, acks
}

type stubAdapter struct {
	protocol string
	started  int
	stopped  int
	startErr error
	order    *[]string
}

func (s *stubAdapter) Protocol() string { return s.protocol }
func (s *stubAdapter) Start(context.Context) error {
	s.started++
	return s.startErr
}
func (s *stubAdapter) Stop() {
	s.stopped++
	if s.order != nil {
		*s.order = append(*s.order, s.protocol)
	}
}
func (s *stubAdapter) Parse(context.Context, []byte, MessageContext) (*models.Telemetry, error) {
	return nil, nil
}
func (s *stubAdapter) SendCommand(context.Context, *models.Device, *models.Downlink) error {
	return nil
}

// ===== 管理器单元测试 =====

func TestManager_RegisterAndLookup(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register(&stubAdapter{protocol: "mqtt"}))
	require.NoError(t, m.Register(&stubAdapter{protocol: "HTTP"}))
	assert.Error(t, m.Register(&stubAdapter{protocol: "mqtt"}))
	assert.Error(t, m.Register(nil))

	a, ok := m.Get("http")
	require.True(t, ok)
	assert.Equal(t, "HTTP", a.Protocol())

	_, ok = m.ForDevice(&models.Device{Protocol: " MQTT "})
	assert.True(t, ok)
	_, ok = m.Get("lorawan")
	assert.False(t, ok)
	assert.Equal(t, []string{"http", "mqtt"}, m.Protocols())
}

func TestManager_StartAllIsolatesFailures(t *testing.T) {
	var stopOrder []string
	bad := &stubAdapter{protocol: "ble", startErr: errors.New("port in use"), order: &stopOrder}
	good := &stubAdapter{protocol: "mqtt", order: &stopOrder}
	m := NewManager()
	require.NoError(t, m.Register(bad))
	require.NoError(t, m.Register(good))

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ble")
	assert.Equal(t, 1, good.started)

	m.StopAll()
	assert.Equal(t, []string{"mqtt", "ble"}, stopOrder)
}

// ===== 规范化单元测试 =====

func TestCanonicalizer_CodecPath(t *testing.T) {
	c := NewCanonicalizer(nil)
	dev := &models.Device{ID: "d1", TenantID: "t1", CodecID: "milesight-em300"}

	tel := c.FromBytes(dev, models.ProtocolMQTT, []byte{0x03, 0x67, 0x13, 0x01}, MessageContext{})
	assert.True(t, tel.Decoded)
	assert.Equal(t, "milesight-em300", tel.CodecID)
	assert.Equal(t, 27.5, tel.Fields[models.FieldTemperature])
	assert.Equal(t, "d1", tel.DeviceID)
	assert.Equal(t, "t1", tel.TenantID)
}

func TestCanonicalizer_RawFallback(t *testing.T) {
	c := NewCanonicalizer(nil)
	tel := c.FromBytes(&models.Device{ID: "d1"}, models.ProtocolMQTT, []byte{0xDE, 0xAD}, MessageContext{})
	assert.False(t, tel.Decoded)
	assert.Equal(t, "dead", tel.Fields[models.FieldRawData])
	assert.Equal(t, false, tel.Fields[models.FieldDecoded])
}

func TestCanonicalizer_StructuredHeuristic(t *testing.T) {
	c := NewCanonicalizer(nil)
	raw := []byte(`{"sensor":{"Temp_C":"21.5","rel_humidity":40},"meta":{"rssi":-70}}`)
	tel := c.FromBytes(&models.Device{ID: "d1"}, models.ProtocolHTTP, raw, MessageContext{Source: map[string]string{"path": "/x"}})

	assert.True(t, tel.Decoded)
	assert.Equal(t, 21.5, tel.Fields[models.FieldTemperature])
	assert.Equal(t, 40.0, tel.Fields[models.FieldHumidity])
	assert.Equal(t, -70.0, tel.Fields[models.FieldSignalStrength])
	assert.Equal(t, "/x", tel.Source["path"])
	assert.Equal(t, raw, tel.RawPayload)
}

func TestCanonicalizer_CanonicalPassThrough(t *testing.T) {
	c := NewCanonicalizer(nil)
	tel := c.FromBytes(&models.Device{ID: "d1"}, models.ProtocolHTTP, []byte(`{"temperature":30,"vendor_blob":"x"}`), MessageContext{})
	assert.Equal(t, 30.0, tel.Fields[models.FieldTemperature])
	assert.Equal(t, "x", tel.Fields["vendor_blob"])
}

func TestCanonicalizer_ExtraFieldsMerged(t *testing.T) {
	c := NewCanonicalizer(nil)
	extra := map[string]interface{}{models.FieldSignalStrength: -61.0}

	tel := c.FromBytes(&models.Device{ID: "d1"}, models.ProtocolBLE, []byte(`{"temperature":22}`), MessageContext{Extra: extra})
	assert.Equal(t, 22.0, tel.Fields[models.FieldTemperature])
	assert.Equal(t, -61.0, tel.Fields[models.FieldSignalStrength])

	tel = c.FromBytes(&models.Device{ID: "d1"}, models.ProtocolBLE, []byte(`{"temperature":22,"signalStrength":-40}`), MessageContext{Extra: extra})
	assert.Equal(t, -40.0, tel.Fields[models.FieldSignalStrength], "decoded value wins")

	tel = c.FromBytes(&models.Device{ID: "d1"}, models.ProtocolBLE, []byte{0xDE, 0xAD}, MessageContext{Extra: extra})
	assert.Equal(t, "dead", tel.Fields[models.FieldRawData])
	assert.Equal(t, -61.0, tel.Fields[models.FieldSignalStrength])
	assert.Len(t, extra, 1)
}

func TestExtractFields(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]interface{}
		want    map[string]interface{}
	}{
		{
			name:    "nested arrays",
			payload: map[string]interface{}{"readings": []interface{}{map[string]interface{}{"temperature_c": 19.0}, map[string]interface{}{"temperature_c": 25.0}}},
			want:    map[string]interface{}{models.FieldTemperature: 19.0},
		},
		{
			name:    "boolean fields",
			payload: map[string]interface{}{"pir_state": "true", "door_open": false, "leak": 1.0},
			want:    map[string]interface{}{models.FieldMotion: true, models.FieldDoor: false, models.FieldWaterLeak: 1.0},
		},
		{
			name:    "power factor before power",
			payload: map[string]interface{}{"power_factor": 0.9, "active_power_w": 120.0, "energy_kwh": "3.5"},
			want:    map[string]interface{}{models.FieldPowerFactor: 0.9, models.FieldPower: 120.0, models.FieldEnergy: 3.5},
		},
		{
			name:    "gps",
			payload: map[string]interface{}{"gps": map[string]interface{}{"lat": 31.2, "lng": 121.5}},
			want:    map[string]interface{}{models.FieldLatitude: 31.2, models.FieldLongitude: 121.5},
		},
		{
			name:    "non numeric ignored",
			payload: map[string]interface{}{"temp": "hot", "name": "x"},
			want:    map[string]interface{}{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractFields(tt.payload))
		})
	}
}

func TestEnqueueDownlink(t *testing.T) {
	mk := func(id string) *models.Downlink { return &models.Downlink{CommandID: id} }
	ids := func(q []*models.Downlink) []string {
		out := make([]string, 0, len(q))
		for _, d := range q {
			out = append(out, d.CommandID)
		}
		return out
	}

	q, err := enqueueDownlink(nil, mk("a"), 2)
	require.NoError(t, err)
	q, err = enqueueDownlink(q, mk("b"), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(q))

	q, err = enqueueDownlink(q, mk("c"), 2)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, []string{"a", "b"}, ids(q))

	// 重发同一命令替换旧条目，不占新位置
	retry := &models.Downlink{CommandID: "a", CommandType: "reboot"}
	q, err = enqueueDownlink(q, retry, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(q))
	assert.Same(t, retry, q[0])
}
