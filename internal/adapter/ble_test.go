package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonglijing/xunjiHub/internal/models"
	"github.com/gonglijing/xunjiHub/internal/pwdutil"
)

func newTestBLE(t *testing.T, devices ...*models.Device) (*BLEAdapter, *httptest.Server, *captureSink, *captureAcks) {
	t.Helper()
	hash, err := pwdutil.Hash("gw-secret")
	require.NoError(t, err)
	deps, sink, acks := testDeps(devices...)
	a := NewBLEAdapter(BLEConfig{Gateways: []BLEGateway{{DeviceID: "gw-1", KeyHash: hash}}}, deps)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		a.Stop()
		srv.Close()
	})
	return a, srv, sink, acks
}

func dialGateway(t *testing.T, srv *httptest.Server, key string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ble/ws"
	header := http.Header{}
	if key != "" {
		header.Set(GatewayKeyHeader, key)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func waitTelemetry(t *testing.T, sink *captureSink) *models.Telemetry {
	t.Helper()
	select {
	case tel := <-sink.ch:
		return tel
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for telemetry")
		return nil
	}
}

// ===== BLE 网关适配器单元测试 =====

func TestBLEAdapter_RejectsBadKey(t *testing.T) {
	_, srv, _, _ := newTestBLE(t)

	_, resp, err := dialGateway(t, srv, "wrong")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dialGateway(t, srv, "")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBLEAdapter_AdvertisementAndDownlinkRouting(t *testing.T) {
	tag := &models.Device{ID: "tag-1", Key: "AA:BB:CC:DD:EE:01", Protocol: models.ProtocolBLE, Enabled: true}
	a, srv, sink, acks := newTestBLE(t, tag)

	conn, _, err := dialGateway(t, srv, "gw-secret")
	require.NoError(t, err)
	defer conn.Close()

	// 设备尚未被任何网关中继，无法下发
	err = a.SendCommand(context.Background(), tag, &models.Downlink{CommandID: "c0"})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "adv",
		"mac":  "aa-bb-cc-dd-ee-01",
		"rssi": -61,
		"data": map[string]interface{}{"temp": 22.5, "batt": 90},
	}))
	tel := waitTelemetry(t, sink)
	assert.Equal(t, "tag-1", tel.DeviceID)
	assert.Equal(t, 22.5, tel.Fields[models.FieldTemperature])
	assert.Equal(t, 90.0, tel.Fields[models.FieldBatteryLevel])
	assert.Equal(t, -61.0, tel.Fields[models.FieldSignalStrength])
	assert.Equal(t, "gw-1", tel.Source["gateway"])
	assert.Equal(t, []string{"gw-1"}, a.Gateways())

	dl := &models.Downlink{CommandID: "c1", CommandType: "buzzer", Payload: []byte{0x01}, Binary: true}
	require.NoError(t, a.SendCommand(context.Background(), tag, dl))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var f bleFrame
	require.NoError(t, json.Unmarshal(msg, &f))
	assert.Equal(t, "downlink", f.Type)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", f.MAC)
	assert.Equal(t, "c1", f.CommandID)
	var data string
	require.NoError(t, json.Unmarshal(f.Data, &data))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x01}), data)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ack", "mac": tag.Key, "command_id": "c1"}))
	select {
	case id := <-acks.ch:
		assert.Equal(t, "c1", id)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for ack")
	}
}

func TestBLEAdapter_BinaryAdvertisementAndBadFrames(t *testing.T) {
	tag := &models.Device{ID: "tag-2", Key: "AA:BB:CC:DD:EE:02", Protocol: models.ProtocolBLE, CodecID: "milesight-em300", Enabled: true}
	_, srv, sink, _ := newTestBLE(t, tag)

	conn, _, err := dialGateway(t, srv, "gw-secret")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "adv", "mac": "11:22:33:44:55:66", "data": "00"}))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "adv", "mac": tag.Key, "data": "03671301"}))

	tel := waitTelemetry(t, sink)
	assert.Equal(t, "tag-2", tel.DeviceID)
	assert.Equal(t, 27.5, tel.Fields[models.FieldTemperature])
	assert.Len(t, sink.all(), 1)
}

func TestFrameBytes(t *testing.T) {
	b, err := frameBytes(json.RawMessage(`"0a0b"`))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0x0b}, b)

	b, err = frameBytes(json.RawMessage(`"AQID"`))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	_, err = frameBytes(nil)
	assert.Error(t, err)
	_, err = frameBytes(json.RawMessage(`12`))
	assert.Error(t, err)
}
