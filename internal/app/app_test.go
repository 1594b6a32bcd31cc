package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonglijing/xunjiHub/internal/adapter"
	"github.com/gonglijing/xunjiHub/internal/config"
	"github.com/gonglijing/xunjiHub/internal/models"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type testHub struct {
	app    *App
	api    http.Handler
	device http.Handler
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := config.DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "hub.db")
	cfg.Redis.Addr = mr.Addr()
	cfg.MQTT.Enabled = false
	cfg.HTTP.Enabled = true
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Dispatcher.AckPollInterval = 20 * time.Millisecond
	cfg.Devices = []models.Device{
		{ID: "dev-1", Key: "k1", Name: "cold room", Protocol: models.ProtocolHTTP, SupportsAck: true, Enabled: true},
		{ID: "dev-2", Key: "k2", Name: "dock door", Protocol: models.ProtocolHTTP, Enabled: true},
	}
	cfg.Alarms = []models.Alarm{{
		ID:        "al-1",
		DeviceID:  "dev-1",
		Name:      "cold room too warm",
		Severity:  "major",
		Enabled:   true,
		AutoClear: true,
		Rule:      models.AlarmRule{TelemetryKey: models.FieldTemperature, Condition: models.ConditionGT, Value: 30},
	}}

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ad, ok := a.adapters.Get(models.ProtocolHTTP)
	require.True(t, ok)
	return &testHub{app: a, api: a.api.Handler, device: ad.(*adapter.HTTPAdapter).Handler()}
}

func call(t *testing.T, h http.Handler, method, path, body string) (int, envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var env envelope
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	}
	return rr.Code, env
}

func (h *testHub) command(t *testing.T, id string) models.Command {
	t.Helper()
	code, env := call(t, h.api, http.MethodGet, "/api/commands/"+id, "")
	require.Equal(t, http.StatusOK, code)
	var cmd models.Command
	require.NoError(t, json.Unmarshal(env.Data, &cmd))
	return cmd
}

func (h *testHub) submit(t *testing.T, body string) (string, models.CommandStatus) {
	t.Helper()
	code, env := call(t, h.api, http.MethodPost, "/api/commands", body)
	require.Equal(t, http.StatusAccepted, code)
	var out struct {
		ID     string               `json:"id"`
		Status models.CommandStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out.ID, out.Status
}

func TestHub_TelemetryRaisesAlarm(t *testing.T) {
	hub := newTestHub(t)

	code, _ := call(t, hub.device, http.MethodPost, "/devices/k1/telemetry", `{"temperature":35.5}`)
	require.Equal(t, http.StatusAccepted, code)

	code, env := call(t, hub.api, http.MethodGet, "/api/alarms/al-1", "")
	require.Equal(t, http.StatusOK, code)
	var alarm models.Alarm
	require.NoError(t, json.Unmarshal(env.Data, &alarm))
	assert.Equal(t, models.AlarmActive, alarm.Status)
	require.NotNil(t, alarm.LastValue)
	assert.InDelta(t, 35.5, *alarm.LastValue, 1e-9)

	code, env = call(t, hub.api, http.MethodGet, "/api/devices/dev-1/telemetry", "")
	require.Equal(t, http.StatusOK, code)
	var recent []models.Telemetry
	require.NoError(t, json.Unmarshal(env.Data, &recent))
	require.Len(t, recent, 1)
	assert.Equal(t, 35.5, recent[0].Fields[models.FieldTemperature])

	stats := hub.app.Stats()
	assert.EqualValues(t, 1, stats["telemetry_received"])
	assert.EqualValues(t, 1, stats["alarm_events"])

	// 恢复正常值自动清除
	call(t, hub.device, http.MethodPost, "/devices/k1/telemetry", `{"temperature":21}`)
	_, env = call(t, hub.api, http.MethodGet, "/api/alarms/al-1", "")
	require.NoError(t, json.Unmarshal(env.Data, &alarm))
	assert.Equal(t, models.AlarmCleared, alarm.Status)
}

func TestHub_CommandRoundTripWithAck(t *testing.T) {
	hub := newTestHub(t)

	call(t, hub.device, http.MethodPost, "/devices/k1/telemetry", `{"temperature":4}`)

	id, status := hub.submit(t, `{"device_id":"dev-1","type":"set_interval","params":{"seconds":60}}`)
	assert.Equal(t, models.CommandDelivered, status)

	code, env := call(t, hub.device, http.MethodGet, "/devices/k1/commands", "")
	require.Equal(t, http.StatusOK, code)
	var downlinks []struct {
		CommandID string          `json:"command_id"`
		Type      string          `json:"type"`
		Params    json.RawMessage `json:"params"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &downlinks))
	require.Len(t, downlinks, 1)
	assert.Equal(t, id, downlinks[0].CommandID)
	assert.JSONEq(t, `{"seconds":60}`, string(downlinks[0].Params))

	code, _ = call(t, hub.device, http.MethodPost, "/devices/k1/commands/"+id+"/ack", `{"ok":true}`)
	require.Equal(t, http.StatusAccepted, code)

	require.Eventually(t, func() bool {
		return hub.command(t, id).Status == models.CommandCompleted
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHub_OfflineBacklogDrainsWhenDeviceReturns(t *testing.T) {
	hub := newTestHub(t)

	id, status := hub.submit(t, `{"device_id":"dev-2","type":"unlock"}`)
	assert.Equal(t, models.CommandQueued, status)

	code, _ := hub.cancelled(t, "missing")
	assert.Equal(t, http.StatusNotFound, code)

	call(t, hub.device, http.MethodPost, "/devices/k2/telemetry", `{"batteryLevel":80}`)

	require.Eventually(t, func() bool {
		return hub.command(t, id).Status == models.CommandDelivered
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{models.ProtocolHTTP}, hub.app.adapters.Protocols())
}

func (h *testHub) cancelled(t *testing.T, id string) (int, envelope) {
	return call(t, h.api, http.MethodDelete, "/api/commands/"+id, "")
}

func TestHub_Readiness(t *testing.T) {
	hub := newTestHub(t)

	code, env := call(t, hub.api, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, code)
	var checks map[string]struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &checks))
	assert.Equal(t, "pass", checks["store"].Status)
	assert.Equal(t, "pass", checks["redis"].Status)
	_, hasMQTT := checks["mqtt"]
	assert.False(t, hasMQTT)
}

func TestNew_RejectsBadGatewayKey(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "hub.db")
	cfg.Redis.Addr = mr.Addr()
	cfg.MQTT.Enabled = false
	cfg.HTTP.Enabled = false
	cfg.BLE.Enabled = true
	cfg.BLE.Gateways = []config.BLEGatewayConfig{{DeviceID: "gw-1", Key: strings.Repeat("x", 100)}}

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}
