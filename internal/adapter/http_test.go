package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonglijing/xunjiHub/internal/handlers"
	"github.com/gonglijing/xunjiHub/internal/models"
)

func newTestHTTP(t *testing.T, devices ...*models.Device) (*HTTPAdapter, *captureSink, *captureAcks) {
	t.Helper()
	deps, sink, acks := testDeps(devices...)
	return NewHTTPAdapter(HTTPConfig{QueueSize: 2}, deps), sink, acks
}

func doRequest(h http.Handler, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ===== HTTP 适配器单元测试 =====

func TestHTTPAdapter_PostJSONTelemetry(t *testing.T) {
	dev := &models.Device{ID: "dev-h", Key: "meter-7", Protocol: models.ProtocolHTTP, Enabled: true}
	a, sink, _ := newTestHTTP(t, dev)

	rec := doRequest(a.Handler(), http.MethodPost, "/devices/meter-7/telemetry", "application/json",
		[]byte(`{"readings":{"voltage_v":"230.1","active_power":1200}}`))
	require.Equal(t, http.StatusAccepted, rec.Code)

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "dev-h", got[0].DeviceID)
	assert.Equal(t, 230.1, got[0].Fields[models.FieldVoltage])
	assert.Equal(t, 1200.0, got[0].Fields[models.FieldPower])
	assert.Equal(t, "/devices/meter-7/telemetry", got[0].Source["path"])
}

func TestHTTPAdapter_PostBinaryTelemetryWithPort(t *testing.T) {
	dev := &models.Device{ID: "dev-h", Key: "em", Protocol: models.ProtocolHTTP, Enabled: true}
	a, sink, _ := newTestHTTP(t, dev)

	rec := doRequest(a.Handler(), http.MethodPost, "/devices/em/telemetry?port=85", "application/octet-stream",
		[]byte{0x03, 0x67, 0x13, 0x01})
	require.Equal(t, http.StatusAccepted, rec.Code)

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "milesight-em300", got[0].CodecID)
	assert.Equal(t, 27.5, got[0].Fields[models.FieldTemperature])
}

func TestHTTPAdapter_RejectsBadRequests(t *testing.T) {
	dev := &models.Device{ID: "dev-h", Key: "k", Protocol: models.ProtocolHTTP, Enabled: true}
	off := &models.Device{ID: "dev-off", Key: "off", Protocol: models.ProtocolHTTP}
	a, sink, _ := newTestHTTP(t, dev, off)
	h := a.Handler()

	tests := []struct {
		name   string
		path   string
		ct     string
		body   []byte
		status int
	}{
		{"unknown device", "/devices/ghost/telemetry", "application/json", []byte(`{}`), http.StatusNotFound},
		{"disabled device", "/devices/off/telemetry", "application/json", []byte(`{}`), http.StatusForbidden},
		{"invalid json", "/devices/k/telemetry", "application/json", []byte(`{bad`), http.StatusBadRequest},
		{"empty body", "/devices/k/telemetry", "application/json", nil, http.StatusBadRequest},
		{"invalid port", "/devices/k/telemetry?port=x", "application/octet-stream", []byte{1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(h, http.MethodPost, tt.path, tt.ct, tt.body)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
	assert.Empty(t, sink.all())
}

func TestHTTPAdapter_BoundedQueueRejectsWhenFull(t *testing.T) {
	dev := &models.Device{ID: "dev-h", Key: "k", Protocol: models.ProtocolHTTP, Enabled: true}
	a, _, _ := newTestHTTP(t, dev)
	ctx := context.Background()

	require.NoError(t, a.SendCommand(ctx, dev, &models.Downlink{CommandID: "c1", CommandType: "switch", Params: json.RawMessage(`{"on":false}`)}))
	require.NoError(t, a.SendCommand(ctx, dev, &models.Downlink{CommandID: "c2", Payload: []byte{0xFF, 0x10, 0xFF}, FPort: 85, Binary: true}))
	err := a.SendCommand(ctx, dev, &models.Downlink{CommandID: "c3", CommandType: "reboot"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, a.Pending("dev-h"))

	rec := doRequest(a.Handler(), http.MethodGet, "/devices/k/commands", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		handlers.APIResponse
		Data []httpDownlink `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "c1", resp.Data[0].CommandID)
	assert.Equal(t, "c2", resp.Data[1].CommandID)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0xFF, 0x10, 0xFF}), resp.Data[1].Data)
	assert.Equal(t, 85, resp.Data[1].FPort)

	assert.Equal(t, 0, a.Pending("dev-h"))

	// 取走后队列有空位，被拒绝的命令重试即可入队
	require.NoError(t, a.SendCommand(ctx, dev, &models.Downlink{CommandID: "c3", CommandType: "reboot"}))
	assert.Equal(t, 1, a.Pending("dev-h"))
}

func TestHTTPAdapter_Ack(t *testing.T) {
	dev := &models.Device{ID: "dev-h", Key: "k", Protocol: models.ProtocolHTTP, Enabled: true}
	a, _, acks := newTestHTTP(t, dev)

	rec := doRequest(a.Handler(), http.MethodPost, "/devices/k/commands/cmd-1/ack", "application/json", []byte(`{"ok":true}`))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"cmd-1"}, acks.recorded())

	rec = doRequest(a.Handler(), http.MethodPost, "/devices/ghost/commands/cmd-1/ack", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
