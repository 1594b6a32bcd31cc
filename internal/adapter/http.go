package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/gonglijing/xunjiHub/internal/handlers"
	"github.com/gonglijing/xunjiHub/internal/models"
)

// HTTPConfig HTTP 设备接入配置
type HTTPConfig struct {
	Listen         string
	QueueSize      int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// HTTPAdapter 请求/响应式适配器：设备主动上报并轮询待下发命令
type HTTPAdapter struct {
	base
	config HTTPConfig
	router *mux.Router

	mu      sync.Mutex
	queues  map[string][]*models.Downlink
	srv     *http.Server
	started bool
}

// NewHTTPAdapter 创建 HTTP 适配器
func NewHTTPAdapter(cfg HTTPConfig, deps Deps) *HTTPAdapter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultDownlinkQueue
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	a := &HTTPAdapter{
		base:   newBase(models.ProtocolHTTP, deps),
		config: cfg,
		queues: make(map[string][]*models.Downlink),
	}
	a.router = mux.NewRouter()
	a.registerRoutes(a.router)
	return a
}

func (a *HTTPAdapter) registerRoutes(r *mux.Router) {
	r.HandleFunc("/devices/{key}/telemetry", a.postTelemetry).Methods(http.MethodPost)
	r.HandleFunc("/devices/{key}/commands", a.pollCommands).Methods(http.MethodGet)
	r.HandleFunc("/devices/{key}/commands/{id}/ack", a.postAck).Methods(http.MethodPost)
}

// Handler 带中间件的处理器
func (a *HTTPAdapter) Handler() http.Handler {
	return handlers.Wrap("adapter.http", a.router, a.config.AllowedOrigins)
}

// Start 监听端口
func (a *HTTPAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	ln, err := net.Listen("tcp", a.config.Listen)
	if err != nil {
		return err
	}
	a.srv = &http.Server{
		Handler:      a.Handler(),
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	a.started = true
	srv := a.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("HTTP adapter server stopped", err)
		}
	}()
	a.log.Info("HTTP adapter listening", "addr", ln.Addr().String())
	return nil
}

// Stop 关闭监听
func (a *HTTPAdapter) Stop() {
	a.mu.Lock()
	srv := a.srv
	a.srv = nil
	a.started = false
	a.mu.Unlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.log.Warn("HTTP adapter shutdown error", "error", err)
	}
}

// SendCommand 放入设备下行队列，等待设备下次轮询取走；队列满时返回 ErrQueueFull
func (a *HTTPAdapter) SendCommand(_ context.Context, device *models.Device, dl *models.Downlink) error {
	a.mu.Lock()
	queue, err := enqueueDownlink(a.queues[device.ID], dl, a.config.QueueSize)
	a.queues[device.ID] = queue
	a.mu.Unlock()
	if err != nil {
		a.log.Warn("Downlink queue full, command rejected", "device_id", device.ID, "command_id", dl.CommandID)
		return fmt.Errorf("device %s: %w", device.ID, err)
	}
	return nil
}

// Pending 设备待取走的下行数
func (a *HTTPAdapter) Pending(deviceID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queues[deviceID])
}

func (a *HTTPAdapter) takeQueue(deviceID string) []*models.Downlink {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := a.queues[deviceID]
	delete(a.queues, deviceID)
	return q
}

func (a *HTTPAdapter) postTelemetry(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	device, err := a.resolve(r.Context(), key)
	if err != nil {
		a.writeResolveError(w, err)
		return
	}

	raw, err := handlers.ReadBody(w, r)
	if err != nil {
		handlers.WriteBadRequest(w, "read body failed")
		return
	}
	if len(raw) == 0 {
		handlers.WriteBadRequest(w, "empty body")
		return
	}

	port := 0
	if p := r.URL.Query().Get("port"); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			handlers.WriteBadRequest(w, "invalid port")
			return
		}
	}

	mc := MessageContext{
		Identity:   key,
		Port:       port,
		Source:     map[string]string{"path": r.URL.Path, "remote": r.RemoteAddr},
		ReceivedAt: time.Now(),
	}
	var t *models.Telemetry
	if isBinaryContent(r.Header.Get("Content-Type")) {
		t = a.deps.Canon.build(device, a.protocol, raw, raw, mc)
	} else {
		var obj map[string]interface{}
		if err := json.Unmarshal(raw, &obj); err != nil {
			handlers.WriteBadRequest(w, "invalid json body")
			return
		}
		t = a.deps.Canon.FromStructured(device, a.protocol, raw, obj, mc)
	}
	a.deliver(r.Context(), t)

	handlers.WriteAccepted(w, map[string]interface{}{
		"device_id": device.ID,
		"decoded":   t.Decoded,
		"codec_id":  t.CodecID,
		"pending":   a.Pending(device.ID),
	})
}

type httpDownlink struct {
	CommandID string          `json:"command_id"`
	Type      string          `json:"type"`
	Params    json.RawMessage `json:"params,omitempty"`
	Data      string          `json:"data,omitempty"`
	FPort     int             `json:"fPort,omitempty"`
	Confirmed bool            `json:"confirmed,omitempty"`
}

func (a *HTTPAdapter) pollCommands(w http.ResponseWriter, r *http.Request) {
	device, err := a.resolve(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		a.writeResolveError(w, err)
		return
	}
	queue := a.takeQueue(device.ID)
	out := make([]httpDownlink, 0, len(queue))
	for _, dl := range queue {
		item := httpDownlink{
			CommandID: dl.CommandID,
			Type:      dl.CommandType,
			Params:    dl.Params,
			FPort:     dl.FPort,
			Confirmed: dl.Confirmed,
		}
		if dl.Binary {
			item.Data = base64.StdEncoding.EncodeToString(dl.Payload)
		}
		out = append(out, item)
	}
	handlers.WriteSuccess(w, out)
}

func (a *HTTPAdapter) postAck(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, err := a.resolve(r.Context(), vars["key"]); err != nil {
		a.writeResolveError(w, err)
		return
	}
	payload, err := handlers.ReadBody(w, r)
	if err != nil {
		handlers.WriteBadRequest(w, "read body failed")
		return
	}
	if err := a.recordAck(r.Context(), vars["id"], payload); err != nil {
		a.log.Warn("Record ack failed", "command_id", vars["id"], "error", err)
		handlers.WriteAppError(w, err)
		return
	}
	handlers.WriteAccepted(w, map[string]string{"command_id": vars["id"]})
}

func (a *HTTPAdapter) writeResolveError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrDeviceDisabled) {
		handlers.WriteError(w, http.StatusForbidden, "device disabled")
		return
	}
	handlers.WriteNotFound(w, "unknown device")
}

func isBinaryContent(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	return strings.HasPrefix(ct, "application/octet-stream")
}
