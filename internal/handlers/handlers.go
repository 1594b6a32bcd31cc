package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/gonglijing/xunjiHub/internal/command"
	"github.com/gonglijing/xunjiHub/internal/models"
)

// CommandService 命令分发
type CommandService interface {
	Submit(ctx context.Context, req command.SubmitRequest) (string, models.CommandStatus, error)
	Get(ctx context.Context, id string) (*models.Command, error)
	Cancel(ctx context.Context, id string) error
}

// AlarmService 报警生命周期
type AlarmService interface {
	Get(ctx context.Context, id string) (*models.Alarm, error)
	Acknowledge(ctx context.Context, id, by string) (*models.Alarm, error)
	Resolve(ctx context.Context, id, note string) (*models.Alarm, error)
	Clear(ctx context.Context, id string) (*models.Alarm, error)
}

// Records 只读查询
type Records interface {
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	ListDevices(ctx context.Context, protocol string) ([]*models.Device, error)
	RecentTelemetry(ctx context.Context, deviceID string, limit int) ([]*models.Telemetry, error)
	ListDeviceCommands(ctx context.Context, deviceID string, limit int) ([]*models.Command, error)
	ListAlarms(ctx context.Context) ([]*models.Alarm, error)
	ListAlarmsByDevice(ctx context.Context, deviceID string) ([]*models.Alarm, error)
}

// HealthCheck 单项依赖检查
type HealthCheck func(ctx context.Context) error

// Options 运维 API 依赖
type Options struct {
	Commands       CommandService
	Alarms         AlarmService
	Records        Records
	Checks         map[string]HealthCheck
	Stats          func() map[string]interface{}
	AllowedOrigins []string
	// RateLimit 每分钟每个来源的请求数，0 表示不限流
	RateLimit int
}

// Handler 运维 API 处理器
type Handler struct {
	commands CommandService
	alarms   AlarmService
	records  Records
	checks   map[string]HealthCheck
	stats    func() map[string]interface{}
	timer    *RequestTimer
	limiter  *RateLimiter
	origins  []string
}

// NewHandler 创建处理器
func NewHandler(opts Options) *Handler {
	return &Handler{
		commands: opts.Commands,
		alarms:   opts.Alarms,
		records:  opts.Records,
		checks:   opts.Checks,
		stats:    opts.Stats,
		timer:    NewRequestTimer(1000, time.Second),
		limiter:  NewRateLimiter(opts.RateLimit, opts.RateLimit > 0),
		origins:  opts.AllowedOrigins,
	}
}

// Router 构建路由并加上中间件
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", Liveness).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.Readiness).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(h.limiter), TimerMiddleware(h.timer), GzipMiddleware)
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api.HandleFunc("/commands", h.SubmitCommand).Methods(http.MethodPost)
	api.HandleFunc("/commands/{id}", h.GetCommand).Methods(http.MethodGet)
	api.HandleFunc("/commands/{id}", h.CancelCommand).Methods(http.MethodDelete)

	api.HandleFunc("/devices", h.ListDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}", h.GetDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/telemetry", h.DeviceTelemetry).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/commands", h.DeviceCommands).Methods(http.MethodGet)

	api.HandleFunc("/alarms", h.ListAlarms).Methods(http.MethodGet)
	api.HandleFunc("/alarms/{id}", h.GetAlarm).Methods(http.MethodGet)
	api.HandleFunc("/alarms/{id}/acknowledge", h.AcknowledgeAlarm).Methods(http.MethodPost)
	api.HandleFunc("/alarms/{id}/resolve", h.ResolveAlarm).Methods(http.MethodPost)
	api.HandleFunc("/alarms/{id}/clear", h.ClearAlarm).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteNotFound(w, "route not found")
	})
	return Wrap("api", r, h.origins)
}

func pathID(r *http.Request) string {
	return mux.Vars(r)["id"]
}
