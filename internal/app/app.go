// Package app 组装各组件并管理进程生命周期
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"

	"github.com/gonglijing/xunjiHub/internal/adapter"
	"github.com/gonglijing/xunjiHub/internal/alarm"
	"github.com/gonglijing/xunjiHub/internal/codec"
	"github.com/gonglijing/xunjiHub/internal/command"
	"github.com/gonglijing/xunjiHub/internal/config"
	"github.com/gonglijing/xunjiHub/internal/events"
	"github.com/gonglijing/xunjiHub/internal/graceful"
	"github.com/gonglijing/xunjiHub/internal/ingest"
	"github.com/gonglijing/xunjiHub/internal/logger"
	"github.com/gonglijing/xunjiHub/internal/models"
	"github.com/gonglijing/xunjiHub/internal/state"
	"github.com/gonglijing/xunjiHub/internal/store"
)

// App 进程内全部组件
type App struct {
	cfg *config.Config
	log *logger.StructuredLogger

	store      *store.Store
	redis      *redis.Client
	nats       *nats.Conn
	registry   *codec.Registry
	adapters   *adapter.Manager
	mqtt       *adapter.MQTTAdapter
	engine     *alarm.Engine
	dispatcher *command.Dispatcher
	ingestor   *ingest.Ingestor
	api        *http.Server

	shutdown *graceful.GracefulShutdown
}

// lateSink 适配器先于入口创建，投递时再转给入口
type lateSink struct {
	target adapter.Sink
}

func (s *lateSink) Ingest(ctx context.Context, t *models.Telemetry) error {
	if s.target == nil {
		return errors.New("ingestion pipeline not ready")
	}
	return s.target.Ingest(ctx, t)
}

// failureRelay 分发器先于报警引擎创建
type failureRelay struct {
	target command.FailureNotifier
}

func (f *failureRelay) RaiseCommandFailure(ctx context.Context, cmd *models.Command) {
	if f.target != nil {
		f.target.RaiseCommandFailure(ctx, cmd)
	}
}

// New 按配置组装；失败时已创建的资源会被释放
func New(ctx context.Context, cfg *config.Config) (a *App, err error) {
	a = &App{
		cfg:      cfg,
		log:      logger.Named("app"),
		shutdown: graceful.NewGracefulShutdown(cfg.Server.ShutdownTimeout),
	}
	defer func() {
		if err != nil {
			a.shutdown.Shutdown()
			a = nil
		}
	}()

	a.store, err = store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.shutdown.AddCloser("store", a.store.Close)

	if err = seed(ctx, a.store, cfg); err != nil {
		return nil, err
	}

	a.redis = state.NewRedisClient(state.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	a.shutdown.AddCloser("redis", a.redis.Close)
	if err := state.Ping(ctx, a.redis); err != nil {
		// 启动时 Redis 不可用只告警，就绪检查会反映出来
		a.log.Warn("Redis not reachable at startup", "addr", cfg.Redis.Addr, "error", err)
	}

	reach := state.NewReachability(a.redis, cfg.Redis.KeyPrefix, cfg.Redis.FreshnessWindow)
	backlog := state.NewBacklog(a.redis, cfg.Redis.KeyPrefix)
	acks := state.NewAckStore(a.redis, cfg.Redis.KeyPrefix, cfg.Redis.AckTTL)

	a.registry = codec.Default()
	sink := &lateSink{}
	failures := &failureRelay{}
	a.adapters = adapter.NewManager()

	a.dispatcher = command.NewDispatcher(command.Deps{
		Devices:      a.store,
		Repo:         a.store,
		Reachability: reach,
		Backlog:      backlog,
		Acks:         acks,
		Encoder:      a.registry,
		Senders:      a.senderLookup,
		Failures:     failures,
	}, dispatcherConfig(cfg.Dispatcher))
	a.shutdown.AddCloser("dispatcher", func() error {
		a.dispatcher.Close()
		return nil
	})

	deps := adapter.Deps{
		Devices: a.store,
		Canon:   adapter.NewCanonicalizer(a.registry),
		Sink:    sink,
		Acks:    a.dispatcher,
	}
	if err = a.registerAdapters(cfg, deps); err != nil {
		return nil, err
	}

	publisher, err := a.buildPublisher(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = alarm.NewEngine(a.store, publisher, alarm.Options{RefreshInterval: cfg.Alarm.RefreshInterval})
	failures.target = a.engine

	a.ingestor = ingest.New(a.store, reach, a.engine, a.dispatcher)
	sink.target = a.ingestor

	a.api = a.buildAPIServer(cfg)
	return a, nil
}

func (a *App) senderLookup(protocol string) (command.Sender, bool) {
	ad, ok := a.adapters.Get(protocol)
	if !ok {
		return nil, false
	}
	return ad, true
}

// buildPublisher 报警事件出口：MQTT、NATS 任选其一或同时，都未配置时写日志
func (a *App) buildPublisher(cfg *config.Config) (events.Publisher, error) {
	var fanout events.Fanout
	if a.mqtt != nil {
		fanout = append(fanout, events.NewMQTTPublisher(a.mqtt, cfg.MQTT.EventPrefix))
	}
	if cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(cfg.NATS.URL, cfg.NATS.Name, cfg.NATS.ReconnectWait)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.nats = nc
		a.shutdown.AddCloser("nats", func() error {
			return nc.Drain()
		})
		fanout = append(fanout, events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix))
	}
	switch len(fanout) {
	case 0:
		return events.Log{}, nil
	case 1:
		return fanout[0], nil
	default:
		return fanout, nil
	}
}

// Run 启动全部组件，阻塞直到 ctx 取消、收到退出信号或 API 服务异常退出
func (a *App) Run(ctx context.Context) error {
	if n, err := a.dispatcher.Recover(ctx); err != nil {
		a.log.Warn("Command recovery failed", "error", err)
	} else if n > 0 {
		a.log.Info("Commands recovered", "count", n)
	}

	a.engine.Start()
	a.shutdown.AddCloser("alarm engine", func() error {
		a.engine.Stop()
		return nil
	})

	a.store.StartRetention(a.cfg.Store.RetentionInterval, a.cfg.Store.RetentionDays)
	a.shutdown.AddCloser("retention", func() error {
		a.store.StopRetention()
		return nil
	})

	if err := a.adapters.StartAll(ctx); err != nil {
		a.log.Warn("Some adapters failed to start", "error", err)
	}
	a.shutdown.AddCloser("adapters", func() error {
		a.adapters.StopAll()
		return nil
	})

	a.shutdown.AddHTTPServer("api", a.api)
	a.shutdown.Start()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.serveAPI()
	}()
	a.log.Info("Hub started", "api", a.cfg.Server.Listen, "protocols", a.adapters.Protocols())

	select {
	case <-ctx.Done():
		a.shutdown.Shutdown()
	case <-a.shutdown.Done():
	case err := <-serveErr:
		a.shutdown.Shutdown()
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}
	a.shutdown.Wait()
	return nil
}

// Close 释放资源（未调用 Run 时使用）
func (a *App) Close() {
	a.shutdown.Shutdown()
}

// Stats 运行统计，供健康接口输出
func (a *App) Stats() map[string]interface{} {
	s := a.ingestor.Stats()
	out := map[string]interface{}{
		"telemetry_received": s.Received,
		"store_errors":       s.StoreErrors,
		"online_transitions": s.Onlines,
		"alarm_events":       s.Events,
		"protocols":          a.adapters.Protocols(),
	}
	if a.mqtt != nil {
		out["mqtt_connected"] = a.mqtt.IsConnected()
	}
	return out
}
