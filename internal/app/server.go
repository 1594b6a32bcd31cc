package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gonglijing/xunjiHub/internal/config"
	"github.com/gonglijing/xunjiHub/internal/handlers"
	"github.com/gonglijing/xunjiHub/internal/state"
)

// shortTimeout 单项依赖检查超时
const shortTimeout = 2 * time.Second

func (a *App) buildAPIServer(cfg *config.Config) *http.Server {
	h := handlers.NewHandler(handlers.Options{
		Commands:       a.dispatcher,
		Alarms:         a.engine,
		Records:        a.store,
		Checks:         a.healthChecks(),
		Stats:          a.Stats,
		AllowedOrigins: cfg.GetAllowedOrigins(),
		RateLimit:      cfg.Server.RateLimit,
	})
	return &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      h.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

// healthChecks 就绪检查项：存储与 Redis 必需，NATS 与 MQTT 启用时检查
func (a *App) healthChecks() map[string]handlers.HealthCheck {
	checks := map[string]handlers.HealthCheck{
		"store": a.store.Ping,
		"redis": func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, shortTimeout)
			defer cancel()
			return state.Ping(ctx, a.redis)
		},
	}
	if a.nats != nil {
		nc := a.nats
		checks["nats"] = func(context.Context) error {
			if status := nc.Status(); status != nats.CONNECTED {
				return fmt.Errorf("nats status %s", status)
			}
			return nil
		}
	}
	if a.mqtt != nil {
		checks["mqtt"] = func(context.Context) error {
			if !a.mqtt.IsConnected() {
				return errors.New("mqtt broker not connected")
			}
			return nil
		}
	}
	return checks
}

// serveAPI 证书与私钥都配置时启用 HTTPS
func (a *App) serveAPI() error {
	var err error
	if a.cfg.Server.TLSCertFile != "" && a.cfg.Server.TLSKeyFile != "" {
		a.log.Info("Starting HTTPS API", "addr", a.api.Addr, "cert", a.cfg.Server.TLSCertFile)
		err = a.api.ListenAndServeTLS(a.cfg.Server.TLSCertFile, a.cfg.Server.TLSKeyFile)
	} else {
		a.log.Info("Starting HTTP API", "addr", a.api.Addr)
		err = a.api.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
