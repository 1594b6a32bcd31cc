package app

import (
	"context"
	"fmt"

	"github.com/gonglijing/xunjiHub/internal/config"
	"github.com/gonglijing/xunjiHub/internal/logger"
	"github.com/gonglijing/xunjiHub/internal/store"
)

// seed 写入配置中的设备与报警定义；已有报警只更新定义，保留运行状态
func seed(ctx context.Context, st *store.Store, cfg *config.Config) error {
	for i := range cfg.Devices {
		d := cfg.Devices[i]
		if err := st.UpsertDevice(ctx, &d); err != nil {
			return fmt.Errorf("seed device %s: %w", d.ID, err)
		}
	}
	for i := range cfg.Alarms {
		a := cfg.Alarms[i]
		if err := st.UpsertAlarm(ctx, &a); err != nil {
			return fmt.Errorf("seed alarm %s: %w", a.ID, err)
		}
	}
	if len(cfg.Devices) > 0 || len(cfg.Alarms) > 0 {
		logger.Named("app").Info("Seed data applied", "devices", len(cfg.Devices), "alarms", len(cfg.Alarms))
	}
	return nil
}
