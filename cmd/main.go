package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gonglijing/xunjiHub/internal/app"
	"github.com/gonglijing/xunjiHub/internal/config"
	"github.com/gonglijing/xunjiHub/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（默认查找 config/config.yaml）")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Options{
		Level:   cfg.Log.Level,
		JSON:    cfg.Log.JSON,
		Service: "xunjihub",
	})
	if cfg.Log.File != "" {
		closer, err := logger.InitFileOutput(logger.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
			JSON:       cfg.Log.JSON,
		})
		if err != nil {
			logger.Warn("File logging disabled", "path", cfg.Log.File, "error", err)
		} else {
			defer closer.Close()
		}
	}
	defer logger.Sync()

	logger.Info("Configuration loaded", "config", cfg.String())

	ctx := context.Background()
	hub, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize", err)
	}
	if err := hub.Run(ctx); err != nil {
		logger.Error("Hub stopped with error", err)
		logger.Sync()
		os.Exit(1)
	}
}
