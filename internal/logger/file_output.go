package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions 文件日志滚动参数
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	JSON       bool
}

func (o FileOptions) withDefaults() FileOptions {
	if o.Path == "" {
		o.Path = filepath.Join("logs", "xunjihub.log")
	}
	if o.MaxSizeMB <= 0 {
		o.MaxSizeMB = 50
	}
	if o.MaxBackups < 1 {
		o.MaxBackups = 3
	}
	return o
}

func newFileWriter(opts FileOptions) (*lumberjack.Logger, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
		LocalTime:  true,
	}, nil
}

// InitFileOutput 将日志同时输出到控制台和滚动文件
func InitFileOutput(opts FileOptions) (io.Closer, error) {
	w, err := newFileWriter(opts)
	if err != nil {
		return nil, err
	}
	SetOutput(io.MultiWriter(os.Stdout, w), opts.JSON)
	return w, nil
}
