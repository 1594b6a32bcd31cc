package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// LevelNames 级别名称映射
var LevelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

// ParseLevel 解析日志级别
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Options 日志初始化参数
type Options struct {
	Level   string
	JSON    bool
	Service string
	Output  io.Writer
}

// StructuredLogger 结构化日志，底层为 zap
type StructuredLogger struct {
	module string
	level  zap.AtomicLevel
	base   *zap.Logger
	sugar  *zap.SugaredLogger
}

// NewStructuredLogger 创建结构化日志
func NewStructuredLogger(level LogLevel, module string, jsonOutput bool) *StructuredLogger {
	return newLogger(Options{Level: LevelNames[level], JSON: jsonOutput, Service: module, Output: os.Stdout})
}

func newLogger(opts Options) *StructuredLogger {
	atom := zap.NewAtomicLevelAt(ParseLevel(opts.Level).zapLevel())

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if opts.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(out)), atom)
	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	if opts.Service != "" {
		base = base.Named(opts.Service)
	}

	return &StructuredLogger{
		module: opts.Service,
		level:  atom,
		base:   base,
		sugar:  base.Sugar(),
	}
}

// WithModule 创建带模块名的日志
func (l *StructuredLogger) WithModule(module string) *StructuredLogger {
	child := l.base.With(zap.String("module", module))
	return &StructuredLogger{
		module: module,
		level:  l.level,
		base:   child,
		sugar:  child.Sugar(),
	}
}

// With 附加固定字段
func (l *StructuredLogger) With(keysAndValues ...interface{}) *StructuredLogger {
	child := l.sugar.With(keysAndValues...)
	return &StructuredLogger{
		module: l.module,
		level:  l.level,
		base:   child.Desugar(),
		sugar:  child,
	}
}

// Module 模块名
func (l *StructuredLogger) Module() string {
	return l.module
}

// Zap 暴露底层 zap.Logger
func (l *StructuredLogger) Zap() *zap.Logger {
	return l.base
}

// Enabled 判断级别是否输出
func (l *StructuredLogger) Enabled(level LogLevel) bool {
	return l.level.Enabled(level.zapLevel())
}

// Debug 调试日志
func (l *StructuredLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Info 信息日志
func (l *StructuredLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warn 警告日志
func (l *StructuredLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Error 错误日志
func (l *StructuredLogger) Error(msg string, err error, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, withError(err, keysAndValues)...)
}

// Fatal 致命日志
func (l *StructuredLogger) Fatal(msg string, err error) {
	l.sugar.Fatalw(msg, withError(err, nil)...)
}

// Sync 刷新缓冲
func (l *StructuredLogger) Sync() error {
	return l.base.Sync()
}

func withError(err error, keysAndValues []interface{}) []interface{} {
	if err == nil {
		return keysAndValues
	}
	out := make([]interface{}, 0, len(keysAndValues)+2)
	out = append(out, "error", err.Error())
	return append(out, keysAndValues...)
}

// 全局logger
var (
	globalMu sync.RWMutex
	global   = newLogger(Options{Level: "info", Service: "xunjihub"})
)

// Init 按配置重建全局 logger
func Init(opts Options) *StructuredLogger {
	l := newLogger(opts)
	globalMu.Lock()
	global = l
	globalMu.Unlock()
	return l
}

// SetOutput 切换全局输出，保持级别与格式
func SetOutput(w io.Writer, jsonOutput bool) {
	globalMu.RLock()
	current := global
	globalMu.RUnlock()
	Init(Options{
		Level:   current.level.Level().CapitalString(),
		JSON:    jsonOutput,
		Service: current.module,
		Output:  w,
	})
}

// Global 返回当前全局 logger
func Global() *StructuredLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// Named 从全局 logger 派生模块 logger
func Named(module string) *StructuredLogger {
	return Global().WithModule(module)
}

// SetLevel 设置日志级别
func SetLevel(level LogLevel) {
	Global().level.SetLevel(level.zapLevel())
}

// Debug 全局调试日志
func Debug(msg string, keysAndValues ...interface{}) {
	Global().sugar.Debugw(msg, keysAndValues...)
}

// Info 全局信息日志
func Info(msg string, keysAndValues ...interface{}) {
	Global().sugar.Infow(msg, keysAndValues...)
}

// Warn 全局警告日志
func Warn(msg string, keysAndValues ...interface{}) {
	Global().sugar.Warnw(msg, keysAndValues...)
}

// Error 全局错误日志
func Error(msg string, err error, keysAndValues ...interface{}) {
	Global().sugar.Errorw(msg, withError(err, keysAndValues)...)
}

// Fatal 全局致命日志
func Fatal(msg string, err error) {
	Global().sugar.Fatalw(msg, withError(err, nil)...)
}

// Sync 刷新全局 logger
func Sync() {
	_ = Global().Sync()
}
