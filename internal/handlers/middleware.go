package handlers

import (
	"net/http"
	"strings"

	gorillaHandlers "github.com/gorilla/handlers"

	"github.com/gonglijing/xunjiHub/internal/logger"
)

// accessLogWriter 把访问日志写到结构化日志
type accessLogWriter struct {
	log *logger.StructuredLogger
}

func (w accessLogWriter) Write(p []byte) (int, error) {
	w.log.Debug(strings.TrimSpace(string(p)))
	return len(p), nil
}

type recoveryLogger struct {
	log *logger.StructuredLogger
}

func (r recoveryLogger) Println(v ...interface{}) {
	r.log.Warn("Recovered from handler panic", "panic", v)
}

// Wrap 为路由加上 panic 恢复、访问日志与 CORS
func Wrap(name string, h http.Handler, allowedOrigins []string) http.Handler {
	log := logger.Named(name)
	h = gorillaHandlers.RecoveryHandler(
		gorillaHandlers.RecoveryLogger(recoveryLogger{log: log}),
		gorillaHandlers.PrintRecoveryStack(false),
	)(h)
	h = gorillaHandlers.LoggingHandler(accessLogWriter{log: log}, h)
	if len(allowedOrigins) > 0 {
		h = gorillaHandlers.CORS(
			gorillaHandlers.AllowedOrigins(allowedOrigins),
			gorillaHandlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
			gorillaHandlers.AllowedHeaders([]string{"Content-Type", "X-Gateway-Key"}),
		)(h)
	}
	return h
}
