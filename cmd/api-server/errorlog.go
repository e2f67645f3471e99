package main

import (
	"log"
	"strings"

	"go.uber.org/zap"
)

// serverErrorWriter 把 http.Server 的内部错误转写到 zap
//
// 客户端中途断开、探测连接导致的 TLS 握手失败等噪音降为 debug。
type serverErrorWriter struct {
	logger *zap.Logger
}

var noisyServerErrors = []string{
	"TLS handshake error",
	"broken pipe",
	"connection reset by peer",
}

func (w *serverErrorWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	for _, noise := range noisyServerErrors {
		if strings.Contains(msg, noise) {
			w.logger.Debug("http.server.error", zap.String("error", msg))
			return len(p), nil
		}
	}
	w.logger.Warn("http.server.error", zap.String("error", msg))
	return len(p), nil
}

// newServerErrorLog 用于 http.Server.ErrorLog
func newServerErrorLog(logger *zap.Logger) *log.Logger {
	return log.New(&serverErrorWriter{logger: logger.Named("http")}, "", 0)
}
