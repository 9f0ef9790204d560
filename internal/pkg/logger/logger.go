// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var base = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init 初始化全局日志。development 环境下使用可读的控制台输出。
func Init(serviceName, env string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stderr
	level := zerolog.InfoLevel
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	base = zerolog.New(out).With().Timestamp().Str("service", serviceName).Logger()
}

// L 返回不带请求上下文的基础 logger。
func L() *zerolog.Logger {
	return &base
}

// Ctx 返回一个携带当前 span 的 trace_id / span_id 的 logger，
// 方便在 Jaeger 和日志之间互相跳转。
func Ctx(ctx context.Context) *zerolog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return &base
	}
	l := base.With().
		Str("trace_id", sc.TraceID().String()).
		Str("span_id", sc.SpanID().String()).
		Logger()
	return &l
}
