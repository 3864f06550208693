package logger

import (
	"context"
	"os"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/tracing"
)

type requestIDKey struct{}

// 这些 key 的值一律替换成 ***，避免凭证进入日志
var redactedKeys = []string{"password", "client_secret", "token", "x-actual-password"}

func NewDefaultLogger(id, name, version string, debug bool, format Format) log.Logger {
	base := log.NewFilter(NewStdColorLogger(os.Stdout, true, debug, format),
		log.FilterKey(redactedKeys...),
	)
	return log.With(base,
		"ts", log.DefaultTimestamp,
		"caller", log.DefaultCaller,
		"service.id", id,
		"service.name", name,
		"service.version", version,
		"trace.id", tracing.TraceID(),
		"span.id", tracing.SpanID(),
		"request.id", RequestID(),
	)
}

// 用于测试的logger
func NewDefaultLoggerForTest() log.Logger {
	return NewDefaultLogger("test-id", "test", "test-version", true, FormatConsole)
}

// RequestID 输出 http 中间件写入的请求 ID
func RequestID() log.Valuer {
	return func(ctx context.Context) interface{} {
		v, _ := ctx.Value(requestIDKey{}).(string)
		return v
	}
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}
