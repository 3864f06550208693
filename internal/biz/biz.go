package biz

import (
	"context"

	"github.com/google/wire"
	"go.opentelemetry.io/otel"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewPasswordUsecase,
	NewOpenIDUsecase,
	NewAuthMethodUsecase,
	NewAPITokenUsecase,
	NewSessionUsecase,
	NewUserUsecase,
)

// Transaction 由 data 层实现。fn 收到的 ctx 携带事务，repo 调用必须使用这个 ctx；
// fn 返回错误时整体回滚，嵌套调用加入外层事务。
type Transaction interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// AuthEventNotifier 推送安全相关事件（bootstrap、切换登录方式、删除用户等），实现需异步且不返回错误。
type AuthEventNotifier interface {
	Notify(ctx context.Context, event string)
}

// tracer 优先用注入的 tp；tp 为空就 fallback 全局 provider
func newTracer(tp *tracesdk.TracerProvider, name string) trace.Tracer {
	if tp != nil {
		return tp.Tracer(name)
	}
	return otel.Tracer(name)
}
