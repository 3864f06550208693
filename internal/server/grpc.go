package server

import (
	"context"

	"accountserver/internal/conf"
	"accountserver/internal/data"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/logging"
	"github.com/go-kratos/kratos/v2/middleware/ratelimit"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/middleware/tracing"
	"github.com/go-kratos/kratos/v2/transport/grpc"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// NewGRPCServer 只暴露 grpc.health.v1，供 cmd/healthcheck 和编排系统探活。
func NewGRPCServer(
	c *conf.Server,
	logger log.Logger,
	tracerProvider *trace.TracerProvider,
	d *data.Data,
) *grpc.Server {
	var opts []grpc.ServerOption

	// 全局中间件
	opts = append(opts,
		grpc.Middleware(
			recovery.Recovery(),
			tracing.Server(
				tracing.WithTracerProvider(tracerProvider),
			),
			logging.Server(logger),
			ratelimit.Server(),
		),
		// 使用下面带数据库检查的 health 实现
		grpc.CustomHealth(),
	)

	// 端口 / 网络配置
	if c.Grpc != nil {
		if c.Grpc.Network != "" {
			opts = append(opts, grpc.Network(c.Grpc.Network))
		}
		if c.Grpc.Addr != "" {
			opts = append(opts, grpc.Address(c.Grpc.Addr))
		}
		if c.Grpc.Timeout != nil {
			opts = append(opts, grpc.Timeout(c.Grpc.Timeout.AsDuration()))
		}
	}

	opts = append(opts, grpc.Logger(logger))

	srv := grpc.NewServer(opts...)
	grpc_health_v1.RegisterHealthServer(srv, newHealthServer(d.SQLDB(), logger))

	return srv
}

type pinger interface {
	PingContext(ctx context.Context) error
}

// healthServer 在标准 health 服务之上，Check 时额外 ping 一次 sqlite。
type healthServer struct {
	*health.Server
	db  pinger
	log *log.Helper
}

func newHealthServer(db pinger, logger log.Logger) *healthServer {
	return &healthServer{
		Server: health.NewServer(),
		db:     db,
		log:    log.NewHelper(log.With(logger, "module", "server.health")),
	}
}

func (h *healthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			h.log.WithContext(ctx).Warnf("health check database ping failed err=%v", err)
			return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
		}
	}
	return h.Server.Check(ctx, req)
}
