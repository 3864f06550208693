package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"accountserver/internal/biz"
	"accountserver/internal/conf"
	"accountserver/pkg/logger"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/grpc"
	"github.com/go-kratos/kratos/v2/transport/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/automaxprocs/maxprocs"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	Name      string = "accountserver"
	TraceName string = "accountserver.service"
	Version   string

	flagconf string

	id, _ = os.Hostname()
)

func init() {
	// 自动设置 GOMAXPROCS，关闭它自带的日志
	_, _ = maxprocs.Set(maxprocs.Logger(nil))

	flag.StringVar(&flagconf, "conf", "", "config path, eg: -conf ./configs/config.yaml")
}

func newApp(logger log.Logger, gs *grpc.Server, hs *http.Server, methods *biz.AuthMethodUsecase) *kratos.App {
	return kratos.New(
		kratos.ID(id),
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Metadata(map[string]string{}),
		kratos.Logger(logger),
		// 配置文件里的 openid 在监听端口之前写入数据库
		kratos.BeforeStart(func(ctx context.Context) error {
			return methods.BootstrapFromConfig(ctx)
		}),
		kratos.Server(
			gs,
			hs,
		),
	)
}

// 初始化 TracerProvider：优先远端 OTLP（异步 Batch），失败或未配置就用本地 provider
func initTracerProvider(traceName, traceEndpoint string, baseLogger log.Logger) *tracesdk.TracerProvider {
	helper := log.NewHelper(baseLogger)
	res := resource.NewSchemaless(semconv.ServiceNameKey.String(traceName))

	if traceEndpoint != "" {
		exp, err := otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(traceEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err == nil {
			helper.Infof("tracing enabled endpoint=%s", traceEndpoint)
			tp := tracesdk.NewTracerProvider(
				tracesdk.WithBatcher(exp),
				tracesdk.WithResource(res),
			)
			otel.SetTracerProvider(tp)
			return tp
		}
		helper.Errorf("init otlp exporter failed: %v, fallback to local tracer", err)
	}

	tp := tracesdk.NewTracerProvider(tracesdk.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp
}

func main() {
	flag.Parse()

	confPath := conf.ResolvePath(flagconf)

	// ===== 1. 加载配置：文件 + 环境变量 =====
	bc, closeConf, err := conf.Load(confPath)
	if err != nil {
		panic(err)
	}
	defer closeConf()

	// ===== 2. 日志 =====
	debug, format := false, logger.FormatAuto
	if bc.Log != nil {
		debug = bc.Log.Debug
		format = logger.ParseFormat(bc.Log.Format)
	}

	logger := logger.NewDefaultLogger(id, Name, Version, debug, format)
	log.SetLogger(logger) // 设置全局日志
	log.Infof("using conf path: %s", confPath)

	// ===== 3. Trace =====
	traceName, traceEndpoint := TraceName, ""
	if bc.Trace != nil {
		if bc.Trace.TraceName != "" {
			traceName = bc.Trace.TraceName
		}
		traceEndpoint = bc.Trace.Endpoint
	}

	tp := initTracerProvider(traceName, traceEndpoint, logger)
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	// ===== 4. 严格检查必需配置 =====
	if bc.Server == nil {
		panic(fmt.Errorf("bootstrap server config is nil, please check %s", confPath))
	}
	if bc.Data == nil {
		panic(fmt.Errorf("bootstrap data config is nil, please check %s", confPath))
	}
	if err := bc.Auth.Validate(); err != nil {
		panic(fmt.Errorf("invalid auth config: %w", err))
	}

	// ===== 5. 组装应用 =====
	app, cleanup, err := wireApp(bc, logger, tp)
	if err != nil {
		panic(fmt.Errorf("wireApp init failed: %w", err))
	}
	defer cleanup()

	// ===== 6. 启动应用 =====
	if err := app.Run(); err != nil {
		panic(fmt.Errorf("app run failed: %w", err))
	}
}
