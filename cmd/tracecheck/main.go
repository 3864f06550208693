// server/cmd/tracecheck/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"accountserver/internal/conf"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

var flagconf string

func init() {
	flag.StringVar(&flagconf, "conf", "", "config path, eg: -conf ./configs/config.yaml")
}

// 向配置里的 OTLP endpoint 发一个测试 span，确认链路可达。
func main() {
	flag.Parse()

	confPath := conf.ResolvePath(flagconf)
	bc, closeConf, err := conf.Load(confPath)
	if err != nil {
		panic(err)
	}
	defer closeConf()

	if bc.Trace == nil || bc.Trace.Endpoint == "" {
		fmt.Printf("trace.endpoint is empty in %s, nothing to check\n", confPath)
		os.Exit(1)
	}
	serviceName := bc.Trace.TraceName
	if serviceName == "" {
		serviceName = "accountserver.service"
	}

	ctx := context.Background()

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(bc.Trace.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		panic(fmt.Errorf("create otlp exporter: %w", err))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			semconv.ServiceNameKey.String(serviceName),
		)),
	)
	otel.SetTracerProvider(tp)

	_, span := otel.Tracer("accountserver.tracecheck").Start(ctx, "tracecheck")
	span.SetAttributes(
		attribute.String("tracecheck.conf", confPath),
		attribute.String("tracecheck.host", hostname()),
	)
	time.Sleep(100 * time.Millisecond)
	span.End()

	// Shutdown 会 flush，导出失败在这里暴露
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(sctx); err != nil {
		fmt.Printf("❌ export to %s failed: %v\n", bc.Trace.Endpoint, err)
		os.Exit(1)
	}
	fmt.Printf("✅ trace sent to %s, service=%s\n", bc.Trace.Endpoint, serviceName)
}

func hostname() string {
	h, _ := os.Hostname()
	return h
}
