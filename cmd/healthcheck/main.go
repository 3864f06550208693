// server/cmd/healthcheck/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// 容器 HEALTHCHECK 用：调用 gRPC health 服务，SERVING 时退出码 0。
// 地址可通过 -addr 或 HEALTHCHECK_ADDR 覆盖。

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	addr := flag.String("addr", getenv("HEALTHCHECK_ADDR", "127.0.0.1:9000"), "grpc address of the server")
	service := flag.String("service", "", "health service name, empty for the whole server")
	timeout := flag.Duration("timeout", 3*time.Second, "check timeout")
	flag.Parse()

	status, err := check(*addr, *service, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed addr=%s err=%v\n", *addr, err)
		os.Exit(1)
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		fmt.Fprintf(os.Stderr, "healthcheck not serving addr=%s status=%s\n", *addr, status)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func check(addr, service string, timeout time.Duration) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("grpc.NewClient: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("Check: %w", err)
	}
	return resp.GetStatus(), nil
}
