package server

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 使用独立的 registry，/metrics 只暴露这里注册的指标。
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	limited  prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accountserver",
			Name:      "requests_total",
			Help:      "Handled requests by operation, status code and error reason.",
		}, []string{"operation", "code", "reason"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "accountserver",
			Name:      "request_duration_seconds",
			Help:      "Request latency by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		limited: f.NewCounter(prometheus.CounterOpts{
			Namespace: "accountserver",
			Name:      "rate_limited_total",
			Help:      "Login and callback requests rejected by the per-IP limiter.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Middleware() middleware.Middleware {
	return func(next middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			op := ""
			if tr, ok := transport.FromServerContext(ctx); ok {
				op = tr.Operation()
			}

			reply, err := next(ctx, req)

			code, reason := 200, ""
			if err != nil {
				se := errors.FromError(err)
				code, reason = int(se.Code), se.Reason
			}
			m.requests.WithLabelValues(op, strconv.Itoa(code), reason).Inc()
			m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
			return reply, err
		}
	}
}
