package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/config"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"SiteAttend/pkg/metrics"
)

// toValidUTF8 清洗用户可控字符串，防止非法 UTF-8 导致 trace 序列化失败
func toValidUTF8(val string) string {
	return strings.ToValidUTF8(val, "")
}

// MetricsMiddleware 记录请求指标，并把用户与请求 ID 挂到 hertz tracing 创建的 span 上
func MetricsMiddleware() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		m := metrics.GetMetrics()
		done := m.TrackActiveRequest(ctx)
		defer done()

		span := trace.SpanFromContext(ctx)
		if requestID := c.GetHeader("X-Request-Id"); len(requestID) > 0 {
			span.SetAttributes(attribute.String("http.request_id", toValidUTF8(string(requestID))))
		}

		c.Next(ctx)

		if userID, ok := GetUserID(ctx, c); ok {
			span.SetAttributes(attribute.String("enduser.id", toValidUTF8(userID)))
		}

		status := c.Response.StatusCode()
		if status >= 500 {
			span.SetStatus(codes.Error, "HTTP server error")
			if lastErr := c.Errors.Last(); lastErr != nil {
				span.RecordError(lastErr)
			}
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(ctx, toValidUTF8(string(c.Method())), route, status, time.Since(start).Seconds())
	}
}

// NewServerTracerConfig 创建 Hertz Server 的追踪配置，返回 server 选项与追踪中间件
func NewServerTracerConfig(opts ...hertztracing.Option) (config.Option, app.HandlerFunc) {
	tracer, cfg := hertztracing.NewServerTracer(opts...)
	return tracer, hertztracing.ServerMiddleware(cfg)
}
