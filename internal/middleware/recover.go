package middleware

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"SiteAttend/config"
	"SiteAttend/pkg/errors"
	"SiteAttend/pkg/logger"
	"SiteAttend/pkg/response"
)

// RecoverConfig recover 中间件配置
type RecoverConfig struct {
	// 严重错误回调（可用于告警）
	OnSevereError    func(ctx context.Context, c *app.RequestContext, err interface{}, stack []byte)
	EnableStackTrace bool
	// 生产环境隐藏 panic 详情
	IsProduction bool
}

func NewRecoverConfig() RecoverConfig {
	return RecoverConfig{
		EnableStackTrace: true,
		IsProduction:     config.Cfg.IsProduction(),
	}
}

func RecoverMiddleware() app.HandlerFunc {
	return RecoverMiddlewareWithConfig(NewRecoverConfig())
}

func RecoverMiddlewareWithConfig(cfg RecoverConfig) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		defer func() {
			if err := recover(); err != nil {
				handlePanic(ctx, c, err, cfg)
			}
		}()

		c.Next(ctx)
	}
}

func handlePanic(ctx context.Context, c *app.RequestContext, err interface{}, cfg RecoverConfig) {
	var stack []byte
	if cfg.EnableStackTrace {
		stack = debug.Stack()
	}

	fields := []zap.Field{
		zap.String("panic", fmt.Sprintf("%v", err)),
		zap.String("path", string(c.Path())),
		zap.String("method", string(c.Method())),
		zap.String("client_ip", c.ClientIP()),
		zap.String("request_id", string(c.GetHeader("X-Request-Id"))),
	}
	if userID, ok := GetUserID(ctx, c); ok {
		fields = append(fields, zap.String("user_id", userID))
	}
	if len(stack) > 0 {
		fields = append(fields, zap.ByteString("stack", stack))
	}
	logger.Logger.Error("[PANIC RECOVERED]", fields...)

	span := trace.SpanFromContext(ctx)
	span.RecordError(fmt.Errorf("panic: %v", err))
	span.SetStatus(codes.Error, "panic recovered")

	if isSeverePanic(err) && cfg.OnSevereError != nil {
		cfg.OnSevereError(ctx, c, err, stack)
	}

	message := "Internal server error"
	if !cfg.IsProduction {
		message = fmt.Sprintf("Internal error: %v", err)
	}
	response.Error(ctx, c, errors.Definition{Code: "INTERNAL_SERVER_ERROR", Message: message})
	c.Abort()
}

func isSeverePanic(err interface{}) bool {
	errStr := fmt.Sprintf("%v", err)
	for _, pattern := range []string{
		"out of memory",
		"concurrent map",
		"index out of range",
		"nil pointer dereference",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
