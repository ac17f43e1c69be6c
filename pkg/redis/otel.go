package redis

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingHook Redis 追踪 Hook，同时统计命令耗时与缓存命中
type TracingHook struct {
	tracer   trace.Tracer
	commands metric.Int64Counter
	duration metric.Float64Histogram
	hits     metric.Int64Counter
	misses   metric.Int64Counter
	attrs    []attribute.KeyValue
}

// NewTracingHook 创建追踪 Hook
func NewTracingHook(serviceName string, db int) (*TracingHook, error) {
	meter := otel.Meter(serviceName + ".redis")

	commands, err := meter.Int64Counter("redis.commands.total",
		metric.WithDescription("Total number of Redis commands"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("redis.command.duration",
		metric.WithDescription("Redis command duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	hits, err := meter.Int64Counter("redis.cache.hits", metric.WithUnit("{hit}"))
	if err != nil {
		return nil, err
	}
	misses, err := meter.Int64Counter("redis.cache.misses", metric.WithUnit("{miss}"))
	if err != nil {
		return nil, err
	}

	return &TracingHook{
		tracer:   otel.Tracer(serviceName + ".redis"),
		commands: commands,
		duration: duration,
		hits:     hits,
		misses:   misses,
		attrs: []attribute.KeyValue{
			semconv.DBSystemRedis,
			semconv.DBRedisDBIndex(db),
			attribute.String("service.name", serviceName),
		},
	}, nil
}

// DialHook 实现 redis.Hook 接口
func (th *TracingHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

// ProcessHook 实现 redis.Hook 接口
func (th *TracingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		ctx, span := th.tracer.Start(ctx, cmd.Name(),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(th.attrs...),
		)
		defer span.End()

		span.SetAttributes(semconv.DBOperation(cmd.Name()))

		start := time.Now()
		err := next(ctx, cmd)
		elapsed := time.Since(start).Seconds()

		status := "success"
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
		case errors.Is(err, redis.Nil):
			status = "not_found"
			span.SetStatus(codes.Ok, "key not found")
		default:
			status = "error"
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}

		labels := metric.WithAttributes(
			attribute.String("redis.command", cmd.Name()),
			attribute.String("redis.status", status),
		)
		th.commands.Add(ctx, 1, labels)
		th.duration.Record(ctx, elapsed, labels)

		if cmd.Name() == "get" {
			if errors.Is(err, redis.Nil) {
				th.misses.Add(ctx, 1)
			} else if err == nil {
				th.hits.Add(ctx, 1)
			}
		}

		return err
	}
}

// ProcessPipelineHook 实现 redis.Hook 接口
func (th *TracingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		ctx, span := th.tracer.Start(ctx, "redis.pipeline",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(th.attrs...),
		)
		defer span.End()

		span.SetAttributes(attribute.Int("redis.pipeline.count", len(cmds)))
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, redis.Nil) {
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}
