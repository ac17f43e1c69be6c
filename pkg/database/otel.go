package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	spanKey  = "otel:span"
	startKey = "otel:start_time"
)

// OTELPlugin GORM OpenTelemetry 插件：每条语句一个 span，并记录耗时与事务数
type OTELPlugin struct {
	tracer        trace.Tracer
	queryTotal    metric.Int64Counter
	queryDuration metric.Float64Histogram
	serviceName   string
	maxSQLLength  int
}

// NewOTELPlugin 创建插件实例，指标从全局 MeterProvider 获取
func NewOTELPlugin(serviceName string) (*OTELPlugin, error) {
	if serviceName == "" {
		serviceName = "siteattend"
	}
	meter := otel.Meter(serviceName + ".gorm")

	total, err := meter.Int64Counter("db.queries.total",
		metric.WithDescription("Total number of database queries"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("db.query.duration",
		metric.WithDescription("Database query duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		return nil, err
	}

	return &OTELPlugin{
		tracer:        otel.Tracer(serviceName + ".gorm"),
		queryTotal:    total,
		queryDuration: duration,
		serviceName:   serviceName,
		maxSQLLength:  500,
	}, nil
}

// Name 实现 gorm.Plugin 接口
func (p *OTELPlugin) Name() string {
	return "otel_plugin"
}

// Initialize 注册回调
func (p *OTELPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	hooks := []struct {
		name   string
		before func(name string, fn func(*gorm.DB)) error
		after  func(name string, fn func(*gorm.DB)) error
	}{
		{"query", cb.Query().Before("gorm:query").Register, cb.Query().After("gorm:query").Register},
		{"create", cb.Create().Before("gorm:create").Register, cb.Create().After("gorm:create").Register},
		{"update", cb.Update().Before("gorm:update").Register, cb.Update().After("gorm:update").Register},
		{"delete", cb.Delete().Before("gorm:delete").Register, cb.Delete().After("gorm:delete").Register},
		{"row", cb.Row().Before("gorm:row").Register, cb.Row().After("gorm:row").Register},
		{"raw", cb.Raw().Before("gorm:raw").Register, cb.Raw().After("gorm:raw").Register},
	}

	for _, h := range hooks {
		if err := h.before("otel:before_"+h.name, p.before(h.name)); err != nil {
			return err
		}
		if err := h.after("otel:after_"+h.name, p.after); err != nil {
			return err
		}
	}
	return nil
}

func (p *OTELPlugin) before(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		ctx, span := p.tracer.Start(db.Statement.Context, "db."+operation,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemPostgreSQL,
				attribute.String("service.name", p.serviceName),
				attribute.String("db.table", db.Statement.Table),
			),
		)
		db.InstanceSet(spanKey, span)
		db.InstanceSet(startKey, time.Now())
		db.Statement.Context = ctx
	}
}

func (p *OTELPlugin) after(db *gorm.DB) {
	v, ok := db.InstanceGet(spanKey)
	if !ok {
		return
	}
	span, ok := v.(trace.Span)
	if !ok {
		return
	}
	defer span.End()

	sql := db.Statement.SQL.String()
	if len(sql) > p.maxSQLLength {
		sql = sql[:p.maxSQLLength] + "..."
	}
	span.SetAttributes(
		semconv.DBStatement(sql),
		attribute.Int64("db.rows_affected", db.Statement.RowsAffected),
	)

	status := "success"
	switch {
	case db.Error == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(db.Error, gorm.ErrRecordNotFound):
		span.SetStatus(codes.Ok, "record not found")
	default:
		status = "error"
		span.SetStatus(codes.Error, db.Error.Error())
		span.RecordError(db.Error)
	}

	var elapsed float64
	if s, ok := db.InstanceGet(startKey); ok {
		if start, ok := s.(time.Time); ok {
			elapsed = time.Since(start).Seconds()
		}
	}

	labels := metric.WithAttributes(
		attribute.String("db.operation", operationOf(sql)),
		attribute.String("db.status", status),
	)
	ctx := db.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}
	p.queryTotal.Add(ctx, 1, labels)
	p.queryDuration.Record(ctx, elapsed, labels)
}

func operationOf(sql string) string {
	s := strings.ToUpper(strings.TrimSpace(sql))
	for _, op := range []string{"SELECT", "INSERT", "UPDATE", "DELETE"} {
		if strings.HasPrefix(s, op) {
			return strings.ToLower(op)
		}
	}
	return "query"
}
