package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics 考勤相关指标集合，所有方法对 nil 接收者安全
type OTelMetrics struct {
	AttendanceActionsTotal   metric.Int64Counter
	GeofenceViolationsTotal  metric.Int64Counter
	GeofenceDistance         metric.Float64Histogram
	SecurityEventsTotal      metric.Int64Counter
	AbsenceMarkedTotal       metric.Int64Counter
	HTTPServerRequestTotal   metric.Int64Counter
	HTTPServerDuration       metric.Float64Histogram
	HTTPServerActiveRequests metric.Int64UpDownCounter
}

var metrics *OTelMetrics

// InitMetrics 基于全局 MeterProvider 创建指标，需在 otel 初始化之后调用
func InitMetrics() error {
	meter := otel.Meter("siteattend")
	m := &OTelMetrics{}
	var err error

	if m.AttendanceActionsTotal, err = meter.Int64Counter(
		"attendance_actions_total",
		metric.WithDescription("Check-in and check-out attempts by outcome"),
		metric.WithUnit("{action}"),
	); err != nil {
		return err
	}

	if m.GeofenceViolationsTotal, err = meter.Int64Counter(
		"geofence_violations_total",
		metric.WithDescription("Attendance actions rejected or flagged for being outside the geofence"),
		metric.WithUnit("{violation}"),
	); err != nil {
		return err
	}

	if m.GeofenceDistance, err = meter.Float64Histogram(
		"geofence_distance_meters",
		metric.WithDescription("Distance from site reference point at action time"),
		metric.WithUnit("m"),
		metric.WithExplicitBucketBoundaries(10, 25, 50, 100, 150, 250, 500, 1000, 5000),
	); err != nil {
		return err
	}

	if m.SecurityEventsTotal, err = meter.Int64Counter(
		"security_events_total",
		metric.WithDescription("Security events handled by the worker"),
		metric.WithUnit("{event}"),
	); err != nil {
		return err
	}

	if m.AbsenceMarkedTotal, err = meter.Int64Counter(
		"absence_marked_total",
		metric.WithDescription("Absent records written by the daily sweep"),
		metric.WithUnit("{record}"),
	); err != nil {
		return err
	}

	if m.HTTPServerRequestTotal, err = meter.Int64Counter(
		"http_server_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}

	if m.HTTPServerDuration, err = meter.Float64Histogram(
		"http_server_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	if m.HTTPServerActiveRequests, err = meter.Int64UpDownCounter(
		"http_server_active_requests",
		metric.WithDescription("Number of in-flight HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}

	metrics = m
	return nil
}

// GetMetrics 获取全局指标实例，未初始化时返回 nil
func GetMetrics() *OTelMetrics {
	return metrics
}

// RecordAttendanceAction 记录一次打卡动作，outcome 为 ok 或错误码
func (m *OTelMetrics) RecordAttendanceAction(ctx context.Context, action, outcome string) {
	if m == nil {
		return
	}
	m.AttendanceActionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

// RecordGeofence 记录围栏距离，越界时计入违规次数
func (m *OTelMetrics) RecordGeofence(ctx context.Context, action string, distance float64, within bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("action", action))
	m.GeofenceDistance.Record(ctx, distance, attrs)
	if !within {
		m.GeofenceViolationsTotal.Add(ctx, 1, attrs)
	}
}

// RecordSecurityEvent 记录 worker 处理的安全事件
func (m *OTelMetrics) RecordSecurityEvent(ctx context.Context, kind, result string) {
	if m == nil {
		return
	}
	m.SecurityEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}

// RecordAbsenceMarked 记录缺勤清扫写入的条数
func (m *OTelMetrics) RecordAbsenceMarked(ctx context.Context, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.AbsenceMarkedTotal.Add(ctx, int64(count))
}

// RecordHTTPRequest 记录一次 HTTP 请求
func (m *OTelMetrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	)
	m.HTTPServerRequestTotal.Add(ctx, 1, attrs)
	m.HTTPServerDuration.Record(ctx, seconds, attrs)
}

// TrackActiveRequest 请求开始时 +1，返回的函数在结束时 -1
func (m *OTelMetrics) TrackActiveRequest(ctx context.Context) func() {
	if m == nil {
		return func() {}
	}
	m.HTTPServerActiveRequests.Add(ctx, 1)
	return func() { m.HTTPServerActiveRequests.Add(ctx, -1) }
}
