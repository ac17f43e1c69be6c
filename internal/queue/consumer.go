package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"SiteAttend/internal/cache"
	"SiteAttend/pkg/errors"
	"SiteAttend/pkg/logger"
	"SiteAttend/pkg/metrics"
	"SiteAttend/storage/mq"
)

const processedTTL = 48 * time.Hour

// Notifier 通知分发协作方，本服务只负责投递
type Notifier interface {
	NotifySecurityEvent(ctx context.Context, msg SecurityEventMessage) error
}

// Deduper 消息幂等标记
type Deduper interface {
	MarkProcessed(ctx context.Context, messageID string) (bool, error)
	Unmark(ctx context.Context, messageID string) error
}

// LogNotifier 以安全日志的形式输出告警，未接入推送渠道时使用
type LogNotifier struct{}

func (LogNotifier) NotifySecurityEvent(ctx context.Context, msg SecurityEventMessage) error {
	logger.Security().Warn("Geofence violation",
		zap.String("message_id", msg.MessageID),
		zap.Int64("user_id", msg.UserID),
		zap.Int64("site_id", msg.SiteID),
		zap.String("action", msg.Action),
		zap.Float64("latitude", msg.Latitude),
		zap.Float64("longitude", msg.Longitude),
		zap.Float64("distance_meters", msg.DistanceMeters),
		zap.Float64("radius_meters", msg.RadiusMeters),
		zap.Time("occurred_at", msg.OccurredAt),
	)
	return nil
}

type redisDeduper struct{}

// RedisDeduper 基于 SETNX 的去重
func RedisDeduper() Deduper {
	return redisDeduper{}
}

func (redisDeduper) MarkProcessed(ctx context.Context, messageID string) (bool, error) {
	return cache.MarkMessageProcessed(ctx, messageID, processedTTL)
}

func (redisDeduper) Unmark(ctx context.Context, messageID string) error {
	return cache.UnmarkMessageProcessed(ctx, messageID)
}

// SecurityHandler 处理 attendance.security 队列中的消息
type SecurityHandler struct {
	notifier Notifier
	dedupe   Deduper
}

func NewSecurityHandler(notifier Notifier, dedupe Deduper) *SecurityHandler {
	return &SecurityHandler{notifier: notifier, dedupe: dedupe}
}

// Handle 解析、去重并转发给 Notifier；无法解析的消息直接丢弃
func (h *SecurityHandler) Handle(ctx context.Context, body []byte) error {
	var msg SecurityEventMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return &errors.SkipMessageError{Reason: fmt.Sprintf("malformed security event: %v", err)}
	}

	if msg.MessageID != "" && h.dedupe != nil {
		first, err := h.dedupe.MarkProcessed(ctx, msg.MessageID)
		if err != nil {
			// 去重失败时继续处理，宁可重复通知也不漏报
			logger.Logger.Warn("Failed to check message processed status",
				zap.String("message_id", msg.MessageID),
				zap.Error(err),
			)
		} else if !first {
			metrics.GetMetrics().RecordSecurityEvent(ctx, msg.Kind, "duplicate")
			return &errors.SkipMessageError{Reason: fmt.Sprintf("message %s already processed", msg.MessageID)}
		}
	}

	if err := h.notifier.NotifySecurityEvent(ctx, msg); err != nil {
		if msg.MessageID != "" && h.dedupe != nil {
			if unmarkErr := h.dedupe.Unmark(ctx, msg.MessageID); unmarkErr != nil {
				logger.Logger.Warn("Failed to unmark message",
					zap.String("message_id", msg.MessageID),
					zap.Error(unmarkErr),
				)
			}
		}
		metrics.GetMetrics().RecordSecurityEvent(ctx, msg.Kind, "failed")
		return fmt.Errorf("failed to notify security event: %w", err)
	}

	metrics.GetMetrics().RecordSecurityEvent(ctx, msg.Kind, "notified")
	return nil
}

// StartSecurityConsumer 阻塞消费安全事件直到 ctx 取消
func StartSecurityConsumer(ctx context.Context, h *SecurityHandler) error {
	return mq.Consume(ctx, mq.ConsumeOptions{
		Queue:         mq.SecurityQueue,
		ConsumerTag:   "security_event_consumer",
		PrefetchCount: 10,
		Handler: func(ctx context.Context, d amqp.Delivery) error {
			return h.Handle(ctx, d.Body)
		},
	})
}
