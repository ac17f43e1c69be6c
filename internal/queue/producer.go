package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"SiteAttend/internal/model"
	"SiteAttend/pkg/logger"
	"SiteAttend/pkg/snowflake"
	"SiteAttend/storage/mq"
)

// Publisher 将考勤领域事件发布到 attendance.events 交换机
type Publisher struct {
	exchange string
}

func NewPublisher() *Publisher {
	return &Publisher{exchange: mq.EventsExchange}
}

// PublishSecurityEvent 发布地理围栏违规事件
func (p *Publisher) PublishSecurityEvent(ctx context.Context, ev *model.SecurityEvent) error {
	msg := NewSecurityEventMessage(ev)
	if msg.MessageID == "" {
		id, err := snowflake.NextID()
		if err != nil {
			return fmt.Errorf("failed to generate message ID: %w", err)
		}
		msg.MessageID = "sec_" + strconv.FormatInt(id, 10)
	}

	routingKey := RoutingSecurityPrefix + msg.Kind
	if err := mq.PublishMessage(ctx, p.exchange, routingKey, msg.MessageID, msg); err != nil {
		logger.Logger.Error("Failed to publish security event",
			zap.String("message_id", msg.MessageID),
			zap.Int64("user_id", msg.UserID),
			zap.Error(err),
		)
		return err
	}

	logger.Logger.Info("Published security event",
		zap.String("message_id", msg.MessageID),
		zap.String("routing_key", routingKey),
		zap.Int64("user_id", msg.UserID),
	)
	return nil
}

// PublishRecordEvent 发布签到/签退事件
func (p *Publisher) PublishRecordEvent(ctx context.Context, eventType string, rec *model.AttendanceRecord) error {
	msg := RecordEventMessage{
		OccurredAt:   time.Now(),
		MessageID:    fmt.Sprintf("rec_%d_%s", rec.ID, eventType),
		EventType:    eventType,
		WorkDate:     rec.WorkDate,
		Status:       string(rec.Status),
		RecordID:     rec.ID,
		UserID:       rec.UserID,
		WorkingHours: rec.WorkingHours,
	}

	if err := mq.PublishMessage(ctx, p.exchange, RoutingRecordPrefix+eventType, msg.MessageID, msg); err != nil {
		logger.Logger.Warn("Failed to publish record event",
			zap.String("message_id", msg.MessageID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
