package mq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	pkgerrors "SiteAttend/pkg/errors"
	"SiteAttend/pkg/logger"
	mqotel "SiteAttend/pkg/mq"
)

type MessageHandler func(ctx context.Context, msg amqp.Delivery) error

type ConsumeOptions struct {
	Queue         string
	ConsumerTag   string
	PrefetchCount int
	Handler       MessageHandler
}

// Consume 阻塞消费直到 ctx 取消或通道关闭
func Consume(ctx context.Context, opts ConsumeOptions) error {
	c := Connection()
	if c == nil {
		return fmt.Errorf("RabbitMQ connection is nil")
	}

	ch, err := c.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if opts.PrefetchCount > 0 {
		if err := ch.Qos(opts.PrefetchCount, 0, false); err != nil {
			return fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	msgs, err := ch.Consume(
		opts.Queue,
		opts.ConsumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	logger.Logger.Info("Started consuming messages",
		zap.String("queue", opts.Queue),
		zap.String("consumer_tag", opts.ConsumerTag),
		zap.Int("prefetch_count", opts.PrefetchCount),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed for queue %s", opts.Queue)
			}
			settle(ctx, opts, msg)
		}
	}
}

func settle(ctx context.Context, opts ConsumeOptions, msg amqp.Delivery) {
	ctx, span := mqotel.StartConsumeSpan(ctx, opts.Queue, msg)
	defer span.End()

	err := opts.Handler(ctx, msg)
	if err == nil {
		_ = msg.Ack(false)
		return
	}

	var skip *pkgerrors.SkipMessageError
	if errors.As(err, &skip) {
		logger.Logger.Info("Message skipped",
			zap.String("queue", opts.Queue),
			zap.String("message_id", msg.MessageId),
			zap.String("reason", skip.Reason),
		)
		_ = msg.Ack(false)
		return
	}

	logger.Logger.Error("Failed to process message",
		zap.String("queue", opts.Queue),
		zap.String("consumer_tag", opts.ConsumerTag),
		zap.String("message_id", msg.MessageId),
		zap.Bool("redelivered", msg.Redelivered),
		zap.Error(err),
	)

	// 只重投一次，避免毒消息无限循环
	_ = msg.Nack(false, !msg.Redelivered)
}
