package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "siteattend.rabbitmq"

// HeaderCarrier 让 amqp.Table 满足 propagation.TextMapCarrier
type HeaderCarrier amqp.Table

func (c HeaderCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c HeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// StartPublishSpan 开启生产者 span 并把 trace 上下文写入消息头
func StartPublishSpan(ctx context.Context, exchange, routingKey string, headers amqp.Table) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, exchange+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystem("rabbitmq"),
			semconv.MessagingDestinationName(exchange),
			semconv.MessagingRabbitmqDestinationRoutingKey(routingKey),
		),
	)
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(headers))
	return ctx, span
}

// StartConsumeSpan 从消息头恢复上游 trace 并开启消费者 span
func StartConsumeSpan(ctx context.Context, queue string, msg amqp.Delivery) (context.Context, trace.Span) {
	headers := msg.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(headers))
	return otel.Tracer(tracerName).Start(ctx, queue+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystem("rabbitmq"),
			semconv.MessagingDestinationName(queue),
			semconv.MessagingMessageID(msg.MessageId),
		),
	)
}
