package mq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"SiteAttend/config"
)

const (
	// EventsExchange 考勤领域事件的 topic 交换机
	EventsExchange = "attendance.events"
	// SecurityQueue 安全事件队列，由 worker 消费
	SecurityQueue = "attendance.security"
	// SecurityBinding 绑定 security.* 路由键
	SecurityBinding = "security.#"
)

var (
	conn     *amqp.Connection
	connMu   sync.RWMutex
	initOnce sync.Once
	initErr  error
)

func Init() error {
	initOnce.Do(func() {
		c, err := amqp.Dial(config.Cfg.GetRabbitMQURL())
		if err != nil {
			initErr = fmt.Errorf("failed to dial RabbitMQ: %w", err)
			return
		}

		connMu.Lock()
		conn = c
		connMu.Unlock()

		initErr = DeclareTopology()
	})

	return initErr
}

// Connection 返回全局连接，未初始化时为 nil
func Connection() *amqp.Connection {
	connMu.RLock()
	defer connMu.RUnlock()
	return conn
}

// DeclareTopology 声明交换机、队列及绑定，重复声明是幂等的
func DeclareTopology() error {
	c := Connection()
	if c == nil {
		return fmt.Errorf("RabbitMQ connection is nil")
	}

	ch, err := c.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(EventsExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", EventsExchange, err)
	}

	if _, err := ch.QueueDeclare(SecurityQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", SecurityQueue, err)
	}

	if err := ch.QueueBind(SecurityQueue, SecurityBinding, EventsExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", SecurityQueue, err)
	}

	return nil
}

func Close(ctx context.Context) error {
	connMu.Lock()
	c := conn
	conn = nil
	connMu.Unlock()

	if c == nil || c.IsClosed() {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Close()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
