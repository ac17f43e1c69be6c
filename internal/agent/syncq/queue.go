// Package syncq 设备端同步队列：每个实体只保留最新意图。
package syncq

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"SiteAttend/internal/agent/localstore"
	"SiteAttend/internal/model"
	"SiteAttend/pkg/logger"
)

// 优先级，数值越大越先同步
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

type Queue struct {
	store       localstore.QueueStore
	now         func() time.Time
	maxAttempts int
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func New(store localstore.QueueStore, opts ...Option) *Queue {
	q := &Queue{
		store:       store,
		now:         time.Now,
		maxAttempts: model.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue 校验载荷后替换同键的已有项（实体级后写覆盖）
func (q *Queue) Enqueue(ctx context.Context, entityType model.EntityType, entityID string, op model.SyncOperation, payload Payload, priority int) error {
	if entityID == "" {
		return fmt.Errorf("enqueue %s: empty entity id", entityType)
	}
	raw, err := Encode(entityType, payload)
	if err != nil {
		return err
	}

	item := &model.SyncQueueItem{
		EntityType:  entityType,
		EntityID:    entityID,
		Operation:   op,
		Payload:     raw,
		Priority:    priority,
		Status:      model.SyncStatusPending,
		MaxAttempts: q.maxAttempts,
		CreatedAt:   q.now(),
	}
	if err := q.store.ReplaceItem(ctx, item); err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", entityType, entityID, err)
	}

	logger.Logger.Debug("Sync item enqueued",
		zap.String("entity_type", string(entityType)),
		zap.String("entity_id", entityID),
		zap.String("operation", string(op)),
		zap.Int64("item_id", item.ID),
	)
	return nil
}

// Counts 待同步与失败聚合
func (q *Queue) Counts(ctx context.Context) (localstore.QueueCounts, error) {
	return q.store.CountItems(ctx)
}

// Store 底层存储，供同步引擎使用
func (q *Queue) Store() localstore.QueueStore {
	return q.store
}
