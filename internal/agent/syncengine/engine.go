// Package syncengine 把本地同步队列回放到服务端。
package syncengine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"SiteAttend/internal/agent/localstore"
	"SiteAttend/internal/model"
	"SiteAttend/internal/schedule"
	"SiteAttend/pkg/errors"
	"SiteAttend/pkg/logger"
)

const (
	// TaskName 注册到调度器的任务名
	TaskName = "sync-drain"

	DefaultInterval     = 15 * time.Minute
	DefaultRetention    = 7 * 24 * time.Hour
	DefaultApplyTimeout = 30 * time.Second
)

// Applier 把一个队列项应用到远端；返回 backoff.Permanent 包装的错误时不再重试
type Applier interface {
	Apply(ctx context.Context, item model.SyncQueueItem) error
}

type ApplierFunc func(ctx context.Context, item model.SyncQueueItem) error

func (f ApplierFunc) Apply(ctx context.Context, item model.SyncQueueItem) error {
	return f(ctx, item)
}

// Connectivity 网络可用性探测
type Connectivity func(ctx context.Context) bool

// Result 一次 drain 的统计
type Result struct {
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

// Engine 同一时刻只有一次 drain 在执行
type Engine struct {
	store        localstore.QueueStore
	appliers     map[model.EntityType]Applier
	online       Connectivity
	scheduler    schedule.Scheduler
	logger       *zap.Logger
	now          func() time.Time
	applyTimeout time.Duration
	retention    time.Duration
	mu           sync.Mutex
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithApplyTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.applyTimeout = d
		}
	}
}

func WithRetention(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

func WithConnectivity(fn Connectivity) Option {
	return func(e *Engine) { e.online = fn }
}

func WithScheduler(s schedule.Scheduler) Option {
	return func(e *Engine) { e.scheduler = s }
}

func New(store localstore.QueueStore, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		appliers:     make(map[model.EntityType]Applier),
		online:       func(context.Context) bool { return true },
		logger:       logger.Component("sync"),
		now:          time.Now,
		applyTimeout: DefaultApplyTimeout,
		retention:    DefaultRetention,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register 为实体类型注册 applier，须在 Start 之前调用
func (e *Engine) Register(entityType model.EntityType, a Applier) {
	e.appliers[entityType] = a
}

// Drain 处理全部 PENDING/RETRY 项；单项失败不影响后续项
func (e *Engine) Drain(ctx context.Context) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res Result
	if err := e.recoverStale(ctx); err != nil {
		return res, err
	}

	items, err := e.store.DrainableItems(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list sync queue: %w", err)
	}

	var storeErr error
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		outcome, err := e.process(ctx, &items[i])
		if err != nil {
			storeErr = err
			e.logger.Error("Failed to persist sync item state", zap.Int64("item_id", items[i].ID), zap.Error(err))
			continue
		}
		switch outcome {
		case model.SyncStatusSuccess:
			res.Succeeded++
		case model.SyncStatusRetry:
			res.Retried++
		case model.SyncStatusFailed:
			res.Failed++
		}
	}

	if len(items) > 0 {
		e.logger.Info("Sync drain finished",
			zap.Int("items", len(items)),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("retried", res.Retried),
			zap.Int("failed", res.Failed),
		)
	}

	if storeErr != nil {
		return res, storeErr
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	if purged, err := e.store.PurgeTerminal(ctx, e.now().Add(-e.retention)); err != nil {
		e.logger.Warn("Failed to purge terminal sync items", zap.Error(err))
	} else if purged > 0 {
		e.logger.Info("Purged terminal sync items", zap.Int64("purged", purged))
	}
	return res, nil
}

// recoverStale 把中断遗留的 IN_PROGRESS 项计为一次失败尝试，重新进入 RETRY（或耗尽后 FAILED）
func (e *Engine) recoverStale(ctx context.Context) error {
	stale, err := e.store.StaleInProgress(ctx, e.now().Add(-e.applyTimeout))
	if err != nil {
		return fmt.Errorf("failed to list interrupted sync items: %w", err)
	}
	for i := range stale {
		item := &stale[i]
		item.AttemptCount++
		item.LastError = "interrupted before completion"
		item.Status = model.SyncStatusRetry
		if item.AttemptCount >= item.MaxAttempts {
			item.Status = model.SyncStatusFailed
		}
		if err := e.store.UpdateItem(ctx, item); err != nil {
			return err
		}
		e.logger.Warn("Recovered interrupted sync item",
			zap.Int64("item_id", item.ID),
			zap.String("entity_type", string(item.EntityType)),
			zap.String("entity_id", item.EntityID),
			zap.String("status", string(item.Status)),
		)
	}
	return nil
}

// process 返回该项的新状态；取消时把项恢复为原状态、不计入尝试次数并返回空状态
func (e *Engine) process(ctx context.Context, item *model.SyncQueueItem) (model.SyncStatus, error) {
	previous := item.Status
	now := e.now()
	item.Status = model.SyncStatusInProgress
	item.LastAttemptAt = &now
	if err := e.store.UpdateItem(ctx, item); err != nil {
		return "", err
	}

	applyErr := e.apply(ctx, *item)

	if applyErr != nil && ctx.Err() != nil {
		item.Status = previous
		return "", e.store.UpdateItem(context.WithoutCancel(ctx), item)
	}

	if applyErr == nil {
		item.Status = model.SyncStatusSuccess
		item.LastError = ""
	} else {
		item.AttemptCount++
		item.LastError = applyErr.Error()
		item.Status = model.SyncStatusRetry
		var permanent *backoff.PermanentError
		if item.AttemptCount >= item.MaxAttempts || stderrors.As(applyErr, &permanent) {
			item.Status = model.SyncStatusFailed
		}
		e.logger.Warn("Sync item failed",
			zap.Int64("item_id", item.ID),
			zap.String("entity_type", string(item.EntityType)),
			zap.String("entity_id", item.EntityID),
			zap.Int("attempt", item.AttemptCount),
			zap.Int("max_attempts", item.MaxAttempts),
			zap.String("status", string(item.Status)),
			zap.Error(applyErr),
		)
	}
	return item.Status, e.store.UpdateItem(ctx, item)
}

func (e *Engine) apply(ctx context.Context, item model.SyncQueueItem) error {
	a, ok := e.appliers[item.EntityType]
	if !ok {
		return errors.SyncNoApplier.WithMessage(fmt.Sprintf("no applier registered for %q", item.EntityType))
	}

	applyCtx, cancel := context.WithTimeout(ctx, e.applyTimeout)
	defer cancel()
	return a.Apply(applyCtx, item)
}

// SyncNow 立即同步一次（例如网络恢复时），离线时返回 SyncOffline
func (e *Engine) SyncNow(ctx context.Context) (Result, error) {
	if !e.online(ctx) {
		return Result{}, errors.SyncOffline
	}
	return e.Drain(ctx)
}

// run 周期任务：离线或有项未成功时返回错误，调度器据此退避
func (e *Engine) run(ctx context.Context) error {
	res, err := e.SyncNow(ctx)
	if err != nil {
		return err
	}
	if res.Retried > 0 {
		return fmt.Errorf("%d sync items scheduled for retry", res.Retried)
	}
	return nil
}

// Start 以 interval 周期注册到调度器
func (e *Engine) Start(interval time.Duration) error {
	if e.scheduler == nil {
		return fmt.Errorf("sync engine has no scheduler")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	e.scheduler.Schedule(TaskName, interval, e.run)
	return nil
}

func (e *Engine) Stop() {
	if e.scheduler != nil {
		e.scheduler.Cancel(TaskName)
	}
}
