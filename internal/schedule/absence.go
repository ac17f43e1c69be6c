package schedule

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"SiteAttend/internal/cache"
	"SiteAttend/internal/service"
	"SiteAttend/pkg/logger"
)

const absenceLockTTL = 10 * time.Minute

// AbsenceMarker 缺勤写入
type AbsenceMarker interface {
	MarkAbsences(ctx context.Context, day string) (int, error)
}

// Locker 多实例部署时保证一次扫描只在一个进程执行
type Locker func(ctx context.Context, key string, ttl time.Duration) (unlock func(), acquired bool, err error)

// RedisLocker 基于 cache.TryLock
func RedisLocker(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lock, err := cache.TryLock(ctx, key, ttl)
	if err != nil {
		return nil, false, err
	}
	if lock == nil {
		return nil, false, nil
	}
	return func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Logger.Warn("Failed to release absence sweep lock", zap.Error(err))
		}
	}, true, nil
}

// AbsenceSweep 为前一天没有考勤记录的已分配用户写入 absent
type AbsenceSweep struct {
	marker AbsenceMarker
	lock   Locker
	now    func() time.Time
}

func NewAbsenceSweep(marker AbsenceMarker, lock Locker, now func() time.Time) *AbsenceSweep {
	if now == nil {
		now = time.Now
	}
	return &AbsenceSweep{marker: marker, lock: lock, now: now}
}

// DefaultAbsenceSweep 使用服务单例与 redis 锁
func DefaultAbsenceSweep() *AbsenceSweep {
	return NewAbsenceSweep(service.Absence(), RedisLocker, time.Now)
}

// Run 执行一次扫描，未获取到锁时直接返回
func (a *AbsenceSweep) Run(ctx context.Context) error {
	day := service.PreviousDay(a.now())

	if a.lock != nil {
		unlock, acquired, err := a.lock(ctx, "absence:"+day, absenceLockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire absence lock: %w", err)
		}
		if !acquired {
			logger.Logger.Info("Absence sweep already running elsewhere, skipping", zap.String("day", day))
			return nil
		}
		defer unlock()
	}

	start := time.Now()
	n, err := a.marker.MarkAbsences(ctx, day)
	if err != nil {
		return fmt.Errorf("failed to mark absences for %s: %w", day, err)
	}

	logger.Logger.Info("Absence sweep finished",
		zap.String("day", day),
		zap.Int("marked", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}
