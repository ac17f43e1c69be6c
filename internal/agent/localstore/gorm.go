package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"SiteAttend/internal/model"
	"SiteAttend/pkg/logger"
)

// GormStore 基于 gorm 的本地存储，postgres 与 mysql 共用
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Open 按驱动名打开数据库并迁移本地表
func Open(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported agent db driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}

	if err := db.AutoMigrate(&model.LocalAttendance{}, &model.SyncQueueItem{}, &model.LocalSite{}); err != nil {
		return nil, fmt.Errorf("failed to migrate local tables: %w", err)
	}

	logger.Logger.Info("Agent local store opened", zap.String("driver", driver))
	return NewGormStore(db), nil
}

// ErrEphemeralStore memory 驱动未被显式允许
var ErrEphemeralStore = errors.New("in-memory store loses queued changes on exit, set AGENT_ALLOW_MEMORY_STORE=true to accept that")

// OpenStore 按驱动打开设备端存储；memory 驱动需要 allowMemory
func OpenStore(driver, dsn string, allowMemory bool) (Store, error) {
	if driver == "memory" {
		if !allowMemory {
			return nil, ErrEphemeralStore
		}
		logger.Logger.Warn("Agent uses in-memory store, queued changes are lost on exit")
		return NewMemoryStore(), nil
	}
	store, err := Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Close 关闭底层连接
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) FindByUserDate(ctx context.Context, userID, day string) (*model.LocalAttendance, error) {
	var rec model.LocalAttendance
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND work_date = ?", userID, day).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load local attendance: %w", err)
	}
	return &rec, nil
}

// SaveAttendance 以 (user_id, work_date) 为冲突键整行更新
func (s *GormStore) SaveAttendance(ctx context.Context, rec *model.LocalAttendance) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "work_date"}},
			UpdateAll: true,
		}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to save local attendance: %w", err)
	}
	return nil
}

func (s *GormStore) LoadSite(ctx context.Context, userID string) (*model.LocalSite, error) {
	var site model.LocalSite
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&site).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cached site: %w", err)
	}
	return &site, nil
}

func (s *GormStore) SaveSite(ctx context.Context, site *model.LocalSite) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(site).Error
	if err != nil {
		return fmt.Errorf("failed to cache site: %w", err)
	}
	return nil
}

func (s *GormStore) ReplaceItem(ctx context.Context, item *model.SyncQueueItem) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("entity_type = ? AND entity_id = ?", item.EntityType, item.EntityID).
			Delete(&model.SyncQueueItem{}).Error; err != nil {
			return fmt.Errorf("failed to delete queued item: %w", err)
		}
		item.ID = 0
		if err := tx.Create(item).Error; err != nil {
			return fmt.Errorf("failed to insert queued item: %w", err)
		}
		return nil
	})
}

func (s *GormStore) DrainableItems(ctx context.Context) ([]model.SyncQueueItem, error) {
	var items []model.SyncQueueItem
	err := s.db.WithContext(ctx).
		Where("status IN ?", []model.SyncStatus{model.SyncStatusPending, model.SyncStatusRetry}).
		Order("priority DESC").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list drainable items: %w", err)
	}
	return items, nil
}

func (s *GormStore) StaleInProgress(ctx context.Context, before time.Time) ([]model.SyncQueueItem, error) {
	var items []model.SyncQueueItem
	err := s.db.WithContext(ctx).
		Where("status = ?", model.SyncStatusInProgress).
		Where("last_attempt_at IS NULL OR last_attempt_at < ?", before).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale items: %w", err)
	}
	return items, nil
}

func (s *GormStore) UpdateItem(ctx context.Context, item *model.SyncQueueItem) error {
	err := s.db.WithContext(ctx).
		Model(&model.SyncQueueItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]interface{}{
			"status":          item.Status,
			"attempt_count":   item.AttemptCount,
			"last_attempt_at": item.LastAttemptAt,
			"last_error":      item.LastError,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update queued item %d: %w", item.ID, err)
	}
	return nil
}

func (s *GormStore) CountItems(ctx context.Context) (QueueCounts, error) {
	var rows []struct {
		Status model.SyncStatus
		Total  int64
	}
	err := s.db.WithContext(ctx).
		Model(&model.SyncQueueItem{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return QueueCounts{}, fmt.Errorf("failed to count queued items: %w", err)
	}

	var c QueueCounts
	for _, r := range rows {
		c.add(r.Status, r.Total)
	}
	return c, nil
}

func (s *GormStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []model.SyncStatus{model.SyncStatusSuccess, model.SyncStatusFailed}, before).
		Delete(&model.SyncQueueItem{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge terminal items: %w", res.Error)
	}
	return res.RowsAffected, nil
}
