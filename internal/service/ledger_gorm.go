package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/dbresolver"

	"SiteAttend/internal/model"
	pkgerrors "SiteAttend/pkg/errors"
)

// GormLedgerStore 基于 gorm 的账本实现，postgres 下额外使用 advisory lock
type GormLedgerStore struct {
	db *gorm.DB
}

func NewGormLedgerStore(db *gorm.DB) *GormLedgerStore {
	return &GormLedgerStore{db: db}
}

// lockKey 将 (user, day) 映射为 advisory lock 的 bigint 键
func lockKey(userID int64, day string) int64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "attendance:%d:%s", userID, day)
	return int64(h.Sum64())
}

func (s *GormLedgerStore) InTx(ctx context.Context, userID int64, day string, fn func(tx LedgerTx) error) error {
	return s.db.WithContext(ctx).Clauses(dbresolver.Write).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", lockKey(userID, day)).Error; err != nil {
				return fmt.Errorf("failed to acquire attendance lock: %w", err)
			}
		}
		return fn(&gormLedgerTx{tx: tx})
	})
}

func (s *GormLedgerStore) FindByUserDate(ctx context.Context, userID int64, day string) (*model.AttendanceRecord, error) {
	// 读主库，避免刚写入的记录因副本延迟不可见
	return findByUserDate(s.db.WithContext(ctx).Clauses(dbresolver.Write), userID, day)
}

func (s *GormLedgerStore) RecordSecurityEvent(ctx context.Context, ev *model.SecurityEvent) error {
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("failed to record security event: %w", err)
	}
	return nil
}

func (s *GormLedgerStore) UnrecordedAssignments(ctx context.Context, day string) ([]model.SiteAssignment, error) {
	var rows []model.SiteAssignment
	err := s.db.WithContext(ctx).
		Where("NOT EXISTS (SELECT 1 FROM attendance_records ar WHERE ar.user_id = site_assignments.user_id AND ar.work_date = ?)", day).
		Order("user_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unrecorded assignments: %w", err)
	}
	return rows, nil
}

func (s *GormLedgerStore) CreateAbsences(ctx context.Context, recs []*model.AttendanceRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(recs, 200)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to create absence records: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

type gormLedgerTx struct {
	tx *gorm.DB
}

func (t *gormLedgerTx) FindByUserDate(ctx context.Context, userID int64, day string) (*model.AttendanceRecord, error) {
	return findByUserDate(t.tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), userID, day)
}

func (t *gormLedgerTx) Create(ctx context.Context, rec *model.AttendanceRecord) error {
	err := t.tx.WithContext(ctx).Create(rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return pkgerrors.DuplicateCheckIn
	}
	if err != nil {
		return fmt.Errorf("failed to create attendance record: %w", err)
	}
	return nil
}

func (t *gormLedgerTx) Save(ctx context.Context, rec *model.AttendanceRecord) error {
	if err := t.tx.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("failed to save attendance record: %w", err)
	}
	return nil
}

func findByUserDate(db *gorm.DB, userID int64, day string) (*model.AttendanceRecord, error) {
	var rec model.AttendanceRecord
	err := db.Where("user_id = ? AND work_date = ?", userID, day).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query attendance record: %w", err)
	}
	return &rec, nil
}
