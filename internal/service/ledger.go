package service

import (
	"context"

	"SiteAttend/internal/model"
)

// LedgerTx 单个 (user, day) 事务内可用的操作
type LedgerTx interface {
	// FindByUserDate 未找到时返回 nil, nil
	FindByUserDate(ctx context.Context, userID int64, day string) (*model.AttendanceRecord, error)
	// Create 唯一索引冲突时返回 errors.DuplicateCheckIn
	Create(ctx context.Context, rec *model.AttendanceRecord) error
	Save(ctx context.Context, rec *model.AttendanceRecord) error
}

// LedgerStore 权威考勤账本，事务是“每人每天一条”的唯一执行点
type LedgerStore interface {
	// InTx 在持有 (user, day) 排他锁的事务中执行 fn，fn 返回错误时回滚
	InTx(ctx context.Context, userID int64, day string, fn func(tx LedgerTx) error) error
	FindByUserDate(ctx context.Context, userID int64, day string) (*model.AttendanceRecord, error)
	RecordSecurityEvent(ctx context.Context, ev *model.SecurityEvent) error
}

// AbsenceStore 缺勤清扫使用的账本操作
type AbsenceStore interface {
	// UnrecordedAssignments 返回当天没有任何记录的已分配用户
	UnrecordedAssignments(ctx context.Context, day string) ([]model.SiteAssignment, error)
	// CreateAbsences 冲突的行被忽略，返回实际写入条数
	CreateAbsences(ctx context.Context, recs []*model.AttendanceRecord) (int, error)
}
