package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"SiteAttend/config"
	"SiteAttend/internal/model"
	"SiteAttend/pkg/logger"
	"SiteAttend/pkg/metrics"
	"SiteAttend/pkg/snowflake"
	"SiteAttend/storage/database"
	"SiteAttend/utils"
)

// AbsenceService 为前一工作日没有任何记录的已分配用户写入 absent 行
type AbsenceService struct {
	store  AbsenceStore
	nextID func() (int64, error)
	now    func() time.Time
}

func NewAbsenceService(store AbsenceStore, nextID func() (int64, error), now func() time.Time) *AbsenceService {
	if nextID == nil {
		nextID = snowflake.NextID
	}
	if now == nil {
		now = time.Now
	}
	return &AbsenceService{store: store, nextID: nextID, now: now}
}

var (
	absenceService *AbsenceService
	absenceOnce    sync.Once
)

func Absence() *AbsenceService {
	absenceOnce.Do(func() {
		absenceService = NewAbsenceService(NewGormLedgerStore(database.DB()), nil, nil)
	})
	return absenceService
}

// MarkAbsences 对 day（YYYY-MM-DD）执行缺勤清扫，重复执行是幂等的
func (s *AbsenceService) MarkAbsences(ctx context.Context, day string) (int, error) {
	assignments, err := s.store.UnrecordedAssignments(ctx, day)
	if err != nil {
		return 0, err
	}
	if len(assignments) == 0 {
		logger.Logger.Info("Absence sweep found no missing records", zap.String("work_date", day))
		return 0, nil
	}

	now := s.now()
	recs := make([]*model.AttendanceRecord, 0, len(assignments))
	for _, a := range assignments {
		id, err := s.nextID()
		if err != nil {
			return 0, fmt.Errorf("failed to generate record ID: %w", err)
		}
		siteID := a.SiteID
		recs = append(recs, &model.AttendanceRecord{
			ID:        id,
			UserID:    a.UserID,
			WorkDate:  day,
			SiteID:    &siteID,
			Status:    model.AttendanceStatusAbsent,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	created, err := s.store.CreateAbsences(ctx, recs)
	if err != nil {
		return 0, err
	}

	metrics.GetMetrics().RecordAbsenceMarked(ctx, created)
	logger.Logger.Info("Absence sweep completed",
		zap.String("work_date", day),
		zap.Int("candidates", len(assignments)),
		zap.Int("created", created),
	)
	return created, nil
}

// PreviousDay 返回 now 在配置时区下前一天的日期
func PreviousDay(now time.Time) string {
	loc := config.Cfg.Location()
	return now.In(loc).AddDate(0, 0, -1).Format(utils.DateLayout)
}
