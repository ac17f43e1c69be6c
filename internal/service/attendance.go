package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"SiteAttend/config"
	"SiteAttend/internal/cache"
	"SiteAttend/internal/model"
	"SiteAttend/internal/model/dto"
	"SiteAttend/internal/queue"
	pkgerrors "SiteAttend/pkg/errors"
	"SiteAttend/pkg/geo"
	"SiteAttend/pkg/logger"
	"SiteAttend/pkg/metrics"
	"SiteAttend/pkg/snowflake"
	"SiteAttend/pkg/validate"
	"SiteAttend/storage/database"
	"SiteAttend/utils"
)

const (
	ActionCheckIn  = "check_in"
	ActionCheckOut = "check_out"
	// ActionSecurityCheckOut 越界但携带安全签退标记的签退
	ActionSecurityCheckOut = "security_check_out"

	// SecurityOverrideNote 围栏外签退仅凭客户端标记被接受时写入记录备注
	SecurityOverrideNote = "[security-override]"
)

// EventPublisher 领域事件发布协作方
type EventPublisher interface {
	PublishSecurityEvent(ctx context.Context, ev *model.SecurityEvent) error
	PublishRecordEvent(ctx context.Context, eventType string, rec *model.AttendanceRecord) error
}

// StatusCache 当天状态缓存
type StatusCache interface {
	Get(ctx context.Context, userID int64, day string) (*dto.AttendanceStatusData, bool, error)
	Set(ctx context.Context, userID int64, day string, data *dto.AttendanceStatusData) error
	Invalidate(ctx context.Context, userID int64, day string) error
}

// AttendanceService 权威考勤账本
type AttendanceService struct {
	store  LedgerStore
	sites  SiteDirectory
	events EventPublisher
	status StatusCache
	now    func() time.Time
	nextID func() (int64, error)
	loc    *time.Location
}

type Option func(*AttendanceService)

func WithEventPublisher(p EventPublisher) Option {
	return func(s *AttendanceService) { s.events = p }
}

func WithStatusCache(c StatusCache) Option {
	return func(s *AttendanceService) { s.status = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *AttendanceService) { s.now = now }
}

func WithIDGenerator(next func() (int64, error)) Option {
	return func(s *AttendanceService) { s.nextID = next }
}

func WithLocation(loc *time.Location) Option {
	return func(s *AttendanceService) { s.loc = loc }
}

func NewAttendanceService(store LedgerStore, sites SiteDirectory, opts ...Option) *AttendanceService {
	s := &AttendanceService{
		store:  store,
		sites:  sites,
		now:    time.Now,
		nextID: snowflake.NextID,
		loc:    config.Cfg.Location(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	attendanceService *AttendanceService
	attendanceOnce    sync.Once
)

// Attendance 返回基于全局存储初始化的服务实例，须在 storage.Init 之后调用
func Attendance() *AttendanceService {
	attendanceOnce.Do(func() {
		db := database.DB()
		sites := NewGormSiteDirectory(db,
			cache.NewSiteCache(time.Duration(config.Cfg.SiteCacheSeconds)*time.Second),
			DefaultGeofence(),
		)
		attendanceService = NewAttendanceService(
			NewGormLedgerStore(db),
			sites,
			WithEventPublisher(queue.NewPublisher()),
			WithStatusCache(cache.NewStatusCache(time.Duration(config.Cfg.StatusCacheSeconds)*time.Second)),
		)
	})
	return attendanceService
}

func parseUserID(userID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(userID), 10, 64)
	if err != nil || id <= 0 {
		return 0, pkgerrors.InvalidUserID
	}
	return id, nil
}

// geofenceOutcome 事务内的围栏判定结果，事务外据此记录安全事件
type geofenceOutcome struct {
	eval      geo.Evaluation
	violation bool
}

// CheckIn 当天首次签到：查重、围栏、迟到判定与写入在同一事务中完成
func (s *AttendanceService) CheckIn(ctx context.Context, userID string, req dto.AttendanceActionRequest) (*dto.AttendanceRecord, error) {
	uid, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	fence, err := s.sites.Geofence(ctx, uid)
	if err != nil {
		return nil, err
	}

	now := s.now().In(s.loc)
	day := utils.DayKey(now, s.loc)
	point := req.Point()

	var (
		rec     *model.AttendanceRecord
		outcome geofenceOutcome
	)
	err = s.store.InTx(ctx, uid, day, func(tx LedgerTx) error {
		existing, err := tx.FindByUserDate(ctx, uid, day)
		if err != nil {
			return err
		}
		if existing.HasCheckedIn() {
			return pkgerrors.DuplicateCheckIn
		}

		outcome.eval = fence.Evaluate(point)
		if fence.HasCoordinates() && !outcome.eval.Within {
			outcome.violation = true
			return pkgerrors.OutsideGeofence
		}

		status, err := fence.CheckInStatus(now)
		if err != nil {
			return err
		}

		lat, lng := point.Latitude, point.Longitude
		rec = existing
		if rec == nil {
			id, err := s.nextID()
			if err != nil {
				return fmt.Errorf("failed to generate record ID: %w", err)
			}
			rec = &model.AttendanceRecord{ID: id, UserID: uid, WorkDate: day, CreatedAt: now}
		}
		rec.CheckInTime = &now
		rec.CheckInLatitude = &lat
		rec.CheckInLongitude = &lng
		rec.CheckInAddress = req.Address
		rec.Status = status
		rec.Notes = model.AppendNote(rec.Notes, req.Notes)
		rec.UpdatedAt = now
		if fence.SiteID != 0 {
			siteID := fence.SiteID
			rec.SiteID = &siteID
		}

		if existing != nil {
			// 缺勤清扫预写的行，签到后转为正常记录
			return tx.Save(ctx, rec)
		}
		return tx.Create(ctx, rec)
	})

	if outcome.violation {
		s.recordViolation(ctx, uid, fence, ActionCheckIn, point, outcome.eval)
	}
	if err != nil {
		s.recordOutcome(ctx, ActionCheckIn, err)
		return nil, err
	}

	s.afterMutation(ctx, "checked_in", rec)
	s.recordOutcome(ctx, ActionCheckIn, nil)
	metrics.GetMetrics().RecordGeofence(ctx, ActionCheckIn, outcome.eval.Distance, true)

	logger.Logger.Info("Check-in recorded",
		zap.Int64("user_id", uid),
		zap.Int64("record_id", rec.ID),
		zap.String("work_date", day),
		zap.String("status", string(rec.Status)),
		zap.Float64("distance_meters", outcome.eval.Distance),
	)

	return dto.FromRecord(rec), nil
}

// CheckOut 关闭当天的签到记录；安全签退标记只放行越界，不放行其他校验
func (s *AttendanceService) CheckOut(ctx context.Context, userID string, req dto.AttendanceActionRequest) (*dto.AttendanceRecord, error) {
	uid, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	fence, err := s.sites.Geofence(ctx, uid)
	if err != nil {
		return nil, err
	}

	now := s.now().In(s.loc)
	day := utils.DayKey(now, s.loc)
	point := req.Point()

	var (
		rec     *model.AttendanceRecord
		outcome geofenceOutcome
	)
	err = s.store.InTx(ctx, uid, day, func(tx LedgerTx) error {
		existing, err := tx.FindByUserDate(ctx, uid, day)
		if err != nil {
			return err
		}
		if !existing.IsOpen() {
			return pkgerrors.NoOpenCheckIn
		}

		outcome.eval = fence.Evaluate(point)
		if fence.HasCoordinates() && !outcome.eval.Within {
			outcome.violation = true
			if !req.SecurityCheckout {
				return pkgerrors.OutsideGeofence
			}
		}

		checkIn := *existing.CheckInTime
		checkOut := now
		if checkOut.Before(checkIn) {
			checkOut = checkIn
		}

		status, hours, err := fence.CheckOutStatus(existing.Status, checkIn, checkOut)
		if err != nil {
			return err
		}

		lat, lng := point.Latitude, point.Longitude
		rec = existing
		rec.CheckOutTime = &checkOut
		rec.CheckOutLatitude = &lat
		rec.CheckOutLongitude = &lng
		rec.CheckOutAddress = req.Address
		rec.Status = status
		rec.WorkingHours = hours
		rec.Notes = model.AppendNote(rec.Notes, req.Notes)
		if outcome.violation {
			rec.Notes = model.AppendNote(rec.Notes, fmt.Sprintf("%s %.0fm from site %d, radius %.0fm",
				SecurityOverrideNote, outcome.eval.Distance, fence.SiteID, outcome.eval.Radius))
		}
		rec.UpdatedAt = now

		return tx.Save(ctx, rec)
	})

	if outcome.violation {
		action := ActionCheckOut
		if req.SecurityCheckout {
			action = ActionSecurityCheckOut
		}
		s.recordViolation(ctx, uid, fence, action, point, outcome.eval)
	}
	if err != nil {
		s.recordOutcome(ctx, ActionCheckOut, err)
		return nil, err
	}

	s.afterMutation(ctx, "checked_out", rec)
	s.recordOutcome(ctx, ActionCheckOut, nil)
	if !outcome.violation {
		metrics.GetMetrics().RecordGeofence(ctx, ActionCheckOut, outcome.eval.Distance, true)
	}

	logger.Logger.Info("Check-out recorded",
		zap.Int64("user_id", uid),
		zap.Int64("record_id", rec.ID),
		zap.String("work_date", day),
		zap.String("status", string(rec.Status)),
		zap.Float64("working_hours", rec.WorkingHours),
		zap.Bool("security_checkout", req.SecurityCheckout),
	)

	return dto.FromRecord(rec), nil
}

// Status 当天考勤状态，优先读缓存
func (s *AttendanceService) Status(ctx context.Context, userID string) (*dto.AttendanceStatusData, error) {
	uid, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}

	day := utils.DayKey(s.now(), s.loc)

	if s.status != nil {
		data, found, err := s.status.Get(ctx, uid, day)
		if err != nil {
			logger.Logger.Warn("Status cache unavailable",
				zap.Int64("user_id", uid),
				zap.Error(err),
			)
		} else if found {
			return data, nil
		}
	}

	rec, err := s.store.FindByUserDate(ctx, uid, day)
	if err != nil {
		return nil, err
	}

	data := dto.NewStatusData(rec)
	if s.status != nil {
		if err := s.status.Set(ctx, uid, day, data); err != nil {
			logger.Logger.Warn("Failed to cache attendance status",
				zap.Int64("user_id", uid),
				zap.Error(err),
			)
		}
	}
	return data, nil
}

// Site 返回调用者适用的站点策略，agent 用于本地围栏判定
func (s *AttendanceService) Site(ctx context.Context, userID string) (*model.SiteGeofence, error) {
	uid, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}
	fence, err := s.sites.Geofence(ctx, uid)
	if err != nil {
		return nil, err
	}
	return &fence, nil
}

// recordViolation 安全日志 + security_events + MQ；失败只记录日志，不影响请求结果
func (s *AttendanceService) recordViolation(ctx context.Context, uid int64, fence model.SiteGeofence, action string, p geo.Point, eval geo.Evaluation) {
	logger.Security().Warn("Geofence violation",
		zap.Int64("user_id", uid),
		zap.Int64("site_id", fence.SiteID),
		zap.String("action", action),
		zap.Float64("latitude", p.Latitude),
		zap.Float64("longitude", p.Longitude),
		zap.Float64("distance_meters", eval.Distance),
		zap.Float64("radius_meters", eval.Radius),
	)
	metrics.GetMetrics().RecordGeofence(ctx, action, eval.Distance, false)

	ev := &model.SecurityEvent{
		OccurredAt:     s.now(),
		Kind:           model.SecurityEventGeofenceViolation,
		Action:         action,
		UserID:         uid,
		Latitude:       p.Latitude,
		Longitude:      p.Longitude,
		DistanceMeters: eval.Distance,
		RadiusMeters:   eval.Radius,
	}
	if fence.SiteID != 0 {
		siteID := fence.SiteID
		ev.SiteID = &siteID
	}

	// 请求可能已被取消，审计记录仍需落库
	auditCtx := context.WithoutCancel(ctx)
	if err := s.store.RecordSecurityEvent(auditCtx, ev); err != nil {
		logger.Logger.Error("Failed to persist security event",
			zap.Int64("user_id", uid),
			zap.Error(err),
		)
	}
	if s.events != nil {
		if err := s.events.PublishSecurityEvent(auditCtx, ev); err != nil {
			logger.Logger.Warn("Failed to publish security event",
				zap.Int64("user_id", uid),
				zap.Error(err),
			)
		}
	}
}

func (s *AttendanceService) afterMutation(ctx context.Context, eventType string, rec *model.AttendanceRecord) {
	if s.status != nil {
		if err := s.status.Invalidate(ctx, rec.UserID, rec.WorkDate); err != nil {
			logger.Logger.Warn("Failed to invalidate attendance status",
				zap.Int64("user_id", rec.UserID),
				zap.Error(err),
			)
		}
	}
	if s.events != nil {
		if err := s.events.PublishRecordEvent(ctx, eventType, rec); err != nil {
			logger.Logger.Debug("Record event not published", zap.Error(err))
		}
	}
}

func (s *AttendanceService) recordOutcome(ctx context.Context, action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if def, ok := pkgerrors.As(err); ok {
			outcome = def.Code
		} else if errors.Is(err, context.Canceled) {
			outcome = "canceled"
		}
	}
	metrics.GetMetrics().RecordAttendanceAction(ctx, action, outcome)
}
