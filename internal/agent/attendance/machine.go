// Package attendance 设备端考勤状态机：围栏采样触发自动签到与安全签退，网络失败时离线记录并入队。
package attendance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"SiteAttend/internal/agent/api"
	"SiteAttend/internal/agent/localstore"
	"SiteAttend/internal/agent/syncq"
	"SiteAttend/internal/model"
	"SiteAttend/internal/model/dto"
	"SiteAttend/pkg/errors"
	"SiteAttend/pkg/geo"
	"SiteAttend/pkg/logger"
	"SiteAttend/utils"
)

// State 用户当天的考勤状态
type State string

const (
	StateNotCheckedIn State = "NOT_CHECKED_IN"
	StateCheckedIn    State = "CHECKED_IN"
	StateCheckedOut   State = "CHECKED_OUT"
)

const (
	ActionCheckIn          = "check_in"
	ActionCheckOut         = "check_out"
	ActionAutoCheckIn      = "auto_check_in"
	ActionSecurityCheckOut = "security_check_out"
)

const (
	autoNotePrefix     = "[auto] "
	securityNotePrefix = "[security] "
)

// Ledger 服务端考勤接口
type Ledger interface {
	CheckIn(ctx context.Context, req dto.AttendanceActionRequest) (*dto.AttendanceRecord, api.Result)
	CheckOut(ctx context.Context, req dto.AttendanceActionRequest) (*dto.AttendanceRecord, api.Result)
	Status(ctx context.Context) (*dto.AttendanceStatusData, api.Result)
}

// Enqueuer 离线变更入队
type Enqueuer interface {
	Enqueue(ctx context.Context, entityType model.EntityType, entityID string, op model.SyncOperation, payload syncq.Payload, priority int) error
}

// Notifier 向用户展示安全提醒，实现不得阻塞
type Notifier interface {
	SecurityWarning(ctx context.Context, message string)
}

// LogNotifier 只写安全日志
type LogNotifier struct{}

func (LogNotifier) SecurityWarning(ctx context.Context, message string) {
	logger.Security().Warn("Security warning surfaced to user", zap.String("message", message))
}

// Outcome 一次状态变更的结果；Offline 表示已本地记录并入队
type Outcome struct {
	Record  *model.LocalAttendance
	Action  string
	Warning string
	Offline bool
	// Reconciled 服务端已无未结签到，本地缓存按服务端修正
	Reconciled bool
}

// Machine 单个用户会话的状态机，所有变更共享一个“进行中”标记
type Machine struct {
	ledger   Ledger
	local    localstore.AttendanceStore
	queue    Enqueuer
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
	loc      *time.Location
	userID   string
	fence    model.SiteGeofence

	inFlight atomic.Bool

	mu              sync.Mutex
	wasOutside      bool
	invalidLocation bool
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithLocation(loc *time.Location) Option {
	return func(m *Machine) { m.loc = loc }
}

func WithNotifier(n Notifier) Option {
	return func(m *Machine) { m.notifier = n }
}

func WithLocalIDGenerator(fn func() string) Option {
	return func(m *Machine) { m.newID = fn }
}

func NewMachine(userID string, fence model.SiteGeofence, ledger Ledger, local localstore.AttendanceStore, queue Enqueuer, opts ...Option) *Machine {
	m := &Machine{
		ledger:     ledger,
		local:      local,
		queue:      queue,
		notifier:   LogNotifier{},
		logger:     logger.Component("attendance").With(zap.String("user_id", userID)),
		now:        time.Now,
		newID:      uuid.NewString,
		loc:        time.Local,
		userID:     userID,
		fence:      fence,
		wasOutside: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetFence 站点配置刷新后替换围栏
func (m *Machine) SetFence(fence model.SiteGeofence) {
	m.mu.Lock()
	m.fence = fence
	m.mu.Unlock()
}

func (m *Machine) currentFence() model.SiteGeofence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fence
}

func (m *Machine) today() string {
	return utils.DayKey(m.now(), m.loc)
}

// State 由本地当天记录推导
func (m *Machine) State(ctx context.Context) (State, error) {
	rec, err := m.local.FindByUserDate(ctx, m.userID, m.today())
	if err != nil {
		return "", err
	}
	return stateOf(rec), nil
}

func stateOf(rec *model.LocalAttendance) State {
	switch {
	case !rec.HasCheckedIn():
		return StateNotCheckedIn
	case rec.IsOpen():
		return StateCheckedIn
	default:
		return StateCheckedOut
	}
}

// InvalidLocation 已签到但最近一次采样在围栏外
func (m *Machine) InvalidLocation() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidLocation
}

func (m *Machine) acquire() bool {
	return m.inFlight.CompareAndSwap(false, true)
}

func (m *Machine) release() {
	m.inFlight.Store(false)
}

// HandleSample 处理一次定位采样；有操作进行中时本次触发被丢弃，返回 nil
func (m *Machine) HandleSample(ctx context.Context, p geo.Point) (*Outcome, error) {
	fence := m.currentFence()
	eval := fence.Evaluate(p)

	state, err := m.State(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	enteredSite := eval.Within && m.wasOutside
	m.wasOutside = !eval.Within
	m.invalidLocation = state == StateCheckedIn && !eval.Within
	m.mu.Unlock()

	switch {
	case state == StateNotCheckedIn && enteredSite:
		if !m.acquire() {
			m.logger.Debug("Automatic check-in suppressed, operation in flight")
			return nil, nil
		}
		defer m.release()
		note := fmt.Sprintf("%sentered site %d", autoNotePrefix, fence.SiteID)
		return m.checkIn(ctx, ActionAutoCheckIn, p, "", note)

	case state == StateCheckedIn && !eval.Within:
		if !m.acquire() {
			m.logger.Debug("Security check-out suppressed, operation in flight")
			return nil, nil
		}
		defer m.release()
		m.logViolation(ActionSecurityCheckOut, p, eval)
		note := fmt.Sprintf("%sleft site %d at %.0fm (radius %.0fm)", securityNotePrefix, fence.SiteID, eval.Distance, eval.Radius)
		out, err := m.checkOut(ctx, ActionSecurityCheckOut, p, "", note, true)
		if err != nil {
			return nil, err
		}
		out.Warning = fmt.Sprintf("You left the site area (%.0fm away) and were checked out automatically.", eval.Distance)
		if out.Reconciled {
			out.Warning = "You left the site area. Today's attendance was already closed on the server."
		}
		m.notifier.SecurityWarning(ctx, out.Warning)
		return out, nil
	}

	return nil, nil
}

// CheckIn 手动签到
func (m *Machine) CheckIn(ctx context.Context, p geo.Point, address, notes string) (*Outcome, error) {
	if !m.acquire() {
		return nil, errors.OperationInProgress
	}
	defer m.release()
	return m.checkIn(ctx, ActionCheckIn, p, address, notes)
}

// CheckOut 手动签退，始终校验围栏
func (m *Machine) CheckOut(ctx context.Context, p geo.Point, address, notes string) (*Outcome, error) {
	if !m.acquire() {
		return nil, errors.OperationInProgress
	}
	defer m.release()
	return m.checkOut(ctx, ActionCheckOut, p, address, notes, false)
}

// validateFence 在线与离线路径共用的围栏校验
func (m *Machine) validateFence(action string, p geo.Point) error {
	eval := m.currentFence().Evaluate(p)
	if eval.Within {
		return nil
	}
	m.logViolation(action, p, eval)
	return errors.OutsideGeofence.WithMessage(
		fmt.Sprintf("Location is %.0fm from the site, allowed radius is %.0fm", eval.Distance, eval.Radius))
}

func (m *Machine) logViolation(action string, p geo.Point, eval geo.Evaluation) {
	logger.Security().Warn("Geofence violation",
		zap.String("user_id", m.userID),
		zap.Int64("site_id", m.currentFence().SiteID),
		zap.String("action", action),
		zap.Float64("latitude", p.Latitude),
		zap.Float64("longitude", p.Longitude),
		zap.Float64("distance_meters", eval.Distance),
		zap.Float64("radius_meters", eval.Radius),
		zap.String("source", "device"),
	)
}

func (m *Machine) checkIn(ctx context.Context, action string, p geo.Point, address, notes string) (*Outcome, error) {
	day := m.today()
	existing, err := m.local.FindByUserDate(ctx, m.userID, day)
	if err != nil {
		return nil, fmt.Errorf("failed to load local attendance: %w", err)
	}
	if existing.HasCheckedIn() {
		return nil, errors.DuplicateCheckIn
	}
	if err := m.validateFence(action, p); err != nil {
		return nil, err
	}

	rec, res := m.ledger.CheckIn(ctx, dto.NewActionRequest(p, address, notes))
	switch res.Outcome {
	case api.OutcomeOK:
		local := m.localFor(existing, day)
		localstore.MergeServerRecord(local, rec)
		if err := m.local.SaveAttendance(ctx, local); err != nil {
			return nil, fmt.Errorf("failed to cache server record: %w", err)
		}
		m.logger.Info("Checked in", zap.String("action", action), zap.String("status", string(local.Status)))
		return &Outcome{Action: action, Record: local}, nil

	case api.OutcomeNetworkFailure:
		return m.checkInOffline(ctx, action, existing, day, p, address, notes, res)

	case api.OutcomeCanceled:
		return nil, res.Error()
	case api.OutcomeAuthFailure:
		return nil, errors.Unauthorized
	default:
		return nil, res.Error()
	}
}

func (m *Machine) checkInOffline(ctx context.Context, action string, existing *model.LocalAttendance, day string, p geo.Point, address, notes string, res api.Result) (*Outcome, error) {
	if err := m.validateFence(action, p); err != nil {
		return nil, err
	}

	now := m.now()
	status, err := m.currentFence().CheckInStatus(now.In(m.loc))
	if err != nil {
		return nil, err
	}

	local := m.localFor(existing, day)
	lat, lng := p.Latitude, p.Longitude
	local.CheckInTime = &now
	local.CheckInLatitude, local.CheckInLongitude = &lat, &lng
	local.CheckInAddress = address
	local.Status = status
	local.Notes = model.AppendNote(local.Notes, notes)
	local.IsSynced = false

	if err := m.persistOffline(ctx, local); err != nil {
		return nil, err
	}

	m.logger.Info("Checked in offline, queued for sync",
		zap.String("action", action),
		zap.String("local_id", local.LocalID),
		zap.NamedError("network_error", res.Err),
	)
	return &Outcome{Action: action, Record: local, Offline: true}, nil
}

func (m *Machine) checkOut(ctx context.Context, action string, p geo.Point, address, notes string, security bool) (*Outcome, error) {
	day := m.today()
	existing, err := m.local.FindByUserDate(ctx, m.userID, day)
	if err != nil {
		return nil, fmt.Errorf("failed to load local attendance: %w", err)
	}
	if !existing.IsOpen() {
		return nil, errors.NoOpenCheckIn
	}
	if !security {
		if err := m.validateFence(action, p); err != nil {
			return nil, err
		}
	}

	req := dto.NewActionRequest(p, address, notes)
	req.SecurityCheckout = security

	rec, res := m.ledger.CheckOut(ctx, req)
	switch res.Outcome {
	case api.OutcomeOK:
		local := *existing
		localstore.MergeServerRecord(&local, rec)
		if err := m.local.SaveAttendance(ctx, &local); err != nil {
			return nil, fmt.Errorf("failed to cache server record: %w", err)
		}
		m.logger.Info("Checked out", zap.String("action", action), zap.Float64("working_hours", local.WorkingHours))
		return &Outcome{Action: action, Record: &local}, nil

	case api.OutcomeNetworkFailure:
		return m.checkOutOffline(ctx, action, existing, p, address, notes, security, res)

	case api.OutcomeCanceled:
		return nil, res.Error()
	case api.OutcomeAuthFailure:
		return nil, errors.Unauthorized
	}

	if res.Rejected(errors.NoOpenCheckIn) {
		if existing.ServerID == "" {
			// 签到仍在队列中，服务端尚无记录；签退并入同一快照
			return m.checkOutOffline(ctx, action, existing, p, address, notes, security, res)
		}
		return m.reconcileClosed(ctx, action, existing, security)
	}
	return nil, res.Error()
}

// reconcileClosed 服务端已无未结签到（例如在其他设备签退），以服务端记录修正本地缓存；
// 取不到服务端记录时在本地结束该记录，避免后续采样反复触发签退
func (m *Machine) reconcileClosed(ctx context.Context, action string, existing *model.LocalAttendance, security bool) (*Outcome, error) {
	local := *existing
	status, res := m.ledger.Status(ctx)
	if res.OK() && status.Record != nil && status.Record.Date == existing.WorkDate {
		localstore.MergeServerRecord(&local, status.Record)
	}
	if local.IsOpen() {
		now := m.now()
		local.CheckOutTime = &now
		local.IsSynced = true
	}
	if err := m.local.SaveAttendance(ctx, &local); err != nil {
		return nil, fmt.Errorf("failed to reconcile local attendance: %w", err)
	}

	m.logger.Warn("Server has no open check-in, local record reconciled",
		zap.String("action", action),
		zap.String("local_id", local.LocalID),
		zap.Bool("from_server", res.OK() && status.Record != nil),
	)
	if !security {
		return nil, errors.NoOpenCheckIn
	}
	return &Outcome{Action: action, Record: &local, Reconciled: true}, nil
}

func (m *Machine) checkOutOffline(ctx context.Context, action string, existing *model.LocalAttendance, p geo.Point, address, notes string, security bool, res api.Result) (*Outcome, error) {
	if !security {
		if err := m.validateFence(action, p); err != nil {
			return nil, err
		}
	}

	local := *existing
	checkIn := *local.CheckInTime
	now := m.now()
	if now.Before(checkIn) {
		now = checkIn
	}
	status, hours, err := m.currentFence().CheckOutStatus(local.Status, checkIn.In(m.loc), now.In(m.loc))
	if err != nil {
		return nil, err
	}

	lat, lng := p.Latitude, p.Longitude
	local.CheckOutTime = &now
	local.CheckOutLatitude, local.CheckOutLongitude = &lat, &lng
	local.CheckOutAddress = address
	local.Status = status
	local.WorkingHours = hours
	local.IsSynced = false

	if err := m.persistOfflineCheckOut(ctx, &local, existing.Notes, notes, security); err != nil {
		return nil, err
	}

	m.logger.Info("Checked out offline, queued for sync",
		zap.String("action", action),
		zap.String("local_id", local.LocalID),
		zap.Float64("working_hours", hours),
		zap.NamedError("network_error", res.Err),
	)
	return &Outcome{Action: action, Record: &local, Offline: true}, nil
}

func (m *Machine) localFor(existing *model.LocalAttendance, day string) *model.LocalAttendance {
	if existing != nil {
		local := *existing
		return &local
	}
	return &model.LocalAttendance{
		LocalID:  m.newID(),
		UserID:   m.userID,
		WorkDate: day,
	}
}

// persistOffline 先入队再写本地记录，入队失败不留下无法同步的本地变更
func (m *Machine) persistOffline(ctx context.Context, local *model.LocalAttendance) error {
	payload := syncq.AttendancePayload{
		UserID:   local.UserID,
		WorkDate: local.WorkDate,
		CheckIn:  checkInSnapshot(local, local.Notes),
	}
	if err := m.queue.Enqueue(ctx, model.EntityAttendance, local.LocalID, model.SyncOperationCreate, payload, syncq.PriorityHigh); err != nil {
		return fmt.Errorf("failed to queue attendance: %w", err)
	}
	if err := m.local.SaveAttendance(ctx, local); err != nil {
		return fmt.Errorf("failed to save local attendance: %w", err)
	}
	return nil
}

// persistOfflineCheckOut 未同步的签到与签退合并为一个完整快照
func (m *Machine) persistOfflineCheckOut(ctx context.Context, local *model.LocalAttendance, checkInNotes, notes string, security bool) error {
	payload := syncq.AttendancePayload{
		UserID:   local.UserID,
		WorkDate: local.WorkDate,
		CheckOut: &syncq.ActionSnapshot{
			CapturedAt:       *local.CheckOutTime,
			Latitude:         local.CheckOutLatitude,
			Longitude:        local.CheckOutLongitude,
			Address:          local.CheckOutAddress,
			Notes:            notes,
			SecurityCheckout: security,
		},
	}
	op := model.SyncOperationUpdate
	if local.ServerID == "" {
		payload.CheckIn = checkInSnapshot(local, checkInNotes)
		op = model.SyncOperationCreate
	}
	local.Notes = model.AppendNote(checkInNotes, notes)

	if err := m.queue.Enqueue(ctx, model.EntityAttendance, local.LocalID, op, payload, syncq.PriorityHigh); err != nil {
		return fmt.Errorf("failed to queue attendance: %w", err)
	}
	if err := m.local.SaveAttendance(ctx, local); err != nil {
		return fmt.Errorf("failed to save local attendance: %w", err)
	}
	return nil
}

func checkInSnapshot(local *model.LocalAttendance, notes string) *syncq.ActionSnapshot {
	if local.CheckInTime == nil || local.CheckInLatitude == nil || local.CheckInLongitude == nil {
		return nil
	}
	return &syncq.ActionSnapshot{
		CapturedAt: *local.CheckInTime,
		Latitude:   local.CheckInLatitude,
		Longitude:  local.CheckInLongitude,
		Address:    local.CheckInAddress,
		Notes:      notes,
	}
}
