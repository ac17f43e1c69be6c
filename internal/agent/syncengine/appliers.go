package syncengine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"SiteAttend/config"
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

// LedgerAPI 考勤回放需要的服务端接口
type LedgerAPI interface {
	CheckIn(ctx context.Context, req dto.AttendanceActionRequest) (*dto.AttendanceRecord, api.Result)
	CheckOut(ctx context.Context, req dto.AttendanceActionRequest) (*dto.AttendanceRecord, api.Result)
	Status(ctx context.Context) (*dto.AttendanceStatusData, api.Result)
}

// AttendanceApplier 幂等回放考勤快照，成功后把服务端记录写回本地缓存。
// 服务端按自身时钟判定日期，所以只回放当天的快照。
type AttendanceApplier struct {
	ledger LedgerAPI
	local  localstore.AttendanceStore
	today  func() string
}

type ApplierOption func(*AttendanceApplier)

// WithToday 替换当前工作日的计算方式
func WithToday(today func() string) ApplierOption {
	return func(a *AttendanceApplier) { a.today = today }
}

func NewAttendanceApplier(ledger LedgerAPI, local localstore.AttendanceStore, opts ...ApplierOption) *AttendanceApplier {
	a := &AttendanceApplier{
		ledger: ledger,
		local:  local,
		today: func() string {
			return utils.DayKey(time.Now(), config.Cfg.Location())
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func actionRequest(s *syncq.ActionSnapshot) dto.AttendanceActionRequest {
	req := dto.NewActionRequest(geo.Point{Latitude: *s.Latitude, Longitude: *s.Longitude}, s.Address, s.Notes)
	req.SecurityCheckout = s.SecurityCheckout
	return req
}

func (a *AttendanceApplier) Apply(ctx context.Context, item model.SyncQueueItem) error {
	p, err := syncq.DecodeAttendance(item)
	if err != nil {
		return backoff.Permanent(err)
	}

	// 过期快照按当天动作回放会改写今天的记录
	if today := a.today(); p.WorkDate != today {
		logger.Component("sync").Warn("Discarding attendance snapshot from a past work day",
			zap.String("entity_id", item.EntityID),
			zap.String("user_id", p.UserID),
			zap.String("work_date", p.WorkDate),
			zap.String("today", today),
			zap.Bool("has_check_in", p.CheckIn != nil),
			zap.Bool("has_check_out", p.CheckOut != nil),
		)
		return backoff.Permanent(errors.SyncStaleDay.WithMessage(
			fmt.Sprintf("snapshot for %s cannot be replayed on %s", p.WorkDate, today)))
	}

	var server *dto.AttendanceRecord

	if p.CheckIn != nil {
		rec, res := a.ledger.CheckIn(ctx, actionRequest(p.CheckIn))
		switch {
		case res.OK():
			server = rec
		case res.Rejected(errors.DuplicateCheckIn):
			// 之前的回放已生效
		default:
			return fmt.Errorf("replay check-in: %w", res.Error())
		}
	}

	if p.CheckOut != nil {
		rec, res := a.ledger.CheckOut(ctx, actionRequest(p.CheckOut))
		switch {
		case res.OK():
			server = rec
		case res.Rejected(errors.NoOpenCheckIn):
			closed, err := a.alreadyClosed(ctx)
			if err != nil {
				return err
			}
			if !closed {
				return fmt.Errorf("replay check-out: %w", res.Error())
			}
		default:
			return fmt.Errorf("replay check-out: %w", res.Error())
		}
	}

	if server == nil {
		status, res := a.ledger.Status(ctx)
		if !res.OK() {
			return fmt.Errorf("fetch status after replay: %w", res.Error())
		}
		server = status.Record
	}

	return a.echo(ctx, item.EntityID, p, server)
}

// alreadyClosed 服务端当天记录已签退，说明签退此前已生效
func (a *AttendanceApplier) alreadyClosed(ctx context.Context) (bool, error) {
	status, res := a.ledger.Status(ctx)
	if !res.OK() {
		return false, fmt.Errorf("fetch status: %w", res.Error())
	}
	return status.HasCheckedOut, nil
}

// echo 回写服务端权威记录，只在记录仍属于同一天时覆盖
func (a *AttendanceApplier) echo(ctx context.Context, localID string, p *syncq.AttendancePayload, server *dto.AttendanceRecord) error {
	local, err := a.local.FindByUserDate(ctx, p.UserID, p.WorkDate)
	if err != nil {
		return fmt.Errorf("load local attendance: %w", err)
	}
	if local == nil {
		local = &model.LocalAttendance{LocalID: localID, UserID: p.UserID, WorkDate: p.WorkDate}
	}
	if server == nil || server.Date != p.WorkDate {
		local.IsSynced = true
		return a.local.SaveAttendance(ctx, local)
	}
	localstore.MergeServerRecord(local, server)
	return a.local.SaveAttendance(ctx, local)
}

// Sender 通用 REST 调用
type Sender interface {
	Do(ctx context.Context, method, path string, body, out interface{}) api.Result
}

// RESTApplier 把 leave/user 变更按操作映射为 REST 调用
type RESTApplier struct {
	sender Sender
	path   string
}

func NewRESTApplier(sender Sender, path string) *RESTApplier {
	return &RESTApplier{sender: sender, path: path}
}

func (r *RESTApplier) Apply(ctx context.Context, item model.SyncQueueItem) error {
	payload, err := syncq.Decode(item)
	if err != nil {
		return err
	}

	var method, path string
	switch item.Operation {
	case model.SyncOperationCreate:
		method, path = http.MethodPost, r.path
	case model.SyncOperationUpdate:
		method, path = http.MethodPut, r.path+"/"+item.EntityID
	case model.SyncOperationDelete:
		method, path = http.MethodDelete, r.path+"/"+item.EntityID
		payload = nil
	default:
		return errors.SyncPayloadInvalid.WithMessage(fmt.Sprintf("unknown operation %q", item.Operation))
	}

	var body interface{}
	if payload != nil {
		body = payload
	}
	res := r.sender.Do(ctx, method, path, body, nil)
	if res.OK() {
		return nil
	}
	// 重复删除视为已生效
	if item.Operation == model.SyncOperationDelete && res.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("%s %s: %w", method, path, res.Error())
}
