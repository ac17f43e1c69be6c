package handler

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"

	"SiteAttend/internal/middleware"
	"SiteAttend/internal/model"
	"SiteAttend/internal/model/dto"
	"SiteAttend/pkg/errors"
	"SiteAttend/pkg/response"
)

// AttendanceService 处理器依赖的考勤服务
type AttendanceService interface {
	CheckIn(ctx context.Context, userID string, req dto.AttendanceActionRequest) (*dto.AttendanceRecord, error)
	CheckOut(ctx context.Context, userID string, req dto.AttendanceActionRequest) (*dto.AttendanceRecord, error)
	Status(ctx context.Context, userID string) (*dto.AttendanceStatusData, error)
	Site(ctx context.Context, userID string) (*model.SiteGeofence, error)
}

type AttendanceHandler struct {
	svc AttendanceService
}

func NewAttendanceHandler(svc AttendanceService) *AttendanceHandler {
	return &AttendanceHandler{svc: svc}
}

func currentUser(ctx context.Context, c *app.RequestContext) (string, bool) {
	userID, ok := middleware.GetUserID(ctx, c)
	if !ok {
		response.Error(ctx, c, errors.Unauthorized)
		return "", false
	}
	return userID, true
}

// CheckIn 签到
// POST /attendance/check-in
func (h *AttendanceHandler) CheckIn(ctx context.Context, c *app.RequestContext) {
	userID, ok := currentUser(ctx, c)
	if !ok {
		return
	}

	var req dto.AttendanceActionRequest
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	result, err := h.svc.CheckIn(ctx, userID, req)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Created(ctx, c, result)
}

// CheckOut 签退
// POST /attendance/check-out
func (h *AttendanceHandler) CheckOut(ctx context.Context, c *app.RequestContext) {
	userID, ok := currentUser(ctx, c)
	if !ok {
		return
	}

	var req dto.AttendanceActionRequest
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	result, err := h.svc.CheckOut(ctx, userID, req)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, result)
}

// Status 当天考勤状态
// GET /attendance/status
func (h *AttendanceHandler) Status(ctx context.Context, c *app.RequestContext) {
	userID, ok := currentUser(ctx, c)
	if !ok {
		return
	}

	result, err := h.svc.Status(ctx, userID)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, result)
}

// Site 当前用户的站点围栏，供客户端位置监控使用
// GET /attendance/site
func (h *AttendanceHandler) Site(ctx context.Context, c *app.RequestContext) {
	userID, ok := currentUser(ctx, c)
	if !ok {
		return
	}

	fence, err := h.svc.Site(ctx, userID)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, fence)
}
