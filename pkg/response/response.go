package response

import (
	"context"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"

	"SiteAttend/pkg/errors"
)

// ErrorResponse 统一的错误响应格式
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Details map[string]interface{} `json:"details,omitempty"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
}

// SuccessResponse 统一的成功响应格式
type SuccessResponse struct {
	Data interface{}            `json:"data"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// StatusFor 将业务错误映射为 HTTP 状态码
func StatusFor(err error) int {
	def, ok := errors.As(err)
	if !ok {
		return http.StatusInternalServerError
	}

	switch def.Code {
	case errors.DuplicateCheckIn.Code:
		return http.StatusConflict // 409
	case errors.OutsideGeofence.Code, errors.NoOpenCheckIn.Code,
		errors.ValidationError.Code, errors.InvalidUserID.Code,
		"INVALID_REQUEST":
		return http.StatusBadRequest // 400
	case errors.Unauthorized.Code:
		return http.StatusUnauthorized // 401
	case errors.SiteNotFound.Code:
		return http.StatusNotFound // 404
	case errors.RateLimited.Code:
		return http.StatusTooManyRequests // 429
	default:
		return http.StatusInternalServerError // 500
	}
}

func detail(err error) (string, string) {
	if def, ok := errors.As(err); ok {
		return def.Code, def.Message
	}
	return "INTERNAL_ERROR", err.Error()
}

// Error 返回错误响应
func Error(ctx context.Context, c *app.RequestContext, err error) {
	ErrorWithDetails(ctx, c, err, nil)
}

func ErrorWithDetails(ctx context.Context, c *app.RequestContext, err error, details map[string]interface{}) {
	code, message := detail(err)
	c.JSON(StatusFor(err), ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func Success(ctx context.Context, c *app.RequestContext, data interface{}) {
	c.JSON(http.StatusOK, SuccessResponse{
		Data: data,
	})
}

// Created 返回 201
func Created(ctx context.Context, c *app.RequestContext, data interface{}) {
	c.JSON(http.StatusCreated, SuccessResponse{
		Data: data,
	})
}

func SuccessWithMeta(ctx context.Context, c *app.RequestContext, data interface{}, meta map[string]interface{}) {
	c.JSON(http.StatusOK, SuccessResponse{
		Data: data,
		Meta: meta,
	})
}

func BindError(ctx context.Context, c *app.RequestContext, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		},
	})
}
