package errors

import stderrors "errors"

func (d Definition) Error() string {
	return d.Message
}

// Is 按错误码比较，便于 errors.Is 穿透 fmt.Errorf 包装
func (d Definition) Is(target error) bool {
	t, ok := target.(Definition)
	return ok && t.Code == d.Code
}

// Definition 表示业务错误码及默认信息。
type Definition struct {
	Code    string
	Message string
}

// 通用错误。
var (
	ValidationError = Definition{Code: "VALIDATION_ERROR", Message: "Validation error"}
	Unauthorized    = Definition{Code: "UNAUTHORIZED", Message: "Unauthorized"}
	InvalidUserID   = Definition{Code: "INVALID_USER_ID", Message: "Invalid user ID format"}
	RateLimited     = Definition{Code: "RATE_LIMITED", Message: "Too many requests"}
)

// 考勤模块错误。
var (
	OutsideGeofence     = Definition{Code: "OUTSIDE_GEOFENCE", Message: "Location is outside the site geofence"}
	DuplicateCheckIn    = Definition{Code: "DUPLICATE_CHECKIN", Message: "Already checked in today"}
	NoOpenCheckIn       = Definition{Code: "NO_OPEN_CHECKIN", Message: "No open check-in for today"}
	OperationInProgress = Definition{Code: "OPERATION_IN_PROGRESS", Message: "Another attendance operation is in progress"}
	SiteNotFound        = Definition{Code: "SITE_NOT_FOUND", Message: "Site not found"}
)

// 同步模块错误。
var (
	SyncPayloadInvalid = Definition{Code: "SYNC_PAYLOAD_INVALID", Message: "Sync payload invalid"}
	SyncNoApplier      = Definition{Code: "SYNC_NO_APPLIER", Message: "No applier registered for entity type"}
	SyncOffline        = Definition{Code: "SYNC_OFFLINE", Message: "Network unavailable, sync skipped"}
	SyncStaleDay       = Definition{Code: "SYNC_STALE_DAY", Message: "Attendance snapshot belongs to a past work day"}
)

// Lookup 提供错误码查询能力。
var Lookup = map[string]Definition{
	ValidationError.Code:     ValidationError,
	Unauthorized.Code:        Unauthorized,
	InvalidUserID.Code:       InvalidUserID,
	RateLimited.Code:         RateLimited,
	OutsideGeofence.Code:     OutsideGeofence,
	DuplicateCheckIn.Code:    DuplicateCheckIn,
	NoOpenCheckIn.Code:       NoOpenCheckIn,
	OperationInProgress.Code: OperationInProgress,
	SiteNotFound.Code:        SiteNotFound,
	SyncPayloadInvalid.Code:  SyncPayloadInvalid,
	SyncNoApplier.Code:       SyncNoApplier,
	SyncOffline.Code:         SyncOffline,
	SyncStaleDay.Code:        SyncStaleDay,
}

// Get 根据错误码返回 Definition，若不存在则返回带原始错误码的通用 Definition。
func Get(code string) Definition {
	if def, ok := Lookup[code]; ok {
		return def
	}
	return Definition{Code: code, Message: "Unexpected error"}
}

// As 从错误链中取出 Definition
func As(err error) (Definition, bool) {
	var def Definition
	if stderrors.As(err, &def) {
		return def, true
	}
	return Definition{}, false
}

// WithMessage 保留错误码，替换提示信息
func (d Definition) WithMessage(msg string) Definition {
	return Definition{Code: d.Code, Message: msg}
}

// SkipMessageError 表示消费者主动跳过的消息（重复投递等），不应重新入队
type SkipMessageError struct {
	Reason string
}

func (e *SkipMessageError) Error() string {
	return "message skipped: " + e.Reason
}
