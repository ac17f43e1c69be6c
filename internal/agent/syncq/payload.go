package syncq

import (
	"encoding/json"
	"fmt"
	"time"

	"SiteAttend/internal/model"
	"SiteAttend/pkg/errors"
	"SiteAttend/pkg/validate"
)

// ActionSnapshot 一次签到或签退的本地快照
type ActionSnapshot struct {
	CapturedAt       time.Time `json:"captured_at" validate:"required"`
	Latitude         *float64  `json:"latitude" validate:"required,latitude"`
	Longitude        *float64  `json:"longitude" validate:"required,longitude"`
	Address          string    `json:"address,omitempty" validate:"max=255"`
	Notes            string    `json:"notes,omitempty" validate:"max=1000"`
	SecurityCheckout bool      `json:"security_checkout,omitempty"`
}

// AttendancePayload 本地记录的完整快照，至少包含签到或签退之一
type AttendancePayload struct {
	CheckIn  *ActionSnapshot `json:"check_in,omitempty" validate:"required_without=CheckOut"`
	CheckOut *ActionSnapshot `json:"check_out,omitempty" validate:"required_without=CheckIn"`
	UserID   string          `json:"user_id" validate:"required"`
	WorkDate string          `json:"work_date" validate:"required,datetime=2006-01-02"`
}

type LeavePayload struct {
	LeaveID   string `json:"leave_id" validate:"required"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
	Reason    string `json:"reason" validate:"max=1000"`
	Type      string `json:"type" validate:"required,max=32"`
}

type UserPayload struct {
	FullName *string `json:"full_name,omitempty" validate:"omitempty,max=128"`
	Phone    *string `json:"phone,omitempty" validate:"omitempty,max=32"`
	Email    *string `json:"email,omitempty" validate:"omitempty,email"`
	UserID   string  `json:"user_id" validate:"required"`
}

// Payload 队列载荷联合类型，EntityType 即标签
type Payload interface {
	EntityType() model.EntityType
}

func (AttendancePayload) EntityType() model.EntityType { return model.EntityAttendance }
func (LeavePayload) EntityType() model.EntityType      { return model.EntityLeave }
func (UserPayload) EntityType() model.EntityType       { return model.EntityUser }

// Encode 校验载荷与标签一致并序列化
func Encode(entityType model.EntityType, payload Payload) ([]byte, error) {
	if payload == nil {
		return nil, errors.SyncPayloadInvalid.WithMessage("payload is required")
	}
	if payload.EntityType() != entityType {
		return nil, errors.SyncPayloadInvalid.WithMessage(
			fmt.Sprintf("payload of type %s cannot be queued as %s", payload.EntityType(), entityType))
	}
	if err := validate.Struct(payload); err != nil {
		return nil, errors.SyncPayloadInvalid.WithMessage(err.Error())
	}
	return json.Marshal(payload)
}

// Decode 按队列项标签还原载荷
func Decode(item model.SyncQueueItem) (Payload, error) {
	var p Payload
	switch item.EntityType {
	case model.EntityAttendance:
		p = &AttendancePayload{}
	case model.EntityLeave:
		p = &LeavePayload{}
	case model.EntityUser:
		p = &UserPayload{}
	default:
		return nil, errors.SyncPayloadInvalid.WithMessage(fmt.Sprintf("unknown entity type %q", item.EntityType))
	}
	if err := json.Unmarshal(item.Payload, p); err != nil {
		return nil, errors.SyncPayloadInvalid.WithMessage(err.Error())
	}
	return p, nil
}

// DecodeAttendance 还原考勤载荷
func DecodeAttendance(item model.SyncQueueItem) (*AttendancePayload, error) {
	p, err := Decode(item)
	if err != nil {
		return nil, err
	}
	ap, ok := p.(*AttendancePayload)
	if !ok {
		return nil, errors.SyncPayloadInvalid.WithMessage(fmt.Sprintf("item %d is not an attendance payload", item.ID))
	}
	return ap, nil
}
