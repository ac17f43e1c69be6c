package queue

import (
	"strconv"
	"time"

	"SiteAttend/internal/model"
)

const (
	RoutingSecurityPrefix = "security."
	RoutingRecordPrefix   = "record."
)

// SecurityEventMessage 地理围栏违规事件
type SecurityEventMessage struct {
	OccurredAt     time.Time `json:"occurred_at"`
	MessageID      string    `json:"message_id"`
	Kind           string    `json:"kind"`
	Action         string    `json:"action"`
	UserID         int64     `json:"user_id,string"`
	SiteID         int64     `json:"site_id,string"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	DistanceMeters float64   `json:"distance_meters"`
	RadiusMeters   float64   `json:"radius_meters"`
}

// NewSecurityEventMessage 由持久化后的事件构造消息，MessageID 取事件主键
func NewSecurityEventMessage(ev *model.SecurityEvent) SecurityEventMessage {
	msg := SecurityEventMessage{
		OccurredAt:     ev.OccurredAt,
		Kind:           string(ev.Kind),
		Action:         ev.Action,
		UserID:         ev.UserID,
		Latitude:       ev.Latitude,
		Longitude:      ev.Longitude,
		DistanceMeters: ev.DistanceMeters,
		RadiusMeters:   ev.RadiusMeters,
	}
	if ev.ID != 0 {
		msg.MessageID = "sec_" + strconv.FormatInt(ev.ID, 10)
	}
	if ev.SiteID != nil {
		msg.SiteID = *ev.SiteID
	}
	return msg
}

// RecordEventMessage 考勤记录变更事件，供报表等下游订阅
type RecordEventMessage struct {
	OccurredAt   time.Time `json:"occurred_at"`
	MessageID    string    `json:"message_id"`
	EventType    string    `json:"event_type"`
	WorkDate     string    `json:"work_date"`
	Status       string    `json:"status"`
	RecordID     int64     `json:"record_id,string"`
	UserID       int64     `json:"user_id,string"`
	WorkingHours float64   `json:"working_hours"`
}
