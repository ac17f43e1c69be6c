package model

import "time"

type SecurityEventKind string

const (
	SecurityEventGeofenceViolation SecurityEventKind = "geofence_violation"
)

// SecurityEvent 安全审计事件，所有地理围栏拒绝都会记录
type SecurityEvent struct {
	OccurredAt     time.Time         `gorm:"type:timestamptz;not null;index" json:"occurred_at"`
	SiteID         *int64            `gorm:"index" json:"site_id,omitempty"`
	Kind           SecurityEventKind `gorm:"type:varchar(32);not null" json:"kind"`
	Action         string            `gorm:"type:varchar(16);not null" json:"action"`
	ID             int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         int64             `gorm:"not null;index" json:"user_id,string"`
	Latitude       float64           `gorm:"type:double precision" json:"latitude"`
	Longitude      float64           `gorm:"type:double precision" json:"longitude"`
	DistanceMeters float64           `json:"distance_meters"`
	RadiusMeters   float64           `json:"radius_meters"`
}

func (SecurityEvent) TableName() string {
	return "security_events"
}
