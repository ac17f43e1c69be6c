package model

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"SiteAttend/pkg/geo"
	"SiteAttend/utils"
)

// Site 站点配置，由站点管理模块维护，考勤核心只读
type Site struct {
	CreatedAt            time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt            time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt            gorm.DeletedAt `gorm:"index" json:"-"`
	Latitude             *float64       `gorm:"type:double precision" json:"latitude,omitempty"`
	Longitude            *float64       `gorm:"type:double precision" json:"longitude,omitempty"`
	Name                 string         `gorm:"type:varchar(128);not null" json:"name"`
	WorkStart            string         `gorm:"type:varchar(8);not null;default:'08:00'" json:"work_start"`
	WorkEnd              string         `gorm:"type:varchar(8);not null;default:'17:00'" json:"work_end"`
	RadiusMeters         float64        `gorm:"not null;default:100" json:"radius_meters"`
	MinimumWorkingHours  float64        `gorm:"not null;default:8" json:"minimum_working_hours"`
	LateThresholdMinutes int            `gorm:"not null;default:15" json:"late_threshold_minutes"`
	ID                   int64          `gorm:"primaryKey;autoIncrement" json:"id,string"`
}

func (Site) TableName() string {
	return "sites"
}

// SiteAssignment 用户所属站点
type SiteAssignment struct {
	CreatedAt time.Time `gorm:"not null;default:now()"`
	UserID    int64     `gorm:"primaryKey;autoIncrement:false"`
	SiteID    int64     `gorm:"not null;index"`
}

func (SiteAssignment) TableName() string {
	return "site_assignments"
}

// SiteGeofence 考勤判定使用的站点策略；Center 为空表示站点未配置坐标
type SiteGeofence struct {
	Center               *geo.Point `json:"center,omitempty"`
	SiteID               int64      `json:"site_id,string"`
	WorkStart            string     `json:"work_start"`
	WorkEnd              string     `json:"work_end"`
	RadiusMeters         float64    `json:"radius_meters"`
	MinimumWorkingHours  float64    `json:"minimum_working_hours"`
	LateThresholdMinutes int        `json:"late_threshold_minutes"`
}

// Geofence 转换为判定策略
func (s *Site) Geofence() SiteGeofence {
	g := SiteGeofence{
		SiteID:               s.ID,
		RadiusMeters:         s.RadiusMeters,
		WorkStart:            s.WorkStart,
		WorkEnd:              s.WorkEnd,
		LateThresholdMinutes: s.LateThresholdMinutes,
		MinimumWorkingHours:  s.MinimumWorkingHours,
	}
	if s.Latitude != nil && s.Longitude != nil {
		g.Center = &geo.Point{Latitude: *s.Latitude, Longitude: *s.Longitude}
	}
	return g
}

// HasCoordinates 站点是否配置了参考坐标
func (g SiteGeofence) HasCoordinates() bool {
	return g.Center != nil
}

// Evaluate 判定坐标与站点的关系；未配置坐标的站点视为始终在围栏内
func (g SiteGeofence) Evaluate(p geo.Point) geo.Evaluation {
	if g.Center == nil {
		return geo.Evaluation{Within: true, Radius: g.RadiusMeters}
	}
	return geo.Evaluate(p, geo.Fence{Center: *g.Center, RadiusMeters: g.RadiusMeters})
}

// CheckInStatus 签到时的状态：晚于 workStart + lateThreshold 为 late，否则 present
func (g SiteGeofence) CheckInStatus(now time.Time) (AttendanceStatus, error) {
	start, err := utils.ParseClock(g.WorkStart, now)
	if err != nil {
		return "", fmt.Errorf("site %d work start: %w", g.SiteID, err)
	}
	deadline := start.Add(time.Duration(g.LateThresholdMinutes) * time.Minute)
	if now.After(deadline) {
		return AttendanceStatusLate, nil
	}
	return AttendanceStatusPresent, nil
}

// CheckOutStatus 签退时重新计算工时与状态：
// workEnd 之前且工时不足 minimumWorkingHours 降级为 early_departure，否则保持签到状态
func (g SiteGeofence) CheckOutStatus(current AttendanceStatus, checkIn, now time.Time) (AttendanceStatus, float64, error) {
	hours := utils.HoursBetween(checkIn, now)

	end, err := utils.ParseClock(g.WorkEnd, now)
	if err != nil {
		return current, hours, fmt.Errorf("site %d work end: %w", g.SiteID, err)
	}
	if now.Before(end) && hours < g.MinimumWorkingHours {
		return AttendanceStatusEarlyDeparture, hours, nil
	}
	return current, hours, nil
}
