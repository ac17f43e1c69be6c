package model

import (
	"time"

	"SiteAttend/pkg/geo"
)

// LocalSite 设备端缓存的站点围栏，服务端不可达时启动与判定都以此为准
type LocalSite struct {
	FetchedAt            time.Time `gorm:"not null" json:"fetched_at"`
	Latitude             *float64  `json:"latitude,omitempty"`
	Longitude            *float64  `json:"longitude,omitempty"`
	UserID               string    `gorm:"type:varchar(64);primaryKey" json:"user_id"`
	WorkStart            string    `gorm:"type:varchar(5);not null" json:"work_start"`
	WorkEnd              string    `gorm:"type:varchar(5);not null" json:"work_end"`
	SiteID               int64     `gorm:"not null" json:"site_id,string"`
	RadiusMeters         float64   `gorm:"not null" json:"radius_meters"`
	MinimumWorkingHours  float64   `gorm:"not null" json:"minimum_working_hours"`
	LateThresholdMinutes int       `gorm:"not null" json:"late_threshold_minutes"`
}

func (LocalSite) TableName() string {
	return "local_site"
}

func NewLocalSite(userID string, fence SiteGeofence, fetchedAt time.Time) LocalSite {
	s := LocalSite{
		FetchedAt:            fetchedAt,
		UserID:               userID,
		SiteID:               fence.SiteID,
		WorkStart:            fence.WorkStart,
		WorkEnd:              fence.WorkEnd,
		RadiusMeters:         fence.RadiusMeters,
		MinimumWorkingHours:  fence.MinimumWorkingHours,
		LateThresholdMinutes: fence.LateThresholdMinutes,
	}
	if fence.Center != nil {
		lat, lng := fence.Center.Latitude, fence.Center.Longitude
		s.Latitude, s.Longitude = &lat, &lng
	}
	return s
}

// Geofence 还原为判定策略
func (s *LocalSite) Geofence() SiteGeofence {
	g := SiteGeofence{
		SiteID:               s.SiteID,
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
