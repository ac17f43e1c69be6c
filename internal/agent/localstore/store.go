// Package localstore 设备端持久化：本地考勤缓存与同步队列。
package localstore

import (
	"context"
	"time"

	"SiteAttend/internal/model"
	"SiteAttend/internal/model/dto"
)

// AttendanceStore 本地考勤缓存，按 (userID, workDate) 唯一
type AttendanceStore interface {
	FindByUserDate(ctx context.Context, userID, day string) (*model.LocalAttendance, error)
	SaveAttendance(ctx context.Context, rec *model.LocalAttendance) error
}

// QueueCounts 队列按状态聚合
type QueueCounts struct {
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"in_progress"`
	Retry      int64 `json:"retry"`
	Failed     int64 `json:"failed"`
	Succeeded  int64 `json:"succeeded"`
}

// Outstanding 尚未到达终态的项数
func (c QueueCounts) Outstanding() int64 {
	return c.Pending + c.InProgress + c.Retry
}

// QueueStore 同步队列存储
type QueueStore interface {
	// ReplaceItem 删除同键旧项后插入新项，两步在同一事务内
	ReplaceItem(ctx context.Context, item *model.SyncQueueItem) error
	// DrainableItems PENDING/RETRY 项，按优先级降序、插入顺序升序
	DrainableItems(ctx context.Context) ([]model.SyncQueueItem, error)
	// StaleInProgress 最近一次尝试早于 before（或从未记录）的 IN_PROGRESS 项，进程中断后遗留
	StaleInProgress(ctx context.Context, before time.Time) ([]model.SyncQueueItem, error)
	UpdateItem(ctx context.Context, item *model.SyncQueueItem) error
	CountItems(ctx context.Context) (QueueCounts, error)
	// PurgeTerminal 删除 before 之前创建的终态项
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

// SiteStore 站点围栏缓存，每个用户一行
type SiteStore interface {
	LoadSite(ctx context.Context, userID string) (*model.LocalSite, error)
	SaveSite(ctx context.Context, site *model.LocalSite) error
}

// Store 设备端完整存储
type Store interface {
	AttendanceStore
	QueueStore
	SiteStore
}

// MergeServerRecord 用服务端权威记录覆盖本地缓存，并标记已同步
func MergeServerRecord(dst *model.LocalAttendance, rec *dto.AttendanceRecord) {
	dst.ServerID = rec.ID
	dst.UserID = rec.UserID
	dst.WorkDate = rec.Date
	dst.CheckInTime = rec.CheckInTime
	dst.CheckOutTime = rec.CheckOutTime
	dst.CheckInLatitude, dst.CheckInLongitude = nil, nil
	if c := rec.CheckInCoordinates; c != nil {
		lat, lng := c.Latitude, c.Longitude
		dst.CheckInLatitude, dst.CheckInLongitude = &lat, &lng
	}
	dst.CheckOutLatitude, dst.CheckOutLongitude = nil, nil
	if c := rec.CheckOutCoordinates; c != nil {
		lat, lng := c.Latitude, c.Longitude
		dst.CheckOutLatitude, dst.CheckOutLongitude = &lat, &lng
	}
	dst.Status = model.AttendanceStatus(rec.Status)
	dst.WorkingHours = rec.WorkingHours
	dst.Notes = rec.Notes
	dst.IsSynced = true
}
