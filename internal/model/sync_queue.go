package model

import "time"

// EntityType 同步实体类型，同时是队列载荷联合类型的标签
type EntityType string

const (
	EntityAttendance EntityType = "attendance"
	EntityLeave      EntityType = "leave"
	EntityUser       EntityType = "user"
)

type SyncOperation string

const (
	SyncOperationCreate SyncOperation = "CREATE"
	SyncOperationUpdate SyncOperation = "UPDATE"
	SyncOperationDelete SyncOperation = "DELETE"
)

type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "PENDING"
	SyncStatusInProgress SyncStatus = "IN_PROGRESS"
	SyncStatusSuccess    SyncStatus = "SUCCESS"
	SyncStatusFailed     SyncStatus = "FAILED"
	SyncStatusRetry      SyncStatus = "RETRY"
)

// DefaultMaxAttempts 单个同步项的默认最大尝试次数
const DefaultMaxAttempts = 3

// SyncQueueItem 本地待同步变更，(EntityType, EntityID) 全局唯一；ID 自增，兼作插入顺序
type SyncQueueItem struct {
	CreatedAt     time.Time     `gorm:"not null" json:"created_at"`
	LastAttemptAt *time.Time    `json:"last_attempt_at,omitempty"`
	EntityType    EntityType    `gorm:"type:varchar(32);not null;uniqueIndex:idx_sync_queue_entity,priority:1" json:"entity_type"`
	EntityID      string        `gorm:"type:varchar(64);not null;uniqueIndex:idx_sync_queue_entity,priority:2" json:"entity_id"`
	Operation     SyncOperation `gorm:"type:varchar(16);not null" json:"operation"`
	Status        SyncStatus    `gorm:"type:varchar(16);not null;index" json:"status"`
	LastError     string        `gorm:"type:text" json:"last_error,omitempty"`
	Payload       []byte        `gorm:"not null" json:"payload"`
	ID            int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	Priority      int           `gorm:"not null;default:0;index" json:"priority"`
	AttemptCount  int           `gorm:"not null;default:0" json:"attempt_count"`
	MaxAttempts   int           `gorm:"not null;default:3" json:"max_attempts"`
}

func (SyncQueueItem) TableName() string {
	return "sync_queue_items"
}

// Drainable 是否应被下一次 drain 选中
func (s SyncStatus) Drainable() bool {
	return s == SyncStatusPending || s == SyncStatusRetry
}

// Terminal 是否为终态，终态项在保留期后清理
func (s SyncStatus) Terminal() bool {
	return s == SyncStatusSuccess || s == SyncStatusFailed
}
