package model

import "time"

// AttendanceStatus 考勤状态枚举
type AttendanceStatus string

const (
	AttendanceStatusPresent        AttendanceStatus = "present"         // 正常
	AttendanceStatusLate           AttendanceStatus = "late"            // 迟到
	AttendanceStatusEarlyDeparture AttendanceStatus = "early_departure" // 早退
	AttendanceStatusAbsent         AttendanceStatus = "absent"          // 缺勤，由缺勤扫描写入
)

// AttendanceRecord 权威考勤记录，每个用户每天至多一条
type AttendanceRecord struct {
	CreatedAt         time.Time        `gorm:"not null;default:now()"`
	UpdatedAt         time.Time        `gorm:"not null;default:now()"`
	CheckInTime       *time.Time       `gorm:"type:timestamptz"`
	CheckOutTime      *time.Time       `gorm:"type:timestamptz"`
	CheckInLatitude   *float64         `gorm:"type:double precision"`
	CheckInLongitude  *float64         `gorm:"type:double precision"`
	CheckOutLatitude  *float64         `gorm:"type:double precision"`
	CheckOutLongitude *float64         `gorm:"type:double precision"`
	SiteID            *int64           `gorm:"index"`
	WorkDate          string           `gorm:"type:varchar(10);not null;uniqueIndex:idx_attendance_user_date,priority:2"`
	Status            AttendanceStatus `gorm:"type:varchar(20);not null;default:'present'"`
	CheckInAddress    string           `gorm:"type:varchar(255)"`
	CheckOutAddress   string           `gorm:"type:varchar(255)"`
	Notes             string           `gorm:"type:text"`
	ID                int64            `gorm:"primaryKey;autoIncrement:false"`
	UserID            int64            `gorm:"not null;uniqueIndex:idx_attendance_user_date,priority:1"`
	WorkingHours      float64          `gorm:"not null;default:0"`
}

// TableName 指定表名
func (AttendanceRecord) TableName() string {
	return "attendance_records"
}

// IsOpen 已签到且未签退
func (r *AttendanceRecord) IsOpen() bool {
	return r != nil && r.CheckInTime != nil && r.CheckOutTime == nil
}

// HasCheckedIn 当天存在签到时间
func (r *AttendanceRecord) HasCheckedIn() bool {
	return r != nil && r.CheckInTime != nil
}

// AppendNote 追加备注，不覆盖已有内容
func AppendNote(existing, note string) string {
	if note == "" {
		return existing
	}
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}
