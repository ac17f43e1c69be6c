package model

import "time"

// LocalAttendance 设备端缓存的考勤记录。离线时先写入此处，同步成功后回填服务端结果
type LocalAttendance struct {
	CreatedAt         time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time        `gorm:"not null" json:"updated_at"`
	CheckInTime       *time.Time       `json:"check_in_time,omitempty"`
	CheckOutTime      *time.Time       `json:"check_out_time,omitempty"`
	CheckInLatitude   *float64         `json:"check_in_latitude,omitempty"`
	CheckInLongitude  *float64         `json:"check_in_longitude,omitempty"`
	CheckOutLatitude  *float64         `json:"check_out_latitude,omitempty"`
	CheckOutLongitude *float64         `json:"check_out_longitude,omitempty"`
	LocalID           string           `gorm:"type:varchar(64);primaryKey" json:"local_id"`
	ServerID          string           `gorm:"type:varchar(32)" json:"server_id,omitempty"`
	UserID            string           `gorm:"type:varchar(64);not null;uniqueIndex:idx_local_attendance_user_date,priority:1" json:"user_id"`
	WorkDate          string           `gorm:"type:varchar(10);not null;uniqueIndex:idx_local_attendance_user_date,priority:2" json:"date"`
	Status            AttendanceStatus `gorm:"type:varchar(20)" json:"status"`
	CheckInAddress    string           `gorm:"type:varchar(255)" json:"check_in_address,omitempty"`
	CheckOutAddress   string           `gorm:"type:varchar(255)" json:"check_out_address,omitempty"`
	Notes             string           `gorm:"type:text" json:"notes"`
	WorkingHours      float64          `json:"working_hours"`
	IsSynced          bool             `gorm:"not null;default:false" json:"is_synced"`
}

func (LocalAttendance) TableName() string {
	return "local_attendance"
}

// IsOpen 已签到且未签退
func (r *LocalAttendance) IsOpen() bool {
	return r != nil && r.CheckInTime != nil && r.CheckOutTime == nil
}

// HasCheckedIn 本地当天已有签到
func (r *LocalAttendance) HasCheckedIn() bool {
	return r != nil && r.CheckInTime != nil
}
