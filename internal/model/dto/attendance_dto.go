package dto

import (
	"strconv"
	"time"

	"SiteAttend/internal/model"
	"SiteAttend/pkg/geo"
)

// ========== Attendance 相关 DTO ==========

// AttendanceActionRequest 签到/签退请求
type AttendanceActionRequest struct {
	Latitude  *float64 `json:"latitude" validate:"required,latitude"`
	Longitude *float64 `json:"longitude" validate:"required,longitude"`
	Address   string   `json:"address,omitempty" validate:"max=255"`
	Notes     string   `json:"notes,omitempty" validate:"max=1000"`
	// SecurityCheckout 仅由客户端自动安全签退路径设置，只对签退生效
	SecurityCheckout bool `json:"security_checkout,omitempty"`
}

// Point 请求坐标，调用前须已通过校验
func (r AttendanceActionRequest) Point() geo.Point {
	var p geo.Point
	if r.Latitude != nil {
		p.Latitude = *r.Latitude
	}
	if r.Longitude != nil {
		p.Longitude = *r.Longitude
	}
	return p
}

// NewActionRequest 由坐标构造请求
func NewActionRequest(p geo.Point, address, notes string) AttendanceActionRequest {
	lat, lng := p.Latitude, p.Longitude
	return AttendanceActionRequest{
		Latitude:  &lat,
		Longitude: &lng,
		Address:   address,
		Notes:     notes,
	}
}

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// AttendanceRecord 考勤记录响应
type AttendanceRecord struct {
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
	CheckInTime         *time.Time   `json:"check_in_time,omitempty"`
	CheckOutTime        *time.Time   `json:"check_out_time,omitempty"`
	CheckInCoordinates  *Coordinates `json:"check_in_coordinates,omitempty"`
	CheckOutCoordinates *Coordinates `json:"check_out_coordinates,omitempty"`
	ID                  string       `json:"id"`
	UserID              string       `json:"user_id"`
	Date                string       `json:"date"`
	Status              string       `json:"status"`
	Notes               string       `json:"notes"`
	WorkingHours        float64      `json:"working_hours"`
	IsSynced            bool         `json:"is_synced"`
}

// AttendanceStatusData GET /attendance/status 响应
type AttendanceStatusData struct {
	Record        *AttendanceRecord `json:"record"`
	WorkingHours  float64           `json:"working_hours"`
	HasCheckedIn  bool              `json:"has_checked_in"`
	HasCheckedOut bool              `json:"has_checked_out"`
	CanCheckIn    bool              `json:"can_check_in"`
	CanCheckOut   bool              `json:"can_check_out"`
}

func coordinates(lat, lng *float64) *Coordinates {
	if lat == nil || lng == nil {
		return nil
	}
	return &Coordinates{Latitude: *lat, Longitude: *lng}
}

// FromRecord 转换权威记录；服务端记录总是已同步
func FromRecord(rec *model.AttendanceRecord) *AttendanceRecord {
	if rec == nil {
		return nil
	}
	return &AttendanceRecord{
		ID:                  strconv.FormatInt(rec.ID, 10),
		UserID:              strconv.FormatInt(rec.UserID, 10),
		Date:                rec.WorkDate,
		CheckInTime:         rec.CheckInTime,
		CheckOutTime:        rec.CheckOutTime,
		CheckInCoordinates:  coordinates(rec.CheckInLatitude, rec.CheckInLongitude),
		CheckOutCoordinates: coordinates(rec.CheckOutLatitude, rec.CheckOutLongitude),
		Status:              string(rec.Status),
		WorkingHours:        rec.WorkingHours,
		Notes:               rec.Notes,
		IsSynced:            true,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}
}

// NewStatusData 根据当天记录计算状态标志
func NewStatusData(rec *model.AttendanceRecord) *AttendanceStatusData {
	data := &AttendanceStatusData{
		Record:        FromRecord(rec),
		HasCheckedIn:  rec.HasCheckedIn(),
		HasCheckedOut: rec != nil && rec.CheckOutTime != nil,
	}
	if rec != nil {
		data.WorkingHours = rec.WorkingHours
	}
	data.CanCheckIn = !data.HasCheckedIn
	data.CanCheckOut = rec.IsOpen()
	return data
}
