package utils

import (
	"fmt"
	"time"
)

// DateLayout 考勤日期格式
const DateLayout = "2006-01-02"

// ParseClock 解析时间字符串（格式：HH:MM 或 HH:MM:SS）并应用到指定日期所在的那一天
func ParseClock(clock string, date time.Time) (time.Time, error) {
	if clock == "" {
		return date, fmt.Errorf("empty clock value")
	}

	parsed, err := time.Parse("15:04", clock)
	if err != nil {
		parsed, err = time.Parse("15:04:05", clock)
		if err != nil {
			return date, fmt.Errorf("invalid clock value %q: %w", clock, err)
		}
	}

	return time.Date(
		date.Year(),
		date.Month(),
		date.Day(),
		parsed.Hour(),
		parsed.Minute(),
		parsed.Second(),
		0,
		date.Location(),
	), nil
}

// StartOfDay 返回 t 在 loc 时区下当天零点
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// DayKey 返回 t 在 loc 时区下的日期字符串
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}

// HoursBetween 返回两个时间点之间的小时数，结果不小于 0
func HoursBetween(from, to time.Time) float64 {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return d.Hours()
}
