// Package geo 提供地理围栏判定所需的距离计算，纯函数，无副作用。
package geo

import "math"

// EarthRadiusMeters 平均地球半径
const EarthRadiusMeters = 6371000.0

// DefaultRadiusMeters 站点未配置半径时使用的围栏半径
const DefaultRadiusMeters = 100.0

// Point 经纬度坐标（角度制）
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Fence 以参考坐标为圆心的圆形围栏
type Fence struct {
	Center       Point   `json:"center"`
	RadiusMeters float64 `json:"radius_meters"`
}

// Evaluation 一次围栏判定的结果，Distance 用于安全日志
type Evaluation struct {
	Distance float64
	Radius   float64
	Within   bool
}

// Distance 使用 haversine 公式计算两点间大圆距离（米）
func Distance(a, b Point) float64 {
	if a == b {
		return 0
	}

	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := lat2 - lat1
	dLng := toRadians(b.Longitude - a.Longitude)

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	// 浮点误差可能让 h 略大于 1
	h = math.Min(1, h)

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// IsWithin 当且仅当 Distance(current, reference) <= radiusMeters（边界包含）
func IsWithin(current, reference Point, radiusMeters float64) bool {
	return Distance(current, reference) <= radiusMeters
}

// Evaluate 判定坐标是否在围栏内，半径非正时使用默认半径
func Evaluate(current Point, fence Fence) Evaluation {
	radius := fence.RadiusMeters
	if radius <= 0 {
		radius = DefaultRadiusMeters
	}
	d := Distance(current, fence.Center)
	return Evaluation{
		Distance: d,
		Radius:   radius,
		Within:   d <= radius,
	}
}

// Valid 坐标是否在合法范围内
func (p Point) Valid() bool {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) {
		return false
	}
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
