package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

var site = Point{Latitude: 11.5515, Longitude: 104.9282}

// metersNorth 返回 site 正北方向 m 米处的坐标
func metersNorth(p Point, m float64) Point {
	return Point{
		Latitude:  p.Latitude + m/(EarthRadiusMeters*math.Pi/180),
		Longitude: p.Longitude,
	}
}

func TestDistance(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Point
		expected float64
		delta    float64
	}{
		{name: "Same point", a: site, b: site, expected: 0, delta: 0},
		{name: "50m north", a: site, b: metersNorth(site, 50), expected: 50, delta: 0.01},
		{name: "150m north", a: site, b: metersNorth(site, 150), expected: 150, delta: 0.01},
		{name: "Phnom Penh to Siem Reap", a: site, b: Point{Latitude: 13.3633, Longitude: 103.8564}, expected: 232000, delta: 3000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Distance(tt.a, tt.b), tt.delta)
		})
	}
}

func TestDistanceSymmetricAndZeroOnlyForEqualPoints(t *testing.T) {
	points := []Point{
		site,
		metersNorth(site, 10),
		{Latitude: -33.8688, Longitude: 151.2093},
		{Latitude: 51.5074, Longitude: -0.1278},
		{Latitude: 0, Longitude: 179.9999},
		{Latitude: 0, Longitude: -179.9999},
	}

	for i, a := range points {
		for j, b := range points {
			ab := Distance(a, b)
			ba := Distance(b, a)
			assert.InDelta(t, ab, ba, 1e-6, "distance must be symmetric")
			if i == j {
				assert.Zero(t, ab)
			} else {
				assert.Greater(t, ab, 0.0)
			}
		}
	}
}

func TestIsWithinBoundaryInclusive(t *testing.T) {
	inside := metersNorth(site, 50)
	outside := metersNorth(site, 150)

	assert.True(t, IsWithin(inside, site, 100))
	assert.False(t, IsWithin(outside, site, 100))

	// 半径恰好等于距离时视为在围栏内
	d := Distance(inside, site)
	assert.True(t, IsWithin(inside, site, d))
	assert.False(t, IsWithin(inside, site, math.Nextafter(d, 0)))
}

func TestEvaluateDefaultsRadius(t *testing.T) {
	ev := Evaluate(metersNorth(site, 99), Fence{Center: site})
	assert.Equal(t, DefaultRadiusMeters, ev.Radius)
	assert.True(t, ev.Within)
	assert.InDelta(t, 99, ev.Distance, 0.01)

	ev = Evaluate(metersNorth(site, 101), Fence{Center: site, RadiusMeters: 100})
	assert.False(t, ev.Within)
}

func TestPointValid(t *testing.T) {
	assert.True(t, site.Valid())
	assert.False(t, Point{Latitude: 91}.Valid())
	assert.False(t, Point{Longitude: -181}.Valid())
	assert.False(t, Point{Latitude: math.NaN()}.Valid())
}
