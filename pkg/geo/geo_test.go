package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversine(t *testing.T) {
	// One degree of latitude along a meridian is ~111.19 km.
	d := Haversine(52.0, -1.0, 53.0, -1.0)
	assert.InDelta(t, 111.19, d, 0.02)

	// Coventry city centre to a pub just south of it.
	d = Haversine(52.4068, -1.5197, 52.4006, -1.5137)
	assert.InDelta(t, 0.80, d, 0.03)

	assert.Equal(t, 0.0, Haversine(52.4068, -1.5197, 52.4068, -1.5197))
}

func TestHaversineSymmetry(t *testing.T) {
	a := Haversine(51.5074, -0.1278, 52.4862, -1.8904)
	b := Haversine(52.4862, -1.8904, 51.5074, -0.1278)
	assert.Equal(t, a, b)
	assert.Greater(t, a, 100.0)
	assert.Less(t, a, 200.0)
}

func TestBearing(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
		delta                  float64
	}{
		{"due north", 52.0, -1.0, 53.0, -1.0, 0.0, 0.01},
		{"due south", 53.0, -1.0, 52.0, -1.0, 180.0, 0.01},
		{"roughly east", 52.0, -1.0, 52.0, 0.0, 89.6, 0.5},
		{"roughly west", 52.0, 0.0, 52.0, -1.0, 270.4, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Bearing(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			assert.InDelta(t, tt.want, got, tt.delta)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.Less(t, got, 360.0)
		})
	}
}

func TestAngularDiff(t *testing.T) {
	tests := []struct {
		a, b, want float64
	}{
		{350, 10, 20},
		{10, 350, 20},
		{0, 180, 180},
		{90, 45, 45},
		{359, 1, 2},
		{720, 0, 0},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.want, AngularDiff(tt.a, tt.b), 1e-9)
	}
}

func TestValidUKCoordinate(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon float64
		want     bool
	}{
		{"coventry", 52.4068, -1.5197, true},
		{"zero marker", 0, 0, false},
		{"nan latitude", math.NaN(), -1.5, false},
		{"infinite longitude", 52.4, math.Inf(1), false},
		{"south of box", 48.9, -1.5, false},
		{"east of box", 52.4, 2.5, false},
		{"north of box", 61.1, -1.5, false},
		{"box corner", 49.5, -8.5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidUKCoordinate(tt.lat, tt.lon))
		})
	}
}

func TestRound6(t *testing.T) {
	assert.Equal(t, 52.400600, Round6(52.40060049))
	assert.Equal(t, -1.513700, Round6(-1.51370001))
	assert.Equal(t, 0.000001, Round6(0.00000051))
}

func TestIndexCellStable(t *testing.T) {
	a := IndexCell(52.4068, -1.5197)
	b := IndexCell(52.4068, -1.5197)
	assert.NotEqual(t, uint64(0), uint64(a))
	assert.Equal(t, a, b)
}

func TestCoverDiskContainsNearbyCells(t *testing.T) {
	const lat, lon = 52.4068, -1.5197

	cells := CoverDisk(lat, lon, 10)
	assert.NotEmpty(t, cells)
	assert.Contains(t, cells, IndexCell(lat, lon))

	// A point ~9.9 km north must fall inside the covering.
	north := IndexCell(lat+9.9/111.195, lon)
	assert.Contains(t, cells, north)
}

func TestCoverDiskSmallRadius(t *testing.T) {
	cells := CoverDisk(52.4068, -1.5197, 0.1)
	assert.NotEmpty(t, cells)
	// Even a tiny radius pads by one ring to absorb boundary straddlers.
	assert.GreaterOrEqual(t, len(cells), 7)
}
