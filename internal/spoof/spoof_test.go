package spoof

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/config"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
)

const (
	testLat = 51.5074
	testLon = -0.1278
)

func sample(lat, lon float64, ts time.Time) models.LocationSample {
	return models.LocationSample{DriverID: "driver-1", Lat: lat, Lon: lon, Heading: -1, TS: ts}
}

func TestEvaluateFirstSampleIsClean(t *testing.T) {
	d := NewDetector(config.DefaultSpoof())
	now := time.Now()

	risk, flags := d.Evaluate(nil, sample(testLat, testLon, now), now)

	assert.Zero(t, risk)
	assert.Empty(t, flags)
}

func TestEvaluateStaleLocation(t *testing.T) {
	d := NewDetector(config.DefaultSpoof())
	now := time.Now()

	risk, flags := d.Evaluate(nil, sample(testLat, testLon, now.Add(-25*time.Second)), now)

	assert.InDelta(t, 0.25, risk, 1e-9)
	assert.Equal(t, []Flag{FlagStaleLocation}, flags)

	// Exactly at the threshold is still fresh.
	risk, flags = d.Evaluate(nil, sample(testLat, testLon, now.Add(-20*time.Second)), now)
	assert.Zero(t, risk)
	assert.Empty(t, flags)
}

func TestEvaluateSpeedTiers(t *testing.T) {
	d := NewDetector(config.DefaultSpoof())
	now := time.Now()
	prevTS := now.Add(-60 * time.Second)

	tests := []struct {
		name     string
		latDelta float64
		risk     float64
		flags    []Flag
	}{
		// 0.03 deg latitude is ~3.34 km; over 60s that is ~200 km/h.
		{"impossible speed", 0.03, 0.55, []Flag{FlagSpeedHigh}},
		// 0.02 deg is ~2.22 km; over 60s that is ~133 km/h.
		{"elevated speed", 0.02, 0.35, []Flag{FlagSpeedElevated}},
		// 0.01 deg is ~1.11 km; over 60s that is ~67 km/h.
		{"normal speed", 0.01, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := sample(testLat, testLon, prevTS)
			curr := sample(testLat+tt.latDelta, testLon, now)

			risk, flags := d.Evaluate(&prev, curr, now)

			assert.InDelta(t, tt.risk, risk, 1e-9)
			assert.Equal(t, tt.flags, flags)
		})
	}
}

func TestEvaluateHighSpeedIsNotAlsoElevated(t *testing.T) {
	d := NewDetector(config.DefaultSpoof())
	now := time.Now()

	prev := sample(testLat, testLon, now.Add(-60*time.Second))
	curr := sample(testLat+0.05, testLon, now)

	risk, flags := d.Evaluate(&prev, curr, now)

	assert.InDelta(t, 0.55, risk, 1e-9)
	assert.Equal(t, []Flag{FlagSpeedHigh}, flags)
}

func TestEvaluateZeroGapFlooredToOneSecond(t *testing.T) {
	d := NewDetector(config.DefaultSpoof())
	now := time.Now()

	// Same timestamp, ~50m apart. With the gap floored to 1s the implied
	// speed is ~180 km/h rather than infinite.
	prev := sample(testLat, testLon, now)
	curr := sample(testLat+0.00045, testLon, now)

	risk, flags := d.Evaluate(&prev, curr, now)

	assert.InDelta(t, 0.55, risk, 1e-9)
	assert.Equal(t, []Flag{FlagSpeedHigh}, flags)
}

func TestEvaluateStaticCoords(t *testing.T) {
	d := NewDetector(config.DefaultSpoof())
	now := time.Now()

	prev := sample(testLat, testLon, now.Add(-120*time.Second))
	curr := sample(testLat, testLon, now)

	risk, flags := d.Evaluate(&prev, curr, now)

	assert.InDelta(t, 0.10, risk, 1e-9)
	assert.Equal(t, []Flag{FlagStaticCoords}, flags)
}

func TestEvaluateStaticCoordsNeedsLongGap(t *testing.T) {
	d := NewDetector(config.DefaultSpoof())
	now := time.Now()

	prev := sample(testLat, testLon, now.Add(-30*time.Second))
	curr := sample(testLat, testLon, now)

	risk, flags := d.Evaluate(&prev, curr, now)

	assert.Zero(t, risk)
	assert.Empty(t, flags)
}

func TestEvaluateParkedCarWithJitterIsNotStatic(t *testing.T) {
	d := NewDetector(config.DefaultSpoof())
	now := time.Now()

	// ~11m of drift over two minutes: real GPS noise, not a frozen feed.
	prev := sample(testLat, testLon, now.Add(-120*time.Second))
	curr := sample(testLat+0.0001, testLon, now)

	risk, flags := d.Evaluate(&prev, curr, now)

	assert.Zero(t, risk)
	assert.Empty(t, flags)
}

func TestEvaluateAccumulatesAcrossHeuristics(t *testing.T) {
	d := NewDetector(config.DefaultSpoof())
	now := time.Now()

	// Stale sample that also teleported: both heuristics fire.
	prev := sample(testLat, testLon, now.Add(-90*time.Second))
	curr := sample(testLat+0.05, testLon, now.Add(-25*time.Second))

	risk, flags := d.Evaluate(&prev, curr, now)

	assert.InDelta(t, 0.80, risk, 1e-9)
	assert.Equal(t, []Flag{FlagStaleLocation, FlagSpeedHigh}, flags)
}

func TestEvaluateRiskClampedToOne(t *testing.T) {
	cfg := config.DefaultSpoof()
	cfg.StaleRisk = 0.6
	cfg.SpeedHighRisk = 0.7
	d := NewDetector(cfg)
	now := time.Now()

	prev := sample(testLat, testLon, now.Add(-90*time.Second))
	curr := sample(testLat+0.05, testLon, now.Add(-25*time.Second))

	risk, _ := d.Evaluate(&prev, curr, now)

	assert.Equal(t, 1.0, risk)
}

func TestTrackStreak(t *testing.T) {
	d := NewDetector(config.DefaultSpoof())

	streak := 0
	streak = d.Track(streak, 0.9)
	assert.Equal(t, 1, streak)
	streak = d.Track(streak, 0.8)
	assert.Equal(t, 2, streak)
	assert.False(t, d.ShouldDemote(streak))

	streak = d.Track(streak, 0.85)
	assert.Equal(t, 3, streak)
	assert.True(t, d.ShouldDemote(streak))

	// A single clean reading resets the streak.
	streak = d.Track(streak, 0.3)
	assert.Equal(t, 0, streak)
	assert.False(t, d.ShouldDemote(streak))
}

func TestFlagStrings(t *testing.T) {
	assert.Nil(t, FlagStrings(nil))
	assert.Equal(t, []string{"stale_location", "speed_high"}, FlagStrings([]Flag{FlagStaleLocation, FlagSpeedHigh}))
}
