package eta

import (
	"math"
	"time"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/config"
)

// Model predicts how many minutes a driver needs to reach a pickup that is
// distanceKm away. zoneID is optional; implementations may use it to apply
// zone-specific congestion, and a learned model can replace the default
// behind this interface.
type Model interface {
	Predict(distanceKm float64, now time.Time, zoneID string) int
}

// TimeOfDay is the default model: straight-line distance over an assumed
// urban speed that drops during the morning and evening rush.
type TimeOfDay struct {
	cfg config.EtaConfig
}

// NewTimeOfDay creates the default time-of-day model
func NewTimeOfDay(cfg config.EtaConfig) *TimeOfDay {
	return &TimeOfDay{cfg: cfg}
}

// Predict returns whole minutes, rounded up, never below the configured
// minimum. Rush hours are 07:00-09:00 and 16:00-18:00 in now's location.
func (m *TimeOfDay) Predict(distanceKm float64, now time.Time, zoneID string) int {
	speed := m.cfg.OffPeakSpeedKmh
	if isRushHour(now) {
		speed = m.cfg.RushSpeedKmh
	}
	if zoneID != "" {
		speed *= 1 - m.cfg.ZoneReduction
	}
	if speed <= 0 {
		speed = 1
	}

	minutes := int(math.Ceil(distanceKm / speed * 60))
	if minutes < m.cfg.MinMinutes {
		minutes = m.cfg.MinMinutes
	}
	return minutes
}

func isRushHour(now time.Time) bool {
	h := now.Hour()
	return (h >= 7 && h < 9) || (h >= 16 && h < 18)
}

// Baseline is the coarse half-kilometre-per-minute estimate used when no
// model is wired.
func Baseline(distanceKm float64) int {
	return int(math.Ceil(distanceKm / 0.5))
}
