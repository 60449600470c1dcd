package spoof

import (
	"time"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/config"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/geo"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
)

// Flag identifies a single plausibility violation found on a location sample
type Flag string

const (
	FlagStaleLocation Flag = "stale_location"
	FlagSpeedHigh     Flag = "speed_high"
	FlagSpeedElevated Flag = "speed_elevated"
	FlagStaticCoords  Flag = "static_coords"
)

// Detector scores GPS samples for plausibility. It is stateless: the
// consecutive high-risk streak lives on the driver record so that it
// survives restarts, and Track/ShouldDemote fold new readings into it.
type Detector struct {
	cfg config.SpoofConfig
}

// NewDetector creates a detector with the given thresholds
func NewDetector(cfg config.SpoofConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Evaluate scores a location sample against the driver's previous applied
// sample. prev may be nil for a driver's first report. The returned risk is
// in [0, 1]; flags name each heuristic that fired. Evaluation is pure and
// never blocks, so it is safe on the location hot path.
func (d *Detector) Evaluate(prev *models.LocationSample, current models.LocationSample, now time.Time) (float64, []Flag) {
	risk := 0.0
	var flags []Flag

	if now.Sub(current.TS) > time.Duration(d.cfg.StaleAfterSec)*time.Second {
		risk += d.cfg.StaleRisk
		flags = append(flags, FlagStaleLocation)
	}

	if prev != nil {
		dtSec := current.TS.Sub(prev.TS).Seconds()
		if dtSec < 1 {
			dtSec = 1
		}
		distanceKm := geo.Haversine(prev.Lat, prev.Lon, current.Lat, current.Lon)
		speedKmh := distanceKm / dtSec * 3600

		switch {
		case speedKmh > d.cfg.SpeedHighKmh:
			risk += d.cfg.SpeedHighRisk
			flags = append(flags, FlagSpeedHigh)
		case speedKmh > d.cfg.SpeedElevatedKmh:
			risk += d.cfg.SpeedElevated
			flags = append(flags, FlagSpeedElevated)
		}

		// Identical coordinates over a long gap suggest a replayed or
		// simulated feed rather than a parked car with real GPS jitter.
		if distanceKm < d.cfg.StaticDistanceKm && dtSec > float64(d.cfg.StaticAfterSec) {
			risk += d.cfg.StaticRisk
			flags = append(flags, FlagStaticCoords)
		}
	}

	if risk > 1 {
		risk = 1
	}
	return risk, flags
}

// Track folds a new risk reading into a driver's consecutive high-risk
// streak. Any reading below the demotion threshold resets the streak.
func (d *Detector) Track(streak int, risk float64) int {
	if risk >= d.cfg.DemoteThreshold {
		return streak + 1
	}
	return 0
}

// ShouldDemote reports whether a streak is long enough to force the driver
// offline.
func (d *Detector) ShouldDemote(streak int) bool {
	return streak >= d.cfg.DemoteSamples
}

// FlagStrings converts flags for structured logging.
func FlagStrings(flags []Flag) []string {
	if len(flags) == 0 {
		return nil
	}
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}
