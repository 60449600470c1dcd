package scoring

import (
	"math"
	"time"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/config"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/geo"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
)

// Input carries everything known about one driver/job pairing at scoring
// time. HeadingDeg and PickupBearingDeg are -1 when unknown. Stats may be
// nil for a driver with no recorded history.
type Input struct {
	DistanceKm         float64
	CompletedJobs      int
	Stats              *models.DriverStats
	GPSAccuracyM       float64
	HeadingDeg         float64
	PickupBearingDeg   float64
	LastJobCompletedAt *time.Time
	SpoofRisk          float64
	EtaMin             int
}

// Scorer computes driver/job utilities. Every weight and normalisation
// constant comes from configuration so operators can retune dispatch
// behaviour without a deploy. All methods are pure.
type Scorer struct {
	cfg config.ScoringConfig
}

// NewScorer creates a scorer with the given weights
func NewScorer(cfg config.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Utility returns the absolute utility of a pairing in [0, 1], using the
// fixed normalisation ranges (10 km, 200 jobs). The matcher normalises
// distance and workload against the batch instead and blends through
// Combine directly.
func (s *Scorer) Utility(in Input, now time.Time) float64 {
	return s.Combine(
		s.DistanceScore(in.DistanceKm),
		s.FairnessScore(in.CompletedJobs),
		s.IdleBonus(in.LastJobCompletedAt, now),
		s.Reliability(in.Stats),
		s.EtaScore(in.EtaMin),
		s.HeadingBonus(in.HeadingDeg, in.PickupBearingDeg),
		s.GpsPenalty(in.GPSAccuracyM),
		s.SpoofPenalty(in.SpoofRisk),
	)
}

// Combine blends pre-computed sub-scores with the configured weights and
// applies the multiplicative penalties. Sub-scores are expected in [0, 1].
func (s *Scorer) Combine(dist, fairness, idle, reliability, etaScore, headingBonus, gpsPenalty, spoofPenalty float64) float64 {
	base := s.cfg.DistanceWeight*dist +
		s.cfg.FairnessWeight*fairness +
		s.cfg.IdleWeight*idle +
		s.cfg.ReliabilityWeight*reliability +
		s.cfg.EtaWeight*etaScore +
		headingBonus
	return clamp01(base * gpsPenalty * spoofPenalty)
}

// DistanceScore rewards proximity, zeroing out at the normalisation range.
func (s *Scorer) DistanceScore(distanceKm float64) float64 {
	return clamp01(1 - math.Min(1, distanceKm/s.cfg.DistanceNormKm))
}

// FairnessScore rewards drivers who have carried fewer jobs.
func (s *Scorer) FairnessScore(completedJobs int) float64 {
	return clamp01(1 - math.Min(1, float64(completedJobs)/s.cfg.FairnessNormJobs))
}

// IdleBonus rewards time spent waiting since the last completed job, capped
// at the normalisation window. Drivers with no completion history get 0.
func (s *Scorer) IdleBonus(lastJobCompletedAt *time.Time, now time.Time) float64 {
	if lastJobCompletedAt == nil || lastJobCompletedAt.IsZero() {
		return 0
	}
	idleMinutes := now.Sub(*lastJobCompletedAt).Minutes()
	if idleMinutes < 0 {
		idleMinutes = 0
	}
	return clamp01(idleMinutes / s.cfg.IdleNormMinutes)
}

// Reliability folds a driver's track record into [0, 1]. nil stats are
// treated as the new-driver defaults.
func (s *Scorer) Reliability(stats *models.DriverStats) float64 {
	if stats == nil {
		stats = models.NewDriverStats("")
	}
	score := s.cfg.ReliabilityCancelWeight*(1-stats.CancelRate()) +
		s.cfg.ReliabilityNoShowWeight*(1-stats.NoShowRate()) +
		s.cfg.ReliabilityAcceptWeight*stats.AcceptRate +
		s.cfg.ReliabilityRatingWeight*((stats.AvgRating-s.cfg.RatingBaseline)/s.cfg.RatingRange)
	return clamp01(score)
}

// EtaScore rewards quick pickups, zeroing out at the normalisation range.
func (s *Scorer) EtaScore(etaMin int) float64 {
	return clamp01(1 - math.Min(1, float64(etaMin)/s.cfg.EtaNormMinutes))
}

// HeadingBonus grants a small additive bonus when the driver is already
// pointed towards the pickup. Either angle being unknown (-1) yields 0.
func (s *Scorer) HeadingBonus(headingDeg, pickupBearingDeg float64) float64 {
	if headingDeg < 0 || pickupBearingDeg < 0 {
		return 0
	}
	diff := geo.AngularDiff(headingDeg, pickupBearingDeg)
	switch {
	case diff < s.cfg.HeadingTightDeg:
		return s.cfg.HeadingTightBonus
	case diff < s.cfg.HeadingLooseDeg:
		return s.cfg.HeadingLooseBonus
	default:
		return 0
	}
}

// GpsPenalty discounts fixes with poor reported accuracy.
func (s *Scorer) GpsPenalty(accuracyM float64) float64 {
	switch {
	case accuracyM > s.cfg.GpsPoorAccuracyM:
		return s.cfg.GpsPenaltyPoor
	case accuracyM > s.cfg.GpsFairAccuracyM:
		return s.cfg.GpsPenaltyFair
	default:
		return 1
	}
}

// SpoofPenalty discounts suspect GPS feeds in proportion to their risk.
func (s *Scorer) SpoofPenalty(risk float64) float64 {
	return 1 - s.cfg.SpoofPenaltyFactor*risk
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
