package matching

import (
	"context"
	"runtime/debug"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/internal/bidding"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/eta"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/scoring"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/store"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/config"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/geo"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/resilience"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/tracing"
)

var (
	matchCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_match_cycles_total",
		Help: "Matcher invocations, by algorithm",
	}, []string{"algorithm"})

	matchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_match_duration_seconds",
		Help:    "Wall time of one matcher invocation",
		Buckets: prometheus.DefBuckets,
	})

	matchAssignments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_match_assignments_total",
		Help: "Driver/job pairings produced by the matcher",
	})

	matchRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_match_requeued_total",
		Help: "Jobs whose bidders were all taken elsewhere, returned to pending",
	})

	matchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_match_failures_total",
		Help: "Matcher invocations abandoned, by stage",
	}, []string{"stage"})
)

// Assignment pairs one job with its winning bid.
type Assignment struct {
	Job    *models.Job
	Bid    *models.Bid
	Score  float64
	EtaMin int
	// Losers holds the job's other bidders, for the lost notifications.
	Losers []*models.Bid
}

// Requeue is a job that collected bids but lost every bidder to another job
// in the same batch. It returns to pending and re-enters a later round.
type Requeue struct {
	Job  *models.Job
	Bids []*models.Bid
}

// Plan is the full outcome of one matcher invocation, handed to the
// committer as a unit. Snapshots carry the scored bid lists for every job
// that had bids.
type Plan struct {
	Assignments []Assignment
	Requeued    []Requeue
	NoBids      []*models.Job
	Snapshots   map[string][]models.BidSnapshot
}

// Committer persists and announces a plan. Implementations must be
// idempotent per job so a whole-batch retry never double-assigns.
type Committer interface {
	Commit(ctx context.Context, plan Plan) error
}

// driverProfile is the per-driver context fetched once per batch.
type driverProfile struct {
	heading     float64
	accuracyM   float64
	spoofRisk   float64
	lastJobDone *time.Time
	stats       *models.DriverStats
}

// Matcher turns a drained batch of closed auctions into a global assignment:
// at most one job per driver and one driver per job, chosen by utility score
// across the whole batch rather than per job. It is the bidding stage's
// drainer; invocations arrive serialized.
type Matcher struct {
	store     store.Store
	scorer    *scoring.Scorer
	eta       eta.Model
	committer Committer
	cfg       config.EngineConfig
	log       *zap.Logger
}

// NewMatcher builds the matching stage.
func NewMatcher(st store.Store, sc *scoring.Scorer, model eta.Model, committer Committer, cfg config.EngineConfig, log *zap.Logger) *Matcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Matcher{
		store:     st,
		scorer:    sc,
		eta:       model,
		committer: committer,
		cfg:       cfg,
		log:       log,
	}
}

// MatchBatch scores every bid in the batch, assigns greedily (or by cost
// matrix for large pools), and commits the plan. Any panic or a commit that
// fails its one retry returns the whole batch to pending; nothing partial
// survives an abandoned invocation beyond what the committer already made
// durable per job.
func (m *Matcher) MatchBatch(ctx context.Context, batch []bidding.ClosedAuction) {
	ctx, span := tracing.StartSpan(ctx, "matching", "MatchBatch")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			matchFailures.WithLabelValues("panic").Inc()
			tracing.AddSpanEvent(ctx, "matcher_panicked")
			m.log.Error("matcher panicked, requeueing batch",
				zap.Any("panic", r),
				zap.Int("jobs", len(batch)),
				zap.String("stack", string(debug.Stack())))
			m.requeueAll(ctx, batch)
		}
	}()

	if len(batch) == 0 {
		return
	}
	started := time.Now()
	now := started.UTC()
	tracing.AddSpanAttributes(ctx, tracing.BatchJobsKey.Int(len(batch)))

	plan, algorithm := m.plan(ctx, batch, now)

	retry := resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: m.cfg.PublishBackoff(),
		MaxBackoff:     m.cfg.PublishBackoff() * 4,
	}
	_, err := resilience.RetryWithName(ctx, retry, func(ctx context.Context) (interface{}, error) {
		return nil, m.committer.Commit(ctx, plan)
	}, "match-commit")
	if err != nil {
		matchFailures.WithLabelValues("commit").Inc()
		tracing.RecordError(ctx, err)
		m.log.Error("batch commit failed after retry, requeueing",
			zap.Int("jobs", len(batch)),
			zap.Error(err))
		m.requeueAll(ctx, batch)
		return
	}

	matchCycles.WithLabelValues(algorithm).Inc()
	matchDuration.Observe(time.Since(started).Seconds())
	matchAssignments.Add(float64(len(plan.Assignments)))
	matchRequeued.Add(float64(len(plan.Requeued)))
	tracing.AddSpanEvent(ctx, "batch_committed",
		attribute.String("algorithm", algorithm),
		attribute.Int("assignments", len(plan.Assignments)),
		attribute.Int("requeued", len(plan.Requeued)),
	)
	m.log.Info("batch matched",
		zap.String("algorithm", algorithm),
		zap.Int("jobs", len(batch)),
		zap.Int("assigned", len(plan.Assignments)),
		zap.Int("requeued", len(plan.Requeued)),
		zap.Int("no_bids", len(plan.NoBids)),
		zap.Duration("took", time.Since(started)))
}

// candidate is one scored (job, bid) pairing.
type candidate struct {
	jobIdx int
	bid    *models.Bid
	score  float64
	etaMin int
}

// plan scores the batch and runs the assignment algorithm. Distance and
// workload are normalized against the batch extremes, so a bid is cheap or
// fair relative to this round's field, not to an absolute scale.
func (m *Matcher) plan(ctx context.Context, batch []bidding.ClosedAuction, now time.Time) (Plan, string) {
	dMax, jMax := 0.0, 0.0
	for _, ca := range batch {
		for _, b := range ca.Bids {
			if b.DistanceKm > dMax {
				dMax = b.DistanceKm
			}
			if float64(b.CompletedJobsSnapshot) > jMax {
				jMax = float64(b.CompletedJobsSnapshot)
			}
		}
	}
	if dMax == 0 {
		dMax = 1
	}
	if jMax == 0 {
		jMax = 1
	}

	profiles := m.loadProfiles(ctx, batch)

	candidates := make([]candidate, 0)
	scores := make(map[string]map[string]candidate, len(batch))
	for i, ca := range batch {
		jobScores := make(map[string]candidate, len(ca.Bids))
		for _, b := range ca.Bids {
			c := m.score(ca.Job, b, profiles[b.DriverID], dMax, jMax, now)
			c.jobIdx = i
			candidates = append(candidates, c)
			jobScores[b.DriverID] = c
		}
		scores[ca.Job.ID] = jobScores
	}

	distinct := make(map[string]struct{})
	for _, c := range candidates {
		distinct[c.bid.DriverID] = struct{}{}
	}

	algorithm := "greedy"
	var chosen map[int]candidate
	if m.cfg.HungarianMinJobs > 0 && len(batch) >= m.cfg.HungarianMinJobs &&
		m.cfg.HungarianMinBidders > 0 && len(distinct) >= m.cfg.HungarianMinBidders {
		algorithm = "hungarian"
		chosen = assignHungarian(batch, candidates)
	} else {
		chosen = assignGreedy(candidates)
	}

	plan := Plan{Snapshots: make(map[string][]models.BidSnapshot, len(batch))}
	for i, ca := range batch {
		if len(ca.Bids) == 0 {
			plan.NoBids = append(plan.NoBids, ca.Job)
			continue
		}

		snaps := make([]models.BidSnapshot, 0, len(ca.Bids))
		for _, b := range ca.Bids {
			snaps = append(snaps, b.Snapshot(scores[ca.Job.ID][b.DriverID].score))
		}
		plan.Snapshots[ca.Job.ID] = snaps

		win, ok := chosen[i]
		if !ok {
			plan.Requeued = append(plan.Requeued, Requeue{Job: ca.Job, Bids: ca.Bids})
			continue
		}

		losers := make([]*models.Bid, 0, len(ca.Bids)-1)
		for _, b := range ca.Bids {
			if b.DriverID != win.bid.DriverID {
				losers = append(losers, b)
			}
		}
		plan.Assignments = append(plan.Assignments, Assignment{
			Job:    ca.Job,
			Bid:    win.bid,
			Score:  win.score,
			EtaMin: win.etaMin,
			Losers: losers,
		})
	}
	return plan, algorithm
}

// loadProfiles fetches driver context once per distinct bidder. A failed
// lookup falls back to a neutral profile so one missing row never sinks the
// batch.
func (m *Matcher) loadProfiles(ctx context.Context, batch []bidding.ClosedAuction) map[string]driverProfile {
	profiles := make(map[string]driverProfile)
	for _, ca := range batch {
		for _, b := range ca.Bids {
			if _, done := profiles[b.DriverID]; done {
				continue
			}
			p := driverProfile{heading: -1}
			if d, err := m.store.GetDriver(ctx, b.DriverID); err == nil {
				p.heading = d.Heading
				p.accuracyM = d.GPSAccuracyM
				p.spoofRisk = d.SpoofRisk
				p.lastJobDone = d.LastJobCompletedAt
			} else {
				m.log.Warn("scoring bidder without driver row",
					zap.String("driver_id", b.DriverID),
					zap.Error(err))
			}
			if stats, err := m.store.GetDriverStats(ctx, b.DriverID); err == nil {
				p.stats = stats
			}
			profiles[b.DriverID] = p
		}
	}
	return profiles
}

func (m *Matcher) score(job *models.Job, b *models.Bid, p driverProfile, dMax, jMax float64, now time.Time) candidate {
	etaMin := eta.Baseline(b.DistanceKm)
	if m.eta != nil {
		etaMin = m.eta.Predict(b.DistanceKm, now, "")
	}

	bearing := -1.0
	if p.heading >= 0 {
		bearing = geo.Bearing(b.DriverLat, b.DriverLon, job.PickupLat, job.PickupLon)
	}

	score := m.scorer.Combine(
		1-b.DistanceKm/dMax,
		1-float64(b.CompletedJobsSnapshot)/jMax,
		m.scorer.IdleBonus(p.lastJobDone, now),
		m.scorer.Reliability(p.stats),
		m.scorer.EtaScore(etaMin),
		m.scorer.HeadingBonus(p.heading, bearing),
		m.scorer.GpsPenalty(p.accuracyM),
		m.scorer.SpoofPenalty(p.spoofRisk),
	)
	return candidate{bid: b, score: score, etaMin: etaMin}
}

// assignGreedy walks candidates best-first, taking a pairing whenever both
// its driver and its job are still free. Ties break on bid arrival, then
// driver ID, so identical inputs always produce identical output.
func assignGreedy(candidates []candidate) map[int]candidate {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].score != sorted[j].score {
			return sorted[i].score > sorted[j].score
		}
		if !sorted[i].bid.BidTS.Equal(sorted[j].bid.BidTS) {
			return sorted[i].bid.BidTS.Before(sorted[j].bid.BidTS)
		}
		return sorted[i].bid.DriverID < sorted[j].bid.DriverID
	})

	chosen := make(map[int]candidate)
	takenDrivers := make(map[string]struct{})
	for _, c := range sorted {
		if _, ok := chosen[c.jobIdx]; ok {
			continue
		}
		if _, ok := takenDrivers[c.bid.DriverID]; ok {
			continue
		}
		chosen[c.jobIdx] = c
		takenDrivers[c.bid.DriverID] = struct{}{}
	}
	return chosen
}

// requeueAll returns every job in an abandoned batch to pending. Jobs that
// reached a terminal state in the meantime refuse the transition and keep
// it; the error is only logged.
func (m *Matcher) requeueAll(ctx context.Context, batch []bidding.ClosedAuction) {
	for _, ca := range batch {
		if _, err := m.store.UpdateJobStatus(ctx, ca.Job.ID, models.JobStatusPending, store.UpdateOpts{}); err != nil {
			m.log.Warn("failed to requeue job",
				zap.String("job_id", ca.Job.ID),
				zap.Error(err))
		}
	}
}
