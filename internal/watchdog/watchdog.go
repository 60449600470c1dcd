package watchdog

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/internal/store"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/config"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
)

var (
	sweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_watchdog_sweeps_total",
		Help: "Completed watchdog sweeps",
	})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_watchdog_actions_total",
		Help: "Corrective actions taken by the watchdog, by kind",
	}, []string{"action"})
)

// Auctions is the slice of the bidding coordinator the watchdog drives:
// retrying auctions whose close failed and reopening jobs stuck in pending.
type Auctions interface {
	ReapStalled(ctx context.Context, grace time.Duration) int
	OpenAuction(ctx context.Context, job *models.Job) error
}

// Completer settles a job that sat allocated past the configured maximum.
// The allocator implements it; the watchdog never writes job states itself.
type Completer interface {
	CompleteStalled(ctx context.Context, jobID string) error
}

// Worker runs the low-frequency safety sweeps: auction crash recovery,
// driver liveness demotion, stalled job settlement and re-auction of jobs
// left pending. Every duty tolerates failure and is retried on the next
// tick.
type Worker struct {
	store     store.Store
	auctions  Auctions
	completer Completer
	cfg       config.WatchdogConfig
	log       *zap.Logger
	done      chan struct{}
}

// NewWorker builds the watchdog.
func NewWorker(st store.Store, auctions Auctions, completer Completer, cfg config.WatchdogConfig, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		store:     st,
		auctions:  auctions,
		completer: completer,
		cfg:       cfg,
		log:       log,
		done:      make(chan struct{}),
	}
}

// Start runs the sweep loop until the context ends or Stop is called. The
// first sweep runs immediately.
func (w *Worker) Start(ctx context.Context) {
	interval := w.cfg.Interval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.log.Info("watchdog started",
		zap.Duration("interval", interval),
		zap.Duration("driver_liveness", w.cfg.DriverLiveness()),
		zap.Duration("auction_grace", w.cfg.AuctionGrace()),
		zap.Duration("stalled_max", w.cfg.StalledMax()))

	w.sweep(ctx, time.Now())
	for {
		select {
		case <-ticker.C:
			w.sweep(ctx, time.Now())
		case <-ctx.Done():
			w.log.Info("watchdog stopped")
			return
		case <-w.done:
			w.log.Info("watchdog shutdown requested")
			return
		}
	}
}

// Stop ends the loop.
func (w *Worker) Stop() {
	close(w.done)
}

func (w *Worker) sweep(ctx context.Context, now time.Time) {
	if reaped := w.auctions.ReapStalled(ctx, w.cfg.AuctionGrace()); reaped > 0 {
		actionsTotal.WithLabelValues("auction_reaped").Add(float64(reaped))
	}
	w.demoteStaleDrivers(ctx, now)
	w.completeStalledJobs(ctx, now)
	w.reopenPendingJobs(ctx, now)
	sweepsTotal.Inc()
}

// demoteStaleDrivers pulls online drivers whose last location report is
// older than the liveness window off the market. OnJob drivers are exempt;
// a driver mid-ride is not required to stream positions.
func (w *Worker) demoteStaleDrivers(ctx context.Context, now time.Time) {
	stale, err := w.store.ListDrivers(ctx, store.DriverFilter{
		Status:         models.DriverStatusOnline,
		LocationBefore: now.Add(-w.cfg.DriverLiveness()),
	})
	if err != nil {
		w.log.Error("liveness sweep failed", zap.Error(err))
		return
	}

	for _, d := range stale {
		if _, err := w.store.SetDriverStatus(ctx, d.ID, models.DriverStatusOffline); err != nil {
			w.log.Warn("stale driver not demoted",
				zap.String("driver_id", d.ID),
				zap.Error(err))
			continue
		}
		actionsTotal.WithLabelValues("driver_demoted").Inc()
		w.log.Info("driver demoted for silence",
			zap.String("driver_id", d.ID),
			zap.Time("last_seen", d.LocationTS))
	}
}

// completeStalledJobs settles jobs that have sat allocated past the maximum.
func (w *Worker) completeStalledJobs(ctx context.Context, now time.Time) {
	stalled, err := w.store.ListJobs(ctx, store.JobFilter{
		Status:        models.JobStatusAllocated,
		UpdatedBefore: now.Add(-w.cfg.StalledMax()),
	})
	if err != nil {
		w.log.Error("stalled job sweep failed", zap.Error(err))
		return
	}

	for _, job := range stalled {
		if err := w.completer.CompleteStalled(ctx, job.ID); err != nil {
			w.log.Warn("stalled job not settled",
				zap.String("job_id", job.ID),
				zap.Error(err))
			continue
		}
		actionsTotal.WithLabelValues("job_completed_stalled").Inc()
	}
}

// reopenPendingJobs re-auctions jobs stuck in pending: requeued by the
// matcher, or orphaned when an open-auction task died before the bidding
// transition. The grace keeps freshly admitted jobs out of the sweep.
func (w *Worker) reopenPendingJobs(ctx context.Context, now time.Time) {
	pending, err := w.store.ListJobs(ctx, store.JobFilter{
		Status:        models.JobStatusPending,
		UpdatedBefore: now.Add(-w.cfg.AuctionGrace()),
	})
	if err != nil {
		w.log.Error("pending job sweep failed", zap.Error(err))
		return
	}

	for _, job := range pending {
		if err := w.auctions.OpenAuction(ctx, job); err != nil {
			w.log.Warn("pending job not reopened",
				zap.String("job_id", job.ID),
				zap.Error(err))
			continue
		}
		actionsTotal.WithLabelValues("job_reopened").Inc()
		w.log.Info("pending job re-auctioned",
			zap.String("job_id", job.ID),
			zap.Duration("age", now.Sub(job.UpdatedAt)))
	}
}
