package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/internal/allocator"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/bidding"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/eta"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/geocode"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/intake"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/location"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/matching"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/scoring"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/spoof"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/store"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/watchdog"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/bus"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/config"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
)

const serviceName = "dispatchd"

var engineInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "dispatch_engine_info",
	Help: "Engine instance identity, value fixed at 1",
}, []string{"dispatcher_id"})

// Engine is one complete dispatch pipeline: intake, auctions, matching,
// allocation, driver telemetry and the background watchdog, all sharing one
// store and one bus. Construction only wires the stages together; nothing
// touches the bus until Start.
type Engine struct {
	cfg          *config.Config
	log          *zap.Logger
	store        store.Store
	bus          bus.Bus
	pub          *bus.Publisher
	dispatcherID string

	intake      *intake.Ingestor
	locations   *location.Ingestor
	coordinator *bidding.Coordinator
	matcher     *matching.Matcher
	allocator   *allocator.Allocator
	watchdog    *watchdog.Worker
}

// New wires the pipeline over an opened store and bus. gc may be nil when no
// geocoder is configured; submissions with unusable coordinates then land on
// the configured fallback pickup.
func New(cfg *config.Config, st store.Store, b bus.Bus, gc geocode.Geocoder, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	dispatcherID := uuid.NewString()
	engineInfo.WithLabelValues(dispatcherID).Set(1)

	pub := bus.NewPublisher(b, cfg.Engine.PublishAttempts, cfg.Engine.PublishBackoff())

	alloc := allocator.New(st, pub, dispatcherID, log)
	matcher := matching.NewMatcher(st, scoring.NewScorer(cfg.Scoring), eta.NewTimeOfDay(cfg.Eta), alloc, cfg.Engine, log)

	coordinator := bidding.NewCoordinator(st, pub, cfg.Engine, dispatcherID, log)
	coordinator.SetDrainer(matcher)
	alloc.SetCanceller(coordinator)

	ingestor := intake.NewIngestor(st, gc, pub, coordinator, cfg.Engine, cfg.Geocoder.GeocodeTimeout(), log)
	ingestor.SetDispatcherID(dispatcherID)

	return &Engine{
		cfg:          cfg,
		log:          log,
		store:        st,
		bus:          b,
		pub:          pub,
		dispatcherID: dispatcherID,
		intake:       ingestor,
		locations:    location.NewIngestor(st, spoof.NewDetector(cfg.Spoof), log),
		coordinator:  coordinator,
		matcher:      matcher,
		allocator:    alloc,
		watchdog:     watchdog.NewWorker(st, coordinator, alloc, cfg.Watchdog, log),
	}
}

// Start subscribes every consumer and launches the background workers. ctx is
// the engine's lifetime: cancelling it stops the admission workers, the match
// loop and the watchdog.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.locations.Start(ctx, e.bus); err != nil {
		return fmt.Errorf("failed to subscribe driver topics: %w", err)
	}
	if err := e.coordinator.Start(ctx, e.bus); err != nil {
		return fmt.Errorf("failed to subscribe bid topic: %w", err)
	}
	if err := e.allocator.Start(ctx, e.bus); err != nil {
		return fmt.Errorf("failed to subscribe response topic: %w", err)
	}
	if err := e.intake.Start(ctx, e.bus); err != nil {
		return fmt.Errorf("failed to subscribe booking topics: %w", err)
	}
	go e.watchdog.Start(ctx)

	e.log.Info("dispatch engine started",
		zap.String("dispatcher_id", e.dispatcherID))
	return nil
}

// Stop halts the timed work: auction window timers and watchdog sweeps.
// In-flight admissions and matches drain through the cancelled Start context;
// Wait blocks for them.
func (e *Engine) Stop() {
	e.watchdog.Stop()
	e.coordinator.Stop()
}

// Wait blocks until the admission workers and the match loop have exited.
// Only meaningful once the Start context is cancelled.
func (e *Engine) Wait() {
	e.coordinator.Wait()
	e.intake.Wait()
}

// Submit admits one job synchronously and returns the persisted job or the
// structured admission failure.
func (e *Engine) Submit(ctx context.Context, req *models.JobRequest) (*models.Job, error) {
	return e.intake.Submit(ctx, req)
}

// Job looks up one job by ID.
func (e *Engine) Job(ctx context.Context, id string) (*models.Job, error) {
	return e.store.GetJob(ctx, id)
}

// Cancel aborts a job before completion and notifies its bidders.
func (e *Engine) Cancel(ctx context.Context, id, reason string) error {
	return e.coordinator.Cancel(ctx, id, reason)
}

// DispatcherID is the engine instance identity stamped on published events.
func (e *Engine) DispatcherID() string {
	return e.dispatcherID
}
