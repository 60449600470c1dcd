package bidding

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/internal/store"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/async"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/bus"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/common"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/config"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/geo"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
)

var (
	auctionsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_auctions_opened_total",
		Help: "Total number of auctions that reached the bidding state",
	})

	auctionsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_auctions_closed_total",
		Help: "Total number of auctions removed from the active set, by outcome",
	}, []string{"outcome"})

	bidsAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_bids_accepted_total",
		Help: "Total number of bids accepted into an open auction",
	})

	bidsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_bids_rejected_total",
		Help: "Total number of bids turned away, by reason",
	}, []string{"reason"})

	activeAuctions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_active_auctions",
		Help: "Auctions currently collecting bids",
	})
)

// ClosedAuction pairs a job with the bids its window collected. Batches of
// these are what the matcher consumes.
type ClosedAuction struct {
	Job  *models.Job
	Bids []*models.Bid
}

// Drainer consumes one drained batch per invocation. The coordinator
// guarantees exactly one invocation per drain of the closed pool.
type Drainer interface {
	MatchBatch(ctx context.Context, batch []ClosedAuction)
}

// auction is the in-memory state of one open bidding window. All fields are
// guarded by the coordinator mutex.
type auction struct {
	job       *models.Job
	invited   map[string]struct{}
	bidders   map[string]struct{}
	bids      []*models.Bid
	timer     *time.Timer
	expiresAt time.Time
	// expired marks the window as done before the Closed transition lands
	// in the store, so late bids are refused while the auction is still
	// pinned in the active set.
	expired bool
}

// Coordinator runs every per-job auction: it discovers eligible drivers,
// publishes solicitations, collects bids while the window timer runs, and
// deposits finished auctions into the closed pool. When the last active
// window drains it hands the whole pool to the matcher exactly once.
//
// The active map and the closed pool share one mutex; everything inside it
// is pure so bid receipt stays fast. Store and bus calls happen outside.
type Coordinator struct {
	store        store.Store
	pub          *bus.Publisher
	cfg          config.EngineConfig
	dispatcherID string
	log          *zap.Logger

	drainer Drainer

	mu        sync.Mutex
	active    map[string]*auction
	closed    []ClosedAuction
	offenders map[string]struct{}

	drainC  chan []ClosedAuction
	rootCtx context.Context
	wg      sync.WaitGroup
}

// NewCoordinator builds the auction stage. Call SetDrainer before Start.
func NewCoordinator(st store.Store, pub *bus.Publisher, cfg config.EngineConfig, dispatcherID string, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store:        st,
		pub:          pub,
		cfg:          cfg,
		dispatcherID: dispatcherID,
		log:          log,
		active:       make(map[string]*auction),
		offenders:    make(map[string]struct{}),
		drainC:       make(chan []ClosedAuction, 16),
	}
}

// SetDrainer wires the matcher. Must be called before Start.
func (c *Coordinator) SetDrainer(d Drainer) {
	c.drainer = d
}

// Start launches the match loop and subscribes the bid topic. Auctions are
// opened by JobAdmitted, not here.
func (c *Coordinator) Start(ctx context.Context, b bus.Bus) error {
	c.rootCtx = ctx
	c.wg.Add(1)
	go c.matchLoop(ctx)
	return b.Subscribe(ctx, models.TopicJobBids, c.HandleBid)
}

// Stop cancels every window timer. Jobs still mid-auction stay Bidding in
// the store and are recovered by the reaper on the next run.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.active {
		if a.timer != nil {
			a.timer.Stop()
		}
	}
}

// Wait blocks until the match loop has exited.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// JobAdmitted opens an auction for a freshly admitted job. It satisfies the
// intake sink without blocking the admission worker on solicitation
// publishes.
func (c *Coordinator) JobAdmitted(ctx context.Context, job *models.Job) {
	async.Go(ctx, "open-auction", func(ctx context.Context) {
		if err := c.OpenAuction(ctx, job); err != nil {
			c.log.Error("failed to open auction",
				zap.String("job_id", job.ID),
				zap.Error(err))
		}
	})
}

// OpenAuction discovers eligible drivers and either starts a bidding window
// or settles the job as NoBids when nobody can take it.
func (c *Coordinator) OpenAuction(ctx context.Context, job *models.Job) error {
	ctx = async.WithJobID(ctx, job.ID)
	jobID := job.ID

	drivers, err := c.store.ListDrivers(ctx, store.DriverFilter{
		Status:   models.DriverStatusOnline,
		CanServe: job.EffectiveVehicleClass(),
		NearLat:  job.PickupLat,
		NearLon:  job.PickupLon,
		WithinKm: c.cfg.MaxBidRadiusKm,
	})
	if err != nil {
		return fmt.Errorf("failed to list eligible drivers for job %s: %w", jobID, err)
	}

	if len(drivers) == 0 {
		if _, err := c.store.UpdateJobStatus(ctx, jobID, models.JobStatusNoBids, store.UpdateOpts{}); err != nil {
			return fmt.Errorf("failed to settle job %s as no_bids: %w", jobID, err)
		}
		auctionsClosedTotal.WithLabelValues("no_eligible").Inc()
		c.log.Info("no eligible drivers",
			zap.String("job_id", jobID),
			zap.String("vehicle", string(job.EffectiveVehicleClass())),
			zap.Float64("radius_km", c.cfg.MaxBidRadiusKm))
		c.publishStatus(ctx, jobID, string(models.JobStatusNoBids), "no_eligible_drivers", "")
		return nil
	}

	job, err = c.store.UpdateJobStatus(ctx, jobID, models.JobStatusBidding, store.UpdateOpts{})
	if err != nil {
		// typically a cancellation that beat the auction open
		return fmt.Errorf("failed to open auction for job %s: %w", jobID, err)
	}

	window := c.cfg.WindowClamp(job.BiddingWindowSeconds)
	a := &auction{
		job:       job,
		invited:   make(map[string]struct{}, len(drivers)),
		bidders:   make(map[string]struct{}),
		expiresAt: time.Now().Add(window),
	}
	for _, d := range drivers {
		a.invited[d.ID] = struct{}{}
	}

	c.mu.Lock()
	if _, dup := c.active[jobID]; dup {
		c.mu.Unlock()
		return nil
	}
	a.timer = time.AfterFunc(window, func() { c.expire(jobID) })
	c.active[jobID] = a
	c.mu.Unlock()

	auctionsOpenedTotal.Inc()
	activeAuctions.Inc()
	c.log.Info("auction opened",
		zap.String("job_id", jobID),
		zap.Int("invited", len(drivers)),
		zap.Duration("window", window))

	c.solicit(ctx, job, drivers, a.expiresAt)
	return nil
}

// solicit publishes the bid request to every invited driver and mirrors it
// on the pub request topic. Publish failures leave the solicitation partial;
// the auction runs on whatever bids arrive.
func (c *Coordinator) solicit(ctx context.Context, job *models.Job, drivers []*models.Driver, expiresAt time.Time) {
	payload := models.SolicitationPayload{
		JobPayload:   models.NewJobPayload(job, c.dispatcherID, time.Now()),
		RespondTopic: models.TopicJobBid(job.ID),
		ExpiresAtMs:  expiresAt.UnixMilli(),
	}
	for _, d := range drivers {
		if err := c.pub.PublishJSON(ctx, models.TopicDriverBidRequest(d.ID), payload); err != nil {
			c.log.Warn("solicitation not delivered",
				zap.String("job_id", job.ID),
				zap.String("driver_id", d.ID),
				zap.Error(err))
		}
	}
	if err := c.pub.PublishJSON(ctx, models.TopicPubRequest(job.ID), payload); err != nil {
		c.log.Warn("pub solicitation not delivered",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
}

// HandleBid consumes one jobs/{id}/bid message. Rejections are silent on
// the bus; each offender earns one warning.
func (c *Coordinator) HandleBid(ctx context.Context, msg bus.Message) error {
	var p models.BidPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		bidsRejectedTotal.WithLabelValues("malformed").Inc()
		c.log.Warn("dropping malformed bid",
			zap.String("topic", msg.Topic),
			zap.Error(err))
		return nil
	}

	jobID := p.Job()
	if jobID == "" {
		jobID = models.TopicSegment(msg.Topic, 1)
	}
	if jobID == "" || p.DriverID == "" {
		bidsRejectedTotal.WithLabelValues("malformed").Inc()
		c.log.Warn("dropping bid without job or driver id",
			zap.String("topic", msg.Topic))
		return nil
	}

	driver, err := c.store.GetDriver(ctx, p.DriverID)
	if err != nil {
		bidsRejectedTotal.WithLabelValues("unknown_driver").Inc()
		c.logRejection(p.DriverID, jobID, "unknown driver")
		return nil
	}

	lat, lng := p.Lat, p.Lng
	if !geo.ValidUKCoordinate(lat, lng) {
		// a radio that omits coordinates still bids from its last fix
		if driver.HasLocation() && geo.ValidUKCoordinate(driver.Lat, driver.Lon) {
			lat, lng = driver.Lat, driver.Lon
		} else {
			bidsRejectedTotal.WithLabelValues("no_position").Inc()
			c.logRejection(p.DriverID, jobID, "no usable position")
			return nil
		}
	}

	completed, err := c.store.CompletedJobCount(ctx, p.DriverID)
	if err != nil {
		c.log.Debug("completed job count unavailable",
			zap.String("driver_id", p.DriverID),
			zap.Error(err))
	}

	name := driver.Name
	if p.DriverName != "" {
		name = p.DriverName
	}

	bid, snaps, reason := c.recordBid(jobID, p.DriverID, name, lat, lng, completed, msg.ReceivedAt)
	if bid == nil {
		bidsRejectedTotal.WithLabelValues(reason).Inc()
		c.logRejection(p.DriverID, jobID, reason)
		return nil
	}

	bidsAcceptedTotal.Inc()
	c.log.Debug("bid accepted",
		zap.String("job_id", jobID),
		zap.String("driver_id", p.DriverID),
		zap.Float64("distance_km", bid.DistanceKm),
		zap.Bool("uninvited", bid.Uninvited))

	c.persistBid(ctx, bid, snaps)
	return nil
}

// recordBid is the pure critical section of bid receipt: status check,
// duplicate check, invitation check, append. Returns the accepted bid plus
// the fresh snapshot list, or a rejection reason.
func (c *Coordinator) recordBid(jobID, driverID, driverName string, lat, lng float64, completed int, receivedAt time.Time) (*models.Bid, []models.BidSnapshot, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.active[jobID]
	if !ok || a.expired {
		return nil, nil, "auction_not_open"
	}
	if _, dup := a.bidders[driverID]; dup {
		return nil, nil, "duplicate"
	}

	_, invited := a.invited[driverID]
	bid := &models.Bid{
		JobID:                 jobID,
		DriverID:              driverID,
		DriverName:            driverName,
		DriverLat:             lat,
		DriverLon:             lng,
		DistanceKm:            geo.Haversine(lat, lng, a.job.PickupLat, a.job.PickupLon),
		CompletedJobsSnapshot: completed,
		Uninvited:             !invited,
		BidTS:                 receivedAt,
	}
	a.bidders[driverID] = struct{}{}
	a.bids = append(a.bids, bid)

	snaps := make([]models.BidSnapshot, 0, len(a.bids))
	for _, b := range a.bids {
		snaps = append(snaps, b.Snapshot(0))
	}
	return bid, snaps, ""
}

// persistBid appends the bid and rewrites the job's snapshot column. The
// in-memory auction already holds the bid, so persistence failures only
// cost the audit trail, never the match.
func (c *Coordinator) persistBid(ctx context.Context, bid *models.Bid, snaps []models.BidSnapshot) {
	if err := c.store.AppendBid(ctx, bid); err != nil {
		c.log.Warn("bid not persisted",
			zap.String("job_id", bid.JobID),
			zap.String("driver_id", bid.DriverID),
			zap.Error(err))
		return
	}
	if err := c.store.SnapshotBidsToJob(ctx, bid.JobID, snaps); err != nil {
		c.log.Warn("bid snapshot not persisted",
			zap.String("job_id", bid.JobID),
			zap.Error(err))
	}
}

// logRejection warns the first time a driver is turned away and drops to
// debug for repeat offenders.
func (c *Coordinator) logRejection(driverID, jobID, reason string) {
	c.mu.Lock()
	_, seen := c.offenders[driverID]
	c.offenders[driverID] = struct{}{}
	c.mu.Unlock()

	fields := []zap.Field{
		zap.String("driver_id", driverID),
		zap.String("job_id", jobID),
		zap.String("reason", reason),
	}
	if seen {
		c.log.Debug("bid rejected", fields...)
		return
	}
	c.log.Warn("bid rejected", fields...)
}

// expire runs when a window timer fires. The Closed transition is written
// while the auction is still pinned in the active map, so an overlapping
// expiry cannot drain the pool without this job; only then does the auction
// move to the closed pool and the drain check run.
func (c *Coordinator) expire(jobID string) {
	c.mu.Lock()
	a, ok := c.active[jobID]
	if !ok || a.expired {
		c.mu.Unlock()
		return
	}
	a.expired = true
	c.mu.Unlock()

	c.closeAuction(jobID)
}

// closeAuction persists the Closed transition and deposits the auction into
// the closed pool. Safe to call again after a failed attempt.
func (c *Coordinator) closeAuction(jobID string) {
	ctx := c.context()

	job, err := c.store.UpdateJobStatus(ctx, jobID, models.JobStatusClosed, store.UpdateOpts{})
	if err != nil {
		if common.IsCode(err, common.CodeIllegalTransition) {
			// the job is already terminal: a cancel raced the window open
			// and wrote Cancelled before this auction registered. The window
			// is void; discard it so the pool behind it can still drain.
			c.discardAuction(ctx, jobID, err)
			return
		}
		// transient store failure: the auction stays parked in the active
		// set and the reaper retries once the grace period passes
		c.log.Error("failed to close auction",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}

	c.mu.Lock()
	a, ok := c.active[jobID]
	if !ok {
		// cancelled while the Closed write was in flight
		c.mu.Unlock()
		return
	}
	delete(c.active, jobID)
	a.timer.Stop()
	a.job = job
	c.closed = append(c.closed, ClosedAuction{Job: a.job, Bids: a.bids})
	var batch []ClosedAuction
	if len(c.active) == 0 {
		batch = c.closed
		c.closed = nil
	}
	c.mu.Unlock()

	activeAuctions.Dec()
	auctionsClosedTotal.WithLabelValues("closed").Inc()
	c.log.Info("auction closed",
		zap.String("job_id", jobID),
		zap.Int("bids", len(a.bids)))

	if batch != nil {
		c.enqueueMatch(ctx, batch)
	}
}

// discardAuction drops a window whose job reached a terminal state outside
// the coordinator. The auction leaves the active set without a pool deposit,
// and the drain check still runs so waiting closed auctions are not stranded
// behind it.
func (c *Coordinator) discardAuction(ctx context.Context, jobID string, cause error) {
	c.mu.Lock()
	a, ok := c.active[jobID]
	var batch []ClosedAuction
	if ok {
		delete(c.active, jobID)
		a.timer.Stop()
		if len(c.active) == 0 && len(c.closed) > 0 {
			batch = c.closed
			c.closed = nil
		}
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	activeAuctions.Dec()
	auctionsClosedTotal.WithLabelValues("discarded").Inc()
	c.log.Warn("discarding auction for settled job",
		zap.String("job_id", jobID),
		zap.Int("bids", len(a.bids)),
		zap.Error(cause))

	if batch != nil {
		c.enqueueMatch(ctx, batch)
	}
}

// ReapStalled retries auctions whose close failed, once they are older than
// grace. Returns how many retries were attempted. Called by the watchdog.
func (c *Coordinator) ReapStalled(ctx context.Context, grace time.Duration) int {
	now := time.Now()
	c.mu.Lock()
	var stuck []string
	for id, a := range c.active {
		if a.expired && now.After(a.expiresAt.Add(grace)) {
			stuck = append(stuck, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stuck {
		c.log.Warn("reaping stalled auction", zap.String("job_id", id))
		c.closeAuction(id)
	}
	return len(stuck)
}

// Cancel aborts a job at any point before completion. An open window is
// torn down, every recorded bidder is told the job is gone, and an already
// allocated driver is released back to Online. Cancelling the last active
// auction still drains the closed pool for the jobs that were waiting on it.
func (c *Coordinator) Cancel(ctx context.Context, jobID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}

	c.mu.Lock()
	a, wasActive := c.active[jobID]
	var bidders []*models.Bid
	var batch []ClosedAuction
	if wasActive {
		delete(c.active, jobID)
		a.timer.Stop()
		// the window's own bid list is authoritative: it holds accepted bids
		// even when persistence failed
		bidders = a.bids
		if len(c.active) == 0 && len(c.closed) > 0 {
			batch = c.closed
			c.closed = nil
		}
	}
	c.mu.Unlock()

	if wasActive {
		activeAuctions.Dec()
		auctionsClosedTotal.WithLabelValues("cancelled").Inc()
	}
	if batch != nil {
		defer c.enqueueMatch(ctx, batch)
	}

	job, err := c.store.UpdateJobStatus(ctx, jobID, models.JobStatusCancelled, store.UpdateOpts{Annotation: &reason})
	if err != nil {
		return err
	}

	if job.AllocatedDriverID != nil {
		if _, err := c.store.SetDriverStatus(ctx, *job.AllocatedDriverID, models.DriverStatusOnline); err != nil {
			c.log.Warn("failed to release driver from cancelled job",
				zap.String("job_id", jobID),
				zap.String("driver_id", *job.AllocatedDriverID),
				zap.Error(err))
		}
	}

	if !wasActive {
		stored, err := c.store.ListBids(ctx, jobID)
		if err != nil {
			c.log.Warn("bidders not notified of cancellation",
				zap.String("job_id", jobID),
				zap.Error(err))
		}
		bidders = stored
	}
	for _, b := range bidders {
		c.publishResult(ctx, jobID, b.DriverID, "lost", reason)
	}
	c.publishStatus(ctx, jobID, string(models.JobStatusCancelled), reason, "")

	c.log.Info("job cancelled",
		zap.String("job_id", jobID),
		zap.String("reason", reason),
		zap.Int("bidders_notified", len(bidders)))
	return nil
}

func (c *Coordinator) matchLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-c.drainC:
			if c.drainer == nil {
				c.log.Error("closed pool drained with no matcher wired",
					zap.Int("jobs", len(batch)))
				continue
			}
			c.drainer.MatchBatch(ctx, batch)
		}
	}
}

func (c *Coordinator) enqueueMatch(ctx context.Context, batch []ClosedAuction) {
	c.log.Info("draining closed pool", zap.Int("jobs", len(batch)))
	select {
	case c.drainC <- batch:
	case <-ctx.Done():
	}
}

func (c *Coordinator) publishStatus(ctx context.Context, jobID, status, reason, driverID string) {
	payload := models.JobStatusPayload{
		JobID:        jobID,
		JobIDLegacy:  jobID,
		Status:       status,
		Reason:       reason,
		DriverID:     driverID,
		TimestampMs:  time.Now().UnixMilli(),
		DispatcherID: c.dispatcherID,
		Version:      models.PayloadVersion,
	}
	if err := c.pub.PublishJSON(ctx, models.TopicJobStatus(jobID), payload); err != nil {
		c.log.Warn("status event not published",
			zap.String("job_id", jobID),
			zap.String("status", status),
			zap.Error(err))
	}
}

func (c *Coordinator) publishResult(ctx context.Context, jobID, driverID, outcome, reason string) {
	payload := models.ResultPayload{
		JobID:        jobID,
		DriverID:     driverID,
		Outcome:      outcome,
		Reason:       reason,
		TimestampMs:  time.Now().UnixMilli(),
		DispatcherID: c.dispatcherID,
		Version:      models.PayloadVersion,
	}
	if err := c.pub.PublishJSON(ctx, models.TopicJobResult(jobID, driverID), payload); err != nil {
		c.log.Warn("result event not published",
			zap.String("job_id", jobID),
			zap.String("driver_id", driverID),
			zap.Error(err))
	}
}

// context returns the root context handed to Start, for work triggered by
// timers rather than callers.
func (c *Coordinator) context() context.Context {
	if c.rootCtx != nil {
		return c.rootCtx
	}
	return context.Background()
}
