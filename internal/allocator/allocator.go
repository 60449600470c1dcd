package allocator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/internal/matching"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/store"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/bus"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/common"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/tracing"
)

var (
	allocationsCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_allocations_committed_total",
		Help: "Jobs committed to a winning driver",
	})

	allocationsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_allocations_dropped_total",
		Help: "Assignments abandoned because the job left the closed state mid-match",
	})

	driverResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_driver_responses_total",
		Help: "Processed jobs/{id}/response messages, by outcome",
	}, []string{"outcome"})
)

// Canceller aborts a job on behalf of a responding party. The bidding
// coordinator implements it; the indirection exists because the coordinator
// already sits upstream of this package.
type Canceller interface {
	Cancel(ctx context.Context, jobID, reason string) error
}

// Allocator is the only writer of the Allocated and Completed job states and
// of the OnJob driver state. It commits the matcher's plan to the store and
// publishes the outcome events in strict per-job order, and it consumes the
// jobs/{id}/response topic for completions and driver-side cancellations.
type Allocator struct {
	store        store.Store
	pub          *bus.Publisher
	dispatcherID string
	log          *zap.Logger

	canceller Canceller
}

// New builds the allocation stage. Call SetCanceller before Start.
func New(st store.Store, pub *bus.Publisher, dispatcherID string, log *zap.Logger) *Allocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{
		store:        st,
		pub:          pub,
		dispatcherID: dispatcherID,
		log:          log,
	}
}

// SetCanceller wires the cancel path for driver-initiated cancellations.
func (a *Allocator) SetCanceller(c Canceller) {
	a.canceller = c
}

// Start subscribes the response topic.
func (a *Allocator) Start(ctx context.Context, b bus.Bus) error {
	return b.Subscribe(ctx, models.TopicJobResponses, a.HandleResponse)
}

// Commit applies the matcher's plan: winners become Allocated, requeued jobs
// return to Pending, zero-bid jobs settle as NoBids. Each job commits
// independently; failures are collected so the matcher can retry the batch.
// Commit is idempotent per job - replaying a plan repeats the same
// transitions, which the state machine accepts as no-ops.
func (a *Allocator) Commit(ctx context.Context, plan matching.Plan) error {
	var failed []string

	for _, as := range plan.Assignments {
		if err := a.commitAssignment(ctx, as, plan.Snapshots[as.Job.ID]); err != nil {
			a.log.Error("assignment not committed",
				zap.String("job_id", as.Job.ID),
				zap.String("driver_id", as.Bid.DriverID),
				zap.Error(err))
			failed = append(failed, as.Job.ID)
		}
	}
	for _, rq := range plan.Requeued {
		if err := a.requeue(ctx, rq, plan.Snapshots[rq.Job.ID]); err != nil {
			a.log.Error("requeue not committed",
				zap.String("job_id", rq.Job.ID),
				zap.Error(err))
			failed = append(failed, rq.Job.ID)
		}
	}
	for _, job := range plan.NoBids {
		if err := a.settleNoBids(ctx, job); err != nil {
			a.log.Error("no-bids settlement not committed",
				zap.String("job_id", job.ID),
				zap.Error(err))
			failed = append(failed, job.ID)
		}
	}

	if len(failed) > 0 {
		total := len(plan.Assignments) + len(plan.Requeued) + len(plan.NoBids)
		return fmt.Errorf("failed to commit %d of %d jobs: %s",
			len(failed), total, strings.Join(failed, ", "))
	}
	return nil
}

// commitAssignment makes one pairing durable and announces it. The event
// order per job is fixed: the winner's inbox, the job-scoped allocation, the
// lifecycle status, the winner's result, then one lost result per loser.
func (a *Allocator) commitAssignment(ctx context.Context, as matching.Assignment, snaps []models.BidSnapshot) error {
	jobID := as.Job.ID
	winner := as.Bid.DriverID

	ctx, span := tracing.StartSpan(ctx, "allocator", "CommitAssignment")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.JobAttributes(jobID, winner)...)
	tracing.AddSpanAttributes(ctx, tracing.MatchAttributes(as.Score, as.Bid.DistanceKm, as.EtaMin)...)

	job, err := a.store.UpdateJobStatus(ctx, jobID, models.JobStatusAllocated, store.UpdateOpts{
		DriverID:   &winner,
		DistanceKm: &as.Bid.DistanceKm,
		EtaMin:     &as.EtaMin,
	})
	if err != nil {
		if common.IsCode(err, common.CodeIllegalTransition) {
			// cancelled while the batch was matching; the cancel path has
			// already answered every bidder
			allocationsDroppedTotal.Inc()
			a.log.Info("assignment dropped, job left the closed state",
				zap.String("job_id", jobID),
				zap.String("driver_id", winner))
			tracing.AddSpanEvent(ctx, "assignment_dropped")
			return nil
		}
		tracing.RecordError(ctx, err)
		return err
	}

	if _, err := a.store.SetDriverStatus(ctx, winner, models.DriverStatusOnJob); err != nil {
		a.log.Warn("winner not marked on job",
			zap.String("job_id", jobID),
			zap.String("driver_id", winner),
			zap.Error(err))
	}
	if err := a.store.SnapshotBidsToJob(ctx, jobID, snaps); err != nil {
		a.log.Warn("scored snapshot not persisted",
			zap.String("job_id", jobID),
			zap.Error(err))
	}

	alloc := models.AllocationPayload{
		JobPayload: models.NewJobPayload(job, a.dispatcherID, time.Now()),
		DriverID:   winner,
		DriverName: as.Bid.DriverName,
		DistanceKm: as.Bid.DistanceKm,
		EtaMin:     as.EtaMin,
		Score:      as.Score,
	}
	a.publishJSON(ctx, models.TopicDriverJobs(winner), alloc)
	a.publishJSON(ctx, models.TopicJobAllocated(jobID), alloc)
	a.publishStatus(ctx, jobID, string(models.JobStatusAllocated), "", winner)
	a.publishResult(ctx, models.ResultPayload{
		JobID:      jobID,
		DriverID:   winner,
		Outcome:    "won",
		DistanceKm: as.Bid.DistanceKm,
		EtaMin:     as.EtaMin,
		Score:      as.Score,
	})
	for _, loser := range as.Losers {
		a.publishResult(ctx, models.ResultPayload{
			JobID:    jobID,
			DriverID: loser.DriverID,
			Outcome:  "lost",
			Reason:   "outbid",
		})
	}

	allocationsCommittedTotal.Inc()
	a.log.Info("job allocated",
		zap.String("job_id", jobID),
		zap.String("driver_id", winner),
		zap.Float64("score", as.Score),
		zap.Float64("distance_km", as.Bid.DistanceKm),
		zap.Int("eta_min", as.EtaMin),
		zap.Int("losers", len(as.Losers)))
	return nil
}

// requeue returns a job that lost every bidder to the pending state. Its
// bidders hear nothing; they are solicited again when the job reopens.
func (a *Allocator) requeue(ctx context.Context, rq matching.Requeue, snaps []models.BidSnapshot) error {
	jobID := rq.Job.ID
	if _, err := a.store.UpdateJobStatus(ctx, jobID, models.JobStatusPending, store.UpdateOpts{}); err != nil {
		if common.IsCode(err, common.CodeIllegalTransition) {
			a.log.Info("requeue dropped, job left the closed state",
				zap.String("job_id", jobID))
			return nil
		}
		return err
	}
	if err := a.store.SnapshotBidsToJob(ctx, jobID, snaps); err != nil {
		a.log.Warn("scored snapshot not persisted",
			zap.String("job_id", jobID),
			zap.Error(err))
	}
	a.publishStatus(ctx, jobID, string(models.JobStatusPending), "no_bids", "")
	a.log.Info("job requeued",
		zap.String("job_id", jobID),
		zap.Int("bidders", len(rq.Bids)))
	return nil
}

// settleNoBids finishes a job whose window collected nothing.
func (a *Allocator) settleNoBids(ctx context.Context, job *models.Job) error {
	if _, err := a.store.UpdateJobStatus(ctx, job.ID, models.JobStatusNoBids, store.UpdateOpts{}); err != nil {
		if common.IsCode(err, common.CodeIllegalTransition) {
			a.log.Info("no-bids settlement dropped, job left the closed state",
				zap.String("job_id", job.ID))
			return nil
		}
		return err
	}
	a.publishStatus(ctx, job.ID, string(models.JobStatusNoBids), "no_bidders", "")
	a.log.Info("job closed with no bids", zap.String("job_id", job.ID))
	return nil
}

// CompleteStalled force-completes a job that sat allocated past the
// configured maximum. The driver is released but earns no completion credit;
// the annotation marks the settlement as administrative. Called by the
// watchdog sweep.
func (a *Allocator) CompleteStalled(ctx context.Context, jobID string) error {
	annotation := "stalled"
	job, err := a.store.UpdateJobStatus(ctx, jobID, models.JobStatusCompleted, store.UpdateOpts{
		Annotation: &annotation,
	})
	if err != nil {
		if common.IsCode(err, common.CodeIllegalTransition) {
			// settled between the sweep's list and this write
			return nil
		}
		return err
	}

	driverID := ""
	if job.AllocatedDriverID != nil {
		driverID = *job.AllocatedDriverID
		if _, err := a.store.SetDriverStatus(ctx, driverID, models.DriverStatusOnline); err != nil {
			a.log.Warn("driver not released from stalled job",
				zap.String("job_id", jobID),
				zap.String("driver_id", driverID),
				zap.Error(err))
		}
	}
	a.publishStatus(ctx, jobID, string(models.JobStatusCompleted), "stalled", driverID)

	a.log.Warn("stalled job force-completed",
		zap.String("job_id", jobID),
		zap.String("driver_id", driverID))
	return nil
}

// HandleResponse consumes one jobs/{id}/response message: a completion from
// the allocated driver or a cancellation from either party.
func (a *Allocator) HandleResponse(ctx context.Context, msg bus.Message) error {
	var p models.ResponsePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		a.log.Warn("dropping malformed response",
			zap.String("topic", msg.Topic),
			zap.Error(err))
		return nil
	}

	jobID := p.Job()
	if jobID == "" {
		jobID = models.TopicSegment(msg.Topic, 1)
	}
	if jobID == "" {
		a.log.Warn("dropping response without job id", zap.String("topic", msg.Topic))
		return nil
	}

	switch strings.ToLower(p.Status) {
	case "completed", "complete":
		a.completeJob(ctx, jobID, p.DriverID)
	case "cancelled", "canceled":
		a.cancelFromResponse(ctx, jobID, p)
	default:
		driverResponsesTotal.WithLabelValues("ignored").Inc()
		a.log.Debug("ignoring response",
			zap.String("job_id", jobID),
			zap.String("status", p.Status))
	}
	return nil
}

// completeJob moves an allocated job to completed, credits the driver's
// history and releases them back to online. Replays of an already completed
// job are dropped without touching the stats.
func (a *Allocator) completeJob(ctx context.Context, jobID, driverID string) {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		a.log.Warn("completion for unknown job",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}
	if job.Status == models.JobStatusCompleted {
		a.log.Debug("job already completed", zap.String("job_id", jobID))
		return
	}
	if job.AllocatedDriverID == nil {
		a.log.Warn("completion for unallocated job",
			zap.String("job_id", jobID),
			zap.String("status", string(job.Status)))
		return
	}
	winner := *job.AllocatedDriverID
	if driverID != "" && driverID != winner {
		a.log.Warn("completion from a driver not on the job",
			zap.String("job_id", jobID),
			zap.String("driver_id", driverID),
			zap.String("allocated_driver_id", winner))
		return
	}

	if _, err := a.store.UpdateJobStatus(ctx, jobID, models.JobStatusCompleted, store.UpdateOpts{}); err != nil {
		a.log.Warn("completion not recorded",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}
	if err := a.store.RecordJobCompleted(ctx, winner); err != nil {
		a.log.Warn("completion stats not recorded",
			zap.String("driver_id", winner),
			zap.Error(err))
	}
	if _, err := a.store.SetDriverStatus(ctx, winner, models.DriverStatusOnline); err != nil {
		a.log.Warn("driver not released after completion",
			zap.String("driver_id", winner),
			zap.Error(err))
	}
	a.publishStatus(ctx, jobID, string(models.JobStatusCompleted), "", winner)

	driverResponsesTotal.WithLabelValues("completed").Inc()
	a.log.Info("job completed",
		zap.String("job_id", jobID),
		zap.String("driver_id", winner))
}

// cancelFromResponse hands a cancellation to the cancel path. When the
// responder is the allocated driver the cancellation counts against their
// record, no_show reasons doubly so.
func (a *Allocator) cancelFromResponse(ctx context.Context, jobID string, p models.ResponsePayload) {
	reason := p.Reason
	if reason == "" {
		reason = "cancelled"
	}

	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		a.log.Warn("cancellation for unknown job",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		a.log.Debug("cancellation for settled job",
			zap.String("job_id", jobID),
			zap.String("status", string(job.Status)))
		return
	}

	if p.DriverID != "" && job.AllocatedDriverID != nil {
		if *job.AllocatedDriverID != p.DriverID {
			a.log.Warn("cancellation from a driver not on the job",
				zap.String("job_id", jobID),
				zap.String("driver_id", p.DriverID),
				zap.String("allocated_driver_id", *job.AllocatedDriverID))
			return
		}
		if err := a.store.RecordJobCancelled(ctx, p.DriverID, reason == "no_show"); err != nil {
			a.log.Warn("cancellation stats not recorded",
				zap.String("driver_id", p.DriverID),
				zap.Error(err))
		}
	}

	if a.canceller == nil {
		a.log.Error("no canceller wired, response dropped",
			zap.String("job_id", jobID))
		return
	}
	if err := a.canceller.Cancel(ctx, jobID, reason); err != nil {
		a.log.Warn("cancellation failed",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}

	driverResponsesTotal.WithLabelValues("cancelled").Inc()
}

func (a *Allocator) publishJSON(ctx context.Context, topic string, v interface{}) {
	if err := a.pub.PublishJSON(ctx, topic, v); err != nil {
		a.log.Warn("allocation event not published",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

func (a *Allocator) publishStatus(ctx context.Context, jobID, status, reason, driverID string) {
	payload := models.JobStatusPayload{
		JobID:        jobID,
		JobIDLegacy:  jobID,
		Status:       status,
		Reason:       reason,
		DriverID:     driverID,
		TimestampMs:  time.Now().UnixMilli(),
		DispatcherID: a.dispatcherID,
		Version:      models.PayloadVersion,
	}
	if err := a.pub.PublishJSON(ctx, models.TopicJobStatus(jobID), payload); err != nil {
		a.log.Warn("status event not published",
			zap.String("job_id", jobID),
			zap.String("status", status),
			zap.Error(err))
	}
}

func (a *Allocator) publishResult(ctx context.Context, payload models.ResultPayload) {
	payload.TimestampMs = time.Now().UnixMilli()
	payload.DispatcherID = a.dispatcherID
	payload.Version = models.PayloadVersion
	if err := a.pub.PublishJSON(ctx, models.TopicJobResult(payload.JobID, payload.DriverID), payload); err != nil {
		a.log.Warn("result event not published",
			zap.String("job_id", payload.JobID),
			zap.String("driver_id", payload.DriverID),
			zap.Error(err))
	}
}
