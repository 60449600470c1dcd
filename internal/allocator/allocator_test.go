package allocator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/internal/matching"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/store"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/bus"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/common"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
)

type cancelCall struct {
	jobID  string
	reason string
}

type recordingCanceller struct {
	mu    sync.Mutex
	calls []cancelCall
}

func (c *recordingCanceller) Cancel(_ context.Context, jobID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, cancelCall{jobID: jobID, reason: reason})
	return nil
}

func (c *recordingCanceller) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *recordingCanceller) call(i int) cancelCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[i]
}

// flakyStore fails a configurable number of Allocated transitions so tests
// can watch a batch retry carry the same plan through.
type flakyStore struct {
	store.Store
	mu            sync.Mutex
	failAllocated int
}

func (f *flakyStore) UpdateJobStatus(ctx context.Context, id string, next models.JobStatus, opts store.UpdateOpts) (*models.Job, error) {
	if next == models.JobStatusAllocated {
		f.mu.Lock()
		if f.failAllocated > 0 {
			f.failAllocated--
			f.mu.Unlock()
			return nil, common.NewInternalError("store unavailable", nil)
		}
		f.mu.Unlock()
	}
	return f.Store.UpdateJobStatus(ctx, id, next, opts)
}

func newTestAllocator(t *testing.T, st store.Store) (*Allocator, *recordingCanceller, *bus.Memory) {
	t.Helper()

	b := bus.NewMemory(64)
	t.Cleanup(func() { _ = b.Close() })

	canceller := &recordingCanceller{}
	a := New(st, bus.NewPublisher(b, 1, time.Millisecond), "disp-test", zap.NewNop())
	a.SetCanceller(canceller)
	return a, canceller, b
}

func seedDriver(t *testing.T, st store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertDriver(ctx, &models.Driver{
		ID:           id,
		Name:         "Driver " + id,
		VehicleClass: models.VehicleClassSaloon,
		Status:       models.DriverStatusOnline,
	}))
}

func closedJob(t *testing.T, st store.Store, id string) *models.Job {
	t.Helper()
	ctx := context.Background()

	job := &models.Job{
		ID:                   id,
		PickupText:           "Coventry station",
		PickupLat:            52.4068,
		PickupLon:            -1.5197,
		Passengers:           2,
		VehicleRequired:      models.VehicleClassSaloon,
		Status:               models.JobStatusPending,
		BiddingWindowSeconds: 30,
	}
	require.NoError(t, st.CreateJob(ctx, job))
	_, err := st.UpdateJobStatus(ctx, id, models.JobStatusBidding, store.UpdateOpts{})
	require.NoError(t, err)
	closed, err := st.UpdateJobStatus(ctx, id, models.JobStatusClosed, store.UpdateOpts{})
	require.NoError(t, err)
	return closed
}

func allocatedJob(t *testing.T, st store.Store, id, driverID string) *models.Job {
	t.Helper()

	closedJob(t, st, id)
	job, err := st.UpdateJobStatus(context.Background(), id, models.JobStatusAllocated, store.UpdateOpts{
		DriverID: &driverID,
	})
	require.NoError(t, err)
	_, err = st.SetDriverStatus(context.Background(), driverID, models.DriverStatusOnJob)
	require.NoError(t, err)
	return job
}

func bid(jobID, driverID string, distanceKm float64) *models.Bid {
	return &models.Bid{
		JobID:      jobID,
		DriverID:   driverID,
		DriverName: "Driver " + driverID,
		DriverLat:  52.41,
		DriverLon:  -1.52,
		DistanceKm: distanceKm,
		BidTS:      time.Now().UTC(),
	}
}

func assignmentPlan(job *models.Job, winner *models.Bid, losers ...*models.Bid) matching.Plan {
	bids := append([]*models.Bid{winner}, losers...)
	snaps := make([]models.BidSnapshot, 0, len(bids))
	for i, b := range bids {
		snaps = append(snaps, b.Snapshot(0.9-0.1*float64(i)))
	}
	return matching.Plan{
		Assignments: []matching.Assignment{{
			Job:    job,
			Bid:    winner,
			Score:  0.9,
			EtaMin: 2,
			Losers: losers,
		}},
		Snapshots: map[string][]models.BidSnapshot{job.ID: snaps},
	}
}

type topicCollector struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func collectTopic(t *testing.T, b *bus.Memory, pattern string) *topicCollector {
	t.Helper()

	tc := &topicCollector{}
	require.NoError(t, b.Subscribe(context.Background(), pattern, func(_ context.Context, msg bus.Message) error {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		tc.msgs = append(tc.msgs, msg)
		return nil
	}))
	return tc
}

func (tc *topicCollector) all() []bus.Message {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]bus.Message, len(tc.msgs))
	copy(out, tc.msgs)
	return out
}

func (tc *topicCollector) count() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.msgs)
}

func TestCommitAssignmentPersistsAndAnnounces(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	a, _, b := newTestAllocator(t, st)

	seedDriver(t, st, "d-1")
	seedDriver(t, st, "d-2")
	job := closedJob(t, st, "job-1")

	inbox := collectTopic(t, b, "drivers/+/jobs")
	allocated := collectTopic(t, b, "jobs/+/allocated")
	statuses := collectTopic(t, b, "jobs/+/status")
	results := collectTopic(t, b, "jobs/+/result/+")

	winner := bid("job-1", "d-1", 0.4)
	loser := bid("job-1", "d-2", 5.2)
	require.NoError(t, a.Commit(context.Background(), assignmentPlan(job, winner, loser)))

	stored, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAllocated, stored.Status)
	require.NotNil(t, stored.AllocatedDriverID)
	assert.Equal(t, "d-1", *stored.AllocatedDriverID)
	require.NotNil(t, stored.DriverDistanceKm)
	assert.InDelta(t, 0.4, *stored.DriverDistanceKm, 1e-9)
	require.NotNil(t, stored.DriverEtaMin)
	assert.Equal(t, 2, *stored.DriverEtaMin)

	snaps, err := models.UnmarshalBidSnapshots(stored.BidsSnapshotJSON)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.InDelta(t, 0.9, snaps[0].Score, 1e-9)

	driver, err := st.GetDriver(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverStatusOnJob, driver.Status)

	require.Eventually(t, func() bool {
		return inbox.count() == 1 && allocated.count() == 1 &&
			statuses.count() == 1 && results.count() == 2
	}, time.Second, 10*time.Millisecond)

	var ap models.AllocationPayload
	require.NoError(t, json.Unmarshal(inbox.all()[0].Payload, &ap))
	assert.Equal(t, "drivers/d-1/jobs", inbox.all()[0].Topic)
	assert.Equal(t, "job-1", ap.JobID)
	assert.Equal(t, "d-1", ap.DriverID)
	assert.Equal(t, 2, ap.EtaMin)
	assert.InDelta(t, 0.9, ap.Score, 1e-9)
	assert.Equal(t, string(models.JobStatusAllocated), ap.Status)

	var sp models.JobStatusPayload
	require.NoError(t, json.Unmarshal(statuses.all()[0].Payload, &sp))
	assert.Equal(t, "allocated", sp.Status)
	assert.Equal(t, "d-1", sp.DriverID)

	// the winner hears first
	var won, lost models.ResultPayload
	require.NoError(t, json.Unmarshal(results.all()[0].Payload, &won))
	require.NoError(t, json.Unmarshal(results.all()[1].Payload, &lost))
	assert.Equal(t, "d-1", won.DriverID)
	assert.Equal(t, "won", won.Outcome)
	assert.InDelta(t, 0.9, won.Score, 1e-9)
	assert.Equal(t, "d-2", lost.DriverID)
	assert.Equal(t, "lost", lost.Outcome)
	assert.Equal(t, "outbid", lost.Reason)
}

func TestCommitRequeueReturnsJobToPending(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	a, _, b := newTestAllocator(t, st)

	job := closedJob(t, st, "job-1")
	statuses := collectTopic(t, b, "jobs/+/status")
	results := collectTopic(t, b, "jobs/+/result/+")

	taken := bid("job-1", "d-1", 1.0)
	plan := matching.Plan{
		Requeued:  []matching.Requeue{{Job: job, Bids: []*models.Bid{taken}}},
		Snapshots: map[string][]models.BidSnapshot{"job-1": {taken.Snapshot(0.5)}},
	}
	require.NoError(t, a.Commit(context.Background(), plan))

	stored, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)

	snaps, err := models.UnmarshalBidSnapshots(stored.BidsSnapshotJSON)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.InDelta(t, 0.5, snaps[0].Score, 1e-9)

	require.Eventually(t, func() bool { return statuses.count() == 1 }, time.Second, 10*time.Millisecond)
	var sp models.JobStatusPayload
	require.NoError(t, json.Unmarshal(statuses.all()[0].Payload, &sp))
	assert.Equal(t, "pending", sp.Status)
	assert.Equal(t, "no_bids", sp.Reason)

	// requeued bidders hear nothing until the job reopens
	assert.Zero(t, results.count())
}

func TestCommitNoBidsSettles(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	a, _, b := newTestAllocator(t, st)

	job := closedJob(t, st, "job-1")
	statuses := collectTopic(t, b, "jobs/+/status")

	require.NoError(t, a.Commit(context.Background(), matching.Plan{NoBids: []*models.Job{job}}))

	stored, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusNoBids, stored.Status)

	require.Eventually(t, func() bool { return statuses.count() == 1 }, time.Second, 10*time.Millisecond)
	var sp models.JobStatusPayload
	require.NoError(t, json.Unmarshal(statuses.all()[0].Payload, &sp))
	assert.Equal(t, "no_bids", sp.Status)
	assert.Equal(t, "no_bidders", sp.Reason)
}

func TestCommitSkipsJobCancelledMidMatch(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	a, _, b := newTestAllocator(t, st)

	seedDriver(t, st, "d-1")
	job := closedJob(t, st, "job-1")
	_, err := st.UpdateJobStatus(context.Background(), "job-1", models.JobStatusCancelled, store.UpdateOpts{})
	require.NoError(t, err)

	inbox := collectTopic(t, b, "drivers/+/jobs")
	results := collectTopic(t, b, "jobs/+/result/+")

	require.NoError(t, a.Commit(context.Background(), assignmentPlan(job, bid("job-1", "d-1", 0.4))))

	stored, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, stored.Status)

	driver, err := st.GetDriver(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverStatusOnline, driver.Status)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, inbox.count())
	assert.Zero(t, results.count())
}

func TestCommitCollectsFailuresForRetry(t *testing.T) {
	mem := store.NewMemory()
	t.Cleanup(mem.Close)
	st := &flakyStore{Store: mem, failAllocated: 1}
	a, _, _ := newTestAllocator(t, st)

	seedDriver(t, st, "d-1")
	job := closedJob(t, st, "job-1")
	plan := assignmentPlan(job, bid("job-1", "d-1", 0.4))

	err := a.Commit(context.Background(), plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job-1")

	// the retried plan commits cleanly
	require.NoError(t, a.Commit(context.Background(), plan))
	stored, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAllocated, stored.Status)
}

func TestCompleteStalledReleasesDriverWithoutCredit(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	a, _, b := newTestAllocator(t, st)

	seedDriver(t, st, "d-1")
	allocatedJob(t, st, "job-1", "d-1")
	statuses := collectTopic(t, b, "jobs/+/status")

	require.NoError(t, a.CompleteStalled(context.Background(), "job-1"))

	stored, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Equal(t, "stalled", stored.Annotation)

	driver, err := st.GetDriver(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverStatusOnline, driver.Status)

	count, err := st.CompletedJobCount(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Zero(t, count)

	require.Eventually(t, func() bool { return statuses.count() == 1 }, time.Second, 10*time.Millisecond)
	var sp models.JobStatusPayload
	require.NoError(t, json.Unmarshal(statuses.all()[0].Payload, &sp))
	assert.Equal(t, "completed", sp.Status)
	assert.Equal(t, "stalled", sp.Reason)
}

func TestCompleteStalledSkipsSettledJob(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	a, _, b := newTestAllocator(t, st)

	closedJob(t, st, "job-1")
	_, err := st.UpdateJobStatus(context.Background(), "job-1", models.JobStatusCancelled, store.UpdateOpts{})
	require.NoError(t, err)
	statuses := collectTopic(t, b, "jobs/+/status")

	require.NoError(t, a.CompleteStalled(context.Background(), "job-1"))

	stored, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, stored.Status)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, statuses.count())
}

func TestHandleResponseCompletion(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	a, _, b := newTestAllocator(t, st)

	seedDriver(t, st, "d-1")
	allocatedJob(t, st, "job-1", "d-1")
	statuses := collectTopic(t, b, "jobs/+/status")

	payload, err := json.Marshal(models.ResponsePayload{
		JobID:    "job-1",
		Status:   "completed",
		DriverID: "d-1",
	})
	require.NoError(t, err)
	require.NoError(t, a.HandleResponse(context.Background(), bus.Message{
		Topic:   "jobs/job-1/response",
		Payload: payload,
	}))

	stored, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)

	driver, err := st.GetDriver(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverStatusOnline, driver.Status)
	assert.NotNil(t, driver.LastJobCompletedAt)

	count, err := st.CompletedJobCount(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.Eventually(t, func() bool { return statuses.count() == 1 }, time.Second, 10*time.Millisecond)
	var sp models.JobStatusPayload
	require.NoError(t, json.Unmarshal(statuses.all()[0].Payload, &sp))
	assert.Equal(t, "completed", sp.Status)
	assert.Equal(t, "d-1", sp.DriverID)
}

func TestHandleResponseCompletionReplayDoesNotDoubleCount(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	a, _, _ := newTestAllocator(t, st)

	seedDriver(t, st, "d-1")
	allocatedJob(t, st, "job-1", "d-1")

	payload, err := json.Marshal(models.ResponsePayload{JobID: "job-1", Status: "completed", DriverID: "d-1"})
	require.NoError(t, err)
	msg := bus.Message{Topic: "jobs/job-1/response", Payload: payload}

	require.NoError(t, a.HandleResponse(context.Background(), msg))
	require.NoError(t, a.HandleResponse(context.Background(), msg))

	count, err := st.CompletedJobCount(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHandleResponseCompletionFromWrongDriver(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	a, _, _ := newTestAllocator(t, st)

	seedDriver(t, st, "d-1")
	seedDriver(t, st, "d-2")
	allocatedJob(t, st, "job-1", "d-1")

	payload, err := json.Marshal(models.ResponsePayload{JobID: "job-1", Status: "completed", DriverID: "d-2"})
	require.NoError(t, err)
	require.NoError(t, a.HandleResponse(context.Background(), bus.Message{
		Topic:   "jobs/job-1/response",
		Payload: payload,
	}))

	stored, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAllocated, stored.Status)

	count, err := st.CompletedJobCount(context.Background(), "d-2")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHandleResponseDriverCancellation(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	a, canceller, _ := newTestAllocator(t, st)

	seedDriver(t, st, "d-1")
	allocatedJob(t, st, "job-1", "d-1")

	payload, err := json.Marshal(models.ResponsePayload{
		JobID:    "job-1",
		Status:   "cancelled",
		DriverID: "d-1",
		Reason:   "no_show",
	})
	require.NoError(t, err)
	require.NoError(t, a.HandleResponse(context.Background(), bus.Message{
		Topic:   "jobs/job-1/response",
		Payload: payload,
	}))

	require.Equal(t, 1, canceller.count())
	assert.Equal(t, cancelCall{jobID: "job-1", reason: "no_show"}, canceller.call(0))

	stats, err := st.GetDriverStats(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CancelledJobs)
	assert.Equal(t, 1, stats.NoShowCancels)
}

func TestHandleResponseCallerCancellation(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	a, canceller, _ := newTestAllocator(t, st)

	closedJob(t, st, "job-1")

	payload, err := json.Marshal(models.ResponsePayload{JobID: "job-1", Status: "cancelled"})
	require.NoError(t, err)
	require.NoError(t, a.HandleResponse(context.Background(), bus.Message{
		Topic:   "jobs/job-1/response",
		Payload: payload,
	}))

	require.Equal(t, 1, canceller.count())
	assert.Equal(t, cancelCall{jobID: "job-1", reason: "cancelled"}, canceller.call(0))
}

func TestHandleResponseCancellationFromWrongDriver(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	a, canceller, _ := newTestAllocator(t, st)

	seedDriver(t, st, "d-1")
	seedDriver(t, st, "d-2")
	allocatedJob(t, st, "job-1", "d-1")

	payload, err := json.Marshal(models.ResponsePayload{JobID: "job-1", Status: "cancelled", DriverID: "d-2"})
	require.NoError(t, err)
	require.NoError(t, a.HandleResponse(context.Background(), bus.Message{
		Topic:   "jobs/job-1/response",
		Payload: payload,
	}))

	assert.Zero(t, canceller.count())
	_, err = st.GetDriverStats(context.Background(), "d-2")
	assert.True(t, common.IsCode(err, common.CodeNotFound))
}

func TestHandleResponseCancellationOfSettledJob(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	a, canceller, _ := newTestAllocator(t, st)

	closedJob(t, st, "job-1")
	_, err := st.UpdateJobStatus(context.Background(), "job-1", models.JobStatusCancelled, store.UpdateOpts{})
	require.NoError(t, err)

	payload, err := json.Marshal(models.ResponsePayload{JobID: "job-1", Status: "cancelled"})
	require.NoError(t, err)
	require.NoError(t, a.HandleResponse(context.Background(), bus.Message{
		Topic:   "jobs/job-1/response",
		Payload: payload,
	}))

	assert.Zero(t, canceller.count())
}

func TestHandleResponseIgnoresUnknownStatus(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	a, canceller, _ := newTestAllocator(t, st)

	seedDriver(t, st, "d-1")
	allocatedJob(t, st, "job-1", "d-1")

	payload, err := json.Marshal(models.ResponsePayload{JobID: "job-1", Status: "en_route", DriverID: "d-1"})
	require.NoError(t, err)
	require.NoError(t, a.HandleResponse(context.Background(), bus.Message{
		Topic:   "jobs/job-1/response",
		Payload: payload,
	}))

	stored, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAllocated, stored.Status)
	assert.Zero(t, canceller.count())
}

func TestResponsesArriveOverBus(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	a, _, b := newTestAllocator(t, st)
	require.NoError(t, a.Start(context.Background(), b))

	seedDriver(t, st, "d-1")
	allocatedJob(t, st, "job-1", "d-1")

	// no job field in the body; the handler falls back to the topic segment
	require.NoError(t, b.Publish(context.Background(), "jobs/job-1/response", []byte(`{"status":"completed","driverId":"d-1"}`)))

	require.Eventually(t, func() bool {
		job, err := st.GetJob(context.Background(), "job-1")
		return err == nil && job.Status == models.JobStatusCompleted
	}, time.Second, 10*time.Millisecond)
}
