package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/internal/store"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/config"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
)

type fakeAuctions struct {
	mu     sync.Mutex
	graces []time.Duration
	reaped int
	opened []string
}

func (f *fakeAuctions) ReapStalled(_ context.Context, grace time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.graces = append(f.graces, grace)
	return f.reaped
}

func (f *fakeAuctions) OpenAuction(_ context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, job.ID)
	return nil
}

func (f *fakeAuctions) openedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.opened))
	copy(out, f.opened)
	return out
}

func (f *fakeAuctions) reapCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.graces)
}

type fakeCompleter struct {
	mu        sync.Mutex
	completed []string
}

func (f *fakeCompleter) CompleteStalled(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobID)
	return nil
}

func (f *fakeCompleter) completedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.completed))
	copy(out, f.completed)
	return out
}

func watchdogConfig() config.WatchdogConfig {
	return config.WatchdogConfig{
		IntervalSec:       30,
		DriverLivenessSec: 120,
		AuctionGraceSec:   10,
		StalledMaxSec:     7200,
	}
}

func newTestWorker(t *testing.T, st store.Store) (*Worker, *fakeAuctions, *fakeCompleter) {
	t.Helper()
	auctions := &fakeAuctions{}
	completer := &fakeCompleter{}
	return NewWorker(st, auctions, completer, watchdogConfig(), zap.NewNop()), auctions, completer
}

func seedDriver(t *testing.T, st store.Store, id string, seen time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertDriver(ctx, &models.Driver{
		ID:           id,
		Name:         "Driver " + id,
		VehicleClass: models.VehicleClassSaloon,
		Status:       models.DriverStatusOffline,
	}))
	_, _, err := st.PushLocation(ctx, models.LocationSample{
		DriverID: id,
		Lat:      52.41,
		Lon:      -1.52,
		Heading:  -1,
		TS:       seen,
	})
	require.NoError(t, err)
	_, err = st.SetDriverStatus(ctx, id, models.DriverStatusOnline)
	require.NoError(t, err)
}

func seedJob(t *testing.T, st store.Store, id string, statuses ...models.JobStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateJob(ctx, &models.Job{
		ID:                   id,
		PickupText:           "Coventry station",
		PickupLat:            52.4068,
		PickupLon:            -1.5197,
		Passengers:           2,
		VehicleRequired:      models.VehicleClassSaloon,
		Status:               models.JobStatusPending,
		BiddingWindowSeconds: 30,
	}))
	for _, s := range statuses {
		_, err := st.UpdateJobStatus(ctx, id, s, store.UpdateOpts{})
		require.NoError(t, err)
	}
}

func TestSweepReapsWithConfiguredGrace(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	w, auctions, _ := newTestWorker(t, st)

	w.sweep(context.Background(), time.Now())

	require.Equal(t, 1, auctions.reapCalls())
	assert.Equal(t, 10*time.Second, auctions.graces[0])
}

func TestSweepDemotesSilentDrivers(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	w, _, _ := newTestWorker(t, st)

	now := time.Now().UTC()
	seedDriver(t, st, "d-silent", now.Add(-5*time.Minute))
	seedDriver(t, st, "d-fresh", now)

	w.sweep(context.Background(), now)

	silent, err := st.GetDriver(context.Background(), "d-silent")
	require.NoError(t, err)
	assert.Equal(t, models.DriverStatusOffline, silent.Status)

	fresh, err := st.GetDriver(context.Background(), "d-fresh")
	require.NoError(t, err)
	assert.Equal(t, models.DriverStatusOnline, fresh.Status)
}

func TestSweepLeavesOnJobDriversAlone(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	w, _, _ := newTestWorker(t, st)

	now := time.Now().UTC()
	seedDriver(t, st, "d-busy", now.Add(-5*time.Minute))
	_, err := st.SetDriverStatus(context.Background(), "d-busy", models.DriverStatusOnJob)
	require.NoError(t, err)

	w.sweep(context.Background(), now)

	busy, err := st.GetDriver(context.Background(), "d-busy")
	require.NoError(t, err)
	assert.Equal(t, models.DriverStatusOnJob, busy.Status)
}

func TestSweepCompletesStalledAllocatedJobs(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	w, _, completer := newTestWorker(t, st)

	seedJob(t, st, "job-a", models.JobStatusBidding, models.JobStatusClosed, models.JobStatusAllocated)
	seedJob(t, st, "job-b", models.JobStatusBidding, models.JobStatusClosed, models.JobStatusAllocated)

	// three hours from now everything seeded above is past the 2 h maximum
	w.sweep(context.Background(), time.Now().Add(3*time.Hour))
	assert.ElementsMatch(t, []string{"job-a", "job-b"}, completer.completedJobs())

	// at real time nothing is old enough
	completer.completed = nil
	w.sweep(context.Background(), time.Now())
	assert.Empty(t, completer.completedJobs())
}

func TestSweepReopensStalePendingJobs(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	w, auctions, _ := newTestWorker(t, st)

	seedJob(t, st, "job-requeued")
	seedJob(t, st, "job-mid-auction", models.JobStatusBidding)

	w.sweep(context.Background(), time.Now().Add(time.Minute))
	assert.Equal(t, []string{"job-requeued"}, auctions.openedJobs())

	// fresh pending jobs stay with their admission worker
	auctions.opened = nil
	w.sweep(context.Background(), time.Now())
	assert.Empty(t, auctions.openedJobs())
}

func TestWorkerSweepsImmediatelyOnStart(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(st.Close)
	w, auctions, _ := newTestWorker(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)
	t.Cleanup(w.Stop)

	require.Eventually(t, func() bool { return auctions.reapCalls() >= 1 }, time.Second, 10*time.Millisecond)
}
