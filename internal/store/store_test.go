package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/common"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/config"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
)

// Central London; the far driver sits in Manchester, ~260 km away.
const (
	testLat = 51.5074
	testLon = -0.1278
)

func newTestStore(t *testing.T) *Memory {
	t.Helper()
	return NewMemory()
}

// advanceJob walks a job through a chain of legal transitions.
func advanceJob(t *testing.T, s Store, id string, statuses ...models.JobStatus) {
	t.Helper()
	for _, st := range statuses {
		_, err := s.UpdateJobStatus(context.Background(), id, st, UpdateOpts{})
		require.NoError(t, err, "advancing job %s to %s", id, st)
	}
}

func createJob(t *testing.T, s Store, id string) *models.Job {
	t.Helper()
	j := &models.Job{
		ID:                   id,
		PickupText:           "10 Downing Street",
		DropoffText:          "Heathrow Terminal 5",
		PickupLat:            testLat,
		PickupLon:            testLon,
		Passengers:           2,
		VehicleRequired:      models.VehicleClassSaloon,
		BiddingWindowSeconds: 30,
	}
	require.NoError(t, s.CreateJob(context.Background(), j))
	return j
}

func TestOpenSelectsImplementation(t *testing.T) {
	ctx := context.Background()

	for _, url := range []string{"", "mem://", "mem://local"} {
		s, err := Open(ctx, &config.StoreConfig{URL: url}, zap.NewNop())
		require.NoError(t, err, "url %q", url)
		require.IsType(t, &Memory{}, s)
		require.NoError(t, s.Ping(ctx))
	}

	_, err := Open(ctx, &config.StoreConfig{URL: "mysql://nope"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store url")
}

func TestUpsertDriverDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "d1", Name: "Asel"}))

	d, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverStatusOffline, d.Status)
	assert.Equal(t, models.VehicleClassSaloon, d.VehicleClass)
	assert.Equal(t, float64(-1), d.Heading)
	assert.False(t, d.StatusChangedAt.IsZero())
	assert.False(t, d.CreatedAt.IsZero())
	assert.False(t, d.HasLocation())
}

func TestUpsertDriverRefreshesWithoutClobbering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{
		ID: "d1", Name: "Asel", VehicleClass: models.VehicleClassMPV, Status: models.DriverStatusOnline,
	}))
	_, applied, err := s.PushLocation(ctx, models.LocationSample{
		DriverID: "d1", Lat: testLat, Lon: testLon, TS: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, applied)

	before, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)

	// Re-registration with empty fields must not erase anything.
	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "d1"}))

	after, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "Asel", after.Name)
	assert.Equal(t, models.VehicleClassMPV, after.VehicleClass)
	assert.Equal(t, models.DriverStatusOnline, after.Status)
	assert.Equal(t, before.Lat, after.Lat)
	assert.Equal(t, before.LocationTS, after.LocationTS)
	assert.Equal(t, before.StatusChangedAt, after.StatusChangedAt)
}

func TestUpsertDriverStatusChangeStampsTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "d1", Status: models.DriverStatusOnline}))
	first, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	// Same status: stamp untouched.
	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "d1", Status: models.DriverStatusOnline}))
	same, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, first.StatusChangedAt, same.StatusChangedAt)

	// New status: stamp moves.
	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "d1", Status: models.DriverStatusOnJob}))
	changed, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, changed.StatusChangedAt.After(first.StatusChangedAt))
}

func TestGetDriverNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDriver(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.CodeNotFound))
}

func TestSetDriverStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "d1"}))

	d, err := s.SetDriverStatus(ctx, "d1", models.DriverStatusOnline)
	require.NoError(t, err)
	assert.Equal(t, models.DriverStatusOnline, d.Status)

	_, err = s.SetDriverStatus(ctx, "ghost", models.DriverStatusOnline)
	assert.True(t, common.IsCode(err, common.CodeNotFound))
}

func TestSetDriverSpoof(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "d1"}))
	require.NoError(t, s.SetDriverSpoof(ctx, "d1", 0.7, 3))

	d, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 0.7, d.SpoofRisk)
	assert.Equal(t, 3, d.SpoofStreak)

	err = s.SetDriverSpoof(ctx, "ghost", 0.1, 0)
	assert.True(t, common.IsCode(err, common.CodeNotFound))
}

// ---- jobs ----

func TestCreateJobDefaultsAndDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := createJob(t, s, "job-1")
	assert.Equal(t, models.JobStatusPending, j.Status)
	assert.False(t, j.CreatedAt.IsZero())
	assert.False(t, j.UpdatedAt.IsZero())

	stored, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "[]", stored.BidsSnapshotJSON)

	err = s.CreateJob(ctx, &models.Job{ID: "job-1", PickupText: "again"})
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.CodeDuplicateID))
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetJob(context.Background(), "ghost")
	assert.True(t, common.IsCode(err, common.CodeNotFound))
}

func TestUpdateJobStatusTransitions(t *testing.T) {
	// path puts the job into the starting status; legal then lists every
	// permitted next status. Anything else must be rejected.
	cases := []struct {
		from  models.JobStatus
		path  []models.JobStatus
		legal []models.JobStatus
	}{
		{
			from:  models.JobStatusPending,
			legal: []models.JobStatus{models.JobStatusBidding, models.JobStatusNoBids, models.JobStatusCancelled},
		},
		{
			from:  models.JobStatusBidding,
			path:  []models.JobStatus{models.JobStatusBidding},
			legal: []models.JobStatus{models.JobStatusClosed, models.JobStatusCancelled},
		},
		{
			from:  models.JobStatusClosed,
			path:  []models.JobStatus{models.JobStatusBidding, models.JobStatusClosed},
			legal: []models.JobStatus{models.JobStatusAllocated, models.JobStatusPending, models.JobStatusNoBids, models.JobStatusCancelled},
		},
		{
			from:  models.JobStatusAllocated,
			path:  []models.JobStatus{models.JobStatusBidding, models.JobStatusClosed, models.JobStatusAllocated},
			legal: []models.JobStatus{models.JobStatusCompleted, models.JobStatusCancelled},
		},
		{
			from: models.JobStatusCompleted,
			path: []models.JobStatus{models.JobStatusBidding, models.JobStatusClosed, models.JobStatusAllocated, models.JobStatusCompleted},
		},
		{
			from: models.JobStatusCancelled,
			path: []models.JobStatus{models.JobStatusCancelled},
		},
		{
			from: models.JobStatusNoBids,
			path: []models.JobStatus{models.JobStatusNoBids},
		},
	}

	all := []models.JobStatus{
		models.JobStatusPending, models.JobStatusBidding, models.JobStatusClosed,
		models.JobStatusAllocated, models.JobStatusCompleted, models.JobStatusCancelled,
		models.JobStatusNoBids,
	}

	for _, tc := range cases {
		t.Run(string(tc.from), func(t *testing.T) {
			for _, next := range all {
				s := newTestStore(t)
				id := fmt.Sprintf("job-%s-%s", tc.from, next)
				createJob(t, s, id)
				advanceJob(t, s, id, tc.path...)

				legal := next == tc.from // self-transition is always a legal no-op
				for _, l := range tc.legal {
					if l == next {
						legal = true
					}
				}

				j, err := s.UpdateJobStatus(context.Background(), id, next, UpdateOpts{})
				if legal {
					require.NoError(t, err, "%s -> %s", tc.from, next)
					assert.Equal(t, next, j.Status)
				} else {
					require.Error(t, err, "%s -> %s", tc.from, next)
					assert.True(t, common.IsCode(err, common.CodeIllegalTransition))
				}
			}
		})
	}
}

func TestUpdateJobStatusAppliesOpts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createJob(t, s, "job-1")
	advanceJob(t, s, "job-1", models.JobStatusBidding, models.JobStatusClosed)

	driverID := "d1"
	dist := 2.4
	eta := 5
	j, err := s.UpdateJobStatus(ctx, "job-1", models.JobStatusAllocated, UpdateOpts{
		DriverID:   &driverID,
		DistanceKm: &dist,
		EtaMin:     &eta,
	})
	require.NoError(t, err)
	require.NotNil(t, j.AllocatedDriverID)
	assert.Equal(t, "d1", *j.AllocatedDriverID)
	assert.Equal(t, 2.4, *j.DriverDistanceKm)
	assert.Equal(t, 5, *j.DriverEtaMin)

	// A later transition without opts keeps the allocation fields.
	note := "stalled"
	j, err = s.UpdateJobStatus(ctx, "job-1", models.JobStatusCompleted, UpdateOpts{Annotation: &note})
	require.NoError(t, err)
	require.NotNil(t, j.AllocatedDriverID)
	assert.Equal(t, "d1", *j.AllocatedDriverID)
	assert.Equal(t, "stalled", j.Annotation)
}

func TestUpdateJobStatusUnknownJob(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpdateJobStatus(context.Background(), "ghost", models.JobStatusBidding, UpdateOpts{})
	assert.True(t, common.IsCode(err, common.CodeNotFound))
}

func TestListJobsFilterAndPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		createJob(t, s, fmt.Sprintf("job-%d", i))
		time.Sleep(2 * time.Millisecond)
	}
	advanceJob(t, s, "job-1", models.JobStatusBidding)
	advanceJob(t, s, "job-3", models.JobStatusBidding)

	bidding, err := s.ListJobs(ctx, JobFilter{Status: models.JobStatusBidding})
	require.NoError(t, err)
	require.Len(t, bidding, 2)

	pending, err := s.ListJobs(ctx, JobFilter{Status: models.JobStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 3)
	// Newest first.
	assert.Equal(t, "job-4", pending[0].ID)
	assert.Equal(t, "job-2", pending[1].ID)
	assert.Equal(t, "job-0", pending[2].ID)

	page, err := s.ListJobs(ctx, JobFilter{Status: models.JobStatusPending, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "job-2", page[0].ID)

	empty, err := s.ListJobs(ctx, JobFilter{Status: models.JobStatusPending, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestListJobsUpdatedBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createJob(t, s, "old")
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	createJob(t, s, "fresh")

	stale, err := s.ListJobs(ctx, JobFilter{UpdatedBefore: cutoff})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)
}

// ---- bids ----

func TestAppendBidRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.AppendBid(ctx, &models.Bid{JobID: "ghost", DriverID: "d1"})
	assert.True(t, common.IsCode(err, common.CodeNotFound))

	createJob(t, s, "job-1")
	err = s.AppendBid(ctx, &models.Bid{JobID: "job-1", DriverID: "d1"})
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.CodeAuctionNotOpen))

	advanceJob(t, s, "job-1", models.JobStatusBidding)

	bid := &models.Bid{JobID: "job-1", DriverID: "d1", DistanceKm: 1.2}
	require.NoError(t, s.AppendBid(ctx, bid))
	assert.False(t, bid.BidTS.IsZero(), "store stamps the bid time")

	err = s.AppendBid(ctx, &models.Bid{JobID: "job-1", DriverID: "d1"})
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.CodeDuplicateBid))

	// Bids stop once the window closes.
	advanceJob(t, s, "job-1", models.JobStatusClosed)
	err = s.AppendBid(ctx, &models.Bid{JobID: "job-1", DriverID: "d2"})
	assert.True(t, common.IsCode(err, common.CodeAuctionNotOpen))
}

func TestListBidsArrivalOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createJob(t, s, "job-1")
	advanceJob(t, s, "job-1", models.JobStatusBidding)

	base := time.Now().UTC()
	for i, driver := range []string{"d3", "d1", "d2"} {
		require.NoError(t, s.AppendBid(ctx, &models.Bid{
			JobID:    "job-1",
			DriverID: driver,
			BidTS:    base.Add(time.Duration(i) * time.Second),
		}))
	}

	bids, err := s.ListBids(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, bids, 3)
	assert.Equal(t, "d3", bids[0].DriverID)
	assert.Equal(t, "d1", bids[1].DriverID)
	assert.Equal(t, "d2", bids[2].DriverID)
}

func TestSnapshotBidsToJobIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createJob(t, s, "job-1")

	snaps := []models.BidSnapshot{
		{DriverID: "d1", DriverName: "Asel", DistanceKm: 1.2, Score: 0.81},
		{DriverID: "d2", DriverName: "Bekzat", DistanceKm: 3.7, Score: 0.55},
	}
	require.NoError(t, s.SnapshotBidsToJob(ctx, "job-1", snaps))
	first, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)

	require.NoError(t, s.SnapshotBidsToJob(ctx, "job-1", snaps))
	second, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, first.BidsSnapshotJSON, second.BidsSnapshotJSON)

	parsed, err := models.UnmarshalBidSnapshots(second.BidsSnapshotJSON)
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, "d1", parsed[0].DriverID)

	err = s.SnapshotBidsToJob(ctx, "ghost", nil)
	assert.True(t, common.IsCode(err, common.CodeNotFound))
}

// ---- locations ----

func TestPushLocationMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	first := models.LocationSample{DriverID: "d1", Lat: testLat, Lon: testLon, TS: base}
	prev, applied, err := s.PushLocation(ctx, first)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Nil(t, prev, "no previous sample on first report")

	// Unknown drivers are created offline on their first report.
	d, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverStatusOffline, d.Status)
	assert.Equal(t, base, d.LocationTS)

	second := models.LocationSample{DriverID: "d1", Lat: testLat + 0.001, Lon: testLon, TS: base.Add(5 * time.Second)}
	prev, applied, err = s.PushLocation(ctx, second)
	require.NoError(t, err)
	assert.True(t, applied)
	require.NotNil(t, prev)
	assert.Equal(t, first.TS, prev.TS)

	// Older than the latest applied sample: discarded.
	stale := models.LocationSample{DriverID: "d1", Lat: 0, Lon: 0, TS: base.Add(2 * time.Second)}
	prev, applied, err = s.PushLocation(ctx, stale)
	require.NoError(t, err)
	assert.False(t, applied)
	require.NotNil(t, prev)
	assert.Equal(t, second.TS, prev.TS)

	d, err = s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, second.Lat, d.Lat, "discarded sample must not move the driver")
	assert.Equal(t, second.TS, d.LocationTS)

	// Equal timestamps are allowed (non-decreasing).
	_, applied, err = s.PushLocation(ctx, models.LocationSample{
		DriverID: "d1", Lat: testLat + 0.002, Lon: testLon, TS: second.TS,
	})
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestRecentLocationsRing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 6; i++ {
		_, applied, err := s.PushLocation(ctx, models.LocationSample{
			DriverID: "d1",
			Lat:      testLat + float64(i)*0.001,
			Lon:      testLon,
			TS:       base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		require.True(t, applied)
	}

	ring, err := s.RecentLocations(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, ring, locationRingSize, "ring keeps only the newest samples")

	// Newest first.
	assert.Equal(t, base.Add(5*time.Second), ring[0].TS)
	assert.Equal(t, base.Add(2*time.Second), ring[len(ring)-1].TS)

	none, err := s.RecentLocations(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// ---- driver discovery ----

func TestListDriversRadius(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := func(id string, class models.VehicleClass, lat, lon float64) {
		require.NoError(t, s.UpsertDriver(ctx, &models.Driver{
			ID: id, VehicleClass: class, Status: models.DriverStatusOnline,
		}))
		if lat != 0 {
			_, applied, err := s.PushLocation(ctx, models.LocationSample{
				DriverID: id, Lat: lat, Lon: lon, TS: now,
			})
			require.NoError(t, err)
			require.True(t, applied)
		}
	}

	seed("near-saloon", models.VehicleClassSaloon, testLat+0.01, testLon)   // ~1.1 km
	seed("near-minibus", models.VehicleClassMinibus, testLat, testLon+0.02) // ~1.4 km
	seed("edge", models.VehicleClassSaloon, testLat+0.08, testLon)          // ~8.9 km
	seed("manchester", models.VehicleClassSaloon, 53.4808, -2.2426)         // ~260 km
	seed("no-location", models.VehicleClassSaloon, 0, 0)

	near, err := s.ListDrivers(ctx, DriverFilter{
		Status:   models.DriverStatusOnline,
		NearLat:  testLat,
		NearLon:  testLon,
		WithinKm: 10,
	})
	require.NoError(t, err)
	ids := driverIDs(near)
	assert.ElementsMatch(t, []string{"near-saloon", "near-minibus", "edge"}, ids)

	tight, err := s.ListDrivers(ctx, DriverFilter{
		NearLat:  testLat,
		NearLon:  testLon,
		WithinKm: 2,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"near-saloon", "near-minibus"}, driverIDs(tight))

	// Vehicle class: an MPV job excludes saloons but a minibus can serve it.
	mpvCapable, err := s.ListDrivers(ctx, DriverFilter{
		CanServe: models.VehicleClassMPV,
		NearLat:  testLat,
		NearLon:  testLon,
		WithinKm: 10,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"near-minibus"}, driverIDs(mpvCapable))
}

func TestListDriversStatusFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "on", Status: models.DriverStatusOnline}))
	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "off", Status: models.DriverStatusOffline}))
	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "busy", Status: models.DriverStatusOnJob}))

	online, err := s.ListDrivers(ctx, DriverFilter{Status: models.DriverStatusOnline})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"on"}, driverIDs(online))

	all, err := s.ListDrivers(ctx, DriverFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestListDriversLocationBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Reported ten minutes ago: stale.
	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "stale", Status: models.DriverStatusOnline}))
	_, _, err := s.PushLocation(ctx, models.LocationSample{
		DriverID: "stale", Lat: testLat, Lon: testLon, TS: now.Add(-10 * time.Minute),
	})
	require.NoError(t, err)

	// Reported just now: fresh.
	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "fresh", Status: models.DriverStatusOnline}))
	_, _, err = s.PushLocation(ctx, models.LocationSample{
		DriverID: "fresh", Lat: testLat, Lon: testLon, TS: now,
	})
	require.NoError(t, err)

	// Never reported: falls back to the status-change stamp, which is recent.
	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "silent", Status: models.DriverStatusOnline}))

	cutoff := now.Add(-2 * time.Minute)
	staleOnly, err := s.ListDrivers(ctx, DriverFilter{Status: models.DriverStatusOnline, LocationBefore: cutoff})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stale"}, driverIDs(staleOnly))

	// A future cutoff sweeps everyone in, silent drivers included.
	everyone, err := s.ListDrivers(ctx, DriverFilter{Status: models.DriverStatusOnline, LocationBefore: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stale", "fresh", "silent"}, driverIDs(everyone))
}

func driverIDs(drivers []*models.Driver) []string {
	ids := make([]string, 0, len(drivers))
	for _, d := range drivers {
		ids = append(ids, d.ID)
	}
	return ids
}

// ---- stats ----

func TestStatsCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.CompletedJobCount(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = s.GetDriverStats(ctx, "ghost")
	assert.True(t, common.IsCode(err, common.CodeNotFound))

	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "d1"}))
	require.NoError(t, s.RecordJobCompleted(ctx, "d1"))
	require.NoError(t, s.RecordJobCompleted(ctx, "d1"))

	n, err = s.CompletedJobCount(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := s.GetDriverStats(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CompletedJobs)
	assert.Equal(t, models.DefaultAcceptRate, stats.AcceptRate, "implicit rows carry new-driver defaults")
	assert.Equal(t, models.DefaultAvgRating, stats.AvgRating)

	d, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, d.LastJobCompletedAt)

	require.NoError(t, s.RecordJobCancelled(ctx, "d1", false))
	require.NoError(t, s.RecordJobCancelled(ctx, "d1", true))

	stats, err = s.GetDriverStats(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CancelledJobs)
	assert.Equal(t, 1, stats.NoShowCancels)
	assert.InDelta(t, 0.5, stats.CancelRate(), 1e-9)
	assert.InDelta(t, 0.25, stats.NoShowRate(), 1e-9)
}

func TestUpsertDriverStatsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := &models.DriverStats{
		DriverID:      "d1",
		CompletedJobs: 40,
		CancelledJobs: 4,
		NoShowCancels: 1,
		AcceptRate:    0.92,
		AvgRating:     4.6,
	}
	require.NoError(t, s.UpsertDriverStats(ctx, in))

	out, err := s.GetDriverStats(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

// ---- isolation ----

func TestReadsAreIsolatedCopies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "d1", Name: "Asel"}))
	d, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	d.Name = "tampered"

	clean, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "Asel", clean.Name)

	createJob(t, s, "job-1")
	advanceJob(t, s, "job-1", models.JobStatusBidding, models.JobStatusClosed)
	driverID := "d1"
	j, err := s.UpdateJobStatus(ctx, "job-1", models.JobStatusAllocated, UpdateOpts{DriverID: &driverID})
	require.NoError(t, err)
	*j.AllocatedDriverID = "tampered"

	cleanJob, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "d1", *cleanJob.AllocatedDriverID)
}

func TestConcurrentAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const drivers = 8
	const pushes = 50

	base := time.Now().UTC()
	var wg sync.WaitGroup
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("d%d", n)
			for p := 0; p < pushes; p++ {
				_, _, err := s.PushLocation(ctx, models.LocationSample{
					DriverID: id,
					Lat:      testLat + float64(n)*0.001,
					Lon:      testLon,
					TS:       base.Add(time.Duration(p) * time.Millisecond),
				})
				assert.NoError(t, err)
			}
		}(i)
	}

	// Concurrent readers must never observe a torn driver.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < 50; r++ {
				_, err := s.ListDrivers(ctx, DriverFilter{NearLat: testLat, NearLon: testLon, WithinKm: 5})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < drivers; i++ {
		d, err := s.GetDriver(ctx, fmt.Sprintf("d%d", i))
		require.NoError(t, err)
		assert.Equal(t, base.Add((pushes-1)*time.Millisecond), d.LocationTS)
	}
}
