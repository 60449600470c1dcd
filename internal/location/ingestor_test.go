package location

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/internal/spoof"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/store"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/bus"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/config"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
)

const (
	testLat = 52.4068
	testLon = -1.5197
)

func newTestIngestor(t *testing.T) (*Ingestor, store.Store) {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(st.Close)
	ing := NewIngestor(st, spoof.NewDetector(config.DefaultSpoof()), zap.NewNop())
	return ing, st
}

func locationMsg(t *testing.T, driverID string, p models.LocationPayload) bus.Message {
	t.Helper()
	payload, err := json.Marshal(p)
	require.NoError(t, err)
	return bus.Message{Topic: "drivers/" + driverID + "/location", Payload: payload}
}

func statusMsg(t *testing.T, driverID string, p models.StatusPayload) bus.Message {
	t.Helper()
	payload, err := json.Marshal(p)
	require.NoError(t, err)
	return bus.Message{Topic: "drivers/" + driverID + "/status", Payload: payload}
}

func TestHandleStatusRegistersDriver(t *testing.T) {
	ing, st := newTestIngestor(t)
	ctx := context.Background()

	err := ing.HandleStatus(ctx, statusMsg(t, "d-1", models.StatusPayload{
		Status:       "online",
		Name:         "Kasia",
		VehicleClass: "Estate",
	}))
	require.NoError(t, err)

	d, err := st.GetDriver(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverStatusOnline, d.Status)
	assert.Equal(t, "Kasia", d.Name)
	assert.Equal(t, models.VehicleClassEstate, d.VehicleClass)
}

func TestHandleStatusAcceptsLegacyVocabulary(t *testing.T) {
	ing, st := newTestIngestor(t)
	ctx := context.Background()

	require.NoError(t, ing.HandleStatus(ctx, statusMsg(t, "d-1", models.StatusPayload{Status: "available"})))
	d, err := st.GetDriver(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverStatusOnline, d.Status)

	require.NoError(t, ing.HandleStatus(ctx, statusMsg(t, "d-1", models.StatusPayload{Status: "busy"})))
	d, err = st.GetDriver(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverStatusOnJob, d.Status)
}

func TestHandleStatusIgnoresUnknownStatus(t *testing.T) {
	ing, st := newTestIngestor(t)
	ctx := context.Background()

	err := ing.HandleStatus(ctx, statusMsg(t, "d-1", models.StatusPayload{Status: "teleporting"}))
	require.NoError(t, err)

	_, err = st.GetDriver(ctx, "d-1")
	assert.Error(t, err)
}

func TestHandleStatusMalformedPayload(t *testing.T) {
	ing, st := newTestIngestor(t)
	ctx := context.Background()

	err := ing.HandleStatus(ctx, bus.Message{Topic: "drivers/d-1/status", Payload: []byte("{nope")})
	require.NoError(t, err)

	_, err = st.GetDriver(ctx, "d-1")
	assert.Error(t, err)
}

func TestHandleLocationAppliesSample(t *testing.T) {
	ing, st := newTestIngestor(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	ing.clock = func() time.Time { return base }

	heading := 270.0
	err := ing.HandleLocation(ctx, locationMsg(t, "d-1", models.LocationPayload{
		Lat:         testLat,
		Lng:         testLon,
		Heading:     &heading,
		AccuracyM:   12,
		TimestampMs: base.UnixMilli(),
	}))
	require.NoError(t, err)

	d, err := st.GetDriver(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, testLat, d.Lat)
	assert.Equal(t, testLon, d.Lon)
	assert.Equal(t, 270.0, d.Heading)
	assert.Equal(t, 12.0, d.GPSAccuracyM)
	assert.True(t, d.LocationTS.Equal(base))
	assert.Zero(t, d.SpoofRisk)
}

func TestHandleLocationDefaultsMissingFields(t *testing.T) {
	ing, st := newTestIngestor(t)
	ctx := context.Background()

	base := time.Now()
	ing.clock = func() time.Time { return base }

	// No heading, no timestamp: heading is unknown, the clock stands in
	// for the sample time.
	err := ing.HandleLocation(ctx, locationMsg(t, "d-1", models.LocationPayload{
		Lat: testLat,
		Lng: testLon,
	}))
	require.NoError(t, err)

	d, err := st.GetDriver(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, -1.0, d.Heading)
	assert.False(t, d.LocationTS.IsZero())
}

func TestHandleLocationDiscardsOutOfOrder(t *testing.T) {
	ing, st := newTestIngestor(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	ing.clock = func() time.Time { return base }

	require.NoError(t, ing.HandleLocation(ctx, locationMsg(t, "d-1", models.LocationPayload{
		Lat: testLat, Lng: testLon, TimestampMs: base.UnixMilli(),
	})))

	// A sample stamped before the applied one must not move the driver.
	require.NoError(t, ing.HandleLocation(ctx, locationMsg(t, "d-1", models.LocationPayload{
		Lat: 53.4808, Lng: -2.2426, TimestampMs: base.Add(-10 * time.Second).UnixMilli(),
	})))

	d, err := st.GetDriver(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, testLat, d.Lat)
	assert.True(t, d.LocationTS.Equal(base))
}

func TestHandleLocationMalformedPayload(t *testing.T) {
	ing, st := newTestIngestor(t)
	ctx := context.Background()

	err := ing.HandleLocation(ctx, bus.Message{Topic: "drivers/d-1/location", Payload: []byte("not json")})
	require.NoError(t, err)

	_, err = st.GetDriver(ctx, "d-1")
	assert.Error(t, err)
}

func TestHandleLocationDemotesSustainedSpoofer(t *testing.T) {
	ing, st := newTestIngestor(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	ing.clock = func() time.Time { return base }

	require.NoError(t, st.UpsertDriver(ctx, &models.Driver{ID: "d-1", Status: models.DriverStatusOnline}))

	// Clean seed so the risky samples have a previous fix to speed against.
	require.NoError(t, ing.HandleLocation(ctx, locationMsg(t, "d-1", models.LocationPayload{
		Lat: testLat, Lng: testLon, TimestampMs: base.Add(-26 * time.Second).UnixMilli(),
	})))

	// Three stale teleports in a row: each scores 0.25 (stale) + 0.55
	// (impossible speed), building the demotion streak.
	for n := 1; n <= 3; n++ {
		ts := base.Add(time.Duration(n-26) * time.Second)
		require.NoError(t, ing.HandleLocation(ctx, locationMsg(t, "d-1", models.LocationPayload{
			Lat:         testLat + 0.001*float64(n),
			Lng:         testLon,
			TimestampMs: ts.UnixMilli(),
		})))

		d, err := st.GetDriver(ctx, "d-1")
		require.NoError(t, err)
		if n < 3 {
			assert.Equal(t, models.DriverStatusOnline, d.Status, "sample %d should not demote yet", n)
		} else {
			assert.Equal(t, models.DriverStatusOffline, d.Status, "third strike demotes")
		}
		assert.InDelta(t, 0.80, d.SpoofRisk, 1e-9)
		assert.Equal(t, n, d.SpoofStreak)
	}
}

func TestHandleLocationCleanSampleResetsStreak(t *testing.T) {
	ing, st := newTestIngestor(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	ing.clock = func() time.Time { return base }

	require.NoError(t, st.UpsertDriver(ctx, &models.Driver{ID: "d-1", Status: models.DriverStatusOnline}))

	require.NoError(t, ing.HandleLocation(ctx, locationMsg(t, "d-1", models.LocationPayload{
		Lat: testLat, Lng: testLon, TimestampMs: base.Add(-27 * time.Second).UnixMilli(),
	})))

	// Two strikes, then a clean fresh sample close to the last position.
	for n := 1; n <= 2; n++ {
		ts := base.Add(time.Duration(n-27) * time.Second)
		require.NoError(t, ing.HandleLocation(ctx, locationMsg(t, "d-1", models.LocationPayload{
			Lat:         testLat + 0.001*float64(n),
			Lng:         testLon,
			TimestampMs: ts.UnixMilli(),
		})))
	}

	require.NoError(t, ing.HandleLocation(ctx, locationMsg(t, "d-1", models.LocationPayload{
		Lat: testLat + 0.0021, Lng: testLon, TimestampMs: base.UnixMilli(),
	})))

	d, err := st.GetDriver(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverStatusOnline, d.Status)
	assert.Equal(t, 0, d.SpoofStreak)
	assert.Zero(t, d.SpoofRisk)
}

func TestIngestorOverBus(t *testing.T) {
	ing, st := newTestIngestor(t)
	ctx := context.Background()

	b := bus.NewMemory(64)
	defer b.Close()
	require.NoError(t, ing.Start(ctx, b))

	status, _ := json.Marshal(models.StatusPayload{Status: "online", Name: "Priya", VehicleClass: "mpv"})
	require.NoError(t, b.Publish(ctx, "drivers/d-9/status", status))

	loc, _ := json.Marshal(models.LocationPayload{Lat: testLat, Lng: testLon})
	require.NoError(t, b.Publish(ctx, "drivers/d-9/location", loc))

	require.Eventually(t, func() bool {
		d, err := st.GetDriver(context.Background(), "d-9")
		return err == nil && d.Status == models.DriverStatusOnline && d.Lat == testLat
	}, 2*time.Second, 10*time.Millisecond)
}
