package location

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/internal/spoof"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/store"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/bus"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
)

var (
	samplesAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_location_samples_applied_total",
		Help: "Total number of GPS samples accepted into driver rings",
	})

	samplesDiscardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_location_samples_discarded_total",
		Help: "Total number of GPS samples dropped before reaching the store",
	}, []string{"reason"})

	spoofDemotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_spoof_demotions_total",
		Help: "Total number of drivers forced offline for sustained spoof risk",
	})
)

// Ingestor consumes driver GPS and status reports off the bus and keeps the
// store's view of the fleet current. It is the single writer of driver
// location rings; the bus delivers each subscription in order, so samples
// for a driver are applied sequentially.
type Ingestor struct {
	store    store.Store
	detector *spoof.Detector
	log      *zap.Logger
	clock    func() time.Time
}

// NewIngestor creates a location ingestor
func NewIngestor(st store.Store, detector *spoof.Detector, log *zap.Logger) *Ingestor {
	return &Ingestor{
		store:    st,
		detector: detector,
		log:      log,
		clock:    time.Now,
	}
}

// Start subscribes the ingestor to the driver topics.
func (i *Ingestor) Start(ctx context.Context, b bus.Bus) error {
	if err := b.Subscribe(ctx, models.TopicDriverLocations, i.HandleLocation); err != nil {
		return err
	}
	return b.Subscribe(ctx, models.TopicDriverStatuses, i.HandleStatus)
}

// HandleLocation applies one drivers/{id}/location message: monotonic filter
// through the store ring, spoof evaluation against the previous sample, and
// demotion once the high-risk streak is long enough. Malformed payloads are
// dropped with a warning; only store failures bubble up for redelivery.
func (i *Ingestor) HandleLocation(ctx context.Context, msg bus.Message) error {
	driverID := models.TopicSegment(msg.Topic, 1)
	if driverID == "" {
		samplesDiscardedTotal.WithLabelValues("malformed").Inc()
		return nil
	}

	var p models.LocationPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		samplesDiscardedTotal.WithLabelValues("malformed").Inc()
		i.log.Warn("dropping malformed location payload",
			zap.String("driver_id", driverID),
			zap.Error(err),
		)
		return nil
	}

	now := i.clock()
	sample := models.LocationSample{
		DriverID:  driverID,
		Lat:       p.Lat,
		Lon:       p.Lng,
		Heading:   headingOrUnknown(p.Heading),
		AccuracyM: p.AccuracyM,
		TS:        p.TS(now),
	}

	prev, applied, err := i.store.PushLocation(ctx, sample)
	if err != nil {
		return err
	}
	if !applied {
		samplesDiscardedTotal.WithLabelValues("out_of_order").Inc()
		i.log.Debug("discarding out-of-order location sample",
			zap.String("driver_id", driverID),
			zap.Time("sample_ts", sample.TS),
		)
		return nil
	}
	samplesAppliedTotal.Inc()

	risk, flags := i.detector.Evaluate(prev, sample, now)

	driver, err := i.store.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}
	streak := i.detector.Track(driver.SpoofStreak, risk)
	if err := i.store.SetDriverSpoof(ctx, driverID, risk, streak); err != nil {
		return err
	}

	if len(flags) > 0 {
		i.log.Warn("suspicious location sample",
			zap.String("driver_id", driverID),
			zap.Float64("risk", risk),
			zap.Strings("flags", spoof.FlagStrings(flags)),
			zap.Int("streak", streak),
		)
	}

	if i.detector.ShouldDemote(streak) && driver.Status == models.DriverStatusOnline {
		if _, err := i.store.SetDriverStatus(ctx, driverID, models.DriverStatusOffline); err != nil {
			return err
		}
		spoofDemotionsTotal.Inc()
		i.log.Warn("driver demoted for sustained spoof risk",
			zap.String("driver_id", driverID),
			zap.Float64("risk", risk),
			zap.Int("streak", streak),
		)
	}

	return nil
}

// HandleStatus applies one drivers/{id}/status message. Name and vehicle
// class ride along on the payload so drivers self-register on first contact.
func (i *Ingestor) HandleStatus(ctx context.Context, msg bus.Message) error {
	driverID := models.TopicSegment(msg.Topic, 1)
	if driverID == "" {
		return nil
	}

	var p models.StatusPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		i.log.Warn("dropping malformed status payload",
			zap.String("driver_id", driverID),
			zap.Error(err),
		)
		return nil
	}

	status, ok := models.ParseDriverStatus(p.Status)
	if !ok {
		i.log.Warn("ignoring unknown driver status",
			zap.String("driver_id", driverID),
			zap.String("status", p.Status),
		)
		return nil
	}

	class, _ := models.ParseVehicleClass(p.VehicleClass)
	d := &models.Driver{
		ID:           driverID,
		Name:         p.Name,
		VehicleClass: class,
		Status:       status,
	}
	if err := i.store.UpsertDriver(ctx, d); err != nil {
		return err
	}

	i.log.Info("driver status updated",
		zap.String("driver_id", driverID),
		zap.String("status", string(status)),
	)
	return nil
}

func headingOrUnknown(h *float64) float64 {
	if h == nil {
		return -1
	}
	return *h
}
