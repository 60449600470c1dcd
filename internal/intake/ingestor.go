package intake

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/internal/geocode"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/store"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/async"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/bus"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/common"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/config"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/geo"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/security"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/tracing"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/validation"
)

var (
	jobsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_jobs_ingested_total",
		Help: "Total number of jobs admitted into the engine, by submission source",
	}, []string{"source"})

	jobsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_jobs_rejected_total",
		Help: "Total number of submissions turned away at admission, by reason",
	}, []string{"reason"})
)

// admissionWorkers is how many submissions are admitted concurrently. A
// worker may spend up to the geocoding deadline on one submission, so a
// small pool keeps a slow upstream from serializing the whole intake.
const admissionWorkers = 4

// Sink receives every admitted job. The auction layer implements it; tests
// substitute their own.
type Sink interface {
	JobAdmitted(ctx context.Context, job *models.Job)
}

type submitResult struct {
	job *models.Job
	err error
}

// submission is one queued admission. resultC is non-nil only for direct
// submitters, who block for a structured outcome; bus traffic is
// fire-and-forget and gets failures published back as status events.
type submission struct {
	req     *models.JobRequest
	source  string
	resultC chan submitResult
}

// Ingestor funnels every submission channel through one bounded queue and a
// fixed admission pipeline: normalize, sanitize, validate, repair
// coordinates, persist, hand to the auction layer. The queue is the
// engine's backpressure point; when it is full new work is refused with a
// busy error instead of piling up behind the geocoder.
type Ingestor struct {
	store        store.Store
	geocoder     geocode.Geocoder
	pub          *bus.Publisher
	sink         Sink
	cfg          config.EngineConfig
	geoTimeout   time.Duration
	dispatcherID string
	log          *zap.Logger

	queue chan submission
	wg    sync.WaitGroup
}

// NewIngestor builds the intake stage. geocoder and pub may be nil: without
// a geocoder unresolvable submissions go straight to the fallback pickup,
// and without a publisher bus-side rejections are only logged.
func NewIngestor(st store.Store, gc geocode.Geocoder, pub *bus.Publisher, sink Sink, cfg config.EngineConfig, geoTimeout time.Duration, log *zap.Logger) *Ingestor {
	if log == nil {
		log = zap.NewNop()
	}
	size := cfg.IntakeQueueSize
	if size <= 0 {
		size = 1024
	}
	return &Ingestor{
		store:      st,
		geocoder:   gc,
		pub:        pub,
		sink:       sink,
		cfg:        cfg,
		geoTimeout: geoTimeout,
		log:        log,
		queue:      make(chan submission, size),
	}
}

// Start launches the admission workers and subscribes the bus channels:
// whole-payload bookings on the configured bookings topic and per-job pub
// submissions under the pub request prefix. Workers exit when ctx is done.
func (i *Ingestor) Start(ctx context.Context, b bus.Bus) error {
	for n := 0; n < admissionWorkers; n++ {
		i.wg.Add(1)
		go i.worker(ctx)
	}
	if err := b.Subscribe(ctx, i.cfg.BookingsTopic, i.HandleBooking); err != nil {
		return err
	}
	return b.Subscribe(ctx, i.cfg.PubsRequestPrefix+"/+", i.HandleBooking)
}

// Wait blocks until every admission worker has exited.
func (i *Ingestor) Wait() {
	i.wg.Wait()
}

// SetDispatcherID stamps outbound status events with the engine instance
// identity. Call before Start.
func (i *Ingestor) SetDispatcherID(id string) {
	i.dispatcherID = id
}

// Submit admits one request synchronously and returns the persisted job or
// the structured admission failure. A full queue fails fast with a busy
// error rather than queueing the caller.
func (i *Ingestor) Submit(ctx context.Context, req *models.JobRequest) (*models.Job, error) {
	source := req.Source
	if source == "" {
		source = "direct"
	}
	resultC := make(chan submitResult, 1)
	select {
	case i.queue <- submission{req: req, source: source, resultC: resultC}:
	default:
		jobsRejectedTotal.WithLabelValues("busy").Inc()
		return nil, common.NewBusyError("intake queue is full")
	}
	select {
	case res := <-resultC:
		return res.job, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleBooking consumes one bus submission. Malformed payloads are logged
// and dropped; admission failures for identifiable jobs are answered with a
// rejected status event. Only queue handoff happens here, so the handler
// never blocks on geocoding or the store.
func (i *Ingestor) HandleBooking(ctx context.Context, msg bus.Message) error {
	var p models.JobPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		jobsRejectedTotal.WithLabelValues("malformed").Inc()
		i.log.Warn("dropping malformed job submission",
			zap.String("topic", msg.Topic),
			zap.Error(err))
		return nil
	}

	// The engine republishes solicitations on the pub request topics it also
	// consumes. A status field marks those lifecycle echoes; fresh
	// submissions never carry one.
	if p.Status != "" {
		i.log.Debug("ignoring lifecycle echo",
			zap.String("topic", msg.Topic),
			zap.String("status", p.Status))
		return nil
	}

	source := "bookings"
	if strings.HasPrefix(msg.Topic, i.cfg.PubsRequestPrefix+"/") {
		source = "pubs"
		if p.JobID == "" {
			p.JobID = models.TopicSegment(msg.Topic, 2)
		}
	}

	req := RequestFromPayload(p, source)
	select {
	case i.queue <- submission{req: req, source: source}:
	default:
		jobsRejectedTotal.WithLabelValues("busy").Inc()
		i.log.Warn("intake queue full, refusing submission",
			zap.String("topic", msg.Topic),
			zap.String("job_id", req.ID))
		i.publishRejection(ctx, req.ID, common.NewBusyError("intake queue is full"))
	}
	return nil
}

func (i *Ingestor) worker(ctx context.Context) {
	defer i.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-i.queue:
			job, err := i.admit(ctx, sub.req, sub.source)
			if sub.resultC != nil {
				sub.resultC <- submitResult{job: job, err: err}
			} else if err != nil {
				i.publishRejection(ctx, sub.req.ID, err)
			}
		}
	}
}

// admit runs the admission pipeline for one normalized request.
func (i *Ingestor) admit(ctx context.Context, req *models.JobRequest, source string) (*models.Job, error) {
	if req.ID == "" {
		req.ID = models.NewJobID()
	}
	ctx = async.WithJobID(ctx, req.ID)

	ctx, span := tracing.StartSpan(ctx, "intake", "AdmitJob")
	defer span.End()
	tracing.AddSpanAttributes(ctx,
		tracing.JobIDKey.String(req.ID),
		attribute.String("job.source", source),
	)

	in := security.SubmissionInput{
		Pickup:     req.PickupText,
		Dropoff:    req.DropoffText,
		CallerName: req.CallerName,
		Phone:      req.CallerPhone,
		Notes:      req.Notes,
	}
	in.Sanitize()
	req.PickupText = in.Pickup
	req.DropoffText = in.Dropoff
	req.CallerName = in.CallerName
	req.CallerPhone = in.Phone
	req.Notes = in.Notes

	if req.VehicleRequired == "" {
		req.VehicleRequired = models.VehicleForPassengers(req.Passengers)
	}

	if err := validation.ValidateJobRequest(req); err != nil {
		jobsRejectedTotal.WithLabelValues("validation").Inc()
		tracing.RecordError(ctx, err)
		i.log.Warn("submission failed validation",
			zap.String("job_id", req.ID),
			zap.String("source", source),
			zap.Error(err))
		return nil, err
	}

	job := i.buildJob(ctx, req)
	if err := i.store.CreateJob(ctx, job); err != nil {
		reason := "store"
		if common.IsCode(err, common.CodeDuplicateID) {
			reason = "duplicate_id"
		}
		jobsRejectedTotal.WithLabelValues(reason).Inc()
		tracing.RecordError(ctx, err)
		i.log.Warn("submission not persisted",
			zap.String("job_id", req.ID),
			zap.String("reason", reason),
			zap.Error(err))
		return nil, err
	}

	jobsIngestedTotal.WithLabelValues(source).Inc()
	tracing.AddSpanAttributes(ctx, tracing.LocationAttributes(job.PickupLat, job.PickupLon)...)
	tracing.AddSpanEvent(ctx, "job_admitted",
		attribute.Bool("coords_fixed", job.CoordsFixed),
	)
	i.log.Info("job admitted",
		zap.String("job_id", job.ID),
		zap.String("source", source),
		zap.String("vehicle", string(job.EffectiveVehicleClass())),
		zap.Int("passengers", job.Passengers),
		zap.Bool("coords_fixed", job.CoordsFixed))

	if i.sink != nil {
		i.sink.JobAdmitted(ctx, job)
	}
	return job, nil
}

// buildJob resolves coordinates and assembles the persistent record from a
// validated request.
func (i *Ingestor) buildJob(ctx context.Context, req *models.JobRequest) *models.Job {
	job := &models.Job{
		ID:              req.ID,
		PickupText:      req.PickupText,
		DropoffText:     req.DropoffText,
		PickupLat:       req.PickupLat,
		PickupLon:       req.PickupLon,
		DropoffLat:      req.DropoffLat,
		DropoffLon:      req.DropoffLon,
		Passengers:      req.Passengers,
		PassengerDetail: req.PassengerDetail,
		VehicleRequired: req.VehicleRequired,
		Priority:        req.Priority,
		PaymentMethod:   req.PaymentMethod,
		CallerName:      req.CallerName,
		CallerPhone:     req.CallerPhone,
		FareEstimate:    req.FareEstimate,
		Notes:           req.Notes,
		Status:          models.JobStatusPending,

		BiddingWindowSeconds: int(i.cfg.WindowClamp(req.BiddingWindowSeconds) / time.Second),
	}

	if req.VehicleOverride != nil {
		if class, ok := models.ParseVehicleClass(*req.VehicleOverride); ok {
			job.VehicleOverride = &class
		}
	}

	if !geo.ValidUKCoordinate(job.PickupLat, job.PickupLon) {
		lat, lon, ok := i.geocodeText(ctx, job.PickupText, job.CallerPhone)
		if !ok {
			lat, lon = i.cfg.FallbackPickupLat, i.cfg.FallbackPickupLon
		}
		job.PickupLat, job.PickupLon = lat, lon
		job.CoordsFixed = true
	}

	// The dropoff leg is optional; repair it only when the submitter gave
	// one, by text or by coordinate.
	hasDropoff := job.DropoffText != "" || job.DropoffLat != 0 || job.DropoffLon != 0
	if hasDropoff && !geo.ValidUKCoordinate(job.DropoffLat, job.DropoffLon) {
		lat, lon, ok := i.geocodeText(ctx, job.DropoffText, job.CallerPhone)
		if !ok {
			lat, lon = i.cfg.FallbackPickupLat, i.cfg.FallbackPickupLon
		}
		job.DropoffLat, job.DropoffLon = lat, lon
		job.CoordsFixed = true
	}

	return job
}

// geocodeText resolves free text under the per-call deadline, biased by the
// caller's dialling code. Returns ok=false on any failure so the caller can
// apply the fallback.
func (i *Ingestor) geocodeText(ctx context.Context, text, phone string) (float64, float64, bool) {
	if i.geocoder == nil || strings.TrimSpace(text) == "" {
		return 0, 0, false
	}
	timeout := i.geoTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := i.geocoder.Forward(gctx, text, geocode.RegionFromPhone(phone))
	if err != nil {
		i.log.Warn("geocode repair failed",
			zap.String("query", text),
			zap.Error(err))
		return 0, 0, false
	}
	if !geo.ValidUKCoordinate(res.Lat, res.Lon) {
		i.log.Warn("geocode result outside service area",
			zap.String("query", text),
			zap.Float64("lat", res.Lat),
			zap.Float64("lon", res.Lon))
		return 0, 0, false
	}
	return res.Lat, res.Lon, true
}

// publishRejection answers a bus submission that could not be admitted. A
// submission with no identifiable job ID has no reply address and is only
// counted.
func (i *Ingestor) publishRejection(ctx context.Context, jobID string, cause error) {
	if i.pub == nil || jobID == "" {
		return
	}
	payload := models.JobStatusPayload{
		JobID:        jobID,
		Status:       "rejected",
		Reason:       common.CodeOf(cause),
		TimestampMs:  time.Now().UnixMilli(),
		DispatcherID: i.dispatcherID,
		Version:      models.PayloadVersion,
	}
	async.Go(ctx, "publish-rejection", func(ctx context.Context) {
		if err := i.pub.PublishJSON(ctx, models.TopicJobStatus(jobID), payload); err != nil {
			i.log.Warn("rejection status not published",
				zap.String("job_id", jobID),
				zap.Error(err))
		}
	})
}
