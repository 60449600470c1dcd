package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/config"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/database"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
)

// locationRingSize is how many GPS samples are retained per driver for spoof
// detection. The detector only ever compares the newest pair; the extra
// history exists for the admin inspection endpoint.
const locationRingSize = 4

// DriverFilter narrows ListDrivers. Zero values mean "no constraint".
type DriverFilter struct {
	// Status keeps only drivers in the given status.
	Status models.DriverStatus
	// CanServe keeps only drivers whose vehicle class can take a job
	// requiring this class.
	CanServe models.VehicleClass
	// WithinKm, when positive, keeps only drivers with a known location at
	// most this many kilometres from (NearLat, NearLon).
	NearLat  float64
	NearLon  float64
	WithinKm float64
	// LocationBefore keeps only drivers whose last location report (or
	// status change, for drivers that never reported one) precedes the
	// instant. Used by the liveness watchdog.
	LocationBefore time.Time
}

// JobFilter narrows ListJobs. Zero values mean "no constraint".
type JobFilter struct {
	Status        models.JobStatus
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

// UpdateOpts carries the optional fields a status transition may set. Nil
// pointers leave the stored value untouched.
type UpdateOpts struct {
	DriverID   *string
	DistanceKm *float64
	EtaMin     *int
	Annotation *string
}

// Store owns every persistent record of the dispatch engine. All methods are
// safe for concurrent use; reads of a single entity are tear-free.
type Store interface {
	Ping(ctx context.Context) error
	Close()

	// UpsertDriver creates the driver or refreshes its identity fields
	// (name, vehicle class, status). Location, spoof and stats fields are
	// never clobbered by an upsert.
	UpsertDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	ListDrivers(ctx context.Context, filter DriverFilter) ([]*models.Driver, error)
	// SetDriverStatus moves a driver between offline/online/on_job and
	// stamps status_changed_at when the status actually changed.
	SetDriverStatus(ctx context.Context, id string, status models.DriverStatus) (*models.Driver, error)
	// SetDriverSpoof records the latest spoof evaluation for a driver.
	SetDriverSpoof(ctx context.Context, id string, risk float64, streak int) error

	// PushLocation appends a GPS sample to the driver's ring and advances
	// the last-known position. Samples older than the driver's current
	// location timestamp are dropped (applied=false). prev is the sample
	// that was newest before this call, nil if none. Unknown drivers are
	// created offline so a radio that speaks before registering is not
	// lost.
	PushLocation(ctx context.Context, s models.LocationSample) (prev *models.LocationSample, applied bool, err error)
	// RecentLocations returns the driver's retained samples, newest first.
	RecentLocations(ctx context.Context, driverID string) ([]models.LocationSample, error)

	// CreateJob persists a new job. Fails with the duplicate_id code when
	// the id is already taken.
	CreateJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	// UpdateJobStatus enforces the job state machine and applies opts
	// atomically with the transition. Fails with illegal_transition when
	// the move is not in the table; repeating the current status is a
	// legal no-op update.
	UpdateJobStatus(ctx context.Context, id string, next models.JobStatus, opts UpdateOpts) (*models.Job, error)

	// AppendBid stores one driver's offer. Fails with auction_not_open
	// unless the job is currently bidding, and with duplicate_bid when the
	// driver already bid on this job.
	AppendBid(ctx context.Context, b *models.Bid) error
	// ListBids returns a job's bids in arrival order.
	ListBids(ctx context.Context, jobID string) ([]*models.Bid, error)
	// SnapshotBidsToJob rewrites the job's persisted bid snapshot.
	// Idempotent: replaying the same snapshot is harmless.
	SnapshotBidsToJob(ctx context.Context, jobID string, snaps []models.BidSnapshot) error

	// CompletedJobCount is a fast counter used for fairness scoring; it is
	// zero for unknown drivers.
	CompletedJobCount(ctx context.Context, driverID string) (int, error)
	GetDriverStats(ctx context.Context, driverID string) (*models.DriverStats, error)
	UpsertDriverStats(ctx context.Context, stats *models.DriverStats) error
	// RecordJobCompleted bumps the driver's completion counter and stamps
	// last_job_completed_at.
	RecordJobCompleted(ctx context.Context, driverID string) error
	// RecordJobCancelled bumps the cancellation counters.
	RecordJobCancelled(ctx context.Context, driverID string, noShow bool) error
}

// Open selects a Store implementation from the STORE_URL scheme: mem:// for
// the in-process store, postgres:// (or postgresql://) for the pgx-backed
// one. Postgres migrations run first when the config asks for them.
func Open(ctx context.Context, cfg *config.StoreConfig, log *zap.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.URL)
	switch {
	case url == "" || strings.HasPrefix(url, "mem://"):
		return NewMemory(), nil
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		if cfg.MigrateOnStart {
			if err := database.Migrate(url, cfg.MigrationsURL); err != nil {
				return nil, fmt.Errorf("failed to migrate store: %w", err)
			}
		}
		pool, err := database.NewPostgresPool(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		return NewPostgres(pool, log), nil
	default:
		return nil, fmt.Errorf("unsupported store url %q", cfg.URL)
	}
}
