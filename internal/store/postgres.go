package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/common"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/database"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/geo"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
)

const (
	driverColumns = `id, name, vehicle_class, status, lat, lon, heading, gps_accuracy_m,
		location_ts, spoof_risk, spoof_streak, status_changed_at, last_job_completed_at,
		created_at, updated_at`

	jobColumns = `id, pickup_text, dropoff_text, pickup_lat, pickup_lon, dropoff_lat,
		dropoff_lon, passengers, passenger_detail, vehicle_required, vehicle_override,
		priority, payment_method, caller_name, caller_phone, fare_estimate, notes,
		bidding_window_seconds, coords_fixed, status, allocated_driver_id,
		driver_distance_km, driver_eta_min, bids_snapshot_json, annotation,
		created_at, updated_at`

	bidColumns = `job_id, driver_id, driver_name, driver_lat, driver_lon, distance_km,
		completed_jobs_snapshot, uninvited, bid_ts`

	// uniqueViolation is the Postgres error code for duplicate keys.
	uniqueViolation = "23505"
)

// Postgres is the pgx-backed Store. Radius queries preselect with a bounding
// box in SQL and finish with the exact haversine check in Go.
type Postgres struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewPostgres wraps an existing connection pool.
func NewPostgres(pool *pgxpool.Pool, log *zap.Logger) *Postgres {
	if log == nil {
		log = zap.NewNop()
	}
	return &Postgres{pool: pool, log: log}
}

// Pool exposes the underlying connection pool for deep health checks.
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return common.NewUnavailableError("store is unreachable", err)
	}
	return nil
}

func (s *Postgres) Close() {
	database.Close(s.pool)
}

// ---- drivers ----

func (s *Postgres) UpsertDriver(ctx context.Context, d *models.Driver) error {
	if d == nil || d.ID == "" {
		return common.NewValidationError("driver id is required", common.ErrValidation)
	}

	query := `
		INSERT INTO drivers (id, name, vehicle_class, status, heading, status_changed_at, created_at, updated_at)
		VALUES ($1, $2,
			CASE WHEN $3 = '' THEN 'saloon' ELSE $3 END,
			CASE WHEN $4 = '' THEN 'offline' ELSE $4 END,
			-1, NOW(), NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = CASE WHEN $2 = '' THEN drivers.name ELSE $2 END,
			vehicle_class = CASE WHEN $3 = '' THEN drivers.vehicle_class ELSE $3 END,
			status = CASE WHEN $4 = '' THEN drivers.status ELSE $4 END,
			status_changed_at = CASE WHEN $4 <> '' AND drivers.status <> $4 THEN NOW() ELSE drivers.status_changed_at END,
			updated_at = NOW()
	`

	_, err := database.RetryableExec(ctx, s.pool, query,
		d.ID, d.Name, string(d.VehicleClass), string(d.Status))
	if err != nil {
		return fmt.Errorf("failed to upsert driver: %w", err)
	}
	return nil
}

func (s *Postgres) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	query := `SELECT ` + driverColumns + ` FROM drivers WHERE id = $1`

	d, err := database.RetryableQueryRow(ctx, s.pool, query, []interface{}{id}, scanDriver)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.NewNotFoundError(fmt.Sprintf("driver %s not found", id))
		}
		return nil, fmt.Errorf("failed to get driver: %w", err)
	}
	return d, nil
}

func (s *Postgres) ListDrivers(ctx context.Context, filter DriverFilter) ([]*models.Driver, error) {
	query := `SELECT ` + driverColumns + ` FROM drivers WHERE 1=1`
	args := []interface{}{}
	argCount := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, string(filter.Status))
		argCount++
	}

	if filter.CanServe != "" {
		classes := servingClasses(filter.CanServe)
		query += fmt.Sprintf(" AND vehicle_class = ANY($%d)", argCount)
		args = append(args, classes)
		argCount++
	}

	if filter.WithinKm > 0 {
		latDelta := filter.WithinKm / 111.0
		lonDelta := filter.WithinKm / (111.0 * math.Max(0.1, math.Cos(filter.NearLat*math.Pi/180)))
		query += fmt.Sprintf(
			" AND location_ts IS NOT NULL AND lat BETWEEN $%d AND $%d AND lon BETWEEN $%d AND $%d",
			argCount, argCount+1, argCount+2, argCount+3)
		args = append(args,
			filter.NearLat-latDelta, filter.NearLat+latDelta,
			filter.NearLon-lonDelta, filter.NearLon+lonDelta)
		argCount += 4
	}

	if !filter.LocationBefore.IsZero() {
		query += fmt.Sprintf(" AND COALESCE(location_ts, status_changed_at) < $%d", argCount)
		args = append(args, filter.LocationBefore)
		argCount++
	}

	query += " ORDER BY id"

	drivers, err := database.RetryableQuery(ctx, s.pool, query, args, func(rows pgx.Rows) ([]*models.Driver, error) {
		out := make([]*models.Driver, 0)
		for rows.Next() {
			d, err := scanDriver(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list drivers: %w", err)
	}

	if filter.WithinKm <= 0 {
		return drivers, nil
	}

	// Exact distance pass over the bounding-box candidates.
	within := drivers[:0]
	for _, d := range drivers {
		if geo.Haversine(filter.NearLat, filter.NearLon, d.Lat, d.Lon) <= filter.WithinKm {
			within = append(within, d)
		}
	}
	return within, nil
}

// servingClasses returns the vehicle classes able to take a job requiring
// the given class.
func servingClasses(required models.VehicleClass) []string {
	all := []models.VehicleClass{
		models.VehicleClassSaloon,
		models.VehicleClassEstate,
		models.VehicleClassMPV,
		models.VehicleClassMinibus,
	}
	out := make([]string, 0, len(all))
	for _, c := range all {
		if c.CanServe(required) {
			out = append(out, string(c))
		}
	}
	return out
}

func (s *Postgres) SetDriverStatus(ctx context.Context, id string, status models.DriverStatus) (*models.Driver, error) {
	query := `
		UPDATE drivers
		SET status = $2,
			status_changed_at = CASE WHEN status IS DISTINCT FROM $2 THEN NOW() ELSE status_changed_at END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + driverColumns

	d, err := database.RetryableQueryRow(ctx, s.pool, query, []interface{}{id, string(status)}, scanDriver)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.NewNotFoundError(fmt.Sprintf("driver %s not found", id))
		}
		return nil, fmt.Errorf("failed to set driver status: %w", err)
	}
	return d, nil
}

func (s *Postgres) SetDriverSpoof(ctx context.Context, id string, risk float64, streak int) error {
	query := `UPDATE drivers SET spoof_risk = $2, spoof_streak = $3, updated_at = NOW() WHERE id = $1`

	tag, err := database.RetryableExec(ctx, s.pool, query, id, risk, streak)
	if err != nil {
		return fmt.Errorf("failed to set driver spoof risk: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return common.NewNotFoundError(fmt.Sprintf("driver %s not found", id))
	}
	return nil
}

// ---- locations ----

func (s *Postgres) PushLocation(ctx context.Context, sample models.LocationSample) (*models.LocationSample, bool, error) {
	if sample.DriverID == "" {
		return nil, false, common.NewValidationError("location sample needs a driver id", common.ErrValidation)
	}
	if sample.TS.IsZero() {
		sample.TS = time.Now().UTC()
	}

	var prev *models.LocationSample
	applied := false

	err := database.RetryableTransaction(ctx, s.pool, func(tx pgx.Tx) error {
		prev = nil
		applied = false

		// A radio that reports positions before its status registration
		// still gets a row.
		_, err := tx.Exec(ctx, `
			INSERT INTO drivers (id, vehicle_class, status, heading, status_changed_at, created_at, updated_at)
			VALUES ($1, 'saloon', 'offline', -1, NOW(), NOW(), NOW())
			ON CONFLICT (id) DO NOTHING
		`, sample.DriverID)
		if err != nil {
			return fmt.Errorf("failed to ensure driver row: %w", err)
		}

		var locationTS *time.Time
		if err := tx.QueryRow(ctx,
			`SELECT location_ts FROM drivers WHERE id = $1 FOR UPDATE`,
			sample.DriverID).Scan(&locationTS); err != nil {
			return fmt.Errorf("failed to lock driver row: %w", err)
		}

		var p models.LocationSample
		err = tx.QueryRow(ctx, `
			SELECT driver_id, lat, lon, heading, accuracy_m, ts
			FROM driver_locations
			WHERE driver_id = $1
			ORDER BY ts DESC, id DESC
			LIMIT 1
		`, sample.DriverID).Scan(&p.DriverID, &p.Lat, &p.Lon, &p.Heading, &p.AccuracyM, &p.TS)
		switch {
		case err == nil:
			prev = &p
		case errors.Is(err, pgx.ErrNoRows):
			// first sample for this driver
		default:
			return fmt.Errorf("failed to read previous location: %w", err)
		}

		if locationTS != nil && sample.TS.Before(*locationTS) {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO driver_locations (driver_id, lat, lon, heading, accuracy_m, ts)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, sample.DriverID, sample.Lat, sample.Lon, sample.Heading, sample.AccuracyM, sample.TS); err != nil {
			return fmt.Errorf("failed to insert location: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM driver_locations
			WHERE driver_id = $1 AND id NOT IN (
				SELECT id FROM driver_locations
				WHERE driver_id = $1
				ORDER BY ts DESC, id DESC
				LIMIT $2
			)
		`, sample.DriverID, locationRingSize); err != nil {
			return fmt.Errorf("failed to prune location ring: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE drivers
			SET lat = $2, lon = $3, heading = $4, gps_accuracy_m = $5, location_ts = $6, updated_at = NOW()
			WHERE id = $1
		`, sample.DriverID, sample.Lat, sample.Lon, sample.Heading, sample.AccuracyM, sample.TS); err != nil {
			return fmt.Errorf("failed to update driver position: %w", err)
		}

		applied = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to push location: %w", err)
	}
	return prev, applied, nil
}

func (s *Postgres) RecentLocations(ctx context.Context, driverID string) ([]models.LocationSample, error) {
	query := `
		SELECT driver_id, lat, lon, heading, accuracy_m, ts
		FROM driver_locations
		WHERE driver_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2
	`

	samples, err := database.RetryableQuery(ctx, s.pool, query,
		[]interface{}{driverID, locationRingSize},
		func(rows pgx.Rows) ([]models.LocationSample, error) {
			out := make([]models.LocationSample, 0, locationRingSize)
			for rows.Next() {
				var sm models.LocationSample
				if err := rows.Scan(&sm.DriverID, &sm.Lat, &sm.Lon, &sm.Heading, &sm.AccuracyM, &sm.TS); err != nil {
					return nil, err
				}
				out = append(out, sm)
			}
			return out, rows.Err()
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	return samples, nil
}

// ---- jobs ----

func (s *Postgres) CreateJob(ctx context.Context, j *models.Job) error {
	if j == nil || j.ID == "" {
		return common.NewValidationError("job id is required", common.ErrValidation)
	}
	if j.Status == "" {
		j.Status = models.JobStatusPending
	}
	if j.BidsSnapshotJSON == "" {
		j.BidsSnapshotJSON = "[]"
	}

	query := `
		INSERT INTO jobs (
			id, pickup_text, dropoff_text, pickup_lat, pickup_lon, dropoff_lat,
			dropoff_lon, passengers, passenger_detail, vehicle_required,
			vehicle_override, priority, payment_method, caller_name, caller_phone,
			fare_estimate, notes, bidding_window_seconds, coords_fixed, status,
			bids_snapshot_json, annotation
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		RETURNING created_at, updated_at
	`

	err := s.pool.QueryRow(ctx, query,
		j.ID,
		j.PickupText,
		j.DropoffText,
		j.PickupLat,
		j.PickupLon,
		j.DropoffLat,
		j.DropoffLon,
		j.Passengers,
		j.PassengerDetail,
		string(j.VehicleRequired),
		vehicleClassParam(j.VehicleOverride),
		j.Priority,
		j.PaymentMethod,
		j.CallerName,
		j.CallerPhone,
		j.FareEstimate,
		j.Notes,
		j.BiddingWindowSeconds,
		j.CoordsFixed,
		string(j.Status),
		j.BidsSnapshotJSON,
		j.Annotation,
	).Scan(&j.CreatedAt, &j.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return common.NewDuplicateIDError(fmt.Sprintf("job %s already exists", j.ID))
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	j, err := database.RetryableQueryRow(ctx, s.pool, query, []interface{}{id}, scanJob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.NewNotFoundError(fmt.Sprintf("job %s not found", id))
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (s *Postgres) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argCount := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, string(filter.Status))
		argCount++
	}
	if !filter.UpdatedBefore.IsZero() {
		query += fmt.Sprintf(" AND updated_at < $%d", argCount)
		args = append(args, filter.UpdatedBefore)
		argCount++
	}

	query += " ORDER BY created_at DESC, id"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
		argCount++
	}

	jobs, err := database.RetryableQuery(ctx, s.pool, query, args, func(rows pgx.Rows) ([]*models.Job, error) {
		out := make([]*models.Job, 0)
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, j)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

func (s *Postgres) UpdateJobStatus(ctx context.Context, id string, next models.JobStatus, opts UpdateOpts) (*models.Job, error) {
	var updated *models.Job

	err := database.RetryableTransaction(ctx, s.pool, func(tx pgx.Tx) error {
		var current models.JobStatus
		if err := tx.QueryRow(ctx,
			`SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return common.NewNotFoundError(fmt.Sprintf("job %s not found", id))
			}
			return fmt.Errorf("failed to lock job row: %w", err)
		}

		if !current.CanTransition(next) {
			return common.NewIllegalTransitionError(
				fmt.Sprintf("job %s cannot move from %s to %s", id, current, next))
		}

		row := tx.QueryRow(ctx, `
			UPDATE jobs
			SET status = $2,
				allocated_driver_id = COALESCE($3, allocated_driver_id),
				driver_distance_km = COALESCE($4, driver_distance_km),
				driver_eta_min = COALESCE($5, driver_eta_min),
				annotation = COALESCE($6, annotation),
				updated_at = NOW()
			WHERE id = $1
			RETURNING `+jobColumns,
			id, string(next), opts.DriverID, opts.DistanceKm, opts.EtaMin, opts.Annotation)

		j, err := scanJob(row)
		if err != nil {
			return fmt.Errorf("failed to update job status: %w", err)
		}
		updated = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ---- bids ----

func (s *Postgres) AppendBid(ctx context.Context, b *models.Bid) error {
	if b == nil || b.JobID == "" || b.DriverID == "" {
		return common.NewValidationError("bid needs job and driver ids", common.ErrValidation)
	}
	if b.BidTS.IsZero() {
		b.BidTS = time.Now().UTC()
	}

	return database.RetryableTransaction(ctx, s.pool, func(tx pgx.Tx) error {
		var status models.JobStatus
		if err := tx.QueryRow(ctx,
			`SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, b.JobID).Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return common.NewNotFoundError(fmt.Sprintf("job %s not found", b.JobID))
			}
			return fmt.Errorf("failed to lock job row: %w", err)
		}
		if status != models.JobStatusBidding {
			return common.NewAuctionNotOpenError(
				fmt.Sprintf("job %s is %s, not accepting bids", b.JobID, status))
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO job_bids (job_id, driver_id, driver_name, driver_lat, driver_lon,
				distance_km, completed_jobs_snapshot, uninvited, bid_ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, b.JobID, b.DriverID, b.DriverName, b.DriverLat, b.DriverLon,
			b.DistanceKm, b.CompletedJobsSnapshot, b.Uninvited, b.BidTS)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return common.NewDuplicateBidError(
					fmt.Sprintf("driver %s already bid on job %s", b.DriverID, b.JobID))
			}
			return fmt.Errorf("failed to insert bid: %w", err)
		}
		return nil
	})
}

func (s *Postgres) ListBids(ctx context.Context, jobID string) ([]*models.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM job_bids WHERE job_id = $1 ORDER BY bid_ts, driver_id`

	bids, err := database.RetryableQuery(ctx, s.pool, query, []interface{}{jobID},
		func(rows pgx.Rows) ([]*models.Bid, error) {
			out := make([]*models.Bid, 0)
			for rows.Next() {
				b := &models.Bid{}
				if err := rows.Scan(&b.JobID, &b.DriverID, &b.DriverName, &b.DriverLat,
					&b.DriverLon, &b.DistanceKm, &b.CompletedJobsSnapshot, &b.Uninvited, &b.BidTS); err != nil {
					return nil, err
				}
				out = append(out, b)
			}
			return out, rows.Err()
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	return bids, nil
}

func (s *Postgres) SnapshotBidsToJob(ctx context.Context, jobID string, snaps []models.BidSnapshot) error {
	raw, err := models.MarshalBidSnapshots(snaps)
	if err != nil {
		return common.NewInternalError("failed to marshal bid snapshot", err)
	}

	tag, err := database.RetryableExec(ctx, s.pool,
		`UPDATE jobs SET bids_snapshot_json = $2::jsonb, updated_at = NOW() WHERE id = $1`,
		jobID, raw)
	if err != nil {
		return fmt.Errorf("failed to snapshot bids: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return common.NewNotFoundError(fmt.Sprintf("job %s not found", jobID))
	}
	return nil
}

// ---- stats ----

func (s *Postgres) CompletedJobCount(ctx context.Context, driverID string) (int, error) {
	query := `SELECT completed_jobs FROM driver_stats WHERE driver_id = $1`

	count, err := database.RetryableQueryRow(ctx, s.pool, query, []interface{}{driverID},
		func(row pgx.Row) (int, error) {
			var n int
			err := row.Scan(&n)
			return n, err
		})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count completed jobs: %w", err)
	}
	return count, nil
}

func (s *Postgres) GetDriverStats(ctx context.Context, driverID string) (*models.DriverStats, error) {
	query := `
		SELECT driver_id, completed_jobs, cancelled_jobs, no_show_cancels, accept_rate, avg_rating
		FROM driver_stats
		WHERE driver_id = $1
	`

	stats, err := database.RetryableQueryRow(ctx, s.pool, query, []interface{}{driverID},
		func(row pgx.Row) (*models.DriverStats, error) {
			st := &models.DriverStats{}
			err := row.Scan(&st.DriverID, &st.CompletedJobs, &st.CancelledJobs,
				&st.NoShowCancels, &st.AcceptRate, &st.AvgRating)
			return st, err
		})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.NewNotFoundError(fmt.Sprintf("no stats for driver %s", driverID))
		}
		return nil, fmt.Errorf("failed to get driver stats: %w", err)
	}
	return stats, nil
}

func (s *Postgres) UpsertDriverStats(ctx context.Context, stats *models.DriverStats) error {
	if stats == nil || stats.DriverID == "" {
		return common.NewValidationError("stats need a driver id", common.ErrValidation)
	}

	query := `
		INSERT INTO driver_stats (driver_id, completed_jobs, cancelled_jobs, no_show_cancels, accept_rate, avg_rating, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (driver_id) DO UPDATE SET
			completed_jobs = EXCLUDED.completed_jobs,
			cancelled_jobs = EXCLUDED.cancelled_jobs,
			no_show_cancels = EXCLUDED.no_show_cancels,
			accept_rate = EXCLUDED.accept_rate,
			avg_rating = EXCLUDED.avg_rating,
			updated_at = NOW()
	`

	_, err := database.RetryableExec(ctx, s.pool, query,
		stats.DriverID, stats.CompletedJobs, stats.CancelledJobs,
		stats.NoShowCancels, stats.AcceptRate, stats.AvgRating)
	if err != nil {
		return fmt.Errorf("failed to upsert driver stats: %w", err)
	}
	return nil
}

func (s *Postgres) RecordJobCompleted(ctx context.Context, driverID string) error {
	return database.RetryableTransaction(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO driver_stats (driver_id, completed_jobs)
			VALUES ($1, 1)
			ON CONFLICT (driver_id) DO UPDATE SET
				completed_jobs = driver_stats.completed_jobs + 1,
				updated_at = NOW()
		`, driverID); err != nil {
			return fmt.Errorf("failed to record completion: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE drivers SET last_job_completed_at = NOW(), updated_at = NOW() WHERE id = $1
		`, driverID); err != nil {
			return fmt.Errorf("failed to stamp driver completion time: %w", err)
		}
		return nil
	})
}

func (s *Postgres) RecordJobCancelled(ctx context.Context, driverID string, noShow bool) error {
	noShowInc := 0
	if noShow {
		noShowInc = 1
	}

	_, err := database.RetryableExec(ctx, s.pool, `
		INSERT INTO driver_stats (driver_id, cancelled_jobs, no_show_cancels)
		VALUES ($1, 1, $2)
		ON CONFLICT (driver_id) DO UPDATE SET
			cancelled_jobs = driver_stats.cancelled_jobs + 1,
			no_show_cancels = driver_stats.no_show_cancels + $2,
			updated_at = NOW()
	`, driverID, noShowInc)
	if err != nil {
		return fmt.Errorf("failed to record cancellation: %w", err)
	}
	return nil
}

// ---- scanning ----

// rowScanner aliases pgx.Row so the scan helpers serve both single-row
// lookups and iterated pgx.Rows without adapter closures at every call site.
type rowScanner = pgx.Row

func scanDriver(row rowScanner) (*models.Driver, error) {
	d := &models.Driver{}
	var locationTS *time.Time

	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.VehicleClass,
		&d.Status,
		&d.Lat,
		&d.Lon,
		&d.Heading,
		&d.GPSAccuracyM,
		&locationTS,
		&d.SpoofRisk,
		&d.SpoofStreak,
		&d.StatusChangedAt,
		&d.LastJobCompletedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if locationTS != nil {
		d.LocationTS = *locationTS
	}
	return d, nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	j := &models.Job{}
	var vehicleOverride *string

	err := row.Scan(
		&j.ID,
		&j.PickupText,
		&j.DropoffText,
		&j.PickupLat,
		&j.PickupLon,
		&j.DropoffLat,
		&j.DropoffLon,
		&j.Passengers,
		&j.PassengerDetail,
		&j.VehicleRequired,
		&vehicleOverride,
		&j.Priority,
		&j.PaymentMethod,
		&j.CallerName,
		&j.CallerPhone,
		&j.FareEstimate,
		&j.Notes,
		&j.BiddingWindowSeconds,
		&j.CoordsFixed,
		&j.Status,
		&j.AllocatedDriverID,
		&j.DriverDistanceKm,
		&j.DriverEtaMin,
		&j.BidsSnapshotJSON,
		&j.Annotation,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if vehicleOverride != nil {
		v := models.VehicleClass(*vehicleOverride)
		j.VehicleOverride = &v
	}
	return j, nil
}

// vehicleClassParam maps an optional vehicle class to its column value.
func vehicleClassParam(v *models.VehicleClass) *string {
	if v == nil || *v == "" {
		return nil
	}
	s := string(*v)
	return &s
}
