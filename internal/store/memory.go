package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/uber/h3-go/v4"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/common"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/geo"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
)

// Memory is the in-process Store used by tests, the mem:// profile and
// single-node deployments. One RWMutex guards all tables; every read hands
// back a copy so callers never observe a half-applied update.
type Memory struct {
	mu      sync.RWMutex
	drivers map[string]*models.Driver
	rings   map[string][]models.LocationSample
	stats   map[string]*models.DriverStats
	jobs    map[string]*models.Job
	bids    map[string][]*models.Bid

	// Resolution-7 H3 index over driver positions. ListDrivers radius
	// queries preselect cells with CoverDisk before the exact haversine
	// pass.
	cells      map[h3.Cell]map[string]struct{}
	driverCell map[string]h3.Cell

	closed bool
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		drivers:    make(map[string]*models.Driver),
		rings:      make(map[string][]models.LocationSample),
		stats:      make(map[string]*models.DriverStats),
		jobs:       make(map[string]*models.Job),
		bids:       make(map[string][]*models.Bid),
		cells:      make(map[h3.Cell]map[string]struct{}),
		driverCell: make(map[string]h3.Cell),
	}
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return common.NewUnavailableError("store is closed", nil)
	}
	return nil
}

func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// ---- drivers ----

func (m *Memory) UpsertDriver(ctx context.Context, d *models.Driver) error {
	if d == nil || d.ID == "" {
		return common.NewValidationError("driver id is required", common.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := m.drivers[d.ID]
	if !ok {
		fresh := cloneDriver(d)
		if fresh.Status == "" {
			fresh.Status = models.DriverStatusOffline
		}
		if fresh.VehicleClass == "" {
			fresh.VehicleClass = models.VehicleClassSaloon
		}
		if fresh.Heading == 0 && !fresh.HasLocation() {
			fresh.Heading = -1
		}
		fresh.StatusChangedAt = now
		fresh.CreatedAt = now
		fresh.UpdatedAt = now
		m.drivers[d.ID] = fresh
		m.reindexLocked(fresh)
		return nil
	}

	if d.Name != "" {
		existing.Name = d.Name
	}
	if d.VehicleClass != "" {
		existing.VehicleClass = d.VehicleClass
	}
	if d.Status != "" && d.Status != existing.Status {
		existing.Status = d.Status
		existing.StatusChangedAt = now
	}
	existing.UpdatedAt = now
	return nil
}

func (m *Memory) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.drivers[id]
	if !ok {
		return nil, common.NewNotFoundError(fmt.Sprintf("driver %s not found", id))
	}
	return cloneDriver(d), nil
}

func (m *Memory) ListDrivers(ctx context.Context, filter DriverFilter) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []*models.Driver
	if filter.WithinKm > 0 {
		seen := make(map[string]struct{})
		for _, cell := range geo.CoverDisk(filter.NearLat, filter.NearLon, filter.WithinKm) {
			for id := range m.cells[cell] {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				candidates = append(candidates, m.drivers[id])
			}
		}
	} else {
		candidates = make([]*models.Driver, 0, len(m.drivers))
		for _, d := range m.drivers {
			candidates = append(candidates, d)
		}
	}

	out := make([]*models.Driver, 0, len(candidates))
	for _, d := range candidates {
		if !matchDriver(d, filter) {
			continue
		}
		out = append(out, cloneDriver(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matchDriver(d *models.Driver, filter DriverFilter) bool {
	if filter.Status != "" && d.Status != filter.Status {
		return false
	}
	if filter.CanServe != "" && !d.VehicleClass.CanServe(filter.CanServe) {
		return false
	}
	if filter.WithinKm > 0 {
		if !d.HasLocation() {
			return false
		}
		if geo.Haversine(filter.NearLat, filter.NearLon, d.Lat, d.Lon) > filter.WithinKm {
			return false
		}
	}
	if !filter.LocationBefore.IsZero() {
		ref := d.LocationTS
		if !d.HasLocation() {
			ref = d.StatusChangedAt
		}
		if !ref.Before(filter.LocationBefore) {
			return false
		}
	}
	return true
}

func (m *Memory) SetDriverStatus(ctx context.Context, id string, status models.DriverStatus) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.drivers[id]
	if !ok {
		return nil, common.NewNotFoundError(fmt.Sprintf("driver %s not found", id))
	}
	now := time.Now().UTC()
	if d.Status != status {
		d.Status = status
		d.StatusChangedAt = now
	}
	d.UpdatedAt = now
	return cloneDriver(d), nil
}

func (m *Memory) SetDriverSpoof(ctx context.Context, id string, risk float64, streak int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.drivers[id]
	if !ok {
		return common.NewNotFoundError(fmt.Sprintf("driver %s not found", id))
	}
	d.SpoofRisk = risk
	d.SpoofStreak = streak
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// ---- locations ----

func (m *Memory) PushLocation(ctx context.Context, s models.LocationSample) (*models.LocationSample, bool, error) {
	if s.DriverID == "" {
		return nil, false, common.NewValidationError("location sample needs a driver id", common.ErrValidation)
	}
	if s.TS.IsZero() {
		s.TS = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	d, ok := m.drivers[s.DriverID]
	if !ok {
		d = &models.Driver{
			ID:              s.DriverID,
			VehicleClass:    models.VehicleClassSaloon,
			Status:          models.DriverStatusOffline,
			Heading:         -1,
			StatusChangedAt: now,
			CreatedAt:       now,
		}
		m.drivers[s.DriverID] = d
	}

	var prev *models.LocationSample
	if ring := m.rings[s.DriverID]; len(ring) > 0 {
		last := ring[len(ring)-1]
		prev = &last
	}

	if d.HasLocation() && s.TS.Before(d.LocationTS) {
		return prev, false, nil
	}

	ring := append(m.rings[s.DriverID], s)
	if len(ring) > locationRingSize {
		ring = ring[len(ring)-locationRingSize:]
	}
	m.rings[s.DriverID] = ring

	d.Lat = s.Lat
	d.Lon = s.Lon
	d.Heading = s.Heading
	d.GPSAccuracyM = s.AccuracyM
	d.LocationTS = s.TS
	d.UpdatedAt = now
	m.reindexLocked(d)

	return prev, true, nil
}

func (m *Memory) RecentLocations(ctx context.Context, driverID string) ([]models.LocationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ring := m.rings[driverID]
	out := make([]models.LocationSample, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[i])
	}
	return out, nil
}

// reindexLocked moves the driver to the H3 cell of its current position.
// Callers hold the write lock.
func (m *Memory) reindexLocked(d *models.Driver) {
	if old, ok := m.driverCell[d.ID]; ok {
		delete(m.cells[old], d.ID)
		if len(m.cells[old]) == 0 {
			delete(m.cells, old)
		}
		delete(m.driverCell, d.ID)
	}
	if !d.HasLocation() {
		return
	}
	cell := geo.IndexCell(d.Lat, d.Lon)
	if cell == 0 {
		return
	}
	if m.cells[cell] == nil {
		m.cells[cell] = make(map[string]struct{})
	}
	m.cells[cell][d.ID] = struct{}{}
	m.driverCell[d.ID] = cell
}

// ---- jobs ----

func (m *Memory) CreateJob(ctx context.Context, j *models.Job) error {
	if j == nil || j.ID == "" {
		return common.NewValidationError("job id is required", common.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.ID]; exists {
		return common.NewDuplicateIDError(fmt.Sprintf("job %s already exists", j.ID))
	}

	now := time.Now().UTC()
	stored := cloneJob(j)
	if stored.Status == "" {
		stored.Status = models.JobStatusPending
	}
	if stored.BidsSnapshotJSON == "" {
		stored.BidsSnapshotJSON = "[]"
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.jobs[j.ID] = stored

	j.Status = stored.Status
	j.CreatedAt = stored.CreatedAt
	j.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, common.NewNotFoundError(fmt.Sprintf("job %s not found", id))
	}
	return cloneJob(j), nil
}

func (m *Memory) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !j.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*models.Job{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	out := make([]*models.Job, 0, len(matched))
	for _, j := range matched {
		out = append(out, cloneJob(j))
	}
	return out, nil
}

func (m *Memory) UpdateJobStatus(ctx context.Context, id string, next models.JobStatus, opts UpdateOpts) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, common.NewNotFoundError(fmt.Sprintf("job %s not found", id))
	}
	if !j.Status.CanTransition(next) {
		return nil, common.NewIllegalTransitionError(
			fmt.Sprintf("job %s cannot move from %s to %s", id, j.Status, next))
	}

	j.Status = next
	if opts.DriverID != nil {
		v := *opts.DriverID
		j.AllocatedDriverID = &v
	}
	if opts.DistanceKm != nil {
		v := *opts.DistanceKm
		j.DriverDistanceKm = &v
	}
	if opts.EtaMin != nil {
		v := *opts.EtaMin
		j.DriverEtaMin = &v
	}
	if opts.Annotation != nil {
		j.Annotation = *opts.Annotation
	}
	j.UpdatedAt = time.Now().UTC()

	return cloneJob(j), nil
}

// ---- bids ----

func (m *Memory) AppendBid(ctx context.Context, b *models.Bid) error {
	if b == nil || b.JobID == "" || b.DriverID == "" {
		return common.NewValidationError("bid needs job and driver ids", common.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[b.JobID]
	if !ok {
		return common.NewNotFoundError(fmt.Sprintf("job %s not found", b.JobID))
	}
	if j.Status != models.JobStatusBidding {
		return common.NewAuctionNotOpenError(
			fmt.Sprintf("job %s is %s, not accepting bids", b.JobID, j.Status))
	}
	for _, existing := range m.bids[b.JobID] {
		if existing.DriverID == b.DriverID {
			return common.NewDuplicateBidError(
				fmt.Sprintf("driver %s already bid on job %s", b.DriverID, b.JobID))
		}
	}

	stored := *b
	if stored.BidTS.IsZero() {
		stored.BidTS = time.Now().UTC()
	}
	m.bids[b.JobID] = append(m.bids[b.JobID], &stored)
	b.BidTS = stored.BidTS
	return nil
}

func (m *Memory) ListBids(ctx context.Context, jobID string) ([]*models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bids := m.bids[jobID]
	out := make([]*models.Bid, 0, len(bids))
	for _, b := range bids {
		copied := *b
		out = append(out, &copied)
	}
	return out, nil
}

func (m *Memory) SnapshotBidsToJob(ctx context.Context, jobID string, snaps []models.BidSnapshot) error {
	raw, err := models.MarshalBidSnapshots(snaps)
	if err != nil {
		return common.NewInternalError("failed to marshal bid snapshot", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return common.NewNotFoundError(fmt.Sprintf("job %s not found", jobID))
	}
	j.BidsSnapshotJSON = raw
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// ---- stats ----

func (m *Memory) CompletedJobCount(ctx context.Context, driverID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.stats[driverID]; ok {
		return s.CompletedJobs, nil
	}
	return 0, nil
}

func (m *Memory) GetDriverStats(ctx context.Context, driverID string) (*models.DriverStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.stats[driverID]
	if !ok {
		return nil, common.NewNotFoundError(fmt.Sprintf("no stats for driver %s", driverID))
	}
	copied := *s
	return &copied, nil
}

func (m *Memory) UpsertDriverStats(ctx context.Context, stats *models.DriverStats) error {
	if stats == nil || stats.DriverID == "" {
		return common.NewValidationError("stats need a driver id", common.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *stats
	m.stats[stats.DriverID] = &copied
	return nil
}

func (m *Memory) RecordJobCompleted(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats[driverID]
	if s == nil {
		s = models.NewDriverStats(driverID)
		m.stats[driverID] = s
	}
	s.CompletedJobs++

	if d, ok := m.drivers[driverID]; ok {
		now := time.Now().UTC()
		d.LastJobCompletedAt = &now
		d.UpdatedAt = now
	}
	return nil
}

func (m *Memory) RecordJobCancelled(ctx context.Context, driverID string, noShow bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats[driverID]
	if s == nil {
		s = models.NewDriverStats(driverID)
		m.stats[driverID] = s
	}
	s.CancelledJobs++
	if noShow {
		s.NoShowCancels++
	}
	return nil
}

// ---- copies ----

func cloneDriver(d *models.Driver) *models.Driver {
	copied := *d
	if d.LastJobCompletedAt != nil {
		v := *d.LastJobCompletedAt
		copied.LastJobCompletedAt = &v
	}
	return &copied
}

func cloneJob(j *models.Job) *models.Job {
	copied := *j
	if j.VehicleOverride != nil {
		v := *j.VehicleOverride
		copied.VehicleOverride = &v
	}
	if j.Priority != nil {
		v := *j.Priority
		copied.Priority = &v
	}
	if j.PaymentMethod != nil {
		v := *j.PaymentMethod
		copied.PaymentMethod = &v
	}
	if j.FareEstimate != nil {
		v := *j.FareEstimate
		copied.FareEstimate = &v
	}
	if j.AllocatedDriverID != nil {
		v := *j.AllocatedDriverID
		copied.AllocatedDriverID = &v
	}
	if j.DriverDistanceKm != nil {
		v := *j.DriverDistanceKm
		copied.DriverDistanceKm = &v
	}
	if j.DriverEtaMin != nil {
		v := *j.DriverEtaMin
		copied.DriverEtaMin = &v
	}
	return &copied
}
