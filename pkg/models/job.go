package models

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// JobStatus represents the lifecycle state of a dispatch job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusBidding   JobStatus = "bidding"
	JobStatusClosed    JobStatus = "closed"
	JobStatusAllocated JobStatus = "allocated"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusNoBids    JobStatus = "no_bids"
)

// jobTransitions is the legal status transition table. A job may always
// "transition" to its current status (a no-op update); terminal states are
// absent from the map.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:   {JobStatusBidding, JobStatusNoBids, JobStatusCancelled},
	JobStatusBidding:   {JobStatusClosed, JobStatusCancelled},
	JobStatusClosed:    {JobStatusAllocated, JobStatusPending, JobStatusNoBids, JobStatusCancelled},
	JobStatusAllocated: {JobStatusCompleted, JobStatusCancelled},
}

// CanTransition reports whether a job may move from its current status to
// next. Repeating the current status is always legal so that replayed
// updates stay idempotent.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions other
// than the idempotent self-update.
func (s JobStatus) Terminal() bool {
	_, ok := jobTransitions[s]
	return !ok
}

// Job represents one ride request moving through the dispatch engine
type Job struct {
	ID              string  `json:"id" db:"id"`
	PickupText      string  `json:"pickup_text" db:"pickup_text"`
	DropoffText     string  `json:"dropoff_text" db:"dropoff_text"`
	PickupLat       float64 `json:"pickup_lat" db:"pickup_lat"`
	PickupLon       float64 `json:"pickup_lon" db:"pickup_lon"`
	DropoffLat      float64 `json:"dropoff_lat" db:"dropoff_lat"`
	DropoffLon      float64 `json:"dropoff_lon" db:"dropoff_lon"`
	Passengers      int     `json:"passengers" db:"passengers"`
	PassengerDetail string  `json:"passenger_detail,omitempty" db:"passenger_detail"`

	VehicleRequired VehicleClass  `json:"vehicle_required" db:"vehicle_required"`
	VehicleOverride *VehicleClass `json:"vehicle_override,omitempty" db:"vehicle_override"`
	Priority        *string       `json:"priority,omitempty" db:"priority"`
	PaymentMethod   *string       `json:"payment_method,omitempty" db:"payment_method"`

	CallerName   string   `json:"caller_name" db:"caller_name"`
	CallerPhone  string   `json:"caller_phone" db:"caller_phone"`
	FareEstimate *float64 `json:"fare_estimate,omitempty" db:"fare_estimate"`
	Notes        string   `json:"notes,omitempty" db:"notes"`

	BiddingWindowSeconds int  `json:"bidding_window_seconds" db:"bidding_window_seconds"`
	CoordsFixed          bool `json:"coords_fixed" db:"coords_fixed"`

	Status            JobStatus `json:"status" db:"status"`
	AllocatedDriverID *string   `json:"allocated_driver_id,omitempty" db:"allocated_driver_id"`
	DriverDistanceKm  *float64  `json:"driver_distance_km,omitempty" db:"driver_distance_km"`
	DriverEtaMin      *int      `json:"driver_eta_min,omitempty" db:"driver_eta_min"`
	BidsSnapshotJSON  string    `json:"bids_snapshot_json,omitempty" db:"bids_snapshot_json"`
	Annotation        string    `json:"annotation,omitempty" db:"annotation"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// EffectiveVehicleClass returns the class drivers must meet: the override
// when the submitter supplied one, the required class otherwise.
func (j *Job) EffectiveVehicleClass() VehicleClass {
	if j.VehicleOverride != nil && *j.VehicleOverride != "" {
		return *j.VehicleOverride
	}
	return j.VehicleRequired
}

// HasValidPickup reports whether the pickup coordinate was admitted as-is
// or repaired by geocoding.
func (j *Job) HasValidPickup() bool {
	return j.PickupLat != 0 || j.PickupLon != 0
}

// NewJobID returns a fresh 12-character lowercase hex job identifier.
func NewJobID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable for ID generation; fall back
		// to a timestamp so job creation never blocks.
		return hex.EncodeToString([]byte(time.Now().UTC().Format("150405.000")))[:12]
	}
	return hex.EncodeToString(buf)
}

// JobRequest is the normalized admission form every submission channel
// (voice, WhatsApp, direct bus, admin API) reduces to before validation.
type JobRequest struct {
	ID          string  `json:"id,omitempty"`
	PickupText  string  `json:"pickup_text" validate:"required,min=2,max=500"`
	DropoffText string  `json:"dropoff_text" validate:"omitempty,max=500"`
	PickupLat   float64 `json:"pickup_lat"`
	PickupLon   float64 `json:"pickup_lon"`
	DropoffLat  float64 `json:"dropoff_lat"`
	DropoffLon  float64 `json:"dropoff_lon"`

	Passengers      int    `json:"passengers" validate:"required,gte=1,lte=16"`
	PassengerDetail string `json:"passenger_detail,omitempty" validate:"omitempty,max=200"`

	VehicleRequired VehicleClass `json:"vehicle_required,omitempty" validate:"omitempty,vehicle_class"`
	VehicleOverride *string      `json:"vehicle_override,omitempty"`
	Priority        *string      `json:"priority,omitempty"`
	PaymentMethod   *string      `json:"payment_method,omitempty"`

	CallerName   string   `json:"caller_name,omitempty" validate:"omitempty,max=200"`
	CallerPhone  string   `json:"caller_phone,omitempty" validate:"omitempty,phone"`
	FareEstimate *float64 `json:"fare_estimate,omitempty"`
	Notes        string   `json:"notes,omitempty" validate:"omitempty,max=1000"`

	BiddingWindowSeconds int    `json:"bidding_window_seconds,omitempty"`
	Source               string `json:"source,omitempty"`
}

// VehicleForPassengers returns the smallest vehicle class that seats the
// given party, used when a submission names no class.
func VehicleForPassengers(passengers int) VehicleClass {
	switch {
	case passengers <= 4:
		return VehicleClassSaloon
	case passengers <= 5:
		return VehicleClassEstate
	case passengers <= 6:
		return VehicleClassMPV
	default:
		return VehicleClassMinibus
	}
}
