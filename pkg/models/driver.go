package models

import (
	"strings"
	"time"
)

// DriverStatus represents the availability of a driver
type DriverStatus string

const (
	DriverStatusOffline DriverStatus = "offline"
	DriverStatusOnline  DriverStatus = "online"
	DriverStatusOnJob   DriverStatus = "on_job"
)

// VehicleClass represents a vehicle category, ordered by passenger capacity
type VehicleClass string

const (
	VehicleClassSaloon  VehicleClass = "saloon"
	VehicleClassEstate  VehicleClass = "estate"
	VehicleClassMPV     VehicleClass = "mpv"
	VehicleClassMinibus VehicleClass = "minibus"
)

var vehicleClassRank = map[VehicleClass]int{
	VehicleClassSaloon:  1,
	VehicleClassEstate:  2,
	VehicleClassMPV:     3,
	VehicleClassMinibus: 4,
}

// Rank returns the capacity order of the class, 0 for unknown classes.
func (v VehicleClass) Rank() int {
	return vehicleClassRank[v]
}

// CanServe reports whether a vehicle of this class can take a job that
// requires the given class. Larger classes serve smaller requirements.
func (v VehicleClass) CanServe(required VehicleClass) bool {
	if required == "" {
		return true
	}
	return v.Rank() >= required.Rank() && v.Rank() > 0
}

// ParseVehicleClass maps free-form input ("Saloon", "MPV", "minibus") to a
// VehicleClass. The second return is false for unrecognized input.
func ParseVehicleClass(s string) (VehicleClass, bool) {
	switch VehicleClass(strings.ToLower(strings.TrimSpace(s))) {
	case VehicleClassSaloon:
		return VehicleClassSaloon, true
	case VehicleClassEstate:
		return VehicleClassEstate, true
	case VehicleClassMPV:
		return VehicleClassMPV, true
	case VehicleClassMinibus:
		return VehicleClassMinibus, true
	}
	return "", false
}

// ParseDriverStatus maps free-form input to a DriverStatus. Radios on the
// legacy firmware report "available" and "busy"; both spellings are accepted.
// The second return is false for unrecognized input.
func ParseDriverStatus(s string) (DriverStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "offline":
		return DriverStatusOffline, true
	case "online", "available":
		return DriverStatusOnline, true
	case "on_job", "onjob", "busy":
		return DriverStatusOnJob, true
	}
	return "", false
}

// Driver represents a driver known to the dispatch engine
type Driver struct {
	ID                 string       `json:"id" db:"id"`
	Name               string       `json:"name" db:"name"`
	VehicleClass       VehicleClass `json:"vehicle_class" db:"vehicle_class"`
	Status             DriverStatus `json:"status" db:"status"`
	Lat                float64      `json:"lat" db:"lat"`
	Lon                float64      `json:"lon" db:"lon"`
	Heading            float64      `json:"heading" db:"heading"` // degrees, -1 when unknown
	GPSAccuracyM       float64      `json:"gps_accuracy_m" db:"gps_accuracy_m"`
	LocationTS         time.Time    `json:"location_ts" db:"location_ts"`
	SpoofRisk          float64      `json:"spoof_risk" db:"spoof_risk"`
	SpoofStreak        int          `json:"-" db:"spoof_streak"`
	StatusChangedAt    time.Time    `json:"status_changed_at" db:"status_changed_at"`
	LastJobCompletedAt *time.Time   `json:"last_job_completed_at,omitempty" db:"last_job_completed_at"`
	CreatedAt          time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at" db:"updated_at"`
}

// HasLocation reports whether the driver has ever reported a position.
func (d *Driver) HasLocation() bool {
	return !d.LocationTS.IsZero()
}

// DriverStats represents a driver's historical performance counters
type DriverStats struct {
	DriverID      string  `json:"driver_id" db:"driver_id"`
	CompletedJobs int     `json:"completed_jobs" db:"completed_jobs"`
	CancelledJobs int     `json:"cancelled_jobs" db:"cancelled_jobs"`
	NoShowCancels int     `json:"no_show_cancels" db:"no_show_cancels"`
	AcceptRate    float64 `json:"accept_rate" db:"accept_rate"`
	AvgRating     float64 `json:"avg_rating" db:"avg_rating"`
}

// Defaults for drivers with no recorded history. New drivers start on a
// 5.0 rating and an assumed 80% acceptance until real numbers accrue.
const (
	DefaultAcceptRate = 0.8
	DefaultAvgRating  = 5.0
)

// NewDriverStats returns a stats row seeded with the new-driver defaults.
func NewDriverStats(driverID string) *DriverStats {
	return &DriverStats{
		DriverID:   driverID,
		AcceptRate: DefaultAcceptRate,
		AvgRating:  DefaultAvgRating,
	}
}

// CancelRate returns cancelled jobs over total assignments, 0 with no history.
func (s DriverStats) CancelRate() float64 {
	total := s.CompletedJobs + s.CancelledJobs
	if total == 0 {
		return 0
	}
	return float64(s.CancelledJobs) / float64(total)
}

// NoShowRate returns no-show cancellations over total assignments, 0 with no
// history.
func (s DriverStats) NoShowRate() float64 {
	total := s.CompletedJobs + s.CancelledJobs
	if total == 0 {
		return 0
	}
	return float64(s.NoShowCancels) / float64(total)
}

// LocationSample represents one GPS report from a driver
type LocationSample struct {
	DriverID  string    `json:"driver_id" db:"driver_id"`
	Lat       float64   `json:"lat" db:"lat"`
	Lon       float64   `json:"lon" db:"lon"`
	Heading   float64   `json:"heading" db:"heading"` // degrees, -1 when unknown
	AccuracyM float64   `json:"accuracy_m" db:"accuracy_m"`
	TS        time.Time `json:"ts" db:"ts"`
}
