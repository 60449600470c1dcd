package models

import (
	"encoding/json"
	"time"
)

// Bid represents one driver's offer to take a job. Bids live only as long
// as their auction; the accepted set is persisted into the job's snapshot.
type Bid struct {
	JobID                 string    `json:"job_id" db:"job_id"`
	DriverID              string    `json:"driver_id" db:"driver_id"`
	DriverName            string    `json:"driver_name" db:"driver_name"`
	DriverLat             float64   `json:"driver_lat" db:"driver_lat"`
	DriverLon             float64   `json:"driver_lon" db:"driver_lon"`
	DistanceKm            float64   `json:"distance_km" db:"distance_km"`
	CompletedJobsSnapshot int       `json:"completed_jobs_snapshot" db:"completed_jobs_snapshot"`
	Uninvited             bool      `json:"uninvited,omitempty" db:"uninvited"`
	BidTS                 time.Time `json:"bid_ts" db:"bid_ts"`
}

// BidSnapshot is the wire form persisted into the job's bids_json column
// and echoed on status topics. bidTime is ISO-8601 UTC.
type BidSnapshot struct {
	DriverID      string  `json:"driverId"`
	DriverName    string  `json:"driverName"`
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
	DistanceKm    float64 `json:"distanceKm"`
	CompletedJobs int     `json:"completedJobs"`
	BidTime       string  `json:"bidTime"`
	Score         float64 `json:"score"`
}

// Snapshot converts a bid into its persisted wire form. The score is zero
// until the matcher records one.
func (b Bid) Snapshot(score float64) BidSnapshot {
	return BidSnapshot{
		DriverID:      b.DriverID,
		DriverName:    b.DriverName,
		Lat:           b.DriverLat,
		Lng:           b.DriverLon,
		DistanceKm:    b.DistanceKm,
		CompletedJobs: b.CompletedJobsSnapshot,
		BidTime:       b.BidTS.UTC().Format(time.RFC3339Nano),
		Score:         score,
	}
}

// MarshalBidSnapshots serializes a snapshot list for the bids_json column.
// An empty list serializes to "[]" so the column is never NULL-ambiguous.
func MarshalBidSnapshots(snaps []BidSnapshot) (string, error) {
	if snaps == nil {
		snaps = []BidSnapshot{}
	}
	data, err := json.Marshal(snaps)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalBidSnapshots parses a bids_json column value. Empty input yields
// an empty list.
func UnmarshalBidSnapshots(raw string) ([]BidSnapshot, error) {
	if raw == "" {
		return []BidSnapshot{}, nil
	}
	var snaps []BidSnapshot
	if err := json.Unmarshal([]byte(raw), &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}
