package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/geo"
)

// PayloadVersion is stamped on every published message. Advisory only;
// receivers accept any version.
const PayloadVersion = "2"

// FlexString accepts a JSON string or number and normalizes it to a string.
// Fares in particular arrive both ways from the booking channels.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// FlexCount accepts a JSON int or a descriptive string beginning with
// digits ("6 plus luggage"). The leading integer becomes Count and the
// original text is preserved as Text.
type FlexCount struct {
	Count int
	Text  string
}

func (f *FlexCount) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f.Text = s
		f.Count, _ = LeadingInt(s)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	f.Count = int(n)
	return nil
}

func (f FlexCount) MarshalJSON() ([]byte, error) {
	if f.Text != "" {
		return json.Marshal(f.Text)
	}
	return json.Marshal(f.Count)
}

// LeadingInt parses the integer prefix of a string ("6 people" -> 6).
// Returns false when the string does not start with a digit.
func LeadingInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// JobPayload is the canonical job-carrying bus message. Emitters write both
// the primary and the legacy field names until the deprecation milestone;
// receivers accept either. Coordinates are 6-decimal numbers.
type JobPayload struct {
	JobID         string
	PickupLat     float64
	PickupLng     float64
	PickupAddress string
	Dropoff       string
	DropoffLat    float64
	DropoffLng    float64

	Passengers       FlexCount
	BiddingWindowSec int
	CustomerName     string
	CustomerPhone    string
	Fare             string
	Notes            string
	Status           string
	CoordsFixed      bool

	Temp1 string
	Temp2 string
	Temp3 string

	TimestampMs  int64
	DispatcherID string
	Version      string
}

// jobPayloadWire carries every accepted spelling of the payload fields.
// Primary names come first; the trailing fields are the legacy aliases.
type jobPayloadWire struct {
	Job           string     `json:"job,omitempty"`
	Lat           *float64   `json:"lat,omitempty"`
	Lng           *float64   `json:"lng,omitempty"`
	PickupAddress string     `json:"pickupAddress,omitempty"`
	Dropoff       string     `json:"dropoff,omitempty"`
	DropoffLat    *float64   `json:"dropoffLat,omitempty"`
	DropoffLng    *float64   `json:"dropoffLng,omitempty"`
	Passengers    *FlexCount `json:"passengers,omitempty"`
	WindowSec     *FlexCount `json:"biddingWindowSec,omitempty"`
	CustomerName  string     `json:"customerName,omitempty"`
	CustomerPhone string     `json:"customerPhone,omitempty"`
	Fare          FlexString `json:"fare,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	Status        string     `json:"status,omitempty"`
	CoordsFixed   bool       `json:"coordsFixed,omitempty"`
	Temp1         string     `json:"temp1,omitempty"`
	Temp2         string     `json:"temp2,omitempty"`
	Temp3         string     `json:"temp3,omitempty"`
	TimestampMs   int64      `json:"timestamp,omitempty"`
	DispatcherID  string     `json:"dispatcherId,omitempty"`
	Version       string     `json:"version,omitempty"`

	JobIDLegacy     string     `json:"jobId,omitempty"`
	PickupLatLegacy *float64   `json:"pickupLat,omitempty"`
	PickupLngLegacy *float64   `json:"pickupLng,omitempty"`
	PickupLegacy    string     `json:"pickup,omitempty"`
	PubNameLegacy   string     `json:"pubName,omitempty"`
	DropoffLegacy   string     `json:"dropoffName,omitempty"`
	CallerName      string     `json:"callerName,omitempty"`
	CallerPhone     string     `json:"callerPhone,omitempty"`
	EstimatedFare   FlexString `json:"estimatedFare,omitempty"`
	SpecialReqs     string     `json:"specialRequirements,omitempty"`
}

// MarshalJSON writes the dual-format wire form: primary keys plus every
// legacy alias, so consumers on either schema generation keep working.
func (p JobPayload) MarshalJSON() ([]byte, error) {
	w := jobPayloadWire{
		Job:           p.JobID,
		PickupAddress: p.PickupAddress,
		Dropoff:       p.Dropoff,
		CustomerName:  p.CustomerName,
		CustomerPhone: p.CustomerPhone,
		Fare:          FlexString(p.Fare),
		Notes:         p.Notes,
		Status:        p.Status,
		CoordsFixed:   p.CoordsFixed,
		Temp1:         p.Temp1,
		Temp2:         p.Temp2,
		Temp3:         p.Temp3,
		TimestampMs:   p.TimestampMs,
		DispatcherID:  p.DispatcherID,
		Version:       p.Version,

		JobIDLegacy:   p.JobID,
		PickupLegacy:  p.PickupAddress,
		PubNameLegacy: p.PickupAddress,
		DropoffLegacy: p.Dropoff,
		CallerName:    p.CustomerName,
		CallerPhone:   p.CustomerPhone,
		EstimatedFare: FlexString(p.Fare),
		SpecialReqs:   p.Notes,
	}
	if p.PickupLat != 0 || p.PickupLng != 0 {
		lat, lng := geo.Round6(p.PickupLat), geo.Round6(p.PickupLng)
		w.Lat, w.Lng = &lat, &lng
		w.PickupLatLegacy, w.PickupLngLegacy = &lat, &lng
	}
	if p.DropoffLat != 0 || p.DropoffLng != 0 {
		lat, lng := geo.Round6(p.DropoffLat), geo.Round6(p.DropoffLng)
		w.DropoffLat, w.DropoffLng = &lat, &lng
	}
	if p.Passengers.Count > 0 || p.Passengers.Text != "" {
		pass := p.Passengers
		w.Passengers = &pass
	}
	if p.BiddingWindowSec > 0 {
		win := FlexCount{Count: p.BiddingWindowSec}
		w.WindowSec = &win
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts either schema generation, preferring primary names
// when a message carries both.
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	var w jobPayloadWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	p.JobID = firstString(w.Job, w.JobIDLegacy)
	p.PickupLat = firstFloat(w.Lat, w.PickupLatLegacy)
	p.PickupLng = firstFloat(w.Lng, w.PickupLngLegacy)
	p.PickupAddress = firstString(w.PickupAddress, w.PickupLegacy, w.PubNameLegacy)
	p.Dropoff = firstString(w.Dropoff, w.DropoffLegacy)
	p.DropoffLat = firstFloat(w.DropoffLat, nil)
	p.DropoffLng = firstFloat(w.DropoffLng, nil)
	if w.Passengers != nil {
		p.Passengers = *w.Passengers
	}
	if w.WindowSec != nil {
		p.BiddingWindowSec = w.WindowSec.Count
	}
	p.CustomerName = firstString(w.CustomerName, w.CallerName)
	p.CustomerPhone = firstString(w.CustomerPhone, w.CallerPhone)
	p.Fare = firstString(string(w.Fare), string(w.EstimatedFare))
	p.Notes = firstString(w.Notes, w.SpecialReqs)
	p.Status = w.Status
	p.CoordsFixed = w.CoordsFixed
	p.Temp1, p.Temp2, p.Temp3 = w.Temp1, w.Temp2, w.Temp3
	p.TimestampMs = w.TimestampMs
	p.DispatcherID = w.DispatcherID
	p.Version = w.Version
	return nil
}

// BidPayload is the jobs/{id}/bid message a driver app submits.
type BidPayload struct {
	JobID       string  `json:"job"`
	JobIDLegacy string  `json:"jobId,omitempty"`
	DriverID    string  `json:"driverId"`
	DriverName  string  `json:"driverName,omitempty"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	TimestampMs int64   `json:"timestamp,omitempty"`
	Version     string  `json:"version,omitempty"`
}

// Job returns the job ID regardless of which alias the sender used.
func (b BidPayload) Job() string {
	if b.JobID != "" {
		return b.JobID
	}
	return b.JobIDLegacy
}

// LocationPayload is the drivers/{id}/location message.
type LocationPayload struct {
	Lat         float64  `json:"lat"`
	Lng         float64  `json:"lng"`
	Heading     *float64 `json:"heading,omitempty"`
	AccuracyM   float64  `json:"accuracyM,omitempty"`
	TimestampMs int64    `json:"timestamp,omitempty"`
}

// TS returns the sample time, falling back to now for senders that omit it.
func (l LocationPayload) TS(now time.Time) time.Time {
	if l.TimestampMs <= 0 {
		return now
	}
	return time.UnixMilli(l.TimestampMs).UTC()
}

// StatusPayload is the drivers/{id}/status message. Name and vehicle class
// ride along so drivers self-register on first contact.
type StatusPayload struct {
	Status       string `json:"status"`
	Name         string `json:"name,omitempty"`
	VehicleClass string `json:"vehicleClass,omitempty"`
	TimestampMs  int64  `json:"timestamp,omitempty"`
}

// ResponsePayload is the jobs/{id}/response message: a driver completing or
// a party cancelling an allocated or pending job.
type ResponsePayload struct {
	JobID       string `json:"job"`
	JobIDLegacy string `json:"jobId,omitempty"`
	Status      string `json:"status"`
	DriverID    string `json:"driverId,omitempty"`
	Reason      string `json:"reason,omitempty"`
	TimestampMs int64  `json:"timestamp,omitempty"`
}

// Job returns the job ID regardless of which alias the sender used.
func (r ResponsePayload) Job() string {
	if r.JobID != "" {
		return r.JobID
	}
	return r.JobIDLegacy
}

// ResultPayload is the jobs/{id}/result/{driverId} outcome message.
type ResultPayload struct {
	JobID        string  `json:"job"`
	DriverID     string  `json:"driverId"`
	Outcome      string  `json:"outcome"` // "won" or "lost"
	Reason       string  `json:"reason,omitempty"`
	DistanceKm   float64 `json:"distanceKm,omitempty"`
	EtaMin       int     `json:"etaMin,omitempty"`
	Score        float64 `json:"score,omitempty"`
	TimestampMs  int64   `json:"timestamp,omitempty"`
	DispatcherID string  `json:"dispatcherId,omitempty"`
	Version      string  `json:"version,omitempty"`
}

// JobStatusPayload is the jobs/{id}/status lifecycle message, also used for
// admission rejections where Reason carries the error code.
type JobStatusPayload struct {
	JobID        string `json:"job"`
	JobIDLegacy  string `json:"jobId,omitempty"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	DriverID     string `json:"driverId,omitempty"`
	TimestampMs  int64  `json:"timestamp,omitempty"`
	DispatcherID string `json:"dispatcherId,omitempty"`
	Version      string `json:"version,omitempty"`
}

// NewJobPayload builds the bus payload for a stored job. Optional fields
// travel in the expansion slots using the same key:value convention the
// intake accepts, so a payload can round-trip through the engine.
func NewJobPayload(j *Job, dispatcherID string, now time.Time) JobPayload {
	p := JobPayload{
		JobID:         j.ID,
		PickupLat:     j.PickupLat,
		PickupLng:     j.PickupLon,
		PickupAddress: j.PickupText,
		Dropoff:       j.DropoffText,
		DropoffLat:    j.DropoffLat,
		DropoffLng:    j.DropoffLon,

		Passengers:       FlexCount{Count: j.Passengers, Text: j.PassengerDetail},
		BiddingWindowSec: j.BiddingWindowSeconds,
		CustomerName:     j.CallerName,
		CustomerPhone:    j.CallerPhone,
		Notes:            j.Notes,
		Status:           string(j.Status),
		CoordsFixed:      j.CoordsFixed,

		TimestampMs:  now.UnixMilli(),
		DispatcherID: dispatcherID,
		Version:      PayloadVersion,
	}
	if j.FareEstimate != nil {
		p.Fare = strconv.FormatFloat(*j.FareEstimate, 'f', 2, 64)
	}
	if j.Priority != nil {
		p.Temp1 = "priority:" + *j.Priority
	}
	if j.VehicleOverride != nil {
		p.Temp2 = "vehicle_override:" + string(*j.VehicleOverride)
	}
	if j.PaymentMethod != nil {
		p.Temp3 = "payment_method:" + *j.PaymentMethod
	}
	return p
}

// SolicitationPayload invites a driver to bid. It wraps the job payload with
// the window deadline and the responding topic.
type SolicitationPayload struct {
	JobPayload
	RespondTopic string `json:"respondTopic,omitempty"`
	ExpiresAtMs  int64  `json:"expiresAt,omitempty"`
}

// MarshalJSON flattens the embedded dual-format job payload and appends the
// solicitation-only fields.
func (s SolicitationPayload) MarshalJSON() ([]byte, error) {
	base, err := s.JobPayload.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(base, &flat); err != nil {
		return nil, err
	}
	if s.RespondTopic != "" {
		raw, _ := json.Marshal(s.RespondTopic)
		flat["respondTopic"] = raw
	}
	if s.ExpiresAtMs > 0 {
		raw, _ := json.Marshal(s.ExpiresAtMs)
		flat["expiresAt"] = raw
	}
	return json.Marshal(flat)
}

// UnmarshalJSON accepts the flattened solicitation form.
func (s *SolicitationPayload) UnmarshalJSON(data []byte) error {
	if err := s.JobPayload.UnmarshalJSON(data); err != nil {
		return err
	}
	var extra struct {
		RespondTopic string `json:"respondTopic"`
		ExpiresAtMs  int64  `json:"expiresAt"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	s.RespondTopic = extra.RespondTopic
	s.ExpiresAtMs = extra.ExpiresAtMs
	return nil
}

// AllocationPayload announces a winning assignment. It goes to the winner's
// drivers/{id}/jobs inbox and to jobs/{id}/allocated, wrapping the full job
// payload with the assignment numbers.
type AllocationPayload struct {
	JobPayload
	DriverID   string  `json:"driverId"`
	DriverName string  `json:"driverName,omitempty"`
	DistanceKm float64 `json:"distanceKm,omitempty"`
	EtaMin     int     `json:"etaMin,omitempty"`
	Score      float64 `json:"score,omitempty"`
}

// MarshalJSON flattens the embedded dual-format job payload and appends the
// assignment fields.
func (a AllocationPayload) MarshalJSON() ([]byte, error) {
	base, err := a.JobPayload.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(base, &flat); err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(a.DriverID)
	flat["driverId"] = raw
	if a.DriverName != "" {
		raw, _ = json.Marshal(a.DriverName)
		flat["driverName"] = raw
	}
	if a.DistanceKm > 0 {
		raw, _ = json.Marshal(geo.Round6(a.DistanceKm))
		flat["distanceKm"] = raw
	}
	if a.EtaMin > 0 {
		raw, _ = json.Marshal(a.EtaMin)
		flat["etaMin"] = raw
	}
	if a.Score > 0 {
		raw, _ = json.Marshal(a.Score)
		flat["score"] = raw
	}
	return json.Marshal(flat)
}

// UnmarshalJSON accepts the flattened allocation form.
func (a *AllocationPayload) UnmarshalJSON(data []byte) error {
	if err := a.JobPayload.UnmarshalJSON(data); err != nil {
		return err
	}
	var extra struct {
		DriverID   string  `json:"driverId"`
		DriverName string  `json:"driverName"`
		DistanceKm float64 `json:"distanceKm"`
		EtaMin     int     `json:"etaMin"`
		Score      float64 `json:"score"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	a.DriverID = extra.DriverID
	a.DriverName = extra.DriverName
	a.DistanceKm = extra.DistanceKm
	a.EtaMin = extra.EtaMin
	a.Score = extra.Score
	return nil
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstFloat(values ...*float64) float64 {
	for _, v := range values {
		if v != nil && *v != 0 {
			return *v
		}
	}
	return 0
}
