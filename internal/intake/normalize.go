package intake

import (
	"strconv"
	"strings"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
)

// RequestFromPayload maps a dual-format bus payload onto the normalized
// admission form. The payload codec has already collapsed legacy aliases;
// this layer handles the value-level quirks: descriptive passenger counts,
// currency-prefixed fares, and key:value expansion fields.
func RequestFromPayload(p models.JobPayload, source string) *models.JobRequest {
	req := &models.JobRequest{
		ID:          p.JobID,
		PickupText:  p.PickupAddress,
		DropoffText: p.Dropoff,
		PickupLat:   p.PickupLat,
		PickupLon:   p.PickupLng,
		DropoffLat:  p.DropoffLat,
		DropoffLon:  p.DropoffLng,
		CallerName:  p.CustomerName,
		CallerPhone: p.CustomerPhone,
		Notes:       p.Notes,

		BiddingWindowSeconds: p.BiddingWindowSec,
		Source:               source,
	}

	req.Passengers = p.Passengers.Count
	req.PassengerDetail = p.Passengers.Text
	if req.Passengers <= 0 {
		// A booking is at least one person; counts only arrive explicitly
		// from channels that collect them.
		req.Passengers = 1
	}

	req.FareEstimate = ParseFare(p.Fare)

	for _, expansion := range []string{p.Temp1, p.Temp2, p.Temp3} {
		applyExpansion(req, expansion)
	}

	return req
}

// ParseFare strips currency symbols and parses a locale-invariant decimal.
// Returns nil for empty or unparseable input.
func ParseFare(s string) *float64 {
	s = strings.TrimSpace(s)
	for _, sym := range []string{"£", "€", "$"} {
		s = strings.ReplaceAll(s, sym, "")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return nil
	}
	return &v
}

// applyExpansion parses one temp1..temp3 field ("key:value") into the
// request. Unknown keys and malformed values are ignored.
func applyExpansion(req *models.JobRequest, s string) {
	key, value, found := strings.Cut(s, ":")
	if !found {
		return
	}
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}

	switch key {
	case "priority":
		req.Priority = &value
	case "vehicle_override":
		if class, ok := models.ParseVehicleClass(value); ok {
			v := string(class)
			req.VehicleOverride = &v
		}
	case "payment_method":
		req.PaymentMethod = &value
	}
}
