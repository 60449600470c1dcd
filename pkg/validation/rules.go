package validation

import (
	"strings"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/common"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
)

// Request structs shared by the admin API and the bus intake

// CancelRequest carries an operator-supplied cancellation reason
type CancelRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// DriverStatusRequest forces a driver status from the admin surface
type DriverStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=offline online on_job"`
}

// ValidateJobRequest validates a normalized job submission, combining the
// struct tags with business rules that cross field boundaries.
func ValidateJobRequest(req *models.JobRequest) error {
	if err := ValidateStruct(req); err != nil {
		return err
	}

	var problems []string

	// Coordinates are optional at admission (geocoding repairs them later)
	// but when present they must at least be possible.
	if req.PickupLat != 0 || req.PickupLon != 0 {
		if err := ValidateCoordinates(req.PickupLat, req.PickupLon); err != nil {
			problems = append(problems, "pickup: "+err.Error())
		}
	}
	if req.DropoffLat != 0 || req.DropoffLon != 0 {
		if err := ValidateCoordinates(req.DropoffLat, req.DropoffLon); err != nil {
			problems = append(problems, "dropoff: "+err.Error())
		}
	}

	// A journey to the pickup point is not a journey.
	if req.PickupLat != 0 && req.PickupLon != 0 &&
		req.PickupLat == req.DropoffLat && req.PickupLon == req.DropoffLon {
		problems = append(problems, "pickup and dropoff cannot be the same point")
	}

	// An explicitly requested class must still seat the party.
	if req.VehicleRequired != "" {
		needed := models.VehicleForPassengers(req.Passengers)
		if !req.VehicleRequired.CanServe(needed) {
			problems = append(problems,
				"vehicle class "+string(req.VehicleRequired)+" cannot seat the requested party")
		}
	}

	if req.BiddingWindowSeconds < 0 {
		problems = append(problems, "bidding window cannot be negative")
	}

	if len(problems) > 0 {
		return common.NewValidationError(strings.Join(problems, "; "), common.ErrValidation)
	}

	return nil
}
