package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/common"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
)

// Bounding box for the uk_latitude/uk_longitude rules, generous enough to
// cover the whole of the UK including Shetland and Northern Ireland.
const (
	UKLatMin = 49.8
	UKLatMax = 60.9
	UKLonMin = -8.7
	UKLonMax = 1.8
)

var (
	// Validate is the global validator instance
	Validate *validator.Validate

	// Accepts E.164 and UK national formats once separators are stripped
	phoneRegex = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

	phoneSeparators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
)

func init() {
	Validate = validator.New()

	// Report json field names instead of Go struct field names
	Validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Register custom validators
	_ = Validate.RegisterValidation("uk_latitude", validateUKLatitude)
	_ = Validate.RegisterValidation("uk_longitude", validateUKLongitude)
	_ = Validate.RegisterValidation("phone", validatePhone)
	_ = Validate.RegisterValidation("vehicle_class", validateVehicleClass)
}

// ValidateStruct validates a struct and returns an AppError carrying the
// "validation" code if any rule fails
func ValidateStruct(s interface{}) error {
	err := Validate.Struct(s)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return common.NewValidationError(describe(validationErrors), err)
		}
		return err
	}
	return nil
}

// describe flattens validator errors into a single human-readable message
func describe(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		parts = append(parts, fmt.Sprintf("%s %s", fe.Field(), reason(fe)))
	}
	return strings.Join(parts, "; ")
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "phone":
		return "is not a valid phone number"
	case "vehicle_class":
		return "is not a recognised vehicle class"
	case "uk_latitude":
		return "is outside the UK latitude range"
	case "uk_longitude":
		return "is outside the UK longitude range"
	default:
		return fmt.Sprintf("failed the '%s' rule", fe.Tag())
	}
}

// validateUKLatitude checks if latitude falls inside the UK bounding box
func validateUKLatitude(fl validator.FieldLevel) bool {
	latitude := fl.Field().Float()
	return latitude >= UKLatMin && latitude <= UKLatMax
}

// validateUKLongitude checks if longitude falls inside the UK bounding box
func validateUKLongitude(fl validator.FieldLevel) bool {
	longitude := fl.Field().Float()
	return longitude >= UKLonMin && longitude <= UKLonMax
}

// validatePhone checks if phone number is plausible after separators are removed
func validatePhone(fl validator.FieldLevel) bool {
	return ValidatePhoneNumber(fl.Field().String())
}

// validateVehicleClass checks if the value names a known vehicle class
func validateVehicleClass(fl validator.FieldLevel) bool {
	_, ok := models.ParseVehicleClass(fl.Field().String())
	return ok
}

// NormalizePhone strips spaces, dashes, dots and parentheses from a phone
// number so the same caller always keys identically.
func NormalizePhone(phone string) string {
	return phoneSeparators.Replace(strings.TrimSpace(phone))
}

// ValidatePhoneNumber validates phone number format, accepting both E.164
// and UK national dialling ("07700 900123")
func ValidatePhoneNumber(phone string) bool {
	return phoneRegex.MatchString(NormalizePhone(phone))
}

// ValidateCoordinates validates latitude and longitude
func ValidateCoordinates(latitude, longitude float64) error {
	if latitude < -90.0 || latitude > 90.0 {
		return fmt.Errorf("latitude must be between -90 and 90, got: %f", latitude)
	}
	if longitude < -180.0 || longitude > 180.0 {
		return fmt.Errorf("longitude must be between -180 and 180, got: %f", longitude)
	}
	return nil
}

// InUK reports whether the point falls inside the UK bounding box. Points
// outside it are treated as geocoding noise rather than hard failures.
func InUK(latitude, longitude float64) bool {
	return latitude >= UKLatMin && latitude <= UKLatMax &&
		longitude >= UKLonMin && longitude <= UKLonMax
}
