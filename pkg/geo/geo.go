package geo

import "math"

const earthRadiusKm = 6371.0

// The engine only dispatches within the United Kingdom; submissions whose
// coordinates fall outside this box are treated as invalid and repaired by
// geocoding.
const (
	UKMinLat = 49.5
	UKMaxLat = 61.0
	UKMinLon = -8.5
	UKMaxLon = 2.0
)

// Haversine calculates the great-circle distance in kilometres between two
// coordinates. The result is rounded to two decimal places.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180.0
	dLon := (lon2 - lon1) * math.Pi / 180.0

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180.0)*math.Cos(lat2*math.Pi/180.0)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return math.Round(earthRadiusKm*c*100) / 100
}

// Bearing returns the initial great-circle bearing in degrees [0, 360) from
// the first coordinate towards the second.
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180.0
	phi2 := lat2 * math.Pi / 180.0
	dLon := (lon2 - lon1) * math.Pi / 180.0

	y := math.Sin(dLon) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLon)

	deg := math.Atan2(y, x) * 180.0 / math.Pi
	return math.Mod(deg+360.0, 360.0)
}

// AngularDiff returns the absolute difference between two headings in
// degrees, wrapped to [0, 180].
func AngularDiff(a, b float64) float64 {
	diff := math.Mod(math.Abs(a-b), 360.0)
	if diff > 180.0 {
		diff = 360.0 - diff
	}
	return diff
}

// ValidUKCoordinate reports whether the coordinate is usable for dispatch:
// present, finite, and inside the UK bounding box. The zero coordinate is
// the "unset" marker used by submission channels.
func ValidUKCoordinate(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= UKMinLat && lat <= UKMaxLat && lon >= UKMinLon && lon <= UKMaxLon
}

// Round6 truncates a coordinate to the 6-decimal wire precision.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
