package geo

import (
	"math"

	"github.com/uber/h3-go/v4"
)

// Driver positions are indexed at resolution 7 (~1.2 km cell edge). That is
// coarse enough that a 10 km eligibility radius stays within a small k-ring
// and fine enough that the exact haversine pass after preselection stays
// cheap.
const (
	IndexResolution = 7

	// indexEdgeKm approximates the average res-7 hex edge length.
	indexEdgeKm = 1.22
)

// IndexCell returns the H3 index cell for a coordinate. Zero is returned for
// coordinates H3 rejects; callers treat that as "unindexed".
func IndexCell(lat, lon float64) h3.Cell {
	cell, err := h3.LatLngToCell(h3.NewLatLng(lat, lon), IndexResolution)
	if err != nil {
		return 0
	}
	return cell
}

// CoverDisk returns every index cell that may contain a point within
// radiusKm of the given coordinate. The ring is padded by one cell so the
// subsequent exact distance filter never misses a boundary straddler.
func CoverDisk(lat, lon float64, radiusKm float64) []h3.Cell {
	origin := IndexCell(lat, lon)
	if origin == 0 {
		return nil
	}

	k := int(math.Ceil(radiusKm/indexEdgeKm)) + 1
	cells, err := origin.GridDisk(k)
	if err != nil {
		return []h3.Cell{origin}
	}
	return cells
}
