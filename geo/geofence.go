// Package geo resolves location events against circular site geofences.
// Pure computation: no I/O, no side effects.
package geo

import (
	"errors"
	"math"
)

const earthRadiusM = 6371000.0

var (
	// ErrNoSitesConfigured means the active-site snapshot was empty.
	ErrNoSitesConfigured = errors.New("no active sites configured")
	// ErrOutOfZone means sites exist but the coordinate is within none of them.
	ErrOutOfZone = errors.New("coordinate outside all site zones")
)

// Fence is the subset of a site the resolver needs.
type Fence interface {
	Center() (lat, lon float64)
	RadiusMeters() float64
}

// HaversineM returns the great-circle distance between two coordinates in meters.
func HaversineM(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}

// Resolve picks the nearest fence whose radius covers the coordinate
// (boundary inclusive). Ties go to the first-encountered fence, so callers
// must supply fences in a deterministic order (site id ascending) to keep
// resolution reproducible. Returns the index into fences.
func Resolve[F Fence](lat, lon float64, fences []F) (int, error) {
	if len(fences) == 0 {
		return -1, ErrNoSitesConfigured
	}

	best := -1
	bestDist := 0.0
	for i, f := range fences {
		cLat, cLon := f.Center()
		dist := HaversineM(lat, lon, cLat, cLon)
		if dist > f.RadiusMeters() {
			continue
		}
		if best == -1 || dist < bestDist {
			best = i
			bestDist = dist
		}
	}
	if best == -1 {
		return -1, ErrOutOfZone
	}
	return best, nil
}
