// Package geo implements the proximity checks used for traveler fan-out.
package geo

import (
	"math"
	"sort"

	"github.com/carrymate/delivery-service/internal/domain"
)

// EarthRadiusKm is the mean Earth radius used by the haversine formula.
const EarthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between a and b.
func DistanceKm(a, b domain.Location) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := lat2 - lat1
	dLng := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Reachable reports whether a pickup point is within radiusKm of the traveler.
// The "anywhere" pickup sentinel always matches and reports a distance of zero.
func Reachable(traveler, pickup domain.Location, radiusKm float64) (float64, bool) {
	if pickup.IsAnywhere() {
		return 0, true
	}
	d := DistanceKm(traveler, pickup)
	return d, d <= radiusKm
}

// Candidate is a listing reachable from a traveler's position.
type Candidate struct {
	Listing    domain.Listing
	DistanceKm float64
}

// NearestListings filters listings to those reachable from origin, skips ids
// for which skip returns true, and returns them nearest first. limit <= 0 means no cap.
func NearestListings(origin domain.Location, radiusKm float64, listings []domain.Listing, skip func(domain.Listing) bool, limit int) []Candidate {
	candidates := make([]Candidate, 0, len(listings))
	for _, l := range listings {
		if skip != nil && skip(l) {
			continue
		}
		d, ok := Reachable(origin, l.PickupLocation, radiusKm)
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{Listing: l, DistanceKm: d})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].DistanceKm < candidates[j].DistanceKm
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
