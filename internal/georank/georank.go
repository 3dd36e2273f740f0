// Package georank ranks listings by great-circle distance and by popularity.
//
// Every function is pure: inputs are never mutated and results are freshly allocated,
// so callers may rank the same snapshot concurrently.
package georank

import (
	"math"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/roam/internal/rooms"
)

const (
	// EarthRadiusKm is the mean Earth radius used by the haversine formula.
	EarthRadiusKm = 6371.0
	// DefaultRadiusKm applies when a caller leaves the search radius unspecified.
	DefaultRadiusKm = 5.0
	// DefaultTopN applies when a caller leaves the popular list size unspecified.
	DefaultTopN = 3
)

// Ranked pairs a listing with its distance from the reference point.
type Ranked struct {
	Listing    rooms.Listing
	DistanceKm float64
}

// Distance returns the haversine distance in kilometres between two valid points.
func Distance(a, b rooms.GeoPoint) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	deltaLat := lat2 - lat1
	deltaLng := toRadians(b.Longitude - a.Longitude)

	sinLat := math.Sin(deltaLat / 2)
	sinLng := math.Sin(deltaLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	// rounding can push h marginally outside [0,1] for antipodal points
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// NearbyWithDistance keeps listings within radiusKm of ref, nearest first with ties broken by id.
// Listings without usable coordinates are skipped. A negative or NaN radius, or an invalid
// reference point, yields an empty result.
func NearbyWithDistance(listings []rooms.Listing, ref rooms.GeoPoint, radiusKm float64) []Ranked {
	if math.IsNaN(radiusKm) || radiusKm < 0 || !ref.Valid() {
		return []Ranked{}
	}
	ranked := make([]Ranked, 0, len(listings))
	for _, listing := range listings {
		if !listing.Location.Point.Valid() {
			continue
		}
		distance := Distance(ref, listing.Location.Point)
		if distance > radiusKm {
			continue
		}
		ranked = append(ranked, Ranked{Listing: listing.Clone(), DistanceKm: distance})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].DistanceKm != ranked[j].DistanceKm {
			return ranked[i].DistanceKm < ranked[j].DistanceKm
		}
		return ranked[i].Listing.ID < ranked[j].Listing.ID
	})
	return ranked
}

// Nearby is NearbyWithDistance without the distances.
func Nearby(listings []rooms.Listing, ref rooms.GeoPoint, radiusKm float64) []rooms.Listing {
	ranked := NearbyWithDistance(listings, ref, radiusKm)
	result := make([]rooms.Listing, len(ranked))
	for index, entry := range ranked {
		result[index] = entry.Listing
	}
	return result
}

// Popular returns the first topN listings ordered by rating, then review count, both descending,
// with ties broken by id ascending.
func Popular(listings []rooms.Listing, topN int) []rooms.Listing {
	if topN <= 0 || len(listings) == 0 {
		return []rooms.Listing{}
	}
	ordered := cloneAll(listings)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Rating != ordered[j].Rating {
			return ordered[i].Rating > ordered[j].Rating
		}
		if ordered[i].ReviewCount != ordered[j].ReviewCount {
			return ordered[i].ReviewCount > ordered[j].ReviewCount
		}
		return ordered[i].ID < ordered[j].ID
	})
	if len(ordered) > topN {
		ordered = ordered[:topN]
	}
	return ordered
}

// PriceRange bounds a price filter. A nil bound is open.
type PriceRange struct {
	Min *float64
	Max *float64
}

// FilterByPrice keeps listings whose price falls inside the range, preserving order.
func FilterByPrice(listings []rooms.Listing, bounds PriceRange) []rooms.Listing {
	filtered := make([]rooms.Listing, 0, len(listings))
	for _, listing := range listings {
		if bounds.Min != nil && listing.Price < *bounds.Min {
			continue
		}
		if bounds.Max != nil && listing.Price > *bounds.Max {
			continue
		}
		filtered = append(filtered, listing.Clone())
	}
	return filtered
}

// FilterByAmenities keeps listings offering every requested amenity, compared case-insensitively.
func FilterByAmenities(listings []rooms.Listing, required []string) []rooms.Listing {
	wanted := rooms.NormalizeAmenities(required)
	filtered := make([]rooms.Listing, 0, len(listings))
	for _, listing := range listings {
		if hasAll(listing.Amenities, wanted) {
			filtered = append(filtered, listing.Clone())
		}
	}
	return filtered
}

func hasAll(offered []string, wanted []string) bool {
	for _, amenity := range wanted {
		found := false
		for _, candidate := range offered {
			if strings.EqualFold(candidate, amenity) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func cloneAll(listings []rooms.Listing) []rooms.Listing {
	copied := make([]rooms.Listing, len(listings))
	for index, listing := range listings {
		copied[index] = listing.Clone()
	}
	return copied
}

func toRadians(degrees float64) float64 {
	return degrees * math.Pi / 180
}
