package georank

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/MarcoPoloResearchLab/roam/internal/rooms"
	"github.com/MarcoPoloResearchLab/roam/internal/rooms/roomstest"
)

const tolerance = 1e-9

func TestNearbyOrdersByDistance(t *testing.T) {
	ref := rooms.GeoPoint{Latitude: 37.7749, Longitude: -122.4194}
	far := roomstest.Listing(t, "L2", 37.7849, -122.4094)
	near := roomstest.Listing(t, "L1", 37.7749, -122.4194)

	ranked := NearbyWithDistance([]rooms.Listing{far, near}, ref, 5)
	if got := len(ranked); got != 2 {
		t.Fatalf("expected 2 listings, got %d", got)
	}
	if ranked[0].Listing.ID != "L1" || ranked[1].Listing.ID != "L2" {
		t.Fatalf("unexpected order: %s, %s", ranked[0].Listing.ID, ranked[1].Listing.ID)
	}
	if ranked[0].DistanceKm != 0 {
		t.Fatalf("expected zero distance for L1, got %v", ranked[0].DistanceKm)
	}
	if ranked[1].DistanceKm < 1.3 || ranked[1].DistanceKm > 1.5 {
		t.Fatalf("expected roughly 1.4 km for L2, got %v", ranked[1].DistanceKm)
	}
}

func TestNearbyBreaksTiesByID(t *testing.T) {
	ref := rooms.GeoPoint{Latitude: 10, Longitude: 10}
	listings := []rooms.Listing{
		roomstest.Listing(t, "c", 10, 10),
		roomstest.Listing(t, "a", 10, 10),
		roomstest.Listing(t, "b", 10, 10),
	}
	got := roomstest.IDs(Nearby(listings, ref, 1))
	if !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("expected id tie break, got %v", got)
	}
}

func TestNearbySkipsInvalidCoordinatesAndRadius(t *testing.T) {
	ref := rooms.GeoPoint{Latitude: 0, Longitude: 0}
	missing := roomstest.Listing(t, "missing", 0, 0)
	missing.Location.Point = rooms.MissingPoint()
	outOfRange := roomstest.Listing(t, "range", 95, 0)
	valid := roomstest.Listing(t, "valid", 0, 0)
	listings := []rooms.Listing{missing, outOfRange, valid}

	if got := roomstest.IDs(Nearby(listings, ref, 10)); !slices.Equal(got, []string{"valid"}) {
		t.Fatalf("expected only valid listing, got %v", got)
	}
	if got := Nearby(listings, ref, -1); len(got) != 0 {
		t.Fatalf("expected empty result for negative radius, got %v", got)
	}
	if got := Nearby(listings, ref, math.NaN()); len(got) != 0 {
		t.Fatalf("expected empty result for NaN radius, got %v", got)
	}
	if got := Nearby(listings, rooms.MissingPoint(), 10); len(got) != 0 {
		t.Fatalf("expected empty result for invalid reference, got %v", got)
	}
}

func TestNearbyDoesNotAliasInput(t *testing.T) {
	listing := roomstest.Listing(t, "x", 1, 1)
	listing.Amenities = []string{"wifi"}
	result := Nearby([]rooms.Listing{listing}, rooms.GeoPoint{Latitude: 1, Longitude: 1}, 1)
	result[0].Amenities[0] = "changed"
	if listing.Amenities[0] != "wifi" {
		t.Fatalf("ranking result shares slices with input")
	}
}

func TestNearbyRadiusMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	ref := rooms.GeoPoint{Latitude: 48.8566, Longitude: 2.3522}
	listings := make([]rooms.Listing, 0, 60)
	for index := range 60 {
		lat := ref.Latitude + (rng.Float64()-0.5)*0.4
		lng := ref.Longitude + (rng.Float64()-0.5)*0.4
		listings = append(listings, roomstest.Listing(t, string(rune('A'+index%26))+string(rune('a'+index/26)), lat, lng))
	}

	previous := map[rooms.ListingID]bool{}
	for _, radius := range []float64{30, 15, 8, 4, 2, 1, 0.5, 0} {
		current := map[rooms.ListingID]bool{}
		for _, ranked := range NearbyWithDistance(listings, ref, radius) {
			if ranked.DistanceKm > radius {
				t.Fatalf("listing %s at %v km exceeds radius %v", ranked.Listing.ID, ranked.DistanceKm, radius)
			}
			if radius != 30 && !previous[ranked.Listing.ID] {
				t.Fatalf("shrinking radius to %v added listing %s", radius, ranked.Listing.ID)
			}
			current[ranked.Listing.ID] = true
		}
		previous = current
	}
}

func TestDistanceProperties(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for range 200 {
		p := rooms.GeoPoint{Latitude: rng.Float64()*180 - 90, Longitude: rng.Float64()*360 - 180}
		q := rooms.GeoPoint{Latitude: rng.Float64()*180 - 90, Longitude: rng.Float64()*360 - 180}
		if d := Distance(p, p); d != 0 {
			t.Fatalf("expected zero self distance, got %v", d)
		}
		forward := Distance(p, q)
		backward := Distance(q, p)
		if forward < 0 {
			t.Fatalf("negative distance %v", forward)
		}
		if math.Abs(forward-backward) > tolerance {
			t.Fatalf("asymmetric distance %v vs %v", forward, backward)
		}
		if forward > math.Pi*EarthRadiusKm+tolerance {
			t.Fatalf("distance %v exceeds half circumference", forward)
		}
	}
}

func TestPopularOrdersByRatingThenReviews(t *testing.T) {
	listings := []rooms.Listing{
		roomstest.Rated(roomstest.Listing(t, "r48", 0, 0), 4.8, 10),
		roomstest.Rated(roomstest.Listing(t, "r46", 0, 0), 4.6, 50),
		roomstest.Rated(roomstest.Listing(t, "r49", 0, 0), 4.9, 5),
	}
	if got := roomstest.IDs(Popular(listings, 3)); !slices.Equal(got, []string{"r49", "r48", "r46"}) {
		t.Fatalf("unexpected popular order %v", got)
	}

	tied := []rooms.Listing{
		roomstest.Rated(roomstest.Listing(t, "b", 0, 0), 4, 10),
		roomstest.Rated(roomstest.Listing(t, "a", 0, 0), 4, 10),
		roomstest.Rated(roomstest.Listing(t, "c", 0, 0), 4, 20),
	}
	if got := roomstest.IDs(Popular(tied, 5)); !slices.Equal(got, []string{"c", "a", "b"}) {
		t.Fatalf("unexpected tie break order %v", got)
	}
}

func TestPopularLengthAndOrderingProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	listings := make([]rooms.Listing, 0, 25)
	for index := range 25 {
		listing := roomstest.Listing(t, string(rune('a'+index)), 0, 0)
		listings = append(listings, roomstest.Rated(listing, math.Round(rng.Float64()*50)/10, int64(rng.IntN(100))))
	}
	for _, n := range []int{-1, 0, 1, 3, 25, 40} {
		got := Popular(listings, n)
		expected := max(0, min(n, len(listings)))
		if len(got) != expected {
			t.Fatalf("popular(%d) returned %d listings, want %d", n, len(got), expected)
		}
		for index := 1; index < len(got); index++ {
			if got[index].Rating > got[index-1].Rating {
				t.Fatalf("popular(%d) not sorted by rating at %d", n, index)
			}
		}
	}
	if got := Popular(nil, 3); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil result for empty input")
	}
}

func TestFilters(t *testing.T) {
	cheap := roomstest.Listing(t, "cheap", 0, 0)
	cheap.Price = 200
	cheap.Amenities = []string{"wifi"}
	pricey := roomstest.Listing(t, "pricey", 0, 0)
	pricey.Price = 1200
	pricey.Amenities = []string{"parking", "wifi"}
	listings := []rooms.Listing{cheap, pricey}

	low, high := 100.0, 500.0
	if got := roomstest.IDs(FilterByPrice(listings, PriceRange{Min: &low, Max: &high})); !slices.Equal(got, []string{"cheap"}) {
		t.Fatalf("unexpected price filter result %v", got)
	}
	if got := roomstest.IDs(FilterByPrice(listings, PriceRange{Min: &high})); !slices.Equal(got, []string{"pricey"}) {
		t.Fatalf("unexpected open-ended price filter result %v", got)
	}
	if got := roomstest.IDs(FilterByAmenities(listings, []string{"WiFi", "parking"})); !slices.Equal(got, []string{"pricey"}) {
		t.Fatalf("unexpected amenity filter result %v", got)
	}
	if got := FilterByAmenities(listings, nil); len(got) != 2 {
		t.Fatalf("expected no amenity requirement to keep everything, got %d", len(got))
	}
}
