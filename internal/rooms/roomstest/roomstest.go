// Package roomstest provides listing builders shared by package tests.
package roomstest

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/roam/internal/rooms"
)

// BaseTime is the fixed clock reading used by fixtures.
var BaseTime = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

// MustListingID returns a validated listing id or fails the test.
func MustListingID(t testing.TB, value string) rooms.ListingID {
	t.Helper()
	id, err := rooms.NewListingID(value)
	if err != nil {
		t.Fatalf("unexpected listing id error: %v", err)
	}
	return id
}

// MustUserID returns a validated user id or fails the test.
func MustUserID(t testing.TB, value string) rooms.UserID {
	t.Helper()
	id, err := rooms.NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

// Listing builds a valid listing at the given coordinates.
func Listing(t testing.TB, id string, latitude, longitude float64) rooms.Listing {
	t.Helper()
	return rooms.Listing{
		ID:          MustListingID(t, id),
		OwnerID:     MustUserID(t, "owner-"+id),
		Title:       "Room " + id,
		Description: "a room",
		Price:       500,
		Location: rooms.Location{
			Point:   rooms.GeoPoint{Latitude: latitude, Longitude: longitude},
			Address: "somewhere",
		},
		Rating:    3,
		CreatedAt: BaseTime,
		UpdatedAt: BaseTime,
	}
}

// Rated returns a copy of the listing with rating and review count replaced.
func Rated(listing rooms.Listing, rating float64, reviews int64) rooms.Listing {
	listing.Rating = rating
	listing.ReviewCount = reviews
	return listing
}

// IDs extracts listing ids in order.
func IDs(listings []rooms.Listing) []string {
	ids := make([]string, 0, len(listings))
	for _, listing := range listings {
		ids = append(ids, listing.ID.String())
	}
	return ids
}
