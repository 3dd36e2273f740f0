package rooms

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"
)

const (
	maxIdentifierLength = 190
	// MaxImages bounds the number of image references stored on a listing.
	MaxImages = 3
	// MaxRating is the upper bound of the rating scale.
	MaxRating = 5.0
)

var (
	// ErrInvalidListingID indicates that a listing identifier is empty or exceeds storage bounds.
	ErrInvalidListingID = errors.New("rooms: invalid listing id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("rooms: invalid user id")
	// ErrInvalidListing indicates that listing attributes violate the listing invariants.
	ErrInvalidListing = errors.New("rooms: invalid listing")
)

// ListingID represents a validated listing identifier.
type ListingID string

// NewListingID validates raw input and returns a ListingID.
func NewListingID(rawInput string) (ListingID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidListingID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidListingID, maxIdentifierLength)
	}
	if strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("%w: contains path separator", ErrInvalidListingID)
	}
	return ListingID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ListingID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	if strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("%w: contains path separator", ErrInvalidUserID)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// GeoPoint is a latitude/longitude pair in degrees.
type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// Valid reports whether the point carries finite, in-range coordinates.
func (p GeoPoint) Valid() bool {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) {
		return false
	}
	if math.IsInf(p.Latitude, 0) || math.IsInf(p.Longitude, 0) {
		return false
	}
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

// MissingPoint is used for documents that carry no usable coordinates.
func MissingPoint() GeoPoint {
	return GeoPoint{Latitude: math.NaN(), Longitude: math.NaN()}
}

// Location pairs coordinates with the human readable address.
type Location struct {
	Point   GeoPoint
	Address string
}

// Listing is a room advertisement held by value in every cache and view.
type Listing struct {
	ID          ListingID
	OwnerID     UserID
	Title       string
	Description string
	Price       float64
	Location    Location
	Amenities   []string
	Images      []string
	Rating      float64
	ReviewCount int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep copy that shares no slices with the receiver.
func (l Listing) Clone() Listing {
	copied := l
	copied.Amenities = slices.Clone(l.Amenities)
	copied.Images = slices.Clone(l.Images)
	return copied
}

// Validate checks the invariants every stored listing holds. A title is required only when an
// owner writes one; stored documents without a title stay visible.
func (l Listing) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidListing)
	}
	if l.OwnerID == "" {
		return fmt.Errorf("%w: missing owner", ErrInvalidListing)
	}
	return validateAttributes(l.Price, l.Images, l.Rating, l.ReviewCount)
}

func validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title required", ErrInvalidListing)
	}
	return nil
}

func validateAttributes(price float64, images []string, rating float64, reviewCount int64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
		return fmt.Errorf("%w: price must be non-negative, got %v", ErrInvalidListing, price)
	}
	if len(images) > MaxImages {
		return fmt.Errorf("%w: at most %d images, got %d", ErrInvalidListing, MaxImages, len(images))
	}
	if math.IsNaN(rating) || rating < 0 || rating > MaxRating {
		return fmt.Errorf("%w: rating must be within [0,%v], got %v", ErrInvalidListing, MaxRating, rating)
	}
	if reviewCount < 0 {
		return fmt.Errorf("%w: review count must be non-negative, got %d", ErrInvalidListing, reviewCount)
	}
	return nil
}

// ListingFields captures the owner-supplied attributes of a new listing.
type ListingFields struct {
	Title       string
	Description string
	Price       float64
	Location    Location
	Amenities   []string
	Images      []string
	Rating      float64
	ReviewCount int64
}

// Validate checks the create-time invariants.
func (f ListingFields) Validate() error {
	if !f.Location.Point.Valid() {
		return fmt.Errorf("%w: invalid coordinates", ErrInvalidListing)
	}
	if err := validateTitle(f.Title); err != nil {
		return err
	}
	return validateAttributes(f.Price, f.Images, f.Rating, f.ReviewCount)
}

// NewListing builds the listing that will be submitted for the owner, stamped at the provided time.
func NewListing(ownerID UserID, fields ListingFields, stampedAt time.Time) Listing {
	return Listing{
		OwnerID:     ownerID,
		Title:       strings.TrimSpace(fields.Title),
		Description: fields.Description,
		Price:       fields.Price,
		Location:    fields.Location,
		Amenities:   NormalizeAmenities(fields.Amenities),
		Images:      slices.Clone(fields.Images),
		Rating:      fields.Rating,
		ReviewCount: fields.ReviewCount,
		CreatedAt:   stampedAt,
		UpdatedAt:   stampedAt,
	}
}

// ListingPatch carries a partial update. Nil fields are left untouched.
type ListingPatch struct {
	Title       *string
	Description *string
	Price       *float64
	Location    *Location
	Amenities   []string
	Images      []string
	Rating      *float64
	ReviewCount *int64

	// SetAmenities and SetImages distinguish "replace with empty" from "leave untouched".
	SetAmenities bool
	SetImages    bool
}

// Empty reports whether the patch changes nothing.
func (p ListingPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Price == nil && p.Location == nil &&
		!p.SetAmenities && !p.SetImages && p.Rating == nil && p.ReviewCount == nil
}

// Apply returns a copy of the listing with the patch and the new update time applied.
func (l Listing) Apply(patch ListingPatch, updatedAt time.Time) (Listing, error) {
	next := l.Clone()
	if patch.Title != nil {
		if err := validateTitle(*patch.Title); err != nil {
			return Listing{}, err
		}
		next.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Price != nil {
		next.Price = *patch.Price
	}
	if patch.Location != nil {
		if !patch.Location.Point.Valid() {
			return Listing{}, fmt.Errorf("%w: invalid coordinates", ErrInvalidListing)
		}
		next.Location = *patch.Location
	}
	if patch.SetAmenities {
		next.Amenities = NormalizeAmenities(patch.Amenities)
	}
	if patch.SetImages {
		next.Images = slices.Clone(patch.Images)
	}
	if patch.Rating != nil {
		next.Rating = *patch.Rating
	}
	if patch.ReviewCount != nil {
		next.ReviewCount = *patch.ReviewCount
	}
	next.UpdatedAt = updatedAt
	if err := next.Validate(); err != nil {
		return Listing{}, err
	}
	return next, nil
}

// FavoriteEdge records that a user bookmarked a listing.
type FavoriteEdge struct {
	UserID    UserID
	ListingID ListingID
	AddedAt   time.Time
}

// NormalizeAmenities trims entries, drops empty ones, removes duplicates and sorts the result.
func NormalizeAmenities(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	normalized := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	if len(normalized) == 0 {
		return nil
	}
	sort.Strings(normalized)
	return normalized
}

// ParseAmenities splits a comma separated amenity list as entered on the listing form.
func ParseAmenities(raw string) []string {
	return NormalizeAmenities(strings.Split(raw, ","))
}
