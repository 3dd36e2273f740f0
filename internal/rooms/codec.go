package rooms

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Collection layout shared with the mobile clients.
const (
	ListingsCollection  = "rooms"
	usersCollection     = "users"
	favoritesCollection = "favorites"

	FieldOwnerID     = "userId"
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldPrice       = "price"
	FieldAddress     = "location"
	FieldLatitude    = "latitude"
	FieldLongitude   = "longitude"
	FieldAmenities   = "amenities"
	FieldImages      = "images"
	FieldRating      = "rating"
	FieldReviewCount = "reviews"
	FieldCreatedAt   = "createdAt"
	FieldUpdatedAt   = "updatedAt"

	FieldFavoriteListingID = "roomId"
	FieldFavoriteAddedAt   = "addedAt"
)

// ListingPath returns the document path of a listing.
func ListingPath(id ListingID) string {
	return ListingsCollection + "/" + id.String()
}

// FavoritesCollection returns the collection path holding a user's favorite edges.
func FavoritesCollection(userID UserID) string {
	return usersCollection + "/" + userID.String() + "/" + favoritesCollection
}

// FavoritePath returns the document path of a favorite edge.
func FavoritePath(userID UserID, listingID ListingID) string {
	return FavoritesCollection(userID) + "/" + listingID.String()
}

// EncodeListing converts a listing into document fields. The id lives in the document path.
// Unusable coordinates are omitted.
func EncodeListing(listing Listing) map[string]any {
	fields := map[string]any{
		FieldOwnerID:     listing.OwnerID.String(),
		FieldTitle:       listing.Title,
		FieldDescription: listing.Description,
		FieldPrice:       listing.Price,
		FieldAddress:     listing.Location.Address,
		FieldAmenities:   stringsOrEmpty(listing.Amenities),
		FieldImages:      stringsOrEmpty(listing.Images),
		FieldRating:      listing.Rating,
		FieldReviewCount: listing.ReviewCount,
		FieldCreatedAt:   listing.CreatedAt.UTC(),
		FieldUpdatedAt:   listing.UpdatedAt.UTC(),
	}
	if listing.Location.Point.Valid() {
		fields[FieldLatitude] = listing.Location.Point.Latitude
		fields[FieldLongitude] = listing.Location.Point.Longitude
	}
	return fields
}

// EncodePatch converts a partial update into the document fields to write.
func EncodePatch(patch ListingPatch, updatedAt time.Time) map[string]any {
	fields := map[string]any{FieldUpdatedAt: updatedAt.UTC()}
	if patch.Title != nil {
		fields[FieldTitle] = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		fields[FieldDescription] = *patch.Description
	}
	if patch.Price != nil {
		fields[FieldPrice] = *patch.Price
	}
	if patch.Location != nil {
		fields[FieldAddress] = patch.Location.Address
		fields[FieldLatitude] = patch.Location.Point.Latitude
		fields[FieldLongitude] = patch.Location.Point.Longitude
	}
	if patch.SetAmenities {
		fields[FieldAmenities] = stringsOrEmpty(NormalizeAmenities(patch.Amenities))
	}
	if patch.SetImages {
		fields[FieldImages] = stringsOrEmpty(patch.Images)
	}
	if patch.Rating != nil {
		fields[FieldRating] = *patch.Rating
	}
	if patch.ReviewCount != nil {
		fields[FieldReviewCount] = *patch.ReviewCount
	}
	return fields
}

// DecodeListing rebuilds a listing from document fields. Missing coordinates decode to MissingPoint.
func DecodeListing(rawID string, data map[string]any) (Listing, error) {
	id, err := NewListingID(rawID)
	if err != nil {
		return Listing{}, err
	}
	ownerID, err := NewUserID(stringField(data, FieldOwnerID))
	if err != nil {
		return Listing{}, fmt.Errorf("listing %s: %w", id, err)
	}

	point := MissingPoint()
	latitude, hasLatitude := numberField(data, FieldLatitude)
	longitude, hasLongitude := numberField(data, FieldLongitude)
	if hasLatitude && hasLongitude {
		point = GeoPoint{Latitude: latitude, Longitude: longitude}
	}

	price, _ := numberField(data, FieldPrice)
	rating, _ := numberField(data, FieldRating)
	reviews, _ := numberField(data, FieldReviewCount)

	listing := Listing{
		ID:          id,
		OwnerID:     ownerID,
		Title:       stringField(data, FieldTitle),
		Description: stringField(data, FieldDescription),
		Price:       price,
		Location: Location{
			Point:   point,
			Address: stringField(data, FieldAddress),
		},
		Amenities:   NormalizeAmenities(stringSliceField(data, FieldAmenities)),
		Images:      stringSliceField(data, FieldImages),
		Rating:      rating,
		ReviewCount: int64(math.Round(reviews)),
		CreatedAt:   timeField(data, FieldCreatedAt),
		UpdatedAt:   timeField(data, FieldUpdatedAt),
	}
	if err := listing.Validate(); err != nil {
		return Listing{}, err
	}
	return listing, nil
}

// EncodeFavorite converts a favorite edge into document fields.
func EncodeFavorite(edge FavoriteEdge) map[string]any {
	return map[string]any{
		FieldFavoriteListingID: edge.ListingID.String(),
		FieldFavoriteAddedAt:   edge.AddedAt.UTC(),
	}
}

// DecodeFavorite rebuilds a favorite edge. The listing id falls back to the document id.
func DecodeFavorite(userID UserID, rawID string, data map[string]any) (FavoriteEdge, error) {
	raw := stringField(data, FieldFavoriteListingID)
	if strings.TrimSpace(raw) == "" {
		raw = rawID
	}
	listingID, err := NewListingID(raw)
	if err != nil {
		return FavoriteEdge{}, err
	}
	return FavoriteEdge{
		UserID:    userID,
		ListingID: listingID,
		AddedAt:   timeField(data, FieldFavoriteAddedAt),
	}, nil
}

func stringsOrEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return append([]string(nil), values...)
}

func stringField(data map[string]any, key string) string {
	switch value := data[key].(type) {
	case string:
		return value
	case fmt.Stringer:
		return value.String()
	default:
		return ""
	}
}

func numberField(data map[string]any, key string) (float64, bool) {
	switch value := data[key].(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int32:
		return float64(value), true
	case int64:
		return float64(value), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func stringSliceField(data map[string]any, key string) []string {
	switch values := data[key].(type) {
	case []string:
		return append([]string(nil), values...)
	case []any:
		out := make([]string, 0, len(values))
		for _, value := range values {
			if text, ok := value.(string); ok {
				out = append(out, text)
			}
		}
		return out
	default:
		return nil
	}
}

func timeField(data map[string]any, key string) time.Time {
	switch value := data[key].(type) {
	case time.Time:
		return value.UTC()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return time.Time{}
		}
		return parsed.UTC()
	case int64:
		return time.Unix(value, 0).UTC()
	case float64:
		return time.Unix(int64(value), 0).UTC()
	default:
		return time.Time{}
	}
}
