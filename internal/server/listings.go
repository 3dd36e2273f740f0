package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/roam/internal/engine"
	"github.com/MarcoPoloResearchLab/roam/internal/georank"
	"github.com/MarcoPoloResearchLab/roam/internal/rooms"
	"github.com/gin-gonic/gin"
)

type listingPayload struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Price       float64   `json:"price"`
	Address     string    `json:"address"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	Amenities   []string  `json:"amenities"`
	Images      []string  `json:"images"`
	Rating      float64   `json:"rating"`
	Reviews     int64     `json:"reviews"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	DistanceKm  *float64  `json:"distance_km,omitempty"`
	Favorite    *bool     `json:"favorite,omitempty"`
}

type listingsResponse struct {
	Listings []listingPayload `json:"listings"`
}

type createListingRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Price       float64  `json:"price"`
	Address     string   `json:"address"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Amenities   []string `json:"amenities"`
	// AmenitiesText accepts the comma separated form input.
	AmenitiesText string   `json:"amenities_text"`
	Images        []string `json:"images"`
}

type updateListingRequest struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Price       *float64  `json:"price"`
	Address     *string   `json:"address"`
	Latitude    *float64  `json:"latitude"`
	Longitude   *float64  `json:"longitude"`
	Amenities   *[]string `json:"amenities"`
	Images      *[]string `json:"images"`
	Rating      *float64  `json:"rating"`
	Reviews     *int64    `json:"reviews"`
}

func newListingPayload(listing rooms.Listing) listingPayload {
	payload := listingPayload{
		ID:          listing.ID.String(),
		OwnerID:     listing.OwnerID.String(),
		Title:       listing.Title,
		Description: listing.Description,
		Price:       listing.Price,
		Address:     listing.Location.Address,
		Amenities:   nonNil(listing.Amenities),
		Images:      nonNil(listing.Images),
		Rating:      listing.Rating,
		Reviews:     listing.ReviewCount,
		CreatedAt:   listing.CreatedAt,
		UpdatedAt:   listing.UpdatedAt,
	}
	if listing.Location.Point.Valid() {
		latitude := listing.Location.Point.Latitude
		longitude := listing.Location.Point.Longitude
		payload.Latitude = &latitude
		payload.Longitude = &longitude
	}
	return payload
}

func newListingsResponse(listings []rooms.Listing) listingsResponse {
	response := listingsResponse{Listings: make([]listingPayload, 0, len(listings))}
	for _, listing := range listings {
		response.Listings = append(response.Listings, newListingPayload(listing))
	}
	return response
}

func newRankedResponse(ranked []georank.Ranked, withDistance bool) listingsResponse {
	response := listingsResponse{Listings: make([]listingPayload, 0, len(ranked))}
	for _, entry := range ranked {
		payload := newListingPayload(entry.Listing)
		if withDistance {
			distance := entry.DistanceKm
			payload.DistanceKm = &distance
		}
		response.Listings = append(response.Listings, payload)
	}
	return response
}

func (h *httpHandler) handleListRooms(c *gin.Context) {
	query := engine.SearchQuery{}
	reference, hasReference, err := parseReference(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return
	}
	if hasReference {
		query.Reference = &reference
	}
	if query.RadiusKm, err = optionalFloat(c, "radius_km"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return
	}
	if query.Price.Min, err = optionalFloatPointer(c, "min_price"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return
	}
	if query.Price.Max, err = optionalFloatPointer(c, "max_price"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return
	}
	query.Amenities = rooms.ParseAmenities(c.Query("amenities"))

	c.JSON(http.StatusOK, newRankedResponse(h.engine.Search(query), hasReference))
}

func (h *httpHandler) handleNearbyRooms(c *gin.Context) {
	reference, hasReference, err := parseReference(c)
	if err != nil || !hasReference {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": "lat and lng are required"})
		return
	}
	radius, err := optionalFloat(c, "radius_km")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, newRankedResponse(h.engine.NearbyRanked(reference, radius), true))
}

func (h *httpHandler) handlePopularRooms(c *gin.Context) {
	topN := 0
	if raw := strings.TrimSpace(c.Query("top_n")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": "top_n must be a non-negative integer"})
			return
		}
		topN = parsed
	}
	c.JSON(http.StatusOK, newListingsResponse(h.engine.PopularListings(topN)))
}

func (h *httpHandler) handleGetRoom(c *gin.Context) {
	id, err := rooms.NewListingID(c.Param("id"))
	if err != nil {
		h.writeError(c, "server.get_room", err)
		return
	}
	listing, err := h.engine.GetListingByID(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "server.get_room", err)
		return
	}
	c.JSON(http.StatusOK, newListingPayload(listing))
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	var request createListingRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Latitude == nil || request.Longitude == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": "latitude and longitude are required"})
		return
	}
	amenities := request.Amenities
	if len(amenities) == 0 {
		amenities = rooms.ParseAmenities(request.AmenitiesText)
	}
	fields := rooms.ListingFields{
		Title:       request.Title,
		Description: request.Description,
		Price:       request.Price,
		Location: rooms.Location{
			Point:   rooms.GeoPoint{Latitude: *request.Latitude, Longitude: *request.Longitude},
			Address: request.Address,
		},
		Amenities: amenities,
		Images:    request.Images,
	}
	listing, err := h.engine.CreateListing(c.Request.Context(), currentUser(c), fields)
	if err != nil {
		h.writeError(c, "server.create_room", err)
		return
	}
	c.JSON(http.StatusCreated, newListingPayload(listing))
}

func (h *httpHandler) handleUpdateRoom(c *gin.Context) {
	id, ok := h.ownedListing(c, "server.update_room")
	if !ok {
		return
	}
	var request updateListingRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	patch, err := request.patch(h.currentLocation(c, id))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return
	}
	listing, err := h.engine.UpdateListing(c.Request.Context(), id, patch)
	if err != nil {
		h.writeError(c, "server.update_room", err)
		return
	}
	c.JSON(http.StatusOK, newListingPayload(listing))
}

func (h *httpHandler) handleDeleteRoom(c *gin.Context) {
	id, ok := h.ownedListing(c, "server.delete_room")
	if !ok {
		return
	}
	if err := h.engine.DeleteListing(c.Request.Context(), id); err != nil {
		h.writeError(c, "server.delete_room", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMyRooms(c *gin.Context) {
	owner := currentUser(c)
	owned := make([]rooms.Listing, 0)
	for _, listing := range h.engine.Listings() {
		if listing.OwnerID == owner {
			owned = append(owned, listing)
		}
	}
	c.JSON(http.StatusOK, newListingsResponse(owned))
}

// ownedListing resolves the :id parameter and answers 403 unless the caller owns the listing.
func (h *httpHandler) ownedListing(c *gin.Context, operation string) (rooms.ListingID, bool) {
	id, err := rooms.NewListingID(c.Param("id"))
	if err != nil {
		h.writeError(c, operation, err)
		return "", false
	}
	listing, ok := h.engine.Listing(id)
	if !ok {
		listing, err = h.engine.GetListingByID(c.Request.Context(), id)
		if err != nil {
			h.writeError(c, operation, err)
			return "", false
		}
	}
	if listing.OwnerID != currentUser(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return "", false
	}
	return id, true
}

func (h *httpHandler) currentLocation(c *gin.Context, id rooms.ListingID) rooms.Location {
	if listing, ok := h.engine.Listing(id); ok {
		return listing.Location
	}
	if listing, err := h.engine.GetListingByID(c.Request.Context(), id); err == nil {
		return listing.Location
	}
	return rooms.Location{Point: rooms.MissingPoint()}
}

// patch converts the request; a partial location is completed from current.
func (r updateListingRequest) patch(current rooms.Location) (rooms.ListingPatch, error) {
	patch := rooms.ListingPatch{
		Title:       r.Title,
		Description: r.Description,
		Price:       r.Price,
		Rating:      r.Rating,
		ReviewCount: r.Reviews,
	}
	if r.Address != nil || r.Latitude != nil || r.Longitude != nil {
		location := current
		if r.Address != nil {
			location.Address = *r.Address
		}
		if r.Latitude != nil {
			location.Point.Latitude = *r.Latitude
		}
		if r.Longitude != nil {
			location.Point.Longitude = *r.Longitude
		}
		if !location.Point.Valid() {
			return rooms.ListingPatch{}, errInvalidCoordinates
		}
		patch.Location = &location
	}
	if r.Amenities != nil {
		patch.SetAmenities = true
		patch.Amenities = *r.Amenities
	}
	if r.Images != nil {
		patch.SetImages = true
		patch.Images = *r.Images
	}
	return patch, nil
}

func parseReference(c *gin.Context) (rooms.GeoPoint, bool, error) {
	rawLatitude := strings.TrimSpace(c.Query("lat"))
	rawLongitude := strings.TrimSpace(c.Query("lng"))
	if rawLatitude == "" && rawLongitude == "" {
		return rooms.GeoPoint{}, false, nil
	}
	latitude, latitudeErr := strconv.ParseFloat(rawLatitude, 64)
	longitude, longitudeErr := strconv.ParseFloat(rawLongitude, 64)
	if latitudeErr != nil || longitudeErr != nil {
		return rooms.GeoPoint{}, false, errInvalidCoordinates
	}
	point := rooms.GeoPoint{Latitude: latitude, Longitude: longitude}
	if !point.Valid() {
		return rooms.GeoPoint{}, false, errInvalidCoordinates
	}
	return point, true, nil
}

func optionalFloat(c *gin.Context, key string) (float64, error) {
	value, err := optionalFloatPointer(c, key)
	if err != nil || value == nil {
		return 0, err
	}
	return *value, nil
}

func optionalFloatPointer(c *gin.Context, key string) (*float64, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be a number", key)
	}
	return &value, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
