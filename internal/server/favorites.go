package server

import (
	"context"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/roam/internal/rooms"
	"github.com/gin-gonic/gin"
)

type favoritesResponse struct {
	ListingIDs []string         `json:"listing_ids"`
	Listings   []listingPayload `json:"listings"`
}

type favoriteStateResponse struct {
	ListingID string `json:"listing_id"`
	Favorite  bool   `json:"favorite"`
}

// holdFavorites keeps the caller's favorites live. Toggle decisions depend on the tracked set.
// The returned release lets the subscription lapse once the user has been idle for favoritesIdle.
func (h *httpHandler) holdFavorites(ctx context.Context, userID rooms.UserID) (func(), error) {
	release, err := h.engine.TrackFavorites(ctx, userID)
	if err != nil {
		return nil, err
	}
	return func() { time.AfterFunc(h.favoritesIdle, release) }, nil
}

func (h *httpHandler) favoritesSnapshot(userID rooms.UserID) favoritesResponse {
	ids := h.engine.FavoriteIDs(userID)
	response := favoritesResponse{
		ListingIDs: make([]string, 0, len(ids)),
		Listings:   make([]listingPayload, 0, len(ids)),
	}
	for _, id := range ids {
		response.ListingIDs = append(response.ListingIDs, id.String())
	}
	favorite := true
	for _, listing := range h.engine.FavoriteListings(userID) {
		payload := newListingPayload(listing)
		payload.Favorite = &favorite
		response.Listings = append(response.Listings, payload)
	}
	return response
}

func (h *httpHandler) handleMyFavorites(c *gin.Context) {
	userID := currentUser(c)
	release, err := h.holdFavorites(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "server.list_favorites", err)
		return
	}
	defer release()
	c.JSON(http.StatusOK, h.favoritesSnapshot(userID))
}

func (h *httpHandler) handleSetFavorite(present bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := currentUser(c)
		listingID, err := rooms.NewListingID(c.Param("id"))
		if err != nil {
			h.writeError(c, "server.set_favorite", err)
			return
		}
		release, err := h.holdFavorites(c.Request.Context(), userID)
		if err != nil {
			h.writeError(c, "server.set_favorite", err)
			return
		}
		defer release()
		if err := h.engine.SetFavorite(c.Request.Context(), userID, listingID, present); err != nil {
			h.writeError(c, "server.set_favorite", err)
			return
		}
		c.JSON(http.StatusOK, favoriteStateResponse{ListingID: listingID.String(), Favorite: present})
	}
}

func (h *httpHandler) handleToggleFavorite(c *gin.Context) {
	userID := currentUser(c)
	listingID, err := rooms.NewListingID(c.Param("id"))
	if err != nil {
		h.writeError(c, "server.toggle_favorite", err)
		return
	}
	release, err := h.holdFavorites(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "server.toggle_favorite", err)
		return
	}
	defer release()
	present, err := h.engine.ToggleFavorite(c.Request.Context(), userID, listingID)
	if err != nil {
		h.writeError(c, "server.toggle_favorite", err)
		return
	}
	c.JSON(http.StatusOK, favoriteStateResponse{ListingID: listingID.String(), Favorite: present})
}
