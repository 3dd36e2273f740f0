package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/roam/internal/auth"
	"github.com/MarcoPoloResearchLab/roam/internal/engine"
	"github.com/MarcoPoloResearchLab/roam/internal/rooms"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey            = "roam_user_id"
	defaultHeartbeatInterval    = 25 * time.Second
	defaultFavoritesIdleTimeout = 2 * time.Minute
)

var (
	errMissingEngine           = errors.New("engine dependency required")
	errMissingSessionValidator = errors.New("session validator dependency required")
	errInvalidCoordinates      = errors.New("coordinates must be finite and in range")
)

// SessionValidator authenticates requests to the protected routes.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// RequestRecorder observes served requests.
type RequestRecorder interface {
	RequestCompleted(method, route string, status int, elapsed time.Duration)
}

type Dependencies struct {
	Engine   *engine.Engine
	Sessions SessionValidator
	Logger   *zap.Logger
	// Metrics and MetricsHandler are optional; /metrics is served only with a handler.
	Metrics           RequestRecorder
	MetricsHandler    http.Handler
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	// FavoritesIdleTimeout is how long a user's favorites stay live after their last request.
	FavoritesIdleTimeout time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	favoritesIdle := deps.FavoritesIdleTimeout
	if favoritesIdle <= 0 {
		favoritesIdle = defaultFavoritesIdleTimeout
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(recordRequests(deps.Metrics))
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: len(origins) != 1 || origins[0] != "*",
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		engine:        deps.Engine,
		sessions:      deps.Sessions,
		dispatcher:    NewRealtimeDispatcher(),
		logger:        logger,
		heartbeat:     heartbeat,
		favoritesIdle: favoritesIdle,
	}
	deps.Engine.OnListingsChange(func() {
		handler.dispatcher.Publish(RealtimeMessage{
			Channel:   realtimeChannelListings,
			EventType: RealtimeEventListingsChanged,
			Timestamp: time.Now().UTC(),
		})
	})
	deps.Engine.OnFavoritesChange(func(userID rooms.UserID) {
		handler.dispatcher.Publish(RealtimeMessage{
			Channel:   favoritesChannel(userID.String()),
			EventType: RealtimeEventFavoritesChanged,
			Timestamp: time.Now().UTC(),
		})
	})

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	router.GET("/rooms", handler.handleListRooms)
	router.GET("/rooms/nearby", handler.handleNearbyRooms)
	router.GET("/rooms/popular", handler.handlePopularRooms)
	router.GET("/rooms/stream", handler.handleRoomsStream)
	router.GET("/rooms/:id", handler.handleGetRoom)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/rooms", handler.handleCreateRoom)
	protected.PATCH("/rooms/:id", handler.handleUpdateRoom)
	protected.DELETE("/rooms/:id", handler.handleDeleteRoom)
	protected.GET("/me/rooms", handler.handleMyRooms)
	protected.GET("/me/favorites", handler.handleMyFavorites)
	protected.PUT("/me/favorites/:id", handler.handleSetFavorite(true))
	protected.DELETE("/me/favorites/:id", handler.handleSetFavorite(false))
	protected.POST("/me/favorites/:id/toggle", handler.handleToggleFavorite)
	protected.GET("/me/stream", handler.handleFavoritesStream)

	return router, nil
}

type httpHandler struct {
	engine        *engine.Engine
	sessions      SessionValidator
	dispatcher    *RealtimeDispatcher
	logger        *zap.Logger
	heartbeat     time.Duration
	favoritesIdle time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	status := http.StatusOK
	state := "ok"
	if !h.engine.Ready() {
		status = http.StatusServiceUnavailable
		state = "starting"
	} else if !h.engine.Live() {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":       state,
		"live_queries": h.engine.ActiveSubscriptions(),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Debug("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := rooms.NewUserID(claims.UserID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func currentUser(c *gin.Context) rooms.UserID {
	value, _ := c.Get(userIDContextKey)
	userID, _ := value.(rooms.UserID)
	return userID
}

// writeError maps domain errors onto HTTP statuses.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	var (
		mutationErr     *rooms.MutationError
		subscriptionErr *rooms.SubscriptionError
	)
	switch {
	case errors.Is(err, rooms.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, rooms.ErrInvalidListing),
		errors.Is(err, rooms.ErrInvalidListingID),
		errors.Is(err, rooms.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	case errors.As(err, &mutationErr):
		h.logger.Warn("mutation rejected",
			zap.String("operation", operation),
			zap.String("code", mutationErr.Code()),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "mutation_failed", "code": mutationErr.Code()})
	case errors.As(err, &subscriptionErr):
		h.logger.Warn("subscription unavailable",
			zap.String("operation", operation),
			zap.String("code", subscriptionErr.Code()),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "subscription_unavailable", "code": subscriptionErr.Code()})
	default:
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func recordRequests(recorder RequestRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		recorder.RequestCompleted(c.Request.Method, route, c.Writer.Status(), time.Since(started))
	}
}
