// Package engine is the facade the presentation layer talks to. It keeps the canonical listing
// view current through the subscription manager, routes writes to the mutation coordinator and
// computes rankings over the optimistic view.
package engine

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/roam/internal/cache"
	"github.com/MarcoPoloResearchLab/roam/internal/docstore"
	"github.com/MarcoPoloResearchLab/roam/internal/favorites"
	"github.com/MarcoPoloResearchLab/roam/internal/georank"
	"github.com/MarcoPoloResearchLab/roam/internal/mutations"
	"github.com/MarcoPoloResearchLab/roam/internal/rooms"
	"github.com/MarcoPoloResearchLab/roam/internal/subscriptions"
	"go.uber.org/zap"
)

const (
	canonicalConsumer       = "engine.canonical"
	defaultResubscribeDelay = 2 * time.Second

	operationStart       = "engine.start"
	operationGetListing  = "engine.get_listing"
	operationObserve     = "engine.observe"
	operationResubscribe = "engine.resubscribe"
)

// ErrClosed indicates a call after Close.
var ErrClosed = errors.New("engine: closed")

// Config wires the dependencies of an Engine.
type Config struct {
	Store  docstore.Store
	Logger *zap.Logger
	Clock  func() time.Time

	MutationTimeout  time.Duration
	EstablishTimeout time.Duration
	Retry            subscriptions.RetryPolicy
	// ResubscribeDelay separates attempts to re-establish the canonical feed after it terminated.
	ResubscribeDelay time.Duration

	DefaultRadiusKm float64
	DefaultTopN     int

	SubscriptionRecorder subscriptions.Recorder
	MutationRecorder     mutations.Recorder
}

// Engine owns the canonical listing view, the favorites registry and the mutation coordinator.
type Engine struct {
	store            docstore.Store
	logger           *zap.Logger
	resubscribeDelay time.Duration
	defaultRadiusKm  float64
	defaultTopN      int

	listings      *cache.Overlay[rooms.ListingID, rooms.Listing]
	subscriptions *subscriptions.Manager
	coordinator   *mutations.Coordinator
	registry      *favorites.Registry

	lifetime context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup

	mu        sync.Mutex
	started   bool
	closed    bool
	canonical *subscriptions.Handle
}

// New constructs an Engine. Start must be called before listing reads are served.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	radius := cfg.DefaultRadiusKm
	if radius <= 0 {
		radius = georank.DefaultRadiusKm
	}
	topN := cfg.DefaultTopN
	if topN <= 0 {
		topN = georank.DefaultTopN
	}
	resubscribeDelay := cfg.ResubscribeDelay
	if resubscribeDelay <= 0 {
		resubscribeDelay = defaultResubscribeDelay
	}

	manager, err := subscriptions.NewManager(subscriptions.Config{
		Store:            cfg.Store,
		Logger:           logger.Named("subscriptions"),
		EstablishTimeout: cfg.EstablishTimeout,
		Retry:            cfg.Retry,
		Recorder:         cfg.SubscriptionRecorder,
	})
	if err != nil {
		return nil, err
	}
	listings := cache.NewOverlay[rooms.ListingID, rooms.Listing](rooms.Listing.Clone)
	state := favorites.NewState()
	coordinator, err := mutations.NewCoordinator(mutations.Config{
		Store:     cfg.Store,
		Listings:  listings,
		Favorites: state,
		Clock:     cfg.Clock,
		Timeout:   cfg.MutationTimeout,
		Logger:    logger.Named("mutations"),
		Recorder:  cfg.MutationRecorder,
	})
	if err != nil {
		manager.Close()
		return nil, err
	}
	registry, err := favorites.NewRegistry(favorites.RegistryConfig{
		Subscriptions: manager,
		State:         state,
		Mutator:       coordinator,
		Logger:        logger.Named("favorites"),
	})
	if err != nil {
		manager.Close()
		return nil, err
	}

	lifetime, stop := context.WithCancel(context.Background())
	return &Engine{
		store:            cfg.Store,
		logger:           logger,
		resubscribeDelay: resubscribeDelay,
		defaultRadiusKm:  radius,
		defaultTopN:      topN,
		listings:         listings,
		subscriptions:    manager,
		coordinator:      coordinator,
		registry:         registry,
		lifetime:         lifetime,
		stop:             stop,
	}, nil
}

// Start establishes the canonical all-listings feed and returns once the first result set is
// loaded. If the feed later terminates the engine keeps re-establishing it in the background.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	handle, err := e.subscribeCanonical(ctx)
	if err != nil {
		e.logger.Error("canonical feed failed to start",
			zap.String("operation", operationStart),
			zap.Error(err))
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		handle.Cancel()
		return ErrClosed
	}
	e.started = true
	e.canonical = handle
	return nil
}

// Close releases every subscription. The store is owned by the caller and stays open.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.canonical = nil
	e.mu.Unlock()

	e.stop()
	e.wg.Wait()
	e.registry.Close()
	e.subscriptions.Close()
}

// Ready reports whether the canonical view has been loaded.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.closed
}

// Live reports whether the canonical feed is currently established.
func (e *Engine) Live() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canonical != nil && !e.closed
}

// ActiveSubscriptions returns the number of live queries held against the store.
func (e *Engine) ActiveSubscriptions() int {
	return e.subscriptions.ActiveTopics()
}

func (e *Engine) subscribeCanonical(ctx context.Context) (*subscriptions.Handle, error) {
	return e.subscriptions.Subscribe(ctx, subscriptions.AllListings(), canonicalConsumer, subscriptions.Observer{
		OnSnapshot: func(snapshot docstore.Snapshot) {
			e.listings.Replace(e.decodeListings(snapshot))
		},
		OnError: func(err error) {
			e.logger.Error("canonical feed terminated",
				zap.String("operation", operationResubscribe),
				zap.Error(err))
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.closed {
				return
			}
			e.canonical = nil
			e.wg.Add(1)
			go e.resubscribe()
		},
	})
}

// resubscribe re-establishes the canonical feed. The last loaded view stays visible meanwhile.
func (e *Engine) resubscribe() {
	defer e.wg.Done()
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(e.resubscribeDelay)
		select {
		case <-e.lifetime.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		handle, err := e.subscribeCanonical(e.lifetime)
		if err != nil {
			e.logger.Warn("canonical feed resubscribe failed",
				zap.String("operation", operationResubscribe),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			handle.Cancel()
			return
		}
		e.canonical = handle
		e.mu.Unlock()
		e.logger.Info("canonical feed re-established",
			zap.String("operation", operationResubscribe),
			zap.Int("attempt", attempt))
		return
	}
}

// Listings returns every listing of the optimistic view ordered by id.
func (e *Engine) Listings() []rooms.Listing {
	listings := e.listings.Values()
	sortByID(listings)
	return listings
}

// Listing returns one listing from the optimistic view.
func (e *Engine) Listing(id rooms.ListingID) (rooms.Listing, bool) {
	return e.listings.Get(id)
}

// GetListingByID reads one listing directly from the store.
func (e *Engine) GetListingByID(ctx context.Context, id rooms.ListingID) (rooms.Listing, error) {
	document, err := e.store.Get(ctx, rooms.ListingPath(id))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return rooms.Listing{}, rooms.NewListingNotFound(id)
		}
		e.logger.Warn("listing read failed",
			zap.String("operation", operationGetListing),
			zap.String("listing_id", id.String()),
			zap.Error(err))
		return rooms.Listing{}, err
	}
	return rooms.DecodeListing(document.ID, document.Data)
}

// NearbyListings ranks the view by distance from ref. A zero radius selects the default radius.
func (e *Engine) NearbyListings(ref rooms.GeoPoint, radiusKm float64) []rooms.Listing {
	return georank.Nearby(e.listings.Values(), ref, e.radius(radiusKm))
}

// NearbyRanked is NearbyListings with the computed distances.
func (e *Engine) NearbyRanked(ref rooms.GeoPoint, radiusKm float64) []georank.Ranked {
	return georank.NearbyWithDistance(e.listings.Values(), ref, e.radius(radiusKm))
}

// PopularListings returns the topN best rated listings. Zero selects the default count.
func (e *Engine) PopularListings(topN int) []rooms.Listing {
	return georank.Popular(e.listings.Values(), e.topN(topN))
}

// Search narrows the view by price and amenities and, when a reference point is given, by distance.
func (e *Engine) Search(query SearchQuery) []georank.Ranked {
	listings := georank.FilterByAmenities(georank.FilterByPrice(e.listings.Values(), query.Price), query.Amenities)
	if query.Reference != nil {
		return georank.NearbyWithDistance(listings, *query.Reference, e.radius(query.RadiusKm))
	}
	sortByID(listings)
	ranked := make([]georank.Ranked, 0, len(listings))
	for _, listing := range listings {
		ranked = append(ranked, georank.Ranked{Listing: listing})
	}
	return ranked
}

// SearchQuery holds the structured search filters.
type SearchQuery struct {
	Reference *rooms.GeoPoint
	RadiusKm  float64
	Price     georank.PriceRange
	Amenities []string
}

// WatchNearby calls fn with the current ranking and again after every change of the view.
// Calls never overlap and each one reads the view afresh, so the last call reflects the latest
// view. fn runs on the goroutine that changed the view; it must not block or change the view.
func (e *Engine) WatchNearby(ref rooms.GeoPoint, radiusKm float64, fn func([]georank.Ranked)) func() {
	radius := e.radius(radiusKm)
	return e.watch(func() {
		fn(georank.NearbyWithDistance(e.listings.Values(), ref, radius))
	})
}

// WatchPopular calls fn with the current top listings and again after every change of the view,
// under the same ordering rules as WatchNearby.
func (e *Engine) WatchPopular(topN int, fn func([]rooms.Listing)) func() {
	count := e.topN(topN)
	return e.watch(func() {
		fn(georank.Popular(e.listings.Values(), count))
	})
}

func (e *Engine) watch(recompute func()) func() {
	var (
		mu      sync.Mutex
		stopped atomic.Bool
	)
	run := func() {
		mu.Lock()
		defer mu.Unlock()
		if stopped.Load() {
			return
		}
		recompute()
	}
	cancel := e.listings.OnChange(run)
	run()
	return func() {
		stopped.Store(true)
		cancel()
	}
}

// ObserveAllListings streams every result set of the listing collection to fn.
func (e *Engine) ObserveAllListings(ctx context.Context, consumer string, fn func([]rooms.Listing)) (func(), error) {
	return e.observeListings(ctx, subscriptions.AllListings(), consumer, fn)
}

// ObserveUserListings streams the listings owned by ownerID to fn.
func (e *Engine) ObserveUserListings(ctx context.Context, consumer string, ownerID rooms.UserID, fn func([]rooms.Listing)) (func(), error) {
	return e.observeListings(ctx, subscriptions.ListingsByOwner(ownerID), consumer, fn)
}

// ObserveFavorites streams the favorite listing ids of userID to fn in ascending order.
func (e *Engine) ObserveFavorites(ctx context.Context, consumer string, userID rooms.UserID, fn func([]rooms.ListingID)) (func(), error) {
	handle, err := e.subscriptions.Subscribe(ctx, subscriptions.FavoritesByUser(userID), consumer, subscriptions.Observer{
		OnSnapshot: func(snapshot docstore.Snapshot) {
			ids := make([]rooms.ListingID, 0, len(snapshot.Documents))
			for _, document := range snapshot.Documents {
				edge, err := rooms.DecodeFavorite(userID, document.ID, document.Data)
				if err != nil {
					continue
				}
				ids = append(ids, edge.ListingID)
			}
			slices.Sort(ids)
			fn(slices.Compact(ids))
		},
		OnError: e.observerFailed(consumer),
	})
	if err != nil {
		return nil, err
	}
	return handle.Cancel, nil
}

func (e *Engine) observeListings(ctx context.Context, topic subscriptions.Topic, consumer string, fn func([]rooms.Listing)) (func(), error) {
	handle, err := e.subscriptions.Subscribe(ctx, topic, consumer, subscriptions.Observer{
		OnSnapshot: func(snapshot docstore.Snapshot) {
			decoded := e.decodeListings(snapshot)
			listings := make([]rooms.Listing, 0, len(decoded))
			for _, listing := range decoded {
				listings = append(listings, listing)
			}
			sortByID(listings)
			fn(listings)
		},
		OnError: e.observerFailed(consumer),
	})
	if err != nil {
		return nil, err
	}
	return handle.Cancel, nil
}

func (e *Engine) observerFailed(consumer string) func(error) {
	return func(err error) {
		e.logger.Warn("observer feed terminated",
			zap.String("operation", operationObserve),
			zap.String("consumer", consumer),
			zap.Error(err))
	}
}

// CreateListing submits a new listing for ownerID and returns it with the store-assigned id.
func (e *Engine) CreateListing(ctx context.Context, ownerID rooms.UserID, fields rooms.ListingFields) (rooms.Listing, error) {
	return e.coordinator.CreateListing(ctx, ownerID, fields)
}

// UpdateListing applies patch to the listing.
func (e *Engine) UpdateListing(ctx context.Context, id rooms.ListingID, patch rooms.ListingPatch) (rooms.Listing, error) {
	return e.coordinator.UpdateListing(ctx, id, patch)
}

// DeleteListing removes the listing.
func (e *Engine) DeleteListing(ctx context.Context, id rooms.ListingID) error {
	return e.coordinator.DeleteListing(ctx, id)
}

// TrackFavorites keeps the favorites of userID live until the returned release is called.
// Toggles work without tracking, but only a tracked user's set reflects writes made elsewhere.
func (e *Engine) TrackFavorites(ctx context.Context, userID rooms.UserID) (func(), error) {
	return e.registry.Track(ctx, userID)
}

// FavoritesTracked reports whether the favorites of userID are held live.
func (e *Engine) FavoritesTracked(userID rooms.UserID) bool {
	return e.registry.Tracked(userID)
}

// UntrackFavorites drops the favorites subscription of userID even while holders remain.
func (e *Engine) UntrackFavorites(userID rooms.UserID) {
	e.registry.Untrack(userID)
}

// ToggleFavorite flips the favorite and returns the resulting membership.
func (e *Engine) ToggleFavorite(ctx context.Context, userID rooms.UserID, listingID rooms.ListingID) (bool, error) {
	return e.registry.Toggle(ctx, userID, listingID)
}

// SetFavorite forces membership.
func (e *Engine) SetFavorite(ctx context.Context, userID rooms.UserID, listingID rooms.ListingID, present bool) error {
	return e.registry.Set(ctx, userID, listingID, present)
}

// IsFavorite reports membership in the optimistic favorites view.
func (e *Engine) IsFavorite(userID rooms.UserID, listingID rooms.ListingID) bool {
	return e.registry.IsFavorite(userID, listingID)
}

// FavoriteIDs returns the favorite listing ids of userID in ascending order.
func (e *Engine) FavoriteIDs(userID rooms.UserID) []rooms.ListingID {
	return e.registry.Favorites(userID)
}

// FavoriteListings resolves the user's favorites against the view. Favorites whose listing is
// gone are skipped.
func (e *Engine) FavoriteListings(userID rooms.UserID) []rooms.Listing {
	ids := e.registry.Favorites(userID)
	listings := make([]rooms.Listing, 0, len(ids))
	for _, id := range ids {
		if listing, ok := e.listings.Get(id); ok {
			listings = append(listings, listing)
		}
	}
	return listings
}

// OnFavoritesChange registers fn for changes of any user's favorite set.
func (e *Engine) OnFavoritesChange(fn func(rooms.UserID)) func() {
	return e.registry.OnChange(fn)
}

// TrackedFavoriteUsers returns the number of users whose favorites are held live.
func (e *Engine) TrackedFavoriteUsers() int {
	return e.registry.TrackedUsers()
}

// OnListingsChange registers fn for changes of the listing view.
func (e *Engine) OnListingsChange(fn func()) func() {
	return e.listings.OnChange(fn)
}

// PendingMutations returns the number of writes holding or queued on the listing.
func (e *Engine) PendingMutations(id rooms.ListingID) int {
	return e.coordinator.Pending(id)
}

func (e *Engine) decodeListings(snapshot docstore.Snapshot) map[rooms.ListingID]rooms.Listing {
	listings := make(map[rooms.ListingID]rooms.Listing, len(snapshot.Documents))
	for _, document := range snapshot.Documents {
		listing, err := rooms.DecodeListing(document.ID, document.Data)
		if err != nil {
			e.logger.Warn("skipping malformed listing",
				zap.String("document_id", document.ID),
				zap.Error(err))
			continue
		}
		listings[listing.ID] = listing
	}
	return listings
}

func (e *Engine) radius(radiusKm float64) float64 {
	if radiusKm == 0 {
		return e.defaultRadiusKm
	}
	return radiusKm
}

func (e *Engine) topN(topN int) int {
	if topN == 0 {
		return e.defaultTopN
	}
	return topN
}

func sortByID(listings []rooms.Listing) {
	slices.SortFunc(listings, func(a, b rooms.Listing) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})
}
