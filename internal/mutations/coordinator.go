// Package mutations applies listing and favorite writes optimistically and unwinds them on failure.
package mutations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/roam/internal/cache"
	"github.com/MarcoPoloResearchLab/roam/internal/docstore"
	"github.com/MarcoPoloResearchLab/roam/internal/favorites"
	"github.com/MarcoPoloResearchLab/roam/internal/rooms"
	"go.uber.org/zap"
)

const (
	opCreateListing  = "mutations.create_listing"
	opUpdateListing  = "mutations.update_listing"
	opDeleteListing  = "mutations.delete_listing"
	opSetFavorite    = "mutations.set_favorite"
	opToggleFavorite = "mutations.toggle_favorite"

	defaultTimeout = 15 * time.Second
)

var noOpLogger = zap.NewNop()

// Recorder observes completed mutations.
type Recorder interface {
	MutationCompleted(operation string, err error, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) MutationCompleted(string, error, time.Duration) {}

// Config wires the dependencies of a Coordinator.
type Config struct {
	Store     docstore.Store
	Listings  *cache.Overlay[rooms.ListingID, rooms.Listing]
	Favorites *favorites.State
	Clock     func() time.Time
	// Timeout bounds every store call. Store calls are detached from caller cancellation.
	Timeout  time.Duration
	Logger   *zap.Logger
	Recorder Recorder
}

// Coordinator is the single writer of optimistic listing and favorite state.
type Coordinator struct {
	store     docstore.Store
	listings  *cache.Overlay[rooms.ListingID, rooms.Listing]
	favorites *favorites.State
	clock     func() time.Time
	timeout   time.Duration
	logger    *zap.Logger
	recorder  Recorder
	queue     *keyedQueue
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("mutations: store is required")
	}
	if cfg.Listings == nil {
		return nil, errors.New("mutations: listing cache is required")
	}
	if cfg.Favorites == nil {
		return nil, errors.New("mutations: favorite state is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Coordinator{
		store:     cfg.Store,
		listings:  cfg.Listings,
		favorites: cfg.Favorites,
		clock:     clock,
		timeout:   timeout,
		logger:    logger,
		recorder:  recorder,
		queue:     newKeyedQueue(),
	}, nil
}

// CreateListing validates and submits a new listing. Nothing is applied locally before the store
// assigns an id; on success the listing is confirmed into the cache and returned with that id.
func (c *Coordinator) CreateListing(ctx context.Context, ownerID rooms.UserID, fields rooms.ListingFields) (listing rooms.Listing, err error) {
	started := time.Now()
	defer func() { c.recorder.MutationCompleted(opCreateListing, err, time.Since(started)) }()

	const key = "listing:new"
	if ownerID == "" {
		return rooms.Listing{}, c.fail(opCreateListing, "invalid_owner", key, rooms.ErrInvalidUserID)
	}
	if err := fields.Validate(); err != nil {
		return rooms.Listing{}, c.fail(opCreateListing, "invalid_listing", key, err)
	}
	if err := ctx.Err(); err != nil {
		return rooms.Listing{}, c.fail(opCreateListing, "cancelled", key, err)
	}

	candidate := rooms.NewListing(ownerID, fields, c.clock().UTC())
	storeCtx, cancel := c.storeContext(ctx)
	defer cancel()
	rawID, err := c.store.Add(storeCtx, rooms.ListingsCollection, rooms.EncodeListing(candidate))
	if err != nil {
		return rooms.Listing{}, c.fail(opCreateListing, "store_rejected", key, err)
	}
	id, err := rooms.NewListingID(rawID)
	if err != nil {
		return rooms.Listing{}, c.fail(opCreateListing, "invalid_assigned_id", key, err)
	}
	candidate.ID = id
	c.listings.Confirm(id, candidate)
	return candidate.Clone(), nil
}

// UpdateListing patches a listing. The cached listing is patched before the store call and
// restored if the store rejects the write. A listing missing from the cache is read from the
// store first and updated without an optimistic step.
func (c *Coordinator) UpdateListing(ctx context.Context, id rooms.ListingID, patch rooms.ListingPatch) (updated rooms.Listing, err error) {
	started := time.Now()
	defer func() { c.recorder.MutationCompleted(opUpdateListing, err, time.Since(started)) }()

	key := listingKey(id)
	release, err := c.queue.acquire(ctx, key)
	if err != nil {
		return rooms.Listing{}, c.fail(opUpdateListing, "cancelled", key, err)
	}
	defer release()

	current, cached, err := c.currentListing(ctx, id)
	if err != nil {
		return rooms.Listing{}, c.fail(opUpdateListing, "lookup_failed", key, err)
	}
	if patch.Empty() {
		return current, nil
	}
	next, err := current.Apply(patch, c.clock().UTC())
	if err != nil {
		return rooms.Listing{}, c.fail(opUpdateListing, "invalid_patch", key, err)
	}

	var record *cache.Pending[rooms.ListingID, rooms.Listing]
	if cached {
		record = c.listings.Apply(id, next, true)
	}
	storeCtx, cancel := c.storeContext(ctx)
	defer cancel()
	if err := c.store.Update(storeCtx, rooms.ListingPath(id), rooms.EncodePatch(patch, next.UpdatedAt)); err != nil {
		if record != nil {
			c.listings.Rollback(record)
		}
		return rooms.Listing{}, c.fail(opUpdateListing, "store_rejected", key, mapStoreError(id, err))
	}
	if record != nil {
		c.listings.Commit(record)
	}
	return next, nil
}

// DeleteListing removes a listing locally, then from the store, restoring it on failure.
func (c *Coordinator) DeleteListing(ctx context.Context, id rooms.ListingID) (err error) {
	started := time.Now()
	defer func() { c.recorder.MutationCompleted(opDeleteListing, err, time.Since(started)) }()

	key := listingKey(id)
	release, err := c.queue.acquire(ctx, key)
	if err != nil {
		return c.fail(opDeleteListing, "cancelled", key, err)
	}
	defer release()

	var record *cache.Pending[rooms.ListingID, rooms.Listing]
	if c.listings.Has(id) {
		record = c.listings.Apply(id, rooms.Listing{}, false)
	}
	storeCtx, cancel := c.storeContext(ctx)
	defer cancel()
	if err := c.store.Delete(storeCtx, rooms.ListingPath(id)); err != nil {
		if record != nil {
			c.listings.Rollback(record)
		}
		return c.fail(opDeleteListing, "store_rejected", key, err)
	}
	if record != nil {
		c.listings.Commit(record)
	}
	return nil
}

// SetFavorite makes the favorite edge present or absent. Writing the current state is a no-op.
func (c *Coordinator) SetFavorite(ctx context.Context, userID rooms.UserID, listingID rooms.ListingID, present bool) (err error) {
	started := time.Now()
	defer func() { c.recorder.MutationCompleted(opSetFavorite, err, time.Since(started)) }()

	key := favoriteKey(userID, listingID)
	release, err := c.queue.acquire(ctx, key)
	if err != nil {
		return c.fail(opSetFavorite, "cancelled", key, err)
	}
	defer release()

	if c.favorites.Contains(userID, listingID) == present {
		return nil
	}
	return c.writeFavorite(ctx, opSetFavorite, key, userID, listingID, present)
}

// ToggleFavorite flips the favorite edge and returns the resulting membership. The decision is
// taken once every earlier request for the same pair has completed.
func (c *Coordinator) ToggleFavorite(ctx context.Context, userID rooms.UserID, listingID rooms.ListingID) (present bool, err error) {
	started := time.Now()
	defer func() { c.recorder.MutationCompleted(opToggleFavorite, err, time.Since(started)) }()

	key := favoriteKey(userID, listingID)
	release, err := c.queue.acquire(ctx, key)
	if err != nil {
		return false, c.fail(opToggleFavorite, "cancelled", key, err)
	}
	defer release()

	present = !c.favorites.Contains(userID, listingID)
	if err := c.writeFavorite(ctx, opToggleFavorite, key, userID, listingID, present); err != nil {
		return !present, err
	}
	return present, nil
}

// Pending returns the number of requests holding or queued on the listing.
func (c *Coordinator) Pending(id rooms.ListingID) int {
	return c.queue.depth(listingKey(id))
}

func (c *Coordinator) writeFavorite(ctx context.Context, operation, key string, userID rooms.UserID, listingID rooms.ListingID, present bool) error {
	if userID == "" || listingID == "" {
		return c.fail(operation, "invalid_edge", key, errors.Join(rooms.ErrInvalidUserID, rooms.ErrInvalidListingID))
	}
	edges := c.favorites.For(userID)
	edge := rooms.FavoriteEdge{UserID: userID, ListingID: listingID, AddedAt: c.clock().UTC()}
	record := edges.Apply(listingID, edge, present)

	storeCtx, cancel := c.storeContext(ctx)
	defer cancel()
	path := rooms.FavoritePath(userID, listingID)
	var err error
	if present {
		err = c.store.Set(storeCtx, path, rooms.EncodeFavorite(edge))
	} else {
		err = c.store.Delete(storeCtx, path)
	}
	if err != nil {
		edges.Rollback(record)
		return c.fail(operation, "store_rejected", key, err)
	}
	edges.Commit(record)
	return nil
}

func (c *Coordinator) currentListing(ctx context.Context, id rooms.ListingID) (rooms.Listing, bool, error) {
	if listing, ok := c.listings.Get(id); ok {
		return listing, true, nil
	}
	storeCtx, cancel := c.storeContext(ctx)
	defer cancel()
	document, err := c.store.Get(storeCtx, rooms.ListingPath(id))
	if err != nil {
		return rooms.Listing{}, false, mapStoreError(id, err)
	}
	listing, err := rooms.DecodeListing(document.ID, document.Data)
	if err != nil {
		return rooms.Listing{}, false, err
	}
	return listing, false, nil
}

// storeContext keeps caller values but not caller cancellation, so a submitted write always
// completes and its rollback always runs.
func (c *Coordinator) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
}

func (c *Coordinator) fail(operation, reason, key string, cause error) error {
	c.logger.Warn("mutation failed",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("key", key),
		zap.Error(cause))
	return &rooms.MutationError{Op: fmt.Sprintf("%s.%s", operation, reason), Key: key, Err: cause}
}

func mapStoreError(id rooms.ListingID, err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return errors.Join(rooms.NewListingNotFound(id), err)
	}
	return err
}

func listingKey(id rooms.ListingID) string {
	return "listing:" + id.String()
}

func favoriteKey(userID rooms.UserID, listingID rooms.ListingID) string {
	return "favorite:" + userID.String() + "/" + listingID.String()
}
