package favorites_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/roam/internal/cache"
	"github.com/MarcoPoloResearchLab/roam/internal/docstore"
	"github.com/MarcoPoloResearchLab/roam/internal/docstore/docstoretest"
	"github.com/MarcoPoloResearchLab/roam/internal/favorites"
	"github.com/MarcoPoloResearchLab/roam/internal/mutations"
	"github.com/MarcoPoloResearchLab/roam/internal/rooms"
	"github.com/MarcoPoloResearchLab/roam/internal/rooms/roomstest"
	"github.com/MarcoPoloResearchLab/roam/internal/subscriptions"
)

type registryFixture struct {
	store    *docstoretest.Faulty
	listens  *listenGate
	manager  *subscriptions.Manager
	state    *favorites.State
	registry *favorites.Registry
}

// listenGate holds Listen calls for one collection until released.
type listenGate struct {
	docstore.Store

	mu         sync.Mutex
	collection string
	entered    chan struct{}
	open       chan struct{}
}

func (g *listenGate) hold(collection string) (entered <-chan struct{}, release func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.collection = collection
	g.entered = make(chan struct{}, 1)
	g.open = make(chan struct{})
	var once sync.Once
	open := g.open
	return g.entered, func() { once.Do(func() { close(open) }) }
}

func (g *listenGate) Listen(ctx context.Context, query docstore.Query) (docstore.Stream, error) {
	g.mu.Lock()
	held := g.collection != "" && query.Collection == g.collection
	entered, open := g.entered, g.open
	g.mu.Unlock()
	if held {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-open:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Store.Listen(ctx, query)
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	store := docstoretest.NewFaulty(docstoretest.NewLocal(t))
	listens := &listenGate{Store: store}
	manager, err := subscriptions.NewManager(subscriptions.Config{Store: listens, EstablishTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("unexpected manager error: %v", err)
	}
	t.Cleanup(manager.Close)

	state := favorites.NewState()
	coordinator, err := mutations.NewCoordinator(mutations.Config{
		Store:     store,
		Listings:  cache.NewOverlay[rooms.ListingID, rooms.Listing](rooms.Listing.Clone),
		Favorites: state,
		Timeout:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected coordinator error: %v", err)
	}
	registry, err := favorites.NewRegistry(favorites.RegistryConfig{
		Subscriptions: manager,
		State:         state,
		Mutator:       coordinator,
	})
	if err != nil {
		t.Fatalf("unexpected registry error: %v", err)
	}
	t.Cleanup(registry.Close)
	return &registryFixture{store: store, listens: listens, manager: manager, state: state, registry: registry}
}

func (f *registryFixture) seedFavorite(t *testing.T, userID rooms.UserID, listingID rooms.ListingID) {
	t.Helper()
	edge := rooms.FavoriteEdge{UserID: userID, ListingID: listingID, AddedAt: roomstest.BaseTime}
	if err := f.store.Set(context.Background(), rooms.FavoritePath(userID, listingID), rooms.EncodeFavorite(edge)); err != nil {
		t.Fatalf("failed to seed favorite: %v", err)
	}
}

func (f *registryFixture) mustTrack(t *testing.T, userID rooms.UserID) func() {
	t.Helper()
	release, err := f.registry.Track(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected track error: %v", err)
	}
	t.Cleanup(release)
	return release
}

func waitForFavorites(t *testing.T, registry *favorites.Registry, userID rooms.UserID, expected ...rooms.ListingID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		current := registry.Favorites(userID)
		if slices.Equal(current, expected) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected favorites %v, got %v", expected, current)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTrackLoadsFavoritesBeforeReturning(t *testing.T) {
	fixture := newRegistryFixture(t)
	userID := roomstest.MustUserID(t, "user-1")
	first := roomstest.MustListingID(t, "room-1")
	fixture.seedFavorite(t, userID, first)

	release := fixture.mustTrack(t, userID)
	if !fixture.registry.Tracked(userID) {
		t.Fatalf("expected user to be tracked")
	}
	if got := fixture.registry.Favorites(userID); !slices.Equal(got, []rooms.ListingID{first}) {
		t.Fatalf("expected initial favorites, got %v", got)
	}
	again := fixture.mustTrack(t, userID)
	if fixture.registry.TrackedUsers() != 1 {
		t.Fatalf("expected repeated track to share the subscription")
	}

	release()
	release()
	if !fixture.registry.Tracked(userID) {
		t.Fatalf("expected user to stay tracked while a holder remains")
	}
	again()
	if fixture.registry.Tracked(userID) {
		t.Fatalf("expected last release to untrack the user")
	}
	if len(fixture.registry.Favorites(userID)) != 0 {
		t.Fatalf("expected released favorites to be forgotten")
	}
}

func TestToggleAddsThenRemovesFavorite(t *testing.T) {
	fixture := newRegistryFixture(t)
	ctx := context.Background()
	userID := roomstest.MustUserID(t, "user-1")
	first := roomstest.MustListingID(t, "room-1")
	second := roomstest.MustListingID(t, "room-2")
	untouched := roomstest.MustListingID(t, "room-3")
	fixture.seedFavorite(t, userID, first)
	fixture.mustTrack(t, userID)

	present, err := fixture.registry.Toggle(ctx, userID, second)
	if err != nil || !present {
		t.Fatalf("expected toggle to add, got %v %v", present, err)
	}
	if !fixture.registry.IsFavorite(userID, second) {
		t.Fatalf("expected added favorite to be visible")
	}
	waitForFavorites(t, fixture.registry, userID, first, second)

	present, err = fixture.registry.Toggle(ctx, userID, second)
	if err != nil || present {
		t.Fatalf("expected toggle to remove, got %v %v", present, err)
	}
	waitForFavorites(t, fixture.registry, userID, first)
	if fixture.registry.IsFavorite(userID, untouched) {
		t.Fatalf("expected listing never toggled to stay absent")
	}
}

func TestFailedToggleRestoresFavorite(t *testing.T) {
	fixture := newRegistryFixture(t)
	ctx := context.Background()
	userID := roomstest.MustUserID(t, "user-1")
	first := roomstest.MustListingID(t, "room-1")
	fixture.seedFavorite(t, userID, first)
	fixture.mustTrack(t, userID)

	rejected := errors.New("unavailable")
	fixture.store.FailNext(docstoretest.OpDelete, rejected)
	present, err := fixture.registry.Toggle(ctx, userID, first)
	var mutationErr *rooms.MutationError
	if !errors.As(err, &mutationErr) || !errors.Is(err, rejected) {
		t.Fatalf("expected mutation error wrapping the rejection, got %v", err)
	}
	if !present || !fixture.registry.IsFavorite(userID, first) {
		t.Fatalf("expected favorite restored after failed removal")
	}
}

func TestSetFavoriteAndChangeNotifications(t *testing.T) {
	fixture := newRegistryFixture(t)
	ctx := context.Background()
	userID := roomstest.MustUserID(t, "user-1")
	listingID := roomstest.MustListingID(t, "room-9")
	fixture.mustTrack(t, userID)

	changes := make(chan struct{}, 16)
	cancel := fixture.registry.OnChange(func(changed rooms.UserID) {
		if changed == userID {
			changes <- struct{}{}
		}
	})
	defer cancel()

	if err := fixture.registry.Set(ctx, userID, listingID, true); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatalf("expected a change notification")
	}
	waitForFavorites(t, fixture.registry, userID, listingID)

	document, err := fixture.store.Get(ctx, rooms.FavoritePath(userID, listingID))
	if err != nil {
		t.Fatalf("expected stored edge, got %v", err)
	}
	if document.Data[rooms.FieldFavoriteListingID] != listingID.String() {
		t.Fatalf("unexpected stored edge %+v", document.Data)
	}
}

func TestUntrackForgetsFavorites(t *testing.T) {
	fixture := newRegistryFixture(t)
	ctx := context.Background()
	userID := roomstest.MustUserID(t, "user-1")
	listingID := roomstest.MustListingID(t, "room-1")
	fixture.seedFavorite(t, userID, listingID)
	fixture.mustTrack(t, userID)

	fixture.registry.Untrack(userID)
	if fixture.registry.Tracked(userID) {
		t.Fatalf("expected user to be untracked")
	}
	if len(fixture.registry.Favorites(userID)) != 0 {
		t.Fatalf("expected forgotten favorites")
	}
	if _, err := fixture.store.Get(ctx, rooms.FavoritePath(userID, listingID)); errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected stored edge to survive untrack")
	}
}

func TestStateIDsAreSorted(t *testing.T) {
	state := favorites.NewState()
	userID := roomstest.MustUserID(t, "user-1")
	edges := state.For(userID)
	edges.Replace(map[rooms.ListingID]rooms.FavoriteEdge{
		"room-b": {UserID: userID, ListingID: "room-b"},
		"room-a": {UserID: userID, ListingID: "room-a"},
	})
	if got := state.IDs(userID); !slices.Equal(got, []rooms.ListingID{"room-a", "room-b"}) {
		t.Fatalf("unexpected ids %v", got)
	}
	if state.Contains(roomstest.MustUserID(t, "other"), "room-a") {
		t.Fatalf("expected other user to have no favorites")
	}
	if got := state.IDs(roomstest.MustUserID(t, "other")); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil ids, got %v", got)
	}
}

type trackResult struct {
	release func()
	err     error
}

func (f *registryFixture) trackAsync(userID rooms.UserID) <-chan trackResult {
	results := make(chan trackResult, 1)
	go func() {
		release, err := f.registry.Track(context.Background(), userID)
		results <- trackResult{release: release, err: err}
	}()
	return results
}

func waitForSignal(t *testing.T, signal <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-signal:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestTrackDoesNotWaitOnOtherUsers(t *testing.T) {
	fixture := newRegistryFixture(t)
	slow := roomstest.MustUserID(t, "user-slow")
	fast := roomstest.MustUserID(t, "user-fast")
	entered, release := fixture.listens.hold(rooms.FavoritesCollection(slow))
	defer release()

	pending := fixture.trackAsync(slow)
	waitForSignal(t, entered, "the slow user's live query")

	select {
	case result := <-fixture.trackAsync(fast):
		if result.err != nil {
			t.Fatalf("unexpected track error: %v", result.err)
		}
		defer result.release()
	case <-time.After(2 * time.Second):
		t.Fatalf("expected tracking of another user to proceed")
	}
	if !fixture.registry.Tracked(fast) || fixture.registry.Tracked(slow) {
		t.Fatalf("expected only the fast user to be established")
	}

	release()
	result := <-pending
	if result.err != nil {
		t.Fatalf("unexpected slow track error: %v", result.err)
	}
	result.release()
}

func TestConcurrentTracksShareOneSubscription(t *testing.T) {
	fixture := newRegistryFixture(t)
	userID := roomstest.MustUserID(t, "user-1")
	entered, release := fixture.listens.hold(rooms.FavoritesCollection(userID))
	defer release()

	first := fixture.trackAsync(userID)
	waitForSignal(t, entered, "the live query")
	second := fixture.trackAsync(userID)
	release()

	releases := make([]func(), 0, 2)
	for _, pending := range []<-chan trackResult{first, second} {
		result := <-pending
		if result.err != nil {
			t.Fatalf("unexpected track error: %v", result.err)
		}
		releases = append(releases, result.release)
	}
	if fixture.manager.ActiveTopics() != 1 {
		t.Fatalf("expected one live query, got %d", fixture.manager.ActiveTopics())
	}
	for _, release := range releases {
		release()
	}
	if fixture.registry.Tracked(userID) || fixture.manager.ActiveTopics() != 0 {
		t.Fatalf("expected released subscription to end, tracked=%v topics=%d",
			fixture.registry.Tracked(userID), fixture.manager.ActiveTopics())
	}
}

func TestUntrackWhileEstablishingLeavesNothingBehind(t *testing.T) {
	fixture := newRegistryFixture(t)
	userID := roomstest.MustUserID(t, "user-1")
	fixture.seedFavorite(t, userID, roomstest.MustListingID(t, "room-1"))
	entered, release := fixture.listens.hold(rooms.FavoritesCollection(userID))
	defer release()

	pending := fixture.trackAsync(userID)
	waitForSignal(t, entered, "the live query")
	fixture.registry.Untrack(userID)
	release()

	result := <-pending
	if !errors.Is(result.err, favorites.ErrUntracked) {
		t.Fatalf("expected untracked error, got %v", result.err)
	}
	if fixture.registry.Tracked(userID) || fixture.registry.TrackedUsers() != 0 {
		t.Fatalf("expected user to stay untracked")
	}
	if fixture.state.Users() != 0 {
		t.Fatalf("expected no favorite set to be held, got %d", fixture.state.Users())
	}
	if fixture.manager.ActiveTopics() != 0 {
		t.Fatalf("expected the live query to be released, got %d", fixture.manager.ActiveTopics())
	}
}
