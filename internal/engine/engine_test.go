package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/roam/internal/docstore"
	"github.com/MarcoPoloResearchLab/roam/internal/docstore/docstoretest"
	"github.com/MarcoPoloResearchLab/roam/internal/georank"
	"github.com/MarcoPoloResearchLab/roam/internal/rooms"
	"github.com/MarcoPoloResearchLab/roam/internal/rooms/roomstest"
)

var berlin = rooms.GeoPoint{Latitude: 52.52, Longitude: 13.405}

func newTestEngine(t *testing.T, store docstore.Store) *Engine {
	t.Helper()
	engine, err := New(Config{
		Store:            store,
		Clock:            func() time.Time { return roomstest.BaseTime },
		MutationTimeout:  2 * time.Second,
		EstablishTimeout: 2 * time.Second,
		ResubscribeDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func startEngine(t *testing.T, engine *Engine) {
	t.Helper()
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
}

// seedListing writes a listing document under its own id.
func seedListing(t *testing.T, store docstore.Store, listing rooms.Listing) {
	t.Helper()
	if err := store.Set(context.Background(), rooms.ListingPath(listing.ID), rooms.EncodeListing(listing)); err != nil {
		t.Fatalf("failed to seed listing %s: %v", listing.ID, err)
	}
}

func waitUntil(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting until %s", description)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func listingIDs(listings []rooms.Listing) []string {
	return roomstest.IDs(listings)
}

func TestStartLoadsCanonicalListings(t *testing.T) {
	store := docstoretest.NewLocal(t)
	seedListing(t, store, roomstest.Listing(t, "room-a", 52.52, 13.405))
	seedListing(t, store, roomstest.Listing(t, "room-b", 52.53, 13.41))
	if err := store.Set(context.Background(), "rooms/broken", map[string]any{rooms.FieldOwnerID: "owner"}); err != nil {
		t.Fatalf("failed to seed malformed listing: %v", err)
	}

	engine := newTestEngine(t, store)
	if engine.Ready() {
		t.Fatalf("expected engine not ready before start")
	}
	startEngine(t, engine)

	if !engine.Ready() || !engine.Live() {
		t.Fatalf("expected engine ready and live")
	}
	if got := listingIDs(engine.Listings()); !slices.Equal(got, []string{"room-a", "room-b"}) {
		t.Fatalf("expected malformed listing skipped, got %v", got)
	}
	if engine.ActiveSubscriptions() != 1 {
		t.Fatalf("expected one live query, got %d", engine.ActiveSubscriptions())
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("expected repeated start to succeed, got %v", err)
	}
}

func TestNearbyAndPopularUseDefaults(t *testing.T) {
	store := docstoretest.NewLocal(t)
	seedListing(t, store, roomstest.Rated(roomstest.Listing(t, "near", 52.521, 13.406), 4.5, 10))
	seedListing(t, store, roomstest.Rated(roomstest.Listing(t, "mid", 52.55, 13.41), 4.8, 3))
	seedListing(t, store, roomstest.Rated(roomstest.Listing(t, "far", 48.137, 11.575), 4.5, 20))
	seedListing(t, store, roomstest.Rated(roomstest.Listing(t, "low", 52.52, 13.405), 2, 1))
	engine := newTestEngine(t, store)
	startEngine(t, engine)

	if got := listingIDs(engine.NearbyListings(berlin, 0)); !slices.Equal(got, []string{"low", "near", "mid"}) {
		t.Fatalf("unexpected nearby order %v", got)
	}
	if got := engine.NearbyListings(berlin, -1); len(got) != 0 {
		t.Fatalf("expected empty result for negative radius, got %v", listingIDs(got))
	}
	if got := listingIDs(engine.PopularListings(0)); !slices.Equal(got, []string{"mid", "far", "near"}) {
		t.Fatalf("unexpected popular order %v", got)
	}
	ranked := engine.NearbyRanked(berlin, 1000)
	if len(ranked) != 4 || ranked[3].Listing.ID != "far" || ranked[3].DistanceKm < 400 {
		t.Fatalf("unexpected ranked result %+v", ranked)
	}
}

func TestSearchCombinesFilters(t *testing.T) {
	store := docstoretest.NewLocal(t)
	cheap := roomstest.Listing(t, "cheap", 52.52, 13.405)
	cheap.Price = 300
	cheap.Amenities = []string{"wifi"}
	pricey := roomstest.Listing(t, "pricey", 52.521, 13.406)
	pricey.Price = 900
	pricey.Amenities = []string{"washer", "wifi"}
	seedListing(t, store, cheap)
	seedListing(t, store, pricey)
	engine := newTestEngine(t, store)
	startEngine(t, engine)

	minimum := 500.0
	results := engine.Search(SearchQuery{Price: georank.PriceRange{Min: &minimum}})
	if len(results) != 1 || results[0].Listing.ID != "pricey" {
		t.Fatalf("unexpected price search %+v", results)
	}
	results = engine.Search(SearchQuery{Reference: &berlin, Amenities: []string{"WIFI"}})
	if len(results) != 2 || results[0].Listing.ID != "cheap" {
		t.Fatalf("unexpected amenity search %+v", results)
	}
}

func TestGetListingByIDReadsStore(t *testing.T) {
	store := docstoretest.NewLocal(t)
	seedListing(t, store, roomstest.Listing(t, "room-a", 52.52, 13.405))
	engine := newTestEngine(t, store)

	listing, err := engine.GetListingByID(context.Background(), "room-a")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if listing.Title != "Room room-a" || !listing.CreatedAt.Equal(roomstest.BaseTime) {
		t.Fatalf("unexpected listing %+v", listing)
	}

	_, err = engine.GetListingByID(context.Background(), "missing")
	var notFound *rooms.NotFoundError
	if !errors.As(err, &notFound) || !errors.Is(err, rooms.ErrNotFound) || notFound.ID != "missing" {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestCreateListingIsVisibleAndObserved(t *testing.T) {
	store := docstoretest.NewLocal(t)
	engine := newTestEngine(t, store)
	startEngine(t, engine)

	var mu sync.Mutex
	var observed [][]string
	unsubscribe, err := engine.ObserveAllListings(context.Background(), "test.observer", func(listings []rooms.Listing) {
		mu.Lock()
		observed = append(observed, listingIDs(listings))
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("unexpected observe error: %v", err)
	}
	defer unsubscribe()

	created, err := engine.CreateListing(context.Background(), "owner-1", rooms.ListingFields{
		Title:    "Loft",
		Price:    800,
		Location: rooms.Location{Point: berlin, Address: "Mitte"},
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if _, ok := engine.Listing(created.ID); !ok {
		t.Fatalf("expected created listing in the view right after create")
	}
	waitUntil(t, "observer sees the created listing", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) > 0 && slices.Equal(observed[len(observed)-1], []string{created.ID.String()})
	})
	mu.Lock()
	first := observed[0]
	mu.Unlock()
	if len(first) != 0 {
		t.Fatalf("expected first observed result set to be empty, got %v", first)
	}
}

func TestObserveUserListingsFiltersOwner(t *testing.T) {
	store := docstoretest.NewLocal(t)
	mine := roomstest.Listing(t, "mine", 52.52, 13.405)
	mine.OwnerID = "me"
	seedListing(t, store, mine)
	seedListing(t, store, roomstest.Listing(t, "theirs", 52.52, 13.405))
	engine := newTestEngine(t, store)

	results := make(chan []string, 8)
	unsubscribe, err := engine.ObserveUserListings(context.Background(), "test.mine", "me", func(listings []rooms.Listing) {
		results <- listingIDs(listings)
	})
	if err != nil {
		t.Fatalf("unexpected observe error: %v", err)
	}
	defer unsubscribe()

	select {
	case got := <-results:
		if !slices.Equal(got, []string{"mine"}) {
			t.Fatalf("unexpected owner listings %v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected initial owner listings")
	}
}

func TestUpdateListingRecomputesWatchers(t *testing.T) {
	store := docstoretest.NewLocal(t)
	seedListing(t, store, roomstest.Rated(roomstest.Listing(t, "room-a", 52.52, 13.405), 4, 1))
	seedListing(t, store, roomstest.Rated(roomstest.Listing(t, "room-b", 52.52, 13.405), 3, 1))
	engine := newTestEngine(t, store)
	startEngine(t, engine)

	var mu sync.Mutex
	var leaders []string
	cancel := engine.WatchPopular(1, func(listings []rooms.Listing) {
		mu.Lock()
		defer mu.Unlock()
		leaders = append(leaders, listingIDs(listings)...)
	})
	defer cancel()

	rating := 5.0
	if _, err := engine.UpdateListing(context.Background(), "room-b", rooms.ListingPatch{Rating: &rating}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	mu.Lock()
	seen := slices.Clone(leaders)
	mu.Unlock()
	if len(seen) < 2 || seen[0] != "room-a" || seen[len(seen)-1] != "room-b" {
		t.Fatalf("expected leader to move from room-a to room-b, got %v", seen)
	}
}

func TestWatchCallbacksNeverOverlapAndEndOnLatestView(t *testing.T) {
	store := docstoretest.NewLocal(t)
	engine := newTestEngine(t, store)
	startEngine(t, engine)

	var running, overlapped atomic.Int32
	var mu sync.Mutex
	var last []string
	cancel := engine.WatchPopular(50, func(listings []rooms.Listing) {
		if running.Add(1) > 1 {
			overlapped.Add(1)
		}
		time.Sleep(time.Millisecond)
		mu.Lock()
		last = listingIDs(listings)
		mu.Unlock()
		running.Add(-1)
	})
	defer cancel()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.CreateListing(context.Background(), "owner-1", rooms.ListingFields{
				Title:    fmt.Sprintf("Room %d", i),
				Price:    100,
				Location: rooms.Location{Point: berlin},
			})
			if err != nil {
				t.Errorf("unexpected create error: %v", err)
			}
		}()
	}
	wg.Wait()

	waitUntil(t, "the last callback reflects every listing", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 8 && slices.Equal(last, listingIDs(engine.PopularListings(50)))
	})
	if overlapped.Load() != 0 {
		t.Fatalf("expected callbacks to never overlap, saw %d overlaps", overlapped.Load())
	}
}

func TestWatchNearbyStopsAfterCancel(t *testing.T) {
	store := docstoretest.NewLocal(t)
	seedListing(t, store, roomstest.Listing(t, "room-a", 52.52, 13.405))
	engine := newTestEngine(t, store)
	startEngine(t, engine)

	calls := 0
	cancel := engine.WatchNearby(berlin, 0, func(ranked []georank.Ranked) {
		calls++
	})
	if calls != 1 {
		t.Fatalf("expected immediate ranking, got %d calls", calls)
	}
	cancel()
	if err := engine.DeleteListing(context.Background(), "room-a"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no calls after cancel, got %d", calls)
	}
}

func TestFavoriteListingsSkipsMissingListings(t *testing.T) {
	store := docstoretest.NewLocal(t)
	seedListing(t, store, roomstest.Listing(t, "room-a", 52.52, 13.405))
	engine := newTestEngine(t, store)
	startEngine(t, engine)
	ctx := context.Background()
	userID := roomstest.MustUserID(t, "user-1")

	release, err := engine.TrackFavorites(ctx, userID)
	if err != nil {
		t.Fatalf("unexpected track error: %v", err)
	}
	defer release()
	for _, id := range []rooms.ListingID{"room-a", "room-gone"} {
		present, err := engine.ToggleFavorite(ctx, userID, id)
		if err != nil || !present {
			t.Fatalf("expected %s favorited, got %v %v", id, present, err)
		}
	}
	waitUntil(t, "both favorites are confirmed", func() bool {
		return slices.Equal(engine.FavoriteIDs(userID), []rooms.ListingID{"room-a", "room-gone"})
	})
	if !engine.IsFavorite(userID, "room-gone") {
		t.Fatalf("expected dangling favorite to stay in the id set")
	}
	if got := listingIDs(engine.FavoriteListings(userID)); !slices.Equal(got, []string{"room-a"}) {
		t.Fatalf("expected only existing listings, got %v", got)
	}
}

func TestObserveFavoritesStreamsIDs(t *testing.T) {
	store := docstoretest.NewLocal(t)
	engine := newTestEngine(t, store)
	ctx := context.Background()
	userID := roomstest.MustUserID(t, "user-1")

	results := make(chan []rooms.ListingID, 8)
	unsubscribe, err := engine.ObserveFavorites(ctx, "test.favorites", userID, func(ids []rooms.ListingID) {
		results <- ids
	})
	if err != nil {
		t.Fatalf("unexpected observe error: %v", err)
	}
	defer unsubscribe()
	if got := <-results; len(got) != 0 {
		t.Fatalf("expected empty initial favorites, got %v", got)
	}

	if err := engine.SetFavorite(ctx, userID, "room-z", true); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	select {
	case got := <-results:
		if !slices.Equal(got, []rooms.ListingID{"room-z"}) {
			t.Fatalf("unexpected favorites %v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected favorites push")
	}
}

func TestCanonicalFeedIsReestablished(t *testing.T) {
	store := newBreakableStore(docstoretest.NewLocal(t))
	seedListing(t, store, roomstest.Listing(t, "room-a", 52.52, 13.405))
	engine := newTestEngine(t, store)
	startEngine(t, engine)

	store.breakStreams()
	waitUntil(t, "a fresh live query is opened", func() bool { return store.listens() >= 2 && engine.Live() })

	seedListing(t, store, roomstest.Listing(t, "room-b", 52.52, 13.405))
	waitUntil(t, "the new listing arrives", func() bool {
		_, ok := engine.Listing("room-b")
		return ok
	})
	if _, ok := engine.Listing("room-a"); !ok {
		t.Fatalf("expected earlier listing to stay visible")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	engine := newTestEngine(t, docstoretest.NewLocal(t))
	startEngine(t, engine)
	engine.Close()
	engine.Close()
	if engine.Ready() {
		t.Fatalf("expected closed engine not ready")
	}
	if err := engine.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

// breakableStore fails every open stream on demand. Streams opened afterwards work normally.
type breakableStore struct {
	docstore.Store

	mu     sync.Mutex
	broken chan struct{}
	opened int
}

func newBreakableStore(store docstore.Store) *breakableStore {
	return &breakableStore{Store: store, broken: make(chan struct{})}
}

func (s *breakableStore) Listen(ctx context.Context, query docstore.Query) (docstore.Stream, error) {
	inner, err := s.Store.Listen(ctx, query)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.opened++
	broken := s.broken
	s.mu.Unlock()

	stream := &breakableStream{inner: inner, broken: broken, results: make(chan streamResult), done: make(chan struct{})}
	go stream.pump()
	return stream, nil
}

func (s *breakableStore) breakStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.broken)
	s.broken = make(chan struct{})
}

func (s *breakableStore) listens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

type streamResult struct {
	snapshot docstore.Snapshot
	err      error
}

type breakableStream struct {
	inner    docstore.Stream
	broken   <-chan struct{}
	results  chan streamResult
	done     chan struct{}
	stopOnce sync.Once
}

func (s *breakableStream) pump() {
	for {
		snapshot, err := s.inner.Next()
		select {
		case s.results <- streamResult{snapshot: snapshot, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *breakableStream) Next() (docstore.Snapshot, error) {
	select {
	case result := <-s.results:
		return result.snapshot, result.err
	case <-s.broken:
		return docstore.Snapshot{}, errors.New("transport closed")
	}
}

func (s *breakableStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.inner.Stop()
	})
}
