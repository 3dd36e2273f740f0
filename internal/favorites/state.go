// Package favorites tracks per-user favorite sets and toggles membership.
package favorites

import (
	"slices"
	"sync"

	"github.com/MarcoPoloResearchLab/roam/internal/cache"
	"github.com/MarcoPoloResearchLab/roam/internal/rooms"
)

// Edges is the optimistic favorite set of one user keyed by listing.
type Edges = cache.Overlay[rooms.ListingID, rooms.FavoriteEdge]

// State owns the favorite sets of every tracked user.
type State struct {
	mu    sync.Mutex
	users map[rooms.UserID]*Edges

	hooksMu sync.RWMutex
	nextID  uint64
	hooks   map[uint64]func(rooms.UserID)
}

// NewState constructs an empty State.
func NewState() *State {
	return &State{
		users: make(map[rooms.UserID]*Edges),
		hooks: make(map[uint64]func(rooms.UserID)),
	}
}

// For returns the favorite set of a user, creating an empty one on first use.
func (s *State) For(userID rooms.UserID) *Edges {
	s.mu.Lock()
	defer s.mu.Unlock()
	edges, ok := s.users[userID]
	if !ok {
		edges = cache.NewOverlay[rooms.ListingID, rooms.FavoriteEdge](nil)
		edges.OnChange(func() { s.notify(userID) })
		s.users[userID] = edges
	}
	return edges
}

// OnAnyChange registers fn for changes of every user's set. fn runs on the goroutine that made
// the change and must not block.
func (s *State) OnAnyChange(fn func(rooms.UserID)) func() {
	s.hooksMu.Lock()
	s.nextID++
	id := s.nextID
	s.hooks[id] = fn
	s.hooksMu.Unlock()
	return func() {
		s.hooksMu.Lock()
		delete(s.hooks, id)
		s.hooksMu.Unlock()
	}
}

func (s *State) notify(userID rooms.UserID) {
	s.hooksMu.RLock()
	hooks := make([]func(rooms.UserID), 0, len(s.hooks))
	for _, hook := range s.hooks {
		hooks = append(hooks, hook)
	}
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(userID)
	}
}

// Users returns the number of sets currently held.
func (s *State) Users() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// Contains reports whether the listing is in the user's favorite set.
func (s *State) Contains(userID rooms.UserID, listingID rooms.ListingID) bool {
	s.mu.Lock()
	edges, ok := s.users[userID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return edges.Has(listingID)
}

// IDs returns the user's favorite listing ids in ascending order.
func (s *State) IDs(userID rooms.UserID) []rooms.ListingID {
	s.mu.Lock()
	edges, ok := s.users[userID]
	s.mu.Unlock()
	if !ok {
		return []rooms.ListingID{}
	}
	ids := edges.Keys()
	slices.Sort(ids)
	return ids
}

// Forget drops the user's set.
func (s *State) Forget(userID rooms.UserID) {
	s.mu.Lock()
	delete(s.users, userID)
	s.mu.Unlock()
}
