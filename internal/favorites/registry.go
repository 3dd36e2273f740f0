package favorites

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/roam/internal/docstore"
	"github.com/MarcoPoloResearchLab/roam/internal/rooms"
	"github.com/MarcoPoloResearchLab/roam/internal/subscriptions"
	"go.uber.org/zap"
)

const registryConsumer = "favorites.registry"

// Mutator performs favorite writes with optimistic effects on State.
type Mutator interface {
	SetFavorite(ctx context.Context, userID rooms.UserID, listingID rooms.ListingID, present bool) error
	ToggleFavorite(ctx context.Context, userID rooms.UserID, listingID rooms.ListingID) (bool, error)
}

// RegistryConfig wires the dependencies of a Registry.
type RegistryConfig struct {
	Subscriptions *subscriptions.Manager
	State         *State
	Mutator       Mutator
	Logger        *zap.Logger
}

// ErrUntracked reports that a user's favorites were untracked while Track was establishing them.
var ErrUntracked = errors.New("favorites: untracked while establishing")

// Registry keeps the favorite sets of tracked users current and routes toggles to the Mutator.
// A user stays tracked while at least one Track call has not been released.
type Registry struct {
	subscriptions *subscriptions.Manager
	state         *State
	mutator       Mutator
	logger        *zap.Logger

	mu      sync.Mutex
	tracked map[rooms.UserID]*tracking
	entries uint64
}

// tracking is the live subscription of one user. ready closes once Subscribe returned.
type tracking struct {
	refs   int
	handle *subscriptions.Handle
	ready  chan struct{}
	err    error
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Subscriptions == nil || cfg.State == nil || cfg.Mutator == nil {
		return nil, errors.New("favorites: subscriptions, state and mutator are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		subscriptions: cfg.Subscriptions,
		state:         cfg.State,
		mutator:       cfg.Mutator,
		logger:        logger,
		tracked:       make(map[rooms.UserID]*tracking),
	}, nil
}

// Track subscribes to the user's favorites, or joins the subscription already held for them,
// and returns once the first snapshot is loaded. The returned release must be called exactly
// when the caller no longer needs the set; the subscription ends when the last holder releases.
// Concurrent Track calls for different users do not wait on each other.
func (r *Registry) Track(ctx context.Context, userID rooms.UserID) (func(), error) {
	r.mu.Lock()
	if entry, ok := r.tracked[userID]; ok {
		entry.refs++
		r.mu.Unlock()
		return r.join(ctx, userID, entry)
	}
	r.entries++
	consumer := fmt.Sprintf("%s#%d", registryConsumer, r.entries)
	entry := &tracking{refs: 1, ready: make(chan struct{})}
	r.tracked[userID] = entry
	edges := r.state.For(userID)
	r.mu.Unlock()

	handle, err := r.subscriptions.Subscribe(ctx, subscriptions.FavoritesByUser(userID), consumer, subscriptions.Observer{
		OnSnapshot: func(snapshot docstore.Snapshot) {
			if !r.current(userID, entry) {
				return
			}
			edges.Replace(r.decode(userID, snapshot))
		},
		OnError: func(err error) {
			r.logger.Error("favorites feed terminated",
				zap.String("operation", "favorites.track"),
				zap.String("user_id", userID.String()),
				zap.Error(err))
			r.mu.Lock()
			if r.tracked[userID] == entry {
				delete(r.tracked, userID)
			}
			r.mu.Unlock()
		},
	})

	r.mu.Lock()
	entry.handle = handle
	entry.err = err
	current := r.tracked[userID] == entry
	if err != nil && current {
		delete(r.tracked, userID)
	}
	r.mu.Unlock()
	close(entry.ready)

	if err != nil {
		return nil, err
	}
	if !current {
		handle.Cancel()
		return nil, ErrUntracked
	}
	return r.releaser(userID, entry), nil
}

func (r *Registry) join(ctx context.Context, userID rooms.UserID, entry *tracking) (func(), error) {
	release := r.releaser(userID, entry)
	select {
	case <-entry.ready:
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
	if entry.err != nil {
		release()
		return nil, entry.err
	}
	if !r.current(userID, entry) {
		return nil, ErrUntracked
	}
	return release, nil
}

func (r *Registry) releaser(userID rooms.UserID, entry *tracking) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.tracked[userID] != entry {
				r.mu.Unlock()
				return
			}
			entry.refs--
			if entry.refs > 0 {
				r.mu.Unlock()
				return
			}
			delete(r.tracked, userID)
			r.state.Forget(userID)
			handle := entry.handle
			r.mu.Unlock()
			if handle != nil {
				handle.Cancel()
			}
		})
	}
}

func (r *Registry) current(userID rooms.UserID, entry *tracking) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracked[userID] == entry
}

// Untrack releases the user's subscription regardless of outstanding holders and forgets the set.
func (r *Registry) Untrack(userID rooms.UserID) {
	r.mu.Lock()
	entry, ok := r.tracked[userID]
	delete(r.tracked, userID)
	r.state.Forget(userID)
	var handle *subscriptions.Handle
	if ok {
		handle = entry.handle
	}
	r.mu.Unlock()
	if handle != nil {
		handle.Cancel()
	}
}

// Tracked reports whether the user's favorites are held live.
func (r *Registry) Tracked(userID rooms.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.tracked[userID]
	return ok && entry.handle != nil
}

// TrackedUsers returns the number of users whose favorites are held live or being established.
func (r *Registry) TrackedUsers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

// IsFavorite reports membership in the optimistic view.
func (r *Registry) IsFavorite(userID rooms.UserID, listingID rooms.ListingID) bool {
	return r.state.Contains(userID, listingID)
}

// Favorites returns the user's favorite listing ids in ascending order.
func (r *Registry) Favorites(userID rooms.UserID) []rooms.ListingID {
	return r.state.IDs(userID)
}

// Toggle adds the favorite when absent and removes it when present.
func (r *Registry) Toggle(ctx context.Context, userID rooms.UserID, listingID rooms.ListingID) (bool, error) {
	return r.mutator.ToggleFavorite(ctx, userID, listingID)
}

// Set forces membership.
func (r *Registry) Set(ctx context.Context, userID rooms.UserID, listingID rooms.ListingID, present bool) error {
	return r.mutator.SetFavorite(ctx, userID, listingID, present)
}

// OnChange registers fn for changes of any tracked user's set.
func (r *Registry) OnChange(fn func(rooms.UserID)) func() {
	return r.state.OnAnyChange(fn)
}

// Close releases every tracked subscription.
func (r *Registry) Close() {
	r.mu.Lock()
	handles := make([]*subscriptions.Handle, 0, len(r.tracked))
	for _, entry := range r.tracked {
		if entry.handle != nil {
			handles = append(handles, entry.handle)
		}
	}
	r.tracked = make(map[rooms.UserID]*tracking)
	r.mu.Unlock()
	for _, handle := range handles {
		handle.Cancel()
	}
}

func (r *Registry) decode(userID rooms.UserID, snapshot docstore.Snapshot) map[rooms.ListingID]rooms.FavoriteEdge {
	edges := make(map[rooms.ListingID]rooms.FavoriteEdge, len(snapshot.Documents))
	for _, document := range snapshot.Documents {
		edge, err := rooms.DecodeFavorite(userID, document.ID, document.Data)
		if err != nil {
			r.logger.Warn("skipping malformed favorite",
				zap.String("user_id", userID.String()),
				zap.String("document_id", document.ID),
				zap.Error(err))
			continue
		}
		edges[edge.ListingID] = edge
	}
	return edges
}
