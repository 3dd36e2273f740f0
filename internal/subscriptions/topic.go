package subscriptions

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/roam/internal/docstore"
	"github.com/MarcoPoloResearchLab/roam/internal/rooms"
)

// Kind enumerates the live queries the manager can hold.
type Kind int

const (
	KindAllListings Kind = iota + 1
	KindListingsByOwner
	KindFavoritesByUser
)

// String returns the metric and log label of the kind.
func (k Kind) String() string {
	switch k {
	case KindAllListings:
		return "all_listings"
	case KindListingsByOwner:
		return "listings_by_owner"
	case KindFavoritesByUser:
		return "favorites_by_user"
	default:
		return "unknown"
	}
}

// Topic identifies one live query. Topics are comparable and used as map keys.
type Topic struct {
	Kind   Kind
	UserID rooms.UserID
}

// AllListings is the topic of the whole listing collection.
func AllListings() Topic {
	return Topic{Kind: KindAllListings}
}

// ListingsByOwner is the topic of the listings created by one user.
func ListingsByOwner(userID rooms.UserID) Topic {
	return Topic{Kind: KindListingsByOwner, UserID: userID}
}

// FavoritesByUser is the topic of one user's favorite edges.
func FavoritesByUser(userID rooms.UserID) Topic {
	return Topic{Kind: KindFavoritesByUser, UserID: userID}
}

func (t Topic) String() string {
	if t.Kind == KindAllListings {
		return t.Kind.String()
	}
	return t.Kind.String() + ":" + t.UserID.String()
}

// Query translates the topic into a store query.
func (t Topic) Query() (docstore.Query, error) {
	switch t.Kind {
	case KindAllListings:
		return docstore.Query{Collection: rooms.ListingsCollection}, nil
	case KindListingsByOwner:
		if t.UserID == "" {
			return docstore.Query{}, fmt.Errorf("%w: %s requires a user", ErrInvalidTopic, t.Kind)
		}
		return docstore.Query{Collection: rooms.ListingsCollection}.Where(rooms.FieldOwnerID, t.UserID.String()), nil
	case KindFavoritesByUser:
		if t.UserID == "" {
			return docstore.Query{}, fmt.Errorf("%w: %s requires a user", ErrInvalidTopic, t.Kind)
		}
		return docstore.Query{Collection: rooms.FavoritesCollection(t.UserID)}, nil
	default:
		return docstore.Query{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidTopic, int(t.Kind))
	}
}
