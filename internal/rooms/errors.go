package rooms

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("rooms: not found")

// SubscriptionError reports that a live query could not be established or was terminated by the store.
type SubscriptionError struct {
	Op    string
	Topic string
	Err   error
}

func (e *SubscriptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: subscription %s failed", e.Op, e.Topic)
	}
	return fmt.Sprintf("%s: subscription %s failed: %v", e.Op, e.Topic, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// Code returns the operation code of the failed call.
func (e *SubscriptionError) Code() string {
	return e.Op
}

// MutationError reports a rejected or timed out write. Optimistic state has been unwound when it is returned.
type MutationError struct {
	Op  string
	Key string
	Err error
}

func (e *MutationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: mutation on %s failed", e.Op, e.Key)
	}
	return fmt.Sprintf("%s: mutation on %s failed: %v", e.Op, e.Key, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

// Code returns the operation code of the failed call.
func (e *MutationError) Code() string {
	return e.Op
}

// NotFoundError reports a point read for a nonexistent document.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("rooms: %s %q not found", e.Kind, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match any NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewListingNotFound builds the NotFoundError for a listing id.
func NewListingNotFound(id ListingID) error {
	return &NotFoundError{Kind: "listing", ID: id.String()}
}
