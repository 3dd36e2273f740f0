// Package docstore abstracts the remote document store that backs listings and favorites.
//
// A Store exposes point reads, writes and push-based live queries. Live queries always
// deliver the complete result set of the query, never a delta.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates that the requested document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrInvalidPath indicates a malformed collection or document path.
	ErrInvalidPath = errors.New("docstore: invalid path")
	// ErrClosed indicates that the store has been closed.
	ErrClosed = errors.New("docstore: store closed")
	// ErrStreamStopped is returned by Stream.Next once the stream was stopped or its context ended.
	ErrStreamStopped = errors.New("docstore: stream stopped")
)

// Store is the contract consumed from the remote document store.
type Store interface {
	// Listen registers a live query. The first Next call returns the current result set.
	Listen(ctx context.Context, query Query) (Stream, error)
	Get(ctx context.Context, documentPath string) (Document, error)
	// Add creates a document with a store-assigned id and returns that id.
	Add(ctx context.Context, collectionPath string, data map[string]any) (string, error)
	// Set replaces the document, creating it when absent.
	Set(ctx context.Context, documentPath string, data map[string]any) error
	// Update merges fields into an existing document and fails with ErrNotFound when it is absent.
	Update(ctx context.Context, documentPath string, fields map[string]any) error
	// Delete removes the document. Deleting an absent document succeeds.
	Delete(ctx context.Context, documentPath string) error
	Close() error
}

// Stream yields full result sets in store emission order. Next is not safe for concurrent use.
type Stream interface {
	Next() (Snapshot, error)
	Stop()
}

// Filter is an equality constraint on a top-level field.
type Filter struct {
	Field string
	Value any
}

// Query selects documents from one collection.
type Query struct {
	Collection string
	Filters    []Filter
}

// Where returns a copy of the query with an additional equality filter.
func (q Query) Where(field string, value any) Query {
	next := Query{Collection: q.Collection, Filters: make([]Filter, 0, len(q.Filters)+1)}
	next.Filters = append(next.Filters, q.Filters...)
	next.Filters = append(next.Filters, Filter{Field: field, Value: value})
	return next
}

// Key returns a stable identity for the query, independent of filter order.
func (q Query) Key() string {
	if len(q.Filters) == 0 {
		return q.Collection
	}
	parts := make([]string, 0, len(q.Filters))
	for _, filter := range q.Filters {
		parts = append(parts, fmt.Sprintf("%s=%v", filter.Field, filter.Value))
	}
	sort.Strings(parts)
	return q.Collection + "?" + strings.Join(parts, "&")
}

// Matches evaluates the query filters against document data.
func (q Query) Matches(data map[string]any) bool {
	for _, filter := range q.Filters {
		if !valuesEqual(data[filter.Field], filter.Value) {
			return false
		}
	}
	return true
}

// Document is a stored document.
type Document struct {
	ID         string
	Path       string
	Data       map[string]any
	CreateTime time.Time
	UpdateTime time.Time
}

// Snapshot is one complete result set of a live query.
type Snapshot struct {
	Documents []Document
	ReadTime  time.Time
}

// SplitDocumentPath returns the collection path and document id of a document path.
func SplitDocumentPath(documentPath string) (string, string, error) {
	segments, err := pathSegments(documentPath)
	if err != nil {
		return "", "", err
	}
	if len(segments)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q is not a document path", ErrInvalidPath, documentPath)
	}
	last := len(segments) - 1
	return strings.Join(segments[:last], "/"), segments[last], nil
}

// ValidateCollectionPath checks that the path names a collection.
func ValidateCollectionPath(collectionPath string) error {
	segments, err := pathSegments(collectionPath)
	if err != nil {
		return err
	}
	if len(segments)%2 != 1 {
		return fmt.Errorf("%w: %q is not a collection path", ErrInvalidPath, collectionPath)
	}
	return nil
}

func pathSegments(path string) ([]string, error) {
	trimmed := strings.Trim(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segments := strings.Split(trimmed, "/")
	for _, segment := range segments {
		if strings.TrimSpace(segment) == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}
	}
	return segments, nil
}

func valuesEqual(stored any, wanted any) bool {
	storedNumber, storedIsNumber := asNumber(stored)
	wantedNumber, wantedIsNumber := asNumber(wanted)
	if storedIsNumber || wantedIsNumber {
		return storedIsNumber && wantedIsNumber && storedNumber == wantedNumber
	}
	switch typed := wanted.(type) {
	case string:
		text, ok := stored.(string)
		return ok && text == typed
	case bool:
		flag, ok := stored.(bool)
		return ok && flag == typed
	case nil:
		return stored == nil
	default:
		return false
	}
}

func asNumber(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, !math.IsNaN(typed)
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	default:
		return 0, false
	}
}
