// Package docstoretest provides stores for package tests: a temp-dir SQLite store and a wrapper
// that injects failures or blocks individual operations.
package docstoretest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/roam/internal/docstore"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// NewLocal returns a LocalStore over a fresh SQLite file that is removed with the test.
func NewLocal(t testing.TB) *docstore.LocalStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "store.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&docstore.DocumentRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := docstore.NewLocalStore(docstore.LocalStoreConfig{Database: db, IDProvider: &SequenceIDs{Prefix: "doc"}})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
		_ = sqlDB.Close()
	})
	return store
}

// SequenceIDs issues predictable ids.
type SequenceIDs struct {
	Prefix string

	mu   sync.Mutex
	next int
}

func (s *SequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("%s-%03d", s.Prefix, s.next), nil
}

// Operation names a Store method for fault injection.
type Operation string

const (
	OpGet    Operation = "get"
	OpAdd    Operation = "add"
	OpSet    Operation = "set"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Faulty wraps a Store. Queued failures are returned instead of calling the wrapped store,
// and a held operation blocks until released.
type Faulty struct {
	docstore.Store

	mu       sync.Mutex
	failures map[Operation][]error
	gates    map[Operation]chan struct{}
	entered  map[Operation]chan struct{}
	calls    map[Operation]int
}

// NewFaulty wraps store.
func NewFaulty(store docstore.Store) *Faulty {
	return &Faulty{
		Store:    store,
		failures: make(map[Operation][]error),
		gates:    make(map[Operation]chan struct{}),
		entered:  make(map[Operation]chan struct{}),
		calls:    make(map[Operation]int),
	}
}

// FailNext makes the next call of op return err without reaching the wrapped store.
func (f *Faulty) FailNext(op Operation, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// Hold blocks calls of op until the returned release func runs. Entered yields once per blocked call.
func (f *Faulty) Hold(op Operation) (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	signal := make(chan struct{}, 16)
	f.gates[op] = gate
	f.entered[op] = signal
	var once sync.Once
	return signal, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.gates, op)
			delete(f.entered, op)
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns how often op reached the wrapper.
func (f *Faulty) Calls(op Operation) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Faulty) intercept(ctx context.Context, op Operation) error {
	f.mu.Lock()
	f.calls[op]++
	gate := f.gates[op]
	signal := f.entered[op]
	f.mu.Unlock()

	if gate != nil {
		signal <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	queued := f.failures[op]
	if len(queued) == 0 {
		return nil
	}
	f.failures[op] = queued[1:]
	return queued[0]
}

func (f *Faulty) Get(ctx context.Context, documentPath string) (docstore.Document, error) {
	if err := f.intercept(ctx, OpGet); err != nil {
		return docstore.Document{}, err
	}
	return f.Store.Get(ctx, documentPath)
}

func (f *Faulty) Add(ctx context.Context, collectionPath string, data map[string]any) (string, error) {
	if err := f.intercept(ctx, OpAdd); err != nil {
		return "", err
	}
	return f.Store.Add(ctx, collectionPath, data)
}

func (f *Faulty) Set(ctx context.Context, documentPath string, data map[string]any) error {
	if err := f.intercept(ctx, OpSet); err != nil {
		return err
	}
	return f.Store.Set(ctx, documentPath, data)
}

func (f *Faulty) Update(ctx context.Context, documentPath string, fields map[string]any) error {
	if err := f.intercept(ctx, OpUpdate); err != nil {
		return err
	}
	return f.Store.Update(ctx, documentPath, fields)
}

func (f *Faulty) Delete(ctx context.Context, documentPath string) error {
	if err := f.intercept(ctx, OpDelete); err != nil {
		return err
	}
	return f.Store.Delete(ctx, documentPath)
}
