// Package cache holds canonical state fed by snapshots with optimistic writes layered on top.
package cache

import (
	"slices"
	"sync"
)

// Pending is the undo record of one optimistic write. It stays in the overlay until it is
// committed or rolled back, and survives snapshot replacement of the base state.
type Pending[K comparable, V any] struct {
	seq         uint64
	key         K
	value       V
	present     bool
	previous    V
	hadPrevious bool
}

// Key returns the key the write targets.
func (p *Pending[K, V]) Key() K {
	return p.key
}

// Previous returns the value visible before the write was applied.
func (p *Pending[K, V]) Previous() (V, bool) {
	return p.previous, p.hadPrevious
}

// Overlay is a single-writer state container: base holds the last confirmed state and pending
// writes are replayed on top of it to produce the visible view.
type Overlay[K comparable, V any] struct {
	mu        sync.RWMutex
	clone     func(V) V
	base      map[K]V
	pending   []*Pending[K, V]
	view      map[K]V
	nextSeq   uint64
	version   uint64
	listeners map[uint64]func()
	nextID    uint64
}

// NewOverlay constructs an empty overlay. clone must return a value sharing no mutable state
// with its argument; nil means values are copied by assignment.
func NewOverlay[K comparable, V any](clone func(V) V) *Overlay[K, V] {
	if clone == nil {
		clone = func(value V) V { return value }
	}
	return &Overlay[K, V]{
		clone:     clone,
		base:      make(map[K]V),
		view:      make(map[K]V),
		listeners: make(map[uint64]func()),
	}
}

// Replace swaps the confirmed state for a complete snapshot. Pending writes are re-applied.
func (o *Overlay[K, V]) Replace(snapshot map[K]V) {
	o.mu.Lock()
	o.base = make(map[K]V, len(snapshot))
	for key, value := range snapshot {
		o.base[key] = o.clone(value)
	}
	o.rebuildLocked()
	listeners := o.listenersLocked()
	o.mu.Unlock()
	notify(listeners)
}

// Apply records an optimistic write. present=false removes the key from the view.
func (o *Overlay[K, V]) Apply(key K, value V, present bool) *Pending[K, V] {
	o.mu.Lock()
	o.nextSeq++
	previous, hadPrevious := o.view[key]
	record := &Pending[K, V]{
		seq:         o.nextSeq,
		key:         key,
		value:       o.clone(value),
		present:     present,
		previous:    o.clone(previous),
		hadPrevious: hadPrevious,
	}
	o.pending = append(o.pending, record)
	o.applyLocked(record)
	o.version++
	listeners := o.listenersLocked()
	o.mu.Unlock()
	notify(listeners)
	return record
}

// Commit folds a confirmed write into the base state.
func (o *Overlay[K, V]) Commit(record *Pending[K, V]) {
	o.mu.Lock()
	if !o.removeLocked(record) {
		o.mu.Unlock()
		return
	}
	if record.present {
		o.base[record.key] = o.clone(record.value)
	} else {
		delete(o.base, record.key)
	}
	o.rebuildLocked()
	listeners := o.listenersLocked()
	o.mu.Unlock()
	notify(listeners)
}

// Rollback discards a failed write. The view falls back to the base state plus the remaining writes.
func (o *Overlay[K, V]) Rollback(record *Pending[K, V]) {
	o.mu.Lock()
	if !o.removeLocked(record) {
		o.mu.Unlock()
		return
	}
	o.rebuildLocked()
	listeners := o.listenersLocked()
	o.mu.Unlock()
	notify(listeners)
}

// Confirm writes a value that the store has already accepted.
func (o *Overlay[K, V]) Confirm(key K, value V) {
	o.mu.Lock()
	o.base[key] = o.clone(value)
	o.rebuildLocked()
	listeners := o.listenersLocked()
	o.mu.Unlock()
	notify(listeners)
}

// Get returns a copy of the visible value.
func (o *Overlay[K, V]) Get(key K) (V, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	value, ok := o.view[key]
	if !ok {
		var zero V
		return zero, false
	}
	return o.clone(value), true
}

// Has reports whether key is visible.
func (o *Overlay[K, V]) Has(key K) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.view[key]
	return ok
}

// Values returns copies of every visible value in unspecified order.
func (o *Overlay[K, V]) Values() []V {
	o.mu.RLock()
	defer o.mu.RUnlock()
	values := make([]V, 0, len(o.view))
	for _, value := range o.view {
		values = append(values, o.clone(value))
	}
	return values
}

// Keys returns the visible keys in unspecified order.
func (o *Overlay[K, V]) Keys() []K {
	o.mu.RLock()
	defer o.mu.RUnlock()
	keys := make([]K, 0, len(o.view))
	for key := range o.view {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of visible entries.
func (o *Overlay[K, V]) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.view)
}

// PendingCount returns the number of unresolved optimistic writes.
func (o *Overlay[K, V]) PendingCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.pending)
}

// Version increases on every change of the view.
func (o *Overlay[K, V]) Version() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.version
}

// OnChange registers fn to run after every change. Listeners run outside the lock, on the
// goroutine that made the change, and must not block.
func (o *Overlay[K, V]) OnChange(fn func()) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.listeners[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

func (o *Overlay[K, V]) removeLocked(record *Pending[K, V]) bool {
	if record == nil {
		return false
	}
	index := slices.IndexFunc(o.pending, func(candidate *Pending[K, V]) bool {
		return candidate.seq == record.seq
	})
	if index < 0 {
		return false
	}
	o.pending = slices.Delete(o.pending, index, index+1)
	return true
}

func (o *Overlay[K, V]) rebuildLocked() {
	o.view = make(map[K]V, len(o.base))
	for key, value := range o.base {
		o.view[key] = value
	}
	for _, record := range o.pending {
		o.applyLocked(record)
	}
	o.version++
}

func (o *Overlay[K, V]) applyLocked(record *Pending[K, V]) {
	if record.present {
		o.view[record.key] = record.value
		return
	}
	delete(o.view, record.key)
}

func (o *Overlay[K, V]) listenersLocked() []func() {
	listeners := make([]func(), 0, len(o.listeners))
	for _, listener := range o.listeners {
		listeners = append(listeners, listener)
	}
	return listeners
}

func notify(listeners []func()) {
	for _, listener := range listeners {
		listener()
	}
}
