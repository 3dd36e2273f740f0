// Package subscriptions multiplexes consumers onto shared live queries.
//
// The manager holds at most one store live query per Topic. Every consumer of a topic sees
// the same complete result sets in store emission order; a consumer joining late receives
// the latest result set immediately.
package subscriptions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/roam/internal/docstore"
	"github.com/MarcoPoloResearchLab/roam/internal/rooms"
	"go.uber.org/zap"
)

const (
	operationSubscribe = "subscriptions.subscribe"
	operationStream    = "subscriptions.stream"

	defaultEstablishTimeout = 10 * time.Second
)

var (
	// ErrInvalidTopic indicates a topic that cannot be mapped to a store query.
	ErrInvalidTopic = errors.New("subscriptions: invalid topic")
	// ErrInvalidObserver indicates a missing consumer name or snapshot callback.
	ErrInvalidObserver = errors.New("subscriptions: invalid observer")
	// ErrManagerClosed indicates a subscribe attempt after Close.
	ErrManagerClosed = errors.New("subscriptions: manager closed")
	// ErrEstablishTimeout indicates that no first result set arrived within the establish timeout.
	ErrEstablishTimeout = errors.New("subscriptions: establish timeout")
	// ErrRetriesExhausted wraps the last stream error once reconnects are used up.
	ErrRetriesExhausted = errors.New("subscriptions: reconnect attempts exhausted")
)

// Observer receives the pushes of one subscription. Callbacks of one handle never run
// concurrently. A callback may cancel its own handle.
type Observer struct {
	// OnSnapshot receives every complete result set. The snapshot is shared between observers
	// and must be treated as read-only.
	OnSnapshot func(docstore.Snapshot)
	// OnError receives the terminal *rooms.SubscriptionError once reconnects are exhausted.
	OnError func(error)
}

// Recorder observes the lifecycle of live queries.
type Recorder interface {
	FeedOpened(kind string)
	FeedClosed(kind string)
	SnapshotReceived(kind string, documents int)
	ReconnectAttempted(kind string)
	FeedFailed(kind string)
}

type nopRecorder struct{}

func (nopRecorder) FeedOpened(string)            {}
func (nopRecorder) FeedClosed(string)            {}
func (nopRecorder) SnapshotReceived(string, int) {}
func (nopRecorder) ReconnectAttempted(string)    {}
func (nopRecorder) FeedFailed(string)            {}

// Config wires the dependencies of a Manager.
type Config struct {
	Store            docstore.Store
	Logger           *zap.Logger
	EstablishTimeout time.Duration
	Retry            RetryPolicy
	Recorder         Recorder
}

// Manager owns the live queries of the process.
type Manager struct {
	store            docstore.Store
	logger           *zap.Logger
	establishTimeout time.Duration
	retry            RetryPolicy
	recorder         Recorder

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	closed bool
	feeds  map[Topic]*feed
}

type feed struct {
	topic  Topic
	query  docstore.Query
	cancel context.CancelFunc

	// guarded by Manager.mu
	ready        chan struct{}
	established  bool
	establishErr error
	handles      map[string]*Handle
	latest       docstore.Snapshot
	seq          uint64
}

// Handle is one consumer's subscription to a topic.
type Handle struct {
	manager  *Manager
	feed     *feed
	topic    Topic
	consumer string
	observer Observer

	// delivery serializes the observer callbacks; mu guards the fields below and is never
	// held while a callback runs.
	delivery  sync.Mutex
	mu        sync.Mutex
	cancelled bool
	lastSeq   uint64
}

// NewManager constructs a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("subscriptions: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.EstablishTimeout
	if timeout <= 0 {
		timeout = defaultEstablishTimeout
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:            cfg.Store,
		logger:           logger,
		establishTimeout: timeout,
		retry:            cfg.Retry,
		recorder:         recorder,
		baseCtx:          baseCtx,
		cancelBase:       cancel,
		feeds:            make(map[Topic]*feed),
	}, nil
}

// Subscribe attaches consumer to topic. A live query is established only when none is active
// for the topic; Subscribe then blocks until its first result set arrives, and by the time it
// returns the observer has received the latest result set. Subscribing an already active
// (topic, consumer) pair returns the existing handle.
func (m *Manager) Subscribe(ctx context.Context, topic Topic, consumer string, observer Observer) (*Handle, error) {
	query, err := topic.Query()
	if err != nil {
		return nil, m.subscriptionError(operationSubscribe, topic, err)
	}
	consumer = strings.TrimSpace(consumer)
	if consumer == "" || observer.OnSnapshot == nil {
		return nil, m.subscriptionError(operationSubscribe, topic, ErrInvalidObserver)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, m.subscriptionError(operationSubscribe, topic, ErrManagerClosed)
	}
	current := m.feeds[topic]
	if current != nil {
		if existing := current.handles[consumer]; existing != nil {
			m.mu.Unlock()
			return m.awaitEstablished(ctx, existing, false)
		}
	} else {
		current = m.startFeedLocked(topic, query)
	}
	handle := &Handle{
		manager:  m,
		feed:     current,
		topic:    topic,
		consumer: consumer,
		observer: observer,
	}
	current.handles[consumer] = handle
	m.mu.Unlock()

	return m.awaitEstablished(ctx, handle, true)
}

// Unsubscribe cancels the handle. Once it returns no callback starts for the handle, including
// pushes that were already in flight; a callback running on another goroutine may still finish.
// Unsubscribe never waits on callbacks, so observers may call it from their own callback.
// The live query is released with its last handle.
func (m *Manager) Unsubscribe(handle *Handle) {
	if handle == nil {
		return
	}
	m.detach(handle)
	handle.markCancelled()
}

// ActiveTopics returns the number of live queries currently held.
func (m *Manager) ActiveTopics() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.feeds)
}

// Close cancels every subscription and waits for the delivery goroutines to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	handles := make([]*Handle, 0)
	for topic, current := range m.feeds {
		for _, handle := range current.handles {
			handles = append(handles, handle)
		}
		current.handles = make(map[string]*Handle)
		current.cancel()
		delete(m.feeds, topic)
	}
	m.mu.Unlock()

	m.cancelBase()
	for _, handle := range handles {
		handle.markCancelled()
	}
	m.wg.Wait()
}

// Cancel is shorthand for Manager.Unsubscribe.
func (h *Handle) Cancel() {
	h.manager.Unsubscribe(h)
}

// Topic returns the subscribed topic.
func (h *Handle) Topic() Topic {
	return h.topic
}

// Consumer returns the consumer name the handle was registered with.
func (h *Handle) Consumer() string {
	return h.consumer
}

// Active reports whether the handle still receives callbacks.
func (h *Handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.cancelled
}

func (m *Manager) startFeedLocked(topic Topic, query docstore.Query) *feed {
	feedCtx, cancel := context.WithCancel(m.baseCtx)
	current := &feed{
		topic:   topic,
		query:   query,
		cancel:  cancel,
		ready:   make(chan struct{}),
		handles: make(map[string]*Handle),
	}
	m.feeds[topic] = current
	m.wg.Add(1)
	go m.run(feedCtx, current)
	return current
}

// awaitEstablished waits for the handle's feed to produce its first result set. Only the call
// that registered the handle withdraws it on timeout.
func (m *Manager) awaitEstablished(ctx context.Context, handle *Handle, owned bool) (*Handle, error) {
	timer := time.NewTimer(m.establishTimeout)
	defer timer.Stop()

	var cause error
	select {
	case <-handle.feed.ready:
	case <-ctx.Done():
		cause = ctx.Err()
	case <-timer.C:
		cause = ErrEstablishTimeout
	}
	if cause != nil {
		if owned {
			m.Unsubscribe(handle)
		}
		return nil, m.subscriptionError(operationSubscribe, handle.topic, cause)
	}

	m.mu.Lock()
	establishErr := handle.feed.establishErr
	latest := handle.feed.latest
	seq := handle.feed.seq
	m.mu.Unlock()
	if establishErr != nil {
		handle.markCancelled()
		return nil, m.subscriptionError(operationSubscribe, handle.topic, establishErr)
	}

	handle.deliver(latest, seq)
	if !handle.Active() {
		return nil, m.subscriptionError(operationSubscribe, handle.topic, ErrRetriesExhausted)
	}
	return handle, nil
}

func (m *Manager) detach(handle *Handle) {
	m.mu.Lock()
	current := handle.feed
	if current.handles[handle.consumer] == handle {
		delete(current.handles, handle.consumer)
	}
	release := len(current.handles) == 0 && m.feeds[current.topic] == current
	if release {
		delete(m.feeds, current.topic)
	}
	m.mu.Unlock()
	if release {
		current.cancel()
	}
}

// run owns the store stream of one topic for its whole lifetime, including reconnects.
func (m *Manager) run(ctx context.Context, current *feed) {
	defer m.wg.Done()
	kind := current.topic.Kind.String()
	attempt := 0
	for {
		err := m.consume(ctx, current, &attempt)
		if ctx.Err() != nil {
			m.finish(current, ctx.Err())
			return
		}
		if !m.isEstablished(current) {
			m.logger.Warn("live query could not be established",
				zap.String("operation", operationSubscribe),
				zap.String("topic", current.topic.String()),
				zap.Error(err))
			m.recorder.FeedFailed(kind)
			m.finish(current, err)
			return
		}

		attempt++
		if attempt > m.retry.MaxAttempts {
			m.logger.Error("live query terminated",
				zap.String("operation", operationStream),
				zap.String("topic", current.topic.String()),
				zap.Int("attempts", attempt-1),
				zap.Error(err))
			m.recorder.FeedFailed(kind)
			m.terminate(current, err)
			return
		}
		delay := m.retry.Backoff(attempt)
		m.logger.Warn("live query interrupted, reconnecting",
			zap.String("operation", operationStream),
			zap.String("topic", current.topic.String()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		m.recorder.ReconnectAttempted(kind)
		if !sleep(ctx, delay) {
			m.finish(current, ctx.Err())
			return
		}
	}
}

// consume reads one store stream until it fails. A delivered result set resets the attempt counter.
func (m *Manager) consume(ctx context.Context, current *feed, attempt *int) error {
	stream, err := m.store.Listen(ctx, current.query)
	if err != nil {
		return err
	}
	defer stream.Stop()
	for {
		snapshot, err := stream.Next()
		if err != nil {
			if errors.Is(err, docstore.ErrStreamStopped) && ctx.Err() == nil {
				return errors.New("subscriptions: stream stopped by store")
			}
			return err
		}
		*attempt = 0
		m.publish(current, snapshot)
	}
}

func (m *Manager) publish(current *feed, snapshot docstore.Snapshot) {
	m.mu.Lock()
	current.seq++
	seq := current.seq
	current.latest = snapshot
	firstResult := !current.established
	if firstResult {
		current.established = true
	}
	handles := make([]*Handle, 0, len(current.handles))
	for _, handle := range current.handles {
		handles = append(handles, handle)
	}
	m.mu.Unlock()

	kind := current.topic.Kind.String()
	if firstResult {
		m.recorder.FeedOpened(kind)
		close(current.ready)
	}
	m.recorder.SnapshotReceived(kind, len(snapshot.Documents))
	for _, handle := range handles {
		handle.deliver(snapshot, seq)
	}
}

func (m *Manager) isEstablished(current *feed) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return current.established
}

// finish releases a feed that ends without notifying observers. A feed that never produced a
// result set records the cause so that pending Subscribe calls fail with it.
func (m *Manager) finish(current *feed, cause error) {
	m.mu.Lock()
	if m.feeds[current.topic] == current {
		delete(m.feeds, current.topic)
	}
	wasEstablished := current.established
	if !wasEstablished {
		if cause == nil || m.closed {
			cause = ErrManagerClosed
		}
		current.establishErr = cause
		current.handles = make(map[string]*Handle)
	}
	m.mu.Unlock()
	current.cancel()
	if wasEstablished {
		m.recorder.FeedClosed(current.topic.Kind.String())
		return
	}
	close(current.ready)
}

// terminate ends an established feed after reconnects are exhausted and notifies every observer.
func (m *Manager) terminate(current *feed, cause error) {
	m.mu.Lock()
	if m.feeds[current.topic] == current {
		delete(m.feeds, current.topic)
	}
	handles := make([]*Handle, 0, len(current.handles))
	for _, handle := range current.handles {
		handles = append(handles, handle)
	}
	current.handles = make(map[string]*Handle)
	m.mu.Unlock()
	current.cancel()
	m.recorder.FeedClosed(current.topic.Kind.String())

	failure := m.subscriptionError(operationStream, current.topic, errors.Join(ErrRetriesExhausted, cause))
	for _, handle := range handles {
		handle.fail(failure)
	}
}

func (m *Manager) subscriptionError(operation string, topic Topic, cause error) error {
	return &rooms.SubscriptionError{Op: operation, Topic: topic.String(), Err: cause}
}

func (h *Handle) deliver(snapshot docstore.Snapshot, seq uint64) {
	h.delivery.Lock()
	defer h.delivery.Unlock()
	h.mu.Lock()
	if h.cancelled || seq <= h.lastSeq {
		h.mu.Unlock()
		return
	}
	h.lastSeq = seq
	h.mu.Unlock()
	h.observer.OnSnapshot(snapshot)
}

func (h *Handle) fail(err error) {
	h.delivery.Lock()
	defer h.delivery.Unlock()
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.mu.Unlock()
	if h.observer.OnError != nil {
		h.observer.OnError(err)
	}
}

func (h *Handle) markCancelled() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
}

func sleep(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
