package subscriptions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/roam/internal/docstore"
)

var errNotSupported = errors.New("fake store: not supported")

type streamEvent struct {
	snapshot docstore.Snapshot
	err      error
}

type fakeStream struct {
	ctx      context.Context
	query    docstore.Query
	events   chan streamEvent
	stopped  chan struct{}
	stopOnce sync.Once
}

func (s *fakeStream) Next() (docstore.Snapshot, error) {
	select {
	case event := <-s.events:
		return event.snapshot, event.err
	case <-s.stopped:
		return docstore.Snapshot{}, docstore.ErrStreamStopped
	case <-s.ctx.Done():
		return docstore.Snapshot{}, docstore.ErrStreamStopped
	}
}

func (s *fakeStream) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *fakeStream) push(t *testing.T, ids ...string) {
	t.Helper()
	documents := make([]docstore.Document, 0, len(ids))
	for _, id := range ids {
		documents = append(documents, docstore.Document{ID: id, Path: s.query.Collection + "/" + id, Data: map[string]any{}})
	}
	s.send(t, streamEvent{snapshot: docstore.Snapshot{Documents: documents}})
}

func (s *fakeStream) fail(t *testing.T, err error) {
	t.Helper()
	s.send(t, streamEvent{err: err})
}

func (s *fakeStream) send(t *testing.T, event streamEvent) {
	t.Helper()
	select {
	case s.events <- event:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out pushing to stream")
	}
}

func (s *fakeStream) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// fakeStore hands out controllable streams. Queued listen errors are returned before streams.
type fakeStore struct {
	mu         sync.Mutex
	listenErrs []error
	listens    int
	opened     chan *fakeStream
}

func newFakeStore() *fakeStore {
	return &fakeStore{opened: make(chan *fakeStream, 16)}
}

func (f *fakeStore) failNextListens(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listenErrs = append(f.listenErrs, errs...)
}

func (f *fakeStore) listenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listens
}

func (f *fakeStore) Listen(ctx context.Context, query docstore.Query) (docstore.Stream, error) {
	f.mu.Lock()
	f.listens++
	if len(f.listenErrs) > 0 {
		err := f.listenErrs[0]
		f.listenErrs = f.listenErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	stream := &fakeStream{
		ctx:     ctx,
		query:   query,
		events:  make(chan streamEvent),
		stopped: make(chan struct{}),
	}
	f.opened <- stream
	return stream, nil
}

func (f *fakeStore) nextStream(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case stream := <-f.opened:
		return stream
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for listen")
		return nil
	}
}

func (f *fakeStore) Get(context.Context, string) (docstore.Document, error) {
	return docstore.Document{}, errNotSupported
}

func (f *fakeStore) Add(context.Context, string, map[string]any) (string, error) {
	return "", errNotSupported
}

func (f *fakeStore) Set(context.Context, string, map[string]any) error {
	return errNotSupported
}

func (f *fakeStore) Update(context.Context, string, map[string]any) error {
	return errNotSupported
}

func (f *fakeStore) Delete(context.Context, string) error {
	return errNotSupported
}

func (f *fakeStore) Close() error {
	return nil
}
