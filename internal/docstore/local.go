package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IDProvider issues identifiers for documents created through Add.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// LocalStoreConfig wires the dependencies of a LocalStore.
type LocalStoreConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// LocalStore is a Store persisted through GORM that pushes live query results in-process.
// Every committed write wakes the live queries registered on the written collection.
type LocalStore struct {
	db         *gorm.DB
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger

	mu       sync.Mutex
	closed   bool
	watchers map[string]map[int64]*localStream
	nextID   int64
}

// NewLocalStore constructs a LocalStore over an already migrated database.
func NewLocalStore(cfg LocalStoreConfig) (*LocalStore, error) {
	if cfg.Database == nil {
		return nil, errors.New("docstore: database is required")
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalStore{
		db:         cfg.Database,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
		watchers:   make(map[string]map[int64]*localStream),
	}, nil
}

// Listen registers a live query on the local store.
func (s *LocalStore) Listen(ctx context.Context, query Query) (Stream, error) {
	if err := ValidateCollectionPath(query.Collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.nextID++
	stream := &localStream{
		id:      s.nextID,
		store:   s,
		ctx:     ctx,
		query:   query,
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	if _, ok := s.watchers[query.Collection]; !ok {
		s.watchers[query.Collection] = make(map[int64]*localStream)
	}
	s.watchers[query.Collection][stream.id] = stream
	return stream, nil
}

// Get reads a single document.
func (s *LocalStore) Get(ctx context.Context, documentPath string) (Document, error) {
	collectionPath, documentID, err := SplitDocumentPath(documentPath)
	if err != nil {
		return Document{}, err
	}
	if err := s.ensureOpen(); err != nil {
		return Document{}, err
	}
	var record DocumentRecord
	err = s.db.WithContext(ctx).
		Where("collection_path = ? AND document_id = ?", collectionPath, documentID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, documentPath)
	}
	if err != nil {
		return Document{}, err
	}
	return recordToDocument(record)
}

// Add creates a document with a generated id.
func (s *LocalStore) Add(ctx context.Context, collectionPath string, data map[string]any) (string, error) {
	if err := ValidateCollectionPath(collectionPath); err != nil {
		return "", err
	}
	if err := s.ensureOpen(); err != nil {
		return "", err
	}
	documentID, err := s.idProvider.NewID()
	if err != nil {
		return "", fmt.Errorf("docstore: generate id: %w", err)
	}
	payload, err := encodeData(data)
	if err != nil {
		return "", err
	}
	now := s.clock().UTC().UnixMilli()
	record := DocumentRecord{
		CollectionPath:  collectionPath,
		DocumentID:      documentID,
		DataJSON:        payload,
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", err
	}
	s.notify(collectionPath)
	return documentID, nil
}

// Set upserts a document.
func (s *LocalStore) Set(ctx context.Context, documentPath string, data map[string]any) error {
	collectionPath, documentID, err := SplitDocumentPath(documentPath)
	if err != nil {
		return err
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	payload, err := encodeData(data)
	if err != nil {
		return err
	}
	now := s.clock().UTC().UnixMilli()
	record := DocumentRecord{
		CollectionPath:  collectionPath,
		DocumentID:      documentID,
		DataJSON:        payload,
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection_path"}, {Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data_json", "updated_at_ms"}),
	}).Create(&record).Error
	if err != nil {
		return err
	}
	s.notify(collectionPath)
	return nil
}

// Update merges top-level fields into an existing document.
func (s *LocalStore) Update(ctx context.Context, documentPath string, fields map[string]any) error {
	collectionPath, documentID, err := SplitDocumentPath(documentPath)
	if err != nil {
		return err
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var record DocumentRecord
		lookupErr := transaction.
			Where("collection_path = ? AND document_id = ?", collectionPath, documentID).
			Take(&record).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, documentPath)
		}
		if lookupErr != nil {
			return lookupErr
		}
		data, decodeErr := decodeData(record.DataJSON)
		if decodeErr != nil {
			return decodeErr
		}
		for key, value := range fields {
			data[key] = value
		}
		payload, encodeErr := encodeData(data)
		if encodeErr != nil {
			return encodeErr
		}
		return transaction.Model(&DocumentRecord{}).
			Where("collection_path = ? AND document_id = ?", collectionPath, documentID).
			Updates(map[string]any{
				"data_json":     payload,
				"updated_at_ms": s.clock().UTC().UnixMilli(),
			}).Error
	})
	if err != nil {
		return err
	}
	s.notify(collectionPath)
	return nil
}

// Delete removes a document if present.
func (s *LocalStore) Delete(ctx context.Context, documentPath string) error {
	collectionPath, documentID, err := SplitDocumentPath(documentPath)
	if err != nil {
		return err
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).
		Where("collection_path = ? AND document_id = ?", collectionPath, documentID).
		Delete(&DocumentRecord{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		s.notify(collectionPath)
	}
	return nil
}

// Close stops every live query. The underlying database stays open and is owned by the caller.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	streams := make([]*localStream, 0)
	for _, registered := range s.watchers {
		for _, stream := range registered {
			streams = append(streams, stream)
		}
	}
	s.watchers = make(map[string]map[int64]*localStream)
	s.mu.Unlock()

	for _, stream := range streams {
		stream.halt()
	}
	return nil
}

func (s *LocalStore) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *LocalStore) notify(collectionPath string) {
	s.mu.Lock()
	registered := s.watchers[collectionPath]
	streams := make([]*localStream, 0, len(registered))
	for _, stream := range registered {
		streams = append(streams, stream)
	}
	s.mu.Unlock()

	for _, stream := range streams {
		select {
		case stream.signal <- struct{}{}:
		default:
		}
	}
}

func (s *LocalStore) unregister(stream *localStream) {
	s.mu.Lock()
	registered := s.watchers[stream.query.Collection]
	if registered != nil {
		delete(registered, stream.id)
		if len(registered) == 0 {
			delete(s.watchers, stream.query.Collection)
		}
	}
	s.mu.Unlock()
}

func (s *LocalStore) snapshot(ctx context.Context, query Query) (Snapshot, error) {
	var records []DocumentRecord
	err := s.db.WithContext(ctx).
		Where("collection_path = ?", query.Collection).
		Order("document_id ASC").
		Find(&records).Error
	if err != nil {
		return Snapshot{}, err
	}
	documents := make([]Document, 0, len(records))
	for _, record := range records {
		document, decodeErr := recordToDocument(record)
		if decodeErr != nil {
			s.logger.Warn("skipping undecodable document",
				zap.String("collection", record.CollectionPath),
				zap.String("document_id", record.DocumentID),
				zap.Error(decodeErr))
			continue
		}
		if !query.Matches(document.Data) {
			continue
		}
		documents = append(documents, document)
	}
	return Snapshot{Documents: documents, ReadTime: s.clock().UTC()}, nil
}

type localStream struct {
	id      int64
	store   *LocalStore
	ctx     context.Context
	query   Query
	signal  chan struct{}
	stopped chan struct{}

	stopOnce  sync.Once
	delivered bool
}

// Next returns the current result set first, then a fresh result set after each write to the collection.
// Writes that land while the consumer is busy are coalesced into a single result set.
func (s *localStream) Next() (Snapshot, error) {
	if err := s.done(); err != nil {
		return Snapshot{}, err
	}
	if !s.delivered {
		s.delivered = true
		return s.read()
	}
	select {
	case <-s.stopped:
		return Snapshot{}, ErrStreamStopped
	case <-s.ctx.Done():
		return Snapshot{}, ErrStreamStopped
	case <-s.signal:
		return s.read()
	}
}

func (s *localStream) Stop() {
	s.halt()
	s.store.unregister(s)
}

func (s *localStream) halt() {
	s.stopOnce.Do(func() {
		close(s.stopped)
	})
}

func (s *localStream) done() error {
	select {
	case <-s.stopped:
		return ErrStreamStopped
	case <-s.ctx.Done():
		return ErrStreamStopped
	default:
		return nil
	}
}

func (s *localStream) read() (Snapshot, error) {
	snapshot, err := s.store.snapshot(s.ctx, s.query)
	if err != nil {
		if s.done() != nil {
			return Snapshot{}, ErrStreamStopped
		}
		return Snapshot{}, err
	}
	return snapshot, nil
}

func recordToDocument(record DocumentRecord) (Document, error) {
	data, err := decodeData(record.DataJSON)
	if err != nil {
		return Document{}, err
	}
	return Document{
		ID:         record.DocumentID,
		Path:       record.CollectionPath + "/" + record.DocumentID,
		Data:       data,
		CreateTime: time.UnixMilli(record.CreatedAtMillis).UTC(),
		UpdateTime: time.UnixMilli(record.UpdatedAtMillis).UTC(),
	}, nil
}

func encodeData(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("docstore: encode document: %w", err)
	}
	return string(payload), nil
}

func decodeData(payload string) (map[string]any, error) {
	data := map[string]any{}
	if payload == "" {
		return data, nil
	}
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return nil, fmt.Errorf("docstore: decode document: %w", err)
	}
	return data, nil
}
