package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig describes how to reach a Cloud Firestore database.
type FirestoreConfig struct {
	ProjectID string
	// CredentialsFile is optional; Application Default Credentials are used when empty.
	CredentialsFile string
	Logger          *zap.Logger
}

// FirestoreStore is a Store backed by Cloud Firestore snapshot listeners.
type FirestoreStore struct {
	client *firestore.Client
	logger *zap.Logger
}

// OpenFirestore connects to Firestore.
func OpenFirestore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, errors.New("docstore: firestore project id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var clientOpts []option.ClientOption
	if credentialsFile := strings.TrimSpace(cfg.CredentialsFile); credentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("docstore: firestore client (project=%s): %w", projectID, err)
	}
	logger.Info("firestore connected",
		zap.String("project_id", projectID),
		zap.Bool("credentials_file", len(clientOpts) > 0))
	return NewFirestoreStore(client, logger), nil
}

// NewFirestoreStore wraps an existing client.
func NewFirestoreStore(client *firestore.Client, logger *zap.Logger) *FirestoreStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FirestoreStore{client: client, logger: logger}
}

// Listen registers a Firestore snapshot listener for the query.
func (s *FirestoreStore) Listen(ctx context.Context, query Query) (Stream, error) {
	if err := ValidateCollectionPath(query.Collection); err != nil {
		return nil, err
	}
	collection := s.client.Collection(query.Collection)
	if collection == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, query.Collection)
	}
	firestoreQuery := collection.Query
	for _, filter := range query.Filters {
		firestoreQuery = firestoreQuery.Where(filter.Field, "==", filter.Value)
	}
	return &firestoreStream{
		collection: query.Collection,
		iterator:   firestoreQuery.Snapshots(ctx),
	}, nil
}

// Get reads one document.
func (s *FirestoreStore) Get(ctx context.Context, documentPath string) (Document, error) {
	ref, err := s.documentRef(documentPath)
	if err != nil {
		return Document{}, err
	}
	snapshot, err := ref.Get(ctx)
	if err != nil {
		return Document{}, mapFirestoreError(documentPath, err)
	}
	collectionPath, _, _ := SplitDocumentPath(documentPath)
	return documentFromSnapshot(collectionPath, snapshot), nil
}

// Add creates a document with a Firestore-assigned id.
func (s *FirestoreStore) Add(ctx context.Context, collectionPath string, data map[string]any) (string, error) {
	if err := ValidateCollectionPath(collectionPath); err != nil {
		return "", err
	}
	ref, _, err := s.client.Collection(collectionPath).Add(ctx, data)
	if err != nil {
		return "", mapFirestoreError(collectionPath, err)
	}
	return ref.ID, nil
}

// Set overwrites the document.
func (s *FirestoreStore) Set(ctx context.Context, documentPath string, data map[string]any) error {
	ref, err := s.documentRef(documentPath)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, data); err != nil {
		return mapFirestoreError(documentPath, err)
	}
	return nil
}

// Update merges top-level fields into an existing document.
func (s *FirestoreStore) Update(ctx context.Context, documentPath string, fields map[string]any) error {
	ref, err := s.documentRef(documentPath)
	if err != nil {
		return err
	}
	updates := make([]firestore.Update, 0, len(fields))
	for key, value := range fields {
		updates = append(updates, firestore.Update{FieldPath: firestore.FieldPath{key}, Value: value})
	}
	if _, err := ref.Update(ctx, updates); err != nil {
		return mapFirestoreError(documentPath, err)
	}
	return nil
}

// Delete removes the document.
func (s *FirestoreStore) Delete(ctx context.Context, documentPath string) error {
	ref, err := s.documentRef(documentPath)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return mapFirestoreError(documentPath, err)
	}
	return nil
}

// Close releases the client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) documentRef(documentPath string) (*firestore.DocumentRef, error) {
	if _, _, err := SplitDocumentPath(documentPath); err != nil {
		return nil, err
	}
	ref := s.client.Doc(strings.Trim(documentPath, "/"))
	if ref == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, documentPath)
	}
	return ref, nil
}

type snapshotIterator interface {
	Next() (*firestore.QuerySnapshot, error)
	Stop()
}

type firestoreStream struct {
	collection string
	iterator   snapshotIterator
}

func (s *firestoreStream) Next() (Snapshot, error) {
	querySnapshot, err := s.iterator.Next()
	if err != nil {
		return Snapshot{}, mapStreamError(err)
	}
	documents, err := querySnapshot.Documents.GetAll()
	if err != nil {
		return Snapshot{}, mapStreamError(err)
	}
	snapshot := Snapshot{
		Documents: make([]Document, 0, len(documents)),
		ReadTime:  querySnapshot.ReadTime.UTC(),
	}
	for _, document := range documents {
		snapshot.Documents = append(snapshot.Documents, documentFromSnapshot(s.collection, document))
	}
	return snapshot, nil
}

func (s *firestoreStream) Stop() {
	s.iterator.Stop()
}

func documentFromSnapshot(collectionPath string, snapshot *firestore.DocumentSnapshot) Document {
	return Document{
		ID:         snapshot.Ref.ID,
		Path:       collectionPath + "/" + snapshot.Ref.ID,
		Data:       snapshot.Data(),
		CreateTime: snapshot.CreateTime.UTC(),
		UpdateTime: snapshot.UpdateTime.UTC(),
	}
}

func mapFirestoreError(path string, err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return fmt.Errorf("docstore: firestore %s: %w", path, err)
}

func mapStreamError(err error) error {
	if errors.Is(err, iterator.Done) || errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
		return ErrStreamStopped
	}
	return fmt.Errorf("docstore: firestore listen: %w", err)
}
