package session

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultCollection is the Firestore collection holding sessions.
// A TTL policy on its expireAt field lets Firestore drop stale documents.
const DefaultCollection = "sessions"

// FirestoreStore keeps sessions as Firestore documents keyed by session id.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

// NewFirestoreStore wraps an existing Firestore client.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreStore{client: client, collection: collection, now: time.Now}
}

// OpenFirestore creates a Firestore client for project and wraps it.
func OpenFirestore(ctx context.Context, project string) (*FirestoreStore, error) {
	client, err := firestore.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return NewFirestoreStore(client, DefaultCollection), nil
}

// Close releases the underlying client.
func (f *FirestoreStore) Close() error {
	return f.client.Close()
}

func (f *FirestoreStore) doc(id string) *firestore.DocumentRef {
	return f.client.Collection(f.collection).Doc(id)
}

func (f *FirestoreStore) Put(ctx context.Context, s *Session) error {
	if _, err := f.doc(s.ID).Set(ctx, s); err != nil {
		return fmt.Errorf("failed to write session document: %w", err)
	}
	return nil
}

func (f *FirestoreStore) Get(ctx context.Context, id string) (*Session, error) {
	snap, err := f.doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read session document: %w", err)
	}

	var s Session
	if err := snap.DataTo(&s); err != nil {
		return nil, fmt.Errorf("failed to decode session document: %w", err)
	}
	s.ID = snap.Ref.ID

	// TTL deletion in Firestore is lazy.
	if !s.ExpireAt.IsZero() && !s.ExpireAt.After(f.now()) {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (f *FirestoreStore) Delete(ctx context.Context, id string) error {
	if _, err := f.doc(id).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete session document: %w", err)
	}
	return nil
}
