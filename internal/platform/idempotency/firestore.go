package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection = "order_idempotency"
	claimAttempts     = 5
	defaultSweepLimit = 100
)

// FirestoreStore keeps entries in one collection keyed by the hashed scoped key.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// FirestoreOption customises NewFirestoreStore.
type FirestoreOption func(*FirestoreStore)

func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	s := &FirestoreStore{client: client, collection: defaultCollection}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *FirestoreStore) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(storageKey(key))
}

func (s *FirestoreStore) Claim(ctx context.Context, e Entry) (Entry, bool, error) {
	ref := s.doc(e.Key)
	var (
		held    Entry
		claimed bool
	)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		claimed = false
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			if err := snap.DataTo(&held); err != nil {
				return fmt.Errorf("decode entry: %w", err)
			}
			if !held.expired(e.ClaimedAt) {
				return nil
			}
		}
		claimed = true
		return tx.Set(ref, e)
	}, firestore.MaxAttempts(claimAttempts))
	if err != nil {
		return Entry{}, false, fmt.Errorf("idempotency: claim: %w", err)
	}
	if claimed {
		return e, true, nil
	}
	return held, false, nil
}

func (s *FirestoreStore) Finish(ctx context.Context, e Entry) error {
	if _, err := s.doc(e.Key).Set(ctx, e); err != nil {
		return fmt.Errorf("idempotency: finish: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Abandon(ctx context.Context, key string) error {
	_, err := s.doc(key).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("idempotency: abandon: %w", err)
	}
	return nil
}

// Sweep deletes expired entries through a BulkWriter and returns how many deletes landed.
func (s *FirestoreStore) Sweep(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	docs, err := s.client.Collection(s.collection).
		Where("expires_at", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("idempotency: list expired: %w", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	writer := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docs))
	var errs []error
	for _, doc := range docs {
		job, err := writer.Delete(doc.Ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		jobs = append(jobs, job)
	}
	writer.End()

	removed := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if err := errors.Join(errs...); err != nil {
		return removed, fmt.Errorf("idempotency: sweep: %w", err)
	}
	return removed, nil
}
