package idempotency

import (
	"context"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultClaimCollection = "idempotency_keys"
	defaultClaimAttempts   = 5
)

// FirestoreOption customises the FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection claims are stored in.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithMaxAttempts overrides the transaction retry attempts.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(s *FirestoreStore) {
		if attempts > 0 {
			s.attempts = attempts
		}
	}
}

// FirestoreStore persists claims in a Firestore collection so replay
// protection holds across instances.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	attempts   int
}

// NewFirestoreStore constructs a Firestore-backed store.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	s := &FirestoreStore{client: client, collection: defaultClaimCollection, attempts: defaultClaimAttempts}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

type claimDoc struct {
	Fingerprint string              `firestore:"fingerprint"`
	Done        bool                `firestore:"done"`
	Status      int                 `firestore:"status"`
	Header      map[string][]string `firestore:"header"`
	Body        []byte              `firestore:"body"`
	CreatedAt   time.Time           `firestore:"createdAt"`
	ExpiresAt   time.Time           `firestore:"expiresAt"`
}

// Claim implements Store. Claiming runs in a transaction so two racing
// requests with the same key cannot both proceed.
func (s *FirestoreStore) Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	ref := s.client.Collection(s.collection).Doc(docID(key))
	fresh := claimDoc{Fingerprint: fingerprint, CreatedAt: now, ExpiresAt: now.Add(ttl)}

	var claim Claim
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
			claim = Claim{Outcome: OutcomeProceed}
			return tx.Set(ref, fresh)
		}

		var doc claimDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		if !now.Before(doc.ExpiresAt) {
			// An expired claim is re-taken as if it never existed.
			claim = Claim{Outcome: OutcomeProceed}
			return tx.Set(ref, fresh)
		}
		if doc.Fingerprint != fingerprint {
			return ErrKeyReused
		}
		if doc.Done {
			claim = Claim{Outcome: OutcomeReplay, Response: doc.response()}
			return nil
		}
		claim = Claim{Outcome: OutcomeInFlight}
		return nil
	}, firestore.MaxAttempts(s.attempts))

	return claim, err
}

// Complete implements Store.
func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp StoredResponse, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	ref := s.client.Collection(s.collection).Doc(docID(key))

	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc := claimDoc{Fingerprint: fingerprint, CreatedAt: now}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
		} else {
			var existing claimDoc
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
			if existing.Fingerprint != fingerprint {
				return ErrKeyReused
			}
			doc.CreatedAt = existing.CreatedAt
		}

		doc.Done = true
		doc.Status = resp.Status
		doc.Header = storableHeader(resp.Header)
		doc.Body = append([]byte(nil), resp.Body...)
		doc.ExpiresAt = now.Add(ttl)
		return tx.Set(ref, doc)
	}, firestore.MaxAttempts(s.attempts))
}

// Forget implements Store.
func (s *FirestoreStore) Forget(ctx context.Context, key string) error {
	_, err := s.client.Collection(s.collection).Doc(docID(key)).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

// CleanupExpired implements Store. Expired claims are removed in one batch.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := s.client.Collection(s.collection).
		Where("expiresAt", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil || len(docs) == 0 {
		return 0, err
	}

	batch := s.client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (d claimDoc) response() StoredResponse {
	resp := StoredResponse{Status: d.Status, Body: d.Body}
	if len(d.Header) > 0 {
		resp.Header = make(http.Header, len(d.Header))
		for name, values := range d.Header {
			resp.Header[name] = values
		}
	}
	return resp
}
