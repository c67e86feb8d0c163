package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultCollection = "idempotency_keys"

// FirestoreStore persists submission records in a Firestore collection so
// every API replica sees the same reservations.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// FirestoreOption customises the Firestore-backed store.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection the records live in.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			s.collection = trimmed
		}
	}
}

// NewFirestoreStore constructs a store backed by the supplied client.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	store := &FirestoreStore{
		client:     client,
		collection: defaultCollection,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

type keyDocument struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"response_status"`
	ResponseHeaders map[string][]string `firestore:"response_headers,omitempty"`
	ResponseBody    []byte              `firestore:"response_body,omitempty"`
	CreatedAt       time.Time           `firestore:"created_at"`
	UpdatedAt       time.Time           `firestore:"updated_at"`
	ExpiresAt       time.Time           `firestore:"expires_at"`
}

func (d keyDocument) toRecord() Record {
	return Record{
		Key:             d.Key,
		Fingerprint:     d.Fingerprint,
		Status:          Status(d.Status),
		ResponseStatus:  d.ResponseStatus,
		ResponseHeaders: d.ResponseHeaders,
		ResponseBody:    d.ResponseBody,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		ExpiresAt:       d.ExpiresAt,
	}
}

func (s *FirestoreStore) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(recordID(key))
}

// Reserve implements Store. The reservation runs in a transaction so two
// replicas racing on the same key cannot both win.
func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	if s.client == nil {
		return Reservation{}, errors.New("idempotency: firestore client is nil")
	}
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	ref := s.doc(key)
	var reservation Reservation
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		if snapshot != nil && snapshot.Exists() {
			var doc keyDocument
			if err := snapshot.DataTo(&doc); err != nil {
				return fmt.Errorf("decode idempotency record: %w", err)
			}
			record := doc.toRecord()
			if !expired(record, now) {
				if record.Fingerprint != fingerprint {
					return ErrFingerprintMismatch
				}
				state := ReservationStatePending
				if record.Status == StatusCompleted {
					state = ReservationStateCompleted
				}
				reservation = Reservation{State: state, Record: record}
				return nil
			}
		}

		doc := keyDocument{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      string(StatusPending),
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		reservation = Reservation{State: ReservationStateNew, Record: doc.toRecord()}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrFingerprintMismatch) {
			return Reservation{}, ErrFingerprintMismatch
		}
		return Reservation{}, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return reservation, nil
}

// SaveResponse implements Store.
func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if s.client == nil {
		return errors.New("idempotency: firestore client is nil")
	}
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	ref := s.doc(key)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		doc := keyDocument{Key: key, Fingerprint: fingerprint, CreatedAt: now}
		if snapshot != nil && snapshot.Exists() {
			if err := snapshot.DataTo(&doc); err != nil {
				return fmt.Errorf("decode idempotency record: %w", err)
			}
			if doc.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
		}
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = now
		}

		doc.Status = string(StatusCompleted)
		doc.ResponseStatus = resp.Status
		doc.ResponseHeaders = storableHeaders(resp.Headers)
		doc.ResponseBody = nil
		if len(resp.Body) > 0 {
			doc.ResponseBody = append([]byte(nil), resp.Body...)
		}
		doc.UpdatedAt = now
		doc.ExpiresAt = now.Add(ttl)
		return tx.Set(ref, doc)
	})
	if err != nil {
		if errors.Is(err, ErrFingerprintMismatch) {
			return ErrFingerprintMismatch
		}
		return fmt.Errorf("save idempotent response: %w", err)
	}
	return nil
}

// Release implements Store. A missing document is fine; the reservation may
// already have expired out from under us.
func (s *FirestoreStore) Release(ctx context.Context, key, fingerprint string) error {
	if s.client == nil {
		return errors.New("idempotency: firestore client is nil")
	}
	if _, err := s.doc(key).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// CleanupExpired implements Store. The sweeper in main calls this on a timer
// so abandoned reservations do not accumulate.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if s.client == nil {
		return 0, errors.New("idempotency: firestore client is nil")
	}
	if limit <= 0 {
		limit = 100
	}

	query := s.client.Collection(s.collection).
		Where("expires_at", "<=", now.UTC()).
		Limit(limit)

	snapshots, err := query.Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("query expired idempotency keys: %w", err)
	}

	removed := 0
	for _, snapshot := range snapshots {
		if _, err := snapshot.Ref.Delete(ctx); err != nil {
			if status.Code(err) == codes.NotFound {
				continue
			}
			return removed, fmt.Errorf("delete expired idempotency key: %w", err)
		}
		removed++
	}
	return removed, nil
}
