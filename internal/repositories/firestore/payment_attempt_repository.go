package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/marketplane/api/internal/domain"
	pfirestore "github.com/marketplane/api/internal/platform/firestore"
)

const paymentAttemptsCollection = "paymentAttempts"

// PaymentAttemptRepository stores the signed payment requests issued for
// orders and their callback outcomes.
type PaymentAttemptRepository struct {
	provider *pfirestore.Provider
	attempts *pfirestore.BaseRepository[paymentAttemptDocument]
}

// NewPaymentAttemptRepository constructs a Firestore-backed attempt repository.
func NewPaymentAttemptRepository(provider *pfirestore.Provider) (*PaymentAttemptRepository, error) {
	if provider == nil {
		return nil, errors.New("payment attempt repository requires firestore provider")
	}
	attempts := pfirestore.NewBaseRepository[paymentAttemptDocument](provider, paymentAttemptsCollection)
	return &PaymentAttemptRepository{provider: provider, attempts: attempts}, nil
}

// Insert creates the attempt document, rejecting duplicates.
func (r *PaymentAttemptRepository) Insert(ctx context.Context, attempt domain.PaymentAttempt) error {
	if r == nil || r.provider == nil {
		return errors.New("payment attempt repository not initialised")
	}
	if strings.TrimSpace(attempt.ID) == "" {
		return errors.New("payment attempt insert: id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError("paymentAttempts.insert", err)
	}
	if _, err := client.Collection(paymentAttemptsCollection).Doc(attempt.ID).Create(ctx, newPaymentAttemptDocument(attempt)); err != nil {
		return pfirestore.WrapError("paymentAttempts.insert", err)
	}
	return nil
}

// Update replaces the attempt document.
func (r *PaymentAttemptRepository) Update(ctx context.Context, attempt domain.PaymentAttempt) error {
	if r == nil || r.attempts == nil {
		return errors.New("payment attempt repository not initialised")
	}
	if strings.TrimSpace(attempt.ID) == "" {
		return errors.New("payment attempt update: id is required")
	}
	if err := r.attempts.Set(ctx, attempt.ID, newPaymentAttemptDocument(attempt)); err != nil {
		return pfirestore.WrapError("paymentAttempts.update", err)
	}
	return nil
}

// FindByID loads a single attempt.
func (r *PaymentAttemptRepository) FindByID(ctx context.Context, attemptID string) (domain.PaymentAttempt, error) {
	if r == nil || r.attempts == nil {
		return domain.PaymentAttempt{}, errors.New("payment attempt repository not initialised")
	}
	attemptID = strings.TrimSpace(attemptID)
	if attemptID == "" {
		return domain.PaymentAttempt{}, errors.New("payment attempt find: id is required")
	}
	doc, err := r.attempts.Get(ctx, attemptID)
	if err != nil {
		return domain.PaymentAttempt{}, pfirestore.WrapError("paymentAttempts.find", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindActiveByOrder returns the pending attempt for the order. At most one
// pending attempt exists per order at a time.
func (r *PaymentAttemptRepository) FindActiveByOrder(ctx context.Context, orderID string) (domain.PaymentAttempt, error) {
	return r.findOne(ctx, "paymentAttempts.findActive", func(col *firestore.CollectionRef) firestore.Query {
		return col.Where("orderId", "==", strings.TrimSpace(orderID)).Where("status", "==", string(domain.PaymentAttemptPending)).Limit(1)
	}, fmt.Sprintf("no pending attempt for order %s", orderID))
}

// FindByGatewayRef resolves a provider transaction id to an attempt.
func (r *PaymentAttemptRepository) FindByGatewayRef(ctx context.Context, gatewayRef string) (domain.PaymentAttempt, error) {
	return r.findOne(ctx, "paymentAttempts.findByGatewayRef", func(col *firestore.CollectionRef) firestore.Query {
		return col.Where("gatewayRef", "==", strings.TrimSpace(gatewayRef)).Limit(1)
	}, fmt.Sprintf("no attempt for gateway ref %s", gatewayRef))
}

// ListByOrder returns the full attempt trail for an order, oldest first.
func (r *PaymentAttemptRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentAttempt, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("payment attempt repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("payment attempt list: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("paymentAttempts.list", err)
	}

	iter := client.Collection(paymentAttemptsCollection).
		Where("orderId", "==", orderID).
		OrderBy("createdAt", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var attempts []domain.PaymentAttempt
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("paymentAttempts.list", err)
		}
		var doc paymentAttemptDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode payment attempt %s: %w", snap.Ref.ID, err)
		}
		attempts = append(attempts, doc.toDomain(snap.Ref.ID))
	}
	return attempts, nil
}

func (r *PaymentAttemptRepository) findOne(ctx context.Context, op string, build func(*firestore.CollectionRef) firestore.Query, missing string) (domain.PaymentAttempt, error) {
	if r == nil || r.provider == nil {
		return domain.PaymentAttempt{}, errors.New("payment attempt repository not initialised")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.PaymentAttempt{}, pfirestore.WrapError(op, err)
	}

	iter := build(client.Collection(paymentAttemptsCollection)).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.PaymentAttempt{}, pfirestore.WrapError(op, status.Error(codes.NotFound, missing))
	}
	if err != nil {
		return domain.PaymentAttempt{}, pfirestore.WrapError(op, err)
	}
	var doc paymentAttemptDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.PaymentAttempt{}, fmt.Errorf("decode payment attempt %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

type paymentAttemptDocument struct {
	OrderID     string         `firestore:"orderId"`
	GatewayRef  string         `firestore:"gatewayRef,omitempty"`
	RequestHash string         `firestore:"requestHash"`
	PaymentURL  string         `firestore:"paymentUrl"`
	Status      string         `firestore:"status"`
	Amount      int64          `firestore:"amount"`
	Currency    string         `firestore:"currency"`
	CreatedAt   time.Time      `firestore:"createdAt"`
	ExpiresAt   time.Time      `firestore:"expiresAt"`
	CallbackAt  *time.Time     `firestore:"callbackAt,omitempty"`
	Raw         map[string]any `firestore:"raw,omitempty"`
}

func newPaymentAttemptDocument(attempt domain.PaymentAttempt) paymentAttemptDocument {
	return paymentAttemptDocument{
		OrderID:     attempt.OrderID,
		GatewayRef:  attempt.GatewayRef,
		RequestHash: attempt.RequestHash,
		PaymentURL:  attempt.PaymentURL,
		Status:      string(attempt.Status),
		Amount:      attempt.Amount,
		Currency:    attempt.Currency,
		CreatedAt:   attempt.CreatedAt.UTC(),
		ExpiresAt:   attempt.ExpiresAt.UTC(),
		CallbackAt:  attempt.CallbackAt,
		Raw:         attempt.Raw,
	}
}

func (d paymentAttemptDocument) toDomain(id string) domain.PaymentAttempt {
	return domain.PaymentAttempt{
		ID:          id,
		OrderID:     d.OrderID,
		GatewayRef:  d.GatewayRef,
		RequestHash: d.RequestHash,
		PaymentURL:  d.PaymentURL,
		Status:      domain.PaymentAttemptStatus(d.Status),
		Amount:      d.Amount,
		Currency:    d.Currency,
		CreatedAt:   d.CreatedAt,
		ExpiresAt:   d.ExpiresAt,
		CallbackAt:  d.CallbackAt,
		Raw:         d.Raw,
	}
}
