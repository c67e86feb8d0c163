package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/marketplane/api/internal/domain"
	"github.com/marketplane/api/internal/gateway"
	"github.com/marketplane/api/internal/repositories"
)

type stubOrderRepo struct {
	insertFn     func(context.Context, domain.Order) error
	updateFn     func(context.Context, domain.Order) error
	findFn       func(context.Context, string) (domain.Order, error)
	findNumberFn func(context.Context, string) (domain.Order, error)
	listFn       func(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) Update(ctx context.Context, order domain.Order) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if s.findNumberFn != nil {
		return s.findNumberFn(ctx, orderNumber)
	}
	return domain.Order{}, notFoundRepoErr{}
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

type stubCatalogRepo struct {
	getFn       func(context.Context, string) (domain.Product, error)
	decrementFn func(context.Context, repositories.StockMovement) (domain.Product, error)
	restoreFn   func(context.Context, repositories.StockMovement) (domain.Product, error)
	restored    []repositories.StockMovement
}

func (s *stubCatalogRepo) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	if s.getFn != nil {
		return s.getFn(ctx, productID)
	}
	return domain.Product{}, repositories.NewCatalogError(repositories.CatalogErrorProductNotFound, "not found", nil)
}

func (s *stubCatalogRepo) DecrementStock(ctx context.Context, req repositories.StockMovement) (domain.Product, error) {
	if s.decrementFn != nil {
		return s.decrementFn(ctx, req)
	}
	return domain.Product{}, nil
}

func (s *stubCatalogRepo) RestoreStock(ctx context.Context, req repositories.StockMovement) (domain.Product, error) {
	s.restored = append(s.restored, req)
	if s.restoreFn != nil {
		return s.restoreFn(ctx, req)
	}
	return domain.Product{}, nil
}

type stubAttemptRepo struct {
	insertFn      func(context.Context, domain.PaymentAttempt) error
	updateFn      func(context.Context, domain.PaymentAttempt) error
	findActiveFn  func(context.Context, string) (domain.PaymentAttempt, error)
	findByRefFn   func(context.Context, string) (domain.PaymentAttempt, error)
	listByOrderFn func(context.Context, string) ([]domain.PaymentAttempt, error)
	updated       []domain.PaymentAttempt
	inserted      []domain.PaymentAttempt
}

func (s *stubAttemptRepo) Insert(ctx context.Context, attempt domain.PaymentAttempt) error {
	s.inserted = append(s.inserted, attempt)
	if s.insertFn != nil {
		return s.insertFn(ctx, attempt)
	}
	return nil
}

func (s *stubAttemptRepo) Update(ctx context.Context, attempt domain.PaymentAttempt) error {
	s.updated = append(s.updated, attempt)
	if s.updateFn != nil {
		return s.updateFn(ctx, attempt)
	}
	return nil
}

func (s *stubAttemptRepo) FindByID(context.Context, string) (domain.PaymentAttempt, error) {
	return domain.PaymentAttempt{}, errors.New("not implemented")
}

func (s *stubAttemptRepo) FindActiveByOrder(ctx context.Context, orderID string) (domain.PaymentAttempt, error) {
	if s.findActiveFn != nil {
		return s.findActiveFn(ctx, orderID)
	}
	return domain.PaymentAttempt{}, errNoActiveAttempt
}

func (s *stubAttemptRepo) FindByGatewayRef(ctx context.Context, gatewayRef string) (domain.PaymentAttempt, error) {
	if s.findByRefFn != nil {
		return s.findByRefFn(ctx, gatewayRef)
	}
	return domain.PaymentAttempt{}, errNoActiveAttempt
}

func (s *stubAttemptRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentAttempt, error) {
	if s.listByOrderFn != nil {
		return s.listByOrderFn(ctx, orderID)
	}
	return nil, nil
}

type notFoundRepoErr struct{}

func (notFoundRepoErr) Error() string       { return "not found" }
func (notFoundRepoErr) IsNotFound() bool    { return true }
func (notFoundRepoErr) IsConflict() bool    { return false }
func (notFoundRepoErr) IsUnavailable() bool { return false }

var errNoActiveAttempt error = notFoundRepoErr{}

type stubGateway struct {
	createFn func(context.Context, gateway.PaymentRequest) (gateway.PaymentSession, error)
	verifyFn func(map[string]string) bool
	statusFn func(context.Context, string) (gateway.StatusResult, error)
	currency string
}

func (s *stubGateway) CreatePaymentRequest(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentSession, error) {
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return gateway.PaymentSession{RefNo: req.RefNo, PaymentURL: "https://pay.example/" + req.RefNo}, nil
}

func (s *stubGateway) VerifyCallback(fields map[string]string) bool {
	if s.verifyFn != nil {
		return s.verifyFn(fields)
	}
	return true
}

func (s *stubGateway) CheckStatus(ctx context.Context, refNo string) (gateway.StatusResult, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, refNo)
	}
	return gateway.StatusResult{RefNo: refNo, Status: gateway.StatusPending}, nil
}

func (s *stubGateway) Currency() string {
	if s.currency != "" {
		return s.currency
	}
	return "PHP"
}

type captureOrderEvents struct {
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.events = append(c.events, event)
	return nil
}

type captureAudit struct {
	records []AuditLogRecord
}

func (c *captureAudit) Record(_ context.Context, record AuditLogRecord) {
	c.records = append(c.records, record)
}

func (c *captureAudit) List(context.Context, AuditLogFilter) (domain.CursorPage[AuditLogEntry], error) {
	return domain.CursorPage[AuditLogEntry]{}, nil
}

type orderServiceFixture struct {
	orders   *stubOrderRepo
	attempts *stubAttemptRepo
	catalog  *stubCatalogRepo
	gateway  *stubGateway
	events   *captureOrderEvents
	audit    *captureAudit
	now      time.Time
}

func newOrderServiceFixture(t *testing.T) (*orderServiceFixture, OrderService) {
	t.Helper()
	f := &orderServiceFixture{
		orders:   &stubOrderRepo{},
		attempts: &stubAttemptRepo{},
		catalog:  &stubCatalogRepo{},
		gateway:  &stubGateway{},
		events:   &captureOrderEvents{},
		audit:    &captureAudit{},
		now:      time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC),
	}

	counters := &stubCounterRepo{nextFn: func(context.Context, string, int64) (int64, error) { return 17, nil }}
	builder, err := NewOrderBuilder(OrderBuilderDeps{
		Catalog:  f.catalog,
		Orders:   f.orders,
		Counters: counters,
		Clock:    func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("NewOrderBuilder: %v", err)
	}

	svc, err := NewOrderService(OrderServiceDeps{
		Orders:   f.orders,
		Attempts: f.attempts,
		Catalog:  f.catalog,
		Builder:  builder,
		Gateway:  f.gateway,
		Audit:    f.audit,
		Events:   f.events,
		Clock:    func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return f, svc
}

type stubCounterRepo struct {
	nextFn func(context.Context, string, int64) (int64, error)
}

func (s *stubCounterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID, step)
	}
	return 0, nil
}

func (s *stubCounterRepo) Configure(context.Context, string, repositories.CounterConfig) error {
	return nil
}

func pendingOrder(now time.Time) domain.Order {
	return domain.Order{
		ID:          "ord_1",
		OrderNumber: "MP-2026-000017",
		CustomerID:  "cus_1",
		Status:      domain.OrderStatusPendingPayment,
		Currency:    "PHP",
		TotalAmount: 25000,
		SubOrders: []domain.MerchantOrder{
			{
				ID:         "sub_1",
				OrderID:    "ord_1",
				MerchantID: "M1",
				Status:     domain.OrderStatusPendingPayment,
				Subtotal:   20000,
				Lines: []domain.OrderLine{
					{ProductID: "A", MerchantID: "M1", Quantity: 2, UnitPrice: 10000, Subtotal: 20000},
				},
			},
			{
				ID:         "sub_2",
				OrderID:    "ord_1",
				MerchantID: "M2",
				Status:     domain.OrderStatusPendingPayment,
				Subtotal:   5000,
				Lines: []domain.OrderLine{
					{ProductID: "B", MerchantID: "M2", Quantity: 1, UnitPrice: 5000, Subtotal: 5000},
				},
			},
		},
		CreatedAt: now.Add(-time.Hour),
		UpdatedAt: now.Add(-time.Hour),
	}
}

func TestCreateOrderReturnsPaymentURL(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	stock := map[string]int{"A": 5, "B": 3}
	f.catalog.getFn = func(_ context.Context, id string) (domain.Product, error) {
		products := map[string]domain.Product{
			"A": {ID: "A", MerchantID: "M1", Name: "Alpha", Price: 10000, StockAvailable: stock["A"], Active: true},
			"B": {ID: "B", MerchantID: "M2", Name: "Beta", Price: 5000, StockAvailable: stock["B"], Active: true},
		}
		p, ok := products[id]
		if !ok {
			return domain.Product{}, repositories.NewCatalogError(repositories.CatalogErrorProductNotFound, "missing", nil)
		}
		return p, nil
	}
	f.catalog.decrementFn = func(_ context.Context, req repositories.StockMovement) (domain.Product, error) {
		stock[req.ProductID] -= req.Quantity
		return domain.Product{}, nil
	}

	result, err := svc.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID: "cus_1",
		Lines: []domain.CartLine{
			{ProductID: "A", Quantity: 2},
			{ProductID: "B", Quantity: 1},
		},
		Contact: domain.OrderContact{Email: "buyer@example.com", Name: "Buyer"},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if result.Order.TotalAmount != 25000 {
		t.Fatalf("expected total 25000, got %d", result.Order.TotalAmount)
	}
	if len(result.Order.SubOrders) != 2 {
		t.Fatalf("expected 2 sub-orders, got %d", len(result.Order.SubOrders))
	}
	if result.PaymentURL == "" {
		t.Fatalf("expected payment url")
	}
	if result.Attempt.Status != domain.PaymentAttemptPending {
		t.Fatalf("expected pending attempt, got %s", result.Attempt.Status)
	}
	if stock["A"] != 3 || stock["B"] != 2 {
		t.Fatalf("expected stock decremented, got %v", stock)
	}
	if len(f.events.events) == 0 || f.events.events[0].Type != "order.created" {
		t.Fatalf("expected order.created event, got %+v", f.events.events)
	}
}

func TestCreateOrderSurvivesGatewayFailure(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	f.catalog.getFn = func(_ context.Context, id string) (domain.Product, error) {
		return domain.Product{ID: id, MerchantID: "M1", Price: 10000, StockAvailable: 9, Active: true}, nil
	}
	f.gateway.createFn = func(context.Context, gateway.PaymentRequest) (gateway.PaymentSession, error) {
		return gateway.PaymentSession{}, &gateway.Error{Op: "payments.create", StatusCode: 502, Err: errors.New("bad gateway")}
	}

	var inserted *domain.Order
	f.orders.insertFn = func(_ context.Context, order domain.Order) error {
		inserted = &order
		return nil
	}

	_, err := svc.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID: "cus_1",
		Lines:      []domain.CartLine{{ProductID: "A", Quantity: 1}},
	})
	if err == nil {
		t.Fatalf("expected gateway error")
	}
	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected gateway error in chain, got %v", err)
	}
	if inserted == nil {
		t.Fatalf("expected order persisted before gateway call")
	}
	if inserted.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("expected pending_payment, got %s", inserted.Status)
	}
	if len(f.catalog.restored) != 0 {
		t.Fatalf("stock must not be restored on gateway failure, got %v", f.catalog.restored)
	}
}

func TestRetryPaymentReusesPendingAttempt(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }
	f.attempts.findActiveFn = func(context.Context, string) (domain.PaymentAttempt, error) {
		return domain.PaymentAttempt{
			ID:         "pay_1",
			OrderID:    order.ID,
			PaymentURL: "https://pay.example/ord_1",
			Status:     domain.PaymentAttemptPending,
			ExpiresAt:  f.now.Add(10 * time.Minute),
		}, nil
	}

	gatewayCalls := 0
	f.gateway.createFn = func(context.Context, gateway.PaymentRequest) (gateway.PaymentSession, error) {
		gatewayCalls++
		return gateway.PaymentSession{PaymentURL: "https://pay.example/new"}, nil
	}

	attempt, err := svc.RetryPayment(context.Background(), RetryPaymentCommand{
		OrderID: order.ID,
		Actor:   domain.Actor{ID: "cus_1", Type: domain.ActorTypeCustomer},
	})
	if err != nil {
		t.Fatalf("RetryPayment: %v", err)
	}
	if attempt.ID != "pay_1" {
		t.Fatalf("expected the pending attempt reused, got %s", attempt.ID)
	}
	if gatewayCalls != 0 {
		t.Fatalf("gateway must not be called when a valid attempt exists")
	}
	if len(f.catalog.restored) != 0 {
		t.Fatalf("retry must not touch stock")
	}
}

func TestRetryPaymentExpiresStaleAttempt(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }
	f.attempts.findActiveFn = func(context.Context, string) (domain.PaymentAttempt, error) {
		return domain.PaymentAttempt{
			ID:        "pay_old",
			OrderID:   order.ID,
			Status:    domain.PaymentAttemptPending,
			ExpiresAt: f.now.Add(-time.Minute),
		}, nil
	}

	attempt, err := svc.RetryPayment(context.Background(), RetryPaymentCommand{
		OrderID: order.ID,
		Actor:   domain.Actor{ID: "cus_1", Type: domain.ActorTypeCustomer},
	})
	if err != nil {
		t.Fatalf("RetryPayment: %v", err)
	}
	if attempt.ID == "pay_old" {
		t.Fatalf("expected a fresh attempt, got the expired one")
	}
	if len(f.attempts.updated) == 0 || f.attempts.updated[0].Status != domain.PaymentAttemptExpired {
		t.Fatalf("expected stale attempt marked expired, got %+v", f.attempts.updated)
	}
	if len(f.attempts.inserted) != 1 {
		t.Fatalf("expected one new attempt, got %d", len(f.attempts.inserted))
	}
}

func TestRetryPaymentRejectsForeignCustomer(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	_, err := svc.RetryPayment(context.Background(), RetryPaymentCommand{
		OrderID: order.ID,
		Actor:   domain.Actor{ID: "cus_other", Type: domain.ActorTypeCustomer},
	})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
}

func TestHandlePaymentCallbackRejectsBadSignature(t *testing.T) {
	f, svc := newOrderServiceFixture(t)
	f.gateway.verifyFn = func(map[string]string) bool { return false }

	updateCalls := 0
	f.orders.updateFn = func(context.Context, domain.Order) error {
		updateCalls++
		return nil
	}

	err := svc.HandlePaymentCallback(context.Background(), PaymentCallbackCommand{
		Fields: map[string]string{"refno": "ord_1", "status": "paid", "signature": "bogus"},
	})
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
	if updateCalls != 0 {
		t.Fatalf("rejected callback must not mutate the order")
	}
}

func TestHandlePaymentCallbackMarksPaid(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	var updated *domain.Order
	f.orders.updateFn = func(_ context.Context, o domain.Order) error {
		updated = &o
		return nil
	}
	f.attempts.findActiveFn = func(context.Context, string) (domain.PaymentAttempt, error) {
		return domain.PaymentAttempt{ID: "pay_1", OrderID: order.ID, Status: domain.PaymentAttemptPending}, nil
	}

	err := svc.HandlePaymentCallback(context.Background(), PaymentCallbackCommand{
		Fields: map[string]string{
			"refno":          "ord_1",
			"status":         "paid",
			"transaction_id": "tx_77",
			"signature":      "good",
		},
	})
	if err != nil {
		t.Fatalf("HandlePaymentCallback: %v", err)
	}
	if updated == nil || updated.Status != domain.OrderStatusPaid {
		t.Fatalf("expected order paid, got %+v", updated)
	}
	if updated.PaymentRef == nil || *updated.PaymentRef != "tx_77" {
		t.Fatalf("expected payment ref tx_77, got %v", updated.PaymentRef)
	}
	if updated.PaidAt == nil {
		t.Fatalf("expected paidAt stamped")
	}
	if len(f.attempts.updated) != 1 || f.attempts.updated[0].Status != domain.PaymentAttemptSucceeded {
		t.Fatalf("expected attempt settled, got %+v", f.attempts.updated)
	}
	if len(f.events.events) != 1 || f.events.events[0].Type != "order.paid" {
		t.Fatalf("expected order.paid event, got %+v", f.events.events)
	}
}

func TestHandlePaymentCallbackPaidReplayIsIdempotent(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	order.Status = domain.OrderStatusPaid
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	updateCalls := 0
	f.orders.updateFn = func(context.Context, domain.Order) error {
		updateCalls++
		return nil
	}

	err := svc.HandlePaymentCallback(context.Background(), PaymentCallbackCommand{
		Fields: map[string]string{"refno": "ord_1", "status": "paid", "signature": "good"},
	})
	if err != nil {
		t.Fatalf("replayed callback must succeed, got %v", err)
	}
	if updateCalls != 0 {
		t.Fatalf("replayed callback must not write")
	}
	if len(f.events.events) != 0 {
		t.Fatalf("replayed callback must not emit events")
	}
}

func TestHandlePaymentCallbackFailureRestoresStock(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	var updated *domain.Order
	f.orders.updateFn = func(_ context.Context, o domain.Order) error {
		updated = &o
		return nil
	}

	err := svc.HandlePaymentCallback(context.Background(), PaymentCallbackCommand{
		Fields: map[string]string{"refno": "ord_1", "status": "failed", "signature": "good"},
	})
	if err != nil {
		t.Fatalf("HandlePaymentCallback: %v", err)
	}
	if updated == nil || updated.Status != domain.OrderStatusPaymentFailed {
		t.Fatalf("expected payment_failed, got %+v", updated)
	}
	if len(f.catalog.restored) != 2 {
		t.Fatalf("expected both lines restored, got %+v", f.catalog.restored)
	}
	var qtyA, qtyB int
	for _, m := range f.catalog.restored {
		switch m.ProductID {
		case "A":
			qtyA = m.Quantity
		case "B":
			qtyB = m.Quantity
		}
	}
	if qtyA != 2 || qtyB != 1 {
		t.Fatalf("expected restored quantities 2 and 1, got A=%d B=%d", qtyA, qtyB)
	}
}

func TestHandlePaymentCallbackAppliesVerifiedAmountAndTimestamp(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	var updated *domain.Order
	f.orders.updateFn = func(_ context.Context, o domain.Order) error {
		updated = &o
		return nil
	}
	f.attempts.findActiveFn = func(context.Context, string) (domain.PaymentAttempt, error) {
		return domain.PaymentAttempt{ID: "pay_1", OrderID: order.ID, Status: domain.PaymentAttemptPending}, nil
	}

	settledAt := f.now.Add(-2 * time.Minute)
	err := svc.HandlePaymentCallback(context.Background(), PaymentCallbackCommand{
		Fields: map[string]string{
			"refno":          "ord_1",
			"status":         "paid",
			"transaction_id": "tx_77",
			"amount":         "250.00",
			"currency":       "php",
			"timestamp":      settledAt.Format(time.RFC3339),
			"signature":      "good",
		},
	})
	if err != nil {
		t.Fatalf("HandlePaymentCallback: %v", err)
	}
	if updated == nil || updated.Status != domain.OrderStatusPaid {
		t.Fatalf("expected order paid, got %+v", updated)
	}
	if len(f.attempts.updated) != 1 {
		t.Fatalf("expected attempt settled, got %+v", f.attempts.updated)
	}
	attempt := f.attempts.updated[0]
	if attempt.Status != domain.PaymentAttemptSucceeded {
		t.Fatalf("expected succeeded attempt, got %s", attempt.Status)
	}
	if attempt.CallbackAt == nil || !attempt.CallbackAt.Equal(settledAt) {
		t.Fatalf("expected callback timestamp %s on the attempt, got %v", settledAt, attempt.CallbackAt)
	}
}

func TestHandlePaymentCallbackRejectsAmountMismatch(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	updateCalls := 0
	f.orders.updateFn = func(context.Context, domain.Order) error {
		updateCalls++
		return nil
	}

	err := svc.HandlePaymentCallback(context.Background(), PaymentCallbackCommand{
		Fields: map[string]string{
			"refno":     "ord_1",
			"status":    "paid",
			"amount":    "150.00",
			"signature": "good",
		},
	})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict on amount mismatch, got %v", err)
	}
	if updateCalls != 0 {
		t.Fatalf("mismatched callback must not mutate the order")
	}
	if len(f.events.events) != 0 {
		t.Fatalf("mismatched callback must not emit events")
	}
}

func TestHandlePaymentCallbackRejectsCurrencyMismatch(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	updateCalls := 0
	f.orders.updateFn = func(context.Context, domain.Order) error {
		updateCalls++
		return nil
	}

	err := svc.HandlePaymentCallback(context.Background(), PaymentCallbackCommand{
		Fields: map[string]string{
			"refno":     "ord_1",
			"status":    "paid",
			"amount":    "250.00",
			"currency":  "USD",
			"signature": "good",
		},
	})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict on currency mismatch, got %v", err)
	}
	if updateCalls != 0 {
		t.Fatalf("mismatched callback must not mutate the order")
	}
}

func TestHandlePaymentCallbackRejectsMalformedAmount(t *testing.T) {
	_, svc := newOrderServiceFixture(t)

	err := svc.HandlePaymentCallback(context.Background(), PaymentCallbackCommand{
		Fields: map[string]string{
			"refno":     "ord_1",
			"status":    "paid",
			"amount":    "two hundred",
			"signature": "good",
		},
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput for malformed amount, got %v", err)
	}
}

func TestHandlePaymentCallbackResolvesOrderNumberRef(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	f.orders.findFn = func(context.Context, string) (domain.Order, error) {
		return domain.Order{}, notFoundRepoErr{}
	}
	f.orders.findNumberFn = func(_ context.Context, orderNumber string) (domain.Order, error) {
		if orderNumber != order.OrderNumber {
			return domain.Order{}, notFoundRepoErr{}
		}
		return order, nil
	}

	var updated *domain.Order
	f.orders.updateFn = func(_ context.Context, o domain.Order) error {
		updated = &o
		return nil
	}

	err := svc.HandlePaymentCallback(context.Background(), PaymentCallbackCommand{
		Fields: map[string]string{
			"refno":     order.OrderNumber,
			"status":    "paid",
			"signature": "good",
		},
	})
	if err != nil {
		t.Fatalf("HandlePaymentCallback: %v", err)
	}
	if updated == nil || updated.Status != domain.OrderStatusPaid {
		t.Fatalf("expected order resolved by number and paid, got %+v", updated)
	}
}

func TestHandlePaymentCallbackUnknownRefIsNotFound(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	f.orders.findFn = func(context.Context, string) (domain.Order, error) {
		return domain.Order{}, notFoundRepoErr{}
	}

	err := svc.HandlePaymentCallback(context.Background(), PaymentCallbackCommand{
		Fields: map[string]string{"refno": "ord_missing", "status": "paid", "signature": "good"},
	})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestHandlePaymentCallbackSettlesAttemptByGatewayRef(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }
	f.orders.updateFn = func(context.Context, domain.Order) error { return nil }

	f.attempts.findActiveFn = func(context.Context, string) (domain.PaymentAttempt, error) {
		return domain.PaymentAttempt{}, errNoActiveAttempt
	}
	f.attempts.findByRefFn = func(_ context.Context, gatewayRef string) (domain.PaymentAttempt, error) {
		if gatewayRef != "tx_88" {
			return domain.PaymentAttempt{}, errNoActiveAttempt
		}
		return domain.PaymentAttempt{ID: "pay_stale", OrderID: order.ID, GatewayRef: "tx_88", Status: domain.PaymentAttemptExpired}, nil
	}

	err := svc.HandlePaymentCallback(context.Background(), PaymentCallbackCommand{
		Fields: map[string]string{
			"refno":          "ord_1",
			"status":         "paid",
			"transaction_id": "tx_88",
			"signature":      "good",
		},
	})
	if err != nil {
		t.Fatalf("HandlePaymentCallback: %v", err)
	}
	if len(f.attempts.updated) != 1 {
		t.Fatalf("expected the expired attempt settled via gateway ref, got %+v", f.attempts.updated)
	}
	if f.attempts.updated[0].ID != "pay_stale" || f.attempts.updated[0].Status != domain.PaymentAttemptSucceeded {
		t.Fatalf("expected pay_stale marked succeeded, got %+v", f.attempts.updated[0])
	}
}

func TestListPaymentAttemptsReturnsTrail(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }
	f.attempts.listByOrderFn = func(_ context.Context, orderID string) ([]domain.PaymentAttempt, error) {
		if orderID != order.ID {
			return nil, nil
		}
		return []domain.PaymentAttempt{
			{ID: "pay_1", OrderID: order.ID, Status: domain.PaymentAttemptExpired},
			{ID: "pay_2", OrderID: order.ID, Status: domain.PaymentAttemptPending},
		}, nil
	}

	attempts, err := svc.ListPaymentAttempts(context.Background(), ListPaymentAttemptsCommand{
		OrderID: order.ID,
		Actor:   domain.Actor{ID: "cus_1", Type: domain.ActorTypeCustomer},
	})
	if err != nil {
		t.Fatalf("ListPaymentAttempts: %v", err)
	}
	if len(attempts) != 2 || attempts[0].ID != "pay_1" || attempts[1].ID != "pay_2" {
		t.Fatalf("unexpected attempt trail: %+v", attempts)
	}
}

func TestListPaymentAttemptsRejectsForeignCustomer(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	_, err := svc.ListPaymentAttempts(context.Background(), ListPaymentAttemptsCommand{
		OrderID: order.ID,
		Actor:   domain.Actor{ID: "cus_other", Type: domain.ActorTypeCustomer},
	})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
}

func TestCancelOrderCustomerPendingOnly(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	order.Status = domain.OrderStatusPaid
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	_, err := svc.CancelOrder(context.Background(), CancelOrderCommand{
		OrderID: order.ID,
		Actor:   domain.Actor{ID: "cus_1", Type: domain.ActorTypeCustomer},
	})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("customer cancelling a paid order must be forbidden, got %v", err)
	}
}

func TestCancelOrderAdminPaidRestoresStock(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	order.Status = domain.OrderStatusPaid
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	var updated *domain.Order
	f.orders.updateFn = func(_ context.Context, o domain.Order) error {
		updated = &o
		return nil
	}

	cancelled, err := svc.CancelOrder(context.Background(), CancelOrderCommand{
		OrderID: order.ID,
		Actor:   domain.Actor{ID: "adm_1", Type: domain.ActorTypeAdmin},
		Reason:  "fraud review",
	})
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.CancelReason == nil || *cancelled.CancelReason != "fraud review" {
		t.Fatalf("expected cancel reason recorded")
	}
	if updated == nil || updated.CancelledAt == nil {
		t.Fatalf("expected cancelledAt persisted")
	}
	if len(f.catalog.restored) != 2 {
		t.Fatalf("expected stock restored for both lines, got %+v", f.catalog.restored)
	}
	if len(f.events.events) != 1 || f.events.events[0].Type != "order.cancelled" {
		t.Fatalf("expected order.cancelled event, got %+v", f.events.events)
	}
}

func TestCancelOrderMerchantForbidden(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	_, err := svc.CancelOrder(context.Background(), CancelOrderCommand{
		OrderID: order.ID,
		Actor:   domain.Actor{ID: "M1", Type: domain.ActorTypeMerchant},
	})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
}

func TestTransitionOrderFullFulfillmentPath(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	order.Status = domain.OrderStatusPaid
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }
	f.orders.updateFn = func(_ context.Context, o domain.Order) error {
		order = o
		return nil
	}

	actor := domain.Actor{ID: "M1", Type: domain.ActorTypeMerchant}

	if _, err := svc.TransitionOrder(context.Background(), TransitionOrderCommand{
		OrderID: order.ID, Actor: actor, TargetStatus: domain.OrderStatusProcessing,
	}); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected processing, got %s", order.Status)
	}

	tracking := "TRK-9000"
	shipped, err := svc.TransitionOrder(context.Background(), TransitionOrderCommand{
		OrderID: order.ID, Actor: actor, TargetStatus: domain.OrderStatusShipped, TrackingNumber: &tracking,
	})
	if err != nil {
		t.Fatalf("to shipped: %v", err)
	}
	if shipped.ShippedAt == nil {
		t.Fatalf("expected shippedAt stamped")
	}
	var m1Tracking *string
	for _, sub := range shipped.SubOrders {
		if sub.MerchantID == "M1" {
			m1Tracking = sub.TrackingNumber
		}
	}
	if m1Tracking == nil || *m1Tracking != "TRK-9000" {
		t.Fatalf("expected tracking on merchant sub-order, got %v", m1Tracking)
	}

	delivered, err := svc.TransitionOrder(context.Background(), TransitionOrderCommand{
		OrderID: order.ID, Actor: actor, TargetStatus: domain.OrderStatusDelivered,
	})
	if err != nil {
		t.Fatalf("to delivered: %v", err)
	}
	if delivered.DeliveredAt == nil {
		t.Fatalf("expected deliveredAt stamped")
	}
}

func TestTransitionOrderRejectsTrackingOutsideShipped(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	order.Status = domain.OrderStatusPaid
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	tracking := "TRK-1"
	_, err := svc.TransitionOrder(context.Background(), TransitionOrderCommand{
		OrderID:        order.ID,
		Actor:          domain.Actor{ID: "M1", Type: domain.ActorTypeMerchant},
		TargetStatus:   domain.OrderStatusProcessing,
		TrackingNumber: &tracking,
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestTransitionOrderRequiresTrackingToShip(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	order.Status = domain.OrderStatusProcessing
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	_, err := svc.TransitionOrder(context.Background(), TransitionOrderCommand{
		OrderID:      order.ID,
		Actor:        domain.Actor{ID: "M1", Type: domain.ActorTypeMerchant},
		TargetStatus: domain.OrderStatusShipped,
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestTransitionOrderRejectsInvalidHops(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	cases := []struct {
		name   string
		from   domain.OrderStatus
		target domain.OrderStatus
	}{
		{"pending to processing", domain.OrderStatusPendingPayment, domain.OrderStatusProcessing},
		{"paid to shipped skips processing", domain.OrderStatusPaid, domain.OrderStatusShipped},
		{"paid to delivered", domain.OrderStatusPaid, domain.OrderStatusDelivered},
		{"cancelled is terminal", domain.OrderStatusCancelled, domain.OrderStatusProcessing},
		{"delivered is terminal", domain.OrderStatusDelivered, domain.OrderStatusProcessing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := pendingOrder(f.now)
			order.Status = tc.from
			f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

			cmd := TransitionOrderCommand{
				OrderID:      order.ID,
				Actor:        domain.Actor{ID: "adm_1", Type: domain.ActorTypeAdmin},
				TargetStatus: tc.target,
			}
			if tc.target == domain.OrderStatusShipped {
				tracking := "TRK-1"
				cmd.TrackingNumber = &tracking
			}
			if _, err := svc.TransitionOrder(context.Background(), cmd); !errors.Is(err, ErrOrderInvalidState) {
				t.Fatalf("expected ErrOrderInvalidState, got %v", err)
			}
		})
	}
}

func TestTransitionOrderMerchantMustOwnSubOrder(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	order.Status = domain.OrderStatusPaid
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	_, err := svc.TransitionOrder(context.Background(), TransitionOrderCommand{
		OrderID:      order.ID,
		Actor:        domain.Actor{ID: "M99", Type: domain.ActorTypeMerchant},
		TargetStatus: domain.OrderStatusProcessing,
	})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
}

func TestRefreshPaymentStatusAppliesPaid(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	state := pendingOrder(f.now)
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return state, nil }
	f.orders.updateFn = func(_ context.Context, o domain.Order) error {
		state = o
		return nil
	}
	f.gateway.statusFn = func(_ context.Context, refNo string) (gateway.StatusResult, error) {
		return gateway.StatusResult{RefNo: refNo, Status: gateway.StatusPaid, GatewayRef: "tx_55"}, nil
	}

	order, err := svc.RefreshPaymentStatus(context.Background(), RefreshPaymentCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("RefreshPaymentStatus: %v", err)
	}
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", order.Status)
	}
}

func TestRefreshPaymentStatusSkipsSettledOrders(t *testing.T) {
	f, svc := newOrderServiceFixture(t)

	order := pendingOrder(f.now)
	order.Status = domain.OrderStatusDelivered
	f.orders.findFn = func(context.Context, string) (domain.Order, error) { return order, nil }

	statusCalls := 0
	f.gateway.statusFn = func(_ context.Context, refNo string) (gateway.StatusResult, error) {
		statusCalls++
		return gateway.StatusResult{}, nil
	}

	got, err := svc.RefreshPaymentStatus(context.Background(), RefreshPaymentCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("RefreshPaymentStatus: %v", err)
	}
	if statusCalls != 0 {
		t.Fatalf("gateway must not be polled for settled orders")
	}
	if got.Status != domain.OrderStatusDelivered {
		t.Fatalf("expected delivered unchanged, got %s", got.Status)
	}
}

func TestGetOrderMapsNotFound(t *testing.T) {
	f, svc := newOrderServiceFixture(t)
	f.orders.findFn = func(context.Context, string) (domain.Order, error) {
		return domain.Order{}, notFoundRepoErr{}
	}

	_, err := svc.GetOrder(context.Background(), "ord_missing")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}
