package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/marketplane/api/internal/domain"
	"github.com/marketplane/api/internal/gateway"
	"github.com/marketplane/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventPaid          = "order.paid"
	orderEventPaymentFailed = "order.payment_failed"
	orderEventCancelled     = "order.cancelled"
	orderEventProcessing    = "order.processing"
	orderEventShipped       = "order.shipped"
	orderEventDelivered     = "order.delivered"

	orderIDPrefix          = "ord_"
	paymentAttemptIDPrefix = "pay_"

	defaultAttemptTTL = 30 * time.Minute
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderForbidden indicates the actor may not perform the transition.
	ErrOrderForbidden = errors.New("order: actor not permitted")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrSignatureMismatch indicates a callback whose signature failed verification.
	ErrSignatureMismatch = errors.New("order: callback signature mismatch")
)

var orderStateTransitions = map[string][]string{
	string(domain.OrderStatusPendingPayment): {
		string(domain.OrderStatusPaid),
		string(domain.OrderStatusCancelled),
		string(domain.OrderStatusPaymentFailed),
	},
	string(domain.OrderStatusPaid): {
		string(domain.OrderStatusProcessing),
		string(domain.OrderStatusCancelled),
	},
	string(domain.OrderStatusProcessing): {string(domain.OrderStatusShipped)},
	string(domain.OrderStatusShipped):    {string(domain.OrderStatusDelivered)},
}

var orderEventByStatus = map[string]string{
	string(domain.OrderStatusPaid):          orderEventPaid,
	string(domain.OrderStatusPaymentFailed): orderEventPaymentFailed,
	string(domain.OrderStatusCancelled):     orderEventCancelled,
	string(domain.OrderStatusProcessing):    orderEventProcessing,
	string(domain.OrderStatusShipped):       orderEventShipped,
	string(domain.OrderStatusDelivered):     orderEventDelivered,
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Attempts    repositories.PaymentAttemptRepository
	Catalog     repositories.CatalogRepository
	Builder     *OrderBuilder
	Gateway     PaymentGateway
	UnitOfWork  repositories.UnitOfWork
	Audit       AuditLogService
	Events      OrderEventPublisher
	AttemptTTL  time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	attempts   repositories.PaymentAttemptRepository
	catalog    repositories.CatalogRepository
	builder    *OrderBuilder
	gateway    PaymentGateway
	unitOfWork repositories.UnitOfWork
	audit      AuditLogService
	events     OrderEventPublisher
	attemptTTL time.Duration
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Attempts == nil {
		return nil, errors.New("order service: payment attempt repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("order service: catalog repository is required")
	}
	if deps.Builder == nil {
		return nil, errors.New("order service: order builder is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("order service: payment gateway is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	attemptTTL := deps.AttemptTTL
	if attemptTTL <= 0 {
		attemptTTL = defaultAttemptTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		attempts:   deps.Attempts,
		catalog:    deps.Catalog,
		builder:    deps.Builder,
		gateway:    deps.Gateway,
		unitOfWork: unit,
		audit:      deps.Audit,
		events:     deps.Events,
		attemptTTL: attemptTTL,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// CreateOrder builds and persists the order, then opens a payment session.
// The order survives a gateway failure in pending_payment so the payment
// request can be retried without touching stock again.
func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error) {
	order, err := s.builder.Build(ctx, BuildOrderCommand{
		CustomerID:      cmd.CustomerID,
		Lines:           cmd.Lines,
		ShippingAddress: cmd.ShippingAddress,
		Contact:         cmd.Contact,
		Currency:        s.gateway.Currency(),
		Metadata:        cmd.Metadata,
	})
	if err != nil {
		return CreateOrderResult{}, err
	}

	now := s.now()
	actor := domain.Actor{ID: order.CustomerID, Type: domain.ActorTypeCustomer}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CurrentStatus: string(order.Status),
		ActorID:       actor.ID,
		OccurredAt:    now,
		Metadata:      maps.Clone(order.Metadata),
	})
	s.recordAudit(ctx, actor, "order.create", order.ID, map[string]any{
		"orderNumber": order.OrderNumber,
		"total":       order.TotalAmount,
		"currency":    order.Currency,
	})

	attempt, err := s.openPaymentAttempt(ctx, &order, now)
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("order %s created but payment request failed: %w", order.ID, err)
	}

	return CreateOrderResult{
		Order:      order,
		Attempt:    attempt,
		PaymentURL: attempt.PaymentURL,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, mapOrderRepositoryError(err)
	}
	return page, nil
}

// RetryPayment reuses the pending attempt while it is still valid; otherwise
// it expires the stale attempt and opens a fresh payment session. Stock is
// never touched here.
func (s *orderService) RetryPayment(ctx context.Context, cmd RetryPaymentCommand) (PaymentAttempt, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentAttempt{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentAttempt{}, mapOrderRepositoryError(err)
	}
	if err := s.checkPaymentActor(cmd.Actor, order); err != nil {
		return PaymentAttempt{}, err
	}
	if order.Status != domain.OrderStatusPendingPayment {
		return PaymentAttempt{}, fmt.Errorf("%w: order %s is %s", ErrOrderInvalidState, order.ID, order.Status)
	}

	now := s.now()
	active, err := s.attempts.FindActiveByOrder(ctx, order.ID)
	switch {
	case err == nil:
		if active.ExpiresAt.After(now) {
			return active, nil
		}
		active.Status = domain.PaymentAttemptExpired
		if updateErr := s.attempts.Update(ctx, active); updateErr != nil {
			return PaymentAttempt{}, mapOrderRepositoryError(updateErr)
		}
	case isNotFound(err):
		// no pending attempt, open a new one
	default:
		return PaymentAttempt{}, mapOrderRepositoryError(err)
	}

	return s.openPaymentAttempt(ctx, &order, now)
}

// paymentOutcome is the normalized gateway report shared by the callback and
// the status poll. Amount and OccurredAt stay nil when the gateway omits them.
type paymentOutcome struct {
	Status     string
	GatewayRef string
	Amount     *int64
	Currency   string
	OccurredAt *time.Time
	Raw        map[string]any
}

// HandlePaymentCallback verifies and applies a gateway callback. Replays of
// an already-applied outcome succeed without mutating anything.
func (s *orderService) HandlePaymentCallback(ctx context.Context, cmd PaymentCallbackCommand) error {
	fields := cmd.Fields
	if !s.gateway.VerifyCallback(fields) {
		s.logger(ctx, "payment.callback.rejected", map[string]any{
			"refno": strings.TrimSpace(fields["refno"]),
		})
		return ErrSignatureMismatch
	}

	refNo := strings.TrimSpace(fields["refno"])
	if refNo == "" {
		return fmt.Errorf("%w: callback refno is required", ErrOrderInvalidInput)
	}
	status := strings.ToLower(strings.TrimSpace(fields["status"]))
	if status == "" {
		return fmt.Errorf("%w: callback status is required", ErrOrderInvalidInput)
	}

	raw := make(map[string]any, len(fields))
	for k, v := range fields {
		raw[k] = v
	}

	outcome := paymentOutcome{
		Status:     status,
		GatewayRef: strings.TrimSpace(fields["transaction_id"]),
		Currency:   strings.ToUpper(strings.TrimSpace(fields["currency"])),
		Raw:        raw,
	}
	if amountRaw := strings.TrimSpace(fields["amount"]); amountRaw != "" {
		amount, err := domain.ParseMinorUnits(amountRaw)
		if err != nil {
			return fmt.Errorf("%w: callback amount %q is not a valid amount", ErrOrderInvalidInput, amountRaw)
		}
		outcome.Amount = &amount
	}
	if tsRaw := strings.TrimSpace(fields["timestamp"]); tsRaw != "" {
		ts, err := parseCallbackTimestamp(tsRaw)
		if err != nil {
			s.logger(ctx, "payment.callback.bad_timestamp", map[string]any{
				"refno":     refNo,
				"timestamp": tsRaw,
			})
		} else {
			outcome.OccurredAt = &ts
		}
	}

	return s.applyPaymentOutcome(ctx, refNo, outcome, domain.Actor{ID: "gateway", Type: domain.ActorTypeGateway})
}

// RefreshPaymentStatus polls the gateway and applies the reported state,
// reconciling orders whose callback was lost.
func (s *orderService) RefreshPaymentStatus(ctx context.Context, cmd RefreshPaymentCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	if order.Status != domain.OrderStatusPendingPayment {
		return order, nil
	}

	result, err := s.gateway.CheckStatus(ctx, order.ID)
	if err != nil {
		return Order{}, err
	}

	actor := cmd.Actor
	if actor.Type == "" {
		actor = domain.Actor{ID: "system", Type: domain.ActorTypeSystem}
	}
	outcome := paymentOutcome{
		Status:     result.Status,
		GatewayRef: result.GatewayRef,
		Raw:        result.Raw,
	}
	if err := s.applyPaymentOutcome(ctx, order.ID, outcome, actor); err != nil {
		return Order{}, err
	}
	return s.orders.FindByID(ctx, order.ID)
}

// ListPaymentAttempts returns the attempt trail for an order, oldest first.
func (s *orderService) ListPaymentAttempts(ctx context.Context, cmd ListPaymentAttemptsCommand) ([]PaymentAttempt, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, mapOrderRepositoryError(err)
	}
	if err := s.checkPaymentActor(cmd.Actor, order); err != nil {
		return nil, err
	}

	attempts, err := s.attempts.ListByOrder(ctx, order.ID)
	if err != nil {
		return nil, mapOrderRepositoryError(err)
	}
	return attempts, nil
}

// CancelOrder cancels on behalf of the actor and releases reserved stock.
func (s *orderService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	switch cmd.Actor.Type {
	case domain.ActorTypeCustomer:
		if cmd.Actor.ID != order.CustomerID {
			return Order{}, fmt.Errorf("%w: order belongs to another customer", ErrOrderForbidden)
		}
		if order.Status != domain.OrderStatusPendingPayment {
			return Order{}, fmt.Errorf("%w: customers may cancel only while payment is pending", ErrOrderForbidden)
		}
	case domain.ActorTypeAdmin:
		if order.Status != domain.OrderStatusPendingPayment && order.Status != domain.OrderStatusPaid {
			return Order{}, fmt.Errorf("%w: order %s is %s", ErrOrderInvalidState, order.ID, order.Status)
		}
	default:
		return Order{}, fmt.Errorf("%w: %s may not cancel orders", ErrOrderForbidden, cmd.Actor.Type)
	}

	now := s.now()
	prev := order.Status
	reason := strings.TrimSpace(cmd.Reason)

	if err := applyTransition(&order, domain.OrderStatusCancelled, now); err != nil {
		return Order{}, err
	}
	if reason != "" {
		order.CancelReason = &reason
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return mapOrderRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.expireActiveAttempt(ctx, order.ID, now)
	s.restoreOrderStock(ctx, order, now, "order cancelled")

	s.finishTransition(ctx, order, prev, cmd.Actor, now, map[string]any{"reason": reason})
	return order, nil
}

// TransitionOrder advances fulfillment on behalf of a merchant or admin.
// Tracking numbers attach only on the shipped transition.
func (s *orderService) TransitionOrder(ctx context.Context, cmd TransitionOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := cmd.TargetStatus
	if target == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}

	switch cmd.Actor.Type {
	case domain.ActorTypeMerchant, domain.ActorTypeAdmin:
	default:
		return Order{}, fmt.Errorf("%w: %s may not drive fulfillment", ErrOrderForbidden, cmd.Actor.Type)
	}
	switch target {
	case domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered:
	default:
		return Order{}, fmt.Errorf("%w: %s is not a fulfillment status", ErrOrderInvalidState, target)
	}

	var tracking string
	if cmd.TrackingNumber != nil {
		tracking = strings.TrimSpace(*cmd.TrackingNumber)
	}
	if tracking != "" && target != domain.OrderStatusShipped {
		return Order{}, fmt.Errorf("%w: tracking number may only be attached when shipping", ErrOrderInvalidState)
	}
	if target == domain.OrderStatusShipped && tracking == "" {
		return Order{}, fmt.Errorf("%w: tracking number is required to ship", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	if cmd.Actor.Type == domain.ActorTypeMerchant && !orderHasMerchant(order, cmd.Actor.ID) {
		return Order{}, fmt.Errorf("%w: merchant %s has no sub-order here", ErrOrderForbidden, cmd.Actor.ID)
	}

	now := s.now()
	prev := order.Status
	if err := applyTransition(&order, target, now); err != nil {
		return Order{}, err
	}
	mirrorSubOrders(&order, target, cmd.Actor, tracking)

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Update(txCtx, order); err != nil {
			return mapOrderRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	metadata := map[string]any{}
	if tracking != "" {
		metadata["trackingNumber"] = tracking
	}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		metadata["reason"] = reason
	}
	s.finishTransition(ctx, order, prev, cmd.Actor, now, metadata)
	return order, nil
}

// applyPaymentOutcome drives the payment-driven transitions shared by the
// callback and the status poll.
func (s *orderService) applyPaymentOutcome(ctx context.Context, refNo string, outcome paymentOutcome, actor domain.Actor) error {
	order, err := s.findOrderByRef(ctx, refNo)
	if err != nil {
		return err
	}

	now := s.now()
	settledAt := now
	if outcome.OccurredAt != nil {
		settledAt = outcome.OccurredAt.UTC()
	}
	gatewayRef := outcome.GatewayRef

	switch outcome.Status {
	case gateway.StatusPaid:
		if order.Status != domain.OrderStatusPendingPayment {
			if paidAlready(order.Status) {
				// replayed success callback
				return nil
			}
			return fmt.Errorf("%w: order %s is %s", ErrOrderInvalidState, order.ID, order.Status)
		}
		if err := s.checkOutcomeAgainstOrder(ctx, order, outcome); err != nil {
			return err
		}

		prev := order.Status
		if err := applyTransition(&order, domain.OrderStatusPaid, now); err != nil {
			return err
		}
		if gatewayRef != "" {
			order.PaymentRef = &gatewayRef
		}
		mirrorSubOrders(&order, domain.OrderStatusPaid, actor, "")

		err = s.runInTx(ctx, func(txCtx context.Context) error {
			if err := s.orders.Update(txCtx, order); err != nil {
				return mapOrderRepositoryError(err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		s.settleActiveAttempt(ctx, order.ID, domain.PaymentAttemptSucceeded, gatewayRef, outcome.Raw, settledAt)
		s.finishTransition(ctx, order, prev, actor, now, map[string]any{"gatewayRef": gatewayRef})
		return nil

	case gateway.StatusFailed:
		if order.Status != domain.OrderStatusPendingPayment {
			if order.Status == domain.OrderStatusPaymentFailed {
				return nil
			}
			return fmt.Errorf("%w: order %s is %s", ErrOrderInvalidState, order.ID, order.Status)
		}

		prev := order.Status
		if err := applyTransition(&order, domain.OrderStatusPaymentFailed, now); err != nil {
			return err
		}
		mirrorSubOrders(&order, domain.OrderStatusPaymentFailed, actor, "")

		err = s.runInTx(ctx, func(txCtx context.Context) error {
			if err := s.orders.Update(txCtx, order); err != nil {
				return mapOrderRepositoryError(err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		s.settleActiveAttempt(ctx, order.ID, domain.PaymentAttemptFailed, gatewayRef, outcome.Raw, settledAt)
		s.restoreOrderStock(ctx, order, now, "payment failed")
		s.finishTransition(ctx, order, prev, actor, now, map[string]any{"gatewayRef": gatewayRef})
		return nil

	case gateway.StatusPending:
		return nil
	default:
		return fmt.Errorf("%w: unknown payment outcome %q", ErrOrderInvalidInput, outcome.Status)
	}
}

// findOrderByRef resolves a gateway reference to an order. Sessions are keyed
// by order id, but the provider's reconciliation exports echo the human order
// number, so fall back to that lookup before giving up.
func (s *orderService) findOrderByRef(ctx context.Context, refNo string) (Order, error) {
	order, err := s.orders.FindByID(ctx, refNo)
	if err == nil {
		return order, nil
	}
	if !isNotFound(err) {
		return Order{}, mapOrderRepositoryError(err)
	}

	order, numberErr := s.orders.FindByOrderNumber(ctx, refNo)
	if numberErr != nil {
		if isNotFound(numberErr) {
			return Order{}, mapOrderRepositoryError(err)
		}
		return Order{}, mapOrderRepositoryError(numberErr)
	}
	return order, nil
}

// checkOutcomeAgainstOrder rejects a paid report whose amount or currency
// disagrees with the order. The mismatch is logged before the conflict is
// returned so the drop shows up in reconciliation.
func (s *orderService) checkOutcomeAgainstOrder(ctx context.Context, order Order, outcome paymentOutcome) error {
	if outcome.Amount != nil && *outcome.Amount != order.TotalAmount {
		s.logger(ctx, "payment.callback.amount_mismatch", map[string]any{
			"order":    order.ID,
			"expected": order.TotalAmount,
			"reported": *outcome.Amount,
		})
		return fmt.Errorf("%w: callback amount %s does not match order total %s",
			ErrOrderConflict, domain.FormatMinorUnits(*outcome.Amount), domain.FormatMinorUnits(order.TotalAmount))
	}
	if outcome.Currency != "" && !strings.EqualFold(outcome.Currency, order.Currency) {
		s.logger(ctx, "payment.callback.currency_mismatch", map[string]any{
			"order":    order.ID,
			"expected": order.Currency,
			"reported": outcome.Currency,
		})
		return fmt.Errorf("%w: callback currency %s does not match order currency %s",
			ErrOrderConflict, outcome.Currency, order.Currency)
	}
	return nil
}

func parseCallbackTimestamp(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

func (s *orderService) openPaymentAttempt(ctx context.Context, order *Order, now time.Time) (PaymentAttempt, error) {
	session, err := s.gateway.CreatePaymentRequest(ctx, gateway.PaymentRequest{
		RefNo:         order.ID,
		Amount:        order.TotalAmount,
		CustomerEmail: order.Contact.Email,
		CustomerName:  order.Contact.Name,
		CustomerPhone: order.Contact.Phone,
	})
	if err != nil {
		return PaymentAttempt{}, err
	}

	attempt := domain.PaymentAttempt{
		ID:          paymentAttemptIDPrefix + s.newID(),
		OrderID:     order.ID,
		GatewayRef:  session.GatewayRef,
		RequestHash: paymentRequestHash(order.ID, order.TotalAmount, order.Currency),
		PaymentURL:  session.PaymentURL,
		Status:      domain.PaymentAttemptPending,
		Amount:      order.TotalAmount,
		Currency:    order.Currency,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.attemptTTL),
		Raw:         session.Raw,
	}
	if err := s.attempts.Insert(ctx, attempt); err != nil {
		return PaymentAttempt{}, mapOrderRepositoryError(err)
	}

	if session.GatewayRef != "" {
		ref := session.GatewayRef
		order.PaymentRef = &ref
		order.UpdatedAt = now
		if err := s.orders.Update(ctx, *order); err != nil {
			return PaymentAttempt{}, mapOrderRepositoryError(err)
		}
	}
	return attempt, nil
}

// settleActiveAttempt closes the pending attempt after a terminal outcome.
// When no attempt is pending anymore (lazy expiry won the race) the gateway
// reference still locates the attempt the outcome belongs to. A missing
// attempt is fine: replays and reconciliation hit this path.
func (s *orderService) settleActiveAttempt(ctx context.Context, orderID string, status domain.PaymentAttemptStatus, gatewayRef string, raw map[string]any, now time.Time) {
	attempt, err := s.attempts.FindActiveByOrder(ctx, orderID)
	if err != nil {
		if !isNotFound(err) {
			s.logger(ctx, "payment.attempt.settle.failed", map[string]any{
				"order": orderID,
				"error": err.Error(),
			})
			return
		}
		if gatewayRef == "" {
			return
		}
		attempt, err = s.attempts.FindByGatewayRef(ctx, gatewayRef)
		if err != nil {
			if !isNotFound(err) {
				s.logger(ctx, "payment.attempt.settle.failed", map[string]any{
					"order":      orderID,
					"gatewayRef": gatewayRef,
					"error":      err.Error(),
				})
			}
			return
		}
		if attempt.OrderID != orderID || attempt.Status == status {
			return
		}
	}
	attempt.Status = status
	attempt.CallbackAt = &now
	if gatewayRef != "" {
		attempt.GatewayRef = gatewayRef
	}
	if len(raw) > 0 {
		attempt.Raw = raw
	}
	if err := s.attempts.Update(ctx, attempt); err != nil {
		s.logger(ctx, "payment.attempt.settle.failed", map[string]any{
			"order": orderID,
			"error": err.Error(),
		})
	}
}

func (s *orderService) expireActiveAttempt(ctx context.Context, orderID string, now time.Time) {
	attempt, err := s.attempts.FindActiveByOrder(ctx, orderID)
	if err != nil {
		if !isNotFound(err) {
			s.logger(ctx, "payment.attempt.expire.failed", map[string]any{
				"order": orderID,
				"error": err.Error(),
			})
		}
		return
	}
	attempt.Status = domain.PaymentAttemptExpired
	attempt.CallbackAt = &now
	if err := s.attempts.Update(ctx, attempt); err != nil {
		s.logger(ctx, "payment.attempt.expire.failed", map[string]any{
			"order": orderID,
			"error": err.Error(),
		})
	}
}

// restoreOrderStock releases reserved quantities after cancellation or
// payment failure. Failures are logged, not propagated: the transition has
// already been persisted.
func (s *orderService) restoreOrderStock(ctx context.Context, order Order, now time.Time, reason string) {
	for _, line := range order.Lines() {
		_, err := s.catalog.RestoreStock(ctx, repositories.StockMovement{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Reason:    reason,
			Now:       now,
		})
		if err != nil {
			s.logger(ctx, "order.stock.restore.failed", map[string]any{
				"order":   order.ID,
				"product": line.ProductID,
				"qty":     line.Quantity,
				"error":   err.Error(),
			})
		}
	}
}

func (s *orderService) checkPaymentActor(actor domain.Actor, order Order) error {
	switch actor.Type {
	case domain.ActorTypeCustomer:
		if actor.ID != order.CustomerID {
			return fmt.Errorf("%w: order belongs to another customer", ErrOrderForbidden)
		}
		return nil
	case domain.ActorTypeAdmin, domain.ActorTypeSystem:
		return nil
	default:
		return fmt.Errorf("%w: %s may not manage payments", ErrOrderForbidden, actor.Type)
	}
}

func (s *orderService) finishTransition(ctx context.Context, order Order, prev domain.OrderStatus, actor domain.Actor, now time.Time, metadata map[string]any) {
	eventType, ok := orderEventByStatus[string(order.Status)]
	if !ok {
		eventType = orderEventCreated
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           eventType,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		PreviousStatus: string(prev),
		CurrentStatus:  string(order.Status),
		ActorID:        actor.ID,
		OccurredAt:     now,
		Metadata:       metadata,
	})
	s.recordAudit(ctx, actor, "order.transition", order.ID, mergeTransitionMetadata(metadata, prev, order.Status))
}

func (s *orderService) recordAudit(ctx context.Context, actor domain.Actor, action string, orderID string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:     actor.ID,
		ActorType: string(actor.Type),
		Action:    action,
		TargetRef: "orders/" + orderID,
		Metadata:  metadata,
	})
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// applyTransition mutates the order status after consulting the transition
// table. The order is left untouched on rejection.
func applyTransition(order *Order, target domain.OrderStatus, now time.Time) error {
	current := order.Status
	if current == target {
		return fmt.Errorf("%w: order already %s", ErrOrderInvalidState, target)
	}
	allowed, ok := orderStateTransitions[string(current)]
	if !ok || !slices.Contains(allowed, string(target)) {
		return fmt.Errorf("%w: %s to %s", ErrOrderInvalidState, current, target)
	}

	order.Status = target
	order.UpdatedAt = now
	switch target {
	case domain.OrderStatusPaid:
		order.PaidAt = &now
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusCancelled:
		order.CancelledAt = &now
	}
	return nil
}

// mirrorSubOrders keeps the auxiliary sub-order status in step with the
// parent. Merchant-driven transitions touch only the acting merchant's
// sub-order; tracking attaches there as well.
func mirrorSubOrders(order *Order, status domain.OrderStatus, actor domain.Actor, tracking string) {
	for i := range order.SubOrders {
		sub := &order.SubOrders[i]
		if actor.Type == domain.ActorTypeMerchant && sub.MerchantID != actor.ID {
			continue
		}
		sub.Status = status
		if tracking != "" && status == domain.OrderStatusShipped {
			t := tracking
			sub.TrackingNumber = &t
		}
	}
}

func orderHasMerchant(order Order, merchantID string) bool {
	for _, sub := range order.SubOrders {
		if sub.MerchantID == merchantID {
			return true
		}
	}
	return false
}

func paidAlready(status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusPaid, domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered:
		return true
	default:
		return false
	}
}

func mergeTransitionMetadata(metadata map[string]any, from domain.OrderStatus, to domain.OrderStatus) map[string]any {
	merged := map[string]any{
		"from": string(from),
		"to":   string(to),
	}
	for k, v := range metadata {
		merged[k] = v
	}
	return merged
}

func paymentRequestHash(orderID string, amount int64, currency string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", orderID, amount, currency)))
	return hex.EncodeToString(sum[:])
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func isNotFound(err error) bool {
	if errors.Is(err, ErrOrderNotFound) {
		return true
	}
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
