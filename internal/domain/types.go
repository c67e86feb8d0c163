package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Product is the catalog projection consumed when building orders. Prices are
// expressed in the smallest currency unit.
type Product struct {
	ID             string
	MerchantID     string
	Name           string
	SKU            string
	Price          int64
	StockAvailable int
	Active         bool
	UpdatedAt      time.Time
}

// CartLine is a single requested product/quantity pair from a customer cart.
type CartLine struct {
	ProductID string
	Quantity  int
}

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	// OrderStatusPendingPayment indicates the order awaits a successful payment.
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	// OrderStatusPaid indicates payment settled and fulfillment may begin.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusProcessing indicates a merchant started preparing the order.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order left the merchant with a tracking number.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before fulfillment.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusPaymentFailed indicates payment definitively failed.
	OrderStatusPaymentFailed OrderStatus = "payment_failed"
)

// IsTerminal reports whether no further transition is defined from the status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusPaymentFailed:
		return true
	default:
		return false
	}
}

// ActorType identifies who is driving an order mutation.
type ActorType string

const (
	// ActorTypeCustomer is the purchasing user.
	ActorTypeCustomer ActorType = "customer"
	// ActorTypeMerchant is the selling party fulfilling sub-orders.
	ActorTypeMerchant ActorType = "merchant"
	// ActorTypeAdmin is a platform operator.
	ActorTypeAdmin ActorType = "admin"
	// ActorTypeGateway marks transitions driven by verified payment callbacks.
	ActorTypeGateway ActorType = "gateway"
	// ActorTypeSystem marks internally initiated transitions such as expiry sweeps.
	ActorTypeSystem ActorType = "system"
)

// Actor carries the resolved identity behind a request.
type Actor struct {
	ID   string
	Type ActorType
}

// Address is the shipping address snapshot copied onto the order at creation.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// OrderContact stores the customer contact snapshot forwarded to the gateway.
type OrderContact struct {
	Email string
	Name  string
	Phone string
}

// Order is the aggregate root for a multi-merchant purchase. Mutations happen
// only through state-machine validated transitions.
type Order struct {
	ID              string
	OrderNumber     string
	CustomerID      string
	Status          OrderStatus
	Currency        string
	TotalAmount     int64
	PaymentRef      *string
	ShippingAddress Address
	Contact         OrderContact
	SubOrders       []MerchantOrder
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PaidAt          *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
	CancelReason    *string
}

// Lines flattens every order line across sub-orders.
func (o Order) Lines() []OrderLine {
	var lines []OrderLine
	for _, sub := range o.SubOrders {
		lines = append(lines, sub.Lines...)
	}
	return lines
}

// MerchantOrder is the portion of an order belonging to a single merchant.
// The merchant assignment is immutable once created; Status mirrors merchant
// fulfillment progress and is never authoritative over the parent status.
type MerchantOrder struct {
	ID             string
	OrderID        string
	MerchantID     string
	Status         OrderStatus
	TrackingNumber *string
	Subtotal       int64
	Lines          []OrderLine
}

// OrderLine captures a product at order time with its price frozen.
type OrderLine struct {
	ProductID  string
	MerchantID string
	Name       string
	SKU        string
	Quantity   int
	UnitPrice  int64
	Subtotal   int64
}

// PaymentAttemptStatus enumerates payment attempt lifecycle states.
type PaymentAttemptStatus string

const (
	// PaymentAttemptPending marks an attempt awaiting a gateway callback.
	PaymentAttemptPending PaymentAttemptStatus = "pending"
	// PaymentAttemptSucceeded marks an attempt confirmed by the gateway.
	PaymentAttemptSucceeded PaymentAttemptStatus = "succeeded"
	// PaymentAttemptFailed marks an attempt the gateway reported as failed.
	PaymentAttemptFailed PaymentAttemptStatus = "failed"
	// PaymentAttemptExpired marks an abandoned attempt past its validity window.
	PaymentAttemptExpired PaymentAttemptStatus = "expired"
)

// IsTerminal reports whether a new attempt may replace this one.
func (s PaymentAttemptStatus) IsTerminal() bool {
	switch s {
	case PaymentAttemptSucceeded, PaymentAttemptFailed, PaymentAttemptExpired:
		return true
	default:
		return false
	}
}

// PaymentAttempt records one signed payment request sent to the gateway.
// At most one pending attempt may exist per order at a time.
type PaymentAttempt struct {
	ID          string
	OrderID     string
	GatewayRef  string
	RequestHash string
	PaymentURL  string
	Status      PaymentAttemptStatus
	Amount      int64
	Currency    string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	CallbackAt  *time.Time
	Raw         map[string]any
}

// OrderTransition is one audit trail entry recording a status change.
type OrderTransition struct {
	ID         string
	OrderID    string
	FromStatus OrderStatus
	ToStatus   OrderStatus
	Actor      Actor
	Reason     string
	OccurredAt time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck captures the outcome of a single dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// AuditLogEntry stores normalized audit information for admin use.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Metadata  map[string]any
	Diff      map[string]any
	IPHash    string
	UserAgent string
	Severity  string
	RequestID string
	CreatedAt time.Time
}
