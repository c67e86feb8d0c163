package services

import (
	"context"
	"time"

	domain "github.com/marketplane/api/internal/domain"
	"github.com/marketplane/api/internal/gateway"
	"github.com/marketplane/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	Order              = domain.Order
	MerchantOrder      = domain.MerchantOrder
	OrderLine          = domain.OrderLine
	OrderStatus        = domain.OrderStatus
	OrderContact       = domain.OrderContact
	Address            = domain.Address
	Product            = domain.Product
	CartLine           = domain.CartLine
	PaymentAttempt     = domain.PaymentAttempt
	Actor              = domain.Actor
	ActorType          = domain.ActorType
	AuditLogEntry      = domain.AuditLogEntry
	SystemHealthReport = domain.SystemHealthReport
)

// PaymentGateway abstracts the signed-form payment provider client.
type PaymentGateway interface {
	CreatePaymentRequest(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentSession, error)
	VerifyCallback(fields map[string]string) bool
	CheckStatus(ctx context.Context, refNo string) (gateway.StatusResult, error)
	Currency() string
}

// OrderService encapsulates order creation, payment orchestration and lifecycle transitions.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	RetryPayment(ctx context.Context, cmd RetryPaymentCommand) (PaymentAttempt, error)
	HandlePaymentCallback(ctx context.Context, cmd PaymentCallbackCommand) error
	RefreshPaymentStatus(ctx context.Context, cmd RefreshPaymentCommand) (Order, error)
	ListPaymentAttempts(ctx context.Context, cmd ListPaymentAttemptsCommand) ([]PaymentAttempt, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	TransitionOrder(ctx context.Context, cmd TransitionOrderCommand) (Order, error)
}

// CatalogService exposes product lookups for handlers and the order builder.
type CatalogService interface {
	LookupProduct(ctx context.Context, productID string) (Product, error)
}

// SystemService aggregates utility endpoints (health checks, audit logs, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	ListAuditLogs(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}

// AuditLogService centralizes immutable audit log persistence and retrieval.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// Command and DTO definitions ------------------------------------------------

type OrderListFilter = repositories.OrderListFilter

// CreateOrderCommand carries the customer cart snapshot submitted for checkout.
type CreateOrderCommand struct {
	CustomerID      string
	Lines           []CartLine
	ShippingAddress Address
	Contact         OrderContact
	Metadata        map[string]any
}

// CreateOrderResult returns the persisted order together with the payment redirect.
type CreateOrderResult struct {
	Order      Order
	Attempt    PaymentAttempt
	PaymentURL string
}

type RetryPaymentCommand struct {
	OrderID string
	Actor   Actor
}

// PaymentCallbackCommand wraps the raw form fields posted by the gateway.
type PaymentCallbackCommand struct {
	Fields map[string]string
}

type RefreshPaymentCommand struct {
	OrderID string
	Actor   Actor
}

// ListPaymentAttemptsCommand requests the payment attempt trail of one order.
type ListPaymentAttemptsCommand struct {
	OrderID string
	Actor   Actor
}

type CancelOrderCommand struct {
	OrderID string
	Actor   Actor
	Reason  string
}

type TransitionOrderCommand struct {
	OrderID        string
	Actor          Actor
	TargetStatus   OrderStatus
	TrackingNumber *string
	Reason         string
}

// BuildOrderCommand is the internal input consumed by the order builder.
type BuildOrderCommand struct {
	CustomerID      string
	Lines           []CartLine
	ShippingAddress Address
	Contact         OrderContact
	Currency        string
	Metadata        map[string]any
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}

// AuditLogRecord defines the payload accepted by the audit writer service.
type AuditLogRecord struct {
	Actor                 string
	ActorType             string
	Action                string
	TargetRef             string
	Severity              string
	RequestID             string
	OccurredAt            time.Time
	Metadata              map[string]any
	Diff                  map[string]AuditLogDiff
	SensitiveMetadataKeys []string
	SensitiveDiffKeys     []string
	IPAddress             string
	UserAgent             string
}

// AuditLogDiff captures before/after values for tracked fields.
type AuditLogDiff struct {
	Before any
	After  any
}

type CounterCommand struct {
	CounterID string
	Step      int64
}
