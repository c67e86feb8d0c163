package repositories

import (
	"context"
	"time"

	domain "github.com/marketplane/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Catalog() CatalogRepository
	Orders() OrderRepository
	PaymentAttempts() PaymentAttemptRepository
	AuditLogs() AuditLogRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CatalogRepository exposes the product projection plus atomic stock movements.
type CatalogRepository interface {
	// GetProduct returns the product regardless of its active flag. Absent
	// products surface a CatalogError with code CatalogErrorProductNotFound.
	GetProduct(ctx context.Context, productID string) (domain.Product, error)

	// DecrementStock atomically checks availability and subtracts quantity.
	// Insufficient availability surfaces CatalogErrorInsufficientStock and
	// leaves the stored count untouched.
	DecrementStock(ctx context.Context, req StockMovement) (domain.Product, error)

	// RestoreStock atomically adds quantity back after a cancelled or failed
	// order.
	RestoreStock(ctx context.Context, req StockMovement) (domain.Product, error)
}

// StockMovement names a single product quantity adjustment.
type StockMovement struct {
	ProductID string
	Quantity  int
	Reason    string
	Now       time.Time
}

// OrderRepository persists order aggregates and provides query helpers for
// customers, merchants and admins. An order document embeds its sub-orders
// and lines, so Insert and Update are single-document atomic writes.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// PaymentAttemptRepository stores the payment attempt trail for orders.
type PaymentAttemptRepository interface {
	Insert(ctx context.Context, attempt domain.PaymentAttempt) error
	Update(ctx context.Context, attempt domain.PaymentAttempt) error
	FindByID(ctx context.Context, attemptID string) (domain.PaymentAttempt, error)
	// FindActiveByOrder returns the single pending attempt for the order, or
	// a not-found error when none is pending.
	FindActiveByOrder(ctx context.Context, orderID string) (domain.PaymentAttempt, error)
	FindByGatewayRef(ctx context.Context, gatewayRef string) (domain.PaymentAttempt, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentAttempt, error)
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	CustomerID string
	MerchantID string
	Status     []string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
