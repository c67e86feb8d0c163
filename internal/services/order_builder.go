package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/marketplane/api/internal/domain"
	"github.com/marketplane/api/internal/repositories"
)

var (
	// ErrEmptyCart signals an order request without any lines.
	ErrEmptyCart = errors.New("order builder: cart is empty")
	// ErrProductUnavailable indicates a missing or inactive product in the cart.
	ErrProductUnavailable = errors.New("order builder: product unavailable")
	// ErrInsufficientStock indicates a line could not be covered by available stock.
	ErrInsufficientStock = errors.New("order builder: insufficient stock")
)

const subOrderIDPrefix = "sub_"

// OrderBuilderDeps bundles collaborators required to construct the order builder.
type OrderBuilderDeps struct {
	Catalog     repositories.CatalogRepository
	Orders      repositories.OrderRepository
	Counters    repositories.CounterRepository
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// OrderBuilder turns a validated cart into a persisted pending_payment order.
// Stock is reserved line by line with compensation on failure, so a failed
// build never leaves stock decremented.
type OrderBuilder struct {
	catalog    repositories.CatalogRepository
	orders     repositories.OrderRepository
	counters   repositories.CounterRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewOrderBuilder wires dependencies into a concrete builder.
func NewOrderBuilder(deps OrderBuilderDeps) (*OrderBuilder, error) {
	if deps.Catalog == nil {
		return nil, errors.New("order builder: catalog repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("order builder: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order builder: counter repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
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

	return &OrderBuilder{
		catalog:    deps.Catalog,
		orders:     deps.Orders,
		counters:   deps.Counters,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Build validates the cart, freezes prices, reserves stock and persists the
// order as a single aggregate in pending_payment.
func (b *OrderBuilder) Build(ctx context.Context, cmd BuildOrderCommand) (domain.Order, error) {
	if len(cmd.Lines) == 0 {
		return domain.Order{}, ErrEmptyCart
	}
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return domain.Order{}, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}
	currency := strings.TrimSpace(cmd.Currency)
	if err := domain.ValidateCurrency(currency); err != nil {
		return domain.Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}
	for _, line := range cmd.Lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return domain.Order{}, fmt.Errorf("%w: line product id is required", ErrOrderInvalidInput)
		}
		if line.Quantity <= 0 {
			return domain.Order{}, fmt.Errorf("%w: quantity for %s must be > 0", ErrOrderInvalidInput, line.ProductID)
		}
	}

	lines, err := b.resolveLines(ctx, cmd.Lines)
	if err != nil {
		return domain.Order{}, err
	}

	now := b.clock()
	order := b.assemble(customerID, currency, lines, cmd, now)

	number, err := b.generateOrderNumber(ctx, now)
	if err != nil {
		return domain.Order{}, err
	}
	order.OrderNumber = number

	applied, err := b.reserveStock(ctx, order.Lines(), now)
	if err != nil {
		b.releaseStock(ctx, applied, now, "build failed")
		return domain.Order{}, err
	}

	err = b.runInTx(ctx, func(txCtx context.Context) error {
		if err := b.orders.Insert(txCtx, order); err != nil {
			return mapOrderRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		b.releaseStock(ctx, applied, now, "persist failed")
		return domain.Order{}, err
	}

	return order, nil
}

// resolveLines loads every product, rejects inactive or missing ones, and
// freezes the current unit price onto the line.
func (b *OrderBuilder) resolveLines(ctx context.Context, requested []domain.CartLine) ([]domain.OrderLine, error) {
	lines := make([]domain.OrderLine, 0, len(requested))
	for _, req := range requested {
		productID := strings.TrimSpace(req.ProductID)
		product, err := b.catalog.GetProduct(ctx, productID)
		if err != nil {
			var catErr *repositories.CatalogError
			if errors.As(err, &catErr) && catErr.Code == repositories.CatalogErrorProductNotFound {
				return nil, fmt.Errorf("%w: product %s not found", ErrProductUnavailable, productID)
			}
			return nil, err
		}
		if !product.Active {
			return nil, fmt.Errorf("%w: product %s is inactive", ErrProductUnavailable, productID)
		}
		lines = append(lines, domain.OrderLine{
			ProductID:  product.ID,
			MerchantID: product.MerchantID,
			Name:       product.Name,
			SKU:        product.SKU,
			Quantity:   req.Quantity,
			UnitPrice:  product.Price,
			Subtotal:   product.Price * int64(req.Quantity),
		})
	}
	return lines, nil
}

// assemble groups the resolved lines into one sub-order per merchant,
// preserving first-seen merchant order.
func (b *OrderBuilder) assemble(customerID string, currency string, lines []domain.OrderLine, cmd BuildOrderCommand, now time.Time) domain.Order {
	orderID := orderIDPrefix + b.newID()

	var merchants []string
	grouped := make(map[string][]domain.OrderLine)
	for _, line := range lines {
		if _, seen := grouped[line.MerchantID]; !seen {
			merchants = append(merchants, line.MerchantID)
		}
		grouped[line.MerchantID] = append(grouped[line.MerchantID], line)
	}

	var total int64
	subOrders := make([]domain.MerchantOrder, 0, len(merchants))
	for _, merchantID := range merchants {
		var subtotal int64
		for _, line := range grouped[merchantID] {
			subtotal += line.Subtotal
		}
		total += subtotal
		subOrders = append(subOrders, domain.MerchantOrder{
			ID:         subOrderIDPrefix + b.newID(),
			OrderID:    orderID,
			MerchantID: merchantID,
			Status:     domain.OrderStatusPendingPayment,
			Subtotal:   subtotal,
			Lines:      grouped[merchantID],
		})
	}

	var metadata map[string]any
	if len(cmd.Metadata) > 0 {
		metadata = maps.Clone(cmd.Metadata)
	}

	return domain.Order{
		ID:              orderID,
		CustomerID:      customerID,
		Status:          domain.OrderStatusPendingPayment,
		Currency:        currency,
		TotalAmount:     total,
		ShippingAddress: cmd.ShippingAddress,
		Contact:         cmd.Contact,
		SubOrders:       subOrders,
		Metadata:        metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// reserveStock decrements line by line and reports the movements already
// applied so the caller can compensate on failure.
func (b *OrderBuilder) reserveStock(ctx context.Context, lines []domain.OrderLine, now time.Time) ([]repositories.StockMovement, error) {
	applied := make([]repositories.StockMovement, 0, len(lines))
	for _, line := range lines {
		movement := repositories.StockMovement{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Reason:    "order reserve",
			Now:       now,
		}
		if _, err := b.catalog.DecrementStock(ctx, movement); err != nil {
			var catErr *repositories.CatalogError
			if errors.As(err, &catErr) {
				switch catErr.Code {
				case repositories.CatalogErrorInsufficientStock:
					return applied, fmt.Errorf("%w: product %s", ErrInsufficientStock, line.ProductID)
				case repositories.CatalogErrorProductNotFound:
					return applied, fmt.Errorf("%w: product %s not found", ErrProductUnavailable, line.ProductID)
				}
			}
			return applied, err
		}
		applied = append(applied, movement)
	}
	return applied, nil
}

func (b *OrderBuilder) releaseStock(ctx context.Context, applied []repositories.StockMovement, now time.Time, reason string) {
	for _, movement := range applied {
		movement.Reason = reason
		movement.Now = now
		if _, err := b.catalog.RestoreStock(ctx, movement); err != nil {
			b.logger(ctx, "order.stock.restore.failed", map[string]any{
				"product": movement.ProductID,
				"qty":     movement.Quantity,
				"error":   err.Error(),
			})
		}
	}
}

func (b *OrderBuilder) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := b.counters.Next(ctx, "orders", 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("MP-%04d-%06d", now.Year(), seq), nil
}

func (b *OrderBuilder) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if b.unitOfWork == nil {
		return fn(ctx)
	}
	return b.unitOfWork.RunInTx(ctx, fn)
}
