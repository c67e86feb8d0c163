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
	"github.com/marketplane/api/internal/platform/pagination"
	"github.com/marketplane/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists order aggregates. Sub-orders and lines are
// embedded in the order document so every write is a single atomic Set.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	orders := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection)
	return &OrderRepository{provider: provider, orders: orders}, nil
}

// Insert creates the order document. Existing documents are rejected so a
// retried create never silently overwrites state.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order insert: id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	doc := newOrderDocument(order)
	if _, err := client.Collection(ordersCollection).Doc(order.ID).Create(ctx, doc); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update replaces the order document in a single write.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order update: id is required")
	}
	if err := r.orders.Set(ctx, order.ID, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.update", err)
	}
	return nil
}

// FindByID loads an order aggregate.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: id is required")
	}
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.find", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByOrderNumber resolves the human-facing order number to an aggregate.
func (r *OrderRepository) FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return domain.Order{}, errors.New("order find: order number is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.findByNumber", err)
	}

	iter := client.Collection(ordersCollection).Where("orderNumber", "==", orderNumber).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Order{}, pfirestore.WrapError("orders.findByNumber", status.Errorf(codes.NotFound, "order %s not found", orderNumber))
	}
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.findByNumber", err)
	}
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

// List returns orders newest first, filtered by customer, merchant, status
// and creation window, with cursor pagination.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := pagination.ClampPageSize(filter.Pagination.PageSize, 20, 100)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if customerID := strings.TrimSpace(filter.CustomerID); customerID != "" {
		query = query.Where("customerId", "==", customerID)
	}
	if merchantID := strings.TrimSpace(filter.MerchantID); merchantID != "" {
		query = query.Where("merchantIds", "array-contains", merchantID)
	}
	if len(filter.Status) > 0 {
		query = query.Where("status", "in", filter.Status)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := pagination.EncodeCursor(pagination.Cursor{ID: last.ID, CreatedAt: last.CreatedAt.UTC()})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// Document structures --------------------------------------------------------

type orderDocument struct {
	OrderNumber  string              `firestore:"orderNumber"`
	CustomerID   string              `firestore:"customerId"`
	Status       string              `firestore:"status"`
	Currency     string              `firestore:"currency"`
	TotalAmount  int64               `firestore:"totalAmount"`
	PaymentRef   *string             `firestore:"paymentRef,omitempty"`
	MerchantIDs  []string            `firestore:"merchantIds"`
	Shipping     addressDocument     `firestore:"shipping"`
	Contact      contactDocument     `firestore:"contact"`
	SubOrders    []subOrderDocument  `firestore:"subOrders"`
	Metadata     map[string]any      `firestore:"metadata,omitempty"`
	CreatedAt    time.Time           `firestore:"createdAt"`
	UpdatedAt    time.Time           `firestore:"updatedAt"`
	PaidAt       *time.Time          `firestore:"paidAt,omitempty"`
	ShippedAt    *time.Time          `firestore:"shippedAt,omitempty"`
	DeliveredAt  *time.Time          `firestore:"deliveredAt,omitempty"`
	CancelledAt  *time.Time          `firestore:"cancelledAt,omitempty"`
	CancelReason *string             `firestore:"cancelReason,omitempty"`
}

type addressDocument struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

type contactDocument struct {
	Email string `firestore:"email"`
	Name  string `firestore:"name"`
	Phone string `firestore:"phone,omitempty"`
}

type subOrderDocument struct {
	ID             string              `firestore:"id"`
	MerchantID     string              `firestore:"merchantId"`
	Status         string              `firestore:"status"`
	TrackingNumber *string             `firestore:"trackingNumber,omitempty"`
	Subtotal       int64               `firestore:"subtotal"`
	Lines          []orderLineDocument `firestore:"lines"`
}

type orderLineDocument struct {
	ProductID  string `firestore:"productId"`
	MerchantID string `firestore:"merchantId"`
	Name       string `firestore:"name"`
	SKU        string `firestore:"sku"`
	Quantity   int    `firestore:"qty"`
	UnitPrice  int64  `firestore:"unitPrice"`
	Subtotal   int64  `firestore:"subtotal"`
}

func newOrderDocument(order domain.Order) orderDocument {
	subOrders := make([]subOrderDocument, len(order.SubOrders))
	merchantIDs := make([]string, 0, len(order.SubOrders))
	for i, sub := range order.SubOrders {
		lines := make([]orderLineDocument, len(sub.Lines))
		for j, line := range sub.Lines {
			lines[j] = orderLineDocument{
				ProductID:  line.ProductID,
				MerchantID: line.MerchantID,
				Name:       line.Name,
				SKU:        line.SKU,
				Quantity:   line.Quantity,
				UnitPrice:  line.UnitPrice,
				Subtotal:   line.Subtotal,
			}
		}
		subOrders[i] = subOrderDocument{
			ID:             sub.ID,
			MerchantID:     sub.MerchantID,
			Status:         string(sub.Status),
			TrackingNumber: sub.TrackingNumber,
			Subtotal:       sub.Subtotal,
			Lines:          lines,
		}
		merchantIDs = append(merchantIDs, sub.MerchantID)
	}

	return orderDocument{
		OrderNumber: order.OrderNumber,
		CustomerID:  order.CustomerID,
		Status:      string(order.Status),
		Currency:    order.Currency,
		TotalAmount: order.TotalAmount,
		PaymentRef:  order.PaymentRef,
		MerchantIDs: merchantIDs,
		Shipping: addressDocument{
			Recipient:  order.ShippingAddress.Recipient,
			Line1:      order.ShippingAddress.Line1,
			Line2:      order.ShippingAddress.Line2,
			City:       order.ShippingAddress.City,
			State:      order.ShippingAddress.State,
			PostalCode: order.ShippingAddress.PostalCode,
			Country:    order.ShippingAddress.Country,
			Phone:      order.ShippingAddress.Phone,
		},
		Contact: contactDocument{
			Email: order.Contact.Email,
			Name:  order.Contact.Name,
			Phone: order.Contact.Phone,
		},
		SubOrders:    subOrders,
		Metadata:     order.Metadata,
		CreatedAt:    order.CreatedAt.UTC(),
		UpdatedAt:    order.UpdatedAt.UTC(),
		PaidAt:       order.PaidAt,
		ShippedAt:    order.ShippedAt,
		DeliveredAt:  order.DeliveredAt,
		CancelledAt:  order.CancelledAt,
		CancelReason: order.CancelReason,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	subOrders := make([]domain.MerchantOrder, len(d.SubOrders))
	for i, sub := range d.SubOrders {
		lines := make([]domain.OrderLine, len(sub.Lines))
		for j, line := range sub.Lines {
			lines[j] = domain.OrderLine{
				ProductID:  line.ProductID,
				MerchantID: line.MerchantID,
				Name:       line.Name,
				SKU:        line.SKU,
				Quantity:   line.Quantity,
				UnitPrice:  line.UnitPrice,
				Subtotal:   line.Subtotal,
			}
		}
		subOrders[i] = domain.MerchantOrder{
			ID:             sub.ID,
			OrderID:        id,
			MerchantID:     sub.MerchantID,
			Status:         domain.OrderStatus(sub.Status),
			TrackingNumber: sub.TrackingNumber,
			Subtotal:       sub.Subtotal,
			Lines:          lines,
		}
	}

	return domain.Order{
		ID:          id,
		OrderNumber: d.OrderNumber,
		CustomerID:  d.CustomerID,
		Status:      domain.OrderStatus(d.Status),
		Currency:    d.Currency,
		TotalAmount: d.TotalAmount,
		PaymentRef:  d.PaymentRef,
		ShippingAddress: domain.Address{
			Recipient:  d.Shipping.Recipient,
			Line1:      d.Shipping.Line1,
			Line2:      d.Shipping.Line2,
			City:       d.Shipping.City,
			State:      d.Shipping.State,
			PostalCode: d.Shipping.PostalCode,
			Country:    d.Shipping.Country,
			Phone:      d.Shipping.Phone,
		},
		Contact: domain.OrderContact{
			Email: d.Contact.Email,
			Name:  d.Contact.Name,
			Phone: d.Contact.Phone,
		},
		SubOrders:    subOrders,
		Metadata:     d.Metadata,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		PaidAt:       d.PaidAt,
		ShippedAt:    d.ShippedAt,
		DeliveredAt:  d.DeliveredAt,
		CancelledAt:  d.CancelledAt,
		CancelReason: d.CancelReason,
	}
}
