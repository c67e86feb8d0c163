package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/marketplane/api/internal/domain"
	"github.com/marketplane/api/internal/repositories"
)

func newBuilderFixture(t *testing.T) (*stubCatalogRepo, *stubOrderRepo, *OrderBuilder) {
	t.Helper()
	catalog := &stubCatalogRepo{}
	orders := &stubOrderRepo{}
	counters := &stubCounterRepo{nextFn: func(context.Context, string, int64) (int64, error) { return 42, nil }}

	builder, err := NewOrderBuilder(OrderBuilderDeps{
		Catalog:  catalog,
		Orders:   orders,
		Counters: counters,
		Clock:    func() time.Time { return time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewOrderBuilder: %v", err)
	}
	return catalog, orders, builder
}

func builderProducts() map[string]domain.Product {
	return map[string]domain.Product{
		"A": {ID: "A", MerchantID: "M1", Name: "Alpha", SKU: "SKU-A", Price: 10000, StockAvailable: 10, Active: true},
		"B": {ID: "B", MerchantID: "M2", Name: "Beta", SKU: "SKU-B", Price: 5000, StockAvailable: 10, Active: true},
		"C": {ID: "C", MerchantID: "M1", Name: "Gamma", SKU: "SKU-C", Price: 2500, StockAvailable: 0, Active: true},
	}
}

func withCatalog(catalog *stubCatalogRepo, products map[string]domain.Product) {
	catalog.getFn = func(_ context.Context, id string) (domain.Product, error) {
		p, ok := products[id]
		if !ok {
			return domain.Product{}, repositories.NewCatalogError(repositories.CatalogErrorProductNotFound, "missing", nil)
		}
		return p, nil
	}
	catalog.decrementFn = func(_ context.Context, req repositories.StockMovement) (domain.Product, error) {
		p := products[req.ProductID]
		if p.StockAvailable < req.Quantity {
			return domain.Product{}, repositories.NewCatalogError(repositories.CatalogErrorInsufficientStock, "insufficient", nil)
		}
		p.StockAvailable -= req.Quantity
		products[req.ProductID] = p
		return p, nil
	}
}

func TestOrderBuilderRejectsEmptyCart(t *testing.T) {
	_, _, builder := newBuilderFixture(t)

	_, err := builder.Build(context.Background(), BuildOrderCommand{CustomerID: "cus_1", Currency: "PHP"})
	if !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
}

func TestOrderBuilderGroupsLinesPerMerchant(t *testing.T) {
	catalog, _, builder := newBuilderFixture(t)
	withCatalog(catalog, builderProducts())

	order, err := builder.Build(context.Background(), BuildOrderCommand{
		CustomerID: "cus_1",
		Currency:   "PHP",
		Lines: []domain.CartLine{
			{ProductID: "A", Quantity: 2},
			{ProductID: "B", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if order.TotalAmount != 25000 {
		t.Fatalf("expected total 25000 minor units, got %d", order.TotalAmount)
	}
	if got := domain.FormatMinorUnits(order.TotalAmount); got != "250.00" {
		t.Fatalf("expected formatted total 250.00, got %s", got)
	}
	if order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("expected pending_payment, got %s", order.Status)
	}
	if order.OrderNumber != "MP-2026-000042" {
		t.Fatalf("unexpected order number %s", order.OrderNumber)
	}
	if len(order.SubOrders) != 2 {
		t.Fatalf("expected one sub-order per merchant, got %d", len(order.SubOrders))
	}
	if order.SubOrders[0].MerchantID != "M1" || order.SubOrders[1].MerchantID != "M2" {
		t.Fatalf("expected first-seen merchant ordering, got %s then %s",
			order.SubOrders[0].MerchantID, order.SubOrders[1].MerchantID)
	}
	if order.SubOrders[0].Subtotal != 20000 || order.SubOrders[1].Subtotal != 5000 {
		t.Fatalf("unexpected subtotals %d and %d", order.SubOrders[0].Subtotal, order.SubOrders[1].Subtotal)
	}
	for _, sub := range order.SubOrders {
		if sub.Status != domain.OrderStatusPendingPayment {
			t.Fatalf("expected sub-order pending_payment, got %s", sub.Status)
		}
		if !strings.HasPrefix(sub.ID, "sub_") {
			t.Fatalf("unexpected sub-order id %s", sub.ID)
		}
	}
	if !strings.HasPrefix(order.ID, "ord_") {
		t.Fatalf("unexpected order id %s", order.ID)
	}
}

func TestOrderBuilderFreezesPrices(t *testing.T) {
	catalog, _, builder := newBuilderFixture(t)
	products := builderProducts()
	withCatalog(catalog, products)

	order, err := builder.Build(context.Background(), BuildOrderCommand{
		CustomerID: "cus_1",
		Currency:   "PHP",
		Lines:      []domain.CartLine{{ProductID: "A", Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	line := order.Lines()[0]
	if line.UnitPrice != 10000 || line.Subtotal != 30000 {
		t.Fatalf("expected frozen price 10000 with subtotal 30000, got %d and %d", line.UnitPrice, line.Subtotal)
	}
	if line.Name != "Alpha" || line.SKU != "SKU-A" {
		t.Fatalf("expected product snapshot on the line, got %+v", line)
	}
}

func TestOrderBuilderRejectsMissingProduct(t *testing.T) {
	catalog, _, builder := newBuilderFixture(t)
	withCatalog(catalog, builderProducts())

	_, err := builder.Build(context.Background(), BuildOrderCommand{
		CustomerID: "cus_1",
		Currency:   "PHP",
		Lines:      []domain.CartLine{{ProductID: "ghost", Quantity: 1}},
	})
	if !errors.Is(err, ErrProductUnavailable) {
		t.Fatalf("expected ErrProductUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("expected offending product named, got %v", err)
	}
}

func TestOrderBuilderRejectsInactiveProduct(t *testing.T) {
	catalog, _, builder := newBuilderFixture(t)
	products := builderProducts()
	inactive := products["A"]
	inactive.Active = false
	products["A"] = inactive
	withCatalog(catalog, products)

	_, err := builder.Build(context.Background(), BuildOrderCommand{
		CustomerID: "cus_1",
		Currency:   "PHP",
		Lines:      []domain.CartLine{{ProductID: "A", Quantity: 1}},
	})
	if !errors.Is(err, ErrProductUnavailable) {
		t.Fatalf("expected ErrProductUnavailable, got %v", err)
	}
}

func TestOrderBuilderRollsBackOnInsufficientStock(t *testing.T) {
	catalog, _, builder := newBuilderFixture(t)
	withCatalog(catalog, builderProducts())

	_, err := builder.Build(context.Background(), BuildOrderCommand{
		CustomerID: "cus_1",
		Currency:   "PHP",
		Lines: []domain.CartLine{
			{ProductID: "A", Quantity: 2},
			{ProductID: "C", Quantity: 1},
		},
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if !strings.Contains(err.Error(), "C") {
		t.Fatalf("expected offending product named, got %v", err)
	}
	if len(catalog.restored) != 1 || catalog.restored[0].ProductID != "A" || catalog.restored[0].Quantity != 2 {
		t.Fatalf("expected earlier decrement compensated, got %+v", catalog.restored)
	}
}

func TestOrderBuilderRollsBackOnPersistFailure(t *testing.T) {
	catalog, orders, builder := newBuilderFixture(t)
	withCatalog(catalog, builderProducts())
	orders.insertFn = func(context.Context, domain.Order) error {
		return errors.New("firestore down")
	}

	_, err := builder.Build(context.Background(), BuildOrderCommand{
		CustomerID: "cus_1",
		Currency:   "PHP",
		Lines: []domain.CartLine{
			{ProductID: "A", Quantity: 1},
			{ProductID: "B", Quantity: 2},
		},
	})
	if err == nil {
		t.Fatalf("expected persist error")
	}
	if len(catalog.restored) != 2 {
		t.Fatalf("expected both decrements compensated, got %+v", catalog.restored)
	}
}

func TestOrderBuilderValidatesInput(t *testing.T) {
	_, _, builder := newBuilderFixture(t)

	cases := []struct {
		name string
		cmd  BuildOrderCommand
	}{
		{"missing customer", BuildOrderCommand{Currency: "PHP", Lines: []domain.CartLine{{ProductID: "A", Quantity: 1}}}},
		{"bad currency", BuildOrderCommand{CustomerID: "cus_1", Currency: "peso", Lines: []domain.CartLine{{ProductID: "A", Quantity: 1}}}},
		{"zero quantity", BuildOrderCommand{CustomerID: "cus_1", Currency: "PHP", Lines: []domain.CartLine{{ProductID: "A", Quantity: 0}}}},
		{"blank product", BuildOrderCommand{CustomerID: "cus_1", Currency: "PHP", Lines: []domain.CartLine{{ProductID: " ", Quantity: 1}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := builder.Build(context.Background(), tc.cmd); !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
			}
		})
	}
}
