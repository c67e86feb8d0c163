package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/marketplane/api/internal/domain"
	pfirestore "github.com/marketplane/api/internal/platform/firestore"
	"github.com/marketplane/api/internal/repositories"
)

const productsCollection = "products"

// CatalogRepository stores the product catalog projection and performs
// transactional stock movements against it.
type CatalogRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.BaseRepository[productDocument]
}

// NewCatalogRepository constructs a Firestore-backed catalog repository.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	products := pfirestore.NewBaseRepository[productDocument](provider, productsCollection)
	return &CatalogRepository{provider: provider, products: products}, nil
}

// GetProduct returns the stored product projection regardless of active state.
func (r *CatalogRepository) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.products == nil {
		return domain.Product{}, errors.New("catalog repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, repositories.NewCatalogError(repositories.CatalogErrorUnknown, "catalog get: product id is required", nil)
	}

	doc, err := r.products.Get(ctx, productID)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.Product{}, repositories.NewCatalogError(repositories.CatalogErrorProductNotFound, fmt.Sprintf("product %s not found", productID), err)
		}
		return domain.Product{}, wrapCatalogError("catalog.get", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// DecrementStock subtracts quantity inside a transaction after re-checking
// availability. The stored count never goes negative.
func (r *CatalogRepository) DecrementStock(ctx context.Context, req repositories.StockMovement) (domain.Product, error) {
	return r.adjustStock(ctx, "catalog.decrement", req, func(doc *productDocument, qty int) error {
		if doc.StockAvailable < qty {
			return repositories.NewCatalogError(repositories.CatalogErrorInsufficientStock, fmt.Sprintf("insufficient stock for %s", strings.TrimSpace(req.ProductID)), nil)
		}
		doc.StockAvailable -= qty
		return nil
	})
}

// RestoreStock adds quantity back after a cancellation or payment failure.
func (r *CatalogRepository) RestoreStock(ctx context.Context, req repositories.StockMovement) (domain.Product, error) {
	return r.adjustStock(ctx, "catalog.restore", req, func(doc *productDocument, qty int) error {
		doc.StockAvailable += qty
		return nil
	})
}

func (r *CatalogRepository) adjustStock(ctx context.Context, op string, req repositories.StockMovement, apply func(*productDocument, int) error) (domain.Product, error) {
	if r == nil || r.provider == nil {
		return domain.Product{}, errors.New("catalog repository not initialised")
	}
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		return domain.Product{}, repositories.NewCatalogError(repositories.CatalogErrorUnknown, "catalog stock: product id is required", nil)
	}
	if req.Quantity <= 0 {
		return domain.Product{}, repositories.NewCatalogError(repositories.CatalogErrorUnknown, fmt.Sprintf("catalog stock: quantity for %s must be > 0", productID), nil)
	}

	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var updated domain.Product
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.products.DocumentRef(ctx, productID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewCatalogError(repositories.CatalogErrorProductNotFound, fmt.Sprintf("product %s not found", productID), err)
			}
			return err
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode product %s: %w", productID, err)
		}
		if err := apply(&doc, req.Quantity); err != nil {
			return err
		}
		doc.UpdatedAt = now
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(productID)
		return nil
	})
	if err != nil {
		return domain.Product{}, wrapCatalogError(op, err)
	}
	return updated, nil
}

type productDocument struct {
	MerchantID     string    `firestore:"merchantId"`
	Name           string    `firestore:"name"`
	SKU            string    `firestore:"sku"`
	Price          int64     `firestore:"price"`
	StockAvailable int       `firestore:"stockAvailable"`
	Active         bool      `firestore:"active"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:             id,
		MerchantID:     strings.TrimSpace(d.MerchantID),
		Name:           strings.TrimSpace(d.Name),
		SKU:            strings.TrimSpace(d.SKU),
		Price:          d.Price,
		StockAvailable: d.StockAvailable,
		Active:         d.Active,
		UpdatedAt:      d.UpdatedAt,
	}
}

func wrapCatalogError(op string, err error) error {
	if err == nil {
		return nil
	}
	var catErr *repositories.CatalogError
	if errors.As(err, &catErr) {
		if catErr.Op == "" {
			catErr.Op = op
		}
		return catErr
	}
	return pfirestore.WrapError(op, err)
}
