package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marketplane/api/internal/repositories"
)

var (
	// ErrCatalogRepositoryMissing indicates the repository dependency is absent.
	ErrCatalogRepositoryMissing = errors.New("catalog service: repository is not configured")
	// ErrProductNotFound indicates the product does not exist.
	ErrProductNotFound = errors.New("catalog service: product not found")
)

// CatalogServiceDeps bundles constructor inputs for the catalog service.
type CatalogServiceDeps struct {
	Catalog repositories.CatalogRepository
	Clock   func() time.Time
}

type catalogService struct {
	repo  repositories.CatalogRepository
	clock func() time.Time
}

// NewCatalogService constructs the catalog service with the supplied dependencies.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Catalog == nil {
		return nil, fmt.Errorf("catalog service: catalog repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &catalogService{
		repo:  deps.Catalog,
		clock: func() time.Time { return clock().UTC() },
	}, nil
}

// LookupProduct loads a product by id regardless of its active flag. Callers
// deciding purchasability check Active themselves.
func (s *catalogService) LookupProduct(ctx context.Context, productID string) (Product, error) {
	if s.repo == nil {
		return Product{}, ErrCatalogRepositoryMissing
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrOrderInvalidInput)
	}
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		var catErr *repositories.CatalogError
		if errors.As(err, &catErr) && catErr.Code == repositories.CatalogErrorProductNotFound {
			return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		return Product{}, err
	}
	return product, nil
}
