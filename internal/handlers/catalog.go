package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/marketplane/api/internal/domain"
	"github.com/marketplane/api/internal/platform/httpx"
	"github.com/marketplane/api/internal/services"
)

// CatalogHandlers exposes read-only product lookups.
type CatalogHandlers struct {
	catalog services.CatalogService
}

// NewCatalogHandlers constructs a new CatalogHandlers instance.
func NewCatalogHandlers(catalog services.CatalogService) *CatalogHandlers {
	return &CatalogHandlers{catalog: catalog}
}

// Routes registers the /products endpoints.
func (h *CatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{productID}", h.getProduct)
}

func (h *CatalogHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_service_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	product, err := h.catalog.LookupProduct(ctx, productID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrProductNotFound):
			httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
		case errors.Is(err, services.ErrOrderInvalidInput):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("catalog_error", "failed to load product", http.StatusInternalServerError))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}

type productResponse struct {
	Product productPayload `json:"product"`
}

type productPayload struct {
	ID             string `json:"id"`
	MerchantID     string `json:"merchant_id"`
	Name           string `json:"name"`
	SKU            string `json:"sku"`
	Price          int64  `json:"price"`
	PriceDisplay   string `json:"price_display"`
	StockAvailable int    `json:"stock_available"`
	Active         bool   `json:"active"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

func buildProductPayload(product services.Product) productPayload {
	return productPayload{
		ID:             strings.TrimSpace(product.ID),
		MerchantID:     strings.TrimSpace(product.MerchantID),
		Name:           strings.TrimSpace(product.Name),
		SKU:            strings.TrimSpace(product.SKU),
		Price:          product.Price,
		PriceDisplay:   domain.FormatMinorUnits(product.Price),
		StockAvailable: product.StockAvailable,
		Active:         product.Active,
		UpdatedAt:      formatTime(product.UpdatedAt),
	}
}
