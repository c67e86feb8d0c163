package repositories

import "fmt"

// CatalogErrorCode enumerates repository error causes for catalog and stock operations.
type CatalogErrorCode string

const (
	// CatalogErrorUnknown represents an unspecified failure.
	CatalogErrorUnknown CatalogErrorCode = "catalog_unknown"
	// CatalogErrorInsufficientStock indicates requested quantity exceeds availability.
	CatalogErrorInsufficientStock CatalogErrorCode = "catalog_insufficient_stock"
	// CatalogErrorProductNotFound indicates the product document is missing.
	CatalogErrorProductNotFound CatalogErrorCode = "catalog_product_not_found"
	// CatalogErrorProductInactive indicates the product exists but is not purchasable.
	CatalogErrorProductInactive CatalogErrorCode = "catalog_product_inactive"
)

// CatalogError wraps catalog-specific failures with machine readable codes.
type CatalogError struct {
	Op      string
	Code    CatalogErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *CatalogError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *CatalogError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCatalogError constructs a typed catalog error.
func NewCatalogError(code CatalogErrorCode, message string, err error) *CatalogError {
	if message == "" {
		message = string(code)
	}
	return &CatalogError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
