package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/marketplane/api/internal/platform/firestore"
	"github.com/marketplane/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract consumed by the DI container.
type Registry struct {
	provider *pfirestore.Provider
	catalog  *CatalogRepository
	orders   *OrderRepository
	attempts *PaymentAttemptRepository
	audit    *AuditLogRepository
	counters *CounterRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// RegistryOption customises optional registry collaborators.
type RegistryOption func(*Registry)

// WithHealthRepository injects the dependency health collector exposed via Health().
func WithHealthRepository(repo repositories.HealthRepository) RegistryOption {
	return func(r *Registry) {
		if repo != nil {
			r.health = repo
		}
	}
}

// NewRegistry constructs every repository against the shared provider.
func NewRegistry(provider *pfirestore.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	catalog, err := NewCatalogRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	attempts, err := NewPaymentAttemptRepository(provider)
	if err != nil {
		return nil, err
	}
	audit, err := NewAuditLogRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	registry := &Registry{
		provider: provider,
		catalog:  catalog,
		orders:   orders,
		attempts: attempts,
		audit:    audit,
		counters: counters,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Catalog() repositories.CatalogRepository { return r.catalog }

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) PaymentAttempts() repositories.PaymentAttemptRepository { return r.attempts }

func (r *Registry) AuditLogs() repositories.AuditLogRepository { return r.audit }

func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx executes fn directly. Repositories that need atomicity run their
// own Firestore transactions; order writes are single-document and already
// atomic.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("registry: fn is required")
	}
	return fn(ctx)
}
