package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marketplane/api/internal/platform/config"
	"github.com/marketplane/api/internal/repositories"
	"github.com/marketplane/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders  services.OrderService
	Catalog services.CatalogService
	System  services.SystemService
	Audit   services.AuditLogService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// Option customises container construction.
type Option func(*containerConfig)

type containerConfig struct {
	gateway services.PaymentGateway
	events  services.OrderEventPublisher
	build   services.BuildInfo
	logger  *zap.Logger
}

// WithPaymentGateway injects the payment provider client used for checkout.
func WithPaymentGateway(gateway services.PaymentGateway) Option {
	return func(cfg *containerConfig) {
		cfg.gateway = gateway
	}
}

// WithOrderEventPublisher injects the publisher used for order lifecycle events.
// Omitting it keeps events disabled.
func WithOrderEventPublisher(events services.OrderEventPublisher) Option {
	return func(cfg *containerConfig) {
		cfg.events = events
	}
}

// WithBuildInfo attaches build metadata exposed by health endpoints.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(cfg *containerConfig) {
		cfg.build = build
	}
}

// WithLogger sets the logger used by service-level diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *containerConfig) {
		cfg.logger = logger
	}
}

// NewContainer constructs the runtime dependencies. Production wiring provides real
// implementations, while tests can supply in-memory registries and stub gateways.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	cc := containerConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cc)
		}
	}
	if cc.logger == nil {
		cc.logger = zap.NewNop()
	}
	if cc.build.Environment == "" {
		cc.build.Environment = cfg.Environment
	}

	svc, err := buildServices(ctx, reg, cfg, cc)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, cc containerConfig) (Services, error) {
	var svc Services

	serviceLogger := newServiceLogger(cc.logger)

	if auditRepo := reg.AuditLogs(); auditRepo != nil {
		auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
			Repository: auditRepo,
			Clock:      time.Now,
			Logger:     cc.logger.Sugar(),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build audit log service: %w", err)
		}
		svc.Audit = auditSvc
	}

	catalogRepo := reg.Catalog()
	if catalogRepo != nil {
		catalogSvc, err := services.NewCatalogService(services.CatalogServiceDeps{
			Catalog: catalogRepo,
			Clock:   time.Now,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build catalog service: %w", err)
		}
		svc.Catalog = catalogSvc
	}

	counterRepo := reg.Counters()

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
			Build:            cc.build,
			Audit:            svc.Audit,
			Counters:         counterRepo,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	ordersRepo := reg.Orders()
	if ordersRepo != nil && catalogRepo != nil && counterRepo != nil && cc.gateway != nil {
		builder, err := services.NewOrderBuilder(services.OrderBuilderDeps{
			Catalog:    catalogRepo,
			Orders:     ordersRepo,
			Counters:   counterRepo,
			UnitOfWork: reg,
			Clock:      time.Now,
			Logger:     serviceLogger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build order builder: %w", err)
		}

		orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
			Orders:     ordersRepo,
			Attempts:   reg.PaymentAttempts(),
			Catalog:    catalogRepo,
			Builder:    builder,
			Gateway:    cc.gateway,
			UnitOfWork: reg,
			Audit:      svc.Audit,
			Events:     cc.events,
			AttemptTTL: cfg.Payments.AttemptTTL,
			Clock:      time.Now,
			Logger:     serviceLogger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build order service: %w", err)
		}
		svc.Orders = orderSvc
	}

	return svc, nil
}

func newServiceLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		return nil
	}
	return func(_ context.Context, event string, fields map[string]any) {
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Warn(event, zapFields...)
	}
}
