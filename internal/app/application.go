package app

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/crm_service/internal/app/auth"
	"github.com/R3E-Network/crm_service/internal/app/services/assignment"
	"github.com/R3E-Network/crm_service/internal/app/services/auditlog"
	"github.com/R3E-Network/crm_service/internal/app/services/claims"
	"github.com/R3E-Network/crm_service/internal/app/services/customers"
	"github.com/R3E-Network/crm_service/internal/app/services/idempotency"
	"github.com/R3E-Network/crm_service/internal/app/services/pool"
	"github.com/R3E-Network/crm_service/internal/app/services/statistics"
	"github.com/R3E-Network/crm_service/internal/app/storage"
	"github.com/R3E-Network/crm_service/internal/app/storage/memory"
	"github.com/R3E-Network/crm_service/internal/app/system"
	"github.com/R3E-Network/crm_service/internal/logging"
	"github.com/R3E-Network/crm_service/internal/notify"
	"github.com/R3E-Network/crm_service/internal/resilience"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Customers   storage.CustomerStore
	Audit       storage.AuditLog
	Users       storage.UserStore
	Idempotency storage.IdempotencyStore
}

// Options tunes the services. The zero value is usable.
type Options struct {
	Notifier       notify.Dispatcher
	Retry          resilience.RetryConfig
	Parallelism    int
	MaxBatchSize   int
	IdempotencyTTL time.Duration
	// PurgeSchedule is the cron spec for removing expired idempotency
	// records. Empty uses the hourly default.
	PurgeSchedule string
	// Sweep enables the inactivity sweeper when non-nil.
	Sweep    *pool.SweepConfig
	Location *time.Location
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logging.Logger

	Users      storage.UserStore
	Authorizer auth.Authorizer

	Customers  *customers.Service
	Claims     *claims.Service
	Assignment *assignment.Service
	Pool       *pool.Service
	Audit      *auditlog.Service
	Statistics *statistics.Service
	Sweeper    *pool.Sweeper
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logging.Logger) (*Application, error) {
	if log == nil {
		log = logging.NewDefault("app")
	}

	var mem *memory.Store
	fallback := func() *memory.Store {
		if mem == nil {
			mem = memory.New()
		}
		return mem
	}
	if stores.Customers == nil {
		stores.Customers = fallback()
	}
	if stores.Audit == nil {
		stores.Audit = fallback()
	}
	if stores.Users == nil {
		stores.Users = fallback()
	}
	if stores.Idempotency == nil {
		stores.Idempotency = fallback()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLogDispatcher(log.Named("notify"))
	}

	authz := auth.NewRoleAuthorizer(stores.Users)
	guard := idempotency.New(stores.Idempotency, opts.IdempotencyTTL, log.Named("idempotency"))

	customerSvc := customers.New(stores.Customers, stores.Users, authz, guard,
		customers.Options{Retry: opts.Retry}, log.Named("customers"))
	claimSvc := claims.New(stores.Customers, stores.Users, opts.Notifier, claims.Options{
		Retry: opts.Retry, Parallelism: opts.Parallelism, MaxBatchSize: opts.MaxBatchSize,
	}, log.Named("claims"))
	assignSvc := assignment.New(stores.Customers, stores.Users, authz, opts.Notifier, assignment.Options{
		Retry: opts.Retry, Parallelism: opts.Parallelism, MaxBatchSize: opts.MaxBatchSize,
	}, log.Named("assignment"))
	poolSvc := pool.New(stores.Customers, authz, opts.Notifier, pool.Options{
		Retry: opts.Retry, Parallelism: opts.Parallelism, MaxBatchSize: opts.MaxBatchSize,
	}, log.Named("pool"))

	application := &Application{
		manager:    system.NewManager(log.Named("system")),
		log:        log,
		Users:      stores.Users,
		Authorizer: authz,
		Customers:  customerSvc,
		Claims:     claimSvc,
		Assignment: assignSvc,
		Pool:       poolSvc,
		Audit:      auditlog.New(stores.Customers, stores.Audit, log.Named("auditlog")),
		Statistics: statistics.New(stores.Customers, stores.Users, authz, opts.Location),
	}

	purger, err := idempotency.NewPurger(stores.Idempotency, opts.PurgeSchedule, log.Named("idempotency"))
	if err != nil {
		return nil, fmt.Errorf("configure idempotency purger: %w", err)
	}
	if err := application.manager.Register(purger); err != nil {
		return nil, fmt.Errorf("register %s: %w", purger.Name(), err)
	}

	if opts.Sweep != nil {
		cfg := *opts.Sweep
		if cfg.Location == nil {
			cfg.Location = opts.Location
		}
		sweeper, err := pool.NewSweeper(poolSvc, stores.Customers, cfg, log.Named("sweeper"))
		if err != nil {
			return nil, fmt.Errorf("configure sweeper: %w", err)
		}
		sweeper.WithTransferrer(assignSvc)
		if err := application.manager.Register(sweeper); err != nil {
			return nil, fmt.Errorf("register %s: %w", sweeper.Name(), err)
		}
		application.Sweeper = sweeper
	} else {
		log.Warn("pool sweeper disabled")
	}

	return application, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
