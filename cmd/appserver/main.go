// Command appserver runs the customer ownership API and the pool sweeper.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	app "github.com/R3E-Network/crm_service/internal/app"
	"github.com/R3E-Network/crm_service/internal/app/domain/user"
	"github.com/R3E-Network/crm_service/internal/app/httpapi"
	"github.com/R3E-Network/crm_service/internal/app/services/pool"
	"github.com/R3E-Network/crm_service/internal/app/storage"
	"github.com/R3E-Network/crm_service/internal/app/storage/memory"
	"github.com/R3E-Network/crm_service/internal/app/storage/postgres"
	"github.com/R3E-Network/crm_service/internal/app/storage/redisstore"
	"github.com/R3E-Network/crm_service/internal/config"
	"github.com/R3E-Network/crm_service/internal/logging"
	"github.com/R3E-Network/crm_service/internal/middleware"
	"github.com/R3E-Network/crm_service/internal/notify"
	"github.com/R3E-Network/crm_service/internal/platform/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "appserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.New("crm", cfg.Logging.Level, cfg.Logging.Format)

	stores, ready, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	if err := seedUsers(ctx, stores.Users, cfg.Users); err != nil {
		return err
	}

	var notifier notify.Dispatcher
	if cfg.Notify.AMQPURL != "" {
		publisher, err := notify.NewAMQPPublisher(cfg.Notify.AMQPURL, cfg.Notify.Exchange, log.Named("amqp"))
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		defer publisher.Close()
		notifier = publisher
	} else {
		log.Warn("AMQP_URL not set; ownership events are only logged")
	}

	loc, err := cfg.Pool.Location()
	if err != nil {
		return fmt.Errorf("pool timezone: %w", err)
	}
	opts := app.Options{
		Notifier:       notifier,
		Parallelism:    cfg.Batch.Parallelism,
		MaxBatchSize:   cfg.Batch.MaxSize,
		IdempotencyTTL: cfg.Idempotency.TTL,
		Location:       loc,
	}
	if cfg.Pool.SweepEnabled {
		opts.Sweep = &pool.SweepConfig{
			Schedule:         cfg.Pool.Schedule,
			InactiveHours:    cfg.Pool.InactiveHours,
			ContractStatuses: cfg.Pool.ContractStatuses,
			LeadSources:      cfg.Pool.LeadSources,
			WindowStart:      cfg.Pool.WindowStart,
			WindowEnd:        cfg.Pool.WindowEnd,
			BatchLimit:       cfg.Pool.BatchLimit,
			Location:         loc,
			Rules:            transferRules(cfg.Pool.Rules),
		}
	}

	application, err := app.New(stores, opts, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}

	keyPEM, err := cfg.Auth.PublicKeyPEM()
	if err != nil {
		return err
	}
	publicKey, err := middleware.ParsePublicKey(keyPEM)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: httpapi.NewHandler(application, httpapi.Config{
			PublicKey:      publicKey,
			Issuer:         cfg.Auth.Issuer,
			RateLimitRPS:   cfg.RateLimit.RequestsPerSecond,
			RateLimitBurst: cfg.RateLimit.Burst,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Ready:          ready,
			Background:     ctx,
		}, log.Named("http")),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application stop")
	}
	log.Info("stopped")
	return nil
}

// openStores picks the storage backends. Without DATABASE_URL everything
// runs in memory.
func openStores(ctx context.Context, cfg *config.Config, log *logging.Logger) (app.Stores, func(context.Context) error, func(), error) {
	var (
		stores  app.Stores
		checks  []func(context.Context) error
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Database.DSN != "" {
		db, err := sqlx.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return stores, nil, closeAll, fmt.Errorf("open database: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			closeAll()
			return stores, nil, func() {}, fmt.Errorf("ping database: %w", err)
		}
		if cfg.Database.Migrate {
			if err := migrations.Apply(ctx, db); err != nil {
				closeAll()
				return stores, nil, func() {}, fmt.Errorf("migrate: %w", err)
			}
			log.Info("database migrations applied")
		}

		pg := postgres.New(db)
		stores.Customers, stores.Audit, stores.Users = pg, pg, pg
		if cfg.Idempotency.Backend == config.BackendPostgres {
			stores.Idempotency = pg
		}
		checks = append(checks, db.PingContext)
	} else {
		log.Warn("DATABASE_URL not set; using in-memory storage")
		mem := memory.New()
		stores.Customers, stores.Audit, stores.Users, stores.Idempotency = mem, mem, mem, mem
	}

	if cfg.Idempotency.Backend == config.BackendRedis {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    strings.Split(cfg.Redis.Addr, ","),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { _ = client.Close() })
		stores.Idempotency = redisstore.New(client, "crm:idempotency:")
		checks = append(checks, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}
	if stores.Idempotency == nil {
		stores.Idempotency = memory.New()
	}

	ready := func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	return stores, ready, closeAll, nil
}

func seedUsers(ctx context.Context, users storage.UserStore, seeds []config.UserSeed) error {
	for _, s := range seeds {
		u := user.User{
			ID:            s.ID,
			Name:          s.Name,
			Role:          user.Role(s.Role),
			CapacityLimit: s.CapacityLimit,
			Active:        s.Active == nil || *s.Active,
		}
		if u.CapacityLimit <= 0 {
			u.CapacityLimit = user.DefaultCapacityLimit
		}
		if !u.Role.Valid() {
			return fmt.Errorf("seed user %s: unknown role %q", s.ID, s.Role)
		}
		if _, err := users.UpsertUser(ctx, u); err != nil {
			return fmt.Errorf("seed user %s: %w", s.ID, err)
		}
	}
	return nil
}

func transferRules(rules []config.TransferRuleConfig) []pool.TransferRule {
	out := make([]pool.TransferRule, 0, len(rules))
	for _, r := range rules {
		rule := pool.TransferRule{
			Name:                 r.Name,
			InactiveHours:        r.InactiveHours,
			ContractStatuses:     r.ContractStatuses,
			LeadSources:          r.LeadSources,
			EnableCompensation:   r.EnableCompensation,
			CompensationPriority: r.CompensationPriority,
		}
		for _, q := range r.UserQuotas {
			rule.Users = append(rule.Users, pool.UserQuota{UserID: q.UserID, Role: pool.QuotaRole(q.Role)})
		}
		out = append(out, rule)
	}
	return out
}
