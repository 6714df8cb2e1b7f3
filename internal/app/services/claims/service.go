// Package claims lets users take pooled customers, bounded by their capacity.
package claims

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/app/metrics"
	"github.com/R3E-Network/crm_service/internal/app/services/batch"
	"github.com/R3E-Network/crm_service/internal/app/storage"
	"github.com/R3E-Network/crm_service/internal/errors"
	"github.com/R3E-Network/crm_service/internal/logging"
	"github.com/R3E-Network/crm_service/internal/notify"
	"github.com/R3E-Network/crm_service/internal/resilience"
)

// Options tunes retry and batch behaviour.
type Options struct {
	Retry        resilience.RetryConfig
	Parallelism  int
	MaxBatchSize int
	Now          func() time.Time
}

// Service is the claim coordinator.
type Service struct {
	store    storage.CustomerStore
	users    storage.UserStore
	notifier notify.Dispatcher
	opts     Options
	log      *logging.Logger
}

// New constructs a claim service.
func New(store storage.CustomerStore, users storage.UserStore, notifier notify.Dispatcher, opts Options, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("claims")
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{store: store, users: users, notifier: notifier, opts: opts, log: log}
}

// Claim moves a pooled customer to actor. The pool precondition and the
// capacity check are evaluated by the store in the same unit as the write.
// Version conflicts are retried; exhausting the budget reports AlreadyClaimed
// since another writer won the customer.
func (s *Service) Claim(ctx context.Context, customerID, actor string) (customer.Customer, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return customer.Customer{}, errors.Required("customerId")
	}
	limit, err := s.capacityOf(ctx, actor)
	if err != nil {
		return customer.Customer{}, err
	}
	return s.claim(ctx, customerID, actor, limit)
}

// BatchClaim claims each distinct id independently.
func (s *Service) BatchClaim(ctx context.Context, ids []string, actor string) (customer.BatchResult, error) {
	ids = batch.Unique(ids)
	if err := batch.Validate(ids, s.opts.MaxBatchSize); err != nil {
		return customer.BatchResult{}, err
	}
	limit, err := s.capacityOf(ctx, actor)
	if err != nil {
		return customer.BatchResult{}, err
	}
	metrics.RecordBatch("claim", len(ids))

	result := batch.Run(ctx, ids, s.opts.Parallelism, func(ctx context.Context, id string) error {
		_, err := s.claim(ctx, id, actor, limit)
		return err
	})
	s.log.WithContext(ctx).
		WithField("actor", actor).
		WithField("success", result.Success).
		WithField("failed", result.Failed).
		Info("batch claim finished")
	return result, nil
}

func (s *Service) capacityOf(ctx context.Context, actor string) (int, error) {
	if strings.TrimSpace(actor) == "" {
		return 0, errors.Unauthorized("missing actor")
	}
	u, err := s.users.GetUser(ctx, actor)
	if stderrors.Is(err, storage.ErrNotFound) {
		return 0, errors.NotFound("user", actor)
	}
	if err != nil {
		return 0, fmt.Errorf("load user %s: %w", actor, err)
	}
	if !u.Active {
		return 0, errors.Forbidden(fmt.Sprintf("user %s is inactive", actor))
	}
	return u.CapacityLimit, nil
}

func (s *Service) claim(ctx context.Context, customerID, actor string, limit int) (customer.Customer, error) {
	pool := customer.Pool()
	var claimed customer.Customer

	err := resilience.Retry(ctx, s.opts.Retry, isConflict, func(int) error {
		current, err := s.store.GetCustomer(ctx, customerID)
		if err != nil {
			return mapStoreError(err, customerID, actor, limit)
		}
		if !current.InPool() {
			return errors.AlreadyClaimed(customerID)
		}
		claimed, err = s.store.TryTransition(ctx, customer.Transition{
			CustomerID:      customerID,
			ExpectedVersion: current.Version,
			ExpectedHolder:  &pool,
			To:              customer.HeldBy(actor),
			Kind:            customer.KindClaim,
			Actor:           actor,
			Capacity:        &customer.CapacityCheck{UserID: actor, Limit: limit},
			Now:             s.opts.Now(),
		})
		if err != nil {
			if isConflict(err) {
				metrics.RecordConflict("claim")
			}
			return mapStoreError(err, customerID, actor, limit)
		}
		return nil
	})
	if err != nil {
		err = s.finalError(ctx, err, customerID)
		metrics.RecordRejection("claim", string(errors.CodeOf(err)))
		return customer.Customer{}, err
	}

	metrics.RecordTransition(string(customer.KindClaim))
	s.log.WithContext(ctx).
		WithField("customer_id", customerID).
		WithField("from", pool.String()).
		WithField("to", claimed.Holder.String()).
		WithField("actor", actor).
		WithField("kind", string(customer.KindClaim)).
		Info("customer claimed")
	notify.Send(ctx, s.notifier, s.log, notify.NewEvent(customer.KindClaim, pool, claimed, actor, ""))
	return claimed, nil
}

func (s *Service) finalError(ctx context.Context, err error, customerID string) error {
	switch {
	case stderrors.Is(err, resilience.ErrAttemptsExhausted):
		return errors.AlreadyClaimed(customerID)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return errors.Cancelled(err)
	case errors.GetServiceError(err) == nil:
		s.log.WithContext(ctx).WithError(err).WithField("customer_id", customerID).Error("claim failed")
		return errors.Internal("claim failed", err)
	}
	return err
}

func isConflict(err error) bool {
	return stderrors.Is(err, storage.ErrVersionConflict)
}

// mapStoreError turns storage sentinels into business errors. Version
// conflicts pass through so the retry loop sees them.
func mapStoreError(err error, customerID, actor string, limit int) error {
	switch {
	case stderrors.Is(err, storage.ErrVersionConflict):
		return err
	case stderrors.Is(err, storage.ErrNotFound):
		return errors.NotFound("customer", customerID)
	case stderrors.Is(err, storage.ErrHolderMismatch):
		return errors.AlreadyClaimed(customerID)
	case stderrors.Is(err, storage.ErrCapacityExceeded):
		return errors.CapacityExceeded(actor, limit)
	}
	return err
}
