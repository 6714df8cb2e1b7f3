// Package pool governs entry into the public pool: manual release and
// inactivity eviction.
package pool

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/R3E-Network/crm_service/internal/app/auth"
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

// Service releases customers to the public pool.
type Service struct {
	store    storage.CustomerStore
	authz    auth.Authorizer
	notifier notify.Dispatcher
	opts     Options
	log      *logging.Logger
}

// New constructs a pool service.
func New(store storage.CustomerStore, authz auth.Authorizer, notifier notify.Dispatcher, opts Options, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("pool")
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
	return &Service{store: store, authz: authz, notifier: notifier, opts: opts, log: log}
}

// ReleaseToPool moves customerID to the pool. The actor must be the current
// holder or hold the release capability.
func (s *Service) ReleaseToPool(ctx context.Context, customerID, reason, actor string) (customer.Customer, error) {
	customerID = strings.TrimSpace(customerID)
	reason = strings.TrimSpace(reason)
	if err := validate(customerID, reason, actor); err != nil {
		return customer.Customer{}, err
	}
	return s.release(ctx, customerID, reason, actor)
}

// BatchReleaseToPool releases each distinct id independently.
func (s *Service) BatchReleaseToPool(ctx context.Context, ids []string, reason, actor string) (customer.BatchResult, error) {
	ids = batch.Unique(ids)
	reason = strings.TrimSpace(reason)
	if err := batch.Validate(ids, s.opts.MaxBatchSize); err != nil {
		return customer.BatchResult{}, err
	}
	if err := validate("batch", reason, actor); err != nil {
		return customer.BatchResult{}, err
	}
	metrics.RecordBatch("release", len(ids))

	result := batch.Run(ctx, ids, s.opts.Parallelism, func(ctx context.Context, id string) error {
		_, err := s.release(ctx, id, reason, actor)
		return err
	})
	s.log.WithContext(ctx).
		WithField("actor", actor).
		WithField("success", result.Success).
		WithField("failed", result.Failed).
		Info("batch release finished")
	return result, nil
}

func validate(customerID, reason, actor string) error {
	if customerID == "" {
		return errors.Required("customerId")
	}
	if reason == "" {
		return errors.Required("reason")
	}
	if strings.TrimSpace(actor) == "" {
		return errors.Unauthorized("missing actor")
	}
	return nil
}

func (s *Service) release(ctx context.Context, customerID, reason, actor string) (customer.Customer, error) {
	var (
		released   customer.Customer
		from       customer.Holder
		authorized bool
	)
	err := resilience.Retry(ctx, s.opts.Retry, isRetryable, func(int) error {
		current, err := s.store.GetCustomer(ctx, customerID)
		if stderrors.Is(err, storage.ErrNotFound) {
			return errors.NotFound("customer", customerID)
		}
		if err != nil {
			return err
		}
		if current.InPool() {
			return errors.AlreadyInPool(customerID)
		}
		if !current.Holder.IsUser(actor) && !authorized {
			if err := s.authz.RequireCapability(ctx, actor, auth.CapabilityRelease); err != nil {
				return err
			}
			authorized = true
		}
		from = current.Holder
		released, err = s.store.TryTransition(ctx, customer.Transition{
			CustomerID:      customerID,
			ExpectedVersion: current.Version,
			To:              customer.Pool(),
			Kind:            customer.KindRelease,
			Actor:           actor,
			Reason:          reason,
			Now:             s.opts.Now(),
		})
		if isRetryable(err) {
			metrics.RecordConflict("release")
		}
		return err
	})
	if err != nil {
		err = s.finalError(ctx, err, customerID)
		metrics.RecordRejection("release", string(errors.CodeOf(err)))
		return customer.Customer{}, err
	}
	s.committed(ctx, customer.KindRelease, from, released, actor, reason)
	return released, nil
}

// Evict releases c on behalf of the system if it is unchanged since it was
// selected. A customer that moved or was touched in between is skipped.
func (s *Service) Evict(ctx context.Context, c customer.Customer, reason string) (bool, error) {
	if c.InPool() {
		return false, nil
	}
	released, err := s.store.TryTransition(ctx, customer.Transition{
		CustomerID:      c.ID,
		ExpectedVersion: c.Version,
		ExpectedHolder:  &c.Holder,
		To:              customer.Pool(),
		Kind:            customer.KindEvict,
		Actor:           auth.SystemActor,
		Reason:          reason,
		Now:             s.opts.Now(),
	})
	switch {
	case err == nil:
	case isRetryable(err), stderrors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("evict %s: %w", c.ID, err)
	}
	s.committed(ctx, customer.KindEvict, c.Holder, released, auth.SystemActor, reason)
	return true, nil
}

func (s *Service) committed(ctx context.Context, kind customer.TransitionKind, from customer.Holder, c customer.Customer, actor, reason string) {
	metrics.RecordTransition(string(kind))
	s.log.WithContext(ctx).
		WithField("customer_id", c.ID).
		WithField("from", from.String()).
		WithField("to", c.Holder.String()).
		WithField("actor", actor).
		WithField("kind", string(kind)).
		WithField("reason", reason).
		Info("customer released to pool")
	notify.Send(ctx, s.notifier, s.log, notify.NewEvent(kind, from, c, actor, reason))
}

func (s *Service) finalError(ctx context.Context, err error, customerID string) error {
	switch {
	case stderrors.Is(err, resilience.ErrAttemptsExhausted):
		return errors.ConcurrentUpdate(customerID, err)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return errors.Cancelled(err)
	case errors.GetServiceError(err) == nil:
		s.log.WithContext(ctx).WithError(err).WithField("customer_id", customerID).Error("release failed")
		return errors.Internal("release failed", err)
	}
	return err
}

func isRetryable(err error) bool {
	return stderrors.Is(err, storage.ErrVersionConflict) || stderrors.Is(err, storage.ErrHolderMismatch)
}
