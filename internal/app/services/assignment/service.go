// Package assignment implements administrative reassignment. Assignment
// bypasses capacity limits but always records a reason.
package assignment

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

// DefaultPoolAssignReason is logged when a pooled customer is assigned
// without an explicit reason.
const DefaultPoolAssignReason = "从公海分配"

// Options tunes retry and batch behaviour.
type Options struct {
	Retry        resilience.RetryConfig
	Parallelism  int
	MaxBatchSize int
	Now          func() time.Time
}

// Service reassigns customers on behalf of managers and admins.
type Service struct {
	store    storage.CustomerStore
	users    storage.UserStore
	authz    auth.Authorizer
	notifier notify.Dispatcher
	opts     Options
	log      *logging.Logger
}

// New constructs an assignment service.
func New(store storage.CustomerStore, users storage.UserStore, authz auth.Authorizer, notifier notify.Dispatcher, opts Options, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("assignment")
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
	return &Service{store: store, users: users, authz: authz, notifier: notifier, opts: opts, log: log}
}

// Assign moves customerID to target from whatever holder it has. Assigning
// to the current holder returns the customer unchanged and logs nothing.
func (s *Service) Assign(ctx context.Context, customerID, target, reason, actor string) (customer.Customer, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return customer.Customer{}, errors.Required("customerId")
	}
	if err := s.authorize(ctx, target, actor); err != nil {
		return customer.Customer{}, err
	}
	return s.assign(ctx, customerID, target, strings.TrimSpace(reason), actor, false)
}

// BatchAssign applies Assign to each distinct id independently.
func (s *Service) BatchAssign(ctx context.Context, ids []string, target, reason, actor string) (customer.BatchResult, error) {
	return s.runBatch(ctx, "assign", ids, target, strings.TrimSpace(reason), actor, false)
}

// AssignFromPool assigns pooled customers only; ids no longer in the pool
// fail with AlreadyClaimed.
func (s *Service) AssignFromPool(ctx context.Context, ids []string, target, reason, actor string) (customer.BatchResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultPoolAssignReason
	}
	return s.runBatch(ctx, "assign_from_pool", ids, target, reason, actor, true)
}

func (s *Service) runBatch(ctx context.Context, op string, ids []string, target, reason, actor string, poolOnly bool) (customer.BatchResult, error) {
	ids = batch.Unique(ids)
	if err := batch.Validate(ids, s.opts.MaxBatchSize); err != nil {
		return customer.BatchResult{}, err
	}
	if err := s.authorize(ctx, target, actor); err != nil {
		return customer.BatchResult{}, err
	}
	metrics.RecordBatch(op, len(ids))

	result := batch.Run(ctx, ids, s.opts.Parallelism, func(ctx context.Context, id string) error {
		_, err := s.assign(ctx, id, target, reason, actor, poolOnly)
		return err
	})
	s.log.WithContext(ctx).
		WithField("op", op).
		WithField("actor", actor).
		WithField("target", target).
		WithField("success", result.Success).
		WithField("failed", result.Failed).
		Info("batch assignment finished")
	return result, nil
}

func (s *Service) authorize(ctx context.Context, target, actor string) error {
	if err := s.authz.RequireCapability(ctx, actor, auth.CapabilityAssign); err != nil {
		return err
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return errors.Required("assignedTo")
	}
	u, err := s.users.GetUser(ctx, target)
	if stderrors.Is(err, storage.ErrNotFound) {
		return errors.NotFound("user", target)
	}
	if err != nil {
		return fmt.Errorf("load user %s: %w", target, err)
	}
	if !u.Active {
		return errors.Validation("assignedTo", fmt.Sprintf("user %s is inactive", target))
	}
	return nil
}

func (s *Service) assign(ctx context.Context, customerID, target, reason, actor string, poolOnly bool) (customer.Customer, error) {
	to := customer.HeldBy(target)
	var (
		result customer.Customer
		from   customer.Holder
		noop   bool
	)
	err := resilience.Retry(ctx, s.opts.Retry, isRetryable, func(int) error {
		current, err := s.store.GetCustomer(ctx, customerID)
		if stderrors.Is(err, storage.ErrNotFound) {
			return errors.NotFound("customer", customerID)
		}
		if err != nil {
			return err
		}
		if current.Holder.Equal(to) {
			result, noop = current, true
			return nil
		}
		if poolOnly && !current.InPool() {
			return errors.AlreadyClaimed(customerID)
		}
		if reason == "" {
			return errors.Required("reason")
		}
		from = current.Holder
		result, err = s.store.TryTransition(ctx, customer.Transition{
			CustomerID:      customerID,
			ExpectedVersion: current.Version,
			To:              to,
			Kind:            customer.KindAssign,
			Actor:           actor,
			Reason:          reason,
			Now:             s.opts.Now(),
		})
		switch {
		case err == nil:
			return nil
		case isRetryable(err):
			metrics.RecordConflict("assign")
			return err
		case stderrors.Is(err, storage.ErrNotFound):
			return errors.NotFound("customer", customerID)
		}
		return err
	})
	if err != nil {
		err = s.finalError(ctx, err, customerID)
		metrics.RecordRejection("assign", string(errors.CodeOf(err)))
		return customer.Customer{}, err
	}
	if noop {
		return result, nil
	}

	s.committed(ctx, from, result, actor, reason)
	return result, nil
}

// AutoTransfer moves c to target on behalf of the scheduler, provided c is
// still at the version it was selected with. It reports false when c moved
// or changed in between. ctx must be marked with auth.AsSystem.
func (s *Service) AutoTransfer(ctx context.Context, c customer.Customer, target, reason string) (bool, error) {
	if err := s.authorize(ctx, target, auth.SystemActor); err != nil {
		return false, err
	}
	if c.InPool() || c.Holder.IsUser(target) {
		return false, nil
	}
	moved, err := s.store.TryTransition(ctx, customer.Transition{
		CustomerID:      c.ID,
		ExpectedVersion: c.Version,
		ExpectedHolder:  &c.Holder,
		To:              customer.HeldBy(target),
		Kind:            customer.KindAssign,
		Actor:           auth.SystemActor,
		Reason:          reason,
		Now:             s.opts.Now(),
	})
	switch {
	case err == nil:
	case isRetryable(err), stderrors.Is(err, storage.ErrNotFound):
		metrics.RecordConflict("auto_transfer")
		return false, nil
	default:
		return false, fmt.Errorf("transfer %s: %w", c.ID, err)
	}
	s.committed(ctx, c.Holder, moved, auth.SystemActor, reason)
	return true, nil
}

func (s *Service) committed(ctx context.Context, from customer.Holder, c customer.Customer, actor, reason string) {
	metrics.RecordTransition(string(customer.KindAssign))
	s.log.WithContext(ctx).
		WithField("customer_id", c.ID).
		WithField("from", from.String()).
		WithField("to", c.Holder.String()).
		WithField("actor", actor).
		WithField("kind", string(customer.KindAssign)).
		Info("customer assigned")
	notify.Send(ctx, s.notifier, s.log, notify.NewEvent(customer.KindAssign, from, c, actor, reason))
}

func (s *Service) finalError(ctx context.Context, err error, customerID string) error {
	switch {
	case stderrors.Is(err, resilience.ErrAttemptsExhausted):
		return errors.ConcurrentUpdate(customerID, err)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return errors.Cancelled(err)
	case errors.GetServiceError(err) == nil:
		s.log.WithContext(ctx).WithError(err).WithField("customer_id", customerID).Error("assignment failed")
		return errors.Internal("assignment failed", err)
	}
	return err
}

// A holder mismatch here means the row moved between read and write, so it
// is retried like a version conflict.
func isRetryable(err error) bool {
	return stderrors.Is(err, storage.ErrVersionConflict) || stderrors.Is(err, storage.ErrHolderMismatch)
}
