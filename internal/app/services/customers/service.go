// Package customers handles customer intake and reads. Creation is wrapped
// by the idempotency guard so client retries create at most one row.
package customers

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/crm_service/internal/app/auth"
	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/app/domain/user"
	"github.com/R3E-Network/crm_service/internal/app/services/idempotency"
	"github.com/R3E-Network/crm_service/internal/app/storage"
	"github.com/R3E-Network/crm_service/internal/errors"
	"github.com/R3E-Network/crm_service/internal/logging"
	"github.com/R3E-Network/crm_service/internal/resilience"
)

// Action tells the caller whether Create inserted or updated a row.
type Action string

const (
	ActionCreated Action = "CREATED"
	ActionUpdated Action = "UPDATED"
)

// CreateRequest is the intake payload.
type CreateRequest struct {
	customer.Attributes
	// AssignedTo creates the customer held by another user. Requires the
	// assign capability unless it names the actor.
	AssignedTo       string `json:"assignedTo,omitempty"`
	AssignmentReason string `json:"assignmentReason,omitempty"`
	// ToPool creates the customer directly in the public pool.
	ToPool     bool   `json:"toPool,omitempty"`
	PoolReason string `json:"poolReason,omitempty"`
}

// CreateResult is what createCustomer returns, including on replays.
type CreateResult struct {
	ID         string `json:"id"`
	CustomerNo string `json:"customerNo"`
	Action     Action `json:"action"`
}

const numberAttempts = 3

// Options tunes retries of the phone-match update path.
type Options struct {
	Retry resilience.RetryConfig
	Now   func() time.Time
}

// Service handles customer intake.
type Service struct {
	store storage.CustomerStore
	users storage.UserStore
	authz auth.Authorizer
	guard *idempotency.Guard
	retry resilience.RetryConfig
	now   func() time.Time
	log   *logging.Logger
}

// New constructs a customer service. A nil guard disables idempotent replay.
func New(store storage.CustomerStore, users storage.UserStore, authz auth.Authorizer, guard *idempotency.Guard, opts Options, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("customers")
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store: store,
		users: users,
		authz: authz,
		guard: guard,
		retry: opts.Retry,
		now:   opts.Now,
		log:   log,
	}
}

// Create inserts a customer, or updates the actor's existing customer with
// the same phone. With a non-empty key a repeated call returns the first
// call's result without side effects.
func (s *Service) Create(ctx context.Context, req CreateRequest, key, actor string) (CreateResult, error) {
	if strings.TrimSpace(actor) == "" {
		return CreateResult{}, errors.Unauthorized("missing actor")
	}
	attrs, err := normalizeAttributes(req.Attributes)
	if err != nil {
		return CreateResult{}, err
	}
	req.Attributes = attrs
	req.AssignedTo = strings.TrimSpace(req.AssignedTo)
	req.PoolReason = strings.TrimSpace(req.PoolReason)
	req.AssignmentReason = strings.TrimSpace(req.AssignmentReason)

	key = strings.TrimSpace(key)
	if key == "" || s.guard == nil {
		return s.create(ctx, req, actor)
	}

	fingerprint, err := idempotency.Fingerprint(struct {
		Actor   string        `json:"actor"`
		Payload CreateRequest `json:"payload"`
	}{actor, req})
	if err != nil {
		return CreateResult{}, errors.Internal("fingerprint request", err)
	}
	outcome, err := s.guard.Begin(ctx, key, fingerprint)
	if err != nil {
		return CreateResult{}, err
	}
	if !outcome.IsNew {
		return s.replay(ctx, outcome.ResultRef)
	}

	result, err := s.create(ctx, req, actor)
	if err != nil {
		s.guard.Abandon(ctx, key)
		return CreateResult{}, err
	}
	s.complete(ctx, key, result)
	return result, nil
}

// completeTimeout bounds how long a committed create keeps trying to record
// its result after the caller has gone.
const completeTimeout = 2 * time.Second

// complete stores result under key. The customer row is already committed,
// so the write outlives request cancellation and is retried; a key left
// in flight would answer IDEMPOTENCY_IN_FLIGHT until its TTL ends.
func (s *Service) complete(ctx context.Context, key string, result CreateResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancel()

	ref := encodeResultRef(result)
	retryable := func(err error) bool { return !stderrors.Is(err, storage.ErrNotFound) }
	err := resilience.Retry(ctx, s.retry, retryable, func(int) error {
		return s.guard.Complete(ctx, key, ref)
	})
	if err != nil {
		s.log.WithContext(ctx).WithError(err).
			WithField("idempotency_key", key).
			WithField("customer_id", result.ID).
			Error("store idempotent result failed")
	}
}

func (s *Service) create(ctx context.Context, req CreateRequest, actor string) (CreateResult, error) {
	holder, capacity, err := s.initialHolder(ctx, req, actor)
	if err != nil {
		return CreateResult{}, err
	}

	if req.Phone != "" {
		existing, err := s.store.FindByPhone(ctx, req.Phone)
		switch {
		case err == nil:
			return s.updateExisting(ctx, existing, req.Attributes, actor)
		case !stderrors.Is(err, storage.ErrNotFound):
			return CreateResult{}, fmt.Errorf("lookup phone: %w", err)
		}
	}

	poolReason := ""
	if holder.IsPool() {
		poolReason = req.PoolReason
	}
	for attempt := 0; attempt < numberAttempts; attempt++ {
		now := s.now()
		created, err := s.store.CreateCustomer(ctx, customer.NewCustomer{
			ID:         uuid.NewString(),
			CustomerNo: NewCustomerNo(now),
			Holder:     holder,
			PoolReason: poolReason,
			Attributes: req.Attributes,
			CreatedBy:  actor,
			Capacity:   capacity,
			Now:        now,
		})
		switch {
		case err == nil:
			s.log.WithContext(ctx).
				WithField("customer_id", created.ID).
				WithField("customer_no", created.CustomerNo).
				WithField("holder", created.Holder.String()).
				WithField("actor", actor).
				Info("customer created")
			return CreateResult{ID: created.ID, CustomerNo: created.CustomerNo, Action: ActionCreated}, nil
		case stderrors.Is(err, storage.ErrCapacityExceeded):
			return CreateResult{}, errors.CapacityExceeded(capacity.UserID, capacity.Limit)
		case stderrors.Is(err, storage.ErrDuplicate):
			// A concurrent create may have taken the phone since the lookup
			// above; treat it like a match found up front.
			if req.Phone != "" {
				if existing, findErr := s.store.FindByPhone(ctx, req.Phone); findErr == nil {
					return s.updateExisting(ctx, existing, req.Attributes, actor)
				}
			}
			continue
		default:
			return CreateResult{}, fmt.Errorf("create customer: %w", err)
		}
	}
	return CreateResult{}, errors.Internal("could not allocate a customer number", nil)
}

// initialHolder picks the creation-time holder. Self-held creation counts
// against the creator's capacity; administrative creation does not.
func (s *Service) initialHolder(ctx context.Context, req CreateRequest, actor string) (customer.Holder, *customer.CapacityCheck, error) {
	if req.ToPool {
		if req.PoolReason == "" {
			return customer.Holder{}, nil, errors.Required("poolReason")
		}
		return customer.Pool(), nil, nil
	}
	if req.AssignedTo != "" && req.AssignedTo != actor {
		if err := s.authz.RequireCapability(ctx, actor, auth.CapabilityAssign); err != nil {
			return customer.Holder{}, nil, err
		}
		if _, err := s.activeUser(ctx, req.AssignedTo, "assignedTo"); err != nil {
			return customer.Holder{}, nil, err
		}
		return customer.HeldBy(req.AssignedTo), nil, nil
	}
	u, err := s.activeUser(ctx, actor, "actor")
	if err != nil {
		return customer.Holder{}, nil, err
	}
	return customer.HeldBy(actor), &customer.CapacityCheck{UserID: actor, Limit: u.CapacityLimit}, nil
}

func (s *Service) activeUser(ctx context.Context, id, field string) (user.User, error) {
	u, err := s.users.GetUser(ctx, id)
	if stderrors.Is(err, storage.ErrNotFound) {
		return user.User{}, errors.NotFound("user", id)
	}
	if err != nil {
		return user.User{}, fmt.Errorf("load user %s: %w", id, err)
	}
	if !u.Active {
		return user.User{}, errors.Validation(field, fmt.Sprintf("user %s is inactive", id))
	}
	return u, nil
}

// updateExisting refreshes business attributes of a customer the actor can
// see. Ownership is left untouched.
func (s *Service) updateExisting(ctx context.Context, existing customer.Customer, attrs customer.Attributes, actor string) (CreateResult, error) {
	if !existing.Holder.IsUser(actor) {
		if err := s.authz.RequireCapability(ctx, actor, auth.CapabilityViewAll); err != nil {
			if errors.IsCode(err, errors.CodeForbidden) {
				return CreateResult{}, errors.DuplicatePhone(attrs.Phone)
			}
			return CreateResult{}, err
		}
	}

	var updated customer.Customer
	err := resilience.Retry(ctx, s.retry, isConflict, func(attempt int) error {
		current := existing
		if attempt > 1 {
			var err error
			if current, err = s.store.GetCustomer(ctx, existing.ID); err != nil {
				return err
			}
		}
		var err error
		updated, err = s.store.UpdateAttributes(ctx, current.ID, current.Version, attrs, actor, s.now())
		return err
	})
	switch {
	case err == nil:
	case stderrors.Is(err, resilience.ErrAttemptsExhausted):
		return CreateResult{}, errors.ConcurrentUpdate(existing.ID, err)
	case stderrors.Is(err, storage.ErrNotFound):
		return CreateResult{}, errors.NotFound("customer", existing.ID)
	default:
		return CreateResult{}, fmt.Errorf("update customer: %w", err)
	}

	s.log.WithContext(ctx).
		WithField("customer_id", updated.ID).
		WithField("actor", actor).
		Info("customer updated from intake")
	return CreateResult{ID: updated.ID, CustomerNo: updated.CustomerNo, Action: ActionUpdated}, nil
}

func (s *Service) replay(ctx context.Context, ref string) (CreateResult, error) {
	action, id, ok := strings.Cut(ref, ":")
	if !ok {
		return CreateResult{}, errors.Internal("corrupt idempotency result", nil)
	}
	c, err := s.store.GetCustomer(ctx, id)
	if err != nil {
		return CreateResult{}, fmt.Errorf("load replayed customer %s: %w", id, err)
	}
	return CreateResult{ID: c.ID, CustomerNo: c.CustomerNo, Action: Action(action)}, nil
}

func encodeResultRef(r CreateResult) string {
	return string(r.Action) + ":" + r.ID
}

// Get returns one customer. Pooled customers and the actor's own are
// visible to everyone; others need the view-all capability.
func (s *Service) Get(ctx context.Context, id, actor string) (customer.Customer, error) {
	c, err := s.store.GetCustomer(ctx, strings.TrimSpace(id))
	if stderrors.Is(err, storage.ErrNotFound) {
		return customer.Customer{}, errors.NotFound("customer", id)
	}
	if err != nil {
		return customer.Customer{}, fmt.Errorf("load customer %s: %w", id, err)
	}
	if c.InPool() || c.Holder.IsUser(actor) {
		return c, nil
	}
	if err := s.authz.RequireCapability(ctx, actor, auth.CapabilityViewAll); err != nil {
		return customer.Customer{}, err
	}
	return c, nil
}

// ListPool pages through the public pool.
func (s *Service) ListPool(ctx context.Context, filter customer.Filter) (customer.Page, error) {
	filter.HolderKind = customer.HolderPool
	filter.HolderUserID = ""
	return s.list(ctx, filter)
}

// ListHeld pages through the customers held by userID.
func (s *Service) ListHeld(ctx context.Context, userID string, filter customer.Filter) (customer.Page, error) {
	filter.HolderKind = customer.HolderUser
	filter.HolderUserID = userID
	return s.list(ctx, filter)
}

func (s *Service) list(ctx context.Context, filter customer.Filter) (customer.Page, error) {
	if filter.MinBudget != nil && filter.MaxBudget != nil && *filter.MinBudget > *filter.MaxBudget {
		return customer.Page{}, errors.Validation("minBudget", "must not exceed maxBudget")
	}
	filter = filter.Normalize()
	items, total, err := s.store.ListCustomers(ctx, filter)
	if err != nil {
		return customer.Page{}, fmt.Errorf("list customers: %w", err)
	}
	pages := (total + filter.Limit - 1) / filter.Limit
	return customer.Page{Customers: items, Total: total, Page: filter.Page, Limit: filter.Limit, TotalPages: pages}, nil
}

func isConflict(err error) bool {
	return stderrors.Is(err, storage.ErrVersionConflict)
}
