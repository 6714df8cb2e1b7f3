// Package auditlog reads the append-only ownership history of a customer.
package auditlog

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/app/storage"
	"github.com/R3E-Network/crm_service/internal/errors"
	"github.com/R3E-Network/crm_service/internal/logging"
)

// ChainError reports the first entry that breaks the history of a customer.
type ChainError struct {
	CustomerID string
	Seq        int64
	Problem    string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain of %s broken at seq %d: %s", e.CustomerID, e.Seq, e.Problem)
}

// Service exposes the audit logs.
type Service struct {
	customers storage.CustomerStore
	logs      storage.AuditLog
	log       *logging.Logger
}

// New constructs an audit log service.
func New(customers storage.CustomerStore, logs storage.AuditLog, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("auditlog")
	}
	return &Service{customers: customers, logs: logs, log: log}
}

// AssignmentLog returns every holder change of customerID, oldest first.
func (s *Service) AssignmentLog(ctx context.Context, customerID string) ([]customer.AssignmentLogEntry, error) {
	if _, err := s.load(ctx, customerID); err != nil {
		return nil, err
	}
	entries, err := s.logs.ListAssignmentLog(ctx, strings.TrimSpace(customerID))
	if err != nil {
		return nil, fmt.Errorf("list assignment log: %w", err)
	}
	return entries, nil
}

// PoolLog returns every pool entry and exit of customerID, oldest first.
func (s *Service) PoolLog(ctx context.Context, customerID string) ([]customer.PoolLogEntry, error) {
	if _, err := s.load(ctx, customerID); err != nil {
		return nil, err
	}
	entries, err := s.logs.ListPoolLog(ctx, strings.TrimSpace(customerID))
	if err != nil {
		return nil, fmt.Errorf("list pool log: %w", err)
	}
	return entries, nil
}

// VerifyChain replays both logs of customerID against its current row. It
// returns a *ChainError when the history does not account for the state.
func (s *Service) VerifyChain(ctx context.Context, customerID string) error {
	c, err := s.load(ctx, customerID)
	if err != nil {
		return err
	}
	assignments, err := s.logs.ListAssignmentLog(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("list assignment log: %w", err)
	}
	pool, err := s.logs.ListPoolLog(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("list pool log: %w", err)
	}
	if err := checkAssignments(c, assignments); err != nil {
		s.log.WithContext(ctx).WithField("customer_id", c.ID).WithError(err).Error("assignment log inconsistent")
		return err
	}
	if err := checkPool(c, pool); err != nil {
		s.log.WithContext(ctx).WithField("customer_id", c.ID).WithError(err).Error("pool log inconsistent")
		return err
	}
	return nil
}

func (s *Service) load(ctx context.Context, customerID string) (customer.Customer, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return customer.Customer{}, errors.Required("customerId")
	}
	c, err := s.customers.GetCustomer(ctx, customerID)
	if stderrors.Is(err, storage.ErrNotFound) {
		return customer.Customer{}, errors.NotFound("customer", customerID)
	}
	if err != nil {
		return customer.Customer{}, fmt.Errorf("load customer %s: %w", customerID, err)
	}
	return c, nil
}

func checkAssignments(c customer.Customer, entries []customer.AssignmentLogEntry) error {
	current := c.InitialHolder
	var prevSeq int64
	for i, e := range entries {
		broken := func(problem string) error {
			return &ChainError{CustomerID: c.ID, Seq: e.Seq, Problem: problem}
		}
		if e.Seq <= prevSeq {
			return broken("sequence does not increase")
		}
		if i > 0 && !e.Timestamp.After(entries[i-1].Timestamp) {
			return broken("timestamp does not increase")
		}
		if !e.From.Equal(current) {
			return broken(fmt.Sprintf("from %s, expected %s", e.From, current))
		}
		if e.From.Equal(e.To) {
			return broken("transition to the same holder")
		}
		current = e.To
		prevSeq = e.Seq
	}
	if !current.Equal(c.Holder) {
		return &ChainError{CustomerID: c.ID, Seq: prevSeq, Problem: fmt.Sprintf("log ends at %s, customer held by %s", current, c.Holder)}
	}
	return nil
}

func checkPool(c customer.Customer, entries []customer.PoolLogEntry) error {
	inPool := false
	var prevSeq int64
	for _, e := range entries {
		if e.Seq <= prevSeq {
			return &ChainError{CustomerID: c.ID, Seq: e.Seq, Problem: "sequence does not increase"}
		}
		switch e.Event {
		case customer.PoolEnter:
			if inPool {
				return &ChainError{CustomerID: c.ID, Seq: e.Seq, Problem: "entered pool twice"}
			}
			inPool = true
		case customer.PoolExit:
			if !inPool {
				return &ChainError{CustomerID: c.ID, Seq: e.Seq, Problem: "left pool without entering"}
			}
			inPool = false
		default:
			return &ChainError{CustomerID: c.ID, Seq: e.Seq, Problem: fmt.Sprintf("unknown event %q", e.Event)}
		}
		prevSeq = e.Seq
	}
	if inPool != c.InPool() {
		return &ChainError{CustomerID: c.ID, Seq: prevSeq, Problem: "pool log disagrees with holder"}
	}
	return nil
}
