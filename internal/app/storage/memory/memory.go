package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/app/domain/idempotency"
	"github.com/R3E-Network/crm_service/internal/app/domain/user"
	"github.com/R3E-Network/crm_service/internal/app/storage"
	"github.com/google/uuid"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
// A single mutex makes every TryTransition one atomic unit.
type Store struct {
	mu            sync.RWMutex
	customers     map[string]customer.Customer
	byPhone       map[string]string
	held          map[string]int
	lastStamp     map[string]time.Time
	assignmentLog map[string][]customer.AssignmentLogEntry
	poolLog       map[string][]customer.PoolLogEntry
	users         map[string]user.User
	idem          map[string]idempotency.Record
}

var _ storage.CustomerStore = (*Store)(nil)
var _ storage.AuditLog = (*Store)(nil)
var _ storage.UserStore = (*Store)(nil)
var _ storage.IdempotencyStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		customers:     make(map[string]customer.Customer),
		byPhone:       make(map[string]string),
		held:          make(map[string]int),
		lastStamp:     make(map[string]time.Time),
		assignmentLog: make(map[string][]customer.AssignmentLogEntry),
		poolLog:       make(map[string][]customer.PoolLogEntry),
		users:         make(map[string]user.User),
		idem:          make(map[string]idempotency.Record),
	}
}

// CustomerStore implementation ------------------------------------------------

func (s *Store) CreateCustomer(_ context.Context, nc customer.NewCustomer) (customer.Customer, error) {
	if err := nc.Holder.Validate(); err != nil {
		return customer.Customer{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if nc.ID == "" {
		nc.ID = uuid.NewString()
	} else if _, exists := s.customers[nc.ID]; exists {
		return customer.Customer{}, fmt.Errorf("customer %s: %w", nc.ID, storage.ErrDuplicate)
	}
	if phone := nc.Attributes.Phone; phone != "" {
		if _, taken := s.byPhone[phone]; taken {
			return customer.Customer{}, fmt.Errorf("phone %s: %w", phone, storage.ErrDuplicate)
		}
	}
	if cc := nc.Capacity; cc != nil && s.held[cc.UserID] >= cc.Limit {
		return customer.Customer{}, storage.ErrCapacityExceeded
	}

	ts := customer.NextTimestamp(time.Time{}, nc.Now)
	c := customer.Customer{
		ID:             nc.ID,
		CustomerNo:     nc.CustomerNo,
		Holder:         nc.Holder,
		InitialHolder:  nc.Holder,
		Version:        1,
		Attributes:     nc.Attributes,
		CreatedBy:      nc.CreatedBy,
		LastUpdatedBy:  nc.CreatedBy,
		CreatedAt:      ts,
		UpdatedAt:      ts,
		LastActivityAt: ts,
	}
	if nc.Holder.IsPool() {
		c.PoolEntryTime = &ts
		c.PoolEntryReason = nc.PoolReason
		s.poolLog[c.ID] = append(s.poolLog[c.ID], customer.PoolLogEntry{
			ID:         uuid.NewString(),
			CustomerID: c.ID,
			Seq:        1,
			Event:      customer.PoolEnter,
			Reason:     nc.PoolReason,
			Actor:      nc.CreatedBy,
			Timestamp:  ts,
		})
	} else {
		s.held[nc.Holder.UserID]++
	}
	s.lastStamp[c.ID] = ts
	s.customers[c.ID] = c
	if c.Phone != "" {
		s.byPhone[c.Phone] = c.ID
	}
	return cloneCustomer(c), nil
}

func (s *Store) TryTransition(_ context.Context, t customer.Transition) (customer.Customer, error) {
	if err := t.To.Validate(); err != nil {
		return customer.Customer{}, err
	}
	if t.ExpectedHolder == nil && t.ExpectedVersion <= 0 {
		return customer.Customer{}, fmt.Errorf("transition %s: no precondition", t.CustomerID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[t.CustomerID]
	if !ok {
		return customer.Customer{}, storage.ErrNotFound
	}
	if t.ExpectedHolder != nil && !c.Holder.Equal(*t.ExpectedHolder) {
		return customer.Customer{}, storage.ErrHolderMismatch
	}
	if t.ExpectedVersion > 0 && c.Version != t.ExpectedVersion {
		return customer.Customer{}, storage.ErrVersionConflict
	}
	if c.Holder.Equal(t.To) {
		return customer.Customer{}, storage.ErrHolderMismatch
	}
	if cc := t.Capacity; cc != nil && s.held[cc.UserID] >= cc.Limit {
		return customer.Customer{}, storage.ErrCapacityExceeded
	}

	ts := customer.NextTimestamp(s.lastStamp[c.ID], t.Now)
	from := c.Holder
	reason := t.Reason
	if reason == "" {
		reason = string(t.Kind)
	}

	switch {
	case from.IsPool():
		c.ClaimCount++
		c.PoolEntryTime = nil
		c.PoolEntryReason = ""
		s.appendPoolLocked(c.ID, customer.PoolExit, reason, t.Actor, ts)
	default:
		s.held[from.UserID]--
	}
	if t.To.IsPool() {
		c.PoolEntryTime = &ts
		c.PoolEntryReason = reason
		s.appendPoolLocked(c.ID, customer.PoolEnter, reason, t.Actor, ts)
	} else {
		s.held[t.To.UserID]++
		c.LastActivityAt = ts
	}

	c.Holder = t.To
	c.Version++
	c.LastUpdatedBy = t.Actor
	c.UpdatedAt = ts
	s.customers[c.ID] = c

	entries := s.assignmentLog[c.ID]
	s.assignmentLog[c.ID] = append(entries, customer.AssignmentLogEntry{
		ID:         uuid.NewString(),
		CustomerID: c.ID,
		Seq:        int64(len(entries) + 1),
		From:       from,
		To:         t.To,
		Actor:      t.Actor,
		Reason:     t.Reason,
		Kind:       t.Kind,
		Timestamp:  ts,
	})
	s.lastStamp[c.ID] = ts
	return cloneCustomer(c), nil
}

func (s *Store) appendPoolLocked(customerID string, event customer.PoolEvent, reason, actor string, ts time.Time) {
	entries := s.poolLog[customerID]
	s.poolLog[customerID] = append(entries, customer.PoolLogEntry{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Seq:        int64(len(entries) + 1),
		Event:      event,
		Reason:     reason,
		Actor:      actor,
		Timestamp:  ts,
	})
}

func (s *Store) UpdateAttributes(_ context.Context, id string, expectedVersion int64, attrs customer.Attributes, actor string, now time.Time) (customer.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[id]
	if !ok {
		return customer.Customer{}, storage.ErrNotFound
	}
	if c.Version != expectedVersion {
		return customer.Customer{}, storage.ErrVersionConflict
	}
	if attrs.Phone != "" && attrs.Phone != c.Phone {
		if _, taken := s.byPhone[attrs.Phone]; taken {
			return customer.Customer{}, fmt.Errorf("phone %s: %w", attrs.Phone, storage.ErrDuplicate)
		}
	}
	if c.Phone != attrs.Phone {
		delete(s.byPhone, c.Phone)
		if attrs.Phone != "" {
			s.byPhone[attrs.Phone] = id
		}
	}
	c.Attributes = attrs
	c.Version++
	c.LastUpdatedBy = actor
	c.UpdatedAt = now.UTC()
	c.LastActivityAt = c.UpdatedAt
	s.customers[id] = c
	return cloneCustomer(c), nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (customer.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok {
		return customer.Customer{}, storage.ErrNotFound
	}
	return cloneCustomer(c), nil
}

func (s *Store) FindByPhone(_ context.Context, phone string) (customer.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byPhone[phone]
	if !ok || phone == "" {
		return customer.Customer{}, storage.ErrNotFound
	}
	return cloneCustomer(s.customers[id]), nil
}

func (s *Store) ListCustomers(_ context.Context, filter customer.Filter) ([]customer.Customer, int, error) {
	filter = filter.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []customer.Customer
	for _, c := range s.customers {
		if matchesFilter(c, filter) {
			matched = append(matched, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	start := filter.Offset()
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}
	out := make([]customer.Customer, 0, end-start)
	for _, c := range matched[start:end] {
		out = append(out, cloneCustomer(c))
	}
	return out, total, nil
}

func matchesFilter(c customer.Customer, f customer.Filter) bool {
	if f.HolderKind != "" && c.Holder.Kind != f.HolderKind {
		return false
	}
	if f.HolderUserID != "" && !c.Holder.IsUser(f.HolderUserID) {
		return false
	}
	if f.LeadSource != "" && c.LeadSource != f.LeadSource {
		return false
	}
	if f.ServiceCategory != "" && c.ServiceCategory != f.ServiceCategory {
		return false
	}
	if f.LeadLevel != "" && c.LeadLevel != f.LeadLevel {
		return false
	}
	if len(f.ContractStatuses) > 0 && !contains(f.ContractStatuses, c.ContractStatus) {
		return false
	}
	if f.MinBudget != nil && c.SalaryBudget < *f.MinBudget {
		return false
	}
	if f.MaxBudget != nil && c.SalaryBudget > *f.MaxBudget {
		return false
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		if !strings.Contains(c.Name, q) && !strings.Contains(c.Phone, q) && !strings.Contains(c.CustomerNo, q) {
			return false
		}
	}
	return true
}

func (s *Store) ListInactiveHeld(_ context.Context, q customer.InactiveQuery) ([]customer.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []customer.Customer
	for _, c := range s.customers {
		if c.Holder.IsPool() || !c.LastActivityAt.Before(q.InactiveSince) {
			continue
		}
		if len(q.ContractStatuses) > 0 && !contains(q.ContractStatuses, c.ContractStatus) {
			continue
		}
		if len(q.LeadSources) > 0 && !contains(q.LeadSources, c.LeadSource) {
			continue
		}
		if len(q.HolderIDs) > 0 && !contains(q.HolderIDs, c.Holder.UserID) {
			continue
		}
		out = append(out, cloneCustomer(c))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.Before(out[j].LastActivityAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) CountHeldBy(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.held[userID], nil
}

func (s *Store) CountByHolder(_ context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.held))
	for id, n := range s.held {
		if n > 0 {
			out[id] = n
		}
	}
	return out, nil
}

func (s *Store) PoolStatistics(_ context.Context, dayStart time.Time) (customer.PoolStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := customer.PoolStats{
		ByLeadSource:      map[string]int{},
		ByServiceCategory: map[string]int{},
		ByLeadLevel:       map[string]int{},
		ByContractStatus:  map[string]int{},
	}
	for _, c := range s.customers {
		if !c.Holder.IsPool() {
			continue
		}
		stats.Total++
		stats.ByLeadSource[c.LeadSource]++
		stats.ByServiceCategory[c.ServiceCategory]++
		stats.ByLeadLevel[c.LeadLevel]++
		stats.ByContractStatus[c.ContractStatus]++
	}
	for _, entries := range s.poolLog {
		for _, e := range entries {
			if e.Event == customer.PoolEnter && !e.Timestamp.Before(dayStart) {
				stats.EnteredToday++
			}
		}
	}
	for _, entries := range s.assignmentLog {
		for _, e := range entries {
			if e.Kind == customer.KindClaim && !e.Timestamp.Before(dayStart) {
				stats.ClaimedToday++
			}
		}
	}
	return stats, nil
}

// AuditLog implementation ---------------------------------------------------

func (s *Store) ListAssignmentLog(_ context.Context, customerID string) ([]customer.AssignmentLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.customers[customerID]; !ok {
		return nil, storage.ErrNotFound
	}
	entries := s.assignmentLog[customerID]
	out := make([]customer.AssignmentLogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Store) ListPoolLog(_ context.Context, customerID string) ([]customer.PoolLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.customers[customerID]; !ok {
		return nil, storage.ErrNotFound
	}
	entries := s.poolLog[customerID]
	out := make([]customer.PoolLogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// UserStore implementation --------------------------------------------------

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) ListUsers(_ context.Context) ([]user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]user.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertUser(_ context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return u, nil
}

// IdempotencyStore implementation -------------------------------------------

func (s *Store) Reserve(_ context.Context, rec idempotency.Record) (idempotency.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.idem[rec.Key]; ok && !existing.Expired(rec.CreatedAt) {
		return existing, false, nil
	}
	s.idem[rec.Key] = rec
	return rec, true, nil
}

func (s *Store) Complete(_ context.Context, key, resultRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.idem[key]
	if !ok || rec.Expired(time.Now().UTC()) {
		return storage.ErrNotFound
	}
	rec.ResultRef = resultRef
	s.idem[key] = rec
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.idem[key]; ok && !rec.Completed() {
		delete(s.idem, key)
	}
	return nil
}

func (s *Store) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, rec := range s.idem {
		if rec.Expired(now) {
			delete(s.idem, key)
			n++
		}
	}
	return n, nil
}

func cloneCustomer(c customer.Customer) customer.Customer {
	if c.PoolEntryTime != nil {
		t := *c.PoolEntryTime
		c.PoolEntryTime = &t
	}
	return c
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
