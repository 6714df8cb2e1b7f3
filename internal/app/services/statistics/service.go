// Package statistics computes ownership counts from the live store.
package statistics

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/R3E-Network/crm_service/internal/app/auth"
	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/app/storage"
	"github.com/R3E-Network/crm_service/internal/errors"
)

// CustomerCount is a user's holding against their capacity limit.
type CustomerCount struct {
	Count int `json:"count"`
	Limit int `json:"limit"`
}

// Holding is one user's row in HoldingsByUser.
type Holding struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Count  int    `json:"count"`
	Limit  int    `json:"limit"`
}

// Service answers count queries. Nothing is cached; every call reads the
// store.
type Service struct {
	store    storage.CustomerStore
	users    storage.UserStore
	authz    auth.Authorizer
	location *time.Location
	now      func() time.Time
}

// New constructs a statistics service. "Today" is measured in loc, which
// defaults to the local zone.
func New(store storage.CustomerStore, users storage.UserStore, authz auth.Authorizer, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{store: store, users: users, authz: authz, location: loc, now: time.Now}
}

// MyCustomerCount returns how many customers actor holds and may hold.
func (s *Service) MyCustomerCount(ctx context.Context, actor string) (CustomerCount, error) {
	u, err := s.users.GetUser(ctx, actor)
	if stderrors.Is(err, storage.ErrNotFound) {
		return CustomerCount{}, errors.NotFound("user", actor)
	}
	if err != nil {
		return CustomerCount{}, fmt.Errorf("load user %s: %w", actor, err)
	}
	n, err := s.store.CountHeldBy(ctx, actor)
	if err != nil {
		return CustomerCount{}, fmt.Errorf("count held: %w", err)
	}
	return CustomerCount{Count: n, Limit: u.CapacityLimit}, nil
}

// PublicPoolStatistics aggregates the pool and today's pool traffic.
func (s *Service) PublicPoolStatistics(ctx context.Context) (customer.PoolStats, error) {
	stats, err := s.store.PoolStatistics(ctx, s.dayStart())
	if err != nil {
		return customer.PoolStats{}, fmt.Errorf("pool statistics: %w", err)
	}
	return stats, nil
}

// HoldingsByUser lists every known user with their held count, largest
// first. Requires the view-all capability.
func (s *Service) HoldingsByUser(ctx context.Context, actor string) ([]Holding, error) {
	if err := s.authz.RequireCapability(ctx, actor, auth.CapabilityViewAll); err != nil {
		return nil, err
	}
	counts, err := s.store.CountByHolder(ctx)
	if err != nil {
		return nil, fmt.Errorf("count by holder: %w", err)
	}
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	out := make([]Holding, 0, len(users))
	seen := make(map[string]bool, len(users))
	for _, u := range users {
		seen[u.ID] = true
		out = append(out, Holding{UserID: u.ID, Name: u.Name, Count: counts[u.ID], Limit: u.CapacityLimit})
	}
	// holders missing from the directory still show up
	for id, n := range counts {
		if !seen[id] {
			out = append(out, Holding{UserID: id, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *Service) dayStart() time.Time {
	now := s.now().In(s.location)
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.location)
}
