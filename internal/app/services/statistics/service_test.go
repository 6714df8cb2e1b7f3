package statistics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/crm_service/internal/app/auth"
	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/app/domain/user"
	"github.com/R3E-Network/crm_service/internal/app/storage/memory"
	"github.com/R3E-Network/crm_service/internal/errors"
)

func setup(t *testing.T, now time.Time) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	for _, u := range []user.User{
		{ID: "admin", Name: "Admin", Role: user.RoleAdmin, CapacityLimit: 50, Active: true},
		{ID: "u", Name: "U", Role: user.RoleEmployee, CapacityLimit: 3, Active: true},
	} {
		_, err := store.UpsertUser(ctx, u)
		require.NoError(t, err)
	}
	svc := New(store, store, auth.NewRoleAuthorizer(store), time.UTC)
	svc.now = func() time.Time { return now }
	return svc, store
}

func add(t *testing.T, store *memory.Store, id string, holder customer.Holder, source string, at time.Time) customer.Customer {
	t.Helper()
	c, err := store.CreateCustomer(context.Background(), customer.NewCustomer{
		ID: id, Holder: holder, PoolReason: "seed",
		Attributes: customer.Attributes{Name: id, LeadSource: source, LeadLevel: "A类", ContractStatus: customer.StatusPending},
		CreatedBy:  "admin", Now: at,
	})
	require.NoError(t, err)
	return c
}

func TestPublicPoolStatistics(t *testing.T) {
	now := time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)
	svc, store := setup(t, now)
	yesterday := now.Add(-24 * time.Hour)

	add(t, store, "p1", customer.Pool(), "抖音", yesterday)
	add(t, store, "p2", customer.Pool(), "抖音", now)
	add(t, store, "p3", customer.Pool(), "美团", now)
	claimed := add(t, store, "p4", customer.Pool(), "美团", yesterday)
	_, err := store.TryTransition(context.Background(), customer.Transition{
		CustomerID: claimed.ID, ExpectedVersion: claimed.Version, To: customer.HeldBy("u"),
		Kind: customer.KindClaim, Actor: "u", Now: now,
	})
	require.NoError(t, err)

	stats, err := svc.PublicPoolStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, map[string]int{"抖音": 2, "美团": 1}, stats.ByLeadSource)
	assert.Equal(t, 3, stats.ByLeadLevel["A类"])
	assert.Equal(t, 2, stats.EnteredToday)
	assert.Equal(t, 1, stats.ClaimedToday)
}

func TestMyCustomerCount(t *testing.T) {
	now := time.Now()
	svc, store := setup(t, now)
	add(t, store, "a", customer.HeldBy("u"), "抖音", now)
	add(t, store, "b", customer.HeldBy("u"), "抖音", now)

	got, err := svc.MyCustomerCount(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, CustomerCount{Count: 2, Limit: 3}, got)

	_, err = svc.MyCustomerCount(context.Background(), "ghost")
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestHoldingsByUser(t *testing.T) {
	now := time.Now()
	svc, store := setup(t, now)
	add(t, store, "a", customer.HeldBy("u"), "抖音", now)
	add(t, store, "b", customer.HeldBy("u"), "抖音", now)
	add(t, store, "c", customer.HeldBy("admin"), "抖音", now)

	_, err := svc.HoldingsByUser(context.Background(), "u")
	assert.True(t, errors.IsCode(err, errors.CodeForbidden))

	rows, err := svc.HoldingsByUser(context.Background(), "admin")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Holding{UserID: "u", Name: "U", Count: 2, Limit: 3}, rows[0])
	assert.Equal(t, "admin", rows[1].UserID)
}
