package assignment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/crm_service/internal/app/auth"
	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/app/domain/user"
	"github.com/R3E-Network/crm_service/internal/app/storage/memory"
	"github.com/R3E-Network/crm_service/internal/errors"
	"github.com/R3E-Network/crm_service/internal/notify"
)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Dispatch(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func setup(t *testing.T) (*Service, *memory.Store, *recorder) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	for _, u := range []user.User{
		{ID: "boss", Role: user.RoleManager, CapacityLimit: 50, Active: true},
		{ID: "emp", Role: user.RoleEmployee, CapacityLimit: 1, Active: true},
		{ID: "emp2", Role: user.RoleEmployee, CapacityLimit: 1, Active: true},
		{ID: "left", Role: user.RoleEmployee, CapacityLimit: 1, Active: false},
	} {
		_, err := store.UpsertUser(ctx, u)
		require.NoError(t, err)
	}
	rec := &recorder{}
	svc := New(store, store, auth.NewRoleAuthorizer(store), rec, Options{}, nil)
	return svc, store, rec
}

func create(t *testing.T, store *memory.Store, id string, holder customer.Holder) {
	t.Helper()
	_, err := store.CreateCustomer(context.Background(), customer.NewCustomer{
		ID: id, Holder: holder, PoolReason: "seed", Attributes: customer.Attributes{Name: id}, CreatedBy: "boss", Now: time.Now(),
	})
	require.NoError(t, err)
}

func TestAssignBypassesCapacity(t *testing.T) {
	svc, store, rec := setup(t)
	create(t, store, "a", customer.HeldBy("emp"))
	create(t, store, "b", customer.HeldBy("emp2"))

	c, err := svc.Assign(context.Background(), "b", "emp", "territory change", "boss")
	require.NoError(t, err)
	assert.True(t, c.Holder.IsUser("emp"))
	assert.Equal(t, 0, c.ClaimCount)

	n, _ := store.CountHeldBy(context.Background(), "emp")
	assert.Equal(t, 2, n)

	logs, _ := store.ListAssignmentLog(context.Background(), "b")
	require.Len(t, logs, 1)
	assert.Equal(t, "territory change", logs[0].Reason)
	assert.True(t, logs[0].From.IsUser("emp2"))
	require.Len(t, rec.events, 1)
	assert.Equal(t, notify.CustomerAssigned, rec.events[0].Type)
}

func TestAssignFromPoolCountsAsClaimOut(t *testing.T) {
	svc, store, _ := setup(t)
	create(t, store, "p", customer.Pool())

	res, err := svc.AssignFromPool(context.Background(), []string{"p"}, "emp", "", "boss")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)

	c, _ := store.GetCustomer(context.Background(), "p")
	assert.Equal(t, 1, c.ClaimCount)
	assert.Nil(t, c.PoolEntryTime)
	assert.Empty(t, c.PoolEntryReason)

	pl, _ := store.ListPoolLog(context.Background(), "p")
	require.Len(t, pl, 2)
	assert.Equal(t, customer.PoolExit, pl[1].Event)
	al, _ := store.ListAssignmentLog(context.Background(), "p")
	assert.Equal(t, DefaultPoolAssignReason, al[0].Reason)
}

func TestAssignToCurrentHolderIsNoop(t *testing.T) {
	svc, store, rec := setup(t)
	create(t, store, "a", customer.HeldBy("emp"))

	c, err := svc.Assign(context.Background(), "a", "emp", "", "boss")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Version)
	logs, _ := store.ListAssignmentLog(context.Background(), "a")
	assert.Empty(t, logs)
	assert.Empty(t, rec.events)
}

func TestAssignRejections(t *testing.T) {
	svc, store, _ := setup(t)
	create(t, store, "a", customer.HeldBy("emp"))

	cases := []struct {
		name   string
		id     string
		target string
		reason string
		actor  string
		code   errors.ErrorCode
	}{
		{"employee actor", "a", "emp2", "r", "emp", errors.CodeForbidden},
		{"missing reason", "a", "emp2", "", "boss", errors.CodeValidation},
		{"unknown target", "a", "ghost", "r", "boss", errors.CodeNotFound},
		{"inactive target", "a", "left", "r", "boss", errors.CodeValidation},
		{"unknown customer", "zzz", "emp2", "r", "boss", errors.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Assign(context.Background(), tc.id, tc.target, tc.reason, tc.actor)
			assert.True(t, errors.IsCode(err, tc.code), "got %v", err)
		})
	}
}

func TestBatchAssignPartialFailure(t *testing.T) {
	svc, store, _ := setup(t)
	create(t, store, "a", customer.HeldBy("emp"))
	create(t, store, "b", customer.Pool())

	res, err := svc.BatchAssign(context.Background(), []string{"a", "missing", "b"}, "emp2", "rebalance", "boss")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "missing", res.Errors[0].CustomerID)
	assert.Equal(t, string(errors.CodeNotFound), res.Errors[0].Code)

	_, err = svc.BatchAssign(context.Background(), []string{"a"}, "emp2", "r", "emp")
	assert.True(t, errors.IsCode(err, errors.CodeForbidden))
}

func TestAssignFromPoolSkipsHeldCustomers(t *testing.T) {
	svc, store, _ := setup(t)
	create(t, store, "held", customer.HeldBy("emp"))

	res, err := svc.AssignFromPool(context.Background(), []string{"held"}, "emp2", "", "boss")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, string(errors.CodeAlreadyClaimed), res.Errors[0].Code)
}

func TestAutoTransferRunsOnlyForScheduler(t *testing.T) {
	svc, store, rec := setup(t)
	create(t, store, "a", customer.HeldBy("emp"))
	c, err := store.GetCustomer(context.Background(), "a")
	require.NoError(t, err)

	_, err = svc.AutoTransfer(context.Background(), c, "emp2", "自动流转-规则: r1")
	assert.True(t, errors.IsCode(err, errors.CodeForbidden), "got %v", err)

	ctx := auth.AsSystem(context.Background())
	moved, err := svc.AutoTransfer(ctx, c, "emp2", "自动流转-规则: r1")
	require.NoError(t, err)
	assert.True(t, moved)

	got, _ := store.GetCustomer(ctx, "a")
	assert.True(t, got.Holder.IsUser("emp2"))
	logs, _ := store.ListAssignmentLog(ctx, "a")
	require.Len(t, logs, 1)
	assert.Equal(t, customer.KindAssign, logs[0].Kind)
	assert.Equal(t, auth.SystemActor, logs[0].Actor)
	assert.Equal(t, "自动流转-规则: r1", logs[0].Reason)
	require.Len(t, rec.events, 1)
}

func TestAutoTransferSkipsStaleSelection(t *testing.T) {
	svc, store, _ := setup(t)
	create(t, store, "a", customer.HeldBy("emp"))
	stale, err := store.GetCustomer(context.Background(), "a")
	require.NoError(t, err)
	_, err = svc.Assign(context.Background(), "a", "boss", "manual", "boss")
	require.NoError(t, err)

	moved, err := svc.AutoTransfer(auth.AsSystem(context.Background()), stale, "emp2", "自动流转-规则: r1")
	require.NoError(t, err)
	assert.False(t, moved)
	got, _ := store.GetCustomer(context.Background(), "a")
	assert.True(t, got.Holder.IsUser("boss"))
}
