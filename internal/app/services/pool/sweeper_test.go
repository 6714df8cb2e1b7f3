package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/R3E-Network/crm_service/internal/app/auth"
	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/app/services/assignment"
)

func TestSweepEvictsInactiveCustomers(t *testing.T) {
	svc, store := setup(t)
	old := time.Now().Add(-72 * time.Hour)
	seed(t, store, "stale", customer.HeldBy("emp"), customer.Attributes{ContractStatus: customer.StatusPending}, old)
	seed(t, store, "signed", customer.HeldBy("emp"), customer.Attributes{ContractStatus: customer.StatusSigned}, old)
	seed(t, store, "fresh", customer.HeldBy("emp"), customer.Attributes{ContractStatus: customer.StatusMatching}, time.Now())
	seed(t, store, "pooled", customer.Pool(), customer.Attributes{ContractStatus: customer.StatusPending}, old)

	sw, err := NewSweeper(svc, store, SweepConfig{}, nil)
	require.NoError(t, err)

	report, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 1, Evicted: 1}, report)

	c, _ := store.GetCustomer(context.Background(), "stale")
	assert.True(t, c.InPool())
	assert.Equal(t, "auto-evict: inactive 48h", c.PoolEntryReason)
	al, _ := store.ListAssignmentLog(context.Background(), "stale")
	require.Len(t, al, 1)
	assert.Equal(t, auth.SystemActor, al[0].Actor)
	assert.Equal(t, customer.KindEvict, al[0].Kind)

	report, err = sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Evicted)
	pl, _ := store.ListPoolLog(context.Background(), "pooled")
	assert.Len(t, pl, 1, "pooled customers are never re-logged")
}

func TestSweepLeadSourceFilter(t *testing.T) {
	svc, store := setup(t)
	old := time.Now().Add(-72 * time.Hour)
	seed(t, store, "a", customer.HeldBy("emp"), customer.Attributes{ContractStatus: customer.StatusPending, LeadSource: "抖音"}, old)
	seed(t, store, "b", customer.HeldBy("emp"), customer.Attributes{ContractStatus: customer.StatusPending, LeadSource: "转介绍"}, old)

	sw, err := NewSweeper(svc, store, SweepConfig{LeadSources: []string{"抖音"}}, nil)
	require.NoError(t, err)
	report, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evicted)
	b, _ := store.GetCustomer(context.Background(), "b")
	assert.False(t, b.InPool())
}

func TestSweepWindow(t *testing.T) {
	svc, store := setup(t)
	sw, err := NewSweeper(svc, store, SweepConfig{WindowStart: "09:30", WindowEnd: "18:30", Location: time.UTC}, nil)
	require.NoError(t, err)

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	assert.False(t, sw.InWindow(day.Add(9*time.Hour+29*time.Minute)))
	assert.True(t, sw.InWindow(day.Add(9*time.Hour+30*time.Minute)))
	assert.True(t, sw.InWindow(day.Add(18*time.Hour+29*time.Minute)))
	assert.False(t, sw.InWindow(day.Add(18*time.Hour+30*time.Minute)))

	overnight, err := NewSweeper(svc, store, SweepConfig{WindowStart: "22:00", WindowEnd: "06:00", Location: time.UTC}, nil)
	require.NoError(t, err)
	assert.True(t, overnight.InWindow(day.Add(23*time.Hour)))
	assert.True(t, overnight.InWindow(day.Add(5*time.Hour)))
	assert.False(t, overnight.InWindow(day.Add(12*time.Hour)))

	always, err := NewSweeper(svc, store, SweepConfig{}, nil)
	require.NoError(t, err)
	assert.True(t, always.InWindow(day.Add(3*time.Hour)))
}

func TestNewSweeperRejectsBadConfig(t *testing.T) {
	svc, store := setup(t)
	_, err := NewSweeper(svc, store, SweepConfig{Schedule: "not a schedule"}, nil)
	assert.Error(t, err)
	_, err = NewSweeper(svc, store, SweepConfig{WindowStart: "25:00"}, nil)
	assert.Error(t, err)
}

func TestSweeperLifecycleDoesNotLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	svc, store := setup(t)
	sw, err := NewSweeper(svc, store, SweepConfig{Schedule: "@every 1h"}, nil)
	require.NoError(t, err)

	require.NoError(t, sw.Start(context.Background()))
	require.NoError(t, sw.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sw.Stop(ctx))
	require.NoError(t, sw.Stop(ctx))
}

func TestTargetWeightsCompensateOwedUsers(t *testing.T) {
	rule := TransferRule{Name: "r", EnableCompensation: true, CompensationPriority: 5}
	balances := []UserBalance{
		{UserID: "a", Role: QuotaSource, TransferredOut: 4, Balance: 4},
		{UserID: "b", Role: QuotaTarget, TransferredOut: 2, Balance: 2},
		{UserID: "c", Role: QuotaBoth, TransferredIn: 1, Balance: -1},
	}

	got := targetWeights(rule, balances, "a")
	assert.Equal(t, []weighted{{"b", 11}, {"c", 1}}, got)
	assert.Equal(t, "b", pickWeighted(got, 0))
	assert.Equal(t, "c", pickWeighted(got, 0.95))

	// a user never receives its own customer
	assert.Equal(t, []weighted{{"b", 11}}, targetWeights(rule, balances, "c"))

	rule.EnableCompensation = false
	assert.Equal(t, []weighted{{"b", 1}, {"c", 1}}, targetWeights(rule, balances, "a"))
	assert.Empty(t, pickWeighted(nil, 0.5))
}

func TestLedgerTracksBalances(t *testing.T) {
	l := newLedger([]TransferRule{{Name: "r", Users: []UserQuota{
		{UserID: "a", Role: QuotaSource}, {UserID: "b", Role: QuotaBoth},
	}}})
	l.record("r", "a", "b")
	l.record("r", "a", "b")
	l.record("r", "b", "a")

	assert.Equal(t, []UserBalance{
		{UserID: "a", Role: QuotaSource, TransferredOut: 2, TransferredIn: 1, Balance: 1},
		{UserID: "b", Role: QuotaBoth, TransferredOut: 1, TransferredIn: 2, Balance: -1},
	}, l.snapshot("r"))
}

func transferRule() TransferRule {
	return TransferRule{
		Name:  "sales-48h",
		Users: []UserQuota{{UserID: "emp", Role: QuotaSource}, {UserID: "emp2", Role: QuotaTarget}},
	}
}

func TestSweepTransfersBeforeEvicting(t *testing.T) {
	svc, store := setup(t)
	old := time.Now().Add(-72 * time.Hour)
	pending := customer.Attributes{ContractStatus: customer.StatusPending}
	seed(t, store, "t1", customer.HeldBy("emp"), pending, old)
	seed(t, store, "t2", customer.HeldBy("emp"), pending, old)
	seed(t, store, "other", customer.HeldBy("boss"), pending, old)

	sw, err := NewSweeper(svc, store, SweepConfig{Rules: []TransferRule{transferRule()}}, nil)
	require.NoError(t, err)
	sw.WithTransferrer(assignment.New(store, store, auth.NewRoleAuthorizer(store), nil, assignment.Options{}, nil))

	report, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Transferred)
	assert.Equal(t, 1, report.Evicted, "customers outside every rule still go to the pool")
	require.Len(t, report.Rules, 1)
	assert.Equal(t, []UserBalance{
		{UserID: "emp", Role: QuotaSource, TransferredOut: 2, Balance: 2},
		{UserID: "emp2", Role: QuotaTarget, TransferredIn: 2, Balance: -2},
	}, report.Rules[0].Balances)

	for _, id := range []string{"t1", "t2"} {
		c, _ := store.GetCustomer(context.Background(), id)
		assert.True(t, c.Holder.IsUser("emp2"), id)
		logs, _ := store.ListAssignmentLog(context.Background(), id)
		require.Len(t, logs, 1)
		assert.Equal(t, customer.KindAssign, logs[0].Kind)
		assert.Equal(t, "自动流转-规则: sales-48h", logs[0].Reason)
	}
	other, _ := store.GetCustomer(context.Background(), "other")
	assert.True(t, other.InPool())
}

func TestSweepRulesNeedTransferrer(t *testing.T) {
	svc, store := setup(t)
	sw, err := NewSweeper(svc, store, SweepConfig{Rules: []TransferRule{transferRule()}}, nil)
	require.NoError(t, err)
	_, err = sw.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestNewSweeperRejectsBadRules(t *testing.T) {
	svc, store := setup(t)
	noTarget := TransferRule{Name: "r", Users: []UserQuota{{UserID: "emp", Role: QuotaSource}}}
	badRole := TransferRule{Name: "r", Users: []UserQuota{{UserID: "emp", Role: "owner"}, {UserID: "emp2", Role: QuotaTarget}}}
	badPriority := transferRule()
	badPriority.EnableCompensation = true

	for name, rules := range map[string][]TransferRule{
		"no target":    {noTarget},
		"bad role":     {badRole},
		"bad priority": {badPriority},
		"duplicate":    {transferRule(), transferRule()},
		"no name":      {{Users: transferRule().Users}},
	} {
		_, err := NewSweeper(svc, store, SweepConfig{Rules: rules}, nil)
		assert.Error(t, err, name)
	}
}

func TestPreviewLeavesCustomersInPlace(t *testing.T) {
	svc, store := setup(t)
	old := time.Now().Add(-72 * time.Hour)
	for _, id := range []string{"p1", "p2", "p3"} {
		seed(t, store, id, customer.HeldBy("emp"), customer.Attributes{ContractStatus: customer.StatusMatching}, old)
	}
	sw, err := NewSweeper(svc, store, SweepConfig{
		Schedule: "@hourly", WindowStart: "09:30", WindowEnd: "18:30", Location: time.UTC,
		Rules: []TransferRule{transferRule()},
	}, nil)
	require.NoError(t, err)
	evening := time.Date(2026, 3, 2, 20, 10, 0, 0, time.UTC)

	previews, err := sw.Preview(context.Background())
	require.NoError(t, err)
	require.Len(t, previews, 1)
	p := previews[0]
	assert.Equal(t, 3, p.Pending)
	assert.Equal(t, 3, p.Users[0].EstimatedOut)
	assert.Equal(t, 3, p.Users[0].EstimatedBalance)
	assert.Equal(t, 3, p.Users[1].EstimatedIn)
	assert.Zero(t, p.Users[1].Balance)

	c, _ := store.GetCustomer(context.Background(), "p1")
	assert.True(t, c.Holder.IsUser("emp"))
	assert.Equal(t, time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), sw.NextRun(evening))
}
