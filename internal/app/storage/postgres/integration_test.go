package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/app/domain/user"
	"github.com/R3E-Network/crm_service/internal/platform/migrations"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := New(db)

	uid := "it-" + uuid.NewString()
	if _, err := store.UpsertUser(ctx, user.User{ID: uid, Name: "it", Role: user.RoleEmployee, CapacityLimit: 1, Active: true}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}

	c, err := store.CreateCustomer(ctx, customer.NewCustomer{
		CustomerNo: "CUS" + uuid.NewString()[:11],
		Holder:     customer.Pool(),
		PoolReason: "integration",
		Attributes: customer.Attributes{Name: "integration"},
		CreatedBy:  uid,
		Now:        time.Now(),
	})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}

	pool := customer.Pool()
	claimed, err := store.TryTransition(ctx, customer.Transition{
		CustomerID:      c.ID,
		ExpectedVersion: c.Version,
		ExpectedHolder:  &pool,
		To:              customer.HeldBy(uid),
		Kind:            customer.KindClaim,
		Actor:           uid,
		Capacity:        &customer.CapacityCheck{UserID: uid, Limit: 1},
		Now:             time.Now(),
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ClaimCount != 1 {
		t.Fatalf("expected claim count 1, got %d", claimed.ClaimCount)
	}

	logs, err := store.ListPoolLog(ctx, c.ID)
	if err != nil {
		t.Fatalf("pool log: %v", err)
	}
	if len(logs) != 2 || logs[0].Event != customer.PoolEnter || logs[1].Event != customer.PoolExit {
		t.Fatalf("unexpected pool log: %+v", logs)
	}
}
