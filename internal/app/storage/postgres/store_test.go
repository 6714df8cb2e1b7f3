package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/app/domain/idempotency"
	"github.com/R3E-Network/crm_service/internal/app/storage"
	"github.com/jmoiron/sqlx"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func customerColumnNames() []string {
	parts := strings.Split(customerColumns, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func pooledCustomerRows(id string, version int64, at time.Time) *sqlmock.Rows {
	values := []driver.Value{
		id, "CUS12345678001", "pool", nil, "pool", nil,
		at, "import", 0, version, "张女士", "13800000000", "", "抖音",
		"月嫂", customer.StatusPending, "A", int64(8000), "", "", "admin",
		"admin", at, at, at, at,
	}
	return sqlmock.NewRows(customerColumnNames()).AddRow(values...)
}

func TestTryTransitionClaimCommitsRowAndLogs(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	pool := customer.Pool()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM app_users WHERE id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM app_customers WHERE holder_kind = 'user' AND holder_user_id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`FROM app_customers WHERE id = \$1 FOR UPDATE`).
		WithArgs("c1").
		WillReturnRows(pooledCustomerRows("c1", 4, now.Add(-time.Hour)))
	mock.ExpectExec(`UPDATE app_customers`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO customer_assignment_logs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO customer_pool_logs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := store.TryTransition(context.Background(), customer.Transition{
		CustomerID:      "c1",
		ExpectedVersion: 4,
		ExpectedHolder:  &pool,
		To:              customer.HeldBy("u1"),
		Kind:            customer.KindClaim,
		Actor:           "u1",
		Capacity:        &customer.CapacityCheck{UserID: "u1", Limit: 50},
		Now:             now,
	})
	if err != nil {
		t.Fatalf("try transition: %v", err)
	}
	if !got.Holder.IsUser("u1") || got.Version != 5 || got.ClaimCount != 1 || got.PoolEntryTime != nil {
		t.Fatalf("unexpected customer: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTryTransitionCapacityExceededRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM app_users`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM app_customers`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(50))
	mock.ExpectRollback()

	_, err := store.TryTransition(context.Background(), customer.Transition{
		CustomerID:      "c1",
		ExpectedVersion: 1,
		To:              customer.HeldBy("u1"),
		Kind:            customer.KindClaim,
		Capacity:        &customer.CapacityCheck{UserID: "u1", Limit: 50},
		Now:             time.Now(),
	})
	if !errors.Is(err, storage.ErrCapacityExceeded) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTryTransitionVersionMismatchWritesNothing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM app_customers WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(pooledCustomerRows("c1", 9, time.Now()))
	mock.ExpectRollback()

	_, err := store.TryTransition(context.Background(), customer.Transition{
		CustomerID:      "c1",
		ExpectedVersion: 8,
		To:              customer.HeldBy("u2"),
		Kind:            customer.KindAssign,
		Now:             time.Now(),
	})
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreatePooledCustomerLogsEnter(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO app_customers`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO customer_pool_logs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c, err := store.CreateCustomer(context.Background(), customer.NewCustomer{
		ID:         "c1",
		CustomerNo: "CUS12345678001",
		Holder:     customer.Pool(),
		PoolReason: "import",
		Attributes: customer.Attributes{Name: "王先生"},
		CreatedBy:  "admin",
		Now:        time.Now(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !c.InPool() || c.PoolEntryReason != "import" || c.Version != 1 {
		t.Fatalf("unexpected customer: %+v", c)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReserveReturnsLiveRecord(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO idempotency_records`).WillReturnRows(sqlmock.NewRows([]string{"key"}))
	mock.ExpectQuery(`SELECT key, fingerprint, result_ref, created_at, expires_at`).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"key", "fingerprint", "result_ref", "created_at", "expires_at"}).
			AddRow("k1", "fp", "c1", now, now.Add(time.Hour)))

	rec, created, err := store.Reserve(context.Background(), idempotency.Record{
		Key: "k1", Fingerprint: "fp", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if created || rec.ResultRef != "c1" {
		t.Fatalf("expected existing record, got %+v created=%v", rec, created)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCompleteUnknownKey(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE idempotency_records SET result_ref`).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Complete(context.Background(), "missing", "c1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBuildFilterNumbersPlaceholders(t *testing.T) {
	minBudget := int64(5000)
	where, args := buildFilter(customer.Filter{
		HolderKind: customer.HolderPool,
		LeadSource: "抖音",
		MinBudget:  &minBudget,
		Search:     "张",
	})
	want := " WHERE holder_kind = $1 AND lead_source = $2 AND salary_budget >= $3 AND (name ILIKE $4 OR phone ILIKE $4 OR customer_no ILIKE $4)"
	if where != want {
		t.Fatalf("unexpected where:\n got %s\nwant %s", where, want)
	}
	if len(args) != 4 || args[3] != "%张%" {
		t.Fatalf("unexpected args: %v", args)
	}
}
