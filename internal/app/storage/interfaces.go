package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/app/domain/idempotency"
	"github.com/R3E-Network/crm_service/internal/app/domain/user"
)

// Store-level sentinels. Services translate them into service errors.
var (
	ErrNotFound         = errors.New("storage: not found")
	ErrVersionConflict  = errors.New("storage: version conflict")
	ErrHolderMismatch   = errors.New("storage: holder mismatch")
	ErrCapacityExceeded = errors.New("storage: capacity exceeded")
	ErrDuplicate        = errors.New("storage: duplicate")
)

// CustomerStore is the ownership system of record. TryTransition is the only
// way a holder changes; it checks the precondition, evaluates the optional
// capacity check, writes the row and appends the log entries as one unit.
type CustomerStore interface {
	TryTransition(ctx context.Context, t customer.Transition) (customer.Customer, error)
	CreateCustomer(ctx context.Context, c customer.NewCustomer) (customer.Customer, error)
	// UpdateAttributes replaces business attributes if the version matches.
	// Ownership fields are never touched.
	UpdateAttributes(ctx context.Context, id string, expectedVersion int64, attrs customer.Attributes, actor string, now time.Time) (customer.Customer, error)
	GetCustomer(ctx context.Context, id string) (customer.Customer, error)
	FindByPhone(ctx context.Context, phone string) (customer.Customer, error)
	ListCustomers(ctx context.Context, filter customer.Filter) ([]customer.Customer, int, error)
	ListInactiveHeld(ctx context.Context, q customer.InactiveQuery) ([]customer.Customer, error)

	CountHeldBy(ctx context.Context, userID string) (int, error)
	CountByHolder(ctx context.Context) (map[string]int, error)
	PoolStatistics(ctx context.Context, dayStart time.Time) (customer.PoolStats, error)
}

// AuditLog reads the append-only transition logs. Appends happen only inside
// CustomerStore writes.
type AuditLog interface {
	ListAssignmentLog(ctx context.Context, customerID string) ([]customer.AssignmentLogEntry, error)
	ListPoolLog(ctx context.Context, customerID string) ([]customer.PoolLogEntry, error)
}

// UserStore is the user directory.
type UserStore interface {
	GetUser(ctx context.Context, id string) (user.User, error)
	ListUsers(ctx context.Context) ([]user.User, error)
	UpsertUser(ctx context.Context, u user.User) (user.User, error)
}

// IdempotencyStore persists idempotency reservations.
type IdempotencyStore interface {
	// Reserve inserts rec unless a live record holds the key. It returns the
	// live record and created=false when the key is taken. Expired records
	// are replaced.
	Reserve(ctx context.Context, rec idempotency.Record) (existing idempotency.Record, created bool, err error)
	// Complete stores the result of a reservation. ErrNotFound when the key
	// is unknown or expired.
	Complete(ctx context.Context, key, resultRef string) error
	// Delete drops a reservation that never completed.
	Delete(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
