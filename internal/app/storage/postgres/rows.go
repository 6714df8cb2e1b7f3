package postgres

import (
	"database/sql"
	"errors"
	"time"

	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/lib/pq"
)

const customerColumns = `id, customer_no, holder_kind, holder_user_id, initial_holder_kind, initial_holder_user_id,
	pool_entry_time, pool_entry_reason, claim_count, version, name, phone, wechat_id, lead_source,
	service_category, contract_status, lead_level, salary_budget, address, remarks, created_by,
	last_updated_by, created_at, updated_at, last_activity_at, last_log_at`

type customerRow struct {
	ID                  string         `db:"id"`
	CustomerNo          string         `db:"customer_no"`
	HolderKind          string         `db:"holder_kind"`
	HolderUserID        sql.NullString `db:"holder_user_id"`
	InitialHolderKind   string         `db:"initial_holder_kind"`
	InitialHolderUserID sql.NullString `db:"initial_holder_user_id"`
	PoolEntryTime       sql.NullTime   `db:"pool_entry_time"`
	PoolEntryReason     sql.NullString `db:"pool_entry_reason"`
	ClaimCount          int            `db:"claim_count"`
	Version             int64          `db:"version"`
	Name                string         `db:"name"`
	Phone               string         `db:"phone"`
	WechatID            string         `db:"wechat_id"`
	LeadSource          string         `db:"lead_source"`
	ServiceCategory     string         `db:"service_category"`
	ContractStatus      string         `db:"contract_status"`
	LeadLevel           string         `db:"lead_level"`
	SalaryBudget        int64          `db:"salary_budget"`
	Address             string         `db:"address"`
	Remarks             string         `db:"remarks"`
	CreatedBy           string         `db:"created_by"`
	LastUpdatedBy       string         `db:"last_updated_by"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
	LastActivityAt      time.Time      `db:"last_activity_at"`
	LastLogAt           time.Time      `db:"last_log_at"`
}

func (r customerRow) toDomain() customer.Customer {
	c := customer.Customer{
		ID:            r.ID,
		CustomerNo:    r.CustomerNo,
		Holder:        holderFromColumns(r.HolderKind, r.HolderUserID),
		InitialHolder: holderFromColumns(r.InitialHolderKind, r.InitialHolderUserID),
		ClaimCount:    r.ClaimCount,
		Version:       r.Version,
		Attributes: customer.Attributes{
			Name:            r.Name,
			Phone:           r.Phone,
			WechatID:        r.WechatID,
			LeadSource:      r.LeadSource,
			ServiceCategory: r.ServiceCategory,
			ContractStatus:  r.ContractStatus,
			LeadLevel:       r.LeadLevel,
			SalaryBudget:    r.SalaryBudget,
			Address:         r.Address,
			Remarks:         r.Remarks,
		},
		CreatedBy:      r.CreatedBy,
		LastUpdatedBy:  r.LastUpdatedBy,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		LastActivityAt: r.LastActivityAt.UTC(),
	}
	if r.PoolEntryTime.Valid {
		t := r.PoolEntryTime.Time.UTC()
		c.PoolEntryTime = &t
		c.PoolEntryReason = r.PoolEntryReason.String
	}
	return c
}

func holderFromColumns(kind string, userID sql.NullString) customer.Holder {
	if customer.HolderKind(kind) == customer.HolderPool {
		return customer.Pool()
	}
	return customer.HeldBy(userID.String)
}

func holderColumns(h customer.Holder) (string, sql.NullString) {
	if h.IsPool() {
		return string(customer.HolderPool), sql.NullString{}
	}
	return string(customer.HolderUser), sql.NullString{String: h.UserID, Valid: true}
}

type assignmentLogRow struct {
	ID         string         `db:"id"`
	CustomerID string         `db:"customer_id"`
	Seq        int64          `db:"seq"`
	FromKind   string         `db:"from_kind"`
	FromUserID sql.NullString `db:"from_user_id"`
	ToKind     string         `db:"to_kind"`
	ToUserID   sql.NullString `db:"to_user_id"`
	Actor      string         `db:"actor"`
	Reason     string         `db:"reason"`
	Kind       string         `db:"kind"`
	CreatedAt  time.Time      `db:"created_at"`
}

func (r assignmentLogRow) toDomain() customer.AssignmentLogEntry {
	return customer.AssignmentLogEntry{
		ID:         r.ID,
		CustomerID: r.CustomerID,
		Seq:        r.Seq,
		From:       holderFromColumns(r.FromKind, r.FromUserID),
		To:         holderFromColumns(r.ToKind, r.ToUserID),
		Actor:      r.Actor,
		Reason:     r.Reason,
		Kind:       customer.TransitionKind(r.Kind),
		Timestamp:  r.CreatedAt.UTC(),
	}
}

type poolLogRow struct {
	ID         string    `db:"id"`
	CustomerID string    `db:"customer_id"`
	Seq        int64     `db:"seq"`
	Event      string    `db:"event"`
	Reason     string    `db:"reason"`
	Actor      string    `db:"actor"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r poolLogRow) toDomain() customer.PoolLogEntry {
	return customer.PoolLogEntry{
		ID:         r.ID,
		CustomerID: r.CustomerID,
		Seq:        r.Seq,
		Event:      customer.PoolEvent(r.Event),
		Reason:     r.Reason,
		Actor:      r.Actor,
		Timestamp:  r.CreatedAt.UTC(),
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
