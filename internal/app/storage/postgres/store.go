package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/app/storage"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.CustomerStore = (*Store)(nil)
var _ storage.AuditLog = (*Store)(nil)
var _ storage.UserStore = (*Store)(nil)
var _ storage.IdempotencyStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// --- CustomerStore ----------------------------------------------------------

func (s *Store) CreateCustomer(ctx context.Context, nc customer.NewCustomer) (customer.Customer, error) {
	if err := nc.Holder.Validate(); err != nil {
		return customer.Customer{}, err
	}
	if nc.ID == "" {
		nc.ID = uuid.NewString()
	}
	ts := customer.NextTimestamp(time.Time{}, nc.Now)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return customer.Customer{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	if nc.Capacity != nil {
		if err := checkCapacity(ctx, tx, *nc.Capacity); err != nil {
			return customer.Customer{}, err
		}
	}

	kind, userID := holderColumns(nc.Holder)
	var poolTime sql.NullTime
	var poolReason sql.NullString
	if nc.Holder.IsPool() {
		poolTime = sql.NullTime{Time: ts, Valid: true}
		poolReason = sql.NullString{String: nc.PoolReason, Valid: true}
	}
	a := nc.Attributes
	_, err = tx.ExecContext(ctx, `
		INSERT INTO app_customers (id, customer_no, holder_kind, holder_user_id, initial_holder_kind,
			initial_holder_user_id, pool_entry_time, pool_entry_reason, claim_count, version, name, phone,
			wechat_id, lead_source, service_category, contract_status, lead_level, salary_budget, address,
			remarks, created_by, last_updated_by, created_at, updated_at, last_activity_at, last_log_at)
		VALUES ($1, $2, $3, $4, $3, $4, $5, $6, 0, 1, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17, $18, $18, $18, $18)
	`, nc.ID, nc.CustomerNo, kind, userID, poolTime, poolReason, a.Name, a.Phone, a.WechatID, a.LeadSource,
		a.ServiceCategory, a.ContractStatus, a.LeadLevel, a.SalaryBudget, a.Address, a.Remarks, nc.CreatedBy, ts)
	if err != nil {
		if isUniqueViolation(err) {
			return customer.Customer{}, fmt.Errorf("customer %s: %w", nc.ID, storage.ErrDuplicate)
		}
		return customer.Customer{}, err
	}
	if nc.Holder.IsPool() {
		if err := insertPoolLog(ctx, tx, nc.ID, customer.PoolEnter, nc.PoolReason, nc.CreatedBy, ts); err != nil {
			return customer.Customer{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return customer.Customer{}, err
	}

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
	}
	return c, nil
}

// TryTransition runs the compare-and-swap in one transaction. When a capacity
// check is requested the claimant's app_users row is locked first, so claims
// by the same user serialize on it and the held count cannot race. Lock order
// is always user row then customer row.
func (s *Store) TryTransition(ctx context.Context, t customer.Transition) (customer.Customer, error) {
	if err := t.To.Validate(); err != nil {
		return customer.Customer{}, err
	}
	if t.ExpectedHolder == nil && t.ExpectedVersion <= 0 {
		return customer.Customer{}, fmt.Errorf("transition %s: no precondition", t.CustomerID)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return customer.Customer{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	if t.Capacity != nil {
		if err := checkCapacity(ctx, tx, *t.Capacity); err != nil {
			return customer.Customer{}, err
		}
	}

	var row customerRow
	err = tx.GetContext(ctx, &row, `SELECT `+customerColumns+` FROM app_customers WHERE id = $1 FOR UPDATE`, t.CustomerID)
	if errors.Is(err, sql.ErrNoRows) {
		return customer.Customer{}, storage.ErrNotFound
	}
	if err != nil {
		return customer.Customer{}, err
	}
	c := row.toDomain()
	if t.ExpectedHolder != nil && !c.Holder.Equal(*t.ExpectedHolder) {
		return customer.Customer{}, storage.ErrHolderMismatch
	}
	if t.ExpectedVersion > 0 && c.Version != t.ExpectedVersion {
		return customer.Customer{}, storage.ErrVersionConflict
	}
	if c.Holder.Equal(t.To) {
		return customer.Customer{}, storage.ErrHolderMismatch
	}

	ts := customer.NextTimestamp(row.LastLogAt.UTC(), t.Now)
	from := c.Holder
	reason := t.Reason
	if reason == "" {
		reason = string(t.Kind)
	}
	if from.IsPool() {
		c.ClaimCount++
		c.PoolEntryTime = nil
		c.PoolEntryReason = ""
	}
	var poolTime sql.NullTime
	var poolReason sql.NullString
	if t.To.IsPool() {
		c.PoolEntryTime = &ts
		c.PoolEntryReason = reason
		poolTime = sql.NullTime{Time: ts, Valid: true}
		poolReason = sql.NullString{String: reason, Valid: true}
	} else {
		c.LastActivityAt = ts
	}
	c.Holder = t.To
	c.LastUpdatedBy = t.Actor
	c.UpdatedAt = ts

	kind, userID := holderColumns(t.To)
	res, err := tx.ExecContext(ctx, `
		UPDATE app_customers
		SET holder_kind = $3, holder_user_id = $4, pool_entry_time = $5, pool_entry_reason = $6,
			claim_count = $7, version = version + 1, last_updated_by = $8, updated_at = $9,
			last_activity_at = $10, last_log_at = $9
		WHERE id = $1 AND version = $2
	`, c.ID, c.Version, kind, userID, poolTime, poolReason, c.ClaimCount, t.Actor, ts, c.LastActivityAt)
	if err != nil {
		return customer.Customer{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return customer.Customer{}, err
	} else if n != 1 {
		return customer.Customer{}, storage.ErrVersionConflict
	}
	c.Version++

	if err := insertAssignmentLog(ctx, tx, customer.AssignmentLogEntry{
		CustomerID: c.ID,
		From:       from,
		To:         t.To,
		Actor:      t.Actor,
		Reason:     t.Reason,
		Kind:       t.Kind,
		Timestamp:  ts,
	}); err != nil {
		return customer.Customer{}, err
	}
	switch {
	case from.IsPool():
		err = insertPoolLog(ctx, tx, c.ID, customer.PoolExit, reason, t.Actor, ts)
	case t.To.IsPool():
		err = insertPoolLog(ctx, tx, c.ID, customer.PoolEnter, reason, t.Actor, ts)
	}
	if err != nil {
		return customer.Customer{}, err
	}

	if err := tx.Commit(); err != nil {
		return customer.Customer{}, err
	}
	return c, nil
}

func checkCapacity(ctx context.Context, tx *sqlx.Tx, cc customer.CapacityCheck) error {
	var locked string
	err := tx.GetContext(ctx, &locked, `SELECT id FROM app_users WHERE id = $1 FOR UPDATE`, cc.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	var held int
	if err := tx.GetContext(ctx, &held, `SELECT COUNT(*) FROM app_customers WHERE holder_kind = 'user' AND holder_user_id = $1`, cc.UserID); err != nil {
		return err
	}
	if held >= cc.Limit {
		return storage.ErrCapacityExceeded
	}
	return nil
}

func insertAssignmentLog(ctx context.Context, tx *sqlx.Tx, e customer.AssignmentLogEntry) error {
	fromKind, fromUser := holderColumns(e.From)
	toKind, toUser := holderColumns(e.To)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO customer_assignment_logs (id, customer_id, seq, from_kind, from_user_id, to_kind, to_user_id, actor, reason, kind, created_at)
		VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM customer_assignment_logs WHERE customer_id = $2), $3, $4, $5, $6, $7, $8, $9, $10)
	`, uuid.NewString(), e.CustomerID, fromKind, fromUser, toKind, toUser, e.Actor, e.Reason, string(e.Kind), e.Timestamp)
	return err
}

func insertPoolLog(ctx context.Context, tx *sqlx.Tx, customerID string, event customer.PoolEvent, reason, actor string, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO customer_pool_logs (id, customer_id, seq, event, reason, actor, created_at)
		VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM customer_pool_logs WHERE customer_id = $2), $3, $4, $5, $6)
	`, uuid.NewString(), customerID, string(event), reason, actor, ts)
	return err
}

func (s *Store) UpdateAttributes(ctx context.Context, id string, expectedVersion int64, attrs customer.Attributes, actor string, now time.Time) (customer.Customer, error) {
	now = now.UTC()
	var row customerRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE app_customers
		SET name = $3, phone = $4, wechat_id = $5, lead_source = $6, service_category = $7,
			contract_status = $8, lead_level = $9, salary_budget = $10, address = $11, remarks = $12,
			version = version + 1, last_updated_by = $13, updated_at = $14, last_activity_at = $14
		WHERE id = $1 AND version = $2
		RETURNING `+customerColumns,
		id, expectedVersion, attrs.Name, attrs.Phone, attrs.WechatID, attrs.LeadSource, attrs.ServiceCategory,
		attrs.ContractStatus, attrs.LeadLevel, attrs.SalaryBudget, attrs.Address, attrs.Remarks, actor, now)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, getErr := s.GetCustomer(ctx, id); getErr != nil {
			return customer.Customer{}, getErr
		}
		return customer.Customer{}, storage.ErrVersionConflict
	case isUniqueViolation(err):
		return customer.Customer{}, fmt.Errorf("phone %s: %w", attrs.Phone, storage.ErrDuplicate)
	case err != nil:
		return customer.Customer{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (customer.Customer, error) {
	return s.getCustomerBy(ctx, "id", id)
}

func (s *Store) FindByPhone(ctx context.Context, phone string) (customer.Customer, error) {
	if phone == "" {
		return customer.Customer{}, storage.ErrNotFound
	}
	return s.getCustomerBy(ctx, "phone", phone)
}

func (s *Store) getCustomerBy(ctx context.Context, column, value string) (customer.Customer, error) {
	var row customerRow
	err := s.db.GetContext(ctx, &row, `SELECT `+customerColumns+` FROM app_customers WHERE `+column+` = $1`, value)
	if errors.Is(err, sql.ErrNoRows) {
		return customer.Customer{}, storage.ErrNotFound
	}
	if err != nil {
		return customer.Customer{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListCustomers(ctx context.Context, filter customer.Filter) ([]customer.Customer, int, error) {
	filter = filter.Normalize()
	where, args := buildFilter(filter)

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM app_customers`+where, args...); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM app_customers%s ORDER BY updated_at DESC, id LIMIT $%d OFFSET $%d`,
		customerColumns, where, len(args)+1, len(args)+2)
	var rows []customerRow
	if err := s.db.SelectContext(ctx, &rows, query, append(args, filter.Limit, filter.Offset())...); err != nil {
		return nil, 0, err
	}
	out := make([]customer.Customer, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, total, nil
}

func buildFilter(f customer.Filter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(args))))
	}
	if f.HolderKind != "" {
		add("holder_kind = ?", string(f.HolderKind))
	}
	if f.HolderUserID != "" {
		add("holder_user_id = ?", f.HolderUserID)
	}
	if f.LeadSource != "" {
		add("lead_source = ?", f.LeadSource)
	}
	if f.ServiceCategory != "" {
		add("service_category = ?", f.ServiceCategory)
	}
	if f.LeadLevel != "" {
		add("lead_level = ?", f.LeadLevel)
	}
	if len(f.ContractStatuses) > 0 {
		add("contract_status = ANY(?)", pq.Array(f.ContractStatuses))
	}
	if f.MinBudget != nil {
		add("salary_budget >= ?", *f.MinBudget)
	}
	if f.MaxBudget != nil {
		add("salary_budget <= ?", *f.MaxBudget)
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		add("(name ILIKE ? OR phone ILIKE ? OR customer_no ILIKE ?)", "%"+q+"%")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *Store) ListInactiveHeld(ctx context.Context, q customer.InactiveQuery) ([]customer.Customer, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	var rows []customerRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+customerColumns+`
		FROM app_customers
		WHERE holder_kind = 'user'
		  AND last_activity_at < $1
		  AND (cardinality($2::text[]) = 0 OR contract_status = ANY($2))
		  AND (cardinality($3::text[]) = 0 OR lead_source = ANY($3))
		  AND (cardinality($4::text[]) = 0 OR holder_user_id = ANY($4))
		ORDER BY last_activity_at
		LIMIT $5
	`, q.InactiveSince.UTC(), textArray(q.ContractStatuses), textArray(q.LeadSources), textArray(q.HolderIDs), limit)
	if err != nil {
		return nil, err
	}
	out := make([]customer.Customer, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// textArray binds a possibly nil slice as '{}' rather than NULL.
func textArray(values []string) any {
	if values == nil {
		values = []string{}
	}
	return pq.Array(values)
}

func (s *Store) CountHeldBy(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM app_customers WHERE holder_kind = 'user' AND holder_user_id = $1`, userID)
	return n, err
}

func (s *Store) CountByHolder(ctx context.Context) (map[string]int, error) {
	return s.groupCount(ctx, `
		SELECT holder_user_id AS k, COUNT(*) AS n FROM app_customers
		WHERE holder_kind = 'user' GROUP BY holder_user_id`)
}

func (s *Store) PoolStatistics(ctx context.Context, dayStart time.Time) (customer.PoolStats, error) {
	var stats customer.PoolStats
	if err := s.db.GetContext(ctx, &stats.Total, `SELECT COUNT(*) FROM app_customers WHERE holder_kind = 'pool'`); err != nil {
		return stats, err
	}
	groups := []struct {
		column string
		dst    *map[string]int
	}{
		{"lead_source", &stats.ByLeadSource},
		{"service_category", &stats.ByServiceCategory},
		{"lead_level", &stats.ByLeadLevel},
		{"contract_status", &stats.ByContractStatus},
	}
	for _, g := range groups {
		m, err := s.groupCount(ctx, `SELECT `+g.column+` AS k, COUNT(*) AS n FROM app_customers WHERE holder_kind = 'pool' GROUP BY `+g.column)
		if err != nil {
			return stats, err
		}
		*g.dst = m
	}
	if err := s.db.GetContext(ctx, &stats.EnteredToday, `SELECT COUNT(*) FROM customer_pool_logs WHERE event = 'enter' AND created_at >= $1`, dayStart.UTC()); err != nil {
		return stats, err
	}
	if err := s.db.GetContext(ctx, &stats.ClaimedToday, `SELECT COUNT(*) FROM customer_assignment_logs WHERE kind = 'claim' AND created_at >= $1`, dayStart.UTC()); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *Store) groupCount(ctx context.Context, query string, args ...any) (map[string]int, error) {
	var rows []struct {
		Key   string `db:"k"`
		Count int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Count
	}
	return out, nil
}
