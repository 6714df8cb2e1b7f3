package postgres

import (
	"context"

	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
)

// --- AuditLog ---------------------------------------------------------------

func (s *Store) ListAssignmentLog(ctx context.Context, customerID string) ([]customer.AssignmentLogEntry, error) {
	if _, err := s.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	var rows []assignmentLogRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, customer_id, seq, from_kind, from_user_id, to_kind, to_user_id, actor, reason, kind, created_at
		FROM customer_assignment_logs
		WHERE customer_id = $1
		ORDER BY created_at, seq
	`, customerID)
	if err != nil {
		return nil, err
	}
	out := make([]customer.AssignmentLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) ListPoolLog(ctx context.Context, customerID string) ([]customer.PoolLogEntry, error) {
	if _, err := s.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	var rows []poolLogRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, customer_id, seq, event, reason, actor, created_at
		FROM customer_pool_logs
		WHERE customer_id = $1
		ORDER BY created_at, seq
	`, customerID)
	if err != nil {
		return nil, err
	}
	out := make([]customer.PoolLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}
