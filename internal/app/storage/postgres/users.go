package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/R3E-Network/crm_service/internal/app/domain/user"
	"github.com/R3E-Network/crm_service/internal/app/storage"
	"github.com/google/uuid"
)

// --- UserStore --------------------------------------------------------------

type userRow struct {
	ID            string `db:"id"`
	Name          string `db:"name"`
	Role          string `db:"role"`
	CapacityLimit int    `db:"capacity_limit"`
	Active        bool   `db:"active"`
}

func (r userRow) toDomain() user.User {
	return user.User{ID: r.ID, Name: r.Name, Role: user.Role(r.Role), CapacityLimit: r.CapacityLimit, Active: r.Active}
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT id, name, role, capacity_limit, active FROM app_users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return user.User{}, storage.ErrNotFound
	}
	if err != nil {
		return user.User{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListUsers(ctx context.Context) ([]user.User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, name, role, capacity_limit, active FROM app_users ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]user.User, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) UpsertUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (id, name, role, capacity_limit, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, role = EXCLUDED.role, capacity_limit = EXCLUDED.capacity_limit,
			active = EXCLUDED.active, updated_at = EXCLUDED.updated_at
	`, u.ID, u.Name, string(u.Role), u.CapacityLimit, u.Active, now)
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}
