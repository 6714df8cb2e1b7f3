package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/R3E-Network/crm_service/internal/app/domain/idempotency"
	"github.com/R3E-Network/crm_service/internal/app/storage"
)

// --- IdempotencyStore -------------------------------------------------------

type idempotencyRow struct {
	Key         string    `db:"key"`
	Fingerprint string    `db:"fingerprint"`
	ResultRef   string    `db:"result_ref"`
	CreatedAt   time.Time `db:"created_at"`
	ExpiresAt   time.Time `db:"expires_at"`
}

// reserveAttempts bounds the loop when the live record vanishes between the
// conditional insert and the follow-up read.
const reserveAttempts = 3

// Reserve is a single conditional upsert: a fresh key inserts, an expired
// record is overwritten, a live record leaves the row untouched and RETURNING
// yields nothing.
func (s *Store) Reserve(ctx context.Context, rec idempotency.Record) (idempotency.Record, bool, error) {
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		var key string
		err := s.db.GetContext(ctx, &key, `
			INSERT INTO idempotency_records (key, fingerprint, result_ref, created_at, expires_at)
			VALUES ($1, $2, '', $3, $4)
			ON CONFLICT (key) DO UPDATE
			SET fingerprint = EXCLUDED.fingerprint, result_ref = '', created_at = EXCLUDED.created_at,
				expires_at = EXCLUDED.expires_at
			WHERE idempotency_records.expires_at <= EXCLUDED.created_at
			RETURNING key
		`, rec.Key, rec.Fingerprint, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC())
		if err == nil {
			rec.ResultRef = ""
			return rec, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return idempotency.Record{}, false, err
		}

		var row idempotencyRow
		err = s.db.GetContext(ctx, &row, `
			SELECT key, fingerprint, result_ref, created_at, expires_at
			FROM idempotency_records WHERE key = $1
		`, rec.Key)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return idempotency.Record{}, false, err
		}
		return idempotency.Record{
			Key:         row.Key,
			Fingerprint: row.Fingerprint,
			ResultRef:   row.ResultRef,
			CreatedAt:   row.CreatedAt.UTC(),
			ExpiresAt:   row.ExpiresAt.UTC(),
		}, false, nil
	}
	return idempotency.Record{}, false, storage.ErrVersionConflict
}

func (s *Store) Complete(ctx context.Context, key, resultRef string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records SET result_ref = $2
		WHERE key = $1 AND expires_at > $3
	`, key, resultRef, time.Now().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE key = $1 AND result_ref = ''`, key)
	return err
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
