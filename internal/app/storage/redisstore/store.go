// Package redisstore keeps idempotency reservations in Redis, letting key
// expiry enforce the TTL.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/crm_service/internal/app/domain/idempotency"
	"github.com/R3E-Network/crm_service/internal/app/storage"
	"github.com/go-redis/redis/v8"
)

const (
	defaultPrefix = "crm:idem:"
	maxAttempts   = 3
)

// Store implements storage.IdempotencyStore.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ storage.IdempotencyStore = (*Store)(nil)

// New wraps a redis client. An empty prefix uses "crm:idem:".
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(k string) string { return s.prefix + k }

// Reserve uses SET NX with the record's remaining lifetime as TTL.
func (s *Store) Reserve(ctx context.Context, rec idempotency.Record) (idempotency.Record, bool, error) {
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)
	if ttl <= 0 {
		return idempotency.Record{}, false, fmt.Errorf("idempotency record %s: non-positive ttl", rec.Key)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return idempotency.Record{}, false, err
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		ok, err := s.client.SetNX(ctx, s.key(rec.Key), payload, ttl).Result()
		if err != nil {
			return idempotency.Record{}, false, err
		}
		if ok {
			return rec, true, nil
		}
		existing, err := s.get(ctx, s.client, rec.Key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return idempotency.Record{}, false, err
		}
		return existing, false, nil
	}
	return idempotency.Record{}, false, storage.ErrVersionConflict
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) get(ctx context.Context, c getter, key string) (idempotency.Record, error) {
	raw, err := c.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return idempotency.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return idempotency.Record{}, err
	}
	var rec idempotency.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return idempotency.Record{}, fmt.Errorf("decode idempotency record %s: %w", key, err)
	}
	return rec, nil
}

// Complete rewrites the record under WATCH so a concurrent expiry or delete
// aborts the write.
func (s *Store) Complete(ctx context.Context, key, resultRef string) error {
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := s.get(ctx, tx, key)
		if err != nil {
			return err
		}
		rec.ResultRef = resultRef
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SetXX(ctx, s.key(key), payload, redis.KeepTTL)
			return nil
		})
		return err
	}, s.key(key))
}

// Delete removes the reservation unless it already holds a result.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := s.get(ctx, tx, key)
		if err != nil {
			return err
		}
		if rec.Completed() {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, s.key(key))
			return nil
		})
		return err
	}, s.key(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// PurgeExpired is a no-op: Redis expires keys itself.
func (s *Store) PurgeExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}
