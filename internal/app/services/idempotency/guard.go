// Package idempotency maps client-supplied keys to the result of the first
// request that used them.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	domain "github.com/R3E-Network/crm_service/internal/app/domain/idempotency"
	"github.com/R3E-Network/crm_service/internal/app/storage"
	"github.com/R3E-Network/crm_service/internal/errors"
	"github.com/R3E-Network/crm_service/internal/logging"
)

// MaxKeyLength bounds client keys.
const MaxKeyLength = 200

// Outcome is the result of Begin. When IsNew is false, ResultRef names the
// result the first request produced.
type Outcome struct {
	IsNew     bool
	ResultRef string
}

// Guard reserves keys atomically in an IdempotencyStore.
type Guard struct {
	store storage.IdempotencyStore
	ttl   time.Duration
	now   func() time.Time
	log   *logging.Logger
}

// New constructs a guard. ttl <= 0 uses 24h.
func New(store storage.IdempotencyStore, ttl time.Duration, log *logging.Logger) *Guard {
	if ttl <= 0 {
		ttl = domain.DefaultTTL
	}
	if log == nil {
		log = logging.NewDefault("idempotency")
	}
	return &Guard{store: store, ttl: ttl, now: time.Now, log: log}
}

// Begin reserves key for a request with the given fingerprint. A reused key
// with a different fingerprint is an IdempotencyConflict; a reused key whose
// first request has not finished is IdempotencyInFlight.
func (g *Guard) Begin(ctx context.Context, key, fingerprint string) (Outcome, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Outcome{}, errors.Required("Idempotency-Key")
	}
	if len(key) > MaxKeyLength {
		return Outcome{}, errors.Validation("Idempotency-Key", fmt.Sprintf("must be at most %d characters", MaxKeyLength))
	}

	now := g.now().UTC()
	existing, created, err := g.store.Reserve(ctx, domain.Record{
		Key:         key,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if created {
		return Outcome{IsNew: true}, nil
	}
	if existing.Fingerprint != fingerprint {
		g.log.WithContext(ctx).WithField("idempotency_key", key).Warn("idempotency key reused with a different payload")
		return Outcome{}, errors.IdempotencyConflict(key)
	}
	if !existing.Completed() {
		return Outcome{}, errors.IdempotencyInFlight(key)
	}
	return Outcome{IsNew: false, ResultRef: existing.ResultRef}, nil
}

// Complete records the result of the request that reserved key.
func (g *Guard) Complete(ctx context.Context, key, resultRef string) error {
	if err := g.store.Complete(ctx, strings.TrimSpace(key), resultRef); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Abandon frees a reservation whose request failed, so a retry can run.
func (g *Guard) Abandon(ctx context.Context, key string) {
	if err := g.store.Delete(ctx, strings.TrimSpace(key)); err != nil {
		g.log.WithContext(ctx).WithError(err).WithField("idempotency_key", key).Warn("abandon idempotency key failed")
	}
}

// Fingerprint hashes the JSON encoding of v. Map keys are encoded sorted, so
// equal payloads hash equally.
func Fingerprint(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint payload: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
