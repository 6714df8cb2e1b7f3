// Package batch runs one independent unit per customer id and folds the
// outcomes into a partial-failure result.
package batch

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/errors"
)

// DefaultParallelism bounds concurrent units when the caller passes <= 0.
const DefaultParallelism = 8

// Unique trims ids, drops blanks and duplicates, and keeps first-seen order.
func Unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Validate rejects an empty id list or one larger than maxSize (when > 0).
func Validate(ids []string, maxSize int) error {
	if len(ids) == 0 {
		return errors.Required("customerIds")
	}
	if maxSize > 0 && len(ids) > maxSize {
		return errors.Validation("customerIds", "too many ids in one request").
			WithDetails("max", maxSize)
	}
	return nil
}

// Run applies fn to every id with at most parallelism units in flight. A
// unit's failure never stops the others; once ctx ends, units not yet started
// are reported as cancelled. Errors keep the order of ids.
func Run(ctx context.Context, ids []string, parallelism int, fn func(ctx context.Context, id string) error) customer.BatchResult {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	outcomes := make([]error, len(ids))

	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = errors.Cancelled(err)
				return nil
			}
			outcomes[i] = fn(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	result := customer.BatchResult{Errors: []customer.ItemError{}}
	for i, err := range outcomes {
		if err == nil {
			result.Success++
			continue
		}
		result.Failed++
		result.Errors = append(result.Errors, ItemError(ids[i], err))
	}
	return result
}

// ItemError converts err into the client-facing item error.
func ItemError(customerID string, err error) customer.ItemError {
	se := errors.GetServiceError(err)
	if se == nil {
		se = errors.Internal("operation failed", err)
	}
	return customer.ItemError{CustomerID: customerID, Code: string(se.Code), Message: se.Message}
}
