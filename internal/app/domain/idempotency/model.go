package idempotency

import "time"

// DefaultTTL bounds how long a key stays reserved.
const DefaultTTL = 24 * time.Hour

// Record maps a client-supplied key to the result it first produced.
// ResultRef is empty while the original request is still in flight.
type Record struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	ResultRef   string    `json:"resultRef,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the record no longer reserves its key at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Completed reports whether the original request has stored its result.
func (r Record) Completed() bool { return r.ResultRef != "" }
