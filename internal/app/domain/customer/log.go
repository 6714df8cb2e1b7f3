package customer

import "time"

// AssignmentLogEntry records one holder change. Entries of a customer form a
// chain: each From equals the previous To, the first From equals the
// customer's InitialHolder.
type AssignmentLogEntry struct {
	ID         string         `json:"id"`
	CustomerID string         `json:"customerId"`
	Seq        int64          `json:"seq"`
	From       Holder         `json:"fromHolder"`
	To         Holder         `json:"toHolder"`
	Actor      string         `json:"actor"`
	Reason     string         `json:"reason,omitempty"`
	Kind       TransitionKind `json:"kind"`
	Timestamp  time.Time      `json:"timestamp"`
}

// PoolEvent is a pool membership change.
type PoolEvent string

const (
	PoolEnter PoolEvent = "enter"
	PoolExit  PoolEvent = "exit"
)

// PoolLogEntry records a customer entering or leaving the public pool.
type PoolLogEntry struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customerId"`
	Seq        int64     `json:"seq"`
	Event      PoolEvent `json:"event"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor"`
	Timestamp  time.Time `json:"timestamp"`
}

// NextTimestamp returns now, or one microsecond after last when the clock
// has not advanced, so per-customer log timestamps strictly increase.
func NextTimestamp(last, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !last.IsZero() && !now.After(last) {
		return last.Add(time.Microsecond)
	}
	return now
}

// PoolStats aggregates the live public pool.
type PoolStats struct {
	Total             int            `json:"total"`
	ByLeadSource      map[string]int `json:"byLeadSource"`
	ByServiceCategory map[string]int `json:"byServiceCategory"`
	ByLeadLevel       map[string]int `json:"byLeadLevel"`
	ByContractStatus  map[string]int `json:"byContractStatus"`
	EnteredToday      int            `json:"enteredToday"`
	ClaimedToday      int            `json:"claimedToday"`
}
