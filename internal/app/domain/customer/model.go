package customer

import "time"

// Contract statuses used by the eviction rule defaults.
const (
	StatusPending  = "待定"
	StatusMatching = "匹配中"
	StatusSigned   = "已签约"
	StatusLost     = "流失客户"
)

// Attributes are the business fields of a lead. They are orthogonal to
// ownership and never change the holder.
type Attributes struct {
	Name            string `json:"name"`
	Phone           string `json:"phone,omitempty"`
	WechatID        string `json:"wechatId,omitempty"`
	LeadSource      string `json:"leadSource"`
	ServiceCategory string `json:"serviceCategory,omitempty"`
	ContractStatus  string `json:"contractStatus"`
	LeadLevel       string `json:"leadLevel"`
	SalaryBudget    int64  `json:"salaryBudget,omitempty"`
	Address         string `json:"address,omitempty"`
	Remarks         string `json:"remarks,omitempty"`
}

// Customer is the ownership record of a lead.
type Customer struct {
	ID         string `json:"id"`
	CustomerNo string `json:"customerNo"`

	Holder        Holder `json:"holder"`
	InitialHolder Holder `json:"initialHolder"`
	// PoolEntryTime and PoolEntryReason are set iff Holder is the pool.
	PoolEntryTime   *time.Time `json:"poolEntryTime,omitempty"`
	PoolEntryReason string     `json:"poolEntryReason,omitempty"`
	ClaimCount      int        `json:"claimCount"`
	Version         int64      `json:"version"`

	Attributes

	CreatedBy      string    `json:"createdBy"`
	LastUpdatedBy  string    `json:"lastUpdatedBy"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// InPool reports whether the customer currently sits in the public pool.
func (c Customer) InPool() bool { return c.Holder.IsPool() }

// TransitionKind labels why a holder changed.
type TransitionKind string

const (
	KindClaim   TransitionKind = "claim"
	KindAssign  TransitionKind = "assign"
	KindRelease TransitionKind = "release"
	KindEvict   TransitionKind = "evict"
)

// CapacityCheck asks the store to verify, within the same atomic unit as the
// holder write, that UserID holds fewer than Limit customers.
type CapacityCheck struct {
	UserID string
	Limit  int
}

// Transition is a compare-and-swap request against one customer row.
type Transition struct {
	CustomerID string
	// ExpectedVersion must equal the stored version for the write to apply.
	ExpectedVersion int64
	// ExpectedHolder, when set, must equal the stored holder as well.
	ExpectedHolder *Holder
	To             Holder
	Kind           TransitionKind
	Actor          string
	Reason         string
	Capacity       *CapacityCheck
	Now            time.Time
}

// NewCustomer is what the store needs to insert a row.
type NewCustomer struct {
	ID         string
	CustomerNo string
	Holder     Holder
	// PoolReason is recorded when Holder is the pool.
	PoolReason string
	Attributes Attributes
	CreatedBy  string
	Capacity   *CapacityCheck
	Now        time.Time
}

// Filter narrows customer listings. Zero values mean "no constraint".
type Filter struct {
	HolderKind       HolderKind
	HolderUserID     string
	LeadSource       string
	ServiceCategory  string
	LeadLevel        string
	ContractStatuses []string
	MinBudget        *int64
	MaxBudget        *int64
	Search           string
	Page             int
	Limit            int
}

// Normalize applies paging defaults (page 1, 10 per page, at most 100).
func (f Filter) Normalize() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = 10
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	return f
}

// Offset returns the row offset of the current page.
func (f Filter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// Page is one page of a customer listing.
type Page struct {
	Customers  []Customer `json:"customers"`
	Total      int        `json:"total"`
	Page       int        `json:"page"`
	Limit      int        `json:"limit"`
	TotalPages int        `json:"totalPages"`
}

// InactiveQuery selects held customers eligible for eviction or transfer.
type InactiveQuery struct {
	InactiveSince    time.Time
	ContractStatuses []string
	LeadSources      []string
	// HolderIDs restricts the query to customers held by these users.
	HolderIDs []string
	Limit     int
}
