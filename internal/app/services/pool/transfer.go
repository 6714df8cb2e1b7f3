package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
)

// QuotaRole says whether a rule participant gives away customers, receives
// them, or both.
type QuotaRole string

const (
	QuotaSource QuotaRole = "source"
	QuotaTarget QuotaRole = "target"
	QuotaBoth   QuotaRole = "both"
)

func (r QuotaRole) sends() bool    { return r == QuotaSource || r == QuotaBoth }
func (r QuotaRole) receives() bool { return r == QuotaTarget || r == QuotaBoth }

// UserQuota is one participant of a transfer rule.
type UserQuota struct {
	UserID string
	Role   QuotaRole
}

// TransferRule moves inactive customers of its source users to its target
// users instead of the pool. Zero InactiveHours and nil ContractStatuses
// take the sweep's values.
type TransferRule struct {
	Name             string
	InactiveHours    int
	ContractStatuses []string
	LeadSources      []string
	Users            []UserQuota
	// EnableCompensation raises the selection weight of users who have
	// given away more customers than they received.
	EnableCompensation bool
	// CompensationPriority (1-10) scales that boost per owed customer.
	CompensationPriority int
}

// TransferReason is the assignment reason recorded for rule name.
func TransferReason(name string) string {
	return "自动流转-规则: " + name
}

func (r TransferRule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("transfer rule name is required")
	}
	var sources, targets int
	seen := make(map[string]bool, len(r.Users))
	for _, u := range r.Users {
		if u.UserID == "" {
			return fmt.Errorf("rule %s: user id is required", r.Name)
		}
		if seen[u.UserID] {
			return fmt.Errorf("rule %s: user %s listed twice", r.Name, u.UserID)
		}
		seen[u.UserID] = true
		switch u.Role {
		case QuotaSource, QuotaTarget, QuotaBoth:
		default:
			return fmt.Errorf("rule %s: unknown role %q for %s", r.Name, u.Role, u.UserID)
		}
		if u.Role.sends() {
			sources++
		}
		if u.Role.receives() {
			targets++
		}
	}
	if sources == 0 || targets == 0 {
		return fmt.Errorf("rule %s: needs at least one source and one target user", r.Name)
	}
	if r.EnableCompensation && (r.CompensationPriority < 1 || r.CompensationPriority > 10) {
		return fmt.Errorf("rule %s: compensation priority must be between 1 and 10", r.Name)
	}
	return nil
}

func (r TransferRule) sources() []string {
	var out []string
	for _, u := range r.Users {
		if u.Role.sends() {
			out = append(out, u.UserID)
		}
	}
	return out
}

// Transferrer commits one rule-driven reassignment. It reports false when
// the customer changed after it was selected.
type Transferrer interface {
	AutoTransfer(ctx context.Context, c customer.Customer, target, reason string) (bool, error)
}

// UserBalance is the transfer bookkeeping of one rule participant.
// Balance is TransferredOut minus TransferredIn; positive means the user is
// owed customers.
type UserBalance struct {
	UserID         string    `json:"userId"`
	Role           QuotaRole `json:"role"`
	TransferredOut int       `json:"transferredOut"`
	TransferredIn  int       `json:"transferredIn"`
	Balance        int       `json:"balance"`
}

// RuleReport summarises one rule within a sweep.
type RuleReport struct {
	Rule        string        `json:"rule"`
	Scanned     int           `json:"scanned"`
	Transferred int           `json:"transferred"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Balances    []UserBalance `json:"balances"`
}

// ledger keeps per-rule balances for the life of the process.
type ledger struct {
	mu    sync.Mutex
	rules map[string][]UserBalance
}

func newLedger(rules []TransferRule) *ledger {
	l := &ledger{rules: make(map[string][]UserBalance, len(rules))}
	for _, r := range rules {
		rows := make([]UserBalance, 0, len(r.Users))
		for _, u := range r.Users {
			rows = append(rows, UserBalance{UserID: u.UserID, Role: u.Role})
		}
		l.rules[r.Name] = rows
	}
	return l
}

func (l *ledger) snapshot(rule string) []UserBalance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]UserBalance(nil), l.rules[rule]...)
}

func (l *ledger) record(rule, source, target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	applyTransfer(l.rules[rule], source, target)
}

func applyTransfer(rows []UserBalance, source, target string) {
	for i := range rows {
		switch rows[i].UserID {
		case source:
			rows[i].TransferredOut++
		case target:
			rows[i].TransferredIn++
		default:
			continue
		}
		rows[i].Balance = rows[i].TransferredOut - rows[i].TransferredIn
	}
}

type weighted struct {
	userID string
	weight float64
}

// targetWeights lists the receivers that may take a customer from source.
// Every receiver weighs 1; with compensation an owed user gains
// balance*priority on top.
func targetWeights(rule TransferRule, balances []UserBalance, source string) []weighted {
	out := make([]weighted, 0, len(balances))
	for _, b := range balances {
		if !b.Role.receives() || b.UserID == source {
			continue
		}
		w := 1.0
		if rule.EnableCompensation && b.Balance > 0 {
			w += float64(b.Balance * rule.CompensationPriority)
		}
		out = append(out, weighted{userID: b.UserID, weight: w})
	}
	return out
}

// pickWeighted chooses a candidate given r in [0, 1).
func pickWeighted(cands []weighted, r float64) string {
	if len(cands) == 0 {
		return ""
	}
	var total float64
	for _, c := range cands {
		total += c.weight
	}
	point := r * total
	for _, c := range cands {
		point -= c.weight
		if point < 0 {
			return c.userID
		}
	}
	return cands[len(cands)-1].userID
}

func (s *Sweeper) ruleCandidates(ctx context.Context, rule TransferRule) ([]customer.Customer, error) {
	hours := rule.InactiveHours
	if hours <= 0 {
		hours = s.cfg.InactiveHours
	}
	statuses := rule.ContractStatuses
	if statuses == nil {
		statuses = s.cfg.ContractStatuses
	}
	return s.store.ListInactiveHeld(ctx, customer.InactiveQuery{
		InactiveSince:    s.now().Add(-time.Duration(hours) * time.Hour),
		ContractStatuses: statuses,
		LeadSources:      rule.LeadSources,
		HolderIDs:        rule.sources(),
		Limit:            s.cfg.BatchLimit,
	})
}

func (s *Sweeper) runRule(ctx context.Context, rule TransferRule) RuleReport {
	report := RuleReport{Rule: rule.Name}
	log := s.log.WithField("rule", rule.Name)

	candidates, err := s.ruleCandidates(ctx, rule)
	if err != nil {
		log.WithError(err).Warn("list transfer candidates failed")
		report.Failed++
		report.Balances = s.ledger.snapshot(rule.Name)
		return report
	}
	reason := TransferReason(rule.Name)
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++
		source := c.Holder.UserID
		target := pickWeighted(targetWeights(rule, s.ledger.snapshot(rule.Name), source), s.random())
		if target == "" {
			report.Skipped++
			continue
		}
		moved, err := s.transfers.AutoTransfer(ctx, c, target, reason)
		switch {
		case err != nil:
			report.Failed++
			log.WithError(err).WithField("customer_id", c.ID).Warn("transfer failed")
		case moved:
			s.ledger.record(rule.Name, source, target)
			report.Transferred++
		default:
			report.Skipped++
		}
	}

	report.Balances = s.ledger.snapshot(rule.Name)
	for _, b := range report.Balances {
		log.WithField("user_id", b.UserID).
			WithField("out", b.TransferredOut).
			WithField("in", b.TransferredIn).
			WithField("balance", b.Balance).
			Info("transfer balance")
	}
	return report
}

// PredictedBalance is a participant's expected movement in the next run.
type PredictedBalance struct {
	UserBalance
	EstimatedOut     int `json:"estimatedOut"`
	EstimatedIn      int `json:"estimatedIn"`
	EstimatedBalance int `json:"estimatedBalance"`
}

// TransferPreview forecasts the next run of one rule.
type TransferPreview struct {
	Rule    string             `json:"rule"`
	NextRun time.Time          `json:"nextRun"`
	Pending int                `json:"pending"`
	Users   []PredictedBalance `json:"users"`
}

// Preview plans the next run of every rule without moving anything. The
// plan draws targets the same way a run does, so it is an estimate.
func (s *Sweeper) Preview(ctx context.Context) ([]TransferPreview, error) {
	next := s.NextRun(s.now())
	out := make([]TransferPreview, 0, len(s.cfg.Rules))
	for _, rule := range s.cfg.Rules {
		candidates, err := s.ruleCandidates(ctx, rule)
		if err != nil {
			return nil, fmt.Errorf("preview rule %s: %w", rule.Name, err)
		}
		current := s.ledger.snapshot(rule.Name)
		planned := append([]UserBalance(nil), current...)
		for _, c := range candidates {
			target := pickWeighted(targetWeights(rule, planned, c.Holder.UserID), s.random())
			if target != "" {
				applyTransfer(planned, c.Holder.UserID, target)
			}
		}
		users := make([]PredictedBalance, len(current))
		for i := range current {
			users[i] = PredictedBalance{
				UserBalance:      current[i],
				EstimatedOut:     planned[i].TransferredOut - current[i].TransferredOut,
				EstimatedIn:      planned[i].TransferredIn - current[i].TransferredIn,
				EstimatedBalance: planned[i].Balance,
			}
		}
		out = append(out, TransferPreview{Rule: rule.Name, NextRun: next, Pending: len(candidates), Users: users})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rule < out[j].Rule })
	return out, nil
}

// NextRun returns the first scheduled time after t that falls inside the
// execution window.
func (s *Sweeper) NextRun(t time.Time) time.Time {
	next := s.schedule.Next(t.In(s.cfg.Location))
	for i := 0; i < 10000 && !s.InWindow(next); i++ {
		next = s.schedule.Next(next)
	}
	return next
}
