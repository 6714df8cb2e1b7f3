package pool

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/crm_service/internal/app/auth"
	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/app/metrics"
	"github.com/R3E-Network/crm_service/internal/app/storage"
	"github.com/R3E-Network/crm_service/internal/app/system"
	"github.com/R3E-Network/crm_service/internal/logging"
)

// SweepConfig is the inactivity eviction rule.
type SweepConfig struct {
	Schedule         string
	InactiveHours    int
	ContractStatuses []string
	// LeadSources restricts eviction to these sources when non-empty.
	LeadSources []string
	// WindowStart and WindowEnd ("HH:MM") bound when scheduled sweeps run.
	// Equal values disable the window.
	WindowStart string
	WindowEnd   string
	BatchLimit  int
	Location    *time.Location
	// Rules run before eviction and hand their customers to other users.
	Rules []TransferRule
}

// DefaultSweepConfig mirrors the lead auto-transfer defaults.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Schedule:         "@hourly",
		InactiveHours:    48,
		ContractStatuses: []string{customer.StatusPending, customer.StatusMatching},
		WindowStart:      "09:30",
		WindowEnd:        "18:30",
		BatchLimit:       500,
		Location:         time.Local,
	}
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Scanned int `json:"scanned"`
	Evicted int `json:"evicted"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`

	Transferred int          `json:"transferred"`
	Rules       []RuleReport `json:"rules,omitempty"`
}

// Sweeper evicts inactive held customers on a cron schedule.
type Sweeper struct {
	pool  *Service
	store storage.CustomerStore
	cfg   SweepConfig
	log   *logging.Logger
	now   func() time.Time

	transfers Transferrer
	ledger    *ledger
	random    func() float64
	schedule  cron.Schedule

	windowStart int
	windowEnd   int

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
	sweep   sync.Mutex
}

var _ system.Service = (*Sweeper)(nil)

// NewSweeper validates cfg and builds a sweeper. Zero fields take defaults.
func NewSweeper(pool *Service, store storage.CustomerStore, cfg SweepConfig, log *logging.Logger) (*Sweeper, error) {
	def := DefaultSweepConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.InactiveHours <= 0 {
		cfg.InactiveHours = def.InactiveHours
	}
	if cfg.ContractStatuses == nil {
		cfg.ContractStatuses = def.ContractStatuses
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = def.BatchLimit
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", cfg.Schedule, err)
	}
	names := make(map[string]bool, len(cfg.Rules))
	for _, r := range cfg.Rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if names[r.Name] {
			return nil, fmt.Errorf("transfer rule %s defined twice", r.Name)
		}
		names[r.Name] = true
	}
	start, err := parseClock(cfg.WindowStart)
	if err != nil {
		return nil, fmt.Errorf("sweep window start: %w", err)
	}
	end, err := parseClock(cfg.WindowEnd)
	if err != nil {
		return nil, fmt.Errorf("sweep window end: %w", err)
	}
	if log == nil {
		log = logging.NewDefault("pool-sweeper")
	}
	return &Sweeper{
		pool:        pool,
		store:       store,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
		ledger:      newLedger(cfg.Rules),
		random:      rand.Float64,
		schedule:    schedule,
		windowStart: start,
		windowEnd:   end,
	}, nil
}

// WithTransferrer sets the service that commits rule transfers.
func (s *Sweeper) WithTransferrer(t Transferrer) *Sweeper {
	s.transfers = t
	return s
}

// Rules returns the configured transfer rules.
func (s *Sweeper) Rules() []TransferRule { return s.cfg.Rules }

func (s *Sweeper) Name() string { return "pool-sweeper" }

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(s.log))),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.scheduled(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.running = true
	s.log.WithField("schedule", s.cfg.Schedule).
		WithField("inactive_hours", s.cfg.InactiveHours).
		Info("pool sweeper started")
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c, cancel := s.cron, s.cancel
	s.running = false
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	cancel()
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("pool sweeper stopped")
	return nil
}

func (s *Sweeper) scheduled(ctx context.Context) {
	if !s.InWindow(s.now()) {
		s.log.Debug("outside sweep window; skipping")
		return
	}
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.WithError(err).Warn("pool sweep failed")
	}
}

// InWindow reports whether t falls inside the execution window.
func (s *Sweeper) InWindow(t time.Time) bool {
	if s.windowStart == s.windowEnd {
		return true
	}
	t = t.In(s.cfg.Location)
	minute := t.Hour()*60 + t.Minute()
	if s.windowStart < s.windowEnd {
		return minute >= s.windowStart && minute < s.windowEnd
	}
	return minute >= s.windowStart || minute < s.windowEnd
}

// Reason is the reason recorded on evicted customers.
func (s *Sweeper) Reason() string {
	return fmt.Sprintf("auto-evict: inactive %dh", s.cfg.InactiveHours)
}

// RunOnce performs one sweep regardless of the window. Sweeps never overlap.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	s.sweep.Lock()
	defer s.sweep.Unlock()
	if len(s.cfg.Rules) > 0 && s.transfers == nil {
		return SweepReport{}, fmt.Errorf("transfer rules configured without a transferrer")
	}
	ctx = auth.AsSystem(ctx)

	started := time.Now()
	var report SweepReport
	for _, rule := range s.cfg.Rules {
		if ctx.Err() != nil {
			break
		}
		rr := s.runRule(ctx, rule)
		report.Transferred += rr.Transferred
		report.Rules = append(report.Rules, rr)
	}

	candidates, err := s.store.ListInactiveHeld(ctx, customer.InactiveQuery{
		InactiveSince:    s.now().Add(-time.Duration(s.cfg.InactiveHours) * time.Hour),
		ContractStatuses: s.cfg.ContractStatuses,
		LeadSources:      s.cfg.LeadSources,
		Limit:            s.cfg.BatchLimit,
	})
	if err != nil {
		metrics.RecordSweep(0, time.Since(started), false)
		return report, fmt.Errorf("list eviction candidates: %w", err)
	}

	reason := s.Reason()
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++
		evicted, err := s.pool.Evict(ctx, c, reason)
		switch {
		case err != nil:
			report.Failed++
			s.log.WithError(err).WithField("customer_id", c.ID).Warn("eviction failed")
		case evicted:
			report.Evicted++
		default:
			report.Skipped++
		}
	}

	metrics.RecordSweep(report.Evicted, time.Since(started), report.Failed == 0)
	s.log.WithField("scanned", report.Scanned).
		WithField("transferred", report.Transferred).
		WithField("evicted", report.Evicted).
		WithField("skipped", report.Skipped).
		WithField("failed", report.Failed).
		Info("pool sweep finished")
	return report, ctx.Err()
}

// parseClock turns "HH:MM" into minutes after midnight. Empty is 0.
func parseClock(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	hh, mm, ok := strings.Cut(v, ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q", v)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", v)
	}
	return h*60 + m, nil
}
