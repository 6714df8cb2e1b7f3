package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/crm_service/internal/app/storage"
	"github.com/R3E-Network/crm_service/internal/app/system"
	"github.com/R3E-Network/crm_service/internal/logging"
)

// DefaultPurgeSchedule is how often expired records are removed.
const DefaultPurgeSchedule = "@every 1h"

// Purger periodically deletes expired idempotency records.
type Purger struct {
	store    storage.IdempotencyStore
	schedule string
	log      *logging.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

var _ system.Service = (*Purger)(nil)

// NewPurger validates schedule; empty uses DefaultPurgeSchedule.
func NewPurger(store storage.IdempotencyStore, schedule string, log *logging.Logger) (*Purger, error) {
	if schedule == "" {
		schedule = DefaultPurgeSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("purge schedule %q: %w", schedule, err)
	}
	if log == nil {
		log = logging.NewDefault("idempotency-purger")
	}
	return &Purger{store: store, schedule: schedule, log: log, now: time.Now}, nil
}

func (p *Purger) Name() string { return "idempotency-purger" }

func (p *Purger) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(p.log))))
	if _, err := c.AddFunc(p.schedule, func() { _, _ = p.PurgeOnce(context.Background()) }); err != nil {
		return fmt.Errorf("schedule purge: %w", err)
	}
	c.Start()
	p.cron = c
	return nil
}

func (p *Purger) Stop(ctx context.Context) error {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PurgeOnce removes every record expired at the current time.
func (p *Purger) PurgeOnce(ctx context.Context) (int, error) {
	n, err := p.store.PurgeExpired(ctx, p.now().UTC())
	if err != nil {
		p.log.WithError(err).Warn("purge idempotency records failed")
		return 0, err
	}
	if n > 0 {
		p.log.WithField("removed", n).Info("purged expired idempotency records")
	}
	return n, nil
}
