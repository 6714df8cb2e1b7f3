// Package notify emits ownership events after committed transitions. Delivery
// failures are logged by callers and never undo a transition.
package notify

import (
	"context"
	"time"

	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/logging"
)

// EventType is the routing key of an event.
type EventType string

const (
	CustomerClaimed  EventType = "customer.claimed.v1"
	CustomerAssigned EventType = "customer.assigned.v1"
	CustomerReleased EventType = "customer.released.v1"
)

// TypeFor maps a transition kind to its event type.
func TypeFor(kind customer.TransitionKind) EventType {
	switch kind {
	case customer.KindClaim:
		return CustomerClaimed
	case customer.KindAssign:
		return CustomerAssigned
	default:
		return CustomerReleased
	}
}

// Event describes a committed holder change.
type Event struct {
	Type       EventType               `json:"type"`
	CustomerID string                  `json:"customerId"`
	CustomerNo string                  `json:"customerNo,omitempty"`
	Kind       customer.TransitionKind `json:"kind"`
	From       customer.Holder         `json:"fromHolder"`
	To         customer.Holder         `json:"toHolder"`
	Actor      string                  `json:"actor"`
	Reason     string                  `json:"reason,omitempty"`
	OccurredAt time.Time               `json:"occurredAt"`
}

// NewEvent builds the event for a transition from -> c.Holder.
func NewEvent(kind customer.TransitionKind, from customer.Holder, c customer.Customer, actor, reason string) Event {
	return Event{
		Type:       TypeFor(kind),
		CustomerID: c.ID,
		CustomerNo: c.CustomerNo,
		Kind:       kind,
		From:       from,
		To:         c.Holder,
		Actor:      actor,
		Reason:     reason,
		OccurredAt: c.UpdatedAt,
	}
}

// Dispatcher delivers events to an external channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Dispatch(context.Context, Event) error { return nil }

// LogDispatcher writes events to the structured log.
type LogDispatcher struct {
	log *logging.Logger
}

// NewLogDispatcher returns a dispatcher that only logs.
func NewLogDispatcher(log *logging.Logger) *LogDispatcher {
	if log == nil {
		log = logging.NewDefault("notify")
	}
	return &LogDispatcher{log: log}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, ev Event) error {
	d.log.WithContext(ctx).
		WithField("event", string(ev.Type)).
		WithField("customer_id", ev.CustomerID).
		WithField("to", ev.To.String()).
		Info("ownership event")
	return nil
}

// Send dispatches ev and logs a failure instead of returning it.
func Send(ctx context.Context, d Dispatcher, log *logging.Logger, ev Event) {
	if d == nil {
		return
	}
	if err := d.Dispatch(ctx, ev); err != nil && log != nil {
		log.WithContext(ctx).
			WithError(err).
			WithField("event", string(ev.Type)).
			WithField("customer_id", ev.CustomerID).
			Warn("event dispatch failed")
	}
}
