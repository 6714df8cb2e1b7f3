package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/R3E-Network/crm_service/internal/logging"
)

// Meta is the envelope header shared with other event producers.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Producer      *string   `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
}

// Envelope wraps an event payload.
type Envelope struct {
	Meta Meta  `json:"meta"`
	Data Event `json:"data"`
}

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes events to a topic exchange, one channel per publish.
type AMQPPublisher struct {
	conn     *amqp.Connection
	open     func() (channel, error)
	exchange string
	producer string
	log      *logging.Logger
}

var _ Dispatcher = (*AMQPPublisher)(nil)

// NewAMQPPublisher dials url and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string, log *logging.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	p := newAMQPPublisher(func() (channel, error) { return conn.Channel() }, exchange, log)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(open func() (channel, error), exchange string, log *logging.Logger) *AMQPPublisher {
	if log == nil {
		log = logging.NewDefault("notify")
	}
	return &AMQPPublisher{open: open, exchange: exchange, producer: "crm-service", log: log}
}

func (p *AMQPPublisher) Dispatch(ctx context.Context, ev Event) error {
	env := Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     string(ev.Type),
			Producer: &p.producer,
			Time:     time.Now().UTC(),
		},
		Data: ev,
	}
	if traceID := logging.GetTraceID(ctx); traceID != "" {
		env.Meta.CorrelationID = &traceID
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	ch, err := p.open()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	correlation := env.Meta.ID
	if env.Meta.CorrelationID != nil {
		correlation = *env.Meta.CorrelationID
	}
	err = ch.PublishWithContext(ctx, p.exchange, string(ev.Type), false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: correlation,
		Timestamp:     env.Meta.Time,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	p.log.WithField("key", string(ev.Type)).WithField("exchange", p.exchange).Debug("published")
	return nil
}

// Close closes the underlying connection.
func (p *AMQPPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
