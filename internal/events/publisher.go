package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher fans domain events out to external subscribers over a durable
// topic exchange. It is best-effort: a publish failure is logged and
// swallowed, never returned to the caller that just durably appended the
// event to Log.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close()
}

// AMQPPublisher publishes to a topic exchange with routing key equal to the
// event's dotted type name, so subscribers can bind on category prefixes
// (e.g. "payment.#") or exact types.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewAMQPPublisher dials amqpURL and declares exchange as a durable topic
// exchange up front, so the first Publish call doesn't pay the declare cost.
func NewAMQPPublisher(amqpURL, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &AMQPPublisher{conn: conn, channel: ch, exchange: exchange, logger: logger}, nil
}

// Publish sends e with routing key e.Type. On the first failure it attempts
// one channel reopen and retry, the same recovery shape used for every
// other AMQP publish in this codebase.
func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("marshal event for publish failed", "event_type", e.Type, "error", err)
		return err
	}

	routingKey := string(e.Type)
	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   e.OccurredAt,
		MessageId:   e.ID.String(),
		Body:        body,
	})
	if err == nil {
		return nil
	}

	p.logger.Warn("event publish failed; reopening channel", "routing_key", routingKey, "error", err)
	if p.conn == nil {
		return err
	}
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return err
	}
	p.channel = ch
	if exErr := p.channel.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); exErr != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   e.OccurredAt,
		MessageId:   e.ID.String(),
		Body:        body,
	})
}

func (p *AMQPPublisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// FallbackPublisher is used when RabbitMQ is unreachable at startup. Events
// still land durably in Log; this only means external subscribers won't
// see them fan out until the exchange comes back and a replay is run.
type FallbackPublisher struct {
	logger *slog.Logger
}

func NewFallbackPublisher(logger *slog.Logger) *FallbackPublisher {
	return &FallbackPublisher{logger: logger}
}

func (p *FallbackPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.Warn("event publish skipped; no broker connection", "event_type", e.Type, "event_id", e.ID)
	return nil
}

func (p *FallbackPublisher) Close() {}
