// Package rabbitmq публикует события outbox в topic exchange RabbitMQ.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

// DefaultExchange — exchange для событий аренды.
const DefaultExchange = "smsflex.rental.events"

// DefaultPublishTimeout ограничивает одну публикацию.
const DefaultPublishTimeout = 5 * time.Second

// Channel — часть amqp091.Channel, которой пользуется паблишер.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher реализует domain.OutboxPublisher поверх RabbitMQ.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  Channel
	reopen   func() (Channel, error)
	exchange string
	declared bool
	timeout  time.Duration
	logger   *log.Entry
	now      func() time.Time
}

// Dial подключается к брокеру и открывает канал.
func Dial(amqpURL, exchange string, logger *log.Entry) (*Publisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	p := NewPublisher(ch, exchange, logger)
	p.conn = conn
	p.reopen = func() (Channel, error) { return conn.Channel() }
	return p, nil
}

// NewPublisher оборачивает открытый канал.
func NewPublisher(channel Channel, exchange string, logger *log.Entry) *Publisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = log.WithField("component", "rabbitmq-publisher")
	}
	return &Publisher{
		channel:  channel,
		exchange: exchange,
		timeout:  DefaultPublishTimeout,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RoutingKey строит ключ маршрутизации: rental.rentalcreated.
func RoutingKey(msg domain.OutboxMessage) string {
	aggregate := msg.AggregateType
	if aggregate == "" {
		aggregate = "event"
	}
	return strings.ToLower(aggregate + "." + msg.EventType)
}

// Publish отправляет событие; при ошибке канал переоткрывается один раз.
func (p *Publisher) Publish(event domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil {
		return fmt.Errorf("%w: rabbitmq publisher is not initialized", domain.ErrOutboxPublish)
	}

	err := p.publish(event)
	if err == nil {
		return nil
	}
	if p.reopen == nil {
		return fmt.Errorf("%w: %v", domain.ErrOutboxPublish, err)
	}

	p.logger.WithError(err).WithField("event_type", event.EventType).Warn("publish failed, reopening channel")
	ch, chErr := p.reopen()
	if chErr != nil {
		return fmt.Errorf("%w: reopen channel: %v", domain.ErrOutboxPublish, chErr)
	}
	_ = p.channel.Close()
	p.channel = ch
	p.declared = false

	if err := p.publish(event); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrOutboxPublish, err)
	}
	return nil
}

func (p *Publisher) publish(event domain.OutboxMessage) error {
	if !p.declared {
		if err := p.channel.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
		}
		p.declared = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	body := event.Payload
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	return p.channel.PublishWithContext(ctx, p.exchange, RoutingKey(event), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    event.ID,
		Type:         event.EventType,
		Timestamp:    p.now(),
		Headers: amqp091.Table{
			"aggregate_type": event.AggregateType,
			"aggregate_id":   event.AggregateID,
		},
		Body: body,
	})
}

// Close закрывает канал и соединение.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("parse amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url must start with amqp:// or amqps://")
	}
	return clean, nil
}

var _ domain.OutboxPublisher = (*Publisher)(nil)
