package kafka

import (
	"fmt"
	"time"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в заданный Kafka topic.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicRentalEvents
	}
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NewDLQPublisher создаёт паблишер в Dead Letter Queue.
func NewDLQPublisher(producer *Producer) *OutboxTopicPublisher {
	return NewOutboxPublisher(producer, TopicDeadLetterQueue)
}

// Topic возвращает целевой topic.
func (p *OutboxTopicPublisher) Topic() string {
	return p.topic
}

// Publish публикует событие; ключ партиционирования — идентификатор аренды,
// чтобы события одной аренды шли по порядку.
func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("%w: kafka outbox publisher is not initialized", domain.ErrOutboxPublish)
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	envelope := NewEnvelope(event, p.now())
	if err := p.producer.PublishEvent(p.topic, key, envelope, envelope.Headers()); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrOutboxPublish, err)
	}
	return nil
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
