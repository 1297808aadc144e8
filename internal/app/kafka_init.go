package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
	"github.com/luonghoangminh88-hub/smsflex/internal/messaging/kafka"
	"github.com/luonghoangminh88-hub/smsflex/internal/messaging/rabbitmq"
)

// outboxPublishers — паблишеры outbox-воркера и функция их закрытия.
type outboxPublishers struct {
	broker  string
	primary domain.OutboxPublisher
	dlq     domain.OutboxPublisher
	closeFn func()
}

// initOutboxPublishers выбирает брокер по конфигурации.
// Возвращает nil, nil, если брокер не настроен: события остаются в outbox до его появления.
func initOutboxPublishers(cfg Config, logger *log.Entry) (*outboxPublishers, error) {
	switch {
	case cfg.KafkaBrokers != "":
		producer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			return nil, err
		}
		return &outboxPublishers{
			broker:  "kafka",
			primary: kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
			dlq:     kafka.NewDLQPublisher(producer),
			closeFn: func() { closeKafka(producer, logger) },
		}, nil

	case cfg.RabbitMQURL != "":
		publisher, err := rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger.WithField("component", "rabbitmq-publisher"))
		if err != nil {
			return nil, err
		}
		logger.WithField("exchange", cfg.RabbitMQExchange).Info("rabbitmq publisher initialized")
		// DLQ-события уходят в тот же exchange с суффиксом .dlq в ключе маршрутизации.
		return &outboxPublishers{
			broker:  "rabbitmq",
			primary: publisher,
			dlq:     publisher,
			closeFn: func() {
				if err := publisher.Close(); err != nil {
					logger.WithError(err).Warn("failed to close rabbitmq publisher")
				}
			},
		}, nil

	default:
		logger.Warn("no outbox broker configured, events stay pending in outbox")
		return nil, nil
	}
}

// initKafkaProducer инициализирует Kafka producer если brokers не пустой.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	if brokers == "" {
		return nil, nil
	}

	brokerList := splitList(brokers)
	producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: brokerList, ClientID: "smsflex"}, logger.WithField("component", "kafka-producer"))
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

func (p *outboxPublishers) close() {
	if p != nil && p.closeFn != nil {
		p.closeFn()
	}
}
