package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
	"github.com/luonghoangminh88-hub/smsflex/internal/messaging/kafka"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/outbox"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	brokersEnv         = "SMSFLEX_KAFKA_BROKERS"
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	eventPrefix string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// dlqPayload — тело, которое outbox-воркер кладёт в DLQ после исчерпания попыток.
type dlqPayload struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

// replayDependencies — всё, что нужно для чтения DLQ и повторной публикации.
type replayDependencies struct {
	client    offsetClient
	consumer  partitionConsumerSource
	publisher domain.OutboxPublisher
	closeFn   func()
}

var newReplayDependencies = func(cfg config) (*replayDependencies, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = "smsflex-dlq-reprocess"
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	consumer := saramaConsumerAdapter{consumer: rawConsumer}
	deps := &replayDependencies{
		client:   client,
		consumer: consumer,
		closeFn: func() {
			_ = consumer.Close()
			_ = client.Close()
		},
	}
	if !cfg.execute {
		return deps, nil
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.brokers, ClientID: "smsflex-dlq-reprocess"}, log.WithField("component", "kafka-producer"))
	if err != nil {
		deps.closeFn()
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	deps.publisher = kafka.NewOutboxPublisher(producer, cfg.targetTopic)
	closeReaders := deps.closeFn
	deps.closeFn = func() {
		_ = producer.Close()
		closeReaders()
	}
	return deps, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig(os.Args[1:])
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readConfig(args []string) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	flags := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	flags.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+brokersEnv+")")
	flags.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	flags.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicRentalEvents, "target topic for replay")
	flags.StringVar(&cfg.eventPrefix, "event-prefix", "", "replay only events whose original type has this prefix")
	flags.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan/replay")
	flags.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	flags.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	flags.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := flags.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv(brokersEnv)
	}

	cfg.brokers = parseBrokers(brokersRaw)
	if len(cfg.brokers) == 0 {
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", brokersEnv)
	}
	if strings.TrimSpace(cfg.sourceTopic) == "" {
		return config{}, fmt.Errorf("source-topic is required")
	}
	if strings.TrimSpace(cfg.targetTopic) == "" {
		return config{}, fmt.Errorf("target-topic is required")
	}
	if cfg.limit <= 0 {
		return config{}, fmt.Errorf("limit must be > 0")
	}
	if cfg.idleTimeout <= 0 {
		return config{}, fmt.Errorf("idle-timeout must be > 0")
	}

	return cfg, nil
}

func parseBrokers(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		broker := strings.TrimSpace(chunk)
		if broker == "" {
			continue
		}
		brokers = append(brokers, broker)
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"limit":        cfg.limit,
		"execute":      cfg.execute,
		"from_newest":  cfg.fromNewest,
	}).Info("starting dlq replay")

	deps, err := newReplayDependencies(cfg)
	if err != nil {
		return err
	}
	if deps.closeFn != nil {
		defer deps.closeFn()
	}

	return runReplay(ctx, cfg, deps.client, deps.consumer, deps.publisher)
}

type replayStats struct {
	processed int
	replayed  int
	skipped   int
}

func (s *replayStats) add(other replayStats) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.skipped += other.skipped
}

func runReplay(ctx context.Context, cfg config, client offsetClient, consumer partitionConsumerSource, publisher domain.OutboxPublisher) error {
	if client == nil || consumer == nil {
		return fmt.Errorf("kafka client and consumer are required")
	}
	if cfg.execute && publisher == nil {
		return fmt.Errorf("publisher is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.sourceTopic)
	if err != nil {
		return fmt.Errorf("get partitions for topic %s: %w", cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.sourceTopic).Warn("source topic has no partitions")
		return nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var total replayStats
	for _, partition := range partitions {
		if total.processed >= cfg.limit {
			break
		}
		stats, err := processPartition(ctx, consumer, client, publisher, cfg, partition, cfg.limit-total.processed)
		total.add(stats)
		if err != nil {
			return err
		}
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":      mode,
		"processed": total.processed,
		"replayed":  total.replayed,
		"skipped":   total.skipped,
	}).Info("dlq replay finished")

	return nil
}

func processPartition(
	ctx context.Context,
	consumer partitionConsumerSource,
	client offsetClient,
	publisher domain.OutboxPublisher,
	cfg config,
	partition int32,
	limit int,
) (replayStats, error) {
	var stats replayStats
	if limit <= 0 {
		return stats, nil
	}

	oldest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	startOffset := oldest
	if cfg.fromNewest {
		startOffset = max(newest-int64(limit), oldest)
	}

	pc, err := consumer.ConsumePartition(cfg.sourceTopic, partition, startOffset)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idleTimer := time.NewTimer(cfg.idleTimeout)
	defer idleTimer.Stop()

	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case err := <-pc.Errors():
			if err != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, err)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(cfg.idleTimeout)

			stats.processed++
			logger := log.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

			event, ok, err := extractReplayEvent(msg.Value)
			switch {
			case err != nil:
				stats.skipped++
				logger.WithError(err).Warn("skip unsupported dlq message")
			case !ok || !strings.HasPrefix(event.EventType, cfg.eventPrefix):
				stats.skipped++
			case cfg.execute:
				if err := publisher.Publish(event); err != nil {
					return stats, fmt.Errorf("publish replay message: %w", err)
				}
				stats.replayed++
			default:
				logger.WithFields(log.Fields{
					"target_topic": cfg.targetTopic,
					"event_type":   event.EventType,
					"aggregate_id": event.AggregateID,
				}).Info("dlq replay candidate")
				stats.replayed++
			}

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		case <-idleTimer.C:
			return stats, nil
		}
	}

	return stats, nil
}

// extractReplayEvent восстанавливает исходное outbox-событие из DLQ-конверта.
// ok == false для сообщений, которые не являются DLQ-записями outbox.
func extractReplayEvent(raw []byte) (domain.OutboxMessage, bool, error) {
	var envelope kafka.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return domain.OutboxMessage{}, false, nil
	}
	if !strings.HasSuffix(envelope.EventType, outbox.DLQEventSuffix) || len(envelope.Payload) == 0 {
		return domain.OutboxMessage{}, false, nil
	}

	var payload dlqPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return domain.OutboxMessage{}, false, fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if len(payload.Payload) == 0 {
		return domain.OutboxMessage{}, false, fmt.Errorf("outbox dlq payload does not contain original event payload")
	}

	return domain.OutboxMessage{
		ID:            firstNonEmpty(payload.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(payload.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(payload.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(payload.EventType, strings.TrimSuffix(envelope.EventType, outbox.DLQEventSuffix)),
		Payload:       payload.Payload,
	}, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
