package app

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/luonghoangminh88-hub/smsflex/internal/health"
)

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	cfg := newTestConfig()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := newTestConfig()
	cfg.StorageDriver = "invalid-driver"

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}
}

func TestRun_MissingJWTSecret(t *testing.T) {
	cfg := newTestConfig()
	cfg.JWTSecret = ""

	if err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected validation error without jwt secret")
	}
}

func TestInitRuntimeDependencies_PostgresSuccess(t *testing.T) {
	dsn := postgresTestDSNCandidate()
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}

	cfg := newTestConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn
	cfg.PostgresAutoMigrate = true
	cfg.CatalogSeed = "vn:telegram:1500:1000"

	ctx := context.Background()
	deps, err := initRuntimeDependencies(ctx, cfg, log.WithField("test", "postgres-init"))
	if err != nil {
		t.Skipf("postgres is not available for app integration test: %v", err)
	}
	defer func() { _ = deps.close() }()

	if deps.rentalRepo == nil || deps.outboxRepo == nil || deps.idempotencyRepo == nil || deps.prefsRepo == nil {
		t.Fatalf("postgres dependencies must be initialized: %+v", deps)
	}
	if deps.storageChecker == nil {
		t.Fatal("expected non-nil storage checker for postgres")
	}
	check := deps.storageChecker.Check(ctx)
	if check.Status != healthcheck.StatusHealthy {
		t.Fatalf("expected healthy storage checker, got %+v", check)
	}
	if _, err := deps.catalogRepo.Price(ctx, "vn", "telegram"); err != nil {
		t.Fatalf("expected seeded catalog price: %v", err)
	}
}

func TestInitOutboxPublishers_NoBroker(t *testing.T) {
	publishers, err := initOutboxPublishers(newTestConfig(), log.WithField("test", "outbox"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if publishers != nil {
		t.Fatalf("expected no publishers without broker, got %+v", publishers)
	}
	// Не должно паниковать
	publishers.close()
}

func TestKafkaHelpers_Nil(t *testing.T) {
	logger := log.WithField("test", "kafka")

	producer, err := initKafkaProducer("", logger)
	if err != nil || producer != nil {
		t.Fatalf("expected nil producer for empty brokers, got %v, %v", producer, err)
	}
	closeKafka(nil, logger)
}

func TestInitOutboxPublishers_Kafka(t *testing.T) {
	brokers := strings.TrimSpace(os.Getenv("SMSFLEX_KAFKA_TEST_BROKERS"))
	if brokers == "" {
		t.Skip("kafka brokers are not available")
	}

	cfg := newTestConfig()
	cfg.KafkaBrokers = brokers
	publishers, err := initOutboxPublishers(cfg, log.WithField("test", "kafka-publishers"))
	if err != nil {
		t.Skipf("kafka is not available for integration test: %v", err)
	}
	defer publishers.close()

	if publishers.primary == nil || publishers.dlq == nil {
		t.Fatalf("expected kafka publishers, got %+v", publishers)
	}
}

func postgresTestDSNCandidate() string {
	return strings.TrimSpace(os.Getenv("SMSFLEX_POSTGRES_TEST_DSN"))
}
