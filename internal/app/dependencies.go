package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/luonghoangminh88-hub/smsflex/internal/metrics"
	"github.com/luonghoangminh88-hub/smsflex/internal/pricing"
	"github.com/luonghoangminh88-hub/smsflex/internal/provider"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/acquisition"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/health"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/idempotency"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/rental"
)

// Dependencies содержит сервисный слой приложения.
type Dependencies struct {
	Registry     *provider.Registry
	Aggregator   *health.Aggregator
	Orchestrator *acquisition.Orchestrator
	Guard        *idempotency.Guard
	Coordinator  *rental.Coordinator
	Metrics      *metrics.AcquisitionMetrics
	Logger       *log.Entry
}

// NewDependencies собирает сервисы поверх выбранных хранилищ и реестра провайдеров.
func NewDependencies(cfg Config, storage *runtimeDependencies, registry *provider.Registry, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	if storage == nil || registry == nil {
		return nil, fmt.Errorf("storage and provider registry are required")
	}

	acquisitionMetrics := metrics.NewAcquisitionMetrics()
	aggregator := health.NewAggregator(storage.healthRepo, logger.WithField("component", "health-aggregator"))
	orchestrator := createOrchestrator(cfg, registry, aggregator, storage, acquisitionMetrics, logger)
	guard := idempotency.NewGuard(storage.idempotencyRepo, cfg.IdempotencyTTL, logger.WithField("component", "idempotency"))

	coordinator, err := rental.NewCoordinator(rental.Dependencies{
		Acquirer:     orchestrator,
		Registry:     registry,
		Guard:        guard,
		Catalog:      storage.catalogRepo,
		Pricing:      pricing.NewCalculator(pricing.DefaultConfig()),
		Balances:     storage.balanceRepo,
		Rentals:      storage.rentalRepo,
		Reservations: storage.reservationRepo,
		Outbox:       storage.outboxRepo,
		Recorder:     aggregator,
		Metrics:      acquisitionMetrics,
	}, logger.WithField("component", "rental-coordinator"))
	if err != nil {
		return nil, err
	}

	return &Dependencies{
		Registry:     registry,
		Aggregator:   aggregator,
		Orchestrator: orchestrator,
		Guard:        guard,
		Coordinator:  coordinator,
		Metrics:      acquisitionMetrics,
		Logger:       logger,
	}, nil
}
