package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/luonghoangminh88-hub/smsflex/internal/metrics"
	"github.com/luonghoangminh88-hub/smsflex/internal/provider"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/acquisition"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/health"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/routing"
)

// createOrchestrator создаёт acquisition orchestrator с динамическим ценообразованием
// или без него в зависимости от конфигурации.
func createOrchestrator(
	cfg Config,
	registry *provider.Registry,
	aggregator *health.Aggregator,
	storage *runtimeDependencies,
	acquisitionMetrics *metrics.AcquisitionMetrics,
	logger *log.Entry,
) *acquisition.Orchestrator {
	prober := routing.NewStockProber(registry.Adapters(), cfg.StockTimeout, logger.WithField("component", "stock-prober"))

	options := []acquisition.Option{
		acquisition.WithMetrics(acquisitionMetrics),
		acquisition.WithAttemptTimeout(cfg.AttemptTimeout),
	}
	if cfg.DynamicPricing {
		pricer := acquisition.NewDynamicPricer(
			registry,
			aggregator,
			storage.catalogRepo,
			cfg.StockTimeout,
			logger.WithField("component", "dynamic-pricer"),
		)
		options = append(options, acquisition.WithDynamicPricer(pricer))
	}

	return acquisition.NewOrchestrator(
		registry,
		prober,
		aggregator,
		storage.prefsRepo,
		logger.WithField("component", "acquisition"),
		options...,
	)
}
