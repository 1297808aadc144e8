package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
	"github.com/luonghoangminh88-hub/smsflex/internal/provider"
	"github.com/luonghoangminh88-hub/smsflex/internal/provider/mock"
	"github.com/luonghoangminh88-hub/smsflex/internal/provider/smsactivate"
)

// SMSActivateProviderID — идентификатор провайдера sms-activate в реестре.
const SMSActivateProviderID domain.ProviderID = "smsactivate"

// initProviders собирает реестр адаптеров из конфигурации.
// Встроенные mock-провайдеры нужны для локального запуска и демо.
func initProviders(cfg Config, logger *log.Entry) (*provider.Registry, error) {
	registry, err := provider.NewRegistry()
	if err != nil {
		return nil, err
	}

	for _, id := range splitList(cfg.MockProviders) {
		if err := registry.Register(mock.New(domain.ProviderID(id))); err != nil {
			return nil, err
		}
		logger.WithField("provider", id).Warn("mock provider registered")
	}

	if cfg.SMSActivateAPIKey != "" {
		serviceMap, err := parseMapping(cfg.SMSActivateServiceMap)
		if err != nil {
			return nil, fmt.Errorf("smsactivate service map: %w", err)
		}
		countryMap, err := parseMapping(cfg.SMSActivateCountryMap)
		if err != nil {
			return nil, fmt.Errorf("smsactivate country map: %w", err)
		}
		client, err := smsactivate.New(smsactivate.Config{
			ID:            SMSActivateProviderID,
			BaseURL:       cfg.SMSActivateURL,
			APIKey:        cfg.SMSActivateAPIKey,
			Timeout:       cfg.AttemptTimeout,
			RatePerSecond: cfg.SMSActivateRate,
			ServiceMap:    serviceMap,
			CountryMap:    countryMap,
		}, nil, logger.WithField("provider", SMSActivateProviderID))
		if err != nil {
			return nil, err
		}
		if err := registry.Register(client); err != nil {
			return nil, err
		}
		logger.WithField("provider", SMSActivateProviderID).Info("provider registered")
	}

	if registry.Len() == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	return registry, nil
}
