package acquisition

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
	"github.com/luonghoangminh88-hub/smsflex/internal/provider"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/health"
)

// DefaultMinMarketStock — минимальный остаток предложения для динамической покупки.
const DefaultMinMarketStock = 5

// DynamicPricer пробует одну покупку по рыночной цене до стандартного пути.
type DynamicPricer struct {
	registry *provider.Registry
	recorder health.Recorder
	catalog  domain.CatalogRepository
	minStock int
	timeout  time.Duration
	logger   *log.Entry
	now      func() time.Time
}

// NewDynamicPricer создаёт динамический путь. catalog нужен для расчёта экономии и может быть nil.
func NewDynamicPricer(registry *provider.Registry, recorder health.Recorder, catalog domain.CatalogRepository, timeout time.Duration, logger *log.Entry) *DynamicPricer {
	if logger == nil {
		logger = log.New().WithField("component", "dynamic-pricer")
	}
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	return &DynamicPricer{
		registry: registry,
		recorder: recorder,
		catalog:  catalog,
		minStock: DefaultMinMarketStock,
		timeout:  timeout,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Offers собирает предложения всех MarketPricer-адаптеров. Ошибки провайдеров пропускаются.
func (d *DynamicPricer) Offers(ctx context.Context, country, service string) []domain.MarketOffer {
	var offers []domain.MarketOffer
	for _, adapter := range d.registry.Adapters() {
		pricer, ok := adapter.(domain.MarketPricer)
		if !ok {
			continue
		}
		list, err := marketPrices(ctx, pricer, country, service)
		if err != nil {
			d.logger.WithError(err).WithField("provider", adapter.ID()).Warn("market price lookup failed")
			continue
		}
		for _, offer := range list {
			if offer.Provider == "" {
				offer.Provider = adapter.ID()
			}
			offers = append(offers, offer)
		}
	}
	return offers
}

// SelectOffer выбирает предложение по стратегии среди тех, где остаток не меньше minStock
// и цена не выше maxPrice (0 — без ограничения).
func SelectOffer(offers []domain.MarketOffer, strategy domain.DynamicStrategy, minStock int, maxPriceMinor int64) (domain.MarketOffer, bool) {
	var (
		best  domain.MarketOffer
		found bool
	)
	for _, offer := range offers {
		if offer.Stock < minStock || offer.PriceMinor <= 0 {
			continue
		}
		if maxPriceMinor > 0 && offer.PriceMinor > maxPriceMinor {
			continue
		}
		if !found || better(offer, best, strategy) {
			best, found = offer, true
		}
	}
	return best, found
}

func better(candidate, current domain.MarketOffer, strategy domain.DynamicStrategy) bool {
	if strategy == domain.DynamicStrategyBestAvailability {
		if candidate.Stock != current.Stock {
			return candidate.Stock > current.Stock
		}
		return candidate.PriceMinor < current.PriceMinor
	}
	if candidate.PriceMinor != current.PriceMinor {
		return candidate.PriceMinor < current.PriceMinor
	}
	return candidate.Stock > current.Stock
}

// Try делает одну попытку без повторов. false означает, что нужно идти стандартным путём.
func (d *DynamicPricer) Try(ctx context.Context, req domain.AcquisitionRequest) (domain.AcquisitionResult, bool) {
	logger := d.logger.WithFields(log.Fields{"country": req.Country, "service": req.Service})

	offer, ok := SelectOffer(d.Offers(ctx, req.Country, req.Service), req.DynamicStrategy, d.minStock, req.MaxPriceMinor)
	if !ok {
		logger.Debug("no market offer with sufficient stock")
		return domain.AcquisitionResult{}, false
	}

	adapter, err := d.registry.Get(offer.Provider)
	if err != nil {
		logger.WithError(err).Warn("market offer references unknown provider")
		return domain.AcquisitionResult{}, false
	}
	pricer, ok := adapter.(domain.MarketPricer)
	if !ok {
		return domain.AcquisitionResult{}, false
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	started := d.now()
	purchase, err := purchaseAt(attemptCtx, pricer, req, offer)
	if err == nil && purchase.ExternalID == "" {
		err = fmt.Errorf("%w: empty activation id", domain.ErrProviderTransient)
	}
	if err != nil {
		releaseOrphan(ctx, logger, adapter, purchase.ExternalID, d.timeout)
	}
	err = normalize(err)

	if d.recorder != nil {
		if _, recErr := d.recorder.RecordRequest(ctx, health.Observation{
			Provider:     offer.Provider,
			RequestType:  domain.RequestTypeDynamicPurchase,
			Success:      err == nil,
			Latency:      d.now().Sub(started),
			ErrorMessage: errorMessage(err),
			Metadata: map[string]string{
				"country":  req.Country,
				"service":  req.Service,
				"operator": offer.Operator,
				"price":    fmt.Sprint(offer.PriceMinor),
			},
		}); recErr != nil {
			logger.WithError(recErr).Warn("record dynamic purchase observation failed")
		}
	}

	if err != nil {
		logger.WithError(err).WithField("provider", offer.Provider).Warn("dynamic price purchase failed, falling back to standard path")
		return domain.AcquisitionResult{}, false
	}

	cost := purchase.CostMinor
	if cost == 0 {
		cost = offer.PriceMinor
	}
	result := domain.AcquisitionResult{
		Success:            true,
		Provider:           offer.Provider,
		ExternalID:         purchase.ExternalID,
		PhoneNumber:        purchase.PhoneNumber,
		CostMinor:          cost,
		UsedDynamicPrice:   true,
		AttemptedProviders: []domain.ProviderID{offer.Provider},
	}

	if d.catalog != nil {
		if price, err := d.catalog.Price(ctx, req.Country, req.Service); err == nil {
			result.RegularPriceMinor = price.CostPriceMinor
			if saving := price.CostPriceMinor - cost; saving > 0 {
				result.SavingsAmountMinor = saving
			}
		}
	}
	return result, true
}

func marketPrices(ctx context.Context, pricer domain.MarketPricer, country, service string) (offers []domain.MarketOffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: adapter panic: %v", domain.ErrProviderTransient, r)
		}
	}()
	return pricer.MarketPrices(ctx, country, service)
}

func purchaseAt(ctx context.Context, pricer domain.MarketPricer, req domain.AcquisitionRequest, offer domain.MarketOffer) (purchase domain.Purchase, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: adapter panic: %v", domain.ErrProviderTransient, r)
		}
	}()
	return pricer.PurchaseAt(ctx, req.Country, req.Service, offer)
}
