package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

// DefaultStockTimeout ограничивает опрос остатка у одного провайдера.
const DefaultStockTimeout = 3 * time.Second

// StockProber опрашивает остатки всех адаптеров параллельно.
type StockProber struct {
	adapters []domain.ProviderAdapter
	timeout  time.Duration
	logger   *log.Entry
}

// NewStockProber создаёт prober; адаптеры передаются в порядке приоритета.
func NewStockProber(adapters []domain.ProviderAdapter, timeout time.Duration, logger *log.Entry) *StockProber {
	if logger == nil {
		logger = log.New().WithField("component", "stock-prober")
	}
	if timeout <= 0 {
		timeout = DefaultStockTimeout
	}
	return &StockProber{adapters: adapters, timeout: timeout, logger: logger}
}

// Probe возвращает снимок остатков. Ошибка провайдера превращается в ноль и не прерывает опрос.
func (p *StockProber) Probe(ctx context.Context, country, service string) domain.StockSnapshot {
	snapshot := domain.StockSnapshot{
		Country:    country,
		Service:    service,
		ByProvider: make(map[domain.ProviderID]int, len(p.adapters)),
	}

	// Ошибки провайдеров поглощаются в probeOne, поэтому группа никогда не отменяется.
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, adapter := range p.adapters {
		g.Go(func() error {
			stock := p.probeOne(ctx, adapter, country, service)

			mu.Lock()
			snapshot.ByProvider[adapter.ID()] = stock
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, stock := range snapshot.ByProvider {
		snapshot.Total += stock
	}
	return snapshot
}

func (p *StockProber) probeOne(ctx context.Context, adapter domain.ProviderAdapter, country, service string) (stock int) {
	logger := p.logger.WithFields(log.Fields{
		"provider": adapter.ID(),
		"country":  country,
		"service":  service,
	})

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", fmt.Sprint(r)).Error("stock probe panicked")
			stock = 0
		}
	}()

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	count, err := adapter.Stock(probeCtx, country, service)
	if err != nil {
		logger.WithError(err).Warn("stock probe failed, treating as zero")
		return 0
	}
	if count < 0 {
		return 0
	}
	return count
}
