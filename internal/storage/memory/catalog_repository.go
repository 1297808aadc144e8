package memory

import (
	"context"
	"sync"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

// CatalogRepository — in-memory прайс, заполняется через Put.
type CatalogRepository struct {
	mu     sync.RWMutex
	prices map[string]domain.CatalogPrice
}

// NewCatalogRepository создаёт пустой in-memory каталог.
func NewCatalogRepository() *CatalogRepository {
	return &CatalogRepository{prices: make(map[string]domain.CatalogPrice)}
}

// Put добавляет или заменяет строку прайса.
func (r *CatalogRepository) Put(price domain.CatalogPrice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices[catalogKey(price.Country, price.Service)] = price
}

func (r *CatalogRepository) Price(_ context.Context, country, service string) (domain.CatalogPrice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	price, ok := r.prices[catalogKey(country, service)]
	if !ok {
		return domain.CatalogPrice{}, domain.ErrCatalogPriceNotFound
	}
	return price, nil
}

func catalogKey(country, service string) string {
	return country + "/" + service
}

var _ domain.CatalogRepository = (*CatalogRepository)(nil)
