package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

// CatalogRepository читает прайс из таблицы catalog_prices.
type CatalogRepository struct {
	db *sql.DB
}

// NewCatalogRepository создаёт PostgreSQL-реализацию CatalogRepository.
func NewCatalogRepository(store *Store) *CatalogRepository {
	return &CatalogRepository{db: store.DB()}
}

func (r *CatalogRepository) Price(ctx context.Context, country, service string) (domain.CatalogPrice, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	price := domain.CatalogPrice{Country: country, Service: service}
	err := r.db.QueryRowContext(ctx, `
		SELECT base_price_minor, cost_price_minor, rental_type, duration_minutes
		FROM catalog_prices
		WHERE country = $1 AND service = $2
	`, country, service).Scan(&price.BasePriceMinor, &price.CostPriceMinor, &price.RentalType, &price.DurationMinutes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CatalogPrice{}, domain.ErrCatalogPriceNotFound
		}
		return domain.CatalogPrice{}, fmt.Errorf("get catalog price: %w", err)
	}
	return price, nil
}

// Put добавляет или заменяет строку прайса.
func (r *CatalogRepository) Put(ctx context.Context, price domain.CatalogPrice) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if price.RentalType == "" {
		price.RentalType = "activation"
	}
	if price.DurationMinutes <= 0 {
		price.DurationMinutes = 20
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO catalog_prices (country, service, base_price_minor, cost_price_minor, rental_type, duration_minutes, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW())
		ON CONFLICT (country, service) DO UPDATE
		SET base_price_minor = EXCLUDED.base_price_minor,
		    cost_price_minor = EXCLUDED.cost_price_minor,
		    rental_type = EXCLUDED.rental_type,
		    duration_minutes = EXCLUDED.duration_minutes,
		    updated_at = NOW()
	`, price.Country, price.Service, price.BasePriceMinor, price.CostPriceMinor, price.RentalType, price.DurationMinutes); err != nil {
		return fmt.Errorf("upsert catalog price: %w", err)
	}
	return nil
}

var _ domain.CatalogRepository = (*CatalogRepository)(nil)
