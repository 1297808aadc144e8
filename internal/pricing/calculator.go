// Package pricing считает итоговую цену аренды и проверяет её перед списанием.
package pricing

import (
	"fmt"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

// Типы аренды.
const (
	RentalTypeActivation = "activation"
	RentalTypeRent       = "rent"
)

// Config задаёт политику наценки и скидок.
type Config struct {
	// MinMarginPercent — минимальная наценка над себестоимостью.
	MinMarginPercent int64
	// TolerancePercent — допустимое расхождение ожидаемой клиентом цены.
	TolerancePercent int64
	// MaxDiscountPercent ограничивает суммарную скидку.
	MaxDiscountPercent int64
}

// DefaultConfig возвращает политику по умолчанию.
func DefaultConfig() Config {
	return Config{
		MinMarginPercent:   10,
		TolerancePercent:   1,
		MaxDiscountPercent: 20,
	}
}

// Quote — результат расчёта.
type Quote struct {
	FinalPrice         int64
	Discount           int64
	DiscountPercentage int64
	OriginalPrice      int64
}

// ValidationResult — результат повторной проверки цены.
type ValidationResult struct {
	Valid           bool
	Err             error
	CalculatedPrice int64
}

// Calculator — чистая функция расчёта цены, без состояния кроме политики.
type Calculator struct {
	cfg Config
}

// NewCalculator создаёт калькулятор.
func NewCalculator(cfg Config) *Calculator {
	if cfg.MaxDiscountPercent <= 0 {
		cfg.MaxDiscountPercent = DefaultConfig().MaxDiscountPercent
	}
	return &Calculator{cfg: cfg}
}

// Calculate считает цену: база × количество × часы, минус скидка за объём и длительность,
// но не ниже себестоимости с минимальной наценкой.
func (c *Calculator) Calculate(basePrice, costPrice int64, rentalType string, extraCount, durationHours int) Quote {
	units := int64(1 + max(extraCount, 0))
	hours := int64(1)
	if rentalType == RentalTypeRent && durationHours > 1 {
		hours = int64(durationHours)
	}

	original := basePrice * units * hours
	pct := min(bulkDiscount(units)+durationDiscount(hours), c.cfg.MaxDiscountPercent)
	discount := original * pct / 100
	final := original - discount

	if floor := c.floor(costPrice * units * hours); final < floor {
		final = floor
		discount = max(original-final, 0)
		if original > 0 {
			pct = discount * 100 / original
		} else {
			pct = 0
		}
	}

	return Quote{
		FinalPrice:         final,
		Discount:           discount,
		DiscountPercentage: pct,
		OriginalPrice:      original,
	}
}

// Validate пересчитывает цену по каталогу и сверяет её с ожиданием клиента (0 — не проверять)
// и с фактической себестоимостью у провайдера (0 — не проверять).
func (c *Calculator) Validate(expectedPrice, basePrice, costPrice, quotedCost int64, rentalType string, extraCount, durationHours int) ValidationResult {
	quote := c.Calculate(basePrice, costPrice, rentalType, extraCount, durationHours)
	result := ValidationResult{Valid: true, CalculatedPrice: quote.FinalPrice}

	if quote.FinalPrice <= 0 {
		result.Valid = false
		result.Err = fmt.Errorf("%w: calculated price is not positive", domain.ErrPricingValidation)
		return result
	}

	if quotedCost > 0 && quote.FinalPrice < c.floor(quotedCost) {
		result.Valid = false
		result.Err = fmt.Errorf("%w: price %d does not cover provider cost %d with margin", domain.ErrPricingValidation, quote.FinalPrice, quotedCost)
		return result
	}

	if expectedPrice > 0 {
		tolerance := max(quote.FinalPrice*c.cfg.TolerancePercent/100, 1)
		diff := expectedPrice - quote.FinalPrice
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			result.Valid = false
			result.Err = fmt.Errorf("%w: expected %d, calculated %d", domain.ErrPricingValidation, expectedPrice, quote.FinalPrice)
		}
	}

	return result
}

func (c *Calculator) floor(cost int64) int64 {
	if cost <= 0 {
		return 0
	}
	return cost + cost*c.cfg.MinMarginPercent/100
}

func bulkDiscount(units int64) int64 {
	switch {
	case units >= 10:
		return 10
	case units >= 5:
		return 5
	default:
		return 0
	}
}

func durationDiscount(hours int64) int64 {
	switch {
	case hours >= 168:
		return 15
	case hours >= 24:
		return 10
	default:
		return 0
	}
}
