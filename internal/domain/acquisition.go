package domain

import "strings"

// DynamicStrategy — как выбирать предложение на динамическом пути.
type DynamicStrategy string

const (
	DynamicStrategyCheapest         DynamicStrategy = "cheapest"
	DynamicStrategyBestAvailability DynamicStrategy = "best_availability"
)

// AcquisitionRequest описывает одну логическую попытку аренды номера.
type AcquisitionRequest struct {
	UserID             string
	Country            string
	Service            string
	MaxPriceMinor      int64
	ExpectedPriceMinor int64
	UseDynamicPrice    bool
	DynamicStrategy    DynamicStrategy
	IdempotencyKey     string
}

// Validate проверяет обязательные поля запроса.
func (r AcquisitionRequest) Validate() []error {
	var errs []error
	if strings.TrimSpace(r.UserID) == "" {
		errs = append(errs, ErrUserRequired)
	}
	if strings.TrimSpace(r.Country) == "" {
		errs = append(errs, ErrCountryRequired)
	}
	if strings.TrimSpace(r.Service) == "" {
		errs = append(errs, ErrServiceRequired)
	}
	if r.MaxPriceMinor < 0 {
		errs = append(errs, ErrMaxPriceNegative)
	}
	return errs
}

// AcquisitionResult — итог попытки получить номер. После создания не изменяется.
type AcquisitionResult struct {
	Success            bool         `json:"success"`
	Provider           ProviderID   `json:"provider,omitempty"`
	ExternalID         string       `json:"external_id,omitempty"`
	PhoneNumber        string       `json:"phone_number,omitempty"`
	CostMinor          int64        `json:"cost_minor"`
	UsedDynamicPrice   bool         `json:"used_dynamic_price"`
	RegularPriceMinor  int64        `json:"regular_price_minor,omitempty"`
	SavingsAmountMinor int64        `json:"savings_amount_minor,omitempty"`
	ResponseTimeMs     int64        `json:"response_time_ms"`
	RetriedCount       int          `json:"retried_count"`
	ErrorCode          ErrorCode    `json:"error_code,omitempty"`
	LastError          string       `json:"last_error,omitempty"`
	AttemptedProviders []ProviderID `json:"attempted_providers,omitempty"`
}
